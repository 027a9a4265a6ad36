package ap

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache wraps Redis-based caching of supplier ledgers. A nil client degrades
// to pass-through loading, so the engine works without Redis.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache instantiates the cache helper.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

func ledgerKey(supplierID int64) string {
	return "ap:ledger:" + strconv.FormatInt(supplierID, 10)
}

// FetchLedger loads a cached ledger or populates it using the loader.
func (c *Cache) FetchLedger(ctx context.Context, supplierID int64, loader func(context.Context) ([]LedgerEntry, error)) ([]LedgerEntry, error) {
	if loader == nil {
		return nil, errors.New("ap: cache loader required")
	}
	if c == nil || c.client == nil {
		return loader(ctx)
	}

	payload, err := c.client.Get(ctx, ledgerKey(supplierID)).Bytes()
	if err == nil {
		var entries []LedgerEntry
		if jsonErr := json.Unmarshal(payload, &entries); jsonErr == nil {
			return entries, nil
		}
		// Corrupt payload: fall through and repopulate.
	} else if err != redis.Nil {
		return nil, err
	}

	entries, err := loader(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return nil, err
	}
	if err := c.client.Set(ctx, ledgerKey(supplierID), raw, c.ttl).Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// Invalidate drops the cached ledger for a supplier after a mutation.
func (c *Cache) Invalidate(ctx context.Context, supplierID int64) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Del(ctx, ledgerKey(supplierID)).Err()
}
