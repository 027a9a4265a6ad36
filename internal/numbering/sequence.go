// Package numbering issues unique, gapless document numbers per series.
package numbering

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// DefaultPaymentSeries is used when a caller does not name a series.
const DefaultPaymentSeries = "PV"

// Next atomically increments and returns the counter for a series. It runs
// inside the caller's transaction, so the number only becomes visible when
// the surrounding document insert commits. The UPSERT takes a row lock on the
// series key, which serialises concurrent callers.
func Next(ctx context.Context, tx pgx.Tx, series string) (int64, error) {
	const query = `
		INSERT INTO ap_doc_sequences (series, value)
		VALUES ($1, 1)
		ON CONFLICT (series)
		DO UPDATE SET value = ap_doc_sequences.value + 1
		RETURNING value`

	var value int64
	if err := tx.QueryRow(ctx, query, normalise(series)).Scan(&value); err != nil {
		return 0, fmt.Errorf("numbering: next %q: %w", series, err)
	}
	return value, nil
}

// Format renders a document number from its series and sequence value.
func Format(series string, value int64) string {
	return fmt.Sprintf("%s-%06d", normalise(series), value)
}

func normalise(series string) string {
	s := strings.ToUpper(strings.TrimSpace(series))
	if s == "" {
		return DefaultPaymentSeries
	}
	return s
}
