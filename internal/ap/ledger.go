package ap

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Ledger document type labels.
const (
	DocTypePayment = "PAYMENT"
	DocTypeInvoice = "INVOICE"
)

// BuildLedger merges the supplier's non-cancelled payments (debits) and
// invoices (credits) into one chronological stream and derives the running
// balance with a prefix-sum scan. It deliberately ignores allocation
// records: the result is an independent cross-check against the
// allocation-maintained remainders.
func BuildLedger(invoices []Invoice, payments []Payment) []LedgerEntry {
	entries := make([]LedgerEntry, 0, len(invoices)+len(payments))

	for _, inv := range invoices {
		if inv.Status == InvoiceCancelled {
			continue
		}
		entries = append(entries, LedgerEntry{
			Date:           inv.InvoiceDate,
			DocumentType:   DocTypeInvoice,
			DocumentNumber: inv.Number,
			Details:        InvoiceDetails(inv),
			Debit:          decimal.Zero,
			Credit:         inv.GrandTotal,
		})
	}
	for _, p := range payments {
		if p.Status == PaymentCancelled {
			continue
		}
		entries = append(entries, LedgerEntry{
			Date:           p.PaidAt,
			DocumentType:   DocTypePayment,
			DocumentNumber: p.Number,
			Details:        PaymentDetails(p),
			Debit:          p.Total,
			Credit:         decimal.Zero,
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].Date.Equal(entries[j].Date) {
			return entries[i].Date.Before(entries[j].Date)
		}
		return entries[i].DocumentNumber < entries[j].DocumentNumber
	})

	balance := decimal.Zero
	for i := range entries {
		balance = Round2(balance.Add(entries[i].Credit).Sub(entries[i].Debit))
		entries[i].RunningBalance = balance
	}
	return entries
}

// Summarize derives the supplier summary from the ledger result and the raw
// invoices. The payment balance is the final running balance (positive means
// the business owes the supplier); the overdue balance sums remainders of
// open invoices past their due date.
func Summarize(supplierID int64, entries []LedgerEntry, invoices []Invoice, now time.Time) SupplierSummary {
	balance := decimal.Zero
	if len(entries) > 0 {
		balance = entries[len(entries)-1].RunningBalance
	}

	overdue := decimal.Zero
	for _, inv := range invoices {
		if inv.Status != InvoiceUnpaid && inv.Status != InvoicePartiallyPaid {
			continue
		}
		if inv.DueAt.Before(now) {
			overdue = Round2(overdue.Add(inv.Remaining))
		}
	}

	return SupplierSummary{
		SupplierID:     supplierID,
		PaymentBalance: balance,
		OverdueBalance: overdue,
		RefreshedAt:    now,
	}
}

// RebuildLedger reconstructs the supplier's chronological ledger from raw
// invoices and payments and refreshes the cached summary. It is a pure
// read-then-write-cache operation: it may observe a snapshot slightly behind
// concurrent mutations, which is acceptable because it is advisory and
// idempotently re-runnable.
func (s *Service) RebuildLedger(ctx context.Context, supplierID int64) ([]LedgerEntry, SupplierSummary, error) {
	if supplierID <= 0 {
		return nil, SupplierSummary{}, validationf("supplier id is required")
	}

	invoices, err := s.repo.ListSupplierInvoices(ctx, supplierID)
	if err != nil {
		return nil, SupplierSummary{}, err
	}
	payments, err := s.repo.ListSupplierPayments(ctx, supplierID)
	if err != nil {
		return nil, SupplierSummary{}, err
	}

	entries := BuildLedger(invoices, payments)
	summary := Summarize(supplierID, entries, invoices, s.clock())

	// The summary cache write is isolated from the read result: a failure
	// here is logged, not returned, so reconciliation reads stay available.
	if err := s.repo.UpsertSupplierSummary(ctx, summary); err != nil {
		s.logger.Warn("supplier summary upsert",
			slog.Int64("supplier_id", supplierID), slog.Any("error", err))
	}
	return entries, summary, nil
}

// GetSupplierSummary returns the cached summary row, rebuilding it when no
// cache exists yet.
func (s *Service) GetSupplierSummary(ctx context.Context, supplierID int64) (SupplierSummary, error) {
	summary, err := s.repo.GetSupplierSummary(ctx, supplierID)
	if err == nil {
		return summary, nil
	}
	if !errors.Is(err, ErrSummaryNotFound) {
		return SupplierSummary{}, err
	}
	_, summary, err = s.RebuildLedger(ctx, supplierID)
	return summary, err
}

// GetSupplierLedger serves the read path for supplier statements: cached
// entries when available, rebuilt (and cached) otherwise.
func (s *Service) GetSupplierLedger(ctx context.Context, supplierID int64) ([]LedgerEntry, error) {
	if supplierID <= 0 {
		return nil, validationf("supplier id is required")
	}
	return s.cache.FetchLedger(ctx, supplierID, func(ctx context.Context) ([]LedgerEntry, error) {
		entries, _, err := s.RebuildLedger(ctx, supplierID)
		return entries, err
	})
}

// RebuildAllSummaries refreshes every supplier summary with bounded
// concurrency. Used by the nightly reconciliation job.
func (s *Service) RebuildAllSummaries(ctx context.Context) error {
	ids, err := s.repo.ListSupplierIDs(ctx)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, id := range ids {
		g.Go(func() error {
			_, _, err := s.RebuildLedger(ctx, id)
			return err
		})
	}
	return g.Wait()
}
