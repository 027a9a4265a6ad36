package ap

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestBuildLedgerOrderingAndRunningBalance(t *testing.T) {
	invoices := []Invoice{
		{Number: "INV-001", InvoiceDate: date(2026, 1, 1), GrandTotal: d("100.00"), Status: InvoiceUnpaid},
		{Number: "INV-002", InvoiceDate: date(2026, 1, 5), GrandTotal: d("50.00"), Status: InvoiceUnpaid},
		{Number: "INV-003", InvoiceDate: date(2026, 1, 9), GrandTotal: d("10.00"), Status: InvoiceCancelled},
	}
	payments := []Payment{
		{Number: "PV-000001", PaidAt: date(2026, 1, 5), Total: d("60.00"), Status: PaymentFullyAllocated},
	}

	entries := BuildLedger(invoices, payments)
	require.Len(t, entries, 3, "cancelled documents stay off the ledger")

	require.Equal(t, "INV-001", entries[0].DocumentNumber)
	require.True(t, entries[0].RunningBalance.Equal(d("100.00")))

	// Same-date entries order by document number, so the invoice lands first.
	require.Equal(t, "INV-002", entries[1].DocumentNumber)
	require.True(t, entries[1].RunningBalance.Equal(d("150.00")))

	require.Equal(t, "PV-000001", entries[2].DocumentNumber)
	require.Equal(t, DocTypePayment, entries[2].DocumentType)
	require.True(t, entries[2].Debit.Equal(d("60.00")))
	require.True(t, entries[2].RunningBalance.Equal(d("90.00")))
}

func TestBuildLedgerEmpty(t *testing.T) {
	entries := BuildLedger(nil, nil)
	require.Empty(t, entries)
}

func TestSummarizeOverdue(t *testing.T) {
	now := date(2026, 3, 15)
	invoices := []Invoice{
		{Status: InvoicePartiallyPaid, DueAt: date(2026, 2, 1), Remaining: d("70.00")},
		{Status: InvoiceUnpaid, DueAt: date(2026, 3, 1), Remaining: d("30.00")},
		{Status: InvoiceUnpaid, DueAt: date(2026, 4, 1), Remaining: d("99.00")},
		{Status: InvoicePaid, DueAt: date(2026, 1, 1), Remaining: decimal.Zero},
	}
	entries := []LedgerEntry{{RunningBalance: d("199.00")}}

	summary := Summarize(42, entries, invoices, now)
	require.Equal(t, int64(42), summary.SupplierID)
	require.True(t, summary.PaymentBalance.Equal(d("199.00")))
	require.True(t, summary.OverdueBalance.Equal(d("100.00")), "only open invoices past due count")
	require.Equal(t, now, summary.RefreshedAt)
}

func TestRebuildLedgerReconciles(t *testing.T) {
	svc, repo := testService()
	ctx := testContext()

	seedInvoice(t, svc, ctx, "INV-001", 1, "300.00", date(2026, 1, 10))
	seedInvoice(t, svc, ctx, "INV-002", 1, "150.00", date(2026, 2, 10))

	_, err := svc.CreatePayment(ctx, CreatePaymentInput{
		SupplierID: 1, Total: d("400.00"), Method: "TRANSFER", PaidAt: date(2026, 3, 1),
	})
	require.NoError(t, err)

	entries, summary, err := svc.RebuildLedger(ctx, 1)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	// The independent ledger scan must agree with the allocation-maintained
	// remainders: all payment funds were allocated, so the final balance
	// equals the open remainder.
	openRemainder := decimal.Zero
	for _, inv := range repo.invoices {
		openRemainder = openRemainder.Add(inv.Remaining)
	}
	require.True(t, summary.PaymentBalance.Equal(openRemainder),
		"ledger balance %s != open remainder %s", summary.PaymentBalance, openRemainder)

	stored, err := repo.GetSupplierSummary(ctx, 1)
	require.NoError(t, err)
	require.True(t, stored.PaymentBalance.Equal(summary.PaymentBalance))
}

func TestGetSupplierSummaryRebuildsWhenMissing(t *testing.T) {
	svc, repo := testService()
	ctx := testContext()

	seedInvoice(t, svc, ctx, "INV-001", 1, "100.00", date(2026, 1, 10))
	delete(repo.summaries, 1)

	summary, err := svc.GetSupplierSummary(ctx, 1)
	require.NoError(t, err)
	require.True(t, summary.PaymentBalance.Equal(d("100.00")))

	_, err = repo.GetSupplierSummary(ctx, 1)
	require.NoError(t, err, "rebuild persists the summary row")
}

func TestRebuildAllSummaries(t *testing.T) {
	svc, repo := testService()
	ctx := testContext()

	seedInvoice(t, svc, ctx, "INV-001", 1, "100.00", date(2026, 1, 10))
	seedInvoice(t, svc, ctx, "INV-002", 2, "200.00", date(2026, 1, 10))
	seedInvoice(t, svc, ctx, "INV-003", 3, "300.00", date(2026, 1, 10))
	for id := int64(1); id <= 3; id++ {
		delete(repo.summaries, id)
	}

	require.NoError(t, svc.RebuildAllSummaries(ctx))
	require.Len(t, repo.summaries, 3)
}

func TestSupplierLedgerWithoutCachePassesThrough(t *testing.T) {
	svc, _ := testService()
	ctx := testContext()

	seedInvoice(t, svc, ctx, "INV-001", 1, "100.00", date(2026, 1, 10))

	entries, err := svc.GetSupplierLedger(ctx, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	_, err = svc.GetSupplierLedger(ctx, 0)
	require.ErrorIs(t, err, ErrValidation)
}
