package ap

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/halcyon-erp/halcyon-erp/internal/numbering"
)

// memoryRepo backs the service tests. The same value implements both the
// plain and the transactional interface; WithTx is a straight call-through
// since the tests exercise single-writer scenarios.
type memoryRepo struct {
	invoices    map[int64]Invoice
	payments    map[int64]Payment
	allocations map[int64]Allocation
	summaries   map[int64]SupplierSummary
	sequences   map[string]int64

	nextInvoiceID    int64
	nextPaymentID    int64
	nextAllocationID int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		invoices:    make(map[int64]Invoice),
		payments:    make(map[int64]Payment),
		allocations: make(map[int64]Allocation),
		summaries:   make(map[int64]SupplierSummary),
		sequences:   make(map[string]int64),
	}
}

var _ Repository = (*memoryRepo)(nil)
var _ TxRepository = (*memoryRepo)(nil)

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, r)
}

func (r *memoryRepo) GetInvoice(ctx context.Context, id int64) (Invoice, error) {
	inv, ok := r.invoices[id]
	if !ok {
		return Invoice{}, ErrInvoiceNotFound
	}
	return inv, nil
}

func (r *memoryRepo) GetPayment(ctx context.Context, id int64) (Payment, error) {
	p, ok := r.payments[id]
	if !ok {
		return Payment{}, ErrPaymentNotFound
	}
	return p, nil
}

func (r *memoryRepo) GetAllocation(ctx context.Context, id int64) (Allocation, error) {
	a, ok := r.allocations[id]
	if !ok {
		return Allocation{}, ErrAllocationNotFound
	}
	return a, nil
}

func (r *memoryRepo) GetInvoiceForUpdate(ctx context.Context, id int64) (Invoice, error) {
	return r.GetInvoice(ctx, id)
}

func (r *memoryRepo) GetPaymentForUpdate(ctx context.Context, id int64) (Payment, error) {
	return r.GetPayment(ctx, id)
}

func (r *memoryRepo) AllocationPairExists(ctx context.Context, paymentID, invoiceID int64) (bool, error) {
	for _, a := range r.allocations {
		if a.PaymentID == paymentID && a.InvoiceID == invoiceID {
			return true, nil
		}
	}
	return false, nil
}

func (r *memoryRepo) ListOpenInvoicesForUpdate(ctx context.Context, supplierID int64) ([]Invoice, error) {
	var out []Invoice
	for _, inv := range r.invoices {
		if inv.SupplierID != supplierID {
			continue
		}
		if inv.Status != InvoiceUnpaid && inv.Status != InvoicePartiallyPaid {
			continue
		}
		if inv.Type == InvoiceTypeCreditNote || !inv.Remaining.IsPositive() {
			continue
		}
		out = append(out, inv)
	}
	sortInvoicesByDue(out)
	return out, nil
}

func (r *memoryRepo) ListUnsettledInvoices(ctx context.Context, supplierID int64, includeCreditNotes bool) ([]Invoice, error) {
	var out []Invoice
	for _, inv := range r.invoices {
		if inv.SupplierID != supplierID {
			continue
		}
		if inv.Status != InvoiceUnpaid && inv.Status != InvoicePartiallyPaid {
			continue
		}
		if !includeCreditNotes && (inv.Type == InvoiceTypeCreditNote || !inv.Remaining.IsPositive()) {
			continue
		}
		out = append(out, inv)
	}
	sortInvoicesByDue(out)
	return out, nil
}

func (r *memoryRepo) ListAllocationsForPayment(ctx context.Context, paymentID int64) ([]Allocation, error) {
	var out []Allocation
	for _, a := range r.allocations {
		if a.PaymentID == paymentID {
			out = append(out, a)
		}
	}
	sortAllocations(out)
	return out, nil
}

func (r *memoryRepo) ListAllocationsForInvoice(ctx context.Context, invoiceID int64) ([]Allocation, error) {
	var out []Allocation
	for _, a := range r.allocations {
		if a.InvoiceID == invoiceID {
			out = append(out, a)
		}
	}
	sortAllocations(out)
	return out, nil
}

func (r *memoryRepo) ListSupplierInvoices(ctx context.Context, supplierID int64) ([]Invoice, error) {
	var out []Invoice
	for _, inv := range r.invoices {
		if inv.SupplierID == supplierID && inv.Status != InvoiceCancelled {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].InvoiceDate.Equal(out[j].InvoiceDate) {
			return out[i].InvoiceDate.Before(out[j].InvoiceDate)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *memoryRepo) ListSupplierPayments(ctx context.Context, supplierID int64) ([]Payment, error) {
	var out []Payment
	for _, p := range r.payments {
		if p.SupplierID == supplierID && p.Status != PaymentCancelled {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PaidAt.Equal(out[j].PaidAt) {
			return out[i].PaidAt.Before(out[j].PaidAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *memoryRepo) ListSupplierIDs(ctx context.Context) ([]int64, error) {
	seen := make(map[int64]bool)
	for _, inv := range r.invoices {
		seen[inv.SupplierID] = true
	}
	for _, p := range r.payments {
		seen[p.SupplierID] = true
	}
	ids := make([]int64, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (r *memoryRepo) CountAllocationsForInvoice(ctx context.Context, invoiceID int64) (int, error) {
	n := 0
	for _, a := range r.allocations {
		if a.InvoiceID == invoiceID {
			n++
		}
	}
	return n, nil
}

func (r *memoryRepo) CountAllocationsForPayment(ctx context.Context, paymentID int64) (int, error) {
	n := 0
	for _, a := range r.allocations {
		if a.PaymentID == paymentID {
			n++
		}
	}
	return n, nil
}

func (r *memoryRepo) InsertInvoice(ctx context.Context, inv Invoice) (int64, error) {
	for _, existing := range r.invoices {
		if existing.Number == inv.Number {
			return 0, businessRulef("invoice number %s already registered", inv.Number)
		}
	}
	r.nextInvoiceID++
	inv.ID = r.nextInvoiceID
	r.invoices[inv.ID] = inv
	return inv.ID, nil
}

func (r *memoryRepo) InsertPayment(ctx context.Context, p Payment) (int64, error) {
	r.nextPaymentID++
	p.ID = r.nextPaymentID
	r.payments[p.ID] = p
	return p.ID, nil
}

func (r *memoryRepo) InsertAllocation(ctx context.Context, a Allocation) (int64, error) {
	for _, existing := range r.allocations {
		if existing.PaymentID == a.PaymentID && existing.InvoiceID == a.InvoiceID {
			return 0, businessRulef("payment %d already allocated to invoice %d", a.PaymentID, a.InvoiceID)
		}
	}
	r.nextAllocationID++
	a.ID = r.nextAllocationID
	r.allocations[a.ID] = a
	return a.ID, nil
}

func (r *memoryRepo) DeleteAllocation(ctx context.Context, id int64) error {
	if _, ok := r.allocations[id]; !ok {
		return ErrAllocationNotFound
	}
	delete(r.allocations, id)
	return nil
}

func (r *memoryRepo) UpdateInvoiceSettlement(ctx context.Context, id int64, paid, remaining decimal.Decimal, status InvoiceStatus) error {
	inv, ok := r.invoices[id]
	if !ok {
		return ErrInvoiceNotFound
	}
	inv.Paid = paid
	inv.Remaining = remaining
	inv.Status = status
	r.invoices[id] = inv
	return nil
}

func (r *memoryRepo) UpdatePaymentAllocation(ctx context.Context, id int64, unallocated decimal.Decimal, status PaymentStatus) error {
	p, ok := r.payments[id]
	if !ok {
		return ErrPaymentNotFound
	}
	p.Unallocated = unallocated
	p.Status = status
	r.payments[id] = p
	return nil
}

func (r *memoryRepo) UpdateInvoiceStatus(ctx context.Context, id int64, status InvoiceStatus) error {
	inv, ok := r.invoices[id]
	if !ok {
		return ErrInvoiceNotFound
	}
	inv.Status = status
	r.invoices[id] = inv
	return nil
}

func (r *memoryRepo) UpdatePaymentStatus(ctx context.Context, id int64, status PaymentStatus) error {
	p, ok := r.payments[id]
	if !ok {
		return ErrPaymentNotFound
	}
	p.Status = status
	r.payments[id] = p
	return nil
}

func (r *memoryRepo) NextSequence(ctx context.Context, series string) (int64, error) {
	if series == "" {
		series = numbering.DefaultPaymentSeries
	}
	r.sequences[series]++
	return r.sequences[series], nil
}

func (r *memoryRepo) UpsertSupplierSummary(ctx context.Context, summary SupplierSummary) error {
	r.summaries[summary.SupplierID] = summary
	return nil
}

func (r *memoryRepo) GetSupplierSummary(ctx context.Context, supplierID int64) (SupplierSummary, error) {
	s, ok := r.summaries[supplierID]
	if !ok {
		return SupplierSummary{}, ErrSummaryNotFound
	}
	return s, nil
}

func sortInvoicesByDue(invoices []Invoice) {
	sort.Slice(invoices, func(i, j int) bool {
		if !invoices[i].DueAt.Equal(invoices[j].DueAt) {
			return invoices[i].DueAt.Before(invoices[j].DueAt)
		}
		return invoices[i].ID < invoices[j].ID
	})
}

func sortAllocations(allocations []Allocation) {
	sort.Slice(allocations, func(i, j int) bool {
		if !allocations[i].AllocatedAt.Equal(allocations[j].AllocatedAt) {
			return allocations[i].AllocatedAt.Before(allocations[j].AllocatedAt)
		}
		return allocations[i].ID < allocations[j].ID
	})
}
