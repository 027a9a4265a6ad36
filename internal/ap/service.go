package ap

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/halcyon-erp/halcyon-erp/internal/numbering"
	"github.com/halcyon-erp/halcyon-erp/internal/shared"
)

// Auditor records audit trail entries. *shared.AuditLogger satisfies it.
type Auditor interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// SummaryRefresher triggers a ledger/summary rebuild for a supplier after a
// successful mutation. Implementations are best-effort: the service logs
// failures and never surfaces them to the caller.
type SummaryRefresher interface {
	TriggerRebuild(ctx context.Context, supplierID int64) error
}

// MutationRecorder counts settlement mutations, for metrics.
type MutationRecorder interface {
	RecordSettlement(operation string)
}

// Service is the allocation engine. Every mutating operation runs inside one
// atomic transaction spanning the allocation write and the paired invoice and
// payment updates.
type Service struct {
	repo      Repository
	logger    *slog.Logger
	clock     func() time.Time
	audit     Auditor
	refresher SummaryRefresher
	metrics   MutationRecorder
	cache     *Cache
}

// NewService constructs the settlement service.
func NewService(repo Repository, logger *slog.Logger) *Service {
	return &Service{repo: repo, logger: logger, clock: time.Now}
}

// SetAuditor injects the audit trail sink.
func (s *Service) SetAuditor(a Auditor) { s.audit = a }

// SetRefresher injects the best-effort summary refresh trigger.
func (s *Service) SetRefresher(r SummaryRefresher) { s.refresher = r }

// SetMetrics injects the mutation counter.
func (s *Service) SetMetrics(m MutationRecorder) { s.metrics = m }

// SetCache injects the redis ledger cache.
func (s *Service) SetCache(c *Cache) { s.cache = c }

// SetClock overrides the time source, for tests.
func (s *Service) SetClock(clock func() time.Time) { s.clock = clock }

// CreateInvoice registers an externally issued invoice under the
// external-creation contract: nothing paid, remainder equal to the grand
// total, status derived.
func (s *Service) CreateInvoice(ctx context.Context, input CreateInvoiceInput) (Invoice, error) {
	if input.SupplierID <= 0 {
		return Invoice{}, validationf("supplier id is required")
	}
	if input.Number == "" {
		return Invoice{}, validationf("invoice number is required")
	}
	if input.GrandTotal.IsZero() {
		return Invoice{}, validationf("grand total must be non-zero")
	}
	switch input.Type {
	case InvoiceTypeStandard, InvoiceTypeAdvance, InvoiceTypeCreditNote:
	case "":
		input.Type = InvoiceTypeStandard
	default:
		return Invoice{}, validationf("unknown invoice type %q", input.Type)
	}
	if input.InvoiceDate.IsZero() {
		input.InvoiceDate = s.clock()
	}
	if input.DueDate.IsZero() {
		input.DueDate = input.InvoiceDate.AddDate(0, 0, 30)
	}

	total := Round2(input.GrandTotal)
	inv := Invoice{
		Number:      input.Number,
		SupplierID:  input.SupplierID,
		Type:        input.Type,
		InvoiceDate: input.InvoiceDate,
		DueAt:       input.DueDate,
		GrandTotal:  total,
		Paid:        decimal.Zero,
		Remaining:   total,
	}
	inv.Status = DeriveInvoiceStatus(false, inv.Paid, inv.Remaining)

	id, err := s.repo.InsertInvoice(ctx, inv)
	if err != nil {
		return Invoice{}, err
	}
	s.finishMutation(ctx, "ap.invoice.create", "ap_invoice", id, input.SupplierID, map[string]any{
		"number": input.Number, "grand_total": total.String(),
	})
	return s.repo.GetInvoice(ctx, id)
}

// CreatePayment records a manual payment and immediately runs FIFO
// auto-allocation against the supplier's open invoices, all in one
// transaction. The document number comes from the serialized per-series
// sequence inside the same transaction.
func (s *Service) CreatePayment(ctx context.Context, input CreatePaymentInput) (Payment, error) {
	if input.SupplierID <= 0 {
		return Payment{}, validationf("supplier id is required")
	}
	if !input.Total.IsPositive() {
		return Payment{}, validationf("payment total must be positive")
	}
	if input.Method == "" {
		return Payment{}, validationf("payment method is required")
	}
	if input.Method == MethodCompensation {
		return Payment{}, businessRulef("compensation payments are generated, not recorded manually")
	}
	if input.PaidAt.IsZero() {
		input.PaidAt = s.clock()
	}
	if input.Series == "" {
		input.Series = numbering.DefaultPaymentSeries
	}

	actor := shared.ActorFromContext(ctx)
	total := Round2(input.Total)

	var paymentID int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		seq, err := tx.NextSequence(ctx, input.Series)
		if err != nil {
			return err
		}

		payment := Payment{
			Number:      numbering.Format(input.Series, seq),
			SupplierID:  input.SupplierID,
			Total:       total,
			Unallocated: total,
			Status:      DerivePaymentStatus(false, total, total),
			PaidAt:      input.PaidAt,
			Method:      input.Method,
			CreatedBy:   actor.ID,
		}
		paymentID, err = tx.InsertPayment(ctx, payment)
		if err != nil {
			return err
		}
		payment.ID = paymentID

		remaining, err := s.autoAllocate(ctx, tx, payment, input.PaidAt, actor.ID)
		if err != nil {
			return err
		}
		return tx.UpdatePaymentAllocation(ctx, paymentID, remaining,
			DerivePaymentStatus(false, total, remaining))
	})
	if err != nil {
		return Payment{}, err
	}

	s.finishMutation(ctx, "ap.payment.create", "ap_payment", paymentID, input.SupplierID, map[string]any{
		"total": total.String(), "method": input.Method,
	})
	return s.repo.GetPayment(ctx, paymentID)
}

// autoAllocate greedily assigns the payment's funds to the supplier's open
// invoices, oldest due date first, and returns the unallocated remainder.
// Amounts are rounded at every step so long runs cannot drift.
func (s *Service) autoAllocate(ctx context.Context, tx TxRepository, payment Payment, date time.Time, actorID int64) (decimal.Decimal, error) {
	open, err := tx.ListOpenInvoicesForUpdate(ctx, payment.SupplierID)
	if err != nil {
		return decimal.Zero, err
	}

	remaining := payment.Unallocated
	for _, inv := range open {
		if !remaining.IsPositive() {
			break
		}
		take := Round2(decimal.Min(remaining, inv.Remaining))
		if !take.IsPositive() {
			continue
		}
		if err := s.settleInvoice(ctx, tx, payment.ID, inv, take, date, actorID); err != nil {
			return decimal.Zero, err
		}
		remaining = Round2(remaining.Sub(take))
	}
	return remaining, nil
}

// settleInvoice applies one allocation's invoice-side effects: insert the
// allocation row and move the invoice's paid/remaining amounts by amount.
func (s *Service) settleInvoice(ctx context.Context, tx TxRepository, paymentID int64, inv Invoice, amount decimal.Decimal, date time.Time, actorID int64) error {
	if _, err := tx.InsertAllocation(ctx, Allocation{
		PaymentID:   paymentID,
		InvoiceID:   inv.ID,
		Amount:      amount,
		AllocatedAt: date,
		CreatedBy:   actorID,
	}); err != nil {
		return err
	}
	paid := Round2(inv.Paid.Add(amount))
	remaining := Round2(inv.Remaining.Sub(amount))
	return tx.UpdateInvoiceSettlement(ctx, inv.ID, paid, remaining,
		DeriveInvoiceStatus(false, paid, remaining))
}

// CreateManualAllocation assigns part of an existing payment's unallocated
// funds to part of an invoice's remainder.
func (s *Service) CreateManualAllocation(ctx context.Context, input CreateAllocationInput) (Allocation, error) {
	if input.PaymentID <= 0 || input.InvoiceID <= 0 {
		return Allocation{}, validationf("payment id and invoice id are required")
	}
	if !input.Amount.IsPositive() {
		return Allocation{}, validationf("allocation amount must be positive")
	}
	if input.Date.IsZero() {
		input.Date = s.clock()
	}

	actor := shared.ActorFromContext(ctx)
	amount := Round2(input.Amount)

	var (
		allocationID int64
		supplierID   int64
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		payment, err := tx.GetPaymentForUpdate(ctx, input.PaymentID)
		if err != nil {
			return err
		}
		inv, err := tx.GetInvoiceForUpdate(ctx, input.InvoiceID)
		if err != nil {
			return err
		}
		supplierID = inv.SupplierID

		if payment.Status == PaymentCancelled {
			return businessRulef("payment %s is cancelled", payment.Number)
		}
		if inv.Status == InvoiceCancelled {
			return businessRulef("invoice %s is cancelled", inv.Number)
		}
		if inv.Status == InvoicePaid {
			return businessRulef("invoice %s is already settled", inv.Number)
		}
		if payment.SupplierID != inv.SupplierID {
			return businessRulef("payment and invoice belong to different suppliers")
		}
		if amount.GreaterThan(payment.Unallocated) {
			return businessRulef("amount %s exceeds unallocated funds %s", amount, payment.Unallocated)
		}
		if amount.GreaterThan(inv.Remaining) {
			return businessRulef("amount %s exceeds invoice remainder %s", amount, inv.Remaining)
		}
		exists, err := tx.AllocationPairExists(ctx, payment.ID, inv.ID)
		if err != nil {
			return err
		}
		if exists {
			return businessRulef("payment %s already allocated to invoice %s", payment.Number, inv.Number)
		}

		allocationID, err = tx.InsertAllocation(ctx, Allocation{
			PaymentID:   payment.ID,
			InvoiceID:   inv.ID,
			Amount:      amount,
			AllocatedAt: input.Date,
			CreatedBy:   actor.ID,
		})
		if err != nil {
			return err
		}

		paid := Round2(inv.Paid.Add(amount))
		remaining := Round2(inv.Remaining.Sub(amount))
		if err := tx.UpdateInvoiceSettlement(ctx, inv.ID, paid, remaining,
			DeriveInvoiceStatus(false, paid, remaining)); err != nil {
			return err
		}

		unallocated := Round2(payment.Unallocated.Sub(amount))
		return tx.UpdatePaymentAllocation(ctx, payment.ID, unallocated,
			DerivePaymentStatus(false, payment.Total, unallocated))
	})
	if err != nil {
		return Allocation{}, err
	}

	s.finishMutation(ctx, "ap.allocation.create", "ap_allocation", allocationID, supplierID, map[string]any{
		"payment_id": input.PaymentID, "invoice_id": input.InvoiceID, "amount": amount.String(),
	})
	return s.repo.GetAllocation(ctx, allocationID)
}

// DeleteAllocation reverses exactly the effects of the allocation's creation
// and removes the record. Statuses on both sides are re-derived.
func (s *Service) DeleteAllocation(ctx context.Context, allocationID int64) error {
	var supplierID int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		alloc, err := tx.GetAllocation(ctx, allocationID)
		if err != nil {
			return err
		}
		inv, err := tx.GetInvoiceForUpdate(ctx, alloc.InvoiceID)
		if err != nil {
			return err
		}
		if inv.Status == InvoiceCancelled {
			return businessRulef("invoice %s is cancelled", inv.Number)
		}
		payment, err := tx.GetPaymentForUpdate(ctx, alloc.PaymentID)
		if err != nil {
			return err
		}
		if payment.Method == MethodCompensation {
			return businessRulef("allocation belongs to compensation %s; compensations are not reversible", payment.Number)
		}
		supplierID = inv.SupplierID

		paid := Round2(inv.Paid.Sub(alloc.Amount))
		remaining := Round2(inv.Remaining.Add(alloc.Amount))
		if err := tx.UpdateInvoiceSettlement(ctx, inv.ID, paid, remaining,
			DeriveInvoiceStatus(false, paid, remaining)); err != nil {
			return err
		}

		unallocated := Round2(payment.Unallocated.Add(alloc.Amount))
		if err := tx.UpdatePaymentAllocation(ctx, payment.ID, unallocated,
			DerivePaymentStatus(false, payment.Total, unallocated)); err != nil {
			return err
		}
		return tx.DeleteAllocation(ctx, alloc.ID)
	})
	if err != nil {
		return err
	}

	s.finishMutation(ctx, "ap.allocation.delete", "ap_allocation", allocationID, supplierID, nil)
	return nil
}

// compensationSeries numbers the synthetic payments generated from credit notes.
const compensationSeries = "CMP"

// CreateCompensation converts a credit-note (or negative-remainder) invoice
// into a usable payment pool. The synthetic payment carries no cash
// (total 0) but starts with the credit amount available; the invoice
// self-closes through an allocation of that amount.
func (s *Service) CreateCompensation(ctx context.Context, invoiceID int64) (Payment, error) {
	if invoiceID <= 0 {
		return Payment{}, validationf("invoice id is required")
	}
	actor := shared.ActorFromContext(ctx)
	now := s.clock()

	var (
		paymentID  int64
		supplierID int64
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.GetInvoiceForUpdate(ctx, invoiceID)
		if err != nil {
			return err
		}
		if inv.Status == InvoiceCancelled {
			return businessRulef("invoice %s is cancelled", inv.Number)
		}
		if inv.Type != InvoiceTypeCreditNote && !inv.Remaining.IsNegative() {
			return businessRulef("invoice %s is not a credit note and has no negative remainder", inv.Number)
		}
		if Settled(inv.Remaining) {
			return businessRulef("invoice %s has nothing left to compensate", inv.Number)
		}
		supplierID = inv.SupplierID

		seq, err := tx.NextSequence(ctx, compensationSeries)
		if err != nil {
			return err
		}
		abs := Round2(inv.Remaining.Abs())

		// A credit pool, not cash received: unallocated is set directly,
		// independent of the zero total.
		payment := Payment{
			Number:      numbering.Format(compensationSeries, seq),
			SupplierID:  inv.SupplierID,
			Total:       decimal.Zero,
			Unallocated: abs,
			Status:      DerivePaymentStatus(false, decimal.Zero, abs),
			PaidAt:      now,
			Method:      MethodCompensation,
			CreatedBy:   actor.ID,
		}
		paymentID, err = tx.InsertPayment(ctx, payment)
		if err != nil {
			return err
		}

		if _, err := tx.InsertAllocation(ctx, Allocation{
			PaymentID:   paymentID,
			InvoiceID:   inv.ID,
			Amount:      abs,
			AllocatedAt: now,
			CreatedBy:   actor.ID,
		}); err != nil {
			return err
		}

		paid := Round2(inv.Paid.Add(inv.Remaining))
		return tx.UpdateInvoiceSettlement(ctx, inv.ID, paid, decimal.Zero,
			DeriveInvoiceStatus(false, paid, decimal.Zero))
	})
	if err != nil {
		return Payment{}, err
	}

	s.finishMutation(ctx, "ap.compensation.create", "ap_payment", paymentID, supplierID, map[string]any{
		"invoice_id": invoiceID,
	})
	return s.repo.GetPayment(ctx, paymentID)
}

// CancelInvoice marks an invoice CANCELLED. Only invoices with no allocation
// history can be cancelled; settle or unwind allocations first.
func (s *Service) CancelInvoice(ctx context.Context, invoiceID int64) error {
	var supplierID int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.GetInvoiceForUpdate(ctx, invoiceID)
		if err != nil {
			return err
		}
		if inv.Status == InvoiceCancelled {
			return businessRulef("invoice %s is already cancelled", inv.Number)
		}
		supplierID = inv.SupplierID
		n, err := tx.CountAllocationsForInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		if n > 0 {
			return businessRulef("invoice %s has allocations; delete them first", inv.Number)
		}
		return tx.UpdateInvoiceStatus(ctx, invoiceID, InvoiceCancelled)
	})
	if err != nil {
		return err
	}
	s.finishMutation(ctx, "ap.invoice.cancel", "ap_invoice", invoiceID, supplierID, nil)
	return nil
}

// CancelPayment marks a payment CANCELLED. Only payments with no allocations
// can be cancelled.
func (s *Service) CancelPayment(ctx context.Context, paymentID int64) error {
	var supplierID int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		payment, err := tx.GetPaymentForUpdate(ctx, paymentID)
		if err != nil {
			return err
		}
		if payment.Status == PaymentCancelled {
			return businessRulef("payment %s is already cancelled", payment.Number)
		}
		supplierID = payment.SupplierID
		n, err := tx.CountAllocationsForPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		if n > 0 {
			return businessRulef("payment %s has allocations; delete them first", payment.Number)
		}
		return tx.UpdatePaymentStatus(ctx, paymentID, PaymentCancelled)
	})
	if err != nil {
		return err
	}
	s.finishMutation(ctx, "ap.payment.cancel", "ap_payment", paymentID, supplierID, nil)
	return nil
}

// --- read side ---

func (s *Service) GetInvoice(ctx context.Context, id int64) (Invoice, error) {
	return s.repo.GetInvoice(ctx, id)
}

func (s *Service) GetPayment(ctx context.Context, id int64) (Payment, error) {
	return s.repo.GetPayment(ctx, id)
}

// ListUnsettledInvoices returns the supplier's open invoices. Credit notes
// and non-positive remainders are excluded unless explicitly included.
func (s *Service) ListUnsettledInvoices(ctx context.Context, supplierID int64, includeCreditNotes bool) ([]Invoice, error) {
	if supplierID <= 0 {
		return nil, validationf("supplier id is required")
	}
	return s.repo.ListUnsettledInvoices(ctx, supplierID, includeCreditNotes)
}

func (s *Service) ListAllocationsForPayment(ctx context.Context, paymentID int64) ([]Allocation, error) {
	if paymentID <= 0 {
		return nil, validationf("payment id is required")
	}
	if _, err := s.repo.GetPayment(ctx, paymentID); err != nil {
		return nil, err
	}
	return s.repo.ListAllocationsForPayment(ctx, paymentID)
}

func (s *Service) ListAllocationHistoryForInvoice(ctx context.Context, invoiceID int64) ([]Allocation, error) {
	if invoiceID <= 0 {
		return nil, validationf("invoice id is required")
	}
	if _, err := s.repo.GetInvoice(ctx, invoiceID); err != nil {
		return nil, err
	}
	return s.repo.ListAllocationsForInvoice(ctx, invoiceID)
}

// finishMutation runs the post-commit side channel: audit trail, metrics and
// the best-effort summary refresh. None of these can fail the mutation.
func (s *Service) finishMutation(ctx context.Context, action, entity string, entityID, supplierID int64, meta map[string]any) {
	if s.metrics != nil {
		s.metrics.RecordSettlement(action)
	}
	actor := shared.ActorFromContext(ctx)
	if s.audit != nil {
		if err := s.audit.Record(ctx, shared.AuditLog{
			ActorID:  actor.ID,
			Action:   action,
			Entity:   entity,
			EntityID: strconv.FormatInt(entityID, 10),
			Meta:     meta,
			At:       s.clock(),
		}); err != nil {
			s.logger.Warn("audit record", slog.String("action", action), slog.Any("error", err))
		}
	}
	if supplierID > 0 {
		if err := s.cache.Invalidate(ctx, supplierID); err != nil {
			s.logger.Warn("ledger cache invalidate",
				slog.Int64("supplier_id", supplierID), slog.Any("error", err))
		}
		if s.refresher != nil {
			if err := s.refresher.TriggerRebuild(ctx, supplierID); err != nil {
				s.logger.Warn("summary refresh trigger",
					slog.Int64("supplier_id", supplierID), slog.Any("error", err))
			}
		}
	}
}
