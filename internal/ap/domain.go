package ap

import (
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// InvoiceType enumerates AP invoice kinds.
type InvoiceType string

const (
	InvoiceTypeStandard   InvoiceType = "STANDARD"
	InvoiceTypeAdvance    InvoiceType = "ADVANCE"
	InvoiceTypeCreditNote InvoiceType = "CREDIT_NOTE"
)

// InvoiceStatus enumerates AP invoice settlement states.
type InvoiceStatus string

const (
	InvoiceUnpaid        InvoiceStatus = "UNPAID"
	InvoicePartiallyPaid InvoiceStatus = "PARTIALLY_PAID"
	InvoicePaid          InvoiceStatus = "PAID"
	InvoiceCancelled     InvoiceStatus = "CANCELLED"
)

// PaymentStatus enumerates payment pool states.
type PaymentStatus string

const (
	PaymentUnallocated        PaymentStatus = "UNALLOCATED"
	PaymentPartiallyAllocated PaymentStatus = "PARTIALLY_ALLOCATED"
	PaymentFullyAllocated     PaymentStatus = "FULLY_ALLOCATED"
	PaymentCancelled          PaymentStatus = "CANCELLED"
)

// MethodCompensation marks synthetic payments generated from credit notes.
const MethodCompensation = "COMPENSATION"

// settlementEpsilon is the tolerance under which a remainder counts as settled.
var settlementEpsilon = decimal.New(1, -2) // 0.01

// Invoice is one obligation owed to a supplier. paid + remaining == grand
// total within 0.01 at all times; status is derived, never set directly.
type Invoice struct {
	ID          int64
	Number      string
	SupplierID  int64
	Type        InvoiceType
	InvoiceDate time.Time
	DueAt       time.Time
	GrandTotal  decimal.Decimal
	Paid        decimal.Decimal
	Remaining   decimal.Decimal
	Status      InvoiceStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Payment is one inbound pool of funds available to settle invoices.
type Payment struct {
	ID          int64
	Number      string
	SupplierID  int64
	Total       decimal.Decimal
	Unallocated decimal.Decimal
	Status      PaymentStatus
	PaidAt      time.Time
	Method      string
	CreatedBy   int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Allocation assigns part of a payment's funds to part of an invoice's
// obligation. At most one allocation exists per (payment, invoice) pair.
type Allocation struct {
	ID          int64
	PaymentID   int64
	InvoiceID   int64
	Amount      decimal.Decimal
	AllocatedAt time.Time
	CreatedBy   int64
	CreatedAt   time.Time
}

// LedgerEntry is one derived row of a supplier's chronological statement.
// Payments debit the account, invoices credit it.
type LedgerEntry struct {
	Date           time.Time       `json:"date"`
	DocumentType   string          `json:"document_type"`
	DocumentNumber string          `json:"document_number"`
	Details        string          `json:"details"`
	Debit          decimal.Decimal `json:"debit"`
	Credit         decimal.Decimal `json:"credit"`
	RunningBalance decimal.Decimal `json:"running_balance"`
}

// SupplierSummary is the cached per-supplier balance row. It is advisory and
// always re-derivable from invoices and payments.
type SupplierSummary struct {
	SupplierID     int64           `json:"supplier_id"`
	PaymentBalance decimal.Decimal `json:"payment_balance"`
	OverdueBalance decimal.Decimal `json:"overdue_balance"`
	RefreshedAt    time.Time       `json:"refreshed_at"`
}

// --- Input DTOs ---

// CreateInvoiceInput registers an externally issued invoice. Settlement
// fields follow the external-creation contract: paid starts at zero,
// remaining at the grand total.
type CreateInvoiceInput struct {
	SupplierID  int64
	Number      string
	Type        InvoiceType
	InvoiceDate time.Time
	DueDate     time.Time
	GrandTotal  decimal.Decimal
}

// CreatePaymentInput records a manual payment. Series selects the document
// number sequence.
type CreatePaymentInput struct {
	SupplierID int64
	Total      decimal.Decimal
	Method     string
	PaidAt     time.Time
	Series     string
}

// CreateAllocationInput links an existing payment to an open invoice.
type CreateAllocationInput struct {
	PaymentID int64
	InvoiceID int64
	Amount    decimal.Decimal
	Date      time.Time
}

// Round2 rounds a monetary amount to 2 decimal places. Every arithmetic step
// in the engine passes through it so long FIFO runs cannot drift.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// DeriveInvoiceStatus computes invoice status from the remainder. The
// comparison uses |remaining| so an open credit note (negative remainder,
// nothing paid) reads UNPAID until compensated.
func DeriveInvoiceStatus(cancelled bool, paid, remaining decimal.Decimal) InvoiceStatus {
	switch {
	case cancelled:
		return InvoiceCancelled
	case remaining.Abs().LessThanOrEqual(settlementEpsilon):
		return InvoicePaid
	case !paid.IsZero():
		return InvoicePartiallyPaid
	default:
		return InvoiceUnpaid
	}
}

// DerivePaymentStatus computes payment status from the unallocated remainder
// against the pool total.
func DerivePaymentStatus(cancelled bool, total, unallocated decimal.Decimal) PaymentStatus {
	switch {
	case cancelled:
		return PaymentCancelled
	case unallocated.LessThanOrEqual(settlementEpsilon):
		return PaymentFullyAllocated
	case unallocated.LessThan(total):
		return PaymentPartiallyAllocated
	default:
		return PaymentUnallocated
	}
}

// Settled reports whether a remainder is within the settlement tolerance.
func Settled(remaining decimal.Decimal) bool {
	return remaining.Abs().LessThanOrEqual(settlementEpsilon)
}

var detailPrinter = message.NewPrinter(language.English)

// PaymentDetails renders the ledger detail line for a payment entry.
func PaymentDetails(p Payment) string {
	if p.Method == MethodCompensation {
		return detailPrinter.Sprintf("Compensation %s", p.Number)
	}
	return detailPrinter.Sprintf("Payment %s (%s)", p.Number, p.Method)
}

// InvoiceDetails renders the ledger detail line for an invoice entry.
func InvoiceDetails(inv Invoice) string {
	switch inv.Type {
	case InvoiceTypeCreditNote:
		return detailPrinter.Sprintf("Credit note %s", inv.Number)
	case InvoiceTypeAdvance:
		return detailPrinter.Sprintf("Advance invoice %s", inv.Number)
	default:
		return detailPrinter.Sprintf("Invoice %s", inv.Number)
	}
}
