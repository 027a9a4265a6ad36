package ap

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/halcyon-erp/halcyon-erp/internal/numbering"
	"github.com/halcyon-erp/halcyon-erp/internal/platform/db"
)

// Repository defines settlement data access outside a transaction.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error

	GetInvoice(ctx context.Context, id int64) (Invoice, error)
	GetPayment(ctx context.Context, id int64) (Payment, error)
	GetAllocation(ctx context.Context, id int64) (Allocation, error)

	ListUnsettledInvoices(ctx context.Context, supplierID int64, includeCreditNotes bool) ([]Invoice, error)
	ListAllocationsForPayment(ctx context.Context, paymentID int64) ([]Allocation, error)
	ListAllocationsForInvoice(ctx context.Context, invoiceID int64) ([]Allocation, error)

	ListSupplierInvoices(ctx context.Context, supplierID int64) ([]Invoice, error)
	ListSupplierPayments(ctx context.Context, supplierID int64) ([]Payment, error)
	ListSupplierIDs(ctx context.Context) ([]int64, error)

	InsertInvoice(ctx context.Context, inv Invoice) (int64, error)

	UpsertSupplierSummary(ctx context.Context, summary SupplierSummary) error
	GetSupplierSummary(ctx context.Context, supplierID int64) (SupplierSummary, error)
}

// TxRepository defines the operations available inside one atomic
// transaction. Every mutating engine operation spans exactly one of these.
type TxRepository interface {
	GetInvoiceForUpdate(ctx context.Context, id int64) (Invoice, error)
	GetPaymentForUpdate(ctx context.Context, id int64) (Payment, error)
	GetAllocation(ctx context.Context, id int64) (Allocation, error)
	AllocationPairExists(ctx context.Context, paymentID, invoiceID int64) (bool, error)
	ListOpenInvoicesForUpdate(ctx context.Context, supplierID int64) ([]Invoice, error)
	CountAllocationsForInvoice(ctx context.Context, invoiceID int64) (int, error)
	CountAllocationsForPayment(ctx context.Context, paymentID int64) (int, error)

	InsertPayment(ctx context.Context, p Payment) (int64, error)
	InsertAllocation(ctx context.Context, a Allocation) (int64, error)
	DeleteAllocation(ctx context.Context, id int64) error
	UpdateInvoiceSettlement(ctx context.Context, id int64, paid, remaining decimal.Decimal, status InvoiceStatus) error
	UpdatePaymentAllocation(ctx context.Context, id int64, unallocated decimal.Decimal, status PaymentStatus) error
	UpdateInvoiceStatus(ctx context.Context, id int64, status InvoiceStatus) error
	UpdatePaymentStatus(ctx context.Context, id int64, status PaymentStatus) error

	NextSequence(ctx context.Context, series string) (int64, error)
}

var _ Repository = (*pgRepository)(nil)
var _ TxRepository = (*pgTxRepository)(nil)

type pgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the PostgreSQL-backed repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

func (r *pgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &pgTxRepository{tx: tx})
	})
}

const invoiceColumns = `id, number, supplier_id, type, invoice_date, due_at,
	grand_total, paid_amount, remaining_amount, status, created_at, updated_at`

const paymentColumns = `id, number, supplier_id, total_amount, unallocated_amount,
	status, paid_at, method, created_by, created_at, updated_at`

const allocationColumns = `id, payment_id, invoice_id, amount, allocated_at, created_by, created_at`

// querier abstracts pool and tx so the scan helpers are shared.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (r *pgRepository) GetInvoice(ctx context.Context, id int64) (Invoice, error) {
	return getInvoice(ctx, r.pool, id, false)
}

func (r *pgRepository) GetPayment(ctx context.Context, id int64) (Payment, error) {
	return getPayment(ctx, r.pool, id, false)
}

func (r *pgRepository) GetAllocation(ctx context.Context, id int64) (Allocation, error) {
	return getAllocation(ctx, r.pool, id)
}

func (r *pgRepository) ListUnsettledInvoices(ctx context.Context, supplierID int64, includeCreditNotes bool) ([]Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM ap_invoices
		WHERE supplier_id = $1 AND status IN ('UNPAID', 'PARTIALLY_PAID')`
	if !includeCreditNotes {
		query += ` AND type <> 'CREDIT_NOTE' AND remaining_amount > 0`
	}
	query += ` ORDER BY due_at ASC, id ASC`

	rows, err := r.pool.Query(ctx, query, supplierID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInvoices(rows)
}

func (r *pgRepository) ListAllocationsForPayment(ctx context.Context, paymentID int64) ([]Allocation, error) {
	return listAllocations(ctx, r.pool, `payment_id = $1`, paymentID)
}

func (r *pgRepository) ListAllocationsForInvoice(ctx context.Context, invoiceID int64) ([]Allocation, error) {
	return listAllocations(ctx, r.pool, `invoice_id = $1`, invoiceID)
}

func (r *pgRepository) ListSupplierInvoices(ctx context.Context, supplierID int64) ([]Invoice, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+invoiceColumns+` FROM ap_invoices
		WHERE supplier_id = $1 AND status <> 'CANCELLED'
		ORDER BY invoice_date ASC, id ASC`, supplierID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInvoices(rows)
}

func (r *pgRepository) ListSupplierPayments(ctx context.Context, supplierID int64) ([]Payment, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+paymentColumns+` FROM ap_payments
		WHERE supplier_id = $1 AND status <> 'CANCELLED'
		ORDER BY paid_at ASC, id ASC`, supplierID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPayments(rows)
}

func (r *pgRepository) ListSupplierIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT supplier_id FROM ap_invoices
		UNION SELECT DISTINCT supplier_id FROM ap_payments`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *pgRepository) InsertInvoice(ctx context.Context, inv Invoice) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO ap_invoices (
			number, supplier_id, type, invoice_date, due_at,
			grand_total, paid_amount, remaining_amount, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		RETURNING id`,
		inv.Number, inv.SupplierID, string(inv.Type), inv.InvoiceDate, inv.DueAt,
		num(inv.GrandTotal), num(inv.Paid), num(inv.Remaining), string(inv.Status),
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%w: invoice number %s already registered", ErrBusinessRule, inv.Number)
		}
		return 0, err
	}
	return id, nil
}

func (r *pgRepository) UpsertSupplierSummary(ctx context.Context, summary SupplierSummary) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO ap_supplier_summaries (supplier_id, payment_balance, overdue_balance, refreshed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (supplier_id)
		DO UPDATE SET payment_balance = EXCLUDED.payment_balance,
			overdue_balance = EXCLUDED.overdue_balance,
			refreshed_at = EXCLUDED.refreshed_at`,
		summary.SupplierID, num(summary.PaymentBalance), num(summary.OverdueBalance), summary.RefreshedAt)
	return err
}

func (r *pgRepository) GetSupplierSummary(ctx context.Context, supplierID int64) (SupplierSummary, error) {
	var (
		s                SupplierSummary
		balance, overdue pgtype.Numeric
		refreshed        pgtype.Timestamptz
	)
	err := r.pool.QueryRow(ctx, `SELECT supplier_id, payment_balance, overdue_balance, refreshed_at
		FROM ap_supplier_summaries WHERE supplier_id = $1`, supplierID).
		Scan(&s.SupplierID, &balance, &overdue, &refreshed)
	if errors.Is(err, pgx.ErrNoRows) {
		return SupplierSummary{}, ErrSummaryNotFound
	}
	if err != nil {
		return SupplierSummary{}, err
	}
	s.PaymentBalance = dec(balance)
	s.OverdueBalance = dec(overdue)
	s.RefreshedAt = refreshed.Time
	return s, nil
}

// --- transaction-scoped implementation ---

type pgTxRepository struct {
	tx pgx.Tx
}

func (t *pgTxRepository) GetInvoiceForUpdate(ctx context.Context, id int64) (Invoice, error) {
	return getInvoice(ctx, t.tx, id, true)
}

func (t *pgTxRepository) GetPaymentForUpdate(ctx context.Context, id int64) (Payment, error) {
	return getPayment(ctx, t.tx, id, true)
}

func (t *pgTxRepository) GetAllocation(ctx context.Context, id int64) (Allocation, error) {
	return getAllocation(ctx, t.tx, id)
}

func (t *pgTxRepository) AllocationPairExists(ctx context.Context, paymentID, invoiceID int64) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS (
		SELECT 1 FROM ap_allocations WHERE payment_id = $1 AND invoice_id = $2)`,
		paymentID, invoiceID).Scan(&exists)
	return exists, err
}

func (t *pgTxRepository) ListOpenInvoicesForUpdate(ctx context.Context, supplierID int64) ([]Invoice, error) {
	// Oldest due date first: the FIFO ordering for the auto-allocator.
	rows, err := t.tx.Query(ctx, `SELECT `+invoiceColumns+` FROM ap_invoices
		WHERE supplier_id = $1 AND status IN ('UNPAID', 'PARTIALLY_PAID')
			AND type <> 'CREDIT_NOTE' AND remaining_amount > 0
		ORDER BY due_at ASC, id ASC
		FOR UPDATE`, supplierID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInvoices(rows)
}

func (t *pgTxRepository) CountAllocationsForInvoice(ctx context.Context, invoiceID int64) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx, `SELECT COUNT(*) FROM ap_allocations WHERE invoice_id = $1`, invoiceID).Scan(&n)
	return n, err
}

func (t *pgTxRepository) CountAllocationsForPayment(ctx context.Context, paymentID int64) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx, `SELECT COUNT(*) FROM ap_allocations WHERE payment_id = $1`, paymentID).Scan(&n)
	return n, err
}

func (t *pgTxRepository) InsertPayment(ctx context.Context, p Payment) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO ap_payments (
			number, supplier_id, total_amount, unallocated_amount, status,
			paid_at, method, created_by, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		RETURNING id`,
		p.Number, p.SupplierID, num(p.Total), num(p.Unallocated), string(p.Status),
		p.PaidAt, p.Method, p.CreatedBy,
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%w: number %s", ErrNumberingConflict, p.Number)
		}
		return 0, err
	}
	return id, nil
}

func (t *pgTxRepository) InsertAllocation(ctx context.Context, a Allocation) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO ap_allocations (payment_id, invoice_id, amount, allocated_at, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING id`,
		a.PaymentID, a.InvoiceID, num(a.Amount), a.AllocatedAt, a.CreatedBy,
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, businessRulef("payment %d already allocated to invoice %d", a.PaymentID, a.InvoiceID)
		}
		return 0, err
	}
	return id, nil
}

func (t *pgTxRepository) DeleteAllocation(ctx context.Context, id int64) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM ap_allocations WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAllocationNotFound
	}
	return nil
}

func (t *pgTxRepository) UpdateInvoiceSettlement(ctx context.Context, id int64, paid, remaining decimal.Decimal, status InvoiceStatus) error {
	tag, err := t.tx.Exec(ctx, `UPDATE ap_invoices
		SET paid_amount = $2, remaining_amount = $3, status = $4, updated_at = NOW()
		WHERE id = $1`, id, num(paid), num(remaining), string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvoiceNotFound
	}
	return nil
}

func (t *pgTxRepository) UpdatePaymentAllocation(ctx context.Context, id int64, unallocated decimal.Decimal, status PaymentStatus) error {
	tag, err := t.tx.Exec(ctx, `UPDATE ap_payments
		SET unallocated_amount = $2, status = $3, updated_at = NOW()
		WHERE id = $1`, id, num(unallocated), string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

func (t *pgTxRepository) UpdateInvoiceStatus(ctx context.Context, id int64, status InvoiceStatus) error {
	tag, err := t.tx.Exec(ctx, `UPDATE ap_invoices SET status = $2, updated_at = NOW() WHERE id = $1`,
		id, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvoiceNotFound
	}
	return nil
}

func (t *pgTxRepository) UpdatePaymentStatus(ctx context.Context, id int64, status PaymentStatus) error {
	tag, err := t.tx.Exec(ctx, `UPDATE ap_payments SET status = $2, updated_at = NOW() WHERE id = $1`,
		id, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

func (t *pgTxRepository) NextSequence(ctx context.Context, series string) (int64, error) {
	return numbering.Next(ctx, t.tx, series)
}

// --- shared scan helpers ---

func getInvoice(ctx context.Context, q querier, id int64, forUpdate bool) (Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM ap_invoices WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	inv, err := scanInvoice(q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Invoice{}, ErrInvoiceNotFound
	}
	return inv, err
}

func getPayment(ctx context.Context, q querier, id int64, forUpdate bool) (Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM ap_payments WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	p, err := scanPayment(q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Payment{}, ErrPaymentNotFound
	}
	return p, err
}

func getAllocation(ctx context.Context, q querier, id int64) (Allocation, error) {
	a, err := scanAllocation(q.QueryRow(ctx,
		`SELECT `+allocationColumns+` FROM ap_allocations WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Allocation{}, ErrAllocationNotFound
	}
	return a, err
}

func listAllocations(ctx context.Context, q querier, where string, arg any) ([]Allocation, error) {
	rows, err := q.Query(ctx, `SELECT `+allocationColumns+` FROM ap_allocations
		WHERE `+where+` ORDER BY allocated_at ASC, id ASC`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Allocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanInvoice(row pgx.Row) (Invoice, error) {
	var (
		inv                    Invoice
		typ, status            string
		total, paid, remaining pgtype.Numeric
		invoiceDate, dueAt     pgtype.Date
		createdAt, updatedAt   pgtype.Timestamptz
	)
	if err := row.Scan(&inv.ID, &inv.Number, &inv.SupplierID, &typ, &invoiceDate, &dueAt,
		&total, &paid, &remaining, &status, &createdAt, &updatedAt); err != nil {
		return Invoice{}, err
	}
	inv.Type = InvoiceType(typ)
	inv.Status = InvoiceStatus(status)
	inv.InvoiceDate = invoiceDate.Time
	inv.DueAt = dueAt.Time
	inv.GrandTotal = dec(total)
	inv.Paid = dec(paid)
	inv.Remaining = dec(remaining)
	inv.CreatedAt = createdAt.Time
	inv.UpdatedAt = updatedAt.Time
	return inv, nil
}

func scanInvoices(rows pgx.Rows) ([]Invoice, error) {
	var out []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func scanPayment(row pgx.Row) (Payment, error) {
	var (
		p                    Payment
		status               string
		total, unallocated   pgtype.Numeric
		paidAt               pgtype.Date
		createdBy            pgtype.Int8
		createdAt, updatedAt pgtype.Timestamptz
	)
	if err := row.Scan(&p.ID, &p.Number, &p.SupplierID, &total, &unallocated,
		&status, &paidAt, &p.Method, &createdBy, &createdAt, &updatedAt); err != nil {
		return Payment{}, err
	}
	p.Status = PaymentStatus(status)
	p.Total = dec(total)
	p.Unallocated = dec(unallocated)
	p.PaidAt = paidAt.Time
	p.CreatedBy = createdBy.Int64
	p.CreatedAt = createdAt.Time
	p.UpdatedAt = updatedAt.Time
	return p, nil
}

func scanPayments(rows pgx.Rows) ([]Payment, error) {
	var out []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanAllocation(row pgx.Row) (Allocation, error) {
	var (
		a           Allocation
		amount      pgtype.Numeric
		allocatedAt pgtype.Date
		createdBy   pgtype.Int8
		createdAt   pgtype.Timestamptz
	)
	if err := row.Scan(&a.ID, &a.PaymentID, &a.InvoiceID, &amount, &allocatedAt, &createdBy, &createdAt); err != nil {
		return Allocation{}, err
	}
	a.Amount = dec(amount)
	a.AllocatedAt = allocatedAt.Time
	a.CreatedBy = createdBy.Int64
	a.CreatedAt = createdAt.Time
	return a, nil
}

func dec(n pgtype.Numeric) decimal.Decimal {
	if !n.Valid || n.Int == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(n.Int, n.Exp)
}

func num(d decimal.Decimal) pgtype.Numeric {
	var n pgtype.Numeric
	if err := n.Scan(d.String()); err != nil {
		panic(fmt.Sprintf("ap: numeric conversion of %q: %v", d, err))
	}
	return n
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
