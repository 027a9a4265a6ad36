package ap

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/halcyon-erp/halcyon-erp/internal/platform/httpx"
)

// Handler manages the settlement endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{
		logger:   logger,
		service:  service,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// MountRoutes registers the settlement routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/invoices", func(r chi.Router) {
		r.Post("/", h.createInvoice)
		r.Get("/{id}", h.getInvoice)
		r.Get("/{id}/allocations", h.listInvoiceAllocations)
		r.Post("/{id}/cancel", h.cancelInvoice)
		r.Post("/{id}/compensation", h.createCompensation)
	})

	r.Route("/payments", func(r chi.Router) {
		r.Post("/", h.createPayment)
		r.Get("/{id}", h.getPayment)
		r.Get("/{id}/allocations", h.listPaymentAllocations)
		r.Post("/{id}/cancel", h.cancelPayment)
	})

	r.Route("/allocations", func(r chi.Router) {
		r.Post("/", h.createAllocation)
		r.Delete("/{id}", h.deleteAllocation)
	})

	r.Route("/suppliers/{supplierID}", func(r chi.Router) {
		r.Get("/invoices/unsettled", h.listUnsettledInvoices)
		r.Get("/ledger", h.getSupplierLedger)
		r.Get("/summary", h.getSupplierSummary)
		r.Post("/ledger/rebuild", h.rebuildLedger)
	})
}

type createInvoiceRequest struct {
	SupplierID  int64           `json:"supplier_id" validate:"required,gt=0"`
	Number      string          `json:"number" validate:"required"`
	Type        string          `json:"type" validate:"omitempty,oneof=STANDARD ADVANCE CREDIT_NOTE"`
	InvoiceDate string          `json:"invoice_date" validate:"omitempty,datetime=2006-01-02"`
	DueDate     string          `json:"due_date" validate:"omitempty,datetime=2006-01-02"`
	GrandTotal  decimal.Decimal `json:"grand_total"`
}

type createPaymentRequest struct {
	SupplierID int64           `json:"supplier_id" validate:"required,gt=0"`
	Total      decimal.Decimal `json:"total"`
	Method     string          `json:"method" validate:"required"`
	PaidAt     string          `json:"paid_at" validate:"omitempty,datetime=2006-01-02"`
	Series     string          `json:"series" validate:"omitempty,alpha,max=8"`
}

type createAllocationRequest struct {
	PaymentID int64           `json:"payment_id" validate:"required,gt=0"`
	InvoiceID int64           `json:"invoice_id" validate:"required,gt=0"`
	Amount    decimal.Decimal `json:"amount"`
	Date      string          `json:"date" validate:"omitempty,datetime=2006-01-02"`
}

func (h *Handler) createInvoice(w http.ResponseWriter, r *http.Request) {
	var req createInvoiceRequest
	if !h.decode(w, r, &req) {
		return
	}
	input := CreateInvoiceInput{
		SupplierID: req.SupplierID,
		Number:     req.Number,
		Type:       InvoiceType(req.Type),
		GrandTotal: req.GrandTotal,
	}
	if !h.parseDate(w, req.InvoiceDate, &input.InvoiceDate) ||
		!h.parseDate(w, req.DueDate, &input.DueDate) {
		return
	}

	inv, err := h.service.CreateInvoice(r.Context(), input)
	if err != nil {
		h.respondError(w, r, "create invoice", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, inv)
}

func (h *Handler) getInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	inv, err := h.service.GetInvoice(r.Context(), id)
	if err != nil {
		h.respondError(w, r, "get invoice", err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) listInvoiceAllocations(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	allocations, err := h.service.ListAllocationHistoryForInvoice(r.Context(), id)
	if err != nil {
		h.respondError(w, r, "list invoice allocations", err)
		return
	}
	httpx.JSON(w, http.StatusOK, allocations)
}

func (h *Handler) cancelInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.service.CancelInvoice(r.Context(), id); err != nil {
		h.respondError(w, r, "cancel invoice", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) createCompensation(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	payment, err := h.service.CreateCompensation(r.Context(), id)
	if err != nil {
		h.respondError(w, r, "create compensation", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, payment)
}

func (h *Handler) createPayment(w http.ResponseWriter, r *http.Request) {
	var req createPaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	input := CreatePaymentInput{
		SupplierID: req.SupplierID,
		Total:      req.Total,
		Method:     req.Method,
		Series:     req.Series,
	}
	if !h.parseDate(w, req.PaidAt, &input.PaidAt) {
		return
	}

	payment, err := h.service.CreatePayment(r.Context(), input)
	if err != nil {
		h.respondError(w, r, "create payment", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, payment)
}

func (h *Handler) getPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	payment, err := h.service.GetPayment(r.Context(), id)
	if err != nil {
		h.respondError(w, r, "get payment", err)
		return
	}
	httpx.JSON(w, http.StatusOK, payment)
}

func (h *Handler) listPaymentAllocations(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	allocations, err := h.service.ListAllocationsForPayment(r.Context(), id)
	if err != nil {
		h.respondError(w, r, "list payment allocations", err)
		return
	}
	httpx.JSON(w, http.StatusOK, allocations)
}

func (h *Handler) cancelPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.service.CancelPayment(r.Context(), id); err != nil {
		h.respondError(w, r, "cancel payment", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) createAllocation(w http.ResponseWriter, r *http.Request) {
	var req createAllocationRequest
	if !h.decode(w, r, &req) {
		return
	}
	input := CreateAllocationInput{
		PaymentID: req.PaymentID,
		InvoiceID: req.InvoiceID,
		Amount:    req.Amount,
	}
	if !h.parseDate(w, req.Date, &input.Date) {
		return
	}

	alloc, err := h.service.CreateManualAllocation(r.Context(), input)
	if err != nil {
		h.respondError(w, r, "create allocation", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, alloc)
}

func (h *Handler) deleteAllocation(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.service.DeleteAllocation(r.Context(), id); err != nil {
		h.respondError(w, r, "delete allocation", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listUnsettledInvoices(w http.ResponseWriter, r *http.Request) {
	supplierID, ok := h.pathID(w, r, "supplierID")
	if !ok {
		return
	}
	includeCreditNotes := r.URL.Query().Get("include_credit_notes") == "true"

	invoices, err := h.service.ListUnsettledInvoices(r.Context(), supplierID, includeCreditNotes)
	if err != nil {
		h.respondError(w, r, "list unsettled invoices", err)
		return
	}
	httpx.JSON(w, http.StatusOK, invoices)
}

func (h *Handler) getSupplierLedger(w http.ResponseWriter, r *http.Request) {
	supplierID, ok := h.pathID(w, r, "supplierID")
	if !ok {
		return
	}
	entries, err := h.service.GetSupplierLedger(r.Context(), supplierID)
	if err != nil {
		h.respondError(w, r, "get supplier ledger", err)
		return
	}
	httpx.JSON(w, http.StatusOK, entries)
}

func (h *Handler) getSupplierSummary(w http.ResponseWriter, r *http.Request) {
	supplierID, ok := h.pathID(w, r, "supplierID")
	if !ok {
		return
	}
	summary, err := h.service.GetSupplierSummary(r.Context(), supplierID)
	if err != nil {
		h.respondError(w, r, "get supplier summary", err)
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}

func (h *Handler) rebuildLedger(w http.ResponseWriter, r *http.Request) {
	supplierID, ok := h.pathID(w, r, "supplierID")
	if !ok {
		return
	}
	entries, summary, err := h.service.RebuildLedger(r.Context(), supplierID)
	if err != nil {
		h.respondError(w, r, "rebuild ledger", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"summary": summary,
	})
}

// decode parses and validates the request body, responding on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", "request body is not valid JSON")
		return false
	}
	if err := h.validate.Struct(target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return false
	}
	return true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Path", "invalid "+name)
		return 0, false
	}
	return id, true
}

func (h *Handler) parseDate(w http.ResponseWriter, raw string, target *time.Time) bool {
	if raw == "" {
		return true
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid date "+raw)
		return false
	}
	*target = t
	return true
}

// respondError maps service errors to problem responses. Unexpected errors
// are logged with the operation name and hidden behind a 500.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrInvoiceNotFound),
		errors.Is(err, ErrPaymentNotFound),
		errors.Is(err, ErrAllocationNotFound),
		errors.Is(err, ErrSummaryNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrBusinessRule):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Business Rule Violation", err.Error())
	case errors.Is(err, ErrNumberingConflict):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	default:
		h.logger.Error(op, slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
