package ap

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func testRouter() (http.Handler, *Service) {
	svc, _ := testService()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := NewHandler(logger, svc)
	r := chi.NewRouter()
	handler.MountRoutes(r)
	return r, svc
}

func doJSON(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandlerCreateInvoiceAndPayment(t *testing.T) {
	router, _ := testRouter()

	rec := doJSON(t, router, http.MethodPost, "/invoices",
		`{"supplier_id": 1, "number": "INV-001", "grand_total": "150.00", "due_date": "2026-04-10"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var inv Invoice
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &inv))
	require.Equal(t, "INV-001", inv.Number)
	require.Equal(t, InvoiceUnpaid, inv.Status)

	rec = doJSON(t, router, http.MethodPost, "/payments",
		`{"supplier_id": 1, "total": "150.00", "method": "TRANSFER"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var payment Payment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payment))
	require.Equal(t, PaymentFullyAllocated, payment.Status)

	rec = doJSON(t, router, http.MethodGet, "/suppliers/1/ledger", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []LedgerEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 2)
	require.True(t, entries[len(entries)-1].RunningBalance.IsZero())
}

func TestHandlerValidationAndErrorMapping(t *testing.T) {
	router, _ := testRouter()

	rec := doJSON(t, router, http.MethodPost, "/invoices", `{not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/invoices",
		`{"number": "INV-001", "grand_total": "10.00"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code, "missing supplier_id fails validation")

	rec = doJSON(t, router, http.MethodGet, "/invoices/999", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/invoices/abc", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/payments",
		`{"supplier_id": 1, "total": "10.00", "method": "COMPENSATION"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code,
		"manual compensation payment violates a business rule")
}

func TestHandlerCompensationFlow(t *testing.T) {
	router, _ := testRouter()

	rec := doJSON(t, router, http.MethodPost, "/invoices",
		`{"supplier_id": 1, "number": "CN-001", "type": "CREDIT_NOTE", "grand_total": "-80.00"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var note Invoice
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &note))

	rec = doJSON(t, router, http.MethodPost, "/invoices/1/compensation", "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var payment Payment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payment))
	require.Equal(t, MethodCompensation, payment.Method)
	require.True(t, payment.Unallocated.Equal(d("80.00")))

	rec = doJSON(t, router, http.MethodPost, "/invoices/1/compensation", "")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestHandlerCancelAndSummary(t *testing.T) {
	router, _ := testRouter()

	rec := doJSON(t, router, http.MethodPost, "/invoices",
		`{"supplier_id": 1, "number": "INV-001", "grand_total": "100.00"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/suppliers/1/summary", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var summary SupplierSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	require.True(t, summary.PaymentBalance.Equal(d("100.00")))

	rec = doJSON(t, router, http.MethodPost, "/invoices/1/cancel", "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/invoices/1/cancel", "")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}
