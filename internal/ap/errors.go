package ap

import (
	"errors"
	"fmt"
)

// Sentinel errors for the settlement engine. Every mutation checks its
// preconditions inside the transaction; any of these aborts it before a
// single write commits.
var (
	ErrValidation         = errors.New("ap: validation failed")
	ErrInvoiceNotFound    = errors.New("ap: invoice not found")
	ErrPaymentNotFound    = errors.New("ap: payment not found")
	ErrAllocationNotFound = errors.New("ap: allocation not found")
	ErrBusinessRule       = errors.New("ap: business rule violation")
	ErrNumberingConflict  = errors.New("ap: document numbering conflict")
	ErrSummaryNotFound    = errors.New("ap: supplier summary not built yet")
)

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func businessRulef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBusinessRule, fmt.Sprintf(format, args...))
}
