package core

import "fmt"

// ResultError is the structured failure returned by inference, validation,
// and reporting operations. Administrative callers branch on Reason rather
// than unwrapping error chains, so these are values, not panics.
type ResultError struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

func (e *ResultError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

// Well-known failure reasons.
const (
	ReasonInsufficientData      = "insufficient_data"
	ReasonInsufficientUsageData = "insufficient_usage_data"
	ReasonNoBillData            = "no_bill_data"
	ReasonDegenerateRegression  = "degenerate_regression"
	ReasonMissingAccountID      = "missing_account_id"
)

// NewResultError builds a ResultError with a formatted message.
func NewResultError(reason, format string, args ...any) *ResultError {
	return &ResultError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// ErrMissingAccountID is returned by profile and bill mutations that were
// called without an account identifier. Fatal to the call, per the
// configuration-path error contract.
var ErrMissingAccountID = NewResultError(ReasonMissingAccountID, "accountId is required")
