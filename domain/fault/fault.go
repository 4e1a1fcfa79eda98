// Package fault defines the error taxonomy shared by the ledgers, the catalog
// and the paywall gateway. Adapters map these types to transport codes.
package fault

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Machine-readable error codes returned to clients.
const (
	CodeValidation         = "VALIDATION_ERROR"
	CodeMissingUserID      = "MISSING_USER_ID"
	CodeInvalidProductType = "INVALID_PRODUCT_TYPE"
	CodeInvalidAmount      = "INVALID_AMOUNT"
	CodeUnknownVariant     = "UNKNOWN_VARIANT"
	CodePriceMismatch      = "PRICE_MISMATCH"
	CodeQuotaUnavailable   = "QUOTA_UNAVAILABLE"
	CodePaymentProvider    = "PAYMENT_PROVIDER_ERROR"
	CodePaymentsDisabled   = "PAYMENTS_DISABLED"
	CodeSignatureInvalid   = "SIGNATURE_INVALID"
	CodeNotFound           = "NOT_FOUND"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrSignatureInvalid is returned when a payment callback fails verification.
	ErrSignatureInvalid = errors.New("payment callback signature invalid")

	// ErrPaymentsDisabled is returned when no payment provider is configured.
	ErrPaymentsDisabled = errors.New("payments are not configured")
)

// ValidationError reports malformed input. Never retried.
type ValidationError struct {
	Code    string
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

// Invalid builds a ValidationError with the generic validation code.
func Invalid(field, message string) *ValidationError {
	return &ValidationError{Code: CodeValidation, Field: field, Message: message}
}

// QuotaUnavailableError means windowed usage could not be computed.
type QuotaUnavailableError struct {
	SubjectID string
	Err       error
}

func (e *QuotaUnavailableError) Error() string {
	return fmt.Sprintf("quota unavailable for subject %q: %v", e.SubjectID, e.Err)
}

func (e *QuotaUnavailableError) Unwrap() error { return e.Err }

// PriceMismatchError is raised when a client-supplied amount does not match
// the catalog. It is never auto-corrected.
type PriceMismatchError struct {
	ProductType string
	VariantID   string
	Expected    decimal.Decimal
	Received    decimal.Decimal
}

func (e *PriceMismatchError) Error() string {
	return fmt.Sprintf("price mismatch for %s/%s: expected %s, received %s",
		e.ProductType, e.VariantID, e.Expected.StringFixed(2), e.Received.String())
}

// PaymentProviderError wraps a failure of the payment collaborator.
// Callers may retry; it is distinct from a hard decline.
type PaymentProviderError struct {
	Provider string
	Err      error
}

func (e *PaymentProviderError) Error() string {
	return fmt.Sprintf("payment provider %s: %v", e.Provider, e.Err)
}

func (e *PaymentProviderError) Unwrap() error { return e.Err }

// Retryable reports whether the caller may retry the operation.
func (e *PaymentProviderError) Retryable() bool { return true }

// ConfigError reports a catalog or experiment misconfiguration detected at load time.
type ConfigError struct {
	Subject string
	Reason  string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration for %s: %s", e.Subject, e.Reason)
}
