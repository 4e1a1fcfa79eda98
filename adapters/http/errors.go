package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/artpar/paywall/domain/fault"
	"github.com/rs/zerolog"
)

const codeInternal = "INTERNAL_ERROR"

// ErrorResponseBody is the JSON error envelope.
type ErrorResponseBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes one error.
type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Field     string `json:"field,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// classify maps an error to its status code and public detail.
// Unknown errors are reported as 500 without leaking the cause.
func classify(err error) (int, ErrorDetail) {
	var (
		validation  *fault.ValidationError
		mismatch    *fault.PriceMismatchError
		unavailable *fault.QuotaUnavailableError
		provider    *fault.PaymentProviderError
		config      *fault.ConfigError
	)

	switch {
	case errors.As(err, &validation):
		code := validation.Code
		if code == "" {
			code = fault.CodeValidation
		}
		return http.StatusBadRequest, ErrorDetail{Code: code, Message: validation.Message, Field: validation.Field}
	case errors.As(err, &mismatch):
		return http.StatusBadRequest, ErrorDetail{Code: fault.CodePriceMismatch, Message: mismatch.Error(), Field: "amount"}
	case errors.As(err, &unavailable):
		return http.StatusServiceUnavailable, ErrorDetail{Code: fault.CodeQuotaUnavailable, Message: "usage ledger unavailable", Retryable: true}
	case errors.As(err, &provider):
		return http.StatusBadGateway, ErrorDetail{Code: fault.CodePaymentProvider, Message: "payment provider error", Retryable: provider.Retryable()}
	case errors.Is(err, fault.ErrPaymentsDisabled):
		return http.StatusServiceUnavailable, ErrorDetail{Code: fault.CodePaymentsDisabled, Message: err.Error()}
	case errors.Is(err, fault.ErrSignatureInvalid):
		return http.StatusBadRequest, ErrorDetail{Code: fault.CodeSignatureInvalid, Message: "signature verification failed"}
	case errors.Is(err, fault.ErrNotFound):
		return http.StatusNotFound, ErrorDetail{Code: fault.CodeNotFound, Message: err.Error()}
	case errors.As(err, &config):
		return http.StatusInternalServerError, ErrorDetail{Code: codeInternal, Message: "paywall misconfigured"}
	default:
		return http.StatusInternalServerError, ErrorDetail{Code: codeInternal, Message: "internal error"}
	}
}

// writeError classifies err and writes the JSON envelope. Server-side
// failures are logged here so handlers only log domain events.
func writeError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	status, detail := classify(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		logger.Error().Err(err).Int("status", status).Msg("request failed")
	}
	writeJSON(w, status, ErrorResponseBody{Error: detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// badRequest writes a 400 for a malformed request body.
func badRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponseBody{Error: ErrorDetail{Code: fault.CodeValidation, Message: message}})
}
