// Package apperror defines the structured error taxonomy shared by the emission pipeline.
// Every error that reaches an HTTP handler is either an *AppError or is treated as internal.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes.
const (
	// Validation (400)
	CodeValidation       = "VALIDATION_ERROR"
	CodeInvalidLineItem  = "INVALID_LINE_ITEM"
	CodeMissingReference = "MISSING_REFERENCE"
	CodeMissingReason    = "MISSING_REASON"
	CodeInvalidAccessKey = "INVALID_ACCESS_KEY"

	// Storage
	CodeSequenceUnavailable = "SEQUENCE_UNAVAILABLE"
	CodeNotFound            = "NOT_FOUND"

	// Gateway
	CodeGatewayBadRequest       = "GATEWAY_BAD_REQUEST"
	CodeGatewayTimeout          = "GATEWAY_TIMEOUT"
	CodeGatewayConnection       = "GATEWAY_CONNECTION_FAILURE"
	CodeGatewayUnexpectedStatus = "GATEWAY_UNEXPECTED_STATUS"

	// Authority / business rules (422)
	CodeAuthorityRejected  = "AUTHORITY_REJECTED"
	CodeAlreadyAuthorized  = "DOCUMENT_ALREADY_AUTHORIZED"
	CodeTerminalDocument   = "DOCUMENT_TERMINAL"
	CodeFinalConsumerLimit = "FINAL_CONSUMER_LIMIT"
	CodeInvoiceVoided      = "INVOICE_ALREADY_VOIDED"
	CodeFinalConsumerVoid  = "FINAL_CONSUMER_VOID"
	CodeCertificateMissing = "CERTIFICATE_MISSING"
	CodeConcurrentUpdate   = "CONCURRENT_MODIFICATION"

	CodeInternal = "INTERNAL_ERROR"
)

// AppError is the standard error type of the service.
type AppError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	HTTPStatus int            `json:"-"`
	// Retryable marks failures that must not be surfaced as terminal.
	Retryable bool  `json:"-"`
	Err       error `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *AppError with the same code, so that
// sentinel values below match copies carrying details or causes.
func (e *AppError) Is(target error) bool {
	var t *AppError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// WithDetail returns a copy of the error with an extra detail entry.
func (e *AppError) WithDetail(key string, value any) *AppError {
	cp := e.clone()
	if cp.Details == nil {
		cp.Details = make(map[string]any)
	}
	cp.Details[key] = value
	return cp
}

// WithCause returns a copy of the error wrapping err.
func (e *AppError) WithCause(err error) *AppError {
	cp := e.clone()
	cp.Err = err
	return cp
}

// WithMessage returns a copy of the error with a different message.
func (e *AppError) WithMessage(message string) *AppError {
	cp := e.clone()
	cp.Message = message
	return cp
}

// AsRetryable returns a copy of the error flagged as retryable.
func (e *AppError) AsRetryable() *AppError {
	cp := e.clone()
	cp.Retryable = true
	return cp
}

func (e *AppError) clone() *AppError {
	cp := *e
	if e.Details != nil {
		cp.Details = make(map[string]any, len(e.Details))
		for k, v := range e.Details {
			cp.Details[k] = v
		}
	}
	return &cp
}

// Sentinels. Use WithDetail/WithCause/WithMessage to decorate; errors.Is matches on Code.
var (
	ErrInvalidLineItem  = newError(CodeInvalidLineItem, "invalid line item", http.StatusBadRequest, false)
	ErrMissingReference = newError(CodeMissingReference, "credit note requires a modified-document reference", http.StatusBadRequest, false)
	ErrMissingReason    = newError(CodeMissingReason, "credit note requires a non-empty reason", http.StatusBadRequest, false)
	ErrInvalidAccessKey = newError(CodeInvalidAccessKey, "access key must be exactly 49 numeric characters", http.StatusBadRequest, false)

	ErrSequenceUnavailable = newError(CodeSequenceUnavailable, "sequence storage unavailable", http.StatusServiceUnavailable, false)
	ErrNotFound            = newError(CodeNotFound, "resource not found", http.StatusNotFound, false)

	ErrGatewayBadRequest       = newError(CodeGatewayBadRequest, "gateway rejected the payload", http.StatusUnprocessableEntity, false)
	ErrGatewayTimeout          = newError(CodeGatewayTimeout, "gateway call timed out", http.StatusGatewayTimeout, true)
	ErrGatewayConnection       = newError(CodeGatewayConnection, "gateway unreachable", http.StatusBadGateway, true)
	ErrGatewayUnexpectedStatus = newError(CodeGatewayUnexpectedStatus, "gateway answered with an unexpected status", http.StatusBadGateway, false)

	ErrAuthorityRejected  = newError(CodeAuthorityRejected, "document rejected by the authority", http.StatusUnprocessableEntity, false)
	ErrAlreadyAuthorized  = newError(CodeAlreadyAuthorized, "document is already authorized", http.StatusConflict, false)
	ErrTerminalDocument   = newError(CodeTerminalDocument, "document is in a terminal state", http.StatusConflict, false)
	ErrFinalConsumerLimit = newError(CodeFinalConsumerLimit, "final-consumer invoices must stay below the configured limit", http.StatusUnprocessableEntity, false)
	ErrInvoiceVoided      = newError(CodeInvoiceVoided, "referenced invoice is already voided", http.StatusUnprocessableEntity, false)
	ErrFinalConsumerVoid  = newError(CodeFinalConsumerVoid, "final-consumer invoices cannot be voided with a credit note", http.StatusUnprocessableEntity, false)
	ErrCertificateMissing = newError(CodeCertificateMissing, "issuer has no signing certificate configured", http.StatusUnprocessableEntity, false)
	ErrConcurrentUpdate   = newError(CodeConcurrentUpdate, "document was modified concurrently", http.StatusConflict, false)
)

func newError(code, message string, status int, retryable bool) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: status, Retryable: retryable}
}

// NewValidation creates a generic validation error (400).
func NewValidation(message string) *AppError {
	return newError(CodeValidation, message, http.StatusBadRequest, false)
}

// NewNotFound creates a not-found error for entity/id.
func NewNotFound(entity string, id any) *AppError {
	return ErrNotFound.
		WithMessage(fmt.Sprintf("%s not found", entity)).
		WithDetail("entity", entity).
		WithDetail("id", id)
}

// NewInternal hides err behind a generic message.
func NewInternal(err error) *AppError {
	return &AppError{
		Code:       CodeInternal,
		Message:    "internal server error",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// AsAppError extracts the first AppError from err's chain.
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// GetHTTPStatus returns the suggested status for err.
func GetHTTPStatus(err error) int {
	if appErr, ok := AsAppError(err); ok && appErr.HTTPStatus != 0 {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// IsRetryable reports whether err is a transient gateway failure.
func IsRetryable(err error) bool {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Retryable
	}
	return false
}

// IsValidation reports whether err is one of the 400-class input errors.
func IsValidation(err error) bool {
	appErr, ok := AsAppError(err)
	if !ok {
		return false
	}
	return appErr.HTTPStatus == http.StatusBadRequest
}
