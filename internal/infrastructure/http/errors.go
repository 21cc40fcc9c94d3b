package http

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"bmarc/ms_facturacion_sri/internal/core/apperror"
)

// User-facing error titles.
const (
	TitleValidation  = "Error de Validación"
	TitleProvider    = "Error del Proveedor"
	TitleNotFound    = "Recurso no encontrado"
	TitleUnavailable = "Servicio no disponible"
	TitleConflict    = "Conflicto de Estado"
	TitleInternal    = "Error Interno del Servidor"

	internalMessage = "Ha ocurrido un error interno"
)

// ErrorResponse represents a standardized error response format.
type ErrorResponse struct {
	Message string   `json:"message"`
	Code    string   `json:"code,omitempty"`
	Errors  []string `json:"errors"`
}

// WriteError writes a standardized JSON error response to the HTTP response writer.
func WriteError(w http.ResponseWriter, statusCode int, message string, errors []string, log *slog.Logger) {
	writeErrorResponse(w, statusCode, ErrorResponse{Message: message, Errors: errors}, log)
}

func writeErrorResponse(w http.ResponseWriter, statusCode int, response ErrorResponse, log *slog.Logger) {
	if response.Errors == nil {
		response.Errors = []string{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(response); err != nil {
		// the status line is already out; nothing else can be sent
		if log != nil {
			log.Error("failed to encode error response", "error", err)
		}
	}
}

// WriteAppError maps err onto the standard error body. Errors outside the
// apperror taxonomy are logged and hidden behind a generic 500.
func WriteAppError(w http.ResponseWriter, err error, log *slog.Logger) {
	appErr, ok := apperror.AsAppError(err)
	if !ok || appErr.Code == apperror.CodeInternal {
		if log != nil {
			log.Error("Unhandled error", "error", err)
		}
		writeErrorResponse(w, http.StatusInternalServerError, ErrorResponse{
			Message: TitleInternal,
			Code:    apperror.CodeInternal,
			Errors:  []string{internalMessage},
		}, log)
		return
	}

	status := apperror.GetHTTPStatus(appErr)
	if log != nil && status >= http.StatusInternalServerError {
		log.Error("Request failed", "code", appErr.Code, "error", err)
	}

	writeErrorResponse(w, status, ErrorResponse{
		Message: titleFor(appErr.Code, status),
		Code:    appErr.Code,
		Errors:  errorLines(appErr),
	}, log)
}

func titleFor(code string, status int) string {
	if strings.HasPrefix(code, "GATEWAY_") {
		return TitleProvider
	}
	switch status {
	case http.StatusNotFound:
		return TitleNotFound
	case http.StatusServiceUnavailable:
		return TitleUnavailable
	case http.StatusConflict:
		return TitleConflict
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return TitleValidation
	}
	return TitleInternal
}

// errorLines lists the message followed by any detail lines the error carries
// under "errors" or "messages" (authority messages are kept verbatim).
func errorLines(appErr *apperror.AppError) []string {
	lines := []string{appErr.Message}
	for _, key := range []string{"errors", "messages"} {
		switch v := appErr.Details[key].(type) {
		case []string:
			lines = append(lines, v...)
		case []any:
			for _, item := range v {
				lines = append(lines, fmt.Sprint(item))
			}
		}
	}
	return lines
}
