package emission

import (
	"errors"
	"net/http"
	"strings"

	"bmarc/ms_facturacion_sri/internal/core/apperror"
	"bmarc/ms_facturacion_sri/internal/core/taxdoc"
)

// Outcome is the classified meaning of a gateway answer.
type Outcome int

const (
	OutcomeAuthorized Outcome = iota
	// OutcomeProcessing covers in-flight statuses and recoverable ERROR answers.
	OutcomeProcessing
	OutcomeRejected
	// OutcomeSequenceRegistered is a rejection caused by a burned sequence.
	OutcomeSequenceRegistered
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAuthorized:
		return "authorized"
	case OutcomeProcessing:
		return "processing"
	case OutcomeRejected:
		return "rejected"
	case OutcomeSequenceRegistered:
		return "sequence_registered"
	default:
		return "error"
	}
}

// Status is the document status the outcome leads to.
func (o Outcome) Status() taxdoc.Status {
	switch o {
	case OutcomeAuthorized:
		return taxdoc.StatusAuthorized
	case OutcomeProcessing:
		return taxdoc.StatusProcessing
	case OutcomeRejected:
		return taxdoc.StatusNotAuthorized
	default:
		return taxdoc.StatusError
	}
}

// recoverableMarkers mean a prior attempt with the same key is in flight or
// already accepted.
var recoverableMarkers = []string{
	"CLAVE ACCESO REGISTRADA",
	"CLAVE DE ACCESO REGISTRADA",
	"CLAVE DE ACCESO EN PROCESAMIENTO",
	"EN PROCESAMIENTO",
}

const sequenceRegisteredMarker = "SECUENCIAL REGISTRADO"

// unknownKeyMarkers mean the gateway has no record of the access key.
var unknownKeyMarkers = []string{
	"NO EXISTE",
	"NO ENCONTRAD",
	"NO REGISTRAD",
}

// IsRecoverable reports whether any message carries a recoverable marker.
func IsRecoverable(messages []string) bool {
	text := strings.ToUpper(strings.Join(messages, " | "))
	for _, marker := range recoverableMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

// IsUnknownKey reports whether a status answer says the gateway never
// received the access key. Recoverable markers win over unknown-key markers.
func IsUnknownKey(resp *taxdoc.GatewayResponse) bool {
	if resp == nil || IsRecoverable(resp.Messages) {
		return false
	}
	switch taxdoc.GatewayStatus(strings.ToUpper(strings.TrimSpace(string(resp.Status)))) {
	case taxdoc.GatewayAuthorized, taxdoc.GatewayNotAuthorized:
		return false
	}
	text := strings.ToUpper(strings.Join(resp.Messages, " | "))
	for _, marker := range unknownKeyMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

// isUnknownKeyError reports whether a status query failed because the
// gateway answered 404 for the key.
func isUnknownKeyError(err error) bool {
	var appErr *apperror.AppError
	if !errors.As(err, &appErr) || appErr.Code != apperror.CodeGatewayUnexpectedStatus {
		return false
	}
	status, _ := appErr.Details["status"].(int)
	return status == http.StatusNotFound
}

// Classify maps a gateway response to an Outcome. All substring matching on
// authority messages lives here.
func Classify(resp *taxdoc.GatewayResponse) Outcome {
	if resp == nil {
		return OutcomeError
	}

	switch taxdoc.GatewayStatus(strings.ToUpper(strings.TrimSpace(string(resp.Status)))) {
	case taxdoc.GatewayAuthorized:
		return OutcomeAuthorized
	case taxdoc.GatewayNotAuthorized:
		return OutcomeRejected
	case taxdoc.GatewayReceived, taxdoc.GatewayProcessing, taxdoc.GatewayReturned:
		return OutcomeProcessing
	case taxdoc.GatewayError:
		if IsRecoverable(resp.Messages) {
			return OutcomeProcessing
		}
		if strings.Contains(strings.ToUpper(strings.Join(resp.Messages, " | ")), sequenceRegisteredMarker) {
			return OutcomeSequenceRegistered
		}
		return OutcomeError
	default:
		return OutcomeProcessing
	}
}
