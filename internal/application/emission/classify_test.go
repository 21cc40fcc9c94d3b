package emission

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"bmarc/ms_facturacion_sri/internal/core/apperror"
	"bmarc/ms_facturacion_sri/internal/core/taxdoc"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		resp     *taxdoc.GatewayResponse
		want     Outcome
		wantStat taxdoc.Status
	}{
		{"authorized", &taxdoc.GatewayResponse{Status: "AUTHORIZED"}, OutcomeAuthorized, taxdoc.StatusAuthorized},
		{"lowercase authorized", &taxdoc.GatewayResponse{Status: "authorized"}, OutcomeAuthorized, taxdoc.StatusAuthorized},
		{"not authorized", &taxdoc.GatewayResponse{Status: "NOT_AUTHORIZED", Messages: []string{"FIRMA INVALIDA"}}, OutcomeRejected, taxdoc.StatusNotAuthorized},
		{"received", &taxdoc.GatewayResponse{Status: "RECEIVED"}, OutcomeProcessing, taxdoc.StatusProcessing},
		{"processing", &taxdoc.GatewayResponse{Status: "PROCESSING"}, OutcomeProcessing, taxdoc.StatusProcessing},
		{"returned", &taxdoc.GatewayResponse{Status: "RETURNED"}, OutcomeProcessing, taxdoc.StatusProcessing},
		{"key registered", &taxdoc.GatewayResponse{Status: "ERROR", Messages: []string{"CLAVE ACCESO REGISTRADA"}}, OutcomeProcessing, taxdoc.StatusProcessing},
		{"key in processing", &taxdoc.GatewayResponse{Status: "ERROR", Messages: []string{"43", "Clave de acceso en procesamiento"}}, OutcomeProcessing, taxdoc.StatusProcessing},
		{"sequence registered", &taxdoc.GatewayResponse{Status: "ERROR", Messages: []string{"45 SECUENCIAL REGISTRADO"}}, OutcomeSequenceRegistered, taxdoc.StatusError},
		{"plain error", &taxdoc.GatewayResponse{Status: "ERROR", Messages: []string{"ERROR SECUENCIAL"}}, OutcomeError, taxdoc.StatusError},
		{"nil response", nil, OutcomeError, taxdoc.StatusError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.resp)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantStat, got.Status())
		})
	}
}

func TestIsRecoverable(t *testing.T) {
	assert.True(t, IsRecoverable([]string{"ERROR", "clave acceso registrada"}))
	assert.False(t, IsRecoverable([]string{"RUC NO EXISTE"}))
	assert.False(t, IsRecoverable(nil))
}

func TestIsUnknownKey(t *testing.T) {
	tests := []struct {
		name string
		resp *taxdoc.GatewayResponse
		want bool
	}{
		{"does not exist", &taxdoc.GatewayResponse{Status: "ERROR", Messages: []string{"CLAVE DE ACCESO NO EXISTE"}}, true},
		{"not found", &taxdoc.GatewayResponse{Status: "ERROR", Messages: []string{"Comprobante no encontrado"}}, true},
		{"not registered", &taxdoc.GatewayResponse{Status: "RETURNED", Messages: []string{"CLAVE DE ACCESO NO REGISTRADA"}}, true},
		{"registered", &taxdoc.GatewayResponse{Status: "ERROR", Messages: []string{"CLAVE ACCESO REGISTRADA"}}, false},
		{"processing", &taxdoc.GatewayResponse{Status: "PROCESSING"}, false},
		{"authorized", &taxdoc.GatewayResponse{Status: "AUTHORIZED", Messages: []string{"NO EXISTE"}}, false},
		{"nil response", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsUnknownKey(tt.resp))
		})
	}
}

func TestIsUnknownKeyError(t *testing.T) {
	assert.True(t, isUnknownKeyError(apperror.ErrGatewayUnexpectedStatus.WithDetail("status", 404)))
	assert.False(t, isUnknownKeyError(apperror.ErrGatewayUnexpectedStatus.WithDetail("status", 409)))
	assert.False(t, isUnknownKeyError(apperror.ErrGatewayConnection))
	assert.False(t, isUnknownKeyError(errors.New("boom")))
	assert.False(t, isUnknownKeyError(nil))
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "sequence_registered", OutcomeSequenceRegistered.String())
	assert.Equal(t, "authorized", OutcomeAuthorized.String())
}
