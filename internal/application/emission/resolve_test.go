package emission

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bmarc/ms_facturacion_sri/internal/core/apperror"
	"bmarc/ms_facturacion_sri/internal/core/taxdoc"
)

func TestResolveHeader_Fallbacks(t *testing.T) {
	issuer := taxdoc.Issuer{
		RUC:                 "1790012345001",
		LegalName:           "COMERCIAL ANDINA S.A.",
		CertificateLocator:  "/certs/andina.p12",
		CertificatePassword: "pw",
		Environment:         "produccion",
	}

	h, err := ResolveHeader(issuer, "", "", Defaults{})
	require.NoError(t, err)

	assert.Equal(t, "COMERCIAL ANDINA S.A.", h.TradeName, "trade name falls back to legal name")
	assert.Equal(t, "001", h.Establishment)
	assert.Equal(t, "001", h.EmissionPoint)
	assert.Equal(t, "Ecuador", h.MatrixAddress)
	assert.Equal(t, "Ecuador", h.EstablishmentAddress)
	assert.Equal(t, taxdoc.EnvironmentProduction, h.Environment)
	assert.Equal(t, Certificate{P12Base64: "/certs/andina.p12", Password: "pw"}, h.Certificate)
}

func TestResolveHeader_RequestWinsOverIssuer(t *testing.T) {
	issuer := taxdoc.Issuer{
		RUC:                "1790012345001",
		LegalName:          "ANDINA",
		EstablishmentCode:  "002",
		EmissionPoint:      "005",
		Address:            "Quito",
		CertificateLocator: "/certs/a.p12", CertificatePassword: "pw",
	}

	h, err := ResolveHeader(issuer, "3", "", Defaults{})
	require.NoError(t, err)
	assert.Equal(t, "003", h.Establishment)
	assert.Equal(t, "005", h.EmissionPoint)
	assert.Equal(t, "Quito", h.EstablishmentAddress)
}

func TestResolveHeader_Certificate(t *testing.T) {
	issuer := taxdoc.Issuer{RUC: "1790012345001", LegalName: "ANDINA"}

	h, err := ResolveHeader(issuer, "", "", Defaults{CertificatePath: "/etc/cert.p12", CertificatePassword: "fallback"})
	require.NoError(t, err)
	assert.Equal(t, "/etc/cert.p12", h.Certificate.P12Base64)
	assert.Equal(t, "fallback", h.Certificate.Password)

	_, err = ResolveHeader(issuer, "", "", Defaults{})
	assert.True(t, errors.Is(err, apperror.ErrCertificateMissing), "got %v", err)
}

func TestResolveHeader_RequiresIdentity(t *testing.T) {
	_, err := ResolveHeader(taxdoc.Issuer{LegalName: "X"}, "", "", Defaults{})
	assert.True(t, apperror.IsValidation(err))

	_, err = ResolveHeader(taxdoc.Issuer{RUC: "1790012345001"}, "", "", Defaults{})
	assert.True(t, apperror.IsValidation(err))
}

func TestResolveBuyer(t *testing.T) {
	tests := []struct {
		name     string
		in       taxdoc.Buyer
		wantName string
		wantID   string
		wantType string
	}{
		{"absent buyer", taxdoc.Buyer{}, "CONSUMIDOR FINAL", "9999999999999", "07"},
		{"ruc", taxdoc.Buyer{Name: "Empresa", ID: "0992345678001"}, "Empresa", "0992345678001", "04"},
		{"cedula", taxdoc.Buyer{Name: "Ana", ID: "1712345678"}, "Ana", "1712345678", "05"},
		{"passport", taxdoc.Buyer{Name: "John", ID: "X1234567"}, "John", "X1234567", "06"},
		{"explicit type kept", taxdoc.Buyer{Name: "Ana", ID: "1712345678", IDType: "06"}, "Ana", "1712345678", "06"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResolveBuyer(tt.in, "")
			assert.Equal(t, tt.wantName, got.Name)
			assert.Equal(t, tt.wantID, got.ID)
			assert.Equal(t, tt.wantType, got.IDType)
			assert.Equal(t, DefaultEmail, got.Email)
		})
	}

	assert.Equal(t, "facturas@andina.ec", ResolveBuyer(taxdoc.Buyer{}, "facturas@andina.ec").Email)
}

func TestNormalizeItems(t *testing.T) {
	items := []taxdoc.LineItem{item("-2", "3", "0", "15")}

	nc := NormalizeItems(taxdoc.DocTypeCreditNote, items)
	assert.Equal(t, "2", nc[0].Quantity.String())
	assert.Equal(t, "ADHOC", nc[0].Code)
	assert.Equal(t, "-2", items[0].Quantity.String(), "input must not be mutated")

	inv := NormalizeItems(taxdoc.DocTypeInvoice, items)
	assert.Equal(t, "-2", inv[0].Quantity.String())
}
