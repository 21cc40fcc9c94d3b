package emission

import (
	"strings"

	"bmarc/ms_facturacion_sri/internal/core/apperror"
	"bmarc/ms_facturacion_sri/internal/core/taxdoc"
)

const (
	defaultEstablishment = "001"
	defaultEmissionPoint = "001"
	defaultAddress       = "Ecuador"
	DefaultEmail         = "correo@ejemplo.com"
)

// Defaults are the last-resort values used when neither the request nor the
// issuer profile carries a field.
type Defaults struct {
	Email               string
	CertificatePath     string
	CertificatePassword string
}

// Header is the resolved issuer identity stamped on a payload.
type Header struct {
	RUC                  string
	LegalName            string
	TradeName            string
	Establishment        string
	EmissionPoint        string
	MatrixAddress        string
	EstablishmentAddress string
	AccountingRequired   bool
	RimpeLabel           string
	SpecialTaxpayer      string
	Environment          taxdoc.Environment
	Certificate          Certificate
}

// firstNonEmpty returns the first source with a non-blank value, trimmed.
func firstNonEmpty(sources ...string) string {
	for _, s := range sources {
		if v := strings.TrimSpace(s); v != "" {
			return v
		}
	}
	return ""
}

// ResolveHeader builds the header block. Each field is read from an ordered
// list of sources: the request, then the issuer profile, then a fixed default.
func ResolveHeader(issuer taxdoc.Issuer, establishment, emissionPoint string, defaults Defaults) (Header, error) {
	if strings.TrimSpace(issuer.RUC) == "" {
		return Header{}, apperror.NewValidation("issuer RUC is required")
	}

	legal := firstNonEmpty(issuer.LegalName, issuer.TradeName)
	if legal == "" {
		return Header{}, apperror.NewValidation("issuer legal name is required").WithDetail("ruc", issuer.RUC)
	}

	cert := Certificate{
		P12Base64: firstNonEmpty(issuer.CertificateLocator, defaults.CertificatePath),
		Password:  issuer.CertificatePassword,
	}
	if strings.TrimSpace(issuer.CertificateLocator) == "" {
		cert.Password = defaults.CertificatePassword
	}
	if cert.P12Base64 == "" || cert.Password == "" {
		return Header{}, apperror.ErrCertificateMissing.WithDetail("ruc", issuer.RUC)
	}

	return Header{
		RUC:                  strings.TrimSpace(issuer.RUC),
		LegalName:            legal,
		TradeName:            firstNonEmpty(issuer.TradeName, issuer.LegalName),
		Establishment:        taxdoc.PadLeft(firstNonEmpty(establishment, issuer.EstablishmentCode, defaultEstablishment), 3),
		EmissionPoint:        taxdoc.PadLeft(firstNonEmpty(emissionPoint, issuer.EmissionPoint, defaultEmissionPoint), 3),
		MatrixAddress:        firstNonEmpty(issuer.Address, defaultAddress),
		EstablishmentAddress: firstNonEmpty(issuer.EstablishmentAddress, issuer.Address, defaultAddress),
		AccountingRequired:   issuer.AccountingRequired,
		RimpeLabel:           strings.TrimSpace(issuer.RimpeLabel),
		SpecialTaxpayer:      strings.TrimSpace(issuer.SpecialTaxpayer),
		Environment:          issuer.Env(),
		Certificate:          cert,
	}, nil
}

// ResolveBuyer fills the final-consumer identity and derives the id type
// when the request leaves it blank.
func ResolveBuyer(b taxdoc.Buyer, defaultEmail string) taxdoc.Buyer {
	out := taxdoc.Buyer{
		Name:    firstNonEmpty(b.Name),
		ID:      firstNonEmpty(b.ID, taxdoc.FinalConsumerID),
		Address: firstNonEmpty(b.Address),
		Email:   firstNonEmpty(b.Email, defaultEmail, DefaultEmail),
		Phone:   firstNonEmpty(b.Phone),
	}
	out.Name = firstNonEmpty(out.Name, taxdoc.FinalConsumerName)
	out.IDType = firstNonEmpty(b.IDType, idTypeFor(out.ID))
	return out
}

func idTypeFor(id string) string {
	switch {
	case id == taxdoc.FinalConsumerID:
		return taxdoc.IDTypeFinalConsumer
	case len(id) == 13 && isDigits(id):
		return taxdoc.IDTypeRUC
	case len(id) == 10 && isDigits(id):
		return taxdoc.IDTypeCedula
	default:
		return taxdoc.IDTypePassport
	}
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// NormalizeItems returns a copy of items ready for aggregation. Credit-note
// lines arrive with negated quantities and are flipped positive.
func NormalizeItems(docType taxdoc.DocType, items []taxdoc.LineItem) []taxdoc.LineItem {
	out := make([]taxdoc.LineItem, len(items))
	for i, it := range items {
		if docType == taxdoc.DocTypeCreditNote {
			it.Quantity = it.Quantity.Abs()
		}
		it.Code = firstNonEmpty(it.Code, "ADHOC")
		it.Description = firstNonEmpty(it.Description, it.Code)
		out[i] = it
	}
	return out
}
