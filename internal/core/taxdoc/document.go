package taxdoc

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DocType is the authority document-type code.
type DocType string

const (
	DocTypeInvoice    DocType = "01"
	DocTypeCreditNote DocType = "04"
)

// Valid reports whether the code is one this service emits.
func (d DocType) Valid() bool {
	return d == DocTypeInvoice || d == DocTypeCreditNote
}

func (d DocType) String() string {
	switch d {
	case DocTypeInvoice:
		return "invoice"
	case DocTypeCreditNote:
		return "credit_note"
	default:
		return string(d)
	}
}

// ParseDocType accepts either the authority code or the readable name.
func ParseDocType(raw string) (DocType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "01", "invoice", "factura":
		return DocTypeInvoice, nil
	case "04", "credit_note", "credit-note", "nota_credito":
		return DocTypeCreditNote, nil
	}
	return "", fmt.Errorf("unknown document type %q", raw)
}

// Environment selects the authority environment.
type Environment string

const (
	EnvironmentTest       Environment = "test"
	EnvironmentProduction Environment = "production"
)

// Code returns the single-digit ambiente code used in the access key and payload.
func (e Environment) Code() string {
	if e == EnvironmentProduction {
		return "2"
	}
	return "1"
}

// GatewayLabel returns the env value the gateway expects ("test" | "prod").
func (e Environment) GatewayLabel() string {
	if e == EnvironmentProduction {
		return "prod"
	}
	return "test"
}

// ParseEnvironment maps the accepted spellings to an Environment. Anything
// that is not explicitly production is treated as test.
func ParseEnvironment(raw string) Environment {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "2", "prod", "production", "produccion", "producción":
		return EnvironmentProduction
	default:
		return EnvironmentTest
	}
}

// Status is the lifecycle state of a document.
type Status string

const (
	StatusDraft         Status = "DRAFT"
	StatusSubmitted     Status = "SUBMITTED"
	StatusProcessing    Status = "PROCESSING"
	StatusAuthorized    Status = "AUTHORIZED"
	StatusNotAuthorized Status = "NOT_AUTHORIZED"
	StatusError         Status = "ERROR"
	StatusStale         Status = "STALE"
)

// Terminal reports whether no further gateway traffic is allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusAuthorized, StatusNotAuthorized, StatusError:
		return true
	}
	return false
}

// Label is the Spanish label shown to operators.
func (s Status) Label() string {
	switch s {
	case StatusDraft:
		return "BORRADOR"
	case StatusSubmitted:
		return "ENVIADO"
	case StatusProcessing:
		return "EN PROCESO"
	case StatusAuthorized:
		return "AUTORIZADO"
	case StatusNotAuthorized:
		return "RECHAZADO"
	case StatusStale:
		return "SIN RESPUESTA"
	case StatusError:
		return "ERROR"
	}
	return string(s)
}

const (
	FinalConsumerID   = "9999999999999"
	FinalConsumerName = "CONSUMIDOR FINAL"

	IDTypeRUC           = "04"
	IDTypeCedula        = "05"
	IDTypePassport      = "06"
	IDTypeFinalConsumer = "07"
)

// Issuer is the company whose tax identity signs the documents.
type Issuer struct {
	RUC                  string    `db:"ruc" json:"ruc"`
	LegalName            string    `db:"legal_name" json:"legalName"`
	TradeName            string    `db:"trade_name" json:"tradeName"`
	Address              string    `db:"address" json:"address"`
	EstablishmentAddress string    `db:"establishment_address" json:"establishmentAddress"`
	EstablishmentCode    string    `db:"establishment_code" json:"establishmentCode"`
	EmissionPoint        string    `db:"emission_point" json:"emissionPoint"`
	Environment          string    `db:"environment" json:"environment"`
	AccountingRequired   bool      `db:"accounting_required" json:"accountingRequired"`
	RimpeLabel           string    `db:"rimpe_label" json:"rimpeLabel,omitempty"`
	SpecialTaxpayer      string    `db:"special_taxpayer" json:"specialTaxpayer,omitempty"`
	CertificateLocator   string    `db:"certificate_locator" json:"-"`
	CertificatePassword  string    `db:"certificate_password" json:"-"`
	Active               bool      `db:"active" json:"active"`
	CreatedAt            time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt            time.Time `db:"updated_at" json:"updatedAt"`
}

// Env returns the issuer's configured environment.
func (i Issuer) Env() Environment {
	return ParseEnvironment(i.Environment)
}

// Buyer identifies the customer on the document.
type Buyer struct {
	Name    string `json:"name"`
	IDType  string `json:"idType"`
	ID      string `json:"id"`
	Address string `json:"address,omitempty"`
	Email   string `json:"email,omitempty"`
	Phone   string `json:"phone,omitempty"`
}

// IsFinalConsumer reports whether the buyer is the generic final consumer.
func (b Buyer) IsFinalConsumer() bool {
	return strings.TrimSpace(b.ID) == FinalConsumerID
}

// LineItem is one commercial line. Base and tax are always derived.
type LineItem struct {
	Code            string          `json:"code,omitempty"`
	Description     string          `json:"description"`
	Quantity        decimal.Decimal `json:"quantity"`
	UnitPrice       decimal.Decimal `json:"unitPrice"`
	DiscountPercent decimal.Decimal `json:"discountPercent"`
	TaxPercent      decimal.Decimal `json:"taxPercent"`
}

// Payment is one entry of the payment breakdown.
type Payment struct {
	Method   string          `json:"method"`
	Total    decimal.Decimal `json:"total"`
	Term     int             `json:"term,omitempty"`
	TimeUnit string          `json:"timeUnit,omitempty"`
}

// ModifiedDocument references the invoice a credit note modifies.
type ModifiedDocument struct {
	DocType       DocType   `json:"docType"`
	Establishment string    `json:"establishment"`
	EmissionPoint string    `json:"emissionPoint"`
	Sequence      string    `json:"sequence"`
	IssueDate     time.Time `json:"issueDate"`
}

// Number formats the reference as EEE-PPP-NNNNNNNNN.
func (m ModifiedDocument) Number() string {
	return FormatNumber(m.Establishment, m.EmissionPoint, m.Sequence)
}

var documentNumberPattern = regexp.MustCompile(`^(\d{1,3})-(\d{1,3})-(\d{1,9})$`)

// ParseDocumentNumber splits an EEE-PPP-NNNNNNNNN number into padded parts.
func ParseDocumentNumber(number string) (establishment, emissionPoint, sequence string, err error) {
	m := documentNumberPattern.FindStringSubmatch(strings.TrimSpace(number))
	if m == nil {
		return "", "", "", fmt.Errorf("invalid document number %q", number)
	}
	return PadLeft(m[1], 3), PadLeft(m[2], 3), PadLeft(m[3], 9), nil
}

// FormatNumber renders establishment, point and sequence zero-padded and hyphenated.
func FormatNumber(establishment, emissionPoint, sequence string) string {
	return PadLeft(establishment, 3) + "-" + PadLeft(emissionPoint, 3) + "-" + PadLeft(sequence, 9)
}

// PadLeft zero-pads s to width. Longer input is returned unchanged.
func PadLeft(s string, width int) string {
	s = strings.TrimSpace(s)
	if len(s) >= width {
		return s
	}
	return strings.Repeat("0", width-len(s)) + s
}

// Authorization is what the authority returns once a document is authorized.
type Authorization struct {
	Number       string     `json:"number,omitempty"`
	AuthorizedAt *time.Time `json:"date,omitempty"`
}

// Document is the tax document sum type: an invoice, or a credit note when
// DocType is DocTypeCreditNote and Modified/Reason are set.
type Document struct {
	ID                  string
	DocType             DocType
	IssuerRUC           string
	Environment         Environment
	Status              Status
	Establishment       string
	EmissionPoint       string
	Sequence            string
	AccessKey           string
	IdempotencyKey      string
	IssueDate           time.Time
	Buyer               Buyer
	Items               []LineItem
	Payments            []Payment
	Modified            *ModifiedDocument
	Reason              string
	ReferenceDocumentID string
	Subtotal            decimal.Decimal
	DiscountTotal       decimal.Decimal
	TaxTotal            decimal.Decimal
	GrandTotal          decimal.Decimal
	Payload             json.RawMessage
	Messages            []string
	Authorization       Authorization
	Artifact            []byte
	RepollAttempts      int
	NextPollAt          *time.Time
	EmitPending         bool
	Voided              bool
	VoidedBy            string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Number returns EEE-PPP-NNNNNNNNN once a sequence is assigned.
func (d *Document) Number() string {
	if d.Sequence == "" {
		return ""
	}
	return FormatNumber(d.Establishment, d.EmissionPoint, d.Sequence)
}

// IsCreditNote reports the variant.
func (d *Document) IsCreditNote() bool {
	return d.DocType == DocTypeCreditNote
}

// Sealed reports whether sequence and access key are assigned, after which the
// document content must not change.
func (d *Document) Sealed() bool {
	return d.Sequence != "" && d.AccessKey != ""
}
