package emission

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"bmarc/ms_facturacion_sri/internal/core/apperror"
	"bmarc/ms_facturacion_sri/internal/core/taxdoc"
)

const (
	InvoiceVersion    = "2.1.0"
	CreditNoteVersion = "1.1.0"

	currency             = "DOLAR"
	emissionTypeNormal   = "1"
	defaultPaymentMethod = "01"
	issueDateLayout      = "02/01/2006"
)

// paymentMethods maps common names to authority formaPago codes. Two-digit
// codes are passed through unchanged.
var paymentMethods = map[string]string{
	"cash":          "01",
	"efectivo":      "01",
	"compensacion":  "15",
	"debit":         "16",
	"debito":        "16",
	"electronic":    "17",
	"prepaid":       "18",
	"credit":        "19",
	"credito":       "19",
	"credit_card":   "19",
	"transfer":      "20",
	"transferencia": "20",
	"endoso":        "21",
}

// Money is an amount rendered as a JSON number with exactly two decimals.
type Money decimal.Decimal

func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(decimal.Decimal(m).StringFixed(2)), nil
}

func (m *Money) UnmarshalJSON(b []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(b); err != nil {
		return err
	}
	*m = Money(d)
	return nil
}

// Decimal returns the underlying value.
func (m Money) Decimal() decimal.Decimal { return decimal.Decimal(m) }

// Quantity is rendered with six decimals, as cantidad and precioUnitario are.
type Quantity decimal.Decimal

func (q Quantity) MarshalJSON() ([]byte, error) {
	return []byte(decimal.Decimal(q).StringFixed(6)), nil
}

func (q *Quantity) UnmarshalJSON(b []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(b); err != nil {
		return err
	}
	*q = Quantity(d)
	return nil
}

type Certificate struct {
	P12Base64 string `json:"p12_base64"`
	Password  string `json:"password"`
}

type InfoTributaria struct {
	Ambiente           string `json:"ambiente"`
	TipoEmision        string `json:"tipoEmision"`
	RazonSocial        string `json:"razonSocial"`
	NombreComercial    string `json:"nombreComercial"`
	RUC                string `json:"ruc"`
	ClaveAcceso        string `json:"claveAcceso,omitempty"`
	CodDoc             string `json:"codDoc"`
	Estab              string `json:"estab"`
	PtoEmi             string `json:"ptoEmi"`
	Secuencial         string `json:"secuencial"`
	DirMatriz          string `json:"dirMatriz"`
	ContribuyenteRimpe string `json:"contribuyenteRimpe,omitempty"`
}

// TaxEntry is one totalConImpuestos or impuestos element. Tarifa is omitted
// from credit-note totals.
type TaxEntry struct {
	Codigo           string `json:"codigo"`
	CodigoPorcentaje string `json:"codigoPorcentaje"`
	Tarifa           *Money `json:"tarifa,omitempty"`
	BaseImponible    Money  `json:"baseImponible"`
	Valor            Money  `json:"valor"`
}

type Pago struct {
	FormaPago    string `json:"formaPago"`
	Total        Money  `json:"total"`
	Plazo        int    `json:"plazo,omitempty"`
	UnidadTiempo string `json:"unidadTiempo,omitempty"`
}

type InfoFactura struct {
	FechaEmision                string     `json:"fechaEmision"`
	DirEstablecimiento          string     `json:"dirEstablecimiento"`
	ContribuyenteEspecial       string     `json:"contribuyenteEspecial,omitempty"`
	ObligadoContabilidad        string     `json:"obligadoContabilidad"`
	TipoIdentificacionComprador string     `json:"tipoIdentificacionComprador"`
	RazonSocialComprador        string     `json:"razonSocialComprador"`
	IdentificacionComprador     string     `json:"identificacionComprador"`
	DireccionComprador          string     `json:"direccionComprador,omitempty"`
	TotalSinImpuestos           Money      `json:"totalSinImpuestos"`
	TotalDescuento              Money      `json:"totalDescuento"`
	TotalConImpuestos           []TaxEntry `json:"totalConImpuestos"`
	Propina                     Money      `json:"propina"`
	ImporteTotal                Money      `json:"importeTotal"`
	Moneda                      string     `json:"moneda"`
	Pagos                       []Pago     `json:"pagos"`
}

type InfoNotaCredito struct {
	FechaEmision                string     `json:"fechaEmision"`
	DirEstablecimiento          string     `json:"dirEstablecimiento"`
	TipoIdentificacionComprador string     `json:"tipoIdentificacionComprador"`
	RazonSocialComprador        string     `json:"razonSocialComprador"`
	IdentificacionComprador     string     `json:"identificacionComprador"`
	ObligadoContabilidad        string     `json:"obligadoContabilidad"`
	CodDocModificado            string     `json:"codDocModificado"`
	NumDocModificado            string     `json:"numDocModificado"`
	FechaEmisionDocSustento     string     `json:"fechaEmisionDocSustento"`
	TotalSinImpuestos           Money      `json:"totalSinImpuestos"`
	TotalConImpuestos           []TaxEntry `json:"totalConImpuestos"`
	ValorModificacion           Money      `json:"valorModificacion"`
	Moneda                      string     `json:"moneda"`
	Motivo                      string     `json:"motivo"`
}

type Detalle struct {
	CodigoPrincipal        string     `json:"codigoPrincipal"`
	Descripcion            string     `json:"descripcion"`
	Cantidad               Quantity   `json:"cantidad"`
	PrecioUnitario         Quantity   `json:"precioUnitario"`
	Descuento              Money      `json:"descuento"`
	PrecioTotalSinImpuesto Money      `json:"precioTotalSinImpuesto"`
	Impuestos              []TaxEntry `json:"impuestos"`
}

type Campo struct {
	Nombre string `json:"nombre"`
	Valor  string `json:"valor"`
}

type InfoAdicional struct {
	Campos []Campo `json:"campos"`
}

// Payload is the canonical document posted to the gateway.
type Payload struct {
	Version         string           `json:"version"`
	Env             string           `json:"env"`
	Certificate     Certificate      `json:"certificate"`
	InfoTributaria  InfoTributaria   `json:"infoTributaria"`
	InfoFactura     *InfoFactura     `json:"infoFactura,omitempty"`
	InfoNotaCredito *InfoNotaCredito `json:"infoNotaCredito,omitempty"`
	Detalles        []Detalle        `json:"detalles"`
	InfoAdicional   *InfoAdicional   `json:"infoAdicional,omitempty"`
	IdempotencyKey  string           `json:"idempotency_key,omitempty"`
}

// Marshal serializes the payload for the gateway.
func (p *Payload) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

// PayloadInput is everything BuildPayload needs. Document must already carry
// its sequence, resolved buyer and issue date.
type PayloadInput struct {
	Document  *taxdoc.Document
	Header    Header
	Totals    Totals
	AccessKey string
}

// ValidateCreditNote enforces the credit-note-only fields. It is a no-op for invoices.
func ValidateCreditNote(doc *taxdoc.Document) error {
	if !doc.IsCreditNote() {
		return nil
	}
	if doc.Modified == nil || strings.TrimSpace(doc.Modified.Sequence) == "" {
		return apperror.ErrMissingReference
	}
	if strings.TrimSpace(doc.Reason) == "" {
		return apperror.ErrMissingReason
	}
	return nil
}

// BuildPayload assembles the canonical payload. It performs no I/O.
func BuildPayload(in PayloadInput) (*Payload, error) {
	doc := in.Document
	if err := ValidateCreditNote(doc); err != nil {
		return nil, err
	}
	if !doc.DocType.Valid() {
		return nil, apperror.NewValidation("unsupported document type").WithDetail("docType", string(doc.DocType))
	}

	h := in.Header
	p := &Payload{
		Version:     InvoiceVersion,
		Env:         h.Environment.GatewayLabel(),
		Certificate: h.Certificate,
		InfoTributaria: InfoTributaria{
			Ambiente:           h.Environment.Code(),
			TipoEmision:        emissionTypeNormal,
			RazonSocial:        h.LegalName,
			NombreComercial:    h.TradeName,
			RUC:                h.RUC,
			ClaveAcceso:        in.AccessKey,
			CodDoc:             string(doc.DocType),
			Estab:              taxdoc.PadLeft(doc.Establishment, 3),
			PtoEmi:             taxdoc.PadLeft(doc.EmissionPoint, 3),
			Secuencial:         taxdoc.PadLeft(doc.Sequence, 9),
			DirMatriz:          h.MatrixAddress,
			ContribuyenteRimpe: h.RimpeLabel,
		},
		Detalles: buildDetalles(in.Totals),
	}

	fecha := doc.IssueDate.Format(issueDateLayout)
	buyer := doc.Buyer

	if doc.IsCreditNote() {
		p.Version = CreditNoteVersion
		p.InfoNotaCredito = &InfoNotaCredito{
			FechaEmision:                fecha,
			DirEstablecimiento:          h.EstablishmentAddress,
			TipoIdentificacionComprador: buyer.IDType,
			RazonSocialComprador:        buyer.Name,
			IdentificacionComprador:     buyer.ID,
			ObligadoContabilidad:        yesNo(h.AccountingRequired),
			CodDocModificado:            string(modifiedDocType(doc.Modified)),
			NumDocModificado:            doc.Modified.Number(),
			FechaEmisionDocSustento:     modifiedIssueDate(doc.Modified, doc.IssueDate),
			TotalSinImpuestos:           Money(in.Totals.Subtotal),
			TotalConImpuestos:           buildTotalTaxes(in.Totals, false),
			ValorModificacion:           Money(in.Totals.GrandTotal),
			Moneda:                      currency,
			Motivo:                      strings.TrimSpace(doc.Reason),
		}
	} else {
		p.InfoFactura = &InfoFactura{
			FechaEmision:                fecha,
			DirEstablecimiento:          h.EstablishmentAddress,
			ContribuyenteEspecial:       h.SpecialTaxpayer,
			ObligadoContabilidad:        yesNo(h.AccountingRequired),
			TipoIdentificacionComprador: buyer.IDType,
			RazonSocialComprador:        buyer.Name,
			IdentificacionComprador:     buyer.ID,
			DireccionComprador:          buyer.Address,
			TotalSinImpuestos:           Money(in.Totals.Subtotal),
			TotalDescuento:              Money(in.Totals.DiscountTotal),
			TotalConImpuestos:           buildTotalTaxes(in.Totals, true),
			Propina:                     Money(decimal.Zero),
			ImporteTotal:                Money(in.Totals.GrandTotal),
			Moneda:                      currency,
			Pagos:                       buildPagos(doc.Payments, in.Totals.GrandTotal),
		}
	}

	if buyer.Email != "" {
		p.InfoAdicional = &InfoAdicional{Campos: []Campo{{Nombre: "correo", Valor: buyer.Email}}}
	}

	p.IdempotencyKey = IdempotencyKey(h.RUC, p.InfoTributaria.Estab, p.InfoTributaria.PtoEmi, p.InfoTributaria.Secuencial, doc.IssueDate)
	return p, nil
}

func buildDetalles(t Totals) []Detalle {
	out := make([]Detalle, 0, len(t.Lines))
	for _, l := range t.Lines {
		tarifa := Money(l.Item.TaxPercent)
		out = append(out, Detalle{
			CodigoPrincipal:        l.Item.Code,
			Descripcion:            l.Item.Description,
			Cantidad:               Quantity(l.Item.Quantity),
			PrecioUnitario:         Quantity(l.Item.UnitPrice),
			Descuento:              Money(l.Discount),
			PrecioTotalSinImpuesto: Money(l.Base),
			Impuestos: []TaxEntry{{
				Codigo:           VATKindCode,
				CodigoPorcentaje: l.TaxCode,
				Tarifa:           &tarifa,
				BaseImponible:    Money(l.Base),
				Valor:            Money(l.Tax),
			}},
		})
	}
	return out
}

func buildTotalTaxes(t Totals, withRate bool) []TaxEntry {
	out := make([]TaxEntry, 0, len(t.Buckets))
	for _, b := range t.Buckets {
		entry := TaxEntry{
			Codigo:           VATKindCode,
			CodigoPorcentaje: b.Code,
			BaseImponible:    Money(b.Base),
			Valor:            Money(b.Tax),
		}
		if withRate {
			rate := Money(b.Percent)
			entry.Tarifa = &rate
		}
		out = append(out, entry)
	}
	return out
}

// buildPagos defaults to one cash payment for the grand total.
func buildPagos(payments []taxdoc.Payment, total decimal.Decimal) []Pago {
	out := make([]Pago, 0, len(payments))
	for _, pay := range payments {
		amount := pay.Total
		if !amount.IsPositive() {
			amount = total
		}
		out = append(out, Pago{
			FormaPago:    PaymentCode(pay.Method),
			Total:        Money(Round2(amount)),
			Plazo:        pay.Term,
			UnidadTiempo: pay.TimeUnit,
		})
	}
	if len(out) == 0 {
		out = append(out, Pago{FormaPago: defaultPaymentMethod, Total: Money(total)})
	}
	return out
}

// PaymentCode resolves a payment method to its formaPago code.
func PaymentCode(method string) string {
	m := strings.ToLower(strings.TrimSpace(method))
	if len(m) == 2 && isDigits(m) {
		return m
	}
	if code, ok := paymentMethods[m]; ok {
		return code
	}
	return defaultPaymentMethod
}

func modifiedDocType(m *taxdoc.ModifiedDocument) taxdoc.DocType {
	if m.DocType == "" {
		return taxdoc.DocTypeInvoice
	}
	return m.DocType
}

func modifiedIssueDate(m *taxdoc.ModifiedDocument, fallback time.Time) string {
	if m.IssueDate.IsZero() {
		return fallback.Format(issueDateLayout)
	}
	return m.IssueDate.Format(issueDateLayout)
}

func yesNo(b bool) string {
	if b {
		return "SI"
	}
	return "NO"
}
