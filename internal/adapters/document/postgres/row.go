package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"bmarc/ms_facturacion_sri/internal/core/taxdoc"
)

// documentRow mirrors tax_documents. Numeric columns are read as text and
// JSONB columns as raw bytes.
type documentRow struct {
	ID                  string     `db:"id"`
	DocType             string     `db:"doc_type"`
	IssuerRUC           string     `db:"issuer_ruc"`
	Environment         string     `db:"environment"`
	Status              string     `db:"status"`
	Establishment       string     `db:"establishment"`
	EmissionPoint       string     `db:"emission_point"`
	Sequence            string     `db:"sequence"`
	AccessKey           string     `db:"access_key"`
	IdempotencyKey      string     `db:"idempotency_key"`
	IssueDate           time.Time  `db:"issue_date"`
	Buyer               []byte     `db:"buyer"`
	Items               []byte     `db:"items"`
	Payments            []byte     `db:"payments"`
	Modified            []byte     `db:"modified"`
	Reason              string     `db:"reason"`
	ReferenceDocumentID string     `db:"reference_document_id"`
	Subtotal            string     `db:"subtotal"`
	DiscountTotal       string     `db:"discount_total"`
	TaxTotal            string     `db:"tax_total"`
	GrandTotal          string     `db:"grand_total"`
	Payload             []byte     `db:"payload"`
	Messages            []byte     `db:"messages"`
	AuthorizationNumber string     `db:"authorization_number"`
	AuthorizedAt        *time.Time `db:"authorized_at"`
	Artifact            []byte     `db:"artifact"`
	RepollAttempts      int        `db:"repoll_attempts"`
	NextPollAt          *time.Time `db:"next_poll_at"`
	EmitPending         bool       `db:"emit_pending"`
	Voided              bool       `db:"voided"`
	VoidedBy            string     `db:"voided_by"`
	CreatedAt           time.Time  `db:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at"`
}

var selectColumns = []string{
	"id", "doc_type", "issuer_ruc", "environment", "status",
	"establishment", "emission_point", "sequence", "access_key", "idempotency_key",
	"issue_date", "buyer", "items", "payments", "modified", "reason", "reference_document_id",
	"subtotal::text AS subtotal",
	"discount_total::text AS discount_total",
	"tax_total::text AS tax_total",
	"grand_total::text AS grand_total",
	"payload", "messages", "authorization_number", "authorized_at", "artifact",
	"repoll_attempts", "next_poll_at", "emit_pending", "voided", "voided_by", "created_at", "updated_at",
}

func (r documentRow) toDocument(decompress func([]byte) []byte) (*taxdoc.Document, error) {
	doc := &taxdoc.Document{
		ID:                  r.ID,
		DocType:             taxdoc.DocType(r.DocType),
		IssuerRUC:           r.IssuerRUC,
		Environment:         taxdoc.Environment(r.Environment),
		Status:              taxdoc.Status(r.Status),
		Establishment:       r.Establishment,
		EmissionPoint:       r.EmissionPoint,
		Sequence:            r.Sequence,
		AccessKey:           r.AccessKey,
		IdempotencyKey:      r.IdempotencyKey,
		IssueDate:           r.IssueDate,
		Reason:              r.Reason,
		ReferenceDocumentID: r.ReferenceDocumentID,
		Authorization: taxdoc.Authorization{
			Number:       r.AuthorizationNumber,
			AuthorizedAt: r.AuthorizedAt,
		},
		RepollAttempts: r.RepollAttempts,
		NextPollAt:     r.NextPollAt,
		EmitPending:    r.EmitPending,
		Voided:         r.Voided,
		VoidedBy:       r.VoidedBy,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}

	if !r.IssueDate.IsZero() {
		// TIMESTAMPTZ comes back in the session zone
		doc.IssueDate = taxdoc.CalendarDay(r.IssueDate)
	}
	if len(r.Payload) > 0 {
		doc.Payload = json.RawMessage(r.Payload)
	}
	if len(r.Artifact) > 0 {
		doc.Artifact = decompress(r.Artifact)
	}

	if err := unmarshalColumn("buyer", r.Buyer, &doc.Buyer); err != nil {
		return nil, err
	}
	if err := unmarshalColumn("items", r.Items, &doc.Items); err != nil {
		return nil, err
	}
	if err := unmarshalColumn("payments", r.Payments, &doc.Payments); err != nil {
		return nil, err
	}
	if err := unmarshalColumn("messages", r.Messages, &doc.Messages); err != nil {
		return nil, err
	}
	if len(r.Modified) > 0 && string(r.Modified) != "null" {
		doc.Modified = &taxdoc.ModifiedDocument{}
		if err := unmarshalColumn("modified", r.Modified, doc.Modified); err != nil {
			return nil, err
		}
	}

	var err error
	if doc.Subtotal, err = parseAmount("subtotal", r.Subtotal); err != nil {
		return nil, err
	}
	if doc.DiscountTotal, err = parseAmount("discount_total", r.DiscountTotal); err != nil {
		return nil, err
	}
	if doc.TaxTotal, err = parseAmount("tax_total", r.TaxTotal); err != nil {
		return nil, err
	}
	if doc.GrandTotal, err = parseAmount("grand_total", r.GrandTotal); err != nil {
		return nil, err
	}
	return doc, nil
}

func unmarshalColumn(column string, raw []byte, dest any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("decode %s: %w", column, err)
	}
	return nil
}

func parseAmount(column, raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("decode %s: %w", column, err)
	}
	return d, nil
}

func marshalColumn(column string, v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", column, err)
	}
	return b, nil
}
