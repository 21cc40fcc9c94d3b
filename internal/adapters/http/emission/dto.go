package emission

import (
	"encoding/base64"
	"strings"
	"time"

	"bmarc/ms_facturacion_sri/internal/core/taxdoc"
)

// EmitDocumentRequest is the body of POST /invoices and POST /credit-notes.
// The credit-note fields are ignored on invoices.
type EmitDocumentRequest struct {
	IssuerRUC     string            `json:"issuerRuc"`
	Establishment string            `json:"establishment"`
	EmissionPoint string            `json:"emissionPoint"`
	IssueDate     string            `json:"issueDate"`
	Buyer         taxdoc.Buyer      `json:"buyer"`
	Items         []taxdoc.LineItem `json:"items"`
	Payments      []taxdoc.Payment  `json:"payments"`

	ReferenceDocumentID string `json:"referenceDocumentId"`
	ModifiedNumber      string `json:"modifiedNumber"`
	ModifiedIssueDate   string `json:"modifiedIssueDate"`
	Reason              string `json:"reason"`
}

// ResetSequenceRequest is the body of PUT /issuers/{ruc}/sequences/{docType}.
type ResetSequenceRequest struct {
	Env  string `json:"env"`
	Next int64  `json:"next"`
}

// SequenceResponse reports the next sequence of a counter.
type SequenceResponse struct {
	IssuerRUC   string `json:"issuerRuc"`
	DocType     string `json:"docType"`
	Environment string `json:"environment"`
	Next        int64  `json:"next"`
}

// AuthorizationResponse is the authorization block of a document.
type AuthorizationResponse struct {
	Number string     `json:"number"`
	Date   *time.Time `json:"date,omitempty"`
}

// ModifiedResponse references the invoice a credit note modifies.
type ModifiedResponse struct {
	DocType   string `json:"docType"`
	Number    string `json:"number"`
	IssueDate string `json:"issueDate"`
}

// DocumentResponse is the public view of a tax document.
type DocumentResponse struct {
	ID                  string                 `json:"id"`
	DocType             string                 `json:"docType"`
	DocTypeName         string                 `json:"docTypeName"`
	IssuerRUC           string                 `json:"issuerRuc"`
	Environment         string                 `json:"environment"`
	Status              string                 `json:"status"`
	StatusLabel         string                 `json:"statusLabel"`
	Number              string                 `json:"number,omitempty"`
	AccessKey           string                 `json:"accessKey,omitempty"`
	IssueDate           string                 `json:"issueDate"`
	Buyer               taxdoc.Buyer           `json:"buyer"`
	Items               []taxdoc.LineItem      `json:"items"`
	Payments            []taxdoc.Payment       `json:"payments,omitempty"`
	Modified            *ModifiedResponse      `json:"modified,omitempty"`
	Reason              string                 `json:"reason,omitempty"`
	ReferenceDocumentID string                 `json:"referenceDocumentId,omitempty"`
	Subtotal            string                 `json:"subtotal"`
	DiscountTotal       string                 `json:"discountTotal"`
	TaxTotal            string                 `json:"taxTotal"`
	GrandTotal          string                 `json:"grandTotal"`
	Messages            []string               `json:"messages"`
	Authorization       *AuthorizationResponse `json:"authorization,omitempty"`
	AuthorizedXMLBase64 string                 `json:"authorizedXmlBase64,omitempty"`
	RepollAttempts      int                    `json:"repollAttempts"`
	NextPollAt          *time.Time             `json:"nextPollAt,omitempty"`
	Voided              bool                   `json:"voided"`
	VoidedBy            string                 `json:"voidedBy,omitempty"`
	CreatedAt           time.Time              `json:"createdAt"`
	UpdatedAt           time.Time              `json:"updatedAt"`
}

// ListResponse wraps a page of documents.
type ListResponse struct {
	Status  string             `json:"status"`
	Message string             `json:"message"`
	Total   int                `json:"total"`
	Data    []DocumentResponse `json:"data"`
}

// toResponse maps a document onto its public view. The signed XML is only
// included when withArtifact is set.
func toResponse(doc *taxdoc.Document, withArtifact bool) DocumentResponse {
	resp := DocumentResponse{
		ID:                  doc.ID,
		DocType:             string(doc.DocType),
		DocTypeName:         doc.DocType.String(),
		IssuerRUC:           doc.IssuerRUC,
		Environment:         string(doc.Environment),
		Status:              string(doc.Status),
		StatusLabel:         doc.Status.Label(),
		Number:              doc.Number(),
		AccessKey:           doc.AccessKey,
		IssueDate:           doc.IssueDate.Format(dateLayout),
		Buyer:               doc.Buyer,
		Items:               doc.Items,
		Payments:            doc.Payments,
		Reason:              doc.Reason,
		ReferenceDocumentID: doc.ReferenceDocumentID,
		Subtotal:            doc.Subtotal.StringFixed(2),
		DiscountTotal:       doc.DiscountTotal.StringFixed(2),
		TaxTotal:            doc.TaxTotal.StringFixed(2),
		GrandTotal:          doc.GrandTotal.StringFixed(2),
		Messages:            doc.Messages,
		RepollAttempts:      doc.RepollAttempts,
		NextPollAt:          doc.NextPollAt,
		Voided:              doc.Voided,
		VoidedBy:            doc.VoidedBy,
		CreatedAt:           doc.CreatedAt,
		UpdatedAt:           doc.UpdatedAt,
	}
	if resp.Messages == nil {
		resp.Messages = []string{}
	}
	if resp.Items == nil {
		resp.Items = []taxdoc.LineItem{}
	}
	if doc.Modified != nil {
		resp.Modified = &ModifiedResponse{
			DocType:   string(doc.Modified.DocType),
			Number:    doc.Modified.Number(),
			IssueDate: formatDate(doc.Modified.IssueDate),
		}
	}
	if doc.Authorization.Number != "" {
		resp.Authorization = &AuthorizationResponse{
			Number: doc.Authorization.Number,
			Date:   doc.Authorization.AuthorizedAt,
		}
	}
	if withArtifact && len(doc.Artifact) > 0 {
		resp.AuthorizedXMLBase64 = base64.StdEncoding.EncodeToString(doc.Artifact)
	}
	return resp
}

const dateLayout = "2006-01-02"

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(dateLayout)
}

// parseDate accepts YYYY-MM-DD or RFC 3339. Empty input yields the zero time.
func parseDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, true
	}
	if t, err := time.Parse(dateLayout, raw); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, true
	}
	return time.Time{}, false
}
