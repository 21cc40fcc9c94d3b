// Package emission exposes the emission use cases over HTTP.
package emission

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	appemission "bmarc/ms_facturacion_sri/internal/application/emission"
	"bmarc/ms_facturacion_sri/internal/core/taxdoc"
	httperrors "bmarc/ms_facturacion_sri/internal/infrastructure/http"
)

// Service is the part of the emission service the handler drives.
type Service interface {
	Emit(ctx context.Context, req appemission.EmitRequest) (*taxdoc.Document, error)
	Resubmit(ctx context.Context, id string) (*taxdoc.Document, error)
	RequestRepoll(ctx context.Context, id string) (*taxdoc.Document, error)
	Get(ctx context.Context, id string) (*taxdoc.Document, error)
	List(ctx context.Context, filter taxdoc.DocumentFilter) ([]taxdoc.Document, error)
	StatusByAccessKey(ctx context.Context, key string, env taxdoc.Environment) (*taxdoc.GatewayResponse, error)
	PeekSequence(ctx context.Context, ruc string, docType taxdoc.DocType, env taxdoc.Environment) (int64, error)
	ResetSequence(ctx context.Context, ruc string, docType taxdoc.DocType, env taxdoc.Environment, next int64) error
}

// Handler bridges HTTP traffic with the emission application service.
type Handler struct {
	service Service
	log     *slog.Logger
}

// NewHandler creates a new emission HTTP handler.
func NewHandler(service Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{service: service, log: log}
}

// Routes mounts the handler under r. submit wraps the routes that wait on
// the gateway for a first answer.
func (h *Handler) Routes(r chi.Router, submit ...func(http.Handler) http.Handler) {
	r.With(submit...).Post("/invoices", h.EmitInvoice)
	r.With(submit...).Post("/credit-notes", h.EmitCreditNote)
	r.With(submit...).Post("/documents/{id}/resubmit", h.Resubmit)
	r.Get("/documents", h.ListDocuments)
	r.Get("/documents/{id}", h.GetDocument)
	r.Post("/documents/{id}/repoll", h.Repoll)
	r.Get("/authority/{accessKey}/status", h.AuthorityStatus)
	r.Get("/issuers/{ruc}/sequences/{docType}", h.PeekSequence)
	r.Put("/issuers/{ruc}/sequences/{docType}", h.ResetSequence)
}

// EmitInvoice handles POST /api/v1/invoices.
func (h *Handler) EmitInvoice(w http.ResponseWriter, r *http.Request) {
	h.emit(w, r, taxdoc.DocTypeInvoice)
}

// EmitCreditNote handles POST /api/v1/credit-notes.
func (h *Handler) EmitCreditNote(w http.ResponseWriter, r *http.Request) {
	h.emit(w, r, taxdoc.DocTypeCreditNote)
}

func (h *Handler) emit(w http.ResponseWriter, r *http.Request, docType taxdoc.DocType) {
	var body EmitDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httperrors.WriteError(w, http.StatusBadRequest, httperrors.TitleValidation, []string{"El cuerpo de la petición no es válido"}, h.log)
		return
	}

	var problems []string
	if strings.TrimSpace(body.IssuerRUC) == "" {
		problems = append(problems, "issuerRuc es requerido")
	}
	if len(body.Items) == 0 {
		problems = append(problems, "items debe contener al menos una línea")
	}
	issueDate, ok := parseDate(body.IssueDate)
	if !ok {
		problems = append(problems, "issueDate debe tener formato YYYY-MM-DD o RFC3339")
	}
	modifiedIssueDate, ok := parseDate(body.ModifiedIssueDate)
	if !ok {
		problems = append(problems, "modifiedIssueDate debe tener formato YYYY-MM-DD o RFC3339")
	}
	if len(problems) > 0 {
		httperrors.WriteError(w, http.StatusBadRequest, httperrors.TitleValidation, problems, h.log)
		return
	}

	req := appemission.EmitRequest{
		DocType:       docType,
		IssuerRUC:     body.IssuerRUC,
		Establishment: body.Establishment,
		EmissionPoint: body.EmissionPoint,
		IssueDate:     issueDate,
		Buyer:         body.Buyer,
		Items:         body.Items,
		Payments:      body.Payments,
	}
	if docType == taxdoc.DocTypeCreditNote {
		req.ReferenceDocumentID = body.ReferenceDocumentID
		req.ModifiedNumber = body.ModifiedNumber
		req.ModifiedIssueDate = modifiedIssueDate
		req.Reason = body.Reason
	}

	doc, err := h.service.Emit(r.Context(), req)
	if err != nil {
		httperrors.WriteAppError(w, err, h.log)
		return
	}
	h.writeDocument(w, doc)
}

// ListDocuments handles GET /api/v1/documents.
func (h *Handler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	filter, problems := parseFilter(r)
	if len(problems) > 0 {
		httperrors.WriteError(w, http.StatusBadRequest, httperrors.TitleValidation, problems, h.log)
		return
	}

	docs, err := h.service.List(r.Context(), filter)
	if err != nil {
		httperrors.WriteAppError(w, err, h.log)
		return
	}

	data := make([]DocumentResponse, 0, len(docs))
	for i := range docs {
		data = append(data, toResponse(&docs[i], false))
	}
	h.writeJSON(w, http.StatusOK, ListResponse{
		Status:  "200",
		Message: "Exitoso",
		Total:   len(data),
		Data:    data,
	})
}

// GetDocument handles GET /api/v1/documents/{id}.
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httperrors.WriteAppError(w, err, h.log)
		return
	}
	h.writeJSON(w, http.StatusOK, toResponse(doc, true))
}

// Resubmit handles POST /api/v1/documents/{id}/resubmit.
func (h *Handler) Resubmit(w http.ResponseWriter, r *http.Request) {
	doc, err := h.service.Resubmit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httperrors.WriteAppError(w, err, h.log)
		return
	}
	h.writeDocument(w, doc)
}

// Repoll handles POST /api/v1/documents/{id}/repoll.
func (h *Handler) Repoll(w http.ResponseWriter, r *http.Request) {
	doc, err := h.service.RequestRepoll(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httperrors.WriteAppError(w, err, h.log)
		return
	}
	h.writeJSON(w, http.StatusAccepted, toResponse(doc, false))
}

// AuthorityStatus handles GET /api/v1/authority/{accessKey}/status.
func (h *Handler) AuthorityStatus(w http.ResponseWriter, r *http.Request) {
	env := taxdoc.ParseEnvironment(r.URL.Query().Get("env"))
	resp, err := h.service.StatusByAccessKey(r.Context(), chi.URLParam(r, "accessKey"), env)
	if err != nil {
		httperrors.WriteAppError(w, err, h.log)
		return
	}
	if resp.Messages == nil {
		resp.Messages = []string{}
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// PeekSequence handles GET /api/v1/issuers/{ruc}/sequences/{docType}.
func (h *Handler) PeekSequence(w http.ResponseWriter, r *http.Request) {
	docType, err := taxdoc.ParseDocType(chi.URLParam(r, "docType"))
	if err != nil {
		httperrors.WriteError(w, http.StatusBadRequest, httperrors.TitleValidation, []string{"Tipo de documento no soportado"}, h.log)
		return
	}
	ruc := chi.URLParam(r, "ruc")
	env := taxdoc.ParseEnvironment(r.URL.Query().Get("env"))

	next, err := h.service.PeekSequence(r.Context(), ruc, docType, env)
	if err != nil {
		httperrors.WriteAppError(w, err, h.log)
		return
	}
	h.writeJSON(w, http.StatusOK, SequenceResponse{
		IssuerRUC:   ruc,
		DocType:     string(docType),
		Environment: string(env),
		Next:        next,
	})
}

// ResetSequence handles PUT /api/v1/issuers/{ruc}/sequences/{docType}.
func (h *Handler) ResetSequence(w http.ResponseWriter, r *http.Request) {
	docType, err := taxdoc.ParseDocType(chi.URLParam(r, "docType"))
	if err != nil {
		httperrors.WriteError(w, http.StatusBadRequest, httperrors.TitleValidation, []string{"Tipo de documento no soportado"}, h.log)
		return
	}

	var body ResetSequenceRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httperrors.WriteError(w, http.StatusBadRequest, httperrors.TitleValidation, []string{"El cuerpo de la petición no es válido"}, h.log)
		return
	}

	ruc := chi.URLParam(r, "ruc")
	env := taxdoc.ParseEnvironment(body.Env)
	if err := h.service.ResetSequence(r.Context(), ruc, docType, env, body.Next); err != nil {
		httperrors.WriteAppError(w, err, h.log)
		return
	}
	h.writeJSON(w, http.StatusOK, SequenceResponse{
		IssuerRUC:   ruc,
		DocType:     string(docType),
		Environment: string(env),
		Next:        body.Next,
	})
}

// writeDocument answers with the code matching the document's state: 201
// once authorized, 202 while the authority is still deciding and 422 for a
// rejection, with the document as body in every case.
func (h *Handler) writeDocument(w http.ResponseWriter, doc *taxdoc.Document) {
	status := http.StatusAccepted
	switch doc.Status {
	case taxdoc.StatusAuthorized:
		status = http.StatusCreated
	case taxdoc.StatusNotAuthorized, taxdoc.StatusError:
		status = http.StatusUnprocessableEntity
	}
	h.writeJSON(w, status, toResponse(doc, true))
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("Failed to encode response", "error", err)
	}
}

func parseFilter(r *http.Request) (taxdoc.DocumentFilter, []string) {
	q := r.URL.Query()
	filter := taxdoc.DocumentFilter{IssuerRUC: strings.TrimSpace(q.Get("issuer"))}
	var problems []string

	if raw := q.Get("status"); raw != "" {
		status, ok := parseStatus(raw)
		if !ok {
			problems = append(problems, "status no es válido")
		}
		filter.Status = status
	}
	if raw := q.Get("docType"); raw != "" {
		docType, err := taxdoc.ParseDocType(raw)
		if err != nil {
			problems = append(problems, "docType no es válido")
		}
		filter.DocType = docType
	}
	if raw := q.Get("from"); raw != "" {
		if t, ok := parseDate(raw); ok {
			filter.From = &t
		} else {
			problems = append(problems, "from debe tener formato YYYY-MM-DD")
		}
	}
	if raw := q.Get("to"); raw != "" {
		if t, ok := parseDate(raw); ok {
			filter.To = &t
		} else {
			problems = append(problems, "to debe tener formato YYYY-MM-DD")
		}
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			problems = append(problems, "limit debe ser un entero positivo")
		}
		filter.Limit = n
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			problems = append(problems, "offset debe ser un entero positivo")
		}
		filter.Offset = n
	}
	return filter, problems
}

func parseStatus(raw string) (taxdoc.Status, bool) {
	status := taxdoc.Status(strings.ToUpper(strings.TrimSpace(raw)))
	switch status {
	case taxdoc.StatusDraft, taxdoc.StatusSubmitted, taxdoc.StatusProcessing,
		taxdoc.StatusAuthorized, taxdoc.StatusNotAuthorized, taxdoc.StatusError, taxdoc.StatusStale:
		return status, true
	}
	return "", false
}
