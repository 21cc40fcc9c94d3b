package issuer

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	appissuer "bmarc/ms_facturacion_sri/internal/application/issuer"
	"bmarc/ms_facturacion_sri/internal/core/taxdoc"
	httperrors "bmarc/ms_facturacion_sri/internal/infrastructure/http"
)

// Service is the part of the issuer service the handler drives.
type Service interface {
	Get(ctx context.Context, ruc string) (*taxdoc.Issuer, error)
	Upsert(ctx context.Context, req appissuer.UpsertRequest) (*taxdoc.Issuer, error)
}

// Handler bridges HTTP traffic with the issuer application service.
type Handler struct {
	service Service
	log     *slog.Logger
}

// NewHandler creates a new issuer HTTP handler.
func NewHandler(service Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{service: service, log: log}
}

// Routes mounts the handler under r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/issuers/{ruc}", h.GetIssuer)
	r.Put("/issuers/{ruc}", h.PutIssuer)
}

// IssuerResponse is an issuer profile without its certificate secrets.
type IssuerResponse struct {
	taxdoc.Issuer
	CertificateConfigured bool `json:"certificateConfigured"`
}

// GetIssuer handles GET /api/v1/issuers/{ruc}.
func (h *Handler) GetIssuer(w http.ResponseWriter, r *http.Request) {
	issuer, err := h.service.Get(r.Context(), chi.URLParam(r, "ruc"))
	if err != nil {
		httperrors.WriteAppError(w, err, h.log)
		return
	}
	h.writeJSON(w, http.StatusOK, toResponse(issuer))
}

// PutIssuer handles PUT /api/v1/issuers/{ruc}.
func (h *Handler) PutIssuer(w http.ResponseWriter, r *http.Request) {
	var body appissuer.UpsertRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httperrors.WriteError(w, http.StatusBadRequest, httperrors.TitleValidation, []string{"El cuerpo de la petición no es válido"}, h.log)
		return
	}

	ruc := strings.TrimSpace(chi.URLParam(r, "ruc"))
	if body.RUC != "" && strings.TrimSpace(body.RUC) != ruc {
		httperrors.WriteError(w, http.StatusBadRequest, httperrors.TitleValidation, []string{"El RUC del cuerpo no coincide con el de la ruta"}, h.log)
		return
	}
	body.RUC = ruc

	issuer, err := h.service.Upsert(r.Context(), body)
	if err != nil {
		httperrors.WriteAppError(w, err, h.log)
		return
	}
	h.writeJSON(w, http.StatusOK, toResponse(issuer))
}

func toResponse(issuer *taxdoc.Issuer) IssuerResponse {
	return IssuerResponse{
		Issuer:                *issuer,
		CertificateConfigured: issuer.CertificateLocator != "",
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("Failed to encode response", "error", err)
	}
}
