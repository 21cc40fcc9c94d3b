package health

import (
	"encoding/json"
	"net/http"

	apphealth "bmarc/ms_facturacion_sri/internal/application/health"
	corehealth "bmarc/ms_facturacion_sri/internal/core/health"
)

// Handler bridges HTTP traffic with the health application service.
type Handler struct {
	service *apphealth.Service
}

func NewHandler(service *apphealth.Service) *Handler {
	return &Handler{service: service}
}

// Status answers 503 only when a critical dependency is down.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	response := h.service.Status(r.Context())

	code := http.StatusOK
	if response.Status == corehealth.StatusDown {
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(response)
}

// ServeHTTP lets the handler be mounted directly.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.Status(w, r)
}
