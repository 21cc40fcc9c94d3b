package issuer

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	appissuer "bmarc/ms_facturacion_sri/internal/application/issuer"
	"bmarc/ms_facturacion_sri/internal/core/taxdoc"
	"bmarc/ms_facturacion_sri/internal/testutil"
)

const testRUC = "1790012345001"

func newRouter(repo *testutil.MockIssuerRepository) chi.Router {
	svc := appissuer.NewService(repo, time.Minute, testutil.NewNullLogger())
	r := chi.NewRouter()
	NewHandler(svc, testutil.NewNullLogger()).Routes(r)
	return r
}

func serve(r chi.Router, method, path string, body interface{}) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, testutil.CreateRequest(method, path, body, nil))
	return w
}

func TestHandler_GetIssuer(t *testing.T) {
	repo := &testutil.MockIssuerRepository{Issuers: map[string]taxdoc.Issuer{
		testRUC: {
			RUC:                 testRUC,
			LegalName:           "COMERCIAL ANDINA S.A.",
			Environment:         "production",
			CertificateLocator:  "/certs/andina.p12",
			CertificatePassword: "secret",
			Active:              true,
		},
	}}
	r := newRouter(repo)

	tests := []struct {
		name           string
		ruc            string
		expectedStatus int
	}{
		{name: "found", ruc: testRUC, expectedStatus: http.StatusOK},
		{name: "unknown", ruc: "0999999999001", expectedStatus: http.StatusNotFound},
		{name: "malformed", ruc: "123", expectedStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(r, http.MethodGet, "/issuers/"+tt.ruc, nil)
			if w.Code != tt.expectedStatus {
				t.Fatalf("expected status %d, got %d (body: %s)", tt.expectedStatus, w.Code, w.Body.String())
			}
			if tt.expectedStatus != http.StatusOK {
				return
			}
			raw := w.Body.String()
			if strings.Contains(raw, "secret") || strings.Contains(raw, "andina.p12") {
				t.Errorf("certificate secrets leaked: %s", raw)
			}
			body := testutil.ReadErrorResponse(t, w)
			if body["legalName"] != "COMERCIAL ANDINA S.A." {
				t.Errorf("expected legal name, got %v", body["legalName"])
			}
			if body["certificateConfigured"] != true {
				t.Errorf("expected certificateConfigured true, got %v", body["certificateConfigured"])
			}
		})
	}
}

func TestHandler_PutIssuer(t *testing.T) {
	tests := []struct {
		name           string
		path           string
		body           interface{}
		expectedStatus int
		check          func(t *testing.T, repo *testutil.MockIssuerRepository)
	}{
		{
			name: "creates profile",
			path: "/issuers/" + testRUC,
			body: map[string]interface{}{
				"legalName":          "COMERCIAL ANDINA S.A.",
				"establishmentCode":  "1",
				"emissionPoint":      "2",
				"environment":        "prod",
				"certificateLocator": "/certs/andina.p12",
			},
			expectedStatus: http.StatusOK,
			check: func(t *testing.T, repo *testutil.MockIssuerRepository) {
				stored, ok := repo.Issuers[testRUC]
				if !ok {
					t.Fatal("expected issuer to be stored")
				}
				if stored.EstablishmentCode != "001" || stored.EmissionPoint != "002" {
					t.Errorf("expected padded codes, got %s/%s", stored.EstablishmentCode, stored.EmissionPoint)
				}
				if stored.Environment != string(taxdoc.EnvironmentProduction) {
					t.Errorf("expected production, got %s", stored.Environment)
				}
				if !stored.Active {
					t.Error("expected new profile to be active")
				}
			},
		},
		{
			name:           "body ruc mismatch",
			path:           "/issuers/" + testRUC,
			body:           map[string]interface{}{"ruc": "0999999999001", "legalName": "X"},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "missing legal name",
			path:           "/issuers/" + testRUC,
			body:           map[string]interface{}{"establishmentCode": "1"},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "invalid JSON",
			path:           "/issuers/" + testRUC,
			body:           "not json",
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &testutil.MockIssuerRepository{}
			w := serve(newRouter(repo), http.MethodPut, tt.path, tt.body)
			if w.Code != tt.expectedStatus {
				t.Fatalf("expected status %d, got %d (body: %s)", tt.expectedStatus, w.Code, w.Body.String())
			}
			if tt.check != nil {
				tt.check(t, repo)
			}
		})
	}
}

func TestHandler_PutIssuerRefreshesCache(t *testing.T) {
	repo := &testutil.MockIssuerRepository{Issuers: map[string]taxdoc.Issuer{
		testRUC: {RUC: testRUC, LegalName: "ANTES S.A.", Active: true},
	}}
	r := newRouter(repo)

	if w := serve(r, http.MethodGet, "/issuers/"+testRUC, nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w := serve(r, http.MethodPut, "/issuers/"+testRUC, map[string]interface{}{"legalName": "DESPUES S.A."}); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	body := testutil.ReadErrorResponse(t, serve(r, http.MethodGet, "/issuers/"+testRUC, nil))
	if body["legalName"] != "DESPUES S.A." {
		t.Errorf("expected refreshed legal name, got %v", body["legalName"])
	}
}
