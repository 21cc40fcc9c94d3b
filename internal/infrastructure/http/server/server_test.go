package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"bmarc/ms_facturacion_sri/internal/infrastructure/config"
	"bmarc/ms_facturacion_sri/internal/testutil"
)

type fakeEmission struct {
	submitMiddlewares int
	sawDeadline       bool
}

func (f *fakeEmission) Routes(r chi.Router, submit ...func(http.Handler) http.Handler) {
	f.submitMiddlewares = len(submit)
	r.With(submit...).Post("/invoices", func(w http.ResponseWriter, r *http.Request) {
		_, f.sawDeadline = r.Context().Deadline()
		w.WriteHeader(http.StatusCreated)
	})
	r.Get("/documents", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

type fakeIssuers struct{}

func (fakeIssuers) Routes(r chi.Router) {
	r.Get("/issuers/{ruc}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(chi.URLParam(r, "ruc")))
	})
}

func okHealth() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})
}

func baseConfig() config.AppConfig {
	return config.AppConfig{
		HTTP: config.HTTPSettings{
			Port:                 8080,
			ReadTimeout:          10 * time.Second,
			WriteTimeout:         150 * time.Second,
			WriteTimeoutEmission: 3 * time.Minute,
			IdleTimeout:          120 * time.Second,
			ShutdownTimeout:      time.Second,
		},
		Metrics: config.MetricsSettings{Enabled: true, Path: "/metrics"},
	}
}

func newTestServer(t *testing.T, opts Options) *Server {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = testutil.NewNullLogger()
	}
	if opts.HealthHandler == nil {
		opts.HealthHandler = okHealth()
	}
	srv, err := New(opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return srv
}

func serve(srv *Server, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestNew_RequiredOptions(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr string
	}{
		{
			name:    "nil logger",
			opts:    Options{Config: baseConfig(), HealthHandler: okHealth()},
			wantErr: "logger is required",
		},
		{
			name:    "nil health handler",
			opts:    Options{Config: baseConfig(), Logger: testutil.NewNullLogger()},
			wantErr: "health handler is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opts)
			if err == nil {
				t.Fatal("expected error")
			}
			if err.Error() != tt.wantErr {
				t.Errorf("expected error %q, got %q", tt.wantErr, err.Error())
			}
		})
	}
}

func TestNew_ServerSettings(t *testing.T) {
	srv := newTestServer(t, Options{Config: baseConfig()})

	if srv.httpServer.Addr != ":8080" {
		t.Errorf("expected address ':8080', got %q", srv.httpServer.Addr)
	}
	if srv.httpServer.WriteTimeout != 150*time.Second {
		t.Errorf("expected write timeout 150s, got %v", srv.httpServer.WriteTimeout)
	}
	if srv.shutdownTimeout != time.Second {
		t.Errorf("expected shutdown timeout 1s, got %v", srv.shutdownTimeout)
	}
}

func TestServer_HealthEndpoint(t *testing.T) {
	srv := newTestServer(t, Options{Config: baseConfig()})

	w := serve(srv, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
	if w.Body.String() != "healthy" {
		t.Errorf("expected body 'healthy', got %q", w.Body.String())
	}
	if w.Header().Get("X-Correlation-ID") == "" {
		t.Error("expected correlation id header on response")
	}
}

func TestServer_MetricsEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		enabled  bool
		expected int
	}{
		{name: "enabled", enabled: true, expected: http.StatusOK},
		{name: "disabled", enabled: false, expected: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig()
			cfg.Metrics.Enabled = tt.enabled
			srv := newTestServer(t, Options{Config: cfg})

			w := serve(srv, httptest.NewRequest(http.MethodGet, "/metrics", nil))
			if w.Code != tt.expected {
				t.Errorf("expected status %d, got %d", tt.expected, w.Code)
			}
		})
	}
}

func TestServer_EmissionRoutes(t *testing.T) {
	emission := &fakeEmission{}
	srv := newTestServer(t, Options{Config: baseConfig(), Emission: emission})

	if emission.submitMiddlewares != 1 {
		t.Fatalf("expected the submit timeout middleware, got %d", emission.submitMiddlewares)
	}

	w := serve(srv, httptest.NewRequest(http.MethodPost, "/api/v1/invoices", nil))
	if w.Code != http.StatusCreated {
		t.Errorf("expected status 201, got %d", w.Code)
	}
	if !emission.sawDeadline {
		t.Error("expected emit route to run with an extended deadline")
	}

	w = serve(srv, httptest.NewRequest(http.MethodGet, "/api/v1/documents", nil))
	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
}

func TestServer_IssuerRoutes(t *testing.T) {
	srv := newTestServer(t, Options{Config: baseConfig(), Issuers: fakeIssuers{}})

	w := serve(srv, httptest.NewRequest(http.MethodGet, "/api/v1/issuers/1790012345001", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if w.Body.String() != "1790012345001" {
		t.Errorf("expected ruc echoed, got %q", w.Body.String())
	}
}

func TestServer_UnmountedRoutes(t *testing.T) {
	srv := newTestServer(t, Options{Config: baseConfig()})

	w := serve(srv, httptest.NewRequest(http.MethodPost, "/api/v1/invoices", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
}

func TestServer_CORSPreflight(t *testing.T) {
	srv := newTestServer(t, Options{Config: baseConfig(), Emission: &fakeEmission{}})

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/invoices", nil)
	req.Header.Set("Origin", "https://erp.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)

	w := serve(srv, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("expected wildcard origin, got %q", got)
	}
}

func TestServer_Run_ContextCancel(t *testing.T) {
	cfg := baseConfig()
	cfg.HTTP.Port = 0
	srv := newTestServer(t, Options{Config: cfg})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := srv.Run(ctx); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestServer_Close(t *testing.T) {
	srv := newTestServer(t, Options{Config: baseConfig()})

	// Should not panic without an authenticator.
	srv.Close()
}
