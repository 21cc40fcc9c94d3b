package http

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNewClient(t *testing.T) {
	tests := []struct {
		name     string
		config   ClientConfig
		validate func(t *testing.T, client *http.Client)
	}{
		{
			name:   "zero config uses gateway defaults",
			config: ClientConfig{},
			validate: func(t *testing.T, client *http.Client) {
				if client.Timeout != 120*time.Second {
					t.Errorf("expected default timeout 120s, got %v", client.Timeout)
				}
				transport, ok := client.Transport.(*http.Transport)
				if !ok {
					t.Fatalf("expected pooled transport, got %T", client.Transport)
				}
				if transport.MaxConnsPerHost != 50 {
					t.Errorf("expected 50 conns per host, got %d", transport.MaxConnsPerHost)
				}
				if transport.ResponseHeaderTimeout != 120*time.Second {
					t.Errorf("expected header timeout 120s, got %v", transport.ResponseHeaderTimeout)
				}
			},
		},
		{
			name:   "short timeout keeps a 60s header floor",
			config: ClientConfig{Timeout: 10 * time.Second, MaxConnsPerHost: 8},
			validate: func(t *testing.T, client *http.Client) {
				transport := client.Transport.(*http.Transport)
				if transport.ResponseHeaderTimeout != 60*time.Second {
					t.Errorf("expected header timeout 60s, got %v", transport.ResponseHeaderTimeout)
				}
				if transport.MaxConnsPerHost != 8 || transport.MaxIdleConnsPerHost != 8 {
					t.Errorf("expected 8 conns per host, got %d/%d", transport.MaxConnsPerHost, transport.MaxIdleConnsPerHost)
				}
			},
		},
		{
			name:   "custom transport",
			config: ClientConfig{Timeout: 5 * time.Second, Transport: http.DefaultTransport},
			validate: func(t *testing.T, client *http.Client) {
				if client.Transport != http.DefaultTransport {
					t.Error("expected custom transport to be set")
				}
			},
		},
		{
			name:   "redirects followed on request",
			config: ClientConfig{FollowRedirects: true},
			validate: func(t *testing.T, client *http.Client) {
				if client.CheckRedirect != nil {
					t.Error("expected default redirect policy")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := NewClient(tt.config)
			if client == nil {
				t.Fatal("expected client to be created, got nil")
			}
			tt.validate(t, client)
		})
	}
}

func TestNewClient_DoesNotFollowRedirects(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/moved" {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.Redirect(w, r, "/moved", http.StatusTemporaryRedirect)
	}))
	defer server.Close()

	client := NewClient(ClientConfig{Timeout: time.Second, Transport: server.Client().Transport})
	resp, err := client.Post(server.URL+"/invoices/emit", "application/json", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusTemporaryRedirect {
		t.Errorf("expected the redirect to be surfaced, got %d", resp.StatusCode)
	}
}
