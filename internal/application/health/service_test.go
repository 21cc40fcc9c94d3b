package health

import (
	"context"
	"errors"
	"testing"
	"time"

	corehealth "bmarc/ms_facturacion_sri/internal/core/health"
)

func TestNewService(t *testing.T) {
	meta := Metadata{
		Service:     "test-service",
		Version:     "1.0.0",
		Environment: "test",
	}

	service := NewService(meta)

	if service == nil {
		t.Fatal("expected service to be created, got nil")
	}

	if service.meta != meta {
		t.Error("expected service to have the provided metadata")
	}

	if service.startedAt.IsZero() {
		t.Error("expected startedAt to be set")
	}
}

func TestService_Status(t *testing.T) {
	meta := Metadata{
		Service:     "test-service",
		Version:     "1.0.0",
		Environment: "test",
	}

	service := NewService(meta)
	startTime := service.startedAt

	time.Sleep(10 * time.Millisecond)

	status := service.Status(context.Background())

	if status.Service != meta.Service {
		t.Errorf("expected service %q, got %q", meta.Service, status.Service)
	}

	if status.Version != meta.Version {
		t.Errorf("expected version %q, got %q", meta.Version, status.Version)
	}

	if status.Status != corehealth.StatusUp {
		t.Errorf("expected status 'UP', got %q", status.Status)
	}

	if !status.StartedAt.Equal(startTime) {
		t.Errorf("expected startedAt to match service start time")
	}

	if status.Uptime == "" {
		t.Error("expected uptime to be set")
	}

	if len(status.Dependencies) != 0 {
		t.Errorf("expected no dependencies, got %d", len(status.Dependencies))
	}
}

func TestService_Status_Dependencies(t *testing.T) {
	ok := func(context.Context) error { return nil }
	fail := func(context.Context) error { return errors.New("connection refused") }

	tests := []struct {
		name   string
		checks []Check
		want   string
	}{
		{
			name:   "all dependencies up",
			checks: []Check{{Name: "database", Critical: true, Probe: ok}, {Name: "redis", Probe: ok}},
			want:   corehealth.StatusUp,
		},
		{
			name:   "non-critical failure degrades",
			checks: []Check{{Name: "database", Critical: true, Probe: ok}, {Name: "gateway", Probe: fail}},
			want:   corehealth.StatusDegraded,
		},
		{
			name:   "critical failure is down",
			checks: []Check{{Name: "database", Critical: true, Probe: fail}, {Name: "gateway", Probe: fail}},
			want:   corehealth.StatusDown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status := NewService(Metadata{Service: "svc"}, tt.checks...).Status(context.Background())

			if status.Status != tt.want {
				t.Errorf("expected %s, got %s", tt.want, status.Status)
			}
			if len(status.Dependencies) != len(tt.checks) {
				t.Fatalf("expected %d dependencies, got %d", len(tt.checks), len(status.Dependencies))
			}
			for i, dep := range status.Dependencies {
				if dep.Name != tt.checks[i].Name {
					t.Errorf("dependency %d: expected %s, got %s", i, tt.checks[i].Name, dep.Name)
				}
				if dep.Status == corehealth.StatusDown && dep.Detail == "" {
					t.Errorf("dependency %s: expected failure detail", dep.Name)
				}
			}
		})
	}
}

func TestService_Status_ProbeTimeout(t *testing.T) {
	slow := Check{Name: "redis", Probe: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	service := NewService(Metadata{}, slow)
	service.probeTimeout = 20 * time.Millisecond

	status := service.Status(context.Background())
	if status.Status != corehealth.StatusDegraded {
		t.Errorf("expected DEGRADED, got %s", status.Status)
	}
}
