package health

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	corehealth "bmarc/ms_facturacion_sri/internal/core/health"
)

const defaultProbeTimeout = 2 * time.Second

// Metadata contains immutable metadata about the running service.
type Metadata struct {
	Service     string
	Version     string
	Environment string
}

// Check probes one dependency. A failing critical check marks the service DOWN,
// any other failure only DEGRADED.
type Check struct {
	Name     string
	Critical bool
	Probe    func(ctx context.Context) error
}

// Service exposes health-check use cases to adapters.
type Service struct {
	meta         Metadata
	startedAt    time.Time
	checks       []Check
	probeTimeout time.Duration
}

func NewService(meta Metadata, checks ...Check) *Service {
	return &Service{
		meta:         meta,
		startedAt:    time.Now().UTC(),
		checks:       checks,
		probeTimeout: defaultProbeTimeout,
	}
}

// Status returns the current availability snapshot.
func (s *Service) Status(ctx context.Context) corehealth.Status {
	uptime := time.Since(s.startedAt)
	deps := s.probe(ctx)

	overall := corehealth.StatusUp
	for _, d := range deps {
		if d.Status == corehealth.StatusUp {
			continue
		}
		if d.Critical {
			overall = corehealth.StatusDown
			break
		}
		overall = corehealth.StatusDegraded
	}

	return corehealth.Status{
		Service:      s.meta.Service,
		Version:      s.meta.Version,
		Environment:  s.meta.Environment,
		Status:       overall,
		StartedAt:    s.startedAt,
		Uptime:       uptime.String(),
		UptimeSecs:   int64(uptime.Seconds()),
		Dependencies: deps,
	}
}

func (s *Service) probe(ctx context.Context) []corehealth.Dependency {
	if len(s.checks) == 0 {
		return nil
	}

	deps := make([]corehealth.Dependency, len(s.checks))
	var g errgroup.Group
	for i, c := range s.checks {
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(ctx, s.probeTimeout)
			defer cancel()

			start := time.Now()
			err := c.Probe(probeCtx)
			dep := corehealth.Dependency{
				Name:      c.Name,
				Status:    corehealth.StatusUp,
				Critical:  c.Critical,
				LatencyMs: time.Since(start).Milliseconds(),
			}
			if err != nil {
				dep.Status = corehealth.StatusDown
				dep.Detail = err.Error()
			}
			deps[i] = dep
			return nil
		})
	}
	_ = g.Wait()
	return deps
}
