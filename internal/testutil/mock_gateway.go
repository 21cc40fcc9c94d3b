package testutil

import (
	"context"
	"sync"

	"bmarc/ms_facturacion_sri/internal/core/apperror"
	"bmarc/ms_facturacion_sri/internal/core/taxdoc"
)

// MockGateway is a Func-field implementation of taxdoc.Gateway that records calls.
type MockGateway struct {
	EmitFunc     func(ctx context.Context, call taxdoc.EmitCall) (*taxdoc.GatewayResponse, error)
	StatusOfFunc func(ctx context.Context, query taxdoc.StatusQuery) (*taxdoc.GatewayResponse, error)

	mu      sync.Mutex
	Emits   []taxdoc.EmitCall
	Queries []taxdoc.StatusQuery
}

// Emit calls the mock function if set, otherwise answers AUTHORIZED.
func (m *MockGateway) Emit(ctx context.Context, call taxdoc.EmitCall) (*taxdoc.GatewayResponse, error) {
	m.mu.Lock()
	m.Emits = append(m.Emits, call)
	m.mu.Unlock()

	if m.EmitFunc != nil {
		return m.EmitFunc(ctx, call)
	}
	return &taxdoc.GatewayResponse{Status: taxdoc.GatewayAuthorized, AccessKey: call.AccessKey}, nil
}

// StatusOf calls the mock function if set, otherwise answers PROCESSING.
func (m *MockGateway) StatusOf(ctx context.Context, query taxdoc.StatusQuery) (*taxdoc.GatewayResponse, error) {
	m.mu.Lock()
	m.Queries = append(m.Queries, query)
	m.mu.Unlock()

	if m.StatusOfFunc != nil {
		return m.StatusOfFunc(ctx, query)
	}
	return &taxdoc.GatewayResponse{Status: taxdoc.GatewayProcessing, AccessKey: query.AccessKey}, nil
}

// EmitCount returns how many emits were recorded.
func (m *MockGateway) EmitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Emits)
}

// MockIssuerRepository is a map-backed taxdoc.IssuerRepository.
type MockIssuerRepository struct {
	GetFunc func(ctx context.Context, ruc string) (*taxdoc.Issuer, error)

	mu      sync.Mutex
	Issuers map[string]taxdoc.Issuer
}

// Get calls the mock function if set, otherwise looks the issuer up in Issuers.
func (m *MockIssuerRepository) Get(ctx context.Context, ruc string) (*taxdoc.Issuer, error) {
	if m.GetFunc != nil {
		return m.GetFunc(ctx, ruc)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	issuer, ok := m.Issuers[ruc]
	if !ok {
		return nil, apperror.NewNotFound("issuer", ruc)
	}
	return &issuer, nil
}

// Upsert stores the issuer in Issuers.
func (m *MockIssuerRepository) Upsert(_ context.Context, issuer taxdoc.Issuer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Issuers == nil {
		m.Issuers = make(map[string]taxdoc.Issuer)
	}
	m.Issuers[issuer.RUC] = issuer
	return nil
}

// RecordingScheduler is a taxdoc.RepollScheduler that only records tasks.
type RecordingScheduler struct {
	mu    sync.Mutex
	Tasks []taxdoc.RepollTask
}

// Schedule records task.
func (s *RecordingScheduler) Schedule(_ context.Context, task taxdoc.RepollTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Tasks = append(s.Tasks, task)
	return nil
}

// Scheduled returns a copy of the recorded tasks.
func (s *RecordingScheduler) Scheduled() []taxdoc.RepollTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]taxdoc.RepollTask(nil), s.Tasks...)
}
