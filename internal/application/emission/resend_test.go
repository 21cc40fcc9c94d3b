package emission

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bmarc/ms_facturacion_sri/internal/core/apperror"
	"bmarc/ms_facturacion_sri/internal/core/taxdoc"
	"bmarc/ms_facturacion_sri/internal/testutil"
)

type storeFixture struct {
	docs      *testutil.DocumentStore
	gateway   *testutil.MockGateway
	scheduler *testutil.RecordingScheduler
	svc       *Service
}

func newStoreFixture(t *testing.T) *storeFixture {
	t.Helper()
	issuer := testIssuer()
	f := &storeFixture{
		docs:      testutil.NewDocumentStore(),
		gateway:   &testutil.MockGateway{},
		scheduler: &testutil.RecordingScheduler{},
	}
	f.svc = NewService(Deps{
		Documents: f.docs,
		Issuers:   &testutil.MockIssuerRepository{Issuers: map[string]taxdoc.Issuer{issuer.RUC: *issuer}},
		Sequences: testutil.NewSequenceCounter(),
		Gateway:   f.gateway,
		Scheduler: f.scheduler,
		Logger:    testutil.NewNullLogger(),
	}, Config{MaxRepollAttempts: 3})
	f.svc.now = func() time.Time { return fixedNow }
	f.svc.newID = func() string { return "doc-1" }
	return f
}

// emitLost runs an emission whose gateway call fails on the wire.
func (f *storeFixture) emitLost(t *testing.T) *taxdoc.Document {
	t.Helper()
	f.gateway.EmitFunc = func(context.Context, taxdoc.EmitCall) (*taxdoc.GatewayResponse, error) {
		return nil, apperror.ErrGatewayConnection
	}
	doc, err := f.svc.Emit(context.Background(), invoiceRequest())
	require.NoError(t, err)
	require.Equal(t, taxdoc.StatusProcessing, doc.Status)
	require.True(t, doc.EmitPending)
	return doc
}

func authorizeEmits(call taxdoc.EmitCall) (*taxdoc.GatewayResponse, error) {
	return &taxdoc.GatewayResponse{
		Status:        taxdoc.GatewayAuthorized,
		AccessKey:     call.AccessKey,
		Authorization: &taxdoc.GatewayAuthorization{Number: call.AccessKey},
	}, nil
}

func TestService_Repoll_ResendsPendingEmission(t *testing.T) {
	f := newStoreFixture(t)
	lost := f.emitLost(t)

	f.gateway.EmitFunc = func(_ context.Context, call taxdoc.EmitCall) (*taxdoc.GatewayResponse, error) {
		return authorizeEmits(call)
	}

	res, err := f.svc.Repoll(context.Background(), taxdoc.RepollTask{DocumentID: lost.ID})
	require.NoError(t, err)
	assert.Equal(t, taxdoc.StatusAuthorized, res.Status)

	require.Len(t, f.gateway.Emits, 2)
	assert.Empty(t, f.gateway.Queries)
	first, second := f.gateway.Emits[0], f.gateway.Emits[1]
	assert.Equal(t, first.AccessKey, second.AccessKey)
	assert.JSONEq(t, string(first.Payload), string(second.Payload))

	stored, err := f.docs.Get(context.Background(), lost.ID)
	require.NoError(t, err)
	assert.Equal(t, taxdoc.StatusAuthorized, stored.Status)
	assert.False(t, stored.EmitPending)

	var sent map[string]any
	require.NoError(t, json.Unmarshal(second.Payload, &sent))
	assert.Equal(t, lost.IdempotencyKey, sent["idempotency_key"])
}

func TestService_Repoll_UnknownKeyResends(t *testing.T) {
	tests := []struct {
		name   string
		status func(context.Context, taxdoc.StatusQuery) (*taxdoc.GatewayResponse, error)
	}{
		{
			name: "error answer",
			status: func(context.Context, taxdoc.StatusQuery) (*taxdoc.GatewayResponse, error) {
				return &taxdoc.GatewayResponse{
					Status:   taxdoc.GatewayError,
					Messages: []string{"CLAVE DE ACCESO NO EXISTE"},
				}, nil
			},
		},
		{
			name: "not found",
			status: func(context.Context, taxdoc.StatusQuery) (*taxdoc.GatewayResponse, error) {
				return nil, apperror.ErrGatewayUnexpectedStatus.WithDetail("status", 404)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newStoreFixture(t)
			doc := processingDoc(1)
			doc.Payload = json.RawMessage(`{"idempotency_key":"abc"}`)
			f.docs.Put(*doc)

			f.gateway.StatusOfFunc = tt.status
			f.gateway.EmitFunc = func(_ context.Context, call taxdoc.EmitCall) (*taxdoc.GatewayResponse, error) {
				return authorizeEmits(call)
			}

			res, err := f.svc.Repoll(context.Background(), taxdoc.RepollTask{DocumentID: doc.ID})
			require.NoError(t, err)
			assert.Equal(t, taxdoc.StatusAuthorized, res.Status)
			require.Equal(t, 1, f.gateway.EmitCount())
			assert.Equal(t, doc.AccessKey, f.gateway.Emits[0].AccessKey)
			assert.JSONEq(t, `{"idempotency_key":"abc"}`, string(f.gateway.Emits[0].Payload))
		})
	}
}

func TestService_Repoll_ResendStillUnreachable(t *testing.T) {
	f := newStoreFixture(t)
	lost := f.emitLost(t)

	res, err := f.svc.Repoll(context.Background(), taxdoc.RepollTask{DocumentID: lost.ID})
	require.NoError(t, err)
	assert.Equal(t, taxdoc.StatusProcessing, res.Status)
	assert.Equal(t, 1, res.Attempt)

	stored, err := f.docs.Get(context.Background(), lost.ID)
	require.NoError(t, err)
	assert.True(t, stored.EmitPending)
	assert.Equal(t, 1, stored.RepollAttempts)

	for i := 0; i < 2; i++ {
		_, err = f.svc.Repoll(context.Background(), taxdoc.RepollTask{DocumentID: lost.ID})
		require.NoError(t, err)
	}
	stored, err = f.docs.Get(context.Background(), lost.ID)
	require.NoError(t, err)
	assert.Equal(t, taxdoc.StatusStale, stored.Status)
	assert.True(t, stored.EmitPending)
	assert.Equal(t, 4, f.gateway.EmitCount())
}

func TestService_Repoll_ResendRejectedPayload(t *testing.T) {
	f := newStoreFixture(t)
	lost := f.emitLost(t)

	f.gateway.EmitFunc = func(context.Context, taxdoc.EmitCall) (*taxdoc.GatewayResponse, error) {
		return nil, apperror.ErrGatewayBadRequest.WithDetail("messages", []string{"ruc invalido"})
	}

	res, err := f.svc.Repoll(context.Background(), taxdoc.RepollTask{DocumentID: lost.ID})
	require.NoError(t, err)
	assert.Equal(t, taxdoc.StatusError, res.Status)

	stored, err := f.docs.Get(context.Background(), lost.ID)
	require.NoError(t, err)
	assert.False(t, stored.EmitPending)
	assert.Nil(t, stored.NextPollAt)
}

func TestService_Repoll_ResendAlreadyReceived(t *testing.T) {
	f := newStoreFixture(t)
	lost := f.emitLost(t)

	f.gateway.EmitFunc = func(context.Context, taxdoc.EmitCall) (*taxdoc.GatewayResponse, error) {
		return &taxdoc.GatewayResponse{
			Status:   taxdoc.GatewayError,
			Messages: []string{"CLAVE ACCESO REGISTRADA"},
		}, nil
	}

	res, err := f.svc.Repoll(context.Background(), taxdoc.RepollTask{DocumentID: lost.ID})
	require.NoError(t, err)
	assert.Equal(t, taxdoc.StatusProcessing, res.Status)

	stored, err := f.docs.Get(context.Background(), lost.ID)
	require.NoError(t, err)
	assert.False(t, stored.EmitPending)

	_, err = f.svc.Repoll(context.Background(), taxdoc.RepollTask{DocumentID: lost.ID})
	require.NoError(t, err)
	assert.Len(t, f.gateway.Queries, 1)
	assert.Equal(t, 2, f.gateway.EmitCount())
}

func TestService_Resubmit_StalePendingResends(t *testing.T) {
	f := newStoreFixture(t)
	lost := f.emitLost(t)

	stale := *lost
	stale.Status = taxdoc.StatusStale
	stale.RepollAttempts = 3
	stale.NextPollAt = nil
	f.docs.Put(stale)

	f.gateway.EmitFunc = func(_ context.Context, call taxdoc.EmitCall) (*taxdoc.GatewayResponse, error) {
		return authorizeEmits(call)
	}

	got, err := f.svc.Resubmit(context.Background(), lost.ID)
	require.NoError(t, err)
	assert.Equal(t, taxdoc.StatusAuthorized, got.Status)
	assert.Equal(t, lost.AccessKey, got.AccessKey)
	assert.Equal(t, 2, f.gateway.EmitCount())
	assert.Empty(t, f.gateway.Queries)
}

func TestService_StatusByAccessKey_CancelledCallerDoesNotCancelSharedCall(t *testing.T) {
	f := newStoreFixture(t)
	key := "0503202401179001234500110010010000000431234567813"

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	var mu sync.Mutex
	var sharedErrs []error
	f.gateway.StatusOfFunc = func(ctx context.Context, q taxdoc.StatusQuery) (*taxdoc.GatewayResponse, error) {
		once.Do(func() { close(started) })
		<-release
		mu.Lock()
		sharedErrs = append(sharedErrs, ctx.Err())
		mu.Unlock()
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return &taxdoc.GatewayResponse{Status: taxdoc.GatewayAuthorized, AccessKey: q.AccessKey}, nil
	}

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := f.svc.StatusByAccessKey(first, key, taxdoc.EnvironmentTest)
		firstErr <- err
	}()
	<-started
	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	type answer struct {
		resp *taxdoc.GatewayResponse
		err  error
	}
	second := make(chan answer, 1)
	go func() {
		resp, err := f.svc.StatusByAccessKey(context.Background(), key, taxdoc.EnvironmentTest)
		second <- answer{resp, err}
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)

	got := <-second
	require.NoError(t, got.err)
	assert.Equal(t, taxdoc.GatewayAuthorized, got.resp.Status)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, sharedErrs)
	assert.NoError(t, sharedErrs[0], "the in-flight call saw the first caller's cancellation")
}
