package context

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const (
	correlationIDKey contextKey = "correlation_id"
	documentRefKey   contextKey = "document_ref"
)

// CorrelationHeader carries the correlation id on inbound and outbound requests.
const CorrelationHeader = "X-Correlation-ID"

// WithCorrelationID stores the id that follows a request from the HTTP edge
// through every gateway call it triggers.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationIDKey, correlationID)
}

// GetCorrelationID returns the stored id or "".
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return ""
}

// EnsureCorrelationID returns ctx unchanged when it already carries an id,
// otherwise a child context with a fresh one. Background jobs use it so their
// gateway calls remain traceable.
func EnsureCorrelationID(ctx context.Context) (context.Context, string) {
	if id := GetCorrelationID(ctx); id != "" {
		return ctx, id
	}
	id := uuid.NewString()
	return WithCorrelationID(ctx, id), id
}

// DocumentRef identifies the tax document an outbound call is about.
type DocumentRef struct {
	DocumentID string
	AccessKey  string
	IssuerRUC  string
}

// WithDocumentRef attaches ref for audit records.
func WithDocumentRef(ctx context.Context, ref DocumentRef) context.Context {
	return context.WithValue(ctx, documentRefKey, ref)
}

// GetDocumentRef returns the attached reference, if any.
func GetDocumentRef(ctx context.Context) (DocumentRef, bool) {
	ref, ok := ctx.Value(documentRefKey).(DocumentRef)
	return ref, ok
}
