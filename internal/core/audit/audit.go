// Package audit describes the trail of every exchange with the authority gateway.
package audit

import (
	"context"
	"encoding/json"
	"time"
)

// GatewayExchange is one request/response pair with the gateway, kept for
// reconciliation when the authority's view and ours disagree.
type GatewayExchange struct {
	ID              int64             `db:"id"`
	CorrelationID   string            `db:"correlation_id"`
	Provider        string            `db:"provider"`
	Operation       string            `db:"operation"`
	DocumentID      string            `db:"document_id"`
	AccessKey       string            `db:"access_key"`
	IssuerRUC       string            `db:"issuer_ruc"`
	RequestMethod   string            `db:"request_method"`
	RequestURL      string            `db:"request_url"`
	RequestHeaders  map[string]string `db:"request_headers"`
	RequestBody     json.RawMessage   `db:"request_body"`
	ResponseStatus  *int              `db:"response_status"`
	ResponseHeaders map[string]string `db:"response_headers"`
	ResponseBody    json.RawMessage   `db:"response_body"`
	DurationMs      int64             `db:"duration_ms"`
	ErrorMessage    string            `db:"error_message"`
	CreatedAt       time.Time         `db:"created_at"`
}

// Repository persists and retrieves gateway exchanges.
type Repository interface {
	Save(ctx context.Context, exchange GatewayExchange) error
	FindByCorrelationID(ctx context.Context, correlationID string) ([]GatewayExchange, error)
	FindByDocumentID(ctx context.Context, documentID string) ([]GatewayExchange, error)
}
