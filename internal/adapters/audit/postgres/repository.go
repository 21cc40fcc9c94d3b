package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"bmarc/ms_facturacion_sri/internal/core/audit"
)

// DB is the subset of pgxpool.Pool the repository uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Repository implements audit.Repository on PostgreSQL.
type Repository struct {
	db  DB
	log *slog.Logger
}

// NewRepository creates the repository. log may be nil.
func NewRepository(db DB, log *slog.Logger) *Repository {
	return &Repository{db: db, log: log}
}

const insertExchange = `
	INSERT INTO gateway_audit_log (
		correlation_id, provider, operation, document_id, access_key, issuer_ruc,
		request_method, request_url, request_headers, request_body,
		response_status, response_headers, response_body, duration_ms, error_message
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
`

// Save persists one exchange.
func (r *Repository) Save(ctx context.Context, e audit.GatewayExchange) error {
	requestHeaders, err := json.Marshal(e.RequestHeaders)
	if err != nil {
		return fmt.Errorf("marshal request headers: %w", err)
	}
	responseHeaders, err := json.Marshal(e.ResponseHeaders)
	if err != nil {
		return fmt.Errorf("marshal response headers: %w", err)
	}

	_, err = r.db.Exec(ctx, insertExchange,
		e.CorrelationID,
		e.Provider,
		e.Operation,
		e.DocumentID,
		e.AccessKey,
		e.IssuerRUC,
		e.RequestMethod,
		e.RequestURL,
		requestHeaders,
		nullableJSON(e.RequestBody),
		e.ResponseStatus,
		responseHeaders,
		nullableJSON(e.ResponseBody),
		e.DurationMs,
		e.ErrorMessage,
	)
	if err != nil {
		if r.log != nil {
			r.log.Error("Failed to insert gateway audit record",
				"correlation_id", e.CorrelationID,
				"operation", e.Operation,
				"document_id", e.DocumentID,
				"error", err)
		}
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

const selectExchanges = `
	SELECT id, correlation_id, provider, operation, document_id, access_key, issuer_ruc,
	       request_method, request_url, request_headers, request_body,
	       response_status, response_headers, response_body, duration_ms,
	       error_message, created_at
	FROM gateway_audit_log
`

// FindByCorrelationID returns the exchanges of one inbound request, newest first.
func (r *Repository) FindByCorrelationID(ctx context.Context, correlationID string) ([]audit.GatewayExchange, error) {
	var out []audit.GatewayExchange
	if err := pgxscan.Select(ctx, r.db, &out, selectExchanges+` WHERE correlation_id = $1 ORDER BY created_at DESC`, correlationID); err != nil {
		return nil, fmt.Errorf("query audit logs: %w", err)
	}
	return out, nil
}

// FindByDocumentID returns every exchange about a document, oldest first.
func (r *Repository) FindByDocumentID(ctx context.Context, documentID string) ([]audit.GatewayExchange, error) {
	var out []audit.GatewayExchange
	if err := pgxscan.Select(ctx, r.db, &out, selectExchanges+` WHERE document_id = $1 ORDER BY created_at ASC`, documentID); err != nil {
		return nil, fmt.Errorf("query audit logs: %w", err)
	}
	return out, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
