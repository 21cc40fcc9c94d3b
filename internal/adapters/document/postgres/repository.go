// Package postgres stores tax documents and drives their status transitions
// with compare-and-set updates.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/klauspost/compress/zstd"

	"bmarc/ms_facturacion_sri/internal/core/apperror"
	"bmarc/ms_facturacion_sri/internal/core/taxdoc"
)

const (
	tableName       = "tax_documents"
	uniqueViolation = "23505"
	defaultLease    = 5 * time.Minute
)

// DB is the subset of pgxpool.Pool the repository uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Repository implements taxdoc.DocumentRepository on PostgreSQL. Signed
// artifacts are stored zstd-compressed.
type Repository struct {
	db      DB
	log     *slog.Logger
	lease   time.Duration
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

var _ taxdoc.DocumentRepository = (*Repository)(nil)

// NewRepository creates the repository. lease is how far ClaimDueForRepoll
// pushes next_poll_at so other replicas skip claimed rows.
func NewRepository(db DB, lease time.Duration, log *slog.Logger) (*Repository, error) {
	if lease <= 0 {
		lease = defaultLease
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Repository{db: db, log: log, lease: lease, encoder: encoder, decoder: decoder}, nil
}

func (r *Repository) builder() squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
}

func (r *Repository) compress(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return r.encoder.EncodeAll(b, make([]byte, 0, len(b)/2))
}

// decompress falls back to the stored bytes for rows written uncompressed.
func (r *Repository) decompress(b []byte) []byte {
	out, err := r.decoder.DecodeAll(b, nil)
	if err != nil {
		return b
	}
	return out
}

// Create inserts a new document.
func (r *Repository) Create(ctx context.Context, doc *taxdoc.Document) error {
	buyer, err := marshalColumn("buyer", doc.Buyer)
	if err != nil {
		return err
	}
	items, err := marshalColumn("items", doc.Items)
	if err != nil {
		return err
	}
	payments, err := marshalColumn("payments", nonNilPayments(doc.Payments))
	if err != nil {
		return err
	}
	messages, err := marshalColumn("messages", nonNilMessages(doc.Messages))
	if err != nil {
		return err
	}
	var modified []byte
	if doc.Modified != nil {
		if modified, err = marshalColumn("modified", doc.Modified); err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = doc.CreatedAt
	}

	sql, args, err := r.builder().
		Insert(tableName).
		SetMap(map[string]any{
			"id":                    doc.ID,
			"doc_type":              string(doc.DocType),
			"issuer_ruc":            doc.IssuerRUC,
			"environment":           string(doc.Environment),
			"status":                string(doc.Status),
			"establishment":         doc.Establishment,
			"emission_point":        doc.EmissionPoint,
			"sequence":              doc.Sequence,
			"access_key":            doc.AccessKey,
			"idempotency_key":       doc.IdempotencyKey,
			"issue_date":            doc.IssueDate,
			"buyer":                 buyer,
			"items":                 items,
			"payments":              payments,
			"modified":              modified,
			"reason":                doc.Reason,
			"reference_document_id": doc.ReferenceDocumentID,
			"subtotal":              doc.Subtotal.String(),
			"discount_total":        doc.DiscountTotal.String(),
			"tax_total":             doc.TaxTotal.String(),
			"grand_total":           doc.GrandTotal.String(),
			"payload":               nullableBytes(doc.Payload),
			"messages":              messages,
			"authorization_number":  doc.Authorization.Number,
			"authorized_at":         doc.Authorization.AuthorizedAt,
			"artifact":              r.compress(doc.Artifact),
			"repoll_attempts":       doc.RepollAttempts,
			"next_poll_at":          doc.NextPollAt,
			"emit_pending":          doc.EmitPending,
			"voided":                doc.Voided,
			"voided_by":             doc.VoidedBy,
			"created_at":            doc.CreatedAt,
			"updated_at":            doc.UpdatedAt,
		}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}

	if _, err := r.db.Exec(ctx, sql, args...); err != nil {
		if isUniqueViolation(err) {
			return apperror.ErrConcurrentUpdate.
				WithMessage("a document with the same number or access key already exists").
				WithDetail("documentId", doc.ID).
				WithCause(err)
		}
		return fmt.Errorf("insert %s: %w", tableName, err)
	}
	return nil
}

func (r *Repository) selectDocuments() squirrel.SelectBuilder {
	return r.builder().Select(selectColumns...).From(tableName)
}

func (r *Repository) getOne(ctx context.Context, q squirrel.SelectBuilder, what string, id any) (*taxdoc.Document, error) {
	sql, args, err := q.Limit(1).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var row documentRow
	if err := pgxscan.Get(ctx, r.db, &row, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, apperror.NewNotFound(what, id)
		}
		return nil, fmt.Errorf("get %s: %w", what, err)
	}
	return row.toDocument(r.decompress)
}

// Get loads a document by id.
func (r *Repository) Get(ctx context.Context, id string) (*taxdoc.Document, error) {
	return r.getOne(ctx, r.selectDocuments().Where(squirrel.Eq{"id": id}), "document", id)
}

// GetByAccessKey loads a document by its 49-digit access key.
func (r *Repository) GetByAccessKey(ctx context.Context, accessKey string) (*taxdoc.Document, error) {
	return r.getOne(ctx, r.selectDocuments().Where(squirrel.Eq{"access_key": accessKey}), "document", accessKey)
}

// FindByNumber loads the most recent document carrying an EEE-PPP-NNNNNNNNN number.
func (r *Repository) FindByNumber(ctx context.Context, issuerRUC string, docType taxdoc.DocType, establishment, emissionPoint, sequence string) (*taxdoc.Document, error) {
	q := r.selectDocuments().
		Where(squirrel.Eq{
			"issuer_ruc":     issuerRUC,
			"doc_type":       string(docType),
			"establishment":  establishment,
			"emission_point": emissionPoint,
			"sequence":       sequence,
		}).
		OrderBy("created_at DESC")
	return r.getOne(ctx, q, "document", taxdoc.FormatNumber(establishment, emissionPoint, sequence))
}

// List returns documents newest first.
func (r *Repository) List(ctx context.Context, f taxdoc.DocumentFilter) ([]taxdoc.Document, error) {
	q := r.selectDocuments().OrderBy("created_at DESC", "id DESC")
	if f.IssuerRUC != "" {
		q = q.Where(squirrel.Eq{"issuer_ruc": f.IssuerRUC})
	}
	if f.Status != "" {
		q = q.Where(squirrel.Eq{"status": string(f.Status)})
	}
	if f.DocType != "" {
		q = q.Where(squirrel.Eq{"doc_type": string(f.DocType)})
	}
	if f.From != nil {
		q = q.Where(squirrel.GtOrEq{"issue_date": *f.From})
	}
	if f.To != nil {
		q = q.Where(squirrel.LtOrEq{"issue_date": *f.To})
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var rows []documentRow
	if err := pgxscan.Select(ctx, r.db, &rows, sql, args...); err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return r.toDocuments(rows)
}

// Transition applies t only while the stored status is one of t.From.
func (r *Repository) Transition(ctx context.Context, t taxdoc.Transition) error {
	if len(t.From) == 0 {
		return fmt.Errorf("transition %s: no source status", t.DocumentID)
	}

	from := make([]string, len(t.From))
	for i, s := range t.From {
		from[i] = string(s)
	}

	q := r.builder().
		Update(tableName).
		Set("status", string(t.To)).
		Set("updated_at", squirrel.Expr("NOW()")).
		Where(squirrel.Eq{"id": t.DocumentID}).
		Where(squirrel.Eq{"status": from})

	if t.Sequence != "" {
		q = q.Set("sequence", t.Sequence)
	}
	if t.AccessKey != "" {
		q = q.Set("access_key", t.AccessKey)
	}
	if t.IdempotencyKey != "" {
		q = q.Set("idempotency_key", t.IdempotencyKey)
	}
	if t.Payload != nil {
		q = q.Set("payload", []byte(t.Payload))
	}
	if t.Messages != nil {
		messages, err := marshalColumn("messages", t.Messages)
		if err != nil {
			return err
		}
		q = q.Set("messages", messages)
	}
	if t.Authorization != nil {
		q = q.Set("authorization_number", t.Authorization.Number).
			Set("authorized_at", t.Authorization.AuthorizedAt)
	}
	if t.Artifact != nil {
		q = q.Set("artifact", r.compress(t.Artifact))
	}
	if t.RepollAttempts != nil {
		q = q.Set("repoll_attempts", *t.RepollAttempts)
	}
	if t.EmitPending != nil {
		q = q.Set("emit_pending", *t.EmitPending)
	}
	switch {
	case t.ClearNextPoll:
		q = q.Set("next_poll_at", nil)
	case t.NextPollAt != nil:
		q = q.Set("next_poll_at", *t.NextPollAt)
	}

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}

	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return apperror.ErrConcurrentUpdate.
				WithMessage("access key or number already taken by another document").
				WithDetail("documentId", t.DocumentID).
				WithCause(err)
		}
		return fmt.Errorf("transition %s: %w", t.DocumentID, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	current, err := r.Get(ctx, t.DocumentID)
	if err != nil {
		return err
	}
	if r.log != nil {
		r.log.Warn("Transition lost the compare-and-set",
			"document_id", t.DocumentID,
			"status", string(current.Status),
			"to", string(t.To))
	}
	return apperror.ErrConcurrentUpdate.
		WithDetail("documentId", t.DocumentID).
		WithDetail("status", string(current.Status))
}

// MarkVoided flags an invoice as voided by a credit note.
func (r *Repository) MarkVoided(ctx context.Context, id, voidedBy string) error {
	sql, args, err := r.builder().
		Update(tableName).
		Set("voided", true).
		Set("voided_by", voidedBy).
		Set("updated_at", squirrel.Expr("NOW()")).
		Where(squirrel.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}

	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("mark voided %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NewNotFound("document", id)
	}
	return nil
}

// ClaimDueForRepoll leases up to limit documents whose next poll is due.
// SKIP LOCKED lets several replicas sweep concurrently without double claims.
func (r *Repository) ClaimDueForRepoll(ctx context.Context, now time.Time, limit int) ([]taxdoc.Document, error) {
	if limit <= 0 {
		limit = 50
	}

	due := r.builder().
		Select("id").
		From(tableName).
		Where(squirrel.Eq{"status": []string{string(taxdoc.StatusSubmitted), string(taxdoc.StatusProcessing)}}).
		Where(squirrel.LtOrEq{"next_poll_at": now}).
		OrderBy("next_poll_at").
		Limit(uint64(limit)).
		Suffix("FOR UPDATE SKIP LOCKED")

	q := r.builder().
		Update(tableName).
		Set("next_poll_at", now.Add(r.lease)).
		Set("updated_at", squirrel.Expr("NOW()")).
		Where(squirrel.Expr("id IN (?)", due)).
		Suffix("RETURNING " + strings.Join(selectColumns, ", "))

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build claim: %w", err)
	}

	var rows []documentRow
	if err := pgxscan.Select(ctx, r.db, &rows, sql, args...); err != nil {
		return nil, fmt.Errorf("claim due documents: %w", err)
	}
	return r.toDocuments(rows)
}

func (r *Repository) toDocuments(rows []documentRow) ([]taxdoc.Document, error) {
	out := make([]taxdoc.Document, 0, len(rows))
	for _, row := range rows {
		doc, err := row.toDocument(r.decompress)
		if err != nil {
			return nil, fmt.Errorf("document %s: %w", row.ID, err)
		}
		out = append(out, *doc)
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}

func nonNilPayments(p []taxdoc.Payment) []taxdoc.Payment {
	if p == nil {
		return []taxdoc.Payment{}
	}
	return p
}

func nonNilMessages(m []string) []string {
	if m == nil {
		return []string{}
	}
	return m
}
