// Package postgres allocates document sequence numbers from a counter row per
// (issuer, document type, environment).
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"bmarc/ms_facturacion_sri/internal/core/apperror"
	"bmarc/ms_facturacion_sri/internal/core/taxdoc"
)

// MaxSequence is the largest value that fits the nine-digit sequence field.
const MaxSequence = 999_999_999

// Querier is the subset of pgxpool.Pool the allocator uses.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Allocator implements taxdoc.SequenceAllocator.
type Allocator struct {
	db Querier
}

var _ taxdoc.SequenceAllocator = (*Allocator)(nil)

func NewAllocator(db Querier) *Allocator {
	return &Allocator{db: db}
}

// The upsert takes the row lock, so concurrent reservations serialize on the
// counter and never observe the same value.
const reserveSQL = `
	INSERT INTO emission_sequences (issuer_ruc, doc_type, environment, last_value)
	VALUES ($1, $2, $3, 1)
	ON CONFLICT (issuer_ruc, doc_type, environment)
	DO UPDATE SET last_value = emission_sequences.last_value + 1, updated_at = NOW()
	RETURNING last_value
`

// Reserve atomically increments and returns the counter.
func (a *Allocator) Reserve(ctx context.Context, issuerRUC string, docType taxdoc.DocType, env taxdoc.Environment) (int64, error) {
	var value int64
	if err := a.db.QueryRow(ctx, reserveSQL, issuerRUC, string(docType), string(env)).Scan(&value); err != nil {
		return 0, apperror.ErrSequenceUnavailable.WithCause(fmt.Errorf("reserve sequence: %w", err))
	}
	if value > MaxSequence {
		return 0, apperror.ErrSequenceUnavailable.
			WithMessage("sequence range exhausted").
			WithDetail("issuer", issuerRUC).
			WithDetail("docType", string(docType))
	}
	return value, nil
}

const peekSQL = `
	SELECT last_value FROM emission_sequences
	WHERE issuer_ruc = $1 AND doc_type = $2 AND environment = $3
`

// Peek returns the value the next Reserve would return.
func (a *Allocator) Peek(ctx context.Context, issuerRUC string, docType taxdoc.DocType, env taxdoc.Environment) (int64, error) {
	var last int64
	err := a.db.QueryRow(ctx, peekSQL, issuerRUC, string(docType), string(env)).Scan(&last)
	if errors.Is(err, pgx.ErrNoRows) {
		return 1, nil
	}
	if err != nil {
		return 0, apperror.ErrSequenceUnavailable.WithCause(fmt.Errorf("peek sequence: %w", err))
	}
	return last + 1, nil
}

const resetSQL = `
	INSERT INTO emission_sequences (issuer_ruc, doc_type, environment, last_value)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (issuer_ruc, doc_type, environment)
	DO UPDATE SET last_value = EXCLUDED.last_value, updated_at = NOW()
	WHERE emission_sequences.last_value <= EXCLUDED.last_value
`

// Reset makes the next Reserve return next. Moving the counter backwards is
// rejected because it would reissue numbers the authority has already seen.
func (a *Allocator) Reset(ctx context.Context, issuerRUC string, docType taxdoc.DocType, env taxdoc.Environment, next int64) error {
	if next < 1 || next > MaxSequence {
		return apperror.NewValidation(fmt.Sprintf("next sequence must be between 1 and %d", MaxSequence))
	}

	tag, err := a.db.Exec(ctx, resetSQL, issuerRUC, string(docType), string(env), next-1)
	if err != nil {
		return apperror.ErrSequenceUnavailable.WithCause(fmt.Errorf("reset sequence: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return apperror.NewValidation("sequence cannot move backwards").
			WithDetail("issuer", issuerRUC).
			WithDetail("next", next)
	}
	return nil
}
