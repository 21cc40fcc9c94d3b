package postgres

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"bmarc/ms_facturacion_sri/internal/core/apperror"
	"bmarc/ms_facturacion_sri/internal/core/taxdoc"
)

// DB is the subset of pgxpool.Pool the repository uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Repository implements taxdoc.IssuerRepository using PostgreSQL.
type Repository struct {
	db DB
}

var _ taxdoc.IssuerRepository = (*Repository)(nil)

func NewRepository(db DB) *Repository {
	return &Repository{db: db}
}

var issuerColumns = []string{
	"ruc", "legal_name", "trade_name", "address", "establishment_address",
	"establishment_code", "emission_point", "environment", "accounting_required",
	"rimpe_label", "special_taxpayer", "certificate_locator", "certificate_password",
	"active", "created_at", "updated_at",
}

func builder() squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
}

// Get loads an issuer profile by RUC.
func (r *Repository) Get(ctx context.Context, ruc string) (*taxdoc.Issuer, error) {
	sql, args, err := builder().
		Select(issuerColumns...).
		From("issuers").
		Where(squirrel.Eq{"ruc": ruc}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var issuer taxdoc.Issuer
	if err := pgxscan.Get(ctx, r.db, &issuer, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, apperror.NewNotFound("issuer", ruc)
		}
		return nil, fmt.Errorf("get issuer: %w", err)
	}
	return &issuer, nil
}

// Upsert creates or replaces an issuer profile. An empty certificate
// locator or password keeps the stored value.
func (r *Repository) Upsert(ctx context.Context, issuer taxdoc.Issuer) error {
	sql, args, err := builder().
		Insert("issuers").
		Columns(
			"ruc", "legal_name", "trade_name", "address", "establishment_address",
			"establishment_code", "emission_point", "environment", "accounting_required",
			"rimpe_label", "special_taxpayer", "certificate_locator", "certificate_password", "active",
		).
		Values(
			issuer.RUC, issuer.LegalName, issuer.TradeName, issuer.Address, issuer.EstablishmentAddress,
			issuer.EstablishmentCode, issuer.EmissionPoint, issuer.Environment, issuer.AccountingRequired,
			issuer.RimpeLabel, issuer.SpecialTaxpayer, issuer.CertificateLocator, issuer.CertificatePassword, issuer.Active,
		).
		Suffix(`ON CONFLICT (ruc) DO UPDATE SET
			legal_name = EXCLUDED.legal_name,
			trade_name = EXCLUDED.trade_name,
			address = EXCLUDED.address,
			establishment_address = EXCLUDED.establishment_address,
			establishment_code = EXCLUDED.establishment_code,
			emission_point = EXCLUDED.emission_point,
			environment = EXCLUDED.environment,
			accounting_required = EXCLUDED.accounting_required,
			rimpe_label = EXCLUDED.rimpe_label,
			special_taxpayer = EXCLUDED.special_taxpayer,
			certificate_locator = COALESCE(NULLIF(EXCLUDED.certificate_locator, ''), issuers.certificate_locator),
			certificate_password = COALESCE(NULLIF(EXCLUDED.certificate_password, ''), issuers.certificate_password),
			active = EXCLUDED.active,
			updated_at = NOW()`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build upsert: %w", err)
	}

	if _, err := r.db.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("upsert issuer %s: %w", issuer.RUC, err)
	}
	return nil
}
