// Package issuer resolves issuer profiles for emission, caching them for a short TTL.
package issuer

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"bmarc/ms_facturacion_sri/internal/core/apperror"
	"bmarc/ms_facturacion_sri/internal/core/taxdoc"
	"bmarc/ms_facturacion_sri/internal/infrastructure/cache"
)

var (
	rucPattern  = regexp.MustCompile(`^\d{13}$`)
	codePattern = regexp.MustCompile(`^\d{1,3}$`)
)

// Service orchestrates issuer use cases.
type Service struct {
	repo  taxdoc.IssuerRepository
	cache *cache.TTLCache[*taxdoc.Issuer]
	log   *slog.Logger
	now   func() time.Time
}

// NewService creates an issuer service. A non-positive ttl uses the cache default.
func NewService(repo taxdoc.IssuerRepository, ttl time.Duration, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		repo:  repo,
		cache: cache.NewTTLCache[*taxdoc.Issuer](ttl, 2*ttl),
		log:   log.With("component", "issuer"),
		now:   time.Now,
	}
}

// Get returns the active issuer for ruc. Callers must not mutate the result.
func (s *Service) Get(ctx context.Context, ruc string) (*taxdoc.Issuer, error) {
	ruc = strings.TrimSpace(ruc)
	if !rucPattern.MatchString(ruc) {
		return nil, apperror.NewValidation("issuer RUC must be 13 digits").WithDetail("ruc", ruc)
	}

	if cached, ok := s.cache.Get(ruc); ok {
		return cached, nil
	}

	issuer, err := s.repo.Get(ctx, ruc)
	if err != nil {
		return nil, err
	}
	if !issuer.Active {
		return nil, apperror.NewNotFound("issuer", ruc).WithMessage("issuer is inactive")
	}

	s.cache.Set(ruc, issuer)
	return issuer, nil
}

// UpsertRequest is the editable part of an issuer profile.
type UpsertRequest struct {
	RUC                  string `json:"ruc"`
	LegalName            string `json:"legalName"`
	TradeName            string `json:"tradeName"`
	Address              string `json:"address"`
	EstablishmentAddress string `json:"establishmentAddress"`
	EstablishmentCode    string `json:"establishmentCode"`
	EmissionPoint        string `json:"emissionPoint"`
	Environment          string `json:"environment"`
	AccountingRequired   bool   `json:"accountingRequired"`
	RimpeLabel           string `json:"rimpeLabel"`
	SpecialTaxpayer      string `json:"specialTaxpayer"`
	CertificateLocator   string `json:"certificateLocator"`
	CertificatePassword  string `json:"certificatePassword"`
	Active               *bool  `json:"active"`
}

// Upsert validates and stores an issuer profile, then drops it from the cache.
func (s *Service) Upsert(ctx context.Context, req UpsertRequest) (*taxdoc.Issuer, error) {
	if err := validateUpsert(req); err != nil {
		return nil, err
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}

	now := s.now().UTC()
	issuer := taxdoc.Issuer{
		RUC:                  strings.TrimSpace(req.RUC),
		LegalName:            strings.TrimSpace(req.LegalName),
		TradeName:            strings.TrimSpace(req.TradeName),
		Address:              strings.TrimSpace(req.Address),
		EstablishmentAddress: strings.TrimSpace(req.EstablishmentAddress),
		EstablishmentCode:    padCode(req.EstablishmentCode),
		EmissionPoint:        padCode(req.EmissionPoint),
		Environment:          string(taxdoc.ParseEnvironment(req.Environment)),
		AccountingRequired:   req.AccountingRequired,
		RimpeLabel:           strings.TrimSpace(req.RimpeLabel),
		SpecialTaxpayer:      strings.TrimSpace(req.SpecialTaxpayer),
		CertificateLocator:   strings.TrimSpace(req.CertificateLocator),
		CertificatePassword:  req.CertificatePassword,
		Active:               active,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	if err := s.repo.Upsert(ctx, issuer); err != nil {
		return nil, fmt.Errorf("upsert issuer: %w", err)
	}
	s.cache.Delete(issuer.RUC)

	s.log.Info("Issuer profile saved",
		"issuer_ruc", issuer.RUC,
		"environment", issuer.Environment,
		"active", issuer.Active,
		"certificate_set", issuer.CertificateLocator != "")
	return &issuer, nil
}

// Invalidate drops a cached profile.
func (s *Service) Invalidate(ruc string) {
	s.cache.Delete(strings.TrimSpace(ruc))
}

func validateUpsert(req UpsertRequest) error {
	var problems []string

	if !rucPattern.MatchString(strings.TrimSpace(req.RUC)) {
		problems = append(problems, "ruc must be 13 digits")
	}
	if strings.TrimSpace(req.LegalName) == "" {
		problems = append(problems, "legalName is required")
	}
	if c := strings.TrimSpace(req.EstablishmentCode); c != "" && !codePattern.MatchString(c) {
		problems = append(problems, "establishmentCode must be up to 3 digits")
	}
	if c := strings.TrimSpace(req.EmissionPoint); c != "" && !codePattern.MatchString(c) {
		problems = append(problems, "emissionPoint must be up to 3 digits")
	}

	if len(problems) > 0 {
		return apperror.NewValidation("invalid issuer profile").WithDetail("errors", problems)
	}
	return nil
}

func padCode(code string) string {
	code = strings.TrimSpace(code)
	if code == "" {
		return ""
	}
	return taxdoc.PadLeft(code, 3)
}
