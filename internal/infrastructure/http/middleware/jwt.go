package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"bmarc/ms_facturacion_sri/internal/infrastructure/config"
	httperrors "bmarc/ms_facturacion_sri/internal/infrastructure/http"
)

const authTitle = "Error de Autenticación"

// ContextKeyToken exposes the verified JWT token via request context.
type ContextKeyToken struct{}

var allowedAlgorithms = []string{
	jwt.SigningMethodRS256.Alg(),
	jwt.SigningMethodRS384.Alg(),
	jwt.SigningMethodRS512.Alg(),
	jwt.SigningMethodPS256.Alg(),
	jwt.SigningMethodES256.Alg(),
}

// JWTAuthenticator validates bearer tokens against a remote JWKS.
type JWTAuthenticator struct {
	cfg      config.AuthSettings
	log      *slog.Logger
	keyFunc  jwt.Keyfunc
	cancel   context.CancelFunc
	exact    map[string]struct{}
	prefixes []string
}

// NewJWTAuthenticator loads the JWKS when auth is enabled. Bypass paths match
// exactly, or by prefix when they end in "*".
func NewJWTAuthenticator(cfg config.AuthSettings, log *slog.Logger) (*JWTAuthenticator, error) {
	auth := newAuthenticator(cfg, log, nil)
	if !cfg.Enabled {
		return auth, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	override := keyfunc.Override{
		RefreshInterval: 6 * time.Hour,
		RefreshErrorHandlerFunc: func(url string) func(context.Context, error) {
			return func(_ context.Context, err error) {
				log.Error("failed to refresh JWKS", "url", url, "error", err)
			}
		},
		HTTPTimeout: 10 * time.Second,
	}

	jwks, err := keyfunc.NewDefaultOverrideCtx(ctx, []string{cfg.JWKSetURI}, override)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("unable to load JWKS: %w", err)
	}
	auth.keyFunc = jwks.Keyfunc
	auth.cancel = cancel
	return auth, nil
}

func newAuthenticator(cfg config.AuthSettings, log *slog.Logger, keyFunc jwt.Keyfunc) *JWTAuthenticator {
	auth := &JWTAuthenticator{
		cfg:     cfg,
		log:     log,
		keyFunc: keyFunc,
		exact:   make(map[string]struct{}),
	}
	for _, path := range cfg.BypassPaths {
		switch {
		case path == "":
		case strings.HasSuffix(path, "*"):
			auth.prefixes = append(auth.prefixes, strings.TrimSuffix(path, "*"))
		default:
			auth.exact[path] = struct{}{}
		}
	}
	return auth
}

// Middleware enforces JWT validation on inbound requests.
func (a *JWTAuthenticator) Middleware(next http.Handler) http.Handler {
	if !a.cfg.Enabled {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.shouldBypass(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		tokenString, err := extractBearerToken(r.Header.Get("Authorization"))
		if err != nil {
			httperrors.WriteError(w, http.StatusUnauthorized, authTitle, []string{"Credenciales de acceso no válidas"}, a.log)
			return
		}

		token, err := jwt.Parse(tokenString, a.keyFunc,
			jwt.WithIssuer(a.cfg.IssuerURI),
			jwt.WithLeeway(a.cfg.ClockSkew),
			jwt.WithValidMethods(allowedAlgorithms),
		)
		if err != nil || !token.Valid {
			a.log.WarnContext(r.Context(), "token validation failed", "path", r.URL.Path, "error", err)
			httperrors.WriteError(w, http.StatusUnauthorized, authTitle, []string{"Token inválido o expirado"}, a.log)
			return
		}

		ctx := context.WithValue(r.Context(), ContextKeyToken{}, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SubjectFromContext returns the sub claim of the verified token, or "".
func SubjectFromContext(ctx context.Context) string {
	token, ok := ctx.Value(ContextKeyToken{}).(*jwt.Token)
	if !ok || token == nil {
		return ""
	}
	sub, err := token.Claims.GetSubject()
	if err != nil {
		return ""
	}
	return sub
}

// Close stops background JWKS refreshers.
func (a *JWTAuthenticator) Close() {
	if a.cancel != nil {
		a.cancel()
	}
}

func (a *JWTAuthenticator) shouldBypass(path string) bool {
	if _, ok := a.exact[path]; ok {
		return true
	}
	for _, prefix := range a.prefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func extractBearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("missing Authorization header")
	}

	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid Authorization header format")
	}
	return parts[1], nil
}
