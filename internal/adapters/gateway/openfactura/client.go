// Package openfactura is the HTTP client of the OpenFactura gateway that
// fronts the SRI authorization web services.
package openfactura

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/time/rate"

	"bmarc/ms_facturacion_sri/internal/core/accesskey"
	"bmarc/ms_facturacion_sri/internal/core/apperror"
	"bmarc/ms_facturacion_sri/internal/core/taxdoc"
	ctxutil "bmarc/ms_facturacion_sri/internal/infrastructure/context"
	"bmarc/ms_facturacion_sri/internal/infrastructure/metrics"
	"bmarc/ms_facturacion_sri/internal/infrastructure/security"
)

const maxLoggedBody = 8192

// HTTPClient is the subset of *http.Client the gateway needs.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config holds the gateway client settings.
type Config struct {
	BaseURL            string
	EmitTimeout        time.Duration
	StatusTimeout      time.Duration
	MaxConcurrent      int
	RateLimitRPS       float64
	RateLimitBurst     int
	BreakerMaxFailures int
	BreakerCooldown    time.Duration
}

// Client implements taxdoc.Gateway.
type Client struct {
	baseURL       string
	emitTimeout   time.Duration
	statusTimeout time.Duration
	httpClient    HTTPClient
	limiter       *ConcurrencyLimiter
	rateLimiter   *rate.Limiter
	breaker       *CircuitBreaker
	metrics       *metrics.EmissionMetrics
	log           *slog.Logger
}

var _ taxdoc.Gateway = (*Client)(nil)

// NewClient creates a gateway client. m may be nil.
func NewClient(cfg Config, httpClient HTTPClient, m *metrics.EmissionMetrics, log *slog.Logger) *Client {
	if cfg.EmitTimeout <= 0 {
		cfg.EmitTimeout = 120 * time.Second
	}
	if cfg.StatusTimeout <= 0 {
		cfg.StatusTimeout = 45 * time.Second
	}
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 10
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = int(cfg.RateLimitRPS)
		if cfg.RateLimitBurst < 1 {
			cfg.RateLimitBurst = 1
		}
	}

	return &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		emitTimeout:   cfg.EmitTimeout,
		statusTimeout: cfg.StatusTimeout,
		httpClient:    httpClient,
		limiter:       NewConcurrencyLimiter(cfg.MaxConcurrent),
		rateLimiter:   rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst),
		breaker:       NewCircuitBreaker(cfg.BreakerMaxFailures, cfg.BreakerCooldown),
		metrics:       m,
		log:           log,
	}
}

// Emit posts a canonical payload to the emit endpoint of its document type.
func (c *Client) Emit(ctx context.Context, call taxdoc.EmitCall) (*taxdoc.GatewayResponse, error) {
	var path string
	switch call.DocType {
	case taxdoc.DocTypeInvoice:
		path = "/invoices/emit"
	case taxdoc.DocTypeCreditNote:
		path = "/credit-notes/emit"
	default:
		return nil, apperror.NewValidation(fmt.Sprintf("unsupported document type %q", call.DocType))
	}

	ctx = ctxutil.WithDocumentRef(ctx, ctxutil.DocumentRef{
		DocumentID: call.DocumentID,
		AccessKey:  call.AccessKey,
		IssuerRUC:  call.IssuerRUC,
	})

	return c.do(ctx, exchange{
		operation: metrics.OperationEmit,
		method:    http.MethodPost,
		url:       c.baseURL + path,
		body:      call.Payload,
		timeout:   c.emitTimeout,
		issuerRUC: call.IssuerRUC,
		docID:     call.DocumentID,
		accessKey: call.AccessKey,
	})
}

// StatusOf asks the gateway for the authority status of an access key.
func (c *Client) StatusOf(ctx context.Context, query taxdoc.StatusQuery) (*taxdoc.GatewayResponse, error) {
	if err := accesskey.ValidateFormat(query.AccessKey); err != nil {
		return nil, err
	}

	ctx = ctxutil.WithDocumentRef(ctx, ctxutil.DocumentRef{
		DocumentID: query.DocumentID,
		AccessKey:  query.AccessKey,
		IssuerRUC:  query.IssuerRUC,
	})

	u := fmt.Sprintf("%s/invoices/%s/status?%s", c.baseURL, url.PathEscape(query.AccessKey),
		url.Values{"env": []string{query.Environment.GatewayLabel()}}.Encode())

	return c.do(ctx, exchange{
		operation: metrics.OperationStatus,
		method:    http.MethodGet,
		url:       u,
		timeout:   c.statusTimeout,
		issuerRUC: query.IssuerRUC,
		docID:     query.DocumentID,
		accessKey: query.AccessKey,
	})
}

// Breaker exposes the circuit breaker for health reporting.
func (c *Client) Breaker() *CircuitBreaker {
	return c.breaker
}

// Limiter exposes the concurrency limiter for health reporting.
func (c *Client) Limiter() *ConcurrencyLimiter {
	return c.limiter
}

type exchange struct {
	operation string
	method    string
	url       string
	body      []byte
	timeout   time.Duration
	issuerRUC string
	docID     string
	accessKey string
}

func (c *Client) do(ctx context.Context, ex exchange) (*taxdoc.GatewayResponse, error) {
	start := time.Now()
	ctx, _ = ctxutil.EnsureCorrelationID(ctx)

	ctx, cancel := context.WithTimeout(ctx, ex.timeout)
	defer cancel()

	if err := c.rateLimiter.Wait(ctx); err != nil {
		c.metrics.ObserveGatewayCall(ex.operation, metrics.ResultUnavailable, time.Since(start))
		return nil, apperror.ErrGatewayTimeout.WithMessage("gateway rate limit wait exceeded the deadline").WithCause(err)
	}
	if err := c.limiter.Acquire(ctx); err != nil {
		c.metrics.ObserveGatewayCall(ex.operation, metrics.ResultUnavailable, time.Since(start))
		return nil, apperror.ErrGatewayTimeout.WithMessage("no gateway slot became available before the deadline").WithCause(err)
	}
	defer c.limiter.Release()

	var (
		resp   *taxdoc.GatewayResponse
		result string
		err    error
	)
	breakerErr := c.breaker.Execute(func() error {
		resp, result, err = c.roundTrip(ctx, ex)
		if err != nil && apperror.IsRetryable(err) {
			return err
		}
		return nil
	})
	if errors.Is(breakerErr, ErrCircuitOpen) {
		c.metrics.ObserveGatewayCall(ex.operation, metrics.ResultCircuitOpen, time.Since(start))
		c.log.Warn("Gateway circuit open, call skipped",
			"operation", ex.operation,
			"issuer_ruc", ex.issuerRUC,
			"document_id", ex.docID,
			"access_key", ex.accessKey)
		return nil, apperror.ErrGatewayConnection.WithMessage("gateway circuit breaker is open").WithCause(breakerErr)
	}

	c.metrics.ObserveGatewayCall(ex.operation, result, time.Since(start))
	return resp, err
}

func (c *Client) roundTrip(ctx context.Context, ex exchange) (*taxdoc.GatewayResponse, string, error) {
	var body io.Reader
	if ex.body != nil {
		body = bytes.NewReader(ex.body)
	}
	req, err := http.NewRequestWithContext(ctx, ex.method, ex.url, body)
	if err != nil {
		return nil, metrics.ResultUnexpected, apperror.NewInternal(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if ex.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(ctx, err) {
			c.log.Error("Gateway call timed out", "operation", ex.operation, "document_id", ex.docID, "access_key", ex.accessKey, "error", err)
			return nil, metrics.ResultTimeout, apperror.ErrGatewayTimeout.WithCause(err)
		}
		c.log.Error("Gateway unreachable", "operation", ex.operation, "document_id", ex.docID, "access_key", ex.accessKey, "error", err)
		return nil, metrics.ResultConnection, apperror.ErrGatewayConnection.WithCause(err)
	}
	defer httpResp.Body.Close()

	raw, err := readBody(httpResp)
	if err != nil {
		if isTimeout(ctx, err) {
			return nil, metrics.ResultTimeout, apperror.ErrGatewayTimeout.WithCause(err)
		}
		return nil, metrics.ResultConnection, apperror.ErrGatewayConnection.WithCause(fmt.Errorf("read response body: %w", err))
	}

	decoded := &taxdoc.GatewayResponse{}
	decodeErr := json.Unmarshal(raw, decoded)
	decoded.RawBody = raw

	c.log.Info("gateway_response",
		"operation", ex.operation,
		"http_status", httpResp.StatusCode,
		"issuer_ruc", ex.issuerRUC,
		"document_id", ex.docID,
		"access_key", firstNonEmpty(decoded.AccessKey, ex.accessKey),
		"gateway_status", string(decoded.Status),
		"messages", decoded.Messages,
		"body", string(security.SanitizeBody(raw, maxLoggedBody)))

	switch {
	case httpResp.StatusCode >= 200 && httpResp.StatusCode < 300:
		if decodeErr != nil {
			return nil, metrics.ResultUnexpected, apperror.ErrGatewayUnexpectedStatus.
				WithMessage("gateway answered with an undecodable body").
				WithDetail("status", httpResp.StatusCode).
				WithCause(decodeErr)
		}
		return decoded, metrics.ResultOK, nil

	case httpResp.StatusCode == http.StatusBadRequest || httpResp.StatusCode == http.StatusUnprocessableEntity:
		appErr := apperror.ErrGatewayBadRequest.WithDetail("status", httpResp.StatusCode)
		if len(decoded.Messages) > 0 {
			appErr = appErr.WithDetail("messages", decoded.Messages)
		} else {
			appErr = appErr.WithDetail("body", truncate(string(raw), 512))
		}
		return nil, metrics.ResultBadRequest, appErr

	case httpResp.StatusCode >= 500:
		return nil, metrics.ResultUnexpected, apperror.ErrGatewayUnexpectedStatus.
			WithMessage(fmt.Sprintf("gateway answered %d", httpResp.StatusCode)).
			WithDetail("status", httpResp.StatusCode).
			WithDetail("body", truncate(string(raw), 512)).
			AsRetryable()

	default:
		return nil, metrics.ResultUnexpected, apperror.ErrGatewayUnexpectedStatus.
			WithMessage(fmt.Sprintf("gateway answered %d", httpResp.StatusCode)).
			WithDetail("status", httpResp.StatusCode).
			WithDetail("body", truncate(string(raw), 512))
	}
}

func readBody(resp *http.Response) ([]byte, error) {
	if !strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		return io.ReadAll(resp.Body)
	}
	zr, err := gzip.NewReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("open gzip body: %w", err)
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
