package http

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"bmarc/ms_facturacion_sri/internal/core/audit"
	ctxutil "bmarc/ms_facturacion_sri/internal/infrastructure/context"
	"bmarc/ms_facturacion_sri/internal/infrastructure/security"
)

// TracedClient wraps an HTTP client so that every outbound exchange is logged
// with sanitized bodies and, when enabled, persisted to the audit trail.
type TracedClient struct {
	client       *http.Client
	log          *slog.Logger
	auditRepo    audit.Repository
	provider     string
	auditEnabled bool
	logReqBody   bool
	logRespBody  bool
	maxBodySize  int

	pending sync.WaitGroup
}

// TracedClientConfig holds configuration for the traced HTTP client.
type TracedClientConfig struct {
	Timeout         time.Duration
	AuditEnabled    bool
	LogRequestBody  bool
	LogResponseBody bool
	MaxBodySize     int
	MaxConnsPerHost int
}

// NewTracedClient creates a traced client with a pooled transport.
func NewTracedClient(cfg *TracedClientConfig, log *slog.Logger, auditRepo audit.Repository, provider string) *TracedClient {
	if cfg.MaxBodySize == 0 {
		cfg.MaxBodySize = 102400
	}
	return &TracedClient{
		client:       NewClient(ClientConfig{Timeout: cfg.Timeout, MaxConnsPerHost: cfg.MaxConnsPerHost}),
		log:          log,
		auditRepo:    auditRepo,
		provider:     provider,
		auditEnabled: cfg.AuditEnabled,
		logReqBody:   cfg.LogRequestBody,
		logRespBody:  cfg.LogResponseBody,
		maxBodySize:  cfg.MaxBodySize,
	}
}

// Do executes req, logging both legs and persisting the audit record
// asynchronously so a slow audit store never delays emission.
func (c *TracedClient) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	correlationID := ctxutil.GetCorrelationID(ctx)
	ref, _ := ctxutil.GetDocumentRef(ctx)
	operation := c.extractOperation(req)
	start := time.Now()

	if correlationID != "" {
		req.Header.Set(ctxutil.CorrelationHeader, correlationID)
	}

	var requestBody []byte
	if req.Body != nil {
		var err error
		requestBody, err = io.ReadAll(req.Body)
		if err != nil {
			c.log.Error("Failed to read request body for tracing", "error", err, "correlation_id", correlationID)
		}
		_ = req.Body.Close()
		req.Body = io.NopCloser(bytes.NewReader(requestBody))
	}

	c.logRequest(correlationID, operation, ref, req, requestBody)

	resp, err := c.client.Do(req)
	duration := time.Since(start)

	var responseBody []byte
	if resp != nil && resp.Body != nil {
		responseBody, _ = io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		resp.Body = io.NopCloser(bytes.NewReader(responseBody))
	}

	c.logResponse(correlationID, operation, ref, req, resp, err, duration, responseBody)

	if c.auditEnabled && c.auditRepo != nil {
		if correlationID == "" {
			correlationID = fmt.Sprintf("audit-%d", time.Now().UnixNano())
		}
		exchange := c.buildExchange(correlationID, operation, ref, req, resp, err, duration, requestBody, responseBody)

		c.pending.Add(1)
		go func() {
			defer c.pending.Done()
			defer func() {
				if r := recover(); r != nil {
					c.log.Error("Panic in audit log persistence", "panic", r, "correlation_id", exchange.CorrelationID)
				}
			}()

			// detached from the request so the record survives its cancellation
			saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := c.auditRepo.Save(saveCtx, exchange); err != nil {
				c.log.Error("Failed to persist audit log",
					"error", err,
					"correlation_id", exchange.CorrelationID,
					"operation", exchange.Operation,
					"document_id", exchange.DocumentID)
			}
		}()
	}

	return resp, err
}

// Wait blocks until in-flight audit writes finish or ctx is done.
func (c *TracedClient) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *TracedClient) logRequest(correlationID, operation string, ref ctxutil.DocumentRef, req *http.Request, body []byte) {
	attrs := []any{
		"correlation_id", correlationID,
		"provider", c.provider,
		"operation", operation,
		"method", req.Method,
		"url", security.SanitizeURL(req.URL.String()),
	}
	if ref.DocumentID != "" {
		attrs = append(attrs, "document_id", ref.DocumentID)
	}
	if c.logReqBody && len(body) > 0 {
		attrs = append(attrs, "request_body", string(security.SanitizeBody(body, c.maxBodySize)))
	}

	c.log.Info("provider_request", attrs...)
}

func (c *TracedClient) logResponse(correlationID, operation string, ref ctxutil.DocumentRef, req *http.Request, resp *http.Response, err error, duration time.Duration, body []byte) {
	attrs := []any{
		"correlation_id", correlationID,
		"provider", c.provider,
		"operation", operation,
		"method", req.Method,
		"url", security.SanitizeURL(req.URL.String()),
		"duration_ms", duration.Milliseconds(),
	}
	if ref.DocumentID != "" {
		attrs = append(attrs, "document_id", ref.DocumentID)
	}

	if err != nil {
		attrs = append(attrs, "error", err.Error())
		c.log.Error("provider_request_failed", attrs...)
		return
	}

	attrs = append(attrs, "status", resp.StatusCode, "response_size_bytes", len(body))
	if c.logRespBody && len(body) > 0 {
		attrs = append(attrs, "response_body", string(security.SanitizeBody(body, c.maxBodySize)))
	}

	switch {
	case resp.StatusCode >= 500:
		c.log.Error("provider_response", attrs...)
	case resp.StatusCode >= 400:
		c.log.Warn("provider_response", attrs...)
	default:
		c.log.Info("provider_response", attrs...)
	}
}

func (c *TracedClient) buildExchange(correlationID, operation string, ref ctxutil.DocumentRef, req *http.Request, resp *http.Response, err error, duration time.Duration, requestBody, responseBody []byte) audit.GatewayExchange {
	exchange := audit.GatewayExchange{
		CorrelationID:  correlationID,
		Provider:       c.provider,
		Operation:      operation,
		DocumentID:     ref.DocumentID,
		AccessKey:      ref.AccessKey,
		IssuerRUC:      ref.IssuerRUC,
		RequestMethod:  req.Method,
		RequestURL:     security.SanitizeURL(req.URL.String()),
		RequestHeaders: security.SanitizeHeaders(req.Header),
		RequestBody:    security.SanitizeBody(requestBody, c.maxBodySize),
		DurationMs:     duration.Milliseconds(),
	}

	if resp != nil {
		status := resp.StatusCode
		exchange.ResponseStatus = &status
		exchange.ResponseHeaders = security.SanitizeHeaders(resp.Header)
		exchange.ResponseBody = security.SanitizeBody(responseBody, c.maxBodySize)
	}
	if err != nil {
		exchange.ErrorMessage = err.Error()
	}
	return exchange
}

// extractOperation names the call after its last two non-numeric path
// segments, so /invoices/{key}/status becomes "invoices_status".
func (c *TracedClient) extractOperation(req *http.Request) string {
	var parts []string
	for _, p := range strings.Split(strings.Trim(req.URL.Path, "/"), "/") {
		if p == "" || isNumeric(p) {
			continue
		}
		parts = append(parts, p)
	}

	switch len(parts) {
	case 0:
		return fmt.Sprintf("%s_%s", req.Method, c.provider)
	case 1:
		return parts[0]
	default:
		return parts[len(parts)-2] + "_" + parts[len(parts)-1]
	}
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Client returns the underlying HTTP client.
func (c *TracedClient) Client() *http.Client {
	return c.client
}
