package http

import (
	"net/http"
	"time"
)

const (
	defaultGatewayTimeout  = 120 * time.Second
	defaultMaxConnsPerHost = 50
	minHeaderTimeout       = 60 * time.Second
)

// ClientConfig sizes the pooled client used for gateway calls.
type ClientConfig struct {
	Timeout         time.Duration
	MaxConnsPerHost int
	// FollowRedirects is off for the gateway: a redirect answer is surfaced
	// as an unexpected status instead of replaying an emit elsewhere.
	FollowRedirects bool
	// Transport replaces the pooled transport, mainly in tests.
	Transport http.RoundTripper
}

// NewClient builds an http.Client from cfg. Zero values fall back to a 120s
// timeout and 50 connections per host.
func NewClient(cfg ClientConfig) *http.Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultGatewayTimeout
	}

	transport := cfg.Transport
	if transport == nil {
		transport = NewTransport(cfg.MaxConnsPerHost, cfg.Timeout)
	}

	client := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: transport,
	}
	if !cfg.FollowRedirects {
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	return client
}

// NewTransport returns a pooled transport. The authority can hold an emit for
// minutes before the first byte, so the header timeout never drops below 60s.
func NewTransport(maxConnsPerHost int, headerTimeout time.Duration) *http.Transport {
	if maxConnsPerHost <= 0 {
		maxConnsPerHost = defaultMaxConnsPerHost
	}
	if headerTimeout < minHeaderTimeout {
		headerTimeout = minHeaderTimeout
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   maxConnsPerHost,
		MaxConnsPerHost:       maxConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: headerTimeout,
		ExpectContinueTimeout: time.Second,
	}
}
