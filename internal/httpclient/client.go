// Package httpclient builds the shared HTTP client used by all portal clients.
package httpclient

import (
	"net/http"
	"time"
)

const (
	// DefaultTimeout is the default timeout for HTTP requests
	DefaultTimeout = 30 * time.Second

	// DefaultMaxIdleConns is the default maximum number of idle connections
	DefaultMaxIdleConns = 100

	// DefaultMaxIdleConnsPerHost is the default maximum number of idle connections per host
	DefaultMaxIdleConnsPerHost = 10

	// DefaultIdleConnTimeout is the default idle connection timeout
	DefaultIdleConnTimeout = 90 * time.Second

	// DefaultResponseHeaderTimeout is the default response header timeout
	DefaultResponseHeaderTimeout = 30 * time.Second

	// DefaultTLSHandshakeTimeout is the default TLS handshake timeout
	DefaultTLSHandshakeTimeout = 10 * time.Second
)

// Config configures an HTTP client.
type Config struct {
	// Timeout specifies a time limit for requests made by this client.
	// A Timeout of zero means no timeout.
	Timeout time.Duration

	// MaxIdleConns controls the maximum number of idle (keep-alive)
	// connections across all hosts. Zero means the default.
	MaxIdleConns int

	// MaxIdleConnsPerHost controls the maximum idle connections per host.
	MaxIdleConnsPerHost int

	// IdleConnTimeout is the maximum time an idle connection remains open.
	IdleConnTimeout time.Duration

	// ResponseHeaderTimeout bounds the wait for a server's response headers.
	ResponseHeaderTimeout time.Duration

	// FollowRedirects enables following HTTP redirects (on by default).
	DisableRedirects bool
}

// New creates a new HTTP client with standardized configuration.
// The returned client is safe for concurrent use across portals.
func New(cfg Config) *http.Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	maxIdleConns := cfg.MaxIdleConns
	if maxIdleConns == 0 {
		maxIdleConns = DefaultMaxIdleConns
	}

	maxIdleConnsPerHost := cfg.MaxIdleConnsPerHost
	if maxIdleConnsPerHost == 0 {
		maxIdleConnsPerHost = DefaultMaxIdleConnsPerHost
	}

	idleConnTimeout := cfg.IdleConnTimeout
	if idleConnTimeout == 0 {
		idleConnTimeout = DefaultIdleConnTimeout
	}

	responseHeaderTimeout := cfg.ResponseHeaderTimeout
	if responseHeaderTimeout == 0 {
		responseHeaderTimeout = DefaultResponseHeaderTimeout
	}

	transport := &http.Transport{
		MaxIdleConns:          maxIdleConns,
		MaxIdleConnsPerHost:   maxIdleConnsPerHost,
		IdleConnTimeout:       idleConnTimeout,
		ResponseHeaderTimeout: responseHeaderTimeout,
		TLSHandshakeTimeout:   DefaultTLSHandshakeTimeout,
	}

	client := &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}

	if cfg.DisableRedirects {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	return client
}

// NewDefault creates a new HTTP client with all default settings.
func NewDefault() *http.Client {
	return New(Config{})
}
