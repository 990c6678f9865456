// Package engine sends resolved requests over HTTP. An Engine holds what all
// virtual users share; a Session holds one virtual user's state.
package engine

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"api-replay/internal/circuitbreaker"
	commonhttp "api-replay/internal/common/http"
	"api-replay/internal/common/logging"
	"api-replay/internal/credentials"
	"api-replay/internal/crypto"
)

// Config tunes the shared HTTP layer
type Config struct {
	HTTPTimeout         time.Duration
	InsecureSkipVerify  bool
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	DisableKeepAlives   bool
	// Breaker.MaxFailures of zero sends without a circuit breaker
	Breaker circuitbreaker.Config
	// Transport replaces the default transport, used by tests
	Transport http.RoundTripper
}

// DefaultConfig returns the standard engine settings
func DefaultConfig() Config {
	return Config{
		HTTPTimeout:         30 * time.Second,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		Breaker:             circuitbreaker.DefaultConfig(),
	}
}

// CertificateLoader turns a registered client certificate into key material
type CertificateLoader func(cert credentials.ClientCertificate) (tls.Certificate, error)

type clientKey struct {
	certPath   string
	keyPath    string
	noRedirect bool
}

// Engine is shared by every session of a run
type Engine struct {
	cfg      Config
	breakers *circuitbreaker.Registry
	loadCert CertificateLoader
	logger   logging.Logger

	mu      sync.Mutex
	clients map[clientKey]*http.Client

	sessions atomic.Uint64
}

// Option configures an Engine
type Option func(*Engine)

// WithCertificateLoader replaces the file based certificate loader
func WithCertificateLoader(loader CertificateLoader) Option {
	return func(e *Engine) {
		e.loadCert = loader
	}
}

// WithLogger sets the engine's logger
func WithLogger(logger logging.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// New creates an Engine
func New(cfg Config, opts ...Option) *Engine {
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = DefaultConfig().HTTPTimeout
	}

	e := &Engine{
		cfg:     cfg,
		clients: make(map[clientKey]*http.Client),
		loadCert: func(cert credentials.ClientCertificate) (tls.Certificate, error) {
			return crypto.LoadClientCertificate(cert.CertPath, cert.KeyPath, cert.Password)
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logging.GetGlobalLogger()
	}
	e.breakers = circuitbreaker.NewRegistry(cfg.Breaker, e.logger)
	return e
}

// NewSession starts a session seeded with execution parameters
func (e *Engine) NewSession(params map[string]string) *Session {
	id := e.sessions.Add(1)
	copied := make(map[string]string, len(params))
	for k, v := range params {
		copied[k] = v
	}
	return &Session{
		id:        fmt.Sprintf("session-%d", id),
		engine:    e,
		params:    copied,
		extracted: make(map[string]string),
	}
}

// client returns the HTTP client for a certificate and redirect policy.
// Clients are cached so connections are reused across sends.
func (e *Engine) client(cert *credentials.ClientCertificate, noRedirect bool) (*http.Client, error) {
	key := clientKey{noRedirect: noRedirect}
	if cert != nil {
		key.certPath, key.keyPath = cert.CertPath, cert.KeyPath
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if c, ok := e.clients[key]; ok {
		return c, nil
	}

	opts := []commonhttp.ClientOption{commonhttp.WithTimeout(e.cfg.HTTPTimeout)}
	if e.cfg.MaxIdleConns > 0 {
		opts = append(opts, commonhttp.WithMaxIdleConns(e.cfg.MaxIdleConns))
	}
	if e.cfg.MaxIdleConnsPerHost > 0 {
		opts = append(opts, commonhttp.WithMaxIdleConnsPerHost(e.cfg.MaxIdleConnsPerHost))
	}
	if e.cfg.DisableKeepAlives {
		opts = append(opts, commonhttp.WithoutKeepAlives())
	}
	if e.cfg.InsecureSkipVerify {
		opts = append(opts, commonhttp.WithInsecureSkipVerify())
	}
	if e.cfg.Transport != nil {
		opts = append(opts, commonhttp.WithTransport(e.cfg.Transport))
	}
	if noRedirect {
		opts = append(opts, commonhttp.WithoutRedirects())
	}
	if cert != nil {
		tlsCert, err := e.loadCert(*cert)
		if err != nil {
			return nil, err
		}
		opts = append(opts, commonhttp.WithClientCertificates(tlsCert))
	}

	c := commonhttp.NewHTTPClient(opts...)
	e.clients[key] = c
	return c, nil
}
