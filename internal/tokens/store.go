// Package tokens holds named, time-limited credentials shared by every session
// of a run and refreshes managed tokens on demand through a login call.
package tokens

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"api-replay/internal/common/errors"
	"api-replay/internal/common/logging"
)

// Record is a stored token value with its effective expiry
type Record struct {
	// Value is the raw token
	Value string
	// ExpiresAt already has the refresh buffer subtracted; the record is valid
	// while now is strictly before it
	ExpiresAt time.Time
}

// LoginResult is what a login call hands back to the store
type LoginResult struct {
	// StatusCode is the HTTP status of the login response
	StatusCode int
	// Values holds everything the login API's extractors produced
	Values map[string]string
}

// LoginFunc executes the named login API and reports what it extracted
type LoginFunc func(ctx context.Context, apiName string) (*LoginResult, error)

// Config tunes refresh behaviour
type Config struct {
	// RefreshBuffer is subtracted from every TTL so tokens are renewed before
	// the server stops accepting them
	RefreshBuffer time.Duration
	// RefreshDefaultTTL applies when a login response carries no expiry
	RefreshDefaultTTL time.Duration
	// RefreshTimeout bounds a single login call
	RefreshTimeout time.Duration
	// AccessTokenKey is the extracted value holding the token after a login
	AccessTokenKey string
}

// DefaultConfig returns the standard refresh settings
func DefaultConfig() Config {
	return Config{
		RefreshBuffer:     60 * time.Second,
		RefreshDefaultTTL: 120 * time.Second,
		RefreshTimeout:    30 * time.Second,
		AccessTokenKey:    "access_token",
	}
}

// Store is a concurrency-safe token cache. It is created once per run and
// injected into every collaborator that needs it.
type Store struct {
	// mu protects records, managed and dependencies. It is never held while a
	// login call is in flight.
	mu           sync.RWMutex
	records      map[string]Record
	managed      map[string]string
	dependencies map[string]string

	// refreshes collapses concurrent refreshes of the same token into one login
	refreshes singleflight.Group

	cfg    Config
	login  LoginFunc
	now    func() time.Time
	logger logging.Logger
}

// Option configures a Store
type Option func(*Store)

// WithClock replaces time.Now, used by tests to move time forward
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithLogger sets the store's logger
func WithLogger(logger logging.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// NewStore creates an empty store. login may be nil when no token is managed.
func NewStore(cfg Config, login LoginFunc, opts ...Option) *Store {
	def := DefaultConfig()
	if cfg.RefreshBuffer < 0 {
		cfg.RefreshBuffer = def.RefreshBuffer
	}
	if cfg.RefreshDefaultTTL <= 0 {
		cfg.RefreshDefaultTTL = def.RefreshDefaultTTL
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = def.RefreshTimeout
	}
	if cfg.AccessTokenKey == "" {
		cfg.AccessTokenKey = def.AccessTokenKey
	}

	s := &Store{
		records:      make(map[string]Record),
		managed:      make(map[string]string),
		dependencies: make(map[string]string),
		cfg:          cfg,
		login:        login,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.GetGlobalLogger()
	}
	return s
}

// SetToken stores value under name, valid for ttl minus the refresh buffer
func (s *Store) SetToken(name, value string, ttl time.Duration) {
	expiresAt := s.now().Add(ttl - s.cfg.RefreshBuffer)

	s.mu.Lock()
	s.records[name] = Record{Value: value, ExpiresAt: expiresAt}
	s.mu.Unlock()

	s.logger.Debug("Stored token",
		logging.String("token", name),
		logging.Time("expires_at", expiresAt))
}

// IsValid reports whether name holds a record that has not yet expired
func (s *Store) IsValid(name string) bool {
	_, ok := s.valid(name)
	return ok
}

// Lookup returns the stored value without refreshing, valid or not
func (s *Store) Lookup(name string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[name]
	return rec, ok
}

// Delete removes the record for name. Management registration is kept.
func (s *Store) Delete(name string) {
	s.mu.Lock()
	delete(s.records, name)
	s.mu.Unlock()
}

// Manage marks name as refreshable through loginAPI
func (s *Store) Manage(name, loginAPI string) {
	s.mu.Lock()
	s.managed[name] = loginAPI
	s.mu.Unlock()
}

// IsManaged reports whether placeholders for name should be resolved by the
// store: the name is refreshable, or it currently holds a valid record
func (s *Store) IsManaged(name string) bool {
	s.mu.RLock()
	_, managed := s.managed[name]
	rec, stored := s.records[name]
	s.mu.RUnlock()

	return managed || (stored && s.now().Before(rec.ExpiresAt))
}

// RegisterDependency records that api must run after dependsOn
func (s *Store) RegisterDependency(api, dependsOn string) {
	s.mu.Lock()
	s.dependencies[api] = dependsOn
	s.mu.Unlock()
}

// GetDependency returns the API that api depends on, if any
func (s *Store) GetDependency(api string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dep, ok := s.dependencies[api]
	return dep, ok
}

// GetToken returns the current value for name, logging in again when the
// stored record is missing or expired. Concurrent callers for the same name
// share a single login; each caller still honors its own context.
func (s *Store) GetToken(ctx context.Context, name string) (string, error) {
	if rec, ok := s.valid(name); ok {
		return rec.Value, nil
	}

	s.mu.RLock()
	loginAPI, managed := s.managed[name]
	s.mu.RUnlock()

	if !managed {
		if _, stored := s.Lookup(name); stored {
			return "", errors.AuthenticationError(fmt.Sprintf("token %s expired and has no login API", name), nil)
		}
		return "", errors.NotFoundError(fmt.Sprintf("token %s", name))
	}

	if inRefreshChain(ctx, name) {
		return "", errors.AuthenticationError(fmt.Sprintf("recursive refresh of token %s", name), nil)
	}

	ch := s.refreshes.DoChan(name, func() (interface{}, error) {
		return s.refresh(ctx, name, loginAPI)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// refresh runs inside the singleflight group. It detaches from the first
// caller's cancellation so one impatient caller cannot fail the others.
func (s *Store) refresh(ctx context.Context, name, loginAPI string) (string, error) {
	if rec, ok := s.valid(name); ok {
		return rec.Value, nil
	}
	if s.login == nil {
		return "", errors.ConfigurationError(fmt.Sprintf("no login function configured to refresh token %s", name))
	}

	refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(withRefreshChain(ctx, name)), s.cfg.RefreshTimeout)
	defer cancel()

	s.logger.Info("Refreshing token",
		logging.String("token", name),
		logging.String("login_api", loginAPI))

	type outcome struct {
		res *LoginResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := s.login(refreshCtx, loginAPI)
		done <- outcome{res, err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-refreshCtx.Done():
	}

	if refreshCtx.Err() != nil && (out.err != nil || out.res == nil) {
		return "", errors.AuthenticationError(fmt.Sprintf("refresh of token %s timed out", name),
			errors.TimeoutError("token refresh"))
	}
	if out.err != nil {
		return "", errors.AuthenticationError(fmt.Sprintf("login %s failed", loginAPI), out.err)
	}
	if out.res == nil || out.res.StatusCode < 200 || out.res.StatusCode > 299 {
		status := 0
		if out.res != nil {
			status = out.res.StatusCode
		}
		return "", errors.AuthenticationError(fmt.Sprintf("login %s returned status %d", loginAPI, status), nil).
			WithContext("status", status)
	}

	value := out.res.Values[s.cfg.AccessTokenKey]
	if value == "" {
		return "", errors.TokenNotFoundError(name)
	}

	ttl := TTLFromValues(out.res.Values, s.cfg.RefreshDefaultTTL)
	s.SetToken(name, value, ttl)

	s.logger.Info("Token refreshed",
		logging.String("token", name),
		logging.Duration("ttl", ttl))
	return value, nil
}

func (s *Store) valid(name string) (Record, bool) {
	s.mu.RLock()
	rec, ok := s.records[name]
	s.mu.RUnlock()

	if !ok || !s.now().Before(rec.ExpiresAt) {
		return Record{}, false
	}
	return rec, true
}

// TTLFromValues reads the token lifetime in seconds from expires_in, then
// expiry_in, falling back to def when neither holds a positive integer
func TTLFromValues(values map[string]string, def time.Duration) time.Duration {
	for _, key := range []string{"expires_in", "expiry_in"} {
		raw, ok := values[key]
		if !ok {
			continue
		}
		seconds, err := strconv.Atoi(raw)
		if err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return def
}

type refreshChainKey struct{}

// withRefreshChain records that name is being refreshed further up the call
// chain, so a login API that itself needs name fails instead of deadlocking
func withRefreshChain(ctx context.Context, name string) context.Context {
	parent, _ := ctx.Value(refreshChainKey{}).([]string)
	chain := make([]string, 0, len(parent)+1)
	chain = append(chain, parent...)
	chain = append(chain, name)
	return context.WithValue(ctx, refreshChainKey{}, chain)
}

func inRefreshChain(ctx context.Context, name string) bool {
	chain, _ := ctx.Value(refreshChainKey{}).([]string)
	for _, n := range chain {
		if n == name {
			return true
		}
	}
	return false
}
