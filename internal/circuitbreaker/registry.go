package circuitbreaker

import (
	"context"
	"sync"

	"api-replay/internal/common/logging"
)

// Registry hands out one breaker per host, shared by every session
type Registry struct {
	breakers map[string]*GoBreakerAdapter
	config   Config
	logger   logging.Logger
	mu       sync.RWMutex
}

// NewRegistry creates a registry whose breakers all use config
func NewRegistry(config Config, logger logging.Logger) *Registry {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &Registry{
		breakers: make(map[string]*GoBreakerAdapter),
		config:   config,
		logger:   logger,
	}
}

// GetOrCreate returns the breaker for host, creating it on first use
func (r *Registry) GetOrCreate(host string) *GoBreakerAdapter {
	r.mu.RLock()
	breaker, exists := r.breakers[host]
	r.mu.RUnlock()
	if exists {
		return breaker
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if breaker, exists := r.breakers[host]; exists {
		return breaker
	}

	breaker = NewGoBreaker(host, r.config, r.logger)
	r.breakers[host] = breaker
	return breaker
}

// Disabled reports whether the registry was configured with MaxFailures of
// zero, in which case every call goes straight through
func (r *Registry) Disabled() bool {
	return r.config.MaxFailures == 0
}

// Execute runs fn behind the breaker for host
func (r *Registry) Execute(ctx context.Context, host string, fn func() error) error {
	if r.Disabled() {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fn()
	}
	return r.GetOrCreate(host).Execute(ctx, fn)
}
