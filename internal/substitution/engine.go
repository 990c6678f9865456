// Package substitution expands ${name} placeholders in descriptor text
package substitution

import (
	"context"
	"os"
	"regexp"
	"strings"

	"api-replay/internal/common/logging"
)

var placeholderPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Scope exposes the per-session values a placeholder can resolve to
type Scope interface {
	// Param returns a run parameter, possibly still masked
	Param(name string) (string, bool)
	// Extracted returns a value captured from an earlier response
	Extracted(name string) (string, bool)
}

// TokenSource resolves placeholders that name stored tokens
type TokenSource interface {
	IsManaged(name string) bool
	GetToken(ctx context.Context, name string) (string, error)
}

// Unmasker decodes masked parameter values
type Unmasker interface {
	Unmask(text string) (string, error)
}

// Engine resolves placeholders in order: parameter, stored token, extracted
// value, environment variable. Unresolved placeholders are left verbatim.
type Engine struct {
	tokens    TokenSource
	unmasker  Unmasker
	lookupEnv func(string) (string, bool)
	logger    logging.Logger
}

// Option configures an Engine
type Option func(*Engine)

// WithLookupEnv replaces os.LookupEnv
func WithLookupEnv(fn func(string) (string, bool)) Option {
	return func(e *Engine) {
		e.lookupEnv = fn
	}
}

// WithLogger sets the engine's logger
func WithLogger(logger logging.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// NewEngine creates an Engine backed by the shared token store
func NewEngine(tokens TokenSource, unmasker Unmasker, opts ...Option) *Engine {
	e := &Engine{
		tokens:    tokens,
		unmasker:  unmasker,
		lookupEnv: os.LookupEnv,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logging.GetGlobalLogger()
	}
	return e
}

// Substitute replaces every ${name} in text, left to right. The only error
// returned is a failed token refresh or a strict unmask failure.
func (e *Engine) Substitute(ctx context.Context, scope Scope, text string) (string, error) {
	matches := placeholderPattern.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return text, nil
	}

	var b strings.Builder
	b.Grow(len(text))
	last := 0
	for _, m := range matches {
		b.WriteString(text[last:m[0]])

		name := text[m[2]:m[3]]
		value, ok, err := e.resolve(ctx, scope, name)
		if err != nil {
			return "", err
		}
		if ok {
			b.WriteString(value)
		} else {
			b.WriteString(text[m[0]:m[1]])
		}
		last = m[1]
	}
	b.WriteString(text[last:])
	return b.String(), nil
}

// SubstituteValue substitutes strings and returns every other value unchanged
func (e *Engine) SubstituteValue(ctx context.Context, scope Scope, v interface{}) (interface{}, error) {
	s, ok := v.(string)
	if !ok {
		return v, nil
	}
	return e.Substitute(ctx, scope, s)
}

func (e *Engine) resolve(ctx context.Context, scope Scope, name string) (string, bool, error) {
	if scope != nil {
		if raw, ok := scope.Param(name); ok {
			value, err := e.unmask(raw)
			if err != nil {
				return "", false, err
			}
			return value, true, nil
		}
	}

	if e.tokens != nil && e.tokens.IsManaged(name) {
		value, err := e.tokens.GetToken(ctx, name)
		if err != nil {
			return "", false, err
		}
		return value, true, nil
	}

	if scope != nil {
		if value, ok := scope.Extracted(name); ok {
			return value, true, nil
		}
	}

	if value, ok := e.lookupEnv(name); ok {
		return value, true, nil
	}

	e.logger.Debug("Placeholder left unresolved", logging.String("name", name))
	return "", false, nil
}

func (e *Engine) unmask(raw string) (string, error) {
	if e.unmasker == nil {
		return raw, nil
	}
	return e.unmasker.Unmask(raw)
}

// MapScope is a Scope over two plain maps
type MapScope struct {
	Params map[string]string
	Values map[string]string
}

// Param implements Scope
func (s MapScope) Param(name string) (string, bool) {
	v, ok := s.Params[name]
	return v, ok
}

// Extracted implements Scope
func (s MapScope) Extracted(name string) (string, bool) {
	v, ok := s.Values[name]
	return v, ok
}
