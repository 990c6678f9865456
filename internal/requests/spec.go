// Package requests turns API descriptors into concrete requests, sends them
// through a session and feeds login responses back into the token store.
package requests

import (
	"context"
	"net/http"
	"time"

	"api-replay/internal/credentials"
	"api-replay/internal/extractors"
	"api-replay/internal/substitution"
)

// RequestSpec is a fully resolved request, built fresh for every send and not
// modified once Build returns
type RequestSpec struct {
	// ID is unique and increasing for the lifetime of the process
	ID      uint64
	Name    string
	URL     string
	Method  string
	Headers map[string]string
	// Body is nil, a string, or a structured value sent as JSON
	Body               interface{}
	Extractors         []extractors.Rule
	DisableRedirection bool
}

// Response is what a session reports back after sending a RequestSpec
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	// Values holds the results of the request's extraction rules
	Values   map[string]string
	Duration time.Duration
}

// Success reports a 2xx status
func (r *Response) Success() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode <= 299
}

// Session is one execution context: it owns parameters, extracted values and
// the credentials registered for its next send. Sessions are used by one
// goroutine at a time.
type Session interface {
	substitution.Scope
	credentials.Transport

	// ID identifies the session in logs
	ID() string
	// Send performs the request. HTTP error statuses are not errors; only
	// failures to obtain a response are.
	Send(ctx context.Context, spec *RequestSpec) (*Response, error)
}
