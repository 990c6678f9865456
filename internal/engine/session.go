package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"api-replay/internal/common/errors"
	"api-replay/internal/common/logging"
	"api-replay/internal/credentials"
	"api-replay/internal/extractors"
	"api-replay/internal/requests"
)

// Session is one virtual user's execution context. Parameters are fixed at
// creation; extracted values accumulate across sends. Credentials registered
// through SetClientCertificate and SetBasicAuth apply to the next Send only.
type Session struct {
	id     string
	engine *Engine
	params map[string]string

	mu          sync.RWMutex
	extracted   map[string]string
	pendingCert *credentials.ClientCertificate
	pendingAuth *credentials.BasicAuth
}

var _ requests.Session = (*Session)(nil)

// ID identifies the session in logs
func (s *Session) ID() string {
	return s.id
}

// Param returns an execution parameter
func (s *Session) Param(name string) (string, bool) {
	v, ok := s.params[name]
	return v, ok
}

// Extracted returns a value produced by an earlier response
func (s *Session) Extracted(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.extracted[name]
	return v, ok
}

// Values returns a copy of every extracted value
func (s *Session) Values() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.extracted))
	for k, v := range s.extracted {
		out[k] = v
	}
	return out
}

// SetClientCertificate presents cert on the next send
func (s *Session) SetClientCertificate(cert credentials.ClientCertificate) error {
	if cert.CertPath == "" {
		return errors.ConfigurationError("client certificate path is required")
	}
	s.mu.Lock()
	s.pendingCert = &cert
	s.mu.Unlock()
	return nil
}

// SetBasicAuth sends auth on the next request when its host matches
func (s *Session) SetBasicAuth(auth credentials.BasicAuth) error {
	if auth.Username == "" {
		return errors.ConfigurationError("basic auth username is required")
	}
	s.mu.Lock()
	s.pendingAuth = &auth
	s.mu.Unlock()
	return nil
}

func (s *Session) takePending() (*credentials.ClientCertificate, *credentials.BasicAuth) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cert, auth := s.pendingCert, s.pendingAuth
	s.pendingCert, s.pendingAuth = nil, nil
	return cert, auth
}

// Send performs spec and runs its extraction rules against the response.
// Any status code is a response; only failing to get one is an error.
func (s *Session) Send(ctx context.Context, spec *requests.RequestSpec) (*requests.Response, error) {
	cert, auth := s.takePending()
	logger := s.engine.logger.WithContext(ctx).WithFields(
		logging.String("session", s.id),
		logging.String("api", spec.Name),
		logging.Int64("request_id", int64(spec.ID)))

	req, err := newHTTPRequest(ctx, spec)
	if err != nil {
		return nil, err
	}
	if auth != nil && auth.Applies(req.URL.Hostname()) {
		req.SetBasicAuth(auth.Principal(), auth.Password)
	}

	client, err := s.engine.client(cert, spec.DisableRedirection)
	if err != nil {
		return nil, errors.ConfigurationError(fmt.Sprintf("failed to load client certificate: %v", err))
	}

	var (
		status  int
		headers http.Header
		body    []byte
	)
	start := time.Now()
	err = s.engine.breakers.Execute(ctx, req.URL.Host, func() error {
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		status, headers = resp.StatusCode, resp.Header
		return nil
	})
	elapsed := time.Since(start)

	if err != nil {
		if _, ok := err.(*errors.AppError); !ok {
			err = errors.TransportError(fmt.Sprintf("%s %s failed", spec.Method, spec.URL), err)
		}
		logger.Error("Request failed", err, logging.Duration("elapsed", elapsed))
		return nil, err
	}

	values := s.extract(spec.Extractors, extractors.Input{StatusCode: status, Headers: headers, Body: body}, logger)

	logger.Debug("Response received",
		logging.Int("status", status),
		logging.Int("bytes", len(body)),
		logging.Int("values", len(values)),
		logging.Duration("elapsed", elapsed))

	return &requests.Response{
		StatusCode: status,
		Headers:    headers,
		Body:       body,
		Values:     values,
		Duration:   elapsed,
	}, nil
}

// extract runs rules and stores their results. A rule that finds nothing
// clears the value it produced for an earlier response.
func (s *Session) extract(rules []extractors.Rule, in extractors.Input, logger logging.Logger) map[string]string {
	values := make(map[string]string, len(rules))
	var missing []string

	for _, rule := range rules {
		value, ok, err := rule.Extract(in)
		if err != nil {
			logger.Warn("Extraction rule failed",
				logging.String("rule", rule.RuleName()),
				logging.Err(err))
		}
		if err != nil || !ok {
			missing = append(missing, rule.RuleName())
			continue
		}
		values[rule.RuleName()] = value
	}

	s.mu.Lock()
	for _, name := range missing {
		delete(s.extracted, name)
	}
	for k, v := range values {
		s.extracted[k] = v
	}
	s.mu.Unlock()

	return values
}

func newHTTPRequest(ctx context.Context, spec *requests.RequestSpec) (*http.Request, error) {
	var (
		body        io.Reader
		contentType string
	)
	switch b := spec.Body.(type) {
	case nil:
	case string:
		body = strings.NewReader(b)
	case []byte:
		body = bytes.NewReader(b)
	default:
		encoded, err := json.Marshal(b)
		if err != nil {
			return nil, errors.ValidationError(fmt.Sprintf("payload for %s is not serializable: %v", spec.Name, err))
		}
		body = bytes.NewReader(encoded)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, spec.Method, spec.URL, body)
	if err != nil {
		return nil, errors.ValidationError(fmt.Sprintf("invalid request for %s: %v", spec.Name, err))
	}

	for name, value := range spec.Headers {
		if strings.EqualFold(name, "Host") {
			req.Host = value
			continue
		}
		req.Header.Set(name, value)
	}
	if contentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req, nil
}
