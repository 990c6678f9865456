package requests

import (
	"context"
	"sync"

	"api-replay/internal/credentials"
)

// fakeSession records what the builder registers and what the runner sends
type fakeSession struct {
	mu     sync.Mutex
	params map[string]string
	values map[string]string
	certs  []credentials.ClientCertificate
	auths  []credentials.BasicAuth
	sent   []*RequestSpec
	send   func(spec *RequestSpec) (*Response, map[string]string, error)
}

func newFakeSession(params map[string]string) *fakeSession {
	if params == nil {
		params = map[string]string{}
	}
	return &fakeSession{params: params, values: map[string]string{}}
}

func (s *fakeSession) ID() string { return "vu-1" }

func (s *fakeSession) Param(name string) (string, bool) {
	v, ok := s.params[name]
	return v, ok
}

func (s *fakeSession) Extracted(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[name]
	return v, ok
}

func (s *fakeSession) SetClientCertificate(cert credentials.ClientCertificate) error {
	s.certs = append(s.certs, cert)
	return nil
}

func (s *fakeSession) SetBasicAuth(auth credentials.BasicAuth) error {
	s.auths = append(s.auths, auth)
	return nil
}

func (s *fakeSession) Send(_ context.Context, spec *RequestSpec) (*Response, error) {
	s.sent = append(s.sent, spec)
	if s.send == nil {
		return &Response{StatusCode: 200}, nil
	}
	resp, values, err := s.send(spec)
	s.mu.Lock()
	for k, v := range values {
		s.values[k] = v
	}
	s.mu.Unlock()
	return resp, err
}
