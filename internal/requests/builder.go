package requests

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync/atomic"

	"api-replay/internal/common/logging"
	"api-replay/internal/credentials"
	"api-replay/internal/extractors"
	"api-replay/internal/models"
	"api-replay/internal/substitution"
)

// CredentialConfigurator registers descriptor credentials on a transport
type CredentialConfigurator interface {
	ConfigureTransport(d *models.ApiDescriptor, transport credentials.Transport) error
	ConfigureUserAuthentication(d *models.ApiDescriptor, transport credentials.Transport) error
}

// AssertionGenerator signs a client assertion for descriptors that ask for one
type AssertionGenerator interface {
	MaybeGenerate(ctx context.Context, d *models.ApiDescriptor)
}

// Substituter resolves ${name} placeholders
type Substituter interface {
	Substitute(ctx context.Context, scope substitution.Scope, text string) (string, error)
}

// Unmasker reveals masked secrets
type Unmasker interface {
	Unmask(text string) (string, error)
	DeepUnmask(v interface{}) (interface{}, error)
}

// RuleFactory builds the extraction rules a descriptor declares
type RuleFactory interface {
	Build(d *models.ApiDescriptor) []extractors.Rule
}

// Builder assembles RequestSpecs from descriptors
type Builder struct {
	credentials CredentialConfigurator
	assertions  AssertionGenerator
	substituter Substituter
	unmasker    Unmasker
	rules       RuleFactory
	logger      logging.Logger

	nextID atomic.Uint64
}

// NewBuilder creates a Builder
func NewBuilder(creds CredentialConfigurator, assertions AssertionGenerator, substituter Substituter,
	unmasker Unmasker, rules RuleFactory, logger logging.Logger) *Builder {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Builder{
		credentials: creds,
		assertions:  assertions,
		substituter: substituter,
		unmasker:    unmasker,
		rules:       rules,
		logger:      logger,
	}
}

// Build resolves d against session. Credentials are registered on the session
// and a client assertion is signed before any placeholder is resolved, so the
// URL, headers and payload can reference the fresh assertion. d is not modified.
func (b *Builder) Build(ctx context.Context, session Session, d *models.ApiDescriptor) (*RequestSpec, error) {
	spec := &RequestSpec{
		ID:                 b.nextID.Add(1),
		Name:               d.Name,
		Method:             d.NormalizedMethod(),
		DisableRedirection: d.DisableRedirection,
	}
	logger := b.logger.WithContext(ctx).WithFields(
		logging.String("api", d.Name),
		logging.String("session", session.ID()))

	if err := b.credentials.ConfigureTransport(d, session); err != nil {
		return nil, err
	}
	if err := b.credentials.ConfigureUserAuthentication(d, session); err != nil {
		return nil, err
	}
	b.assertions.MaybeGenerate(ctx, d)

	rawURL, err := b.unmasker.Unmask(d.URL)
	if err != nil {
		return nil, fmt.Errorf("url: %w", err)
	}
	if spec.URL, err = b.substituter.Substitute(ctx, session, rawURL); err != nil {
		return nil, fmt.Errorf("url: %w", err)
	}

	spec.Headers = make(map[string]string, len(d.Headers))
	for name, value := range d.Headers {
		resolved, err := b.substituter.Substitute(ctx, session, value)
		if err != nil {
			return nil, fmt.Errorf("header %s: %w", name, err)
		}
		spec.Headers[name] = resolved
	}

	if spec.Body, err = b.payload(ctx, session, d.Payload, logger); err != nil {
		return nil, fmt.Errorf("payload: %w", err)
	}

	spec.Extractors = b.rules.Build(d)

	logger.Debug("Request built",
		logging.Int64("request_id", int64(spec.ID)),
		logging.String("method", spec.Method),
		logging.Int("extractors", len(spec.Extractors)))
	return spec, nil
}

// payload substitutes placeholders in the serialized payload and unmasks
// every string leaf of the result
func (b *Builder) payload(ctx context.Context, session Session, payload interface{}, logger logging.Logger) (interface{}, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case string:
		resolved, err := b.substituter.Substitute(ctx, session, p)
		if err != nil {
			return nil, err
		}
		return b.unmasker.Unmask(resolved)
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		logger.Warn("Payload is not serializable, sending it unresolved", logging.Err(err))
		return b.unmasker.DeepUnmask(payload)
	}

	resolved, err := b.substituter.Substitute(ctx, session, string(encoded))
	if err != nil {
		return nil, err
	}

	reparsed, err := decodePayload(resolved)
	if err != nil {
		logger.Warn("Substituted payload is not valid JSON, keeping the original payload", logging.Err(err))
		reparsed = payload
	}
	return b.unmasker.DeepUnmask(reparsed)
}

// decodePayload parses a single JSON document, keeping numbers as
// json.Number so integers beyond 2^53 are sent with every digit intact
func decodePayload(text string) (interface{}, error) {
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()

	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("unexpected data after payload")
	}
	return v, nil
}
