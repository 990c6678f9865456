// Package assertion signs the client assertion JWT a descriptor's jwt_config
// asks for and publishes it to the token store
package assertion

import (
	"context"
	"crypto/rsa"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/patrickmn/go-cache"

	"api-replay/internal/common/errors"
	"api-replay/internal/common/logging"
	"api-replay/internal/crypto"
	"api-replay/internal/models"
)

// Store receives generated assertions
type Store interface {
	SetToken(name, value string, ttl time.Duration)
	Delete(name string)
}

// Unmasker decodes masked key material
type Unmasker interface {
	Unmask(text string) (string, error)
}

// Config tunes assertion generation
type Config struct {
	// TokenName is the store entry the assertion is published under
	TokenName string
	// DefaultValidity applies when jwt_config.validity_seconds is unset
	DefaultValidity time.Duration
	// KeyCacheTTL is how long a parsed key file is reused
	KeyCacheTTL time.Duration
}

// DefaultConfig returns the standard assertion settings
func DefaultConfig() Config {
	return Config{
		TokenName:       "client_assertion",
		DefaultValidity: 600 * time.Second,
		KeyCacheTTL:     10 * time.Minute,
	}
}

// Generator builds PS256-signed client assertions
type Generator struct {
	store    Store
	unmasker Unmasker
	cfg      Config
	keys     *cache.Cache
	now      func() time.Time
	logger   logging.Logger
}

// Option configures a Generator
type Option func(*Generator)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(g *Generator) {
		g.now = now
	}
}

// WithLogger sets the generator's logger
func WithLogger(logger logging.Logger) Option {
	return func(g *Generator) {
		g.logger = logger
	}
}

// NewGenerator creates a Generator publishing into store
func NewGenerator(store Store, unmasker Unmasker, cfg Config, opts ...Option) *Generator {
	def := DefaultConfig()
	if cfg.TokenName == "" {
		cfg.TokenName = def.TokenName
	}
	if cfg.DefaultValidity <= 0 {
		cfg.DefaultValidity = def.DefaultValidity
	}
	if cfg.KeyCacheTTL <= 0 {
		cfg.KeyCacheTTL = def.KeyCacheTTL
	}

	g := &Generator{
		store:    store,
		unmasker: unmasker,
		cfg:      cfg,
		keys:     cache.New(cfg.KeyCacheTTL, 2*cfg.KeyCacheTTL),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = logging.GetGlobalLogger()
	}
	return g
}

// MaybeGenerate signs an assertion for d when it declares jwt_config. A
// signing failure is logged and removes any earlier assertion; it never
// stops the request from being sent.
func (g *Generator) MaybeGenerate(ctx context.Context, d *models.ApiDescriptor) {
	if d.JWTConfig == nil {
		return
	}

	token, validity, err := g.Generate(ctx, d)
	if err != nil {
		g.store.Delete(g.cfg.TokenName)
		g.logger.WithContext(ctx).Error("Failed to generate client assertion", err,
			logging.String("api", d.Name),
			logging.String("kid", d.JWTConfig.SigningKeyID))
		return
	}

	g.store.SetToken(g.cfg.TokenName, token, validity)
	g.logger.WithContext(ctx).Debug("Client assertion generated",
		logging.String("api", d.Name),
		logging.Duration("validity", validity))
}

// Generate returns the signed assertion for d and its validity
func (g *Generator) Generate(ctx context.Context, d *models.ApiDescriptor) (string, time.Duration, error) {
	jc := d.JWTConfig
	if jc == nil {
		return "", 0, errors.JWTSigningError(fmt.Sprintf("api %s has no jwt_config", d.Name), nil)
	}

	key, err := g.signingKey(jc)
	if err != nil {
		return "", 0, err
	}

	validity := g.cfg.DefaultValidity
	if jc.ValiditySeconds > 0 {
		validity = time.Duration(jc.ValiditySeconds) * time.Second
	}

	clientID, _ := d.PayloadValue("client_id")
	scope, ok := d.PayloadValue("scope")
	if !ok || scope == "" {
		scope = jc.Scope
	}

	now := g.now()
	claims := jwt.MapClaims{
		"aud":   d.URL,
		"sub":   clientID,
		"iss":   clientID,
		"scope": scope,
		"iat":   now.Unix(),
		"exp":   now.Add(validity).Unix(),
		"jti":   uuid.NewString(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodPS256, claims)
	token.Header["kid"] = jc.SigningKeyID
	token.Header["typ"] = "JWS"

	signed, err := token.SignedString(key)
	if err != nil {
		return "", 0, errors.JWTSigningError("failed to sign client assertion", err)
	}
	return signed, validity, nil
}

func (g *Generator) signingKey(jc *models.JWTConfig) (*rsa.PrivateKey, error) {
	if jc.SigningPrivateKey != "" {
		material, err := g.unmasker.Unmask(jc.SigningPrivateKey)
		if err != nil {
			return nil, errors.JWTSigningError("failed to unmask signing key", err)
		}
		if material == "" {
			return nil, errors.JWTSigningError("signing key is empty after unmasking", nil)
		}
		return parseInlineKey(material)
	}

	if jc.SigningCert == "" {
		return nil, errors.JWTSigningError("jwt_config needs signing_private_key or signing_cert", nil)
	}

	if cached, ok := g.keys.Get(jc.SigningCert); ok {
		return cached.(*rsa.PrivateKey), nil
	}

	password, err := g.unmasker.Unmask(jc.SigningCertPassword)
	if err != nil {
		return nil, errors.JWTSigningError("failed to unmask signing certificate password", err)
	}

	key, err := crypto.LoadRSAPrivateKeyFile(jc.SigningCert, password)
	if err != nil {
		return nil, errors.JWTSigningError("failed to load signing certificate", err).
			WithContext("path", jc.SigningCert)
	}

	g.keys.SetDefault(jc.SigningCert, key)
	return key, nil
}

// parseInlineKey accepts a JWK document or PEM text
func parseInlineKey(material string) (*rsa.PrivateKey, error) {
	trimmed := strings.TrimSpace(material)
	if !strings.HasPrefix(trimmed, "{") {
		key, err := crypto.ParseRSAPrivateKeyPEM([]byte(trimmed), "")
		if err != nil {
			return nil, errors.JWTSigningError("failed to parse PEM signing key", err)
		}
		return key, nil
	}

	parsed, err := jwk.ParseKey([]byte(trimmed))
	if err != nil {
		return nil, errors.JWTSigningError("failed to parse JWK signing key", err)
	}

	var raw interface{}
	if err := parsed.Raw(&raw); err != nil {
		return nil, errors.JWTSigningError("failed to export JWK signing key", err)
	}
	key, ok := raw.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.JWTSigningError(fmt.Sprintf("JWK signing key is %T, RSA private key required", raw), nil)
	}
	return key, nil
}
