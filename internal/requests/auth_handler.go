package requests

import (
	"context"
	"sort"
	"time"

	"api-replay/internal/common/logging"
	"api-replay/internal/models"
	"api-replay/internal/tokens"
)

// AuthAPIs identifies the login API
type AuthAPIs interface {
	IsAuthApi(d *models.ApiDescriptor) bool
}

// TokenSetter stores tokens
type TokenSetter interface {
	SetToken(name, value string, ttl time.Duration)
}

// ValueSource exposes the values extracted from the last response
type ValueSource interface {
	Extracted(name string) (string, bool)
}

// AuthResponseConfig controls which extracted values become tokens
type AuthResponseConfig struct {
	// TokenFields maps an extractor name to the token it populates
	TokenFields map[string]string
	// DefaultTTL applies when the response carries no expires_in or expiry_in
	DefaultTTL time.Duration
}

// DefaultAuthResponseConfig stores access_token, or token as a fallback,
// under access_token for five minutes unless the response says otherwise
func DefaultAuthResponseConfig() AuthResponseConfig {
	return AuthResponseConfig{
		TokenFields: map[string]string{
			"access_token": "access_token",
			"token":        "access_token",
		},
		DefaultTTL: 300 * time.Second,
	}
}

// AuthResponseHandler copies tokens out of a login API's response into the store
type AuthResponseHandler struct {
	apis   AuthAPIs
	store  TokenSetter
	cfg    AuthResponseConfig
	logger logging.Logger
}

// NewAuthResponseHandler creates an AuthResponseHandler
func NewAuthResponseHandler(apis AuthAPIs, store TokenSetter, cfg AuthResponseConfig, logger logging.Logger) *AuthResponseHandler {
	def := DefaultAuthResponseConfig()
	if len(cfg.TokenFields) == 0 {
		cfg.TokenFields = def.TokenFields
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = def.DefaultTTL
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &AuthResponseHandler{apis: apis, store: store, cfg: cfg, logger: logger}
}

// Handle stores the tokens d extracted, if d is the login API. Extractor
// names are visited in sorted order and the first value found for a token
// wins. A declared token extractor that produced nothing is only a warning.
func (h *AuthResponseHandler) Handle(ctx context.Context, values ValueSource, d *models.ApiDescriptor) {
	if !h.apis.IsAuthApi(d) {
		return
	}

	names := d.ExtractorNames()
	sort.Strings(names)

	ttl := h.ttl(values)
	stored := make(map[string]bool)
	logger := h.logger.WithContext(ctx).WithFields(logging.String("api", d.Name))

	for _, name := range names {
		tokenName, ok := h.cfg.TokenFields[name]
		if !ok || stored[tokenName] {
			continue
		}

		value, ok := values.Extracted(name)
		if !ok || value == "" {
			logger.Warn("Login response did not yield a token value",
				logging.String("extractor", name),
				logging.String("token", tokenName))
			continue
		}

		h.store.SetToken(tokenName, value, ttl)
		stored[tokenName] = true
		logger.Info("Stored token from login response",
			logging.String("token", tokenName),
			logging.Duration("ttl", ttl))
	}
}

func (h *AuthResponseHandler) ttl(values ValueSource) time.Duration {
	raw := make(map[string]string, 2)
	for _, key := range []string{"expires_in", "expiry_in"} {
		if v, ok := values.Extracted(key); ok {
			raw[key] = v
		}
	}
	return tokens.TTLFromValues(raw, h.cfg.DefaultTTL)
}
