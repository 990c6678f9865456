package assertion

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"api-replay/internal/common/errors"
	"api-replay/internal/common/logging"
	"api-replay/internal/models"
	"api-replay/internal/tokens"
	"api-replay/internal/unmask"
)

var fixedNow = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func testKey(t *testing.T) (*rsa.PrivateKey, []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key, pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
}

func newTestGenerator(store *tokens.Store) *Generator {
	nop := logging.NewNopLogger()
	return NewGenerator(store, unmask.New(unmask.WithLogger(nop)), DefaultConfig(),
		WithClock(func() time.Time { return fixedNow }),
		WithLogger(nop))
}

func newTestStore() *tokens.Store {
	return tokens.NewStore(tokens.DefaultConfig(), nil,
		tokens.WithLogger(logging.NewNopLogger()),
		tokens.WithClock(func() time.Time { return fixedNow }))
}

func parseAssertion(t *testing.T, signed string, pub *rsa.PublicKey) (*jwt.Token, jwt.MapClaims) {
	t.Helper()
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(signed, claims, func(*jwt.Token) (interface{}, error) {
		return pub, nil
	}, jwt.WithValidMethods([]string{"PS256"}), jwt.WithTimeFunc(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	return token, claims
}

func TestGenerate_InlinePEM(t *testing.T) {
	key, pemKey := testKey(t)
	g := newTestGenerator(newTestStore())

	d := &models.ApiDescriptor{
		Name:    "token_exchange",
		URL:     "https://idp.example.com/oauth2/token",
		Payload: map[string]interface{}{"client_id": "my-client", "scope": "read write"},
		JWTConfig: &models.JWTConfig{
			SigningKeyID:      "key-1",
			SigningPrivateKey: "B64" + base64.StdEncoding.EncodeToString(pemKey),
		},
	}

	signed, validity, err := g.Generate(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, 600*time.Second, validity)

	token, claims := parseAssertion(t, signed, &key.PublicKey)
	assert.Equal(t, "key-1", token.Header["kid"])
	assert.Equal(t, "JWS", token.Header["typ"])
	assert.Equal(t, "PS256", token.Header["alg"])

	assert.Equal(t, "https://idp.example.com/oauth2/token", claims["aud"])
	assert.Equal(t, "my-client", claims["sub"])
	assert.Equal(t, "my-client", claims["iss"])
	assert.Equal(t, "read write", claims["scope"])
	assert.Equal(t, float64(fixedNow.Unix()), claims["iat"])
	assert.Equal(t, float64(fixedNow.Add(600*time.Second).Unix()), claims["exp"])
	assert.NotEmpty(t, claims["jti"])

	// descriptor untouched
	assert.Equal(t, "B64"+base64.StdEncoding.EncodeToString(pemKey), d.JWTConfig.SigningPrivateKey)
}

func TestGenerate_FormPayloadAndScopeFallback(t *testing.T) {
	key, pemKey := testKey(t)
	g := newTestGenerator(newTestStore())

	d := &models.ApiDescriptor{
		URL:     "https://idp/token",
		Payload: "grant_type=client_credentials&client_id=form-client",
		JWTConfig: &models.JWTConfig{
			SigningKeyID:      "k",
			SigningPrivateKey: string(pemKey),
			Scope:             "fallback-scope",
			ValiditySeconds:   120,
		},
	}

	signed, validity, err := g.Generate(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, 120*time.Second, validity)

	_, claims := parseAssertion(t, signed, &key.PublicKey)
	assert.Equal(t, "form-client", claims["sub"])
	assert.Equal(t, "fallback-scope", claims["scope"])
}

func TestGenerate_UniqueJTI(t *testing.T) {
	key, pemKey := testKey(t)
	g := newTestGenerator(newTestStore())
	d := &models.ApiDescriptor{URL: "https://idp/token", JWTConfig: &models.JWTConfig{SigningKeyID: "k", SigningPrivateKey: string(pemKey)}}

	first, _, err := g.Generate(context.Background(), d)
	require.NoError(t, err)
	second, _, err := g.Generate(context.Background(), d)
	require.NoError(t, err)

	_, c1 := parseAssertion(t, first, &key.PublicKey)
	_, c2 := parseAssertion(t, second, &key.PublicKey)
	assert.NotEqual(t, c1["jti"], c2["jti"])
}

func TestGenerate_InlineJWK(t *testing.T) {
	key, _ := testKey(t)
	jwkKey, err := jwk.FromRaw(key)
	require.NoError(t, err)
	doc, err := json.Marshal(jwkKey)
	require.NoError(t, err)

	g := newTestGenerator(newTestStore())
	d := &models.ApiDescriptor{URL: "https://idp/token", JWTConfig: &models.JWTConfig{SigningKeyID: "jwk", SigningPrivateKey: string(doc)}}

	signed, _, err := g.Generate(context.Background(), d)
	require.NoError(t, err)
	parseAssertion(t, signed, &key.PublicKey)
}

func TestGenerate_KeyFileIsCached(t *testing.T) {
	key, pemKey := testKey(t)
	path := filepath.Join(t.TempDir(), "signing.pem")
	require.NoError(t, os.WriteFile(path, pemKey, 0o600))

	g := newTestGenerator(newTestStore())
	d := &models.ApiDescriptor{URL: "https://idp/token", JWTConfig: &models.JWTConfig{SigningKeyID: "file", SigningCert: path}}

	_, _, err := g.Generate(context.Background(), d)
	require.NoError(t, err)

	require.NoError(t, os.Remove(path))

	signed, _, err := g.Generate(context.Background(), d)
	require.NoError(t, err)
	parseAssertion(t, signed, &key.PublicKey)
}

func TestGenerate_Failures(t *testing.T) {
	tests := []struct {
		name string
		cfg  *models.JWTConfig
	}{
		{"no key material", &models.JWTConfig{SigningKeyID: "k"}},
		{"unparseable inline key", &models.JWTConfig{SigningKeyID: "k", SigningPrivateKey: "not a key"}},
		{"bad jwk", &models.JWTConfig{SigningKeyID: "k", SigningPrivateKey: `{"kty":"oct"}`}},
		{"missing key file", &models.JWTConfig{SigningKeyID: "k", SigningCert: "/does/not/exist.pem"}},
		{"inline key unmasks to empty", &models.JWTConfig{SigningKeyID: "k", SigningPrivateKey: "B64!!"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGenerator(newTestStore())
			_, _, err := g.Generate(context.Background(), &models.ApiDescriptor{URL: "u", JWTConfig: tt.cfg})
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrTypeJWTSigning), "got %v", err)
		})
	}
}

func TestMaybeGenerate(t *testing.T) {
	_, pemKey := testKey(t)

	t.Run("no jwt_config is a no-op", func(t *testing.T) {
		store := newTestStore()
		newTestGenerator(store).MaybeGenerate(context.Background(), &models.ApiDescriptor{Name: "plain"})
		assert.False(t, store.IsValid("client_assertion"))
	})

	t.Run("stores the assertion", func(t *testing.T) {
		store := newTestStore()
		newTestGenerator(store).MaybeGenerate(context.Background(), &models.ApiDescriptor{
			URL:       "https://idp/token",
			JWTConfig: &models.JWTConfig{SigningKeyID: "k", SigningPrivateKey: string(pemKey)},
		})

		assert.True(t, store.IsValid("client_assertion"))
		rec, _ := store.Lookup("client_assertion")
		// validity 600s minus the 60s refresh buffer
		assert.Equal(t, fixedNow.Add(540*time.Second), rec.ExpiresAt)
	})

	t.Run("failure removes earlier assertion", func(t *testing.T) {
		store := newTestStore()
		store.SetToken("client_assertion", "stale", time.Hour)

		newTestGenerator(store).MaybeGenerate(context.Background(), &models.ApiDescriptor{
			URL:       "https://idp/token",
			JWTConfig: &models.JWTConfig{SigningKeyID: "k", SigningPrivateKey: "garbage"},
		})

		_, ok := store.Lookup("client_assertion")
		assert.False(t, ok)
		assert.False(t, store.IsManaged("client_assertion"))
	})
}
