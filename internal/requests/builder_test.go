package requests

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"api-replay/internal/assertion"
	"api-replay/internal/common/errors"
	"api-replay/internal/common/logging"
	"api-replay/internal/credentials"
	"api-replay/internal/extractors"
	"api-replay/internal/models"
	"api-replay/internal/substitution"
	"api-replay/internal/tokens"
	"api-replay/internal/unmask"
)

func noEnv(string) (string, bool) { return "", false }

func newTestBuilder(store *tokens.Store) *Builder {
	nop := logging.NewNopLogger()
	u := unmask.New(unmask.WithLogger(nop))
	return NewBuilder(
		credentials.NewConfigurator(u, nop),
		assertion.NewGenerator(store, u, assertion.DefaultConfig(), assertion.WithLogger(nop)),
		substitution.NewEngine(store, u, substitution.WithLookupEnv(noEnv), substitution.WithLogger(nop)),
		u,
		extractors.NewFactory(nop),
		nop,
	)
}

func newTestStore(login tokens.LoginFunc) *tokens.Store {
	return tokens.NewStore(tokens.DefaultConfig(), login, tokens.WithLogger(logging.NewNopLogger()))
}

func TestBuilder_Build(t *testing.T) {
	store := newTestStore(nil)
	store.SetToken("access_token", "tok-123", time.Hour)
	b := newTestBuilder(store)

	session := newFakeSession(map[string]string{
		"base": "https://api.example.com",
		"user": "alice",
	})
	d := &models.ApiDescriptor{
		Name:   "orders",
		URL:    "${base}/orders?unknown=${missing}",
		Method: "post",
		Headers: map[string]string{
			"Authorization": "Bearer ${access_token}",
		},
		Payload: map[string]interface{}{
			"user":   "${user}",
			"secret": "B64c2VjcmV0",
			"tags":   []interface{}{"${user}", 7},
		},
		ResponseMapping: models.ResponseMapping{
			Extractors: map[string]interface{}{"order_id": "$.id"},
		},
		DisableRedirection: true,
	}

	spec, err := b.Build(context.Background(), session, d)
	require.NoError(t, err)

	assert.Equal(t, "orders", spec.Name)
	assert.Equal(t, "POST", spec.Method)
	assert.Equal(t, "https://api.example.com/orders?unknown=${missing}", spec.URL)
	assert.Equal(t, "Bearer tok-123", spec.Headers["Authorization"])
	assert.Equal(t, map[string]interface{}{
		"user":   "alice",
		"secret": "secret",
		"tags":   []interface{}{"alice", json.Number("7")},
	}, spec.Body)
	assert.True(t, spec.DisableRedirection)
	require.Len(t, spec.Extractors, 1)
	assert.Equal(t, "order_id", spec.Extractors[0].RuleName())

	// the descriptor is left untouched
	assert.Equal(t, "Bearer ${access_token}", d.Headers["Authorization"])
	assert.Equal(t, "${user}", d.Payload.(map[string]interface{})["user"])
	assert.Equal(t, "B64c2VjcmV0", d.Payload.(map[string]interface{})["secret"])
}

func TestBuilder_StringPayload(t *testing.T) {
	b := newTestBuilder(newTestStore(nil))
	session := newFakeSession(map[string]string{"secret": "B64c2VjcmV0"})

	spec, err := b.Build(context.Background(), session, &models.ApiDescriptor{
		Name:    "login",
		URL:     "https://idp.example.com/token",
		Payload: "grant_type=client_credentials&client_secret=${secret}",
	})
	require.NoError(t, err)
	assert.Equal(t, "grant_type=client_credentials&client_secret=secret", spec.Body)
	assert.Equal(t, "GET", spec.Method)
}

func TestBuilder_MaskedURL(t *testing.T) {
	b := newTestBuilder(newTestStore(nil))
	masked := "B64aHR0cHM6Ly9hcGkuZXhhbXBsZS5jb20vJHtwYXRofQ==" // https://api.example.com/${path}

	spec, err := b.Build(context.Background(), newFakeSession(map[string]string{"path": "v1"}), &models.ApiDescriptor{
		Name: "masked",
		URL:  masked,
	})
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com/v1", spec.URL)
	assert.Nil(t, spec.Body)
}

func TestBuilder_ReparseFailureKeepsOriginalPayload(t *testing.T) {
	b := newTestBuilder(newTestStore(nil))
	session := newFakeSession(map[string]string{"quote": `say "hi"`})
	payload := map[string]interface{}{"note": "${quote}", "key": "B64a2V5"}

	spec, err := b.Build(context.Background(), session, &models.ApiDescriptor{
		Name:    "notes",
		URL:     "https://api.example.com/notes",
		Payload: payload,
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"note": "${quote}", "key": "key"}, spec.Body)
}

func TestBuilder_LargeIntegersKeepEveryDigit(t *testing.T) {
	b := newTestBuilder(newTestStore(nil))
	session := newFakeSession(map[string]string{"user": "alice"})

	spec, err := b.Build(context.Background(), session, &models.ApiDescriptor{
		Name: "accounts",
		URL:  "https://api.example.com/accounts",
		Payload: map[string]interface{}{
			"account_id": int64(9007199254740993),
			"owner":      "${user}",
			"ratio":      0.25,
		},
	})
	require.NoError(t, err)

	body, ok := spec.Body.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, json.Number("9007199254740993"), body["account_id"])
	assert.Equal(t, json.Number("0.25"), body["ratio"])
	assert.Equal(t, "alice", body["owner"])

	encoded, err := json.Marshal(spec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(encoded), `"account_id":9007199254740993`)
}

func TestDecodePayload(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    interface{}
		wantErr bool
	}{
		{name: "object", input: `{"id": 12345678901234567890}`, want: map[string]interface{}{"id": json.Number("12345678901234567890")}},
		{name: "array", input: `[1, "a"]`, want: []interface{}{json.Number("1"), "a"}},
		{name: "trailing whitespace", input: "{\"a\": true}\n", want: map[string]interface{}{"a": true}},
		{name: "broken", input: `{"a": "x"y"}`, wantErr: true},
		{name: "trailing data", input: `{"a": 1} {"b": 2}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodePayload(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuilder_IDsIncrease(t *testing.T) {
	b := newTestBuilder(newTestStore(nil))
	session := newFakeSession(nil)
	d := &models.ApiDescriptor{Name: "ping", URL: "https://api.example.com/ping"}

	var last uint64
	for i := 0; i < 5; i++ {
		spec, err := b.Build(context.Background(), session, d)
		require.NoError(t, err)
		assert.Greater(t, spec.ID, last)
		last = spec.ID
	}
}

func TestBuilder_RegistersCredentials(t *testing.T) {
	b := newTestBuilder(newTestStore(nil))
	session := newFakeSession(nil)

	_, err := b.Build(context.Background(), session, &models.ApiDescriptor{
		Name:          "mtls",
		URL:           "https://api.example.com",
		TransportCert: &models.TransportCert{CertPath: "client.p12", Password: "B64cGFzcw=="},
		AuthCredentials: &models.AuthCredentials{
			Username: "alice",
			Password: "B64cGFzcw==",
			Domain:   "CORP",
		},
	})
	require.NoError(t, err)

	require.Len(t, session.certs, 1)
	assert.Equal(t, "pass", session.certs[0].Password)
	require.Len(t, session.auths, 1)
	assert.Equal(t, credentials.AnyHost, session.auths[0].Host)
	assert.Equal(t, `CORP\alice`, session.auths[0].Principal())
}

func TestBuilder_Errors(t *testing.T) {
	failingLogin := func(context.Context, string) (*tokens.LoginResult, error) {
		return nil, fmt.Errorf("connection refused")
	}

	tests := []struct {
		name    string
		d       *models.ApiDescriptor
		errType errors.ErrorType
	}{
		{
			name: "incomplete basic auth",
			d: &models.ApiDescriptor{Name: "a", URL: "https://x",
				AuthCredentials: &models.AuthCredentials{Username: "alice"}},
			errType: errors.ErrTypeConfig,
		},
		{
			name: "missing cert path",
			d: &models.ApiDescriptor{Name: "a", URL: "https://x",
				TransportCert: &models.TransportCert{}},
			errType: errors.ErrTypeConfig,
		},
		{
			name: "token refresh fails",
			d: &models.ApiDescriptor{Name: "a", URL: "https://x",
				Headers: map[string]string{"Authorization": "Bearer ${access_token}"}},
			errType: errors.ErrTypeAuth,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(failingLogin)
			store.Manage("access_token", "login")
			b := newTestBuilder(store)

			spec, err := b.Build(context.Background(), newFakeSession(nil), tt.d)
			require.Error(t, err)
			assert.Nil(t, spec)
			assert.True(t, errors.IsType(err, tt.errType), "got %v", err)
		})
	}
}

func TestBuilder_AssertionFailureLeavesPlaceholder(t *testing.T) {
	store := newTestStore(nil)
	b := newTestBuilder(store)

	spec, err := b.Build(context.Background(), newFakeSession(nil), &models.ApiDescriptor{
		Name:    "token",
		URL:     "https://idp.example.com/token",
		Payload: "client_id=abc&client_assertion=${client_assertion}",
		JWTConfig: &models.JWTConfig{
			SigningKeyID:      "kid-1",
			SigningPrivateKey: "not a key",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "client_id=abc&client_assertion=${client_assertion}", spec.Body)
	assert.False(t, store.IsValid("client_assertion"))
}
