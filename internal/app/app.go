package app

import (
	"context"
	"fmt"
	"sort"

	"github.com/prometheus/client_golang/prometheus"

	"api-replay/internal/assertion"
	"api-replay/internal/circuitbreaker"
	"api-replay/internal/common/logging"
	"api-replay/internal/config"
	"api-replay/internal/credentials"
	"api-replay/internal/crypto"
	"api-replay/internal/descriptors"
	"api-replay/internal/engine"
	"api-replay/internal/extractors"
	"api-replay/internal/requests"
	"api-replay/internal/substitution"
	"api-replay/internal/tokens"
	"api-replay/internal/transactions"
	"api-replay/internal/unmask"
)

// App holds all the application dependencies of one replay run
type App struct {
	Config     *config.Config
	Parser     *descriptors.Parser
	Params     map[string]string
	Encryptor  *crypto.ConfigEncryptor
	Unmasker   *unmask.Unmasker
	Tokens     *tokens.Store
	Engine     *engine.Engine
	Builder    *requests.Builder
	Runner     *requests.Runner
	Recorder   *transactions.Recorder
	Registry   *prometheus.Registry
	Logger     logging.Logger
	authConfig requests.AuthResponseConfig

	transport engineOptions
}

type engineOptions struct {
	opts   []engine.Option
	config func(*engine.Config)
}

// Option customizes an App
type Option func(*App)

// WithEngineOptions passes options through to the HTTP engine
func WithEngineOptions(opts ...engine.Option) Option {
	return func(a *App) {
		a.transport.opts = append(a.transport.opts, opts...)
	}
}

// WithEngineConfig adjusts the HTTP engine configuration built from Config
func WithEngineConfig(fn func(*engine.Config)) Option {
	return func(a *App) {
		a.transport.config = fn
	}
}

// WithLogger sets the application logger
func WithLogger(logger logging.Logger) Option {
	return func(a *App) {
		a.Logger = logger
	}
}

// New wires every component for a run over parser's descriptors. params are
// the execution parameters every session starts with.
func New(cfg *config.Config, parser *descriptors.Parser, params map[string]string, opts ...Option) (*App, error) {
	app := &App{
		Config:   cfg,
		Parser:   parser,
		Params:   params,
		Registry: prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(app)
	}
	if app.Logger == nil {
		app.Logger = logging.GetGlobalLogger().WithFields(logging.String("component", "app"))
	}

	if err := app.initializeSecrets(); err != nil {
		return nil, err
	}
	app.initializeTokens()
	app.initializeTransport()
	if err := app.initializeRequests(); err != nil {
		return nil, err
	}

	return app, nil
}

func (app *App) initializeSecrets() error {
	unmaskOpts := []unmask.Option{
		unmask.WithStrict(app.Config.StrictUnmask),
		unmask.WithLogger(app.Logger),
	}

	if app.Config.EncryptionKey != "" {
		encryptor, err := crypto.NewConfigEncryptor(app.Config.EncryptionKey)
		if err != nil {
			return fmt.Errorf("failed to initialize encryption: %w", err)
		}
		app.Encryptor = encryptor
		unmaskOpts = append(unmaskOpts, unmask.WithDecryptor(encryptor))
	} else {
		app.Logger.Warn("UNMASK_ENCRYPTION_KEY is not set, ENC: values cannot be unmasked")
	}

	app.Unmasker = unmask.New(unmaskOpts...)
	return nil
}

func (app *App) initializeTokens() {
	app.Tokens = tokens.NewStore(tokens.Config{
		RefreshBuffer:     app.Config.RefreshBuffer,
		RefreshDefaultTTL: app.Config.RefreshDefaultTTL,
		RefreshTimeout:    app.Config.RefreshTimeout,
		AccessTokenKey:    app.Config.AccessTokenName,
	}, app.login, tokens.WithLogger(app.Logger))

	if auth, ok := app.Parser.GetAuthApiConfig(); ok {
		app.Tokens.Manage(app.Config.AccessTokenName, auth.Name)
		app.Logger.Info("Token refresh enabled",
			logging.String("token", app.Config.AccessTokenName),
			logging.String("login_api", auth.Name))
	}

	for api, dependsOn := range app.Parser.Dependencies() {
		app.Tokens.RegisterDependency(api, dependsOn)
	}
}

func (app *App) initializeTransport() {
	cfg := engine.Config{
		HTTPTimeout:         app.Config.HTTPTimeout,
		InsecureSkipVerify:  app.Config.InsecureSkipVerify,
		MaxIdleConns:        app.Config.MaxIdleConns,
		MaxIdleConnsPerHost: app.Config.MaxIdleConnsPerHost,
		DisableKeepAlives:   app.Config.DisableKeepAlives,
		Breaker: circuitbreaker.Config{
			MaxFailures:           app.Config.BreakerMaxFailures,
			Timeout:               app.Config.BreakerTimeout,
			MaxConcurrentRequests: 1,
		},
	}
	if app.transport.config != nil {
		app.transport.config(&cfg)
	}
	opts := append([]engine.Option{engine.WithLogger(app.Logger)}, app.transport.opts...)
	app.Engine = engine.New(cfg, opts...)
}

func (app *App) initializeRequests() error {
	recorder, err := transactions.NewRecorder(app.Registry, app.Logger)
	if err != nil {
		return fmt.Errorf("failed to register transaction metrics: %w", err)
	}
	app.Recorder = recorder

	substituter := substitution.NewEngine(app.Tokens, app.Unmasker, substitution.WithLogger(app.Logger))
	generator := assertion.NewGenerator(app.Tokens, app.Unmasker, assertion.Config{
		TokenName:       app.Config.AssertionTokenName,
		DefaultValidity: app.Config.AssertionValidity,
	}, assertion.WithLogger(app.Logger))

	app.Builder = requests.NewBuilder(
		credentials.NewConfigurator(app.Unmasker, app.Logger),
		generator,
		substituter,
		app.Unmasker,
		extractors.NewFactory(app.Logger),
		app.Logger,
	)

	app.authConfig = requests.AuthResponseConfig{
		TokenFields: map[string]string{
			"access_token": app.Config.AccessTokenName,
			"token":        app.Config.AccessTokenName,
		},
		DefaultTTL: app.Config.AuthResponseDefaultTTL,
	}
	handler := requests.NewAuthResponseHandler(app.Parser, app.Tokens, app.authConfig, app.Logger)

	app.Runner = requests.NewRunner(app.Builder, handler, app.Recorder, app.Logger)
	return nil
}

// login runs the named login API on a fresh session for the token store
func (app *App) login(ctx context.Context, apiName string) (*tokens.LoginResult, error) {
	d, err := app.Parser.GetApi(apiName)
	if err != nil {
		return nil, err
	}

	session := app.Engine.NewSession(app.Params)
	resp, err := app.Runner.ExecuteOne(ctx, session, d)
	if err != nil {
		return nil, err
	}

	return &tokens.LoginResult{
		StatusCode: resp.StatusCode,
		Values:     app.loginValues(resp.Values),
	}, nil
}

// loginValues exposes the first extracted token field under the token's own
// name, so a login API extracting "token" refreshes the access token too
func (app *App) loginValues(extracted map[string]string) map[string]string {
	values := make(map[string]string, len(extracted)+1)
	for k, v := range extracted {
		values[k] = v
	}

	fields := make([]string, 0, len(app.authConfig.TokenFields))
	for field := range app.authConfig.TokenFields {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	for _, field := range fields {
		token := app.authConfig.TokenFields[field]
		if values[token] != "" {
			continue
		}
		if v := extracted[field]; v != "" {
			values[token] = v
		}
	}
	return values
}

// Cleanup flushes buffered logs
func (app *App) Cleanup() {
	logging.MustSync()
}
