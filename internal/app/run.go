package app

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"api-replay/internal/common/logging"
	"api-replay/internal/config"
	"api-replay/internal/crypto"
	"api-replay/internal/descriptors"
	"api-replay/internal/unmask"
)

// paramFlags collects repeated -param key=value flags
type paramFlags map[string]string

func (p paramFlags) String() string {
	pairs := make([]string, 0, len(p))
	for k, v := range p {
		pairs = append(pairs, k+"="+v)
	}
	return strings.Join(pairs, ",")
}

func (p paramFlags) Set(value string) error {
	key, val, ok := strings.Cut(value, "=")
	if !ok || key == "" {
		return fmt.Errorf("parameter %q must look like key=value", value)
	}
	p[key] = val
	return nil
}

// Run is the main entry point for the application. args excludes the
// program name.
func Run(args []string) error {
	// Load environment variables
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return run(ctx, args, os.Stdout)
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) > 0 && args[0] == "mask" {
		return runMask(args[1:], stdout)
	}

	cfg := config.Load()
	params := paramFlags{}

	fs := flag.NewFlagSet("api-replay", flag.ContinueOnError)
	fs.SetOutput(stdout)
	fs.StringVar(&cfg.DescriptorFile, "config", cfg.DescriptorFile, "API descriptor file (YAML or TOML)")
	fs.Var(params, "param", "execution parameter as key=value, repeatable")
	fs.IntVar(&cfg.VirtualUsers, "vus", cfg.VirtualUsers, "number of concurrent virtual users")
	fs.IntVar(&cfg.Iterations, "iterations", cfg.Iterations, "action phase iterations per virtual user")
	if err := fs.Parse(args); err != nil {
		return err
	}

	// Load and validate configuration
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	// Initialize logging
	logging.InitGlobalLogger(logging.FileConfig{
		Level:  cfg.LogLevel,
		File:   cfg.LogFile,
		Stdout: cfg.LogStdout,
	})

	logging.Info("Starting api-replay",
		logging.Int("cpus", runtime.NumCPU()),
		logging.String("descriptor_file", cfg.DescriptorFile))

	parser, err := descriptors.Load(cfg.DescriptorFile)
	if err != nil {
		logging.Error("Failed to load API descriptors", err)
		return err
	}

	// command line parameters win over the descriptor file
	execParams := parser.Parameters()
	for k, v := range params {
		execParams[k] = v
	}

	app, err := New(cfg, parser, execParams)
	if err != nil {
		logging.Error("Failed to initialize application", err)
		return err
	}
	defer app.Cleanup()

	err = app.Run(ctx)
	app.LogSummary()
	return err
}

// runMask prints the masked form of a value:
//
//	api-replay mask [-kind enc|b64] <value>
func runMask(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("mask", flag.ContinueOnError)
	fs.SetOutput(stdout)
	kind := fs.String("kind", string(unmask.KindEncrypted), "masking scheme: enc (needs UNMASK_ENCRYPTION_KEY) or b64")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: api-replay mask [-kind enc|b64] <value>")
	}

	var enc unmask.Encryptor
	if key := config.Load().EncryptionKey; key != "" {
		encryptor, err := crypto.NewConfigEncryptor(key)
		if err != nil {
			return err
		}
		enc = encryptor
	}

	masked, err := unmask.Mask(fs.Arg(0), unmask.Kind(strings.ToLower(*kind)), enc)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, masked)
	return err
}
