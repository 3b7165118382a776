// Package main provides the lockbox command - a sealed-key MuSig2 signer
// for statechain key shares.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/klingon-exchange/lockbox/internal/config"
	"github.com/klingon-exchange/lockbox/internal/enclave"
	"github.com/klingon-exchange/lockbox/internal/sealing"
	"github.com/klingon-exchange/lockbox/internal/seed"
	"github.com/klingon-exchange/lockbox/internal/statechain"
	"github.com/klingon-exchange/lockbox/internal/storage"
	"github.com/klingon-exchange/lockbox/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

const usage = `Usage: lockbox [flags] <command> [command flags]

Commands:
  keygen   create a key share (-id, defaults to a new uuid)
  nonce    generate a signing nonce (-id)
  sign     produce a blinded partial signature (-id -session-context -pub-nonce [-negate])
  rotate   rotate a key share for a transfer (-id -x1 -t2)
  delete   delete all state for a statechain (-id)
  status   show a statechain, or list all when -id is omitted
  version  print version information

Flags:
`

var errUsage = errors.New("invalid usage")

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, errUsage) || errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		logging.Fatal("Command failed", "error", err)
	}
}

// run parses global flags, bootstraps the service and dispatches one command.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("lockbox", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		dataDir  = fs.String("data-dir", config.DefaultDataDir, "Data directory")
		logLevel    = fs.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		keyProvider = fs.String("key-provider", "", "Seed backend (filesystem, hashicorp_container, hashicorp_api, google_kms), overrides config and environment")
	)
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errUsage
	}
	command, cmdArgs := fs.Arg(0), fs.Args()[1:]

	if command == "version" {
		fmt.Fprintf(stdout, "lockbox %s (commit: %s)\n", version, commit)
		return nil
	}
	cmd, ok := commands[command]
	if !ok {
		fs.Usage()
		return fmt.Errorf("%w: unknown command %q", errUsage, command)
	}

	cfg, err := config.LoadConfig(*dataDir)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *keyProvider != "" {
		cfg.KeyProvider = config.KeyProvider(*keyProvider)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
		Output:     stderr,
	})
	logging.SetDefault(log)
	log.Debug("Config loaded", "path", config.ConfigPath(*dataDir), "key_provider", cfg.KeyProvider)

	svc, err := newService(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer svc.close()

	return cmd(ctx, svc, cmdArgs, stdout, stderr)
}

// service bundles the components a command needs.
type service struct {
	manager *statechain.Manager
	store   *storage.Storage
	seed    *sealing.Seed
	log     *logging.Logger
}

func newService(ctx context.Context, cfg *config.Config, log *logging.Logger) (*service, error) {
	provider, err := seed.New(cfg)
	if err != nil {
		return nil, err
	}
	masterSeed, err := seed.Load(ctx, provider)
	if err != nil {
		return nil, fmt.Errorf("failed to load seed: %w", err)
	}
	log.Debug("Seed loaded", "provider", provider.Name())

	engine, err := enclave.New(masterSeed)
	if err != nil {
		masterSeed.Wipe()
		return nil, err
	}

	store, err := storage.New(&storage.Config{DataDir: cfg.Storage.DataDir})
	if err != nil {
		masterSeed.Wipe()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	log.Debug("Storage initialized", "path", store.Path())

	return &service{
		manager: statechain.NewManager(engine, store, log),
		store:   store,
		seed:    masterSeed,
		log:     log,
	}, nil
}

// close releases storage and wipes the master seed. The service is unusable
// afterwards.
func (s *service) close() {
	if err := s.store.Close(); err != nil {
		s.log.Warn("Failed to close storage", "error", err)
	}
	s.seed.Wipe()
}
