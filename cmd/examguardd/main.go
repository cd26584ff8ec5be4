package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MrCodeEU/examguard/pkg/access"
	"github.com/MrCodeEU/examguard/pkg/config"
	"github.com/MrCodeEU/examguard/pkg/directory"
	"github.com/MrCodeEU/examguard/pkg/enrollment"
	"github.com/MrCodeEU/examguard/pkg/evidence"
	"github.com/MrCodeEU/examguard/pkg/logging"
	"github.com/MrCodeEU/examguard/pkg/recognition"
	"github.com/MrCodeEU/examguard/pkg/reporting"
	"github.com/MrCodeEU/examguard/pkg/server"
	"github.com/MrCodeEU/examguard/pkg/supervision"
	"github.com/MrCodeEU/examguard/pkg/verification"
)

const version = "0.3.0"

var errDefaultSecrets = errors.New("built-in default secrets must be replaced")

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	envFile := flag.String("env", ".env", "Path to an optional .env file")
	flag.Parse()

	os.Exit(run(*configFile, *envFile))
}

func loadConfig(configFile, envFile string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configFile != "" {
		cfg, err = config.Load(configFile)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv(envFile)
	cfg.ExpandPaths()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if insecure := cfg.InsecureSecrets(); len(insecure) > 0 {
		return nil, fmt.Errorf("%w: %s", errDefaultSecrets, strings.Join(insecure, ", "))
	}
	return cfg, nil
}

func run(configFile, envFile string) int {
	cfg, err := loadConfig(configFile, envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "examguardd: configuration error: %v\n", err)
		return 1
	}

	if err := logging.Setup(logging.Options{Level: cfg.Logging.Level, File: cfg.Logging.File, Format: cfg.Logging.Format}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not initialize file logging: %v\n", err)
	}
	logging.Infof("examguardd v%s starting", version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, cleanup, err := buildServer(ctx, cfg)
	if err != nil {
		logging.Errorf("Failed to initialize: %v", err)
		return 1
	}
	defer cleanup()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Listen()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logging.Errorf("Server stopped: %v", err)
			return 1
		}
		return 0
	case <-ctx.Done():
	}

	logging.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Errorf("Graceful shutdown failed: %v", err)
		return 1
	}
	return 0
}

// buildServer wires the configured backends into an HTTP server. On
// success the returned cleanup releases them in reverse order.
func buildServer(ctx context.Context, cfg *config.Config) (*server.Server, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if err := cfg.EnsureDirectories(); err != nil {
		return nil, nil, err
	}

	store, err := directory.Open(ctx, cfg.Directory)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open directory: %w", err)
	}
	closers = append(closers, func() { _ = store.Close() })

	engine := recognition.NewEngine(cfg.Recognition.ModelPath)
	closers = append(closers, func() { _ = engine.Close() })
	go func() {
		// warm up so the first request does not pay for model loading
		if err := engine.Initialize(ctx); err != nil {
			logging.Warnf("Face models failed to load: %v", err)
		}
	}()

	checks := map[string]server.Pinger{}
	reporters := reporting.Multi{reporting.LogReporter{}}
	if cfg.Reporting.RedisAddr != "" {
		rr := reporting.NewRedisReporter(cfg.Reporting)
		closers = append(closers, func() { _ = rr.Close() })
		reporters = append(reporters, rr)
		checks["redis"] = rr
	}

	var sink supervision.EvidenceSink
	if cfg.Evidence.Enabled {
		archive, err := evidence.NewS3Archive(ctx, cfg.Evidence)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		sink = archive
	}

	codec := access.NewRoleCodec(cfg.Access.RoleSecret)
	srv := server.New(cfg, server.Dependencies{
		Store:    store,
		Engine:   engine,
		Enroller: enrollment.NewEnroller(engine, store, cfg.Enrollment.MinFrames),
		Verifier: verification.NewVerifier(engine, store, cfg.Recognition.MatchThreshold),
		Tokens:   access.NewTokenManager(cfg.Access.JWTSecret, cfg.Access.TokenTTL()),
		Gate:     access.NewGate(codec, store),
		Codec:    codec,
		Reporter: reporters,
		Evidence: sink,
		Checks:   checks,
	}, version)

	return srv, cleanup, nil
}
