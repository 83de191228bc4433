package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/loomhq/loom/internal/actions"
	"github.com/loomhq/loom/internal/approval"
	"github.com/loomhq/loom/internal/dedup"
	"github.com/loomhq/loom/internal/engine"
	"github.com/loomhq/loom/internal/logging"
	"github.com/loomhq/loom/internal/scheduler"
	"github.com/loomhq/loom/internal/secrets"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/internal/validation"
	loommcp "github.com/loomhq/loom/pkg/mcp"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		printVersion()
		return
	}

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "loom:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()

	// Stdout carries the MCP transport, so logs go to stderr.
	logger := slog.New(logging.NewCorrelationHandler(
		slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)}),
	))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	tracker := dedup.NewTracker(st)

	vault, err := openVault(st, cfg)
	if err != nil {
		return err
	}

	registry := actions.NewRegistry()
	if err := registry.RegisterAll(actions.NewEntityActions(st)...); err != nil {
		return err
	}
	if err := registry.RegisterAll(actions.NewRecordActions(tracker)...); err != nil {
		return err
	}
	if err := registry.RegisterAll(actions.NewApprovalActions(st)...); err != nil {
		return err
	}
	if err := registry.RegisterAll(actions.NewKnowledgeActions(st)...); err != nil {
		return err
	}
	if err := registry.RegisterAll(actions.NewWebActions(actions.WebConfig{
		SearchEndpoint: cfg.SearchEndpoint,
		SearchAPIKey:   cfg.SearchAPIKey,
	})...); err != nil {
		return err
	}
	if err := registry.Register(actions.NewTransformAction()); err != nil {
		return err
	}

	validator, err := validation.NewWorkflowValidator(registry)
	if err != nil {
		return err
	}

	gate := approval.NewGate(st)
	if vault != nil {
		gate = gate.WithVault(vault)
	}

	interp := engine.NewInterpreter(engine.Config{
		Store:    st,
		Registry: registry,
		Gate:     gate,
		Logger:   logger,
	})

	sched := scheduler.NewScheduler(st, interp, logger)
	if cfg.Scheduler {
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer func() {
			if err := sched.Stop(); err != nil {
				logger.Warn("scheduler shutdown", "error", err)
			}
		}()
	}

	srv := loommcp.NewLoomServer(loommcp.LoomServerDeps{
		Engine:    interp,
		Store:     st,
		Registry:  registry,
		Validator: validator,
		Tracker:   tracker,
		Vault:     vault,
		Logger:    logger,
	})

	logger.Info("loom started",
		"version", version,
		"db", cfg.DBPath,
		"scheduler", cfg.Scheduler,
		"actions", registry.Count(),
	)

	err = srv.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("loom stopped")
	return nil
}

// openStore opens the configured store and applies migrations.
// DBPath "memory" selects the in-memory store, useful for development.
func openStore(ctx context.Context, cfg Config) (store.Store, error) {
	if cfg.DBPath == "memory" {
		return store.NewMemoryStore(), nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	migCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := st.Migrate(migCtx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return st, nil
}

// openVault builds the secrets vault when a passphrase is configured.
// Returns nil without one; secret references then fail at execution
// with a clear error instead of silently passing through.
func openVault(st store.Store, cfg Config) (secrets.Vault, error) {
	if cfg.VaultPassphrase == "" {
		return nil, nil
	}
	salt, err := loadOrCreateSalt(filepath.Join(loomDir(), "vault.salt"))
	if err != nil {
		return nil, fmt.Errorf("vault salt: %w", err)
	}
	v, err := secrets.NewAESVault(st, secrets.VaultConfig{
		Passphrase: cfg.VaultPassphrase,
		Salt:       salt,
	})
	if err != nil {
		return nil, fmt.Errorf("open vault: %w", err)
	}
	return v, nil
}

func loadOrCreateSalt(path string) ([]byte, error) {
	if salt, err := os.ReadFile(path); err == nil && len(salt) > 0 {
		return salt, nil
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, err
	}
	return salt, nil
}

func parseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
