package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/monkci/monkci/internal/config"
	"github.com/monkci/monkci/internal/observability"
	"github.com/monkci/monkci/internal/vcs/github"
	"github.com/monkci/monkci/registry"
	"github.com/monkci/monkci/state"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "serve failed: %v\n", err)
			os.Exit(1)
		}
	case "migrate":
		if err := runMigrate(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "migrate failed: %v\n", err)
			os.Exit(1)
		}
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("Usage: controlplane <serve|migrate> [flags]")
}

func runServe(args []string) error {
	flags := flag.NewFlagSet("serve", flag.ExitOnError)
	envFile := flags.String("env-file", ".env", "Environment file")
	listen := flags.String("listen", "", "Listen address (overrides MONKCI_LISTEN)")
	_ = flags.Parse(args)

	cfg, err := config.FromEnviron(*envFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	ctx := context.Background()
	db, err := openDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	store := state.NewStore(db)
	if err := store.ApplyMigrations(ctx); err != nil {
		return err
	}

	metrics := observability.NewMetrics(nil)
	reg := registry.NewRegistry(store, nil, metrics, observability.NewLogger("registry"))
	dispatcher := registry.NewDispatcher(store, metrics, observability.NewLogger("dispatcher"))

	deps := registry.HandlerDeps{
		Registry:      reg,
		Dispatcher:    dispatcher,
		WebhookSecret: cfg.GitHub.WebhookSecret,
		Logger:        observability.NewLogger("registry.http"),
	}

	if cfg.GitHubConfigured() {
		client := github.NewClient()
		if cfg.GitHub.APIBaseURL != "" {
			client.BaseURL = cfg.GitHub.APIBaseURL
		}
		broker, err := github.NewTokenBroker(strconv.FormatInt(cfg.GitHub.AppID, 10), []byte(cfg.GitHub.PrivateKey), client)
		if err != nil {
			return fmt.Errorf("github app credentials: %w", err)
		}
		broker = broker.WithMetrics(metrics)
		directory := github.NewDirectory(client, broker, observability.NewLogger("github.directory"))
		deps.Installations = registry.NewInstallationService(store, directory, observability.NewLogger("installations"))
	}

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           registry.NewHTTPHandler(deps),
		ReadHeaderTimeout: 5 * time.Second,
	}

	stop := startStaleSweeper(reg, observability.NewLogger("registry.sweeper"), cfg.Sweeper)
	defer close(stop)

	observability.NewLogger("controlplane").Info("server starting",
		"event", "server_starting", "listen", cfg.Listen, "github_enabled", cfg.GitHubConfigured())
	return server.ListenAndServe()
}

func runMigrate(args []string) error {
	flags := flag.NewFlagSet("migrate", flag.ExitOnError)
	envFile := flags.String("env-file", ".env", "Environment file")
	_ = flags.Parse(args)

	cfg, err := config.FromEnviron(*envFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx := context.Background()
	db, err := openDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	return state.NewStore(db).ApplyMigrations(ctx)
}

func openDB(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return db, nil
}

func startStaleSweeper(reg *registry.Registry, logger *slog.Logger, cfg config.Sweeper) chan struct{} {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				count, err := reg.SweepStale(context.Background(), cfg.HeartbeatTimeout, cfg.BatchLimit)
				if err != nil && !errors.Is(err, state.ErrNoStaleRunners) {
					logger.Error("stale sweep failed", "event", "stale_sweep_failed", "error", err)
				} else if count > 0 {
					logger.Info("stale sweep completed", "event", "stale_sweep_completed", "count", count)
				}
			case <-stop:
				return
			}
		}
	}()
	return stop
}
