package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/cobra"

	"github.com/monkci/monkci/internal/observability"
	"github.com/monkci/monkci/protocol"
	"github.com/monkci/monkci/runner/transport"
)

var version = "0.1.0"

type runnerConfig struct {
	Server            string        `envconfig:"MONKCI_SERVER" default:"http://localhost:8080"`
	Name              string        `envconfig:"MONKCI_RUNNER_NAME"`
	Labels            []string      `envconfig:"MONKCI_RUNNER_LABELS"`
	File              string        `envconfig:"MONKCI_RUNNER_FILE" default:".monkci-runner"`
	HeartbeatInterval time.Duration `envconfig:"MONKCI_HEARTBEAT_INTERVAL" default:"30s"`
}

// runnerCredentials is persisted to the runner file after registration.
// The access token appears nowhere else, so losing this file means
// re-provisioning the runner.
type runnerCredentials struct {
	RunnerID    string `json:"runner_id"`
	AccessToken string `json:"access_token"`
	Server      string `json:"server"`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var envFile string
	rootCmd := &cobra.Command{
		Use:          "runner",
		Short:        "CI runner agent",
		Version:      version,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Read in a file of environment variables")

	var regArgs registerArgs
	registerCmd := &cobra.Command{
		Use:   "register",
		Short: "Register this runner with the control plane",
		Args:  cobra.MaximumNArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRegister(ctx, &regArgs, envFile)
		},
	}
	registerCmd.Flags().StringVar(&regArgs.Server, "server", "", "Control plane address")
	registerCmd.Flags().StringVar(&regArgs.Token, "token", "", "Registration token")
	registerCmd.Flags().StringVar(&regArgs.Name, "name", "", "Runner name")
	registerCmd.Flags().StringVar(&regArgs.Labels, "labels", "", "Runner labels, comma separated")
	rootCmd.AddCommand(registerCmd)

	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the registered runner as a daemon",
		Args:  cobra.MaximumNArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(ctx, envFile)
		},
	}
	rootCmd.AddCommand(daemonCmd)

	rootCmd.CompletionOptions.HiddenDefaultCmd = true

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

type registerArgs struct {
	Server string
	Token  string
	Name   string
	Labels string
}

func loadConfig(envFile string) (runnerConfig, error) {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return runnerConfig{}, err
			}
		}
	}
	cfg := runnerConfig{}
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, err
	}
	if cfg.Name == "" {
		cfg.Name, _ = os.Hostname()
	}
	return cfg, nil
}

func runRegister(ctx context.Context, args *registerArgs, envFile string) error {
	cfg, err := loadConfig(envFile)
	if err != nil {
		return err
	}
	if args.Server != "" {
		cfg.Server = args.Server
	}
	if args.Name != "" {
		cfg.Name = args.Name
	}
	if args.Labels != "" {
		cfg.Labels = strings.Split(args.Labels, ",")
	}
	if args.Token == "" {
		return errors.New("--token is required")
	}

	client := transport.NewHTTPClient(cfg.Server, "")
	resp, err := client.Register(ctx, protocol.RegisterRequest{
		RegistrationToken: args.Token,
		Name:              cfg.Name,
		Architecture:      runtime.GOARCH,
		OperatingSystem:   runtime.GOOS,
		Labels:            cfg.Labels,
		Version:           version,
		SystemInfo:        collectSystemInfo(),
	})
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}

	if err := saveCredentials(cfg.File, runnerCredentials{
		RunnerID:    resp.RunnerID,
		AccessToken: resp.AccessToken,
		Server:      cfg.Server,
	}); err != nil {
		return err
	}

	fmt.Printf("Registered as %s (%s)\n", resp.RunnerID, resp.Runner.Name)
	return nil
}

func runDaemon(ctx context.Context, envFile string) error {
	cfg, err := loadConfig(envFile)
	if err != nil {
		return err
	}
	creds, err := loadCredentials(cfg.File)
	if err != nil {
		return fmt.Errorf("load runner credentials (run register first): %w", err)
	}
	if creds.Server != "" {
		cfg.Server = creds.Server
	}

	logger := observability.WithRunner(observability.NewLogger("runner"), creds.RunnerID)
	client := transport.NewHTTPClient(cfg.Server, creds.AccessToken)

	// Verify the persisted identity before looping so a deleted or
	// deactivated runner fails fast instead of heartbeating forever.
	view, err := client.GetRunner(ctx, creds.RunnerID)
	if err != nil {
		return fmt.Errorf("verify runner identity: %w", err)
	}

	logger.Info("daemon started", "event", "daemon_started", "server", cfg.Server,
		"status", view.Status, "heartbeat_interval", cfg.HeartbeatInterval.String())

	ticker := time.NewTicker(cfg.HeartbeatInterval)
	defer ticker.Stop()

	var activeJobID string
	for {
		view, err := client.Heartbeat(ctx, creds.RunnerID, protocol.Heartbeat{SystemInfo: collectSystemInfo()})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("heartbeat failed", "event", "heartbeat_failed", "error", err)
		} else if view.CurrentJob != nil && view.CurrentJob.JobID != activeJobID {
			activeJobID = view.CurrentJob.JobID
			job := *view.CurrentJob
			go func() {
				executeJob(ctx, client, logger, creds.RunnerID, job)
			}()
		} else if view.CurrentJob == nil {
			activeJobID = ""
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			logger.Info("daemon stopping", "event", "daemon_stopping")
			return nil
		}
	}
}

// executeJob runs an assigned job and reports its outcome. Execution is a
// placeholder pending the workflow engine; it reports success after a
// short simulated run.
func executeJob(ctx context.Context, client *transport.HTTPClient, logger *slog.Logger, runnerID string, job protocol.CurrentJob) {
	jobLogger := observability.WithJob(logger, job.JobID)
	jobLogger.Info("job started", "event", "job_started",
		"repository", job.Repository, "workflow", job.Workflow)

	started := time.Now()
	select {
	case <-time.After(2 * time.Second):
	case <-ctx.Done():
		return
	}
	duration := int64(time.Since(started).Seconds())

	if _, err := client.Complete(ctx, runnerID, protocol.CompleteJob{
		JobID:           job.JobID,
		Status:          protocol.CompletionStatusSuccess,
		DurationSeconds: &duration,
	}); err != nil {
		jobLogger.Warn("completion report failed", "event", "completion_report_failed", "error", err)
		return
	}
	jobLogger.Info("job completed", "event", "job_completed")
}

func collectSystemInfo() map[string]string {
	hostname, _ := os.Hostname()
	return map[string]string{
		"hostname":   hostname,
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"cpus":       strconv.Itoa(runtime.NumCPU()),
		"go_version": runtime.Version(),
	}
}

func saveCredentials(path string, creds runnerCredentials) error {
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func loadCredentials(path string) (runnerCredentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return runnerCredentials{}, err
	}
	var creds runnerCredentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return runnerCredentials{}, err
	}
	if creds.RunnerID == "" || creds.AccessToken == "" {
		return runnerCredentials{}, errors.New("runner file is missing credentials")
	}
	return creds, nil
}
