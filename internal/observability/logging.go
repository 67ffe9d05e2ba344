package observability

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
)

// NewLogger returns a JSON logger with a component field attached.
func NewLogger(component string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	logger := slog.New(handler)
	if component != "" {
		logger = logger.With("component", component)
	}
	return logger
}

func WithRunner(logger *slog.Logger, runnerID string) *slog.Logger {
	if logger == nil || runnerID == "" {
		return logger
	}
	return logger.With("runner_id", runnerID)
}

func WithJob(logger *slog.Logger, jobID string) *slog.Logger {
	if logger == nil || jobID == "" {
		return logger
	}
	return logger.With("job_id", jobID)
}

func WithInstallation(logger *slog.Logger, installationID int64) *slog.Logger {
	if logger == nil || installationID == 0 {
		return logger
	}
	return logger.With("installation_id", installationID)
}

// HashToken derives a short stable fingerprint so token material never
// reaches the logs.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:8])
}
