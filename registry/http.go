package registry

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/monkci/monkci/internal/observability"
	"github.com/monkci/monkci/internal/vcs/github"
	"github.com/monkci/monkci/protocol"
	"github.com/monkci/monkci/state"
)

// HandlerDeps carries the services the HTTP surface exposes. Installations
// and WebhookSecret are optional; their endpoints are only mounted when
// configured.
type HandlerDeps struct {
	Registry      *Registry
	Dispatcher    *Dispatcher
	Installations *InstallationService
	WebhookSecret string
	Logger        *slog.Logger
}

// NewHTTPHandler wires the runner protocol, dashboard endpoints, and
// metrics.
func NewHTTPHandler(deps HandlerDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = observability.NewLogger("registry.http")
	}
	reg := deps.Registry
	dispatcher := deps.Dispatcher

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", observability.MetricsHandler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("POST /runners/register", func(w http.ResponseWriter, r *http.Request) {
		var req protocol.RegisterRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		runner, accessToken, err := reg.Register(r.Context(), req)
		if err != nil {
			writeMappedError(w, logger, "register_failed", err)
			return
		}
		writeJSON(w, http.StatusCreated, protocol.RegisterResponse{
			RunnerID:    runner.ID,
			AccessToken: accessToken,
			Runner:      RunnerView(runner),
		})
	})

	mux.HandleFunc("POST /runners/generate-token", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			OwnerID string `json:"owner_id"`
			Name    string `json:"name"`
		}
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		runner, token, err := reg.ProvisionRunner(r.Context(), req.OwnerID, req.Name)
		if err != nil {
			writeMappedError(w, logger, "generate_token_failed", err)
			return
		}
		writeJSON(w, http.StatusCreated, protocol.GenerateTokenResponse{
			RunnerID:          runner.ID,
			RegistrationToken: token,
		})
	})

	mux.HandleFunc("GET /runners/available", func(w http.ResponseWriter, r *http.Request) {
		var labels []string
		if raw := r.URL.Query().Get("labels"); raw != "" {
			for _, label := range strings.Split(raw, ",") {
				if label = strings.TrimSpace(label); label != "" {
					labels = append(labels, label)
				}
			}
		}
		runners, err := reg.ListAvailable(r.Context(), labels)
		if err != nil {
			writeMappedError(w, logger, "list_available_failed", err)
			return
		}
		writeJSON(w, http.StatusOK, runnerViews(runners))
	})

	mux.HandleFunc("GET /runners/{runnerID}", func(w http.ResponseWriter, r *http.Request) {
		runner, err := reg.GetRunner(r.Context(), r.PathValue("runnerID"))
		if err != nil {
			writeMappedError(w, logger, "get_runner_failed", err)
			return
		}
		writeJSON(w, http.StatusOK, RunnerView(runner))
	})

	mux.HandleFunc("GET /runners/{runnerID}/history", func(w http.ResponseWriter, r *http.Request) {
		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, errors.New("limit must be an integer"))
				return
			}
			limit = parsed
		}
		entries, err := reg.JobHistory(r.Context(), r.PathValue("runnerID"), limit)
		if err != nil {
			writeMappedError(w, logger, "job_history_failed", err)
			return
		}
		writeJSON(w, http.StatusOK, historyViews(entries))
	})

	mux.HandleFunc("POST /runners/{runnerID}/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		runnerID := r.PathValue("runnerID")
		if err := authenticateRunner(r, reg, runnerID); err != nil {
			writeMappedError(w, logger, "heartbeat_auth_failed", err)
			return
		}
		var hb protocol.Heartbeat
		if err := decodeJSON(r, &hb); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		runner, err := reg.Heartbeat(r.Context(), runnerID, hb)
		if err != nil {
			writeMappedError(w, logger, "heartbeat_failed", err)
			return
		}
		writeJSON(w, http.StatusOK, RunnerView(runner))
	})

	mux.HandleFunc("POST /runners/{runnerID}/status", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Status string `json:"status"`
		}
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		runner, err := reg.UpdateStatus(r.Context(), r.PathValue("runnerID"), state.RunnerStatus(req.Status))
		if err != nil {
			writeMappedError(w, logger, "update_status_failed", err)
			return
		}
		writeJSON(w, http.StatusOK, RunnerView(runner))
	})

	mux.HandleFunc("POST /runners/{runnerID}/assign-job", func(w http.ResponseWriter, r *http.Request) {
		var job protocol.AssignJob
		if err := decodeJSON(r, &job); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		runner, err := dispatcher.Assign(r.Context(), r.PathValue("runnerID"), job)
		if err != nil {
			writeMappedError(w, logger, "assign_job_failed", err)
			return
		}
		writeJSON(w, http.StatusOK, RunnerView(runner))
	})

	mux.HandleFunc("POST /runners/{runnerID}/complete-job", func(w http.ResponseWriter, r *http.Request) {
		runnerID := r.PathValue("runnerID")
		if err := authenticateRunner(r, reg, runnerID); err != nil {
			writeMappedError(w, logger, "complete_job_auth_failed", err)
			return
		}
		var report protocol.CompleteJob
		if err := decodeJSON(r, &report); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		runner, err := dispatcher.Complete(r.Context(), runnerID, report)
		if err != nil {
			writeMappedError(w, logger, "complete_job_failed", err)
			return
		}
		writeJSON(w, http.StatusOK, RunnerView(runner))
	})

	mux.HandleFunc("POST /runners/{runnerID}/deactivate", func(w http.ResponseWriter, r *http.Request) {
		runner, err := reg.Deactivate(r.Context(), r.PathValue("runnerID"))
		if err != nil {
			writeMappedError(w, logger, "deactivate_failed", err)
			return
		}
		writeJSON(w, http.StatusOK, RunnerView(runner))
	})

	mux.HandleFunc("DELETE /runners/{runnerID}", func(w http.ResponseWriter, r *http.Request) {
		if err := reg.Delete(r.Context(), r.PathValue("runnerID")); err != nil {
			writeMappedError(w, logger, "delete_runner_failed", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	if deps.Installations != nil {
		mux.HandleFunc("GET /installations", func(w http.ResponseWriter, r *http.Request) {
			userID := r.URL.Query().Get("user_id")
			userToken := bearerToken(r)
			if userID == "" || userToken == "" {
				writeError(w, http.StatusUnauthorized, errors.New("user_id and bearer token required"))
				return
			}
			installations, err := deps.Installations.SyncForUser(r.Context(), userID, userToken)
			if err != nil {
				writeMappedError(w, logger, "list_installations_failed", err)
				return
			}
			writeJSON(w, http.StatusOK, installations)
		})
	}

	if deps.Installations != nil && deps.WebhookSecret != "" {
		mux.HandleFunc("POST /webhooks/github", func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			signature := r.Header.Get("X-Hub-Signature-256")
			if signature == "" {
				signature = r.Header.Get("X-Hub-Signature")
			}
			ok, err := github.VerifySignature(deps.WebhookSecret, body, signature)
			if err != nil || !ok {
				writeError(w, http.StatusUnauthorized, errors.New("invalid webhook signature"))
				return
			}

			eventType := r.Header.Get("X-GitHub-Event")
			event, actionable, err := github.NormalizeInstallationEvent(eventType, body)
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			if !actionable {
				w.WriteHeader(http.StatusAccepted)
				return
			}
			if err := deps.Installations.ApplyWebhookEvent(r.Context(), event); err != nil {
				writeMappedError(w, logger, "webhook_apply_failed", err)
				return
			}
			w.WriteHeader(http.StatusOK)
		})
	}

	return mux
}

// authenticateRunner requires a bearer access token resolving to the
// runner named in the path. A valid token presented for another runner is
// rejected, never treated as that runner.
func authenticateRunner(r *http.Request, reg *Registry, runnerID string) error {
	runner, err := reg.Authenticate(r.Context(), bearerToken(r))
	if err != nil {
		return err
	}
	if runner.ID != runnerID {
		return ErrUnauthorized
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return token
	}
	return ""
}

func runnerViews(runners []state.Runner) []protocol.RunnerView {
	views := make([]protocol.RunnerView, 0, len(runners))
	for _, runner := range runners {
		views = append(views, RunnerView(runner))
	}
	return views
}

func historyViews(entries []state.JobHistoryEntry) []protocol.JobHistoryEntry {
	views := make([]protocol.JobHistoryEntry, 0, len(entries))
	for _, entry := range entries {
		views = append(views, protocol.JobHistoryEntry{
			JobID:           entry.JobID,
			Repository:      entry.Repository,
			Workflow:        entry.Workflow,
			Status:          protocol.CompletionStatus(entry.Status),
			StartedAt:       entry.StartedAt,
			CompletedAt:     entry.CompletedAt,
			DurationSeconds: entry.DurationSeconds,
		})
	}
	return views
}

// statusForError maps the error taxonomy to fixed HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, state.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, state.ErrAlreadyRegistered),
		errors.Is(err, state.ErrRunnerUnavailable),
		errors.Is(err, state.ErrJobMismatch),
		state.IsTransitionError(err):
		return http.StatusConflict
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, github.ErrInstallationUnavailable):
		return http.StatusForbidden
	case errors.Is(err, github.ErrUpstreamUnavailable):
		return http.StatusBadGateway
	case state.IsUnknownStateError(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeMappedError(w http.ResponseWriter, logger *slog.Logger, event string, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		logger.Error("request failed", "event", event, "error", err)
	}
	writeError(w, status, err)
}

func decodeJSON(r *http.Request, target any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
