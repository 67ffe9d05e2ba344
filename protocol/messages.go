package protocol

import "time"

// RegisterRequest is sent by a runner process on first contact. The
// registration token is single-use and identifies the pre-provisioned
// runner record.
type RegisterRequest struct {
	RegistrationToken string            `json:"registration_token"`
	Name              string            `json:"name"`
	Architecture      string            `json:"architecture"`
	OperatingSystem   string            `json:"operating_system"`
	Labels            []string          `json:"labels,omitempty"`
	Capabilities      map[string]string `json:"capabilities,omitempty"`
	Environment       map[string]string `json:"environment,omitempty"`
	Version           string            `json:"version,omitempty"`
	SystemInfo        map[string]string `json:"system_info,omitempty"`
}

// RegisterResponse carries the runner identity and the long-lived access
// token used to authenticate subsequent heartbeats and job reports. The
// token is returned exactly once.
type RegisterResponse struct {
	RunnerID    string     `json:"runner_id"`
	AccessToken string     `json:"access_token"`
	Runner      RunnerView `json:"runner"`
}

// Heartbeat reports runner liveness and optionally refreshes system info.
type Heartbeat struct {
	SystemInfo map[string]string `json:"system_info,omitempty"`
}

// AssignJob hands a pending job to an idle runner.
type AssignJob struct {
	JobID      string `json:"job_id"`
	Repository string `json:"repository"`
	Workflow   string `json:"workflow"`
}

type CompletionStatus string

const (
	CompletionStatusSuccess CompletionStatus = "success"
	CompletionStatusFailed  CompletionStatus = "failed"
	CompletionStatusLost    CompletionStatus = "lost"
)

// CompleteJob is sent by the runner when job execution finishes.
type CompleteJob struct {
	JobID           string           `json:"job_id"`
	Status          CompletionStatus `json:"status"`
	DurationSeconds *int64           `json:"duration_seconds,omitempty"`
}

// CurrentJob describes the job a BUSY runner is executing.
type CurrentJob struct {
	JobID      string    `json:"job_id"`
	Repository string    `json:"repository"`
	Workflow   string    `json:"workflow"`
	StartedAt  time.Time `json:"started_at"`
}

// JobHistoryEntry is one completed (or lost) job in a runner's history.
type JobHistoryEntry struct {
	JobID           string           `json:"job_id"`
	Repository      string           `json:"repository"`
	Workflow        string           `json:"workflow"`
	Status          CompletionStatus `json:"status"`
	StartedAt       time.Time        `json:"started_at"`
	CompletedAt     time.Time        `json:"completed_at"`
	DurationSeconds *int64           `json:"duration_seconds,omitempty"`
}

// RunnerView is the externally visible runner record returned by the API.
// Registration and access tokens are never included.
type RunnerView struct {
	ID                  string            `json:"id"`
	Name                string            `json:"name"`
	OwnerID             string            `json:"owner_id"`
	Status              string            `json:"status"`
	Architecture        string            `json:"architecture"`
	OperatingSystem     string            `json:"operating_system"`
	Labels              []string          `json:"labels"`
	Capabilities        map[string]string `json:"capabilities,omitempty"`
	Environment         map[string]string `json:"environment,omitempty"`
	SystemInfo          map[string]string `json:"system_info,omitempty"`
	Version             string            `json:"version,omitempty"`
	IsActive            bool              `json:"is_active"`
	CurrentJob          *CurrentJob       `json:"current_job,omitempty"`
	TotalJobsCompleted  int64             `json:"total_jobs_completed"`
	TotalJobsFailed     int64             `json:"total_jobs_failed"`
	TotalRuntimeSeconds int64             `json:"total_runtime_seconds"`
	LastSeenAt          *time.Time        `json:"last_seen_at,omitempty"`
	LastHeartbeatAt     *time.Time        `json:"last_heartbeat_at,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// GenerateTokenResponse returns a fresh single-use registration token.
type GenerateTokenResponse struct {
	RunnerID          string `json:"runner_id"`
	RegistrationToken string `json:"registration_token"`
}
