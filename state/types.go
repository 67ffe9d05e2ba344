package state

import "time"

// Runner is the persisted record for one registered build runner. Token
// material is stored hashed; the plaintext access token leaves the system
// exactly once, in the registration response.
type Runner struct {
	ID                  string            `json:"id"`
	Name                string            `json:"name"`
	OwnerID             string            `json:"owner_id"`
	Status              RunnerStatus      `json:"status"`
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

// CurrentJob is present only while the runner is BUSY. The schema enforces
// that BUSY and a non-null current job go together.
type CurrentJob struct {
	JobID      string    `json:"job_id"`
	Repository string    `json:"repository"`
	Workflow   string    `json:"workflow"`
	StartedAt  time.Time `json:"started_at"`
}

// JobHistoryEntry is one row of a runner's append-only job history.
type JobHistoryEntry struct {
	ID              int64     `json:"id"`
	RunnerID        string    `json:"runner_id"`
	JobID           string    `json:"job_id"`
	Repository      string    `json:"repository"`
	Workflow        string    `json:"workflow"`
	Status          string    `json:"status"`
	StartedAt       time.Time `json:"started_at"`
	CompletedAt     time.Time `json:"completed_at"`
	DurationSeconds *int64    `json:"duration_seconds,omitempty"`
}

// RunnerDescriptor carries the identity fields a runner reports at
// registration time. Capability and environment maps are informational
// only and never consulted for authorization.
type RunnerDescriptor struct {
	Name            string
	Architecture    string
	OperatingSystem string
	Labels          []string
	Capabilities    map[string]string
	Environment     map[string]string
	Version         string
	SystemInfo      map[string]string
}

// JobAssignment identifies the job handed to a runner.
type JobAssignment struct {
	JobID      string
	Repository string
	Workflow   string
}

// JobCompletion is a runner's report that its current job finished.
type JobCompletion struct {
	JobID           string
	Status          string
	DurationSeconds *int64
}

// Installation remembers a previously discovered GitHub App installation.
// Installations are discovered via the GitHub API or webhooks, never
// created by this system.
type Installation struct {
	InstallationID      int64             `json:"installation_id"`
	UserID              string            `json:"user_id"`
	AccountLogin        string            `json:"account_login"`
	AccountType         string            `json:"account_type"`
	Permissions         map[string]string `json:"permissions,omitempty"`
	RepositorySelection string            `json:"repository_selection"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}
