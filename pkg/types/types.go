package types

import (
	"encoding/json"
	"time"
)

// JobStatus represents the lifecycle state of a job
type JobStatus string

const (
	StatusQueued  JobStatus = "queued"
	StatusRunning JobStatus = "running"
	StatusDone    JobStatus = "done"
	StatusError   JobStatus = "error"
)

// Terminal reports whether no further writes can change the job
func (s JobStatus) Terminal() bool {
	return s == StatusDone || s == StatusError
}

// Active reports whether the job is still waiting for or under execution
func (s JobStatus) Active() bool {
	return s == StatusQueued || s == StatusRunning
}

// Job types handled by the built-in worker loops
const (
	JobTypeReferenceImage = "reference_image"
	JobTypeVideo          = "video"
	JobTypeShotlist       = "shotlist"
)

// JobScope associates a job with the story objects it belongs to
type JobScope struct {
	StoryID      string `json:"story_id,omitempty"`
	StoryboardID string `json:"storyboard_id,omitempty"`
	ProjectID    string `json:"project_id,omitempty"`
}

// EnqueueRequest represents a request to queue a unit of work
type EnqueueRequest struct {
	Type    string          `json:"type" binding:"required"`
	Payload json.RawMessage `json:"payload" binding:"required"`
	Scope   JobScope        `json:"scope"`
}

// EnqueueResponse represents the response to an enqueue request
type EnqueueResponse struct {
	JobID           string          `json:"job_id"`
	Status          JobStatus       `json:"status"`
	Snapshot        json.RawMessage `json:"snapshot"`
	ProgressVersion int64           `json:"progress_version"`
}

// JobView is the client-facing representation of a job row
type JobView struct {
	JobID           string          `json:"job_id"`
	Type            string          `json:"type"`
	Status          JobStatus       `json:"status"`
	Scope           JobScope        `json:"scope"`
	Payload         json.RawMessage `json:"payload"`
	Snapshot        json.RawMessage `json:"snapshot"`
	ProgressVersion int64           `json:"progress_version"`
	Error           string          `json:"error,omitempty"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// JobEvent is the body of a job stream message
type JobEvent struct {
	JobID    string          `json:"job_id"`
	Type     string          `json:"type"`
	Status   JobStatus       `json:"status"`
	Snapshot json.RawMessage `json:"snapshot"`
}

// ListJobsQuery filters the job listing endpoint
type ListJobsQuery struct {
	StoryID    string `form:"story_id"`
	ActiveOnly bool   `form:"active_only"`
	Limit      int    `form:"limit"`
}

// ListJobsResponse wraps a job listing
type ListJobsResponse struct {
	Jobs []JobView `json:"jobs"`
}

// CreateProjectRequest represents a request to register a project
type CreateProjectRequest struct {
	Name string `json:"name" binding:"required"`
}

// Project is a parent resource owning a stream of assets
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// AssetEvent is the body of an asset stream message
type AssetEvent struct {
	AssetID    string          `json:"asset_id"`
	ProjectID  string          `json:"project_id"`
	JobID      string          `json:"job_id,omitempty"`
	Kind       string          `json:"kind"`
	StorageKey string          `json:"storage_key"`
	URL        string          `json:"url,omitempty"`
	MIMEType   string          `json:"mime_type,omitempty"`
	SizeBytes  int64           `json:"size_bytes"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	Cursor     string          `json:"cursor"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code,omitempty"`
}

// HealthResponse represents a health check response
type HealthResponse struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	Version     string    `json:"version"`
	Uptime      string    `json:"uptime"`
	QueuedJobs  int       `json:"queued_jobs"`
	RunningJobs int       `json:"running_jobs"`
}
