package storage

import (
	"context"
	"errors"
	"time"

	"github.com/rossigee/reelforge/pkg/types"
)

var (
	// ErrJobNotFound is returned when a job row does not exist
	ErrJobNotFound = errors.New("job not found")
	// ErrNoJobAvailable is returned by ClaimNextJob when nothing is queued
	ErrNoJobAvailable = errors.New("no job available")
	// ErrJobNotRunning is returned when a write targets a job that is not running
	ErrJobNotRunning = errors.New("job is not running")
	// ErrProjectNotFound is returned when a project row does not exist
	ErrProjectNotFound = errors.New("project not found")
)

// JobRecord represents a job stored in the database
type JobRecord struct {
	ID              string
	UserID          string
	Type            string
	Status          types.JobStatus
	StoryID         string
	StoryboardID    string
	ProjectID       string
	PayloadJSON     []byte
	SnapshotJSON    []byte
	ProgressVersion int64
	Fingerprint     string
	ErrorMessage    string
	StartedAt       *time.Time
	FinishedAt      *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ProjectRecord represents a project that owns assets
type ProjectRecord struct {
	ID        string
	UserID    string
	Name      string
	CreatedAt time.Time
}

// AssetRecord represents a generated asset; the asset table doubles as the
// event log behind the asset stream
type AssetRecord struct {
	ID           string
	ProjectID    string
	UserID       string
	JobID        string
	Kind         string
	StorageKey   string
	URL          string
	MIMEType     string
	SizeBytes    int64
	MetadataJSON []byte
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Cursor returns the stream position of the asset
func (a *AssetRecord) Cursor() Cursor {
	return Cursor{UpdatedAtMillis: a.UpdatedAt.UnixMilli(), ID: a.ID}
}

// ListJobsFilter defines filtering options for ListJobs
type ListJobsFilter struct {
	UserID     string // required
	StoryID    string // optional
	ActiveOnly bool   // queued or running only
	Limit      int    // default: 20
}

// JobStore persists jobs. Every write after the insert is conditional on the
// job being in the expected status, which is what keeps claims exclusive and
// terminal rows immutable.
type JobStore interface {
	CreateJob(ctx context.Context, record *JobRecord) error
	GetJob(ctx context.Context, id string) (*JobRecord, error)
	// ClaimNextJob atomically moves the oldest queued job of jobType to running
	// and writes snapshot as its first running snapshot.
	ClaimNextJob(ctx context.Context, jobType string, snapshot []byte) (*JobRecord, error)
	// UpdateSnapshot replaces the snapshot of a running job and returns the new version.
	UpdateSnapshot(ctx context.Context, id string, snapshot []byte) (int64, error)
	// FinishJob moves a running job to a terminal status and returns the final version.
	FinishJob(ctx context.Context, id string, status types.JobStatus, snapshot []byte, errMsg string) (int64, error)
	ListJobs(ctx context.Context, filter ListJobsFilter) ([]*JobRecord, error)
	// FindReusableJob returns the most recent done job with the same owner, type and fingerprint.
	FindReusableJob(ctx context.Context, userID, jobType, fingerprint, excludeID string) (*JobRecord, error)
	// FailStaleJobs moves running jobs not updated within olderThan to error.
	FailStaleJobs(ctx context.Context, olderThan time.Duration, snapshot []byte, message string) (int64, error)
	GetJobCount(ctx context.Context, status types.JobStatus) (int, error)
}

// AssetStore persists projects and their assets
type AssetStore interface {
	CreateProject(ctx context.Context, record *ProjectRecord) error
	GetProject(ctx context.Context, id string) (*ProjectRecord, error)
	// SaveAsset inserts or updates an asset. UpdatedAt on the record is set to
	// the stored value, which never moves backwards for a given asset.
	SaveAsset(ctx context.Context, record *AssetRecord) error
	// ListAssetsAfter returns assets of the project whose cursor is strictly
	// greater than after, ordered by cursor.
	ListAssetsAfter(ctx context.Context, projectID string, after Cursor, limit int) ([]*AssetRecord, error)
	// LatestAssetCursor returns the greatest cursor of the project, or the zero cursor.
	LatestAssetCursor(ctx context.Context, projectID string) (Cursor, error)
}

// Backend is the full persistence surface used by the service
type Backend interface {
	JobStore
	AssetStore
	Close() error
}

// DefaultListLimit is the job listing page size when no limit is supplied
const DefaultListLimit = 20

// MaxListLimit is the largest page the job listing returns
const MaxListLimit = 20

// NormalizeLimit clamps a requested page size
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

// FromMillis converts a stored unix millisecond value
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

// FromMillisPtr converts a nullable stored unix millisecond value
func FromMillisPtr(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(*ms)
	return &t
}

// MillisPtr converts a nullable time to unix milliseconds
func MillisPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}
