// Package jobs implements job enqueueing, the kick dispatcher, and the
// per-type worker loops that execute queued jobs.
package jobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rossigee/reelforge/internal/metrics"
	"github.com/rossigee/reelforge/internal/storage"
	"github.com/rossigee/reelforge/pkg/types"
	"github.com/sirupsen/logrus"
)

// StaleJobMessage is recorded on running jobs failed by the stale sweeper
const StaleJobMessage = "worker lost while job in progress"

// Manager is the entry point for job operations. It owns the handler
// registry and the dispatcher that wakes the worker loops.
type Manager struct {
	store      storage.JobStore
	dispatcher *Dispatcher
	handlers   map[string]Handler
	metrics    *metrics.Metrics
	newID      func() string
}

// NewManager creates a job manager
func NewManager(store storage.JobStore, dispatcher *Dispatcher, m *metrics.Metrics) *Manager {
	return &Manager{
		store:      store,
		dispatcher: dispatcher,
		handlers:   make(map[string]Handler),
		metrics:    m,
		newID:      uuid.NewString,
	}
}

// Register adds a handler and its worker loop
func (m *Manager) Register(handler Handler, cfg LoopConfig) {
	m.handlers[handler.Type()] = handler
	m.dispatcher.Register(NewLoop(handler, m.store, cfg, m.metrics))
	logrus.WithField("job_type", handler.Type()).Info("Registered worker loop")
}

// Enqueue validates and inserts a queued job. It does not kick; callers kick
// once the response is ready.
func (m *Manager) Enqueue(ctx context.Context, userID string, req types.EnqueueRequest) (*types.JobView, error) {
	handler, ok := m.handlers[req.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownJobType, req.Type)
	}

	if len(req.Payload) == 0 || !json.Valid(req.Payload) {
		return nil, fmt.Errorf("%w: payload must be a JSON document", ErrInvalidPayload)
	}
	if err := handler.Validate(req.Payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	var fingerprint string
	if reuser, ok := handler.(Reuser); ok {
		fp, _, err := reuser.Fingerprint(req.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		fingerprint = scopedFingerprint(fp, req.Scope)
	}

	record := &storage.JobRecord{
		ID:           m.newID(),
		UserID:       userID,
		Type:         req.Type,
		Status:       types.StatusQueued,
		StoryID:      req.Scope.StoryID,
		StoryboardID: req.Scope.StoryboardID,
		ProjectID:    req.Scope.ProjectID,
		PayloadJSON:  req.Payload,
		SnapshotJSON: queuedSnapshot(),
		Fingerprint:  fingerprint,
	}
	if err := m.store.CreateJob(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	m.metrics.Enqueued(req.Type)
	logrus.WithFields(logrus.Fields{
		"job_id":   record.ID,
		"job_type": record.Type,
		"user_id":  userID,
		"story_id": record.StoryID,
	}).Info("Job enqueued")

	view := ToView(record)
	return &view, nil
}

// GetJob kicks the worker loops, then returns the job if userID owns it.
// Foreign-owned jobs are reported as not found.
func (m *Manager) GetJob(ctx context.Context, userID, jobID string) (*types.JobView, error) {
	m.KickAll()
	return m.ReadJob(ctx, userID, jobID)
}

// ReadJob returns the job if userID owns it, without kicking
func (m *Manager) ReadJob(ctx context.Context, userID, jobID string) (*types.JobView, error) {
	record, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if record.UserID != userID {
		return nil, fmt.Errorf("%w: %s", storage.ErrJobNotFound, jobID)
	}
	view := ToView(record)
	return &view, nil
}

// ListJobs returns the user's jobs, most recent first
func (m *Manager) ListJobs(ctx context.Context, userID string, query types.ListJobsQuery) ([]types.JobView, error) {
	records, err := m.store.ListJobs(ctx, storage.ListJobsFilter{
		UserID:     userID,
		StoryID:    query.StoryID,
		ActiveOnly: query.ActiveOnly,
		Limit:      query.Limit,
	})
	if err != nil {
		return nil, err
	}

	views := make([]types.JobView, 0, len(records))
	for _, record := range records {
		views = append(views, ToView(record))
	}
	return views, nil
}

// KickAll wakes every worker loop
func (m *Manager) KickAll() {
	m.dispatcher.KickAll()
}

// JobCounts returns the number of queued and running jobs
func (m *Manager) JobCounts(ctx context.Context) (queued, running int, err error) {
	queued, err = m.store.GetJobCount(ctx, types.StatusQueued)
	if err != nil {
		return 0, 0, err
	}
	running, err = m.store.GetJobCount(ctx, types.StatusRunning)
	if err != nil {
		return 0, 0, err
	}
	return queued, running, nil
}

// FailStaleJobs moves running jobs that have not written a snapshot within
// olderThan to error.
func (m *Manager) FailStaleJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	snapshot := Snapshot{Status: types.StatusError, Error: StaleJobMessage}
	failed, err := m.store.FailStaleJobs(ctx, olderThan, snapshot.Encode(), StaleJobMessage)
	if err != nil {
		return 0, err
	}
	if failed > 0 {
		logrus.WithFields(logrus.Fields{
			"count":      failed,
			"older_than": olderThan.String(),
		}).Warn("Marked stale running jobs as failed")
	}
	return failed, nil
}

// RunStaleSweeper calls FailStaleJobs every interval until ctx is done
func (m *Manager) RunStaleSweeper(ctx context.Context, interval, olderThan time.Duration) error {
	if olderThan <= 0 {
		return nil
	}
	if interval <= 0 {
		interval = olderThan / 2
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := m.FailStaleJobs(ctx, olderThan); err != nil && !errors.Is(err, context.Canceled) {
			logrus.WithError(err).Error("Stale job sweep failed")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// scopedFingerprint ties a request fingerprint to the storyboard and project
// it was made for, so a result is never reused across either.
func scopedFingerprint(fp string, scope types.JobScope) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{fp, scope.ProjectID, scope.StoryboardID}, "\x00")))
	return hex.EncodeToString(sum[:])
}

// ToView converts a stored job to its client representation
func ToView(record *storage.JobRecord) types.JobView {
	return types.JobView{
		JobID:  record.ID,
		Type:   record.Type,
		Status: record.Status,
		Scope: types.JobScope{
			StoryID:      record.StoryID,
			StoryboardID: record.StoryboardID,
			ProjectID:    record.ProjectID,
		},
		Payload:         json.RawMessage(record.PayloadJSON),
		Snapshot:        json.RawMessage(record.SnapshotJSON),
		ProgressVersion: record.ProgressVersion,
		Error:           record.ErrorMessage,
		StartedAt:       record.StartedAt,
		FinishedAt:      record.FinishedAt,
		CreatedAt:       record.CreatedAt,
		UpdatedAt:       record.UpdatedAt,
	}
}
