package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/rossigee/reelforge/internal/metrics"
	"github.com/rossigee/reelforge/internal/storage"
	"github.com/rossigee/reelforge/pkg/types"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultJobTimeout bounds a single handler run
	DefaultJobTimeout = 10 * time.Minute
	// DefaultMaxPerWake caps the jobs one wake cycle processes
	DefaultMaxPerWake = 25

	finishTimeout = 10 * time.Second
)

// LoopConfig tunes a worker loop
type LoopConfig struct {
	Timeout    time.Duration
	MaxPerWake int
}

func (c LoopConfig) withDefaults() LoopConfig {
	if c.Timeout <= 0 {
		c.Timeout = DefaultJobTimeout
	}
	if c.MaxPerWake <= 0 {
		c.MaxPerWake = DefaultMaxPerWake
	}
	return c
}

// Loop drains queued jobs of one type. It does not run continuously: a wake
// cycle is started by the dispatcher and ends when no queued job remains.
type Loop struct {
	handler Handler
	store   storage.JobStore
	cfg     LoopConfig
	metrics *metrics.Metrics
	logger  *logrus.Entry

	running atomic.Bool
	again   atomic.Bool
}

// NewLoop creates a worker loop for handler
func NewLoop(handler Handler, store storage.JobStore, cfg LoopConfig, m *metrics.Metrics) *Loop {
	return &Loop{
		handler: handler,
		store:   store,
		cfg:     cfg.withDefaults(),
		metrics: m,
		logger:  logrus.WithField("job_type", handler.Type()),
	}
}

// Type returns the job type the loop serves
func (l *Loop) Type() string {
	return l.handler.Type()
}

// RunCycle claims and processes jobs until none are queued or MaxPerWake is
// reached. It returns the number of jobs processed.
func (l *Loop) RunCycle(ctx context.Context) int {
	l.metrics.WakeCycle(l.Type())

	processed := 0
	for processed < l.cfg.MaxPerWake {
		if ctx.Err() != nil {
			break
		}

		job, err := l.store.ClaimNextJob(ctx, l.Type(), runningSnapshot())
		if err != nil {
			if !errors.Is(err, storage.ErrNoJobAvailable) {
				l.logger.WithError(err).Error("Failed to claim job")
			}
			break
		}

		l.metrics.Claimed(l.Type())
		l.process(ctx, job)
		processed++
	}

	if processed > 0 {
		l.logger.WithField("processed", processed).Debug("Wake cycle finished")
	}
	return processed
}

// process runs one claimed job to a terminal status. Errors are recorded on
// the job and never returned.
func (l *Loop) process(ctx context.Context, job *storage.JobRecord) {
	started := time.Now()
	logger := l.logger.WithFields(logrus.Fields{
		"job_id":  job.ID,
		"user_id": job.UserID,
	})
	logger.Info("Job claimed")

	if l.reuse(ctx, job, logger, started) {
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	result, outcome, err := l.execute(runCtx, job, newProgress(l.store, job, logger))
	cancel()

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = "timeout"
			err = fmt.Errorf("job timed out after %s: %w", l.cfg.Timeout, err)
		}
		logger.WithError(err).Warn("Job failed")
		l.finish(ctx, job, types.StatusError, Snapshot{
			Status: types.StatusError,
			Error:  err.Error(),
		}, err.Error(), outcome, started, logger)
		return
	}

	l.finish(ctx, job, types.StatusDone, Snapshot{
		Status:  types.StatusDone,
		Percent: 100,
		Result:  result,
	}, "", outcome, started, logger)
}

// execute calls the handler, converting a panic into an error
func (l *Loop) execute(ctx context.Context, job *storage.JobRecord, progress *Progress) (result json.RawMessage, outcome string, err error) {
	outcome = "executed"
	defer func() {
		if r := recover(); r != nil {
			outcome = "panic"
			err = fmt.Errorf("job handler panicked: %v", r)
			l.logger.WithField("job_id", job.ID).
				WithField("stack", string(debug.Stack())).
				Error("Recovered from job handler panic")
		}
	}()

	result, err = l.handler.Run(ctx, job, progress)
	return result, outcome, err
}

// reuse finishes the job with an earlier result for the same request when
// the handler supports it. It reports whether the job was finished.
func (l *Loop) reuse(ctx context.Context, job *storage.JobRecord, logger *logrus.Entry, started time.Time) bool {
	reuser, ok := l.handler.(Reuser)
	if !ok || job.Fingerprint == "" {
		return false
	}

	_, regenerate, err := reuser.Fingerprint(job.PayloadJSON)
	if err != nil || regenerate {
		return false
	}

	previous, err := l.store.FindReusableJob(ctx, job.UserID, job.Type, job.Fingerprint, job.ID)
	if err != nil {
		if !errors.Is(err, storage.ErrJobNotFound) {
			logger.WithError(err).Warn("Failed to look up reusable result")
		}
		return false
	}

	prevSnapshot, err := DecodeSnapshot(previous.SnapshotJSON)
	if err != nil || len(prevSnapshot.Result) == 0 {
		return false
	}

	logger.WithField("reused_job_id", previous.ID).Info("Reusing existing result")
	l.finish(ctx, job, types.StatusDone, Snapshot{
		Status:      types.StatusDone,
		Percent:     100,
		Message:     SkippedMessage,
		Result:      prevSnapshot.Result,
		Skipped:     true,
		ReusedJobID: previous.ID,
	}, "", "reused", started, logger)
	return true
}

// finish writes the terminal snapshot. The write outlives cancellation of
// ctx so that shutdown does not leave the job running.
func (l *Loop) finish(ctx context.Context, job *storage.JobRecord, status types.JobStatus, snapshot Snapshot, errMsg, outcome string, started time.Time, logger *logrus.Entry) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	version, err := l.store.FinishJob(writeCtx, job.ID, status, snapshot.Encode(), errMsg)
	if err != nil {
		logger.WithError(err).Error("Failed to record terminal job status")
		return
	}

	elapsed := time.Since(started)
	l.metrics.Finished(l.Type(), string(status), outcome, elapsed.Seconds())
	logger.WithFields(logrus.Fields{
		"status":   status,
		"version":  version,
		"duration": elapsed.String(),
	}).Info("Job finished")
}
