package jobs

import (
	"context"
	"fmt"

	"github.com/rossigee/reelforge/internal/storage"
	"github.com/rossigee/reelforge/pkg/types"
	"github.com/sirupsen/logrus"
)

// Progress writes intermediate snapshots for a running job. Each Update is a
// single conditional write that bumps the progress version by one.
type Progress struct {
	store   storage.JobStore
	jobID   string
	version int64
	logger  *logrus.Entry
}

func newProgress(store storage.JobStore, job *storage.JobRecord, logger *logrus.Entry) *Progress {
	return &Progress{
		store:   store,
		jobID:   job.ID,
		version: job.ProgressVersion,
		logger:  logger,
	}
}

// Update records the current stage and percentage
func (p *Progress) Update(ctx context.Context, stage string, percent float64) error {
	snapshot := Snapshot{
		Status:  types.StatusRunning,
		Stage:   stage,
		Percent: percent,
	}

	version, err := p.store.UpdateSnapshot(ctx, p.jobID, snapshot.Encode())
	if err != nil {
		return fmt.Errorf("failed to record progress for stage %s: %w", stage, err)
	}
	p.version = version

	p.logger.WithFields(logrus.Fields{
		"stage":   stage,
		"percent": percent,
		"version": version,
	}).Debug("Job progress updated")
	return nil
}

// Version returns the version of the last snapshot written through p
func (p *Progress) Version() int64 {
	return p.version
}

// JobID returns the job being reported on
func (p *Progress) JobID() string {
	return p.jobID
}
