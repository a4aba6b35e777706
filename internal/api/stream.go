package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/rossigee/reelforge/internal/auth"
	"github.com/rossigee/reelforge/internal/storage"
	"github.com/rossigee/reelforge/pkg/types"
	"github.com/sirupsen/logrus"
)

// Stream defaults
const (
	DefaultPollInterval   = 500 * time.Millisecond
	DefaultKeepAlive      = 15 * time.Second
	DefaultAssetBatchSize = 50
)

// Event names on the wire
const (
	jobEventName   = "job"
	assetEventName = "asset"
)

// StreamConfig tunes the event streams
type StreamConfig struct {
	PollInterval   time.Duration
	KeepAlive      time.Duration
	AssetBatchSize int
}

func (c StreamConfig) withDefaults() StreamConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = DefaultKeepAlive
	}
	if c.AssetBatchSize <= 0 {
		c.AssetBatchSize = DefaultAssetBatchSize
	}
	return c
}

// eventWriter writes SSE frames and remembers when the stream last carried
// anything, so keepalives are only sent on an idle connection
type eventWriter struct {
	w         gin.ResponseWriter
	lastWrite time.Time
	now       func() time.Time
}

func openStream(c *gin.Context, now func() time.Time) *eventWriter {
	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()
	return &eventWriter{w: c.Writer, lastWrite: now(), now: now}
}

func (e *eventWriter) event(name, id string, data any) error {
	if err := sse.Encode(e.w, sse.Event{Event: name, Id: id, Data: data}); err != nil {
		return err
	}
	e.w.Flush()
	e.lastWrite = e.now()
	return nil
}

// keepAlive writes a comment line if nothing was written within interval
func (e *eventWriter) keepAlive(interval time.Duration) error {
	if e.now().Sub(e.lastWrite) < interval {
		return nil
	}
	if _, err := io.WriteString(e.w, ": keepalive\n\n"); err != nil {
		return err
	}
	e.w.Flush()
	e.lastWrite = e.now()
	return nil
}

// sleep waits for d or until ctx is done. It reports whether to continue.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// StreamJobEvents pushes the snapshot of one job every time its progress
// version changes, closing after the terminal snapshot.
func (h *Handler) StreamJobEvents(c *gin.Context) {
	ctx := c.Request.Context()
	userID := auth.UserID(c)
	jobID := c.Param("job_id")

	// GetJob kicks, so opening a stream nudges a queued job along
	view, err := h.jobs.GetJob(ctx, userID, jobID)
	if err != nil {
		respondError(c, err)
		return
	}

	closeStream := h.metrics.StreamOpened(jobEventName)
	defer closeStream()

	logger := logrus.WithFields(logrus.Fields{
		"job_id":  jobID,
		"user_id": userID,
	})
	logger.Debug("Job stream opened")
	defer logger.Debug("Job stream closed")

	stream := openStream(c, h.now)
	if err := h.writeJobEvent(stream, view); err != nil || view.Status.Terminal() {
		return
	}
	lastVersion := view.ProgressVersion

	for sleep(ctx, h.stream.PollInterval) {
		current, err := h.jobs.ReadJob(ctx, userID, jobID)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, storage.ErrJobNotFound) {
				return
			}
			logger.WithError(err).Warn("Job stream poll failed, retrying")
			continue
		}

		if current.ProgressVersion <= lastVersion {
			if err := stream.keepAlive(h.stream.KeepAlive); err != nil {
				return
			}
			continue
		}

		if err := h.writeJobEvent(stream, current); err != nil {
			return
		}
		lastVersion = current.ProgressVersion
		if current.Status.Terminal() {
			return
		}
	}
}

func (h *Handler) writeJobEvent(stream *eventWriter, view *types.JobView) error {
	err := stream.event(jobEventName, strconv.FormatInt(view.ProgressVersion, 10), types.JobEvent{
		JobID:    view.JobID,
		Type:     view.Type,
		Status:   view.Status,
		Snapshot: view.Snapshot,
	})
	if err == nil {
		h.metrics.StreamEvent(jobEventName)
	}
	return err
}

// StreamAssetEvents pushes assets of a project as they are created or
// updated. Clients resume with Last-Event-ID or the cursor parameter.
func (h *Handler) StreamAssetEvents(c *gin.Context) {
	ctx := c.Request.Context()
	userID := auth.UserID(c)
	projectID := c.Param("project_id")

	if _, err := h.ownedProject(ctx, userID, projectID); err != nil {
		respondError(c, err)
		return
	}

	cursor, err := h.startCursor(c, projectID)
	if err != nil {
		respondError(c, err)
		return
	}

	closeStream := h.metrics.StreamOpened(assetEventName)
	defer closeStream()

	logger := logrus.WithFields(logrus.Fields{
		"project_id": projectID,
		"user_id":    userID,
	})
	logger.WithField("cursor", cursor.String()).Debug("Asset stream opened")
	defer logger.Debug("Asset stream closed")

	stream := openStream(c, h.now)
	for {
		assets, err := h.assets.ListAssetsAfter(ctx, projectID, cursor, h.stream.AssetBatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.WithError(err).Warn("Asset stream poll failed, retrying")
		}

		for _, asset := range assets {
			next := asset.Cursor()
			if err := stream.event(assetEventName, next.String(), toAssetEvent(asset)); err != nil {
				return
			}
			h.metrics.StreamEvent(assetEventName)
			cursor = next
		}

		// A full batch means more rows are waiting
		if len(assets) == h.stream.AssetBatchSize {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		if len(assets) == 0 {
			if err := stream.keepAlive(h.stream.KeepAlive); err != nil {
				return
			}
		}

		if !sleep(ctx, h.stream.PollInterval) {
			return
		}
	}
}

// startCursor resolves where an asset stream begins: Last-Event-ID, then the
// cursor query parameter, then the later of now and the newest asset.
func (h *Handler) startCursor(c *gin.Context, projectID string) (storage.Cursor, error) {
	if lastEventID := strings.TrimSpace(c.GetHeader("Last-Event-ID")); lastEventID != "" {
		return storage.ParseCursor(lastEventID)
	}
	if param := strings.TrimSpace(c.Query("cursor")); param != "" {
		return storage.ParseCursor(param)
	}

	latest, err := h.assets.LatestAssetCursor(c.Request.Context(), projectID)
	if err != nil {
		return storage.Cursor{}, err
	}
	return storage.CursorAt(h.now()).Max(latest), nil
}

func toAssetEvent(asset *storage.AssetRecord) types.AssetEvent {
	event := types.AssetEvent{
		AssetID:    asset.ID,
		ProjectID:  asset.ProjectID,
		JobID:      asset.JobID,
		Kind:       asset.Kind,
		StorageKey: asset.StorageKey,
		URL:        asset.URL,
		MIMEType:   asset.MIMEType,
		SizeBytes:  asset.SizeBytes,
		Cursor:     asset.Cursor().String(),
		UpdatedAt:  asset.UpdatedAt,
	}
	if len(asset.MetadataJSON) > 0 {
		event.Metadata = asset.MetadataJSON
	}
	return event
}
