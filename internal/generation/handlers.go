package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/rossigee/reelforge/internal/jobs"
	"github.com/rossigee/reelforge/internal/storage"
	"github.com/rossigee/reelforge/pkg/types"
	"github.com/sirupsen/logrus"
)

// Stages reported while a generation job runs
const (
	StageGenerating = "generating"
	StageUploading  = "uploading"
	StagePersisting = "persisting"
)

// Result is the "result" document of a finished generation job
type Result struct {
	AssetID         string          `json:"asset_id,omitempty"`
	Kind            string          `json:"kind"`
	StorageKey      string          `json:"storage_key"`
	URL             string          `json:"url"`
	MIMEType        string          `json:"mime_type"`
	SizeBytes       int64           `json:"size_bytes"`
	Width           int             `json:"width,omitempty"`
	Height          int             `json:"height,omitempty"`
	DurationSeconds int             `json:"duration_seconds,omitempty"`
	Shots           json.RawMessage `json:"shots,omitempty"`
}

type assetMetadata struct {
	Prompt          string `json:"prompt,omitempty"`
	StoryID         string `json:"story_id,omitempty"`
	StoryboardID    string `json:"storyboard_id,omitempty"`
	Width           int    `json:"width,omitempty"`
	Height          int    `json:"height,omitempty"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
}

// Pipeline runs a generation request through generate, upload, and persist
// stages. It is shared by all generation handlers.
type Pipeline struct {
	generator Generator
	objects   ObjectStore
	assets    AssetWriter
}

// NewPipeline creates a pipeline. assets may be nil, in which case results
// are never recorded as project assets.
func NewPipeline(generator Generator, objects ObjectStore, assets AssetWriter) *Pipeline {
	return &Pipeline{generator: generator, objects: objects, assets: assets}
}

// Handlers returns the reference image, video, and shotlist handlers
func (p *Pipeline) Handlers() []jobs.Handler {
	return []jobs.Handler{
		&ReferenceImageHandler{pipeline: p},
		&VideoHandler{pipeline: p},
		&ShotlistHandler{pipeline: p},
	}
}

func (p *Pipeline) run(ctx context.Context, job *storage.JobRecord, progress *jobs.Progress, req Request) (json.RawMessage, error) {
	logger := logrus.WithFields(logrus.Fields{
		"job_id": job.ID,
		"kind":   req.Kind,
	})

	if err := progress.Update(ctx, StageGenerating, 10); err != nil {
		return nil, err
	}
	out, err := p.generator.Generate(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("generation failed: %w", err)
	}

	if err := progress.Update(ctx, StageUploading, 70); err != nil {
		return nil, err
	}
	key := storageKey(job.ID, req.Kind, out.MIMEType)
	if _, err := p.objects.Put(ctx, key, out.Data, out.MIMEType); err != nil {
		return nil, fmt.Errorf("failed to upload %s: %w", key, err)
	}
	url, err := p.objects.URL(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve URL for %s: %w", key, err)
	}

	result := Result{
		Kind:            req.Kind,
		StorageKey:      key,
		URL:             url,
		MIMEType:        out.MIMEType,
		SizeBytes:       int64(len(out.Data)),
		Width:           out.Width,
		Height:          out.Height,
		DurationSeconds: out.DurationSeconds,
		Shots:           out.Shots,
	}

	if job.ProjectID != "" && p.assets != nil {
		if err := progress.Update(ctx, StagePersisting, 90); err != nil {
			return nil, err
		}
		metadata, err := json.Marshal(assetMetadata{
			Prompt:          req.Prompt,
			StoryID:         job.StoryID,
			StoryboardID:    job.StoryboardID,
			Width:           out.Width,
			Height:          out.Height,
			DurationSeconds: out.DurationSeconds,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to encode asset metadata: %w", err)
		}
		asset := &storage.AssetRecord{
			ID:           job.ID,
			ProjectID:    job.ProjectID,
			UserID:       job.UserID,
			JobID:        job.ID,
			Kind:         req.Kind,
			StorageKey:   key,
			URL:          url,
			MIMEType:     out.MIMEType,
			SizeBytes:    result.SizeBytes,
			MetadataJSON: metadata,
		}
		if err := p.assets.SaveAsset(ctx, asset); err != nil {
			return nil, fmt.Errorf("failed to record asset: %w", err)
		}
		result.AssetID = asset.ID
	}

	logger.WithFields(logrus.Fields{
		"storage_key": key,
		"size_bytes":  result.SizeBytes,
		"asset_id":    result.AssetID,
	}).Info("Generated artifact stored")

	return json.Marshal(result)
}

// ReferenceImageHandler generates still reference images for a story
type ReferenceImageHandler struct {
	pipeline *Pipeline
}

func (h *ReferenceImageHandler) Type() string { return types.JobTypeReferenceImage }

func (h *ReferenceImageHandler) Validate(payload json.RawMessage) error {
	var p ReferenceImagePayload
	if err := decodePayload(payload, &p); err != nil {
		return err
	}
	return p.validate()
}

func (h *ReferenceImageHandler) Fingerprint(payload json.RawMessage) (string, bool, error) {
	var p ReferenceImagePayload
	if err := decodePayload(payload, &p); err != nil {
		return "", false, err
	}
	return fingerprint(h.Type(), p.Prompt, p.NegativePrompt, p.AspectRatio), p.Regenerate, nil
}

func (h *ReferenceImageHandler) Run(ctx context.Context, job *storage.JobRecord, progress *jobs.Progress) (json.RawMessage, error) {
	var p ReferenceImagePayload
	if err := decodePayload(job.PayloadJSON, &p); err != nil {
		return nil, err
	}
	return h.pipeline.run(ctx, job, progress, Request{
		Kind:           KindImage,
		RequestID:      job.ID,
		Prompt:         strings.TrimSpace(p.Prompt),
		NegativePrompt: strings.TrimSpace(p.NegativePrompt),
		AspectRatio:    p.AspectRatio,
	})
}

// VideoHandler generates video clips, optionally from a reference image
type VideoHandler struct {
	pipeline *Pipeline
}

func (h *VideoHandler) Type() string { return types.JobTypeVideo }

func (h *VideoHandler) Validate(payload json.RawMessage) error {
	var p VideoPayload
	if err := decodePayload(payload, &p); err != nil {
		return err
	}
	return p.validate()
}

func (h *VideoHandler) Fingerprint(payload json.RawMessage) (string, bool, error) {
	var p VideoPayload
	if err := decodePayload(payload, &p); err != nil {
		return "", false, err
	}
	return fingerprint(h.Type(), p.Prompt, p.ReferenceImageURL, p.duration(), p.AspectRatio), p.Regenerate, nil
}

func (h *VideoHandler) Run(ctx context.Context, job *storage.JobRecord, progress *jobs.Progress) (json.RawMessage, error) {
	var p VideoPayload
	if err := decodePayload(job.PayloadJSON, &p); err != nil {
		return nil, err
	}
	return h.pipeline.run(ctx, job, progress, Request{
		Kind:              KindVideo,
		RequestID:         job.ID,
		Prompt:            strings.TrimSpace(p.Prompt),
		AspectRatio:       p.AspectRatio,
		ReferenceImageURL: p.ReferenceImageURL,
		DurationSeconds:   p.duration(),
	})
}

// ShotlistHandler breaks a script into a storyboard shotlist
type ShotlistHandler struct {
	pipeline *Pipeline
}

func (h *ShotlistHandler) Type() string { return types.JobTypeShotlist }

func (h *ShotlistHandler) Validate(payload json.RawMessage) error {
	var p ShotlistPayload
	if err := decodePayload(payload, &p); err != nil {
		return err
	}
	return p.validate()
}

func (h *ShotlistHandler) Fingerprint(payload json.RawMessage) (string, bool, error) {
	var p ShotlistPayload
	if err := decodePayload(payload, &p); err != nil {
		return "", false, err
	}
	return fingerprint(h.Type(), p.Script, p.scenes()), p.Regenerate, nil
}

func (h *ShotlistHandler) Run(ctx context.Context, job *storage.JobRecord, progress *jobs.Progress) (json.RawMessage, error) {
	var p ShotlistPayload
	if err := decodePayload(job.PayloadJSON, &p); err != nil {
		return nil, err
	}
	return h.pipeline.run(ctx, job, progress, Request{
		Kind:       KindShotlist,
		RequestID:  job.ID,
		Prompt:     strings.TrimSpace(p.Script),
		SceneCount: p.scenes(),
	})
}

var (
	_ jobs.Reuser = (*ReferenceImageHandler)(nil)
	_ jobs.Reuser = (*VideoHandler)(nil)
	_ jobs.Reuser = (*ShotlistHandler)(nil)
)

// storageKey builds generated/{category}/{jobID}/{kind}{ext}
func storageKey(jobID, kind, mime string) string {
	category := kind + "s"
	ext := extensionForMIME(mime)
	if ext == "" {
		ext = ".bin"
	}
	return path.Join("generated", category, jobID, kind+ext)
}

func extensionForMIME(mime string) string {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	switch mime {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "video/mp4":
		return ".mp4"
	case "video/webm":
		return ".webm"
	case "application/json":
		return ".json"
	case "text/plain":
		return ".txt"
	default:
		return ""
	}
}
