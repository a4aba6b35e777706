// Package generation implements the job handlers for reference images,
// videos, and storyboard shotlists. Generation itself is delegated to a
// Generator; results are uploaded to an ObjectStore and recorded as project
// assets.
package generation

import (
	"context"
	"encoding/json"

	"github.com/rossigee/reelforge/internal/storage"
)

// Output kinds
const (
	KindImage    = "image"
	KindVideo    = "video"
	KindShotlist = "shotlist"
)

// Request describes one unit of generation work
type Request struct {
	Kind              string `json:"kind"`
	RequestID         string `json:"request_id"`
	Prompt            string `json:"prompt"`
	NegativePrompt    string `json:"negative_prompt,omitempty"`
	AspectRatio       string `json:"aspect_ratio,omitempty"`
	ReferenceImageURL string `json:"reference_image_url,omitempty"`
	DurationSeconds   int    `json:"duration_seconds,omitempty"`
	SceneCount        int    `json:"scene_count,omitempty"`
}

// Output is a generated artifact
type Output struct {
	MIMEType        string          `json:"mime_type"`
	Data            []byte          `json:"data"`
	Width           int             `json:"width,omitempty"`
	Height          int             `json:"height,omitempty"`
	DurationSeconds int             `json:"duration_seconds,omitempty"`
	Shots           json.RawMessage `json:"shots,omitempty"`
}

// Generator produces artifacts. Implementations are opaque to the job
// pipeline.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Output, error)
}

// ObjectStore holds generated artifacts
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	URL(ctx context.Context, key string) (string, error)
}

// AssetWriter records generated artifacts in a project's asset stream
type AssetWriter interface {
	SaveAsset(ctx context.Context, record *storage.AssetRecord) error
}
