package jobs

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rossigee/reelforge/internal/storage"
)

var (
	// ErrInvalidPayload is returned when a handler rejects an enqueue payload
	ErrInvalidPayload = errors.New("invalid job payload")
	// ErrUnknownJobType is returned when no handler is registered for a type
	ErrUnknownJobType = errors.New("unknown job type")
)

// Handler executes jobs of one type. Run is called by the worker loop with a
// claimed job; the returned document becomes the "result" of the final
// snapshot.
type Handler interface {
	Type() string
	// Validate checks a payload at enqueue time. Errors are reported to the
	// client as invalid payloads.
	Validate(payload json.RawMessage) error
	Run(ctx context.Context, job *storage.JobRecord, progress *Progress) (json.RawMessage, error)
}

// Reuser is implemented by handlers whose results can be reused by later
// jobs with an identical request.
type Reuser interface {
	// Fingerprint identifies the request. regenerate reports whether the
	// payload asks for a fresh result even when a matching one exists.
	Fingerprint(payload json.RawMessage) (fingerprint string, regenerate bool, err error)
}
