package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/rossigee/reelforge/pkg/types"
)

// SkippedMessage is written to the snapshot of a job that reused an earlier result
const SkippedMessage = "skipped — existing result reused"

// Snapshot is the progress document stored with each job. Every write
// replaces it wholesale.
type Snapshot struct {
	Status      types.JobStatus `json:"status"`
	Stage       string          `json:"stage,omitempty"`
	Percent     float64         `json:"percent,omitempty"`
	Message     string          `json:"message,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Skipped     bool            `json:"skipped,omitempty"`
	ReusedJobID string          `json:"reused_job_id,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Encode marshals the snapshot
func (s Snapshot) Encode() []byte {
	data, err := json.Marshal(s)
	if err != nil {
		// Result is the only field that can fail to marshal
		s.Result = nil
		data, _ = json.Marshal(s)
	}
	return data
}

// DecodeSnapshot parses a stored snapshot
func DecodeSnapshot(data []byte) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return s, nil
}

func queuedSnapshot() []byte {
	return Snapshot{Status: types.StatusQueued}.Encode()
}

func runningSnapshot() []byte {
	return Snapshot{Status: types.StatusRunning}.Encode()
}
