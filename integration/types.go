//go:build integration
// +build integration

package integration

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rossigee/reelforge/internal/jobs"
	"github.com/rossigee/reelforge/pkg/types"
)

// StreamEvent is one parsed server-sent event
type StreamEvent struct {
	Event string
	ID    string
	Data  string
}

// Client talks to a running reelforge server
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

func (c *Client) Enqueue(ctx context.Context, req types.EnqueueRequest) (*types.EnqueueResponse, error) {
	var response types.EnqueueResponse
	status, err := c.do(ctx, http.MethodPost, "/api/v1/jobs", req, &response)
	if err != nil {
		return nil, err
	}
	if status != http.StatusAccepted {
		return nil, fmt.Errorf("unexpected status: %d", status)
	}
	return &response, nil
}

func (c *Client) GetJob(ctx context.Context, jobID string) (*types.JobView, error) {
	var view types.JobView
	status, err := c.do(ctx, http.MethodGet, "/api/v1/jobs/"+jobID, nil, &view)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", status)
	}
	return &view, nil
}

func (c *Client) CreateProject(ctx context.Context, name string) (*types.Project, error) {
	var project types.Project
	status, err := c.do(ctx, http.MethodPost, "/api/v1/projects", types.CreateProjectRequest{Name: name}, &project)
	if err != nil {
		return nil, err
	}
	if status != http.StatusCreated {
		return nil, fmt.Errorf("unexpected status: %d", status)
	}
	return &project, nil
}

// WaitForCompletion polls the status endpoint until the job is terminal
func (c *Client) WaitForCompletion(jobID string, timeout time.Duration) (*types.JobView, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timeout waiting for job completion")
		case <-ticker.C:
			view, err := c.GetJob(ctx, jobID)
			if err != nil {
				return nil, err
			}
			if view.Status.Terminal() {
				return view, nil
			}
		}
	}
}

// Stream opens an event stream and sends parsed events until ctx is done or
// the server closes the connection.
func (c *Client) Stream(ctx context.Context, path, lastEventID string) (<-chan StreamEvent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+c.token)
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}

	// No client timeout; ctx bounds the stream
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	events := make(chan StreamEvent)
	go func() {
		defer close(events)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		var current StreamEvent
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case line == "":
				if current.Event != "" || current.Data != "" {
					select {
					case events <- current:
					case <-ctx.Done():
						return
					}
				}
				current = StreamEvent{}
			case strings.HasPrefix(line, ":"):
			case strings.HasPrefix(line, "event:"):
				current.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "id:"):
				current.ID = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
			case strings.HasPrefix(line, "data:"):
				current.Data += strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			}
		}
	}()
	return events, nil
}

func decodeSnapshot(view *types.JobView) (jobs.Snapshot, error) {
	return jobs.DecodeSnapshot(view.Snapshot)
}
