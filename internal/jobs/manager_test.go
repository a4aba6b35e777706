package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rossigee/reelforge/internal/storage"
	"github.com/rossigee/reelforge/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHandler records calls and delegates execution to run
type fakeHandler struct {
	jobType string
	calls   atomic.Int32
	run     func(ctx context.Context, job *storage.JobRecord, progress *Progress) (json.RawMessage, error)
}

func (h *fakeHandler) Type() string { return h.jobType }

func (h *fakeHandler) Validate(payload json.RawMessage) error {
	var body struct {
		Prompt string `json:"prompt"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return err
	}
	if body.Prompt == "" {
		return errors.New("prompt is required")
	}
	return nil
}

func (h *fakeHandler) Run(ctx context.Context, job *storage.JobRecord, progress *Progress) (json.RawMessage, error) {
	h.calls.Add(1)
	if h.run != nil {
		return h.run(ctx, job, progress)
	}
	for _, stage := range []string{"generating", "uploading", "persisting"} {
		if err := progress.Update(ctx, stage, 50); err != nil {
			return nil, err
		}
	}
	return json.RawMessage(`{"storage_key":"generated/out.png"}`), nil
}

// reusableHandler adds request fingerprinting to fakeHandler
type reusableHandler struct {
	*fakeHandler
}

func (h *reusableHandler) Fingerprint(payload json.RawMessage) (string, bool, error) {
	var body struct {
		Prompt     string `json:"prompt"`
		Regenerate bool   `json:"regenerate"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return "", false, err
	}
	return "prompt:" + body.Prompt, body.Regenerate, nil
}

func newTestManager(t *testing.T, cfg LoopConfig, handlers ...Handler) (*Manager, *storage.Store, *Dispatcher) {
	t.Helper()

	store, err := storage.NewStore(":memory:")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	dispatcher := NewDispatcher(ctx, nil)
	manager := NewManager(store, dispatcher, nil)
	for _, h := range handlers {
		manager.Register(h, cfg)
	}

	t.Cleanup(func() {
		cancel()
		dispatcher.Wait()
		_ = store.Close() // Ignore error in test
	})
	return manager, store, dispatcher
}

func enqueue(t *testing.T, m *Manager, userID, jobType, payload string) *types.JobView {
	t.Helper()
	view, err := m.Enqueue(context.Background(), userID, types.EnqueueRequest{
		Type:    jobType,
		Payload: json.RawMessage(payload),
		Scope:   types.JobScope{StoryID: "story-1"},
	})
	require.NoError(t, err)
	return view
}

func waitForTerminal(t *testing.T, m *Manager, userID, jobID string) *types.JobView {
	t.Helper()
	var view *types.JobView
	require.Eventually(t, func() bool {
		current, err := m.GetJob(context.Background(), userID, jobID)
		if err != nil {
			return false
		}
		view = current
		return view.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return view
}

func decode(t *testing.T, raw json.RawMessage) Snapshot {
	t.Helper()
	s, err := DecodeSnapshot(raw)
	require.NoError(t, err)
	return s
}

func TestManager_EnqueuePollComplete(t *testing.T) {
	handler := &fakeHandler{jobType: types.JobTypeReferenceImage}
	m, _, _ := newTestManager(t, LoopConfig{}, handler)

	view := enqueue(t, m, "user-a", types.JobTypeReferenceImage, `{"prompt":"red door"}`)
	assert.Equal(t, types.StatusQueued, view.Status)
	assert.Equal(t, int64(0), view.ProgressVersion)
	assert.Equal(t, types.StatusQueued, decode(t, view.Snapshot).Status)

	final := waitForTerminal(t, m, "user-a", view.JobID)
	assert.Equal(t, types.StatusDone, final.Status)
	// claim + three stages + finish
	assert.Equal(t, int64(5), final.ProgressVersion)
	assert.NotNil(t, final.StartedAt)
	assert.NotNil(t, final.FinishedAt)

	snapshot := decode(t, final.Snapshot)
	assert.Equal(t, types.StatusDone, snapshot.Status)
	assert.JSONEq(t, `{"storage_key":"generated/out.png"}`, string(snapshot.Result))
	assert.False(t, snapshot.Skipped)
	assert.Equal(t, int32(1), handler.calls.Load())
}

func TestManager_EnqueueRejectsInvalidRequests(t *testing.T) {
	m, store, _ := newTestManager(t, LoopConfig{}, &fakeHandler{jobType: types.JobTypeVideo})
	ctx := context.Background()

	_, err := m.Enqueue(ctx, "user-a", types.EnqueueRequest{Type: "hologram", Payload: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, ErrUnknownJobType)

	_, err = m.Enqueue(ctx, "user-a", types.EnqueueRequest{Type: types.JobTypeVideo, Payload: json.RawMessage(`{"prompt":""}`)})
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = m.Enqueue(ctx, "user-a", types.EnqueueRequest{Type: types.JobTypeVideo, Payload: json.RawMessage(`{not json`)})
	assert.ErrorIs(t, err, ErrInvalidPayload)

	jobs, err := store.ListJobs(ctx, storage.ListJobsFilter{UserID: "user-a"})
	require.NoError(t, err)
	assert.Empty(t, jobs, "rejected requests must not create rows")
}

func TestManager_OwnershipIsolation(t *testing.T) {
	m, _, _ := newTestManager(t, LoopConfig{}, &fakeHandler{jobType: types.JobTypeShotlist})

	view := enqueue(t, m, "user-a", types.JobTypeShotlist, `{"prompt":"opening scene"}`)

	_, err := m.GetJob(context.Background(), "user-b", view.JobID)
	assert.ErrorIs(t, err, storage.ErrJobNotFound)
	_, err = m.ReadJob(context.Background(), "user-b", view.JobID)
	assert.ErrorIs(t, err, storage.ErrJobNotFound)

	listed, err := m.ListJobs(context.Background(), "user-b", types.ListJobsQuery{StoryID: "story-1"})
	require.NoError(t, err)
	assert.Empty(t, listed)

	listed, err = m.ListJobs(context.Background(), "user-a", types.ListJobsQuery{StoryID: "story-1"})
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}

func TestLoop_ReusesExistingResult(t *testing.T) {
	handler := &reusableHandler{fakeHandler: &fakeHandler{jobType: types.JobTypeReferenceImage}}
	m, _, _ := newTestManager(t, LoopConfig{}, handler)

	first := enqueue(t, m, "user-a", types.JobTypeReferenceImage, `{"prompt":"blue car"}`)
	waitForTerminal(t, m, "user-a", first.JobID)

	second := enqueue(t, m, "user-a", types.JobTypeReferenceImage, `{"prompt":"blue car"}`)
	final := waitForTerminal(t, m, "user-a", second.JobID)

	assert.Equal(t, types.StatusDone, final.Status)
	snapshot := decode(t, final.Snapshot)
	assert.True(t, snapshot.Skipped)
	assert.Equal(t, SkippedMessage, snapshot.Message)
	assert.Equal(t, first.JobID, snapshot.ReusedJobID)
	assert.JSONEq(t, `{"storage_key":"generated/out.png"}`, string(snapshot.Result))
	assert.Equal(t, int32(1), handler.calls.Load(), "generator must not be called for a reused result")

	// Another user never reuses a foreign result
	foreign := enqueue(t, m, "user-b", types.JobTypeReferenceImage, `{"prompt":"blue car"}`)
	waitForTerminal(t, m, "user-b", foreign.JobID)
	assert.Equal(t, int32(2), handler.calls.Load())
}

func TestLoop_ReuseStaysWithinScope(t *testing.T) {
	handler := &reusableHandler{fakeHandler: &fakeHandler{jobType: types.JobTypeReferenceImage}}
	m, _, _ := newTestManager(t, LoopConfig{}, handler)

	run := func(scope types.JobScope) Snapshot {
		t.Helper()
		view, err := m.Enqueue(context.Background(), "user-a", types.EnqueueRequest{
			Type:    types.JobTypeReferenceImage,
			Payload: json.RawMessage(`{"prompt":"blue car"}`),
			Scope:   scope,
		})
		require.NoError(t, err)
		return decode(t, waitForTerminal(t, m, "user-a", view.JobID).Snapshot)
	}

	assert.False(t, run(types.JobScope{ProjectID: "p1", StoryboardID: "sb1"}).Skipped)
	assert.False(t, run(types.JobScope{ProjectID: "p1", StoryboardID: "sb2"}).Skipped, "other storyboard")
	assert.False(t, run(types.JobScope{ProjectID: "p2", StoryboardID: "sb1"}).Skipped, "other project")
	assert.Equal(t, int32(3), handler.calls.Load())

	assert.True(t, run(types.JobScope{ProjectID: "p1", StoryboardID: "sb1"}).Skipped, "same scope")
	assert.Equal(t, int32(3), handler.calls.Load())
}

func TestScopedFingerprint(t *testing.T) {
	base := scopedFingerprint("fp", types.JobScope{ProjectID: "p1", StoryboardID: "sb1"})
	assert.Equal(t, base, scopedFingerprint("fp", types.JobScope{ProjectID: "p1", StoryboardID: "sb1", StoryID: "other"}))
	assert.NotEqual(t, base, scopedFingerprint("fp", types.JobScope{ProjectID: "p1", StoryboardID: "sb2"}))
	assert.NotEqual(t, base, scopedFingerprint("fp", types.JobScope{ProjectID: "p2", StoryboardID: "sb1"}))
	assert.NotEqual(t, base, scopedFingerprint("fp2", types.JobScope{ProjectID: "p1", StoryboardID: "sb1"}))
	// Field boundaries are kept
	assert.NotEqual(t,
		scopedFingerprint("fp", types.JobScope{ProjectID: "ab", StoryboardID: "c"}),
		scopedFingerprint("fp", types.JobScope{ProjectID: "a", StoryboardID: "bc"}))
}

func TestLoop_RegenerateBypassesReuse(t *testing.T) {
	handler := &reusableHandler{fakeHandler: &fakeHandler{jobType: types.JobTypeReferenceImage}}
	m, _, _ := newTestManager(t, LoopConfig{}, handler)

	first := enqueue(t, m, "user-a", types.JobTypeReferenceImage, `{"prompt":"blue car"}`)
	waitForTerminal(t, m, "user-a", first.JobID)

	forced := enqueue(t, m, "user-a", types.JobTypeReferenceImage, `{"prompt":"blue car","regenerate":true}`)
	final := waitForTerminal(t, m, "user-a", forced.JobID)

	assert.False(t, decode(t, final.Snapshot).Skipped)
	assert.Equal(t, int32(2), handler.calls.Load())
}

func TestLoop_FailuresBecomeErrorStatus(t *testing.T) {
	tests := []struct {
		name    string
		cfg     LoopConfig
		run     func(ctx context.Context, job *storage.JobRecord, progress *Progress) (json.RawMessage, error)
		wantMsg string
	}{
		{
			name: "handler error",
			run: func(ctx context.Context, job *storage.JobRecord, progress *Progress) (json.RawMessage, error) {
				return nil, errors.New("upstream rejected prompt")
			},
			wantMsg: "upstream rejected prompt",
		},
		{
			name: "handler panic",
			run: func(ctx context.Context, job *storage.JobRecord, progress *Progress) (json.RawMessage, error) {
				panic("nil frame buffer")
			},
			wantMsg: "job handler panicked: nil frame buffer",
		},
		{
			name: "timeout",
			cfg:  LoopConfig{Timeout: 50 * time.Millisecond},
			run: func(ctx context.Context, job *storage.JobRecord, progress *Progress) (json.RawMessage, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
			wantMsg: "job timed out after 50ms",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := &fakeHandler{jobType: types.JobTypeVideo, run: tt.run}
			m, store, _ := newTestManager(t, tt.cfg, handler)

			view := enqueue(t, m, "user-a", types.JobTypeVideo, `{"prompt":"storm"}`)
			final := waitForTerminal(t, m, "user-a", view.JobID)

			assert.Equal(t, types.StatusError, final.Status)
			assert.Contains(t, final.Error, tt.wantMsg)
			snapshot := decode(t, final.Snapshot)
			assert.Equal(t, types.StatusError, snapshot.Status)
			assert.Contains(t, snapshot.Error, tt.wantMsg)

			// The loop survives and keeps serving jobs
			handler.run = nil
			next := enqueue(t, m, "user-a", types.JobTypeVideo, `{"prompt":"calm"}`)
			assert.Equal(t, types.StatusDone, waitForTerminal(t, m, "user-a", next.JobID).Status)

			_, err := store.UpdateSnapshot(context.Background(), view.JobID, runningSnapshot())
			assert.ErrorIs(t, err, storage.ErrJobNotRunning)
		})
	}
}

func TestLoop_RunCycleRespectsMaxPerWake(t *testing.T) {
	handler := &fakeHandler{jobType: types.JobTypeShotlist}
	m, store, _ := newTestManager(t, LoopConfig{})
	loop := NewLoop(handler, store, LoopConfig{MaxPerWake: 2}, nil)

	for i := 0; i < 5; i++ {
		require.NoError(t, store.CreateJob(context.Background(), &storage.JobRecord{
			ID:           fmt.Sprintf("job-%d", i),
			UserID:       "user-a",
			Type:         types.JobTypeShotlist,
			Status:       types.StatusQueued,
			PayloadJSON:  []byte(`{"prompt":"x"}`),
			SnapshotJSON: queuedSnapshot(),
			CreatedAt:    time.Now().Add(time.Duration(i) * time.Millisecond),
		}))
	}

	assert.Equal(t, 2, loop.RunCycle(context.Background()))
	assert.Equal(t, 2, loop.RunCycle(context.Background()))
	assert.Equal(t, 1, loop.RunCycle(context.Background()))
	assert.Equal(t, 0, loop.RunCycle(context.Background()))

	queued, running, err := m.JobCounts(context.Background())
	require.NoError(t, err)
	assert.Zero(t, queued)
	assert.Zero(t, running)
}

func TestDispatcher_KickIsIdempotent(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	handler := &fakeHandler{
		jobType: types.JobTypeVideo,
		run: func(ctx context.Context, job *storage.JobRecord, progress *Progress) (json.RawMessage, error) {
			n := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				seen := maxInFlight.Load()
				if n <= seen || maxInFlight.CompareAndSwap(seen, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			return json.RawMessage(`{}`), nil
		},
	}
	m, _, dispatcher := newTestManager(t, LoopConfig{}, handler)

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, enqueue(t, m, "user-a", types.JobTypeVideo, `{"prompt":"wave"}`).JobID)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.KickAll()
		}()
	}
	wg.Wait()
	dispatcher.Wait()

	assert.Equal(t, int32(1), maxInFlight.Load(), "one wake cycle per loop at a time")
	assert.Equal(t, int32(5), handler.calls.Load(), "each job runs exactly once")
	for _, id := range ids {
		view, err := m.ReadJob(context.Background(), "user-a", id)
		require.NoError(t, err)
		assert.Equal(t, types.StatusDone, view.Status)
	}
}

func TestDispatcher_KickDuringCycleIsNotLost(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	handler := &fakeHandler{
		jobType: types.JobTypeVideo,
		run: func(ctx context.Context, job *storage.JobRecord, progress *Progress) (json.RawMessage, error) {
			select {
			case started <- struct{}{}:
			default:
			}
			<-release
			return json.RawMessage(`{}`), nil
		},
	}
	m, _, dispatcher := newTestManager(t, LoopConfig{}, handler)

	first := enqueue(t, m, "user-a", types.JobTypeVideo, `{"prompt":"one"}`)
	m.KickAll()
	<-started

	// Enqueued while the cycle is busy; the kick is coalesced
	second := enqueue(t, m, "user-a", types.JobTypeVideo, `{"prompt":"two"}`)
	m.KickAll()
	close(release)
	dispatcher.Wait()

	for _, id := range []string{first.JobID, second.JobID} {
		view, err := m.ReadJob(context.Background(), "user-a", id)
		require.NoError(t, err)
		assert.Equal(t, types.StatusDone, view.Status)
	}
}

func TestDispatcher_KicksAfterWaitAreIgnored(t *testing.T) {
	handler := &fakeHandler{jobType: types.JobTypeVideo}
	m, _, dispatcher := newTestManager(t, LoopConfig{}, handler)

	view := enqueue(t, m, "user-a", types.JobTypeVideo, `{"prompt":"late"}`)

	// Kicks racing shutdown must not start cycles Wait does not cover
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.KickAll()
		}()
	}
	dispatcher.Wait()
	wg.Wait()

	handledBeforeClose := handler.calls.Load()
	m.KickAll()
	assert.True(t, dispatcher.Kick(types.JobTypeVideo), "known type is still reported")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, handledBeforeClose, handler.calls.Load())

	current, err := m.ReadJob(context.Background(), "user-a", view.JobID)
	require.NoError(t, err)
	if handledBeforeClose == 0 {
		assert.Equal(t, types.StatusQueued, current.Status)
	} else {
		assert.Equal(t, types.StatusDone, current.Status)
	}
}

func TestDispatcher_KickUnknownType(t *testing.T) {
	_, _, dispatcher := newTestManager(t, LoopConfig{}, &fakeHandler{jobType: types.JobTypeVideo})

	assert.True(t, dispatcher.Kick(types.JobTypeVideo))
	assert.False(t, dispatcher.Kick("hologram"))
	assert.Equal(t, []string{types.JobTypeVideo}, dispatcher.Types())
}

func TestManager_RunStaleSweeperDisabled(t *testing.T) {
	m, _, _ := newTestManager(t, LoopConfig{})

	done := make(chan error, 1)
	go func() { done <- m.RunStaleSweeper(context.Background(), time.Second, 0) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper should return immediately when disabled")
	}
}

func TestManager_FailStaleJobs(t *testing.T) {
	m, store, _ := newTestManager(t, LoopConfig{})
	ctx := context.Background()

	require.NoError(t, store.CreateJob(ctx, &storage.JobRecord{
		ID:           "stuck",
		UserID:       "user-a",
		Type:         types.JobTypeVideo,
		Status:       types.StatusQueued,
		PayloadJSON:  []byte(`{}`),
		SnapshotJSON: queuedSnapshot(),
	}))
	_, err := store.ClaimNextJob(ctx, types.JobTypeVideo, runningSnapshot())
	require.NoError(t, err)

	failed, err := m.FailStaleJobs(ctx, -time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), failed)

	view, err := m.ReadJob(ctx, "user-a", "stuck")
	require.NoError(t, err)
	assert.Equal(t, types.StatusError, view.Status)
	assert.Equal(t, StaleJobMessage, view.Error)
	assert.Equal(t, StaleJobMessage, decode(t, view.Snapshot).Error)
}
