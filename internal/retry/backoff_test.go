package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failFirst returns an attempt func that fails n times before succeeding
func failFirst(n int, attempts *int) func() error {
	return func() error {
		*attempts++
		if *attempts <= n {
			return fmt.Errorf("generator: status 503: attempt %d", *attempts)
		}
		return nil
	}
}

func TestWithRetry_Attempts(t *testing.T) {
	tests := []struct {
		name         string
		cfg          Config
		failures     int
		wantAttempts int
		wantErr      string
	}{
		{
			name:         "first call succeeds",
			cfg:          Config{MaxAttempts: 3, Delays: []time.Duration{time.Millisecond}},
			wantAttempts: 1,
		},
		{
			name:         "recovers on last attempt",
			cfg:          Config{MaxAttempts: 3, Delays: []time.Duration{time.Millisecond, 2 * time.Millisecond}},
			failures:     2,
			wantAttempts: 3,
		},
		{
			name:         "exhausted",
			cfg:          Config{MaxAttempts: 3, Delays: []time.Duration{time.Millisecond}},
			failures:     10,
			wantAttempts: 3,
			wantErr:      "failed after 3 attempts: generator: status 503: attempt 3",
		},
		{
			name:         "short delay table reuses last entry",
			cfg:          Config{MaxAttempts: 5, Delays: []time.Duration{time.Millisecond}},
			failures:     4,
			wantAttempts: 5,
		},
		{
			name:         "zero attempts means one",
			cfg:          Config{},
			failures:     10,
			wantAttempts: 1,
			wantErr:      "generator: status 503: attempt 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attempts := 0
			err := WithRetry(context.Background(), tt.cfg, failFirst(tt.failures, &attempts))

			assert.Equal(t, tt.wantAttempts, attempts)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantErr, err.Error())
		})
	}
}

func TestWithRetry_WaitsBetweenAttempts(t *testing.T) {
	cfg := Config{MaxAttempts: 3, Delays: []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}}

	attempts := 0
	start := time.Now()
	err := WithRetry(context.Background(), cfg, failFirst(10, &attempts))

	assert.Error(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestWithRetry_CancelDuringDelay(t *testing.T) {
	cfg := Config{MaxAttempts: 10, Delays: []time.Duration{time.Second}}
	ctx, cancel := context.WithCancel(context.Background())

	attempts := 0
	start := time.Now()
	time.AfterFunc(10*time.Millisecond, cancel)
	err := WithRetry(ctx, cfg, failFirst(10, &attempts))

	assert.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, err.Error(), "retry cancelled")
	assert.Equal(t, 1, attempts)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestWithRetry_SingleAttemptReturnsBareError(t *testing.T) {
	cfg := Config{MaxAttempts: 1}
	upstream := errors.New("upstream 503")

	attempts := 0
	err := WithRetry(context.Background(), cfg, func() error {
		attempts++
		return upstream
	})

	assert.Equal(t, upstream, err)
	assert.Equal(t, 1, attempts)
}

func TestWithRetry_PermanentStopsImmediately(t *testing.T) {
	cfg := Config{
		MaxAttempts: 5,
		Delays:      []time.Duration{time.Second},
	}
	rejected := errors.New("prompt rejected by content policy")

	attempts := 0
	start := time.Now()
	err := WithRetry(context.Background(), cfg, func() error {
		attempts++
		return Permanent(fmt.Errorf("generate: %w", rejected))
	})

	assert.ErrorIs(t, err, rejected)
	assert.False(t, IsPermanent(err), "permanent marker is stripped on return")
	assert.Equal(t, 1, attempts)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestWithRetry_NoDelaysRetriesImmediately(t *testing.T) {
	cfg := Config{MaxAttempts: 3}

	attempts := 0
	err := WithRetry(context.Background(), cfg, func() error {
		attempts++
		return errors.New("connection reset")
	})

	assert.Error(t, err)
	assert.Equal(t, 3, attempts)
}

func TestWithRetry_CancelledErrorKeepsLastFailure(t *testing.T) {
	cfg := Config{
		MaxAttempts: 3,
		Delays:      []time.Duration{time.Second},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := WithRetry(ctx, cfg, func() error {
		return errors.New("upstream 502")
	})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "upstream 502")
}

func TestPermanent(t *testing.T) {
	assert.NoError(t, Permanent(nil))

	base := errors.New("bad request")
	wrapped := fmt.Errorf("call: %w", Permanent(base))
	assert.True(t, IsPermanent(wrapped))
	assert.ErrorIs(t, wrapped, base)
	assert.Equal(t, "call: bad request", wrapped.Error())
	assert.False(t, IsPermanent(base))
}

func TestParseConfig(t *testing.T) {
	defaults := Config{MaxAttempts: 2, Delays: []time.Duration{100 * time.Millisecond, time.Second}}

	tests := []struct {
		name       string
		attempts   string
		backoff    string
		wantMax    int
		wantDelays []time.Duration
	}{
		{name: "defaults", wantMax: 2, wantDelays: defaults.Delays},
		{name: "custom attempts", attempts: "5", wantMax: 5, wantDelays: defaults.Delays},
		{name: "custom delays", backoff: "200, 400,800", wantMax: 2, wantDelays: []time.Duration{200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond}},
		{name: "invalid attempts", attempts: "many", wantMax: 2, wantDelays: defaults.Delays},
		{name: "zero attempts", attempts: "0", wantMax: 2, wantDelays: defaults.Delays},
		{name: "partly invalid delays", backoff: "x,300,-5", wantMax: 2, wantDelays: []time.Duration{300 * time.Millisecond}},
		{name: "all invalid delays", backoff: "x,y", wantMax: 2, wantDelays: defaults.Delays},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := ParseConfig(tt.attempts, tt.backoff, defaults)
			assert.Equal(t, tt.wantMax, cfg.MaxAttempts)
			assert.Equal(t, tt.wantDelays, cfg.Delays)
		})
	}
}
