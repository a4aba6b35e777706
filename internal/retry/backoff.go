// Package retry retries transient failures of upstream generators and object
// storage using a fixed delay table.
package retry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Config holds retry configuration
type Config struct {
	MaxAttempts int
	Delays      []time.Duration
}

// DefaultConfig is used for upstream generator calls when nothing is configured
var DefaultConfig = Config{
	MaxAttempts: 3,
	Delays:      []time.Duration{500 * time.Millisecond, 2 * time.Second},
}

// delay returns the wait before the given retry (1-based). The last entry of
// Delays is reused once the table runs out.
func (c Config) delay(retry int) time.Duration {
	if len(c.Delays) == 0 {
		return 0
	}
	idx := retry - 1
	if idx >= len(c.Delays) {
		idx = len(c.Delays) - 1
	}
	return c.Delays[idx]
}

// ParseConfig builds a Config from an attempts count and a comma separated
// list of millisecond delays, e.g. GENERATOR_RETRY_ATTEMPTS=4 and
// GENERATOR_RETRY_BACKOFF_MS="200,1000,5000". Unparseable values fall back
// to defaults.
func ParseConfig(attemptsStr, backoffStr string, defaults Config) Config {
	cfg := defaults

	if attemptsStr != "" {
		if attempts, err := strconv.Atoi(strings.TrimSpace(attemptsStr)); err == nil && attempts > 0 {
			cfg.MaxAttempts = attempts
		}
	}

	if backoffStr != "" {
		var parsed []time.Duration
		for _, delayStr := range strings.Split(backoffStr, ",") {
			if ms, err := strconv.Atoi(strings.TrimSpace(delayStr)); err == nil && ms > 0 {
				parsed = append(parsed, time.Duration(ms)*time.Millisecond)
			}
		}
		if len(parsed) > 0 {
			cfg.Delays = parsed
		}
	}

	return cfg
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. WithRetry returns it at once.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// WithRetry calls fn up to MaxAttempts times, sleeping between attempts
// according to Delays. Errors wrapped with Permanent stop the retries and are
// returned unwrapped.
func WithRetry(ctx context.Context, cfg Config, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(cfg.delay(attempt)):
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled: %w", errors.Join(ctx.Err(), lastErr))
			}
		}

		err := fn()
		if err == nil {
			return nil
		}

		var p *permanentError
		if errors.As(err, &p) {
			return p.err
		}
		lastErr = err
	}

	if cfg.MaxAttempts == 1 {
		return lastErr
	}
	return fmt.Errorf("failed after %d attempts: %w", cfg.MaxAttempts, lastErr)
}
