// Package retry retries short network operations against datasources, tunnels
// and the shared schema cache.
package retry

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/ekaya-inc/ekaya-query-engine/pkg/apperrors"
)

// Config defines exponential backoff.
type Config struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// JitterFactor in [0,1] spreads delays by +/- that fraction.
	JitterFactor float64
	// MaxSameErrorType stops DoIfRetryable after that many consecutive
	// failures of one kind. Zero disables the check.
	MaxSameErrorType int
}

// DefaultConfig suits probes against a datasource, tunnel or cache: 3 retries
// starting at 100ms, doubling up to 5s, with 10% jitter.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:       3,
		InitialDelay:     100 * time.Millisecond,
		MaxDelay:         5 * time.Second,
		Multiplier:       2.0,
		JitterFactor:     0.1,
		MaxSameErrorType: 5,
	}
}

type backoff struct {
	cfg   *Config
	delay time.Duration
}

func newBackoff(cfg *Config) *backoff {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &backoff{cfg: cfg, delay: cfg.InitialDelay}
}

// wait sleeps for the next delay or until ctx is done.
func (b *backoff) wait(ctx context.Context) error {
	d := b.delay
	if b.cfg.JitterFactor > 0 {
		d += time.Duration(float64(d) * b.cfg.JitterFactor * (rand.Float64()*2 - 1))
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return ctx.Err()
	}

	b.delay = time.Duration(float64(b.delay) * b.cfg.Multiplier)
	if b.delay > b.cfg.MaxDelay {
		b.delay = b.cfg.MaxDelay
	}
	return nil
}

// DoWithResult calls fn until it succeeds or MaxRetries is exhausted. The last
// result is returned along with the last error.
func DoWithResult[T any](ctx context.Context, cfg *Config, fn func() (T, error)) (T, error) {
	b := newBackoff(cfg)
	var (
		result T
		err    error
	)
	for attempt := 0; ; attempt++ {
		if result, err = fn(); err == nil {
			return result, nil
		}
		if attempt >= b.cfg.MaxRetries {
			return result, err
		}
		if werr := b.wait(ctx); werr != nil {
			return result, werr
		}
	}
}

// Do is DoWithResult for functions without a result.
func Do(ctx context.Context, cfg *Config, fn func() error) error {
	_, err := DoWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoIfRetryable retries only transient errors. Anything IsRetryable rejects is
// returned at once, as is a run of MaxSameErrorType failures of one kind.
func DoIfRetryable(ctx context.Context, cfg *Config, fn func() error) error {
	b := newBackoff(cfg)
	var lastKind string
	same := 0
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}

		if kind := classify(err); kind == lastKind {
			same++
		} else {
			lastKind, same = kind, 1
		}
		if b.cfg.MaxSameErrorType > 0 && same >= b.cfg.MaxSameErrorType {
			return fmt.Errorf("repeated error (%d times, type=%s): %w", same, lastKind, err)
		}

		if attempt >= b.cfg.MaxRetries {
			return err
		}
		if werr := b.wait(ctx); werr != nil {
			return werr
		}
	}
}

// RetryableError lets an error decide its own retryability.
type RetryableError interface {
	error
	IsRetryable() bool
}

var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"i/o timeout",
	"timed out",
	"timeout",
	"temporary failure",
	"network is unreachable",
	"too many connections",
	"too many clients",
	"deadlock",
	"server selection",
	"server is shutting down",
	"service unavailable",
	"loading dataset in memory",
	"try again",
	"eof",
}

// IsRetryable reports whether err looks transient. Context cancellation and
// caller mistakes never are.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, apperrors.ErrValidation) || errors.Is(err, apperrors.ErrNotFound) {
		return false
	}

	var r RetryableError
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// classify buckets errors so repeated failures of one kind can be detected.
func classify(err error) string {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "connection reset"):
		return "connection"
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return "timeout"
	case strings.Contains(msg, "broken pipe"):
		return "broken_pipe"
	case strings.Contains(msg, "eof"):
		return "eof"
	}
	return "unknown"
}
