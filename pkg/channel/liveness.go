package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const livenessLogPrefix = "channel:liveness"

// Liveness probe limits.
const (
	PingAttempts = 3
	PingWait     = 200 * time.Millisecond
)

// Probe sends a sentinel to the peer and waits for its reply until ctx ends.
type Probe func(ctx context.Context) error

// Ping checks that the peer behind a possibly stale transport still
// answers. It makes up to PingAttempts bounded attempts and reports
// whether one succeeded. Only the last failure is logged as a warning:
// some transports deliver the real message even when the probe is lost,
// so callers send anyway.
func Ping(ctx context.Context, name string, probe Probe) bool {
	for attempt := 1; attempt <= PingAttempts; attempt++ {
		pctx, cancel := context.WithTimeout(ctx, PingWait)
		err := probe(pctx)
		cancel()
		if err == nil {
			return true
		}
		if attempt < PingAttempts {
			slog.Debug(fmt.Sprintf("%s - %s ping attempt %d failed: %v", livenessLogPrefix, name, attempt, err))
		} else {
			slog.Warn(fmt.Sprintf("%s - %s did not answer %d pings: %v", livenessLogPrefix, name, attempt, err))
		}
		if ctx.Err() != nil {
			return false
		}
	}
	return false
}

// ReconnectOptions bounds a reconnection loop.
type ReconnectOptions struct {
	// MinDelay is the minimum time between the starts of two attempts.
	MinDelay time.Duration
	// Deadline bounds the whole loop; zero means until ctx is done.
	Deadline time.Duration
}

// DefaultReconnectDelay is used when MinDelay is not set.
const DefaultReconnectDelay = 500 * time.Millisecond

// ErrReconnectGaveUp is returned when the loop ends without a connection.
var ErrReconnectGaveUp = errors.New("reconnect gave up")

// Reconnect calls dial until it succeeds, waiting at least MinDelay between
// attempts and giving up at the deadline.
func Reconnect(ctx context.Context, opts ReconnectOptions, dial func(ctx context.Context) error) error {
	delay := opts.MinDelay
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	if opts.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Deadline)
		defer cancel()
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		started := time.Now()
		lastErr = dial(ctx)
		if lastErr == nil {
			if attempt > 1 {
				slog.Info(fmt.Sprintf("%s - reconnected after %d attempts", livenessLogPrefix, attempt))
			}
			return nil
		}
		slog.Debug(fmt.Sprintf("%s - reconnect attempt %d failed: %v", livenessLogPrefix, attempt, lastErr))

		wait := delay - time.Since(started)
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s - %w after %d attempts: %v", livenessLogPrefix, ErrReconnectGaveUp, attempt, lastErr)
		case <-timer.C:
		}
	}
}
