// Package governor paces and retries remote platform calls under the
// platform's rate-limiting contract.
package governor

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/chatwatch/chatwatch/internal/platform"
	"go.uber.org/zap"
)

// Options configures pacing and retry behavior.
type Options struct {
	// MinDelay is the minimum gap between the end of one call and the start
	// of the next. Measured from call end so a slow call is not followed by
	// an immediate burst.
	MinDelay time.Duration
	// MaxThrottleWait caps any single throttle sleep. A platform-requested
	// wait above it aborts the call without sleeping.
	MaxThrottleWait time.Duration
	// BackoffMultiplier scales a throttle wait per attempt.
	BackoffMultiplier float64
	// MaxAttempts bounds retries for both throttles and transient errors.
	MaxAttempts int
}

// Stats is a read-only snapshot of the governor's session counters.
type Stats struct {
	TotalCalls        int64     `json:"total_calls"`
	ThrottleEvents    int64     `json:"throttle_events"`
	Errors            int64     `json:"errors"`
	StartTime         time.Time `json:"start_time"`
	DurationSeconds   float64   `json:"duration_seconds"`
	RequestsPerMinute float64   `json:"requests_per_minute"`
	ThrottleRate      float64   `json:"throttle_rate"`
}

// Governor wraps remote calls with pacing, throttle handling, and backoff.
// It assumes a single logical flow of control issues calls; the mutex only
// protects counter reads from observers.
type Governor struct {
	opts   Options
	logger *zap.Logger

	// sleep is swappable for tests.
	sleep func(ctx context.Context, d time.Duration) error

	mu          sync.Mutex
	lastCallEnd time.Time
	totalCalls  int64
	throttles   int64
	errorCount  int64
	startTime   time.Time
}

// New creates a governor. Zero option fields fall back to safe defaults.
func New(opts Options, logger *zap.Logger) *Governor {
	if opts.MinDelay <= 0 {
		opts.MinDelay = 500 * time.Millisecond
	}
	if opts.MaxThrottleWait <= 0 {
		opts.MaxThrottleWait = 300 * time.Second
	}
	if opts.BackoffMultiplier <= 0 {
		opts.BackoffMultiplier = 1.5
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Governor{
		opts:      opts,
		logger:    logger,
		sleep:     sleepCtx,
		startTime: time.Now(),
	}
}

// Execute runs fn under pacing and the retry policy. Throttle signals are
// retried with multiplicative backoff up to the attempt cap; a requested wait
// above the ceiling aborts immediately with RateLimitExceededError. Other
// errors are retried with exponential backoff, then propagated.
// ErrAccountRestricted is never retried.
func (g *Governor) Execute(ctx context.Context, label string, fn func(ctx context.Context) error) error {
	for attempt := 1; attempt <= g.opts.MaxAttempts; attempt++ {
		if err := g.pace(ctx); err != nil {
			return err
		}

		g.mu.Lock()
		g.totalCalls++
		g.mu.Unlock()

		err := fn(ctx)

		g.mu.Lock()
		g.lastCallEnd = time.Now()
		g.mu.Unlock()

		if err == nil {
			return nil
		}
		if errors.Is(err, platform.ErrAccountRestricted) || errors.Is(err, context.Canceled) {
			return err
		}
		// No point retrying once the context is done.
		if ctx.Err() != nil {
			return err
		}

		if retryAfter, ok := platform.IsThrottled(err); ok {
			g.mu.Lock()
			g.throttles++
			g.mu.Unlock()

			if retryAfter > g.opts.MaxThrottleWait {
				g.logger.Warn("throttle wait above ceiling, abandoning call",
					zap.String("call", label),
					zap.Duration("retry_after", retryAfter))
				return &platform.RateLimitExceededError{Wait: retryAfter}
			}
			if attempt == g.opts.MaxAttempts {
				g.logger.Warn("throttle attempts exhausted",
					zap.String("call", label),
					zap.Int("attempts", attempt))
				return &platform.RateLimitExceededError{Wait: retryAfter}
			}

			wait := g.throttleWait(retryAfter, attempt)
			g.logger.Info("throttled, backing off",
				zap.String("call", label),
				zap.Duration("wait", wait),
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", g.opts.MaxAttempts))
			if serr := g.sleep(ctx, wait); serr != nil {
				return serr
			}
			continue
		}

		// Transient error path.
		g.mu.Lock()
		g.errorCount++
		g.mu.Unlock()

		if attempt == g.opts.MaxAttempts {
			return err
		}
		// 2^attempt, matching the throttle path's per-attempt exponent.
		wait := time.Duration(math.Pow(2, float64(attempt))) * time.Second
		g.logger.Warn("transient error, retrying",
			zap.String("call", label),
			zap.Error(err),
			zap.Duration("wait", wait),
			zap.Int("attempt", attempt))
		if serr := g.sleep(ctx, wait); serr != nil {
			return serr
		}
	}
	// Unreachable: the loop always returns on its final attempt.
	return nil
}

// throttleWait computes min(retryAfter * multiplier^attempt, ceiling).
func (g *Governor) throttleWait(retryAfter time.Duration, attempt int) time.Duration {
	scaled := time.Duration(float64(retryAfter) * math.Pow(g.opts.BackoffMultiplier, float64(attempt)))
	if scaled > g.opts.MaxThrottleWait {
		return g.opts.MaxThrottleWait
	}
	return scaled
}

// pace sleeps until MinDelay has elapsed since the previous call ended.
func (g *Governor) pace(ctx context.Context) error {
	g.mu.Lock()
	last := g.lastCallEnd
	g.mu.Unlock()

	if last.IsZero() {
		return nil
	}
	elapsed := time.Since(last)
	if elapsed >= g.opts.MinDelay {
		return nil
	}
	return g.sleep(ctx, g.opts.MinDelay-elapsed)
}

// Stats returns a snapshot of the session counters.
func (g *Governor) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()

	dur := time.Since(g.startTime).Seconds()
	s := Stats{
		TotalCalls:      g.totalCalls,
		ThrottleEvents:  g.throttles,
		Errors:          g.errorCount,
		StartTime:       g.startTime,
		DurationSeconds: dur,
	}
	if dur > 0 {
		s.RequestsPerMinute = float64(g.totalCalls) / dur * 60
	}
	if g.totalCalls > 0 {
		s.ThrottleRate = float64(g.throttles) / float64(g.totalCalls) * 100
	}
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
