// ABOUTME: Poll loop with adaptive backoff on empty batches and an idle timeout
// ABOUTME: Transient failures back off; other failures end the loop

package schedule

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/2389/coven-directline/internal/apierr"
	"github.com/2389/coven-directline/internal/directline"
)

const (
	DefaultMinInterval          = time.Second
	DefaultMaxInterval          = 10 * time.Second
	DefaultBackoff              = 1.5
	DefaultMaxConsecutiveErrors = 5
)

// ErrIdle is returned by PollLoop when no activity arrived within the idle
// timeout.
var ErrIdle = errors.New("conversation idle")

// Poller returns the activities after the session's watermark.
type Poller interface {
	PollNewActivities(ctx context.Context) ([]directline.Activity, error)
}

// Handler receives each non-empty batch in order. An error ends the loop.
type Handler func(ctx context.Context, activities []directline.Activity) error

// PollConfig tunes PollLoop. Zero values take the defaults.
type PollConfig struct {
	MinInterval time.Duration
	MaxInterval time.Duration
	// Backoff multiplies the interval after each empty batch or transient
	// failure.
	Backoff float64
	// IdleTimeout ends the loop with ErrIdle; 0 polls forever.
	IdleTimeout          time.Duration
	MaxConsecutiveErrors int
	Logger               *slog.Logger
}

func (c PollConfig) withDefaults() PollConfig {
	if c.MinInterval <= 0 {
		c.MinInterval = DefaultMinInterval
	}
	if c.MaxInterval < c.MinInterval {
		c.MaxInterval = max(DefaultMaxInterval, c.MinInterval)
	}
	if c.Backoff < 1 {
		c.Backoff = DefaultBackoff
	}
	if c.MaxConsecutiveErrors <= 0 {
		c.MaxConsecutiveErrors = DefaultMaxConsecutiveErrors
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// PollLoop polls p until ctx is done, the handler fails, a non-transient
// poll error occurs or the idle timeout passes. It returns nil when ctx ends.
func PollLoop(ctx context.Context, p Poller, cfg PollConfig, handle Handler) error {
	cfg = cfg.withDefaults()
	logger := cfg.Logger.With("component", "schedule.poll")

	interval := cfg.MinInterval
	failures := 0

	var idle <-chan time.Time
	var idleTimer *time.Timer
	if cfg.IdleTimeout > 0 {
		idleTimer = time.NewTimer(cfg.IdleTimeout)
		defer idleTimer.Stop()
		idle = idleTimer.C
	}

	wait := time.NewTimer(0)
	defer wait.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-idle:
			logger.Info("no activity within idle timeout", "timeout", cfg.IdleTimeout)
			return ErrIdle
		case <-wait.C:
		}

		activities, err := p.PollNewActivities(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			return nil
		case err != nil:
			failures++
			if !apierr.IsTransient(err) || failures >= cfg.MaxConsecutiveErrors {
				logger.Error("poll failed", "error", err, "consecutive_failures", failures)
				return err
			}
			interval = next(interval, cfg)
			logger.Warn("poll failed, backing off", "error", err, "retry_in", interval)
		case len(activities) > 0:
			failures = 0
			if err := handle(ctx, activities); err != nil {
				return err
			}
			interval = cfg.MinInterval
			if idleTimer != nil {
				if !idleTimer.Stop() {
					select {
					case <-idleTimer.C:
					default:
					}
				}
				idleTimer.Reset(cfg.IdleTimeout)
			}
		default:
			failures = 0
			interval = next(interval, cfg)
		}

		wait.Reset(interval)
	}
}

func next(interval time.Duration, cfg PollConfig) time.Duration {
	return min(time.Duration(float64(interval)*cfg.Backoff), cfg.MaxInterval)
}
