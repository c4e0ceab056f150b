// ABOUTME: Refresh loop calling EnsureFresh on a fixed interval
// ABOUTME: Stops on a terminal session error, logs and continues on transient ones

package schedule

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/2389/coven-directline/internal/apierr"
	"github.com/2389/coven-directline/internal/session"
)

// DefaultRefreshInterval is how often RefreshLoop checks the token.
const DefaultRefreshInterval = time.Minute

// Refresher keeps a session token valid.
type Refresher interface {
	EnsureFresh(ctx context.Context) (bool, error)
}

// RefreshConfig tunes RefreshLoop.
type RefreshConfig struct {
	Interval time.Duration
	Logger   *slog.Logger
}

// RefreshLoop calls EnsureFresh every interval until ctx is done (nil) or the
// session can no longer be refreshed (the error).
func RefreshLoop(ctx context.Context, r Refresher, cfg RefreshConfig) error {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "schedule.refresh")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		refreshed, err := r.EnsureFresh(ctx)
		switch {
		case err == nil:
			if refreshed {
				logger.Debug("token refreshed ahead of expiry")
			}
		case ctx.Err() != nil:
			return nil
		case terminal(err):
			logger.Warn("refresh loop stopping", "error", err)
			return err
		default:
			logger.Warn("refresh failed, will retry", "error", err, "retry_in", interval)
		}
	}
}

// terminal reports whether err means the session cannot recover.
func terminal(err error) bool {
	if errors.Is(err, session.ErrSessionExpired) || errors.Is(err, session.ErrSessionClosed) {
		return true
	}
	switch apierr.KindOf(err) {
	case apierr.KindNetwork, apierr.KindServiceUnavailable:
		return false
	default:
		return true
	}
}
