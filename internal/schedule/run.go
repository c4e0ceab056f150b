// ABOUTME: Runs the poll and refresh loops for one session together
// ABOUTME: The first loop to finish cancels the other

package schedule

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

// Session is what Run drives.
type Session interface {
	Poller
	Refresher
}

// Run polls and refreshes s until ctx is done or either loop ends. It
// returns the first loop error; ErrIdle is returned as is.
func Run(ctx context.Context, s Session, poll PollConfig, refresh RefreshConfig, handle Handler) error {
	g, gctx := errgroup.WithContext(ctx)
	stop := errors.New("loop finished")

	g.Go(func() error {
		if err := PollLoop(gctx, s, poll, handle); err != nil {
			return err
		}
		return stop
	})
	g.Go(func() error {
		if err := RefreshLoop(gctx, s, refresh); err != nil {
			return err
		}
		return stop
	})

	if err := g.Wait(); err != nil && !errors.Is(err, stop) {
		return err
	}
	return nil
}
