package agent

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"talos/internal/scheduler"
)

// Fleet runs several agents concurrently, one aligned scheduler per
// agent. Agents never share ledgers; the only shared pieces are the
// market source and the store, which are safe for concurrent use.
type Fleet struct {
	runners []*Runner
}

func NewFleet(runners ...*Runner) *Fleet {
	return &Fleet{runners: runners}
}

func (f *Fleet) Runners() []*Runner {
	return f.runners
}

// Runner returns the runner with the given id, or nil.
func (f *Fleet) Runner(id string) *Runner {
	for _, r := range f.runners {
		if r.ID == id {
			return r
		}
	}
	return nil
}

// Run blocks until ctx is cancelled or a runner panics out.
func (f *Fleet) Run(ctx context.Context) error {
	if len(f.runners) == 0 {
		return fmt.Errorf("fleet has no runners")
	}
	group, ctx := errgroup.WithContext(ctx)
	for _, r := range f.runners {
		r := r
		group.Go(func() error {
			sched := scheduler.NewAlignedScheduler(ctx, r.Interval, r.Offset)
			sched.RunImmediately = r.RunImmediately
			sched.Start(func() { r.RunOnce(ctx) })
			return ctx.Err()
		})
	}
	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
