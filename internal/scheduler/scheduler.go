package scheduler

import (
	"context"
	"time"

	"talos/internal/logger"
)

// AlignedScheduler fires a task aligned to interval boundaries in UTC,
// optionally delayed by Offset so data providers have finished writing
// the closed candle.
type AlignedScheduler struct {
	Interval       time.Duration
	Offset         time.Duration
	RunImmediately bool

	ctx   context.Context
	nowFn func() time.Time
}

func NewAlignedScheduler(ctx context.Context, interval, offset time.Duration) *AlignedScheduler {
	if ctx == nil {
		ctx = context.Background()
	}
	return &AlignedScheduler{
		Interval: interval,
		Offset:   offset,
		ctx:      ctx,
		nowFn:    time.Now,
	}
}

// Start blocks, running task at every aligned boundary until the
// context is cancelled. The task runs on the caller's goroutine so one
// slow tick delays the next instead of piling up.
func (s *AlignedScheduler) Start(task func()) {
	if s == nil || task == nil {
		return
	}
	if s.Interval <= 0 {
		logger.Warnf("scheduler: invalid interval=%s, exit", s.Interval)
		return
	}
	if s.Offset < 0 {
		s.Offset = 0
	}
	if s.nowFn == nil {
		s.nowFn = time.Now
	}

	startAt := s.nowFn().UTC()
	logger.Infof("scheduler: started interval=%s offset=%s run_immediately=%v",
		s.Interval, s.Offset, s.RunImmediately)

	if s.RunImmediately {
		task()
	}

	for {
		now := s.nowFn().UTC()
		boundary, wakeAt, wait := s.nextTimes(now)
		logger.Debugf("scheduler: boundary=%s wake=%s in %s uptime=%s",
			boundary.Format(time.RFC3339),
			wakeAt.Format(time.RFC3339),
			wait.Truncate(time.Second),
			now.Sub(startAt).Truncate(time.Second))

		if wait <= 0 {
			task()
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			logger.Infof("scheduler: ctx done, exit")
			return
		case <-timer.C:
		}
		task()
	}
}

func (s *AlignedScheduler) nextTimes(now time.Time) (boundary, wakeAt time.Time, wait time.Duration) {
	now = now.UTC()
	boundary = now.Truncate(s.Interval).Add(s.Interval)
	wakeAt = boundary.Add(s.Offset)
	return boundary, wakeAt, wakeAt.Sub(now)
}
