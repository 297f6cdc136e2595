package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cschleiden/go-triage/core"
)

// Maintainer is implemented by Engine.
type Maintainer interface {
	RecoverInterrupted(ctx context.Context) (int, error)
	SweepStalePaused(ctx context.Context, horizon time.Duration) ([]*core.WorkflowInstance, error)
	RemoveExpired(ctx context.Context) (int, error)
}

type SweeperOptions struct {
	// Interval between two sweeps
	Interval time.Duration

	// StaleAfter is the time after which a paused instance is reported as stale
	StaleAfter time.Duration

	Logger *slog.Logger
	Clock  clock.Clock
}

var DefaultSweeperOptions = SweeperOptions{
	Interval:   time.Hour,
	StaleAfter: 72 * time.Hour,
}

// Sweeper periodically recovers interrupted instances, reports stale paused instances, and removes
// expired ones.
type Sweeper struct {
	m       Maintainer
	options SweeperOptions

	wg sync.WaitGroup
}

func NewSweeper(m Maintainer, options *SweeperOptions) *Sweeper {
	if options == nil {
		options = &DefaultSweeperOptions
	}

	o := *options
	if o.Interval <= 0 {
		o.Interval = DefaultSweeperOptions.Interval
	}

	if o.Logger == nil {
		o.Logger = slog.Default()
	}

	if o.Clock == nil {
		o.Clock = clock.New()
	}

	return &Sweeper{
		m:       m,
		options: o,
	}
}

// Start runs sweeps until ctx is cancelled. The first sweep runs immediately.
func (s *Sweeper) Start(ctx context.Context) error {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := s.options.Clock.Ticker(s.options.Interval)
		defer ticker.Stop()

		for {
			s.sweep(ctx)

			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

func (s *Sweeper) WaitForCompletion() error {
	s.wg.Wait()

	return nil
}

func (s *Sweeper) sweep(ctx context.Context) {
	if _, err := s.m.RecoverInterrupted(ctx); err != nil {
		s.options.Logger.ErrorContext(ctx, "error recovering interrupted workflow instances", "error", err)
	}

	if s.options.StaleAfter > 0 {
		if _, err := s.m.SweepStalePaused(ctx, s.options.StaleAfter); err != nil {
			s.options.Logger.ErrorContext(ctx, "error sweeping paused workflow instances", "error", err)
		}
	}

	if _, err := s.m.RemoveExpired(ctx); err != nil {
		s.options.Logger.ErrorContext(ctx, "error removing expired workflow instances", "error", err)
	}
}
