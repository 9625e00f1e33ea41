package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Sweeper runs the coordinator's sweep on a fixed interval.
type Sweeper struct {
	coordinator *Coordinator
	interval    time.Duration
	logger      *slog.Logger
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
}

func NewSweeper(coordinator *Coordinator, interval time.Duration) *Sweeper {
	ctx, cancel := context.WithCancel(context.Background())
	return &Sweeper{
		coordinator: coordinator,
		interval:    interval,
		logger:      coordinator.logger,
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (s *Sweeper) Start() {
	s.wg.Go(func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.ctx.Done():
				s.logger.Info("running final sweep before shutdown")
				s.sweep(context.Background())
				return
			case <-ticker.C:
				s.sweep(s.ctx)
			}
		}
	})
}

func (s *Sweeper) sweep(ctx context.Context) {
	if _, err := s.coordinator.Sweep(ctx); err != nil {
		if errors.Is(err, ErrSweepInProgress) {
			s.logger.Debug("sweep skipped, another one is running")
			return
		}
		if errors.Is(err, context.Canceled) {
			return
		}
		s.logger.Error("sweep failed", "error", err)
	}
}

func (s *Sweeper) Shutdown() {
	s.cancel()
	s.wg.Wait()
}
