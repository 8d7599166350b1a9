// Package scheduler runs the periodic inactivity sweep and snapshot rebuild.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"c19x.org/internal/logging"
	"c19x.org/internal/publish"
)

// Sweeper evicts devices inactive for more than the given number of days.
type Sweeper interface {
	Clear(ctx context.Context, days int) (int, error)
}

// Publisher rebuilds the snapshot.
type Publisher interface {
	Publish(ctx context.Context) (publish.Snapshot, error)
}

// Scheduler repeats RunOnce at the configured update interval. Reconfigure
// replaces the running loop.
type Scheduler struct {
	sweeper Sweeper
	pub     Publisher
	params  publish.ParameterSource
	log     logging.Logger

	mu       sync.Mutex
	parent   context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	interval time.Duration
}

func New(s Sweeper, p Publisher, params publish.ParameterSource, log logging.Logger) *Scheduler {
	if log == nil {
		log = logging.Nop{}
	}
	return &Scheduler{sweeper: s, pub: p, params: params, log: log}
}

// RunOnce evicts inactive devices and then publishes. The publish runs even
// when the sweep fails.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	p := s.params.Get()
	removed, sweepErr := s.sweeper.Clear(ctx, p.ExpireInactivity)
	if sweepErr != nil {
		s.log.Warn(ctx, "inactivity sweep failed", "err", sweepErr)
		sweepErr = fmt.Errorf("scheduler: sweep: %w", sweepErr)
	} else if removed > 0 {
		s.log.Info(ctx, "evicted inactive devices", "count", removed, "days", p.ExpireInactivity)
	}
	var pubErr error
	if _, err := s.pub.Publish(ctx); err != nil {
		s.log.Error(ctx, "publish failed", "err", err)
		pubErr = fmt.Errorf("scheduler: publish: %w", err)
	}
	return errors.Join(sweepErr, pubErr)
}

// Start runs immediately and then every update interval until ctx ends.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parent = ctx
	if s.interval <= 0 {
		s.interval = s.params.Get().Update
	}
	s.launch()
}

// Reconfigure stops the current loop and starts a new one with interval.
// Before Start it only records the interval.
func (s *Scheduler) Reconfigure(interval time.Duration) {
	if interval <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interval = interval
	if s.parent == nil {
		return
	}
	s.stop()
	s.launch()
}

// Interval returns the current period.
func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// Wait blocks until the current loop has exited.
func (s *Scheduler) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// launch must be called with mu held.
func (s *Scheduler) launch() {
	ctx, cancel := context.WithCancel(s.parent)
	done := make(chan struct{})
	s.cancel, s.done = cancel, done
	interval := s.interval
	s.log.Info(ctx, "scheduler started", "interval", interval.String())
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			_ = s.RunOnce(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// stop must be called with mu held.
func (s *Scheduler) stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel, s.done = nil, nil
}
