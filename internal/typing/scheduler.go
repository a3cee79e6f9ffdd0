package typing

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/socket-chat/internal/logging"
	"github.com/whisper/socket-chat/internal/metrics"
)

// SchedulerConfig holds the sweep tuning.
type SchedulerConfig struct {
	Interval time.Duration // how often to sweep (default: 1s)
	Timeout  time.Duration // entries older than this are expired (default: 1s)
}

// DefaultSchedulerConfig returns the sweep defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval: time.Second,
		Timeout:  time.Second,
	}
}

// BroadcastFunc publishes the current list of typing users.
type BroadcastFunc func(ctx context.Context, users []string) error

// Scheduler periodically expires stale typing entries. A sweep that removed
// at least one entry broadcasts the remaining list exactly once.
type Scheduler struct {
	store     Store
	config    SchedulerConfig
	broadcast BroadcastFunc
	now       func() time.Time
	log       zerolog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool // a sweep is in flight
}

// NewScheduler creates a stopped Scheduler.
func NewScheduler(store Store, config SchedulerConfig, broadcast BroadcastFunc) *Scheduler {
	return &Scheduler{
		store:     store,
		config:    config,
		broadcast: broadcast,
		now:       time.Now,
		log:       logging.Component("typing"),
	}
}

// Start begins sweeping in the background. Calling Start on a running
// scheduler does nothing.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.log.Debug().Msg("typing scheduler stopped")
				return
			case <-ticker.C:
				// Skip ticks that overlap a slow sweep.
				if !s.running.CompareAndSwap(false, true) {
					s.log.Warn().Msg("previous typing sweep still running, skipping tick")
					continue
				}
				s.wg.Add(1)
				go func() {
					defer s.wg.Done()
					defer s.running.Store(false)
					if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
						s.log.Error().Err(err).Msg("typing sweep failed")
					}
				}()
			}
		}
	}()
}

// Stop halts sweeping and waits for an in-flight sweep to finish. It is safe
// to call before Start and more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
}

// Tick runs one sweep and reports whether a broadcast was sent.
func (s *Scheduler) Tick(ctx context.Context) (bool, error) {
	removed, err := s.store.Expire(ctx, s.now().Add(-s.config.Timeout))
	if err != nil {
		return false, err
	}
	if removed == 0 {
		return false, nil
	}

	users, err := s.store.List(ctx)
	if err != nil {
		return false, err
	}
	metrics.TypingUsers.Set(float64(len(users)))
	s.log.Debug().Int("expired", removed).Int("typing", len(users)).Msg("typing entries expired")

	if err := s.broadcast(ctx, users); err != nil {
		return false, err
	}
	return true, nil
}
