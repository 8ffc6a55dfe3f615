package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Scheduler defaults.
const (
	DefaultInterval = 60 * time.Second
	DefaultDebounce = 2 * time.Second
)

// Stats is a snapshot of scheduler activity.
type Stats struct {
	CyclesRun   int         `json:"cycles_run"`
	LastOutcome string      `json:"last_outcome,omitempty"`
	LastRun     time.Time   `json:"last_run,omitempty"`
	LastResult  CycleResult `json:"last_result"`
}

// Scheduler runs engine cycles on a fixed interval and on demand. All
// cycles execute on one goroutine, so at most one runs at a time; triggers
// arriving mid-cycle coalesce into a single follow-up run, and bursts of
// triggers collapse through a debounce window.
type Scheduler struct {
	engine   *Engine
	interval time.Duration
	debounce time.Duration
	logger   *slog.Logger

	triggerCh chan struct{}
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}

	mu    sync.Mutex
	stats Stats
}

// NewScheduler wraps the engine. Non-positive durations select defaults.
func NewScheduler(engine *Engine, interval, debounce time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		engine:    engine,
		interval:  interval,
		debounce:  debounce,
		logger:    logger,
		triggerCh: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start launches the scheduling loop and runs one immediate cycle so the
// node converges right after boot instead of waiting a full interval.
func (s *Scheduler) Start(ctx context.Context) {
	go s.loop(ctx)
}

// Trigger requests an out-of-band cycle. Never blocks; triggers issued
// while a cycle is running or a debounce window is open coalesce into one.
func (s *Scheduler) Trigger() {
	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
}

// Stop terminates the loop and waits for an in-flight cycle to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

// Stats returns a snapshot of scheduler activity.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.doneCh)

	s.runOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	var debounceFire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runOnce(ctx)
		case <-s.triggerCh:
			if debounceFire == nil {
				debounceFire = time.After(s.debounce)
			}
		case <-debounceFire:
			debounceFire = nil
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	res, _ := s.engine.RunCycle(ctx)
	s.mu.Lock()
	s.stats.CyclesRun++
	s.stats.LastOutcome = res.Outcome()
	s.stats.LastRun = res.StartedAt
	s.stats.LastResult = res
	s.mu.Unlock()
}
