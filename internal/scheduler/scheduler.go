// Package scheduler drives the phase engine's 1Hz tick and a separate
// always-on heartbeat, and owns the phase-scoped schedule registry that
// is cleared on every phase transition.
package scheduler

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/qingchang/escape-engine/internal/config"
	"github.com/qingchang/escape-engine/internal/observability"
)

// TickFunc is called once per scheduler tick with the tick's wall-clock
// time; the phase engine supplies this closure.
type TickFunc func(now time.Time)

// HeartbeatFunc is called once per heartbeat interval regardless of
// whether the phase ticker is running.
type HeartbeatFunc func(now time.Time)

// Scheduler runs one 1Hz phase ticker (start/stop per phase) and one
// independent heartbeat ticker (always running once started), and
// holds schedule entries keyed by phase name.
type Scheduler struct {
	logger      *zap.Logger
	metrics     *observability.Metrics
	onTick      TickFunc
	onHeartbeat HeartbeatFunc
	heartbeat   time.Duration

	mu        sync.Mutex
	ticker    *time.Ticker
	stopTick  chan struct{}
	schedules map[string][]config.ScheduleEntry
	fired     map[string]map[int]bool

	stopHB chan struct{}
}

func New(onTick TickFunc, onHeartbeat HeartbeatFunc, heartbeat time.Duration, metrics *observability.Metrics, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		logger: logger, metrics: metrics, onTick: onTick, onHeartbeat: onHeartbeat, heartbeat: heartbeat,
		schedules: make(map[string][]config.ScheduleEntry),
		fired:     make(map[string]map[int]bool),
	}
}

// StartHeartbeat starts the independent heartbeat ticker; call once at
// startup. It runs for the process lifetime.
func (s *Scheduler) StartHeartbeat() {
	s.stopHB = make(chan struct{})
	go func() {
		ticker := time.NewTicker(s.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopHB:
				return
			case now := <-ticker.C:
				s.onHeartbeat(now)
			}
		}
	}()
}

// StopHeartbeat stops the heartbeat ticker. Only used at process
// shutdown.
func (s *Scheduler) StopHeartbeat() {
	if s.stopHB != nil {
		close(s.stopHB)
	}
}

// StartTicking starts the 1Hz phase ticker. A phase with no duration,
// schedule, or running sequence has no reason to tick and the caller
// should not call this.
func (s *Scheduler) StartTicking() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ticker != nil {
		return
	}
	s.ticker = time.NewTicker(time.Second)
	s.stopTick = make(chan struct{})
	ticker := s.ticker
	stop := s.stopTick
	go func() {
		for {
			select {
			case <-stop:
				return
			case now := <-ticker.C:
				start := time.Now()
				s.onTick(now)
				if s.metrics != nil {
					s.metrics.SchedulerTickLen.Observe(float64(time.Since(start).Milliseconds()))
				}
			}
		}
	}()
}

// StopTicking stops the phase ticker. Idempotent.
func (s *Scheduler) StopTicking() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stopTick)
	s.ticker = nil
	s.stopTick = nil
}

// RegisterPhaseSchedule replaces the schedule entries for phaseKey.
// Call on every phase transition before any entries can fire.
func (s *Scheduler) RegisterPhaseSchedule(phaseKey string, entries []config.ScheduleEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules[phaseKey] = entries
	s.fired[phaseKey] = make(map[int]bool)
}

// ClearAllPhaseSchedules drops every registered schedule; called before
// every phase transition so a stale schedule from the previous phase
// never fires into the new one.
func (s *Scheduler) ClearAllPhaseSchedules() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules = make(map[string][]config.ScheduleEntry)
	s.fired = make(map[string]map[int]bool)
}

// DueEntries returns, and marks fired, every entry of phaseKey's
// schedule whose At equals remaining and that hasn't already fired
// this phase instance.
func (s *Scheduler) DueEntries(phaseKey string, remaining int) []config.ScheduleEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []config.ScheduleEntry
	for i, e := range s.schedules[phaseKey] {
		if e.At != remaining {
			continue
		}
		if s.fired[phaseKey][i] {
			continue
		}
		s.fired[phaseKey][i] = true
		due = append(due, e)
	}
	return due
}

// DueEntriesBypassFired returns every entry matching remaining
// regardless of prior-fired state, used by solved/failed handling which
// wants every matching schedule entry (hint suppression aside) to run
// on whichever tick its At equals the reset-remaining count.
func (s *Scheduler) DueEntriesBypassFired(phaseKey string, remaining int) []config.ScheduleEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []config.ScheduleEntry
	for _, e := range s.schedules[phaseKey] {
		if e.At == remaining {
			due = append(due, e)
		}
	}
	return due
}
