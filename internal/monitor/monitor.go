/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package monitor implements the liveness monitor: a ticking task that
// compares expected schedule fires and in-flight starts against the
// Store, materializes synthetic MISSED/TIMEOUT events, and fans out
// status-delta notifications on state changes.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/crabwatch/crabd/internal/eventfilter"
	"github.com/crabwatch/crabd/internal/schedule"
	"github.com/crabwatch/crabd/internal/store"
)

// Delta describes a job's derived state transition, as handed to the
// notification fan-out.
type Delta struct {
	JobRef  int64
	Host    string
	CrabID  string
	Old     eventfilter.State
	New     eventfilter.State
	Trigger *store.Event
}

// DefaultLookback bounds how far back the first tick after startup looks
// for missed fires, so a long-stopped daemon doesn't flood MISSED events
// for every fire since the job's first registration.
const DefaultLookback = 24 * time.Hour

// Monitor ticks on a fixed interval, evaluating every non-retired
// scheduled job against the Store.
type Monitor struct {
	db           store.Store
	out          chan Delta
	tickInterval time.Duration
	degradedCap  int
	logger       zerolog.Logger

	mu      sync.Mutex
	stopCh  chan struct{}
	running bool

	cacheMu sync.RWMutex
	cache   map[int64]eventfilter.State

	lastCheckMu sync.Mutex
	lastCheck   map[int64]time.Time

	degradedMu  sync.Mutex
	degraded    bool
	backlogSize int
}

// New creates a Monitor. out is the bounded fan-out channel consumed by
// the notification engine; degradedCap is the hard backlog ceiling past
// which state-transition deltas are finally dropped and a single
// "notifications-degraded" delta is raised instead (spec §5).
func New(db store.Store, out chan Delta, tickInterval time.Duration, degradedCap int, logger zerolog.Logger) *Monitor {
	return &Monitor{
		db:           db,
		out:          out,
		tickInterval: tickInterval,
		degradedCap:  degradedCap,
		logger:       logger,
		stopCh:       make(chan struct{}),
		cache:        make(map[int64]eventfilter.State),
		lastCheck:    make(map[int64]time.Time),
	}
}

// Start begins the tick loop and blocks until ctx is cancelled or Stop is
// called.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.mu.Unlock()

	m.logger.Info().Dur("interval", m.tickInterval).Msg("starting liveness monitor")

	ticker := time.NewTicker(m.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.stopCh:
			return nil
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// Stop halts the tick loop.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		close(m.stopCh)
		m.running = false
	}
}

// Snapshot returns a copy of the monitor's in-memory status cache, per
// spec §5's "other readers snapshot it, they don't share the map".
func (m *Monitor) Snapshot() map[int64]eventfilter.State {
	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()
	out := make(map[int64]eventfilter.State, len(m.cache))
	for k, v := range m.cache {
		out[k] = v
	}
	return out
}

func (m *Monitor) tick(ctx context.Context) {
	now := time.Now().UTC()

	jobs, err := m.db.GetJobs(ctx, false)
	if err != nil {
		m.logger.Error().Err(err).Msg("monitor: failed to list jobs")
		return
	}

	for _, job := range jobs {
		if job.Inhibited || job.Misconfigured != "" {
			continue
		}
		m.checkJob(ctx, job, now)
	}
}

func (m *Monitor) checkJob(ctx context.Context, job store.Registration, now time.Time) {
	logger := m.logger.With().Str("host", job.Host).Str("crab_id", job.CrabID).Logger()

	if job.Schedule != "" {
		m.checkMissedFires(ctx, job, now, logger)
	}

	timeout := time.Duration(job.Timeout) * time.Second
	events, err := m.db.GetEvents(ctx, job.ID, nil, 0)
	if err != nil {
		logger.Error().Err(err).Msg("monitor: failed to load events")
		return
	}

	m.checkTimeout(ctx, job, events, now, timeout, logger)

	derived := eventfilter.Derive(events, now, timeout)
	m.publishIfChanged(job, derived, events)
}

func (m *Monitor) checkMissedFires(ctx context.Context, job store.Registration, now time.Time, logger zerolog.Logger) {
	grace := time.Duration(job.GracePeriod) * time.Second

	m.lastCheckMu.Lock()
	since, ok := m.lastCheck[job.ID]
	if !ok {
		since = now.Add(-DefaultLookback)
	}
	// The watermark only advances to now-grace, never all the way to now:
	// a fire isn't settled (found or overdue) until its grace period
	// elapses, so advancing past it while it's still pending would drop
	// it from every later scan window and lose its MISSED event for
	// good. MaterializeMissed is idempotent, so rescanning an
	// already-settled fire on a later tick is harmless.
	next := now.Add(-grace)
	if next.Before(since) {
		next = since
	}
	m.lastCheck[job.ID] = next
	m.lastCheckMu.Unlock()

	fires, err := schedule.ExpectedFires(job.Schedule, job.Timezone, since, now)
	if err != nil {
		logger.Warn().Err(err).Msg("monitor: schedule evaluation failed")
		_ = m.db.SetMisconfigured(ctx, job.ID, err.Error())
		return
	}

	for _, fire := range fires {
		windowEnd := fire.Add(grace)
		events, err := m.db.GetEvents(ctx, job.ID, &fire, 0)
		if err != nil {
			logger.Error().Err(err).Msg("monitor: failed to check for start")
			continue
		}

		found := false
		for _, e := range events {
			if e.Kind == store.EventStart && !e.Timestamp.After(windowEnd) {
				found = true
				break
			}
		}
		if found {
			continue
		}
		if now.After(windowEnd) {
			if _, created, err := m.db.MaterializeMissed(ctx, job.ID, fire); err != nil {
				logger.Error().Err(err).Msg("monitor: failed to materialize MISSED")
			} else if created {
				logger.Info().Time("fire", fire).Msg("materialized MISSED event")
			}
		}
	}
}

func (m *Monitor) checkTimeout(ctx context.Context, job store.Registration, events []store.Event, now time.Time, timeout time.Duration, logger zerolog.Logger) {
	if timeout <= 0 || len(events) == 0 {
		return
	}
	last := events[len(events)-1]
	if last.Kind != store.EventStart {
		return
	}
	if now.Sub(last.Timestamp) <= timeout {
		return
	}
	if _, created, err := m.db.MaterializeTimeout(ctx, job.ID, last.ID, now); err != nil {
		logger.Error().Err(err).Msg("monitor: failed to materialize TIMEOUT")
	} else if created {
		logger.Warn().Int64("start_event_id", last.ID).Msg("materialized TIMEOUT event")
	}
}

func (m *Monitor) publishIfChanged(job store.Registration, derived eventfilter.Derived, events []store.Event) {
	m.cacheMu.Lock()
	old, existed := m.cache[job.ID]
	m.cache[job.ID] = derived.CurrentState
	m.cacheMu.Unlock()

	if existed && old == derived.CurrentState {
		return
	}

	var trigger *store.Event
	if len(events) > 0 {
		ev := events[len(events)-1]
		trigger = &ev
	}

	delta := Delta{
		JobRef:  job.ID,
		Host:    job.Host,
		CrabID:  job.CrabID,
		Old:     old,
		New:     derived.CurrentState,
		Trigger: trigger,
	}
	m.publish(delta, existed)
}

// publish enqueues delta on the bounded fan-out channel. State-transition
// deltas (existed==true, meaning a prior state was cached) are never
// dropped except past the hard degraded-backlog ceiling; the very first
// observation of a job's state (existed==false) is treated as a
// duplicate-of-nothing and may be dropped first under backpressure.
func (m *Monitor) publish(delta Delta, isTransition bool) {
	select {
	case m.out <- delta:
		m.degradedMu.Lock()
		if m.backlogSize > 0 {
			m.backlogSize--
		}
		m.degradedMu.Unlock()
		return
	default:
	}

	m.degradedMu.Lock()
	defer m.degradedMu.Unlock()

	if !isTransition && m.backlogSize < m.degradedCap {
		// Drop the initial-observation delta silently; it carries no
		// state change a consumer needs to act on.
		return
	}

	m.backlogSize++
	if m.backlogSize >= m.degradedCap {
		if !m.degraded {
			m.degraded = true
			m.logger.Error().Msg("notification fan-out backlog exceeded ceiling; raising notifications-degraded alert")
			select {
			case m.out <- Delta{Host: "", CrabID: "", New: eventfilter.StateFail, Old: eventfilter.StateUnknown}:
			default:
			}
		}
		return
	}

	select {
	case m.out <- delta:
	default:
	}
}
