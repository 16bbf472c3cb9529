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

package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/crabwatch/crabd/internal/errs"
	"github.com/crabwatch/crabd/internal/eventfilter"
	"github.com/crabwatch/crabd/internal/metrics"
	"github.com/crabwatch/crabd/internal/monitor"
	"github.com/crabwatch/crabd/internal/notify/format"
	"github.com/crabwatch/crabd/internal/store"
)

// DefaultQueueCapacity bounds the rate-limit overflow queue: deltas that
// can't dispatch immediately queue here rather than dropping outright,
// per spec §5's "overflow queues rather than drops, up to a bounded
// backlog; beyond backlog, drop and count".
const DefaultQueueCapacity = 256

type pendingDispatch struct {
	rule  store.NotifyRule
	delta monitor.Delta
}

// Dispatcher consumes status deltas from the monitor's fan-out, matches
// them against configured notification rules, and dispatches alerts over
// the registered transports.
type Dispatcher struct {
	db         store.Store
	transports map[string]Transport
	in         <-chan monitor.Delta
	logger     zerolog.Logger

	limiter *rate.Limiter
	queue   chan pendingDispatch

	dropped    int64
	statsMu    sync.Mutex
	stats      map[string]*ChannelStats
}

// NewDispatcher creates a Dispatcher. ratePerMinute and burst configure the
// single shared rate limiter guarding dispatch into the transports; in is
// the monitor's bounded fan-out channel.
func NewDispatcher(db store.Store, transports map[string]Transport, in <-chan monitor.Delta, ratePerMinute, burst int, logger zerolog.Logger) *Dispatcher {
	if ratePerMinute <= 0 {
		ratePerMinute = 50
	}
	if burst <= 0 {
		burst = 10
	}
	return &Dispatcher{
		db:         db,
		transports: transports,
		in:         in,
		logger:     logger,
		limiter:    rate.NewLimiter(rate.Limit(float64(ratePerMinute)/60.0), burst),
		queue:      make(chan pendingDispatch, DefaultQueueCapacity),
		stats:      make(map[string]*ChannelStats),
	}
}

// Run consumes deltas until ctx is cancelled or the input channel closes.
// It blocks, so callers run it in its own goroutine.
func (d *Dispatcher) Run(ctx context.Context) error {
	go d.drainQueue(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delta, ok := <-d.in:
			if !ok {
				return nil
			}
			d.evaluate(ctx, delta)
		}
	}
}

// DroppedCount returns the number of dispatches dropped after the overflow
// queue filled.
func (d *Dispatcher) DroppedCount() int64 {
	return atomic.LoadInt64(&d.dropped)
}

func (d *Dispatcher) evaluate(ctx context.Context, delta monitor.Delta) {
	rules, err := d.db.GetNotifications(ctx)
	if err != nil {
		d.logger.Error().Err(err).Msg("notify: failed to load rules")
		return
	}

	for _, rule := range rules {
		if !matches(rule, delta) {
			continue
		}
		d.submit(ctx, rule, delta)
	}
}

// matches implements spec §4.5's rule-matching predicate: host/crabid
// filters plus max(new_state, event.kind) >= rule.min_severity, with OK
// suppressed when skip_ok is set. The monitor's derived state already
// folds the triggering event's kind into delta.New, so no separate
// event-kind comparison is needed here.
func matches(rule store.NotifyRule, delta monitor.Delta) bool {
	if rule.Host != "" && rule.Host != delta.Host {
		return false
	}
	if rule.CrabID != "" && rule.CrabID != delta.CrabID {
		return false
	}
	if delta.New == eventfilter.StateOK && rule.SkipOK {
		return false
	}
	return eventfilter.Severity(delta.New) >= eventfilter.Severity(eventfilter.State(rule.MinSeverity))
}

func (d *Dispatcher) submit(ctx context.Context, rule store.NotifyRule, delta monitor.Delta) {
	if d.cooldownActive(ctx, rule, delta.JobRef, delta.New) {
		return
	}

	if d.limiter.Allow() {
		d.dispatch(ctx, rule, delta)
		return
	}

	select {
	case d.queue <- pendingDispatch{rule: rule, delta: delta}:
	default:
		atomic.AddInt64(&d.dropped, 1)
		d.logger.Warn().Str("host", delta.Host).Str("crab_id", delta.CrabID).
			Msg("notify: overflow queue full, dropping alert")
	}
}

func (d *Dispatcher) drainQueue(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-d.queue:
			if err := d.limiter.Wait(ctx); err != nil {
				return
			}
			d.dispatch(ctx, p.rule, p.delta)
		}
	}
}

// cooldownActive suppresses only a repeat alert of the same state within
// the cooldown window (spec §4.5: "a repeat alert of the same state");
// a genuine state transition always passes, even mid-cooldown.
func (d *Dispatcher) cooldownActive(ctx context.Context, rule store.NotifyRule, jobRef int64, state eventfilter.State) bool {
	if rule.CooldownSeconds <= 0 {
		return false
	}
	last, err := d.db.LastAlert(ctx, rule.ID, jobRef)
	if err != nil || last == nil {
		return false
	}
	if last.State != string(state) {
		return false
	}
	return time.Since(last.DispatchedAt) < time.Duration(rule.CooldownSeconds)*time.Second
}

func (d *Dispatcher) dispatch(ctx context.Context, rule store.NotifyRule, delta monitor.Delta) {
	transport, ok := d.transports[rule.Transport]
	if !ok {
		d.recordResult(ctx, rule, delta, "unknown transport: "+rule.Transport, false)
		return
	}

	data := format.Data{
		Host:      delta.Host,
		CrabID:    delta.CrabID,
		Severity:  string(delta.New),
		Timestamp: time.Now().UTC(),
	}
	if delta.Trigger != nil {
		data.EventKind = string(delta.Trigger.Kind)
		if rule.IncludeOutput {
			if delta.Trigger.Stdout != nil {
				data.Output += *delta.Trigger.Stdout
			}
			if delta.Trigger.Stderr != nil {
				data.Output += *delta.Trigger.Stderr
			}
		}
	}
	data.Title = delta.Host + "/" + delta.CrabID + " is " + string(delta.New)
	data.Message = "status changed from " + string(delta.Old) + " to " + string(delta.New)

	subject, body, err := format.Render("", "", data)
	if err != nil {
		d.recordResult(ctx, rule, delta, "format error: "+err.Error(), false)
		return
	}

	sendErr := transport.Send(ctx, rule.Address, subject, body)
	success := sendErr == nil
	result := "ok"
	if sendErr != nil {
		sendErr = errs.NewTransportError(rule.Transport, sendErr)
		result = sendErr.Error()
	}

	d.recordResult(ctx, rule, delta, result, success)
	d.recordStats(rule.Transport, success, result)
	metrics.RecordAlert(delta.Host, delta.CrabID, string(delta.New), rule.Transport, success)

	if !success {
		d.logger.Error().Err(sendErr).Str("transport", rule.Transport).
			Str("host", delta.Host).Str("crab_id", delta.CrabID).
			Msg("notify: dispatch failed")
	}
}

func (d *Dispatcher) recordResult(ctx context.Context, rule store.NotifyRule, delta monitor.Delta, result string, success bool) {
	var eventRef int64
	if delta.Trigger != nil {
		eventRef = delta.Trigger.ID
	}
	if _, err := d.db.RecordAlert(ctx, rule.ID, delta.JobRef, eventRef, string(delta.New), result, success); err != nil {
		d.logger.Error().Err(err).Msg("notify: failed to record alert")
	}
}

func (d *Dispatcher) recordStats(transportName string, success bool, errMsg string) {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()

	s, ok := d.stats[transportName]
	if !ok {
		s = &ChannelStats{}
		d.stats[transportName] = s
	}
	if success {
		s.SentTotal++
		s.LastSentAt = time.Now()
		s.ConsecutiveFailures = 0
	} else {
		s.FailedTotal++
		s.LastFailedAt = time.Now()
		s.LastFailedError = errMsg
		s.ConsecutiveFailures++
	}
}

// Stats returns a copy of the dispatch statistics for a transport, or nil
// if no dispatch has been attempted on it yet.
func (d *Dispatcher) Stats(transportName string) *ChannelStats {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	s, ok := d.stats[transportName]
	if !ok {
		return nil
	}
	cp := *s
	return &cp
}
