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

// Package eventfilter reduces a job's ordered event stream to its current
// derived liveness state, independent of the monitor's in-memory cache.
package eventfilter

import (
	"time"

	"github.com/crabwatch/crabd/internal/store"
)

// State is a job's derived liveness state.
type State string

const (
	StateUnknown State = "UNKNOWN"
	StateRunning State = "RUNNING"
	StateOK      State = "OK"
	StateWarn    State = "WARN"
	StateLate    State = "LATE"
	StateMissed  State = "MISSED"
	StateTimeout State = "TIMEOUT"
	StateFail    State = "FAIL"
)

// severityOrder implements the OK < WARN < LATE < MISSED < TIMEOUT < FAIL
// ordering from spec §4.5.
var severityOrder = map[State]int{
	StateOK:      0,
	StateWarn:    1,
	StateLate:    2,
	StateMissed:  3,
	StateTimeout: 4,
	StateFail:    5,
}

// Severity returns s's rank in the fixed severity ordering. Unknown/Running
// are not part of the alerting severity scale and rank below OK.
func Severity(s State) int {
	if r, ok := severityOrder[s]; ok {
		return r
	}
	return -1
}

// Max returns the higher-severity of a and b.
func Max(a, b State) State {
	if Severity(b) > Severity(a) {
		return b
	}
	return a
}

// Derived is the event stream reduced to its current state.
type Derived struct {
	LastStart       *store.Event
	LastFinish      *store.Event
	LastNonOKFinish *store.Event
	CurrentState    State
	StreakCounts    map[State]int
}

// Derive reduces an ordered (oldest-first) event stream into its current
// state, per spec §4.3: walk the reversed stream until a terminal is
// found. now and timeout are used only to distinguish a still-RUNNING
// START from one that has exceeded its timeout but has not yet had a
// synthetic TIMEOUT event materialized by the monitor.
func Derive(events []store.Event, now time.Time, timeout time.Duration) Derived {
	d := Derived{CurrentState: StateUnknown, StreakCounts: map[State]int{}}
	if len(events) == 0 {
		return d
	}

	for i := range events {
		e := events[i]
		switch e.Kind {
		case store.EventStart:
			ev := e
			d.LastStart = &ev
		case store.EventFinish:
			ev := e
			d.LastFinish = &ev
			if e.StatusCode == nil || *e.StatusCode != 0 {
				d.LastNonOKFinish = &ev
			}
		}
	}

	last := events[len(events)-1]
	terminalKind := stateForEvent(last, now, timeout)
	d.CurrentState = terminalKind

	d.StreakCounts[terminalKind] = streakLength(events, terminalKind)

	return d
}

func stateForEvent(e store.Event, now time.Time, timeout time.Duration) State {
	switch e.Kind {
	case store.EventStart:
		if timeout > 0 && now.Sub(e.Timestamp) > timeout {
			return StateTimeout
		}
		return StateRunning
	case store.EventFinish:
		if e.StatusCode != nil && *e.StatusCode == 0 {
			return StateOK
		}
		return StateFail
	case store.EventWarn:
		return StateWarn
	case store.EventAlreadyRunning, store.EventInhibited:
		return StateWarn
	case store.EventMissed:
		return StateMissed
	case store.EventLate:
		return StateLate
	case store.EventTimeout:
		return StateTimeout
	case store.EventCouldNotStart:
		return StateFail
	default:
		return StateUnknown
	}
}

// streakLength counts how many trailing events (from the reversed stream)
// reduce to the same terminal state. START events are skipped rather
// than ending the streak, so only completed attempts are counted.
func streakLength(events []store.Event, state State) int {
	count := 0
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		if e.Kind == store.EventStart {
			continue
		}
		s := stateForEvent(e, e.Timestamp, 0)
		if s != state {
			break
		}
		count++
	}
	return count
}
