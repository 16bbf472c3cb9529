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

// Package schedule evaluates cron specs into concrete expected-fire
// instants.
package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ScheduleError wraps a malformed cron spec or timezone name.
type ScheduleError struct {
	Spec string
	Err  error
}

func (e *ScheduleError) Error() string {
	return fmt.Sprintf("schedule: %q: %v", e.Spec, e.Err)
}

func (e *ScheduleError) Unwrap() error { return e.Err }

// Parse validates a cron spec without evaluating it, returning a
// *ScheduleError if it cannot be parsed.
func Parse(spec string) (cron.Schedule, error) {
	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, &ScheduleError{Spec: spec, Err: err}
	}
	return sched, nil
}

// ExpectedFires returns every instant in (t0, t1] at which spec, evaluated
// in the named IANA timezone, fires. Results are returned in UTC.
//
// DST handling falls out of robfig/cron's Next walking wall-clock minutes
// in the given *time.Location: a spring-forward gap is stepped over (it
// never matches a local wall-clock minute that doesn't exist), and a
// fall-back repeated hour is only matched once because Next always
// advances strictly past its input. crabd's only responsibility here is
// normalizing every returned instant back to UTC exactly once so a
// repeated local hour isn't double-counted by a caller comparing by
// local wall-clock string instead of absolute instant.
func ExpectedFires(spec, timezone string, t0, t1 time.Time) ([]time.Time, error) {
	sched, err := Parse(spec)
	if err != nil {
		return nil, err
	}

	loc := time.UTC
	if timezone != "" {
		l, err := time.LoadLocation(timezone)
		if err != nil {
			return nil, &ScheduleError{Spec: timezone, Err: err}
		}
		loc = l
	}

	if !t0.Before(t1) {
		return nil, nil
	}

	var fires []time.Time
	cursor := t0.In(loc)
	end := t1.In(loc)
	for {
		next := sched.Next(cursor)
		if next.IsZero() || next.After(end) {
			break
		}
		fires = append(fires, next.UTC())
		cursor = next
	}
	return fires, nil
}

// NextFire returns the next instant after t at which spec fires, in UTC.
func NextFire(spec, timezone string, t time.Time) (time.Time, error) {
	sched, err := Parse(spec)
	if err != nil {
		return time.Time{}, err
	}
	loc := time.UTC
	if timezone != "" {
		l, err := time.LoadLocation(timezone)
		if err != nil {
			return time.Time{}, &ScheduleError{Spec: timezone, Err: err}
		}
		loc = l
	}
	return sched.Next(t.In(loc)).UTC(), nil
}
