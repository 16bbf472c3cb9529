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

// Package store provides the durable, transactional persistence layer for
// job registrations, their event history, schedules, notification rules,
// and dispatched alerts.
package store

import (
	"context"
	"time"
)

// EventKind enumerates the fixed job-lifecycle event vocabulary.
type EventKind string

const (
	EventStart          EventKind = "START"
	EventFinish         EventKind = "FINISH"
	EventWarn           EventKind = "WARN"
	EventAlreadyRunning EventKind = "ALREADYRUNNING"
	EventInhibited      EventKind = "INHIBITED"
	EventMissed         EventKind = "MISSED"
	EventLate           EventKind = "LATE"
	EventTimeout        EventKind = "TIMEOUT"
	EventCouldNotStart  EventKind = "COULDNOTSTART"
)

// Registration is a job's business identity and schedule configuration.
type Registration struct {
	ID             int64 `gorm:"column:id;primaryKey;autoIncrement"`
	Host           string
	CrabID         string
	Command        string
	FirstSeen      time.Time
	LastSeen       time.Time
	Schedule       string
	Timezone       string
	GracePeriod    int // seconds
	Timeout        int // seconds
	Retired        bool
	Inhibited      bool
	Misconfigured  string // non-empty holds the ScheduleError message, if any
	SupersededByID *int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TableName sets the GORM table name for Registration.
func (*Registration) TableName() string { return "job" }

// Event is a single immutable, append-only lifecycle record.
type Event struct {
	ID         int64 `gorm:"column:id;primaryKey;autoIncrement"`
	JobRef     int64
	Timestamp  time.Time
	Kind       EventKind
	StatusCode *int
	Stdout     *string
	Stderr     *string
	OutputRef  string // non-empty when payloads were routed to an output store
	FireKey    string // idempotency key for synthetic MISSED/TIMEOUT events
	CreatedAt  time.Time
}

// TableName sets the GORM table name for Event.
func (*Event) TableName() string { return "jobevent" }

// NotifyRule matches status deltas to a transport and address.
type NotifyRule struct {
	ID              int64 `gorm:"column:id;primaryKey;autoIncrement"`
	Host            string // empty matches any host
	CrabID          string // empty matches any crabid
	MinSeverity     string
	Transport       string
	Address         string // comma-separated list of recipients
	SkipOK          bool
	IncludeOutput   bool
	CooldownSeconds int
}

// TableName sets the GORM table name for NotifyRule.
func (*NotifyRule) TableName() string { return "jobnotify" }

// Alert records a single dispatch attempt for an event against a rule.
type Alert struct {
	ID              int64 `gorm:"column:id;primaryKey;autoIncrement"`
	RuleRef         int64
	JobRef          int64
	EventRef        int64
	DispatchedAt    time.Time
	TransportResult string
	Success         bool

	// State is the derived state (OK/WARN/FAIL/...) the delta carried at
	// dispatch time, so a later lookup can tell a repeat of the same
	// state from a genuine transition.
	State string
}

// TableName sets the GORM table name for Alert.
func (*Alert) TableName() string { return "jobalert" }

// EventPayload carries the optional text fields attached to an event.
type EventPayload struct {
	StatusCode *int
	Stdout     string
	Stderr     string
}

// Store is the single-writer transactional persistence API. All other
// components reach durable state only through this interface.
type Store interface {
	Init() error
	Close() error

	// EnsureJob implements the invariant-4 upsert with supersession:
	// at most one non-retired registration exists per (host, crabid) and
	// per (host, command-without-crabid).
	EnsureJob(ctx context.Context, host, crabID, command string) (jobRef int64, err error)

	AppendEvent(ctx context.Context, jobRef int64, kind EventKind, ts time.Time, payload *EventPayload) (eventID int64, err error)
	LogStart(ctx context.Context, jobRef int64, ts time.Time) (int64, error)
	LogFinish(ctx context.Context, jobRef int64, ts time.Time, statusCode int, stdout, stderr string) (int64, error)
	LogWarning(ctx context.Context, jobRef int64, ts time.Time, message string) (int64, error)

	// MaterializeMissed appends a MISSED event keyed on the expected fire
	// instant, unless one already exists for (jobRef, fireKey).
	MaterializeMissed(ctx context.Context, jobRef int64, fire time.Time) (eventID int64, created bool, err error)

	// MaterializeTimeout appends a TIMEOUT event keyed on the START event
	// id it supersedes, unless one already exists.
	MaterializeTimeout(ctx context.Context, jobRef int64, startEventID int64, ts time.Time) (eventID int64, created bool, err error)

	GetJobs(ctx context.Context, includeRetired bool) ([]Registration, error)
	GetJob(ctx context.Context, jobRef int64) (*Registration, error)
	FindJob(ctx context.Context, host, crabID, command string) (*Registration, error)
	GetEvents(ctx context.Context, jobRef int64, since *time.Time, limit int) ([]Event, error)

	SetSchedule(ctx context.Context, jobRef int64, spec, timezone string, grace, timeout int) error
	SetMisconfigured(ctx context.Context, jobRef int64, reason string) error
	RetireJob(ctx context.Context, jobRef int64) error
	SetInhibit(ctx context.Context, jobRef int64, inhibit bool) error

	GetNotifications(ctx context.Context) ([]NotifyRule, error)
	SetNotifications(ctx context.Context, rules []NotifyRule) error

	RecordAlert(ctx context.Context, ruleRef, jobRef, eventRef int64, state, result string, success bool) (int64, error)
	LastAlert(ctx context.Context, ruleRef, jobRef int64) (*Alert, error)

	// Prune removes events older than the cutoff, never deleting an event
	// referenced by an alert that has not yet recorded a successful
	// dispatch.
	Prune(ctx context.Context, olderThan time.Time) (int64, error)

	Health(ctx context.Context) error
}

// BlobStore is the optional secondary backend for large stdout/stderr
// payloads (spec §4.1's "output store").
type BlobStore interface {
	Init() error
	Close() error
	Put(ctx context.Context, ref string, stdout, stderr string) error
	Get(ctx context.Context, ref string) (stdout, stderr string, err error)
	Delete(ctx context.Context, ref string) error
	Health(ctx context.Context) error
}
