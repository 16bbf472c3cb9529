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

// Package notify matches status deltas from the liveness monitor against
// notification rules and dispatches alerts over pluggable transports.
package notify

import (
	"context"
	"time"

	"github.com/crabwatch/crabd/internal/eventfilter"
)

// Alert groups the fields that describe one alert, with no
// transport-specific shape. The dispatch path does not use it: transports
// receive an already-rendered subject and body through Send, and the
// formatter takes format.Data.
type Alert struct {
	Key      string // dedup key: "<rule_ref>/<job_ref>"
	Host     string
	CrabID   string
	Severity eventfilter.State
	EventKind string
	Title    string
	Message  string
	Output   string // stdout/stderr, present only when the rule's IncludeOutput is set
	Timestamp time.Time
}

// Transport delivers a rendered alert to one address. A transport is
// independent of any other; a failing transport must never block or fail
// another rule's dispatch.
type Transport interface {
	// Name identifies the transport's configured instance.
	Name() string

	// Type returns the transport kind (email, slack, webhook, pagerduty, shell).
	Type() string

	// Send delivers subject/body to address.
	Send(ctx context.Context, address, subject, body string) error
}

// ChannelStats tracks dispatch outcomes for a single transport instance,
// surfaced for operational visibility.
type ChannelStats struct {
	SentTotal           int64
	FailedTotal         int64
	LastSentAt          time.Time
	LastFailedAt        time.Time
	LastFailedError     string
	ConsecutiveFailures int
}
