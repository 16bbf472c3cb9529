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

package clientapi

import "time"

// EventRequest is the JSON body accepted by every PUT endpoint, per spec.md
// §6: "all event-carrying requests use PUT with a JSON body
// {command, status?, stdout?, stderr?}".
type EventRequest struct {
	Command string `json:"command"`
	Status  *int   `json:"status,omitempty"`
	Stdout  string `json:"stdout,omitempty"`
	Stderr  string `json:"stderr,omitempty"`

	// Kind selects the event kind for the generic /event endpoint (WARN,
	// ALREADYRUNNING, INHIBITED, COULDNOTSTART). Ignored by
	// register/start/finish, which imply their own kind.
	Kind string `json:"kind,omitempty"`
}

// ErrorResponse is the standard error body: {status: "error", message: "..."}.
type ErrorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// RegisterResponse acknowledges a registration.
type RegisterResponse struct {
	Status string `json:"status"`
	JobRef int64  `json:"job_ref"`
}

// StartResponse acknowledges a START event. Inhibit is true when an admin
// has inhibited the job; the wrapper is expected to honor it when
// CRABSH_ALLOW_INHIBIT is set.
type StartResponse struct {
	Status  string `json:"status"`
	JobRef  int64  `json:"job_ref"`
	Inhibit bool   `json:"inhibit"`
}

// FinishResponse acknowledges a FINISH event.
type FinishResponse struct {
	Status string `json:"status"`
	JobRef int64  `json:"job_ref"`
}

// EventLogResponse acknowledges a generic WARN/ALREADYRUNNING/INHIBITED/
// COULDNOTSTART event logged via the /event endpoint.
type EventLogResponse struct {
	Status string `json:"status"`
	JobRef int64  `json:"job_ref"`
}

// EventView is a single event as rendered to clients.
type EventView struct {
	ID         int64     `json:"id"`
	Kind       string    `json:"kind"`
	Timestamp  time.Time `json:"timestamp"`
	StatusCode *int      `json:"status_code,omitempty"`
	Stdout     string    `json:"stdout,omitempty"`
	Stderr     string    `json:"stderr,omitempty"`
}

// JobView is a single job's current state as rendered to clients.
type JobView struct {
	JobRef    int64       `json:"job_ref"`
	Host      string      `json:"host"`
	CrabID    string      `json:"crabid"`
	Command   string      `json:"command"`
	State     string      `json:"state"`
	Inhibited bool        `json:"inhibited"`
	Events    []EventView `json:"events,omitempty"`
}

// JobListResponse is returned by GET /api/0/crab/<host> (no crabid), one
// entry per non-retired job registered against that host.
type JobListResponse struct {
	Host string    `json:"host"`
	Jobs []JobView `json:"jobs"`
}
