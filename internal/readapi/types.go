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

package readapi

import "time"

// Pagination describes a page of a larger result set.
type Pagination struct {
	Total   int64 `json:"total"`
	Limit   int   `json:"limit"`
	Offset  int   `json:"offset"`
	HasMore bool  `json:"hasMore"`
}

// JobSummary is one row of the job list.
type JobSummary struct {
	JobRef    int64     `json:"job_ref"`
	Host      string    `json:"host"`
	CrabID    string    `json:"crabid"`
	Command   string    `json:"command"`
	State     string    `json:"state"`
	Inhibited bool      `json:"inhibited"`
	LastSeen  time.Time `json:"last_seen"`
}

// JobListResponse is the response for GET /jobs.
type JobListResponse struct {
	Items      []JobSummary `json:"items"`
	Pagination Pagination   `json:"pagination"`
}

// JobDetailResponse is the response for GET /jobs/{jobRef}.
type JobDetailResponse struct {
	JobSummary
	Schedule    string      `json:"schedule,omitempty"`
	Timezone    string      `json:"timezone,omitempty"`
	GracePeriod int         `json:"grace_period_seconds"`
	Timeout     int         `json:"timeout_seconds"`
	Events      []EventView `json:"events"`
}

// EventView is a single raw event as rendered to read-only clients.
type EventView struct {
	ID         int64     `json:"id"`
	Kind       string    `json:"kind"`
	Timestamp  time.Time `json:"timestamp"`
	StatusCode *int      `json:"status_code,omitempty"`
	Stdout     string    `json:"stdout,omitempty"`
	Stderr     string    `json:"stderr,omitempty"`
}

// EventListResponse is the response for GET /jobs/{jobRef}/events.
type EventListResponse struct {
	JobRef     int64       `json:"job_ref"`
	Items      []EventView `json:"items"`
	Pagination Pagination  `json:"pagination"`
}

// ErrorResponse mirrors clientapi's error shape, per spec.md §6.
type ErrorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}
