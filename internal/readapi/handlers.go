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

// Package readapi implements the read-only query surface (spec.md §4.7):
// job lists, per-job timelines, and raw event payloads. Every handler
// derives state fresh from the Store rather than from the monitor's
// in-memory cache, per spec.md §4.7's consistent-snapshot requirement.
package readapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/crabwatch/crabd/internal/errs"
	"github.com/crabwatch/crabd/internal/eventfilter"
	"github.com/crabwatch/crabd/internal/store"
)

// DefaultPageLimit bounds the default page size for list endpoints.
const DefaultPageLimit = 50

// Handlers implements the read-only query handlers.
type Handlers struct {
	db     store.Store
	logger zerolog.Logger
}

// NewHandlers creates the read-API handler set.
func NewHandlers(db store.Store, logger zerolog.Logger) *Handlers {
	return &Handlers{db: db, logger: logger}
}

// Register mounts the read-API routes on r.
func (h *Handlers) Register(r chi.Router) {
	r.Get("/jobs", h.handleListJobs)
	r.Get("/jobs/{jobRef}", h.handleJobDetail)
	r.Get("/jobs/{jobRef}/events", h.handleJobEvents)
}

func (h *Handlers) handleListJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	host := r.URL.Query().Get("host")
	limit, offset := pagingParams(r, DefaultPageLimit)

	jobs, err := h.db.GetJobs(ctx, false)
	if err != nil {
		h.storeError(w, "list_jobs", err)
		return
	}

	filtered := make([]store.Registration, 0, len(jobs))
	for _, job := range jobs {
		if host != "" && job.Host != host {
			continue
		}
		filtered = append(filtered, job)
	}

	total := int64(len(filtered))
	start, end := pageBounds(len(filtered), offset, limit)
	page := filtered[start:end]

	items := make([]JobSummary, 0, len(page))
	for _, job := range page {
		summary, err := h.summarize(ctx, job)
		if err != nil {
			h.storeError(w, "list_jobs", err)
			return
		}
		items = append(items, summary)
	}

	writeJSON(w, http.StatusOK, JobListResponse{
		Items: items,
		Pagination: Pagination{
			Total:   total,
			Limit:   limit,
			Offset:  offset,
			HasMore: end < len(filtered),
		},
	})
}

func (h *Handlers) handleJobDetail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobRef, err := jobRefParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := h.db.GetJob(ctx, jobRef)
	if err != nil {
		h.storeError(w, "job_detail", err)
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	summary, err := h.summarize(ctx, *job)
	if err != nil {
		h.storeError(w, "job_detail", err)
		return
	}

	events, err := h.db.GetEvents(ctx, jobRef, nil, 0)
	if err != nil {
		h.storeError(w, "job_detail", err)
		return
	}

	resp := JobDetailResponse{
		JobSummary:  summary,
		Schedule:    job.Schedule,
		Timezone:    job.Timezone,
		GracePeriod: job.GracePeriod,
		Timeout:     job.Timeout,
		Events:      make([]EventView, 0, len(events)),
	}
	for _, e := range events {
		resp.Events = append(resp.Events, toEventView(e))
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobRef, err := jobRefParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit, offset := pagingParams(r, DefaultPageLimit)

	var since *time.Time
	if s := r.URL.Query().Get("since"); s != "" {
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since: "+err.Error())
			return
		}
		since = &parsed
	}

	events, err := h.db.GetEvents(ctx, jobRef, since, 0)
	if err != nil {
		h.storeError(w, "job_events", err)
		return
	}

	total := int64(len(events))
	start, end := pageBounds(len(events), offset, limit)
	page := events[start:end]

	items := make([]EventView, 0, len(page))
	for _, e := range page {
		items = append(items, toEventView(e))
	}

	writeJSON(w, http.StatusOK, EventListResponse{
		JobRef: jobRef,
		Items:  items,
		Pagination: Pagination{
			Total:   total,
			Limit:   limit,
			Offset:  offset,
			HasMore: end < len(events),
		},
	})
}

func (h *Handlers) summarize(ctx context.Context, job store.Registration) (JobSummary, error) {
	events, err := h.db.GetEvents(ctx, job.ID, nil, 0)
	if err != nil {
		return JobSummary{}, err
	}
	derived := eventfilter.Derive(events, time.Now().UTC(), time.Duration(job.Timeout)*time.Second)
	return JobSummary{
		JobRef:    job.ID,
		Host:      job.Host,
		CrabID:    job.CrabID,
		Command:   job.Command,
		State:     string(derived.CurrentState),
		Inhibited: job.Inhibited,
		LastSeen:  job.LastSeen,
	}, nil
}

func toEventView(e store.Event) EventView {
	ev := EventView{ID: e.ID, Kind: string(e.Kind), Timestamp: e.Timestamp, StatusCode: e.StatusCode}
	if e.Stdout != nil {
		ev.Stdout = *e.Stdout
	}
	if e.Stderr != nil {
		ev.Stderr = *e.Stderr
	}
	return ev
}

func jobRefParam(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "jobRef")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	return id, nil
}

func pagingParams(r *http.Request, defaultLimit int) (limit, offset int) {
	limit = defaultLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}
	return limit, offset
}

func pageBounds(total, offset, limit int) (start, end int) {
	start = offset
	if start > total {
		start = total
	}
	end = start + limit
	if end > total {
		end = total
	}
	return start, end
}

func (h *Handlers) storeError(w http.ResponseWriter, op string, err error) {
	wrapped := errs.NewStoreError(op, err)
	h.logger.Error().Err(wrapped).Msg("readapi: store error")
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Status: "error", Message: message})
}
