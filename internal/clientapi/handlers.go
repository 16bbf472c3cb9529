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

// Package clientapi implements the wrapper-facing registration/event
// protocol (spec.md §4.6): PUT endpoints for register/start/finish and a
// GET endpoint for current job state, all built on chi.
package clientapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/crabwatch/crabd/internal/errs"
	"github.com/crabwatch/crabd/internal/eventfilter"
	"github.com/crabwatch/crabd/internal/metrics"
	"github.com/crabwatch/crabd/internal/store"
)

// DefaultRecentEventsLimit bounds how many events GET responses embed.
const DefaultRecentEventsLimit = 20

// Handlers implements the client protocol's HTTP handlers.
type Handlers struct {
	db     store.Store
	logger zerolog.Logger

	// RecentEventsLimit bounds events returned from the query handler.
	RecentEventsLimit int
}

// NewHandlers creates the client protocol handler set.
func NewHandlers(db store.Store, logger zerolog.Logger) *Handlers {
	return &Handlers{db: db, logger: logger, RecentEventsLimit: DefaultRecentEventsLimit}
}

// Register mounts the client protocol routes on r.
func (h *Handlers) Register(r chi.Router) {
	r.Put("/crab/{host}", h.handleRegister)
	r.Put("/crab/{host}/{id}", h.handleRegister)

	r.Put("/crab/{host}/start", h.handleStart)
	r.Put("/crab/{host}/{id}/start", h.handleStart)

	r.Put("/crab/{host}/finish", h.handleFinish)
	r.Put("/crab/{host}/{id}/finish", h.handleFinish)

	r.Put("/crab/{host}/event", h.handleEvent)
	r.Put("/crab/{host}/{id}/event", h.handleEvent)

	r.Get("/crab/{host}", h.handleQuery)
	r.Get("/crab/{host}/{id}", h.handleQuery)
}

func (h *Handlers) handleRegister(w http.ResponseWriter, r *http.Request) {
	host := chi.URLParam(r, "host")
	crabID := chi.URLParam(r, "id")

	var body EventRequest
	if err := decodeBody(r, &body); err != nil {
		writeProtocolError(w, err.Error())
		return
	}
	if body.Command == "" {
		writeProtocolError(w, "command is required")
		return
	}

	jobRef, err := h.db.EnsureJob(r.Context(), host, crabID, body.Command)
	if err != nil {
		h.storeError(w, "register", host, crabID, err)
		return
	}

	writeJSON(w, http.StatusOK, RegisterResponse{Status: "ok", JobRef: jobRef})
}

func (h *Handlers) handleStart(w http.ResponseWriter, r *http.Request) {
	host := chi.URLParam(r, "host")
	crabID := chi.URLParam(r, "id")

	var body EventRequest
	if err := decodeBody(r, &body); err != nil {
		writeProtocolError(w, err.Error())
		return
	}
	if body.Command == "" {
		writeProtocolError(w, "command is required")
		return
	}

	ctx := r.Context()

	// A START with no prior registration implicitly registers (§4.6).
	jobRef, err := h.db.EnsureJob(ctx, host, crabID, body.Command)
	if err != nil {
		h.storeError(w, "start", host, crabID, err)
		return
	}

	if _, err := h.db.LogStart(ctx, jobRef, time.Now().UTC()); err != nil {
		h.storeError(w, "start", host, crabID, err)
		return
	}
	metrics.RecordEvent(host, crabID, string(store.EventStart))

	job, err := h.db.GetJob(ctx, jobRef)
	if err != nil {
		h.storeError(w, "start", host, crabID, err)
		return
	}

	inhibit := job != nil && job.Inhibited
	writeJSON(w, http.StatusOK, StartResponse{Status: "ok", JobRef: jobRef, Inhibit: inhibit})
}

func (h *Handlers) handleFinish(w http.ResponseWriter, r *http.Request) {
	host := chi.URLParam(r, "host")
	crabID := chi.URLParam(r, "id")

	var body EventRequest
	if err := decodeBody(r, &body); err != nil {
		writeProtocolError(w, err.Error())
		return
	}
	if body.Command == "" {
		writeProtocolError(w, "command is required")
		return
	}

	status := 0
	if body.Status != nil {
		status = *body.Status
	}

	ctx := r.Context()

	jobRef, err := h.db.EnsureJob(ctx, host, crabID, body.Command)
	if err != nil {
		h.storeError(w, "finish", host, crabID, err)
		return
	}

	if _, err := h.db.LogFinish(ctx, jobRef, time.Now().UTC(), status, body.Stdout, body.Stderr); err != nil {
		h.storeError(w, "finish", host, crabID, err)
		return
	}
	metrics.RecordEvent(host, crabID, string(store.EventFinish))

	writeJSON(w, http.StatusOK, FinishResponse{Status: "ok", JobRef: jobRef})
}

// loggableKinds are the event kinds a wrapper may report via /event:
// every kind in the vocabulary (spec.md §3) except START/FINISH (their own
// endpoints) and MISSED/LATE/TIMEOUT (monitor-materialized only).
var loggableKinds = map[string]store.EventKind{
	string(store.EventWarn):           store.EventWarn,
	string(store.EventAlreadyRunning): store.EventAlreadyRunning,
	string(store.EventInhibited):      store.EventInhibited,
	string(store.EventCouldNotStart):  store.EventCouldNotStart,
}

func (h *Handlers) handleEvent(w http.ResponseWriter, r *http.Request) {
	host := chi.URLParam(r, "host")
	crabID := chi.URLParam(r, "id")

	var body EventRequest
	if err := decodeBody(r, &body); err != nil {
		writeProtocolError(w, err.Error())
		return
	}
	if body.Command == "" {
		writeProtocolError(w, "command is required")
		return
	}
	kind, ok := loggableKinds[body.Kind]
	if !ok {
		writeProtocolError(w, "kind must be one of WARN, ALREADYRUNNING, INHIBITED, COULDNOTSTART")
		return
	}

	ctx := r.Context()

	jobRef, err := h.db.EnsureJob(ctx, host, crabID, body.Command)
	if err != nil {
		h.storeError(w, "event", host, crabID, err)
		return
	}

	payload := &store.EventPayload{StatusCode: body.Status, Stdout: body.Stdout, Stderr: body.Stderr}
	if _, err := h.db.AppendEvent(ctx, jobRef, kind, time.Now().UTC(), payload); err != nil {
		h.storeError(w, "event", host, crabID, err)
		return
	}
	metrics.RecordEvent(host, crabID, string(kind))

	writeJSON(w, http.StatusOK, EventLogResponse{Status: "ok", JobRef: jobRef})
}

func (h *Handlers) handleQuery(w http.ResponseWriter, r *http.Request) {
	host := chi.URLParam(r, "host")
	crabID := chi.URLParam(r, "id")
	ctx := r.Context()

	if crabID == "" {
		h.listJobsForHost(w, r, host)
		return
	}

	job, err := h.db.FindJob(ctx, host, crabID, "")
	if err != nil {
		h.storeError(w, "query", host, crabID, err)
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	view, err := h.jobView(ctx, *job, true)
	if err != nil {
		h.storeError(w, "query", host, crabID, err)
		return
	}

	writeJSON(w, http.StatusOK, view)
}

func (h *Handlers) listJobsForHost(w http.ResponseWriter, r *http.Request, host string) {
	ctx := r.Context()
	jobs, err := h.db.GetJobs(ctx, false)
	if err != nil {
		h.storeError(w, "query", host, "", err)
		return
	}

	resp := JobListResponse{Host: host, Jobs: make([]JobView, 0)}
	for _, job := range jobs {
		if job.Host != host {
			continue
		}
		view, err := h.jobView(ctx, job, false)
		if err != nil {
			h.storeError(w, "query", host, job.CrabID, err)
			return
		}
		resp.Jobs = append(resp.Jobs, view)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) jobView(ctx context.Context, job store.Registration, withEvents bool) (JobView, error) {
	// GetEvents orders oldest-first and its limit keeps the earliest rows,
	// so "recent events" are taken by fetching the full stream and slicing
	// the tail rather than passing RecentEventsLimit straight through.
	events, err := h.db.GetEvents(ctx, job.ID, nil, 0)
	if err != nil {
		return JobView{}, err
	}

	now := time.Now().UTC()
	derived := eventfilter.Derive(events, now, time.Duration(job.Timeout)*time.Second)

	view := JobView{
		JobRef:    job.ID,
		Host:      job.Host,
		CrabID:    job.CrabID,
		Command:   job.Command,
		State:     string(derived.CurrentState),
		Inhibited: job.Inhibited,
	}

	if withEvents {
		recent := lastN(events, h.RecentEventsLimit)
		view.Events = make([]EventView, 0, len(recent))
		for _, e := range recent {
			ev := EventView{ID: e.ID, Kind: string(e.Kind), Timestamp: e.Timestamp, StatusCode: e.StatusCode}
			if e.Stdout != nil {
				ev.Stdout = *e.Stdout
			}
			if e.Stderr != nil {
				ev.Stderr = *e.Stderr
			}
			view.Events = append(view.Events, ev)
		}
	}

	return view, nil
}

func lastN(events []store.Event, n int) []store.Event {
	if n <= 0 || len(events) <= n {
		return events
	}
	return events[len(events)-n:]
}

func decodeBody(r *http.Request, dst *EventRequest) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Status: "error", Message: message})
}

func writeProtocolError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, errs.NewProtocolError(message).Error())
}

func (h *Handlers) storeError(w http.ResponseWriter, op, host, crabID string, err error) {
	wrapped := errs.NewStoreError(op, err)
	h.logger.Error().Err(wrapped).Str("host", host).Str("crab_id", crabID).Msg("clientapi: store error")
	writeError(w, http.StatusInternalServerError, "internal error")
}
