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

// Package webui serves the human-facing dashboard (spec.md §4.7). crabd
// ships no JS build step, so pages are rendered server-side with
// html/template against templates embedded via //go:embed, the same
// embed.FS pattern cmd/main.go uses for uiAssets, but reading
// store.Registration/store.Event data directly instead of serving a
// bundled SPA.
package webui

import (
	"context"
	"embed"
	"html/template"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/crabwatch/crabd/internal/eventfilter"
	"github.com/crabwatch/crabd/internal/store"
)

//go:embed templates/*.html
var templateFS embed.FS

// jobRow is one row of the job list page.
type jobRow struct {
	JobRef    int64
	Host      string
	CrabID    string
	Command   string
	State     string
	Inhibited bool
	LastSeen  time.Time
}

// eventRow is one row of a job's recent-events table.
type eventRow struct {
	Timestamp  time.Time
	Kind       string
	StatusCode *int
	Stdout     string
	Stderr     string
}

// jobDetail is the view model for the job detail page.
type jobDetail struct {
	jobRow
	Schedule    string
	Timezone    string
	GracePeriod int
	Timeout     int
	Events      []eventRow
}

// Handlers serves the dashboard's HTML pages.
type Handlers struct {
	db        store.Store
	logger    zerolog.Logger
	indexTmpl *template.Template
	jobTmpl   *template.Template
}

// NewHandlers builds the dashboard handlers, parsing the embedded
// templates. Panics on a malformed template, matching the teacher's
// template.Must pattern in cmd/main.go.
func NewHandlers(db store.Store, logger zerolog.Logger) *Handlers {
	return &Handlers{
		db:        db,
		logger:    logger,
		indexTmpl: template.Must(template.ParseFS(templateFS, "templates/layout.html", "templates/index.html")),
		jobTmpl:   template.Must(template.ParseFS(templateFS, "templates/layout.html", "templates/job.html")),
	}
}

// Register mounts the dashboard routes on r.
func (h *Handlers) Register(r chi.Router) {
	r.Get("/", h.handleIndex)
	r.Get("/jobs/{jobRef}", h.handleJobDetail)
}

func (h *Handlers) handleIndex(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	host := r.URL.Query().Get("host")

	jobs, err := h.db.GetJobs(ctx, false)
	if err != nil {
		h.logger.Error().Err(err).Msg("webui: failed to list jobs")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	rows := make([]jobRow, 0, len(jobs))
	for _, job := range jobs {
		if host != "" && job.Host != host {
			continue
		}
		row, err := h.summarize(ctx, job)
		if err != nil {
			h.logger.Error().Err(err).Int64("job_ref", job.ID).Msg("webui: failed to derive job state")
			continue
		}
		rows = append(rows, row)
	}

	data := struct {
		Host string
		Jobs []jobRow
	}{Host: host, Jobs: rows}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := h.indexTmpl.ExecuteTemplate(w, "layout", data); err != nil {
		h.logger.Error().Err(err).Msg("webui: failed to render index")
	}
}

func (h *Handlers) handleJobDetail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobRef, err := strconv.ParseInt(chi.URLParam(r, "jobRef"), 10, 64)
	if err != nil {
		http.Error(w, "invalid job reference", http.StatusBadRequest)
		return
	}

	job, err := h.db.GetJob(ctx, jobRef)
	if err != nil {
		h.logger.Error().Err(err).Int64("job_ref", jobRef).Msg("webui: failed to load job")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if job == nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}

	row, err := h.summarize(ctx, *job)
	if err != nil {
		h.logger.Error().Err(err).Int64("job_ref", jobRef).Msg("webui: failed to derive job state")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	events, err := h.db.GetEvents(ctx, jobRef, nil, 0)
	if err != nil {
		h.logger.Error().Err(err).Int64("job_ref", jobRef).Msg("webui: failed to load events")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	detail := jobDetail{
		jobRow:      row,
		Schedule:    job.Schedule,
		Timezone:    job.Timezone,
		GracePeriod: job.GracePeriod,
		Timeout:     job.Timeout,
		Events:      make([]eventRow, 0, len(events)),
	}
	for i := len(events) - 1; i >= 0; i-- {
		detail.Events = append(detail.Events, toEventRow(events[i]))
	}

	data := struct{ Job jobDetail }{Job: detail}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := h.jobTmpl.ExecuteTemplate(w, "layout", data); err != nil {
		h.logger.Error().Err(err).Msg("webui: failed to render job detail")
	}
}

func (h *Handlers) summarize(ctx context.Context, job store.Registration) (jobRow, error) {
	events, err := h.db.GetEvents(ctx, job.ID, nil, 0)
	if err != nil {
		return jobRow{}, err
	}
	derived := eventfilter.Derive(events, time.Now().UTC(), time.Duration(job.Timeout)*time.Second)
	return jobRow{
		JobRef:    job.ID,
		Host:      job.Host,
		CrabID:    job.CrabID,
		Command:   job.Command,
		State:     string(derived.CurrentState),
		Inhibited: job.Inhibited,
		LastSeen:  job.LastSeen,
	}, nil
}

func toEventRow(e store.Event) eventRow {
	row := eventRow{Timestamp: e.Timestamp, Kind: string(e.Kind), StatusCode: e.StatusCode}
	if e.Stdout != nil {
		row.Stdout = *e.Stdout
	}
	if e.Stderr != nil {
		row.Stderr = *e.Stderr
	}
	return row
}
