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

// Package feed renders a chronological RSS 2.0 feed of recent job
// failures (spec.md §4.7, §9 Design Note: "absence causes 404 rather
// than conditional routing"). RSS 2.0 is a fixed, small XML schema with
// no parsing/negotiation logic a library would meaningfully simplify, so
// this package is built directly on encoding/xml rather than a
// third-party feed library.
package feed

import (
	"encoding/xml"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/crabwatch/crabd/internal/store"
)

// failureKinds are the event kinds surfaced in the feed.
var failureKinds = map[store.EventKind]bool{
	store.EventMissed:        true,
	store.EventTimeout:       true,
	store.EventCouldNotStart: true,
}

type rss struct {
	XMLName xml.Name `xml:"rss"`
	Version string   `xml:"version,attr"`
	Channel channel  `xml:"channel"`
}

type channel struct {
	Title       string `xml:"title"`
	Link        string `xml:"link"`
	Description string `xml:"description"`
	Items       []item `xml:"item"`
}

type item struct {
	Title       string `xml:"title"`
	Link        string `xml:"link,omitempty"`
	Description string `xml:"description"`
	GUID        string `xml:"guid"`
	PubDate     string `xml:"pubDate"`
}

// Options configures the feed handler.
type Options struct {
	Title    string
	BaseURL  string
	MaxItems int
}

// Handler serves the RSS feed.
type Handler struct {
	db     store.Store
	opts   Options
	logger zerolog.Logger
}

// NewHandler creates a feed handler. The handler itself does not check
// whether the feed is enabled; internal/apiserver answers 404 for the
// route while the feed is disabled.
func NewHandler(db store.Store, opts Options, logger zerolog.Logger) *Handler {
	if opts.MaxItems <= 0 {
		opts.MaxItems = 50
	}
	if opts.Title == "" {
		opts.Title = "crabd failures"
	}
	return &Handler{db: db, opts: opts, logger: logger}
}

// Register mounts the feed route on r.
func (h *Handler) Register(r chi.Router) {
	r.Get("/feed.xml", h.serveFeed)
}

func (h *Handler) serveFeed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	jobs, err := h.db.GetJobs(ctx, true)
	if err != nil {
		h.logger.Error().Err(err).Msg("feed: failed to list jobs")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	type failure struct {
		job   store.Registration
		event store.Event
	}
	var failures []failure

	for _, job := range jobs {
		events, err := h.db.GetEvents(ctx, job.ID, nil, 0)
		if err != nil {
			h.logger.Error().Err(err).Int64("job_ref", job.ID).Msg("feed: failed to load events")
			continue
		}
		for _, e := range events {
			if !failureKinds[e.Kind] && !isFailedFinish(e) {
				continue
			}
			failures = append(failures, failure{job: job, event: e})
		}
	}

	sort.Slice(failures, func(i, j int) bool {
		return failures[i].event.Timestamp.After(failures[j].event.Timestamp)
	})

	if len(failures) > h.opts.MaxItems {
		failures = failures[:h.opts.MaxItems]
	}

	feed := rss{
		Version: "2.0",
		Channel: channel{
			Title:       h.opts.Title,
			Link:        h.opts.BaseURL,
			Description: "Recent job failures reported by crabd",
			Items:       make([]item, 0, len(failures)),
		},
	}

	for _, f := range failures {
		feed.Channel.Items = append(feed.Channel.Items, item{
			Title:       fmt.Sprintf("%s/%s: %s", f.job.Host, f.job.CrabID, f.event.Kind),
			Link:        h.jobLink(f.job),
			Description: describe(f.job, f.event),
			GUID:        fmt.Sprintf("crabd-event-%d", f.event.ID),
			PubDate:     f.event.Timestamp.Format(time.RFC1123Z),
		})
	}

	w.Header().Set("Content-Type", "application/rss+xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(xml.Header))
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	_ = enc.Encode(feed)
}

func (h *Handler) jobLink(job store.Registration) string {
	if h.opts.BaseURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/jobs/%d", h.opts.BaseURL, job.ID)
}

func isFailedFinish(e store.Event) bool {
	return e.Kind == store.EventFinish && e.StatusCode != nil && *e.StatusCode != 0
}

func describe(job store.Registration, e store.Event) string {
	desc := fmt.Sprintf("%s on %s reported %s at %s", job.Command, job.Host, e.Kind, e.Timestamp.Format(time.RFC3339))
	if e.Stderr != nil && *e.Stderr != "" {
		desc += ": " + *e.Stderr
	}
	return desc
}
