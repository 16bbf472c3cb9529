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

// Package apiserver assembles the wrapper protocol, the read-only JSON
// API, the RSS feed, and the HTML dashboard onto a single chi.Router and
// serves them behind one http.Server, following the teacher's
// internal/api/server.go chi + http.Server wiring.
package apiserver

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/crabwatch/crabd/internal/clientapi"
	"github.com/crabwatch/crabd/internal/config"
	"github.com/crabwatch/crabd/internal/feed"
	"github.com/crabwatch/crabd/internal/readapi"
	"github.com/crabwatch/crabd/internal/store"
	"github.com/crabwatch/crabd/internal/webui"
)

// Server is the HTTP server hosting every client-facing surface: the
// wrapper protocol (clientapi) and read API (readapi) under /api/0, the
// optional RSS feed at /feed.xml, and the dashboard (webui) at /.
type Server struct {
	cfg    *config.Config
	db     store.Store
	logger zerolog.Logger
	server *http.Server
}

// New builds the API server. The feed route is always mounted; while
// cfg.Feed.Enabled is false, GET /feed.xml answers 404.
func New(cfg *config.Config, db store.Store, logger zerolog.Logger) *Server {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(requestLogMiddleware(logger))

	r.Route("/api/0", func(r chi.Router) {
		clientapi.NewHandlers(db, logger).Register(r)
		readapi.NewHandlers(db, logger).Register(r)
	})

	r.Group(func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				if !cfg.Feed.Enabled {
					http.NotFound(w, req)
					return
				}
				next.ServeHTTP(w, req)
			})
		})
		feed.NewHandler(db, feed.Options{
			Title:    cfg.Feed.Title,
			BaseURL:  cfg.Crab.BaseURL,
			MaxItems: cfg.Feed.MaxItems,
		}, logger).Register(r)
	})

	webui.NewHandlers(db, logger).Register(r)

	addr := fmt.Sprintf(":%d", cfg.API.Port)
	return &Server{
		cfg:    cfg,
		db:     db,
		logger: logger,
		server: &http.Server{
			Addr:         addr,
			Handler:      r,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Start runs the server until ctx is cancelled, then shuts it down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.server.Addr).Msg("starting API server")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		s.logger.Info().Msg("shutting down API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}

func requestLogMiddleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasSuffix(r.URL.Path, ".css") || strings.HasSuffix(r.URL.Path, ".js") {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				logger.Info().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Int("bytes", ww.BytesWritten()).
					Dur("duration", time.Since(start)).
					Str("remote", r.RemoteAddr).
					Msg("http request")
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
