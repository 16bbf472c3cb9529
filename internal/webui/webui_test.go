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

package webui

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/crabwatch/crabd/internal/store"
)

func newTestServer(t *testing.T) (*chi.Mux, store.Store) {
	t.Helper()
	s, err := store.NewGormStore("sqlite", "file::memory:?cache=shared")
	require.NoError(t, err)
	require.NoError(t, s.Init())
	t.Cleanup(func() { _ = s.Close() })

	r := chi.NewRouter()
	NewHandlers(s, zerolog.Nop()).Register(r)
	return r, s
}

func TestIndex_ListsJobsAndFiltersByHost(t *testing.T) {
	r, db := newTestServer(t)
	ctx := t.Context()

	_, err := db.EnsureJob(ctx, "hostA", "backup", "/usr/bin/backup")
	require.NoError(t, err)
	_, err = db.EnsureJob(ctx, "hostB", "other", "/usr/bin/other")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "hostA")
	require.Contains(t, rec.Body.String(), "hostB")

	req = httptest.NewRequest(http.MethodGet, "/?host=hostA", nil)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "hostA")
	require.NotContains(t, rec.Body.String(), "hostB")
}

func TestJobDetail_RendersStateAndEvents(t *testing.T) {
	r, db := newTestServer(t)
	ctx := t.Context()

	jobRef, err := db.EnsureJob(ctx, "hostA", "backup", "/usr/bin/backup")
	require.NoError(t, err)
	_, err = db.LogStart(ctx, jobRef, time.Now().UTC())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/jobs/%d", jobRef), nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "RUNNING")
	require.Contains(t, rec.Body.String(), "/usr/bin/backup")
}

func TestJobDetail_UnknownJobReturns404(t *testing.T) {
	r, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/jobs/9999", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobDetail_InvalidJobRefIsBadRequest(t *testing.T) {
	r, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/jobs/not-a-number", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
