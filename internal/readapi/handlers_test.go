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

import (
	"encoding/json"
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

func doGet(r *chi.Mux, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestListJobs_FiltersByHostAndPaginates(t *testing.T) {
	r, db := newTestServer(t)
	ctx := t.Context()

	for i := 0; i < 3; i++ {
		_, err := db.EnsureJob(ctx, "hostA", fmt.Sprintf("job%d", i), "/usr/bin/x")
		require.NoError(t, err)
	}
	_, err := db.EnsureJob(ctx, "hostB", "other", "/usr/bin/y")
	require.NoError(t, err)

	rec := doGet(r, "/jobs?host=hostA&limit=2")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp JobListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Items, 2)
	require.EqualValues(t, 3, resp.Pagination.Total)
	require.True(t, resp.Pagination.HasMore)
}

func TestJobDetail_ReturnsFreshStateFromStore(t *testing.T) {
	r, db := newTestServer(t)
	ctx := t.Context()

	jobRef, err := db.EnsureJob(ctx, "hostA", "backup", "/usr/bin/backup")
	require.NoError(t, err)
	_, err = db.LogStart(ctx, jobRef, time.Now().UTC())
	require.NoError(t, err)

	rec := doGet(r, fmt.Sprintf("/jobs/%d", jobRef))
	require.Equal(t, http.StatusOK, rec.Code)

	var detail JobDetailResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	require.Equal(t, "RUNNING", detail.State)
	require.Len(t, detail.Events, 1)
}

func TestJobDetail_UnknownJobReturns404(t *testing.T) {
	r, _ := newTestServer(t)
	rec := doGet(r, "/jobs/9999")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobEvents_SinceFilterAndPagination(t *testing.T) {
	r, db := newTestServer(t)
	ctx := t.Context()

	jobRef, err := db.EnsureJob(ctx, "hostA", "backup", "/usr/bin/backup")
	require.NoError(t, err)

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		_, err := db.LogStart(ctx, jobRef, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
	}

	rec := doGet(r, fmt.Sprintf("/jobs/%d/events?limit=2&offset=1", jobRef))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp EventListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Items, 2)
	require.EqualValues(t, 5, resp.Pagination.Total)

	since := base.Add(3 * time.Minute).Format(time.RFC3339)
	rec = doGet(r, fmt.Sprintf("/jobs/%d/events?since=%s", jobRef, since))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Items, 2)
}

func TestJobEvents_InvalidSinceIsBadRequest(t *testing.T) {
	r, db := newTestServer(t)
	ctx := t.Context()
	jobRef, err := db.EnsureJob(ctx, "hostA", "backup", "/usr/bin/backup")
	require.NoError(t, err)

	rec := doGet(r, fmt.Sprintf("/jobs/%d/events?since=not-a-time", jobRef))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
