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

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

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

func doRequest(r *chi.Mux, method, path string, body any) *httptest.ResponseRecorder {
	var reqBody *bytes.Buffer
	if body != nil {
		b, _ := json.Marshal(body)
		reqBody = bytes.NewBuffer(b)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}
	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestRegister_ImplicitlyCreatesJob(t *testing.T) {
	r, _ := newTestServer(t)

	rec := doRequest(r, http.MethodPut, "/crab/hostA/backup", EventRequest{Command: "/usr/bin/backup"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp RegisterResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "ok", resp.Status)
	require.NotZero(t, resp.JobRef)
}

func TestRegister_MissingCommandIsProtocolError(t *testing.T) {
	r, _ := newTestServer(t)

	rec := doRequest(r, http.MethodPut, "/crab/hostA/backup", EventRequest{})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "error", resp.Status)
}

func TestStart_ImplicitRegistrationAndInhibitFlag(t *testing.T) {
	r, db := newTestServer(t)

	rec := doRequest(r, http.MethodPut, "/crab/hostA/backup/start", EventRequest{Command: "/usr/bin/backup"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp StartResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.False(t, resp.Inhibit)

	require.NoError(t, db.SetInhibit(t.Context(), resp.JobRef, true))

	rec = doRequest(r, http.MethodPut, "/crab/hostA/backup/start", EventRequest{Command: "/usr/bin/backup"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Inhibit)
}

func TestFinish_RecordsEventAndSurvivesGetQuery(t *testing.T) {
	r, _ := newTestServer(t)

	status := 1
	rec := doRequest(r, http.MethodPut, "/crab/hostA/backup/start", EventRequest{Command: "/usr/bin/backup"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(r, http.MethodPut, "/crab/hostA/backup/finish", EventRequest{
		Command: "/usr/bin/backup", Status: &status, Stdout: "done", Stderr: "warn: disk low",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(r, http.MethodGet, "/crab/hostA/backup", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var view JobView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Equal(t, "FAIL", view.State)
	require.Len(t, view.Events, 2)
	require.Equal(t, "warn: disk low", view.Events[1].Stderr)
}

func TestEvent_LogsAlreadyRunningAndSurvivesGetQuery(t *testing.T) {
	r, _ := newTestServer(t)

	rec := doRequest(r, http.MethodPut, "/crab/hostA/backup/event", EventRequest{
		Command: "/usr/bin/backup", Kind: "ALREADYRUNNING",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(r, http.MethodGet, "/crab/hostA/backup", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var view JobView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Len(t, view.Events, 1)
	require.Equal(t, "ALREADYRUNNING", view.Events[0].Kind)
}

func TestEvent_RejectsUnknownKind(t *testing.T) {
	r, _ := newTestServer(t)

	rec := doRequest(r, http.MethodPut, "/crab/hostA/backup/event", EventRequest{
		Command: "/usr/bin/backup", Kind: "START",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQuery_MissingJobReturns404(t *testing.T) {
	r, _ := newTestServer(t)

	rec := doRequest(r, http.MethodGet, "/crab/hostA/nonexistent", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQuery_NoCrabIDListsJobsForHost(t *testing.T) {
	r, _ := newTestServer(t)

	doRequest(r, http.MethodPut, "/crab/hostA/backup", EventRequest{Command: "/usr/bin/backup"})
	doRequest(r, http.MethodPut, "/crab/hostA/cleanup", EventRequest{Command: "/usr/bin/cleanup"})
	doRequest(r, http.MethodPut, "/crab/hostB/other", EventRequest{Command: "/usr/bin/other"})

	rec := doRequest(r, http.MethodGet, "/crab/hostA", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp JobListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "hostA", resp.Host)
	require.Len(t, resp.Jobs, 2)
}

func TestRegister_AutoSupersedesOnCommandChange(t *testing.T) {
	r, db := newTestServer(t)

	rec := doRequest(r, http.MethodPut, "/crab/hostA/backup", EventRequest{Command: "/usr/bin/backup-v1"})
	require.Equal(t, http.StatusOK, rec.Code)
	var first RegisterResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))

	rec = doRequest(r, http.MethodPut, "/crab/hostA/backup", EventRequest{Command: "/usr/bin/backup-v2"})
	require.Equal(t, http.StatusOK, rec.Code)
	var second RegisterResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))

	require.NotEqual(t, first.JobRef, second.JobRef)

	oldJob, err := db.GetJob(t.Context(), first.JobRef)
	require.NoError(t, err)
	require.True(t, oldJob.Retired)
}
