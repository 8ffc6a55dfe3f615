package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDaemon(t *testing.T) (*httptest.Server, *http.ServeMux) {
	t.Helper()
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, mux
}

func TestClientStatus(t *testing.T) {
	srv, mux := newTestDaemon(t)
	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"process":{"state":"running","pid":77,"restart_count":1},"contracts":2,"managed_pins":5,"registered":true}`))
	})

	cl := NewAPIClient(srv.URL+"/api", time.Second)
	st, err := cl.Status()
	require.NoError(t, err)
	assert.Equal(t, "running", st.Process.State)
	assert.Equal(t, 77, st.Process.PID)
	assert.Equal(t, 5, st.ManagedPins)
	assert.True(t, st.Registered)
}

func TestClientStopForce(t *testing.T) {
	srv, mux := newTestDaemon(t)
	var gotForce string
	mux.HandleFunc("POST /api/process/stop", func(w http.ResponseWriter, r *http.Request) {
		gotForce = r.URL.Query().Get("force")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	cl := NewAPIClient(srv.URL+"/api", time.Second)
	require.NoError(t, cl.StopProcess(true))
	assert.Equal(t, "1", gotForce)
}

func TestClientSurfacesDaemonError(t *testing.T) {
	srv, mux := newTestDaemon(t)
	mux.HandleFunc("POST /api/process/start", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"poa: process already running"}`))
	})

	cl := NewAPIClient(srv.URL+"/api", time.Second)
	err := cl.StartProcess()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestClientEvents(t *testing.T) {
	srv, mux := newTestDaemon(t)
	mux.HandleFunc("GET /api/events", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "3", r.URL.Query().Get("n"))
		_, _ = w.Write([]byte(`[{"kind":"log-line","message":"hello","fields":{"tag":"info"}}]`))
	})

	cl := NewAPIClient(srv.URL+"/api", time.Second)
	evs, err := cl.Events(3)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "hello", evs[0].Message)
	assert.Equal(t, "info", evs[0].Fields["tag"])
}

func TestClientDaemonUnreachable(t *testing.T) {
	cl := NewAPIClient("http://127.0.0.1:1/api", 200*time.Millisecond)
	err := cl.TriggerReconcile()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unreachable")
}
