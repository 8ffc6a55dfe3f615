package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spknetwork/spkpin/internal/events"
	"github.com/spknetwork/spkpin/internal/poa"
)

func init() { gin.SetMode(gin.TestMode) }

type fakeService struct {
	view      StatusView
	startErr  error
	stopErr   error
	started   int
	stopped   int
	forced    bool
	triggered int
	events    []events.Event
}

func (f *fakeService) StatusView() StatusView { return f.view }

func (f *fakeService) StartProcess() error {
	f.started++
	return f.startErr
}

func (f *fakeService) StopProcess(force bool) error {
	f.stopped++
	f.forced = force
	return f.stopErr
}

func (f *fakeService) TriggerReconcile() { f.triggered++ }

func (f *fakeService) RecentEvents(n int) []events.Event {
	if n < len(f.events) {
		return f.events[len(f.events)-n:]
	}
	return f.events
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestStatusEndpoint(t *testing.T) {
	svc := &fakeService{view: StatusView{
		Process:     poa.Status{State: "running", PID: 4242},
		Contracts:   3,
		ManagedPins: 7,
		Registered:  true,
	}}
	h := NewRouter(svc, "/api").Handler()

	w := do(t, h, http.MethodGet, "/api/status")
	require.Equal(t, http.StatusOK, w.Code)

	var got StatusView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "running", got.Process.State)
	assert.Equal(t, 4242, got.Process.PID)
	assert.Equal(t, 7, got.ManagedPins)
	assert.True(t, got.Registered)
}

func TestProcessStartStop(t *testing.T) {
	svc := &fakeService{}
	h := NewRouter(svc, "/api").Handler()

	w := do(t, h, http.MethodPost, "/api/process/start")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, svc.started)

	w = do(t, h, http.MethodPost, "/api/process/stop?force=1")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, svc.stopped)
	assert.True(t, svc.forced)
}

func TestProcessStartConflict(t *testing.T) {
	svc := &fakeService{startErr: poa.ErrAlreadyRunning}
	h := NewRouter(svc, "/api").Handler()

	w := do(t, h, http.MethodPost, "/api/process/start")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestProcessStopNotRunning(t *testing.T) {
	svc := &fakeService{stopErr: poa.ErrNotRunning}
	h := NewRouter(svc, "/api").Handler()

	w := do(t, h, http.MethodPost, "/api/process/stop")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestReconcileAccepted(t *testing.T) {
	svc := &fakeService{}
	h := NewRouter(svc, "/api").Handler()

	w := do(t, h, http.MethodPost, "/api/reconcile")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, 1, svc.triggered)
}

func TestEventsEndpoint(t *testing.T) {
	svc := &fakeService{events: []events.Event{
		{Kind: events.KindLogLine, At: time.Now(), Message: "line-1"},
		{Kind: events.KindLogLine, At: time.Now(), Message: "line-2"},
		{Kind: events.KindLogLine, At: time.Now(), Message: "line-3"},
	}}
	h := NewRouter(svc, "/api").Handler()

	w := do(t, h, http.MethodGet, "/api/events?n=2")
	require.Equal(t, http.StatusOK, w.Code)

	var got []eventView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, "line-2", got[0].Message)
	assert.Equal(t, "line-3", got[1].Message)

	w = do(t, h, http.MethodGet, "/api/events?n=banana")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthzAndMetricsOutsideBasePath(t *testing.T) {
	svc := &fakeService{}
	h := NewRouter(svc, "/api").Handler()

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/metrics").Code)
}

func TestSanitizeBase(t *testing.T) {
	assert.Equal(t, "", sanitizeBase(""))
	assert.Equal(t, "", sanitizeBase("/"))
	assert.Equal(t, "/api", sanitizeBase("api"))
	assert.Equal(t, "/api", sanitizeBase("/api/"))
}

func TestNewServerReportsBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	srv, err := NewServer(ln.Addr().String(), "/api", &fakeService{})
	require.Error(t, err)
	assert.Nil(t, srv)
	assert.Contains(t, err.Error(), "bind")
}

func TestNewServerServesOnEphemeralPort(t *testing.T) {
	srv, err := NewServer("127.0.0.1:0", "/api", &fakeService{})
	require.NoError(t, err)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	resp, err := http.Get("http://" + srv.Addr + "/healthz")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
