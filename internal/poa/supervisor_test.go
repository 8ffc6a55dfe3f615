package poa

import (
	"errors"
	"io"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spknetwork/spkpin/internal/events"
)

// fakeHandle is a scriptable process instance. Output written through
// emit() flows to the supervisor's stdout scanner; exit() closes the pipes
// and releases Wait.
type fakeHandle struct {
	pid     int
	outR    *io.PipeReader
	outW    *io.PipeWriter
	errR    *io.PipeReader
	errW    *io.PipeWriter
	exitCh  chan ExitStatus
	sigCh   chan os.Signal
	mu      sync.Mutex
	exited  bool
	killed  bool
	sigTerm func(h *fakeHandle) // reaction to SIGTERM, nil means ignore
}

func newFakeHandle(pid int) *fakeHandle {
	h := &fakeHandle{
		pid:    pid,
		exitCh: make(chan ExitStatus, 1),
		sigCh:  make(chan os.Signal, 4),
	}
	h.outR, h.outW = io.Pipe()
	h.errR, h.errW = io.Pipe()
	return h
}

func (h *fakeHandle) PID() int          { return h.pid }
func (h *fakeHandle) Stdout() io.Reader { return h.outR }
func (h *fakeHandle) Stderr() io.Reader { return h.errR }
func (h *fakeHandle) Wait() ExitStatus  { return <-h.exitCh }

func (h *fakeHandle) Signal(sig os.Signal) error {
	h.sigCh <- sig
	if sig == syscall.SIGTERM && h.sigTerm != nil {
		h.sigTerm(h)
	}
	return nil
}

func (h *fakeHandle) Kill() error {
	h.mu.Lock()
	h.killed = true
	h.mu.Unlock()
	h.exit(ExitStatus{Code: -1, Signal: "killed"})
	return nil
}

func (h *fakeHandle) emit(line string) {
	_, _ = io.WriteString(h.outW, line+"\n")
}

func (h *fakeHandle) exit(ex ExitStatus) {
	h.mu.Lock()
	if h.exited {
		h.mu.Unlock()
		return
	}
	h.exited = true
	h.mu.Unlock()
	_ = h.outW.Close()
	_ = h.errW.Close()
	h.exitCh <- ex
}

func (h *fakeHandle) wasKilled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.killed
}

// fakeRunner spawns fakeHandles and runs an optional script against each.
type fakeRunner struct {
	mu       sync.Mutex
	handles  []*fakeHandle
	script   func(i int, h *fakeHandle)
	startErr error
}

func (r *fakeRunner) Start(Spec) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return nil, r.startErr
	}
	i := len(r.handles)
	h := newFakeHandle(1000 + i)
	r.handles = append(r.handles, h)
	if r.script != nil {
		go r.script(i, h)
	}
	return h, nil
}

func (r *fakeRunner) spawnCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

func (r *fakeRunner) handleAt(t *testing.T, i int) *fakeHandle {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		if len(r.handles) > i {
			h := r.handles[i]
			r.mu.Unlock()
			return h
		}
		r.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("handle %d never spawned", i)
	return nil
}

func testSpec() Spec {
	return Spec{
		BinaryPath:     "/usr/local/bin/proofofaccess",
		Account:        "tester",
		StartupTimeout: 500 * time.Millisecond,
		StopGrace:      100 * time.Millisecond,
		RestartBackoff: 20 * time.Millisecond,
		MaxRestarts:    2,
	}
}

func waitState(t *testing.T, s *Supervisor, want string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s.Status().State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state never reached %q, stuck at %q", want, s.Status().State)
}

func TestSupervisorReadinessTransitionsToRunning(t *testing.T) {
	r := &fakeRunner{}
	s := NewSupervisor(Config{Spec: testSpec(), Runner: r})
	defer func() { _ = s.Shutdown() }()

	require.NoError(t, s.Start())
	assert.Equal(t, "starting", s.Status().State)

	h := r.handleAt(t, 0)
	h.emit("some banner output")
	h.emit("Storage Node Started")
	waitState(t, s, "running")

	st := s.Status()
	assert.Equal(t, 1000, st.PID)
	assert.Equal(t, 0, st.RestartCount)
	assert.False(t, st.StartedAt.IsZero())

	assert.ErrorIs(t, s.Start(), ErrAlreadyRunning)
}

func TestSupervisorGracefulStop(t *testing.T) {
	r := &fakeRunner{}
	s := NewSupervisor(Config{Spec: testSpec(), Runner: r})
	defer func() { _ = s.Shutdown() }()

	require.NoError(t, s.Start())
	h := r.handleAt(t, 0)
	h.sigTerm = func(h *fakeHandle) { h.exit(ExitStatus{Code: 0}) }
	h.emit("connected to IPFS")
	waitState(t, s, "running")

	require.NoError(t, s.Stop(false))
	st := s.Status()
	assert.Equal(t, "stopped", st.State)
	assert.Equal(t, 0, st.PID)
	assert.False(t, h.wasKilled())

	assert.ErrorIs(t, s.Stop(false), ErrNotRunning)
}

func TestSupervisorStopEscalatesToKill(t *testing.T) {
	r := &fakeRunner{}
	s := NewSupervisor(Config{Spec: testSpec(), Runner: r})
	defer func() { _ = s.Shutdown() }()

	require.NoError(t, s.Start())
	h := r.handleAt(t, 0) // ignores SIGTERM
	h.emit("validator started")
	waitState(t, s, "running")

	require.NoError(t, s.Stop(false))
	assert.Equal(t, "stopped", s.Status().State)
	assert.True(t, h.wasKilled())
}

func TestSupervisorForceStopKillsImmediately(t *testing.T) {
	r := &fakeRunner{}
	s := NewSupervisor(Config{Spec: testSpec(), Runner: r})
	defer func() { _ = s.Shutdown() }()

	require.NoError(t, s.Start())
	h := r.handleAt(t, 0)
	h.emit("storage node started")
	waitState(t, s, "running")

	require.NoError(t, s.Stop(true))
	assert.True(t, h.wasKilled())
	assert.Len(t, h.sigCh, 0)
}

func TestSupervisorStartupTimeout(t *testing.T) {
	spec := testSpec()
	spec.StartupTimeout = 80 * time.Millisecond
	spec.AutoRestart = true

	bus := events.NewBus(16)
	var crashMu sync.Mutex
	var crashPayloads []any
	bus.Subscribe(events.KindProcessCrashed, func(e events.Event) {
		crashMu.Lock()
		crashPayloads = append(crashPayloads, e.Payload)
		crashMu.Unlock()
	})

	r := &fakeRunner{} // never emits a readiness line
	s := NewSupervisor(Config{Spec: spec, Runner: r, Bus: bus})
	defer func() { _ = s.Shutdown() }()

	require.NoError(t, s.Start())
	h := r.handleAt(t, 0)
	h.emit("still warming up")
	waitState(t, s, "stopped")
	assert.True(t, h.wasKilled())

	crashMu.Lock()
	require.Len(t, crashPayloads, 1)
	err, ok := crashPayloads[0].(error)
	crashMu.Unlock()
	require.True(t, ok)
	assert.ErrorIs(t, err, ErrStartupTimeout)

	// A startup failure is terminal, not a crash: no restart may follow.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, r.spawnCount())
}

func TestSupervisorRestartBound(t *testing.T) {
	spec := testSpec()
	spec.AutoRestart = true
	spec.MaxRestarts = 2

	bus := events.NewBus(16)
	gaveUp := make(chan events.Event, 1)
	bus.Subscribe(events.KindProcessMaxRestarts, func(e events.Event) {
		select {
		case gaveUp <- e:
		default:
		}
	})

	r := &fakeRunner{script: func(i int, h *fakeHandle) {
		h.emit("storage node started")
		time.Sleep(10 * time.Millisecond)
		h.exit(ExitStatus{Code: 1})
	}}
	s := NewSupervisor(Config{Spec: spec, Runner: r, Bus: bus})
	defer func() { _ = s.Shutdown() }()

	require.NoError(t, s.Start())
	select {
	case <-gaveUp:
	case <-time.After(5 * time.Second):
		t.Fatal("max-restarts event never published")
	}
	waitState(t, s, "stopped")

	// Initial run plus exactly MaxRestarts attempts, never one more.
	assert.Equal(t, 3, r.spawnCount())
	assert.Equal(t, 2, s.Status().RestartCount)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 3, r.spawnCount())
}

func TestSupervisorManualStopCancelsPendingRestart(t *testing.T) {
	spec := testSpec()
	spec.AutoRestart = true
	spec.RestartBackoff = 150 * time.Millisecond

	r := &fakeRunner{}
	s := NewSupervisor(Config{Spec: spec, Runner: r})
	defer func() { _ = s.Shutdown() }()

	require.NoError(t, s.Start())
	h := r.handleAt(t, 0)
	h.emit("validator started")
	waitState(t, s, "running")
	h.exit(ExitStatus{Code: 1})
	waitState(t, s, "crashed")

	require.NoError(t, s.Stop(false))
	assert.Equal(t, "stopped", s.Status().State)

	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, 1, r.spawnCount())
}

func TestSupervisorCleanExitDoesNotRestart(t *testing.T) {
	spec := testSpec()
	spec.AutoRestart = true

	r := &fakeRunner{}
	s := NewSupervisor(Config{Spec: spec, Runner: r})
	defer func() { _ = s.Shutdown() }()

	require.NoError(t, s.Start())
	h := r.handleAt(t, 0)
	h.emit("storage node started")
	waitState(t, s, "running")
	h.exit(ExitStatus{Code: 0})
	waitState(t, s, "stopped")

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 1, r.spawnCount())
	assert.Equal(t, 0, s.Status().LastExitCode)
}

func TestSupervisorManualStartResetsRestartCount(t *testing.T) {
	spec := testSpec()
	spec.AutoRestart = true
	spec.RestartBackoff = 10 * time.Millisecond
	spec.MaxRestarts = 1

	r := &fakeRunner{script: func(i int, h *fakeHandle) {
		if i == 0 {
			h.emit("storage node started")
			time.Sleep(10 * time.Millisecond)
			h.exit(ExitStatus{Code: 1})
		}
		// Later instances stay up until told otherwise.
	}}
	s := NewSupervisor(Config{Spec: spec, Runner: r})
	defer func() { _ = s.Shutdown() }()

	require.NoError(t, s.Start())
	h1 := r.handleAt(t, 1)
	h1.emit("storage node started")
	waitState(t, s, "running")
	assert.Equal(t, 1, s.Status().RestartCount)

	h1.sigTerm = func(h *fakeHandle) { h.exit(ExitStatus{Code: 0}) }
	require.NoError(t, s.Stop(false))

	require.NoError(t, s.Start())
	assert.Equal(t, 0, s.Status().RestartCount)
}

func TestSupervisorStartSpawnError(t *testing.T) {
	boom := errors.New("no such binary")
	r := &fakeRunner{startErr: boom}
	s := NewSupervisor(Config{Spec: testSpec(), Runner: r})
	defer func() { _ = s.Shutdown() }()

	assert.ErrorIs(t, s.Start(), boom)
	assert.Equal(t, "stopped", s.Status().State)
}

func TestSupervisorContractLineTriggersCallback(t *testing.T) {
	triggered := make(chan struct{}, 4)
	r := &fakeRunner{}
	s := NewSupervisor(Config{
		Spec:            testSpec(),
		Runner:          r,
		OnContractEvent: func() { triggered <- struct{}{} },
	})
	defer func() { _ = s.Shutdown() }()

	require.NoError(t, s.Start())
	h := r.handleAt(t, 0)
	h.emit("storage node started")
	waitState(t, s, "running")
	h.emit("New contract: did:spk:abc by alice")

	select {
	case <-triggered:
	case <-time.After(2 * time.Second):
		t.Fatal("contract line never triggered the callback")
	}
}

func TestSupervisorShutdownStopsLiveProcess(t *testing.T) {
	r := &fakeRunner{}
	s := NewSupervisor(Config{Spec: testSpec(), Runner: r})

	require.NoError(t, s.Start())
	h := r.handleAt(t, 0)
	h.sigTerm = func(h *fakeHandle) { h.exit(ExitStatus{Code: 0}) }
	h.emit("validator started")
	waitState(t, s, "running")

	require.NoError(t, s.Shutdown())
	assert.Equal(t, "stopped", s.Status().State)
	assert.ErrorIs(t, s.Start(), ErrShuttingDown)
}
