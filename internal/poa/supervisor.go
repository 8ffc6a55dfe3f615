package poa

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/spknetwork/spkpin/internal/events"
	"github.com/spknetwork/spkpin/internal/metrics"
)

// Supervisor owns exactly one POA process instance at a time. All lifecycle
// operations are serialized through a single state-machine goroutine fed by
// a buffered command channel, so callers never race each other and the
// caller never observes two live instances.
//
// State machine:
//
//	Stopped -> Starting -> Running -> (crash) Crashed -> Starting | Stopped
//	Starting|Running -> (stop) Stopping -> Stopped
type Supervisor struct {
	mu             sync.RWMutex
	state          State
	pid            int
	restartCount   int
	startedAt      time.Time
	lastExitCode   int
	lastExitSignal string

	spec       Spec
	runner     Runner
	bus        *events.Bus
	logger     *slog.Logger
	onContract func()

	cmdChan  chan command
	doneChan chan struct{}

	// Per-run plumbing, owned by the state-machine goroutine. A nil channel
	// blocks in select, which is exactly what we want between runs.
	handle      Handle
	readyCh     chan struct{}
	exitCh      chan ExitStatus
	startupFire <-chan time.Time
	restartFire <-chan time.Time
	manualStop  bool
	outW, errW  io.WriteCloser
}

// State is the supervisor's lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateCrashed
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateCrashed:
		return "crashed"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Status is an externally consumable snapshot of the supervised process.
// PID is zero unless the state is starting, running or stopping.
type Status struct {
	State          string    `json:"state"`
	PID            int       `json:"pid,omitempty"`
	RestartCount   int       `json:"restart_count"`
	StartedAt      time.Time `json:"started_at,omitempty"`
	LastExitCode   int       `json:"last_exit_code"`
	LastExitSignal string    `json:"last_exit_signal,omitempty"`
}

type commandAction int

const (
	actionStart commandAction = iota
	actionStop
	actionShutdown
)

type command struct {
	action commandAction
	force  bool
	reply  chan error
}

// Config wires a Supervisor.
type Config struct {
	Spec   Spec
	Bus    *events.Bus
	Runner Runner       // nil selects the os/exec runner
	Logger *slog.Logger // nil selects slog.Default
	// OnContractEvent fires when process output announces contract
	// activity; the engine hooks its debounced trigger here.
	OnContractEvent func()
}

// NewSupervisor constructs a Supervisor and starts its state machine.
func NewSupervisor(cfg Config) *Supervisor {
	spec := cfg.Spec
	spec.Normalize()
	r := cfg.Runner
	if r == nil {
		r = NewExecRunner()
	}
	lg := cfg.Logger
	if lg == nil {
		lg = slog.Default()
	}
	bus := cfg.Bus
	if bus == nil {
		bus = events.NewBus(0)
	}
	s := &Supervisor{
		state:      StateStopped,
		spec:       spec,
		runner:     r,
		bus:        bus,
		logger:     lg,
		onContract: cfg.OnContractEvent,
		cmdChan:    make(chan command, 16),
		doneChan:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Start launches the POA process. Precondition failures (already running,
// binary missing) and spawn errors are returned synchronously; the
// Starting->Running transition happens asynchronously once a readiness line
// is observed. A manual start resets the restart counter.
func (s *Supervisor) Start() error { return s.send(command{action: actionStart}) }

// Stop terminates the process: graceful signal first, hard kill after the
// grace period (immediately when force is set). Auto-restart is suppressed
// for the duration so a crash cannot resurrect a process the operator just
// stopped.
func (s *Supervisor) Stop(force bool) error {
	return s.send(command{action: actionStop, force: force})
}

// Shutdown stops any live process and terminates the state machine.
func (s *Supervisor) Shutdown() error { return s.send(command{action: actionShutdown}) }

func (s *Supervisor) send(cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case s.cmdChan <- cmd:
		return <-cmd.reply
	case <-s.doneChan:
		return ErrShuttingDown
	}
}

// Status returns a snapshot of the process handle.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Status{
		State:          s.state.String(),
		PID:            s.pid,
		RestartCount:   s.restartCount,
		StartedAt:      s.startedAt,
		LastExitCode:   s.lastExitCode,
		LastExitSignal: s.lastExitSignal,
	}
}

func (s *Supervisor) run() {
	defer close(s.doneChan)
	for {
		select {
		case cmd := <-s.cmdChan:
			switch cmd.action {
			case actionStart:
				cmd.reply <- s.handleStart()
			case actionStop:
				cmd.reply <- s.handleStop(cmd.force)
			case actionShutdown:
				if st := s.curState(); st == StateStarting || st == StateRunning || st == StateCrashed {
					_ = s.handleStop(false)
				}
				cmd.reply <- nil
				return
			}
		case <-s.readyCh:
			s.handleReady()
		case ex := <-s.exitCh:
			s.handleExit(ex)
		case <-s.startupFire:
			s.handleStartupTimeout()
		case <-s.restartFire:
			s.handleRestartTimer()
		}
	}
}

func (s *Supervisor) curState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Supervisor) setState(to State) {
	s.mu.Lock()
	from := s.state
	s.state = to
	if to == StateStopped || to == StateCrashed {
		s.pid = 0
	}
	s.mu.Unlock()
	if from != to {
		metrics.RecordStateTransition(from.String(), to.String())
	}
}

func (s *Supervisor) handleStart() error {
	if s.curState() != StateStopped {
		return ErrAlreadyRunning
	}
	s.mu.Lock()
	s.restartCount = 0
	s.manualStop = false
	s.mu.Unlock()
	return s.spawn()
}

// spawn launches one run and wires its output and exit plumbing. The caller
// must hold no locks. On success the state is Starting.
func (s *Supervisor) spawn() error {
	h, err := s.runner.Start(s.spec)
	if err != nil {
		return err
	}
	s.handle = h
	s.readyCh = make(chan struct{}, 1)
	s.exitCh = make(chan ExitStatus, 1)
	s.startupFire = time.After(s.spec.StartupTimeout)
	s.restartFire = nil

	outW, errW, _ := s.spec.Log.Writers("poa")
	s.outW, s.errW = outW, errW

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.scanStream(h.Stdout(), "stdout", outW, s.readyCh)
	}()
	go func() {
		defer wg.Done()
		s.scanStream(h.Stderr(), "stderr", errW, nil)
	}()
	exitCh := s.exitCh
	go func() {
		wg.Wait() // drain pipes before reaping
		exitCh <- h.Wait()
	}()

	s.mu.Lock()
	s.pid = h.PID()
	s.startedAt = time.Now()
	s.mu.Unlock()
	s.setState(StateStarting)
	s.logger.Info("poa process spawned", "pid", h.PID(), "binary", s.spec.BinaryPath)
	return nil
}

// scanStream forwards process output line by line: to the rotating log
// writer, to the event bus with a classification tag, and to the readiness
// and contract detectors.
func (s *Supervisor) scanStream(r io.Reader, stream string, w io.Writer, ready chan<- struct{}) {
	if r == nil {
		return
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for sc.Scan() {
		line := sc.Text()
		if w != nil {
			_, _ = io.WriteString(w, line+"\n")
		}
		s.bus.Publish(events.Event{
			Kind:    events.KindLogLine,
			Message: line,
			Fields:  map[string]string{"stream": stream, "tag": Classify(line)},
		})
		if ready != nil && IsReadinessLine(line) {
			select {
			case ready <- struct{}{}:
			default:
			}
		}
		if s.onContract != nil && IsContractLine(line) {
			s.onContract()
		}
	}
}

func (s *Supervisor) handleReady() {
	if s.curState() != StateStarting {
		return
	}
	s.startupFire = nil
	s.setState(StateRunning)
	metrics.IncStart()
	s.bus.Publish(events.Event{Kind: events.KindProcessStarted, Payload: s.Status()})
	s.logger.Info("poa process ready", "pid", s.Status().PID)
}

func (s *Supervisor) recordExit(ex ExitStatus) {
	s.mu.Lock()
	s.lastExitCode = ex.Code
	s.lastExitSignal = ex.Signal
	s.pid = 0
	s.mu.Unlock()
	s.closeWriters()
	s.startupFire = nil
	s.readyCh = nil
}

func (s *Supervisor) closeWriters() {
	if s.outW != nil {
		_ = s.outW.Close()
		s.outW = nil
	}
	if s.errW != nil {
		_ = s.errW.Close()
		s.errW = nil
	}
}

func (s *Supervisor) handleExit(ex ExitStatus) {
	st := s.curState()
	if st == StateStopped || st == StateStopping {
		// Stale exit from a run already finalized by a stop.
		return
	}
	s.recordExit(ex)
	if ex.Clean() {
		s.setState(StateStopped)
		metrics.IncStop()
		s.bus.Publish(events.Event{Kind: events.KindProcessStopped, Payload: s.Status()})
		s.logger.Info("poa process exited cleanly")
		return
	}
	s.setState(StateCrashed)
	metrics.IncCrash()
	s.bus.Publish(events.Event{
		Kind:    events.KindProcessCrashed,
		Message: fmt.Sprintf("exit code %d signal %q", ex.Code, ex.Signal),
		Payload: ex,
	})
	s.logger.Warn("poa process crashed", "code", ex.Code, "signal", ex.Signal)
	s.scheduleRestartOrGiveUp()
}

func (s *Supervisor) scheduleRestartOrGiveUp() {
	s.mu.RLock()
	manual := s.manualStop
	count := s.restartCount
	s.mu.RUnlock()
	if manual || !s.spec.AutoRestart {
		s.setState(StateStopped)
		return
	}
	if count >= s.spec.MaxRestarts {
		s.setState(StateStopped)
		s.bus.Publish(events.Event{
			Kind:    events.KindProcessMaxRestarts,
			Message: fmt.Sprintf("gave up after %d restarts", count),
			Payload: ErrMaxRestartsExceeded,
		})
		s.logger.Error("poa restart cap exhausted", "restarts", count)
		return
	}
	s.restartFire = time.After(s.spec.RestartBackoff)
	s.bus.Publish(events.Event{
		Kind:    events.KindProcessRestarting,
		Message: fmt.Sprintf("restart %d/%d in %s", count+1, s.spec.MaxRestarts, s.spec.RestartBackoff),
	})
}

func (s *Supervisor) handleRestartTimer() {
	s.restartFire = nil
	s.mu.RLock()
	manual := s.manualStop
	s.mu.RUnlock()
	if manual || s.curState() != StateCrashed {
		return
	}
	s.mu.Lock()
	s.restartCount++
	s.mu.Unlock()
	metrics.IncRestart()
	if err := s.spawn(); err != nil {
		// Spawn failure on the restart path is asynchronous: report it as a
		// crash of this attempt and re-apply the policy.
		s.bus.Publish(events.Event{
			Kind:    events.KindProcessCrashed,
			Message: "restart spawn failed: " + err.Error(),
			Payload: err,
		})
		s.scheduleRestartOrGiveUp()
	}
}

func (s *Supervisor) handleStartupTimeout() {
	if s.curState() != StateStarting {
		return
	}
	s.startupFire = nil
	_ = s.handle.Kill()
	var ex ExitStatus
	select {
	case ex = <-s.exitCh:
	case <-time.After(2 * time.Second):
		ex = ExitStatus{Code: -1}
	}
	s.recordExit(ex)
	s.setState(StateStopped)
	s.bus.Publish(events.Event{
		Kind:    events.KindProcessCrashed,
		Message: "no readiness signal within " + s.spec.StartupTimeout.String(),
		Payload: ErrStartupTimeout,
	})
	s.logger.Error("poa startup timed out", "timeout", s.spec.StartupTimeout)
}

func (s *Supervisor) handleStop(force bool) error {
	st := s.curState()
	if st == StateStopped {
		return ErrNotRunning
	}
	s.mu.Lock()
	s.manualStop = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.manualStop = false
		s.mu.Unlock()
	}()

	if st == StateCrashed {
		// Cancel a pending restart; nothing is live.
		s.restartFire = nil
		s.setState(StateStopped)
		return nil
	}

	s.setState(StateStopping)
	if force {
		_ = s.handle.Kill()
	} else {
		_ = s.handle.Signal(syscall.SIGTERM)
	}
	var ex ExitStatus
	select {
	case ex = <-s.exitCh:
	case <-time.After(s.spec.StopGrace):
		_ = s.handle.Kill()
		select {
		case ex = <-s.exitCh:
		case <-time.After(2 * time.Second):
			ex = ExitStatus{Code: -1}
		}
	}
	s.recordExit(ex)
	s.setState(StateStopped)
	metrics.IncStop()
	s.bus.Publish(events.Event{Kind: events.KindProcessStopped, Payload: s.Status()})
	s.logger.Info("poa process stopped", "forced", force)
	return nil
}
