package poa

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"syscall"
)

// ExitStatus describes how a process run ended.
type ExitStatus struct {
	Code   int    // exit code, -1 when terminated by signal
	Signal string // terminating signal name, empty otherwise
	Err    error  // raw wait error for diagnostics
}

// Clean reports a deliberate, successful exit.
func (e ExitStatus) Clean() bool { return e.Code == 0 && e.Signal == "" }

// Handle is one live process instance. Wait must be called exactly once.
type Handle interface {
	PID() int
	Stdout() io.Reader
	Stderr() io.Reader
	Wait() ExitStatus
	Signal(sig os.Signal) error
	Kill() error
}

// Runner spawns process instances. The production implementation wraps
// os/exec; tests substitute a fake so the supervisor state machine can be
// driven without real binaries.
type Runner interface {
	Start(spec Spec) (Handle, error)
}

type execRunner struct{}

// NewExecRunner returns the os/exec-backed Runner.
func NewExecRunner() Runner { return execRunner{} }

func (execRunner) Start(spec Spec) (Handle, error) {
	if err := spec.ValidateBinary(); err != nil {
		return nil, err
	}
	cmd := exec.Command(spec.BinaryPath, spec.Args()...) // #nosec G204 -- operator-configured binary
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	// Own process group so signals reach the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execHandle{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

type execHandle struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr io.Reader
}

func (h *execHandle) PID() int { return h.cmd.Process.Pid }

func (h *execHandle) Stdout() io.Reader { return h.stdout }
func (h *execHandle) Stderr() io.Reader { return h.stderr }

func (h *execHandle) Wait() ExitStatus {
	err := h.cmd.Wait()
	if err == nil {
		return ExitStatus{Code: 0}
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return ExitStatus{Code: -1, Signal: ws.Signal().String(), Err: err}
		}
		return ExitStatus{Code: ee.ExitCode(), Err: err}
	}
	return ExitStatus{Code: -1, Err: err}
}

func (h *execHandle) Signal(sig os.Signal) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return h.cmd.Process.Signal(sig)
	}
	// Negative pid: signal the whole group.
	return syscall.Kill(-h.cmd.Process.Pid, s)
}

func (h *execHandle) Kill() error {
	return syscall.Kill(-h.cmd.Process.Pid, syscall.SIGKILL)
}
