package poa

import "errors"

var (
	// ErrAlreadyRunning is returned by Start when the supervisor is not in
	// the Stopped state.
	ErrAlreadyRunning = errors.New("poa: process already running")
	// ErrNotRunning is returned by Stop when there is nothing to stop.
	ErrNotRunning = errors.New("poa: process not running")
	// ErrBinaryNotFound is returned by Start when the configured executable
	// is missing or not executable.
	ErrBinaryNotFound = errors.New("poa: binary not found")
	// ErrStartupTimeout is surfaced when the process never printed a
	// readiness phrase within the startup window and was killed.
	ErrStartupTimeout = errors.New("poa: startup timeout")
	// ErrMaxRestartsExceeded is the terminal auto-restart condition.
	ErrMaxRestartsExceeded = errors.New("poa: max restarts exceeded")
	// ErrShuttingDown is returned when the supervisor has been disposed.
	ErrShuttingDown = errors.New("poa: supervisor shutting down")
)
