package poa

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/spknetwork/spkpin/internal/logger"
)

// Default policy values applied by Spec.Normalize.
const (
	DefaultStartupTimeout = 30 * time.Second
	DefaultStopGrace      = 8 * time.Second
	DefaultMaxRestarts    = 5
	DefaultRestartBackoff = 5 * time.Second
)

// Spec describes the Proof-of-Access validator process to supervise.
type Spec struct {
	BinaryPath          string        `json:"binary_path"`
	Account             string        `json:"account"`
	NodeURL             string        `json:"node_url"`  // SPK node endpoint passed to the binary
	NodeType            string        `json:"node_type"` // validator | storage
	StorageCeilingBytes int64         `json:"storage_ceiling_bytes"`
	IPFSPort            int           `json:"ipfs_port"`
	WorkDir             string        `json:"work_dir"`
	Env                 []string      `json:"env"`
	Log                 logger.Config `json:"log"`

	StartupTimeout time.Duration `json:"startup_timeout"`
	StopGrace      time.Duration `json:"stop_grace"`
	AutoRestart    bool          `json:"auto_restart"`
	MaxRestarts    int           `json:"max_restarts"`
	RestartBackoff time.Duration `json:"restart_backoff"`
}

// Normalize fills in policy defaults, leaving zero values for identity
// fields alone.
func (s *Spec) Normalize() {
	if s.StartupTimeout <= 0 {
		s.StartupTimeout = DefaultStartupTimeout
	}
	if s.StopGrace <= 0 {
		s.StopGrace = DefaultStopGrace
	}
	if s.MaxRestarts <= 0 {
		s.MaxRestarts = DefaultMaxRestarts
	}
	if s.RestartBackoff <= 0 {
		s.RestartBackoff = DefaultRestartBackoff
	}
	if s.NodeType == "" {
		s.NodeType = "storage"
	}
}

// Args builds the command-line arguments the POA binary expects.
func (s *Spec) Args() []string {
	args := []string{
		"-node", "2",
		"-username", s.Account,
	}
	if s.NodeURL != "" {
		args = append(args, "-url", s.NodeURL)
	}
	if s.NodeType == "validator" {
		args = append(args, "-validators")
	}
	if s.StorageCeilingBytes > 0 {
		args = append(args, "-storageLimit", strconv.FormatInt(s.StorageCeilingBytes, 10))
	}
	if s.IPFSPort > 0 {
		args = append(args, "-IPFS_PORT", strconv.Itoa(s.IPFSPort))
	}
	return args
}

// ValidateBinary checks that the configured executable exists and carries an
// execute bit. Returns an error wrapping ErrBinaryNotFound otherwise.
func (s *Spec) ValidateBinary() error {
	info, err := os.Stat(s.BinaryPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrBinaryNotFound, s.BinaryPath)
		}
		return fmt.Errorf("%w: %s: %v", ErrBinaryNotFound, s.BinaryPath, err)
	}
	if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("%w: %s is not executable", ErrBinaryNotFound, s.BinaryPath)
	}
	return nil
}
