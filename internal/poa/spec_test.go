package poa

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpecNormalizeDefaults(t *testing.T) {
	var s Spec
	s.Normalize()
	assert.Equal(t, DefaultStartupTimeout, s.StartupTimeout)
	assert.Equal(t, DefaultStopGrace, s.StopGrace)
	assert.Equal(t, DefaultMaxRestarts, s.MaxRestarts)
	assert.Equal(t, DefaultRestartBackoff, s.RestartBackoff)
	assert.Equal(t, "storage", s.NodeType)
}

func TestSpecNormalizeKeepsExplicitValues(t *testing.T) {
	s := Spec{StartupTimeout: time.Second, MaxRestarts: 9, NodeType: "validator"}
	s.Normalize()
	assert.Equal(t, time.Second, s.StartupTimeout)
	assert.Equal(t, 9, s.MaxRestarts)
	assert.Equal(t, "validator", s.NodeType)
}

func TestSpecArgs(t *testing.T) {
	s := Spec{
		Account:             "alice",
		NodeURL:             "https://spktest.dlux.io",
		NodeType:            "validator",
		StorageCeilingBytes: 1 << 30,
		IPFSPort:            5001,
	}
	args := s.Args()
	assert.Equal(t, []string{
		"-node", "2",
		"-username", "alice",
		"-url", "https://spktest.dlux.io",
		"-validators",
		"-storageLimit", "1073741824",
		"-IPFS_PORT", "5001",
	}, args)
}

func TestSpecArgsStorageNodeMinimal(t *testing.T) {
	s := Spec{Account: "bob", NodeType: "storage"}
	assert.Equal(t, []string{"-node", "2", "-username", "bob"}, s.Args())
}

func TestValidateBinary(t *testing.T) {
	dir := t.TempDir()

	missing := Spec{BinaryPath: filepath.Join(dir, "nope")}
	assert.ErrorIs(t, missing.ValidateBinary(), ErrBinaryNotFound)

	plain := filepath.Join(dir, "plain")
	require.NoError(t, os.WriteFile(plain, []byte("#!/bin/sh\n"), 0o644))
	assert.ErrorIs(t, (&Spec{BinaryPath: plain}).ValidateBinary(), ErrBinaryNotFound)

	exe := filepath.Join(dir, "poa")
	require.NoError(t, os.WriteFile(exe, []byte("#!/bin/sh\n"), 0o755))
	assert.NoError(t, (&Spec{BinaryPath: exe}).ValidateBinary())

	assert.ErrorIs(t, (&Spec{BinaryPath: dir}).ValidateBinary(), ErrBinaryNotFound)
}
