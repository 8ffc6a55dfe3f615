// Package spkpin runs an SPK network storage node: it supervises the
// Proof-of-Access validator binary and keeps the local IPFS pin set in sync
// with the node's assigned storage contracts.
package spkpin

import (
	"context"
	"log/slog"

	"github.com/spknetwork/spkpin/internal/config"
	"github.com/spknetwork/spkpin/internal/contract"
	"github.com/spknetwork/spkpin/internal/events"
	"github.com/spknetwork/spkpin/internal/logger"
	"github.com/spknetwork/spkpin/internal/node"
	"github.com/spknetwork/spkpin/internal/poa"
	"github.com/spknetwork/spkpin/internal/reconcile"
	"github.com/spknetwork/spkpin/internal/server"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Spec = poa.Spec

type ProcessStatus = poa.Status

type Contract = contract.Contract

type CycleResult = reconcile.CycleResult

type Event = events.Event

type FileConfig = config.FileConfig

type StatusView = server.StatusView

// LoadConfig parses a TOML config file and applies defaults.
func LoadConfig(path string) (FileConfig, error) { return config.Load(path) }

// NewLogger builds the daemon's structured logger.
func NewLogger(level string, noColor bool) *slog.Logger { return logger.New(level, noColor) }

// Node is a thin facade over the internal daemon assembly, providing a
// stable public API for embedding.
type Node struct{ inner *node.Node }

// NewNode wires a daemon from config. Call Start to bring it up.
func NewNode(cfg FileConfig, log *slog.Logger) (*Node, error) {
	inner, err := node.New(cfg, log)
	if err != nil {
		return nil, err
	}
	return &Node{inner: inner}, nil
}

func (n *Node) Start(ctx context.Context) error { return n.inner.Start(ctx) }
func (n *Node) Stop(ctx context.Context) error  { return n.inner.Stop(ctx) }

func (n *Node) Status() StatusView             { return n.inner.StatusView() }
func (n *Node) StartProcess() error            { return n.inner.StartProcess() }
func (n *Node) StopProcess(force bool) error   { return n.inner.StopProcess(force) }
func (n *Node) TriggerReconcile()              { n.inner.TriggerReconcile() }
func (n *Node) RecentEvents(count int) []Event { return n.inner.RecentEvents(count) }
