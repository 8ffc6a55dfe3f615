// Package node assembles the daemon: the POA supervisor, the pin
// reconciler, persistence, history export and the control API, wired from
// one file config.
package node

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/spknetwork/spkpin/internal/config"
	"github.com/spknetwork/spkpin/internal/contract"
	"github.com/spknetwork/spkpin/internal/events"
	"github.com/spknetwork/spkpin/internal/history"
	chsink "github.com/spknetwork/spkpin/internal/history/clickhouse"
	"github.com/spknetwork/spkpin/internal/ipfs"
	"github.com/spknetwork/spkpin/internal/metrics"
	"github.com/spknetwork/spkpin/internal/poa"
	"github.com/spknetwork/spkpin/internal/reconcile"
	"github.com/spknetwork/spkpin/internal/server"
	"github.com/spknetwork/spkpin/internal/spk"
	"github.com/spknetwork/spkpin/internal/store"
	_ "github.com/spknetwork/spkpin/internal/store/postgres"
	_ "github.com/spknetwork/spkpin/internal/store/sqlite"
)

// snapshotRefresh is how often the cached registration/node-id status is
// re-derived from the SPK node and the IPFS daemon.
const snapshotRefresh = 5 * time.Minute

// snapshotMaxAge bounds how old a stored snapshot may be before it is
// discarded instead of served.
const snapshotMaxAge = time.Hour

// Node is the assembled daemon.
type Node struct {
	cfg    config.FileConfig
	logger *slog.Logger
	bus    *events.Bus

	registry   *contract.Registry
	ipfs       *ipfs.Client
	spk        *spk.Client
	store      store.Store
	sinks      []history.Sink
	engine     *reconcile.Engine
	scheduler  *reconcile.Scheduler
	supervisor *poa.Supervisor
	httpSrv    *http.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.RWMutex
	nodeID     string
	registered bool
}

// New wires a Node from config. Nothing is started yet; call Start.
func New(cfg config.FileConfig, logger *slog.Logger) (*Node, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	n := &Node{
		cfg:      cfg,
		logger:   logger,
		bus:      events.NewBus(0),
		registry: contract.NewRegistry(),
		ipfs: ipfs.New(ipfs.Config{
			Host:    cfg.IPFS.Host,
			Port:    cfg.IPFS.Port,
			Timeout: cfg.IPFS.Timeout,
		}),
		spk: spk.New(spk.Config{BaseURL: cfg.SPK.URL, Timeout: cfg.SPK.Timeout}),
	}

	st, err := store.Open(store.Config{Type: cfg.Store.Type, DSN: cfg.Store.DSN})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	n.store = st

	if cfg.History.SQLDSN != "" {
		sink, err := history.NewSQLSinkFromDSN(cfg.History.SQLDSN)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("open history sink: %w", err)
		}
		n.sinks = append(n.sinks, sink)
	}
	if cfg.History.ClickHouse.Addr != "" {
		sink, err := chsink.New(chsink.Config{
			Addr:     cfg.History.ClickHouse.Addr,
			Database: cfg.History.ClickHouse.Database,
			Username: cfg.History.ClickHouse.Username,
			Password: cfg.History.ClickHouse.Password,
			Table:    cfg.History.ClickHouse.Table,
		})
		if err != nil {
			n.closeSinks()
			_ = st.Close()
			return nil, fmt.Errorf("open clickhouse sink: %w", err)
		}
		n.sinks = append(n.sinks, sink)
	}

	n.engine = reconcile.NewEngine(reconcile.Config{
		Account:   cfg.POA.Account,
		Directory: n.spk,
		Content:   n.ipfs,
		Registry:  n.registry,
		Store:     st,
		Bus:       n.bus,
		Logger:    logger,
		Sinks:     n.sinks,
		Allowlist: cfg.Reconcile.Allowlist,
		OpTimeout: cfg.Reconcile.OpTimeout,
	})
	n.scheduler = reconcile.NewScheduler(n.engine, cfg.Reconcile.Interval, cfg.Reconcile.Debounce, logger)

	n.supervisor = poa.NewSupervisor(poa.Config{
		Spec:            cfg.POASpec(),
		Bus:             n.bus,
		Logger:          logger,
		OnContractEvent: n.scheduler.Trigger,
	})
	return n, nil
}

// Bus exposes the node's event bus.
func (n *Node) Bus() *events.Bus { return n.bus }

// Start brings the daemon up: schema, managed-pin reload, reconciler,
// control API, and the POA process when auto-start is configured.
func (n *Node) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	initCtx, done := context.WithTimeout(ctx, 30*time.Second)
	defer done()
	if err := n.store.EnsureSchema(initCtx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	if err := n.engine.ReloadManaged(initCtx); err != nil {
		return err
	}

	n.loadCachedStatus(initCtx)
	n.scheduler.Start(ctx)

	n.wg.Add(1)
	go n.snapshotLoop(ctx)

	srv, err := server.NewServer(n.cfg.Server.Listen, n.cfg.Server.BasePath, n)
	if err != nil {
		n.cancel()
		n.scheduler.Stop()
		return fmt.Errorf("control api: %w", err)
	}
	n.httpSrv = srv
	n.logger.Info("control api listening", "addr", srv.Addr, "base", n.cfg.Server.BasePath)

	if n.cfg.POA.AutoStart {
		if err := n.supervisor.Start(); err != nil {
			n.logger.Error("poa auto-start failed", "err", err)
		}
	}
	return nil
}

// Stop tears the daemon down in reverse order of Start.
func (n *Node) Stop(ctx context.Context) error {
	if n.cancel != nil {
		n.cancel()
	}
	if n.httpSrv != nil {
		_ = n.httpSrv.Shutdown(ctx)
	}
	if err := n.supervisor.Shutdown(); err != nil && err != poa.ErrShuttingDown {
		n.logger.Warn("supervisor shutdown", "err", err)
	}
	n.scheduler.Stop()
	n.saveSnapshot(ctx)
	n.wg.Wait()
	n.closeSinks()
	if err := n.store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	return nil
}

func (n *Node) closeSinks() {
	for _, s := range n.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			_ = c.Close()
		}
	}
}

// loadCachedStatus serves a recent snapshot while the live refresh is still
// on its way; stale or missing snapshots are simply skipped.
func (n *Node) loadCachedStatus(ctx context.Context) {
	snap, err := n.store.LoadSnapshot(ctx, snapshotMaxAge)
	if err != nil {
		return
	}
	n.mu.Lock()
	n.nodeID = snap.NodeID
	n.registered = snap.Registered
	n.mu.Unlock()
}

func (n *Node) snapshotLoop(ctx context.Context) {
	defer n.wg.Done()
	n.refreshStatus(ctx)
	ticker := time.NewTicker(snapshotRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.refreshStatus(ctx)
		}
	}
}

// refreshStatus re-derives node identity and network registration, then
// persists the snapshot for the next boot.
func (n *Node) refreshStatus(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	if info, err := n.ipfs.NodeInfo(ctx); err == nil {
		n.mu.Lock()
		n.nodeID = info.ID
		n.mu.Unlock()
	} else {
		n.logger.Debug("ipfs node info unavailable", "err", err)
	}
	if reg, err := n.spk.FetchNodeRegistration(ctx, n.cfg.POA.Account); err == nil {
		n.mu.Lock()
		n.registered = reg.Registered
		n.mu.Unlock()
	} else {
		n.logger.Debug("spk registration unavailable", "err", err)
	}
	n.saveSnapshot(ctx)
}

func (n *Node) saveSnapshot(ctx context.Context) {
	n.mu.RLock()
	snap := store.Snapshot{
		Running:    n.supervisor.Status().State == "running",
		Registered: n.registered,
		NodeID:     n.nodeID,
		UpdatedAt:  time.Now(),
	}
	n.mu.RUnlock()
	if err := n.store.SaveSnapshot(ctx, snap); err != nil {
		n.logger.Debug("saving status snapshot failed", "err", err)
	}
}

// --- server.Service ---

func (n *Node) StatusView() server.StatusView {
	n.mu.RLock()
	nodeID, registered := n.nodeID, n.registered
	n.mu.RUnlock()
	return server.StatusView{
		Process:     n.supervisor.Status(),
		Reconcile:   n.scheduler.Stats(),
		Contracts:   n.registry.Len(),
		ManagedPins: n.engine.ManagedCount(),
		NodeID:      nodeID,
		Registered:  registered,
	}
}

func (n *Node) StartProcess() error { return n.supervisor.Start() }

func (n *Node) StopProcess(force bool) error { return n.supervisor.Stop(force) }

func (n *Node) TriggerReconcile() { n.scheduler.Trigger() }

func (n *Node) RecentEvents(count int) []events.Event { return n.bus.Recent(count) }
