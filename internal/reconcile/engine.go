package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/spknetwork/spkpin/internal/contract"
	"github.com/spknetwork/spkpin/internal/events"
	"github.com/spknetwork/spkpin/internal/history"
	"github.com/spknetwork/spkpin/internal/metrics"
	"github.com/spknetwork/spkpin/internal/store"
)

var (
	// ErrDirectoryFetch wraps a failure to fetch contract assignments. The
	// cycle aborts before touching any pin.
	ErrDirectoryFetch = errors.New("reconcile: directory fetch failed")
	// ErrContentStoreUnavailable wraps a failure to list the pin set. The
	// cycle aborts before touching any pin.
	ErrContentStoreUnavailable = errors.New("reconcile: content store unavailable")
)

// Directory is the source of truth for which contracts this node must
// serve. The SPK node client implements it.
type Directory interface {
	FetchAssignedContracts(ctx context.Context, account string) ([]contract.RawContract, error)
}

// ContentStore is the pin backend. The IPFS API client implements it.
type ContentStore interface {
	Pin(ctx context.Context, cid string) error
	Unpin(ctx context.Context, cid string) error
	ListPinned(ctx context.Context) (map[string]struct{}, error)
}

// PinFailure is one pin or unpin operation that kept failing after retries.
type PinFailure struct {
	CID string `json:"cid"`
	Op  string `json:"op"` // pin | unpin
	Err error  `json:"-"`
}

// CycleResult summarizes one reconciliation pass. A non-nil Err means the
// cycle aborted before mutating anything; Failures are partial per-CID
// errors within an otherwise completed cycle.
type CycleResult struct {
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration"`
	ContractsSeen int           `json:"contracts_seen"`
	InvalidRefs   int           `json:"invalid_refs"`
	RequiredCids  int           `json:"required_cids"`
	NewPins       []string      `json:"new_pins,omitempty"`
	RemovedPins   []string      `json:"removed_pins,omitempty"`
	Failures      []PinFailure  `json:"failures,omitempty"`
	Err           error         `json:"-"`
}

// Outcome is ok, partial (some per-CID failures) or failed (aborted).
func (r CycleResult) Outcome() string {
	switch {
	case r.Err != nil:
		return "failed"
	case len(r.Failures) > 0:
		return "partial"
	default:
		return "ok"
	}
}

// Defaults applied by NewEngine.
const (
	DefaultOpTimeout   = 30 * time.Second
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = 500 * time.Millisecond

	fetchWarnWindow = 10 * time.Minute
)

// Config wires an Engine.
type Config struct {
	Account   string
	Directory Directory
	Content   ContentStore
	Registry  *contract.Registry
	Store     store.Store // nil disables persistence
	Bus       *events.Bus
	Logger    *slog.Logger
	Sinks     []history.Sink
	Allowlist []string // CIDs never unpinned even when no contract requires them

	OpTimeout   time.Duration
	MaxAttempts int
	RetryDelay  time.Duration
}

// Engine drives the local pin set toward the union of content references of
// the assigned contracts. It only ever unpins CIDs it previously pinned
// itself, so pins made by the operator or other tools are left alone.
type Engine struct {
	account   string
	dir       Directory
	content   ContentStore
	registry  *contract.Registry
	store     store.Store
	bus       *events.Bus
	logger    *slog.Logger
	sinks     []history.Sink
	allowlist map[string]struct{}

	opTimeout   time.Duration
	maxAttempts int
	retryDelay  time.Duration

	mu            sync.Mutex
	managed       map[string][]string // cid -> contract ids that required it
	lastFetchWarn time.Time
}

// NewEngine builds an Engine. Directory, Content and Registry are required.
func NewEngine(cfg Config) *Engine {
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = DefaultOpTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Bus == nil {
		cfg.Bus = events.NewBus(0)
	}
	allow := make(map[string]struct{}, len(cfg.Allowlist))
	for _, cid := range cfg.Allowlist {
		allow[cid] = struct{}{}
	}
	return &Engine{
		account:     cfg.Account,
		dir:         cfg.Directory,
		content:     cfg.Content,
		registry:    cfg.Registry,
		store:       cfg.Store,
		bus:         cfg.Bus,
		logger:      cfg.Logger,
		sinks:       cfg.Sinks,
		allowlist:   allow,
		opTimeout:   cfg.OpTimeout,
		maxAttempts: cfg.MaxAttempts,
		retryDelay:  cfg.RetryDelay,
		managed:     make(map[string][]string),
	}
}

// ReloadManaged restores the managed-pin set from the store. Call once at
// startup, before the first cycle.
func (e *Engine) ReloadManaged(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	pins, err := e.store.ListManagedPins(ctx)
	if err != nil {
		return fmt.Errorf("reload managed pins: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.managed = make(map[string][]string, len(pins))
	for _, p := range pins {
		e.managed[p.CID] = p.Sources
	}
	metrics.SetManagedPins(len(e.managed))
	e.logger.Info("managed pin set reloaded", "pins", len(e.managed))
	return nil
}

// ManagedCount returns the current size of the managed-pin set.
func (e *Engine) ManagedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.managed)
}

// ManagedCIDs returns the managed CIDs in sorted order.
func (e *Engine) ManagedCIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.managed))
	for cid := range e.managed {
		out = append(out, cid)
	}
	sort.Strings(out)
	return out
}

// RunCycle executes one fetch-diff-apply pass. It is idempotent: a second
// run against unchanged inputs performs no pin operations. Fetch failures
// abort the cycle without mutating anything; per-CID failures are collected
// into the result and retried naturally on the next cycle.
func (e *Engine) RunCycle(ctx context.Context) (CycleResult, error) {
	res := CycleResult{StartedAt: time.Now()}

	raws, err := e.dir.FetchAssignedContracts(ctx, e.account)
	if err != nil {
		res.Err = fmt.Errorf("%w: %v", ErrDirectoryFetch, err)
		return e.finish(res)
	}

	contracts := make([]contract.Contract, 0, len(raws))
	seen := make(map[string]struct{}, len(raws))
	for _, rc := range raws {
		c, invalid := contract.Extract(rc)
		if c.ID == "" {
			continue
		}
		for _, ref := range invalid {
			res.InvalidRefs++
			e.bus.Publish(events.Event{
				Kind:    events.KindContractWarning,
				Message: fmt.Sprintf("contract %s: invalid content ref %q", c.ID, ref),
				Fields:  map[string]string{"contract": c.ID},
			})
		}
		if len(c.ContentRefs) == 0 {
			e.bus.Publish(events.Event{
				Kind:    events.KindContractWarning,
				Message: fmt.Sprintf("contract %s carries no content refs", c.ID),
				Fields:  map[string]string{"contract": c.ID},
			})
		}
		contracts = append(contracts, c)
		seen[c.ID] = struct{}{}
	}
	res.ContractsSeen = len(contracts)

	required := make(map[string]struct{})
	for _, c := range contracts {
		for _, cid := range c.ContentRefs {
			required[cid] = struct{}{}
		}
	}
	res.RequiredCids = len(required)

	pinned, err := e.content.ListPinned(ctx)
	if err != nil {
		res.Err = fmt.Errorf("%w: %v", ErrContentStoreUnavailable, err)
		return e.finish(res)
	}

	// Both fetch steps resolved; only now commit the fresh snapshot so an
	// aborted cycle leaves the registry exactly as the previous cycle did.
	e.registry.Upsert(contracts)
	if removed := e.registry.RemoveMissing(seen); len(removed) > 0 {
		e.logger.Debug("contracts no longer assigned", "count", len(removed))
	}
	metrics.SetRequiredCids(len(required))

	e.apply(ctx, required, pinned, &res)

	e.mu.Lock()
	metrics.SetManagedPins(len(e.managed))
	e.mu.Unlock()
	return e.finish(res)
}

// apply performs the diff between required and pinned, scoped to the
// managed set for removals.
func (e *Engine) apply(ctx context.Context, required, pinned map[string]struct{}, res *CycleResult) {
	// Removals first: managed CIDs no longer required by any contract.
	for _, cid := range e.managedSnapshot() {
		if _, ok := required[cid]; ok {
			continue
		}
		if _, ok := e.allowlist[cid]; ok {
			continue
		}
		if _, isPinned := pinned[cid]; isPinned {
			if err := e.tryOp(ctx, "unpin", cid, e.content.Unpin); err != nil {
				res.Failures = append(res.Failures, PinFailure{CID: cid, Op: "unpin", Err: err})
				continue
			}
			metrics.IncUnpin()
			res.RemovedPins = append(res.RemovedPins, cid)
			e.bus.Publish(events.Event{Kind: events.KindPinRemoved, Message: cid})
		}
		// Pinned or not, the CID is no longer ours to manage.
		e.forgetManaged(ctx, cid)
	}

	// Additions: required CIDs not yet pinned locally. Required CIDs that
	// are already pinned but unmanaged stay foreign; adopting them would
	// let a contract expiry remove a pin the operator made.
	for _, cid := range sortedKeys(required) {
		if _, ok := pinned[cid]; ok {
			continue
		}
		if err := e.tryOp(ctx, "pin", cid, e.content.Pin); err != nil {
			res.Failures = append(res.Failures, PinFailure{CID: cid, Op: "pin", Err: err})
			continue
		}
		metrics.IncPin()
		res.NewPins = append(res.NewPins, cid)
		e.rememberManaged(ctx, cid)
		e.bus.Publish(events.Event{Kind: events.KindPinAdded, Message: cid})
	}
}

func (e *Engine) managedSnapshot() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.managed))
	for cid := range e.managed {
		out = append(out, cid)
	}
	sort.Strings(out)
	return out
}

func (e *Engine) rememberManaged(ctx context.Context, cid string) {
	sources := sortedKeys(e.registry.SourceContracts(cid))
	e.mu.Lock()
	e.managed[cid] = sources
	e.mu.Unlock()
	if e.store != nil {
		if err := e.store.SaveManagedPin(ctx, store.ManagedPin{CID: cid, Sources: sources, PinnedAt: time.Now()}); err != nil {
			e.logger.Warn("persisting managed pin failed", "cid", cid, "err", err)
		}
	}
}

func (e *Engine) forgetManaged(ctx context.Context, cid string) {
	e.mu.Lock()
	delete(e.managed, cid)
	e.mu.Unlock()
	if e.store != nil {
		if err := e.store.DeleteManagedPin(ctx, cid); err != nil {
			e.logger.Warn("deleting managed pin failed", "cid", cid, "err", err)
		}
	}
}

// tryOp runs one pin operation with a per-attempt timeout and bounded
// retries.
func (e *Engine) tryOp(ctx context.Context, op, cid string, fn func(context.Context, string) error) error {
	var err error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		opCtx, cancel := context.WithTimeout(ctx, e.opTimeout)
		err = fn(opCtx, cid)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			break
		}
		if attempt < e.maxAttempts {
			time.Sleep(e.retryDelay)
		}
	}
	metrics.IncPinFailure(op)
	e.logger.Warn("pin operation failed", "op", op, "cid", cid, "attempts", e.maxAttempts, "err", err)
	return err
}

// finish stamps the result, emits events and metrics, and fans the cycle
// out to the history sinks.
func (e *Engine) finish(res CycleResult) (CycleResult, error) {
	res.Duration = time.Since(res.StartedAt)
	outcome := res.Outcome()
	metrics.IncCycle(outcome)
	metrics.ObserveCycleDuration(res.Duration.Seconds())

	if res.Err != nil {
		if e.shouldReportFailure() {
			e.bus.Publish(events.Event{Kind: events.KindCycleFailed, Message: res.Err.Error(), Payload: res})
			e.logger.Warn("reconcile cycle failed", "err", res.Err)
		} else {
			e.logger.Debug("reconcile cycle failed", "err", res.Err)
		}
	} else {
		e.bus.Publish(events.Event{Kind: events.KindCycleComplete, Payload: res})
		e.logger.Info("reconcile cycle complete",
			"outcome", outcome,
			"contracts", res.ContractsSeen,
			"required", res.RequiredCids,
			"pinned", len(res.NewPins),
			"unpinned", len(res.RemovedPins),
			"failures", len(res.Failures),
			"took", res.Duration)
	}

	e.exportHistory(res)
	return res, res.Err
}

// shouldReportFailure rate-limits fetch-failure reporting: the first
// failure in a window is surfaced loudly, repeats only at debug level. A
// flapping upstream should not flood the bus and logs every cycle.
func (e *Engine) shouldReportFailure() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if time.Since(e.lastFetchWarn) < fetchWarnWindow {
		return false
	}
	e.lastFetchWarn = time.Now()
	return true
}

func (e *Engine) exportHistory(res CycleResult) {
	if len(e.sinks) == 0 {
		return
	}
	ev := history.CycleEvent{
		OccurredAt:    res.StartedAt,
		Outcome:       res.Outcome(),
		ContractsSeen: res.ContractsSeen,
		RequiredCids:  res.RequiredCids,
		NewPins:       len(res.NewPins),
		RemovedPins:   len(res.RemovedPins),
		Failures:      len(res.Failures),
		DurationMs:    res.Duration.Milliseconds(),
	}
	if res.Err != nil {
		ev.Error = res.Err.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, sink := range e.sinks {
		if err := sink.Send(ctx, ev); err != nil {
			e.logger.Warn("history sink send failed", "err", err)
		}
	}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
