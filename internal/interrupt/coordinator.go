// Package interrupt drives turn cancellation: optimistic stop, coalesced
// in-flight requests, a resync watchdog with throttled retries, and
// external-ownership conflict handling. One interrupt is in flight per
// thread at a time.
package interrupt

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conduit-desktop/conduit/internal/api"
	"github.com/conduit-desktop/conduit/internal/events"
	"github.com/conduit-desktop/conduit/internal/runstate"
	"github.com/conduit-desktop/conduit/internal/turnid"
)

// ErrNothingToInterrupt: no explicit target, no tracked activity, and no
// pending optimistic send to arm against.
var ErrNothingToInterrupt = errors.New("nothing to interrupt")

// state of a per-thread machine.
type state int

const (
	stateIdle state = iota
	stateRequesting
	stateAwaitingConfirmation
)

func (s state) String() string {
	switch s {
	case stateRequesting:
		return "requesting"
	case stateAwaitingConfirmation:
		return "awaiting_confirmation"
	default:
		return "idle"
	}
}

// Backend is the slice of the HTTP client the coordinator needs.
type Backend interface {
	Interrupt(ctx context.Context, threadID, turnID, clientActionID string) error
}

// Config tunes the watchdog. Timing values are liveness knobs, not
// correctness requirements.
type Config struct {
	WatchdogInterval time.Duration
	RetryCooldownMin time.Duration
	RetryCooldownMax time.Duration
	// SingleShot suppresses retries; the watchdog only resyncs.
	SingleShot bool
}

// Options modifies a single Request call.
type Options struct {
	// PendingActivity: the thread has an optimistic send in flight but no
	// authoritative turn yet. Instead of failing, arm "interrupt on next
	// turn start".
	PendingActivity bool
}

type machine struct {
	state        state
	targetTurn   string // normalized; may be turnid.External
	actionID     string
	inflight     bool
	retrying     bool
	armNextStart bool
	// pendingSend: the target was superseded while a request was in
	// flight; the replacement fires when the stale response returns, so at
	// most one HTTP request is ever outstanding per thread.
	pendingSend bool
	lastRetryAt time.Time
	cancelDog   context.CancelFunc
}

// Coordinator owns one interrupt machine per thread.
type Coordinator struct {
	store   *runstate.Store
	tracker *runstate.Tracker
	backend Backend
	// resync forces an immediate authoritative pull for the thread.
	resync func(ctx context.Context, threadID string)
	bus    *events.Subject
	cfg    Config
	log    *slog.Logger

	mu       sync.Mutex
	machines map[string]*machine
}

// New creates a coordinator.
func New(store *runstate.Store, tracker *runstate.Tracker, backend Backend, resync func(ctx context.Context, threadID string), bus *events.Subject, cfg Config, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = 900 * time.Millisecond
	}
	if cfg.RetryCooldownMin <= 0 {
		cfg.RetryCooldownMin = 250 * time.Millisecond
	}
	if cfg.RetryCooldownMax < cfg.RetryCooldownMin {
		cfg.RetryCooldownMax = cfg.RetryCooldownMin
	}
	return &Coordinator{
		store:    store,
		tracker:  tracker,
		backend:  backend,
		resync:   resync,
		bus:      bus,
		cfg:      cfg,
		log:      log.With("component", "interrupt"),
		machines: make(map[string]*machine),
	}
}

// InFlight reports whether an interrupt is pending for the thread. The send
// queue counts this as busy.
func (c *Coordinator) InFlight(threadID string) bool {
	_, ok := c.store.InterruptInFlight(threadID)
	return ok
}

// StateOf returns the machine phase for a thread, for the status endpoint.
func (c *Coordinator) StateOf(threadID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m := c.machines[threadID]; m != nil {
		return m.state.String()
	}
	return stateIdle.String()
}

// Request asks the backend to stop the thread's active turn. explicitTurn
// may be empty; the effective target is resolved from tracked state. A
// second call while a request is outstanding for an equal-or-wildcard
// target coalesces into it and returns nil without a new network call.
func (c *Coordinator) Request(ctx context.Context, threadID, explicitTurn string, opts Options) error {
	if c.store.OwnerOf(threadID) == runstate.OwnerExternal {
		c.publishNotice(threadID, events.NoticeExternalOwner,
			"this run was started from another surface and must be stopped there")
		return api.ErrExternalSurfaceRun
	}

	view := c.store.ViewOf(threadID)
	target := turnid.Normalize(explicitTurn)
	if target == "" {
		switch {
		case len(view.ActiveTurns) == 1:
			target = view.ActiveTurns[0]
		case len(view.ActiveTurns) > 1:
			target = turnid.External
		}
	}

	c.mu.Lock()
	m := c.machines[threadID]
	if m == nil {
		m = &machine{}
		c.machines[threadID] = m
	}

	if target == "" {
		if opts.PendingActivity {
			// No authoritative turn yet. Arm against the next start and let
			// the caller clear its optimistic UI.
			m.armNextStart = true
			c.mu.Unlock()
			c.log.Debug("armed interrupt on next turn start", "thread_id", threadID)
			return nil
		}
		c.mu.Unlock()
		return ErrNothingToInterrupt
	}

	if m.inflight {
		if turnid.Same(m.targetTurn, target) || m.targetTurn == turnid.External || target == turnid.External {
			// Coalesce into the outstanding request.
			c.mu.Unlock()
			return nil
		}
		// Different effective turn supersedes the pending target. The old
		// response is discarded by the action id check and the replacement
		// request fires once it returns.
		m.targetTurn = target
		m.actionID = uuid.NewString()
		m.pendingSend = true
		c.store.SetInterrupt(threadID, target, m.actionID)
		c.mu.Unlock()
		return nil
	}

	m.state = stateRequesting
	m.targetTurn = target
	m.actionID = uuid.NewString()
	m.inflight = true
	m.retrying = false
	actionID := m.actionID
	c.mu.Unlock()

	// Optimistic stop: the UI reacts before the round trip completes.
	c.store.SetInterrupt(threadID, target, actionID)
	c.tracker.ForceClear(threadID)
	c.startWatchdog(threadID)

	go c.send(context.WithoutCancel(ctx), threadID, target, actionID, false)
	return nil
}

// OnTurnStarted is called by the engine on every push turn-start. If an
// interrupt was armed against the next start, it fires now.
func (c *Coordinator) OnTurnStarted(threadID, turnID string) {
	c.mu.Lock()
	m := c.machines[threadID]
	armed := m != nil && m.armNextStart
	if armed {
		m.armNextStart = false
	}
	c.mu.Unlock()
	if !armed {
		return
	}
	c.log.Debug("armed interrupt firing on turn start", "thread_id", threadID, "turn_id", turnID)
	if err := c.Request(context.Background(), threadID, turnID, Options{}); err != nil {
		c.log.Warn("armed interrupt failed", "thread_id", threadID, "error", err)
	}
}

// send performs one interrupt HTTP round trip. retry suppresses optimistic
// side effects and failure rollback.
func (c *Coordinator) send(ctx context.Context, threadID, target, actionID string, retry bool) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	err := c.backend.Interrupt(ctx, threadID, target, actionID)

	c.mu.Lock()
	m := c.machines[threadID]
	if m == nil {
		c.mu.Unlock()
		return
	}
	if m.actionID != actionID {
		// Superseded while in flight; fire the replacement now that the
		// stale response is back.
		m.inflight = false
		if m.pendingSend {
			m.pendingSend = false
			m.inflight = true
			target, next := m.targetTurn, m.actionID
			c.mu.Unlock()
			go c.send(context.Background(), threadID, target, next, false)
			return
		}
		c.mu.Unlock()
		return
	}
	m.inflight = false

	switch {
	case err == nil:
		m.state = stateAwaitingConfirmation
		c.mu.Unlock()
		// Watchdog confirms the stop and clears state.

	case errors.Is(err, api.ErrNoActiveTurn):
		// Already stopped: success.
		c.clearLocked(threadID, m)
		c.mu.Unlock()

	case errors.Is(err, api.ErrExternalSurfaceRun):
		c.clearLocked(threadID, m)
		c.mu.Unlock()
		c.publishNotice(threadID, events.NoticeExternalOwner,
			"this run was started from another surface and must be stopped there")
		c.forceResync(threadID)

	case retry:
		// Keep the machine armed; the watchdog keeps polling.
		m.state = stateAwaitingConfirmation
		c.mu.Unlock()
		c.log.Debug("interrupt retry failed, watchdog continues", "thread_id", threadID, "error", err)

	default:
		// Fresh call failed: roll back the optimistic stop and resync.
		c.clearLocked(threadID, m)
		c.mu.Unlock()
		c.log.Warn("interrupt request failed", "thread_id", threadID, "error", err)
		c.publishBanner("error", "could not stop the response: "+err.Error())
		c.forceResync(threadID)
	}
}

// startWatchdog launches the per-thread watchdog goroutine if not running.
func (c *Coordinator) startWatchdog(threadID string) {
	c.mu.Lock()
	m := c.machines[threadID]
	if m == nil || m.cancelDog != nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancelDog = cancel
	c.mu.Unlock()

	go c.watchdog(ctx, threadID)
}

// watchdog resyncs the thread on every tick while an interrupt is pending.
// If the interrupted turn is still running it issues a throttled retry; if
// the run genuinely ended it clears all interrupt state.
func (c *Coordinator) watchdog(ctx context.Context, threadID string) {
	ticker := time.NewTicker(c.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if _, pending := c.store.InterruptInFlight(threadID); !pending {
			c.stop(threadID)
			return
		}

		c.forceResync(threadID)

		proj := c.tracker.Projection(threadID)
		if !proj.InterruptedStillRunning {
			c.mu.Lock()
			if m := c.machines[threadID]; m != nil {
				c.clearLocked(threadID, m)
			}
			c.mu.Unlock()
			c.log.Debug("interrupt confirmed by resync", "thread_id", threadID)
			return
		}

		if c.cfg.SingleShot {
			continue
		}

		c.mu.Lock()
		m := c.machines[threadID]
		if m == nil {
			c.mu.Unlock()
			return
		}
		cooldown := c.cfg.RetryCooldownMin
		if span := c.cfg.RetryCooldownMax - c.cfg.RetryCooldownMin; span > 0 {
			cooldown += time.Duration(rand.Int63n(int64(span)))
		}
		if m.inflight || time.Since(m.lastRetryAt) < cooldown {
			c.mu.Unlock()
			continue
		}
		m.lastRetryAt = time.Now()
		m.inflight = true
		m.retrying = true
		m.state = stateRequesting
		target, actionID := m.targetTurn, m.actionID
		c.mu.Unlock()

		c.log.Debug("interrupted turn still running, retrying", "thread_id", threadID, "turn_id", target)
		go c.send(context.Background(), threadID, target, actionID, true)
	}
}

// clearLocked resets a machine and the store's interrupt fields. Caller
// holds c.mu.
func (c *Coordinator) clearLocked(threadID string, m *machine) {
	m.state = stateIdle
	m.targetTurn = ""
	m.actionID = ""
	m.inflight = false
	m.retrying = false
	if m.cancelDog != nil {
		m.cancelDog()
		m.cancelDog = nil
	}
	c.store.ClearInterrupt(threadID)
}

// stop tears down the watchdog for a thread.
func (c *Coordinator) stop(threadID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m := c.machines[threadID]; m != nil && m.cancelDog != nil {
		m.cancelDog()
		m.cancelDog = nil
	}
}

// Reset clears all interrupt state for a thread (thread switch, unload,
// quota-terminal). Timers are torn down.
func (c *Coordinator) Reset(threadID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m := c.machines[threadID]; m != nil {
		c.clearLocked(threadID, m)
		delete(c.machines, threadID)
	} else {
		c.store.ClearInterrupt(threadID)
	}
}

func (c *Coordinator) forceResync(threadID string) {
	if c.resync == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.resync(ctx, threadID)
}

func (c *Coordinator) publishNotice(threadID string, kind events.NoticeKind, msg string) {
	if c.bus == nil {
		return
	}
	_ = events.Publish(c.bus, events.TopicThreadNotice, events.NoticeEvent{
		ThreadID: threadID, Kind: kind, Message: msg,
	})
}

func (c *Coordinator) publishBanner(kind, msg string) {
	if c.bus == nil {
		return
	}
	_ = events.Publish(c.bus, events.TopicBanner, events.BannerEvent{Kind: kind, Message: msg})
}
