package runstate

import (
	"log/slog"
	"sync"
	"time"

	"github.com/conduit-desktop/conduit/internal/events"
	"github.com/conduit-desktop/conduit/internal/turnid"
)

// SignalKind tags a push lifecycle notification.
type SignalKind int

const (
	SignalStarted SignalKind = iota
	SignalProgress
	SignalTerminal
)

// TerminalReason describes why a turn ended.
type TerminalReason string

const (
	TerminalCompleted   TerminalReason = "completed"
	TerminalAborted     TerminalReason = "aborted"
	TerminalStreamError TerminalReason = "stream_error"
)

// Signal is one push lifecycle notification for a thread. TurnID may be
// empty; started/progress without an id pin the wildcard.
type Signal struct {
	Kind   SignalKind
	TurnID string
	Reason TerminalReason
}

// Snapshot is the authoritative pull view of a thread.
type Snapshot struct {
	RunningTurnIDs []string
	ExternalActive bool
	ExternalTurnID string
}

// Projection is what the UI should show for a thread.
type Projection struct {
	Running []string // normalized ids, interrupted turns subtracted
	// InterruptedStillRunning is true when the interrupted turn is still in
	// the authoritative set even though the projection hides it. The
	// interrupt coordinator uses it to decide whether to retry.
	InterruptedStillRunning bool
}

// Busy reports whether the projection shows any running turn.
func (p Projection) Busy() bool { return len(p.Running) > 0 }

// Tunables holds the tracker's hysteresis windows.
type Tunables struct {
	PushFreshness time.Duration // prefer push over pull within this window
	PushMemory    time.Duration // distrust empty pulls within this window
}

// Tracker merges push signals and pull snapshots into the Store. It is the
// only writer of the active turn set.
type Tracker struct {
	store *Store
	tun   Tunables
	bus   *events.Subject
	log   *slog.Logger
	now   func() time.Time

	mu       sync.Mutex
	selected string // currently selected thread, for unread tracking
}

// NewTracker wires a tracker to its store and event bus. now is injectable
// for tests; nil means time.Now.
func NewTracker(store *Store, tun Tunables, bus *events.Subject, log *slog.Logger, now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{store: store, tun: tun, bus: bus, log: log, now: now}
}

// SetSelected records which thread the UI is looking at. Completions on the
// selected thread do not produce unread notices.
func (t *Tracker) SetSelected(threadID string) {
	t.mu.Lock()
	t.selected = threadID
	t.mu.Unlock()
}

func (t *Tracker) isSelected(threadID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.selected == threadID
}

// HandlePush applies one push lifecycle signal.
func (t *Tracker) HandlePush(threadID string, sig Signal) {
	now := t.now()
	id := turnid.Normalize(sig.TurnID)

	t.store.mu.Lock()
	ts := t.store.get(threadID)
	ts.lastActivityAt = now

	wasActive := len(ts.activeTurns) > 0
	switch sig.Kind {
	case SignalStarted, SignalProgress:
		if id == "" {
			// No id on the signal: something is running, we don't know what.
			if len(ts.activeTurns) == 0 {
				ts.activeTurns[turnid.External] = struct{}{}
			}
		} else {
			// A concrete id repins the wildcard.
			delete(ts.activeTurns, turnid.External)
			ts.activeTurns[id] = struct{}{}
			if ts.owner == OwnerNone {
				ts.owner = OwnerLocal
			}
		}
		ts.rememberPush(now)

	case SignalTerminal:
		if id == "" {
			delete(ts.activeTurns, turnid.External)
		} else {
			delete(ts.activeTurns, id)
			delete(ts.activeTurns, turnid.External)
		}
		ts.rememberPush(now)
	}

	endedAll := wasActive && len(ts.activeTurns) == 0
	if endedAll {
		ts.owner = OwnerNone
	}
	proj := t.projectionLocked(ts)
	t.store.mu.Unlock()

	t.publishActivity(threadID, proj)
	if endedAll && sig.Kind == SignalTerminal && !t.isSelected(threadID) {
		t.publishNotice(threadID, events.NoticeUnreadCompletion, "")
	}
}

// ApplySnapshot applies an authoritative pull view. pullSeq must increase
// per thread; stale fetches that lost the race are dropped.
func (t *Tracker) ApplySnapshot(threadID string, snap Snapshot, pullSeq uint64) {
	now := t.now()

	t.store.mu.Lock()
	ts := t.store.get(threadID)
	if pullSeq <= ts.lastPullSeq {
		t.store.mu.Unlock()
		return
	}
	ts.lastPullSeq = pullSeq

	next := make(map[string]struct{}, len(snap.RunningTurnIDs))
	for _, raw := range snap.RunningTurnIDs {
		if n := turnid.Normalize(raw); n != "" {
			next[n] = struct{}{}
		}
	}
	if snap.ExternalActive {
		if n := turnid.Normalize(snap.ExternalTurnID); n != "" {
			next[n] = struct{}{}
		} else {
			next[turnid.External] = struct{}{}
		}
	}

	// Anti-flicker hysteresis: an empty pull does not beat push activity
	// that recently named turns. Transient empty snapshots during turn
	// handoff would otherwise blink the UI and confuse the interrupt
	// watchdog. A terminal push empties lastPushTurns, which ends the
	// hysteresis immediately.
	if len(next) == 0 && len(ts.lastPushTurns) > 0 &&
		now.Sub(ts.lastPushAt) < t.tun.PushMemory {
		t.log.Debug("snapshot empty but push is fresh, keeping push-derived set",
			"thread_id", threadID, "push_age", now.Sub(ts.lastPushAt))
		t.store.mu.Unlock()
		return
	}

	wasActive := len(ts.activeTurns) > 0
	ts.activeTurns = next
	if len(next) > 0 {
		ts.lastActivityAt = now
	}
	switch {
	case snap.ExternalActive:
		ts.owner = OwnerExternal
	case len(next) > 0:
		if ts.owner != OwnerExternal {
			ts.owner = OwnerLocal
		}
	default:
		ts.owner = OwnerNone
	}

	endedAll := wasActive && len(next) == 0
	proj := t.projectionLocked(ts)
	t.store.mu.Unlock()

	t.publishActivity(threadID, proj)
	if endedAll && !t.isSelected(threadID) {
		t.publishNotice(threadID, events.NoticeUnreadCompletion, "")
	}
}

// ForceClear wipes a thread's active set and push memory. Used by the
// interrupt coordinator's optimistic stop and by quota-terminal handling.
func (t *Tracker) ForceClear(threadID string) {
	t.store.mu.Lock()
	ts, ok := t.store.threads[threadID]
	if ok {
		ts.activeTurns = make(map[string]struct{})
		ts.lastPushTurns = make(map[string]struct{})
		ts.owner = OwnerNone
	}
	t.store.mu.Unlock()
	if ok {
		t.publishActivity(threadID, Projection{})
	}
}

// MarkStalled force-terminates a zombie thread. Returns false if the thread
// was already stalled or is not active, so the sweep never re-stalls.
func (t *Tracker) MarkStalled(threadID string) bool {
	t.store.mu.Lock()
	ts, ok := t.store.threads[threadID]
	if !ok || ts.stalled || len(ts.activeTurns) == 0 {
		t.store.mu.Unlock()
		return false
	}
	ts.stalled = true
	ts.activeTurns = make(map[string]struct{})
	ts.lastPushTurns = make(map[string]struct{})
	ts.owner = OwnerNone
	ts.interruptRequested = false
	ts.interruptingTurnID = ""
	ts.interruptingActionID = ""
	t.store.mu.Unlock()

	t.publishActivity(threadID, Projection{})
	t.publishNotice(threadID, events.NoticeStalled, "stopped due to inactivity")
	return true
}

// Projection computes the UI-facing view for a thread.
func (t *Tracker) Projection(threadID string) Projection {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	ts, ok := t.store.threads[threadID]
	if !ok {
		return Projection{}
	}
	return t.projectionLocked(ts)
}

// projectionLocked subtracts the interrupted turn from the active set. The
// wildcard hides everything. Caller must hold store.mu.
func (t *Tracker) projectionLocked(ts *threadState) Projection {
	if !ts.interruptRequested || ts.interruptingTurnID == "" || len(ts.activeTurns) == 0 {
		return Projection{Running: sortedKeys(ts.activeTurns)}
	}
	if ts.interruptingTurnID == turnid.External {
		return Projection{InterruptedStillRunning: true}
	}
	if _, hit := ts.activeTurns[ts.interruptingTurnID]; hit {
		rest := make(map[string]struct{}, len(ts.activeTurns)-1)
		for id := range ts.activeTurns {
			if id != ts.interruptingTurnID {
				rest[id] = struct{}{}
			}
		}
		return Projection{Running: sortedKeys(rest), InterruptedStillRunning: true}
	}
	return Projection{Running: sortedKeys(ts.activeTurns)}
}

func (ts *threadState) rememberPush(now time.Time) {
	ts.lastPushAt = now
	ts.lastPushTurns = make(map[string]struct{}, len(ts.activeTurns))
	for id := range ts.activeTurns {
		ts.lastPushTurns[id] = struct{}{}
	}
	if len(ts.activeTurns) > 0 {
		ts.stalled = false
	}
}

func (t *Tracker) publishActivity(threadID string, proj Projection) {
	if t.bus == nil {
		return
	}
	_ = events.Publish(t.bus, events.TopicThreadActivity, events.ActivityEvent{
		ThreadID: threadID,
		Running:  proj.Running,
		Busy:     proj.Busy(),
	})
}

func (t *Tracker) publishNotice(threadID string, kind events.NoticeKind, msg string) {
	if t.bus == nil {
		return
	}
	_ = events.Publish(t.bus, events.TopicThreadNotice, events.NoticeEvent{
		ThreadID: threadID,
		Kind:     kind,
		Message:  msg,
	})
}
