// Package runstate holds the per-thread record of who is generating what.
// The Store is the engine's single source of truth; the Tracker is its only
// mutation surface for the active turn set.
package runstate

import (
	"sync"
	"time"

	"github.com/conduit-desktop/conduit/internal/turnid"
)

// Owner identifies which surface started the active run.
type Owner int

const (
	OwnerNone Owner = iota
	OwnerLocal
	OwnerExternal
)

func (o Owner) String() string {
	switch o {
	case OwnerLocal:
		return "local"
	case OwnerExternal:
		return "external"
	default:
		return "none"
	}
}

// threadState is the mutable per-thread record. Turn ids in activeTurns are
// normalized (turnid.Normalize).
type threadState struct {
	activeTurns map[string]struct{}
	owner       Owner

	interruptRequested   bool
	interruptingTurnID   string
	interruptingActionID string

	lastActivityAt time.Time

	// push-derived memory for anti-flicker hysteresis
	lastPushTurns  map[string]struct{}
	lastPushAt     time.Time
	lastPullSeq    uint64

	stalled bool // set once by the idle sweep so a thread is never re-stalled
}

// View is an immutable copy of a thread's record.
type View struct {
	ThreadID             string
	ActiveTurns          []string
	Owner                Owner
	InterruptRequested   bool
	InterruptingTurnID   string
	InterruptingActionID string
	LastActivityAt       time.Time
}

// Store keeps one record per observed thread.
type Store struct {
	mu      sync.Mutex
	threads map[string]*threadState
	now     func() time.Time
}

// NewStore creates an empty store. now is injectable for tests; nil means
// time.Now.
func NewStore(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		threads: make(map[string]*threadState),
		now:     now,
	}
}

// get returns the record for a thread, creating it on first observation.
// Caller must hold s.mu.
func (s *Store) get(threadID string) *threadState {
	ts, ok := s.threads[threadID]
	if !ok {
		ts = &threadState{
			activeTurns:   make(map[string]struct{}),
			lastPushTurns: make(map[string]struct{}),
		}
		s.threads[threadID] = ts
	}
	return ts
}

// ViewOf returns a copy of the thread's record. The zero View is returned
// for never-observed threads.
func (s *Store) ViewOf(threadID string) View {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.threads[threadID]
	if !ok {
		return View{ThreadID: threadID}
	}
	return View{
		ThreadID:             threadID,
		ActiveTurns:          sortedKeys(ts.activeTurns),
		Owner:                ts.owner,
		InterruptRequested:   ts.interruptRequested,
		InterruptingTurnID:   ts.interruptingTurnID,
		InterruptingActionID: ts.interruptingActionID,
		LastActivityAt:       ts.lastActivityAt,
	}
}

// SetInterrupt records an in-flight interrupt for a thread. An empty turnID
// is rejected by construction elsewhere; the invariant interruptingTurnID !=
// "" implies interruptRequested is preserved here.
func (s *Store) SetInterrupt(threadID, turnID, actionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.get(threadID)
	ts.interruptRequested = true
	ts.interruptingTurnID = turnid.Normalize(turnID)
	ts.interruptingActionID = actionID
}

// ClearInterrupt clears all interrupt bookkeeping for a thread.
func (s *Store) ClearInterrupt(threadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.threads[threadID]
	if !ok {
		return
	}
	ts.interruptRequested = false
	ts.interruptingTurnID = ""
	ts.interruptingActionID = ""
}

// InterruptInFlight reports whether an interrupt is pending for the thread
// and, if so, for which (normalized) turn id.
func (s *Store) InterruptInFlight(threadID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.threads[threadID]
	if !ok || !ts.interruptRequested {
		return "", false
	}
	return ts.interruptingTurnID, true
}

// OwnerOf returns the recorded owner of the thread's active run.
func (s *Store) OwnerOf(threadID string) Owner {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.threads[threadID]
	if !ok {
		return OwnerNone
	}
	return ts.owner
}

// LastActivityAt returns when the thread last showed any authoritative
// activity, or the zero time if it never did.
func (s *Store) LastActivityAt(threadID string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.threads[threadID]
	if !ok {
		return time.Time{}
	}
	return ts.lastActivityAt
}

// ActiveThreads returns the ids of all threads with a non-empty active set.
func (s *Store) ActiveThreads() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, ts := range s.threads {
		if len(ts.activeTurns) > 0 {
			out = append(out, id)
		}
	}
	return out
}

// Remove drops a thread's record entirely (archive/unload).
func (s *Store) Remove(threadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, threadID)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	// Stable order keeps projections and tests deterministic.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
