// Package thinking bridges the latency between a user send and the first
// authoritative server signal for the turn it produced. The gate keeps the
// busy indicator honest during that window: a send marks the thread pending,
// a short timer promotes pending into a firm "thinking" state, and a longer
// heal timer forces a resync pull when the server never acknowledged the
// turn at all.
package thinking

import (
	"log/slog"
	"sync"
	"time"
)

// State is the per-thread position in the gate's machine.
type State int

const (
	StateIdle State = iota
	StatePending
	StateThinking
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateThinking:
		return "thinking"
	default:
		return "idle"
	}
}

// Tunables control the two timers.
type Tunables struct {
	// Promotion is how long a send stays "pending" before the gate
	// commits it to the busy indicator anyway.
	Promotion time.Duration
	// Heal is how long the gate waits for any authoritative signal
	// before forcing a resync pull.
	Heal time.Duration
}

// Scheduler lets tests drive the timers by hand. The returned func cancels
// the pending callback.
type Scheduler func(d time.Duration, f func()) (cancel func())

func realScheduler(d time.Duration, f func()) func() {
	t := time.AfterFunc(d, f)
	return func() { t.Stop() }
}

type threadGate struct {
	state         State
	epoch         uint64 // invalidates timers from an earlier send
	cancelPromote func()
	cancelHeal    func()
}

// Gate tracks optimistic thinking per thread.
type Gate struct {
	mu       sync.Mutex
	threads  map[string]*threadGate
	tun      Tunables
	resync   func(threadID string)
	schedule Scheduler
	log      *slog.Logger
}

func NewGate(tun Tunables, resync func(threadID string), sched Scheduler, log *slog.Logger) *Gate {
	if tun.Promotion <= 0 {
		tun.Promotion = 500 * time.Millisecond
	}
	if tun.Heal <= 0 {
		tun.Heal = 1200 * time.Millisecond
	}
	if sched == nil {
		sched = realScheduler
	}
	return &Gate{
		threads:  make(map[string]*threadGate),
		tun:      tun,
		resync:   resync,
		schedule: sched,
		log:      log,
	}
}

func (g *Gate) get(threadID string) *threadGate {
	tg, ok := g.threads[threadID]
	if !ok {
		tg = &threadGate{}
		g.threads[threadID] = tg
	}
	return tg
}

// Begin records a user send and arms the promotion and heal timers. A second
// Begin before the first settles restarts both timers.
func (g *Gate) Begin(threadID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	tg := g.get(threadID)
	tg.cancelTimers()
	tg.state = StatePending
	tg.epoch++
	epoch := tg.epoch
	tg.cancelPromote = g.schedule(g.tun.Promotion, func() { g.promote(threadID, epoch) })
	tg.cancelHeal = g.schedule(g.tun.Heal, func() { g.heal(threadID, epoch) })
}

// promote commits a still-unacknowledged send to the busy indicator.
func (g *Gate) promote(threadID string, epoch uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	tg, ok := g.threads[threadID]
	if !ok || tg.epoch != epoch || tg.state != StatePending {
		return
	}
	tg.state = StateThinking
}

// heal forces a pull when the server never emitted a started notification.
// The gate stays in its current state; only the authoritative answer from
// the resync settles it.
func (g *Gate) heal(threadID string, epoch uint64) {
	g.mu.Lock()
	tg, ok := g.threads[threadID]
	stale := !ok || tg.epoch != epoch || tg.state == StateIdle
	g.mu.Unlock()
	if stale {
		return
	}
	if g.log != nil {
		g.log.Debug("no turn acknowledgement, forcing resync", "thread", threadID)
	}
	if g.resync != nil {
		g.resync(threadID)
	}
}

// Settle clears the optimistic state the instant an authoritative signal
// arrives, whether turn-start, terminal, or send failure.
func (g *Gate) Settle(threadID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	tg, ok := g.threads[threadID]
	if !ok {
		return
	}
	tg.cancelTimers()
	tg.state = StateIdle
}

// StateOf reports the thread's current gate state.
func (g *Gate) StateOf(threadID string) State {
	g.mu.Lock()
	defer g.mu.Unlock()
	tg, ok := g.threads[threadID]
	if !ok {
		return StateIdle
	}
	return tg.state
}

// Active reports whether the gate contributes to the thread's busy count.
func (g *Gate) Active(threadID string) bool {
	s := g.StateOf(threadID)
	return s == StatePending || s == StateThinking
}

// BusyCount combines the tracker's view with the gate's. Each source
// contributes at most one, so a confirmed run that already settled the gate
// counts once, not twice.
func (g *Gate) BusyCount(threadID string, trackedBusy bool) int {
	n := 0
	if trackedBusy {
		n++
	}
	if g.Active(threadID) {
		n++
	}
	return n
}

// Remove drops all gate state for a thread.
func (g *Gate) Remove(threadID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if tg, ok := g.threads[threadID]; ok {
		tg.cancelTimers()
		delete(g.threads, threadID)
	}
}

func (tg *threadGate) cancelTimers() {
	if tg.cancelPromote != nil {
		tg.cancelPromote()
		tg.cancelPromote = nil
	}
	if tg.cancelHeal != nil {
		tg.cancelHeal()
		tg.cancelHeal = nil
	}
}
