// Package reconcile periodically re-derives run state from the backend and
// feeds it to the activity tracker. The pull interval adapts: short while
// any tracked thread is active, long while everything is idle. A separate
// cron-driven sweep force-stops threads that claim to be active but have
// shown no signal past a long ceiling.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/conduit-desktop/conduit/internal/api"
	"github.com/conduit-desktop/conduit/internal/runstate"
)

// Tunables control the loop's cadence.
type Tunables struct {
	// FastInterval is the pull interval while any thread shows activity.
	FastInterval time.Duration
	// IdleInterval is the pull interval while everything is quiet.
	IdleInterval time.Duration
	// SweepSpec is the cron schedule for the idle-thread sweep.
	SweepSpec string
	// StallCeiling is how long a thread may stay marked active without
	// any observed signal before it is force-stopped.
	StallCeiling time.Duration
}

func (t *Tunables) applyDefaults() {
	if t.FastInterval <= 0 {
		t.FastInterval = 3 * time.Second
	}
	if t.IdleInterval <= 0 {
		t.IdleInterval = 30 * time.Second
	}
	if t.SweepSpec == "" {
		t.SweepSpec = "@every 15s"
	}
	if t.StallCeiling <= 0 {
		t.StallCeiling = 10 * time.Minute
	}
}

// Fetcher pulls the authoritative thread snapshot.
type Fetcher interface {
	GetThread(ctx context.Context, threadID string) (api.ThreadSnapshot, error)
}

// Loop drives periodic pulls and the stall sweep.
type Loop struct {
	store   *runstate.Store
	tracker *runstate.Tracker
	fetch   Fetcher
	tun     Tunables
	log     *slog.Logger
	now     func() time.Time

	pullSeq atomic.Uint64
	wake    chan string

	mu      sync.Mutex
	cron    *cron.Cron
	applied func(threadID string, busy bool)
}

func New(store *runstate.Store, tracker *runstate.Tracker, fetch Fetcher, tun Tunables, log *slog.Logger, now func() time.Time) *Loop {
	tun.applyDefaults()
	if now == nil {
		now = time.Now
	}
	return &Loop{
		store:   store,
		tracker: tracker,
		fetch:   fetch,
		tun:     tun,
		log:     log,
		now:     now,
		wake:    make(chan string, 16),
	}
}

// Run blocks until ctx is cancelled, pulling every tracked thread on an
// adaptive interval and sweeping for stalled threads on the cron schedule.
func (l *Loop) Run(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(l.tun.SweepSpec, l.Sweep); err != nil {
		return err
	}
	c.Start()
	l.mu.Lock()
	l.cron = c
	l.mu.Unlock()
	defer func() {
		stop := c.Stop()
		<-stop.Done()
	}()

	timer := time.NewTimer(l.interval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case threadID := <-l.wake:
			l.pull(ctx, threadID)
		case <-timer.C:
			l.pullAll(ctx)
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(l.interval())
	}
}

// Resync queues an immediate pull for one thread. Safe from any goroutine;
// drops the request if the loop is saturated since a periodic pull will
// cover it shortly anyway.
func (l *Loop) Resync(threadID string) {
	select {
	case l.wake <- threadID:
	default:
	}
}

// Pull fetches one thread's snapshot synchronously and applies it. This is
// the path the interrupt watchdog and the thinking gate's heal timer use
// when they need the answer before their next decision.
func (l *Loop) Pull(ctx context.Context, threadID string) {
	l.pull(ctx, threadID)
}

func (l *Loop) interval() time.Duration {
	for _, id := range l.store.ActiveThreads() {
		if l.tracker.Projection(id).Busy() {
			return l.tun.FastInterval
		}
	}
	return l.tun.IdleInterval
}

func (l *Loop) pullAll(ctx context.Context) {
	for _, id := range l.store.ActiveThreads() {
		if ctx.Err() != nil {
			return
		}
		l.pull(ctx, id)
	}
}

func (l *Loop) pull(ctx context.Context, threadID string) {
	seq := l.pullSeq.Add(1)
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	snap, err := l.fetch.GetThread(cctx, threadID)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		if l.log != nil {
			l.log.Debug("pull failed", "thread", threadID, "error", err)
		}
		return
	}
	l.apply(threadID, snap, seq)
}

// Apply feeds an externally obtained snapshot (a push-channel
// thread_snapshot frame) through the same sequence guard as pulls, so a
// slow HTTP response can never overwrite a fresher streamed view.
func (l *Loop) Apply(threadID string, snap api.ThreadSnapshot) {
	l.apply(threadID, snap, l.pullSeq.Add(1))
}

// SetApplied registers a hook run after every applied snapshot with the
// thread's resulting busy projection. The engine uses it to settle the
// thinking gate when a pull confirms a turn the push channel missed.
func (l *Loop) SetApplied(fn func(threadID string, busy bool)) {
	l.mu.Lock()
	l.applied = fn
	l.mu.Unlock()
}

func (l *Loop) apply(threadID string, snap api.ThreadSnapshot, seq uint64) {
	rs := runstate.Snapshot{RunningTurnIDs: snap.RunningTurnIDs()}
	if ext := snap.ExternalRun; ext != nil && ext.Active {
		rs.ExternalActive = true
		rs.ExternalTurnID = ext.TurnID
	}
	l.tracker.ApplySnapshot(threadID, rs, seq)

	l.mu.Lock()
	applied := l.applied
	l.mu.Unlock()
	if applied != nil {
		applied(threadID, l.tracker.Projection(threadID).Busy())
	}
}

// Sweep force-stops any thread marked active whose last observed signal is
// older than the stall ceiling. The tracker guarantees a thread stalls at
// most once until it shows fresh activity again.
func (l *Loop) Sweep() {
	cutoff := l.now().Add(-l.tun.StallCeiling)
	for _, id := range l.store.ActiveThreads() {
		if !l.tracker.Projection(id).Busy() {
			continue
		}
		last := l.store.LastActivityAt(id)
		if last.IsZero() || last.After(cutoff) {
			continue
		}
		if l.log != nil {
			l.log.Warn("force-stopping stalled thread", "thread", id, "lastActivity", last)
		}
		l.tracker.MarkStalled(id)
	}
}
