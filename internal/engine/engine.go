// Package engine composes the run-state core: tracker, interrupt
// coordinator, thinking gate, send queue, and reconciliation loop, wired
// behind a per-thread serialized dispatch so event handling for one thread
// never interleaves with itself.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/conduit-desktop/conduit/internal/api"
	"github.com/conduit-desktop/conduit/internal/events"
	"github.com/conduit-desktop/conduit/internal/interrupt"
	"github.com/conduit-desktop/conduit/internal/reconcile"
	"github.com/conduit-desktop/conduit/internal/runstate"
	"github.com/conduit-desktop/conduit/internal/sendqueue"
	"github.com/conduit-desktop/conduit/internal/thinking"
)

// ErrSteeringDisabled: remote configuration forbids steering into a busy
// thread.
var ErrSteeringDisabled = errors.New("steering is disabled while the thread is busy")

// ErrQueueEmpty: steer was asked to flush a queue with nothing in it.
var ErrQueueEmpty = errors.New("send queue is empty")

// Backend is the subset of the HTTP client the engine itself calls.
// Interrupts go through the coordinator's own backend.
type Backend interface {
	PostMessage(ctx context.Context, threadID, text string, attachments []api.Attachment) (api.MessageAck, error)
	CreateThread(ctx context.Context, cwd string) (string, error)
}

// Subscriber is the push channel's subscription surface. Nil is allowed;
// the engine then relies on pulls alone.
type Subscriber interface {
	Subscribe(threadID string, resume bool) error
	Unsubscribe(threadID string) error
}

// Options configure the engine.
type Options struct {
	SteeringEnabled bool
	BannerTTL       time.Duration
}

// Engine owns the per-thread dispatch lanes and the user-facing operations.
type Engine struct {
	store   *runstate.Store
	tracker *runstate.Tracker
	coord   *interrupt.Coordinator
	gate    *thinking.Gate
	queue   *sendqueue.Queue
	loop    *reconcile.Loop
	backend Backend
	subs    Subscriber
	bus     *events.Subject
	log     *slog.Logger

	steering  atomic.Bool
	bannerTTL time.Duration

	epoch atomic.Uint64 // selection epoch; stale async results are discarded

	laneMu sync.Mutex
	lanes  map[string]*lane
	closed bool
}

func New(store *runstate.Store, tracker *runstate.Tracker, coord *interrupt.Coordinator, gate *thinking.Gate, queue *sendqueue.Queue, loop *reconcile.Loop, backend Backend, subs Subscriber, bus *events.Subject, opts Options, log *slog.Logger) *Engine {
	if opts.BannerTTL <= 0 {
		opts.BannerTTL = 6 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		store:     store,
		tracker:   tracker,
		coord:     coord,
		gate:      gate,
		queue:     queue,
		loop:      loop,
		backend:   backend,
		subs:      subs,
		bus:       bus,
		log:       log.With("component", "engine"),
		bannerTTL: opts.BannerTTL,
		lanes:     make(map[string]*lane),
	}
	e.steering.Store(opts.SteeringEnabled)
	// A pull that finds a running turn is as authoritative as a push
	// turn-start: the optimistic gate settles so busy is counted once.
	loop.SetApplied(func(threadID string, busy bool) {
		if busy {
			gate.Settle(threadID)
		}
	})
	return e
}

// SetSteering flips the remote steering switch at runtime.
func (e *Engine) SetSteering(enabled bool) { e.steering.Store(enabled) }

// SetSubscriber attaches the push channel once it is connected. The engine
// and the channel reference each other, so one of them has to be wired
// after construction.
func (e *Engine) SetSubscriber(subs Subscriber) {
	e.laneMu.Lock()
	e.subs = subs
	e.laneMu.Unlock()
}

func (e *Engine) subscriber() Subscriber {
	e.laneMu.Lock()
	defer e.laneMu.Unlock()
	return e.subs
}

// Select makes a thread the UI's current one. Any async result captured
// under an earlier selection is void from here on.
func (e *Engine) Select(threadID string) uint64 {
	epoch := e.epoch.Add(1)
	e.tracker.SetSelected(threadID)
	if threadID != "" {
		if subs := e.subscriber(); subs != nil {
			if err := subs.Subscribe(threadID, true); err != nil {
				e.log.Warn("subscribe on select failed", "thread", threadID, "error", err)
			}
		}
		e.loop.Resync(threadID)
	}
	return epoch
}

// Epoch returns the current selection epoch.
func (e *Engine) Epoch() uint64 { return e.epoch.Load() }

// EpochValid reports whether a captured epoch still names the current
// selection.
func (e *Engine) EpochValid(epoch uint64) bool { return e.epoch.Load() == epoch }

// busy reports whether a send must queue instead of dispatching.
func (e *Engine) busy(threadID string) bool {
	if e.tracker.Projection(threadID).Busy() {
		return true
	}
	if e.gate.Active(threadID) {
		return true
	}
	if e.coord.InFlight(threadID) {
		return true
	}
	return e.queue.Len(sendqueue.ThreadKey(threadID)) > 0
}

// Send posts a message to a thread, or queues it if the thread is busy.
// The entry carries the text plus any attachments and the shell's
// optimistic message id; its ID is left empty until it is queued. The
// returned flag reports whether the message was queued.
func (e *Engine) Send(ctx context.Context, threadID string, entry sendqueue.Entry) (queued bool, err error) {
	key := sendqueue.ThreadKey(threadID)
	if e.busy(threadID) {
		e.queue.Enqueue(key, entry)
		return true, nil
	}
	entry.ID = ""
	entry.ThreadID = threadID
	return false, e.sendNow(ctx, threadID, entry)
}

// sendNow dispatches one message, handling failure per the error taxonomy:
// quota is terminal for the run, anything else requeues the entry at the
// head and pauses the queue.
func (e *Engine) sendNow(ctx context.Context, threadID string, entry sendqueue.Entry) error {
	e.gate.Begin(threadID)
	ack, err := e.backend.PostMessage(ctx, threadID, entry.Text, entry.Attachments)
	if err != nil {
		e.gate.Settle(threadID)
		if errors.Is(err, api.ErrQuotaExhausted) {
			e.handleQuota(threadID)
			return err
		}
		if entry.ID == "" {
			// An immediate send that failed becomes a paused head entry
			// so the user can retry or edit it.
			entry = e.queue.Enqueue(sendqueue.ThreadKey(threadID), entry)
			e.queue.PopHead(sendqueue.ThreadKey(threadID), true)
		}
		e.queue.RequeueHead(sendqueue.ThreadKey(threadID), entry)
		e.transientBanner("error", "message could not be sent")
		return err
	}
	if ack.TurnID != "" {
		// The ack itself is authoritative: the turn exists.
		e.dispatch(threadID, func() {
			e.tracker.HandlePush(threadID, runstate.Signal{Kind: runstate.SignalStarted, TurnID: ack.TurnID})
			e.gate.Settle(threadID)
			e.coord.OnTurnStarted(threadID, ack.TurnID)
		})
	}
	return nil
}

// SendDraft creates a thread for a draft context and moves any queued
// draft messages onto it before sending. The migration is a single queue
// operation, so no message is ever in neither queue.
func (e *Engine) SendDraft(ctx context.Context, cwd string, entry sendqueue.Entry) (string, error) {
	epoch := e.epoch.Load()
	draftKey := sendqueue.DraftKey(cwd)
	e.queue.Enqueue(draftKey, entry)

	threadID, err := e.backend.CreateThread(ctx, cwd)
	if err != nil {
		// The draft entry stays queued under the draft key for retry.
		e.transientBanner("error", "could not create thread")
		return "", err
	}
	e.queue.Migrate(draftKey, sendqueue.ThreadKey(threadID))

	if !e.EpochValid(epoch) {
		// User switched away while the thread was being created; leave
		// the queue in place, do not auto-send.
		return threadID, nil
	}
	if subs := e.subscriber(); subs != nil {
		if err := subs.Subscribe(threadID, false); err != nil {
			e.log.Warn("subscribe new thread failed", "thread", threadID, "error", err)
		}
	}
	e.flush(ctx, threadID)
	return threadID, nil
}

// Stop requests cancellation of the thread's active turn. The stop is
// optimistic: an accepted request clears the thinking indicator right away,
// including when only optimistic activity exists and the coordinator merely
// armed against the next turn start.
func (e *Engine) Stop(ctx context.Context, threadID, turnID string) error {
	err := e.coord.Request(ctx, threadID, turnID, interrupt.Options{
		PendingActivity: e.gate.Active(threadID),
	})
	if err == nil {
		e.gate.Settle(threadID)
	}
	return err
}

// Steer force-sends the queued head message into a busy thread, bypassing
// the busy gate. Rejected when the active run belongs to another surface
// or steering is disabled remotely.
func (e *Engine) Steer(ctx context.Context, threadID string) error {
	if e.store.OwnerOf(threadID) == runstate.OwnerExternal {
		e.publishNotice(threadID, events.NoticeExternalOwner, "the active run belongs to another surface")
		return api.ErrExternalSurfaceRun
	}
	if !e.steering.Load() && e.busy(threadID) {
		return ErrSteeringDisabled
	}
	entry, ok := e.queue.PopHead(sendqueue.ThreadKey(threadID), true)
	if !ok {
		return ErrQueueEmpty
	}
	return e.sendNow(ctx, threadID, entry)
}

// RetryQueued lifts a paused queue and flushes if the thread is idle.
func (e *Engine) RetryQueued(ctx context.Context, threadID string) {
	e.queue.Resume(sendqueue.ThreadKey(threadID))
	if !e.tracker.Projection(threadID).Busy() {
		e.flush(ctx, threadID)
	}
}

// flush auto-sends the head of a non-paused queue.
func (e *Engine) flush(ctx context.Context, threadID string) {
	key := sendqueue.ThreadKey(threadID)
	if e.queue.Paused(key) {
		return
	}
	entry, ok := e.queue.PopHead(key, false)
	if !ok {
		return
	}
	if err := e.sendNow(ctx, threadID, entry); err != nil {
		e.log.Debug("queue flush failed", "thread", threadID, "error", err)
	}
}

// notificationParams is the payload shape shared by turn lifecycle methods.
type notificationParams struct {
	TurnID  string `json:"turnId"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// HandleNotification routes one push-channel notification. Runs on the
// thread's dispatch lane so handling is serialized per thread.
func (e *Engine) HandleNotification(threadID, method string, params json.RawMessage, seq uint64) {
	var p notificationParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			e.log.Debug("dropping notification with malformed params", "method", method, "error", err)
			return
		}
	}
	e.dispatch(threadID, func() {
		switch method {
		case "turn/started":
			e.tracker.HandlePush(threadID, runstate.Signal{Kind: runstate.SignalStarted, TurnID: p.TurnID})
			e.gate.Settle(threadID)
			e.coord.OnTurnStarted(threadID, p.TurnID)
		case "turn/progress", "item/started", "item/updated", "item/completed":
			e.tracker.HandlePush(threadID, runstate.Signal{Kind: runstate.SignalProgress, TurnID: p.TurnID})
		case "turn/completed":
			e.terminal(threadID, p.TurnID, runstate.TerminalCompleted)
		case "turn/aborted":
			e.terminal(threadID, p.TurnID, runstate.TerminalAborted)
		case "stream/error":
			e.terminal(threadID, p.TurnID, runstate.TerminalStreamError)
		case "account/credits_exhausted":
			e.handleQuota(threadID)
		case "error":
			if p.Code == api.CodeInsufficientCredits {
				e.handleQuota(threadID)
				return
			}
			e.log.Debug("backend error notification", "thread", threadID, "message", p.Message)
		default:
			// Unrecognized methods never crash the loop.
			e.log.Debug("dropping unrecognized notification", "method", method)
		}
	})
}

// HandleSnapshot routes a streamed full-thread snapshot.
func (e *Engine) HandleSnapshot(threadID string, seqBase uint64, thread json.RawMessage) {
	var snap api.ThreadSnapshot
	if err := json.Unmarshal(thread, &snap); err != nil {
		e.log.Debug("dropping malformed thread snapshot", "thread", threadID, "error", err)
		return
	}
	e.dispatch(threadID, func() {
		e.loop.Apply(threadID, snap)
	})
}

func (e *Engine) terminal(threadID, turnID string, reason runstate.TerminalReason) {
	e.tracker.HandlePush(threadID, runstate.Signal{Kind: runstate.SignalTerminal, TurnID: turnID, Reason: reason})
	e.gate.Settle(threadID)
	if !e.tracker.Projection(threadID).Busy() {
		e.flush(context.Background(), threadID)
	}
}

// handleQuota is terminal for the active run: clear everything tracked for
// the thread and surface a persistent banner.
func (e *Engine) handleQuota(threadID string) {
	e.tracker.ForceClear(threadID)
	e.coord.Reset(threadID)
	e.gate.Settle(threadID)
	e.publishBanner(events.BannerEvent{Kind: "quota", Message: "out of credits", Persistent: true})
}

// transientBanner publishes an error banner that self-clears after the TTL.
func (e *Engine) transientBanner(kind, msg string) {
	e.publishBanner(events.BannerEvent{Kind: kind, Message: msg})
	time.AfterFunc(e.bannerTTL, func() {
		e.publishBanner(events.BannerEvent{Kind: kind})
	})
}

func (e *Engine) publishBanner(b events.BannerEvent) {
	if e.bus == nil {
		return
	}
	_ = events.Publish(e.bus, events.TopicBanner, b)
}

func (e *Engine) publishNotice(threadID string, kind events.NoticeKind, msg string) {
	if e.bus == nil {
		return
	}
	_ = events.Publish(e.bus, events.TopicThreadNotice, events.NoticeEvent{
		ThreadID: threadID,
		Kind:     kind,
		Message:  msg,
	})
}
