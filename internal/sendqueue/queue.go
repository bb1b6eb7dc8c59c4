// Package sendqueue holds user messages that could not be dispatched
// immediately because their thread was busy. One strict FIFO per context
// key keeps ordering: a later message never jumps ahead of an earlier one.
//
// A queue pauses itself after a send failure so a broken head entry cannot
// silently consume everything behind it; the user has to retry or edit the
// entry to resume.
package sendqueue

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conduit-desktop/conduit/internal/api"
	"github.com/conduit-desktop/conduit/internal/events"
)

// ThreadKey is the context key for an existing thread.
func ThreadKey(threadID string) string { return "thread:" + threadID }

// DraftKey is the context key for a not-yet-created thread, scoped to the
// working directory the draft was composed in.
func DraftKey(cwd string) string { return "draft:" + cwd }

// Entry is one queued message. ThreadID is empty while the entry sits in a
// draft queue; Migrate fills it in when the draft becomes a real thread.
// OptimisticMessageID lets the shell match its optimistic bubble to the
// message the backend eventually acknowledges.
type Entry struct {
	ID                  string           `json:"id"`
	Text                string           `json:"text"`
	Attachments         []api.Attachment `json:"attachments,omitempty"`
	ThreadID            string           `json:"threadId,omitempty"`
	OptimisticMessageID string           `json:"optimisticMessageId,omitempty"`
	CreatedAt           time.Time        `json:"createdAt"`
}

type contextQueue struct {
	entries []Entry
	paused  bool
}

// Queue is the set of per-context FIFOs.
type Queue struct {
	mu     sync.Mutex
	queues map[string]*contextQueue
	bus    *events.Subject
	now    func() time.Time
}

func New(bus *events.Subject, now func() time.Time) *Queue {
	if now == nil {
		now = time.Now
	}
	return &Queue{
		queues: make(map[string]*contextQueue),
		bus:    bus,
		now:    now,
	}
}

func (q *Queue) get(key string) *contextQueue {
	cq, ok := q.queues[key]
	if !ok {
		cq = &contextQueue{}
		q.queues[key] = cq
	}
	return cq
}

// Enqueue appends a message to the context's queue and returns the entry
// with its id, thread binding, and timestamp filled in.
func (q *Queue) Enqueue(key string, e Entry) Entry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if id, ok := strings.CutPrefix(key, "thread:"); ok && e.ThreadID == "" {
		e.ThreadID = id
	}
	q.mu.Lock()
	cq := q.get(key)
	e.CreatedAt = q.now()
	cq.entries = append(cq.entries, e)
	n, paused := len(cq.entries), cq.paused
	q.mu.Unlock()

	q.publish(key, n, paused)
	return e
}

// Len reports the queue length for a context.
func (q *Queue) Len(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if cq, ok := q.queues[key]; ok {
		return len(cq.entries)
	}
	return 0
}

// Paused reports whether auto-flush is suspended for a context.
func (q *Queue) Paused(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if cq, ok := q.queues[key]; ok {
		return cq.paused
	}
	return false
}

// Head returns the next entry without removing it.
func (q *Queue) Head(key string) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cq, ok := q.queues[key]
	if !ok || len(cq.entries) == 0 {
		return Entry{}, false
	}
	return cq.entries[0], true
}

// PopHead removes and returns the next entry. A paused queue refuses the
// pop unless force is set; force is the steer-now path, which the caller
// has already gated on ownership and configuration.
func (q *Queue) PopHead(key string, force bool) (Entry, bool) {
	q.mu.Lock()
	cq, ok := q.queues[key]
	if !ok || len(cq.entries) == 0 || (cq.paused && !force) {
		q.mu.Unlock()
		return Entry{}, false
	}
	e := cq.entries[0]
	cq.entries = cq.entries[1:]
	if force {
		cq.paused = false
	}
	n, paused := len(cq.entries), cq.paused
	q.mu.Unlock()

	q.publish(key, n, paused)
	return e, true
}

// RequeueHead puts a failed entry back at the front and pauses the queue.
func (q *Queue) RequeueHead(key string, e Entry) {
	q.mu.Lock()
	cq := q.get(key)
	cq.entries = append([]Entry{e}, cq.entries...)
	cq.paused = true
	n := len(cq.entries)
	q.mu.Unlock()

	q.publish(key, n, true)
}

// Update replaces an entry's text and resumes the queue. Editing is the
// user's acknowledgement of a failed entry, so the pause lifts.
func (q *Queue) Update(key, id, text string) error {
	q.mu.Lock()
	cq, ok := q.queues[key]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("no queue for %s", key)
	}
	found := false
	for i := range cq.entries {
		if cq.entries[i].ID == id {
			cq.entries[i].Text = text
			found = true
			break
		}
	}
	if !found {
		q.mu.Unlock()
		return fmt.Errorf("entry %s not found in %s", id, key)
	}
	cq.paused = false
	n := len(cq.entries)
	q.mu.Unlock()

	q.publish(key, n, false)
	return nil
}

// Resume lifts the pause without editing, the explicit-retry path.
func (q *Queue) Resume(key string) {
	q.mu.Lock()
	cq, ok := q.queues[key]
	if !ok {
		q.mu.Unlock()
		return
	}
	cq.paused = false
	n := len(cq.entries)
	q.mu.Unlock()

	q.publish(key, n, false)
}

// Remove deletes an entry by id.
func (q *Queue) Remove(key, id string) bool {
	q.mu.Lock()
	cq, ok := q.queues[key]
	if !ok {
		q.mu.Unlock()
		return false
	}
	for i := range cq.entries {
		if cq.entries[i].ID == id {
			cq.entries = append(cq.entries[:i], cq.entries[i+1:]...)
			n, paused := len(cq.entries), cq.paused
			q.mu.Unlock()
			q.publish(key, n, paused)
			return true
		}
	}
	q.mu.Unlock()
	return false
}

// Migrate moves every entry from one context to the back of another in a
// single step, preserving order. Used when a draft becomes a real thread:
// messages queued against draft:<cwd> must land on thread:<id> without a
// window where they exist in neither.
func (q *Queue) Migrate(fromKey, toKey string) int {
	q.mu.Lock()
	src, ok := q.queues[fromKey]
	if !ok || len(src.entries) == 0 {
		q.mu.Unlock()
		return 0
	}
	dst := q.get(toKey)
	moved := len(src.entries)
	if id, ok := strings.CutPrefix(toKey, "thread:"); ok {
		for i := range src.entries {
			src.entries[i].ThreadID = id
		}
	}
	dst.entries = append(dst.entries, src.entries...)
	dst.paused = dst.paused || src.paused
	delete(q.queues, fromKey)
	n, paused := len(dst.entries), dst.paused
	q.mu.Unlock()

	q.publish(fromKey, 0, false)
	q.publish(toKey, n, paused)
	return moved
}

// Snapshot copies a context's entries for inspection.
func (q *Queue) Snapshot(key string) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	cq, ok := q.queues[key]
	if !ok {
		return nil
	}
	out := make([]Entry, len(cq.entries))
	copy(out, cq.entries)
	return out
}

// Keys lists every context with at least one queued entry.
func (q *Queue) Keys() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []string
	for k, cq := range q.queues {
		if len(cq.entries) > 0 {
			out = append(out, k)
		}
	}
	return out
}

func (q *Queue) publish(key string, length int, paused bool) {
	if q.bus == nil {
		return
	}
	_ = events.Publish(q.bus, events.TopicQueueChanged, events.QueueEvent{
		Key:    key,
		Length: length,
		Paused: paused,
	})
}
