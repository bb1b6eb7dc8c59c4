package sendqueue

import (
	"testing"

	"github.com/conduit-desktop/conduit/internal/api"
)

func TestFIFOOrder(t *testing.T) {
	q := New(nil, nil)
	key := ThreadKey("T1")

	q.Enqueue(key, Entry{Text: "first"})
	q.Enqueue(key, Entry{Text: "second"})
	q.Enqueue(key, Entry{Text: "third"})

	for _, want := range []string{"first", "second", "third"} {
		e, ok := q.PopHead(key, false)
		if !ok {
			t.Fatalf("PopHead ran dry before %q", want)
		}
		if e.Text != want {
			t.Errorf("popped %q, want %q", e.Text, want)
		}
	}
	if _, ok := q.PopHead(key, false); ok {
		t.Error("PopHead on empty queue should fail")
	}
}

func TestFailureRequeuesAtHeadAndPauses(t *testing.T) {
	q := New(nil, nil)
	key := ThreadKey("T1")

	q.Enqueue(key, Entry{Text: "first"})
	q.Enqueue(key, Entry{Text: "second"})

	e, _ := q.PopHead(key, false)
	q.RequeueHead(key, e)

	if !q.Paused(key) {
		t.Fatal("queue should pause after a send failure")
	}
	if head, _ := q.Head(key); head.Text != "first" {
		t.Errorf("head = %q, want the failed entry back at front", head.Text)
	}
	// Auto-flush must not drain a paused queue.
	if _, ok := q.PopHead(key, false); ok {
		t.Error("PopHead should refuse while paused")
	}
}

func TestSteerForcesPausedHead(t *testing.T) {
	q := New(nil, nil)
	key := ThreadKey("T1")

	q.Enqueue(key, Entry{Text: "stuck"})
	e, _ := q.PopHead(key, false)
	q.RequeueHead(key, e)

	got, ok := q.PopHead(key, true)
	if !ok || got.Text != "stuck" {
		t.Fatalf("forced pop = (%q, %v), want the stuck entry", got.Text, ok)
	}
	if q.Paused(key) {
		t.Error("forced pop should lift the pause")
	}
}

func TestEditResumesQueue(t *testing.T) {
	q := New(nil, nil)
	key := ThreadKey("T1")

	q.Enqueue(key, Entry{Text: "borken"})
	q.RequeueHead(key, mustPop(t, q, key))

	head, _ := q.Head(key)
	if err := q.Update(key, head.ID, "fixed"); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if q.Paused(key) {
		t.Error("editing an entry should resume the queue")
	}
	if got, _ := q.Head(key); got.Text != "fixed" {
		t.Errorf("head text = %q, want %q", got.Text, "fixed")
	}
}

func TestUpdateUnknownEntry(t *testing.T) {
	q := New(nil, nil)
	q.Enqueue(ThreadKey("T1"), Entry{Text: "msg"})
	if err := q.Update(ThreadKey("T1"), "no-such-id", "x"); err == nil {
		t.Error("Update with unknown id should fail")
	}
	if err := q.Update(ThreadKey("T2"), "id", "x"); err == nil {
		t.Error("Update on unknown context should fail")
	}
}

func TestMigrateDraftToThread(t *testing.T) {
	q := New(nil, nil)
	draft := DraftKey("/home/u/proj")
	thread := ThreadKey("T9")

	q.Enqueue(draft, Entry{Text: "one"})
	q.Enqueue(draft, Entry{Text: "two"})
	q.Enqueue(thread, Entry{Text: "zero"})

	moved := q.Migrate(draft, thread)
	if moved != 2 {
		t.Fatalf("moved = %d, want 2", moved)
	}
	if q.Len(draft) != 0 {
		t.Errorf("draft queue length = %d, want 0", q.Len(draft))
	}

	var texts []string
	for _, e := range q.Snapshot(thread) {
		texts = append(texts, e.Text)
	}
	want := []string{"zero", "one", "two"}
	if len(texts) != len(want) {
		t.Fatalf("thread queue = %v, want %v", texts, want)
	}
	for i := range want {
		if texts[i] != want[i] {
			t.Errorf("thread queue[%d] = %q, want %q", i, texts[i], want[i])
		}
	}
}

func TestMigrateBindsEntriesToThread(t *testing.T) {
	q := New(nil, nil)
	draft := DraftKey("/home/u/proj")

	q.Enqueue(draft, Entry{
		Text:                "one",
		Attachments:         []api.Attachment{{ID: "att-1"}},
		OptimisticMessageID: "opt-1",
	})

	q.Migrate(draft, ThreadKey("T9"))

	entries := q.Snapshot(ThreadKey("T9"))
	if len(entries) != 1 {
		t.Fatalf("thread queue = %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e.ThreadID != "T9" {
		t.Errorf("ThreadID = %q, want %q", e.ThreadID, "T9")
	}
	if e.OptimisticMessageID != "opt-1" {
		t.Errorf("OptimisticMessageID = %q, want carried over", e.OptimisticMessageID)
	}
	if len(e.Attachments) != 1 || e.Attachments[0].ID != "att-1" {
		t.Errorf("Attachments = %+v, want the original attachment", e.Attachments)
	}
}

func TestEnqueueOnThreadKeySetsThreadID(t *testing.T) {
	q := New(nil, nil)
	e := q.Enqueue(ThreadKey("T3"), Entry{Text: "hi"})
	if e.ThreadID != "T3" {
		t.Errorf("ThreadID = %q, want %q", e.ThreadID, "T3")
	}
	d := q.Enqueue(DraftKey("/tmp/w"), Entry{Text: "hi"})
	if d.ThreadID != "" {
		t.Errorf("draft ThreadID = %q, want empty", d.ThreadID)
	}
}

func TestMigratePreservesPause(t *testing.T) {
	q := New(nil, nil)
	draft := DraftKey("/tmp/w")

	q.Enqueue(draft, Entry{Text: "one"})
	q.RequeueHead(draft, mustPop(t, q, draft))

	q.Migrate(draft, ThreadKey("T1"))
	if !q.Paused(ThreadKey("T1")) {
		t.Error("pause should carry over a migration")
	}
}

func TestRemoveEntry(t *testing.T) {
	q := New(nil, nil)
	key := ThreadKey("T1")
	a := q.Enqueue(key, Entry{Text: "a"})
	q.Enqueue(key, Entry{Text: "b"})

	if !q.Remove(key, a.ID) {
		t.Fatal("Remove should find the entry")
	}
	if head, _ := q.Head(key); head.Text != "b" {
		t.Errorf("head after remove = %q, want %q", head.Text, "b")
	}
	if q.Remove(key, a.ID) {
		t.Error("second Remove of same id should fail")
	}
}

func mustPop(t *testing.T, q *Queue, key string) Entry {
	t.Helper()
	e, ok := q.PopHead(key, false)
	if !ok {
		t.Fatal("queue unexpectedly empty")
	}
	return e
}
