package runstate

import (
	"context"
	"testing"
	"time"

	"github.com/conduit-desktop/conduit/internal/events"
	"github.com/conduit-desktop/conduit/internal/turnid"
)

func newTestTracker(now *time.Time) (*Store, *Tracker) {
	clock := func() time.Time { return *now }
	store := NewStore(clock)
	tracker := NewTracker(store, Tunables{
		PushFreshness: 2500 * time.Millisecond,
		PushMemory:    10 * time.Minute,
	}, nil, nil, clock)
	return store, tracker
}

func TestStartedAddsTurn(t *testing.T) {
	now := time.Now()
	_, tr := newTestTracker(&now)

	tr.HandlePush("T1", Signal{Kind: SignalStarted, TurnID: "42"})

	proj := tr.Projection("T1")
	if len(proj.Running) != 1 || proj.Running[0] != "42" {
		t.Fatalf("Running = %v, want [42]", proj.Running)
	}
	if proj.InterruptedStillRunning {
		t.Error("no interrupt in flight, should not report still running")
	}
}

func TestStartedWithoutIDPinsWildcard(t *testing.T) {
	now := time.Now()
	_, tr := newTestTracker(&now)

	tr.HandlePush("T1", Signal{Kind: SignalStarted})
	proj := tr.Projection("T1")
	if len(proj.Running) != 1 || proj.Running[0] != turnid.External {
		t.Fatalf("Running = %v, want wildcard", proj.Running)
	}

	// A concrete id repins the wildcard.
	tr.HandlePush("T1", Signal{Kind: SignalProgress, TurnID: "7"})
	proj = tr.Projection("T1")
	if len(proj.Running) != 1 || proj.Running[0] != "7" {
		t.Fatalf("Running = %v, want [7]", proj.Running)
	}
}

func TestTerminalRemovesTurn(t *testing.T) {
	now := time.Now()
	_, tr := newTestTracker(&now)

	tr.HandlePush("T1", Signal{Kind: SignalStarted, TurnID: "7"})
	tr.HandlePush("T1", Signal{Kind: SignalTerminal, TurnID: "turn-7", Reason: TerminalCompleted})

	if proj := tr.Projection("T1"); proj.Busy() {
		t.Errorf("Running = %v, want empty", proj.Running)
	}
}

func TestProjectionHidesInterruptedTurn(t *testing.T) {
	now := time.Now()
	store, tr := newTestTracker(&now)

	tr.HandlePush("T1", Signal{Kind: SignalStarted, TurnID: "7"})
	store.SetInterrupt("T1", "7", "action-1")

	proj := tr.Projection("T1")
	if len(proj.Running) != 0 {
		t.Errorf("Running = %v, want empty (interrupted turn hidden)", proj.Running)
	}
	if !proj.InterruptedStillRunning {
		t.Error("interrupted turn is still in the active set, want InterruptedStillRunning")
	}
}

func TestProjectionWildcardInterruptClearsAll(t *testing.T) {
	now := time.Now()
	store, tr := newTestTracker(&now)

	tr.HandlePush("T1", Signal{Kind: SignalStarted, TurnID: "7"})
	tr.HandlePush("T1", Signal{Kind: SignalStarted, TurnID: "9"})
	store.SetInterrupt("T1", turnid.External, "action-1")

	proj := tr.Projection("T1")
	if len(proj.Running) != 0 {
		t.Errorf("Running = %v, want empty", proj.Running)
	}
	if !proj.InterruptedStillRunning {
		t.Error("want InterruptedStillRunning with non-empty set and wildcard interrupt")
	}
}

func TestProjectionEmptySetNeverStillRunning(t *testing.T) {
	now := time.Now()
	store, tr := newTestTracker(&now)

	store.SetInterrupt("T1", "7", "action-1")
	proj := tr.Projection("T1")
	if len(proj.Running) != 0 || proj.InterruptedStillRunning {
		t.Errorf("projection = %+v, want empty and not still running", proj)
	}
}

func TestSnapshotReplacesSet(t *testing.T) {
	now := time.Now()
	_, tr := newTestTracker(&now)

	tr.ApplySnapshot("T1", Snapshot{RunningTurnIDs: []string{"07", "9"}}, 1)
	proj := tr.Projection("T1")
	if len(proj.Running) != 2 || proj.Running[0] != "7" || proj.Running[1] != "9" {
		t.Fatalf("Running = %v, want [7 9]", proj.Running)
	}
}

func TestStaleSnapshotDropped(t *testing.T) {
	now := time.Now()
	_, tr := newTestTracker(&now)

	tr.ApplySnapshot("T1", Snapshot{RunningTurnIDs: []string{"7"}}, 2)
	tr.ApplySnapshot("T1", Snapshot{}, 1) // lost the race

	if proj := tr.Projection("T1"); !proj.Busy() {
		t.Error("stale snapshot should have been dropped")
	}
}

func TestEmptySnapshotHysteresis(t *testing.T) {
	now := time.Now()
	_, tr := newTestTracker(&now)

	tr.HandlePush("T1", Signal{Kind: SignalStarted, TurnID: "7"})

	// A transient empty pull right after push activity is distrusted.
	now = now.Add(3 * time.Second)
	tr.ApplySnapshot("T1", Snapshot{}, 1)
	if proj := tr.Projection("T1"); !proj.Busy() {
		t.Fatal("empty snapshot should not beat recent push activity")
	}

	// Once the push memory window lapses, the pull wins.
	now = now.Add(11 * time.Minute)
	tr.ApplySnapshot("T1", Snapshot{}, 2)
	if proj := tr.Projection("T1"); proj.Busy() {
		t.Fatal("empty snapshot should be trusted after push memory expires")
	}
}

func TestTerminalPushEndsHysteresis(t *testing.T) {
	now := time.Now()
	_, tr := newTestTracker(&now)

	tr.HandlePush("T1", Signal{Kind: SignalStarted, TurnID: "7"})
	tr.HandlePush("T1", Signal{Kind: SignalTerminal, TurnID: "7", Reason: TerminalAborted})

	now = now.Add(time.Second)
	tr.ApplySnapshot("T1", Snapshot{}, 1)
	if proj := tr.Projection("T1"); proj.Busy() {
		t.Error("after a terminal push an empty pull should be accepted")
	}
}

func TestSnapshotExternalRun(t *testing.T) {
	now := time.Now()
	store, tr := newTestTracker(&now)

	tr.ApplySnapshot("T1", Snapshot{ExternalActive: true, ExternalTurnID: "12"}, 1)
	if store.OwnerOf("T1") != OwnerExternal {
		t.Error("owner should be external")
	}
	proj := tr.Projection("T1")
	if len(proj.Running) != 1 || proj.Running[0] != "12" {
		t.Errorf("Running = %v, want [12]", proj.Running)
	}
}

func TestMarkStalledOnlyOnce(t *testing.T) {
	now := time.Now()
	_, tr := newTestTracker(&now)

	tr.HandlePush("T1", Signal{Kind: SignalStarted, TurnID: "7"})

	if !tr.MarkStalled("T1") {
		t.Fatal("first stall should fire")
	}
	if tr.MarkStalled("T1") {
		t.Fatal("second stall should be a no-op")
	}
	if proj := tr.Projection("T1"); proj.Busy() {
		t.Error("stalled thread should not be busy")
	}

	// New activity re-arms stall detection.
	tr.HandlePush("T1", Signal{Kind: SignalStarted, TurnID: "8"})
	if !tr.MarkStalled("T1") {
		t.Error("stall should fire again after fresh activity")
	}
}

func TestUnreadCompletionNotice(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	bus := events.NewSubject(events.WithSyncDelivery())
	defer events.Complete(bus)

	store := NewStore(clock)
	tr := NewTracker(store, Tunables{PushFreshness: time.Second, PushMemory: time.Minute}, bus, nil, clock)

	got := make(chan events.NoticeEvent, 4)
	sub := events.Subscribe(bus, events.TopicThreadNotice, func(_ context.Context, n events.NoticeEvent) error {
		got <- n
		return nil
	})
	defer sub.Unsubscribe()

	tr.SetSelected("T2")
	tr.HandlePush("T1", Signal{Kind: SignalStarted, TurnID: "7"})
	tr.HandlePush("T1", Signal{Kind: SignalTerminal, TurnID: "7", Reason: TerminalCompleted})

	select {
	case n := <-got:
		if n.Kind != events.NoticeUnreadCompletion || n.ThreadID != "T1" {
			t.Errorf("notice = %+v, want unread completion for T1", n)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an unread completion notice")
	}
}

func TestNoUnreadNoticeWhenSelected(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	bus := events.NewSubject(events.WithSyncDelivery())
	defer events.Complete(bus)

	store := NewStore(clock)
	tr := NewTracker(store, Tunables{PushFreshness: time.Second, PushMemory: time.Minute}, bus, nil, clock)

	got := make(chan events.NoticeEvent, 4)
	sub := events.Subscribe(bus, events.TopicThreadNotice, func(_ context.Context, n events.NoticeEvent) error {
		got <- n
		return nil
	})
	defer sub.Unsubscribe()

	tr.SetSelected("T1")
	tr.HandlePush("T1", Signal{Kind: SignalStarted, TurnID: "7"})
	tr.HandlePush("T1", Signal{Kind: SignalTerminal, TurnID: "7", Reason: TerminalCompleted})

	select {
	case n := <-got:
		t.Errorf("unexpected notice %+v for selected thread", n)
	case <-time.After(100 * time.Millisecond):
	}
}
