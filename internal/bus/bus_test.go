package bus

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewLog(t *testing.T) {
	l := NewLog(0)
	if l.MaxEvents() != DefaultMaxEvents {
		t.Errorf("Expected cap %d, got %d", DefaultMaxEvents, l.MaxEvents())
	}
	l.Close()

	l = NewLog(500)
	if l.MaxEvents() != 500 {
		t.Errorf("Expected cap 500, got %d", l.MaxEvents())
	}
	l.Close()
}

func TestAppendAssignsSequence(t *testing.T) {
	l := NewLog(10)
	defer l.Close()

	first := l.Append(NewEvent(KindNewConcept, "learned go"))
	second := l.Append(NewEvent(KindNewConcept, "learned rust"))

	if first.ID != 1 || second.ID != 2 {
		t.Errorf("Expected IDs 1,2 got %d,%d", first.ID, second.ID)
	}
	if first.Timestamp.IsZero() {
		t.Error("Expected timestamp to be assigned")
	}
	if l.LastID() != 2 {
		t.Errorf("Expected last ID 2, got %d", l.LastID())
	}
}

func TestAppendKeepsExplicitTimestamp(t *testing.T) {
	l := NewLog(10)
	defer l.Close()

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	e := l.Append(NewEvent(KindDecayApplied, "decay").At(ts))
	if !e.Timestamp.Equal(ts) {
		t.Errorf("Expected %v, got %v", ts, e.Timestamp)
	}
}

func TestSubscribeAndAppend(t *testing.T) {
	l := NewLog(10)
	defer l.Close()

	done := make(chan Event, 1)
	id := l.Subscribe(KindCascadeCompleted, func(e Event) { done <- e })
	if id == "" {
		t.Fatal("Subscribe returned empty ID")
	}

	l.Append(NewEvent(KindNewConcept, "ignored"))
	l.Append(NewEvent(KindCascadeCompleted, "cluster").WithClusterSize(4))

	select {
	case e := <-done:
		if e.Kind != KindCascadeCompleted || e.ClusterSize == nil || *e.ClusterSize != 4 {
			t.Errorf("Unexpected event delivered: %+v", e)
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for event")
	}
}

func TestWildcardSubscriptionSeesOrder(t *testing.T) {
	l := NewLog(100)
	defer l.Close()

	var mu sync.Mutex
	var ids []int64
	all := make(chan struct{})
	l.Subscribe("", func(e Event) {
		mu.Lock()
		ids = append(ids, e.ID)
		if len(ids) == 3 {
			close(all)
		}
		mu.Unlock()
	})

	l.Append(NewEvent(KindNewConcept, "a"))
	l.Append(NewEvent(KindThresholdCrossed, "b"))
	l.Append(NewEvent(KindDecayApplied, "c"))

	select {
	case <-all:
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for events")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, id := range ids {
		if id != int64(i+1) {
			t.Errorf("Expected ID %d at position %d, got %d", i+1, i, id)
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	l := NewLog(10)
	defer l.Close()

	var calls atomic.Int32
	id := l.Subscribe(KindNewConcept, func(Event) { calls.Add(1) })

	if err := l.Unsubscribe(id); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	l.Append(NewEvent(KindNewConcept, "after"))
	time.Sleep(20 * time.Millisecond)

	if calls.Load() != 0 {
		t.Errorf("Expected no calls after unsubscribe, got %d", calls.Load())
	}
	if err := l.Unsubscribe(id); err == nil {
		t.Error("Expected error unsubscribing twice")
	}
}

func TestRetentionCap(t *testing.T) {
	l := NewLog(5)
	defer l.Close()

	for i := 0; i < 12; i++ {
		l.Append(NewEvent(KindNewConcept, "c"))
	}

	if l.Len() != 5 {
		t.Fatalf("Expected 5 retained events, got %d", l.Len())
	}
	all := l.All()
	if all[0].ID != 8 || all[4].ID != 12 {
		t.Errorf("Expected oldest pruned first, got IDs %d..%d", all[0].ID, all[4].ID)
	}
}

func TestRecent(t *testing.T) {
	l := NewLog(10)
	defer l.Close()

	if got := l.Recent(3); len(got) != 0 {
		t.Errorf("Expected empty recent on empty log, got %d", len(got))
	}

	for i := 0; i < 4; i++ {
		l.Append(NewEvent(KindNewConcept, "c"))
	}

	got := l.Recent(2)
	if len(got) != 2 || got[0].ID != 3 || got[1].ID != 4 {
		t.Errorf("Unexpected recent events: %+v", got)
	}
	if got := l.Recent(100); len(got) != 4 {
		t.Errorf("Expected all 4 events, got %d", len(got))
	}
}

func TestRecentUpTo(t *testing.T) {
	l := NewLog(10)
	defer l.Close()

	l.Append(NewEvent(KindNewConcept, "g1").WithGeneration(1))
	l.Append(NewEvent(KindNewConcept, "g2").WithGeneration(2))
	l.Append(NewEvent(KindNewConcept, "g3").WithGeneration(3))

	got := l.RecentUpTo(5, 2)
	if len(got) != 2 || got[0].Description != "g1" || got[1].Description != "g2" {
		t.Errorf("Unexpected filtered events: %+v", got)
	}
	if got := l.RecentUpTo(1, 3); len(got) != 1 || got[0].Description != "g3" {
		t.Errorf("Expected newest only, got %+v", got)
	}
}

func TestSince(t *testing.T) {
	l := NewLog(10)
	defer l.Close()

	for i := 0; i < 5; i++ {
		l.Append(NewEvent(KindNewConcept, "c"))
	}

	got := l.Since(3)
	if len(got) != 2 || got[0].ID != 4 {
		t.Errorf("Expected events 4 and 5, got %+v", got)
	}
	if got := l.Since(5); len(got) != 0 {
		t.Errorf("Expected nothing newer than 5, got %d", len(got))
	}
}

func TestRestoreContinuesSequence(t *testing.T) {
	l := NewLog(3)
	defer l.Close()

	persisted := []Event{
		{ID: 10, Kind: KindNewConcept, Description: "a"},
		{ID: 11, Kind: KindNewConcept, Description: "b"},
		{ID: 12, Kind: KindNewConcept, Description: "c"},
		{ID: 13, Kind: KindNewConcept, Description: "d"},
	}
	l.Restore(persisted)

	if l.Len() != 3 {
		t.Errorf("Expected restore to honour the cap, got %d", l.Len())
	}
	next := l.Append(NewEvent(KindDecayApplied, "decay"))
	if next.ID != 14 {
		t.Errorf("Expected ID 14 after restore, got %d", next.ID)
	}
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	l := NewLog(1000)
	defer l.Close()

	block := make(chan struct{})
	l.Subscribe("", func(Event) { <-block })

	for i := 0; i < DefaultChannelBuffer*3; i++ {
		l.Append(NewEvent(KindNewConcept, "c"))
	}
	close(block)

	appended, dropped := l.Stats()
	if appended != int64(DefaultChannelBuffer*3) {
		t.Errorf("Expected %d appended, got %d", DefaultChannelBuffer*3, appended)
	}
	if dropped == 0 {
		t.Error("Expected a blocked subscriber to drop events")
	}
}

func TestConcurrentAppend(t *testing.T) {
	l := NewLog(10000)
	defer l.Close()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				l.Append(NewEvent(KindNewConcept, "c"))
			}
		}()
	}
	wg.Wait()

	all := l.All()
	if len(all) != 800 {
		t.Fatalf("Expected 800 events, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].ID <= all[i-1].ID {
			t.Fatalf("IDs out of order at %d: %d after %d", i, all[i].ID, all[i-1].ID)
		}
	}
}

func TestCloseTwice(t *testing.T) {
	l := NewLog(10)
	if err := l.Close(); err != nil {
		t.Fatalf("first close failed: %v", err)
	}
	if err := l.Close(); err == nil {
		t.Error("Expected error on second close")
	}
	if id := l.Subscribe("", func(Event) {}); id != "" {
		t.Error("Expected subscribe on a closed log to fail")
	}
	// History is still recorded.
	l.Append(NewEvent(KindNewConcept, "late"))
	if l.Len() != 1 {
		t.Errorf("Expected append after close to be recorded, got %d", l.Len())
	}
}

func TestKindValid(t *testing.T) {
	for _, k := range Kinds {
		if !k.Valid() {
			t.Errorf("Expected %s to be valid", k)
		}
	}
	if Kind("lobe_start").Valid() {
		t.Error("Unexpected valid kind")
	}
}

func TestWithExtraCopies(t *testing.T) {
	base := NewEvent(KindThresholdCrossed, "milestone").WithExtra("mark", 0.5)
	derived := base.WithExtra("capability", "breadth")

	if len(base.Extra) != 1 {
		t.Errorf("Expected base extra untouched, got %v", base.Extra)
	}
	if len(derived.Extra) != 2 {
		t.Errorf("Expected 2 extra keys, got %v", derived.Extra)
	}
}

func BenchmarkAppend(b *testing.B) {
	l := NewLog(DefaultMaxEvents)
	defer l.Close()

	e := NewEvent(KindNewConcept, "bench")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		l.Append(e)
	}
}
