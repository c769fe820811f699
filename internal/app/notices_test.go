package app

import (
	"testing"
	"time"
)

func TestNoticeHubSequenceAndReplay(t *testing.T) {
	hub := NewNoticeHub(16)
	for i := 0; i < 3; i++ {
		hub.Publish(NoticeHistoryUpdated, map[string]any{"i": i})
	}
	replay, ch, cancel := hub.Subscribe(1)
	defer cancel()
	if len(replay) != 2 {
		t.Fatalf("expected 2 replayed notices, got %d", len(replay))
	}
	if replay[0].Seq != 2 || replay[1].Seq != 3 {
		t.Fatalf("unexpected replay seqs: %d, %d", replay[0].Seq, replay[1].Seq)
	}

	hub.Publish(NoticeTakeover, nil)
	select {
	case n := <-ch:
		if n.Seq != 4 || n.Kind != NoticeTakeover {
			t.Fatalf("unexpected live notice: %+v", n)
		}
	case <-time.After(time.Second):
		t.Fatal("live notice not delivered")
	}
}

func TestNoticeHubBoundedBacklog(t *testing.T) {
	hub := NewNoticeHub(4)
	for i := 0; i < 10; i++ {
		hub.Publish(NoticeHistoryUpdated, nil)
	}
	if got := hub.BacklogSize(); got != 4 {
		t.Fatalf("backlog size %d, want 4", got)
	}
	replay, _, cancel := hub.Subscribe(0)
	cancel()
	if len(replay) != 4 {
		t.Fatalf("expected 4 replayed, got %d", len(replay))
	}
	if replay[0].Seq != 7 {
		t.Fatalf("oldest retained seq %d, want 7", replay[0].Seq)
	}
}

func TestNoticeHubCancelIdempotent(t *testing.T) {
	hub := NewNoticeHub(4)
	_, ch, cancel := hub.Subscribe(0)
	cancel()
	cancel()
	if _, open := <-ch; open {
		t.Fatal("channel should be closed after cancel")
	}
	// Publishing after cancel must not panic or block.
	hub.Publish(NoticeLoadFailed, nil)
}

func TestNoticeHubDropsSlowSubscriber(t *testing.T) {
	hub := NewNoticeHub(512)
	_, ch, cancel := hub.Subscribe(0)
	defer cancel()
	// Fill the subscriber buffer without draining; the next publish closes
	// the lagging channel instead of blocking.
	for i := 0; i < 200; i++ {
		hub.Publish(NoticeHistoryUpdated, nil)
	}
	drained := 0
	for range ch {
		drained++
	}
	if drained != 128 {
		t.Fatalf("expected the buffered 128 notices, got %d", drained)
	}
}

func TestNoticeHubTimestamps(t *testing.T) {
	hub := NewNoticeHub(4)
	fixed := time.Date(2026, 2, 14, 9, 30, 0, 0, time.UTC)
	hub.now = func() time.Time { return fixed }
	n := hub.Publish(NoticeStateChanged, nil)
	if !n.At.Equal(fixed) {
		t.Fatalf("notice time %v, want %v", n.At, fixed)
	}
}
