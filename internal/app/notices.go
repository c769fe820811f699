package app

import (
	"sort"
	"sync"
	"time"
)

// Notice kinds emitted by the orchestrator. Payloads are small maps that
// are safe to serialize for a UI bridge.
const (
	NoticeStateChanged   = "sync.state_changed"
	NoticeHistoryUpdated = "sync.history_updated"
	NoticeLoadFailed     = "sync.load_failed"
	NoticePublishFailed  = "sync.publish_failed"
	NoticeCorruptRemote  = "sync.corrupt_remote"
	NoticeTakeover       = "sync.session_takeover"
)

// Notice is a single UI-facing event with a hub-assigned sequence number.
type Notice struct {
	Seq     int64          `json:"seq"`
	Kind    string         `json:"kind"`
	Payload map[string]any `json:"payload,omitempty"`
	At      time.Time      `json:"at"`
}

// NoticeHub fans orchestrator events out to subscribers and keeps a bounded
// backlog so a UI that attaches late can replay what it missed.
type NoticeHub struct {
	mu      sync.Mutex
	nextSeq int64
	limit   int
	backlog []Notice
	subs    map[int]chan Notice
	nextSub int
	now     func() time.Time
}

// NewNoticeHub creates a hub retaining at most limit notices for replay.
func NewNoticeHub(limit int) *NoticeHub {
	if limit <= 0 {
		limit = 256
	}
	return &NoticeHub{
		limit: limit,
		subs:  make(map[int]chan Notice),
		now:   time.Now,
	}
}

// Publish assigns the next sequence number, appends to the backlog and
// delivers to all live subscribers. Slow subscribers are dropped rather
// than blocking the orchestrator.
func (h *NoticeHub) Publish(kind string, payload map[string]any) Notice {
	h.mu.Lock()
	h.nextSeq++
	n := Notice{
		Seq:     h.nextSeq,
		Kind:    kind,
		Payload: payload,
		At:      h.now().UTC(),
	}
	h.backlog = append(h.backlog, n)
	if len(h.backlog) > h.limit {
		h.backlog = h.backlog[len(h.backlog)-h.limit:]
	}
	var stale []int
	for id, ch := range h.subs {
		select {
		case ch <- n:
		default:
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		close(h.subs[id])
		delete(h.subs, id)
	}
	h.mu.Unlock()
	return n
}

// Subscribe returns the backlog entries with Seq greater than fromSeq, a
// channel for subsequent notices and a cancel function. Cancel is
// idempotent.
func (h *NoticeHub) Subscribe(fromSeq int64) ([]Notice, <-chan Notice, func()) {
	h.mu.Lock()
	var replay []Notice
	idx := sort.Search(len(h.backlog), func(i int) bool {
		return h.backlog[i].Seq > fromSeq
	})
	if idx < len(h.backlog) {
		replay = append(replay, h.backlog[idx:]...)
	}
	ch := make(chan Notice, 128)
	id := h.nextSub
	h.nextSub++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if sub, ok := h.subs[id]; ok {
				close(sub)
				delete(h.subs, id)
			}
			h.mu.Unlock()
		})
	}
	return replay, ch, cancel
}

// BacklogSize reports how many notices are currently retained.
func (h *NoticeHub) BacklogSize() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.backlog)
}
