package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"audioplayer/syncd/pkg/models"
)

type fakeConn struct {
	mu          sync.Mutex
	publishErr  error
	publishHang bool
	queryEvents []*nostr.Event
	queryErr    error
	events      chan *nostr.Event
	subErr      error
	unsubbed    bool
	closed      bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan *nostr.Event, 8)}
}

func (f *fakeConn) Publish(ctx context.Context, _ nostr.Event) error {
	f.mu.Lock()
	hang, err := f.publishHang, f.publishErr
	f.mu.Unlock()
	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (f *fakeConn) QuerySync(_ context.Context, _ nostr.Filter) ([]*nostr.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queryEvents, f.queryErr
}

func (f *fakeConn) Subscribe(_ context.Context, _ nostr.Filters) (subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subErr != nil {
		return nil, f.subErr
	}
	return &fakeSub{conn: f}, nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) isUnsubbed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unsubbed
}

type fakeSub struct {
	conn *fakeConn
}

func (s *fakeSub) Events() <-chan *nostr.Event { return s.conn.events }

func (s *fakeSub) Unsub() {
	s.conn.mu.Lock()
	s.conn.unsubbed = true
	s.conn.mu.Unlock()
}

type fakeNetwork struct {
	mu       sync.Mutex
	conns    map[string]*fakeConn
	dialErrs map[string]error
	dials    atomic.Int32
}

func newFakeNetwork(urls ...string) *fakeNetwork {
	n := &fakeNetwork{conns: make(map[string]*fakeConn), dialErrs: make(map[string]error)}
	for _, url := range urls {
		n.conns[url] = newFakeConn()
	}
	return n
}

func (n *fakeNetwork) dial(_ context.Context, url string) (conn, error) {
	n.dials.Add(1)
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.dialErrs[url]; err != nil {
		return nil, err
	}
	cn, ok := n.conns[url]
	if !ok {
		return nil, fmt.Errorf("unknown relay %s", url)
	}
	return cn, nil
}

func newTestClient(t *testing.T, net *fakeNetwork) *Client {
	t.Helper()
	urls := make([]string, 0, len(net.conns))
	for url := range net.conns {
		urls = append(urls, url)
	}
	c := New(Config{
		Relays:         urls,
		DialTimeout:    time.Second,
		PublishTimeout: 2 * time.Second,
		QueryTimeout:   2 * time.Second,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	c.dial = net.dial
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func signedSlotEvent(t *testing.T, sk, slot string, at time.Time) (*nostr.Event, string) {
	t.Helper()
	ev, err := NewSlotEvent(sk, slot, models.RelayEnvelope{
		Version:         models.EnvelopeVersion,
		EphemeralPubKey: strings.Repeat("ab", 32),
		Ciphertext:      "aGVsbG8=",
	}, at)
	if err != nil {
		t.Fatalf("build event: %v", err)
	}
	pub, err := nostr.GetPublicKey(sk)
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	return &ev, pub
}

func TestPublishSucceedsOnSingleAck(t *testing.T) {
	net := newFakeNetwork("wss://a", "wss://b", "wss://c")
	net.conns["wss://a"].publishErr = errors.New("rejected: blocked")
	net.conns["wss://b"].publishHang = true

	c := newTestClient(t, net)
	sk := nostr.GeneratePrivateKey()
	ev, _ := signedSlotEvent(t, sk, SlotHistory, time.Now())

	start := time.Now()
	if err := c.Publish(context.Background(), *ev); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("publish waited %v for stragglers", elapsed)
	}
}

func TestPublishAggregatesAllFailures(t *testing.T) {
	net := newFakeNetwork("wss://a", "wss://b", "wss://c")
	net.conns["wss://a"].publishErr = errors.New("rejected: blocked")
	net.conns["wss://b"].publishErr = errors.New("rejected: rate limited")
	net.dialErrs["wss://c"] = errors.New("connection refused")

	c := newTestClient(t, net)
	sk := nostr.GeneratePrivateKey()
	ev, _ := signedSlotEvent(t, sk, SlotHistory, time.Now())

	err := c.Publish(context.Background(), *ev)
	var pubErr *PublishError
	if !errors.As(err, &pubErr) {
		t.Fatalf("err = %v, want *PublishError", err)
	}
	if len(pubErr.Reasons) != 3 {
		t.Fatalf("reasons = %v, want all 3 relays", pubErr.Reasons)
	}
	for _, url := range []string{"wss://a", "wss://b", "wss://c"} {
		if pubErr.Reasons[url] == "" {
			t.Fatalf("missing reason for %s in %v", url, pubErr.Reasons)
		}
	}
}

func TestFetchLatestPicksNewestAcrossRelays(t *testing.T) {
	net := newFakeNetwork("wss://a", "wss://b")
	sk := nostr.GeneratePrivateKey()
	older, author := signedSlotEvent(t, sk, SlotHistory, time.Unix(1700000000, 0))
	newer, _ := signedSlotEvent(t, sk, SlotHistory, time.Unix(1700000500, 0))
	net.conns["wss://a"].queryEvents = []*nostr.Event{older}
	net.conns["wss://b"].queryEvents = []*nostr.Event{newer}

	c := newTestClient(t, net)
	got, err := c.FetchLatest(context.Background(), author, SlotHistory)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got == nil || got.CreatedAt != newer.CreatedAt {
		t.Fatalf("got %+v, want the newer event", got)
	}
}

func TestFetchLatestNothingStored(t *testing.T) {
	net := newFakeNetwork("wss://a", "wss://b")
	c := newTestClient(t, net)
	sk := nostr.GeneratePrivateKey()
	pub, _ := nostr.GetPublicKey(sk)

	got, err := c.FetchLatest(context.Background(), pub, SlotHistory)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got != nil {
		t.Fatalf("got %+v, want nil for empty relays", got)
	}
}

func TestFetchLatestDropsForgedEvents(t *testing.T) {
	net := newFakeNetwork("wss://a")
	sk := nostr.GeneratePrivateKey()
	forged, author := signedSlotEvent(t, sk, SlotHistory, time.Now())
	forged.Content = `{"v":1,"ephemeralPubKey":"tampered","ciphertext":"x"}`
	wrongSlot, _ := signedSlotEvent(t, sk, SlotIdentity, time.Now())
	net.conns["wss://a"].queryEvents = []*nostr.Event{forged, wrongSlot}

	c := newTestClient(t, net)
	got, err := c.FetchLatest(context.Background(), author, SlotHistory)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got != nil {
		t.Fatalf("got %+v, want forged and mismatched events dropped", got)
	}
}

func TestFetchLatestTimesOutWhenNoRelayAnswers(t *testing.T) {
	net := newFakeNetwork("wss://a", "wss://b")
	net.dialErrs["wss://a"] = errors.New("connection refused")
	net.dialErrs["wss://b"] = errors.New("connection refused")

	c := newTestClient(t, net)
	sk := nostr.GeneratePrivateKey()
	pub, _ := nostr.GetPublicKey(sk)
	if _, err := c.FetchLatest(context.Background(), pub, SlotHistory); !errors.Is(err, ErrQueryTimeout) {
		t.Fatalf("err = %v, want ErrQueryTimeout", err)
	}
}

func TestCancelledContextFailsBeforeDialing(t *testing.T) {
	net := newFakeNetwork("wss://a")
	c := newTestClient(t, net)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := c.FetchLatest(ctx, "author", SlotHistory); !errors.Is(err, ErrCancelled) {
		t.Fatalf("fetch err = %v, want ErrCancelled", err)
	}
	if err := c.Publish(ctx, nostr.Event{}); !errors.Is(err, ErrCancelled) {
		t.Fatalf("publish err = %v, want ErrCancelled", err)
	}
	if _, err := c.Subscribe(ctx, "author", SlotHistory, func(*nostr.Event) error { return nil }); !errors.Is(err, ErrCancelled) {
		t.Fatalf("subscribe err = %v, want ErrCancelled", err)
	}
	if got := net.dials.Load(); got != 0 {
		t.Fatalf("dials = %d, want 0 for pre-cancelled context", got)
	}
}

func TestCloseIsIdempotentAndFailsFast(t *testing.T) {
	net := newFakeNetwork("wss://a")
	c := newTestClient(t, net)
	if _, err := c.FetchLatest(context.Background(), "author", SlotHistory); err != nil {
		t.Fatalf("warm-up fetch: %v", err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if !net.conns["wss://a"].isClosed() {
		t.Fatal("pooled connection not closed")
	}
	if err := c.Publish(context.Background(), nostr.Event{}); !errors.Is(err, ErrClientClosed) {
		t.Fatalf("publish err = %v, want ErrClientClosed", err)
	}
	if _, err := c.FetchLatest(context.Background(), "author", SlotHistory); !errors.Is(err, ErrClientClosed) {
		t.Fatalf("fetch err = %v, want ErrClientClosed", err)
	}
}

func TestResetForcesFreshDials(t *testing.T) {
	net := newFakeNetwork("wss://a")
	c := newTestClient(t, net)

	if _, err := c.FetchLatest(context.Background(), "author", SlotHistory); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if _, err := c.FetchLatest(context.Background(), "author", SlotHistory); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got := net.dials.Load(); got != 1 {
		t.Fatalf("dials before reset = %d, want 1 (pooled)", got)
	}

	// The old connection gets torn down; replace it so the next dial finds a
	// live fake.
	c.Reset()
	waitFor(t, func() bool { return net.conns["wss://a"].isClosed() })
	net.mu.Lock()
	net.conns["wss://a"] = newFakeConn()
	net.mu.Unlock()

	if _, err := c.FetchLatest(context.Background(), "author", SlotHistory); err != nil {
		t.Fatalf("fetch after reset: %v", err)
	}
	if got := net.dials.Load(); got != 2 {
		t.Fatalf("dials after reset = %d, want 2", got)
	}
}

func TestSubscribeDeliversAndSurvivesCallbackErrors(t *testing.T) {
	net := newFakeNetwork("wss://a")
	c := newTestClient(t, net)
	sk := nostr.GeneratePrivateKey()
	first, author := signedSlotEvent(t, sk, SlotHistory, time.Unix(1700000000, 0))
	second, _ := signedSlotEvent(t, sk, SlotHistory, time.Unix(1700000100, 0))

	received := make(chan string, 4)
	cancel, err := c.Subscribe(context.Background(), author, SlotHistory, func(ev *nostr.Event) error {
		received <- ev.ID
		return errors.New("decode failed")
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	net.conns["wss://a"].events <- first
	net.conns["wss://a"].events <- second

	for _, want := range []*nostr.Event{first, second} {
		select {
		case id := <-received:
			if id != want.ID {
				t.Fatalf("delivered %s, want %s", id, want.ID)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestSubscribeDropsForeignAndDuplicateEvents(t *testing.T) {
	net := newFakeNetwork("wss://a", "wss://b")
	c := newTestClient(t, net)
	sk := nostr.GeneratePrivateKey()
	ev, author := signedSlotEvent(t, sk, SlotHistory, time.Unix(1700000000, 0))
	otherSlot, _ := signedSlotEvent(t, sk, SlotIdentity, time.Unix(1700000001, 0))
	closer, _ := signedSlotEvent(t, sk, SlotHistory, time.Unix(1700000200, 0))

	received := make(chan string, 8)
	cancel, err := c.Subscribe(context.Background(), author, SlotHistory, func(ev *nostr.Event) error {
		received <- ev.ID
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	// The same event arrives via both relays; the wrong-slot event arrives
	// in between. Then a final distinct event acts as a barrier.
	net.conns["wss://a"].events <- ev
	net.conns["wss://b"].events <- ev
	net.conns["wss://a"].events <- otherSlot
	net.conns["wss://a"].events <- closer

	var got []string
	for len(got) < 2 {
		select {
		case id := <-received:
			got = append(got, id)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out, delivered so far: %v", got)
		}
	}
	if got[0] != ev.ID || got[1] != closer.ID {
		t.Fatalf("delivered %v, want [%s %s]", got, ev.ID, closer.ID)
	}
	select {
	case id := <-received:
		t.Fatalf("unexpected extra delivery %s", id)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribeCancelStopsDelivery(t *testing.T) {
	net := newFakeNetwork("wss://a")
	c := newTestClient(t, net)
	sk := nostr.GeneratePrivateKey()
	ev, author := signedSlotEvent(t, sk, SlotHistory, time.Unix(1700000000, 0))

	received := make(chan string, 4)
	cancel, err := c.Subscribe(context.Background(), author, SlotHistory, func(ev *nostr.Event) error {
		received <- ev.ID
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// Wait for the relay loop to be live before cancelling.
	net.conns["wss://a"].events <- ev
	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("subscription never became live")
	}

	cancel()
	cancel()
	waitFor(t, func() bool { return net.conns["wss://a"].isUnsubbed() })

	late, _ := signedSlotEvent(t, sk, SlotHistory, time.Unix(1700000300, 0))
	net.conns["wss://a"].events <- late
	select {
	case id := <-received:
		t.Fatalf("delivery after cancel: %s", id)
	case <-time.After(100 * time.Millisecond):
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
