package relay

import (
	"context"

	"github.com/nbd-wtf/go-nostr"
)

// conn is the per-relay connection surface the client pools. The production
// implementation wraps a go-nostr relay; tests substitute in-memory fakes.
type conn interface {
	Publish(ctx context.Context, ev nostr.Event) error
	QuerySync(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error)
	Subscribe(ctx context.Context, filters nostr.Filters) (subscription, error)
	Close() error
}

type subscription interface {
	Events() <-chan *nostr.Event
	Unsub()
}

type dialFunc func(ctx context.Context, url string) (conn, error)

type nostrConn struct {
	relay *nostr.Relay
}

func dialNostr(ctx context.Context, url string) (conn, error) {
	r, err := nostr.RelayConnect(ctx, url)
	if err != nil {
		return nil, err
	}
	return &nostrConn{relay: r}, nil
}

func (c *nostrConn) Publish(ctx context.Context, ev nostr.Event) error {
	return c.relay.Publish(ctx, ev)
}

func (c *nostrConn) QuerySync(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error) {
	return c.relay.QuerySync(ctx, filter)
}

func (c *nostrConn) Subscribe(ctx context.Context, filters nostr.Filters) (subscription, error) {
	sub, err := c.relay.Subscribe(ctx, filters)
	if err != nil {
		return nil, err
	}
	return &nostrSubscription{sub: sub}, nil
}

func (c *nostrConn) Close() error {
	return c.relay.Close()
}

type nostrSubscription struct {
	sub *nostr.Subscription
}

func (s *nostrSubscription) Events() <-chan *nostr.Event {
	return s.sub.Events
}

func (s *nostrSubscription) Unsub() {
	s.sub.Unsub()
}
