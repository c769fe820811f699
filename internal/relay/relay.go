// Package relay maintains a pool of connections to the configured relay set
// and runs every network operation as a concurrent fan-out across it: publish
// succeeds on the first acknowledgment, queries take the newest answer, and
// subscriptions listen on every relay at once.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

const maxTrackedEventIDs = 128

type Config struct {
	Relays         []string      `yaml:"relays"`
	DialTimeout    time.Duration `yaml:"dialTimeout"`
	PublishTimeout time.Duration `yaml:"publishTimeout"`
	QueryTimeout   time.Duration `yaml:"queryTimeout"`
}

func DefaultConfig() Config {
	return Config{
		Relays: []string{
			"wss://relay.damus.io",
			"wss://nos.lol",
			"wss://relay.nostr.band",
		},
		DialTimeout:    10 * time.Second,
		PublishTimeout: 10 * time.Second,
		QueryTimeout:   15 * time.Second,
	}
}

func normalizeConfig(cfg Config) Config {
	def := DefaultConfig()
	if len(cfg.Relays) == 0 {
		cfg.Relays = def.Relays
	}
	cfg.Relays = append([]string(nil), cfg.Relays...)
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = def.PublishTimeout
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = def.QueryTimeout
	}
	return cfg
}

// Client owns the process-wide relay connection pool. Connections are dialed
// lazily per relay and reused until Reset or Close; a closed client fails
// every call fast with ErrClientClosed.
type Client struct {
	cfg     Config
	logger  *slog.Logger
	metrics *Metrics
	dial    dialFunc

	mu     sync.Mutex
	conns  map[string]conn
	closed bool
}

func New(cfg Config, logger *slog.Logger, metrics *Metrics) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:     normalizeConfig(cfg),
		logger:  logger,
		metrics: metrics,
		dial:    dialNostr,
		conns:   make(map[string]conn),
	}
}

// Relays returns the configured relay set.
func (c *Client) Relays() []string {
	return append([]string(nil), c.cfg.Relays...)
}

// Publish sends ev to every relay concurrently and returns on the first
// acknowledgment. Only when all relays fail does it return a *PublishError
// carrying each relay's reason.
func (c *Client) Publish(ctx context.Context, ev nostr.Event) error {
	if err := c.checkReady(ctx); err != nil {
		return err
	}
	fanCtx, cancel := context.WithTimeout(ctx, c.cfg.PublishTimeout)
	defer cancel()

	type outcome struct {
		url string
		err error
	}
	results := make(chan outcome, len(c.cfg.Relays))
	for _, url := range c.cfg.Relays {
		go func(url string) {
			results <- outcome{url: url, err: c.publishOne(fanCtx, url, ev)}
		}(url)
	}

	reasons := make(map[string]string, len(c.cfg.Relays))
	for range c.cfg.Relays {
		res := <-results
		if res.err == nil {
			c.metrics.observePublish(res.url, "ok")
			// One ack is enough. The remaining goroutines finish into the
			// buffered channel on their own.
			return nil
		}
		c.metrics.observePublish(res.url, "error")
		reasons[res.url] = res.err.Error()
	}
	if ctx.Err() != nil {
		return ErrCancelled
	}
	return &PublishError{Reasons: reasons}
}

func (c *Client) publishOne(ctx context.Context, url string, ev nostr.Event) error {
	cn, err := c.getConn(ctx, url)
	if err != nil {
		return err
	}
	if err := cn.Publish(ctx, ev); err != nil {
		c.dropConn(url, cn, err)
		return err
	}
	return nil
}

// FetchLatest queries every relay for the newest event by (author, slot) and
// returns the candidate with the greatest server-reported creation time.
// (nil, nil) means the reachable relays agree there is nothing stored yet;
// ErrQueryTimeout means not a single relay answered inside the window.
func (c *Client) FetchLatest(ctx context.Context, author, slot string) (*nostr.Event, error) {
	if err := c.checkReady(ctx); err != nil {
		return nil, err
	}
	started := time.Now()
	defer func() {
		c.metrics.observeFetch(time.Since(started).Seconds())
	}()

	fanCtx, cancel := context.WithTimeout(ctx, c.cfg.QueryTimeout)
	defer cancel()

	filter := nostr.Filter{
		Kinds:   []int{EventKind},
		Authors: []string{author},
		Tags:    nostr.TagMap{"d": []string{slot}},
		Limit:   1,
	}

	type outcome struct {
		url    string
		events []*nostr.Event
		err    error
	}
	results := make(chan outcome, len(c.cfg.Relays))
	for _, url := range c.cfg.Relays {
		go func(url string) {
			evs, err := c.queryOne(fanCtx, url, filter)
			results <- outcome{url: url, events: evs, err: err}
		}(url)
	}

	answered := false
	var best *nostr.Event
	for range c.cfg.Relays {
		res := <-results
		if res.err != nil {
			c.logger.Debug("relay query failed", "relay", res.url, "error", res.err)
			continue
		}
		answered = true
		for _, ev := range res.events {
			if !matchesSlot(ev, author, slot) {
				c.logger.Warn("relay returned non-matching event", "relay", res.url)
				continue
			}
			if best == nil || ev.CreatedAt > best.CreatedAt {
				best = ev
			}
		}
	}

	if ctx.Err() != nil {
		return nil, ErrCancelled
	}
	if !answered {
		return nil, ErrQueryTimeout
	}
	return best, nil
}

func (c *Client) queryOne(ctx context.Context, url string, filter nostr.Filter) ([]*nostr.Event, error) {
	cn, err := c.getConn(ctx, url)
	if err != nil {
		return nil, err
	}
	evs, err := cn.QuerySync(ctx, filter)
	if err != nil {
		c.dropConn(url, cn, err)
		return nil, err
	}
	return evs, nil
}

// Subscribe opens a live subscription for (author, slot) on every relay.
// Events arriving on any relay are verified and handed to onEvent; an error
// from onEvent is logged and the subscription keeps running. The returned
// cancel tears down every relay subscription and is safe to call more than
// once.
func (c *Client) Subscribe(ctx context.Context, author, slot string, onEvent func(*nostr.Event) error) (func(), error) {
	if err := c.checkReady(ctx); err != nil {
		return nil, err
	}
	// The subscription outlives the call that set it up; only the returned
	// cancel (or Close) ends it.
	subCtx, cancel := context.WithCancel(context.Background())
	filters := nostr.Filters{{
		Kinds:   []int{EventKind},
		Authors: []string{author},
		Tags:    nostr.TagMap{"d": []string{slot}},
		Limit:   1,
	}}

	seen := &seenEvents{ids: make(map[string]struct{}, maxTrackedEventIDs)}
	for _, url := range c.cfg.Relays {
		go c.runSubscription(subCtx, url, author, slot, filters, seen, onEvent)
	}
	return cancel, nil
}

func (c *Client) runSubscription(ctx context.Context, url, author, slot string, filters nostr.Filters, seen *seenEvents, onEvent func(*nostr.Event) error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	cn, err := c.getConn(dialCtx, url)
	cancel()
	if err != nil {
		c.logger.Warn("relay subscription dial failed", "relay", url, "error", err)
		return
	}
	sub, err := cn.Subscribe(ctx, filters)
	if err != nil {
		c.dropConn(url, cn, err)
		c.logger.Warn("relay subscription failed", "relay", url, "error", err)
		return
	}
	defer sub.Unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				c.logger.Debug("relay subscription ended", "relay", url)
				return
			}
			if !matchesSlot(ev, author, slot) {
				c.logger.Warn("subscription event failed verification", "relay", url)
				continue
			}
			if !seen.firstSighting(ev.ID) {
				continue
			}
			c.metrics.observeSubscriptionEvent()
			if err := onEvent(ev); err != nil {
				// A bad event must not take down the subscription.
				c.logger.Warn("subscription event dropped", "relay", url, "error", err)
			}
		}
	}
}

// Reset tears down every pooled connection. The next operation dials fresh,
// which is what the foreground-resume path needs when sockets have gone
// stale in the background. In-flight operations keep their existing
// connections and finish on their own.
func (c *Client) Reset() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	old := c.conns
	c.conns = make(map[string]conn)
	c.mu.Unlock()

	c.metrics.observePoolReset()
	c.logger.Info("relay pool reset", "connections", len(old))
	for _, cn := range old {
		go func(cn conn) { _ = cn.Close() }(cn)
	}
}

// Close shuts the pool down for good. Safe to call repeatedly.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	old := c.conns
	c.conns = nil
	c.mu.Unlock()

	for _, cn := range old {
		_ = cn.Close()
	}
	return nil
}

func (c *Client) checkReady(ctx context.Context) error {
	if ctx.Err() != nil {
		return ErrCancelled
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClientClosed
	}
	return nil
}

func (c *Client) getConn(ctx context.Context, url string) (conn, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	if existing, ok := c.conns[url]; ok {
		c.mu.Unlock()
		return existing, nil
	}
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	fresh, err := c.dial(dialCtx, url)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = fresh.Close()
		return nil, ErrClientClosed
	}
	if existing, ok := c.conns[url]; ok {
		// Lost the dial race; keep the pooled connection.
		c.mu.Unlock()
		_ = fresh.Close()
		return existing, nil
	}
	c.conns[url] = fresh
	c.mu.Unlock()
	return fresh, nil
}

// dropConn evicts a connection that produced an error, unless the error was
// plain cancellation, so the next call gets a fresh dial instead of a dead
// socket.
func (c *Client) dropConn(url string, broken conn, cause error) {
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		return
	}
	c.mu.Lock()
	if current, ok := c.conns[url]; !ok || current != broken {
		c.mu.Unlock()
		return
	}
	delete(c.conns, url)
	c.mu.Unlock()
	_ = broken.Close()
}

// seenEvents deduplicates events arriving from multiple relays, keeping a
// bounded window of recent ids.
type seenEvents struct {
	mu    sync.Mutex
	ids   map[string]struct{}
	order []string
}

func (s *seenEvents) firstSighting(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)
	if len(s.order) > maxTrackedEventIDs {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.ids, oldest)
	}
	return true
}
