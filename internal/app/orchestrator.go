package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/time/rate"

	"audioplayer/syncd/internal/identity"
	"audioplayer/syncd/internal/relay"
	"audioplayer/syncd/internal/session"
	"audioplayer/syncd/pkg/models"
)

var (
	// ErrNoIdentifier is returned when an operation needs a configured
	// account identifier and none has been provided yet.
	ErrNoIdentifier = errors.New("no identifier configured")

	// ErrIdentityMismatch is returned when the decrypted player identity
	// derives a different public key than the configured identifier. The
	// identity envelope belongs to some other account.
	ErrIdentityMismatch = errors.New("published identity does not match identifier")

	errKeysUnavailable = errors.New("sync keys unavailable")
)

// RelayClient is the slice of the relay pool the orchestrator needs.
type RelayClient interface {
	Publish(ctx context.Context, ev nostr.Event) error
	FetchLatest(ctx context.Context, author, slot string) (*nostr.Event, error)
	Subscribe(ctx context.Context, author, slot string, onEvent func(*nostr.Event) error) (func(), error)
	Reset()
}

// Cache is the local persistence the orchestrator reads on startup and
// writes through on every change. *storage.Store implements it.
type Cache interface {
	History() (models.HistorySnapshot, error)
	SetHistory(snapshot models.HistorySnapshot) error
	Identifier() (string, error)
	SetIdentifier(npub string) error
	SecondarySecret() (string, error)
	SetSecondarySecret(secret string) error
	ClearSecondarySecret() error
	Clear() error
}

type Config struct {
	// Debounce is how long playback must stay quiet before an auto-save
	// publish fires.
	Debounce time.Duration `yaml:"debounce"`
	// GraceWindow is forwarded to the session coordinator.
	GraceWindow time.Duration `yaml:"graceWindow"`
	// PublishEvery and PublishBurst bound the sustained publish rate so a
	// misbehaving player cannot spam the relays.
	PublishEvery time.Duration `yaml:"publishEvery"`
	PublishBurst int           `yaml:"publishBurst"`
	// NoticeBacklog is how many notices the hub retains for late UIs.
	NoticeBacklog int `yaml:"noticeBacklog"`
}

func DefaultConfig() Config {
	return Config{
		Debounce:      5 * time.Second,
		GraceWindow:   15 * time.Second,
		PublishEvery:  20 * time.Second,
		PublishBurst:  3,
		NoticeBacklog: 256,
	}
}

func normalizeConfig(cfg Config) Config {
	def := DefaultConfig()
	if cfg.Debounce <= 0 {
		cfg.Debounce = def.Debounce
	}
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = def.GraceWindow
	}
	if cfg.PublishEvery <= 0 {
		cfg.PublishEvery = def.PublishEvery
	}
	if cfg.PublishBurst <= 0 {
		cfg.PublishBurst = def.PublishBurst
	}
	if cfg.NoticeBacklog <= 0 {
		cfg.NoticeBacklog = def.NoticeBacklog
	}
	return cfg
}

// Orchestrator drives the whole sync lifecycle: identity derivation, the
// session state machine, debounced publishes and the relay subscription.
// One instance serves one account on one device.
type Orchestrator struct {
	cfg     Config
	logger  *slog.Logger
	relays  RelayClient
	cache   Cache
	coord   *session.Coordinator
	notices *NoticeHub
	limiter *rate.Limiter

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu             sync.Mutex
	keys           *identity.KeyPair
	authorHex      string
	entries        []models.HistoryEntry
	lastApplied    int64
	pendingPublish bool
	debounce       *time.Timer
	unsubscribe    func()
	closed         bool
	lastState      session.State
	lastNotice     string

	now func() time.Time
}

// New wires an orchestrator. A nil logger falls back to DefaultLogger.
func New(cfg Config, relays RelayClient, cache Cache, logger *slog.Logger) *Orchestrator {
	cfg = normalizeConfig(cfg)
	if logger == nil {
		logger = DefaultLogger()
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:        cfg,
		logger:     logger,
		relays:     relays,
		cache:      cache,
		notices:    NewNoticeHub(cfg.NoticeBacklog),
		limiter:    rate.NewLimiter(rate.Every(cfg.PublishEvery), cfg.PublishBurst),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		lastState:  session.StateNoIdentity,
		now:        time.Now,
	}
	o.coord = session.New(session.Config{
		GraceWindow: cfg.GraceWindow,
		Hooks: session.Hooks{
			EnterSync: o.startSubscription,
			ExitSync:  o.stopSubscription,
		},
	})
	return o
}

// State reports the current session state.
func (o *Orchestrator) State() session.State {
	return o.coord.State()
}

// StateNotice reports the user-facing notice attached to the current state.
func (o *Orchestrator) StateNotice() string {
	return o.coord.Notice()
}

// SessionID reports this device's session identifier.
func (o *Orchestrator) SessionID() string {
	return o.coord.SessionID()
}

// Entries returns a copy of the current local history snapshot.
func (o *Orchestrator) Entries() []models.HistoryEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	return models.CloneEntries(o.entries)
}

// Notices exposes the event hub for UIs and the daemon log bridge.
func (o *Orchestrator) Notices() *NoticeHub {
	return o.notices
}

// Close stops timers, the subscription and all background publishes. It
// does not close the relay client or the cache; the caller owns those.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	if o.debounce != nil {
		o.debounce.Stop()
		o.debounce = nil
	}
	unsub := o.unsubscribe
	o.unsubscribe = nil
	keys := o.keys
	o.keys = nil
	o.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	keys.Wipe()
	o.baseCancel()
	return nil
}

// noteState publishes a state-change notice when the coordinator's visible
// state or notice differs from the last one announced.
func (o *Orchestrator) noteState() {
	st := o.coord.State()
	notice := o.coord.Notice()
	o.mu.Lock()
	changed := st != o.lastState || notice != o.lastNotice
	o.lastState = st
	o.lastNotice = notice
	o.mu.Unlock()
	if !changed {
		return
	}
	payload := map[string]any{"state": string(st)}
	if notice != "" {
		payload["notice"] = notice
	}
	o.notices.Publish(NoticeStateChanged, payload)
	o.logger.Info("session state changed", "state", string(st), "notice", notice)
}

// startSubscription is the coordinator's EnterSync hook. It is a no-op when
// already subscribed or when no identifier is set.
func (o *Orchestrator) startSubscription() {
	o.mu.Lock()
	author := o.authorHex
	if o.closed || o.unsubscribe != nil || author == "" {
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	cancel, err := o.relays.Subscribe(o.baseCtx, author, relay.SlotHistory, o.handleRemoteEvent)
	if err != nil {
		o.logger.Warn("history subscription failed", "error", err)
		return
	}
	o.mu.Lock()
	if o.closed || o.unsubscribe != nil {
		o.mu.Unlock()
		cancel()
		return
	}
	o.unsubscribe = cancel
	o.mu.Unlock()
}

// stopSubscription is the coordinator's ExitSync hook.
func (o *Orchestrator) stopSubscription() {
	o.mu.Lock()
	unsub := o.unsubscribe
	o.unsubscribe = nil
	o.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (o *Orchestrator) restartSubscription() {
	o.stopSubscription()
	if o.coord.State().Synced() {
		o.startSubscription()
	}
}

func (o *Orchestrator) author() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.authorHex
}

func (o *Orchestrator) keysRef() *identity.KeyPair {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.keys
}
