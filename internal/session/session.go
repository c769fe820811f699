// Package session tracks this device's role in the sync protocol: whether
// identity material is available, whether the device is the current writer,
// and whether another device has taken over.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

type State string

const (
	// StateNoIdentity: no identifier is known; nothing can sync.
	StateNoIdentity State = "no_identity"
	// StateNeedsSecret: identifier present, decryption key material missing.
	StateNeedsSecret State = "needs_secret"
	// StateLoading: fetching and decrypting the player identity.
	StateLoading State = "loading"
	// StateNeedsSetup: relays answered but no identity envelope exists yet;
	// first-time setup must happen on another surface.
	StateNeedsSetup State = "needs_setup"
	// StateIdle: keys derived, device reads but does not write.
	StateIdle State = "idle"
	// StateActive: this device is the writer; its session id tags every
	// published snapshot.
	StateActive State = "active"
	// StateStale: another device took over; writing is forbidden.
	StateStale State = "stale"
	// StateInvalid: the identity failed to parse. Requires a new identity.
	StateInvalid State = "invalid"
)

// ErrNotIdle guards session start: only a passive reader can claim the
// writer role.
var ErrNotIdle = errors.New("session can only start from idle")

// RemoteOutcome says what a remote snapshot observation did to the session.
type RemoteOutcome int

const (
	// RemoteAccepted: the event cleared the grace window and may be applied.
	RemoteAccepted RemoteOutcome = iota
	// RemoteIgnored: the event predates the takeover grace deadline, most
	// likely this device's own publish echoing back.
	RemoteIgnored
	// RemoteTakeover: a foreign session id arrived while this device was
	// active; it is now stale.
	RemoteTakeover
)

const (
	noticeTakeover  = "another device is now active"
	noticeBadSecret = "sync secret was not accepted"
	noticeTransport = "network error while loading, try again"
	noticeInvalid   = "stored identity is invalid, generate a new one"
)

// Hooks fire when the coordinator enters or leaves the synced group of
// states (idle, active, stale). The app uses them to start and stop the
// relay subscription; transitions within the group never refire them.
type Hooks struct {
	EnterSync func()
	ExitSync  func()
}

type Config struct {
	GraceWindow time.Duration `yaml:"graceWindow"`
	Hooks       Hooks         `yaml:"-"`
}

func DefaultConfig() Config {
	return Config{GraceWindow: 15 * time.Second}
}

func normalizeConfig(cfg Config) Config {
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = DefaultConfig().GraceWindow
	}
	return cfg
}

// Coordinator is the session state machine. All methods are safe for
// concurrent use; hooks run outside the internal lock.
type Coordinator struct {
	mu                sync.Mutex
	cfg               Config
	state             State
	sessionID         string
	ignoreRemoteUntil time.Time
	notice            string
	transitions       int

	now func() time.Time
}

func New(cfg Config) *Coordinator {
	return &Coordinator{
		cfg:       normalizeConfig(cfg),
		state:     StateNoIdentity,
		sessionID: uuid.NewString(),
		now:       time.Now,
	}
}

// SessionID is random per process and never changes while it runs.
func (c *Coordinator) SessionID() string {
	return c.sessionID
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Notice returns the pending user-facing notice, empty when there is none.
func (c *Coordinator) Notice() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.notice
}

// CanPublish reports whether this device currently holds the writer role.
func (c *Coordinator) CanPublish() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateActive
}

// GraceDeadline returns the current ignore-remote deadline, zero before any
// session start.
func (c *Coordinator) GraceDeadline() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ignoreRemoteUntil
}

// Reset drops back to no_identity. Used by logout.
func (c *Coordinator) Reset() {
	c.apply(func() State {
		c.notice = ""
		c.ignoreRemoteUntil = time.Time{}
		return StateNoIdentity
	})
}

// IdentifierProvided records that an identifier is known but its key
// material is not yet available.
func (c *Coordinator) IdentifierProvided() {
	c.apply(func() State {
		c.notice = ""
		return StateNeedsSecret
	})
}

// BeginLoading marks the fetch-and-decrypt of the player identity.
func (c *Coordinator) BeginLoading() {
	c.apply(func() State { return StateLoading })
}

// LoadSucceeded means keys are derived; the device becomes a passive reader.
func (c *Coordinator) LoadSucceeded() {
	c.apply(func() State {
		c.notice = ""
		return StateIdle
	})
}

// NeedsSetup means the relays answered and no identity envelope exists yet.
func (c *Coordinator) NeedsSetup() {
	c.apply(func() State { return StateNeedsSetup })
}

// DecryptFailed means the secondary secret did not open the identity
// envelope. The caller must discard any cached secret before prompting; a
// silently kept bad value would re-block the user on the next start.
func (c *Coordinator) DecryptFailed() {
	c.apply(func() State {
		c.notice = noticeBadSecret
		return StateNeedsSecret
	})
}

// TransportFailed means the identity load hit a network failure. The entered
// secret stays valid; only a retry is needed.
func (c *Coordinator) TransportFailed() {
	c.apply(func() State {
		c.notice = noticeTransport
		return StateNeedsSecret
	})
}

// IdentityInvalid is terminal until a new identity is provisioned. Reachable
// from anywhere the identity fails to parse.
func (c *Coordinator) IdentityInvalid() {
	c.apply(func() State {
		c.notice = noticeInvalid
		return StateInvalid
	})
}

// StartSession flips idle to active. The grace deadline is armed before the
// state changes so no observer can ever see an active session without one;
// until it passes, remote events are ignored rather than read as takeovers.
func (c *Coordinator) StartSession() error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrNotIdle
	}
	c.ignoreRemoteUntil = c.now().Add(c.cfg.GraceWindow)
	fire := c.transitionLocked(StateActive)
	c.mu.Unlock()
	if fire != nil {
		fire()
	}
	return nil
}

// EnterViewMode gives up the writer role deliberately. Always permitted;
// clears any pending notice.
func (c *Coordinator) EnterViewMode() {
	c.apply(func() State {
		c.notice = ""
		if c.state == StateActive || c.state == StateStale {
			return StateIdle
		}
		return c.state
	})
}

// ObserveRemote classifies an inbound remote snapshot. Events reported
// before the grace deadline are ignored wholesale, so a device's own publish
// echoing back cannot be misread as a foreign takeover. A foreign session id
// seen while active makes this device stale and arms the takeover notice.
func (c *Coordinator) ObserveRemote(sessionID string, serverTime time.Time) RemoteOutcome {
	c.mu.Lock()
	if serverTime.Before(c.ignoreRemoteUntil) {
		c.mu.Unlock()
		return RemoteIgnored
	}
	if c.state == StateActive && sessionID != "" && sessionID != c.sessionID {
		c.notice = noticeTakeover
		fire := c.transitionLocked(StateStale)
		c.mu.Unlock()
		if fire != nil {
			fire()
		}
		return RemoteTakeover
	}
	c.mu.Unlock()
	return RemoteAccepted
}

// apply runs a state computation under the lock and fires any resulting
// hook after releasing it.
func (c *Coordinator) apply(compute func() State) {
	c.mu.Lock()
	fire := c.transitionLocked(compute())
	c.mu.Unlock()
	if fire != nil {
		fire()
	}
}

// transitionLocked moves to next and returns the hook to fire, if any.
// Entering the synced group (idle/active/stale) from outside fires
// EnterSync; leaving it fires ExitSync; movement within the group is
// silent.
func (c *Coordinator) transitionLocked(next State) func() {
	if next == "" || next == c.state {
		return nil
	}
	prev := c.state
	c.state = next
	c.transitions++

	wasSynced := isSyncedState(prev)
	nowSynced := isSyncedState(next)
	switch {
	case !wasSynced && nowSynced:
		return c.cfg.Hooks.EnterSync
	case wasSynced && !nowSynced:
		return c.cfg.Hooks.ExitSync
	}
	return nil
}

// Synced reports whether the state belongs to the group where keys are
// derived and the relay subscription should be running.
func (s State) Synced() bool {
	return isSyncedState(s)
}

func isSyncedState(s State) bool {
	return s == StateIdle || s == StateActive || s == StateStale
}
