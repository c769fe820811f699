package app

import (
	"context"
	"errors"

	"audioplayer/syncd/internal/envelope"
	"audioplayer/syncd/internal/history"
	"audioplayer/syncd/internal/identity"
	"audioplayer/syncd/internal/relay"
	"audioplayer/syncd/pkg/models"
)

// Start restores cached state after a process restart: local history, the
// account identifier and, when a valid secret is cached, the full identity
// unlock. Transport failures during the unlock do not fail Start; they are
// reflected in the session state.
func (o *Orchestrator) Start(ctx context.Context) error {
	snap, err := o.cache.History()
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.entries = snap.Entries
	o.lastApplied = snap.Timestamp
	o.mu.Unlock()

	npub, err := o.cache.Identifier()
	if err != nil {
		return err
	}
	if npub == "" {
		return nil
	}
	pubHex, err := identity.DecodeUserPublicKey(npub)
	if err != nil {
		o.logger.Warn("cached identifier is unusable", "error", err)
		return nil
	}
	o.setAuthor(pubHex)
	o.coord.IdentifierProvided()
	o.noteState()

	secret, err := o.cache.SecondarySecret()
	if err != nil {
		return err
	}
	if secret == "" || !identity.ValidateSecondarySecret(secret) {
		return nil
	}
	if err := o.unlock(ctx, secret); err != nil {
		o.logger.Warn("startup unlock did not complete", "error", err)
	}
	return nil
}

// SetIdentifier accepts the account npub, persists it and, when a valid
// secret is already cached, immediately attempts the identity unlock.
// Switching to a different identifier discards all state of the old one.
func (o *Orchestrator) SetIdentifier(ctx context.Context, npub string) error {
	pubHex, err := identity.DecodeUserPublicKey(npub)
	if err != nil {
		return err
	}
	canonical, err := identity.EncodeUserPublicKey(pubHex)
	if err != nil {
		return err
	}

	if prev := o.author(); prev != "" && prev != pubHex {
		if err := o.Logout(); err != nil {
			return err
		}
	}
	if err := o.cache.SetIdentifier(canonical); err != nil {
		return err
	}
	o.setAuthor(pubHex)
	o.coord.IdentifierProvided()
	o.noteState()

	secret, err := o.cache.SecondarySecret()
	if err != nil {
		return err
	}
	if secret == "" || !identity.ValidateSecondarySecret(secret) {
		return nil
	}
	return o.unlock(ctx, secret)
}

// ProvideSecret validates and caches the secondary secret, then runs the
// identity unlock against the relays.
func (o *Orchestrator) ProvideSecret(ctx context.Context, secret string) error {
	if !identity.ValidateSecondarySecret(secret) {
		return identity.ErrInvalidFormat
	}
	if o.author() == "" {
		return ErrNoIdentifier
	}
	if err := o.cache.SetSecondarySecret(secret); err != nil {
		return err
	}
	return o.unlock(ctx, secret)
}

// unlock fetches the identity envelope, decrypts it with the secret-derived
// keys, derives the root keys and finishes with an initial history load.
func (o *Orchestrator) unlock(ctx context.Context, secret string) error {
	o.coord.BeginLoading()
	o.noteState()

	secretKeys, err := identity.DeriveSecretKeys(secret)
	if err != nil {
		_ = o.cache.ClearSecondarySecret()
		o.coord.DecryptFailed()
		o.noteState()
		return err
	}
	defer secretKeys.Wipe()

	author := o.author()
	ev, err := o.relays.FetchLatest(ctx, author, relay.SlotIdentity)
	switch {
	case errors.Is(err, relay.ErrCancelled):
		o.coord.IdentifierProvided()
		o.noteState()
		return err
	case err != nil:
		o.coord.TransportFailed()
		o.noteState()
		return err
	}
	if ev == nil {
		o.coord.NeedsSetup()
		o.noteState()
		return nil
	}

	env, err := relay.DecodeEnvelope(ev)
	if err != nil {
		o.coord.IdentityInvalid()
		o.noteState()
		return err
	}
	pi, err := envelope.OpenIdentity(env, secretKeys)
	switch {
	case errors.Is(err, envelope.ErrDecryptionFailed):
		_ = o.cache.ClearSecondarySecret()
		o.coord.DecryptFailed()
		o.noteState()
		return err
	case err != nil:
		o.coord.IdentityInvalid()
		o.noteState()
		return err
	}
	defer pi.Wipe()

	keys, err := identity.DeriveRootKeys(pi)
	if err != nil {
		o.coord.IdentityInvalid()
		o.noteState()
		return err
	}
	if keys.PublicKeyHex != author {
		keys.Wipe()
		o.coord.IdentityInvalid()
		o.noteState()
		return ErrIdentityMismatch
	}
	o.setKeys(keys)
	o.coord.LoadSucceeded()
	o.noteState()

	if err := o.loadAndMerge(ctx); err != nil && !errors.Is(err, relay.ErrCancelled) {
		o.logger.Warn("initial history load failed", "error", err)
	}
	return nil
}

// RecordPlayback folds a playback event into the local snapshot and, while
// this device holds the session, schedules a debounced publish.
func (o *Orchestrator) RecordPlayback(entry models.HistoryEntry) error {
	if err := models.ValidateEntry(entry); err != nil {
		return err
	}
	o.mu.Lock()
	o.entries = history.Touch(o.entries, entry)
	entries := models.CloneEntries(o.entries)
	ts := o.lastApplied
	o.mu.Unlock()

	if err := o.cache.SetHistory(models.HistorySnapshot{
		Entries:   entries,
		Timestamp: ts,
		SessionID: o.coord.SessionID(),
	}); err != nil {
		o.logger.Warn("history cache write failed", "error", err)
	}
	if o.coord.CanPublish() {
		o.schedulePublish()
	}
	return nil
}

// StartSession claims the writer role: it arms the takeover grace window,
// refreshes from the relays and republishes the merged history tagged with
// this device's session id. A failed publish rolls the device back to a
// passive reader.
func (o *Orchestrator) StartSession(ctx context.Context) error {
	if err := o.coord.StartSession(); err != nil {
		return err
	}
	o.noteState()

	ev, err := o.relays.FetchLatest(ctx, o.author(), relay.SlotHistory)
	switch {
	case errors.Is(err, relay.ErrCancelled):
		o.coord.EnterViewMode()
		o.noteState()
		return err
	case err != nil:
		o.logger.Warn("takeover load failed, publishing local state", "error", err)
	case ev != nil:
		if err := o.applyEvent(ev, false); err != nil {
			o.logger.Warn("takeover merge failed", "error", err)
		}
	}

	if err := o.publishSnapshot(ctx, true); err != nil {
		o.coord.EnterViewMode()
		o.noteState()
		o.notices.Publish(NoticePublishFailed, map[string]any{"error": err.Error()})
		return err
	}
	return nil
}

// EnterViewMode steps down to a passive reader and drops any pending
// debounced publish.
func (o *Orchestrator) EnterViewMode() {
	o.mu.Lock()
	if o.debounce != nil {
		o.debounce.Stop()
		o.debounce = nil
	}
	o.mu.Unlock()
	o.coord.EnterViewMode()
	o.noteState()
}

// OnForeground rebuilds relay connections after the app resumes and pulls
// whatever was published while it was backgrounded. It never publishes.
func (o *Orchestrator) OnForeground(ctx context.Context) error {
	if o.author() == "" {
		return nil
	}
	o.relays.Reset()
	o.restartSubscription()
	if !o.coord.State().Synced() {
		return nil
	}
	if err := o.loadAndMerge(ctx); err != nil && !errors.Is(err, relay.ErrCancelled) {
		return err
	}
	return nil
}

// Logout wipes key material, clears the cache and returns the session to
// its initial state.
func (o *Orchestrator) Logout() error {
	o.coord.Reset()
	o.noteState()

	o.mu.Lock()
	if o.debounce != nil {
		o.debounce.Stop()
		o.debounce = nil
	}
	keys := o.keys
	o.keys = nil
	o.authorHex = ""
	o.entries = nil
	o.lastApplied = 0
	o.pendingPublish = false
	o.mu.Unlock()

	keys.Wipe()
	return o.cache.Clear()
}

func (o *Orchestrator) setAuthor(pubHex string) {
	o.mu.Lock()
	o.authorHex = pubHex
	o.mu.Unlock()
}

func (o *Orchestrator) setKeys(keys *identity.KeyPair) {
	o.mu.Lock()
	prev := o.keys
	o.keys = keys
	o.mu.Unlock()
	prev.Wipe()
}
