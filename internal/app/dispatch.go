package app

import (
	"context"
	"errors"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"audioplayer/syncd/internal/envelope"
	"audioplayer/syncd/internal/history"
	"audioplayer/syncd/internal/relay"
	"audioplayer/syncd/internal/session"
	"audioplayer/syncd/pkg/models"
)

// handleRemoteEvent is the relay subscription callback.
func (o *Orchestrator) handleRemoteEvent(ev *nostr.Event) error {
	return o.applyEvent(ev, true)
}

// loadAndMerge fetches the latest history snapshot and applies it. A nil
// event (nothing stored yet) is not an error; the local state stands.
func (o *Orchestrator) loadAndMerge(ctx context.Context) error {
	author := o.author()
	if author == "" {
		return ErrNoIdentifier
	}
	ev, err := o.relays.FetchLatest(ctx, author, relay.SlotHistory)
	switch {
	case errors.Is(err, relay.ErrCancelled):
		return err
	case err != nil:
		o.notices.Publish(NoticeLoadFailed, map[string]any{"error": err.Error()})
		return err
	}
	if ev == nil {
		return nil
	}
	return o.applyEvent(ev, true)
}

// applyEvent decodes, decrypts and merges one remote snapshot. With observe
// set, the session coordinator sees the event first and may ignore it (grace
// window) or flip this device to stale (takeover). The takeover pull in
// StartSession applies without observing so the snapshot it is about to
// replace cannot demote the new writer.
func (o *Orchestrator) applyEvent(ev *nostr.Event, observe bool) error {
	env, err := relay.DecodeEnvelope(ev)
	if err != nil {
		return err
	}
	keys := o.keysRef()
	if keys == nil {
		return errKeysUnavailable
	}
	snap, err := envelope.Open(env, keys)
	if err != nil {
		o.notices.Publish(NoticeCorruptRemote, map[string]any{"error": err.Error()})
		return err
	}

	o.mu.Lock()
	stale := snap.Timestamp <= o.lastApplied
	o.mu.Unlock()
	if stale {
		return nil
	}

	if observe {
		switch o.coord.ObserveRemote(snap.SessionID, ev.CreatedAt.Time()) {
		case session.RemoteIgnored:
			return nil
		case session.RemoteTakeover:
			o.noteState()
			o.notices.Publish(NoticeTakeover, map[string]any{
				"sessionId": snap.SessionID,
			})
		}
	}

	o.mu.Lock()
	if snap.Timestamp <= o.lastApplied {
		o.mu.Unlock()
		return nil
	}
	res := history.Merge(o.entries, snap.Entries)
	o.entries = res.Merged
	o.lastApplied = snap.Timestamp
	merged := models.CloneEntries(res.Merged)
	o.mu.Unlock()

	if err := o.cache.SetHistory(models.HistorySnapshot{
		Entries:   merged,
		Timestamp: snap.Timestamp,
		SessionID: snap.SessionID,
	}); err != nil {
		o.logger.Warn("history cache write failed", "error", err)
	}
	o.notices.Publish(NoticeHistoryUpdated, map[string]any{
		"entries": len(merged),
		"added":   res.AddedFromRemote,
	})
	return nil
}

// schedulePublish arms or re-arms the debounce timer. Every further
// playback mutation pushes the deadline out again.
func (o *Orchestrator) schedulePublish() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	if o.debounce != nil {
		o.debounce.Reset(o.cfg.Debounce)
		return
	}
	o.debounce = time.AfterFunc(o.cfg.Debounce, o.debouncedPublish)
}

// debouncedPublish runs when playback has been quiet for the debounce
// window. Failures here are logged, never surfaced; the next mutation
// schedules another attempt.
func (o *Orchestrator) debouncedPublish() {
	o.mu.Lock()
	o.debounce = nil
	closed := o.closed
	o.mu.Unlock()
	if closed || !o.coord.CanPublish() {
		return
	}
	if err := o.publishSnapshot(o.baseCtx, false); err != nil {
		o.logger.Warn("debounced publish failed", "error", err)
	}
}

// publishSnapshot seals the current history under the root keys and fans it
// out to the relays. Overlapping attempts collapse into the one in flight.
// Unforced publishes respect the rate limiter and retry after another
// debounce window when over budget.
func (o *Orchestrator) publishSnapshot(ctx context.Context, force bool) error {
	o.mu.Lock()
	if o.pendingPublish {
		o.mu.Unlock()
		return nil
	}
	keys := o.keys
	if keys == nil {
		o.mu.Unlock()
		return errKeysUnavailable
	}
	o.pendingPublish = true
	entries := models.CloneEntries(o.entries)
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.pendingPublish = false
		o.mu.Unlock()
	}()

	if !force && !o.limiter.Allow() {
		o.logger.Debug("publish deferred by rate limit")
		o.schedulePublish()
		return nil
	}

	now := o.now()
	sid := o.coord.SessionID()
	env, err := envelope.Seal(models.HistorySnapshot{Entries: entries}, keys.PublicKeyHex, sid, now)
	if err != nil {
		return err
	}
	ev, err := relay.NewSlotEvent(keys.PrivateKeyHex(), relay.SlotHistory, env, now)
	if err != nil {
		return err
	}

	pctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := o.relays.Publish(pctx, ev); err != nil {
		return err
	}

	ts := now.UnixMilli()
	o.mu.Lock()
	if ts > o.lastApplied {
		o.lastApplied = ts
	}
	persisted := models.CloneEntries(o.entries)
	o.mu.Unlock()
	if err := o.cache.SetHistory(models.HistorySnapshot{
		Entries:   persisted,
		Timestamp: ts,
		SessionID: sid,
	}); err != nil {
		o.logger.Warn("history cache write failed", "error", err)
	}
	return nil
}
