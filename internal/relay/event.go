package relay

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"audioplayer/syncd/pkg/models"
)

// Addressable slots. Relays replace the stored event per (author, slot), so
// each slot always holds at most the latest envelope.
const (
	SlotIdentity = "net.audioplayer.sync.identity"
	SlotHistory  = "net.audioplayer.sync.history"
)

// EventKind is the addressable application-data kind.
const EventKind = nostr.KindApplicationSpecificData

// NewSlotEvent builds and signs a replaceable event carrying env in its
// content, addressed to slot.
func NewSlotEvent(privHex, slot string, env models.RelayEnvelope, at time.Time) (nostr.Event, error) {
	content, err := json.Marshal(env)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("encode envelope: %w", err)
	}
	ev := nostr.Event{
		Kind:      EventKind,
		CreatedAt: nostr.Timestamp(at.Unix()),
		Tags:      nostr.Tags{{"d", slot}},
		Content:   string(content),
	}
	if err := ev.Sign(privHex); err != nil {
		return nostr.Event{}, fmt.Errorf("sign event: %w", err)
	}
	return ev, nil
}

// DecodeEnvelope parses an event's content as a relay envelope.
func DecodeEnvelope(ev *nostr.Event) (models.RelayEnvelope, error) {
	var env models.RelayEnvelope
	if err := json.Unmarshal([]byte(ev.Content), &env); err != nil {
		return models.RelayEnvelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

func eventSlot(ev *nostr.Event) string {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == "d" {
			return tag[1]
		}
	}
	return ""
}

// matchesSlot filters what a relay handed back. Relays are not trusted to
// apply filters correctly, so kind, author, slot and the signature are all
// rechecked before an event is accepted.
func matchesSlot(ev *nostr.Event, author, slot string) bool {
	if ev == nil || ev.Kind != EventKind || ev.PubKey != author || eventSlot(ev) != slot {
		return false
	}
	ok, err := ev.CheckSignature()
	return err == nil && ok
}
