package models

import (
	"fmt"
	"math"
	"strings"
)

// MaxEntries caps the number of entries carried in one history snapshot.
// Producers drop the oldest entries first when the cap is exceeded.
const MaxEntries = 500

// EnvelopeVersion is the wire format version of RelayEnvelope.
const EnvelopeVersion = 1

// HistoryEntry is one played item. Within a snapshot entries are keyed by
// URL; LastPlayedAt stays a string on the wire because peers may ship
// timestamps this device cannot parse (the merge treats those as oldest).
type HistoryEntry struct {
	URL          string   `json:"url"`
	Title        string   `json:"title,omitempty"`
	LastPlayedAt string   `json:"lastPlayedAt"`
	Position     float64  `json:"position"`
	Gain         *float64 `json:"gain,omitempty"`
}

// HistorySnapshot is the unit of publication and of local caching:
// most-recent-first entries, the writer's wall clock in unix milliseconds,
// and the session id of the device that produced it (empty for writers that
// never claim a session, such as the web setup surface).
type HistorySnapshot struct {
	Entries   []HistoryEntry `json:"history"`
	Timestamp int64          `json:"timestamp"`
	SessionID string         `json:"sessionId,omitempty"`
}

// RelayEnvelope is the encrypted wire form stored on relays. The same shape
// carries both the history slot and the player-identity slot.
type RelayEnvelope struct {
	Version         int    `json:"v"`
	EphemeralPubKey string `json:"ephemeralPubKey"`
	Ciphertext      string `json:"ciphertext"`
}

func ValidateEntry(e HistoryEntry) error {
	if strings.TrimSpace(e.URL) == "" {
		return fmt.Errorf("entry url is empty")
	}
	if math.IsNaN(e.Position) || math.IsInf(e.Position, 0) || e.Position < 0 {
		return fmt.Errorf("entry %q has invalid position %v", e.URL, e.Position)
	}
	if e.Gain != nil {
		g := *e.Gain
		if math.IsNaN(g) || g < 0 || g > 1 {
			return fmt.Errorf("entry %q has gain %v outside [0,1]", e.URL, g)
		}
	}
	return nil
}

// ValidateSnapshot enforces the canonical snapshot shape: well-formed
// entries, URLs unique within the snapshot, non-negative timestamp.
func ValidateSnapshot(s HistorySnapshot) error {
	if s.Timestamp < 0 {
		return fmt.Errorf("snapshot timestamp %d is negative", s.Timestamp)
	}
	seen := make(map[string]struct{}, len(s.Entries))
	for _, e := range s.Entries {
		if err := ValidateEntry(e); err != nil {
			return err
		}
		if _, dup := seen[e.URL]; dup {
			return fmt.Errorf("duplicate entry url %q", e.URL)
		}
		seen[e.URL] = struct{}{}
	}
	return nil
}

func CloneEntries(in []HistoryEntry) []HistoryEntry {
	if in == nil {
		return nil
	}
	out := make([]HistoryEntry, len(in))
	copy(out, in)
	for i := range out {
		if out[i].Gain != nil {
			g := *out[i].Gain
			out[i].Gain = &g
		}
	}
	return out
}

func CloneSnapshot(s HistorySnapshot) HistorySnapshot {
	s.Entries = CloneEntries(s.Entries)
	return s
}
