// Package history holds the pure snapshot logic: reconciling a local and a
// remote entry list, and maintaining the capped most-recent-first order.
package history

import (
	"time"

	"audioplayer/syncd/pkg/models"
)

// MergeResult is the outcome of reconciling local entries against a remote
// snapshot.
type MergeResult struct {
	Merged          []models.HistoryEntry
	AddedFromRemote int
}

// Merge reconciles local playback entries with a remote snapshot. Remote is
// authoritative for the entry set, its ordering, titles and gain; entries
// present only locally are dropped (a device that wants them kept must have
// published them already). The one thing local can win is playback progress:
// when the local entry's lastPlayedAt is strictly newer than remote's, the
// merged entry carries the local position and timestamp, since that device
// has simply played further than what was last published. Unparsable
// timestamps never win a comparison. Merging the result against the same
// remote again changes nothing.
func Merge(local, remote []models.HistoryEntry) MergeResult {
	locals := make(map[string]models.HistoryEntry, len(local))
	for _, entry := range local {
		// Most-recent-first order: the first occurrence of a URL is the
		// freshest one.
		if _, ok := locals[entry.URL]; !ok {
			locals[entry.URL] = entry
		}
	}

	result := MergeResult{Merged: make([]models.HistoryEntry, 0, len(remote))}
	for _, remoteEntry := range models.CloneEntries(remote) {
		localEntry, known := locals[remoteEntry.URL]
		if !known {
			result.AddedFromRemote++
			result.Merged = append(result.Merged, remoteEntry)
			continue
		}
		localAt, localOK := parsePlayedAt(localEntry.LastPlayedAt)
		remoteAt, remoteOK := parsePlayedAt(remoteEntry.LastPlayedAt)
		if localOK && (!remoteOK || localAt.After(remoteAt)) {
			remoteEntry.Position = localEntry.Position
			remoteEntry.LastPlayedAt = localEntry.LastPlayedAt
		}
		result.Merged = append(result.Merged, remoteEntry)
	}
	return result
}

// parsePlayedAt parses an entry timestamp. The wire format is RFC 3339;
// anything else ranks below every parsable time.
func parsePlayedAt(value string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
