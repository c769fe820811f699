package history

import (
	"fmt"
	"reflect"
	"testing"

	"audioplayer/syncd/pkg/models"
)

func entry(url, playedAt string, position float64) models.HistoryEntry {
	return models.HistoryEntry{URL: url, LastPlayedAt: playedAt, Position: position}
}

func TestMergeLocalPositionWinsWhenStrictlyNewer(t *testing.T) {
	gain := 0.8
	local := []models.HistoryEntry{entry("x", "2024-03-02T10:00:00Z", 90)}
	remote := []models.HistoryEntry{{
		URL:          "x",
		Title:        "Remote Title",
		LastPlayedAt: "2024-03-01T10:00:00Z",
		Position:     10,
		Gain:         &gain,
	}}

	result := Merge(local, remote)
	if len(result.Merged) != 1 {
		t.Fatalf("merged length = %d, want 1", len(result.Merged))
	}
	got := result.Merged[0]
	if got.Position != 90 {
		t.Fatalf("position = %v, want 90", got.Position)
	}
	if got.LastPlayedAt != "2024-03-02T10:00:00Z" {
		t.Fatalf("lastPlayedAt = %q, want local timestamp", got.LastPlayedAt)
	}
	if got.Title != "Remote Title" {
		t.Fatalf("title = %q, want remote title", got.Title)
	}
	if got.Gain == nil || *got.Gain != 0.8 {
		t.Fatalf("gain = %v, want remote gain 0.8", got.Gain)
	}
	if result.AddedFromRemote != 0 {
		t.Fatalf("addedFromRemote = %d, want 0", result.AddedFromRemote)
	}
}

func TestMergeRemoteWinsWhenNotStrictlyNewer(t *testing.T) {
	cases := []struct {
		name    string
		localAt string
	}{
		{"older_local", "2024-03-01T09:00:00Z"},
		{"equal_timestamps", "2024-03-01T10:00:00Z"},
		{"unparsable_local", "not-a-timestamp"},
		{"empty_local", ""},
	}
	remote := []models.HistoryEntry{entry("x", "2024-03-01T10:00:00Z", 10)}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			local := []models.HistoryEntry{entry("x", tc.localAt, 90)}
			result := Merge(local, remote)
			if got := result.Merged[0]; got.Position != 10 || got.LastPlayedAt != "2024-03-01T10:00:00Z" {
				t.Fatalf("merged = %+v, want remote entry unmodified", got)
			}
		})
	}
}

func TestMergeUnparsableRemoteLosesToParsableLocal(t *testing.T) {
	local := []models.HistoryEntry{entry("x", "2024-03-01T10:00:00Z", 42)}
	remote := []models.HistoryEntry{entry("x", "garbage", 10)}
	result := Merge(local, remote)
	if got := result.Merged[0]; got.Position != 42 {
		t.Fatalf("position = %v, want local 42", got.Position)
	}
}

func TestMergeBothUnparsableKeepsRemote(t *testing.T) {
	local := []models.HistoryEntry{entry("x", "bad", 90)}
	remote := []models.HistoryEntry{entry("x", "also bad", 10)}
	if got := Merge(local, remote).Merged[0]; got.Position != 10 {
		t.Fatalf("position = %v, want remote 10", got.Position)
	}
}

func TestMergeCountsRemoteOnlyEntriesOnce(t *testing.T) {
	local := []models.HistoryEntry{entry("a", "2024-03-01T10:00:00Z", 5)}
	remote := []models.HistoryEntry{
		entry("a", "2024-03-01T11:00:00Z", 6),
		entry("b", "2024-03-01T09:00:00Z", 7),
		entry("c", "2024-03-01T08:00:00Z", 8),
	}
	result := Merge(local, remote)
	if result.AddedFromRemote != 2 {
		t.Fatalf("addedFromRemote = %d, want 2", result.AddedFromRemote)
	}
	if !reflect.DeepEqual(result.Merged[1], remote[1]) || !reflect.DeepEqual(result.Merged[2], remote[2]) {
		t.Fatal("remote-only entries were modified")
	}
}

func TestMergeDropsLocalOnlyEntries(t *testing.T) {
	local := []models.HistoryEntry{
		entry("local-only", "2024-03-01T10:00:00Z", 5),
		entry("shared", "2024-03-01T10:00:00Z", 5),
	}
	remote := []models.HistoryEntry{entry("shared", "2024-03-02T10:00:00Z", 6)}
	result := Merge(local, remote)
	if len(result.Merged) != 1 || result.Merged[0].URL != "shared" {
		t.Fatalf("merged = %+v, want only the shared entry", result.Merged)
	}
}

func TestMergePreservesRemoteOrdering(t *testing.T) {
	remote := []models.HistoryEntry{
		entry("c", "2024-03-03T10:00:00Z", 1),
		entry("a", "2024-03-02T10:00:00Z", 2),
		entry("b", "2024-03-01T10:00:00Z", 3),
	}
	result := Merge(nil, remote)
	for i, want := range []string{"c", "a", "b"} {
		if result.Merged[i].URL != want {
			t.Fatalf("merged[%d] = %q, want %q", i, result.Merged[i].URL, want)
		}
	}
	if result.AddedFromRemote != 3 {
		t.Fatalf("addedFromRemote = %d, want 3", result.AddedFromRemote)
	}
}

func TestMergeIdempotent(t *testing.T) {
	local := []models.HistoryEntry{
		entry("x", "2024-03-02T10:00:00Z", 90),
		entry("y", "2024-02-01T10:00:00Z", 3),
		entry("local-only", "2024-03-05T10:00:00Z", 1),
	}
	remote := []models.HistoryEntry{
		entry("x", "2024-03-01T10:00:00Z", 10),
		entry("y", "2024-02-02T10:00:00Z", 4),
		entry("z", "2024-01-01T10:00:00Z", 5),
	}

	first := Merge(local, remote)
	second := Merge(first.Merged, remote)
	if !reflect.DeepEqual(first.Merged, second.Merged) {
		t.Fatalf("second merge diverged:\nfirst:  %+v\nsecond: %+v", first.Merged, second.Merged)
	}
}

func TestMergeEmptyRemoteDropsEverything(t *testing.T) {
	local := []models.HistoryEntry{entry("a", "2024-03-01T10:00:00Z", 5)}
	result := Merge(local, nil)
	if len(result.Merged) != 0 || result.AddedFromRemote != 0 {
		t.Fatalf("result = %+v, want empty", result)
	}
}

func TestMergeDoesNotAliasInputs(t *testing.T) {
	gain := 0.5
	remote := []models.HistoryEntry{{URL: "x", LastPlayedAt: "2024-03-01T10:00:00Z", Position: 1, Gain: &gain}}
	result := Merge(nil, remote)
	*result.Merged[0].Gain = 0.9
	result.Merged[0].Position = 99
	if *remote[0].Gain != 0.5 || remote[0].Position != 1 {
		t.Fatal("merge result aliases remote input")
	}
}

func TestTouchUpsertsMostRecentFirst(t *testing.T) {
	entries := []models.HistoryEntry{
		entry("b", "2024-03-02T10:00:00Z", 2),
		entry("a", "2024-03-01T10:00:00Z", 1),
	}
	updated := Touch(entries, entry("a", "2024-03-03T10:00:00Z", 50))
	if len(updated) != 2 {
		t.Fatalf("length = %d, want 2", len(updated))
	}
	if updated[0].URL != "a" || updated[0].Position != 50 {
		t.Fatalf("front = %+v, want refreshed entry a", updated[0])
	}
	if updated[1].URL != "b" {
		t.Fatalf("second = %q, want b", updated[1].URL)
	}

	grown := Touch(updated, entry("c", "2024-03-04T10:00:00Z", 7))
	if grown[0].URL != "c" || len(grown) != 3 {
		t.Fatalf("grown = %+v, want c prepended", grown)
	}
}

func TestTouchRespectsCap(t *testing.T) {
	entries := make([]models.HistoryEntry, 0, models.MaxEntries)
	for i := 0; i < models.MaxEntries; i++ {
		entries = append(entries, entry(fmt.Sprintf("u%d", i), "2024-03-01T10:00:00Z", float64(i)))
	}
	updated := Touch(entries, entry("fresh", "2024-03-02T10:00:00Z", 0))
	if len(updated) != models.MaxEntries {
		t.Fatalf("length = %d, want cap %d", len(updated), models.MaxEntries)
	}
	if updated[0].URL != "fresh" {
		t.Fatalf("front = %q, want fresh", updated[0].URL)
	}
	if last := updated[len(updated)-1].URL; last != fmt.Sprintf("u%d", models.MaxEntries-2) {
		t.Fatalf("oldest kept = %q, want u%d", last, models.MaxEntries-2)
	}
}

func TestTrimDropsOldest(t *testing.T) {
	entries := make([]models.HistoryEntry, 0, models.MaxEntries+10)
	for i := 0; i < models.MaxEntries+10; i++ {
		entries = append(entries, entry(fmt.Sprintf("u%d", i), "2024-03-01T10:00:00Z", 0))
	}
	trimmed := Trim(entries)
	if len(trimmed) != models.MaxEntries {
		t.Fatalf("length = %d, want %d", len(trimmed), models.MaxEntries)
	}
	if trimmed[0].URL != "u0" {
		t.Fatalf("front = %q, want u0", trimmed[0].URL)
	}
	short := []models.HistoryEntry{entry("only", "2024-03-01T10:00:00Z", 0)}
	if got := Trim(short); len(got) != 1 {
		t.Fatalf("short list trimmed to %d", len(got))
	}
}
