package history

import "audioplayer/syncd/pkg/models"

// Touch upserts entry at the front of the list. An existing entry with the
// same URL is replaced and moved forward; the result stays within the
// snapshot cap. Inputs are never mutated.
func Touch(entries []models.HistoryEntry, entry models.HistoryEntry) []models.HistoryEntry {
	merged := make([]models.HistoryEntry, 0, len(entries)+1)
	merged = append(merged, entry)
	for _, existing := range entries {
		if existing.URL != entry.URL {
			merged = append(merged, existing)
		}
	}
	return Trim(models.CloneEntries(merged))
}

// Trim caps the list at models.MaxEntries. The list is most-recent-first,
// so trimming drops the oldest entries.
func Trim(entries []models.HistoryEntry) []models.HistoryEntry {
	if len(entries) <= models.MaxEntries {
		return entries
	}
	return entries[:models.MaxEntries:models.MaxEntries]
}
