package rpc

import (
	"encoding/json"
	"errors"

	"audioplayer/syncd/pkg/models"
)

var errInvalidParams = errors.New("invalid params")

// historyEntryParam mirrors models.HistoryEntry for wire decoding. The
// orchestrator validates the values; decoding only cares about shape.
type historyEntryParam struct {
	URL          string   `json:"url"`
	Title        string   `json:"title"`
	LastPlayedAt string   `json:"lastPlayedAt"`
	Position     float64  `json:"position"`
	Gain         *float64 `json:"gain"`
}

func (p historyEntryParam) toModel() models.HistoryEntry {
	return models.HistoryEntry{
		URL:          p.URL,
		Title:        p.Title,
		LastPlayedAt: p.LastPlayedAt,
		Position:     p.Position,
		Gain:         p.Gain,
	}
}

func decodeSingleStringParam(raw json.RawMessage) (string, error) {
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil && len(arr) == 1 && arr[0] != "" {
		return arr[0], nil
	}
	return "", errInvalidParams
}

func decodeEntryParam(raw json.RawMessage) (historyEntryParam, error) {
	// Preferred shape: [ { ...entry } ]
	var arr []historyEntryParam
	if err := json.Unmarshal(raw, &arr); err == nil && len(arr) == 1 && arr[0].URL != "" {
		return arr[0], nil
	}

	// Alternative shape: { "entry": { ... } }
	var wrapper struct {
		Entry historyEntryParam `json:"entry"`
	}
	if err := json.Unmarshal(raw, &wrapper); err == nil && wrapper.Entry.URL != "" {
		return wrapper.Entry, nil
	}

	return historyEntryParam{}, errInvalidParams
}
