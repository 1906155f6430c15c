package rewrite

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vysti/revise/internal/storage"
)

// Snapshot is the persisted revision-practice state for one file: every
// rewrite slot plus the label the student was working on. The mark event id
// pins it to a marking run; a snapshot from a superseded run is discarded
// on restore.
type Snapshot struct {
	MarkEventID   string          `json:"mark_event_id"`
	SelectedLabel string          `json:"selected_label,omitempty"`
	Entries       []SnapshotEntry `json:"entries"`
}

type SnapshotEntry struct {
	Label          string `json:"label"`
	ParagraphIndex int    `json:"paragraph_index"`
	Sentence       string `json:"sentence"`
	Draft          string `json:"draft,omitempty"`
	Approved       string `json:"approved,omitempty"`
	Applied        bool   `json:"applied,omitempty"`
}

// PracticeKey builds the storage key for a (user, file) pair.
func PracticeKey(userID, fileName string) string {
	return "vysti_revision_practice_" + userID + "_" + fileName
}

// SaveSnapshot persists the engine's current state.
func (e *Engine) SaveSnapshot(store *storage.Store, userID, fileName, markEventID, selectedLabel string) error {
	snap := Snapshot{MarkEventID: markEventID, SelectedLabel: selectedLabel}

	e.mu.Lock()
	for key, entry := range e.entries {
		if entry.Draft == "" && entry.Approved == "" && !entry.Applied {
			continue
		}
		snap.Entries = append(snap.Entries, SnapshotEntry{
			Label:          key.Label,
			ParagraphIndex: key.ParagraphIndex,
			Sentence:       key.Sentence,
			Draft:          entry.Draft,
			Approved:       entry.Approved,
			Applied:        entry.Applied,
		})
	}
	e.mu.Unlock()

	encoded, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding practice snapshot: %w", err)
	}
	return store.SetValue(PracticeKey(userID, fileName), string(encoded))
}

// RestoreSnapshot loads persisted practice state into the engine. A
// snapshot recorded against a different mark event is deleted instead of
// restored. Returns the selected label to re-establish and whether anything
// was restored.
func (e *Engine) RestoreSnapshot(store *storage.Store, userID, fileName, markEventID string) (string, bool, error) {
	key := PracticeKey(userID, fileName)
	raw, err := store.GetValue(key)
	if errors.Is(err, storage.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("loading practice snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return "", false, fmt.Errorf("decoding practice snapshot: %w", err)
	}
	if snap.MarkEventID != markEventID {
		if err := store.DeleteValue(key); err != nil {
			e.logger.Warn("deleting stale practice snapshot", "error", err)
		}
		return "", false, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, se := range snap.Entries {
		entry := e.entryLocked(Key{Label: se.Label, ParagraphIndex: se.ParagraphIndex, Sentence: se.Sentence})
		entry.Draft = se.Draft
		entry.Approved = se.Approved
		entry.Applied = se.Applied
		switch {
		case se.Applied:
			entry.Status = StatusApplied
		case se.Approved != "":
			entry.Status = StatusApproved
		default:
			entry.Status = StatusIdle
		}
	}
	return snap.SelectedLabel, true, nil
}
