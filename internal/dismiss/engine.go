package dismiss

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vysti/revise/internal/backend"
	"github.com/vysti/revise/internal/issues"
	"github.com/vysti/revise/internal/marking"
	"github.com/vysti/revise/internal/preview"
	"github.com/vysti/revise/internal/storage"
)

// Reason is why the student dismissed an issue.
type Reason string

const (
	ReasonNoIssue         Reason = "no_issue"
	ReasonUnableToRepair  Reason = "unable_to_repair"
	ReasonUnclearGuidance Reason = "unclear_guidance"
	ReasonOther           Reason = "other"
)

const maxOtherText = 280

// FeedbackJobType names the queue job that delivers dismissal feedback to
// the backend.
const FeedbackJobType = "dismiss_feedback"

// Record is one dismissal, persisted per mark run.
type Record struct {
	Label          string    `json:"label"`
	Sentence       string    `json:"sentence"`
	ParagraphIndex int       `json:"paragraph_index"`
	FileName       string    `json:"file_name"`
	CreatedAt      time.Time `json:"created_at"`
	Reason         Reason    `json:"reason"`
	OtherText      string    `json:"other_text,omitempty"`
}

// Result reports a dismissal outcome. The record is authoritative; the
// preview scrub is best effort and its failure rides along here instead of
// rolling anything back.
type Result struct {
	Record   Record
	ScrubErr error
}

// Engine records dismissals, keeps them persisted per mark run, scrubs the
// preview, and queues best-effort feedback delivery.
type Engine struct {
	store        *storage.Store
	model        *issues.Model
	previewStore *preview.Store
	logger       *slog.Logger
	now          func() time.Time

	mu          sync.Mutex
	userID      string
	fileName    string
	mode        string
	markEventID string
	records     []Record
}

func NewEngine(store *storage.Store, model *issues.Model, previewStore *preview.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:        store,
		model:        model,
		previewStore: previewStore,
		logger:       logger,
		now:          time.Now,
	}
}

// BeginSession scopes the engine to a user, file, and mode, and loads any
// dismissals already persisted for that file.
func (e *Engine) BeginSession(userID, fileName, mode string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.userID = userID
	e.fileName = fileName
	e.mode = mode
	e.markEventID = ""
	return e.loadRecordsLocked()
}

// SetMarkEventID switches persistence to the event-scoped key once the mark
// event id is known.
func (e *Engine) SetMarkEventID(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.markEventID = id
	return e.loadRecordsLocked()
}

func (e *Engine) storageKeyLocked() string {
	if e.markEventID != "" {
		return "vysti_dismissed__mark_" + e.markEventID
	}
	return "vysti_dismissed__file_" + e.fileName
}

func noAskKey(label string) string {
	return "vysti_dismiss_noask_v1__" + slug(label)
}

// slug flattens a label into a storage-safe key fragment.
func slug(label string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(label) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func (e *Engine) loadRecordsLocked() error {
	e.records = nil
	raw, err := e.store.GetValue(e.storageKeyLocked())
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading dismissals: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &e.records); err != nil {
		return fmt.Errorf("decoding dismissals: %w", err)
	}
	return nil
}

// Records returns the dismissals for the current persistence key.
func (e *Engine) Records() []Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Record(nil), e.records...)
}

// CountsForFile returns per-label dismissal counts attributable to the
// current file, the adjustment baseline for effective issue counts.
func (e *Engine) CountsForFile() map[string]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	counts := map[string]int{}
	for _, rec := range e.records {
		if rec.FileName == e.fileName {
			counts[rec.Label]++
		}
	}
	return counts
}

// noAskPref is the persisted do-not-ask-again choice for one label.
type noAskPref struct {
	Reason    Reason `json:"reason"`
	OtherText string `json:"other_text,omitempty"`
}

// SavedReason returns the do-not-ask-again reason stored for a label.
func (e *Engine) SavedReason(label string) (Reason, string, bool) {
	raw, err := e.store.GetValue(noAskKey(label))
	if err != nil {
		return "", "", false
	}
	var pref noAskPref
	if err := json.Unmarshal([]byte(raw), &pref); err != nil {
		return "", "", false
	}
	return pref.Reason, pref.OtherText, true
}

// SaveNoAsk stores a do-not-ask-again reason for a label.
func (e *Engine) SaveNoAsk(label string, reason Reason, otherText string) error {
	if err := validateReason(reason, otherText); err != nil {
		return err
	}
	encoded, err := json.Marshal(noAskPref{Reason: reason, OtherText: otherText})
	if err != nil {
		return fmt.Errorf("encoding preference: %w", err)
	}
	return e.store.SetValue(noAskKey(label), string(encoded))
}

func validateReason(reason Reason, otherText string) error {
	switch reason {
	case ReasonNoIssue, ReasonUnableToRepair, ReasonUnclearGuidance:
		return nil
	case ReasonOther:
		if preview.CollapseSpace(otherText) == "" {
			return &marking.ValidationError{Reason: "a short explanation is required for this reason"}
		}
		if len(otherText) > maxOtherText {
			return &marking.ValidationError{Reason: fmt.Sprintf("explanation must be %d characters or fewer", maxOtherText)}
		}
		return nil
	default:
		return &marking.ValidationError{Reason: "choose a dismissal reason"}
	}
}

// Dismiss records the dismissal, persists it, queues backend feedback,
// scrubs the preview, and adjusts counts. The record always lands; only the
// scrub may fail, reported via Result.ScrubErr. Dismissing the same
// (label, sentence) of the current file again returns the existing record
// without decrementing counts or re-sending feedback.
func (e *Engine) Dismiss(label, sentence string, paragraphIndex int, reason Reason, otherText string) (Result, error) {
	if err := validateReason(reason, otherText); err != nil {
		return Result{}, err
	}

	e.mu.Lock()
	for _, prior := range e.records {
		if prior.Label == label && prior.Sentence == sentence && prior.FileName == e.fileName {
			e.mu.Unlock()
			return Result{Record: prior}, nil
		}
	}
	rec := Record{
		Label:          label,
		Sentence:       sentence,
		ParagraphIndex: paragraphIndex,
		FileName:       e.fileName,
		CreatedAt:      e.now().UTC(),
		Reason:         reason,
		OtherText:      otherText,
	}
	e.records = append(e.records, rec)
	encoded, err := json.Marshal(e.records)
	if err != nil {
		e.records = e.records[:len(e.records)-1]
		e.mu.Unlock()
		return Result{}, fmt.Errorf("encoding dismissals: %w", err)
	}
	key := e.storageKeyLocked()
	userID := e.userID
	mode := e.mode
	markEventID := e.markEventID
	e.mu.Unlock()

	if err := e.store.SetValue(key, string(encoded)); err != nil {
		return Result{}, fmt.Errorf("persisting dismissal: %w", err)
	}

	e.enqueueFeedback(userID, mode, markEventID, rec)

	result := Result{Record: rec}
	result.ScrubErr = e.scrubPreview(label, sentence)
	if result.ScrubErr != nil {
		e.logger.Warn("preview scrub failed after dismissal", "label", label, "error", result.ScrubErr)
	}

	e.model.Decrement(label)
	e.model.RemoveExample(label, sentence)
	e.previewStore.MarkEdited()
	return result, nil
}

// enqueueFeedback queues best-effort delivery to the backend dismissal
// table. Queue failures are logged and swallowed; feedback never blocks the
// dismissal itself.
func (e *Engine) enqueueFeedback(userID, mode, markEventID string, rec Record) {
	payload, err := json.Marshal(backend.DismissFeedback{
		UserID:         userID,
		FileName:       rec.FileName,
		MarkEventID:    markEventID,
		Mode:           mode,
		IssueLabel:     rec.Label,
		ParagraphIndex: rec.ParagraphIndex,
		Sentence:       rec.Sentence,
		Reason:         string(rec.Reason),
		OtherText:      rec.OtherText,
	})
	if err != nil {
		e.logger.Warn("encoding dismissal feedback", "error", err)
		return
	}
	job := storage.Job{
		ID:          uuid.NewString(),
		Type:        FeedbackJobType,
		PayloadJSON: string(payload),
	}
	if err := e.store.EnqueueJob(job); err != nil {
		e.logger.Warn("queueing dismissal feedback", "error", err)
	}
}

func (e *Engine) scrubPreview(label, sentence string) error {
	root := e.previewStore.Root()
	if root == nil {
		return errors.New("no preview to scrub")
	}
	return preview.StripLabel(root, sentence, marking.TrimLabel(label))
}
