package rewrite

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/vysti/revise/internal/issues"
	"github.com/vysti/revise/internal/marking"
	"github.com/vysti/revise/internal/preview"
)

// Key identifies one rewrite slot. Exactly one entry exists per flagged
// (label, paragraph, sentence) triple.
type Key struct {
	Label          string
	ParagraphIndex int
	Sentence       string
}

type Status string

const (
	StatusIdle     Status = "idle"
	StatusChecking Status = "checking"
	StatusError    Status = "error"
	StatusApproved Status = "approved"
	StatusApplied  Status = "applied"
)

// Entry is the rewrite state for one key.
type Entry struct {
	Draft    string `json:"draft"`
	Approved string `json:"approved"`
	Applied  bool   `json:"applied"`
	Status   Status `json:"status"`
	Message  string `json:"message"`
}

// Checker submits a proposed rewrite for server approval.
type Checker interface {
	RevisionCheck(ctx context.Context, req marking.CheckRequest) (marking.CheckResult, error)
}

// Engine drives the draft / check / apply cycle for sentence rewrites.
type Engine struct {
	checker Checker
	store   *preview.Store
	model   *issues.Model
	logger  *slog.Logger

	mu       sync.Mutex
	entries  map[Key]*Entry
	mode     string
	onChange []func()
}

func NewEngine(checker Checker, store *preview.Store, model *issues.Model, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		checker: checker,
		store:   store,
		model:   model,
		logger:  logger,
		entries: map[Key]*Entry{},
	}
}

// SetMode records the marking mode sent with every revision check.
func (e *Engine) SetMode(mode string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mode = mode
}

// OnChange registers a callback fired after every entry mutation. Callbacks
// run outside the engine lock and may call back into the engine.
func (e *Engine) OnChange(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onChange = append(e.onChange, fn)
}

func (e *Engine) notifyChanged() {
	e.mu.Lock()
	fns := e.onChange
	e.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// SetDraft captures unmediated draft text for a key.
func (e *Engine) SetDraft(key Key, text string) {
	e.mu.Lock()
	entry := e.entryLocked(key)
	entry.Draft = text
	e.mu.Unlock()
	e.notifyChanged()
}

// Entry returns a snapshot of the state for a key.
func (e *Engine) Entry(key Key) Entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	if entry, ok := e.entries[key]; ok {
		return *entry
	}
	return Entry{Status: StatusIdle}
}

// Reset clears every entry. Called on a fresh mark; rechecks deliberately
// skip it, the applied flags still describe the re-marked text.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries = map[Key]*Entry{}
}

// Check validates the draft locally, then submits it for approval with the
// full preview text as context. Approval stores the rewrite; rejection
// clears any prior approval and carries the server's message.
func (e *Engine) Check(ctx context.Context, key Key) error {
	e.mu.Lock()
	entry := e.entryLocked(key)
	draft := entry.Draft
	mode := e.mode
	e.mu.Unlock()

	contextText := preview.ExtractText(e.store.Root())
	if reason := checkPreconditions(key, draft, contextText); reason != "" {
		e.setState(key, func(en *Entry) {
			en.Status = StatusError
			en.Message = reason
		})
		return &marking.ValidationError{Reason: reason}
	}

	e.setState(key, func(en *Entry) {
		en.Status = StatusChecking
		en.Message = ""
	})

	result, err := e.checker.RevisionCheck(ctx, marking.CheckRequest{
		Label:            key.Label,
		Rewrite:          draft,
		Mode:             mode,
		ContextText:      contextText,
		OriginalSentence: key.Sentence,
		ParagraphIndex:   key.ParagraphIndex,
	})
	if err != nil {
		e.setState(key, func(en *Entry) {
			en.Status = StatusError
			en.Message = err.Error()
		})
		return err
	}

	if !result.Approved {
		e.setState(key, func(en *Entry) {
			en.Approved = ""
			en.Status = StatusError
			en.Message = result.Message
		})
		return nil
	}

	e.setState(key, func(en *Entry) {
		en.Approved = draft
		en.Status = StatusApproved
		en.Message = result.Message
	})
	return nil
}

func checkPreconditions(key Key, draft, contextText string) string {
	if preview.CollapseSpace(draft) == "" {
		return "write a rewrite before checking"
	}
	if preview.Normalize(draft) == preview.Normalize(key.Sentence) {
		return "the rewrite matches the original sentence"
	}
	if contextText == "" {
		return "the preview has no text to check against"
	}
	return ""
}

// Apply replaces the original sentence in the preview with the approved
// rewrite, decrements the label's count, and flags the preview edited.
func (e *Engine) Apply(key Key) error {
	e.mu.Lock()
	entry := e.entryLocked(key)
	approved := entry.Approved
	applied := entry.Applied
	e.mu.Unlock()

	if approved == "" {
		return &marking.ValidationError{Reason: "no approved rewrite for this sentence"}
	}
	if applied {
		return nil
	}

	root := e.store.Root()
	if root == nil {
		return &marking.ValidationError{Reason: "no preview to apply the rewrite to"}
	}

	if _, err := preview.ApplyRewrite(root, key.Sentence, approved); err != nil {
		e.setState(key, func(en *Entry) {
			en.Status = StatusError
			en.Message = err.Error()
		})
		return err
	}

	e.setState(key, func(en *Entry) {
		en.Applied = true
		en.Status = StatusApplied
		en.Message = ""
	})
	e.model.Decrement(key.Label)
	e.store.MarkEdited()
	return nil
}

// ApplyAll applies every approved, unapplied entry. It keeps going past
// locator misses and reports how many applied along with the first error.
func (e *Engine) ApplyAll() (int, error) {
	e.mu.Lock()
	var keys []Key
	for key, entry := range e.entries {
		if entry.Approved != "" && !entry.Applied {
			keys = append(keys, key)
		}
	}
	e.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].ParagraphIndex != keys[j].ParagraphIndex {
			return keys[i].ParagraphIndex < keys[j].ParagraphIndex
		}
		return keys[i].Sentence < keys[j].Sentence
	})

	applied := 0
	var firstErr error
	for _, key := range keys {
		if err := e.Apply(key); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			if !errors.Is(err, preview.ErrLocatorMiss) && !errors.Is(err, preview.ErrPasteManually) {
				return applied, firstErr
			}
			e.logger.Warn("skipping rewrite during apply-all", "label", key.Label, "error", err)
			continue
		}
		applied++
	}
	return applied, firstErr
}

// ApprovedCount reports how many entries currently hold an unapplied
// approved rewrite.
func (e *Engine) ApprovedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, entry := range e.entries {
		if entry.Approved != "" && !entry.Applied {
			n++
		}
	}
	return n
}

func (e *Engine) entryLocked(key Key) *Entry {
	entry, ok := e.entries[key]
	if !ok {
		entry = &Entry{Status: StatusIdle}
		e.entries[key] = entry
	}
	return entry
}

func (e *Engine) setState(key Key, mutate func(*Entry)) {
	e.mu.Lock()
	mutate(e.entryLocked(key))
	e.mu.Unlock()
	e.notifyChanged()
}
