package draft

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vysti/revise/internal/storage"
)

const (
	// Version stamps persisted drafts so a future format change can migrate
	// or discard old ones.
	Version = 1

	throttleInterval = 2500 * time.Millisecond
	minLength        = 40
	maxLength        = 200_000
)

// Draft is the persisted autosave payload.
type Draft struct {
	Text    string    `json:"text"`
	SavedAt time.Time `json:"savedAt"`
	Version int       `json:"version"`
}

// Key builds the storage key for a (user, file, mode) triple.
func Key(userID, fileName, mode string) string {
	return "vysti:draft:" + userID + ":" + safe(fileName) + ":" + safe(mode)
}

// safe collapses anything outside a conservative character set so file
// names cannot smuggle separators into the key.
func safe(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// Saver captures preview text into local storage, throttled with a trailing
// edge: the first edit in a quiet window arms a timer, later edits coalesce,
// and the capture at fire time reads the then-current text.
type Saver struct {
	store  *storage.Store
	textFn func() string
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	key       string
	lastSaved string
	timer     *time.Timer
	interval  time.Duration
	enabled   bool
}

// NewSaver creates a saver that pulls text from textFn at capture time.
func NewSaver(store *storage.Store, textFn func() string, logger *slog.Logger) *Saver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Saver{
		store:    store,
		textFn:   textFn,
		logger:   logger,
		now:      time.Now,
		interval: throttleInterval,
	}
}

// Bind scopes the saver to a session and enables capture. An empty userID
// or fileName disables autosave entirely.
func (s *Saver) Bind(userID, fileName, mode string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopTimerLocked()
	s.lastSaved = ""
	if userID == "" || fileName == "" {
		s.enabled = false
		s.key = ""
		return
	}
	s.enabled = true
	s.key = Key(userID, fileName, mode)
}

// Note signals an edit. Captures are throttled; a burst of edits produces
// one save carrying the latest text.
func (s *Saver) Note() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled || s.timer != nil {
		return
	}
	s.timer = time.AfterFunc(s.interval, func() {
		s.mu.Lock()
		s.timer = nil
		s.mu.Unlock()
		if err := s.Flush(); err != nil {
			s.logger.Warn("autosave capture failed", "error", err)
		}
	})
}

// Flush captures immediately, subject to the length and changed-since-last
// constraints. Out-of-bounds or unchanged text is skipped without error.
func (s *Saver) Flush() error {
	s.mu.Lock()
	if !s.enabled {
		s.mu.Unlock()
		return nil
	}
	key := s.key
	last := s.lastSaved
	s.mu.Unlock()

	text := s.textFn()
	trimmed := strings.TrimSpace(text)
	if len(trimmed) < minLength || len(text) > maxLength || text == last {
		return nil
	}

	payload, err := json.Marshal(Draft{Text: text, SavedAt: s.now().UTC(), Version: Version})
	if err != nil {
		return fmt.Errorf("encoding draft: %w", err)
	}
	if err := s.store.SetValue(key, string(payload)); err != nil {
		return fmt.Errorf("saving draft: %w", err)
	}

	s.mu.Lock()
	s.lastSaved = text
	s.mu.Unlock()
	return nil
}

// Load returns the persisted draft for the bound session, if one exists.
func (s *Saver) Load() (Draft, bool, error) {
	s.mu.Lock()
	key := s.key
	enabled := s.enabled
	s.mu.Unlock()
	if !enabled {
		return Draft{}, false, nil
	}

	raw, err := s.store.GetValue(key)
	if errors.Is(err, storage.ErrNotFound) {
		return Draft{}, false, nil
	}
	if err != nil {
		return Draft{}, false, fmt.Errorf("loading draft: %w", err)
	}
	var d Draft
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return Draft{}, false, fmt.Errorf("decoding draft: %w", err)
	}
	if d.Version != Version {
		return Draft{}, false, nil
	}
	return d, true, nil
}

// Clear deletes the persisted draft. Called after a successful restore and
// by the delete control.
func (s *Saver) Clear() error {
	s.mu.Lock()
	key := s.key
	enabled := s.enabled
	s.lastSaved = ""
	s.mu.Unlock()
	if !enabled {
		return nil
	}
	return s.store.DeleteValue(key)
}

// Stop cancels any armed capture, used on file clear and teardown.
func (s *Saver) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopTimerLocked()
}

func (s *Saver) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
