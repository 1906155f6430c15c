package rewrite

import (
	"context"
	"testing"

	"github.com/vysti/revise/internal/marking"
	"github.com/vysti/revise/internal/storage"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSnapshotRoundTrip(t *testing.T) {
	store := openTestStore(t)
	checker := &fakeChecker{result: marking.CheckResult{Approved: true}}
	e, _, _ := newTestEngine(t, `<p>The author shows courage in this paragraph.</p>`, checker)

	key := Key{Label: "Weak verbs", ParagraphIndex: 0, Sentence: "The author shows courage in this paragraph."}
	e.SetDraft(key, "The author demonstrates courage in this paragraph.")
	if err := e.Check(context.Background(), key); err != nil {
		t.Fatalf("Check: %v", err)
	}

	if err := e.SaveSnapshot(store, "u1", "essay.docx", "ev1", "Weak verbs"); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	restored, _, _ := newTestEngine(t, `<p>The author shows courage in this paragraph.</p>`, checker)
	selected, ok, err := restored.RestoreSnapshot(store, "u1", "essay.docx", "ev1")
	if err != nil || !ok {
		t.Fatalf("RestoreSnapshot = %v, %v", ok, err)
	}
	if selected != "Weak verbs" {
		t.Errorf("selected = %q", selected)
	}
	entry := restored.Entry(key)
	if entry.Approved != "The author demonstrates courage in this paragraph." || entry.Status != StatusApproved {
		t.Errorf("entry = %+v", entry)
	}
}

func TestRestoreDiscardsStaleSnapshot(t *testing.T) {
	store := openTestStore(t)
	checker := &fakeChecker{result: marking.CheckResult{Approved: true}}
	e, _, _ := newTestEngine(t, `<p>The author shows courage in this paragraph.</p>`, checker)

	key := Key{Label: "Weak verbs", Sentence: "The author shows courage in this paragraph."}
	e.SetDraft(key, "A different sentence entirely for the snapshot.")
	if err := e.SaveSnapshot(store, "u1", "essay.docx", "ev1", ""); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	restored, _, _ := newTestEngine(t, `<p>x</p>`, checker)
	_, ok, err := restored.RestoreSnapshot(store, "u1", "essay.docx", "ev2")
	if err != nil {
		t.Fatalf("RestoreSnapshot: %v", err)
	}
	if ok {
		t.Error("stale snapshot was restored")
	}
	// The stale snapshot is gone for good.
	if _, err := store.GetValue(PracticeKey("u1", "essay.docx")); err == nil {
		t.Error("stale snapshot not deleted")
	}
}

func TestRestoreMissingSnapshot(t *testing.T) {
	store := openTestStore(t)
	e, _, _ := newTestEngine(t, `<p>x</p>`, &fakeChecker{})

	_, ok, err := e.RestoreSnapshot(store, "u1", "essay.docx", "ev1")
	if err != nil || ok {
		t.Fatalf("RestoreSnapshot = %v, %v, want absent", ok, err)
	}
}
