package rewrite

import (
	"context"
	"errors"
	"strings"
	"testing"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/vysti/revise/internal/issues"
	"github.com/vysti/revise/internal/marking"
	"github.com/vysti/revise/internal/preview"
)

type fakeChecker struct {
	result marking.CheckResult
	err    error
	calls  []marking.CheckRequest
}

func (f *fakeChecker) RevisionCheck(ctx context.Context, req marking.CheckRequest) (marking.CheckResult, error) {
	f.calls = append(f.calls, req)
	return f.result, f.err
}

type htmlRenderer struct {
	fragment string
}

func (r htmlRenderer) Render(ctx context.Context, blob []byte) (*html.Node, error) {
	ctxNode := &html.Node{Type: html.ElementNode, DataAtom: atom.Div, Data: "div"}
	nodes, err := html.ParseFragment(strings.NewReader(r.fragment), ctxNode)
	if err != nil {
		return nil, err
	}
	root := &html.Node{Type: html.ElementNode, DataAtom: atom.Div, Data: "div"}
	for _, n := range nodes {
		root.AppendChild(n)
	}
	return root, nil
}

func newTestEngine(t *testing.T, fragment string, checker Checker) (*Engine, *preview.Store, *issues.Model) {
	t.Helper()
	store := preview.NewStore(htmlRenderer{fragment: fragment}, nil)
	if err := store.Render(context.Background(), []byte("blob")); err != nil {
		t.Fatalf("rendering test preview: %v", err)
	}
	model := issues.NewModel(nil, nil)
	e := NewEngine(checker, store, model, nil)
	e.SetMode("analytic")
	return e, store, model
}

func TestCheckSendsPreviewContext(t *testing.T) {
	checker := &fakeChecker{result: marking.CheckResult{Approved: true, Message: "Nice."}}
	e, _, _ := newTestEngine(t, `<p>The author shows courage in every chapter.</p>`, checker)

	key := Key{Label: "Weak verbs", ParagraphIndex: 0, Sentence: "The author shows courage in every chapter."}
	e.SetDraft(key, "The author demonstrates courage in every chapter.")

	if err := e.Check(context.Background(), key); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(checker.calls) != 1 {
		t.Fatalf("checker calls = %d", len(checker.calls))
	}
	req := checker.calls[0]
	if req.ContextText != "The author shows courage in every chapter." {
		t.Errorf("ContextText = %q", req.ContextText)
	}
	if req.Mode != "analytic" || req.ParagraphIndex != 0 || req.Label != "Weak verbs" {
		t.Errorf("request = %+v", req)
	}

	entry := e.Entry(key)
	if entry.Status != StatusApproved || entry.Approved != "The author demonstrates courage in every chapter." {
		t.Errorf("entry = %+v", entry)
	}
}

func TestCheckEmptyDraftFailsLocally(t *testing.T) {
	checker := &fakeChecker{}
	e, _, _ := newTestEngine(t, `<p>Some text here.</p>`, checker)

	key := Key{Label: "Weak verbs", Sentence: "Some text here."}
	e.SetDraft(key, "   ")

	err := e.Check(context.Background(), key)
	var ve *marking.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("error = %v, want *ValidationError", err)
	}
	if len(checker.calls) != 0 {
		t.Error("checker was called despite local precondition failure")
	}
	if e.Entry(key).Status != StatusError {
		t.Errorf("status = %v", e.Entry(key).Status)
	}
}

func TestCheckRejectsRewriteEqualToOriginal(t *testing.T) {
	checker := &fakeChecker{}
	e, _, _ := newTestEngine(t, `<p>He said "hello" warmly.</p>`, checker)

	key := Key{Label: "Weak verbs", Sentence: `He said "hello" warmly.`}
	// Same sentence with smart quotes: equal after normalization.
	e.SetDraft(key, "He said “hello” warmly.")

	err := e.Check(context.Background(), key)
	var ve *marking.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("error = %v, want *ValidationError", err)
	}
	if len(checker.calls) != 0 {
		t.Error("checker was called for an unchanged rewrite")
	}
}

func TestCheckRejectionClearsPriorApproval(t *testing.T) {
	checker := &fakeChecker{result: marking.CheckResult{Approved: true}}
	e, _, _ := newTestEngine(t, `<p>The author shows courage here.</p>`, checker)

	key := Key{Label: "Weak verbs", Sentence: "The author shows courage here."}
	e.SetDraft(key, "The author demonstrates courage here.")
	if err := e.Check(context.Background(), key); err != nil {
		t.Fatalf("first Check: %v", err)
	}

	checker.result = marking.CheckResult{Approved: false, Message: "Try a stronger verb."}
	e.SetDraft(key, "The author displays courage here.")
	if err := e.Check(context.Background(), key); err != nil {
		t.Fatalf("second Check: %v", err)
	}

	entry := e.Entry(key)
	if entry.Approved != "" {
		t.Errorf("approval survived rejection: %q", entry.Approved)
	}
	if entry.Status != StatusError || entry.Message != "Try a stronger verb." {
		t.Errorf("entry = %+v", entry)
	}
}

func TestApplyUpdatesPreviewCountsAndEditedFlag(t *testing.T) {
	checker := &fakeChecker{result: marking.CheckResult{Approved: true}}
	e, store, model := newTestEngine(t, `<p>The author shows courage in every single chapter.</p>`, checker)
	model.Hydrate(map[string]int{"Weak verbs": 2}, nil, "ev1")

	key := Key{Label: "Weak verbs", Sentence: "The author shows courage in every single chapter."}
	e.SetDraft(key, "The author demonstrates courage in every single chapter.")
	if err := e.Check(context.Background(), key); err != nil {
		t.Fatalf("Check: %v", err)
	}

	if err := e.Apply(key); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if got := preview.ExtractText(store.Root()); got != "The author demonstrates courage in every single chapter." {
		t.Errorf("preview text = %q", got)
	}
	if model.Effective()["Weak verbs"] != 1 {
		t.Errorf("effective = %v, want Weak verbs decremented", model.Effective())
	}
	if !store.Edited() {
		t.Error("preview not flagged edited")
	}
	if entry := e.Entry(key); !entry.Applied || entry.Status != StatusApplied {
		t.Errorf("entry = %+v", entry)
	}

	// Re-applying is a no-op: no double decrement.
	if err := e.Apply(key); err != nil {
		t.Fatalf("second Apply: %v", err)
	}
	if model.Effective()["Weak verbs"] != 1 {
		t.Errorf("double decrement: %v", model.Effective())
	}
}

func TestApplyWithoutApprovalFails(t *testing.T) {
	e, _, _ := newTestEngine(t, `<p>Some text.</p>`, &fakeChecker{})

	key := Key{Label: "Weak verbs", Sentence: "Some text."}
	err := e.Apply(key)
	var ve *marking.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("error = %v, want *ValidationError", err)
	}
}

func TestApplyAllSkipsLocatorMisses(t *testing.T) {
	checker := &fakeChecker{result: marking.CheckResult{Approved: true}}
	e, store, model := newTestEngine(t, `
		<p>The first flagged sentence lives in this paragraph.</p>
		<p>The second flagged sentence lives in this other paragraph.</p>`, checker)
	model.Hydrate(map[string]int{"Weak verbs": 3}, nil, "ev1")

	keys := []Key{
		{Label: "Weak verbs", ParagraphIndex: 0, Sentence: "The first flagged sentence lives in this paragraph."},
		{Label: "Weak verbs", ParagraphIndex: 1, Sentence: "The second flagged sentence lives in this other paragraph."},
		{Label: "Weak verbs", ParagraphIndex: 2, Sentence: "Quantum entanglement violates classical locality assumptions."},
	}
	for i, key := range keys {
		e.SetDraft(key, "Rewritten sentence number "+string(rune('A'+i))+" replaces the original entirely.")
		if err := e.Check(context.Background(), key); err != nil {
			t.Fatalf("Check(%d): %v", i, err)
		}
	}

	applied, err := e.ApplyAll()
	if applied != 2 {
		t.Errorf("applied = %d, want 2", applied)
	}
	if !errors.Is(err, preview.ErrLocatorMiss) {
		t.Errorf("error = %v, want ErrLocatorMiss for the unmatched sentence", err)
	}
	if got := preview.ExtractText(store.Root()); strings.Contains(got, "first flagged") {
		t.Errorf("first rewrite not applied: %q", got)
	}
}

func TestResetClearsEntries(t *testing.T) {
	checker := &fakeChecker{result: marking.CheckResult{Approved: true}}
	e, _, _ := newTestEngine(t, `<p>The author shows courage here.</p>`, checker)

	key := Key{Label: "Weak verbs", Sentence: "The author shows courage here."}
	e.SetDraft(key, "The author demonstrates courage here.")
	e.Check(context.Background(), key)
	if e.ApprovedCount() != 1 {
		t.Fatalf("approved = %d", e.ApprovedCount())
	}

	e.Reset()
	if e.ApprovedCount() != 0 {
		t.Errorf("approved after reset = %d", e.ApprovedCount())
	}
	if e.Entry(key).Status != StatusIdle {
		t.Errorf("entry = %+v", e.Entry(key))
	}
}
