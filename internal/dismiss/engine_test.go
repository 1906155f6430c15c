package dismiss

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/vysti/revise/internal/issues"
	"github.com/vysti/revise/internal/marking"
	"github.com/vysti/revise/internal/preview"
	"github.com/vysti/revise/internal/storage"
)

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

const markedFragment = `<p>Before. <span class="vysti-highlight">The author shows courage.</span><span class="vysti-label">→ Weak verbs (2)</span> After.</p>`

func newTestEngine(t *testing.T, fragment string) (*Engine, *storage.Store, *issues.Model, *preview.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	previewStore := preview.NewStore(htmlRenderer{fragment: fragment}, nil)
	if err := previewStore.Render(context.Background(), []byte("blob")); err != nil {
		t.Fatalf("rendering preview: %v", err)
	}

	model := issues.NewModel(nil, nil)
	model.Hydrate(map[string]int{"→ Weak verbs (2)": 2}, nil, "ev1")

	e := NewEngine(store, model, previewStore, nil)
	if err := e.BeginSession("u1", "essay.docx", "analytic"); err != nil {
		t.Fatalf("BeginSession: %v", err)
	}
	return e, store, model, previewStore
}

func TestDismissRecordsAndScrubs(t *testing.T) {
	e, _, model, previewStore := newTestEngine(t, markedFragment)

	res, err := e.Dismiss("→ Weak verbs (2)", "The author shows courage.", 0, ReasonNoIssue, "")
	if err != nil {
		t.Fatalf("Dismiss: %v", err)
	}
	if res.ScrubErr != nil {
		t.Errorf("scrub failed: %v", res.ScrubErr)
	}

	if got := model.Effective()["→ Weak verbs (2)"]; got != 1 {
		t.Errorf("effective = %d, want 1", got)
	}
	if !previewStore.Edited() {
		t.Error("preview not flagged edited")
	}

	text := preview.ExtractText(previewStore.Root())
	if strings.Contains(text, "Weak verbs") {
		t.Errorf("label survived scrub: %q", text)
	}
	if !strings.Contains(text, "The author shows courage.") {
		t.Errorf("sentence lost in scrub: %q", text)
	}

	records := e.Records()
	if len(records) != 1 || records[0].Reason != ReasonNoIssue || records[0].FileName != "essay.docx" {
		t.Errorf("records = %+v", records)
	}
}

func TestRepeatDismissalIsNoOp(t *testing.T) {
	e, store, model, _ := newTestEngine(t, markedFragment)

	first, err := e.Dismiss("→ Weak verbs (2)", "The author shows courage.", 0, ReasonNoIssue, "")
	if err != nil {
		t.Fatalf("Dismiss: %v", err)
	}
	second, err := e.Dismiss("→ Weak verbs (2)", "The author shows courage.", 0, ReasonUnableToRepair, "")
	if err != nil {
		t.Fatalf("repeat Dismiss: %v", err)
	}
	if second.Record != first.Record {
		t.Errorf("repeat returned a new record: %+v", second.Record)
	}

	if got := e.CountsForFile()["→ Weak verbs (2)"]; got != 1 {
		t.Errorf("CountsForFile = %d, want 1", got)
	}
	if got := model.Effective()["→ Weak verbs (2)"]; got != 1 {
		t.Errorf("effective = %d, want a single decrement", got)
	}
	if records := e.Records(); len(records) != 1 {
		t.Errorf("records = %+v, want one", records)
	}

	// Only the first dismissal produced a feedback job.
	if job, err := store.ClaimNextJob([]string{FeedbackJobType}); err != nil || job == nil {
		t.Fatalf("first feedback job = %v, %v", job, err)
	}
	if job, err := store.ClaimNextJob([]string{FeedbackJobType}); err != nil || job != nil {
		t.Errorf("repeat dismissal queued feedback: %v, %v", job, err)
	}
}

func TestDismissPersistsUnderFileThenMarkKey(t *testing.T) {
	e, store, _, _ := newTestEngine(t, markedFragment)

	if _, err := e.Dismiss("→ Weak verbs (2)", "The author shows courage.", 0, ReasonUnableToRepair, ""); err != nil {
		t.Fatalf("Dismiss: %v", err)
	}
	if _, err := store.GetValue("vysti_dismissed__file_essay.docx"); err != nil {
		t.Errorf("file-keyed record missing: %v", err)
	}

	if err := e.SetMarkEventID("ev1"); err != nil {
		t.Fatalf("SetMarkEventID: %v", err)
	}
	// The event key starts empty; new dismissals land there.
	if len(e.Records()) != 0 {
		t.Fatalf("records after key switch = %+v", e.Records())
	}
	if _, err := e.Dismiss("→ Weak verbs (2)", "Another flagged sentence.", 1, ReasonUnclearGuidance, ""); err != nil {
		t.Fatalf("second Dismiss: %v", err)
	}
	raw, err := store.GetValue("vysti_dismissed__mark_ev1")
	if err != nil {
		t.Fatalf("event-keyed record missing: %v", err)
	}
	var records []Record
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
		t.Fatalf("decoding records: %v", err)
	}
	if len(records) != 1 || records[0].Sentence != "Another flagged sentence." {
		t.Errorf("records = %+v", records)
	}
}

func TestDismissValidation(t *testing.T) {
	e, _, _, _ := newTestEngine(t, markedFragment)

	tests := []struct {
		name      string
		reason    Reason
		otherText string
	}{
		{"unknown reason", Reason("whatever"), ""},
		{"other without text", ReasonOther, "   "},
		{"other too long", ReasonOther, strings.Repeat("x", maxOtherText+1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Dismiss("→ Weak verbs (2)", "s", 0, tt.reason, tt.otherText)
			var ve *marking.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("error = %v, want *ValidationError", err)
			}
		})
	}
	if len(e.Records()) != 0 {
		t.Errorf("invalid dismissals were recorded: %+v", e.Records())
	}
}

func TestScrubFailureKeepsRecord(t *testing.T) {
	// Preview without any label artifact: scrub must fail, record must stay.
	e, _, model, _ := newTestEngine(t, `<p>No labels anywhere in this paragraph at all.</p>`)

	res, err := e.Dismiss("→ Weak verbs (2)", "No labels anywhere in this paragraph at all.", 0, ReasonNoIssue, "")
	if err != nil {
		t.Fatalf("Dismiss: %v", err)
	}
	if !errors.Is(res.ScrubErr, preview.ErrLocatorMiss) {
		t.Errorf("ScrubErr = %v, want ErrLocatorMiss", res.ScrubErr)
	}
	if len(e.Records()) != 1 {
		t.Errorf("record rolled back: %+v", e.Records())
	}
	if got := model.Effective()["→ Weak verbs (2)"]; got != 1 {
		t.Errorf("effective = %d, count must still adjust", got)
	}
}

func TestDismissQueuesFeedbackJob(t *testing.T) {
	e, store, _, _ := newTestEngine(t, markedFragment)
	e.SetMarkEventID("ev1")

	if _, err := e.Dismiss("→ Weak verbs (2)", "The author shows courage.", 0, ReasonOther, "The quote is fine as written."); err != nil {
		t.Fatalf("Dismiss: %v", err)
	}

	job, err := store.ClaimNextJob([]string{FeedbackJobType})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if job == nil {
		t.Fatal("no feedback job queued")
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	if payload["mark_event_id"] != "ev1" || payload["reason"] != "other" {
		t.Errorf("payload = %v", payload)
	}
	if payload["other_text"] != "The quote is fine as written." {
		t.Errorf("other_text = %v", payload["other_text"])
	}
}

func TestNoAskPreferenceRoundTrip(t *testing.T) {
	e, _, _, _ := newTestEngine(t, markedFragment)

	if _, _, ok := e.SavedReason("→ Weak verbs (2)"); ok {
		t.Fatal("unexpected saved reason")
	}
	if err := e.SaveNoAsk("→ Weak verbs (2)", ReasonOther, "The quote is fine."); err != nil {
		t.Fatalf("SaveNoAsk: %v", err)
	}
	reason, otherText, ok := e.SavedReason("→ Weak verbs (2)")
	if !ok || reason != ReasonOther || otherText != "The quote is fine." {
		t.Errorf("SavedReason = %v, %q, %v", reason, otherText, ok)
	}
}

func TestSaveNoAskValidatesReason(t *testing.T) {
	e, _, _, _ := newTestEngine(t, markedFragment)
	err := e.SaveNoAsk("→ Weak verbs (2)", ReasonOther, "")
	var ve *marking.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("error = %v, want *ValidationError", err)
	}
}

func TestCountsForFile(t *testing.T) {
	e, _, _, _ := newTestEngine(t, markedFragment)

	e.Dismiss("→ Weak verbs (2)", "One.", 0, ReasonNoIssue, "")
	e.Dismiss("→ Weak verbs (2)", "Two.", 1, ReasonNoIssue, "")

	counts := e.CountsForFile()
	if counts["→ Weak verbs (2)"] != 2 {
		t.Errorf("counts = %v", counts)
	}
}
