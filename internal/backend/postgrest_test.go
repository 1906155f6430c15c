package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vysti/revise/internal/auth"
)

type staticTokens struct {
	token string
	err   error
}

func (s staticTokens) CurrentToken() (string, error) { return s.token, s.err }

func TestRecordMarkEventInsert(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/v1/mark_events" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("method = %q", r.Method)
		}
		if r.Header.Get("apikey") != "anon-key" {
			t.Errorf("apikey = %q", r.Header.Get("apikey"))
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		if r.Header.Get("Prefer") != "return=minimal" {
			t.Errorf("Prefer = %q", r.Header.Get("Prefer"))
		}
		var ev MarkEvent
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			t.Fatalf("decoding body: %v", err)
		}
		if ev.UserID != "u1" || ev.LabelCounts["Weak verbs"] != 3 {
			t.Errorf("event = %+v", ev)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "anon-key", staticTokens{token: "tok"})
	err := c.RecordMarkEvent(context.Background(), MarkEvent{
		UserID:      "u1",
		FileName:    "essay.docx",
		Mode:        "analytic",
		LabelCounts: map[string]int{"Weak verbs": 3},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRecentMarkEventsQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("user_id") != "eq.u1" {
			t.Errorf("user_id filter = %q", q.Get("user_id"))
		}
		if q.Get("order") != "created_at.desc" {
			t.Errorf("order = %q", q.Get("order"))
		}
		if q.Get("limit") != "5" {
			t.Errorf("limit = %q", q.Get("limit"))
		}
		json.NewEncoder(w).Encode([]MarkEvent{{ID: "e1", UserID: "u1", Mode: "analytic"}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "anon-key", staticTokens{token: "tok"})
	events, err := c.RecentMarkEvents(context.Background(), "u1", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 || events[0].ID != "e1" {
		t.Errorf("events = %+v", events)
	}
}

func TestIssueExamplesQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/v1/issue_examples" {
			t.Errorf("path = %q", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("user_id") != "eq.u1" {
			t.Errorf("user_id filter = %q", q.Get("user_id"))
		}
		if q.Get("file_name") != "eq.essay.docx" {
			t.Errorf("file_name filter = %q", q.Get("file_name"))
		}
		if q.Get("label") != "eq.Weak verbs" {
			t.Errorf("label filter = %q", q.Get("label"))
		}
		if q.Get("mark_event_id") != "eq.ev1" {
			t.Errorf("mark_event_id filter = %q", q.Get("mark_event_id"))
		}
		if q.Get("order") != "created_at.desc" {
			t.Errorf("order = %q", q.Get("order"))
		}
		json.NewEncoder(w).Encode([]IssueExample{
			{Label: "Weak verbs", Sentence: "The author shows courage.", ParagraphIndex: 1},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "anon-key", staticTokens{token: "tok"})
	examples, err := c.IssueExamples(context.Background(), "u1", "essay.docx", "Weak verbs", "ev1", 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(examples) != 1 || examples[0].Sentence != "The author shows courage." {
		t.Errorf("examples = %+v", examples)
	}
}

func TestIssueExamplesUnscopedOmitsEventFilter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Has("mark_event_id") {
			t.Errorf("unexpected mark_event_id filter %q", r.URL.Query().Get("mark_event_id"))
		}
		json.NewEncoder(w).Encode([]IssueExample{})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "anon-key", staticTokens{token: "tok"})
	if _, err := c.IssueExamples(context.Background(), "u1", "essay.docx", "Weak verbs", "", 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestUnauthorizedMapsToSessionExpired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "anon-key", staticTokens{token: "stale"})
	err := c.RecordDismissFeedback(context.Background(), DismissFeedback{UserID: "u1", IssueLabel: "Weak verbs"})
	if !errors.Is(err, auth.ErrSessionExpired) {
		t.Fatalf("error = %v, want ErrSessionExpired", err)
	}
}

func TestTokenErrorBlocksRequest(t *testing.T) {
	dispatched := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dispatched = true
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "anon-key", staticTokens{err: auth.ErrSessionExpired})
	_, err := c.RecentMarkEvents(context.Background(), "u1", 5)
	if !errors.Is(err, auth.ErrSessionExpired) {
		t.Fatalf("error = %v, want ErrSessionExpired", err)
	}
	if dispatched {
		t.Error("request was dispatched without a token")
	}
}
