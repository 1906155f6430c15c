package marking

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/vysti/revise/internal/auth"
)

type staticTokens struct {
	token string
	err   error
	calls int
}

func (s *staticTokens) CurrentToken() (string, error) {
	s.calls++
	return s.token, s.err
}

func TestMarkSendsMultipartWithStudentFlags(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/mark" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parsing multipart: %v", err)
		}
		for field, want := range map[string]string{
			"mode":                     "analytic",
			"student_mode":             "true",
			"include_summary_table":    "false",
			"highlight_thesis_devices": "false",
			"assignment_name":          "Essay 1",
		} {
			if got := r.FormValue(field); got != want {
				t.Errorf("form[%s] = %q, want %q", field, got, want)
			}
		}
		f, _, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("form file: %v", err)
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		if string(data) != "docx-bytes" {
			t.Errorf("file content = %q", data)
		}

		w.Header().Set("X-Vysti-Techniques", `["metaphor","irony"]`)
		w.Write([]byte("marked-bytes"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, &staticTokens{token: "tok"}, time.Second)
	art, err := c.Mark(context.Background(), "essay.docx", []byte("docx-bytes"), "analytic", "Essay 1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(art.Blob) != "marked-bytes" {
		t.Errorf("blob = %q", art.Blob)
	}
	if art.Techniques.Kind != TechniquesStrings || len(art.Techniques.Strings) != 2 {
		t.Errorf("techniques = %+v", art.Techniques)
	}
}

func TestTokenResolvedPerCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("blob"))
	}))
	defer srv.Close()

	tokens := &staticTokens{token: "tok"}
	c := NewClient(srv.URL, tokens, time.Second)

	c.MarkText(context.Background(), "essay.docx", "Some text.", "analytic", nil)
	c.ExportDocx(context.Background(), "essay.docx", "Some text.")

	if tokens.calls != 2 {
		t.Errorf("token source consulted %d times, want 2 (once per call)", tokens.calls)
	}
}

func TestExpiredGateBlocksCall(t *testing.T) {
	dispatched := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dispatched = true
	}))
	defer srv.Close()

	c := NewClient(srv.URL, &staticTokens{err: auth.ErrSessionExpired}, time.Second)
	_, err := c.MarkText(context.Background(), "f.docx", "text", "analytic", nil)
	if !errors.Is(err, auth.ErrSessionExpired) {
		t.Fatalf("error = %v, want ErrSessionExpired", err)
	}
	if dispatched {
		t.Error("request was dispatched despite expired gate")
	}
}

func TestStatus401MapsToSessionExpired(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))

		c := NewClient(srv.URL, &staticTokens{token: "tok"}, time.Second)
		_, err := c.MarkText(context.Background(), "f.docx", "text", "analytic", nil)
		srv.Close()
		if !errors.Is(err, auth.ErrSessionExpired) {
			t.Fatalf("status %d: error = %v, want ErrSessionExpired", status, err)
		}
	}
}

func TestServiceErrorSnippetTruncated(t *testing.T) {
	long := strings.Repeat("x", 500)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(long))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, &staticTokens{token: "tok"}, time.Second)
	_, err := c.MarkText(context.Background(), "f.docx", "text", "analytic", nil)

	var se *ServiceError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want *ServiceError", err)
	}
	if se.Status != http.StatusInternalServerError {
		t.Errorf("Status = %d", se.Status)
	}
	if len(se.Snippet) != 120 {
		t.Errorf("Snippet length = %d, want 120", len(se.Snippet))
	}
}

func TestTimeoutClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, &staticTokens{token: "tok"}, 20*time.Millisecond)
	_, err := c.MarkText(context.Background(), "f.docx", "text", "analytic", nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("error = %v, want ErrTimeout", err)
	}
}

func TestNetworkErrorClassified(t *testing.T) {
	// Closed server: connection refused.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := NewClient(srv.URL, &staticTokens{token: "tok"}, time.Second)
	_, err := c.MarkText(context.Background(), "f.docx", "text", "analytic", nil)

	var ne *NetworkError
	if !errors.As(err, &ne) {
		t.Fatalf("error = %v, want *NetworkError", err)
	}
}

func TestRevisionCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/revision/check" {
			t.Errorf("path = %q", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		for _, want := range []string{
			`"label":"→ Weak verbs (3)"`,
			`"label_trimmed":"Weak verbs"`,
			`"paragraph_index":2`,
			`"original_sentence":"The author shows courage."`,
		} {
			if !strings.Contains(string(body), want) {
				t.Errorf("body missing %s: %s", want, body)
			}
		}
		w.Write([]byte(`{"approved":true,"message":"Nice work."}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, &staticTokens{token: "tok"}, time.Second)
	res, err := c.RevisionCheck(context.Background(), CheckRequest{
		Label:            "→ Weak verbs (3)",
		Rewrite:          "The author demonstrates courage.",
		Mode:             "analytic",
		ContextText:      "Full essay text.",
		OriginalSentence: "The author shows courage.",
		ParagraphIndex:   2,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Approved || res.Message != "Nice work." {
		t.Errorf("result = %+v", res)
	}
}

func TestEmptyInputsRejectedLocally(t *testing.T) {
	c := NewClient("http://unused", &staticTokens{token: "tok"}, time.Second)

	var ve *ValidationError
	if _, err := c.Mark(context.Background(), "f.docx", nil, "analytic", ""); !errors.As(err, &ve) {
		t.Errorf("Mark(empty): error = %v, want *ValidationError", err)
	}
	if _, err := c.MarkText(context.Background(), "f.docx", "   ", "analytic", nil); !errors.As(err, &ve) {
		t.Errorf("MarkText(blank): error = %v, want *ValidationError", err)
	}
	if _, err := c.ExportDocx(context.Background(), "f.docx", ""); !errors.As(err, &ve) {
		t.Errorf("ExportDocx(blank): error = %v, want *ValidationError", err)
	}
}
