package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/vysti/revise/internal/auth"
)

const defaultTimeout = 15 * time.Second

// Client talks to the service's PostgREST surface: mark event history,
// worked issue examples, and the dismissed-issue feedback table.
type Client struct {
	baseURL    string
	anonKey    string
	tokens     auth.TokenSource
	httpClient *http.Client
}

// NewClient creates a client for the REST endpoint under supabaseURL.
func NewClient(supabaseURL, anonKey string, tokens auth.TokenSource) *Client {
	return &Client{
		baseURL: strings.TrimRight(supabaseURL, "/") + "/rest/v1",
		anonKey: anonKey,
		tokens:  tokens,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

// MarkEvent is one row of the student's marking history.
type MarkEvent struct {
	ID             string         `json:"id,omitempty"`
	UserID         string         `json:"user_id"`
	FileName       string         `json:"file_name"`
	AssignmentName string         `json:"assignment_name,omitempty"`
	Mode           string         `json:"mode"`
	LabelCounts    map[string]int `json:"label_counts"`
	Issues         []Issue        `json:"issues,omitempty"`
	CreatedAt      time.Time      `json:"created_at,omitempty"`
}

// Issue is one flagged sentence attached to a mark event.
type Issue struct {
	Label            string `json:"label"`
	ParagraphIndex   int    `json:"paragraph_index"`
	Sentence         string `json:"sentence"`
	ShortExplanation string `json:"short_explanation,omitempty"`
	Explanation      string `json:"explanation,omitempty"`
}

// IssueExample is one flagged sentence from the student's marking history,
// served as practice material under its label.
type IssueExample struct {
	Label          string    `json:"label"`
	Sentence       string    `json:"sentence"`
	ParagraphIndex int       `json:"paragraph_index"`
	MarkEventID    string    `json:"mark_event_id,omitempty"`
	CreatedAt      time.Time `json:"created_at,omitempty"`
}

// DismissFeedback is the payload recorded when a student dismisses an issue.
type DismissFeedback struct {
	UserID         string `json:"user_id"`
	FileName       string `json:"file_name"`
	MarkEventID    string `json:"mark_event_id,omitempty"`
	Mode           string `json:"mode,omitempty"`
	IssueLabel     string `json:"issue_label"`
	ParagraphIndex int    `json:"paragraph_index"`
	Sentence       string `json:"sentence,omitempty"`
	Reason         string `json:"reason"`
	OtherText      string `json:"other_text,omitempty"`
}

// RecordMarkEvent inserts a mark event row.
func (c *Client) RecordMarkEvent(ctx context.Context, ev MarkEvent) error {
	return c.insert(ctx, "/mark_events", ev)
}

// RecentMarkEvents returns the user's mark history, newest first.
func (c *Client) RecentMarkEvents(ctx context.Context, userID string, limit int) ([]MarkEvent, error) {
	q := url.Values{}
	q.Set("user_id", "eq."+userID)
	q.Set("order", "created_at.desc")
	q.Set("limit", strconv.Itoa(limit))

	var events []MarkEvent
	if err := c.get(ctx, "/mark_events", q, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// IssueExamples returns flagged sentences for one label across the user's
// history of a file, newest first. A non-empty markEventID narrows the rows
// to that single marking run.
func (c *Client) IssueExamples(ctx context.Context, userID, fileName, label, markEventID string, limit int) ([]IssueExample, error) {
	q := url.Values{}
	q.Set("user_id", "eq."+userID)
	q.Set("file_name", "eq."+fileName)
	q.Set("label", "eq."+label)
	q.Set("order", "created_at.desc")
	q.Set("limit", strconv.Itoa(limit))
	if markEventID != "" {
		q.Set("mark_event_id", "eq."+markEventID)
	}

	var examples []IssueExample
	if err := c.get(ctx, "/issue_examples", q, &examples); err != nil {
		return nil, err
	}
	return examples, nil
}

// RecordDismissFeedback inserts a dismissed-issue feedback row. Delivery is
// best effort; callers route failures through the retry queue rather than
// surfacing them to the student.
func (c *Client) RecordDismissFeedback(ctx context.Context, fb DismissFeedback) error {
	return c.insert(ctx, "/dismissed_issue_feedback", fb)
}

func (c *Client) insert(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=minimal")
	if err := c.setAuthHeaders(req); err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()
	return c.checkStatus(resp)
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if err := c.setAuthHeaders(req); err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()
	if err := c.checkStatus(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// setAuthHeaders resolves the access token per request. Row-level security
// needs both the project key and the user's bearer token.
func (c *Client) setAuthHeaders(req *http.Request) error {
	token, err := c.tokens.CurrentToken()
	if err != nil {
		return err
	}
	req.Header.Set("apikey", c.anonKey)
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (c *Client) checkStatus(resp *http.Response) error {
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return auth.ErrSessionExpired
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}
