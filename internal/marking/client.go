// Package marking is the typed client for the remote essay-marking service.
// It owns request serialization for mark / recheck / export / revision-check,
// parses the techniques side-channel header, and normalizes transport
// failures into the client error taxonomy.
package marking

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/vysti/revise/internal/auth"
)

const (
	// DefaultTimeout is the per-call deadline for service requests.
	DefaultTimeout = 25 * time.Second

	techniquesHeader = "X-Vysti-Techniques"
)

// Client talks to the marking service. Every call resolves a fresh bearer
// token through the gate immediately before dispatch.
type Client struct {
	baseURL    string
	tokens     auth.TokenSource
	httpClient *http.Client
	timeout    time.Duration
}

func NewClient(baseURL string, tokens auth.TokenSource, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		// Per-call deadlines come from the request context.
		httpClient: &http.Client{Timeout: 0},
		timeout:    timeout,
	}
}

// Artifact is a marked document as returned by the service: the binary blob
// plus the parsed techniques side channel.
type Artifact struct {
	Blob       []byte
	Techniques Techniques
	ReceivedAt time.Time
}

// Mark uploads the document for a full marking run. The form carries the
// fixed student-mode flags alongside the file and mode; assignmentName is
// optional.
func (c *Client) Mark(ctx context.Context, fileName string, data []byte, mode, assignmentName string) (Artifact, error) {
	if len(data) == 0 {
		return Artifact{}, &ValidationError{Reason: "document is empty"}
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", fileName)
	if err != nil {
		return Artifact{}, fmt.Errorf("building multipart form: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return Artifact{}, fmt.Errorf("writing file part: %w", err)
	}
	fields := map[string]string{
		"mode":                     mode,
		"include_summary_table":    "false",
		"highlight_thesis_devices": "false",
		"student_mode":             "true",
	}
	if assignmentName != "" {
		fields["assignment_name"] = assignmentName
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return Artifact{}, fmt.Errorf("writing form field %s: %w", k, err)
		}
	}
	if err := w.Close(); err != nil {
		return Artifact{}, fmt.Errorf("closing multipart form: %w", err)
	}

	return c.blobRequest(ctx, "/mark", buf.Bytes(), w.FormDataContentType())
}

// MarkText re-marks extracted preview text, preserving the original file
// name. Used by Recheck. Titles are optional assignment work titles passed
// through to the service.
func (c *Client) MarkText(ctx context.Context, fileName, text, mode string, titles []string) (Artifact, error) {
	if strings.TrimSpace(text) == "" {
		return Artifact{}, &ValidationError{Reason: "text is empty"}
	}

	payload := map[string]any{
		"file_name":                fileName,
		"text":                     text,
		"mode":                     mode,
		"highlight_thesis_devices": false,
		"student_mode":             true,
	}
	if len(titles) > 0 {
		payload["titles"] = titles
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Artifact{}, fmt.Errorf("marshalling mark_text request: %w", err)
	}
	return c.blobRequest(ctx, "/mark_text", body, "application/json")
}

// ExportDocx converts plain text back into a document blob for download.
func (c *Client) ExportDocx(ctx context.Context, fileName, text string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, &ValidationError{Reason: "text is empty"}
	}

	body, err := json.Marshal(map[string]string{
		"file_name": fileName,
		"text":      text,
	})
	if err != nil {
		return nil, fmt.Errorf("marshalling export request: %w", err)
	}

	art, err := c.blobRequest(ctx, "/export_docx", body, "application/json")
	if err != nil {
		return nil, err
	}
	return art.Blob, nil
}

// CheckRequest is a guided-rewrite verification request.
type CheckRequest struct {
	Label            string
	Rewrite          string
	Mode             string
	ContextText      string
	OriginalSentence string
	ParagraphIndex   int
}

// CheckResult is the service's verdict on a rewrite.
type CheckResult struct {
	Approved bool   `json:"approved"`
	Message  string `json:"message,omitempty"`
}

// RevisionCheck asks the service whether a rewrite resolves the labelled
// issue in context.
func (c *Client) RevisionCheck(ctx context.Context, req CheckRequest) (CheckResult, error) {
	body, err := json.Marshal(map[string]any{
		"label":             req.Label,
		"label_trimmed":     TrimLabel(req.Label),
		"rewrite":           req.Rewrite,
		"mode":              req.Mode,
		"context_text":      req.ContextText,
		"original_sentence": req.OriginalSentence,
		"paragraph_index":   req.ParagraphIndex,
	})
	if err != nil {
		return CheckResult{}, fmt.Errorf("marshalling revision check: %w", err)
	}

	respBody, _, err := c.do(ctx, "/revision/check", body, "application/json")
	if err != nil {
		return CheckResult{}, err
	}

	var result CheckResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return CheckResult{}, fmt.Errorf("decoding revision check response: %w", err)
	}
	return result, nil
}

// blobRequest runs a POST expecting a binary document plus the techniques
// header in response.
func (c *Client) blobRequest(ctx context.Context, path string, body []byte, contentType string) (Artifact, error) {
	respBody, header, err := c.do(ctx, path, body, contentType)
	if err != nil {
		return Artifact{}, err
	}
	return Artifact{
		Blob:       respBody,
		Techniques: ParseTechniques(header.Get(techniquesHeader)),
		ReceivedAt: time.Now().UTC(),
	}, nil
}

func (c *Client) do(ctx context.Context, path string, body []byte, contentType string) ([]byte, http.Header, error) {
	token, err := c.tokens.CurrentToken()
	if err != nil {
		return nil, nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("creating request for %s: %w", path, err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, nil, ErrTimeout
		}
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, nil, ErrTimeout
		}
		return nil, nil, &NetworkError{Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, nil, auth.ErrSessionExpired
	case resp.StatusCode >= 400:
		return nil, nil, &ServiceError{Status: resp.StatusCode, Snippet: snippet(respBody)}
	}

	return respBody, resp.Header, nil
}

var labelCountSuffix = regexp.MustCompile(`\s*\(\d+\)\s*$`)

// TrimLabel strips the arrow glyph prefix and any trailing count a rendered
// label carries, leaving the bare rule name the service addresses.
func TrimLabel(label string) string {
	s := strings.TrimSpace(label)
	s = strings.TrimPrefix(s, "→")
	s = labelCountSuffix.ReplaceAllString(strings.TrimSpace(s), "")
	return strings.TrimSpace(s)
}
