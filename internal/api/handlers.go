// Package api exposes the session controller over a loopback HTTP surface
// and an MCP server. The CLI talks to the HTTP routes; agent integrations
// use the MCP tools. Both surfaces drive the same controller.
package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/vysti/revise/internal/auth"
	"github.com/vysti/revise/internal/config"
	"github.com/vysti/revise/internal/dismiss"
	"github.com/vysti/revise/internal/issues"
	"github.com/vysti/revise/internal/marking"
	"github.com/vysti/revise/internal/preview"
	"github.com/vysti/revise/internal/rewrite"
	"github.com/vysti/revise/internal/session"
)

const maxRequestBodySize = 10 << 20 // 10MB, bounded by document uploads

// AppDeps holds what the HTTP surface needs.
type AppDeps struct {
	Controller *session.Controller
	Token      string
}

// NewAppHandler builds the loopback router. Everything except /health sits
// behind bearer auth.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/session", handleSessionStatus(deps))
		r.Post("/session/file", handleSelectFile(deps))
		r.Delete("/session/file", handleClearFile(deps))
		r.Post("/session/mode", handleSetMode(deps))
		r.Post("/session/mark", handleMark(deps))
		r.Post("/session/recheck", handleRecheck(deps))
		r.Get("/session/download/marked", handleDownloadMarked(deps))
		r.Post("/session/download/revised", handleDownloadRevised(deps))

		r.Get("/issues", handleListIssues(deps))
		r.Post("/issues/select", handleSelectIssue(deps))

		r.Post("/rewrites/check", handleRewriteCheck(deps))
		r.Post("/rewrites/apply", handleRewriteApply(deps))
		r.Post("/rewrites/apply-all", handleRewriteApplyAll(deps))

		r.Post("/dismissals", handleDismiss(deps))
		r.Post("/dismissals/noask", handleSaveNoAsk(deps))

		r.Get("/attempts", handleListAttempts(deps))
		r.Post("/attempts/{id}/select", handleSelectAttempt(deps))
		r.Get("/attempts/{id}/download", handleDownloadAttempt(deps))

		r.Post("/draft/restore", handleRestoreDraft(deps))
		r.Delete("/draft", handleDeleteDraft(deps))

		r.Get("/preview", handlePreview(deps))
		r.Post("/preview/zoom", handleZoom(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// SessionView is the status payload for /session.
type SessionView struct {
	State       string              `json:"state"`
	Status      string              `json:"status"`
	FileName    string              `json:"file_name,omitempty"`
	Mode        string              `json:"mode"`
	Expired     bool                `json:"expired,omitempty"`
	Edited      bool                `json:"edited"`
	MarkEventID string              `json:"mark_event_id,omitempty"`
	Counts      map[string]int      `json:"counts,omitempty"`
	Total       int                 `json:"total_issues"`
	Techniques  *marking.Techniques `json:"techniques,omitempty"`
}

func sessionView(c *session.Controller) SessionView {
	view := SessionView{
		State:       string(c.State()),
		Status:      c.Status(),
		FileName:    c.FileName(),
		Mode:        c.Mode(),
		Expired:     c.Expired(),
		Edited:      c.Preview().Edited(),
		MarkEventID: c.Model().MarkEventID(),
		Counts:      c.Model().Effective(),
		Total:       c.Model().TotalEffective(),
	}
	if t := c.Techniques(); t.Kind != marking.TechniquesNone {
		view.Techniques = &t
	}
	return view
}

func handleSessionStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, sessionView(deps.Controller))
	}
}

// SelectFileRequest carries the document as base64 so the CLI can ship
// binary files through JSON.
type SelectFileRequest struct {
	Name     string `json:"name"`
	MIMEType string `json:"mime_type"`
	Content  string `json:"content"`
}

func handleSelectFile(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req SelectFileRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Name == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "name is required")
			return
		}
		data, err := base64.StdEncoding.DecodeString(req.Content)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "content is not valid base64")
			return
		}

		if err := deps.Controller.SelectFile(req.Name, req.MIMEType, data); err != nil {
			controllerError(w, err)
			return
		}
		writeJSON(w, sessionView(deps.Controller))
	}
}

func handleClearFile(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deps.Controller.ClearFile()
		writeJSON(w, sessionView(deps.Controller))
	}
}

func handleSetMode(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Mode           string `json:"mode"`
			AssignmentName string `json:"assignment_name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		deps.Controller.SetMode(req.Mode)
		if req.AssignmentName != "" {
			deps.Controller.SetAssignmentName(req.AssignmentName)
		}
		writeJSON(w, sessionView(deps.Controller))
	}
}

func handleMark(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Controller.Mark(r.Context()); err != nil {
			controllerError(w, err)
			return
		}
		writeJSON(w, sessionView(deps.Controller))
	}
}

func handleRecheck(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Controller.Recheck(r.Context()); err != nil {
			controllerError(w, err)
			return
		}
		writeJSON(w, sessionView(deps.Controller))
	}
}

func handleDownloadMarked(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		blob, name, err := deps.Controller.DownloadMarked()
		if err != nil {
			controllerError(w, err)
			return
		}
		serveBlob(w, name, blob)
	}
}

func handleDownloadRevised(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		blob, name, err := deps.Controller.DownloadRevised(r.Context())
		if err != nil {
			controllerError(w, err)
			return
		}
		serveBlob(w, name, blob)
	}
}

func serveBlob(w http.ResponseWriter, name string, blob []byte) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Header().Set("Content-Length", strconv.Itoa(len(blob)))
	w.Write(blob)
}

// IssuesView is the grouped-issue payload for /issues.
type IssuesView struct {
	Selected string           `json:"selected"`
	Total    int              `json:"total"`
	Groups   []issues.Group   `json:"groups"`
	Examples []issues.Example `json:"examples"`
	ReadOnly bool             `json:"read_only,omitempty"`
}

func issuesView(c *session.Controller) IssuesView {
	m := c.Model()
	return IssuesView{
		Selected: m.Selected(),
		Total:    m.TotalEffective(),
		Groups:   m.Groups(),
		Examples: m.Examples(),
		ReadOnly: m.ReadOnly(),
	}
}

func handleListIssues(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, issuesView(deps.Controller))
	}
}

func handleSelectIssue(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Label string `json:"label"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		m := deps.Controller.Model()
		m.Select(req.Label)
		if err := m.FetchExamples(r.Context()); err != nil {
			controllerError(w, err)
			return
		}
		writeJSON(w, issuesView(deps.Controller))
	}
}

// RewriteRequest addresses one rewrite slot, optionally carrying draft text.
type RewriteRequest struct {
	Label          string `json:"label"`
	ParagraphIndex int    `json:"paragraph_index"`
	Sentence       string `json:"sentence"`
	Text           string `json:"text,omitempty"`
}

func (req RewriteRequest) key() rewrite.Key {
	return rewrite.Key{Label: req.Label, ParagraphIndex: req.ParagraphIndex, Sentence: req.Sentence}
}

func decodeRewriteRequest(w http.ResponseWriter, r *http.Request) (RewriteRequest, bool) {
	var req RewriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return req, false
	}
	if req.Label == "" || req.Sentence == "" {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "label and sentence are required")
		return req, false
	}
	return req, true
}

func handleRewriteCheck(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeRewriteRequest(w, r)
		if !ok {
			return
		}
		eng := deps.Controller.Rewrites()
		key := req.key()
		if req.Text != "" {
			eng.SetDraft(key, req.Text)
		}
		if err := eng.Check(r.Context(), key); err != nil {
			controllerError(w, err)
			return
		}
		writeJSON(w, eng.Entry(key))
	}
}

func handleRewriteApply(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeRewriteRequest(w, r)
		if !ok {
			return
		}
		eng := deps.Controller.Rewrites()
		key := req.key()
		if err := eng.Apply(key); err != nil {
			controllerError(w, err)
			return
		}
		writeJSON(w, eng.Entry(key))
	}
}

func handleRewriteApplyAll(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		applied, err := deps.Controller.Rewrites().ApplyAll()
		resp := map[string]any{"applied": applied}
		if err != nil {
			resp["error"] = err.Error()
		}
		writeJSON(w, resp)
	}
}

// DismissRequest records one dismissal.
type DismissRequest struct {
	Label          string `json:"label"`
	Sentence       string `json:"sentence"`
	ParagraphIndex int    `json:"paragraph_index"`
	Reason         string `json:"reason"`
	OtherText      string `json:"other_text,omitempty"`
	RememberReason bool   `json:"remember_reason,omitempty"`
}

func handleDismiss(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req DismissRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Label == "" || req.Sentence == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "label and sentence are required")
			return
		}

		eng := deps.Controller.Dismissals()
		reason := dismiss.Reason(req.Reason)
		otherText := req.OtherText
		if req.Reason == "" {
			// Fall back to a remembered do-not-ask-again preference.
			saved, savedOther, ok := eng.SavedReason(req.Label)
			if !ok {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "reason is required")
				return
			}
			reason, otherText = saved, savedOther
		}

		result, err := eng.Dismiss(req.Label, req.Sentence, req.ParagraphIndex, reason, otherText)
		if err != nil {
			controllerError(w, err)
			return
		}
		if req.RememberReason {
			if err := eng.SaveNoAsk(req.Label, reason, otherText); err != nil {
				controllerError(w, err)
				return
			}
		}

		resp := map[string]any{"record": result.Record}
		if result.ScrubErr != nil {
			resp["scrub_error"] = result.ScrubErr.Error()
		}
		writeJSON(w, resp)
	}
}

func handleSaveNoAsk(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Label     string `json:"label"`
			Reason    string `json:"reason"`
			OtherText string `json:"other_text,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Label == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "label is required")
			return
		}
		if err := deps.Controller.Dismissals().SaveNoAsk(req.Label, dismiss.Reason(req.Reason), req.OtherText); err != nil {
			controllerError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "saved"})
	}
}

func handleListAttempts(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 0, 50)
		attempts, err := deps.Controller.Attempts(r.Context(), limit)
		if err != nil {
			controllerError(w, err)
			return
		}
		writeJSON(w, attempts)
	}
}

func handleSelectAttempt(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := deps.Controller.SelectAttempt(r.Context(), id); err != nil {
			controllerError(w, err)
			return
		}
		writeJSON(w, issuesView(deps.Controller))
	}
}

func handleDownloadAttempt(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		blob, name, err := deps.Controller.DownloadAttempt(id)
		if err != nil {
			controllerError(w, err)
			return
		}
		serveBlob(w, name, blob)
	}
}

func handleRestoreDraft(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Controller.RestoreDraft(r.Context()); err != nil {
			controllerError(w, err)
			return
		}
		writeJSON(w, sessionView(deps.Controller))
	}
}

func handleDeleteDraft(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Controller.Drafts().Clear(); err != nil {
			controllerError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "deleted"})
	}
}

// PreviewView is the text rendering of the preview plus its display state.
type PreviewView struct {
	Text   string  `json:"text"`
	Edited bool    `json:"edited"`
	Zoom   float64 `json:"zoom"`
	Error  string  `json:"error,omitempty"`
}

func handlePreview(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		store := deps.Controller.Preview()
		view := PreviewView{
			Text:   preview.ExtractText(store.Root()),
			Edited: store.Edited(),
			Zoom:   store.Zoom(),
		}
		if err := store.Err(); err != nil {
			view.Error = err.Error()
		}
		writeJSON(w, view)
	}
}

func handleZoom(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Factor float64 `json:"factor"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		applied := deps.Controller.Preview().SetZoom(req.Factor)
		writeJSON(w, map[string]float64{"zoom": applied})
	}
}

// controllerError maps controller and service errors onto HTTP statuses.
func controllerError(w http.ResponseWriter, err error) {
	var valErr *marking.ValidationError
	var svcErr *marking.ServiceError
	var netErr *marking.NetworkError
	switch {
	case errors.Is(err, auth.ErrSessionExpired):
		httpError(w, http.StatusUnauthorized, "authentication_error", "session expired")
	case errors.Is(err, config.ErrConfigMissing):
		httpError(w, http.StatusServiceUnavailable, "api_error", "%v", err)
	case errors.Is(err, session.ErrBusy):
		httpError(w, http.StatusConflict, "invalid_request_error", "%v", err)
	case errors.Is(err, session.ErrNoFile),
		errors.Is(err, session.ErrNotMarked),
		errors.Is(err, session.ErrNotEdited),
		errors.Is(err, session.ErrNoDraft):
		httpError(w, http.StatusConflict, "invalid_request_error", "%v", err)
	case errors.Is(err, marking.ErrTimeout):
		httpError(w, http.StatusGatewayTimeout, "api_error", "%v", err)
	case errors.Is(err, preview.ErrLocatorMiss), errors.Is(err, preview.ErrPasteManually):
		httpError(w, http.StatusUnprocessableEntity, "invalid_request_error", "%v", err)
	case errors.As(err, &valErr):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%s", valErr.Reason)
	case errors.As(err, &svcErr), errors.As(err, &netErr):
		httpError(w, http.StatusBadGateway, "api_error", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return defaultVal
	}
	if n > maxVal {
		return maxVal
	}
	return n
}
