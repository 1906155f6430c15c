// Package session owns the essay session state machine. The controller wires
// the preview store, issue model, rewrite and dismissal engines, and draft
// saver around one selected file, enforces the operation guards, and turns
// remote failures into user-facing status lines. Session expiry from any
// collaborator funnels through a single handler that schedules the sign-in
// redirect.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/vysti/revise/internal/auth"
	"github.com/vysti/revise/internal/backend"
	"github.com/vysti/revise/internal/config"
	"github.com/vysti/revise/internal/dismiss"
	"github.com/vysti/revise/internal/docfile"
	"github.com/vysti/revise/internal/draft"
	"github.com/vysti/revise/internal/history"
	"github.com/vysti/revise/internal/issues"
	"github.com/vysti/revise/internal/marking"
	"github.com/vysti/revise/internal/preview"
	"github.com/vysti/revise/internal/rewrite"
	"github.com/vysti/revise/internal/storage"
)

// State is the controller's position in the session lifecycle.
type State string

const (
	StateIdle         State = "idle"
	StateConfigError  State = "config_error"
	StateFileSelected State = "file_selected"
	StateMarking      State = "marking"
	StateMarked       State = "marked"
	StateRechecking   State = "rechecking"
	StateDownloading  State = "downloading_revised"
	StatePreviewError State = "preview_error"
)

// Guard failures. Callers show these verbatim; none of them change state.
var (
	ErrNoFile    = errors.New("select a file first")
	ErrBusy      = errors.New("another marking call is in flight")
	ErrNotMarked = errors.New("mark the essay first")
	ErrNotEdited = errors.New("the preview has no edits to download")
	ErrNoDraft   = errors.New("no saved draft for this file")
)

const (
	// redirectDelay is the grace period between the expiry status appearing
	// and the navigation to sign-in.
	redirectDelay = 150 * time.Millisecond

	// eventFetchLimit bounds the history scan when resolving the mark event
	// created by the run that just finished.
	eventFetchLimit = 20

	// localRecordKeep caps the locally cached marked copies per database.
	localRecordKeep = 20

	defaultMode = "analytic"
)

// Marker is the slice of the marking client the controller drives.
type Marker interface {
	Mark(ctx context.Context, fileName string, data []byte, mode, assignmentName string) (marking.Artifact, error)
	MarkText(ctx context.Context, fileName, text, mode string, titles []string) (marking.Artifact, error)
	ExportDocx(ctx context.Context, fileName, text string) ([]byte, error)
	RevisionCheck(ctx context.Context, req marking.CheckRequest) (marking.CheckResult, error)
}

// Backend is the slice of the PostgREST client the controller reads.
type Backend interface {
	RecentMarkEvents(ctx context.Context, userID string, limit int) ([]backend.MarkEvent, error)
	IssueExamples(ctx context.Context, userID, fileName, label, markEventID string, limit int) ([]backend.IssueExample, error)
}

// Deps carries everything a controller needs. Navigate receives the sign-in
// URL after the expiry grace delay; tests inject a recorder.
type Deps struct {
	Runtime config.Runtime
	Marker  Marker
	Backend Backend
	Store   *storage.Store
	UserID  string

	// SignInBase is the sign-in location; Path is the return-to value
	// attached to the redirect.
	SignInBase string
	Path       string
	Navigate   func(url string)

	Renderer      preview.Renderer
	Logger        *slog.Logger
	RedirectDelay time.Duration
}

// Controller is the session state machine. One controller drives exactly one
// essay session at a time; selecting a new file discards the previous one.
type Controller struct {
	cfg     config.Runtime
	marker  Marker
	backend Backend
	store   *storage.Store
	logger  *slog.Logger

	preview    *preview.Store
	model      *issues.Model
	rewrites   *rewrite.Engine
	dismissals *dismiss.Engine
	drafts     *draft.Saver
	attempts   *history.Service

	userID        string
	signInBase    string
	path          string
	navigate      func(string)
	redirectDelay time.Duration

	mu             sync.Mutex
	state          State
	status         string
	file           docfile.Handle
	mode           string
	assignmentName string
	artifact       marking.Artifact
	expired        bool
}

func New(deps Deps) *Controller {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	renderer := deps.Renderer
	if renderer == nil {
		renderer = preview.DocxRenderer{}
	}
	delay := deps.RedirectDelay
	if delay <= 0 {
		delay = redirectDelay
	}
	navigate := deps.Navigate
	if navigate == nil {
		navigate = func(string) {}
	}

	c := &Controller{
		cfg:           deps.Runtime,
		marker:        deps.Marker,
		backend:       deps.Backend,
		store:         deps.Store,
		logger:        logger,
		userID:        deps.UserID,
		signInBase:    deps.SignInBase,
		path:          deps.Path,
		navigate:      navigate,
		redirectDelay: delay,
		state:         StateIdle,
		mode:          defaultMode,
	}

	c.preview = preview.NewStore(renderer, logger)
	c.model = issues.NewModel(&exampleSource{controller: c}, logger)
	c.rewrites = rewrite.NewEngine(deps.Marker, c.preview, c.model, logger)
	c.dismissals = dismiss.NewEngine(deps.Store, c.model, c.preview, logger)
	c.drafts = draft.NewSaver(deps.Store, c.previewText, logger)
	c.attempts = history.NewService(deps.Backend)

	// Every preview edit arms an autosave capture.
	c.preview.OnEdited(c.drafts.Note)
	c.preview.SetDebug(deps.Runtime.FeatureFlags.DebugPreview)

	if deps.Runtime.FeatureFlags.RevisionPractice {
		// Rewrite mutations persist a practice snapshot so a restart picks
		// up where the student left off.
		c.rewrites.OnChange(c.saveRewriteSnapshot)
	}

	if deps.Runtime.APIBaseURL == "" {
		c.state = StateConfigError
		c.status = "Configuration unavailable. Reload to try again."
	}
	return c
}

// Collaborator accessors for the API and CLI layers.

func (c *Controller) Preview() *preview.Store     { return c.preview }
func (c *Controller) Model() *issues.Model        { return c.model }
func (c *Controller) Rewrites() *rewrite.Engine   { return c.rewrites }
func (c *Controller) Dismissals() *dismiss.Engine { return c.dismissals }
func (c *Controller) Drafts() *draft.Saver        { return c.drafts }
func (c *Controller) History() *history.Service   { return c.attempts }

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Status() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Controller) Expired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expired
}

// FileName returns the selected file's name, empty when no file is selected.
func (c *Controller) FileName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.file.Name
}

// Techniques returns the side-channel techniques of the current marked
// artifact.
func (c *Controller) Techniques() marking.Techniques {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.artifact.Techniques
}

func (c *Controller) Mode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// SetMode records the marking mode for subsequent runs.
func (c *Controller) SetMode(mode string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if mode != "" {
		c.mode = mode
	}
}

// SetAssignmentName records the optional assignment name sent with Mark.
func (c *Controller) SetAssignmentName(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.assignmentName = name
}

// SelectFile validates and installs a file, replacing any current session.
// Rejected files leave the session untouched.
func (c *Controller) SelectFile(name, mimeType string, data []byte) error {
	c.mu.Lock()
	if c.state == StateConfigError {
		c.mu.Unlock()
		return config.ErrConfigMissing
	}
	if c.state == StateMarking || c.state == StateRechecking {
		c.mu.Unlock()
		return ErrBusy
	}
	c.mu.Unlock()

	handle, err := docfile.Open(name, mimeType, data)
	if err != nil {
		c.setStatus(err.Error())
		return err
	}

	c.discardSession()

	c.mu.Lock()
	c.file = handle
	c.state = StateFileSelected
	c.status = fmt.Sprintf("%s ready to mark", handle.Name)
	userID := c.userID
	fileName := handle.Name
	mode := c.mode
	autosave := c.cfg.FeatureFlags.AutosaveDrafts
	c.mu.Unlock()

	if err := c.dismissals.BeginSession(userID, fileName, mode); err != nil {
		c.logger.Warn("loading persisted dismissals", "file", fileName, "error", err)
	}
	if autosave {
		c.drafts.Bind(userID, fileName, mode)
	} else {
		c.drafts.Bind("", "", "")
	}
	return nil
}

// ClearFile drops the session back to Idle, discarding every piece of
// session-scoped state and invalidating in-flight renders.
func (c *Controller) ClearFile() {
	c.discardSession()
	c.mu.Lock()
	c.file = docfile.Handle{}
	if c.state != StateConfigError {
		c.state = StateIdle
	}
	c.status = ""
	c.mu.Unlock()
}

func (c *Controller) discardSession() {
	c.drafts.Stop()
	c.preview.Clear()
	c.rewrites.Reset()
	c.model.Hydrate(nil, nil, "")
	c.mu.Lock()
	c.artifact = marking.Artifact{}
	c.mu.Unlock()
}

// Mark runs a full marking pass over the selected file. Word-processing
// documents upload as-is; PDFs go through text extraction and the text path.
func (c *Controller) Mark(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConfigError:
		c.mu.Unlock()
		return config.ErrConfigMissing
	case StateMarking, StateRechecking, StateDownloading:
		c.mu.Unlock()
		return ErrBusy
	case StateIdle:
		c.mu.Unlock()
		return ErrNoFile
	}
	file := c.file
	mode := c.mode
	assignment := c.assignmentName
	prev := c.state
	c.state = StateMarking
	c.status = "Marking " + file.Name
	c.mu.Unlock()

	art, err := c.runMark(ctx, file, mode, assignment)
	if err != nil {
		c.setState(prev)
		return c.fail(err)
	}

	source := "upload"
	if file.Kind == docfile.KindPDF {
		source = "pdf"
	}
	return c.installArtifact(ctx, file.Name, mode, source, art, true)
}

func (c *Controller) runMark(ctx context.Context, file docfile.Handle, mode, assignment string) (marking.Artifact, error) {
	if file.Kind == docfile.KindPDF {
		text, err := file.Text(ctx)
		if err != nil {
			return marking.Artifact{}, err
		}
		return c.marker.MarkText(ctx, file.Name, text, mode, nil)
	}
	return c.marker.Mark(ctx, file.Name, file.Bytes, mode, assignment)
}

// Recheck re-marks the current preview text. Rewrite entries survive: their
// applied flags still describe the text being re-marked.
func (c *Controller) Recheck(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateMarked {
		state := c.state
		c.mu.Unlock()
		switch state {
		case StateMarking, StateRechecking, StateDownloading:
			return ErrBusy
		default:
			return ErrNotMarked
		}
	}
	file := c.file
	mode := c.mode
	c.state = StateRechecking
	c.status = "Rechecking " + file.Name
	c.mu.Unlock()

	text := preview.ExtractText(c.preview.Root())
	if preview.CollapseSpace(text) == "" {
		c.setState(StateMarked)
		err := &marking.ValidationError{Reason: "the preview has no text to recheck"}
		c.setStatus(err.Error())
		return err
	}

	art, err := c.marker.MarkText(ctx, file.Name, text, mode, nil)
	if err != nil {
		c.setState(StateMarked)
		return c.fail(err)
	}

	return c.installArtifact(ctx, file.Name, mode, "paste", art, false)
}

// installArtifact commits a marking result: render and backend hydration run
// concurrently, then the issue model, dismissal scope, and example cache are
// rebuilt. fresh distinguishes a Mark (rewrite state resets) from a Recheck
// (rewrite state survives).
func (c *Controller) installArtifact(ctx context.Context, fileName, mode, source string, art marking.Artifact, fresh bool) error {
	c.mu.Lock()
	c.artifact = art
	userID := c.userID
	c.mu.Unlock()

	c.rewrites.SetMode(mode)
	if fresh {
		c.rewrites.Reset()
	}

	var renderErr error
	var event backend.MarkEvent
	var haveEvent bool

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Render failures degrade to PreviewError; they never abort
		// hydration.
		renderErr = c.preview.Render(gctx, art.Blob)
		return nil
	})
	g.Go(func() error {
		ev, ok, err := c.newestEvent(gctx, userID, fileName)
		if err != nil {
			if errors.Is(err, auth.ErrSessionExpired) {
				return err
			}
			c.logger.Warn("resolving mark event", "file", fileName, "error", err)
			return nil
		}
		event, haveEvent = ev, ok
		return nil
	})
	if err := g.Wait(); err != nil {
		return c.fail(err)
	}

	if haveEvent {
		c.model.Hydrate(event.LabelCounts, convertIssues(event.Issues), event.ID)
		if err := c.dismissals.SetMarkEventID(event.ID); err != nil {
			c.logger.Warn("switching dismissal scope", "event", event.ID, "error", err)
		}
		if fresh && c.cfg.FeatureFlags.RevisionPractice {
			selected, ok, err := c.rewrites.RestoreSnapshot(c.store, userID, fileName, event.ID)
			if err != nil {
				c.logger.Warn("restoring practice snapshot", "file", fileName, "error", err)
			} else if ok && selected != "" {
				c.model.Select(selected)
			}
		}
	} else {
		c.model.Hydrate(nil, nil, "")
	}
	c.recordRun(fileName, mode, source, art, event.ID)
	c.model.SetDismissalCounts(c.dismissals.CountsForFile())

	if err := c.model.FetchExamples(ctx); err != nil {
		c.logger.Warn("fetching examples", "error", err)
	}

	c.mu.Lock()
	if renderErr != nil {
		c.state = StatePreviewError
		c.status = "Preview unavailable. Your marked file is still ready to download."
	} else {
		c.state = StateMarked
		c.status = fileName + " marked"
	}
	c.mu.Unlock()

	if renderErr != nil {
		c.logger.Warn("preview render failed", "file", fileName, "error", renderErr)
	}
	return nil
}

// saveRewriteSnapshot persists the practice state after a rewrite mutation.
// Best effort; a session without a resolved mark event has nothing to pin
// the snapshot to.
func (c *Controller) saveRewriteSnapshot() {
	c.mu.Lock()
	userID := c.userID
	fileName := c.file.Name
	c.mu.Unlock()

	eventID := c.model.MarkEventID()
	if fileName == "" || eventID == "" {
		return
	}
	if err := c.rewrites.SaveSnapshot(c.store, userID, fileName, eventID, c.model.Selected()); err != nil {
		c.logger.Warn("saving practice snapshot", "file", fileName, "error", err)
	}
}

// newestEvent resolves the mark event the service recorded for this run: the
// most recent row for the file.
func (c *Controller) newestEvent(ctx context.Context, userID, fileName string) (backend.MarkEvent, bool, error) {
	events, err := c.backend.RecentMarkEvents(ctx, userID, eventFetchLimit)
	if err != nil {
		return backend.MarkEvent{}, false, err
	}
	for _, ev := range events {
		if ev.FileName == fileName {
			return ev, true, nil
		}
	}
	return backend.MarkEvent{}, false, nil
}

// DownloadMarked returns the current marked blob and its download name. The
// artifact stays available even when the preview failed to render.
func (c *Controller) DownloadMarked() ([]byte, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateMarked && c.state != StatePreviewError && c.state != StateDownloading {
		return nil, "", ErrNotMarked
	}
	if len(c.artifact.Blob) == 0 {
		return nil, "", ErrNotMarked
	}
	return c.artifact.Blob, docfile.MarkedName(c.file.Name), nil
}

// DownloadRevised re-exports the edited preview text as a document.
func (c *Controller) DownloadRevised(ctx context.Context) ([]byte, string, error) {
	c.mu.Lock()
	if c.state != StateMarked {
		state := c.state
		c.mu.Unlock()
		switch state {
		case StateMarking, StateRechecking, StateDownloading:
			return nil, "", ErrBusy
		default:
			return nil, "", ErrNotMarked
		}
	}
	if !c.preview.Edited() {
		c.mu.Unlock()
		return nil, "", ErrNotEdited
	}
	file := c.file
	c.state = StateDownloading
	c.mu.Unlock()

	text := preview.ExtractText(c.preview.Root())
	blob, err := c.marker.ExportDocx(ctx, file.Name, text)
	c.setState(StateMarked)
	if err != nil {
		return nil, "", c.fail(err)
	}
	return blob, docfile.RevisedName(file.Name), nil
}

// RestoreDraft re-exports the autosaved text and installs the result as the
// current artifact. The draft is consumed on success.
func (c *Controller) RestoreDraft(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConfigError:
		c.mu.Unlock()
		return config.ErrConfigMissing
	case StateIdle:
		c.mu.Unlock()
		return ErrNoFile
	case StateMarking, StateRechecking, StateDownloading:
		c.mu.Unlock()
		return ErrBusy
	}
	file := c.file
	c.mu.Unlock()

	d, ok, err := c.drafts.Load()
	if err != nil {
		c.setStatus(err.Error())
		return err
	}
	if !ok {
		return ErrNoDraft
	}

	blob, err := c.marker.ExportDocx(ctx, file.Name, d.Text)
	if err != nil {
		return c.fail(err)
	}

	c.mu.Lock()
	c.artifact = marking.Artifact{Blob: blob, ReceivedAt: time.Now().UTC()}
	c.mu.Unlock()

	if err := c.preview.Render(ctx, blob); err != nil {
		c.setState(StatePreviewError)
		c.setStatus("Preview unavailable. Your marked file is still ready to download.")
		return err
	}
	c.preview.MarkEdited()
	if err := c.drafts.Clear(); err != nil {
		c.logger.Warn("clearing restored draft", "error", err)
	}

	c.mu.Lock()
	c.state = StateMarked
	c.status = "Draft restored"
	c.mu.Unlock()
	return nil
}

// Attempts lists prior marking runs of the selected file, newest first. When
// the backend is unreachable the locally cached runs stand in, so history
// stays browsable offline; expiry still propagates.
func (c *Controller) Attempts(ctx context.Context, limit int) ([]history.AttemptSummary, error) {
	c.mu.Lock()
	userID := c.userID
	fileName := c.file.Name
	c.mu.Unlock()
	if fileName == "" {
		return nil, ErrNoFile
	}

	attempts, err := c.attempts.Attempts(ctx, userID, fileName, limit)
	if err != nil {
		if errors.Is(err, auth.ErrSessionExpired) {
			return nil, c.fail(err)
		}
		local := c.localAttempts(fileName, limit)
		if len(local) == 0 {
			return nil, c.fail(err)
		}
		c.logger.Warn("attempt listing fell back to local records", "error", err)
		return local, nil
	}
	return attempts, nil
}

// recordRun caches the marked copy locally so earlier attempts stay
// downloadable without the backend. Best effort; failures only log.
func (c *Controller) recordRun(fileName, mode, source string, art marking.Artifact, eventID string) {
	c.mu.Lock()
	assignment := c.assignmentName
	c.mu.Unlock()

	id := eventID
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := art.ReceivedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	var techniques string
	if art.Techniques.Kind != marking.TechniquesNone {
		if encoded, err := json.Marshal(art.Techniques); err == nil {
			techniques = string(encoded)
		}
	}

	rec := storage.MarkRecord{
		ID:             id,
		CreatedAt:      createdAt,
		FileName:       fileName,
		AssignmentName: assignment,
		Mode:           mode,
		Source:         source,
		Blob:           art.Blob,
		TechniquesJSON: techniques,
	}
	if err := c.store.SaveMarkRecord(rec); err != nil {
		c.logger.Warn("caching marked copy", "file", fileName, "error", err)
		return
	}
	c.pruneRecords()
}

func (c *Controller) pruneRecords() {
	records, err := c.store.ListMarkRecords(localRecordKeep * 2)
	if err != nil {
		c.logger.Warn("listing cached marks", "error", err)
		return
	}
	for i := localRecordKeep; i < len(records); i++ {
		if err := c.store.DeleteMarkRecord(records[i].ID); err != nil {
			c.logger.Warn("pruning cached mark", "id", records[i].ID, "error", err)
		}
	}
}

func (c *Controller) localAttempts(fileName string, limit int) []history.AttemptSummary {
	records, err := c.store.ListMarkRecords(localRecordKeep)
	if err != nil {
		c.logger.Warn("listing cached marks", "error", err)
		return nil
	}
	var out []history.AttemptSummary
	for _, rec := range records {
		if rec.FileName != fileName {
			continue
		}
		out = append(out, history.AttemptSummary{
			ID:        rec.ID,
			CreatedAt: rec.CreatedAt,
			FileName:  rec.FileName,
			Mode:      rec.Mode,
		})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// DownloadAttempt returns the locally cached marked copy of an earlier run
// of the selected file.
func (c *Controller) DownloadAttempt(attemptID string) ([]byte, string, error) {
	c.mu.Lock()
	fileName := c.file.Name
	c.mu.Unlock()
	if fileName == "" {
		return nil, "", ErrNoFile
	}

	rec, err := c.store.GetMarkRecord(attemptID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, "", &marking.ValidationError{Reason: "no saved copy of that attempt"}
	}
	if err != nil {
		return nil, "", err
	}
	if rec.FileName != fileName {
		return nil, "", &marking.ValidationError{Reason: "that attempt does not belong to the selected file"}
	}
	return rec.Blob, docfile.MarkedName(rec.FileName), nil
}

// SelectAttempt hydrates the issue model read-only from a historical mark
// event. Rewrites and dismissals stay live against the current preview; the
// next Mark rebinds everything to the fresh run.
func (c *Controller) SelectAttempt(ctx context.Context, attemptID string) error {
	c.mu.Lock()
	userID := c.userID
	fileName := c.file.Name
	c.mu.Unlock()
	if fileName == "" {
		return ErrNoFile
	}

	events, err := c.backend.RecentMarkEvents(ctx, userID, eventFetchLimit)
	if err != nil {
		return c.fail(err)
	}
	for _, ev := range events {
		if ev.ID == attemptID && ev.FileName == fileName {
			c.model.HydrateReadOnly(ev.LabelCounts, convertIssues(ev.Issues), ev.ID)
			if err := c.dismissals.SetMarkEventID(ev.ID); err != nil {
				c.logger.Warn("switching dismissal scope", "event", ev.ID, "error", err)
			}
			c.model.SetDismissalCounts(c.dismissals.CountsForFile())
			if err := c.model.FetchExamples(ctx); err != nil {
				c.logger.Warn("fetching examples", "error", err)
			}
			c.setStatus("Viewing an earlier attempt")
			return nil
		}
	}
	return &marking.ValidationError{Reason: "that attempt does not belong to the selected file"}
}

// fail routes an operation error: expiry triggers the redirect flow, anything
// else becomes a status line. The error is returned unchanged either way.
func (c *Controller) fail(err error) error {
	if errors.Is(err, auth.ErrSessionExpired) {
		c.expire()
		return err
	}
	c.setStatus(statusFor(err))
	return err
}

// expire sets the session-expired status, optionally clears sensitive state,
// and schedules the sign-in redirect after the grace delay.
func (c *Controller) expire() {
	c.mu.Lock()
	alreadyExpired := c.expired
	c.expired = true
	c.status = "Session expired"
	clearState := c.cfg.FeatureFlags.ClearOnExpiry
	c.mu.Unlock()
	if alreadyExpired {
		return
	}

	if clearState {
		c.drafts.Stop()
		c.preview.Clear()
		c.mu.Lock()
		c.artifact = marking.Artifact{}
		c.mu.Unlock()
	}

	target := auth.SignInURL(c.signInBase, c.path)
	time.AfterFunc(c.redirectDelay, func() {
		c.navigate(target)
	})
}

func statusFor(err error) string {
	var svcErr *marking.ServiceError
	var netErr *marking.NetworkError
	var valErr *marking.ValidationError
	switch {
	case errors.Is(err, marking.ErrTimeout):
		return "The request timed out. Try again."
	case errors.As(err, &svcErr):
		return svcErr.Error()
	case errors.As(err, &netErr):
		return "Connection problem. Check your network and try again."
	case errors.As(err, &valErr):
		return valErr.Reason
	default:
		return err.Error()
	}
}

func (c *Controller) setState(state State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
}

func (c *Controller) setStatus(status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = status
}

// previewText feeds the draft saver at capture time.
func (c *Controller) previewText() string {
	return preview.ExtractText(c.preview.Root())
}

func convertIssues(in []backend.Issue) []issues.Issue {
	out := make([]issues.Issue, 0, len(in))
	for _, is := range in {
		out = append(out, issues.Issue{
			Label:            is.Label,
			ParagraphIndex:   is.ParagraphIndex,
			Sentence:         is.Sentence,
			ShortExplanation: is.ShortExplanation,
			Explanation:      is.Explanation,
		})
	}
	return out
}

// exampleSource adapts the PostgREST example rows to the issue model,
// scoping every query to the controller's current user and file.
type exampleSource struct {
	controller *Controller
}

func (s *exampleSource) ExamplesForEvent(ctx context.Context, markEventID, label string, limit int) ([]issues.Example, error) {
	return s.fetch(ctx, label, markEventID, limit)
}

func (s *exampleSource) ExamplesForLabel(ctx context.Context, label string, limit int) ([]issues.Example, error) {
	return s.fetch(ctx, label, "", limit)
}

func (s *exampleSource) fetch(ctx context.Context, label, markEventID string, limit int) ([]issues.Example, error) {
	c := s.controller
	c.mu.Lock()
	userID := c.userID
	fileName := c.file.Name
	c.mu.Unlock()

	rows, err := c.backend.IssueExamples(ctx, userID, fileName, label, markEventID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]issues.Example, 0, len(rows))
	for _, row := range rows {
		out = append(out, issues.Example{
			Label:          row.Label,
			Sentence:       row.Sentence,
			ParagraphIndex: row.ParagraphIndex,
			CreatedAt:      row.CreatedAt,
		})
	}
	return out, nil
}
