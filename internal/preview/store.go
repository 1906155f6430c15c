package preview

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Renderer converts a marked document blob into an editable element tree.
type Renderer interface {
	Render(ctx context.Context, blob []byte) (*html.Node, error)
}

// RenderError reports that the renderer rejected a blob. The store keeps
// serving the fallback tree until a later render succeeds.
type RenderError struct {
	Err error
}

func (e *RenderError) Error() string { return fmt.Sprintf("rendering preview: %v", e.Err) }
func (e *RenderError) Unwrap() error { return e.Err }

const (
	ZoomMin     = 0.5
	ZoomMax     = 2.0
	ZoomDefault = 1.0
)

// Store owns the preview tree. Renders are serialized by arrival order and
// latched by id: a render that finishes after a newer one started is
// discarded without touching the tree.
type Store struct {
	renderer Renderer
	logger   *slog.Logger

	mu         sync.Mutex
	renderID   uint64
	root       *html.Node
	renderErr  error
	edited     bool
	debug      bool
	zoom       float64
	onEdited   []func()
	onRendered []func()
}

func NewStore(renderer Renderer, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{renderer: renderer, logger: logger, zoom: ZoomDefault}
}

// Render produces a fresh tree from blob and installs it, unless a newer
// render began in the meantime. A renderer failure installs a fallback tree
// and records a RenderError; the session stays usable for everything that
// does not need the preview.
func (s *Store) Render(ctx context.Context, blob []byte) error {
	s.mu.Lock()
	s.renderID++
	id := s.renderID
	s.mu.Unlock()

	root, err := s.renderer.Render(ctx, blob)

	s.mu.Lock()
	defer s.mu.Unlock()
	if id != s.renderID {
		// A newer render superseded this one while it was in flight.
		s.logger.Debug("discarding stale preview render", "id", id, "current", s.renderID)
		return nil
	}
	if err != nil {
		s.root = fallbackRoot(err, s.debug)
		s.renderErr = &RenderError{Err: err}
		s.edited = false
		s.notifyLocked(s.onRendered)
		return s.renderErr
	}
	s.root = root
	s.renderErr = nil
	s.edited = false
	s.notifyLocked(s.onRendered)
	return nil
}

// Clear drops the current tree and bumps the latch so in-flight renders
// cannot resurrect it.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.renderID++
	s.root = nil
	s.renderErr = nil
	s.edited = false
}

// Root returns the current tree, or nil when nothing is rendered.
func (s *Store) Root() *html.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.root
}

// Err returns the render error behind the fallback tree, if any.
func (s *Store) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.renderErr
}

// MarkEdited records a manual edit to the preview. Downstream consumers use
// this to route downloads through the re-export path instead of the
// original marked blob.
func (s *Store) MarkEdited() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.edited {
		return
	}
	s.edited = true
	s.notifyLocked(s.onEdited)
}

func (s *Store) Edited() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.edited
}

// OnEdited registers a callback fired on the first edit after each render.
func (s *Store) OnEdited(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEdited = append(s.onEdited, fn)
}

// OnRendered registers a callback fired whenever a render commits.
func (s *Store) OnRendered(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRendered = append(s.onRendered, fn)
}

func (s *Store) notifyLocked(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}

// Zoom returns the current zoom factor.
func (s *Store) Zoom() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.zoom
}

// SetZoom clamps z into [ZoomMin, ZoomMax] and returns the applied value.
func (s *Store) SetZoom(z float64) float64 {
	if z < ZoomMin {
		z = ZoomMin
	}
	if z > ZoomMax {
		z = ZoomMax
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.zoom = z
	return z
}

// SetDebug toggles render-failure detail in the fallback tree.
func (s *Store) SetDebug(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.debug = on
}

// fallbackRoot is the tree served when rendering fails: a block telling the
// student the preview is unavailable but the marked file is not, plus the
// renderer's error detail under the debug flag.
func fallbackRoot(err error, debug bool) *html.Node {
	root := newElement(atom.Div)
	p := newElement(atom.P)
	p.AppendChild(newText("Preview unavailable. Your marked file is still ready to download."))
	root.AppendChild(p)
	if debug && err != nil {
		pre := newElement(atom.Pre)
		pre.AppendChild(newText(err.Error()))
		root.AppendChild(pre)
	}
	return root
}
