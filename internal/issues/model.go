package issues

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Issue is one flagged sentence from a marking run.
type Issue struct {
	Label            string
	ParagraphIndex   int
	Sentence         string
	ShortExplanation string
	Explanation      string
}

// Example is a flagged sentence shown under the selected label.
type Example struct {
	Label          string    `json:"label"`
	Sentence       string    `json:"sentence"`
	ParagraphIndex int       `json:"paragraph_index"`
	CreatedAt      time.Time `json:"created_at"`
}

// ExampleSource fetches examples for a label, optionally scoped to one mark
// event.
type ExampleSource interface {
	ExamplesForEvent(ctx context.Context, markEventID, label string, limit int) ([]Example, error)
	ExamplesForLabel(ctx context.Context, label string, limit int) ([]Example, error)
}

const (
	fetchLimit   = 50
	displayLimit = 10
)

// Model is the per-session issue state: raw counts from the service,
// dismissal-adjusted effective counts, region grouping, the selected label,
// and its example cache.
type Model struct {
	source ExampleSource
	logger *slog.Logger

	mu          sync.Mutex
	raw         map[string]int
	adjust      map[string]int // dismissals and applied rewrites per label
	issues      []Issue
	markEventID string
	readOnly    bool
	selected    string
	examples    []Example
	dismissed   map[string]bool // label + "\x00" + sentence
	fetchSeq    uint64
	onChange    []func()
}

func NewModel(source ExampleSource, logger *slog.Logger) *Model {
	if logger == nil {
		logger = slog.Default()
	}
	return &Model{
		source:    source,
		logger:    logger,
		raw:       map[string]int{},
		adjust:    map[string]int{},
		dismissed: map[string]bool{},
	}
}

// OnChange registers a callback fired after any mutation of counts,
// selection, or examples.
func (m *Model) OnChange(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = append(m.onChange, fn)
}

func (m *Model) notifyLocked() {
	for _, fn := range m.onChange {
		fn()
	}
}

// Hydrate installs the result of a fresh mark or recheck. All adjustments
// and example state are reset.
func (m *Model) Hydrate(raw map[string]int, issues []Issue, markEventID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.raw = cloneCounts(raw)
	m.adjust = map[string]int{}
	m.issues = append([]Issue(nil), issues...)
	m.markEventID = markEventID
	m.readOnly = false
	m.examples = nil
	m.dismissed = map[string]bool{}
	m.fetchSeq++
	m.reselectLocked()
	m.notifyLocked()
}

// HydrateReadOnly installs a historical attempt. Counts and issues become a
// read-only view; rewrites and dismissals still work against the live
// preview but the attempt itself is never overwritten.
func (m *Model) HydrateReadOnly(raw map[string]int, issues []Issue, markEventID string) {
	m.Hydrate(raw, issues, markEventID)
	m.mu.Lock()
	m.readOnly = true
	m.mu.Unlock()
}

func (m *Model) ReadOnly() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readOnly
}

func (m *Model) MarkEventID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.markEventID
}

// SetDismissalCounts replaces the per-label adjustment baseline, used when
// restoring persisted dismissals for the current file.
func (m *Model) SetDismissalCounts(counts map[string]int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adjust = cloneCounts(counts)
	m.reselectLocked()
	m.notifyLocked()
}

// Decrement records one dismissal or applied rewrite against a label.
func (m *Model) Decrement(label string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adjust[label]++
	m.reselectLocked()
	m.notifyLocked()
}

// Raw returns a copy of the unadjusted counts.
func (m *Model) Raw() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneCounts(m.raw)
}

// Effective returns the dismissal-adjusted counts. Entries never go
// negative and zero entries are pruned.
func (m *Model) Effective() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.effectiveLocked()
}

func (m *Model) effectiveLocked() map[string]int {
	out := make(map[string]int, len(m.raw))
	for label, n := range m.raw {
		eff := n - m.adjust[label]
		if eff > 0 {
			out[label] = eff
		}
	}
	return out
}

// Issues returns the issues for one label.
func (m *Model) Issues(label string) []Issue {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Issue
	for _, is := range m.issues {
		if is.Label == label {
			out = append(out, is)
		}
	}
	return out
}

// TotalEffective sums the adjusted counts.
func (m *Model) TotalEffective() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.effectiveLocked() {
		total += n
	}
	return total
}

// --- Selection ---

// Select picks a label. Selecting an absent label collapses to the default.
func (m *Model) Select(label string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.effectiveLocked()[label]; ok {
		m.selected = label
	} else {
		m.selected = m.defaultSelectionLocked()
	}
	m.notifyLocked()
}

func (m *Model) Selected() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selected
}

// reselectLocked keeps the selection stable while it exists in the adjusted
// set, otherwise collapses it to the top label of the top group.
func (m *Model) reselectLocked() {
	if _, ok := m.effectiveLocked()[m.selected]; ok {
		return
	}
	m.selected = m.defaultSelectionLocked()
}

func (m *Model) defaultSelectionLocked() string {
	groups := m.groupsLocked()
	for _, g := range groups {
		if len(g.Labels) > 0 {
			return g.Labels[0].Label
		}
	}
	return ""
}

// --- Grouping ---

// LabelCount is one label with its adjusted count.
type LabelCount struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// Group is a document region with its labels sorted by count descending.
type Group struct {
	Name   string       `json:"name"` // "intro", "body_1".."body_n", "conclusion"
	Labels []LabelCount `json:"labels"`
}

var introKeywords = []string{"title", "introduction", "thesis", "first sentence"}

// Groups partitions the adjusted labels into intro, body, and conclusion
// regions by each label's dominant paragraph index.
func (m *Model) Groups() []Group {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.groupsLocked()
}

func (m *Model) groupsLocked() []Group {
	effective := m.effectiveLocked()
	if len(effective) == 0 {
		return nil
	}

	introIdx, conclusionIdx := paragraphBounds(m.issues)

	buckets := map[string][]LabelCount{}
	maxBody := 0
	for label, count := range effective {
		name := bucketFor(label, dominantIndex(m.issues, label), introIdx, conclusionIdx)
		if n, ok := bodyIndex(name); ok && n > maxBody {
			maxBody = n
		}
		buckets[name] = append(buckets[name], LabelCount{Label: label, Count: count})
	}

	order := []string{"intro"}
	for i := 1; i <= maxBody; i++ {
		order = append(order, bodyName(i))
	}
	order = append(order, "conclusion")

	var groups []Group
	for _, name := range order {
		labels := buckets[name]
		if len(labels) == 0 {
			continue
		}
		sort.Slice(labels, func(i, j int) bool {
			if labels[i].Count != labels[j].Count {
				return labels[i].Count > labels[j].Count
			}
			return labels[i].Label < labels[j].Label
		})
		groups = append(groups, Group{Name: name, Labels: labels})
	}
	return groups
}

func paragraphBounds(issues []Issue) (intro, conclusion int) {
	first := true
	for _, is := range issues {
		if first {
			intro, conclusion = is.ParagraphIndex, is.ParagraphIndex
			first = false
			continue
		}
		if is.ParagraphIndex < intro {
			intro = is.ParagraphIndex
		}
		if is.ParagraphIndex > conclusion {
			conclusion = is.ParagraphIndex
		}
	}
	return intro, conclusion
}

// dominantIndex is the mode of the label's paragraph indices, smallest index
// winning ties. A label with no recorded issues defaults to the body.
func dominantIndex(issues []Issue, label string) int {
	counts := map[int]int{}
	for _, is := range issues {
		if is.Label == label {
			counts[is.ParagraphIndex]++
		}
	}
	if len(counts) == 0 {
		return -1
	}
	best, bestN := 0, -1
	for idx, n := range counts {
		if n > bestN || (n == bestN && idx < best) {
			best, bestN = idx, n
		}
	}
	return best
}

func bucketFor(label string, dominant, introIdx, conclusionIdx int) string {
	lower := strings.ToLower(label)
	intro := dominant >= 0 && dominant == introIdx
	for _, kw := range introKeywords {
		if strings.Contains(lower, kw) {
			intro = true
		}
	}
	if intro {
		return "intro"
	}
	if (dominant >= 0 && dominant == conclusionIdx) || strings.Contains(lower, "conclusion") {
		return "conclusion"
	}
	if dominant < 0 {
		return bodyName(1)
	}
	n := dominant - introIdx
	if n < 1 {
		n = 1
	}
	return bodyName(n)
}

func bodyName(n int) string {
	return "body_" + strconv.Itoa(n)
}

func bodyIndex(name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, "body_")
	if !ok {
		return 0, false
	}
	n := 0
	for _, r := range rest {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int(r-'0')
	}
	return n, true
}

// --- Examples ---

// FetchExamples refreshes the example cache for the current selection. A
// stale fetch whose selection or event changed while it was in flight is
// discarded. Event-scoped rows are preferred; an empty result falls back to
// an unscoped query.
func (m *Model) FetchExamples(ctx context.Context) error {
	m.mu.Lock()
	m.fetchSeq++
	seq := m.fetchSeq
	label := m.selected
	eventID := m.markEventID
	m.mu.Unlock()

	if label == "" {
		m.setExamples(seq, nil)
		return nil
	}

	var examples []Example
	var err error
	if eventID != "" {
		examples, err = m.source.ExamplesForEvent(ctx, eventID, label, fetchLimit)
		if err != nil {
			return err
		}
	}
	if len(examples) == 0 {
		examples, err = m.source.ExamplesForLabel(ctx, label, fetchLimit)
		if err != nil {
			return err
		}
	}
	m.setExamples(seq, examples)
	return nil
}

func (m *Model) setExamples(seq uint64, examples []Example) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seq != m.fetchSeq {
		m.logger.Debug("discarding stale examples fetch", "seq", seq, "current", m.fetchSeq)
		return
	}

	seen := map[string]bool{}
	var kept []Example
	for _, ex := range examples {
		key := exampleKey(ex.ParagraphIndex, ex.Sentence)
		if seen[key] || m.dismissed[ex.Label+"\x00"+ex.Sentence] {
			continue
		}
		seen[key] = true
		kept = append(kept, ex)
		if len(kept) == displayLimit {
			break
		}
	}
	m.examples = kept
	m.notifyLocked()
}

func exampleKey(paragraphIndex int, sentence string) string {
	return strconv.Itoa(paragraphIndex) + "\x00" + sentence
}

// Examples returns the cached examples for the selected label.
func (m *Model) Examples() []Example {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Example(nil), m.examples...)
}

// RemoveExample drops a dismissed instance from the cache and keeps it out
// of later fetches for this session.
func (m *Model) RemoveExample(label, sentence string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dismissed[label+"\x00"+sentence] = true
	kept := m.examples[:0]
	for _, ex := range m.examples {
		if ex.Label == label && ex.Sentence == sentence {
			continue
		}
		kept = append(kept, ex)
	}
	m.examples = kept
	m.notifyLocked()
}

func cloneCounts(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
