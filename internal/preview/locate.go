package preview

import (
	"errors"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ErrLocatorMiss means no preview block plausibly contains the sentence.
// Sentence location is heuristic; this is an expected outcome, not a fault.
var ErrLocatorMiss = errors.New("sentence not found in preview")

// ErrPasteManually means the block was found and contains the sentence in
// normalized form, but the exact span could not be isolated safely. The
// preview is left untouched.
var ErrPasteManually = errors.New("could not replace automatically; paste the rewrite manually")

const (
	minBlockChars    = 20
	exactPrefixChars = 80
	minTokenLen      = 4
	tokenThreshold   = 0.25
)

// FindBestMatchBlock locates the paragraph block most likely to contain the
// sentence. Exact normalized containment of the sentence's first 80
// characters wins with score 1; otherwise blocks are scored by the fraction
// of the sentence's unique long tokens they contain, accepted at ≥ 0.25.
func FindBestMatchBlock(root *html.Node, sentence string) (*html.Node, float64) {
	norm := Normalize(sentence)
	if norm == "" {
		return nil, 0
	}

	type candidate struct {
		block *html.Node
		text  string
	}
	var all, preferred []candidate
	for _, b := range paragraphBlocks(root) {
		text := Normalize(nodeText(b))
		if text == "" {
			continue
		}
		c := candidate{block: b, text: text}
		all = append(all, c)
		if len(text) >= minBlockChars {
			preferred = append(preferred, c)
		}
	}
	candidates := preferred
	if len(candidates) == 0 {
		candidates = all
	}
	if len(candidates) == 0 {
		return nil, 0
	}

	prefix := norm
	if len(prefix) > exactPrefixChars {
		prefix = prefix[:exactPrefixChars]
	}
	for _, c := range candidates {
		if strings.Contains(c.text, prefix) {
			return c.block, 1
		}
	}

	tokens := uniqueTokens(sentence, minTokenLen)
	if len(tokens) == 0 {
		return nil, 0
	}
	var best *html.Node
	bestScore := 0.0
	for _, c := range candidates {
		hits := 0
		for _, tok := range tokens {
			if strings.Contains(c.text, tok) {
				hits++
			}
		}
		score := float64(hits) / float64(len(tokens))
		if score > bestScore {
			best, bestScore = c.block, score
		}
	}
	if bestScore < tokenThreshold {
		return nil, 0
	}
	return best, bestScore
}

// ApplyRewrite replaces the exact span of the original sentence inside the
// best-matching block with a span carrying the rewrite. The returned node is
// the inserted span (already flash-marked).
func ApplyRewrite(root *html.Node, original, rewrite string) (*html.Node, error) {
	block, _ := FindBestMatchBlock(root, original)
	if block == nil {
		return nil, ErrLocatorMiss
	}

	text := nodeText(block)
	re, err := looseSentenceRegexp(original)
	if err != nil {
		return nil, ErrLocatorMiss
	}
	loc := re.FindStringIndex(text)
	if loc == nil {
		if strings.Contains(Normalize(text), Normalize(original)) {
			return nil, ErrPasteManually
		}
		return nil, ErrLocatorMiss
	}

	span := newElement(atom.Span)
	addClass(span, ClassRewrite)
	addClass(span, ClassFlash)
	span.AppendChild(newText(rewrite))

	if err := replaceTextRange(block, loc[0], loc[1], span); err != nil {
		return nil, err
	}
	normalizeTextNodes(block)
	return span, nil
}

// replaceTextRange deletes the text between byte offsets [start, end) of
// block's concatenated text and inserts repl at the cut point. Offsets are
// translated back onto the underlying text nodes, which may sit in nested
// inline elements.
func replaceTextRange(block *html.Node, start, end int, repl *html.Node) error {
	type seg struct {
		node   *html.Node
		offset int
	}
	var segs []seg
	offset := 0
	var collect func(*html.Node)
	collect = func(n *html.Node) {
		if n.Type == html.TextNode {
			segs = append(segs, seg{node: n, offset: offset})
			offset += len(n.Data)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			collect(c)
		}
	}
	collect(block)

	if start < 0 || end > offset || start >= end {
		return ErrLocatorMiss
	}

	inserted := false
	for _, s := range segs {
		segStart, segEnd := s.offset, s.offset+len(s.node.Data)
		if segEnd <= start || segStart >= end {
			continue
		}
		lo, hi := 0, len(s.node.Data)
		if start > segStart {
			lo = start - segStart
		}
		if end < segEnd {
			hi = end - segStart
		}
		prefix, suffix := s.node.Data[:lo], s.node.Data[hi:]

		if !inserted {
			parent := s.node.Parent
			s.node.Data = prefix
			next := s.node.NextSibling
			if next != nil {
				parent.InsertBefore(repl, next)
			} else {
				parent.AppendChild(repl)
			}
			if suffix != "" {
				tail := newText(suffix)
				if repl.NextSibling != nil {
					parent.InsertBefore(tail, repl.NextSibling)
				} else {
					parent.AppendChild(tail)
				}
			}
			inserted = true
			continue
		}
		s.node.Data = prefix + suffix
	}
	if !inserted {
		return ErrLocatorMiss
	}
	return nil
}

// looseSentenceRegexp compiles the original sentence into a pattern where
// whitespace runs are permissive and straight/smart quotes interchange.
func looseSentenceRegexp(s string) (*regexp.Regexp, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty sentence")
	}
	var b strings.Builder
	prevSpace := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			if !prevSpace {
				b.WriteString(`\s+`)
				prevSpace = true
			}
			continue
		}
		prevSpace = false
		switch r {
		case '"', '“', '”', '„', '‟':
			b.WriteString("[\"“”„‟]")
		case '\'', '‘', '’', '‚', '‛':
			b.WriteString("['‘’‚‛]")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	return regexp.Compile(b.String())
}

// StripLabel removes the rendered "→ <label>" artifact attached to the
// sentence, along with the continuous run of highlight styling immediately
// preceding it. labelSubstring is the bare label text (arrow and counts
// already trimmed).
func StripLabel(root *html.Node, sentence, labelSubstring string) error {
	block, _ := FindBestMatchBlock(root, sentence)
	if block == nil {
		return ErrLocatorMiss
	}

	labelNode := findLabelNode(block, labelSubstring)
	if labelNode == nil {
		return ErrLocatorMiss
	}

	// Walk leftward over the continuous run of highlighted inline elements
	// and strip their styling in place.
	for prev := labelNode.PrevSibling; prev != nil; prev = prev.PrevSibling {
		if prev.Type == html.TextNode && strings.TrimSpace(prev.Data) == "" {
			continue
		}
		if prev.Type != html.ElementNode || !isHighlighted(prev) {
			break
		}
		removeClass(prev, ClassHighlight)
		removeAttr(prev, "style")
	}

	labelNode.Parent.RemoveChild(labelNode)
	normalizeTextNodes(block)
	return nil
}

// findLabelNode locates the first span/anchor under block whose normalized
// text begins with the arrow glyph and contains the label substring.
func findLabelNode(block *html.Node, labelSubstring string) *html.Node {
	want := Normalize(labelSubstring)
	var found *html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if found != nil {
			return
		}
		if n.Type == html.ElementNode && (n.DataAtom == atom.Span || n.DataAtom == atom.A) {
			text := strings.TrimSpace(nodeText(n))
			if strings.HasPrefix(text, labelArrow) && strings.Contains(Normalize(text), want) {
				found = n
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(block)
	return found
}

func isHighlighted(n *html.Node) bool {
	if hasClass(n, ClassHighlight) {
		return true
	}
	style, ok := getAttr(n, "style")
	return ok && strings.Contains(style, "background")
}

// HighlightMatches toggles the locate class on the best-matching block for
// each sentence. Idempotent: re-highlighting an already-marked block is a
// no-op. Returns the number of blocks marked.
func HighlightMatches(root *html.Node, sentences []string) int {
	n := 0
	for _, s := range sentences {
		if block, _ := FindBestMatchBlock(root, s); block != nil {
			addClass(block, ClassLocate)
			n++
		}
	}
	return n
}

// ClearHighlights removes every locate mark under root.
func ClearHighlights(root *html.Node) {
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			removeClass(n, ClassLocate)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
}
