package preview

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Class names stamped onto preview nodes. Stable contracts: the dismissal
// scrub and the extractor both key off them.
const (
	ClassHighlight = "vysti-highlight"
	ClassLabel     = "vysti-label"
	ClassRewrite   = "vysti-rewrite"
	ClassLocate    = "vysti-locate"
	ClassFlash     = "vysti-flash"
)

// labelArrow is the glyph every rendered issue label starts with.
const labelArrow = "→"

func newElement(a atom.Atom) *html.Node {
	return &html.Node{Type: html.ElementNode, DataAtom: a, Data: a.String()}
}

func newText(s string) *html.Node {
	return &html.Node{Type: html.TextNode, Data: s}
}

var blockAtoms = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Li: true, atom.Blockquote: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true,
	atom.H5: true, atom.H6: true,
}

var tableAtoms = map[atom.Atom]bool{
	atom.Table: true, atom.Thead: true, atom.Tbody: true,
	atom.Tr: true, atom.Td: true, atom.Th: true,
}

// paragraphBlocks returns the paragraph-level element children of root,
// skipping tables entirely.
func paragraphBlocks(root *html.Node) []*html.Node {
	var blocks []*html.Node
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode || tableAtoms[c.DataAtom] {
			continue
		}
		if blockAtoms[c.DataAtom] {
			blocks = append(blocks, c)
		}
	}
	return blocks
}

// nodeText concatenates every text node under n, in document order.
func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

// visibleText is nodeText minus issue-label artifacts: elements whose
// normalized text begins with the arrow glyph, and anything the dismissal
// stamp marks.
func visibleText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && isLabelNode(n) {
			return
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

// isLabelNode reports whether n is an issue-label artifact.
func isLabelNode(n *html.Node) bool {
	if n.DataAtom != atom.Span && n.DataAtom != atom.A {
		return false
	}
	if hasClass(n, ClassLabel) {
		return true
	}
	return strings.HasPrefix(strings.TrimSpace(nodeText(n)), labelArrow)
}

func getAttr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func setAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if a.Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

func removeAttr(n *html.Node, key string) {
	for i, a := range n.Attr {
		if a.Key == key {
			n.Attr = append(n.Attr[:i], n.Attr[i+1:]...)
			return
		}
	}
}

func hasClass(n *html.Node, class string) bool {
	v, ok := getAttr(n, "class")
	if !ok {
		return false
	}
	for _, c := range strings.Fields(v) {
		if c == class {
			return true
		}
	}
	return false
}

func addClass(n *html.Node, class string) {
	if hasClass(n, class) {
		return
	}
	v, _ := getAttr(n, "class")
	if v == "" {
		setAttr(n, "class", class)
		return
	}
	setAttr(n, "class", v+" "+class)
}

func removeClass(n *html.Node, class string) {
	v, ok := getAttr(n, "class")
	if !ok {
		return
	}
	fields := strings.Fields(v)
	kept := fields[:0]
	for _, c := range fields {
		if c != class {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		removeAttr(n, "class")
		return
	}
	setAttr(n, "class", strings.Join(kept, " "))
}

// normalizeTextNodes merges adjacent text-node children of n and drops
// empty ones, mirroring DOM Node.normalize().
func normalizeTextNodes(n *html.Node) {
	c := n.FirstChild
	for c != nil {
		next := c.NextSibling
		if c.Type == html.TextNode {
			if c.Data == "" {
				n.RemoveChild(c)
			} else if next != nil && next.Type == html.TextNode {
				c.Data += next.Data
				n.RemoveChild(next)
				continue // re-check c against its new sibling
			}
		}
		c = next
	}
}

// detachChildren removes and returns every child of n.
func detachChildren(n *html.Node) []*html.Node {
	var out []*html.Node
	for n.FirstChild != nil {
		c := n.FirstChild
		n.RemoveChild(c)
		out = append(out, c)
	}
	return out
}
