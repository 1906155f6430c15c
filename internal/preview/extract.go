package preview

import (
	"strings"

	"golang.org/x/net/html"
)

// ExtractText rebuilds plain essay text from the preview tree: paragraph
// blocks in document order, tables skipped, label artifacts removed, blocks
// joined with blank lines. This is the text sent on recheck and re-export,
// so edits the student made in the preview survive the round trip.
func ExtractText(root *html.Node) string {
	if root == nil {
		return ""
	}
	var parts []string
	for _, block := range paragraphBlocks(root) {
		text := CollapseSpace(visibleText(block))
		if text == "" {
			continue
		}
		parts = append(parts, text)
	}
	return strings.Join(parts, "\n\n")
}
