package preview

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// DocxRenderer renders a marked .docx blob into the preview tree. The
// marking engine highlights flagged runs (yellow and green shading) and
// appends an arrow-prefixed label run after each flagged sentence; both are
// mapped onto the class contract the rest of the package keys off.
type DocxRenderer struct{}

func (DocxRenderer) Render(ctx context.Context, blob []byte) (*html.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(blob) == 0 {
		return nil, errors.New("empty document blob")
	}

	zr, err := zip.NewReader(bytes.NewReader(blob), int64(len(blob)))
	if err != nil {
		return nil, fmt.Errorf("opening docx archive: %w", err)
	}
	var doc *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			doc = f
			break
		}
	}
	if doc == nil {
		return nil, errors.New("docx archive has no word/document.xml")
	}
	rc, err := doc.Open()
	if err != nil {
		return nil, fmt.Errorf("opening document.xml: %w", err)
	}
	defer rc.Close()

	return parseDocumentXML(rc)
}

// highlightVals are the shading colors the marking engine uses for flagged
// and improved runs.
var highlightVals = map[string]bool{"yellow": true, "green": true}

func parseDocumentXML(r io.Reader) (*html.Node, error) {
	root := newElement(atom.Div)
	dec := xml.NewDecoder(r)

	var (
		para      *html.Node // current paragraph, nil between w:p elements
		tableDeep int        // nesting depth inside w:tbl
		runText   strings.Builder
		runMarked bool
	)

	flushRun := func() {
		if para == nil || runText.Len() == 0 {
			runText.Reset()
			runMarked = false
			return
		}
		text := runText.String()
		runText.Reset()
		switch {
		case strings.HasPrefix(strings.TrimSpace(text), labelArrow):
			span := newElement(atom.Span)
			addClass(span, ClassLabel)
			span.AppendChild(newText(text))
			para.AppendChild(span)
		case runMarked:
			span := newElement(atom.Span)
			addClass(span, ClassHighlight)
			span.AppendChild(newText(text))
			para.AppendChild(span)
		default:
			para.AppendChild(newText(text))
		}
		runMarked = false
	}

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parsing document.xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "tbl":
				tableDeep++
				if tableDeep == 1 {
					// Tables pass through untouched; the extractor and the
					// locator both skip them.
					root.AppendChild(newElement(atom.Table))
				}
			case "p":
				if tableDeep == 0 {
					para = newElement(atom.P)
					root.AppendChild(para)
				}
			case "r":
				runMarked = false
				runText.Reset()
			case "highlight", "shd":
				for _, a := range t.Attr {
					if a.Name.Local == "val" && highlightVals[strings.ToLower(a.Value)] {
						runMarked = true
					}
					if a.Name.Local == "fill" && a.Value != "" && a.Value != "auto" {
						runMarked = true
					}
				}
			case "t":
				var s string
				if err := dec.DecodeElement(&s, &t); err != nil {
					return nil, fmt.Errorf("parsing run text: %w", err)
				}
				runText.WriteString(s)
			case "br", "tab":
				runText.WriteString(" ")
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "tbl":
				tableDeep--
			case "r":
				if tableDeep == 0 {
					flushRun()
				}
			case "p":
				if tableDeep == 0 {
					flushRun()
					para = nil
				}
			}
		}
	}
	return root, nil
}
