package docfile

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/vysti/revise/internal/marking"
	"github.com/vysti/revise/internal/preview"
)

// Kind classifies an accepted input document.
type Kind int

const (
	KindDocx Kind = iota
	KindPDF
)

// Handle is a validated input file. Anything that is not a word-processing
// document or a PDF is rejected at selection time.
type Handle struct {
	Name     string
	MIMEType string
	Bytes    []byte
	Kind     Kind
}

const docxMIME = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"

// Open validates a selected file by MIME type first, file suffix second.
func Open(name, mimeType string, data []byte) (Handle, error) {
	if len(data) == 0 {
		return Handle{}, &marking.ValidationError{Reason: "the selected file is empty"}
	}
	kind, ok := classify(name, mimeType)
	if !ok {
		return Handle{}, &marking.ValidationError{
			Reason: fmt.Sprintf("%s is not a supported document; choose a .docx or .pdf file", filepath.Base(name)),
		}
	}
	return Handle{Name: filepath.Base(name), MIMEType: mimeType, Bytes: data, Kind: kind}, nil
}

func classify(name, mimeType string) (Kind, bool) {
	switch strings.ToLower(mimeType) {
	case docxMIME:
		return KindDocx, true
	case "application/pdf":
		return KindPDF, true
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".docx":
		return KindDocx, true
	case ".pdf":
		return KindPDF, true
	}
	return 0, false
}

// Text extracts the plain text of the document. PDFs go through the text
// path because the marking service only accepts word-processing uploads.
func (h Handle) Text(ctx context.Context) (string, error) {
	switch h.Kind {
	case KindPDF:
		return pdfText(h.Bytes)
	default:
		root, err := preview.DocxRenderer{}.Render(ctx, h.Bytes)
		if err != nil {
			return "", fmt.Errorf("reading document text: %w", err)
		}
		return preview.ExtractText(root), nil
	}
}

func pdfText(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting pdf text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(plain); err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	text := strings.TrimSpace(buf.String())
	if text == "" {
		return "", &marking.ValidationError{Reason: "no extractable text in the PDF"}
	}
	return text, nil
}

// MarkedName is the download name for a marked document.
func MarkedName(name string) string {
	return baseName(name) + "_marked.docx"
}

// RevisedName is the download name for a re-exported revision.
func RevisedName(name string) string {
	return baseName(name) + "_revised.docx"
}

func baseName(name string) string {
	base := filepath.Base(name)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
