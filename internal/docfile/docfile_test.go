package docfile

import (
	"errors"
	"testing"

	"github.com/vysti/revise/internal/marking"
)

func TestOpenClassifiesByMIMEAndSuffix(t *testing.T) {
	tests := []struct {
		name     string
		fileName string
		mimeType string
		wantKind Kind
		wantErr  bool
	}{
		{"docx by mime", "essay.bin", docxMIME, KindDocx, false},
		{"docx by suffix", "essay.docx", "", KindDocx, false},
		{"docx suffix uppercase", "ESSAY.DOCX", "", KindDocx, false},
		{"pdf by mime", "scan.bin", "application/pdf", KindPDF, false},
		{"pdf by suffix", "scan.pdf", "", KindPDF, false},
		{"plain text rejected", "notes.txt", "text/plain", 0, true},
		{"no hints rejected", "mystery", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := Open(tt.fileName, tt.mimeType, []byte("content"))
			if tt.wantErr {
				var ve *marking.ValidationError
				if !errors.As(err, &ve) {
					t.Fatalf("error = %v, want *ValidationError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if h.Kind != tt.wantKind {
				t.Errorf("kind = %v, want %v", h.Kind, tt.wantKind)
			}
		})
	}
}

func TestOpenRejectsEmptyFile(t *testing.T) {
	_, err := Open("essay.docx", docxMIME, nil)
	var ve *marking.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("error = %v, want *ValidationError", err)
	}
}

func TestDownloadNames(t *testing.T) {
	tests := []struct {
		in          string
		wantMarked  string
		wantRevised string
	}{
		{"essay.docx", "essay_marked.docx", "essay_revised.docx"},
		{"dir/My Essay.docx", "My Essay_marked.docx", "My Essay_revised.docx"},
		{"scan.pdf", "scan_marked.docx", "scan_revised.docx"},
		{"noext", "noext_marked.docx", "noext_revised.docx"},
	}
	for _, tt := range tests {
		if got := MarkedName(tt.in); got != tt.wantMarked {
			t.Errorf("MarkedName(%q) = %q, want %q", tt.in, got, tt.wantMarked)
		}
		if got := RevisedName(tt.in); got != tt.wantRevised {
			t.Errorf("RevisedName(%q) = %q, want %q", tt.in, got, tt.wantRevised)
		}
	}
}
