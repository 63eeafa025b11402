package documents

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestKindFromFileName(t *testing.T) {
	cases := map[string]struct {
		kind Kind
		ok   bool
	}{
		"notes.pdf":    {KindPDF, true},
		"NOTES.PDF":    {KindPDF, true},
		"readme.txt":   {KindText, true},
		"a.b.text":     {KindText, true},
		"notes.exe":    {"", false},
		"no_extension": {"", false},
		"pdf":          {"", false},
		"":             {"", false},
	}
	for name, want := range cases {
		kind, ok := KindFromFileName(name)
		if ok != want.ok || kind != want.kind {
			t.Fatalf("KindFromFileName(%q) = %q,%v want %q,%v", name, kind, ok, want.kind, want.ok)
		}
	}
}

func TestDefaultExtractor_Text(t *testing.T) {
	text, err := DefaultExtractor{}.Extract(KindText, []byte("\xef\xbb\xbfhello world"))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if text != "hello world" {
		t.Fatalf("expected BOM stripped text, got %q", text)
	}
}

func TestDefaultExtractor_InvalidUTF8(t *testing.T) {
	_, err := DefaultExtractor{}.Extract(KindText, []byte{0xff, 0xfe, 0xfd})
	if !errors.Is(err, ErrExtractionFailed) {
		t.Fatalf("expected ErrExtractionFailed, got %v", err)
	}
}

func TestDefaultExtractor_PDF(t *testing.T) {
	data, err := os.ReadFile(filepath.Join("testdata", "quarterly.pdf"))
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	text, err := DefaultExtractor{}.Extract(KindPDF, data)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if text != "Quarterly revenue grew 12 percent." {
		t.Fatalf("unexpected text %q", text)
	}
}

func TestDefaultExtractor_MalformedPDF(t *testing.T) {
	_, err := DefaultExtractor{}.Extract(KindPDF, []byte("this is not a pdf"))
	if !errors.Is(err, ErrExtractionFailed) {
		t.Fatalf("expected ErrExtractionFailed, got %v", err)
	}
}

func TestDefaultExtractor_UnknownKind(t *testing.T) {
	_, err := DefaultExtractor{}.Extract(Kind("docx"), []byte("x"))
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}
