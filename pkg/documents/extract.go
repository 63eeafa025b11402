package documents

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

// Extractor turns raw bytes of a known kind into plain text.
type Extractor interface {
	Extract(kind Kind, data []byte) (string, error)
}

// DefaultExtractor reads PDFs with ledongthuc/pdf and decodes plain text
// as UTF-8.
type DefaultExtractor struct{}

func (DefaultExtractor) Extract(kind Kind, data []byte) (string, error) {
	switch kind {
	case KindPDF:
		return extractPDF(data)
	case KindText:
		return decodeText(data)
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, kind)
}

func extractPDF(data []byte) (text string, err error) {
	// The pdf reader panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("%w: malformed pdf: %v", ErrExtractionFailed, r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("%w: open pdf: %v", ErrExtractionFailed, err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("%w: read pdf text: %v", ErrExtractionFailed, err)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", fmt.Errorf("%w: read pdf text: %v", ErrExtractionFailed, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

func decodeText(data []byte) (string, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%w: text is not valid UTF-8", ErrExtractionFailed)
	}
	return string(data), nil
}
