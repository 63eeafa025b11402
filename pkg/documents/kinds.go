package documents

import (
	"path/filepath"
	"strings"
)

type Kind string

const (
	KindPDF  Kind = "pdf"
	KindText Kind = "text"
)

var extensionKinds = map[string]Kind{
	".pdf":  KindPDF,
	".txt":  KindText,
	".text": KindText,
}

// KindFromFileName maps a file name to a supported kind by extension,
// case-insensitively. ok is false for anything else.
func KindFromFileName(fileName string) (Kind, bool) {
	kind, ok := extensionKinds[strings.ToLower(filepath.Ext(strings.TrimSpace(fileName)))]
	return kind, ok
}
