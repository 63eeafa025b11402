package agent

import (
	"strings"

	"github.com/dotsetgreg/dotrelay/pkg/memory"
)

// WindowPolicy chooses which stored messages are visible to the model.
// Implementations return a fresh slice and never modify the input.
type WindowPolicy interface {
	Window(history []memory.Message) []memory.Message
}

// UnboundedWindow passes the whole history through.
type UnboundedWindow struct{}

func (UnboundedWindow) Window(history []memory.Message) []memory.Message {
	return append([]memory.Message(nil), history...)
}

// LastMessagesWindow keeps the most recent N messages. N <= 0 keeps all.
type LastMessagesWindow struct {
	N int
}

func (w LastMessagesWindow) Window(history []memory.Message) []memory.Message {
	if w.N <= 0 || len(history) <= w.N {
		return append([]memory.Message(nil), history...)
	}
	return append([]memory.Message(nil), history[len(history)-w.N:]...)
}

// WindowFor returns the policy matching a configured message limit.
func WindowFor(maxMessages int) WindowPolicy {
	if maxMessages <= 0 {
		return UnboundedWindow{}
	}
	return LastMessagesWindow{N: maxMessages}
}

type ContextBuilder struct {
	window           WindowPolicy
	maxDocumentChars int
}

type ContextOption func(*ContextBuilder)

func WithWindow(p WindowPolicy) ContextOption {
	return func(cb *ContextBuilder) {
		if p != nil {
			cb.window = p
		}
	}
}

// WithMaxDocumentChars truncates the document rendered into the context.
func WithMaxDocumentChars(n int) ContextOption {
	return func(cb *ContextBuilder) { cb.maxDocumentChars = n }
}

func NewContextBuilder(opts ...ContextOption) *ContextBuilder {
	cb := &ContextBuilder{window: UnboundedWindow{}}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

func (cb *ContextBuilder) Window(history []memory.Message) []memory.Message {
	return cb.window.Window(history)
}

// Build renders prior conversation and the reference document into one
// system message. history is expected to be windowed already.
func (cb *ContextBuilder) Build(history []memory.Message, documentText string) memory.Message {
	var sb strings.Builder
	sb.WriteString("Chat history:\n")
	sb.WriteString(renderHistory(history))
	sb.WriteString("\n\nDocuments:\n")
	sb.WriteString(cb.clipDocument(documentText))
	return memory.Message{Role: memory.RoleSystem, Content: sb.String()}
}

func renderHistory(history []memory.Message) string {
	lines := make([]string, 0, len(history))
	for _, m := range history {
		lines = append(lines, m.Role+": "+m.Content)
	}
	return strings.Join(lines, "\n")
}

func (cb *ContextBuilder) clipDocument(text string) string {
	if cb.maxDocumentChars <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= cb.maxDocumentChars {
		return text
	}
	return string(runes[:cb.maxDocumentChars]) + "\n[document truncated]"
}
