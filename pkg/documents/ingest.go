package documents

import (
	"context"
	"errors"
	"fmt"

	"github.com/dotsetgreg/dotrelay/pkg/filter"
	"github.com/dotsetgreg/dotrelay/pkg/logger"
	"github.com/dotsetgreg/dotrelay/pkg/memory"
	"github.com/dotsetgreg/dotrelay/pkg/metrics"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported document format")
	ErrExtractionFailed  = errors.New("document extraction failed")
	ErrTooLarge          = errors.New("document too large")
)

type Status string

const (
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
)

type Reason string

const (
	ReasonUnsupportedFormat    Reason = "unsupported-format"
	ReasonExtractionFailed     Reason = "extraction-failed"
	ReasonInappropriateContent Reason = "inappropriate-content"
)

// Outcome is the result of one ingestion. Rejections are ordinary values,
// never errors returned to the caller.
type Outcome struct {
	Status   Status
	Reason   Reason
	FileName string
	Err      error
}

func (o Outcome) Accepted() bool { return o.Status == StatusAccepted }

// Notice is the text sent back to the user.
func (o Outcome) Notice() string {
	if o.Accepted() {
		return fmt.Sprintf("📄 Document %q received. I'll use it as reference in this conversation.", o.FileName)
	}
	switch o.Reason {
	case ReasonUnsupportedFormat:
		return "⚠️ Unsupported file type. Please upload a PDF or a .txt file."
	case ReasonInappropriateContent:
		return "⚠️ The document contains inappropriate language and was not stored."
	default:
		return "⚠️ I couldn't read that document. Please try another file."
	}
}

// Fetcher downloads the raw bytes of an attachment.
type Fetcher func(ctx context.Context) ([]byte, error)

type Ingestor struct {
	store     *memory.ConversationStore
	filter    filter.ContentFilter
	extractor Extractor
	maxBytes  int64
}

type IngestorOption func(*Ingestor)

func WithExtractor(e Extractor) IngestorOption {
	return func(i *Ingestor) { i.extractor = e }
}

// WithMaxBytes rejects larger uploads as extraction failures. 0 disables
// the check.
func WithMaxBytes(n int64) IngestorOption {
	return func(i *Ingestor) { i.maxBytes = n }
}

func NewIngestor(store *memory.ConversationStore, f filter.ContentFilter, opts ...IngestorOption) *Ingestor {
	in := &Ingestor{store: store, filter: f, extractor: DefaultExtractor{}}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Ingest validates, extracts, screens and stores a document that is already
// in memory.
func (in *Ingestor) Ingest(ctx context.Context, conversationID string, data []byte, fileName string) Outcome {
	return in.IngestFrom(ctx, conversationID, fileName, func(context.Context) ([]byte, error) {
		return data, nil
	})
}

// IngestFrom checks the file kind before calling fetch, so unsupported
// uploads are never downloaded.
func (in *Ingestor) IngestFrom(ctx context.Context, conversationID, fileName string, fetch Fetcher) Outcome {
	outcome := in.ingest(ctx, conversationID, fileName, fetch)

	label := string(outcome.Reason)
	if outcome.Accepted() {
		label = string(StatusAccepted)
	}
	metrics.Ingestions.WithLabelValues(label).Inc()

	fields := map[string]interface{}{
		"conversation_id": conversationID,
		"file_name":       fileName,
		"status":          string(outcome.Status),
	}
	if outcome.Err != nil {
		fields["reason"] = string(outcome.Reason)
		fields["error"] = outcome.Err.Error()
		logger.WarnCF("documents", "Document rejected", fields)
	} else if !outcome.Accepted() {
		fields["reason"] = string(outcome.Reason)
		logger.InfoCF("documents", "Document rejected", fields)
	} else {
		logger.InfoCF("documents", "Document stored", fields)
	}
	return outcome
}

func (in *Ingestor) ingest(ctx context.Context, conversationID, fileName string, fetch Fetcher) Outcome {
	kind, ok := KindFromFileName(fileName)
	if !ok {
		return rejected(fileName, ReasonUnsupportedFormat, nil)
	}

	data, err := fetch(ctx)
	if err != nil {
		return rejected(fileName, ReasonExtractionFailed, fmt.Errorf("download: %w", err))
	}
	if in.maxBytes > 0 && int64(len(data)) > in.maxBytes {
		return rejected(fileName, ReasonExtractionFailed, fmt.Errorf("%w: %d bytes exceeds %d", ErrTooLarge, len(data), in.maxBytes))
	}

	text, err := in.extractor.Extract(kind, data)
	if err != nil {
		return rejected(fileName, ReasonExtractionFailed, err)
	}

	if in.filter.IsFlagged(text) {
		return rejected(fileName, ReasonInappropriateContent, nil)
	}

	// A failed write is logged by the store; the upload still counts as
	// accepted.
	in.store.WithConversation(conversationID, func() {
		_ = in.store.PutDocument(ctx, conversationID, text)
	})
	return Outcome{Status: StatusAccepted, FileName: fileName}
}

func rejected(fileName string, reason Reason, err error) Outcome {
	return Outcome{Status: StatusRejected, Reason: reason, FileName: fileName, Err: err}
}
