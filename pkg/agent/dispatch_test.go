package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/dotrelay/pkg/bus"
	"github.com/dotsetgreg/dotrelay/pkg/documents"
	"github.com/dotsetgreg/dotrelay/pkg/memory"
)

type stubDownloader struct {
	data  []byte
	err   error
	calls int
}

func (s *stubDownloader) Download(context.Context, bus.DocumentRef) ([]byte, error) {
	s.calls++
	return s.data, s.err
}

func nextOutbound(t *testing.T, mb *bus.MessageBus) bus.OutboundMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := mb.SubscribeOutbound(ctx)
	require.True(t, ok, "expected an outbound message")
	return msg
}

func newTestDispatcher(t *testing.T, store *memory.ConversationStore, dl *stubDownloader) (*Dispatcher, *bus.MessageBus, *mockProvider) {
	t.Helper()
	mb := bus.NewMessageBus()
	t.Cleanup(mb.Close)
	p := &mockProvider{chunks: []string{"pong"}}
	d := NewDispatcher(newTestResponder(store, p), documents.NewIngestor(store, flagBad), dl, mb)
	return d, mb, p
}

func TestDispatcher_TextReply(t *testing.T) {
	store := newTestStore(t, false)
	d, mb, _ := newTestDispatcher(t, store, &stubDownloader{})

	d.Dispatch(context.Background(), bus.InboundMessage{UpdateID: 1, Channel: "telegram", ChatID: "42", Content: "ping"})

	out := nextOutbound(t, mb)
	assert.Equal(t, bus.OutboundMessage{Channel: "telegram", ChatID: "42", Content: "pong"}, out)
}

func TestDispatcher_DocumentIngested(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, false)
	dl := &stubDownloader{data: []byte("hello world")}
	d, mb, p := newTestDispatcher(t, store, dl)

	d.Dispatch(ctx, bus.InboundMessage{
		UpdateID: 2, Channel: "telegram", ChatID: "42",
		Document: &bus.DocumentRef{FileID: "f1", FileName: "notes.txt"},
	})

	out := nextOutbound(t, mb)
	assert.Contains(t, out.Content, "notes.txt")
	assert.Equal(t, "hello world", store.GetDocument(ctx, "42"))
	assert.Equal(t, int32(0), p.calls.Load())
	assert.Empty(t, store.GetHistory(ctx, "42"))
}

func TestDispatcher_DocumentDownloadFails(t *testing.T) {
	store := newTestStore(t, false)
	d, mb, _ := newTestDispatcher(t, store, &stubDownloader{err: errors.New("404")})

	d.Dispatch(context.Background(), bus.InboundMessage{
		Channel: "telegram", ChatID: "42",
		Document: &bus.DocumentRef{FileID: "f1", FileName: "notes.pdf"},
	})
	assert.Equal(t, documents.Outcome{Status: documents.StatusRejected, Reason: documents.ReasonExtractionFailed}.Notice(), nextOutbound(t, mb).Content)
}

func TestDispatcher_StartCommandSkipsHistory(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, false)
	d, mb, p := newTestDispatcher(t, store, &stubDownloader{})

	d.Dispatch(ctx, bus.InboundMessage{Channel: "telegram", ChatID: "42", Content: "/start@relay_bot"})

	assert.Equal(t, HelpMessage, nextOutbound(t, mb).Content)
	assert.Equal(t, int32(0), p.calls.Load())
	assert.Empty(t, store.GetHistory(ctx, "42"))
}

func TestDispatcher_EmptyEventIgnored(t *testing.T) {
	store := newTestStore(t, false)
	d, mb, p := newTestDispatcher(t, store, &stubDownloader{})

	d.Dispatch(context.Background(), bus.InboundMessage{Channel: "telegram", ChatID: "42"})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, ok := mb.SubscribeOutbound(ctx)
	assert.False(t, ok)
	assert.Equal(t, int32(0), p.calls.Load())
}
