package poller

import (
	"context"
	"errors"
	"iter"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/dotrelay/pkg/agent"
	"github.com/dotsetgreg/dotrelay/pkg/bus"
	"github.com/dotsetgreg/dotrelay/pkg/channels"
	"github.com/dotsetgreg/dotrelay/pkg/documents"
	"github.com/dotsetgreg/dotrelay/pkg/filter"
	"github.com/dotsetgreg/dotrelay/pkg/memory"
	"github.com/dotsetgreg/dotrelay/pkg/providers"
)

// scriptedSource returns one scripted batch (or error) per fetch, then empty batches.
type scriptedSource struct {
	mu      sync.Mutex
	batches []batch
	afters  []int64
}

type batch struct {
	msgs []bus.InboundMessage
	err  error
}

func (s *scriptedSource) Name() string { return "test" }

func (s *scriptedSource) FetchUpdates(ctx context.Context, after int64) ([]bus.InboundMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.afters = append(s.afters, after)
	if len(s.batches) == 0 {
		return nil, nil
	}
	b := s.batches[0]
	s.batches = s.batches[1:]
	return b.msgs, b.err
}

type recorder struct {
	mu  sync.Mutex
	ids []int64
}

func (r *recorder) Dispatch(_ context.Context, msg bus.InboundMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, msg.UpdateID)
}

func (r *recorder) seen() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.ids...)
}

func text(id int64, s string) bus.InboundMessage {
	return bus.InboundMessage{UpdateID: id, ChatID: "c", Content: s}
}

func TestPollOnce_DropsDuplicatesInBatch(t *testing.T) {
	src := &scriptedSource{batches: []batch{{msgs: []bus.InboundMessage{
		text(1, "hello"), text(1, "hello"), text(2, "world"),
	}}}}
	rec := &recorder{}
	p := New(src, rec, Options{})

	n, err := p.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []int64{1, 2}, rec.seen())
	assert.Equal(t, int64(2), p.Cursor())
}

func TestPollOnce_RedeliveryIsIgnored(t *testing.T) {
	src := &scriptedSource{batches: []batch{
		{msgs: []bus.InboundMessage{text(5, "a"), text(6, "b")}},
		{msgs: []bus.InboundMessage{text(4, "old"), text(6, "b"), text(7, "c")}},
	}}
	rec := &recorder{}
	p := New(src, rec, Options{})
	ctx := context.Background()

	_, err := p.PollOnce(ctx)
	require.NoError(t, err)
	_, err = p.PollOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, []int64{5, 6, 7}, rec.seen())
	assert.Equal(t, int64(7), p.Cursor())
	assert.Equal(t, []int64{0, 6}, src.afters, "source is asked for events after the cursor")
}

func TestPollOnce_FetchFailureKeepsCursor(t *testing.T) {
	src := &scriptedSource{batches: []batch{
		{msgs: []bus.InboundMessage{text(3, "a")}},
		{err: errors.New("network down")},
		{msgs: []bus.InboundMessage{text(4, "b")}},
	}}
	rec := &recorder{}
	p := New(src, rec, Options{})
	ctx := context.Background()

	var history []int64
	for i := 0; i < 3; i++ {
		_, _ = p.PollOnce(ctx)
		history = append(history, p.Cursor())
	}

	assert.Equal(t, []int64{3, 3, 4}, history)
	for i := 1; i < len(history); i++ {
		assert.GreaterOrEqual(t, history[i], history[i-1], "cursor must never decrease")
	}
}

func TestPollOnce_FetchErrorReturned(t *testing.T) {
	src := &scriptedSource{batches: []batch{{err: errors.New("timeout")}}}
	p := New(src, &recorder{}, Options{})

	_, err := p.PollOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, int64(0), p.Cursor())
}

func TestPollOnce_CursorAdvancesAfterDispatch(t *testing.T) {
	var p *Poller
	var during []int64
	handler := HandlerFunc(func(_ context.Context, msg bus.InboundMessage) {
		during = append(during, p.Cursor())
	})
	src := &scriptedSource{batches: []batch{{msgs: []bus.InboundMessage{text(10, "a"), text(11, "b")}}}}
	p = New(src, handler, Options{})

	_, err := p.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 10}, during)
}

func TestPollOnce_FinishesFetchedBatchOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var dispatchErrs []error
	handler := HandlerFunc(func(dctx context.Context, msg bus.InboundMessage) {
		cancel()
		dispatchErrs = append(dispatchErrs, dctx.Err())
	})
	src := &scriptedSource{batches: []batch{{msgs: []bus.InboundMessage{text(1, "a"), text(2, "b"), text(3, "c")}}}}
	p := New(src, handler, Options{})

	n, err := p.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, int64(3), p.Cursor())
	assert.Equal(t, []error{nil, nil, nil}, dispatchErrs, "dispatch never sees the cancellation")

	// The next fetch observes the cancellation instead.
	_, err = p.PollOnce(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPollOnce_BusSourceLosesNothingOnStop(t *testing.T) {
	mb := bus.NewMessageBus()
	defer mb.Close()
	for _, s := range []string{"a", "b", "c"} {
		mb.PublishInbound(bus.InboundMessage{ChatID: "c", Content: s})
	}

	ctx, cancel := context.WithCancel(context.Background())
	var got []string
	handler := HandlerFunc(func(_ context.Context, msg bus.InboundMessage) {
		cancel()
		got = append(got, msg.Content)
	})
	p := New(channels.NewBusSource("discord", mb, 50*time.Millisecond), handler, Options{})

	_, err := p.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.Equal(t, int64(3), p.Cursor())
}

func newCursorStore(t *testing.T) *memory.CursorStore {
	t.Helper()
	backend, err := memory.NewSQLiteBackend(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	return memory.NewCursorStore(backend)
}

func TestPoller_PersistsAndRestoresCursor(t *testing.T) {
	ctx := context.Background()
	cursors := newCursorStore(t)

	src := &scriptedSource{batches: []batch{{msgs: []bus.InboundMessage{text(40, "a"), text(41, "b")}}}}
	first := New(src, &recorder{}, Options{Cursors: cursors})
	_, err := first.PollOnce(ctx)
	require.NoError(t, err)

	stored, ok, err := cursors.LoadCursor(ctx, "test")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(41), stored)

	src2 := &scriptedSource{batches: []batch{{msgs: []bus.InboundMessage{text(41, "b"), text(42, "c")}}}}
	rec := &recorder{}
	second := New(src2, rec, Options{Cursors: cursors})
	require.NoError(t, second.Restore(ctx))
	assert.Equal(t, int64(41), second.Cursor())

	_, err = second.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{42}, rec.seen())
}

func TestPoller_RestoreNeverMovesBackward(t *testing.T) {
	ctx := context.Background()
	cursors := newCursorStore(t)
	require.NoError(t, cursors.SaveCursor(ctx, "test", 5))

	p := New(&scriptedSource{}, &recorder{}, Options{Cursors: cursors})
	p.advance(9)
	require.NoError(t, p.Restore(ctx))
	assert.Equal(t, int64(9), p.Cursor())
}

func TestRun_StopsCooperatively(t *testing.T) {
	src := &scriptedSource{batches: []batch{
		{msgs: []bus.InboundMessage{text(1, "a")}},
		{err: errors.New("flaky")},
		{msgs: []bus.InboundMessage{text(2, "b")}},
	}}
	rec := &recorder{}
	p := New(src, rec, Options{Interval: 5 * time.Millisecond})

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		p.Run(context.Background(), stop)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(rec.seen()) == 2 }, 2*time.Second, 5*time.Millisecond)
	close(stop)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after stop")
	}
	assert.Equal(t, int64(2), p.Cursor())
}

func TestRun_ExitsOnContextCancel(t *testing.T) {
	p := New(&scriptedSource{}, &recorder{}, Options{Interval: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx, make(chan struct{}))
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

type echoProvider struct{}

func (echoProvider) ChatStream(_ context.Context, messages []providers.Message, _ string, _ map[string]interface{}) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		yield("echo: "+messages[len(messages)-1].Content, nil)
	}
}

func (echoProvider) GetDefaultModel() string { return "echo" }

// relayHistory pushes every batch through a Dispatcher backed by a fresh
// sqlite store and returns the conversation history left behind.
func relayHistory(t *testing.T, batches ...[]bus.InboundMessage) []memory.Message {
	t.Helper()
	backend, err := memory.NewSQLiteBackend(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	store := memory.NewConversationStore(backend, memory.StoreOptions{})
	t.Cleanup(func() { _ = store.Close() })

	mb := bus.NewMessageBus()
	t.Cleanup(mb.Close)
	f := filter.NewProfanityFilter()
	responder := agent.NewResponder(agent.ResponderConfig{Store: store, Filter: f, Provider: echoProvider{}})
	dispatcher := agent.NewDispatcher(responder, documents.NewIngestor(store, f), nil, mb)

	src := &scriptedSource{}
	for _, b := range batches {
		src.batches = append(src.batches, batch{msgs: b})
	}
	p := New(src, dispatcher, Options{})
	for range batches {
		_, err := p.PollOnce(context.Background())
		require.NoError(t, err)
	}
	return store.GetHistory(context.Background(), "c")
}

func TestPoller_ReplayWithDuplicatesMatchesDedupedRun(t *testing.T) {
	withDuplicates := []bus.InboundMessage{text(1, "hello"), text(1, "hello"), text(2, "world"), text(2, "world"), text(3, "again")}
	deduped := []bus.InboundMessage{text(1, "hello"), text(2, "world"), text(3, "again")}

	replayed := relayHistory(t, withDuplicates, withDuplicates)
	once := relayHistory(t, deduped)

	require.Len(t, once, 6)
	assert.Equal(t, once, replayed)
	assert.Equal(t, memory.Message{Role: memory.RoleUser, Content: "hello"}, replayed[0])
}
