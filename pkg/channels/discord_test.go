package channels

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/dotrelay/pkg/bus"
	"github.com/dotsetgreg/dotrelay/pkg/config"
)

// redirectTransport sends every request to target, keeping the path.
type redirectTransport struct{ target *url.URL }

func (rt redirectTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.URL.Scheme = rt.target.Scheme
	req.URL.Host = rt.target.Host
	req.Host = rt.target.Host
	return http.DefaultTransport.RoundTrip(req)
}

type fakeDiscordAPI struct {
	mu       sync.Mutex
	messages []string
	typing   int
	status   int
}

func (f *fakeDiscordAPI) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/typing"):
			f.mu.Lock()
			f.typing++
			f.mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
		case strings.HasSuffix(r.URL.Path, "/messages"):
			if f.status != 0 {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(f.status)
				_, _ = w.Write([]byte(`{"message":"Missing Access","code":50001}`))
				return
			}
			var body struct {
				Content string `json:"content"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			f.mu.Lock()
			f.messages = append(f.messages, body.Content)
			f.mu.Unlock()
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":"1","channel_id":"42"}`))
		default:
			http.NotFound(w, r)
		}
	})
}

func (f *fakeDiscordAPI) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.messages...)
}

func (f *fakeDiscordAPI) typingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.typing
}

func newTestDiscord(t *testing.T, h http.Handler, msgBus *bus.MessageBus, allow ...string) *DiscordChannel {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	target, err := url.Parse(srv.URL)
	require.NoError(t, err)

	ch, err := NewDiscordChannel(config.DiscordConfig{Token: "test-token", AllowFrom: allow}, msgBus)
	require.NoError(t, err)
	ch.session.Client = &http.Client{Transport: redirectTransport{target: target}}
	ch.setRunning(true)
	t.Cleanup(ch.typing.stopAll)
	return ch
}

func TestDiscordSend_RequiresRunning(t *testing.T) {
	ch, err := NewDiscordChannel(config.DiscordConfig{Token: "test-token"}, bus.NewMessageBus())
	require.NoError(t, err)

	err = ch.Send(context.Background(), bus.OutboundMessage{ChatID: "42", Content: "hi"})
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestDiscordSend_ChunksLongRepliesAndEndsTyping(t *testing.T) {
	api := &fakeDiscordAPI{}
	ch := newTestDiscord(t, api.handler(), nil)

	ch.typing.begin("42")
	require.Eventually(t, func() bool { return api.typingCount() >= 1 }, time.Second, 5*time.Millisecond)

	reply := strings.Repeat("é", 4500)
	require.NoError(t, ch.Send(context.Background(), bus.OutboundMessage{ChatID: "42", Content: reply}))

	sent := api.sent()
	require.Len(t, sent, 3)
	for _, chunk := range sent {
		assert.LessOrEqual(t, utf8.RuneCountInString(chunk), discordChunkSize)
	}
	assert.Equal(t, reply, strings.Join(sent, ""))
	assert.False(t, ch.typing.active("42"))
}

func TestDiscordSend_EmptyReply(t *testing.T) {
	api := &fakeDiscordAPI{}
	ch := newTestDiscord(t, api.handler(), nil)

	require.NoError(t, ch.Send(context.Background(), bus.OutboundMessage{ChatID: "42", Content: "  \n"}))
	assert.Equal(t, []string{"(empty)"}, api.sent())

	err := ch.Send(context.Background(), bus.OutboundMessage{Content: "x"})
	assert.ErrorContains(t, err, "empty channel id")
}

func TestDiscordSend_RESTErrorSurfaces(t *testing.T) {
	api := &fakeDiscordAPI{status: http.StatusForbidden}
	ch := newTestDiscord(t, api.handler(), nil)

	err := ch.Send(context.Background(), bus.OutboundMessage{ChatID: "42", Content: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chunk 0")
	assert.NotContains(t, err.Error(), "test-token")
}

func TestDiscordSend_BoundedByContext(t *testing.T) {
	stalled := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	ch := newTestDiscord(t, stalled, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	begin := time.Now()
	err := ch.Send(ctx, bus.OutboundMessage{ChatID: "42", Content: "hi"})
	require.Error(t, err)
	assert.Less(t, time.Since(begin), 3*time.Second)
}

func TestDiscordHandleMessage(t *testing.T) {
	mb := bus.NewMessageBus()
	t.Cleanup(mb.Close)
	api := &fakeDiscordAPI{}
	ch := newTestDiscord(t, api.handler(), mb, "7")

	ch.handleMessage(nil, &discordgo.MessageCreate{Message: &discordgo.Message{
		ID: "m0", ChannelID: "42", Content: "blocked", Author: &discordgo.User{ID: "8"},
	}})
	ch.handleMessage(nil, &discordgo.MessageCreate{Message: &discordgo.Message{
		ID: "m1", ChannelID: "42", Author: &discordgo.User{ID: "7", Username: "alice"},
		Attachments: []*discordgo.MessageAttachment{
			{ID: "a1", Filename: "report.pdf", Size: 1024, URL: "https://cdn.example/report.pdf"},
			{ID: "a2", Filename: "ignored.txt"},
		},
	}})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := mb.ConsumeInbound(ctx)
	require.True(t, ok)
	assert.Equal(t, "7", msg.SenderID)
	assert.Equal(t, bus.KindDocument, msg.Kind())
	assert.Equal(t, "report.pdf", msg.Document.FileName)
	assert.Equal(t, "https://cdn.example/report.pdf", msg.Document.URL)
	assert.Equal(t, "true", msg.Metadata["is_dm"])
	assert.True(t, ch.typing.active("42"))

	require.NoError(t, ch.Send(context.Background(), bus.OutboundMessage{ChatID: "42", Content: "got it"}))
	assert.False(t, ch.typing.active("42"))
}

func TestTypingIndicator_CountsOverlappingReplies(t *testing.T) {
	var mu sync.Mutex
	sends := 0
	ti := newTypingIndicator(func(string) {
		mu.Lock()
		sends++
		mu.Unlock()
	})

	ti.begin("c")
	ti.begin("c")
	ti.end("c")
	assert.True(t, ti.active("c"))
	ti.end("c")
	assert.False(t, ti.active("c"))
	ti.end("c")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return sends == 1
	}, time.Second, 5*time.Millisecond)
}
