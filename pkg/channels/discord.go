package channels

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/dotsetgreg/dotrelay/pkg/bus"
	"github.com/dotsetgreg/dotrelay/pkg/config"
	"github.com/dotsetgreg/dotrelay/pkg/logger"
)

const (
	discordChunkSize      = 2000
	sendTimeout           = 10 * time.Second
	typingRefreshInterval = 8 * time.Second
)

// DiscordChannel receives over the gateway websocket and pushes events onto
// the bus. The poller drains them through a BusSource.
type DiscordChannel struct {
	*BaseChannel
	session *discordgo.Session
	http    *http.Client
	typing  *typingIndicator
}

func NewDiscordChannel(cfg config.DiscordConfig, msgBus *bus.MessageBus) (*DiscordChannel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	c := &DiscordChannel{
		BaseChannel: NewBaseChannel(config.TransportDiscord, msgBus, cfg.AllowFrom),
		session:     session,
		http:        &http.Client{Timeout: 2 * time.Minute},
	}
	c.typing = newTypingIndicator(c.sendTyping)
	return c, nil
}

func (c *DiscordChannel) Start(ctx context.Context) error {
	c.session.AddHandler(c.handleMessage)
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	c.setRunning(true)

	me, err := c.session.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord identity: %w", err)
	}
	logger.InfoCF("discord", "Discord gateway connected", map[string]interface{}{
		"username": me.Username,
		"user_id":  me.ID,
	})
	return nil
}

func (c *DiscordChannel) Stop(ctx context.Context) error {
	c.setRunning(false)
	c.typing.stopAll()
	if err := c.session.Close(); err != nil {
		return fmt.Errorf("close discord session: %w", err)
	}
	logger.InfoC("discord", "Discord gateway closed")
	return nil
}

// Send posts the reply in chunks of at most discordChunkSize runes and ends
// the typing indicator started when the message arrived.
func (c *DiscordChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord: %w", ErrNotRunning)
	}
	if msg.ChatID == "" {
		return fmt.Errorf("discord: empty channel id")
	}
	defer c.typing.end(msg.ChatID)

	text := msg.Content
	if strings.TrimSpace(text) == "" {
		text = "(empty)"
	}
	for i, chunk := range chunkRunes(text, discordChunkSize) {
		if err := c.sendChunk(ctx, msg.ChatID, chunk); err != nil {
			return fmt.Errorf("discord: chunk %d: %w", i, err)
		}
	}
	return nil
}

func (c *DiscordChannel) sendChunk(ctx context.Context, channelID, text string) error {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	_, err := c.session.ChannelMessageSend(channelID, text, discordgo.WithContext(ctx))
	return err
}

func (c *DiscordChannel) sendTyping(channelID string) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := c.session.ChannelTyping(channelID, discordgo.WithContext(ctx)); err != nil {
		logger.WarnCF("discord", "Typing indicator failed", map[string]interface{}{
			"channel_id": channelID,
			"error":      err.Error(),
		})
	}
}

func (c *DiscordChannel) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Author == nil {
		return
	}
	if s != nil && s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}
	if !c.IsAllowed(m.Author.ID) {
		logger.DebugCF("discord", "Message rejected by allowlist", map[string]interface{}{
			"user_id": m.Author.ID,
		})
		return
	}

	msg := discordInbound(m)
	if msg.Kind() == bus.KindEmpty {
		return
	}
	if c.IsRunning() {
		c.typing.begin(m.ChannelID)
	}
	logger.DebugCF("discord", "Received message", map[string]interface{}{
		"sender_id": m.Author.ID,
		"preview":   preview(m.Content, 50),
	})
	c.HandleMessage(msg)
}

// discordInbound maps a gateway message onto the bus shape. Only the first
// attachment is kept; a conversation holds one document.
func discordInbound(m *discordgo.MessageCreate) bus.InboundMessage {
	msg := bus.InboundMessage{
		SenderID: m.Author.ID,
		ChatID:   m.ChannelID,
		Content:  m.Content,
		Metadata: map[string]string{
			"message_id": m.ID,
			"username":   m.Author.Username,
			"guild_id":   m.GuildID,
			"is_dm":      fmt.Sprintf("%t", m.GuildID == ""),
		},
	}
	if len(m.Attachments) > 0 && m.Attachments[0] != nil {
		a := m.Attachments[0]
		msg.Document = &bus.DocumentRef{
			FileID:   a.ID,
			FileName: a.Filename,
			Size:     int64(a.Size),
			URL:      a.URL,
		}
	}
	return msg
}

// Download fetches an attachment from the Discord CDN.
func (c *DiscordChannel) Download(ctx context.Context, ref bus.DocumentRef) ([]byte, error) {
	if ref.URL == "" {
		return nil, fmt.Errorf("attachment %q has no url", ref.FileName)
	}
	return downloadURL(ctx, c.http, ref.URL)
}

// typingIndicator keeps one refresh loop per channel while replies are
// pending. begin and end are counted, so overlapping messages in a channel
// share the loop until the last reply is sent.
type typingIndicator struct {
	send func(channelID string)

	mu      sync.Mutex
	pending map[string]int
	cancels map[string]context.CancelFunc
}

func newTypingIndicator(send func(channelID string)) *typingIndicator {
	return &typingIndicator{
		send:    send,
		pending: make(map[string]int),
		cancels: make(map[string]context.CancelFunc),
	}
}

func (t *typingIndicator) begin(channelID string) {
	t.mu.Lock()
	t.pending[channelID]++
	if t.pending[channelID] > 1 {
		t.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancels[channelID] = cancel
	t.mu.Unlock()

	go func() {
		ticker := time.NewTicker(typingRefreshInterval)
		defer ticker.Stop()
		for {
			t.send(channelID)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (t *typingIndicator) end(channelID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending[channelID] == 0 {
		return
	}
	t.pending[channelID]--
	if t.pending[channelID] > 0 {
		return
	}
	delete(t.pending, channelID)
	t.cancels[channelID]()
	delete(t.cancels, channelID)
}

func (t *typingIndicator) stopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, cancel := range t.cancels {
		cancel()
		delete(t.cancels, id)
		delete(t.pending, id)
	}
}

func (t *typingIndicator) active(channelID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending[channelID] > 0
}
