package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dotsetgreg/dotrelay/pkg/bus"
	"github.com/dotsetgreg/dotrelay/pkg/config"
	"github.com/dotsetgreg/dotrelay/pkg/logger"
)

const (
	telegramChunkSize      = 3500
	defaultTelegramAPIBase = "https://api.telegram.org"
)

// TelegramChannel talks to the Bot API over long polling. It is pulled by
// the update poller rather than pushing onto the bus.
type TelegramChannel struct {
	*BaseChannel
	http         *http.Client
	baseURL      string
	token        string
	pollTimeout  time.Duration
	fetchTimeout time.Duration
}

type telegramResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
}

type telegramUpdate struct {
	UpdateID int64            `json:"update_id"`
	Message  *telegramMessage `json:"message,omitempty"`
}

type telegramMessage struct {
	MessageID int64             `json:"message_id"`
	Chat      telegramChat      `json:"chat"`
	From      *telegramUser     `json:"from,omitempty"`
	Text      string            `json:"text,omitempty"`
	Caption   string            `json:"caption,omitempty"`
	Document  *telegramDocument `json:"document,omitempty"`
}

type telegramChat struct {
	ID   int64  `json:"id"`
	Type string `json:"type,omitempty"`
}

type telegramUser struct {
	ID       int64  `json:"id"`
	Username string `json:"username,omitempty"`
	IsBot    bool   `json:"is_bot,omitempty"`
}

type telegramDocument struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
}

type telegramFile struct {
	FileID   string `json:"file_id"`
	FilePath string `json:"file_path,omitempty"`
}

func NewTelegramChannel(cfg config.TelegramConfig, fetchTimeout time.Duration, msgBus *bus.MessageBus) (*TelegramChannel, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, fmt.Errorf("channels.telegram.token is required")
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.APIBase), "/")
	if base == "" {
		base = defaultTelegramAPIBase
	}
	if fetchTimeout <= 0 {
		fetchTimeout = 30 * time.Second
	}
	pollTimeout := time.Duration(cfg.PollTimeoutSeconds) * time.Second
	if pollTimeout < 0 {
		pollTimeout = 0
	}

	return &TelegramChannel{
		BaseChannel:  NewBaseChannel(config.TransportTelegram, msgBus, cfg.AllowFrom),
		http:         &http.Client{},
		baseURL:      base,
		token:        token,
		pollTimeout:  pollTimeout,
		fetchTimeout: fetchTimeout,
	}, nil
}

func (c *TelegramChannel) Start(ctx context.Context) error {
	logger.InfoC("telegram", "Starting Telegram bot")

	var me telegramUser
	if err := c.call(ctx, http.MethodGet, "getMe", nil, nil, &me); err != nil {
		return fmt.Errorf("failed to reach telegram: %w", err)
	}
	c.setRunning(true)

	logger.InfoCF("telegram", "Telegram bot connected", map[string]interface{}{
		"username": me.Username,
		"user_id":  me.ID,
	})
	return nil
}

func (c *TelegramChannel) Stop(ctx context.Context) error {
	logger.InfoC("telegram", "Stopping Telegram bot")
	c.setRunning(false)
	return nil
}

// FetchUpdates long-polls getUpdates for events with update_id > after.
// Events from senders outside the allow list keep their UpdateID so the
// cursor can move past them, but carry no payload.
func (c *TelegramChannel) FetchUpdates(ctx context.Context, after int64) ([]bus.InboundMessage, error) {
	q := url.Values{}
	q.Set("timeout", strconv.Itoa(int(c.pollTimeout/time.Second)))
	if after > 0 {
		q.Set("offset", strconv.FormatInt(after+1, 10))
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.pollTimeout+c.fetchTimeout)
	defer cancel()

	var updates []telegramUpdate
	if err := c.call(reqCtx, http.MethodGet, "getUpdates", q, nil, &updates); err != nil {
		return nil, err
	}

	out := make([]bus.InboundMessage, 0, len(updates))
	for _, u := range updates {
		out = append(out, c.toInbound(u))
	}
	return out, nil
}

func (c *TelegramChannel) toInbound(u telegramUpdate) bus.InboundMessage {
	msg := bus.InboundMessage{UpdateID: u.UpdateID, Channel: c.name}
	m := u.Message
	if m == nil {
		return msg
	}
	msg.ChatID = strconv.FormatInt(m.Chat.ID, 10)
	msg.Metadata = map[string]string{
		"message_id": strconv.FormatInt(m.MessageID, 10),
		"chat_type":  m.Chat.Type,
	}
	if m.From != nil {
		msg.SenderID = strconv.FormatInt(m.From.ID, 10)
		if m.From.Username != "" {
			msg.SenderID += "|" + m.From.Username
		}
	}
	if !c.IsAllowed(msg.SenderID) {
		logger.DebugCF("telegram", "Message rejected by allowlist", map[string]interface{}{
			"update_id": u.UpdateID,
			"sender_id": msg.SenderID,
		})
		return msg
	}

	msg.Content = m.Text
	if m.Document != nil {
		msg.Content = m.Caption
		msg.Document = &bus.DocumentRef{
			FileID:   m.Document.FileID,
			FileName: m.Document.FileName,
			Size:     m.Document.FileSize,
		}
	}
	return msg
}

// Download resolves the file path with getFile and fetches the content.
// Both requests together are bounded by the fetch timeout.
func (c *TelegramChannel) Download(ctx context.Context, ref bus.DocumentRef) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	if ref.URL != "" {
		return downloadURL(ctx, c.http, ref.URL)
	}
	if ref.FileID == "" {
		return nil, fmt.Errorf("document has no file id")
	}

	q := url.Values{}
	q.Set("file_id", ref.FileID)
	var file telegramFile
	if err := c.call(ctx, http.MethodGet, "getFile", q, nil, &file); err != nil {
		return nil, err
	}
	if file.FilePath == "" {
		return nil, fmt.Errorf("telegram getFile returned no file_path")
	}
	return downloadURL(ctx, c.http, fmt.Sprintf("%s/file/bot%s/%s", c.baseURL, c.token, file.FilePath))
}

func (c *TelegramChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if strings.TrimSpace(msg.ChatID) == "" {
		return fmt.Errorf("chat ID is empty")
	}
	text := msg.Content
	if strings.TrimSpace(text) == "" {
		text = "(empty)"
	}

	var chatID any = msg.ChatID
	if id, err := strconv.ParseInt(msg.ChatID, 10, 64); err == nil {
		chatID = id
	}

	for _, chunk := range chunkRunes(text, telegramChunkSize) {
		body := map[string]any{"chat_id": chatID, "text": chunk}
		if err := c.sendChunk(ctx, body); err != nil {
			return fmt.Errorf("failed to send telegram message: %w", err)
		}
	}
	return nil
}

func (c *TelegramChannel) sendChunk(ctx context.Context, body map[string]any) error {
	ctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()
	return c.call(ctx, http.MethodPost, "sendMessage", nil, body, nil)
}

func (c *TelegramChannel) call(ctx context.Context, method, apiMethod string, query url.Values, body any, result any) error {
	endpoint := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, apiMethod)
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// url.Error carries the request URL, which embeds the bot token.
		return fmt.Errorf("telegram %s: %s", apiMethod, strings.ReplaceAll(err.Error(), c.token, "<token>"))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var env telegramResponse
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode telegram %s: %w", apiMethod, err)
	}
	if !env.OK {
		return fmt.Errorf("telegram %s: ok=false (%d %s)", apiMethod, env.ErrorCode, env.Description)
	}
	if result == nil || len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, result); err != nil {
		return fmt.Errorf("decode telegram %s result: %w", apiMethod, err)
	}
	return nil
}

func chunkRunes(s string, size int) []string {
	r := []rune(s)
	if len(r) <= size {
		return []string{s}
	}
	var chunks []string
	for len(r) > 0 {
		n := size
		if len(r) < n {
			n = len(r)
		}
		chunks = append(chunks, string(r[:n]))
		r = r[n:]
	}
	return chunks
}
