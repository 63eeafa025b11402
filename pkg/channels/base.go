package channels

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/dotsetgreg/dotrelay/pkg/bus"
)

// maxDownloadBytes caps attachment downloads; the ingestor enforces the
// configured document limit on top of this.
const maxDownloadBytes = 64 << 20

var ErrNotRunning = errors.New("channel not running")

type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
	IsRunning() bool
	IsAllowed(senderID string) bool
}

// UpdateSource is a transport that can be polled for events above a cursor.
type UpdateSource interface {
	Name() string
	FetchUpdates(ctx context.Context, after int64) ([]bus.InboundMessage, error)
}

// Downloader is a transport that can fetch the bytes behind an attachment.
type Downloader interface {
	Download(ctx context.Context, ref bus.DocumentRef) ([]byte, error)
}

type BaseChannel struct {
	bus       *bus.MessageBus
	running   atomic.Bool
	name      string
	allowList []string
}

func NewBaseChannel(name string, msgBus *bus.MessageBus, allowList []string) *BaseChannel {
	return &BaseChannel{
		bus:       msgBus,
		name:      name,
		allowList: allowList,
	}
}

func (c *BaseChannel) Name() string {
	return c.name
}

func (c *BaseChannel) IsRunning() bool {
	return c.running.Load()
}

func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}

	// Extract parts from compound senderID like "123456|username"
	idPart := senderID
	userPart := ""
	if idx := strings.Index(senderID, "|"); idx > 0 {
		idPart = senderID[:idx]
		userPart = senderID[idx+1:]
	}

	for _, allowed := range c.allowList {
		candidate := strings.TrimSpace(strings.TrimPrefix(allowed, "@"))
		if candidate == "" {
			continue
		}
		if candidate == senderID || candidate == idPart || (userPart != "" && candidate == userPart) {
			return true
		}
	}

	return false
}

// HandleMessage publishes a pushed event on the inbound bus. Events from
// senders outside the allow list are dropped.
func (c *BaseChannel) HandleMessage(msg bus.InboundMessage) {
	if !c.IsAllowed(msg.SenderID) {
		return
	}
	msg.Channel = c.name
	c.bus.PublishInbound(msg)
}

func (c *BaseChannel) setRunning(running bool) {
	c.running.Store(running)
}

func downloadURL(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("download http %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxDownloadBytes {
		return nil, fmt.Errorf("attachment exceeds %d bytes", maxDownloadBytes)
	}
	return data, nil
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
