package agent

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/dotsetgreg/dotrelay/pkg/bus"
	"github.com/dotsetgreg/dotrelay/pkg/documents"
	"github.com/dotsetgreg/dotrelay/pkg/logger"
)

const HelpMessage = "Hi! Send me a message and I'll answer using our conversation so far. " +
	"Upload a PDF or .txt file and I'll use it as reference for this chat."

// AttachmentDownloader fetches the bytes behind a document reference.
type AttachmentDownloader interface {
	Download(ctx context.Context, ref bus.DocumentRef) ([]byte, error)
}

// Dispatcher routes one inbound event to the responder or the ingestor and
// publishes the reply on the bus.
type Dispatcher struct {
	responder  *Responder
	ingestor   *documents.Ingestor
	downloader AttachmentDownloader
	bus        *bus.MessageBus
}

func NewDispatcher(responder *Responder, ingestor *documents.Ingestor, downloader AttachmentDownloader, msgBus *bus.MessageBus) *Dispatcher {
	return &Dispatcher{
		responder:  responder,
		ingestor:   ingestor,
		downloader: downloader,
		bus:        msgBus,
	}
}

func (d *Dispatcher) Dispatch(ctx context.Context, msg bus.InboundMessage) {
	fields := map[string]interface{}{
		"dispatch_id":     uuid.NewString(),
		"update_id":       msg.UpdateID,
		"channel":         msg.Channel,
		"conversation_id": msg.ChatID,
		"kind":            string(msg.Kind()),
	}
	logger.InfoCF("agent", "Dispatching inbound event", fields)

	var reply string
	switch msg.Kind() {
	case bus.KindText:
		if cmd, ok := commandReply(msg.Content); ok {
			reply = cmd
			break
		}
		reply = d.responder.Generate(ctx, msg.ChatID, msg.Content)
	case bus.KindDocument:
		ref := *msg.Document
		outcome := d.ingestor.IngestFrom(ctx, msg.ChatID, ref.FileName, func(ctx context.Context) ([]byte, error) {
			return d.downloader.Download(ctx, ref)
		})
		reply = outcome.Notice()
	default:
		logger.DebugCF("agent", "Ignoring event without text or document", fields)
		return
	}

	d.bus.PublishOutbound(bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: reply,
	})
}

func commandReply(text string) (string, bool) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 {
		return "", false
	}
	// Telegram appends the bot name in groups: /start@my_bot
	cmd, _, _ := strings.Cut(strings.ToLower(fields[0]), "@")
	switch cmd {
	case "/start", "/help":
		return HelpMessage, true
	}
	return "", false
}
