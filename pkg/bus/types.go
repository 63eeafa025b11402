package bus

// PayloadKind tells the dispatcher which handler an inbound event goes to.
type PayloadKind string

const (
	KindText     PayloadKind = "text"
	KindDocument PayloadKind = "document"
	KindEmpty    PayloadKind = "empty"
)

// DocumentRef identifies an attachment on the transport. URL is set by
// transports that hand out direct download links.
type DocumentRef struct {
	FileID   string
	FileName string
	Size     int64
	URL      string
}

// InboundMessage is one event pulled from a chat transport. UpdateID is
// monotonically increasing per source; ChatID is the conversation id.
type InboundMessage struct {
	UpdateID int64
	Channel  string
	SenderID string
	ChatID   string
	Content  string
	Document *DocumentRef
	Metadata map[string]string
}

func (m InboundMessage) Kind() PayloadKind {
	switch {
	case m.Document != nil:
		return KindDocument
	case m.Content != "":
		return KindText
	default:
		return KindEmpty
	}
}

type OutboundMessage struct {
	Channel string
	ChatID  string
	Content string
}
