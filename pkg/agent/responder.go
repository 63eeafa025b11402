package agent

import (
	"context"
	"strings"
	"time"

	"github.com/dotsetgreg/dotrelay/pkg/filter"
	"github.com/dotsetgreg/dotrelay/pkg/logger"
	"github.com/dotsetgreg/dotrelay/pkg/memory"
	"github.com/dotsetgreg/dotrelay/pkg/metrics"
	"github.com/dotsetgreg/dotrelay/pkg/providers"
)

const (
	RefusalMessage = "⚠️ Your message contains inappropriate language. Please rephrase it."
	ApologyMessage = "Sorry, I encountered an error. Please try again later."
)

// Responder produces a reply for one user message and records both sides of
// the exchange in the conversation history.
type Responder struct {
	store    *memory.ConversationStore
	filter   filter.ContentFilter
	builder  *ContextBuilder
	provider providers.LLMProvider
	model    string
	options  map[string]interface{}
}

type ResponderConfig struct {
	Store    *memory.ConversationStore
	Filter   filter.ContentFilter
	Builder  *ContextBuilder
	Provider providers.LLMProvider
	Model    string
	Options  map[string]interface{}
}

func NewResponder(cfg ResponderConfig) *Responder {
	builder := cfg.Builder
	if builder == nil {
		builder = NewContextBuilder()
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" && cfg.Provider != nil {
		model = cfg.Provider.GetDefaultModel()
	}
	return &Responder{
		store:    cfg.Store,
		filter:   cfg.Filter,
		builder:  builder,
		provider: cfg.Provider,
		model:    model,
		options:  cfg.Options,
	}
}

func (r *Responder) Model() string { return r.model }

// Generate never fails. Flagged input yields RefusalMessage without touching
// history or the model; a model failure yields ApologyMessage, which is
// stored like any other reply.
func (r *Responder) Generate(ctx context.Context, conversationID, userText string) string {
	if r.filter.IsFlagged(userText) {
		metrics.Generations.WithLabelValues("refused").Inc()
		logger.InfoCF("agent", "Refused flagged message", map[string]interface{}{
			"conversation_id": conversationID,
		})
		return RefusalMessage
	}

	var reply string
	r.store.WithConversation(conversationID, func() {
		reply = r.generate(ctx, conversationID, userText)
	})
	return reply
}

func (r *Responder) generate(ctx context.Context, conversationID, userText string) string {
	history := r.store.GetHistory(ctx, conversationID)
	document := r.store.GetDocument(ctx, conversationID)

	visible := r.builder.Window(history)
	contextMsg := r.builder.Build(visible, document)

	userMsg := memory.Message{Role: memory.RoleUser, Content: userText}
	history = append(history, userMsg)
	visible = append(visible, userMsg)

	prompt := toProviderMessages(append([]memory.Message{contextMsg}, visible...))

	started := time.Now()
	reply, err := providers.Collect(r.provider.ChatStream(ctx, prompt, r.model, r.options))
	metrics.GenerationDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		metrics.Generations.WithLabelValues("failed").Inc()
		logger.ErrorCF("agent", "Error generating response", map[string]interface{}{
			"conversation_id": conversationID,
			"model":           r.model,
			"partial_chars":   len(reply),
			"error":           err.Error(),
		})
		reply = ApologyMessage
	} else {
		metrics.Generations.WithLabelValues("ok").Inc()
		logger.DebugCF("agent", "Response generated", map[string]interface{}{
			"conversation_id": conversationID,
			"model":           r.model,
			"chars":           len(reply),
			"duration_ms":     time.Since(started).Milliseconds(),
		})
	}

	history = append(history, memory.Message{Role: memory.RoleAssistant, Content: reply})
	_ = r.store.PutHistory(ctx, conversationID, history)
	return reply
}

func toProviderMessages(messages []memory.Message) []providers.Message {
	out := make([]providers.Message, 0, len(messages))
	for _, m := range messages {
		out = append(out, providers.Message{Role: m.Role, Content: m.Content})
	}
	return out
}
