package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dotsetgreg/dotrelay/pkg/logger"
	"github.com/dotsetgreg/dotrelay/pkg/metrics"
)

type StoreOptions struct {
	// SerializeUpdates makes WithConversation hold a per-conversation mutex.
	// Without it concurrent read-modify-write cycles on one conversation are
	// last-write-wins.
	SerializeUpdates bool
}

// ConversationStore maps a conversation id to its message history and its
// single reference document. Reads never fail: a backend error is logged and
// the empty default is returned.
type ConversationStore struct {
	backend Backend
	locks   *keyedMutex
}

func NewConversationStore(backend Backend, opts StoreOptions) *ConversationStore {
	s := &ConversationStore{backend: backend}
	if opts.SerializeUpdates {
		s.locks = newKeyedMutex()
	}
	return s
}

func (s *ConversationStore) Backend() Backend { return s.backend }

func (s *ConversationStore) Close() error {
	if s == nil || s.backend == nil {
		return nil
	}
	return s.backend.Close()
}

// LoadHistory distinguishes "no history yet" (OK, empty) from "backend
// failed" (Degraded, empty).
func (s *ConversationStore) LoadHistory(ctx context.Context, id string) Result[[]Message] {
	raw, err := s.backend.Get(ctx, CollectionHistory, id)
	if errors.Is(err, ErrNotFound) {
		return okResult([]Message{})
	}
	if err != nil {
		return degradedRead(CollectionHistory, id, []Message{}, err)
	}
	msgs, err := decodeHistory(raw)
	if err != nil {
		return degradedRead(CollectionHistory, id, []Message{}, err)
	}
	return okResult(msgs)
}

func (s *ConversationStore) GetHistory(ctx context.Context, id string) []Message {
	return s.LoadHistory(ctx, id).Value
}

// PutHistory replaces the whole history. Failures are logged and returned;
// callers on the relay path ignore the error.
func (s *ConversationStore) PutHistory(ctx context.Context, id string, messages []Message) error {
	data, err := encodeHistory(messages)
	if err != nil {
		return failedWrite(CollectionHistory, id, err)
	}
	if err := s.backend.Put(ctx, CollectionHistory, id, data); err != nil {
		return failedWrite(CollectionHistory, id, err)
	}
	logger.DebugCF("memory", "History stored", map[string]interface{}{
		"conversation_id": id,
		"messages":        len(messages),
	})
	return nil
}

func (s *ConversationStore) LoadDocument(ctx context.Context, id string) Result[string] {
	raw, err := s.backend.Get(ctx, CollectionDocuments, id)
	if errors.Is(err, ErrNotFound) {
		return okResult("")
	}
	if err != nil {
		return degradedRead(CollectionDocuments, id, "", err)
	}
	return okResult(string(raw))
}

func (s *ConversationStore) GetDocument(ctx context.Context, id string) string {
	return s.LoadDocument(ctx, id).Value
}

// PutDocument replaces the conversation's reference document.
func (s *ConversationStore) PutDocument(ctx context.Context, id string, text string) error {
	if err := s.backend.Put(ctx, CollectionDocuments, id, []byte(text)); err != nil {
		return failedWrite(CollectionDocuments, id, err)
	}
	logger.DebugCF("memory", "Document stored", map[string]interface{}{
		"conversation_id": id,
		"chars":           len(text),
	})
	return nil
}

// WithConversation runs fn inside the conversation's exclusive scope when
// serialization is enabled, and directly otherwise.
func (s *ConversationStore) WithConversation(id string, fn func()) {
	if s.locks == nil {
		fn()
		return
	}
	unlock := s.locks.lock(id)
	defer unlock()
	fn()
}

func degradedRead[T any](collection, id string, def T, err error) Result[T] {
	metrics.StoreDegradedReads.WithLabelValues(collection).Inc()
	logger.ErrorCF("memory", "Store read failed, using empty default", map[string]interface{}{
		"collection":      collection,
		"conversation_id": id,
		"error":           err.Error(),
	})
	return degraded(def, err)
}

func failedWrite(collection, id string, err error) error {
	metrics.StoreWriteErrors.WithLabelValues(collection).Inc()
	logger.ErrorCF("memory", "Store write failed", map[string]interface{}{
		"collection":      collection,
		"conversation_id": id,
		"error":           err.Error(),
	})
	return fmt.Errorf("store %s for %s: %w", collection, id, err)
}

func encodeHistory(messages []Message) ([]byte, error) {
	if messages == nil {
		messages = []Message{}
	}
	for i, m := range messages {
		if !ValidRole(m.Role) {
			return nil, fmt.Errorf("encode history: message %d has role %q", i, m.Role)
		}
	}
	return json.Marshal(messages)
}

func decodeHistory(raw []byte) ([]Message, error) {
	msgs := []Message{}
	if len(raw) == 0 {
		return msgs, nil
	}
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	if msgs == nil {
		msgs = []Message{}
	}
	for i, m := range msgs {
		if !ValidRole(m.Role) {
			return nil, fmt.Errorf("decode history: message %d has role %q", i, m.Role)
		}
	}
	return msgs, nil
}

type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
