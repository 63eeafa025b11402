package providers

import (
	"context"
	"errors"
	"iter"
	"strings"
)

// ErrStreamInterrupted is returned when a stream ends before the backend
// signalled completion.
var ErrStreamInterrupted = errors.New("stream interrupted")

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// LLMProvider streams a reply for an ordered list of messages. The returned
// sequence is lazy and finite; an error, if any, is the last element.
type LLMProvider interface {
	ChatStream(ctx context.Context, messages []Message, model string, options map[string]interface{}) iter.Seq2[string, error]
	GetDefaultModel() string
}

// Collect drains a stream. On error it returns the text received so far
// together with the error.
func Collect(stream iter.Seq2[string, error]) (string, error) {
	var sb strings.Builder
	for chunk, err := range stream {
		if err != nil {
			return sb.String(), err
		}
		sb.WriteString(chunk)
	}
	return sb.String(), nil
}
