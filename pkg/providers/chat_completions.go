package providers

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"strings"
	"time"
)

// chatCompletionsProvider speaks the OpenAI-compatible streaming
// /chat/completions dialect (server-sent events).
type chatCompletionsProvider struct {
	providerName string
	apiBase      string
	defaultModel string
	auth         AuthStrategy
	httpClient   *http.Client
	extraHeaders map[string]string
}

func newChatCompletionsProvider(providerName, apiBase, defaultModel, proxy string, timeout time.Duration, auth AuthStrategy, extraHeaders map[string]string) (*chatCompletionsProvider, error) {
	providerName = strings.TrimSpace(strings.ToLower(providerName))
	if providerName == "" {
		return nil, fmt.Errorf("provider name is required")
	}
	apiBase = strings.TrimRight(strings.TrimSpace(apiBase), "/")
	if apiBase == "" {
		return nil, fmt.Errorf("%s API base not configured", providerName)
	}
	if auth == nil {
		return nil, fmt.Errorf("%s auth is not configured", providerName)
	}

	client, err := newHTTPClient(providerName, proxy, timeout)
	if err != nil {
		return nil, err
	}

	cleanHeaders := map[string]string{}
	for k, v := range extraHeaders {
		name := strings.TrimSpace(k)
		value := strings.TrimSpace(v)
		if name == "" || value == "" {
			continue
		}
		cleanHeaders[name] = value
	}

	return &chatCompletionsProvider{
		providerName: providerName,
		apiBase:      apiBase,
		defaultModel: strings.TrimSpace(defaultModel),
		auth:         auth,
		httpClient:   client,
		extraHeaders: cleanHeaders,
	}, nil
}

func (p *chatCompletionsProvider) GetDefaultModel() string {
	if p == nil {
		return ""
	}
	return p.defaultModel
}

type chatCompletionsChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error json.RawMessage `json:"error"`
}

func (p *chatCompletionsProvider) ChatStream(ctx context.Context, messages []Message, model string, options map[string]interface{}) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		model = strings.TrimSpace(model)
		if model == "" {
			model = p.GetDefaultModel()
		}
		body := map[string]interface{}{
			"model":    model,
			"messages": messages,
			"stream":   true,
		}
		if maxTokens, ok := optionAsInt(options, "max_tokens"); ok {
			body["max_tokens"] = maxTokens
		}
		if temperature, ok := optionAsFloat(options, "temperature"); ok {
			body["temperature"] = temperature
		}

		resp, err := postJSON(ctx, p.httpClient, p.providerName, p.apiBase+"/chat/completions", p.auth, p.extraHeaders, body)
		if err != nil {
			yield("", err)
			return
		}
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			// Blank separators and ": keep-alive" comments carry no data.
			if line == "" || strings.HasPrefix(line, ":") {
				continue
			}
			data, ok := strings.CutPrefix(line, "data:")
			if !ok {
				continue
			}
			data = strings.TrimSpace(data)
			if data == "[DONE]" {
				return
			}
			var chunk chatCompletionsChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				yield("", fmt.Errorf("decode %s stream chunk: %w", p.providerName, err))
				return
			}
			if msg := errorMessage(chunk.Error); msg != "" {
				yield("", fmt.Errorf("%s stream error: %s", p.providerName, augmentProviderError(p.providerName, msg)))
				return
			}
			for _, choice := range chunk.Choices {
				if choice.Delta.Content != "" && !yield(choice.Delta.Content, nil) {
					return
				}
			}
		}
		if err := scanner.Err(); err != nil {
			yield("", fmt.Errorf("%w: read %s stream: %v", ErrStreamInterrupted, p.providerName, err))
			return
		}
		yield("", fmt.Errorf("%w: %s stream ended without [DONE]", ErrStreamInterrupted, p.providerName))
	}
}
