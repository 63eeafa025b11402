package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"strings"
	"time"

	"github.com/dotsetgreg/dotrelay/pkg/config"
)

const (
	defaultOllamaAPIBase = "http://localhost:11434"
	defaultOllamaModel   = "llama3.2"
)

func init() {
	RegisterFactory(ProviderOllama, newOllamaProviderFromConfig, nil, func(*config.Config) (bool, string) {
		return true, authModeNone
	})
}

type OllamaProvider struct {
	apiBase      string
	defaultModel string
	httpClient   *http.Client
}

func newOllamaProviderFromConfig(cfg *config.Config) (LLMProvider, error) {
	apiBase := strings.TrimSpace(cfg.Providers.Ollama.APIBase)
	if apiBase == "" {
		apiBase = defaultOllamaAPIBase
	}
	model := strings.TrimSpace(cfg.Agents.Defaults.Model)
	if model == "" {
		model = defaultOllamaModel
	}
	timeout := time.Duration(cfg.Agents.Defaults.RequestTimeoutSeconds) * time.Second
	p, err := NewOllamaProvider(apiBase, model, timeout)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// NewOllamaProvider talks to the /api/chat endpoint of an Ollama server.
func NewOllamaProvider(apiBase, defaultModel string, timeout time.Duration) (*OllamaProvider, error) {
	apiBase = strings.TrimRight(strings.TrimSpace(apiBase), "/")
	if apiBase == "" {
		return nil, fmt.Errorf("%s API base not configured", ProviderOllama)
	}
	client, err := newHTTPClient(ProviderOllama, "", timeout)
	if err != nil {
		return nil, err
	}
	return &OllamaProvider{
		apiBase:      apiBase,
		defaultModel: strings.TrimSpace(defaultModel),
		httpClient:   client,
	}, nil
}

func (p *OllamaProvider) GetDefaultModel() string { return p.defaultModel }

type ollamaChunk struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error"`
}

// ChatStream reads Ollama's newline-delimited JSON stream.
func (p *OllamaProvider) ChatStream(ctx context.Context, messages []Message, model string, options map[string]interface{}) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		model = strings.TrimSpace(model)
		if model == "" {
			model = p.defaultModel
		}
		body := map[string]interface{}{
			"model":    model,
			"messages": messages,
			"stream":   true,
		}
		modelOpts := map[string]interface{}{}
		if maxTokens, ok := optionAsInt(options, "max_tokens"); ok {
			modelOpts["num_predict"] = maxTokens
		}
		if temperature, ok := optionAsFloat(options, "temperature"); ok {
			modelOpts["temperature"] = temperature
		}
		if len(modelOpts) > 0 {
			body["options"] = modelOpts
		}

		resp, err := postJSON(ctx, p.httpClient, ProviderOllama, p.apiBase+"/api/chat", noAuth{}, nil, body)
		if err != nil {
			yield("", err)
			return
		}
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var chunk ollamaChunk
			if err := json.Unmarshal(line, &chunk); err != nil {
				yield("", fmt.Errorf("decode %s stream chunk: %w", ProviderOllama, err))
				return
			}
			if chunk.Error != "" {
				yield("", fmt.Errorf("%s stream error: %s", ProviderOllama, augmentProviderError(ProviderOllama, chunk.Error)))
				return
			}
			if chunk.Message.Content != "" && !yield(chunk.Message.Content, nil) {
				return
			}
			if chunk.Done {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield("", fmt.Errorf("%w: read %s stream: %v", ErrStreamInterrupted, ProviderOllama, err))
			return
		}
		yield("", fmt.Errorf("%w: %s stream ended without done marker", ErrStreamInterrupted, ProviderOllama))
	}
}
