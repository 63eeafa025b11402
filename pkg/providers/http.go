package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultHTTPTimeout = 300 * time.Second

func newHTTPClient(providerName, proxy string, timeout time.Duration) (*http.Client, error) {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	client := &http.Client{Timeout: timeout}
	proxy = strings.TrimSpace(proxy)
	if proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("parse %s proxy: %w", providerName, err)
		}
		client.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}
	return client, nil
}

// postJSON sends body and returns the open response on 2xx. Callers close it.
func postJSON(ctx context.Context, client *http.Client, providerName, endpoint string, auth AuthStrategy, headers map[string]string, body interface{}) (*http.Response, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", providerName, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", providerName, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := auth.Apply(ctx, req); err != nil {
		return nil, fmt.Errorf("apply %s auth: %w", providerName, err)
	}
	for name, value := range headers {
		req.Header.Set(name, value)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send %s request: %w", providerName, err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		msg := augmentProviderError(providerName, extractAPIError(raw))
		return nil, fmt.Errorf("%s API request failed: status=%d error=%s", providerName, resp.StatusCode, msg)
	}
	return resp, nil
}

func extractAPIError(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return "empty response body"
	}

	var payload struct {
		Error json.RawMessage `json:"error"`
		Message string        `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if msg := errorMessage(payload.Error); msg != "" {
			return msg
		}
		if msg := strings.TrimSpace(payload.Message); msg != "" {
			return msg
		}
	}

	if len(trimmed) > 2000 {
		return trimmed[:2000] + "..."
	}
	return trimmed
}

// errorMessage handles both {"error":"text"} (Ollama) and
// {"error":{"message":"text"}} (OpenAI-compatible) shapes.
func errorMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return strings.TrimSpace(obj.Message)
	}
	return ""
}

func optionAsInt(opts map[string]interface{}, key string) (int, bool) {
	if len(opts) == 0 {
		return 0, false
	}
	v, ok := opts[key]
	if !ok || v == nil {
		return 0, false
	}
	switch vv := v.(type) {
	case int:
		return vv, true
	case int32:
		return int(vv), true
	case int64:
		return int(vv), true
	case float32:
		return int(vv), true
	case float64:
		return int(vv), true
	default:
		return 0, false
	}
}

func optionAsFloat(opts map[string]interface{}, key string) (float64, bool) {
	if len(opts) == 0 {
		return 0, false
	}
	v, ok := opts[key]
	if !ok || v == nil {
		return 0, false
	}
	switch vv := v.(type) {
	case float64:
		return vv, true
	case float32:
		return float64(vv), true
	case int:
		return float64(vv), true
	case int64:
		return float64(vv), true
	default:
		return 0, false
	}
}
