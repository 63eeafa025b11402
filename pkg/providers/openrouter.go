package providers

import (
	"fmt"
	"strings"
	"time"

	"github.com/dotsetgreg/dotrelay/pkg/config"
)

const (
	defaultOpenRouterAPIBase = "https://openrouter.ai/api/v1"
	defaultOpenRouterModel   = "meta-llama/llama-3.2-3b-instruct"
)

func init() {
	RegisterFactory(ProviderOpenRouter, newOpenRouterProviderFromConfig, validateOpenRouterConfig, openRouterCredentialStatus)
}

func validateOpenRouterConfig(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if strings.TrimSpace(cfg.Providers.OpenRouter.APIKey) == "" {
		return fmt.Errorf("OpenRouter API key is required (set providers.openrouter.api_key or DOTRELAY_PROVIDERS_OPENROUTER_API_KEY)")
	}
	return nil
}

func openRouterCredentialStatus(cfg *config.Config) (bool, string) {
	if cfg == nil || strings.TrimSpace(cfg.Providers.OpenRouter.APIKey) == "" {
		return false, ""
	}
	return true, authModeAPIKey
}

func newOpenRouterProviderFromConfig(cfg *config.Config) (LLMProvider, error) {
	if err := validateOpenRouterConfig(cfg); err != nil {
		return nil, err
	}

	apiBase := strings.TrimSpace(cfg.Providers.OpenRouter.APIBase)
	if apiBase == "" {
		apiBase = defaultOpenRouterAPIBase
	}
	model := strings.TrimSpace(cfg.Agents.Defaults.Model)
	if model == "" || model == defaultOllamaModel {
		model = defaultOpenRouterModel
	}
	auth := NewAPIKeyAuth(NewStaticTokenSource(cfg.Providers.OpenRouter.APIKey, "providers.openrouter.api_key"))
	p, err := newChatCompletionsProvider(
		ProviderOpenRouter,
		apiBase,
		model,
		strings.TrimSpace(cfg.Providers.OpenRouter.Proxy),
		time.Duration(cfg.Agents.Defaults.RequestTimeoutSeconds)*time.Second,
		auth,
		map[string]string{"X-Title": "dotrelay"},
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}
