package providers

import "strings"

func augmentProviderError(providerName, message string) string {
	msg := strings.TrimSpace(message)
	if msg == "" {
		return msg
	}

	lower := strings.ToLower(msg)
	switch NormalizeProviderName(providerName) {
	case ProviderOllama:
		if strings.Contains(lower, "not found") && strings.Contains(lower, "model") {
			return msg + " Hint: pull the model first, for example `ollama pull llama3.2`."
		}
	case ProviderOpenRouter:
		if strings.Contains(lower, "no auth credentials") || strings.Contains(lower, "invalid api key") {
			return msg + " Hint: set providers.openrouter.api_key or DOTRELAY_PROVIDERS_OPENROUTER_API_KEY."
		}
		if strings.Contains(lower, "insufficient credits") {
			return msg + " Hint: the OpenRouter account has no remaining credits."
		}
	}

	return msg
}
