package llms

import (
	"fmt"
	"strings"

	"github.com/kadirpekel/mcpchat/pkg/config"
)

// Per-model output token limits. Models absent from the table fall back to
// their family default.
var modelMaxTokens = map[string]int{
	"claude-3-5-sonnet-latest": 8192,
	"claude-3-5-haiku-latest":  8192,
	"claude-3-7-sonnet-latest": 64000,
	"gpt-4o":                   16000,
	"gpt-4o-mini":              16000,
}

const (
	anthropicDefaultMaxTokens = 8192
	openAIDefaultMaxTokens    = 16000
)

// SupportedModels lists the model ids offered in the settings UI, in a
// stable display order.
func SupportedModels() []string {
	return []string{
		"gpt-4o",
		"gpt-4o-mini",
		"claude-3-5-sonnet-latest",
		"claude-3-5-haiku-latest",
		"claude-3-7-sonnet-latest",
	}
}

// MaxTokensForModel returns the output token budget for a model id.
func MaxTokensForModel(model string) int {
	if tokens, ok := modelMaxTokens[model]; ok {
		return tokens
	}
	if strings.HasPrefix(model, "claude") {
		return anthropicDefaultMaxTokens
	}
	return openAIDefaultMaxTokens
}

func isOpenAIModel(model string) bool {
	for _, prefix := range []string{"gpt", "o1", "o3", "o4"} {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

// NewProviderForModel maps a model id to a provider backend by family
// prefix: claude* selects Anthropic, gpt*/o1*/o3*/o4* selects OpenAI.
// Unknown families are an error rather than a silent default.
func NewProviderForModel(model string) (Provider, error) {
	switch {
	case strings.HasPrefix(model, "claude"):
		apiKey := config.GetProviderAPIKey("anthropic")
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY is required for model %q", model)
		}
		return NewAnthropicProvider(apiKey, model), nil

	case isOpenAIModel(model):
		apiKey := config.GetProviderAPIKey("openai")
		if apiKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is required for model %q", model)
		}
		return NewOpenAIProvider(apiKey, model), nil

	default:
		return nil, fmt.Errorf("unsupported model family: %q (supported: claude*, gpt*, o1*, o3*, o4*)", model)
	}
}
