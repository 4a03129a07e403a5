package model

import (
	"fmt"
	"strings"

	"github.com/drewano/dodai-sub000/pkg/config"
)

// FromSettings builds the configured backend. Anthropic is the default provider.
func FromSettings(s *config.ModelSettings, system string) (Model, error) {
	if s == nil {
		return nil, fmt.Errorf("model: settings are required")
	}
	switch provider := strings.ToLower(strings.TrimSpace(s.Provider)); provider {
	case "", "anthropic":
		return NewAnthropic(AnthropicConfig{
			APIKey:         s.APIKey,
			BaseURL:        s.BaseURL,
			Model:          s.Name,
			MaxTokens:      s.MaxTokens,
			MaxRetries:     s.MaxRetries,
			System:         system,
			Temperature:    s.Temperature,
			ThinkingBudget: s.ThinkingBudget,
		})
	case "openai":
		return NewOpenAI(OpenAIConfig{
			APIKey:      s.APIKey,
			BaseURL:     s.BaseURL,
			Model:       s.Name,
			MaxTokens:   s.MaxTokens,
			MaxRetries:  s.MaxRetries,
			System:      system,
			Temperature: s.Temperature,
		})
	default:
		return nil, fmt.Errorf("model: unsupported provider %q", s.Provider)
	}
}
