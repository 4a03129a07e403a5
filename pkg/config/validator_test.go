package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateSettingsDefaults(t *testing.T) {
	s := GetDefaultSettings()
	require.NoError(t, s.Validate())
}

func TestValidateSettingsAggregatesErrors(t *testing.T) {
	s := &Settings{
		Model:         &ModelSettings{Provider: "llama", MaxTokens: -1, Temperature: floatPtr(3)},
		MaxIterations: -2,
		Logging:       &LoggingConfig{Level: "loud", Format: "xml"},
		Tracing:       &TracingConfig{SampleRatio: floatPtr(2)},
		Server:        &ServerConfig{MaxConnections: -1},
	}

	err := ValidateSettings(s)
	require.Error(t, err)
	for _, want := range []string{
		"model.provider",
		"model.maxTokens",
		"model.temperature",
		"maxIterations",
		"logging.level",
		"logging.format",
		"tracing.sampleRatio",
		"server.maxConnections",
	} {
		require.Contains(t, err.Error(), want)
	}
}

func TestValidateSettingsNil(t *testing.T) {
	require.Error(t, ValidateSettings(nil))
}
