package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_ExampleFile(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-example")
	t.Setenv("PORT", "")

	result, err := Load("config.example.yaml")
	require.NoError(t, err)
	cfg := result.Config

	assert.Equal(t, "config.example.yaml", result.Path)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Empty(t, cfg.Server.MasterKey)
	require.Len(t, cfg.Channels, 3)

	openai := cfg.Channels[0]
	assert.Equal(t, "openai", openai.Type)
	assert.Equal(t, 10, openai.Priority)
	assert.True(t, openai.IsEnabled())
	assert.Equal(t, "sk-example", openai.Config["api-key"])
	assert.Equal(t, "240s", openai.Config["timeout"])

	assert.False(t, cfg.Channels[2].IsEnabled())
}
