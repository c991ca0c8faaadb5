package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/llm-endpoint-router/internal/config"
)

func TestSetupLogger(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "router.log")

	logger := logrus.New()
	require.NoError(t, setupLogger(logger, config.LoggingConfig{Level: "debug", Format: "text", Output: logPath}))
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, logger.Formatter)

	logger.Info("hello")
	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")

	assert.Error(t, setupLogger(logrus.New(), config.LoggingConfig{Level: "loud", Format: "json"}))
	assert.Error(t, setupLogger(logrus.New(), config.LoggingConfig{Level: "info", Format: "xml"}))
}

func TestOpenOutput(t *testing.T) {
	w, err := openOutput("")
	require.NoError(t, err)
	assert.Equal(t, os.Stdout, w)

	w, err = openOutput("stderr")
	require.NoError(t, err)
	assert.Equal(t, os.Stderr, w)

	_, err = openOutput(filepath.Join(t.TempDir(), "missing", "dir", "out.log"))
	assert.Error(t, err)
}

func TestNewApplication(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
logging:
  level: warn
  output: stderr
providers:
  - id: primary
    type: openai
    priority: 1
    default_model: gpt-4o-mini
    settings:
      api_key_env: TEST_APP_OPENAI_KEY
  - id: browser-chat
    type: web_chat
    priority: 2
    settings:
      session_url: https://chat.example.com
`), 0o600))

	app, err := NewApplication(path)
	require.NoError(t, err)
	assert.Len(t, app.registry.ListAll(), 2)
	assert.Nil(t, app.tracerShutdown)
	assert.NotNil(t, app.server)

	_, err = NewApplication(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
