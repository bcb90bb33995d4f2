package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onetool-io/mailingest/internal/config"
)

func TestNew(t *testing.T) {
	t.Run("defaults to json at info", func(t *testing.T) {
		logger, err := New(config.LoggingConfig{})
		require.NoError(t, err)
		assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
		assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)
	})

	t.Run("text formatter and level", func(t *testing.T) {
		logger, err := New(config.LoggingConfig{Level: "debug", Format: "text", Output: "stderr"})
		require.NoError(t, err)
		assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
		assert.IsType(t, &logrus.TextFormatter{}, logger.Formatter)
		assert.Equal(t, os.Stderr, logger.Out)
	})

	t.Run("json lines carry fields", func(t *testing.T) {
		logger, err := New(config.LoggingConfig{Level: "info"})
		require.NoError(t, err)
		var buf bytes.Buffer
		logger.SetOutput(&buf)

		logger.WithField("email_id", "em_1").Info("ingested")

		var line map[string]interface{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
		assert.Equal(t, "ingested", line["msg"])
		assert.Equal(t, "em_1", line["email_id"])
	})

	t.Run("file output", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "mailingest.log")
		cfg := config.LoggingConfig{Output: "file"}
		cfg.File.Path = path
		logger, err := New(cfg)
		require.NoError(t, err)
		logger.Info("hello")

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "hello")
	})

	t.Run("invalid settings", func(t *testing.T) {
		_, err := New(config.LoggingConfig{Level: "loud"})
		assert.Error(t, err)
		_, err = New(config.LoggingConfig{Format: "xml"})
		assert.Error(t, err)
		_, err = New(config.LoggingConfig{Output: "file"})
		assert.Error(t, err)
		_, err = New(config.LoggingConfig{Output: "syslog"})
		assert.Error(t, err)
	})
}

func TestConfigure(t *testing.T) {
	prev := Log
	defer func() { Log = prev }()

	require.NoError(t, Configure(config.LoggingConfig{Level: "warn"}))
	assert.Equal(t, logrus.WarnLevel, Log.GetLevel())
	assert.Error(t, Configure(config.LoggingConfig{Level: "nope"}))
	assert.Equal(t, logrus.WarnLevel, Log.GetLevel())
}
