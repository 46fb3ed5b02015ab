package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaskSecretEmptyString(t *testing.T) {
	assert.Equal(t, "<not set>", MaskSecret(""))
}

func TestMaskSecretShortString(t *testing.T) {
	assert.Equal(t, "***", MaskSecret("abcd1234"))
}

func TestMaskSecretLongStringKeepsFirstAndLastFour(t *testing.T) {
	assert.Equal(t, "sk-a...z789", MaskSecret("sk-abcdefghijklmnopqrstuvwxyz789"))
}

func TestLooksSecretMatchesKnownFieldNames(t *testing.T) {
	assert.True(t, looksSecret("DB_PASSWORD"))
	assert.True(t, looksSecret("apiKey"))
	assert.True(t, looksSecret("warehouse_dsn"))
	assert.False(t, looksSecret("source_name"))
}

func TestRedactionHookMasksSecretFields(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.AddHook(redactionHook{})

	logger.WithFields(logrus.Fields{
		"password": "supersecretvalue",
		"source":   "widgets",
	}).Info("connecting")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.NotEqual(t, "supersecretvalue", decoded["password"])
	assert.Equal(t, "widgets", decoded["source"])
}

func TestNewAppliesConfiguredLevel(t *testing.T) {
	logger := New(Config{Level: LevelWarn, Format: "text"})
	assert.Equal(t, logrus.WarnLevel, logger.GetLevel())
}

func TestNewDefaultsToInfoLevelForUnknownLevel(t *testing.T) {
	logger := New(Config{Level: Level("nonsense"), Format: "text"})
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
}

func TestNewUsesJSONFormatterWhenConfigured(t *testing.T) {
	logger := New(Config{Level: LevelInfo, Format: "json"})
	_, ok := logger.Formatter.(*logrus.JSONFormatter)
	assert.True(t, ok)
}

func TestDefaultConfigIsInfoAndText(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, LevelInfo, cfg.Level)
	assert.Equal(t, "text", cfg.Format)
}
