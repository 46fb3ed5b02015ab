package main

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/mpraes/single-node-dw/internal/config"
)

func TestNewLoggerAppliesConfiguredLevel(t *testing.T) {
	logger := newLogger(config.Config{LogLevel: "debug", LogFormat: "text"})
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
}

func TestLoadConfigAppliesDefaultsWithoutAnyFlags(t *testing.T) {
	cfg, err := loadConfig()
	assert.NoError(t, err)
	assert.Equal(t, "./lake", cfg.LakeRoot)
}
