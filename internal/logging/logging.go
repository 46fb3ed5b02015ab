// Package logging provides the structured logger used across the pipeline:
// a stdout/stderr output splitter, a field-based context logger, and a
// redaction hook that masks connector secrets before they reach any sink.
package logging

import (
	"bytes"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// Level is a minimum log level, mirroring logrus's own levels without
// exposing logrus as part of this package's public surface.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Config configures a new logger.
type Config struct {
	Level      Level
	Format     string // "json" or "text"
	TimeFormat string
}

// DefaultConfig returns sensible defaults: info level, text format.
func DefaultConfig() Config {
	return Config{
		Level:      LevelInfo,
		Format:     "text",
		TimeFormat: time.RFC3339,
	}
}

// outputSplitter routes error-level log lines to stderr and everything else
// to stdout, so container log collectors can apply different handling to
// each stream without parsing log bodies.
type outputSplitter struct{}

func (outputSplitter) Write(p []byte) (int, error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// New creates a logrus.Logger configured per cfg, with output already routed
// through outputSplitter and the secret redaction hook installed.
func New(cfg Config) *logrus.Logger {
	logger := logrus.New()

	switch cfg.Level {
	case LevelDebug:
		logger.SetLevel(logrus.DebugLevel)
	case LevelWarn:
		logger.SetLevel(logrus.WarnLevel)
	case LevelError:
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: cfg.TimeFormat})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{TimestampFormat: cfg.TimeFormat, FullTimestamp: true})
	}

	logger.SetOutput(outputSplitter{})
	logger.AddHook(redactionHook{})
	return logger
}

// secretFieldNames lists the logrus field names this hook masks. A
// connector config key counts as sensitive if its lowercase form contains
// one of these substrings.
var secretFieldNames = []string{"password", "secret", "token", "key", "credential", "dsn", "connstring", "connection_string"}

// redactionHook masks the value of any field whose key looks like a secret
// before the entry is formatted, so a connector that accidentally logs its
// whole config map never leaks a password to stdout.
type redactionHook struct{}

func (redactionHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (redactionHook) Fire(entry *logrus.Entry) error {
	for key, value := range entry.Data {
		if looksSecret(key) {
			if s, ok := value.(string); ok {
				entry.Data[key] = MaskSecret(s)
			}
		}
	}
	return nil
}

func looksSecret(key string) bool {
	lower := make([]byte, len(key))
	for i := 0; i < len(key); i++ {
		c := key[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		lower[i] = c
	}
	k := string(lower)
	for _, needle := range secretFieldNames {
		if contains(k, needle) {
			return true
		}
	}
	return false
}

func contains(haystack, needle string) bool {
	if len(needle) == 0 || len(needle) > len(haystack) {
		return len(needle) == 0
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

// MaskSecret returns a safe-to-log rendering of a sensitive string: the
// first and last four characters for strings longer than eight characters,
// a fixed placeholder for shorter ones, and a sentinel for empty strings.
func MaskSecret(secret string) string {
	if secret == "" {
		return "<not set>"
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}
