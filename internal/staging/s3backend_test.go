package staging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrimQuotesStripsSurroundingQuotes(t *testing.T) {
	assert.Equal(t, "abc123", trimQuotes(`"abc123"`))
}

func TestTrimQuotesLeavesUnquotedStringAlone(t *testing.T) {
	assert.Equal(t, "abc123", trimQuotes("abc123"))
}

func TestMD5FileMatchesKnownDigest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o644))

	sum, err := md5File(path)
	require.NoError(t, err)
	assert.Equal(t, "5eb63bbbe01eeed093cb22bb8f5acdc3", sum)
}

func TestMD5FileMissingFileErrors(t *testing.T) {
	_, err := md5File(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}
