package staging

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpraes/single-node-dw/internal/contract"
)

func TestSanitizeSourceNameCollapsesUnsafeChars(t *testing.T) {
	assert.Equal(t, "https_api_example_com_widgets", SanitizeSourceName("https://api.example.com/widgets"))
}

func TestSanitizeSourceNameFallsBackToSourceWhenEmpty(t *testing.T) {
	assert.Equal(t, "source", SanitizeSourceName("***"))
}

func TestInferFrameOrdersColumnsByFirstAppearance(t *testing.T) {
	rows := []map[string]any{
		{"b": 1, "a": "x"},
		{"c": true},
	}
	frame := InferFrame(rows)
	assert.Equal(t, []string{"a", "b", "c"}, frame.Columns)
}

func TestInferFrameInfersTypesFromFirstNonNilValue(t *testing.T) {
	rows := []map[string]any{
		{"id": nil, "name": "widget"},
		{"id": 42, "name": "gadget"},
	}
	frame := InferFrame(rows)
	assert.Equal(t, contract.ColumnTypeInt, frame.Types["id"])
	assert.Equal(t, contract.ColumnTypeString, frame.Types["name"])
}

func TestInferFrameDefaultsToStringWhenAlwaysNil(t *testing.T) {
	rows := []map[string]any{{"note": nil}}
	frame := InferFrame(rows)
	assert.Equal(t, contract.ColumnTypeString, frame.Types["note"])
}

func TestWriterWriteRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)

	frame := InferFrame([]map[string]any{
		{"id": 1, "name": "widget"},
		{"id": 2, "name": "gadget"},
	})

	path, err := w.Write(frame, "http", "https://api.example.com/widgets")
	require.NoError(t, err)
	require.FileExists(t, path)

	header, rows := readStagedFile(t, path)
	assert.ElementsMatch(t, []string{"id", "name"}, header.Columns)
	assert.Len(t, rows, 2)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestWriterRootReturnsLakeRoot(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)
	assert.Equal(t, dir, w.Root())
}

var stagedFileNamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+_\d{8}T\d{6}\d+Z(_[a-z0-9]+)?\.ndjson\.gz$`)

func TestWriterWriteProducesMicrosecondPrecisionFileName(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)
	frame := InferFrame([]map[string]any{{"id": 1}})

	path, err := w.Write(frame, "http", "widgets")
	require.NoError(t, err)
	assert.Regexp(t, stagedFileNamePattern, filepath.Base(path))
}

func TestWriteResultStampsIngestedAtOnEveryRow(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)

	result := contract.IngestionResult{
		Items: []contract.IngestedItem{
			{Payload: contract.RowsPayload{Rows: []map[string]any{{"id": 1}, {"id": 2}}}},
		},
	}

	paths, err := w.WriteResult(result, "http", "widgets")
	require.NoError(t, err)
	require.Len(t, paths, 1)

	_, rows := readStagedFile(t, paths[0])
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.NotEmpty(t, row["_ingested_at"])
	}
}

func TestWriterWritePartitionsBySourceAndDate(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)
	frame := InferFrame([]map[string]any{{"id": 1}})

	path, err := w.Write(frame, "http", "widgets")
	require.NoError(t, err)
	assert.Contains(t, filepath.Dir(path), filepath.Join("http", "widgets"))
}

func TestWriteResultSkipsPreStagedPayloadsFromSerialization(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)

	result := contract.IngestionResult{
		Items: []contract.IngestedItem{
			{Payload: contract.RowPayload{Row: map[string]any{"id": 1}}},
			{Payload: contract.PreStagedPayload{Paths: []string{"/lake/already/there.ndjson.gz"}}},
		},
	}

	paths, err := w.WriteResult(result, "file", "widgets")
	require.NoError(t, err)
	require.Len(t, paths, 2)
	assert.Contains(t, paths, "/lake/already/there.ndjson.gz")
}

func TestWriteResultWithNoRowsReturnsNoNewPath(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)

	result := contract.IngestionResult{
		Items: []contract.IngestedItem{
			{Payload: contract.PreStagedPayload{Paths: []string{"/lake/a.ndjson.gz"}}},
		},
	}

	paths, err := w.WriteResult(result, "file", "widgets")
	require.NoError(t, err)
	assert.Equal(t, []string{"/lake/a.ndjson.gz"}, paths)
}

func TestWriteResultFlattensRowsAndRowsPayloads(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)

	result := contract.IngestionResult{
		Items: []contract.IngestedItem{
			{Payload: contract.RowPayload{Row: map[string]any{"id": 1}}},
			{Payload: contract.RowsPayload{Rows: []map[string]any{{"id": 2}, {"id": 3}}}},
		},
	}

	paths, err := w.WriteResult(result, "http", "widgets")
	require.NoError(t, err)
	require.Len(t, paths, 1)

	_, rows := readStagedFile(t, paths[0])
	assert.Len(t, rows, 3)
}

func readStagedFile(t *testing.T, path string) (Header, []map[string]any) {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	defer gz.Close()

	scanner := bufio.NewScanner(gz)
	require.True(t, scanner.Scan())

	var header Header
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &header))

	var rows []map[string]any
	for scanner.Scan() {
		var row map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &row))
		rows = append(rows, row)
	}
	require.NoError(t, scanner.Err())
	return header, rows
}
