// Package staging writes ingested items to durable, columnar files on the
// local lake before they are loaded into the warehouse. The file format is
// gzip-compressed newline-delimited JSON with a header line describing the
// inferred column types: no Parquet or Arrow library appears anywhere in
// the corpus this project was built from, so NDJSON keeps the "deterministic
// columnar file" contract without adding a dependency nothing else uses.
//
// Each write lands under <lakeRoot>/<protocol>/<source>/<YYYY-MM-DD>/, using
// the same temp-file-then-rename pattern the teacher uses for downloads, so
// a staged file is either fully present or entirely absent — never partial.
package staging

import (
	"bufio"
	"compress/gzip"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/mpraes/single-node-dw/internal/contract"
)

// Header is the first line written to every staged file, describing the
// columns and their inferred types so the warehouse loader and schema
// manager can evolve the target table without re-scanning the data.
type Header struct {
	Columns []string                    `json:"columns"`
	Types   map[string]contract.ColumnType `json:"types"`
}

var unsafePathChars = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// SanitizeSourceName converts an arbitrary source identifier (a URL, a
// connection string, a free-form name) into a string safe to embed in a
// filesystem path, collapsing every run of unsafe characters to a single
// underscore.
func SanitizeSourceName(name string) string {
	safe := unsafePathChars.ReplaceAllString(name, "_")
	safe = strings.Trim(safe, "_")
	if safe == "" {
		return "source"
	}
	return safe
}

// Writer writes ColumnFrames to gzip NDJSON files under a lake root.
type Writer struct {
	lakeRoot string
}

// NewWriter creates a Writer rooted at lakeRoot. lakeRoot is created on
// first write if it does not already exist.
func NewWriter(lakeRoot string) *Writer {
	return &Writer{lakeRoot: lakeRoot}
}

// Root returns the lake root this Writer stages files under, so callers
// (e.g. an S3 mirror step) can derive an object key relative to it.
func (w *Writer) Root() string {
	return w.lakeRoot
}

// partitionDir returns the directory a file for (protocol, source, when)
// belongs in: <lakeRoot>/<protocol>/<safeSource>/<YYYY-MM-DD>/.
func (w *Writer) partitionDir(protocol, source string, when time.Time) string {
	return filepath.Join(w.lakeRoot, protocol, SanitizeSourceName(source), when.UTC().Format("2006-01-02"))
}

// stagedFileName builds a collision-resistant file name:
// <safeSource>_<YYYYMMDDTHHMMSSffffff>Z[_<4 hex chars>].ndjson.gz
// The microsecond digits come straight from when's nanosecond component, not
// a dotted fractional format, to match the partition path's timestamp shape.
// The random suffix is appended only when the caller indicates a previous
// write already claimed the un-suffixed name for this same microsecond.
func stagedFileName(source string, when time.Time, collision bool) (string, error) {
	utc := when.UTC()
	base := fmt.Sprintf("%s_%s%06dZ", SanitizeSourceName(source), utc.Format("20060102T150405"), utc.Nanosecond()/1000)
	if collision {
		suffix, err := randomSuffix()
		if err != nil {
			return "", err
		}
		base = base + "_" + suffix
	}
	return base + ".ndjson.gz", nil
}

func randomSuffix() (string, error) {
	buf := make([]byte, 2)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("staging: generating collision suffix: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Write persists a single ColumnFrame as one staged file and returns its
// path (joined onto the lake root as given). If a file with the same
// source and microsecond timestamp already exists in the partition, Write
// uses a name with a random suffix instead rather than overwriting the
// earlier file.
func (w *Writer) Write(frame contract.ColumnFrame, protocol, source string) (string, error) {
	now := time.Now()
	dir := w.partitionDir(protocol, source, now)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("staging: creating partition dir: %w", err)
	}

	name, err := stagedFileName(source, now, false)
	if err != nil {
		return "", err
	}
	finalPath := filepath.Join(dir, name)
	if _, err := os.Stat(finalPath); err == nil {
		name, err = stagedFileName(source, now, true)
		if err != nil {
			return "", err
		}
		finalPath = filepath.Join(dir, name)
	}

	if err := writeAtomic(finalPath, frame); err != nil {
		return "", err
	}
	return finalPath, nil
}

// WriteResult stages every row-bearing item in an IngestionResult and
// returns the paths written. Items carrying a PreStagedPayload are skipped
// for serialization but their paths are still included in the return value,
// since those connectors already wrote their own staging files.
func (w *Writer) WriteResult(result contract.IngestionResult, protocol, source string) ([]string, error) {
	var paths []string
	var rows []map[string]any

	for _, item := range result.Items {
		switch p := item.Payload.(type) {
		case contract.RowPayload:
			rows = append(rows, p.Row)
		case contract.RowsPayload:
			rows = append(rows, p.Rows...)
		case contract.ScalarPayload:
			rows = append(rows, map[string]any{"value": p.Value})
		case contract.PreStagedPayload:
			paths = append(paths, p.Paths...)
		}
	}

	if len(rows) == 0 {
		return paths, nil
	}

	stampIngestedAt(rows, time.Now().UTC())

	frame := InferFrame(rows)
	path, err := w.Write(frame, protocol, source)
	if err != nil {
		return nil, err
	}
	return append(paths, path), nil
}

// stampIngestedAt appends the _ingested_at column to every row, copying each
// row first so a caller's own map (e.g. one a connector still holds a
// reference to) is never mutated out from under it.
func stampIngestedAt(rows []map[string]any, when time.Time) {
	stamp := when.Format(time.RFC3339Nano)
	for i, row := range rows {
		copied := make(map[string]any, len(row)+1)
		for k, v := range row {
			copied[k] = v
		}
		copied["_ingested_at"] = stamp
		rows[i] = copied
	}
}

func writeAtomic(finalPath string, frame contract.ColumnFrame) error {
	tmpPath := finalPath + ".tmp"
	out, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("staging: creating temp file: %w", err)
	}

	gz := gzip.NewWriter(out)
	buffered := bufio.NewWriter(gz)
	encoder := json.NewEncoder(buffered)

	writeErr := func() error {
		header := Header{Columns: frame.Columns, Types: frame.Types}
		if err := encoder.Encode(header); err != nil {
			return err
		}
		for _, row := range frame.Rows {
			if err := encoder.Encode(row); err != nil {
				return err
			}
		}
		return nil
	}()

	if err := buffered.Flush(); err != nil && writeErr == nil {
		writeErr = err
	}
	if err := gz.Close(); err != nil && writeErr == nil {
		writeErr = err
	}
	if err := out.Close(); err != nil && writeErr == nil {
		writeErr = err
	}
	if writeErr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("staging: writing %s: %w", finalPath, writeErr)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("staging: finalizing %s: %w", finalPath, err)
	}
	return nil
}

// InferFrame derives column names and types from a set of rows. Column
// order follows the first row in which each column appears; columns first
// seen in the same row are ordered by name, since a map row carries no key
// order of its own. A column's type is the type of its first non-nil value,
// falling back to ColumnTypeString if every row omits it.
func InferFrame(rows []map[string]any) contract.ColumnFrame {
	var columns []string
	seen := map[string]bool{}
	types := map[string]contract.ColumnType{}

	for _, row := range rows {
		keys := make([]string, 0, len(row))
		for col := range row {
			keys = append(keys, col)
		}
		sort.Strings(keys)
		for _, col := range keys {
			val := row[col]
			if !seen[col] {
				seen[col] = true
				columns = append(columns, col)
			}
			if _, typed := types[col]; !typed && val != nil {
				types[col] = inferType(val)
			}
		}
	}
	for _, col := range columns {
		if _, typed := types[col]; !typed {
			types[col] = contract.ColumnTypeString
		}
	}

	return contract.ColumnFrame{Columns: columns, Types: types, Rows: rows}
}

func inferType(v any) contract.ColumnType {
	switch v.(type) {
	case int, int32, int64:
		return contract.ColumnTypeInt
	case float32, float64:
		return contract.ColumnTypeFloat
	case bool:
		return contract.ColumnTypeBool
	case time.Time:
		return contract.ColumnTypeTime
	case map[string]any, []any:
		return contract.ColumnTypeJSON
	default:
		return contract.ColumnTypeString
	}
}
