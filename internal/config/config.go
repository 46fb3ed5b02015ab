// Package config loads pipeline configuration from four layers, applied in
// strictly increasing precedence: built-in defaults, an optional YAML file,
// environment variables, and an explicit override map passed by the caller
// (the CLI binds command-line flags into this last layer). Each layer is a
// plain map[string]any overlay rather than an implicit-precedence library
// like viper, so that a given set of inputs always produces the same
// merged result and the merge itself can be unit tested without touching
// the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the fully resolved, validated pipeline configuration.
type Config struct {
	LakeRoot       string
	DefaultSchema  string
	WarehouseDSN   string
	LogLevel       string
	LogFormat      string
	MaxConnections int
	HandleTTL      time.Duration
	Sources        map[string]SourceConfig

	// LakeS3Bucket, if set, mirrors every staged file up to an
	// S3-compatible object store in addition to the local lake root.
	LakeS3Bucket       string
	LakeS3Region       string
	LakeS3Endpoint     string
	LakeS3AccessKey    string
	LakeS3SecretKey    string
	LakeS3UsePathStyle bool
}

// SourceConfig is the per-source connector configuration: which connector
// type to instantiate and the connector-specific settings to pass it.
type SourceConfig struct {
	ConnectorType string
	TargetTable   string
	TargetSchema  string
	Settings      map[string]any
}

// LoadOptions controls where Load reads each configuration layer from.
type LoadOptions struct {
	// FilePath, if non-empty, is read as a YAML file for the file layer.
	FilePath string
	// EnvPrefix namespaces environment variable lookups, e.g. "DW" turns
	// LakeRoot into DW_LAKE_ROOT.
	EnvPrefix string
	// Overrides is the highest-precedence layer, merged in last.
	Overrides map[string]any
}

// rawLayer is the intermediate map[string]any representation each layer is
// expressed in before being merged and finally decoded into a Config.
type rawLayer map[string]any

func defaultsLayer() rawLayer {
	return rawLayer{
		"lake_root":       "./lake",
		"default_schema":  "public",
		"log_level":       "info",
		"log_format":      "text",
		"max_connections": 10,
		"handle_ttl":      "10m",
		"sources":         map[string]any{},
		"lake_s3_use_path_style": false,
	}
}

func fileLayer(path string) (rawLayer, error) {
	if path == "" {
		return rawLayer{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return rawLayer{}, nil
		}
		return nil, fmt.Errorf("config: reading file %s: %w", path, err)
	}
	var layer rawLayer
	if err := yaml.Unmarshal(data, &layer); err != nil {
		return nil, fmt.Errorf("config: parsing file %s: %w", path, err)
	}
	return layer, nil
}

// envKeys lists the scalar top-level keys this loader will look up from the
// environment. Nested keys (sources.*) are intentionally not
// environment-overridable; per-source settings belong in the file layer or
// explicit overrides.
var envKeys = []string{
	"lake_root", "default_schema", "warehouse_dsn", "log_level", "log_format", "max_connections", "handle_ttl",
	"lake_s3_bucket", "lake_s3_region", "lake_s3_endpoint", "lake_s3_access_key", "lake_s3_secret_key", "lake_s3_use_path_style",
}

func envLayer(prefix string) rawLayer {
	layer := rawLayer{}
	for _, key := range envKeys {
		envName := strings.ToUpper(key)
		if prefix != "" {
			envName = strings.ToUpper(prefix) + "_" + envName
		}
		if value, ok := os.LookupEnv(envName); ok {
			layer[key] = value
		}
	}
	return layer
}

// merge overlays patch onto base, key by key. Nested maps are merged
// recursively so that a "sources" override can add or replace a single
// source without clobbering the others.
func merge(base, patch rawLayer) rawLayer {
	out := make(rawLayer, len(base))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		if existing, ok := out[k]; ok {
			existingMap, existingIsMap := asStringMap(existing)
			patchMap, patchIsMap := asStringMap(v)
			if existingIsMap && patchIsMap {
				out[k] = merge(existingMap, patchMap)
				continue
			}
		}
		out[k] = v
	}
	return out
}

func asStringMap(v any) (rawLayer, bool) {
	switch m := v.(type) {
	case rawLayer:
		return m, true
	case map[string]any:
		return rawLayer(m), true
	default:
		return nil, false
	}
}

// Load resolves the merged configuration: defaults < file < env <
// opts.Overrides. The result is validated before being returned.
func Load(opts LoadOptions) (Config, error) {
	merged := defaultsLayer()

	fl, err := fileLayer(opts.FilePath)
	if err != nil {
		return Config{}, err
	}
	merged = merge(merged, fl)
	merged = merge(merged, envLayer(opts.EnvPrefix))
	if opts.Overrides != nil {
		merged = merge(merged, rawLayer(opts.Overrides))
	}

	cfg, err := decode(merged)
	if err != nil {
		return Config{}, err
	}
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(layer rawLayer) (Config, error) {
	cfg := Config{Sources: map[string]SourceConfig{}}

	cfg.LakeRoot = toString(layer["lake_root"])
	cfg.DefaultSchema = toString(layer["default_schema"])
	cfg.WarehouseDSN = toString(layer["warehouse_dsn"])
	cfg.LogLevel = toString(layer["log_level"])
	cfg.LogFormat = toString(layer["log_format"])

	cfg.LakeS3Bucket = toString(layer["lake_s3_bucket"])
	cfg.LakeS3Region = toString(layer["lake_s3_region"])
	cfg.LakeS3Endpoint = toString(layer["lake_s3_endpoint"])
	cfg.LakeS3AccessKey = toString(layer["lake_s3_access_key"])
	cfg.LakeS3SecretKey = toString(layer["lake_s3_secret_key"])
	cfg.LakeS3UsePathStyle = toBool(layer["lake_s3_use_path_style"])

	maxConn, err := toInt(layer["max_connections"])
	if err != nil {
		return Config{}, fmt.Errorf("config: max_connections: %w", err)
	}
	cfg.MaxConnections = maxConn

	ttlRaw := toString(layer["handle_ttl"])
	if ttlRaw != "" {
		ttl, err := time.ParseDuration(ttlRaw)
		if err != nil {
			return Config{}, fmt.Errorf("config: handle_ttl: %w", err)
		}
		cfg.HandleTTL = ttl
	}

	sourcesRaw, _ := asStringMap(layer["sources"])
	for name, v := range sourcesRaw {
		sourceMap, ok := asStringMap(v)
		if !ok {
			return Config{}, fmt.Errorf("config: sources.%s: expected a mapping", name)
		}
		settings, _ := asStringMap(sourceMap["settings"])
		cfg.Sources[name] = SourceConfig{
			ConnectorType: toString(sourceMap["connector_type"]),
			TargetTable:   toString(sourceMap["target_table"]),
			TargetSchema:  toString(sourceMap["target_schema"]),
			Settings:      map[string]any(settings),
		}
	}

	return cfg, nil
}

func toString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case string:
		if n == "" {
			return 0, nil
		}
		return strconv.Atoi(n)
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}

func toBool(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		parsed, _ := strconv.ParseBool(b)
		return parsed
	default:
		return false
	}
}

// validate enforces the invariants every Config must satisfy before it is
// handed to the orchestrator.
func validate(cfg Config) error {
	var errs []string
	if cfg.LakeRoot == "" {
		errs = append(errs, "lake_root is required")
	}
	if cfg.MaxConnections <= 0 {
		errs = append(errs, "max_connections must be positive")
	}
	for name, src := range cfg.Sources {
		if src.ConnectorType == "" {
			errs = append(errs, fmt.Sprintf("sources.%s.connector_type is required", name))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
