// Somnoflow - Polysomnography Ingestion Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/somnoflow

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in
// order of priority. The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/somnoflow/config.yaml",
	"/etc/somnoflow/config.yml",
}

// ConfigPathEnvVar is the environment variable that can override the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// defaultConfig returns a Config with all default values. Defaults are
// applied first, then overridden by the config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Subjects: SubjectsConfig{
			Start:     0,
			End:       10,
			Recording: 1,
		},
		Epoch: EpochConfig{
			LengthSeconds: 30.0,
		},
		Pipeline: PipelineConfig{
			Workers:            3, // each in-flight subject is fully buffered
			BatchSize:          100,
			LoadRetries:        2,
			LoadRetryDelay:     10 * time.Second,
			WriteRetries:       3,
			WriteRetryDelay:    500 * time.Millisecond,
			MinSuccessFraction: 0, // fail only when zero subjects succeed
		},
		Warehouse: WarehouseConfig{
			Backend:   "duckdb",
			Path:      "data/somnoflow.duckdb",
			MaxMemory: "2GB",
			Threads:   0, // 0 = runtime.NumCPU()
			Snowflake: SnowflakeConfig{
				Role:             "ACCOUNTADMIN",
				AppendsPerSecond: 0,
			},
		},
		Source: SourceConfig{
			ArchiveDir:   "data/archive",
			BaseURL:      "",
			FetchTimeout: 2 * time.Minute,
		},
		ErrSink: ErrSinkConfig{
			JournalDir: "data/errsink",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Load loads configuration using Koanf v2 with layered sources:
//  1. Defaults: Built-in sensible defaults
//  2. Config File: Optional YAML config file (if exists)
//  3. Environment Variables: Override any setting
//
// The merged configuration is validated before being returned.
func Load() (*Config, error) {
	k := koanf.New(".")

	// Layer 1: defaults from struct
	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// Layer 2: optional config file
	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Layer 3: environment variables (highest priority)
	// SUBJECTS_START -> subjects.start, WAREHOUSE_BACKEND -> warehouse.backend
	envProvider := env.Provider("", ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile searches for a config file in the default paths.
// Returns the path to the first file found, or empty string if none found.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// envPrefixes maps the leading env var token to its config section. Only
// variables with a known prefix are consumed, so unrelated environment
// variables (PATH, HOME, ...) never leak into the configuration.
var envPrefixes = map[string]string{
	"SUBJECTS":  "subjects",
	"EPOCH":     "epoch",
	"PIPELINE":  "pipeline",
	"WAREHOUSE": "warehouse",
	"SOURCE":    "source",
	"ERRSINK":   "errsink",
	"LOG":       "logging",
	"LOGGING":   "logging",
}

// envAliases maps the flat legacy variable names (matching the original
// deployment's .env convention) onto nested config paths.
var envAliases = map[string]string{
	"STARTING_SUBJECT":    "subjects.start",
	"ENDING_SUBJECT":      "subjects.end",
	"RECORDING":           "subjects.recording",
	"EPOCH_LENGTH":        "epoch.length_seconds",
	"ARCHIVE_DIR":         "source.archive_dir",
	"DB_PATH":             "warehouse.path",
	"WAREHOUSE_TYPE":      "warehouse.backend",
	"SNOWFLAKE_ACCOUNT":   "warehouse.snowflake.account",
	"SNOWFLAKE_USER":      "warehouse.snowflake.user",
	"SNOWFLAKE_PASSWORD":  "warehouse.snowflake.password",
	"SNOWFLAKE_DATABASE":  "warehouse.snowflake.database",
	"SNOWFLAKE_SCHEMA":    "warehouse.snowflake.schema",
	"SNOWFLAKE_WAREHOUSE": "warehouse.snowflake.warehouse",
	"SNOWFLAKE_ROLE":      "warehouse.snowflake.role",
	"LOG_LEVEL":           "logging.level",
	"LOG_FORMAT":          "logging.format",
}

// envTransformFunc transforms environment variable names to koanf config paths.
//
// Examples:
//   - SUBJECTS_START         -> subjects.start
//   - EPOCH_LENGTH_SECONDS   -> epoch.length_seconds
//   - PIPELINE_BATCH_SIZE    -> pipeline.batch_size
//   - WAREHOUSE_SNOWFLAKE_ACCOUNT -> warehouse.snowflake.account
//   - WAREHOUSE_TYPE         -> warehouse.backend (legacy alias)
//
// Returning "" drops the variable.
func envTransformFunc(key string) string {
	if path, ok := envAliases[key]; ok {
		return path
	}

	prefix, rest, found := strings.Cut(key, "_")
	if !found {
		return ""
	}
	section, ok := envPrefixes[prefix]
	if !ok {
		return ""
	}

	rest = strings.ToLower(rest)

	// The snowflake block is the only doubly nested section.
	if section == "warehouse" {
		if sfKey, isSF := strings.CutPrefix(rest, "snowflake_"); isSF {
			return "warehouse.snowflake." + sfKey
		}
	}

	return section + "." + rest
}
