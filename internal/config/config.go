// Somnoflow - Polysomnography Ingestion Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/somnoflow

// Package config provides layered configuration for the ingestion pipeline.
//
// Configuration Loading Order (Koanf v2):
//  1. Defaults: Built-in sensible defaults for all optional settings
//  2. Config File: Optional YAML config file (config.yaml) for persistent settings
//  3. Environment Variables: Override any setting
//
// Config is immutable after Load() and safe for concurrent read access.
package config

import (
	"fmt"
	"time"
)

// Config holds all application configuration loaded from environment
// variables and config files.
type Config struct {
	Subjects  SubjectsConfig  `koanf:"subjects"`
	Epoch     EpochConfig     `koanf:"epoch"`
	Pipeline  PipelineConfig  `koanf:"pipeline"`
	Warehouse WarehouseConfig `koanf:"warehouse"`
	Source    SourceConfig    `koanf:"source"`
	ErrSink   ErrSinkConfig   `koanf:"errsink"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// SubjectsConfig selects which subjects of the study a run processes.
type SubjectsConfig struct {
	// Start and End bound the inclusive subject range.
	Start int `koanf:"start"`
	End   int `koanf:"end"`

	// Recording is the session index within the study (night 1 or 2).
	Recording int `koanf:"recording"`
}

// EpochConfig controls epoch slicing.
type EpochConfig struct {
	// LengthSeconds is the fixed epoch window length. Default 30.
	LengthSeconds float64 `koanf:"length_seconds"`
}

// PipelineConfig controls orchestration: concurrency, batching, retries,
// and the run-level success policy.
type PipelineConfig struct {
	// Workers bounds subject-level concurrency. Each in-flight subject holds
	// a fully buffered recording, so this caps memory use. Default 3.
	Workers int `koanf:"workers"`

	// BatchSize is the number of validated epochs per warehouse append.
	BatchSize int `koanf:"batch_size"`

	// LoadRetries is the number of additional fetch attempts after a
	// SourceUnavailable failure.
	LoadRetries    int           `koanf:"load_retries"`
	LoadRetryDelay time.Duration `koanf:"load_retry_delay"`

	// WriteRetries bounds batch-level retries on transient storage errors,
	// with exponential backoff starting at WriteRetryDelay.
	WriteRetries    int           `koanf:"write_retries"`
	WriteRetryDelay time.Duration `koanf:"write_retry_delay"`

	// MinSuccessFraction is the run success policy: the process exits
	// non-zero when fewer than this fraction of subjects succeeded.
	// Default 0: the run fails only when zero subjects succeeded.
	MinSuccessFraction float64 `koanf:"min_success_fraction"`
}

// WarehouseConfig selects and parameterizes the analytical store backend.
type WarehouseConfig struct {
	// Backend is "duckdb" (local embedded) or "snowflake" (remote cloud).
	Backend string `koanf:"backend"`

	// Path is the DuckDB database file (":memory:" for ephemeral).
	Path string `koanf:"path"`

	// MaxMemory and Threads tune the embedded DuckDB engine.
	MaxMemory string `koanf:"max_memory"`
	Threads   int    `koanf:"threads"`

	Snowflake SnowflakeConfig `koanf:"snowflake"`
}

// SnowflakeConfig holds remote warehouse connection parameters. Credentials
// come from SNOWFLAKE_* environment variables, never from the config file.
type SnowflakeConfig struct {
	Account   string `koanf:"account"`
	User      string `koanf:"user"`
	Password  string `koanf:"password"`
	Database  string `koanf:"database"`
	Schema    string `koanf:"schema"`
	Warehouse string `koanf:"warehouse"`
	Role      string `koanf:"role"`

	// AppendsPerSecond rate-limits remote appends; 0 disables the limiter.
	AppendsPerSecond float64 `koanf:"appends_per_second"`
}

// SourceConfig locates the recording archive.
type SourceConfig struct {
	// ArchiveDir is the local directory holding PSG and hypnogram files.
	ArchiveDir string `koanf:"archive_dir"`

	// BaseURL, when set, enables fetching missing files from a remote
	// archive into ArchiveDir before loading.
	BaseURL string `koanf:"base_url"`

	// FetchTimeout bounds one remote fetch.
	FetchTimeout time.Duration `koanf:"fetch_timeout"`
}

// ErrSinkConfig controls the durable fallback journal of the error sink.
type ErrSinkConfig struct {
	// JournalDir is the BadgerDB directory for errors that could not be
	// written to the warehouse. Empty disables the journal (log-only
	// fallback).
	JournalDir string `koanf:"journal_dir"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// Validate checks the configuration for values that would make a run
// misbehave in non-obvious ways. Called by Load after all layers are merged.
func (c *Config) Validate() error {
	if c.Subjects.End < c.Subjects.Start {
		return fmt.Errorf("subjects.end (%d) must be >= subjects.start (%d)",
			c.Subjects.End, c.Subjects.Start)
	}
	if c.Subjects.Start < 0 {
		return fmt.Errorf("subjects.start must be non-negative, got %d", c.Subjects.Start)
	}
	if c.Subjects.Recording != 1 && c.Subjects.Recording != 2 {
		return fmt.Errorf("subjects.recording must be 1 or 2, got %d", c.Subjects.Recording)
	}
	if c.Epoch.LengthSeconds <= 0 {
		return fmt.Errorf("epoch.length_seconds must be positive, got %v", c.Epoch.LengthSeconds)
	}
	if c.Pipeline.Workers < 1 {
		return fmt.Errorf("pipeline.workers must be at least 1, got %d", c.Pipeline.Workers)
	}
	if c.Pipeline.BatchSize < 1 {
		return fmt.Errorf("pipeline.batch_size must be at least 1, got %d", c.Pipeline.BatchSize)
	}
	if c.Pipeline.LoadRetries < 0 || c.Pipeline.WriteRetries < 0 {
		return fmt.Errorf("retry counts must be non-negative")
	}
	if f := c.Pipeline.MinSuccessFraction; f < 0 || f > 1 {
		return fmt.Errorf("pipeline.min_success_fraction must be in [0, 1], got %v", f)
	}

	switch c.Warehouse.Backend {
	case "duckdb":
		if c.Warehouse.Path == "" {
			return fmt.Errorf("warehouse.path is required for the duckdb backend")
		}
	case "snowflake":
		sf := c.Warehouse.Snowflake
		var missing []string
		if sf.Account == "" {
			missing = append(missing, "warehouse.snowflake.account")
		}
		if sf.User == "" {
			missing = append(missing, "warehouse.snowflake.user")
		}
		if sf.Password == "" {
			missing = append(missing, "warehouse.snowflake.password")
		}
		if len(missing) > 0 {
			return fmt.Errorf("missing required snowflake credentials: %v", missing)
		}
	default:
		return fmt.Errorf("warehouse.backend must be duckdb or snowflake, got %q", c.Warehouse.Backend)
	}

	if c.Source.ArchiveDir == "" {
		return fmt.Errorf("source.archive_dir is required")
	}

	return nil
}
