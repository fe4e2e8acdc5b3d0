// Somnoflow - Polysomnography Ingestion Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/somnoflow

package warehouse

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/tomtom215/somnoflow/internal/config"
	"github.com/tomtom215/somnoflow/internal/logging"
)

// BackendDuckDB identifies the embedded analytical backend.
const BackendDuckDB = "duckdb"

// OpenDuckDB opens (creating if needed) an embedded DuckDB warehouse at
// cfg.Path. Path ":memory:" gives a private in-memory database, used by
// tests and throwaway runs.
func OpenDuckDB(cfg config.WarehouseConfig) (Client, error) {
	path := cfg.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("creating warehouse directory: %w", err)
		}
	}

	numThreads := cfg.Threads
	if numThreads <= 0 {
		numThreads = runtime.NumCPU()
	}
	maxMemory := cfg.MaxMemory
	if maxMemory == "" {
		maxMemory = "1GB"
	}

	connStr := fmt.Sprintf("%s?access_mode=read_write&threads=%d&max_memory=%s",
		path, numThreads, maxMemory)
	if path == ":memory:" {
		connStr = fmt.Sprintf(":memory:?threads=%d&max_memory=%s", numThreads, maxMemory)
	}

	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening duckdb at %s: %w", path, err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("connecting to duckdb at %s: %w", path, err)
	}

	// DuckDB writes go through a single embedded engine; funneling them
	// through one connection avoids write-write transaction conflicts.
	conn.SetMaxOpenConns(1)

	logging.Info().
		Str("path", path).
		Int("threads", numThreads).
		Str("max_memory", maxMemory).
		Msg("DuckDB warehouse opened")

	return &sqlClient{
		conn:       conn,
		backend:    BackendDuckDB,
		nativeType: duckdbType,
	}, nil
}

// duckdbType maps abstract column types to DuckDB column types. DuckDB
// has a native UUID type, so the mapping is mostly the identity.
func duckdbType(abstract string) string {
	return strings.ToUpper(abstract)
}
