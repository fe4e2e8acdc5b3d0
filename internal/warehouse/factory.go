// Somnoflow - Polysomnography Ingestion Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/somnoflow

package warehouse

import (
	"fmt"

	"github.com/tomtom215/somnoflow/internal/config"
)

// Open selects and opens the backend named by cfg.Backend.
func Open(cfg config.WarehouseConfig) (Client, error) {
	switch cfg.Backend {
	case BackendDuckDB, "":
		return OpenDuckDB(cfg)
	case BackendSnowflake:
		return OpenSnowflake(cfg)
	default:
		return nil, fmt.Errorf("unknown warehouse backend %q", cfg.Backend)
	}
}
