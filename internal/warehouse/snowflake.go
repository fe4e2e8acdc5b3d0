// Somnoflow - Polysomnography Ingestion Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/somnoflow

package warehouse

import (
	"database/sql"
	"fmt"
	"time"

	sf "github.com/snowflakedb/gosnowflake"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/tomtom215/somnoflow/internal/config"
	"github.com/tomtom215/somnoflow/internal/logging"
)

// BackendSnowflake identifies the remote cloud backend.
const BackendSnowflake = "snowflake"

// OpenSnowflake opens a connection to a remote Snowflake warehouse.
// Appends run behind a circuit breaker so a flapping remote service
// fails fast instead of stalling every worker, and behind an optional
// rate limiter when cfg.Snowflake.AppendsPerSecond is set.
func OpenSnowflake(cfg config.WarehouseConfig) (Client, error) {
	sc := cfg.Snowflake
	if sc.Account == "" || sc.User == "" {
		return nil, fmt.Errorf("snowflake backend requires account and user")
	}

	dsn, err := sf.DSN(&sf.Config{
		Account:   sc.Account,
		User:      sc.User,
		Password:  sc.Password,
		Database:  sc.Database,
		Schema:    sc.Schema,
		Warehouse: sc.Warehouse,
		Role:      sc.Role,
	})
	if err != nil {
		return nil, fmt.Errorf("building snowflake DSN: %w", err)
	}

	conn, err := sql.Open("snowflake", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening snowflake connection: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("connecting to snowflake account %s: %w", sc.Account, err)
	}

	breaker := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "snowflake-append",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Warehouse circuit breaker state changed")
		},
	})

	var limiter *rate.Limiter
	if sc.AppendsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(sc.AppendsPerSecond), 1)
	}

	logging.Info().
		Str("account", sc.Account).
		Str("database", sc.Database).
		Str("schema", sc.Schema).
		Msg("Snowflake warehouse connected")

	return &sqlClient{
		conn:       conn,
		backend:    BackendSnowflake,
		nativeType: snowflakeType,
		breaker:    breaker,
		limiter:    limiter,
	}, nil
}

// snowflakeType maps abstract column types to Snowflake column types.
// Snowflake has no UUID type; identifiers land in VARCHAR(36).
func snowflakeType(abstract string) string {
	switch abstract {
	case "UUID":
		return "VARCHAR(36)"
	case "TIMESTAMP":
		return "TIMESTAMP_NTZ"
	default:
		return abstract
	}
}
