// Somnoflow - Polysomnography Ingestion Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/somnoflow

package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/tomtom215/somnoflow/internal/logging"
	"github.com/tomtom215/somnoflow/internal/metrics"
)

// sqlClient implements Client over database/sql. Both backends share it;
// they differ only in DSN construction, native type mapping, and the
// optional breaker/limiter guarding remote appends.
type sqlClient struct {
	conn    *sql.DB
	backend string

	// nativeType maps abstract schema types to the backend's column types.
	nativeType func(abstract string) string

	// breaker and limiter guard remote appends; nil for the embedded
	// backend, where a local write cannot brown out a shared service.
	breaker *gobreaker.CircuitBreaker[any]
	limiter *rate.Limiter
}

// Backend implements Client.
func (c *sqlClient) Backend() string { return c.backend }

// Close implements Client.
func (c *sqlClient) Close() error {
	logging.Debug().Str("backend", c.backend).Msg("Closing warehouse connection")
	return c.conn.Close()
}

// EnsureTable implements Client. Creation is IF NOT EXISTS, so concurrent
// callers and reruns converge; the subsequent introspection catches tables
// that pre-exist with a conflicting shape.
func (c *sqlClient) EnsureTable(ctx context.Context, schema TableSchema) error {
	var cols []string
	for _, col := range schema.Columns {
		cols = append(cols, fmt.Sprintf("%s %s", col.Name, c.nativeType(col.Type)))
	}
	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", schema.Name, strings.Join(cols, ", "))

	if _, err := c.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("creating table %s: %w", schema.Name, err)
	}

	return c.verifySchema(ctx, schema)
}

// verifySchema introspects the live table and checks every expected column
// is present with a compatible type. Extra columns are tolerated: additive
// evolution must not break older writers.
func (c *sqlClient) verifySchema(ctx context.Context, schema TableSchema) error {
	rows, err := c.conn.QueryContext(ctx,
		`SELECT column_name, data_type FROM information_schema.columns
		 WHERE lower(table_name) = lower(?)`, schema.Name)
	if err != nil {
		return fmt.Errorf("introspecting table %s: %w", schema.Name, err)
	}
	defer func() {
		_ = rows.Close() // cleanup is best-effort
	}()

	actual := make(map[string]string)
	for rows.Next() {
		var name, dataType string
		if err := rows.Scan(&name, &dataType); err != nil {
			return fmt.Errorf("scanning column metadata for %s: %w", schema.Name, err)
		}
		actual[strings.ToLower(name)] = dataType
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("reading column metadata for %s: %w", schema.Name, err)
	}

	for _, col := range schema.Columns {
		dataType, ok := actual[strings.ToLower(col.Name)]
		if !ok {
			return &SchemaMismatchError{
				Table:  schema.Name,
				Detail: fmt.Sprintf("missing column %s", col.Name),
			}
		}
		if !compatibleTypes(col.Type, dataType) {
			return &SchemaMismatchError{
				Table: schema.Name,
				Detail: fmt.Sprintf("column %s has type %s, want %s",
					col.Name, dataType, col.Type),
			}
		}
	}

	return nil
}

// AppendRows implements Client. The whole batch runs in one transaction:
// a failure on any row rolls back every row, so partial batches are never
// visible to readers.
func (c *sqlClient) AppendRows(ctx context.Context, table string, columns []string, rows [][]any) (err error) {
	if len(rows) == 0 {
		return nil
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return &WriteFailureError{Table: table, Err: err}
		}
	}

	start := time.Now()
	if c.breaker != nil {
		_, err = c.breaker.Execute(func() (any, error) {
			return nil, c.appendTx(ctx, table, columns, rows)
		})
	} else {
		err = c.appendTx(ctx, table, columns, rows)
	}

	if err != nil {
		metrics.WarehouseAppendErrors.WithLabelValues(c.backend, table).Inc()
		if _, ok := err.(*WriteFailureError); ok {
			return err
		}
		return &WriteFailureError{Table: table, Err: err}
	}

	metrics.WarehouseAppendDuration.WithLabelValues(c.backend, table).
		Observe(time.Since(start).Seconds())
	return nil
}

// appendTx performs the transactional insert.
func (c *sqlClient) appendTx(ctx context.Context, table string, columns []string, rows [][]any) (err error) {
	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction on %s: %w", table, err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				logging.Error().
					Err(rbErr).
					AnErr("original_error", err).
					Str("table", table).
					Msg("Transaction rollback failed")
			}
		}
	}()

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(columns, ", "), placeholders)

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("preparing insert on %s: %w", table, err)
	}
	defer func() {
		_ = stmt.Close() // cleanup is best-effort
	}()

	for i, row := range rows {
		if len(row) != len(columns) {
			err = fmt.Errorf("row %d has %d values, table %s wants %d",
				i, len(row), table, len(columns))
			return err
		}
		if _, err = stmt.ExecContext(ctx, row...); err != nil {
			return fmt.Errorf("inserting row %d into %s: %w", i, table, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing batch of %d rows to %s: %w", len(rows), table, err)
	}
	return nil
}

// DeleteSubject implements Client.
func (c *sqlClient) DeleteSubject(ctx context.Context, table string, subjectID int) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE subject_id = ?", table)
	if _, err := c.conn.ExecContext(ctx, query, subjectID); err != nil {
		metrics.WarehouseAppendErrors.WithLabelValues(c.backend, table).Inc()
		return &WriteFailureError{Table: table, Err: err}
	}
	return nil
}

// Query implements Client.
func (c *sqlClient) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.conn.QueryContext(ctx, query, args...)
}
