// Somnoflow - Polysomnography Ingestion Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/somnoflow

// Package warehouse provides a uniform analytical-store client over two
// swappable backends: an embedded local DuckDB database and a remote
// Snowflake warehouse. The pipeline is backend-agnostic; the backend is
// selected once at startup via configuration, never by dynamic dispatch
// inside the pipeline body.
//
// Guarantees common to both backends:
//   - AppendRows is atomic per batch: all rows become durably visible or
//     none do
//   - EnsureTable is idempotent; an incompatible existing table fails with
//     *SchemaMismatchError
//   - one live connection per run, released on every exit path
package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/tomtom215/somnoflow/internal/models"
)

// Table names of the persisted contract. The epoch table's column set is
// consumed verbatim by the downstream SQL transformation layer; renaming or
// retyping a column there is a breaking change.
const (
	EpochTable = "sleep_epochs"
	ErrorTable = "ingestion_errors"
)

// Column is one column of a table schema, typed abstractly so each backend
// can map it to its native type.
type Column struct {
	Name string
	// Type is one of: UUID, INTEGER, VARCHAR, DOUBLE, TIMESTAMP.
	Type string
}

// TableSchema describes the expected shape of one warehouse table.
type TableSchema struct {
	Name    string
	Columns []Column
}

// ColumnNames returns the column names in declaration order.
func (s TableSchema) ColumnNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// EpochTableSchema returns the contract schema of the epoch table.
func EpochTableSchema() TableSchema {
	return TableSchema{
		Name: EpochTable,
		Columns: []Column{
			{Name: "epoch_id", Type: "UUID"},
			{Name: "subject_id", Type: "INTEGER"},
			{Name: "epoch_idx", Type: "INTEGER"},
			{Name: "sleep_stage", Type: "VARCHAR"},
			{Name: "delta_power_uv", Type: "DOUBLE"},
			{Name: "theta_power_uv", Type: "DOUBLE"},
			{Name: "alpha_power_uv", Type: "DOUBLE"},
			{Name: "sigma_power_uv", Type: "DOUBLE"},
			{Name: "beta_power_uv", Type: "DOUBLE"},
			{Name: "extracted_at", Type: "TIMESTAMP"},
		},
	}
}

// ErrorTableSchema returns the schema of the append-only error table.
func ErrorTableSchema() TableSchema {
	return TableSchema{
		Name: ErrorTable,
		Columns: []Column{
			{Name: "subject_id", Type: "INTEGER"},
			{Name: "stage", Type: "VARCHAR"},
			{Name: "message", Type: "VARCHAR"},
			{Name: "trace", Type: "VARCHAR"},
			{Name: "occurred_at", Type: "TIMESTAMP"},
		},
	}
}

// EpochRow flattens a record into epoch table column order.
func EpochRow(rec models.EpochRecord) []any {
	return []any{
		rec.EpochID.String(),
		rec.SubjectID,
		rec.EpochIdx,
		string(rec.Stage),
		rec.DeltaPower,
		rec.ThetaPower,
		rec.AlphaPower,
		rec.SigmaPower,
		rec.BetaPower,
		rec.ExtractedAt,
	}
}

// ErrorRow flattens an ingestion error into error table column order.
func ErrorRow(e models.IngestionError) []any {
	return []any{e.SubjectID, e.Stage, e.Message, e.Trace, e.OccurredAt}
}

// Client is the capability set every backend implements.
type Client interface {
	// EnsureTable creates the table when absent; it is a no-op when the
	// table exists with a compatible schema and fails with
	// *SchemaMismatchError otherwise.
	EnsureTable(ctx context.Context, schema TableSchema) error

	// AppendRows atomically appends a batch of rows, given in the table's
	// column order. Transient failures are reported as *WriteFailureError.
	AppendRows(ctx context.Context, table string, columns []string, rows [][]any) error

	// DeleteSubject removes a subject's existing rows from a table, so a
	// rerun replaces the subject's data instead of duplicating it.
	DeleteSubject(ctx context.Context, table string, subjectID int) error

	// Query runs a read query against the store.
	Query(ctx context.Context, query string, args ...any) (*sql.Rows, error)

	// Backend names the concrete backend ("duckdb" or "snowflake").
	Backend() string

	// Close releases the connection. Must be called on every exit path.
	Close() error
}

// SchemaMismatchError indicates an existing table whose shape conflicts
// with the expected schema. It is fatal to the whole run: every subsequent
// write would be unsafe.
type SchemaMismatchError struct {
	Table  string
	Detail string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("schema mismatch on table %s: %s", e.Table, e.Detail)
}

// WriteFailureError indicates a transient storage failure during a batch
// append. The batch may be retried; the rolled-back rows are not visible.
type WriteFailureError struct {
	Table string
	Err   error
}

func (e *WriteFailureError) Error() string {
	return fmt.Sprintf("write to table %s failed: %v", e.Table, e.Err)
}

func (e *WriteFailureError) Unwrap() error { return e.Err }

// IsFatal reports whether an error must abort the entire run rather than a
// single subject.
func IsFatal(err error) bool {
	var mismatch *SchemaMismatchError
	return errors.As(err, &mismatch)
}

// normalizeType folds backend-specific type spellings onto the abstract
// schema types so introspection compares apples to apples.
func normalizeType(t string) string {
	t = strings.ToUpper(strings.TrimSpace(t))
	// Strip length/precision suffixes: VARCHAR(255), NUMBER(38,0), ...
	if i := strings.IndexByte(t, '('); i > 0 {
		t = t[:i]
	}
	switch t {
	case "UUID":
		return "UUID"
	case "INTEGER", "INT", "INT4", "BIGINT", "INT8", "NUMBER", "DECIMAL", "NUMERIC":
		return "INTEGER"
	case "VARCHAR", "TEXT", "STRING", "CHARACTER VARYING", "CHAR":
		return "VARCHAR"
	case "DOUBLE", "DOUBLE PRECISION", "FLOAT", "FLOAT8", "REAL":
		return "DOUBLE"
	case "TIMESTAMP", "TIMESTAMP_NTZ", "TIMESTAMP WITHOUT TIME ZONE", "DATETIME":
		return "TIMESTAMP"
	default:
		return t
	}
}

// compatibleTypes reports whether an existing column type satisfies the
// expected abstract type. Snowflake has no native UUID, so a VARCHAR column
// satisfies a UUID expectation there and everywhere.
func compatibleTypes(expected, actual string) bool {
	e, a := normalizeType(expected), normalizeType(actual)
	if e == a {
		return true
	}
	return e == "UUID" && a == "VARCHAR"
}
