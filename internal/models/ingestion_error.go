// Somnoflow - Polysomnography Ingestion Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/somnoflow

package models

import "time"

// IngestionError is one append-only row in the ingestion_errors table,
// created exactly once per failed unit of work and never mutated. It is the
// authoritative detail record for every non-fatal pipeline failure.
type IngestionError struct {
	SubjectID int `json:"subject_id"`

	// Stage names the pipeline stage at which the failure occurred
	// (Loading, Extracting, Validating, Writing).
	Stage string `json:"stage"`

	// Message is the human-readable failure summary.
	Message string `json:"message"`

	// Trace carries the full failure detail (wrapped error chain).
	Trace string `json:"trace"`

	OccurredAt time.Time `json:"occurred_at"`
}
