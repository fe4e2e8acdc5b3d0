// Somnoflow - Polysomnography Ingestion Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/somnoflow

// Package errsink records per-subject ingestion failures. Recording never
// returns an error to the caller: a failure report must not itself fail
// the pipeline. When the warehouse is unreachable the sink spills to a
// durable local journal and replays it later; when even the journal is
// down, the error still lands in the structured log.
package errsink

import (
	"context"
	"sync"

	"github.com/tomtom215/somnoflow/internal/logging"
	"github.com/tomtom215/somnoflow/internal/metrics"
	"github.com/tomtom215/somnoflow/internal/models"
	"github.com/tomtom215/somnoflow/internal/warehouse"
)

// Sink persists ingestion errors to the warehouse error table, falling
// back to a local journal. Safe for concurrent use.
type Sink struct {
	mu      sync.Mutex
	client  warehouse.Client
	journal *Journal
}

// New builds a sink over the given warehouse client. journal may be nil,
// in which case warehouse failures fall through to the log only.
func New(client warehouse.Client, journal *Journal) *Sink {
	return &Sink{client: client, journal: journal}
}

// Record persists one error. It never fails: each fallback tier absorbs
// the failure of the tier above it.
func (s *Sink) Record(ctx context.Context, e models.IngestionError) {
	s.mu.Lock()
	defer s.mu.Unlock()

	schema := warehouse.ErrorTableSchema()
	err := s.client.AppendRows(ctx, warehouse.ErrorTable, schema.ColumnNames(),
		[][]any{warehouse.ErrorRow(e)})
	if err == nil {
		metrics.ErrSinkRecords.WithLabelValues("warehouse").Inc()
		return
	}

	logging.Warn().
		Err(err).
		Int("subject_id", e.SubjectID).
		Str("stage", e.Stage).
		Msg("Error table append failed, spilling to journal")

	if s.journal != nil {
		if jErr := s.journal.Append(e); jErr == nil {
			metrics.ErrSinkRecords.WithLabelValues("journal").Inc()
			return
		} else {
			logging.Error().
				Err(jErr).
				Int("subject_id", e.SubjectID).
				Msg("Error journal append failed")
		}
	}

	metrics.ErrSinkRecords.WithLabelValues("log").Inc()
	logging.Error().
		Int("subject_id", e.SubjectID).
		Str("stage", e.Stage).
		Str("message", e.Message).
		Str("trace", e.Trace).
		Time("occurred_at", e.OccurredAt).
		Msg("Ingestion error (unpersisted)")
}

// Drain replays journaled errors into the warehouse. Entries are cleared
// only after the whole backlog lands; a failed replay keeps the journal
// intact for the next attempt.
func (s *Sink) Drain(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.journal == nil {
		return nil
	}

	pending, err := s.journal.Pending()
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	schema := warehouse.ErrorTableSchema()
	rows := make([][]any, len(pending))
	for i, e := range pending {
		rows[i] = warehouse.ErrorRow(e)
	}
	if err := s.client.AppendRows(ctx, warehouse.ErrorTable, schema.ColumnNames(), rows); err != nil {
		return err
	}
	if err := s.journal.Clear(); err != nil {
		return err
	}

	logging.Info().Int("replayed", len(pending)).Msg("Error journal drained")
	return nil
}

// Close releases the journal, if any.
func (s *Sink) Close() error {
	if s.journal == nil {
		return nil
	}
	return s.journal.Close()
}
