// Somnoflow - Polysomnography Ingestion Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/somnoflow

// Package pipeline orchestrates the per-subject ingestion flow: load the
// recording, slice it into epochs, validate each epoch against the data
// contract, and append the survivors to the warehouse in batches.
//
// Subjects are isolated: any failure is recorded in the error table and the
// run moves on. Only two conditions abort the whole run: a schema mismatch
// on a contract table, and context cancellation. Concurrency is bounded by
// a worker semaphore; each in-flight subject holds one fully materialized
// recording in memory.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tomtom215/somnoflow/internal/config"
	"github.com/tomtom215/somnoflow/internal/errsink"
	"github.com/tomtom215/somnoflow/internal/extract"
	"github.com/tomtom215/somnoflow/internal/logging"
	"github.com/tomtom215/somnoflow/internal/metrics"
	"github.com/tomtom215/somnoflow/internal/models"
	"github.com/tomtom215/somnoflow/internal/source"
	"github.com/tomtom215/somnoflow/internal/validate"
	"github.com/tomtom215/somnoflow/internal/warehouse"
)

// Processing stages, recorded verbatim in the error table's stage column.
const (
	StageLoading    = "Loading"
	StageExtracting = "Extracting"
	StageValidating = "Validating"
	StageWriting    = "Writing"
)

// RecordingLoader materializes one subject's recording. *source.Loader is
// the production implementation; tests substitute failures.
type RecordingLoader interface {
	Load(ctx context.Context, subjectID, session int) (*models.Recording, error)
}

// Report summarizes one run.
type Report struct {
	SubjectsSucceeded int
	SubjectsFailed    int
	EpochsWritten     int
	EpochsRejected    int
	EpochsMalformed   int
}

// Orchestrator drives the whole ingestion run.
type Orchestrator struct {
	cfg    config.Config
	loader RecordingLoader
	client warehouse.Client
	sink   *errsink.Sink

	subjectsSucceeded atomic.Int64
	subjectsFailed    atomic.Int64
	epochsWritten     atomic.Int64
	epochsRejected    atomic.Int64
	epochsMalformed   atomic.Int64
}

// New builds an Orchestrator. loader may be nil, in which case the
// configured source loader is used.
func New(cfg config.Config, loader RecordingLoader, client warehouse.Client, sink *errsink.Sink) *Orchestrator {
	if loader == nil {
		loader = source.NewLoader(cfg.Source)
	}
	return &Orchestrator{
		cfg:    cfg,
		loader: loader,
		client: client,
		sink:   sink,
	}
}

// Run processes every configured subject and returns the aggregate report.
// The returned error is non-nil only for run-fatal conditions; per-subject
// failures are counted in the report and recorded in the error table.
func (o *Orchestrator) Run(ctx context.Context) (Report, error) {
	for _, schema := range []warehouse.TableSchema{
		warehouse.EpochTableSchema(),
		warehouse.ErrorTableSchema(),
	} {
		if err := o.client.EnsureTable(ctx, schema); err != nil {
			// Nothing can be safely written; abort before dispatching work.
			return Report{}, fmt.Errorf("preparing table %s: %w", schema.Name, err)
		}
	}

	workers := o.cfg.Pipeline.Workers
	if workers <= 0 {
		workers = 3
	}

	logging.Info().
		Int("subject_start", o.cfg.Subjects.Start).
		Int("subject_end", o.cfg.Subjects.End).
		Int("workers", workers).
		Str("backend", o.client.Backend()).
		Msg("Ingestion run starting")

	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup

dispatch:
	for subjectID := o.cfg.Subjects.Start; subjectID <= o.cfg.Subjects.End; subjectID++ {
		select {
		case <-ctx.Done():
			// Stop dispatching; in-flight subjects run to completion.
			break dispatch
		case sem <- struct{}{}:
		}
		// The select picks randomly when both cases are ready, so re-check
		// before dispatching: no subject may start once cancellation is
		// observable.
		if ctx.Err() != nil {
			<-sem
			break dispatch
		}

		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			defer func() { <-sem }()
			o.processSubject(ctx, id)
		}(subjectID)
	}
	wg.Wait()

	report := o.report()
	logging.Info().
		Int("succeeded", report.SubjectsSucceeded).
		Int("failed", report.SubjectsFailed).
		Int("epochs_written", report.EpochsWritten).
		Int("epochs_rejected", report.EpochsRejected).
		Int("epochs_malformed", report.EpochsMalformed).
		Msg("Ingestion run finished")

	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

func (o *Orchestrator) report() Report {
	return Report{
		SubjectsSucceeded: int(o.subjectsSucceeded.Load()),
		SubjectsFailed:    int(o.subjectsFailed.Load()),
		EpochsWritten:     int(o.epochsWritten.Load()),
		EpochsRejected:    int(o.epochsRejected.Load()),
		EpochsMalformed:   int(o.epochsMalformed.Load()),
	}
}

// processSubject runs one subject through every stage. All failures are
// absorbed here; the worker never propagates an error upward.
func (o *Orchestrator) processSubject(ctx context.Context, subjectID int) {
	start := time.Now()
	log := logging.With().Int("subject_id", subjectID).Logger()

	if err := o.ingestSubject(ctx, subjectID); err != nil {
		var stageErr *stageError
		stage := StageLoading
		if errors.As(err, &stageErr) {
			stage = stageErr.stage
		}

		o.subjectsFailed.Add(1)
		metrics.SubjectsProcessed.WithLabelValues("failed").Inc()
		log.Error().
			Err(err).
			Str("stage", stage).
			Dur("elapsed", time.Since(start)).
			Msg("Subject failed")

		// Recording must survive cancellation of the run context.
		o.sink.Record(context.WithoutCancel(ctx), models.IngestionError{
			SubjectID:  subjectID,
			Stage:      stage,
			Message:    stageMessage(stage),
			Trace:      err.Error(),
			OccurredAt: time.Now().UTC(),
		})
		return
	}

	o.subjectsSucceeded.Add(1)
	metrics.SubjectsProcessed.WithLabelValues("succeeded").Inc()
	log.Info().Dur("elapsed", time.Since(start)).Msg("Subject ingested")
}

// stageError tags a subject failure with the stage it occurred in.
type stageError struct {
	stage string
	err   error
}

func (e *stageError) Error() string { return e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

func stageMessage(stage string) string {
	switch stage {
	case StageLoading:
		return "recording unavailable"
	case StageExtracting:
		return "epoch extraction failed"
	case StageValidating:
		return "contract validation failed"
	case StageWriting:
		return "warehouse write failed"
	default:
		return "ingestion failed"
	}
}

func (o *Orchestrator) ingestSubject(ctx context.Context, subjectID int) error {
	rec, err := o.loadWithRetry(ctx, subjectID)
	if err != nil {
		return &stageError{stage: StageLoading, err: err}
	}

	extractor := extract.New(rec, extract.Config{
		EpochLength: o.cfg.Epoch.LengthSeconds,
	})

	batchSize := o.cfg.Pipeline.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	// Once a subject starts writing, its remaining batches flush even if
	// the run context is cancelled: partial subjects would otherwise leave
	// the warehouse with a truncated, hard-to-detect epoch sequence.
	writeCtx := context.WithoutCancel(ctx)
	schema := warehouse.EpochTableSchema()

	// A rerun replaces the subject's epochs instead of appending a second
	// copy, keeping epoch_id unique across the store.
	if err := o.client.DeleteSubject(writeCtx, warehouse.EpochTable, subjectID); err != nil {
		return &stageError{stage: StageWriting, err: err}
	}

	batch := make([][]any, 0, batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := o.appendWithRetry(writeCtx, schema, batch); err != nil {
			return &stageError{stage: StageWriting, err: err}
		}
		o.epochsWritten.Add(int64(len(batch)))
		metrics.EpochsWritten.Add(float64(len(batch)))
		batch = batch[:0]
		return nil
	}

	for epoch, err := range extractor.Epochs() {
		if err != nil {
			var malformed *extract.MalformedSignalError
			if errors.As(err, &malformed) {
				// One bad window never fails the subject, but the drop
				// still lands in the error table.
				o.epochsMalformed.Add(1)
				metrics.EpochsMalformed.Inc()
				logging.Warn().
					Int("subject_id", subjectID).
					Int("epoch_idx", malformed.EpochIdx).
					Err(malformed.Err).
					Msg("Epoch dropped for malformed signal")

				o.sink.Record(writeCtx, models.IngestionError{
					SubjectID:  subjectID,
					Stage:      StageExtracting,
					Message:    "epoch dropped for malformed signal",
					Trace:      malformed.Error(),
					OccurredAt: time.Now().UTC(),
				})
				continue
			}
			return &stageError{stage: StageExtracting, err: err}
		}

		if vErr := validate.Epoch(epoch); vErr != nil {
			o.epochsRejected.Add(1)
			metrics.EpochsRejected.Inc()
			logging.Warn().
				Int("subject_id", subjectID).
				Int("epoch_idx", epoch.EpochIdx).
				Err(vErr).
				Msg("Epoch rejected by data contract")

			o.sink.Record(writeCtx, models.IngestionError{
				SubjectID:  subjectID,
				Stage:      StageValidating,
				Message:    "contract validation failed",
				Trace:      vErr.Error(),
				OccurredAt: time.Now().UTC(),
			})
			continue
		}

		batch = append(batch, warehouse.EpochRow(epoch))
		if len(batch) == batchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}

	return flush()
}

// loadWithRetry fetches the subject's recording, retrying source
// unavailability a configured number of times.
func (o *Orchestrator) loadWithRetry(ctx context.Context, subjectID int) (*models.Recording, error) {
	session := o.cfg.Subjects.Recording
	attempts := o.cfg.Pipeline.LoadRetries + 1

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		rec, err := o.loader.Load(ctx, subjectID, session)
		if err == nil {
			return rec, nil
		}
		lastErr = err

		// Only transient source failures are worth retrying; a corrupt
		// file will not fix itself.
		var unavailable *source.SourceUnavailableError
		if !errors.As(err, &unavailable) || attempt == attempts {
			break
		}

		logging.Warn().
			Int("subject_id", subjectID).
			Int("attempt", attempt).
			Err(err).
			Msg("Recording load failed, retrying")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(o.cfg.Pipeline.LoadRetryDelay):
		}
	}
	return nil, lastErr
}

// appendWithRetry appends one batch, retrying transient write failures
// with exponential backoff. Fatal errors surface immediately.
func (o *Orchestrator) appendWithRetry(ctx context.Context, schema warehouse.TableSchema, batch [][]any) error {
	delay := o.cfg.Pipeline.WriteRetryDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	attempts := o.cfg.Pipeline.WriteRetries + 1

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := o.client.AppendRows(ctx, schema.Name, schema.ColumnNames(), batch)
		if err == nil {
			return nil
		}
		lastErr = err

		if warehouse.IsFatal(err) || attempt == attempts {
			break
		}

		logging.Warn().
			Int("attempt", attempt).
			Int("batch_size", len(batch)).
			Dur("backoff", delay).
			Err(err).
			Msg("Batch append failed, backing off")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return lastErr
}
