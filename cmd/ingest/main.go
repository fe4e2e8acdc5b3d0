// Somnoflow - Polysomnography Ingestion Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/somnoflow

// Package main is the entry point of the somnoflow ingestion binary.
//
// Somnoflow ingests polysomnography recordings from a sleep study archive,
// slices them into scored 30-second epochs with spectral band powers, and
// persists the result to an analytical warehouse.
//
// # Startup order
//
//  1. Configuration: layered Koanf v2 (defaults, config.yaml, environment)
//  2. Logging: zerolog, console or JSON
//  3. Warehouse: DuckDB (embedded, default) or Snowflake, per WAREHOUSE_TYPE
//  4. Error sink: warehouse error table with a BadgerDB spill journal
//  5. Pipeline: bounded-concurrency per-subject ingestion
//
// # Signal handling
//
// SIGINT and SIGTERM stop dispatching new subjects; in-flight subjects run
// to completion so no partially written subject is left in the warehouse.
//
// # Exit status
//
// The process exits non-zero when the run aborts fatally (schema mismatch,
// unreachable warehouse) or when fewer than the configured minimum fraction
// of subjects succeeded. With the default policy a run fails only when not
// a single subject could be ingested.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/tomtom215/somnoflow/internal/config"
	"github.com/tomtom215/somnoflow/internal/errsink"
	"github.com/tomtom215/somnoflow/internal/logging"
	"github.com/tomtom215/somnoflow/internal/pipeline"
	"github.com/tomtom215/somnoflow/internal/warehouse"
)

func main() {
	os.Exit(run())
}

// run carries the real body of main so deferred cleanup executes before
// the exit status is set.
func run() int {
	cfg, err := config.Load()
	if err != nil {
		// Config is not available yet; the default logger has to do.
		logging.Error().Err(err).Msg("Failed to load configuration")
		return 1
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Int("subject_start", cfg.Subjects.Start).
		Int("subject_end", cfg.Subjects.End).
		Int("recording", cfg.Subjects.Recording).
		Str("backend", cfg.Warehouse.Backend).
		Str("archive_dir", cfg.Source.ArchiveDir).
		Msg("Configuration loaded")

	client, err := warehouse.Open(cfg.Warehouse)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to open warehouse")
		return 1
	}
	defer func() {
		if err := client.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing warehouse")
		}
	}()

	var journal *errsink.Journal
	if cfg.ErrSink.JournalDir != "" {
		journal, err = errsink.OpenJournal(cfg.ErrSink.JournalDir)
		if err != nil {
			logging.Error().Err(err).Msg("Failed to open error journal")
			return 1
		}
	}
	sink := errsink.New(client, journal)
	defer func() {
		if err := sink.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing error sink")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orch := pipeline.New(*cfg, nil, client, sink)
	report, runErr := orch.Run(ctx)

	// Replay any errors journaled while the warehouse was unreachable.
	if err := sink.Drain(context.WithoutCancel(ctx)); err != nil {
		logging.Warn().Err(err).Msg("Error journal not fully drained")
	}

	if runErr != nil && !isCancellation(runErr) {
		logging.Error().Err(runErr).Msg("Ingestion run aborted")
		return 1
	}
	if runErr != nil {
		// A signal stops dispatch but does not by itself fail the run;
		// the success threshold decides the exit status.
		logging.Warn().Msg("Run interrupted by signal")
	}

	if !meetsSuccessThreshold(report, cfg.Pipeline.MinSuccessFraction) {
		logging.Error().
			Int("succeeded", report.SubjectsSucceeded).
			Int("failed", report.SubjectsFailed).
			Float64("min_success_fraction", cfg.Pipeline.MinSuccessFraction).
			Msg("Run below success threshold")
		return 1
	}
	return 0
}

// meetsSuccessThreshold applies the run success policy: at least one
// subject succeeded, and the succeeded fraction is not below minFraction.
func meetsSuccessThreshold(report pipeline.Report, minFraction float64) bool {
	total := report.SubjectsSucceeded + report.SubjectsFailed
	if report.SubjectsSucceeded == 0 || total == 0 {
		return false
	}
	return float64(report.SubjectsSucceeded)/float64(total) >= minFraction
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
