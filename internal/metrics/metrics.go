// Somnoflow - Polysomnography Ingestion Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/somnoflow

// Package metrics provides Prometheus instrumentation for the pipeline:
// per-stage throughput, warehouse append latency, and error-sink fallback
// activity. Collectors are registered with promauto on the default registry
// so a run can expose them or dump them without further wiring.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EpochsWritten counts epochs durably appended to the warehouse.
	EpochsWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "somnoflow_epochs_written_total",
			Help: "Total number of validated epochs appended to the warehouse",
		},
	)

	// EpochsRejected counts epochs rejected by the contract validator.
	EpochsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "somnoflow_epochs_rejected_total",
			Help: "Total number of epochs rejected by the data contract validator",
		},
	)

	// EpochsMalformed counts epochs dropped by the extractor for invalid
	// computed values (non-finite or negative band powers).
	EpochsMalformed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "somnoflow_epochs_malformed_total",
			Help: "Total number of epochs dropped for malformed signal values",
		},
	)

	// SubjectsProcessed counts subjects by terminal state ("succeeded" or
	// "failed").
	SubjectsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "somnoflow_subjects_processed_total",
			Help: "Total number of subjects reaching a terminal state",
		},
		[]string{"outcome"},
	)

	// LoaderFetchDuration observes full-materialization time per recording.
	LoaderFetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "somnoflow_loader_fetch_duration_seconds",
			Help:    "Time to fetch and fully materialize one recording",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms .. ~40s
		},
	)

	// WarehouseAppendDuration observes batch append latency per backend.
	WarehouseAppendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "somnoflow_warehouse_append_duration_seconds",
			Help:    "Duration of atomic batch appends to the warehouse",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "table"},
	)

	// WarehouseAppendErrors counts failed batch appends per backend.
	WarehouseAppendErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "somnoflow_warehouse_append_errors_total",
			Help: "Total number of failed warehouse batch appends",
		},
		[]string{"backend", "table"},
	)

	// ErrSinkRecords counts error records by destination ("warehouse",
	// "journal", "log"). A non-zero journal or log count means the primary
	// error store was unavailable at some point during the run.
	ErrSinkRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "somnoflow_errsink_records_total",
			Help: "Total number of ingestion errors recorded, by destination",
		},
		[]string{"destination"},
	)
)
