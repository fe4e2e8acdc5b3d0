// Somnoflow - Polysomnography Ingestion Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/somnoflow

package main

import (
	"testing"

	"github.com/tomtom215/somnoflow/internal/pipeline"
)

func TestMeetsSuccessThreshold(t *testing.T) {
	tests := []struct {
		name        string
		report      pipeline.Report
		minFraction float64
		want        bool
	}{
		{
			name:   "all succeeded, default policy",
			report: pipeline.Report{SubjectsSucceeded: 5},
			want:   true,
		},
		{
			name:   "one success is enough by default",
			report: pipeline.Report{SubjectsSucceeded: 1, SubjectsFailed: 9},
			want:   true,
		},
		{
			name:   "zero successes always fail",
			report: pipeline.Report{SubjectsFailed: 3},
			want:   false,
		},
		{
			name: "nothing processed fails",
			want: false,
		},
		{
			name:        "fraction below threshold",
			report:      pipeline.Report{SubjectsSucceeded: 5, SubjectsFailed: 5},
			minFraction: 0.8,
			want:        false,
		},
		{
			name:        "fraction at threshold",
			report:      pipeline.Report{SubjectsSucceeded: 8, SubjectsFailed: 2},
			minFraction: 0.8,
			want:        true,
		},
		{
			// An interrupted run is judged on what it completed, not on
			// the subjects it never dispatched.
			name:        "partial run above threshold",
			report:      pipeline.Report{SubjectsSucceeded: 3, SubjectsFailed: 1},
			minFraction: 0.5,
			want:        true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := meetsSuccessThreshold(tt.report, tt.minFraction); got != tt.want {
				t.Errorf("meetsSuccessThreshold(%+v, %v) = %v, want %v",
					tt.report, tt.minFraction, got, tt.want)
			}
		})
	}
}
