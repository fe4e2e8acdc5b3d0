// Somnoflow - Polysomnography Ingestion Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/somnoflow

// Package models defines the core data types shared across the pipeline:
// sleep epochs, recordings, and ingestion error records.
package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SleepStage is the clinical classification label assigned to one epoch.
// The enumeration is closed: any label outside it is a contract violation,
// never a silent pass-through.
type SleepStage string

// The fixed sleep stage enumeration. N3 covers both scoring conventions
// (classic stage 3 and stage 4 are merged per AASM guidelines).
const (
	StageWake     SleepStage = "W"
	StageN1       SleepStage = "N1"
	StageN2       SleepStage = "N2"
	StageN3       SleepStage = "N3"
	StageREM      SleepStage = "REM"
	StageMovement SleepStage = "MOVE"
	StageUnknown  SleepStage = "NAN"
)

// Stages lists every member of the sleep stage enumeration.
func Stages() []SleepStage {
	return []SleepStage{
		StageWake, StageN1, StageN2, StageN3,
		StageREM, StageMovement, StageUnknown,
	}
}

// IsValid reports whether s is a member of the fixed enumeration.
func (s SleepStage) IsValid() bool {
	switch s {
	case StageWake, StageN1, StageN2, StageN3, StageREM, StageMovement, StageUnknown:
		return true
	}
	return false
}

// annotationStageMap maps raw hypnogram annotation labels (Sleep-EDF
// convention) onto the fixed enumeration. Unrecognized labels map to
// StageUnknown in StageFromAnnotation rather than failing the epoch.
var annotationStageMap = map[string]SleepStage{
	"Sleep stage W": StageWake,
	"Sleep stage 1": StageN1,
	"Sleep stage 2": StageN2,
	"Sleep stage 3": StageN3,
	"Sleep stage 4": StageN3,
	"Sleep stage R": StageREM,
	"Movement time": StageMovement,
	"Sleep stage ?": StageUnknown,
}

// StageFromAnnotation maps a raw annotation label to its sleep stage.
// Unknown or empty labels yield StageUnknown.
func StageFromAnnotation(label string) SleepStage {
	if stage, ok := annotationStageMap[label]; ok {
		return stage
	}
	return StageUnknown
}

// epochNamespace is the fixed UUID namespace for epoch surrogate keys.
// Changing it would change every epoch_id across the store; it is part of
// the persisted data contract.
var epochNamespace = uuid.MustParse("6b1e9a52-8f33-4c57-9d0e-2ab414c5d8f1")

// NewEpochID derives the deterministic surrogate key for one epoch.
// The same (subjectID, epochIdx) pair always produces the same UUID,
// so reruns converge on identical keys with no collisions across subjects.
func NewEpochID(subjectID, epochIdx int) uuid.UUID {
	return uuid.NewSHA1(epochNamespace, fmt.Appendf(nil, "%d:%d", subjectID, epochIdx))
}

// EpochRecord is the atomic unit written to the warehouse. One row in the
// sleep_epochs table.
//
// Invariants enforced by the validator before any write:
//   - Stage is a member of the SleepStage enumeration
//   - every band power is finite and non-negative
//   - EpochIdx is non-negative (and contiguous within a subject by
//     construction in the extractor)
type EpochRecord struct {
	EpochID    uuid.UUID  `json:"epoch_id"`
	SubjectID  int        `json:"subject_id"`
	EpochIdx   int        `json:"epoch_idx"`
	Stage      SleepStage `json:"sleep_stage"`
	DeltaPower float64    `json:"delta_power_uv"`
	ThetaPower float64    `json:"theta_power_uv"`
	AlphaPower float64    `json:"alpha_power_uv"`
	SigmaPower float64    `json:"sigma_power_uv"`
	BetaPower  float64    `json:"beta_power_uv"`

	// ExtractedAt is stamped when the extractor emits the record.
	ExtractedAt time.Time `json:"extracted_at"`
}

// BandPowers returns the five band powers in canonical column order
// (delta, theta, alpha, sigma, beta).
func (e *EpochRecord) BandPowers() [5]float64 {
	return [5]float64{e.DeltaPower, e.ThetaPower, e.AlphaPower, e.SigmaPower, e.BetaPower}
}
