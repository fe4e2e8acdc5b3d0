// Somnoflow - Polysomnography Ingestion Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/somnoflow

// Package validate enforces the epoch data contract using
// go-playground/validator v10. It is the single point of truth for "is this
// row safe to warehouse": no record reaches storage without passing here,
// and the rule set is identical for every backend.
//
// Rules, in order (first violation wins):
//  1. sleep_stage must be a member of the fixed enumeration
//  2. all five band powers must be finite and non-negative
//  3. epoch_idx must be non-negative
//
// Rule order is encoded by field declaration order in the contract struct:
// validator v10 reports violations in that order.
package validate

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/tomtom215/somnoflow/internal/models"
)

// ContractViolationError identifies the first field of a candidate record
// that breaks the data contract. Violating records are dropped and recorded,
// never retried.
type ContractViolationError struct {
	SubjectID int
	EpochIdx  int

	// Field is the offending column name (sleep_stage, delta_power_uv, ...).
	Field string

	// Rule is the validation tag that failed (oneof, finite, gte).
	Rule string

	// Value is the rejected value.
	Value any
}

func (e *ContractViolationError) Error() string {
	return fmt.Sprintf("contract violation in subject %d epoch %d: field %s (rule %s, value %v)",
		e.SubjectID, e.EpochIdx, e.Field, e.Rule, e.Value)
}

// epochContract mirrors models.EpochRecord with the contract's rule order.
// Field declaration order IS rule priority; do not reorder.
type epochContract struct {
	SleepStage string  `validate:"required,oneof=W N1 N2 N3 REM MOVE NAN"`
	DeltaPower float64 `validate:"finite,gte=0"`
	ThetaPower float64 `validate:"finite,gte=0"`
	AlphaPower float64 `validate:"finite,gte=0"`
	SigmaPower float64 `validate:"finite,gte=0"`
	BetaPower  float64 `validate:"finite,gte=0"`
	EpochIdx   int     `validate:"gte=0"`
}

// columnNames maps contract struct fields to warehouse column names.
var columnNames = map[string]string{
	"SleepStage": "sleep_stage",
	"DeltaPower": "delta_power_uv",
	"ThetaPower": "theta_power_uv",
	"AlphaPower": "alpha_power_uv",
	"SigmaPower": "sigma_power_uv",
	"BetaPower":  "beta_power_uv",
	"EpochIdx":   "epoch_idx",
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// getValidator returns the singleton validator with the custom "finite"
// rule registered. Thread-safe; validator caches struct metadata.
func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())

		// finite rejects NaN and both infinities. gte alone is not enough:
		// NaN must be reported as a finiteness violation, not a range one.
		_ = validate.RegisterValidation("finite", func(fl validator.FieldLevel) bool {
			v := fl.Field().Float()
			return !math.IsNaN(v) && !math.IsInf(v, 0)
		})
	})
	return validate
}

// Epoch validates a candidate record against the data contract. It is a
// pure function: nil means the record is safe to warehouse, otherwise the
// returned *ContractViolationError names the first offending field.
func Epoch(rec models.EpochRecord) error {
	c := epochContract{
		SleepStage: string(rec.Stage),
		DeltaPower: rec.DeltaPower,
		ThetaPower: rec.ThetaPower,
		AlphaPower: rec.AlphaPower,
		SigmaPower: rec.SigmaPower,
		BetaPower:  rec.BetaPower,
		EpochIdx:   rec.EpochIdx,
	}

	err := getValidator().Struct(&c)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		// validator only returns other error types for invalid input
		// structs, which cannot happen with the fixed contract struct.
		return fmt.Errorf("validating epoch %d of subject %d: %w",
			rec.EpochIdx, rec.SubjectID, err)
	}

	first := fieldErrs[0]
	field := first.StructField()
	column, ok := columnNames[field]
	if !ok {
		column = field
	}

	return &ContractViolationError{
		SubjectID: rec.SubjectID,
		EpochIdx:  rec.EpochIdx,
		Field:     column,
		Rule:      first.Tag(),
		Value:     first.Value(),
	}
}
