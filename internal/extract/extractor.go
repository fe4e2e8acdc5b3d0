// Somnoflow - Polysomnography Ingestion Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/somnoflow

// Package extract slices a loaded recording into fixed-length epochs and
// computes each epoch's stage label and spectral band powers.
//
// The epoch sequence is lazy, finite, and restartable: iterating Epochs()
// again replays from epoch zero. A failed epoch is yielded as an error
// alongside its siblings; one bad window never truncates a recording.
package extract

import (
	"fmt"
	"iter"
	"math"
	"time"

	"github.com/tomtom215/somnoflow/internal/models"
	"github.com/tomtom215/somnoflow/internal/spectral"
)

// MalformedSignalError indicates one epoch whose computed values are
// invalid (negative or non-finite band power). The epoch is dropped and
// recorded; it is never retried.
type MalformedSignalError struct {
	SubjectID int
	EpochIdx  int
	Err       error
}

func (e *MalformedSignalError) Error() string {
	return fmt.Sprintf("malformed signal in subject %d epoch %d: %v",
		e.SubjectID, e.EpochIdx, e.Err)
}

func (e *MalformedSignalError) Unwrap() error { return e.Err }

// Config parameterizes an Extractor.
type Config struct {
	// EpochLength is the window length in seconds. Default 30.
	EpochLength float64

	// Transformer computes band powers; default is the bundled Welch
	// implementation.
	Transformer spectral.Transformer

	// Clock stamps ExtractedAt; defaults to time.Now. Tests override it.
	Clock func() time.Time
}

// Extractor produces the epoch sequence of one recording.
type Extractor struct {
	rec         *models.Recording
	epochLen    float64
	transformer spectral.Transformer
	clock       func() time.Time
}

// New creates an Extractor over a fully materialized recording.
func New(rec *models.Recording, cfg Config) *Extractor {
	if cfg.EpochLength <= 0 {
		cfg.EpochLength = 30
	}
	if cfg.Transformer == nil {
		cfg.Transformer = &spectral.Welch{}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Extractor{
		rec:         rec,
		epochLen:    cfg.EpochLength,
		transformer: cfg.Transformer,
		clock:       cfg.Clock,
	}
}

// EpochCount returns the number of whole epochs the recording yields.
// A trailing partial window is discarded.
func (x *Extractor) EpochCount() int {
	return int(x.rec.Duration / x.epochLen)
}

// Epochs returns the lazy epoch sequence. Each element is either a complete
// record and a nil error, or a zero record and a *MalformedSignalError for
// that index. Breaking out of the iteration stops all further computation.
func (x *Extractor) Epochs() iter.Seq2[models.EpochRecord, error] {
	return func(yield func(models.EpochRecord, error) bool) {
		count := x.EpochCount()
		for idx := 0; idx < count; idx++ {
			rec, err := x.extractOne(idx)
			if !yield(rec, err) {
				return
			}
		}
	}
}

// extractOne computes the record of a single epoch window.
func (x *Extractor) extractOne(idx int) (models.EpochRecord, error) {
	start := float64(idx) * x.epochLen
	lo := int(start * x.rec.SampleRate)
	hi := lo + int(x.epochLen*x.rec.SampleRate)

	var sum spectral.BandPowers
	channels := x.rec.EEGChannels()
	for _, ch := range channels {
		signal := x.rec.Signals[ch]
		if hi > len(signal) {
			return models.EpochRecord{}, &MalformedSignalError{
				SubjectID: x.rec.SubjectID,
				EpochIdx:  idx,
				Err: fmt.Errorf("window [%d:%d) exceeds channel %q length %d",
					lo, hi, x.rec.ChannelNames[ch], len(signal)),
			}
		}

		powers, err := x.transformer.BandPowers(signal[lo:hi], x.rec.SampleRate)
		if err != nil {
			return models.EpochRecord{}, &MalformedSignalError{
				SubjectID: x.rec.SubjectID, EpochIdx: idx, Err: err,
			}
		}
		sum.Add(powers)
	}
	sum.Scale(1 / float64(len(channels)))

	// The transform must never hand a negative or non-finite value to the
	// warehouse path; such windows fail as malformed rather than emitting
	// a bad row.
	for b, p := range sum {
		if math.IsNaN(p) || math.IsInf(p, 0) || p < 0 {
			return models.EpochRecord{}, &MalformedSignalError{
				SubjectID: x.rec.SubjectID,
				EpochIdx:  idx,
				Err:       fmt.Errorf("%s band power is %v", spectral.Bands[b].Name, p),
			}
		}
	}

	return models.EpochRecord{
		EpochID:     models.NewEpochID(x.rec.SubjectID, idx),
		SubjectID:   x.rec.SubjectID,
		EpochIdx:    idx,
		Stage:       x.rec.DominantStage(start, x.epochLen),
		DeltaPower:  sum[0],
		ThetaPower:  sum[1],
		AlphaPower:  sum[2],
		SigmaPower:  sum[3],
		BetaPower:   sum[4],
		ExtractedAt: x.clock(),
	}, nil
}
