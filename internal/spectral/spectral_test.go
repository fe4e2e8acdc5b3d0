// Somnoflow - Polysomnography Ingestion Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/somnoflow

package spectral

import (
	"math"
	"testing"
)

// sine produces n samples of a sine wave at freq Hz.
func sine(n int, freq, amplitude, sampleRate float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = amplitude * math.Sin(2*math.Pi*freq*float64(i)/sampleRate)
	}
	return out
}

func TestWelch_AlphaSineConcentratesInAlphaBand(t *testing.T) {
	// 30 s of a pure 10 Hz sine at 100 Hz sampling: nearly all power must
	// land in the alpha band (8-12 Hz).
	w := &Welch{}
	powers, err := w.BandPowers(sine(3000, 10, 50, 100), 100)
	if err != nil {
		t.Fatalf("BandPowers() failed: %v", err)
	}

	alpha := powers[2]
	for i, band := range Bands {
		if powers[i] < 0 {
			t.Errorf("band %s power = %v, must be non-negative", band.Name, powers[i])
		}
		if i != 2 && powers[i] > alpha/10 {
			t.Errorf("band %s power %v should be well below alpha %v", band.Name, powers[i], alpha)
		}
	}

	// Parseval: total power of an A-amplitude sine is A^2/2 = 1250.
	if alpha < 800 || alpha > 1700 {
		t.Errorf("alpha power = %v, expected near 1250", alpha)
	}
}

func TestWelch_DeltaSine(t *testing.T) {
	w := &Welch{}
	powers, err := w.BandPowers(sine(3000, 2, 30, 100), 100)
	if err != nil {
		t.Fatalf("BandPowers() failed: %v", err)
	}
	if powers[0] <= powers[2] || powers[0] <= powers[4] {
		t.Errorf("2 Hz sine: delta %v should dominate alpha %v and beta %v",
			powers[0], powers[2], powers[4])
	}
}

func TestWelch_FlatSignal(t *testing.T) {
	w := &Welch{}
	powers, err := w.BandPowers(make([]float64, 3000), 100)
	if err != nil {
		t.Fatalf("BandPowers() failed: %v", err)
	}
	for i, band := range Bands {
		if powers[i] != 0 {
			t.Errorf("flat signal band %s power = %v, want 0", band.Name, powers[i])
		}
	}
}

func TestWelch_NaNInputPropagates(t *testing.T) {
	samples := sine(3000, 10, 50, 100)
	samples[1500] = math.NaN()

	w := &Welch{}
	powers, err := w.BandPowers(samples, 100)
	if err != nil {
		t.Fatalf("BandPowers() failed: %v", err)
	}

	// The transformer reports what it computed; deciding that NaN is a
	// malformed epoch is the extractor's job.
	anyNaN := false
	for _, p := range powers {
		if math.IsNaN(p) {
			anyNaN = true
		}
	}
	if !anyNaN {
		t.Error("NaN input should surface in at least one band power")
	}
}

func TestWelch_InputValidation(t *testing.T) {
	w := &Welch{}
	if _, err := w.BandPowers(sine(3000, 10, 1, 100), 0); err == nil {
		t.Error("zero sample rate should fail")
	}
	if _, err := w.BandPowers([]float64{1, 2, 3}, 100); err == nil {
		t.Error("three samples are too short for any segment")
	}

	w = &Welch{SegmentLength: 100} // not a power of two
	if _, err := w.BandPowers(sine(3000, 10, 1, 100), 100); err == nil {
		t.Error("non-power-of-two segment length should fail")
	}
}

func TestWelch_DeterministicAcrossRuns(t *testing.T) {
	samples := sine(3000, 10, 50, 100)
	w := &Welch{}

	first, err := w.BandPowers(samples, 100)
	if err != nil {
		t.Fatalf("BandPowers() failed: %v", err)
	}
	second, err := w.BandPowers(samples, 100)
	if err != nil {
		t.Fatalf("BandPowers() failed: %v", err)
	}
	if first != second {
		t.Errorf("band powers differ across identical runs: %v vs %v", first, second)
	}
}

func TestFFT_Impulse(t *testing.T) {
	// The transform of a unit impulse is flat ones.
	buf := make([]complex128, 8)
	buf[0] = 1
	fft(buf)
	for i, v := range buf {
		if math.Abs(real(v)-1) > 1e-12 || math.Abs(imag(v)) > 1e-12 {
			t.Errorf("bin %d = %v, want 1+0i", i, v)
		}
	}
}
