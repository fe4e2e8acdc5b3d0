// Somnoflow - Polysomnography Ingestion Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/somnoflow

// Package spectral computes per-window frequency band powers from a raw
// waveform. The pipeline treats the computation as a black box behind the
// Transformer interface; the bundled Welch implementation is the default
// method, and callers may substitute any estimator that keeps the band
// powers finite and non-negative.
package spectral

import (
	"fmt"
	"math"
	"math/cmplx"
)

// Band is a named frequency range in Hz.
type Band struct {
	Name string
	Low  float64
	High float64
}

// Bands are the five clinical EEG bands, in canonical column order.
var Bands = [5]Band{
	{Name: "delta", Low: 0.5, High: 4},
	{Name: "theta", Low: 4, High: 8},
	{Name: "alpha", Low: 8, High: 12},
	{Name: "sigma", Low: 12, High: 16},
	{Name: "beta", Low: 16, High: 30},
}

// BandPowers holds the five band powers of one window, in the same order
// as Bands.
type BandPowers [5]float64

// Add accumulates other into p element-wise.
func (p *BandPowers) Add(other BandPowers) {
	for i := range p {
		p[i] += other[i]
	}
}

// Scale multiplies every band by f.
func (p *BandPowers) Scale(f float64) {
	for i := range p {
		p[i] *= f
	}
}

// Transformer computes the band powers of one window of samples.
//
// Implementations may return non-finite values for pathological input; the
// extractor, not the transformer, decides what to do with them.
type Transformer interface {
	BandPowers(samples []float64, sampleRate float64) (BandPowers, error)
}

// Welch estimates band powers with Welch's method: the window is split into
// half-overlapping Hann-tapered segments, each segment's periodogram is
// computed by FFT, and the periodograms are averaged before integrating
// over each band.
type Welch struct {
	// SegmentLength is the FFT segment size; must be a power of two.
	// Zero selects the default of 256 samples.
	SegmentLength int
}

const defaultSegmentLength = 256

// BandPowers implements Transformer.
func (w *Welch) BandPowers(samples []float64, sampleRate float64) (BandPowers, error) {
	var out BandPowers

	if sampleRate <= 0 {
		return out, fmt.Errorf("spectral: non-positive sample rate %v", sampleRate)
	}

	segLen := w.SegmentLength
	if segLen == 0 {
		segLen = defaultSegmentLength
	}
	if segLen&(segLen-1) != 0 {
		return out, fmt.Errorf("spectral: segment length %d is not a power of two", segLen)
	}
	for segLen > len(samples) {
		segLen /= 2
	}
	if segLen < 8 {
		return out, fmt.Errorf("spectral: window of %d samples is too short", len(samples))
	}

	window := hann(segLen)
	windowPower := 0.0
	for _, v := range window {
		windowPower += v * v
	}

	// Averaged one-sided periodogram over half-overlapping segments.
	psd := make([]float64, segLen/2+1)
	segments := 0
	buf := make([]complex128, segLen)
	for start := 0; start+segLen <= len(samples); start += segLen / 2 {
		for i := 0; i < segLen; i++ {
			buf[i] = complex(samples[start+i]*window[i], 0)
		}
		fft(buf)

		scale := 1.0 / (sampleRate * windowPower)
		for k := 0; k <= segLen/2; k++ {
			p := cmplx.Abs(buf[k])
			p = p * p * scale
			if k != 0 && k != segLen/2 {
				p *= 2 // fold negative frequencies into the one-sided estimate
			}
			psd[k] += p
		}
		segments++
	}

	for k := range psd {
		psd[k] /= float64(segments)
	}

	freqRes := sampleRate / float64(segLen)
	for b, band := range Bands {
		power := 0.0
		for k := range psd {
			f := float64(k) * freqRes
			if f >= band.Low && f <= band.High {
				power += psd[k]
			}
		}
		out[b] = power * freqRes
	}

	return out, nil
}

// hann returns the Hann taper of length n.
func hann(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n-1)))
	}
	return w
}

// fft performs an in-place iterative radix-2 Cooley-Tukey transform.
// len(buf) must be a power of two.
func fft(buf []complex128) {
	n := len(buf)

	// Bit-reversal permutation.
	for i, j := 1, 0; i < n; i++ {
		bit := n >> 1
		for ; j&bit != 0; bit >>= 1 {
			j ^= bit
		}
		j ^= bit
		if i < j {
			buf[i], buf[j] = buf[j], buf[i]
		}
	}

	for length := 2; length <= n; length <<= 1 {
		angle := -2 * math.Pi / float64(length)
		wl := cmplx.Rect(1, angle)
		for i := 0; i < n; i += length {
			w := complex(1, 0)
			for j := 0; j < length/2; j++ {
				u := buf[i+j]
				v := buf[i+j+length/2] * w
				buf[i+j] = u + v
				buf[i+j+length/2] = u - v
				w *= wl
			}
		}
	}
}
