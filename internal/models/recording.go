// Somnoflow - Polysomnography Ingestion Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/somnoflow

package models

import "strings"

// Annotation is one entry of a recording's annotation track: a labeled
// interval in seconds relative to recording start.
type Annotation struct {
	Onset    float64 `json:"onset"`
	Duration float64 `json:"duration"`
	Label    string  `json:"label"`
}

// Covers reports how many seconds of the window [start, start+length)
// this annotation overlaps.
func (a Annotation) Covers(start, length float64) float64 {
	aEnd := a.Onset + a.Duration
	wEnd := start + length
	lo := max(a.Onset, start)
	hi := min(aEnd, wEnd)
	if hi <= lo {
		return 0
	}
	return hi - lo
}

// Recording is one subject's fully materialized raw signal plus annotation
// track. It is ephemeral: loaded, consumed by extraction, then released.
//
// Ownership rule: a Recording is independent heap-owned data. It holds no
// file handle or connection, so concurrent workers never contend on a shared
// underlying resource.
type Recording struct {
	SubjectID int
	// Session is the recording/session index within the study (1-based).
	Session int

	// SampleRate is samples per second, identical for all waveform channels.
	SampleRate float64
	// Duration is the total recording length in seconds.
	Duration float64

	// ChannelNames and Signals are parallel: Signals[i] holds the samples
	// of the channel named ChannelNames[i], in physical units.
	ChannelNames []string
	Signals      [][]float64

	// Annotations is the hypnogram track, ordered by onset.
	Annotations []Annotation
}

// EEGChannels returns the indexes of EEG channels. When no channel label
// contains "EEG" every channel is returned, so band-power computation never
// silently operates on an empty set.
func (r *Recording) EEGChannels() []int {
	var eeg []int
	for i, name := range r.ChannelNames {
		if strings.Contains(name, "EEG") {
			eeg = append(eeg, i)
		}
	}
	if len(eeg) == 0 {
		eeg = make([]int, len(r.ChannelNames))
		for i := range eeg {
			eeg[i] = i
		}
	}
	return eeg
}

// DominantStage returns the sleep stage whose annotation covers the largest
// share of the window [start, start+length). Windows with no covering
// annotation yield StageUnknown.
func (r *Recording) DominantStage(start, length float64) SleepStage {
	bestLabel := ""
	bestCover := 0.0
	for _, a := range r.Annotations {
		if c := a.Covers(start, length); c > bestCover {
			bestCover = c
			bestLabel = a.Label
		}
	}
	if bestLabel == "" {
		return StageUnknown
	}
	return StageFromAnnotation(bestLabel)
}
