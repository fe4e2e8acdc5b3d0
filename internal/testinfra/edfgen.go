// Somnoflow - Polysomnography Ingestion Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/somnoflow

// Package testinfra synthesizes EDF and EDF+ fixture files for tests.
// It writes byte-level EDF so the reader under test is exercised against
// the real wire format rather than a parsed intermediate.
package testinfra

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"
)

// SignalSpec describes one waveform channel of a synthetic PSG file.
type SignalSpec struct {
	Label      string
	SampleRate float64 // samples per second; must yield whole samples per record

	// Frequency and Amplitude describe the sine wave synthesized for the
	// channel, in Hz and physical units. Amplitude 0 produces a flat line.
	Frequency float64
	Amplitude float64
}

// HypnoEntry is one stage interval of a synthetic hypnogram.
type HypnoEntry struct {
	Onset    float64
	Duration float64
	Label    string
}

// PSGSpec describes a synthetic recording pair.
type PSGSpec struct {
	// DurationSeconds is the total recording length; must be a whole
	// multiple of RecordDuration.
	DurationSeconds float64

	// RecordDuration is the EDF data record length in seconds (default 1).
	RecordDuration float64

	Signals []SignalSpec
	Hypno   []HypnoEntry
}

// DefaultPSGSpec returns a 60-second two-epoch recording: one EEG channel at
// 100 Hz carrying a 10 Hz alpha-band sine, stage W then N2. This is the
// canonical fixture of the end-to-end scenarios.
func DefaultPSGSpec() PSGSpec {
	return PSGSpec{
		DurationSeconds: 60,
		RecordDuration:  1,
		Signals: []SignalSpec{
			{Label: "EEG Fpz-Cz", SampleRate: 100, Frequency: 10, Amplitude: 50},
		},
		Hypno: []HypnoEntry{
			{Onset: 0, Duration: 30, Label: "Sleep stage W"},
			{Onset: 30, Duration: 30, Label: "Sleep stage 2"},
		},
	}
}

// WriteRecordingPair writes the PSG and hypnogram files for one subject into
// dir using the archive naming convention, and returns both paths.
func WriteRecordingPair(t *testing.T, dir string, subjectID, session int, spec PSGSpec) (psgPath, hypnoPath string) {
	t.Helper()

	psgPath = filepath.Join(dir, fmt.Sprintf("subject_%02d_rec%d-PSG.edf", subjectID, session))
	hypnoPath = filepath.Join(dir, fmt.Sprintf("subject_%02d_rec%d-Hypnogram.edf", subjectID, session))

	if err := os.WriteFile(psgPath, EncodePSG(spec), 0o600); err != nil {
		t.Fatalf("writing PSG fixture: %v", err)
	}
	if err := os.WriteFile(hypnoPath, EncodeHypnogram(spec), 0o600); err != nil {
		t.Fatalf("writing hypnogram fixture: %v", err)
	}
	return psgPath, hypnoPath
}

// EncodePSG renders the waveform channels of spec as EDF bytes.
func EncodePSG(spec PSGSpec) []byte {
	recDur := spec.RecordDuration
	if recDur == 0 {
		recDur = 1
	}
	numRecords := int(spec.DurationSeconds / recDur)

	var signals []encodedSignal
	for _, s := range spec.Signals {
		spr := int(s.SampleRate * recDur)
		samples := make([]int16, numRecords*spr)
		// Digital range ±32767 maps to physical ±200 uV.
		const physRange = 200.0
		for i := range samples {
			tm := float64(i) / s.SampleRate
			v := s.Amplitude * math.Sin(2*math.Pi*s.Frequency*tm)
			samples[i] = int16(v / physRange * 32767)
		}
		signals = append(signals, encodedSignal{
			label:            s.Label,
			dimension:        "uV",
			physMin:          -physRange,
			physMax:          physRange,
			digMin:           -32767,
			digMax:           32767,
			samplesPerRecord: spr,
			data:             encodeInt16(samples),
		})
	}

	return encodeEDF(numRecords, recDur, signals)
}

// EncodeHypnogram renders the stage intervals of spec as an EDF+ file with a
// single annotations channel.
func EncodeHypnogram(spec PSGSpec) []byte {
	recDur := spec.RecordDuration
	if recDur == 0 {
		recDur = 1
	}
	numRecords := int(spec.DurationSeconds / recDur)

	// All TALs go into the first record; remaining records carry only the
	// mandatory timekeeping TAL. Size the channel to fit the largest record.
	var tals bytes.Buffer
	tals.WriteString("+0\x14\x14\x00") // record start timestamp
	for _, h := range spec.Hypno {
		fmt.Fprintf(&tals, "+%g\x15%g\x14%s\x14\x00", h.Onset, h.Duration, h.Label)
	}

	bytesPerRecord := tals.Len() + 16
	if bytesPerRecord%2 != 0 {
		bytesPerRecord++
	}
	spr := bytesPerRecord / 2

	var data bytes.Buffer
	for r := 0; r < numRecords; r++ {
		var rec bytes.Buffer
		if r == 0 {
			rec.Write(tals.Bytes())
		} else {
			fmt.Fprintf(&rec, "+%g\x14\x14\x00", float64(r)*recDur)
		}
		pad := bytesPerRecord - rec.Len()
		rec.Write(make([]byte, pad))
		data.Write(rec.Bytes())
	}

	return encodeEDF(numRecords, recDur, []encodedSignal{{
		label:            "EDF Annotations",
		dimension:        "",
		physMin:          0,
		physMax:          1,
		digMin:           -32768,
		digMax:           32767,
		samplesPerRecord: spr,
		data:             data.Bytes(),
	}})
}

// CorruptHeader returns a copy of an EDF file with a garbled version field,
// for exercising corrupt-source failure paths.
func CorruptHeader(raw []byte) []byte {
	out := bytes.Clone(raw)
	copy(out[0:8], []byte("XX      "))
	return out
}

type encodedSignal struct {
	label            string
	dimension        string
	physMin, physMax float64
	digMin, digMax   int
	samplesPerRecord int
	data             []byte
}

func encodeInt16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// encodeEDF assembles the fixed header, signal headers, and interleaved data
// records per the EDF specification.
func encodeEDF(numRecords int, recDur float64, signals []encodedSignal) []byte {
	ns := len(signals)
	var buf bytes.Buffer

	field := func(width int, format string, args ...any) {
		s := fmt.Sprintf(format, args...)
		if len(s) > width {
			s = s[:width]
		}
		buf.WriteString(s)
		for i := len(s); i < width; i++ {
			buf.WriteByte(' ')
		}
	}

	// Fixed 256-byte header.
	field(8, "0")
	field(80, "X X X X")              // patient
	field(80, "Startdate X X X X")    // recording
	field(8, "01.01.26")              // start date
	field(8, "00.00.00")              // start time
	field(8, "%d", 256+ns*256)        // header bytes
	field(44, "EDF+C")                // reserved
	field(8, "%d", numRecords)
	field(8, "%g", recDur)
	field(4, "%d", ns)

	// Per-signal headers, field-major.
	for _, s := range signals {
		field(16, "%s", s.label)
	}
	for range signals {
		field(80, "")
	}
	for _, s := range signals {
		field(8, "%s", s.dimension)
	}
	for _, s := range signals {
		field(8, "%g", s.physMin)
	}
	for _, s := range signals {
		field(8, "%g", s.physMax)
	}
	for _, s := range signals {
		field(8, "%d", s.digMin)
	}
	for _, s := range signals {
		field(8, "%d", s.digMax)
	}
	for range signals {
		field(80, "")
	}
	for _, s := range signals {
		field(8, "%d", s.samplesPerRecord)
	}
	for range signals {
		field(32, "")
	}

	// Interleaved data records.
	for r := 0; r < numRecords; r++ {
		for _, s := range signals {
			n := s.samplesPerRecord * 2
			buf.Write(s.data[r*n : (r+1)*n])
		}
	}

	return buf.Bytes()
}
