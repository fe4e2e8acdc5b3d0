// Somnoflow - Polysomnography Ingestion Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/somnoflow

// Package edf reads European Data Format (EDF and EDF+) files: the
// fixed-width ASCII header, per-signal headers, int16 little-endian sample
// records, and EDF+ timestamped annotation lists (TALs).
//
// The reader materializes the whole file in one pass. That is deliberate:
// downstream extraction runs concurrently across subjects and must never
// share a file handle, so lazily streamed reads are not offered.
package edf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Sentinel errors for the failure modes callers branch on.
var (
	// ErrCorruptHeader indicates the fixed header is malformed or truncated.
	ErrCorruptHeader = errors.New("edf: corrupt header")

	// ErrTruncatedData indicates the file ends before the declared records.
	ErrTruncatedData = errors.New("edf: truncated data records")
)

const (
	fixedHeaderSize     = 256
	perSignalHeaderSize = 256
	annotationLabel     = "EDF Annotations"
)

// Signal is one waveform channel, fully decoded to physical units.
type Signal struct {
	Label             string
	TransducerType    string
	PhysicalDimension string

	// SampleRate is samples per second (samplesPerRecord / recordDuration).
	SampleRate float64

	Samples []float64
}

// Annotation is one EDF+ TAL entry, in seconds from recording start.
type Annotation struct {
	Onset    float64
	Duration float64
	Label    string
}

// File is a fully materialized EDF recording.
type File struct {
	PatientID   string
	RecordingID string

	// NumRecords and RecordDuration come from the header; total duration
	// is their product.
	NumRecords     int
	RecordDuration float64

	// Signals holds the waveform channels. Annotation channels are decoded
	// into Annotations and excluded from Signals.
	Signals []Signal

	// Annotations is the merged EDF+ annotation track, in file order.
	Annotations []Annotation
}

// Duration returns the total recording length in seconds.
func (f *File) Duration() float64 {
	return float64(f.NumRecords) * f.RecordDuration
}

// ReadFile reads and decodes an EDF or EDF+ file.
func ReadFile(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("edf: reading %s: %w", path, err)
	}
	f, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("edf: parsing %s: %w", path, err)
	}
	return f, nil
}

// Parse decodes an EDF or EDF+ file from raw bytes.
func Parse(raw []byte) (*File, error) {
	if len(raw) < fixedHeaderSize {
		return nil, fmt.Errorf("%w: file shorter than fixed header (%d bytes)", ErrCorruptHeader, len(raw))
	}

	hdr := header{raw: raw}
	version := hdr.str(0, 8)
	if version != "0" {
		return nil, fmt.Errorf("%w: unsupported version %q", ErrCorruptHeader, version)
	}

	f := &File{
		PatientID:   hdr.str(8, 80),
		RecordingID: hdr.str(88, 80),
	}

	headerBytes, err := hdr.intField(184, 8, "header size")
	if err != nil {
		return nil, err
	}
	f.NumRecords, err = hdr.intField(236, 8, "number of records")
	if err != nil {
		return nil, err
	}
	f.RecordDuration, err = hdr.floatField(244, 8, "record duration")
	if err != nil {
		return nil, err
	}
	ns, err := hdr.intField(252, 4, "signal count")
	if err != nil {
		return nil, err
	}
	if ns <= 0 {
		return nil, fmt.Errorf("%w: non-positive signal count %d", ErrCorruptHeader, ns)
	}

	wantHeader := fixedHeaderSize + ns*perSignalHeaderSize
	if headerBytes != wantHeader {
		return nil, fmt.Errorf("%w: header size %d does not match %d signals (want %d)",
			ErrCorruptHeader, headerBytes, ns, wantHeader)
	}
	if len(raw) < wantHeader {
		return nil, fmt.Errorf("%w: file shorter than signal headers", ErrCorruptHeader)
	}

	sigs, err := parseSignalHeaders(raw[fixedHeaderSize:wantHeader], ns)
	if err != nil {
		return nil, err
	}

	recordSize := 0
	for _, s := range sigs {
		recordSize += s.samplesPerRecord * 2
	}

	// A header may declare -1 records (recording was still running when the
	// header was written); fall back to what the file actually holds.
	if f.NumRecords < 0 {
		if recordSize == 0 {
			return nil, fmt.Errorf("%w: cannot infer record count", ErrCorruptHeader)
		}
		f.NumRecords = (len(raw) - wantHeader) / recordSize
	}

	if len(raw) < wantHeader+f.NumRecords*recordSize {
		return nil, fmt.Errorf("%w: want %d records of %d bytes, have %d bytes",
			ErrTruncatedData, f.NumRecords, recordSize, len(raw)-wantHeader)
	}

	decodeSamples(raw[wantHeader:], sigs, f.NumRecords)

	for _, s := range sigs {
		if s.isAnnotation {
			anns, err := parseTALs(s.rawBytes)
			if err != nil {
				return nil, err
			}
			f.Annotations = append(f.Annotations, anns...)
			continue
		}
		rate := 0.0
		if f.RecordDuration > 0 {
			rate = float64(s.samplesPerRecord) / f.RecordDuration
		}
		f.Signals = append(f.Signals, Signal{
			Label:             s.label,
			TransducerType:    s.transducer,
			PhysicalDimension: s.dimension,
			SampleRate:        rate,
			Samples:           s.samples,
		})
	}

	return f, nil
}

// header wraps the raw bytes with fixed-width ASCII field accessors.
type header struct {
	raw []byte
}

func (h header) str(off, n int) string {
	return strings.TrimSpace(string(h.raw[off : off+n]))
}

func (h header) intField(off, n int, name string) (int, error) {
	v, err := strconv.Atoi(h.str(off, n))
	if err != nil {
		return 0, fmt.Errorf("%w: bad %s field %q", ErrCorruptHeader, name, h.str(off, n))
	}
	return v, nil
}

func (h header) floatField(off, n int, name string) (float64, error) {
	v, err := strconv.ParseFloat(h.str(off, n), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad %s field %q", ErrCorruptHeader, name, h.str(off, n))
	}
	return v, nil
}

// signalHeader is the decoded per-signal header plus sample accumulators.
type signalHeader struct {
	label            string
	transducer       string
	dimension        string
	physMin, physMax float64
	digMin, digMax   int
	samplesPerRecord int
	isAnnotation     bool

	samples  []float64 // waveform channels
	rawBytes []byte    // annotation channels keep raw TAL bytes
}

// parseSignalHeaders decodes the ns*256 signal header block. EDF lays the
// block out field-major: all labels, then all transducers, and so on.
func parseSignalHeaders(raw []byte, ns int) ([]*signalHeader, error) {
	h := header{raw: raw}
	sigs := make([]*signalHeader, ns)
	for i := range sigs {
		sigs[i] = &signalHeader{}
	}

	off := 0
	for i := 0; i < ns; i++ {
		sigs[i].label = h.str(off+i*16, 16)
		sigs[i].isAnnotation = sigs[i].label == annotationLabel
	}
	off += ns * 16
	for i := 0; i < ns; i++ {
		sigs[i].transducer = h.str(off+i*80, 80)
	}
	off += ns * 80
	for i := 0; i < ns; i++ {
		sigs[i].dimension = h.str(off+i*8, 8)
	}
	off += ns * 8

	var err error
	for i := 0; i < ns; i++ {
		if sigs[i].physMin, err = h.floatField(off+i*8, 8, "physical minimum"); err != nil {
			return nil, err
		}
	}
	off += ns * 8
	for i := 0; i < ns; i++ {
		if sigs[i].physMax, err = h.floatField(off+i*8, 8, "physical maximum"); err != nil {
			return nil, err
		}
	}
	off += ns * 8
	for i := 0; i < ns; i++ {
		if sigs[i].digMin, err = h.intField(off+i*8, 8, "digital minimum"); err != nil {
			return nil, err
		}
	}
	off += ns * 8
	for i := 0; i < ns; i++ {
		if sigs[i].digMax, err = h.intField(off+i*8, 8, "digital maximum"); err != nil {
			return nil, err
		}
	}
	off += ns * 8
	off += ns * 80 // prefiltering, unused
	for i := 0; i < ns; i++ {
		if sigs[i].samplesPerRecord, err = h.intField(off+i*8, 8, "samples per record"); err != nil {
			return nil, err
		}
		if sigs[i].samplesPerRecord < 0 {
			return nil, fmt.Errorf("%w: negative samples per record for signal %d", ErrCorruptHeader, i)
		}
	}

	for i := 0; i < ns; i++ {
		if !sigs[i].isAnnotation && sigs[i].digMax == sigs[i].digMin {
			return nil, fmt.Errorf("%w: signal %q has zero digital range", ErrCorruptHeader, sigs[i].label)
		}
	}

	return sigs, nil
}

// decodeSamples walks the interleaved data records, converting waveform
// samples from digital int16 to physical units and accumulating annotation
// channel bytes verbatim.
func decodeSamples(data []byte, sigs []*signalHeader, numRecords int) {
	for _, s := range sigs {
		if s.isAnnotation {
			s.rawBytes = make([]byte, 0, numRecords*s.samplesPerRecord*2)
		} else {
			s.samples = make([]float64, 0, numRecords*s.samplesPerRecord)
		}
	}

	off := 0
	for r := 0; r < numRecords; r++ {
		for _, s := range sigs {
			n := s.samplesPerRecord * 2
			chunk := data[off : off+n]
			off += n

			if s.isAnnotation {
				s.rawBytes = append(s.rawBytes, chunk...)
				continue
			}

			gain := (s.physMax - s.physMin) / float64(s.digMax-s.digMin)
			for i := 0; i < n; i += 2 {
				dig := int16(binary.LittleEndian.Uint16(chunk[i : i+2]))
				s.samples = append(s.samples, s.physMin+gain*float64(int(dig)-s.digMin))
			}
		}
	}
}
