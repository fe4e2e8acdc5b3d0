// Somnoflow - Polysomnography Ingestion Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/somnoflow

package edf

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedTAL indicates an annotation channel that cannot be decoded.
var ErrMalformedTAL = errors.New("edf: malformed timestamped annotation list")

// TAL field separators per the EDF+ specification.
const (
	talOnsetSep = '\x15' // separates onset from duration
	talTextSep  = '\x14' // terminates onset/duration and each annotation text
	talEndSep   = '\x00' // terminates one TAL
)

// parseTALs decodes the raw bytes of an "EDF Annotations" channel into
// annotations. Timekeeping TALs (onset with no text) are dropped; a TAL
// carrying several texts produces one annotation per text at the same
// onset and duration.
func parseTALs(raw []byte) ([]Annotation, error) {
	var anns []Annotation

	for _, tal := range strings.Split(string(raw), string(talEndSep)) {
		if tal == "" {
			continue
		}

		head, rest, found := strings.Cut(tal, string(talTextSep))
		if !found {
			return nil, fmt.Errorf("%w: missing text separator in %q", ErrMalformedTAL, tal)
		}
		if head == "" || (head[0] != '+' && head[0] != '-') {
			return nil, fmt.Errorf("%w: onset %q must carry an explicit sign", ErrMalformedTAL, head)
		}

		onsetStr, durStr, hasDur := strings.Cut(head, string(talOnsetSep))
		onset, err := strconv.ParseFloat(onsetStr, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad onset %q", ErrMalformedTAL, onsetStr)
		}

		duration := 0.0
		if hasDur {
			duration, err = strconv.ParseFloat(durStr, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: bad duration %q", ErrMalformedTAL, durStr)
			}
		}

		for _, text := range strings.Split(rest, string(talTextSep)) {
			if text == "" {
				continue
			}
			anns = append(anns, Annotation{Onset: onset, Duration: duration, Label: text})
		}
	}

	return anns, nil
}
