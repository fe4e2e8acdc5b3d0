// Somnoflow - Polysomnography Ingestion Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/somnoflow

// Package source fetches and fully materializes one subject's recording:
// the raw PSG waveform plus its hypnogram annotation track.
//
// The loader's result is independent heap-owned data. It never hands out a
// file handle or connection, so concurrent extraction workers cannot race on
// a shared underlying resource. When a remote archive is configured, missing
// files are downloaded into the local archive before loading; the download
// is staged through a temp file and renamed, so two processes never observe
// a half-written recording.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/tomtom215/somnoflow/internal/config"
	"github.com/tomtom215/somnoflow/internal/edf"
	"github.com/tomtom215/somnoflow/internal/logging"
	"github.com/tomtom215/somnoflow/internal/metrics"
	"github.com/tomtom215/somnoflow/internal/models"
)

// SourceUnavailableError indicates a recording that cannot be fetched:
// missing file, corrupt header, or a failed remote download. It is the only
// retryable failure class of the pipeline.
type SourceUnavailableError struct {
	SubjectID int
	Session   int
	Err       error
}

func (e *SourceUnavailableError) Error() string {
	return fmt.Sprintf("recording for subject %d session %d unavailable: %v",
		e.SubjectID, e.Session, e.Err)
}

func (e *SourceUnavailableError) Unwrap() error { return e.Err }

// Loader resolves and materializes recordings from the configured archive.
// Safe for concurrent use.
type Loader struct {
	cfg    config.SourceConfig
	client *http.Client
}

// NewLoader creates a Loader over the configured archive.
func NewLoader(cfg config.SourceConfig) *Loader {
	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Loader{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

// PSGFileName returns the archive file name of a subject's PSG recording.
func PSGFileName(subjectID, session int) string {
	return fmt.Sprintf("subject_%02d_rec%d-PSG.edf", subjectID, session)
}

// HypnogramFileName returns the archive file name of a subject's hypnogram.
func HypnogramFileName(subjectID, session int) string {
	return fmt.Sprintf("subject_%02d_rec%d-Hypnogram.edf", subjectID, session)
}

// Load returns the fully materialized recording of one subject, or a
// *SourceUnavailableError when it cannot be fetched or decoded.
func (l *Loader) Load(ctx context.Context, subjectID, session int) (*models.Recording, error) {
	start := time.Now()

	psgPath, err := l.ensureLocal(ctx, PSGFileName(subjectID, session))
	if err != nil {
		return nil, &SourceUnavailableError{SubjectID: subjectID, Session: session, Err: err}
	}
	hypnoPath, err := l.ensureLocal(ctx, HypnogramFileName(subjectID, session))
	if err != nil {
		return nil, &SourceUnavailableError{SubjectID: subjectID, Session: session, Err: err}
	}

	psg, err := edf.ReadFile(psgPath)
	if err != nil {
		return nil, &SourceUnavailableError{SubjectID: subjectID, Session: session, Err: err}
	}
	hypno, err := edf.ReadFile(hypnoPath)
	if err != nil {
		return nil, &SourceUnavailableError{SubjectID: subjectID, Session: session, Err: err}
	}

	rec, err := buildRecording(subjectID, session, psg, hypno)
	if err != nil {
		return nil, &SourceUnavailableError{SubjectID: subjectID, Session: session, Err: err}
	}

	metrics.LoaderFetchDuration.Observe(time.Since(start).Seconds())
	logging.Debug().
		Int("subject_id", subjectID).
		Int("channels", len(rec.ChannelNames)).
		Float64("duration_s", rec.Duration).
		Int("annotations", len(rec.Annotations)).
		Msg("Recording loaded")

	return rec, nil
}

// ensureLocal returns the local path of an archive file, downloading it from
// the remote archive first when configured and missing locally.
func (l *Loader) ensureLocal(ctx context.Context, name string) (string, error) {
	path := filepath.Join(l.cfg.ArchiveDir, name)

	if _, err := os.Stat(path); err == nil {
		return path, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}

	if l.cfg.BaseURL == "" {
		return "", fmt.Errorf("file %s not found in archive %s", name, l.cfg.ArchiveDir)
	}

	if err := l.fetch(ctx, name, path); err != nil {
		return "", err
	}
	return path, nil
}

// fetch downloads one archive file over HTTP, staging through a temp file so
// a failed download never leaves a partial file behind.
func (l *Loader) fetch(ctx context.Context, name, dest string) error {
	url := l.cfg.BaseURL + "/" + name
	logging.Info().Str("url", url).Msg("Fetching recording from remote archive")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("building request for %s: %w", url, err)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", url, err)
	}
	defer func() {
		_ = resp.Body.Close() // cleanup is best-effort
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetching %s: unexpected status %s", url, resp.Status)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return fmt.Errorf("creating archive directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), name+".partial-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("downloading %s: %w", url, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("installing %s: %w", dest, err)
	}

	return nil
}

// buildRecording combines a decoded PSG file and hypnogram into the
// pipeline's recording model. Channels whose rate differs from the primary
// waveform rate (slow marker channels and the like) are dropped, so every
// retained channel windows identically during extraction.
func buildRecording(subjectID, session int, psg, hypno *edf.File) (*models.Recording, error) {
	if len(psg.Signals) == 0 {
		return nil, fmt.Errorf("PSG file carries no waveform signals")
	}

	rate := psg.Signals[0].SampleRate
	if rate <= 0 {
		return nil, fmt.Errorf("PSG signal %q has non-positive sample rate", psg.Signals[0].Label)
	}

	rec := &models.Recording{
		SubjectID:  subjectID,
		Session:    session,
		SampleRate: rate,
		Duration:   psg.Duration(),
	}

	for _, s := range psg.Signals {
		if s.SampleRate != rate {
			logging.Debug().
				Str("channel", s.Label).
				Float64("rate", s.SampleRate).
				Msg("Dropping channel with mismatched sample rate")
			continue
		}
		rec.ChannelNames = append(rec.ChannelNames, s.Label)
		rec.Signals = append(rec.Signals, s.Samples)
	}

	for _, a := range hypno.Annotations {
		rec.Annotations = append(rec.Annotations, models.Annotation{
			Onset:    a.Onset,
			Duration: a.Duration,
			Label:    a.Label,
		})
	}

	return rec, nil
}
