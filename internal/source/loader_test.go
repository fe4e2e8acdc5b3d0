// Somnoflow - Polysomnography Ingestion Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/somnoflow

package source

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tomtom215/somnoflow/internal/config"
	"github.com/tomtom215/somnoflow/internal/edf"
	"github.com/tomtom215/somnoflow/internal/models"
	"github.com/tomtom215/somnoflow/internal/testinfra"
)

func TestLoad_LocalArchive(t *testing.T) {
	dir := t.TempDir()
	testinfra.WriteRecordingPair(t, dir, 1, 1, testinfra.DefaultPSGSpec())

	loader := NewLoader(config.SourceConfig{ArchiveDir: dir})
	rec, err := loader.Load(context.Background(), 1, 1)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if rec.SubjectID != 1 || rec.Session != 1 {
		t.Errorf("identity = (%d, %d), want (1, 1)", rec.SubjectID, rec.Session)
	}
	if rec.SampleRate != 100 {
		t.Errorf("sample rate = %v, want 100", rec.SampleRate)
	}
	if rec.Duration != 60 {
		t.Errorf("duration = %v, want 60", rec.Duration)
	}
	if len(rec.Signals) != 1 || len(rec.Signals[0]) != 6000 {
		t.Errorf("expected one channel of 6000 samples")
	}
	if len(rec.Annotations) != 2 {
		t.Errorf("got %d annotations, want 2", len(rec.Annotations))
	}
	if rec.DominantStage(0, 30) != models.StageWake {
		t.Errorf("epoch 0 stage = %q, want W", rec.DominantStage(0, 30))
	}
}

func TestLoad_MissingFile(t *testing.T) {
	loader := NewLoader(config.SourceConfig{ArchiveDir: t.TempDir()})

	_, err := loader.Load(context.Background(), 99, 1)
	var srcErr *SourceUnavailableError
	if !errors.As(err, &srcErr) {
		t.Fatalf("Load() of absent subject: err = %v, want *SourceUnavailableError", err)
	}
	if srcErr.SubjectID != 99 {
		t.Errorf("error subject = %d, want 99", srcErr.SubjectID)
	}
}

func TestLoad_CorruptHeader(t *testing.T) {
	dir := t.TempDir()
	psgPath, _ := testinfra.WriteRecordingPair(t, dir, 2, 1, testinfra.DefaultPSGSpec())

	raw, err := os.ReadFile(psgPath)
	if err != nil {
		t.Fatalf("reading fixture: %v", err)
	}
	if err := os.WriteFile(psgPath, testinfra.CorruptHeader(raw), 0o600); err != nil {
		t.Fatalf("corrupting fixture: %v", err)
	}

	loader := NewLoader(config.SourceConfig{ArchiveDir: dir})
	_, err = loader.Load(context.Background(), 2, 1)

	var srcErr *SourceUnavailableError
	if !errors.As(err, &srcErr) {
		t.Fatalf("err = %v, want *SourceUnavailableError", err)
	}
	if !errors.Is(err, edf.ErrCorruptHeader) {
		t.Errorf("err = %v, want to wrap edf.ErrCorruptHeader", err)
	}
}

func TestLoad_RemoteFetch(t *testing.T) {
	remote := t.TempDir()
	testinfra.WriteRecordingPair(t, remote, 3, 1, testinfra.DefaultPSGSpec())

	srv := httptest.NewServer(http.FileServer(http.Dir(remote)))
	t.Cleanup(srv.Close)

	local := t.TempDir()
	loader := NewLoader(config.SourceConfig{
		ArchiveDir:   local,
		BaseURL:      srv.URL,
		FetchTimeout: 10 * time.Second,
	})

	rec, err := loader.Load(context.Background(), 3, 1)
	if err != nil {
		t.Fatalf("Load() via remote archive failed: %v", err)
	}
	if rec.Duration != 60 {
		t.Errorf("duration = %v, want 60", rec.Duration)
	}

	// The downloaded files must be installed into the local archive so a
	// second load never touches the network.
	for _, name := range []string{PSGFileName(3, 1), HypnogramFileName(3, 1)} {
		if _, err := os.Stat(filepath.Join(local, name)); err != nil {
			t.Errorf("downloaded file %s not in local archive: %v", name, err)
		}
	}

	srv.Close()
	if _, err := loader.Load(context.Background(), 3, 1); err != nil {
		t.Errorf("second Load() should use the local copy, got %v", err)
	}
}

func TestLoad_RemoteFetch404(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	loader := NewLoader(config.SourceConfig{
		ArchiveDir: t.TempDir(),
		BaseURL:    srv.URL,
	})

	_, err := loader.Load(context.Background(), 4, 1)
	var srcErr *SourceUnavailableError
	if !errors.As(err, &srcErr) {
		t.Errorf("err = %v, want *SourceUnavailableError", err)
	}
}

func TestLoad_NoPartialFileAfterFailedFetch(t *testing.T) {
	// Server drops the connection mid-body: the archive must stay clean.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100000")
		_, _ = w.Write([]byte("partial"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		panic(http.ErrAbortHandler)
	}))
	t.Cleanup(srv.Close)

	local := t.TempDir()
	loader := NewLoader(config.SourceConfig{ArchiveDir: local, BaseURL: srv.URL})

	if _, err := loader.Load(context.Background(), 5, 1); err == nil {
		t.Fatal("Load() should fail when the download is cut short")
	}

	entries, err := os.ReadDir(local)
	if err != nil {
		t.Fatalf("reading archive dir: %v", err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".edf" {
			t.Errorf("failed fetch left installed file %s in archive", e.Name())
		}
	}
}

func TestBuildRecording_DropsMismatchedRates(t *testing.T) {
	spec := testinfra.DefaultPSGSpec()
	spec.Signals = append(spec.Signals, testinfra.SignalSpec{
		Label: "EMG submental", SampleRate: 1, Frequency: 0, Amplitude: 0,
	})

	dir := t.TempDir()
	testinfra.WriteRecordingPair(t, dir, 6, 1, spec)

	loader := NewLoader(config.SourceConfig{ArchiveDir: dir})
	rec, err := loader.Load(context.Background(), 6, 1)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if len(rec.ChannelNames) != 1 || rec.ChannelNames[0] != "EEG Fpz-Cz" {
		t.Errorf("channels = %v, want only the 100 Hz EEG channel", rec.ChannelNames)
	}
}
