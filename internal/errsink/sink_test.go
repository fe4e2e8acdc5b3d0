// Somnoflow - Polysomnography Ingestion Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/somnoflow

package errsink

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/somnoflow/internal/models"
	"github.com/tomtom215/somnoflow/internal/warehouse"
)

// fakeClient captures appended rows and can be switched offline.
type fakeClient struct {
	mu   sync.Mutex
	down bool
	rows [][]any
}

func (f *fakeClient) EnsureTable(ctx context.Context, schema warehouse.TableSchema) error {
	return nil
}

func (f *fakeClient) AppendRows(ctx context.Context, table string, columns []string, rows [][]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return &warehouse.WriteFailureError{Table: table, Err: errors.New("connection refused")}
	}
	f.rows = append(f.rows, rows...)
	return nil
}

func (f *fakeClient) DeleteSubject(ctx context.Context, table string, subjectID int) error {
	return nil
}

func (f *fakeClient) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return nil, errors.New("not supported")
}

func (f *fakeClient) Backend() string { return "fake" }
func (f *fakeClient) Close() error    { return nil }

func (f *fakeClient) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func (f *fakeClient) appended() [][]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]any, len(f.rows))
	copy(out, f.rows)
	return out
}

func testError(subjectID int) models.IngestionError {
	return models.IngestionError{
		SubjectID:  subjectID,
		Stage:      "Loading",
		Message:    "recording unavailable",
		Trace:      "file not found",
		OccurredAt: time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
	}
}

func openTestJournal(t *testing.T, dir string) *Journal {
	t.Helper()

	j, err := OpenJournal(dir)
	if err != nil {
		t.Fatalf("opening journal: %v", err)
	}
	return j
}

func TestRecordToWarehouse(t *testing.T) {
	client := &fakeClient{}
	journal := openTestJournal(t, t.TempDir())
	sink := New(client, journal)
	defer sink.Close()

	sink.Record(context.Background(), testError(5))

	rows := client.appended()
	if len(rows) != 1 {
		t.Fatalf("warehouse got %d rows, want 1", len(rows))
	}
	if got := rows[0][0]; got != 5 {
		t.Errorf("subject_id = %v, want 5", got)
	}

	pending, err := journal.Pending()
	if err != nil {
		t.Fatalf("reading journal: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("journal holds %d entries after healthy record, want 0", len(pending))
	}
}

func TestRecordSpillsToJournalAndDrains(t *testing.T) {
	client := &fakeClient{}
	journal := openTestJournal(t, t.TempDir())
	sink := New(client, journal)
	defer sink.Close()
	ctx := context.Background()

	client.setDown(true)
	sink.Record(ctx, testError(1))
	sink.Record(ctx, testError(2))

	if got := len(client.appended()); got != 0 {
		t.Fatalf("warehouse got %d rows while down, want 0", got)
	}
	pending, err := journal.Pending()
	if err != nil {
		t.Fatalf("reading journal: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("journal holds %d entries, want 2", len(pending))
	}
	if pending[0].SubjectID != 1 || pending[1].SubjectID != 2 {
		t.Errorf("journal order = [%d, %d], want [1, 2]",
			pending[0].SubjectID, pending[1].SubjectID)
	}

	// Drain while the warehouse is still down keeps the backlog.
	if err := sink.Drain(ctx); err == nil {
		t.Fatal("Drain against a down warehouse should fail")
	}
	pending, _ = journal.Pending()
	if len(pending) != 2 {
		t.Fatalf("journal lost entries on failed drain: %d left, want 2", len(pending))
	}

	client.setDown(false)
	if err := sink.Drain(ctx); err != nil {
		t.Fatalf("Drain after recovery: %v", err)
	}
	if got := len(client.appended()); got != 2 {
		t.Errorf("warehouse got %d replayed rows, want 2", got)
	}
	pending, _ = journal.Pending()
	if len(pending) != 0 {
		t.Errorf("journal holds %d entries after drain, want 0", len(pending))
	}
}

func TestRecordWithoutJournalNeverPanics(t *testing.T) {
	client := &fakeClient{down: true}
	sink := New(client, nil)
	defer sink.Close()

	// Both tiers down: the error may only reach the log, silently.
	sink.Record(context.Background(), testError(9))

	if err := sink.Drain(context.Background()); err != nil {
		t.Errorf("Drain with nil journal: %v", err)
	}
}

func TestJournalSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	j := openTestJournal(t, dir)
	if err := j.Append(testError(3)); err != nil {
		t.Fatalf("appending: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("closing: %v", err)
	}

	j = openTestJournal(t, dir)
	defer j.Close()

	pending, err := j.Pending()
	if err != nil {
		t.Fatalf("reading reopened journal: %v", err)
	}
	if len(pending) != 1 || pending[0].SubjectID != 3 {
		t.Fatalf("reopened journal = %+v, want one entry for subject 3", pending)
	}

	// New appends must sort after the recovered entry.
	if err := j.Append(testError(4)); err != nil {
		t.Fatalf("appending after reopen: %v", err)
	}
	pending, _ = j.Pending()
	if len(pending) != 2 || pending[1].SubjectID != 4 {
		t.Fatalf("append order broken after reopen: %+v", pending)
	}
}

func TestRecordConcurrent(t *testing.T) {
	client := &fakeClient{}
	sink := New(client, nil)
	defer sink.Close()

	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			sink.Record(context.Background(), testError(id))
		}(i)
	}
	wg.Wait()

	if got := len(client.appended()); got != workers {
		t.Errorf("warehouse got %d rows, want %d", got, workers)
	}
}
