// Somnoflow - Polysomnography Ingestion Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/somnoflow

package errsink

import (
	"fmt"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/somnoflow/internal/models"
)

// keyPrefix namespaces journal entries; keys sort in append order.
const keyPrefix = "err:"

// Journal is a durable on-disk spillover for ingestion errors that could
// not reach the warehouse. Entries survive process restarts and are
// replayed by Sink.Drain once the warehouse recovers.
type Journal struct {
	db  *badger.DB
	seq atomic.Int64
}

// OpenJournal opens (creating if needed) the journal at dir.
func OpenJournal(dir string) (*Journal, error) {
	opts := badger.DefaultOptions(dir)
	opts.SyncWrites = true
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening error journal at %s: %w", dir, err)
	}

	j := &Journal{db: db}
	if err := j.seedSequence(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

// seedSequence resumes the key counter past any entries left by a previous
// run, so replayed and new entries never collide.
func (j *Journal) seedSequence() error {
	return j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// Seek to the end of the prefix range; the first item in reverse
		// order carries the highest sequence number.
		it.Seek([]byte(keyPrefix + "\xff"))
		if it.ValidForPrefix([]byte(keyPrefix)) {
			var last int64
			key := string(it.Item().Key())
			if _, err := fmt.Sscanf(key, keyPrefix+"%016d", &last); err != nil {
				return fmt.Errorf("malformed journal key %q: %w", key, err)
			}
			j.seq.Store(last)
		}
		return nil
	})
}

// Append durably stores one error.
func (j *Journal) Append(e models.IngestionError) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding journal entry: %w", err)
	}

	key := fmt.Appendf(nil, keyPrefix+"%016d", j.seq.Add(1))
	err = j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, payload)
	})
	if err != nil {
		return fmt.Errorf("writing journal entry: %w", err)
	}
	return nil
}

// Pending returns all journaled errors in append order.
func (j *Journal) Pending() ([]models.IngestionError, error) {
	var out []models.IngestionError
	err := j.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek([]byte(keyPrefix)); it.ValidForPrefix([]byte(keyPrefix)); it.Next() {
			var e models.IngestionError
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			})
			if err != nil {
				return fmt.Errorf("decoding journal entry %s: %w", it.Item().Key(), err)
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Clear removes every journaled entry. Called after a successful replay.
func (j *Journal) Clear() error {
	return j.db.DropPrefix([]byte(keyPrefix))
}

// Close releases the underlying store.
func (j *Journal) Close() error {
	return j.db.Close()
}
