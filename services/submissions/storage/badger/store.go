// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/SubmissionPortal/services/submissions/storage"
)

const sequenceBandwidth = 64

// Sequence names.
const (
	seqSubmission = "submission"
	seqGroup      = "group"
	seqGroupFile  = "group_file"
	seqHistory    = "history"
	seqResultFile = "result_file"
)

// Store implements storage.Store on a DB.
type Store struct {
	db       *DB
	ownsDB   bool
	mu       sync.Mutex
	seqs     map[string]*badger.Sequence
	released bool
}

var _ storage.Store = (*Store)(nil)

// NewStore builds a Store on an open DB. The caller keeps ownership of db.
func NewStore(db *DB) *Store {
	return &Store{db: db, seqs: make(map[string]*badger.Sequence)}
}

// OpenStore opens a DB with cfg and builds a Store that closes it.
func OpenStore(cfg Config) (*Store, error) {
	db, err := OpenDB(cfg)
	if err != nil {
		return nil, err
	}
	s := NewStore(db)
	s.ownsDB = true
	return s, nil
}

// DB returns the underlying database handle.
func (s *Store) DB() *DB {
	return s.db
}

// Update runs fn in a read-write transaction, retrying on conflicts.
func (s *Store) Update(ctx context.Context, fn func(tx storage.Tx) error) error {
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return fn(&tx{txn: txn, store: s})
	})
}

// View runs fn in a read-only transaction.
func (s *Store) View(ctx context.Context, fn func(tx storage.Tx) error) error {
	return s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return fn(&tx{txn: txn, store: s, readOnly: true})
	})
}

// Close releases sequences and, for stores opened with OpenStore, the DB.
func (s *Store) Close() error {
	s.mu.Lock()
	var firstErr error
	if !s.released {
		for name, seq := range s.seqs {
			if err := seq.Release(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("release sequence %s: %w", name, err)
			}
		}
		s.released = true
	}
	s.mu.Unlock()

	if s.ownsDB {
		if err := s.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// nextID returns the next identifier of a sequence, starting at 1.
//
// Sequences are leased outside the transaction; an aborted transaction
// leaves a gap, never a duplicate.
func (s *Store) nextID(name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return 0, fmt.Errorf("store closed")
	}
	seq, ok := s.seqs[name]
	if !ok {
		var err error
		seq, err = s.db.GetSequence([]byte("seq/"+name), sequenceBandwidth)
		if err != nil {
			return 0, fmt.Errorf("lease sequence %s: %w", name, err)
		}
		s.seqs[name] = seq
	}

	for {
		n, err := seq.Next()
		if err != nil {
			return 0, fmt.Errorf("next %s id: %w", name, err)
		}
		// Sequences start at 0; IDs start at 1.
		if n > 0 {
			return int64(n), nil
		}
	}
}
