// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	pbadger "github.com/AleutianAI/SubmissionPortal/services/submissions/storage/badger"
)

const (
	metaPathPrefix = "content/path"
	metaUUIDPrefix = "content/uuid/"
)

// LocalStore keeps file content under a root directory and metadata in a
// BadgerDB index.
//
// # Thread Safety
//
// Safe for concurrent use. Metadata updates are transactional, content is
// written to a temporary file and renamed into place.
type LocalStore struct {
	root string
	db   *pbadger.DB
	now  func() time.Time
}

var _ Store = (*LocalStore)(nil)

// NewLocalStore creates a store rooted at root with metadata in db.
func NewLocalStore(root string, db *pbadger.DB) (*LocalStore, error) {
	if root == "" {
		return nil, errors.New("content root is required")
	}
	if db == nil {
		return nil, errors.New("metadata database is required")
	}
	if err := os.MkdirAll(root, 0750); err != nil {
		return nil, fmt.Errorf("create content root %s: %w", root, err)
	}
	return &LocalStore{root: root, db: db, now: time.Now}, nil
}

func (s *LocalStore) diskPath(logical string) string {
	return filepath.Join(s.root, filepath.FromSlash(strings.TrimPrefix(CleanPath(logical), "/")))
}

func metaPathKey(p string) []byte { return []byte(metaPathPrefix + CleanPath(p)) }
func metaUUIDKey(id string) []byte { return []byte(metaUUIDPrefix + id) }

// Save implements Store.
func (s *LocalStore) Save(ctx context.Context, logicalDir, localFile string, createdBy *int64) (*FileMeta, error) {
	logical := path.Join(CleanPath(logicalDir), filepath.Base(localFile))
	dest := s.diskPath(logical)

	size, err := copyFileAtomic(localFile, dest)
	if err != nil {
		return nil, err
	}

	contentType := "application/octet-stream"
	if mt, err := mimetype.DetectFile(dest); err == nil {
		contentType = mt.String()
	}

	meta := &FileMeta{
		UUID:        uuid.New().String(),
		Path:        logical,
		Name:        path.Base(logical),
		ContentType: contentType,
		Size:        size,
		CreatedBy:   createdBy,
		Created:     s.now().UTC(),
	}

	err = s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		previous, err := readMeta(txn, metaPathKey(logical))
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if previous != nil {
			if err := txn.Delete(metaUUIDKey(previous.UUID)); err != nil {
				return err
			}
		}
		data, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		if err := txn.Set(metaPathKey(logical), data); err != nil {
			return err
		}
		return txn.Set(metaUUIDKey(meta.UUID), []byte(logical))
	})
	if err != nil {
		return nil, fmt.Errorf("index %s: %w", logical, err)
	}
	return meta, nil
}

// GetByPath implements Store.
func (s *LocalStore) GetByPath(ctx context.Context, p string) (*FileMeta, error) {
	var meta *FileMeta
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var err error
		meta, err = readMeta(txn, metaPathKey(p))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, notFound(p, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", p, err)
	}
	return meta, nil
}

// GetByUUID implements Store.
func (s *LocalStore) GetByUUID(ctx context.Context, id string) (*FileMeta, error) {
	var meta *FileMeta
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(metaUUIDKey(id))
		if err != nil {
			return err
		}
		logical, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		meta, err = readMeta(txn, metaPathKey(string(logical)))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, notFound(id, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup uuid %s: %w", id, err)
	}
	return meta, nil
}

// Search implements Store.
func (s *LocalStore) Search(ctx context.Context, q QuerySpec) ([]FileMeta, error) {
	prefix := []byte(metaPathPrefix)
	if q.Path != "" {
		prefix = append(prefix, []byte(strings.TrimSuffix(CleanPath(q.Path), "/"))...)
	}

	var out []FileMeta
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			var meta FileMeta
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &meta)
			}); err != nil {
				return err
			}
			if q.Matches(meta) {
				out = append(out, meta)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("search content: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Open implements Store.
func (s *LocalStore) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.diskPath(p))
	if errors.Is(err, os.ErrNotExist) {
		return nil, notFound(p, err)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", p, err)
	}
	return f, nil
}

// Delete implements Store.
func (s *LocalStore) Delete(ctx context.Context, p string) error {
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		meta, err := readMeta(txn, metaPathKey(p))
		if err != nil {
			return err
		}
		if err := txn.Delete(metaUUIDKey(meta.UUID)); err != nil {
			return err
		}
		return txn.Delete(metaPathKey(p))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return notFound(p, nil)
	}
	if err != nil {
		return fmt.Errorf("unindex %s: %w", p, err)
	}
	if err := os.Remove(s.diskPath(p)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", p, err)
	}
	return nil
}

func readMeta(txn *badger.Txn, key []byte) (*FileMeta, error) {
	item, err := txn.Get(key)
	if err != nil {
		return nil, err
	}
	var meta FileMeta
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &meta)
	}); err != nil {
		return nil, err
	}
	return &meta, nil
}

// copyFileAtomic copies src to dest through a temporary sibling file.
func copyFileAtomic(src, dest string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, notFound(src, err)
		}
		return 0, fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0750); err != nil {
		return 0, fmt.Errorf("create %s: %w", filepath.Dir(dest), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".upload-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	n, err := io.Copy(tmp, in)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return 0, fmt.Errorf("copy to %s: %w", dest, err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		_ = os.Remove(tmpName)
		return 0, fmt.Errorf("rename to %s: %w", dest, err)
	}
	return n, nil
}
