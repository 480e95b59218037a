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
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/AleutianAI/SubmissionPortal/services/submissions/datatypes"
)

// Object metadata keys.
const (
	gcsMetaUUID      = "portal-uuid"
	gcsMetaCreatedBy = "portal-created-by"
	gcsMetaPath      = "portal-path"
	gcsIndexPrefix   = "_index/uuid/"
)

// GCSStore keeps content in a Cloud Storage bucket. Metadata travels on the
// objects; a small index object per uuid resolves GetByUUID.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
	now    func() time.Time
}

var _ Store = (*GCSStore)(nil)

// GCSConfig configures a GCSStore.
type GCSConfig struct {
	Bucket          string
	Prefix          string
	CredentialsFile string
	// Endpoint overrides the JSON API endpoint, e.g. an emulator at
	// http://localhost:4443/storage/v1/. Requests are sent unauthenticated.
	Endpoint        string
}

// NewGCSStore creates a client for cfg.Bucket. An empty CredentialsFile
// uses application default credentials.
func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs bucket is required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); err != nil {
			return nil, fmt.Errorf("service account key %s: %w", cfg.CredentialsFile, err)
		}
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create GCS storage client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: strings.Trim(cfg.Prefix, "/"), now: time.Now}, nil
}

// Close releases the client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}

func (s *GCSStore) objectName(logical string) string {
	return joinObjectName(s.prefix, logical)
}

func joinObjectName(prefix, logical string) string {
	name := strings.TrimPrefix(CleanPath(logical), "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

func (s *GCSStore) logicalPath(objectName string) string {
	return CleanPath(strings.TrimPrefix(objectName, s.prefix+"/"))
}

func (s *GCSStore) object(logical string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.objectName(logical))
}

func (s *GCSStore) indexObject(id string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(joinObjectName(s.prefix, gcsIndexPrefix+id))
}

// Save implements Store.
func (s *GCSStore) Save(ctx context.Context, logicalDir, localFile string, createdBy *int64) (*FileMeta, error) {
	logical := path.Join(CleanPath(logicalDir), filepath.Base(localFile))

	in, err := os.Open(localFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, notFound(localFile, err)
		}
		return nil, fmt.Errorf("open %s: %w", localFile, err)
	}
	defer in.Close()

	contentType := "application/octet-stream"
	if mt, err := mimetype.DetectFile(localFile); err == nil {
		contentType = mt.String()
	}

	previous, err := s.GetByPath(ctx, logical)
	if err != nil && !errors.Is(err, datatypes.ErrFileNotFound) {
		return nil, err
	}

	meta := &FileMeta{
		UUID:        uuid.New().String(),
		Path:        logical,
		Name:        path.Base(logical),
		ContentType: contentType,
		CreatedBy:   createdBy,
		Created:     s.now().UTC(),
	}

	w := s.object(logical).NewWriter(ctx)
	w.ContentType = contentType
	w.CacheControl = "no-cache, no-store, must-revalidate"
	w.Metadata = metadataFor(meta)
	n, err := io.Copy(w, in)
	if err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("copy %s to gs://%s/%s: %w", localFile, s.bucket, s.objectName(logical), err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close GCS writer for %s: %w", logical, err)
	}
	meta.Size = n

	idx := s.indexObject(meta.UUID).NewWriter(ctx)
	idx.Metadata = map[string]string{gcsMetaPath: logical}
	if _, err := io.WriteString(idx, logical); err != nil {
		_ = idx.Close()
		return nil, fmt.Errorf("write uuid index for %s: %w", logical, err)
	}
	if err := idx.Close(); err != nil {
		return nil, fmt.Errorf("close uuid index for %s: %w", logical, err)
	}

	if previous != nil && previous.UUID != meta.UUID {
		_ = s.indexObject(previous.UUID).Delete(ctx)
	}
	return meta, nil
}

// GetByPath implements Store.
func (s *GCSStore) GetByPath(ctx context.Context, p string) (*FileMeta, error) {
	attrs, err := s.object(p).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, notFound(p, err)
	}
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", p, err)
	}
	meta := metaFromAttrs(CleanPath(p), attrs)
	return &meta, nil
}

// GetByUUID implements Store.
func (s *GCSStore) GetByUUID(ctx context.Context, id string) (*FileMeta, error) {
	attrs, err := s.indexObject(id).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, notFound(id, err)
	}
	if err != nil {
		return nil, fmt.Errorf("stat index %s: %w", id, err)
	}
	logical, ok := attrs.Metadata[gcsMetaPath]
	if !ok {
		return nil, notFound(id, nil)
	}
	return s.GetByPath(ctx, logical)
}

// Search implements Store.
func (s *GCSStore) Search(ctx context.Context, q QuerySpec) ([]FileMeta, error) {
	prefix := s.prefix
	if q.Path != "" && CleanPath(q.Path) != "/" {
		prefix = s.objectName(q.Path)
	}

	var out []FileMeta
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list gs://%s/%s: %w", s.bucket, prefix, err)
		}
		if strings.Contains(attrs.Name, gcsIndexPrefix) {
			continue
		}
		meta := metaFromAttrs(s.logicalPath(attrs.Name), attrs)
		if q.Matches(meta) {
			out = append(out, meta)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Open implements Store.
func (s *GCSStore) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	r, err := s.object(p).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, notFound(p, err)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p, err)
	}
	return r, nil
}

// Delete implements Store.
func (s *GCSStore) Delete(ctx context.Context, p string) error {
	meta, err := s.GetByPath(ctx, p)
	if err != nil {
		return err
	}
	if err := s.object(p).Delete(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return notFound(p, err)
		}
		return fmt.Errorf("delete %s: %w", p, err)
	}
	if meta.UUID != "" {
		if err := s.indexObject(meta.UUID).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			return fmt.Errorf("delete uuid index of %s: %w", p, err)
		}
	}
	return nil
}

func metadataFor(meta *FileMeta) map[string]string {
	md := map[string]string{
		gcsMetaUUID: meta.UUID,
		gcsMetaPath: meta.Path,
	}
	if meta.CreatedBy != nil {
		md[gcsMetaCreatedBy] = strconv.FormatInt(*meta.CreatedBy, 10)
	}
	return md
}

func metaFromAttrs(logical string, attrs *storage.ObjectAttrs) FileMeta {
	meta := FileMeta{
		UUID:        attrs.Metadata[gcsMetaUUID],
		Path:        logical,
		Name:        path.Base(logical),
		ContentType: attrs.ContentType,
		Size:        attrs.Size,
		Created:     attrs.Created,
	}
	if raw, ok := attrs.Metadata[gcsMetaCreatedBy]; ok {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			meta.CreatedBy = &id
		}
	}
	return meta
}
