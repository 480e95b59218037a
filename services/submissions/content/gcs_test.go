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
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGCS serves the subset of the Cloud Storage JSON and XML APIs the
// storage client uses for single-request uploads, attrs, listing, reads
// and deletes.
type fakeGCS struct {
	bucket string

	mu         sync.Mutex
	objects    map[string]*fakeObject
	generation int64
}

type fakeObject struct {
	name        string
	contentType string
	metadata    map[string]string
	data        []byte
	created     time.Time
	generation  int64
}

func newFakeGCS(t *testing.T, bucket string) (*fakeGCS, *httptest.Server) {
	t.Helper()
	f := &fakeGCS{bucket: bucket, objects: make(map[string]*fakeObject)}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

func newGCSStore(t *testing.T, prefix string) (*GCSStore, *fakeGCS) {
	t.Helper()
	fake, srv := newFakeGCS(t, "portal-test")
	s, err := NewGCSStore(context.Background(), GCSConfig{
		Bucket:   "portal-test",
		Prefix:   prefix,
		Endpoint: srv.URL + "/storage/v1/",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, fake
}

func (f *fakeGCS) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sortedNamesLocked()
}

func (f *fakeGCS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	objects := "/storage/v1/b/" + f.bucket + "/o"
	switch p := r.URL.Path; {
	case r.Method == http.MethodPost && p == "/upload"+objects:
		f.insert(w, r)
	case r.Method == http.MethodGet && p == objects:
		f.list(w, r)
	case strings.HasPrefix(p, objects+"/"):
		name := strings.TrimPrefix(p, objects+"/")
		switch {
		case r.Method == http.MethodGet && r.URL.Query().Get("alt") == "media":
			f.media(w, name)
		case r.Method == http.MethodGet:
			f.attrs(w, name)
		case r.Method == http.MethodDelete:
			f.delete(w, name)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	case r.Method == http.MethodGet && strings.HasPrefix(p, "/download"+objects+"/"):
		f.media(w, strings.TrimPrefix(p, "/download"+objects+"/"))
	case r.Method == http.MethodGet && strings.HasPrefix(p, "/"+f.bucket+"/"):
		f.media(w, strings.TrimPrefix(p, "/"+f.bucket+"/"))
	default:
		f.notFound(w, p)
	}
}

func (f *fakeGCS) insert(w http.ResponseWriter, r *http.Request) {
	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/related" {
		http.Error(w, "expected a multipart upload", http.StatusBadRequest)
		return
	}
	mr := multipart.NewReader(r.Body, params["boundary"])

	var resource struct {
		Name        string            `json:"name"`
		ContentType string            `json:"contentType"`
		Metadata    map[string]string `json:"metadata"`
	}
	part, err := mr.NextPart()
	if err == nil {
		err = json.NewDecoder(part).Decode(&resource)
	}
	if err != nil {
		http.Error(w, fmt.Sprintf("object resource: %v", err), http.StatusBadRequest)
		return
	}
	var data []byte
	if part, err = mr.NextPart(); err == nil {
		data, err = io.ReadAll(part)
	}
	if err != nil {
		http.Error(w, fmt.Sprintf("object media: %v", err), http.StatusBadRequest)
		return
	}
	if resource.Name == "" {
		resource.Name = r.URL.Query().Get("name")
	}

	f.mu.Lock()
	f.generation++
	obj := &fakeObject{
		name:        resource.Name,
		contentType: resource.ContentType,
		metadata:    resource.Metadata,
		data:        data,
		created:     time.Now().UTC(),
		generation:  f.generation,
	}
	f.objects[obj.name] = obj
	f.mu.Unlock()

	f.writeJSON(w, http.StatusOK, f.resource(obj))
}

func (f *fakeGCS) list(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")
	f.mu.Lock()
	items := make([]map[string]any, 0)
	for _, name := range f.sortedNamesLocked() {
		if strings.HasPrefix(name, prefix) {
			items = append(items, f.resource(f.objects[name]))
		}
	}
	f.mu.Unlock()
	f.writeJSON(w, http.StatusOK, map[string]any{"kind": "storage#objects", "items": items})
}

func (f *fakeGCS) sortedNamesLocked() []string {
	names := make([]string, 0, len(f.objects))
	for name := range f.objects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (f *fakeGCS) lookup(name string) (*fakeObject, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[name]
	return obj, ok
}

func (f *fakeGCS) attrs(w http.ResponseWriter, name string) {
	obj, ok := f.lookup(name)
	if !ok {
		f.notFound(w, name)
		return
	}
	f.writeJSON(w, http.StatusOK, f.resource(obj))
}

func (f *fakeGCS) media(w http.ResponseWriter, name string) {
	obj, ok := f.lookup(name)
	if !ok {
		f.notFound(w, name)
		return
	}
	h := w.Header()
	h.Set("Content-Type", obj.contentType)
	h.Set("Content-Length", strconv.Itoa(len(obj.data)))
	h.Set("Last-Modified", obj.created.Format(http.TimeFormat))
	h.Set("X-Goog-Generation", strconv.FormatInt(obj.generation, 10))
	h.Set("X-Goog-Metageneration", "1")
	h.Set("X-Goog-Stored-Content-Length", strconv.Itoa(len(obj.data)))
	h.Set("X-Goog-Stored-Content-Encoding", "identity")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(obj.data)
}

func (f *fakeGCS) delete(w http.ResponseWriter, name string) {
	f.mu.Lock()
	_, ok := f.objects[name]
	delete(f.objects, name)
	f.mu.Unlock()
	if !ok {
		f.notFound(w, name)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeGCS) resource(obj *fakeObject) map[string]any {
	created := obj.created.Format(time.RFC3339Nano)
	return map[string]any{
		"kind":           "storage#object",
		"id":             fmt.Sprintf("%s/%s/%d", f.bucket, obj.name, obj.generation),
		"bucket":         f.bucket,
		"name":           obj.name,
		"size":           strconv.Itoa(len(obj.data)),
		"contentType":    obj.contentType,
		"metadata":       obj.metadata,
		"generation":     strconv.FormatInt(obj.generation, 10),
		"metageneration": "1",
		"timeCreated":    created,
		"updated":        created,
	}
}

func (f *fakeGCS) notFound(w http.ResponseWriter, name string) {
	f.writeJSON(w, http.StatusNotFound, map[string]any{
		"error": map[string]any{"code": http.StatusNotFound, "message": "No such object: " + name},
	})
}

func (f *fakeGCS) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// =============================================================================
// GCSStore
// =============================================================================

func TestGCSStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		s, _ := newGCSStore(t, "")
		return s
	})
}

func TestGCSStore_Contract_WithPrefix(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		s, _ := newGCSStore(t, "portal")
		return s
	})
}

func TestGCSStore_ObjectLayout(t *testing.T) {
	s, fake := newGCSStore(t, "portal")
	ctx := context.Background()
	owner := int64(9)

	meta, err := s.Save(ctx, "/submissions/1/results", writeTemp(t, "out.txt", "hello"), &owner)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"portal/_index/uuid/" + meta.UUID,
		"portal/submissions/1/results/out.txt",
	}, fake.names())

	obj, ok := fake.lookup("portal/submissions/1/results/out.txt")
	require.True(t, ok)
	assert.Equal(t, meta.UUID, obj.metadata[gcsMetaUUID])
	assert.Equal(t, "9", obj.metadata[gcsMetaCreatedBy])
	assert.Equal(t, "/submissions/1/results/out.txt", obj.metadata[gcsMetaPath])

	idx, ok := fake.lookup("portal/_index/uuid/" + meta.UUID)
	require.True(t, ok)
	assert.Equal(t, "/submissions/1/results/out.txt", idx.metadata[gcsMetaPath])
}

func TestGCSStore_SearchSkipsIndexObjects(t *testing.T) {
	s, fake := newGCSStore(t, "")
	ctx := context.Background()

	_, err := s.Save(ctx, "/r", writeTemp(t, "a.txt", "x"), nil)
	require.NoError(t, err)
	require.Len(t, fake.names(), 2)

	all, err := s.Search(ctx, QuerySpec{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "/r/a.txt", all[0].Path)
	assert.Nil(t, all[0].CreatedBy)
}

func TestGCSStore_DeleteRemovesIndex(t *testing.T) {
	s, fake := newGCSStore(t, "")
	ctx := context.Background()

	meta, err := s.Save(ctx, "/r", writeTemp(t, "a.txt", "x"), nil)
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, meta.Path))

	assert.Empty(t, fake.names())
}
