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
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/SubmissionPortal/services/submissions/datatypes"
	"github.com/AleutianAI/SubmissionPortal/services/submissions/storage"
)

// Key layout:
//
//	sub/{id}                submission document
//	grp/{id}                group document
//	grpsub/{groupId}/{id}   group membership index
//	rf/{uuid}               result file index -> resultFileRef
//	rfid/{id}               result file id index -> resultFileRef
//	ds/{id}                 data source
//	an/{id}                 analysis
func submissionKey(id int64) []byte { return []byte(fmt.Sprintf("sub/%020d", id)) }
func groupKey(id int64) []byte      { return []byte(fmt.Sprintf("grp/%020d", id)) }
func groupMemberPrefix(groupID int64) []byte {
	return []byte(fmt.Sprintf("grpsub/%020d/", groupID))
}
func groupMemberKey(groupID, id int64) []byte {
	return append(groupMemberPrefix(groupID), []byte(fmt.Sprintf("%020d", id))...)
}
func resultUUIDKey(uuid string) []byte { return []byte("rf/" + uuid) }
func resultIDKey(id int64) []byte      { return []byte(fmt.Sprintf("rfid/%020d", id)) }
func dataSourceKey(id int64) []byte    { return []byte(fmt.Sprintf("ds/%020d", id)) }
func analysisKey(id int64) []byte      { return []byte(fmt.Sprintf("an/%020d", id)) }

type resultFileRef struct {
	SubmissionID int64  `json:"submissionId"`
	UUID         string `json:"uuid"`
}

var errKeyMissing = errors.New("key missing")

type tx struct {
	txn      *badger.Txn
	store    *Store
	readOnly bool
}

var _ storage.Tx = (*tx)(nil)

func (t *tx) getJSON(key []byte, v any) error {
	item, err := t.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return errKeyMissing
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func (t *tx) setJSON(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := t.txn.Set(key, data); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (t *tx) delete(key []byte) error {
	if err := t.txn.Delete(key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// =============================================================================
// Submissions
// =============================================================================

func (t *tx) CreateSubmission(s *datatypes.Submission) error {
	id, err := t.store.nextID(seqSubmission)
	if err != nil {
		return err
	}
	s.ID = id
	return t.SaveSubmission(s)
}

func (t *tx) SaveSubmission(s *datatypes.Submission) error {
	if s.ID == 0 {
		return errors.New("save submission: missing id")
	}
	for i := range s.StatusHistory {
		h := &s.StatusHistory[i]
		h.SubmissionID = s.ID
		if h.ID == 0 {
			id, err := t.store.nextID(seqHistory)
			if err != nil {
				return err
			}
			h.ID = id
		}
	}
	for i := range s.ResultFiles {
		rf := &s.ResultFiles[i]
		rf.SubmissionID = s.ID
		if rf.ID == 0 {
			id, err := t.store.nextID(seqResultFile)
			if err != nil {
				return err
			}
			rf.ID = id
		}
		ref := resultFileRef{SubmissionID: s.ID, UUID: rf.UUID}
		if err := t.setJSON(resultUUIDKey(rf.UUID), ref); err != nil {
			return err
		}
		if err := t.setJSON(resultIDKey(rf.ID), ref); err != nil {
			return err
		}
	}
	if err := t.txn.Set(groupMemberKey(s.GroupID, s.ID), nil); err != nil {
		return fmt.Errorf("index submission %d: %w", s.ID, err)
	}
	return t.setJSON(submissionKey(s.ID), s)
}

func (t *tx) FindSubmission(id int64) (*datatypes.Submission, error) {
	var s datatypes.Submission
	if err := t.getJSON(submissionKey(id), &s); err != nil {
		if errors.Is(err, errKeyMissing) {
			return nil, datatypes.NotExist("Submission", id)
		}
		return nil, err
	}
	return &s, nil
}

func (t *tx) FindSubmissionByIDAndStatusIn(id int64, statuses []datatypes.Status) (*datatypes.Submission, error) {
	s, err := t.FindSubmission(id)
	if err != nil {
		return nil, err
	}
	if !s.Status.In(statuses...) {
		return nil, datatypes.NotExist("Submission", id)
	}
	return s, nil
}

func (t *tx) FindSubmissionByIDAndUpdatePassword(id int64, password string) (*datatypes.Submission, error) {
	s, err := t.FindSubmission(id)
	if err != nil {
		return nil, err
	}
	if !secretEqual(s.UpdatePassword, password) {
		return nil, datatypes.NotExist("Submission", id)
	}
	return s, nil
}

func (t *tx) FindSubmissionByIDAndUpdatePasswordAndStatusIn(id int64, password string, statuses []datatypes.Status) (*datatypes.Submission, error) {
	s, err := t.FindSubmissionByIDAndUpdatePassword(id, password)
	if err != nil {
		return nil, err
	}
	if !s.Status.In(statuses...) {
		return nil, datatypes.NotExist("Submission", id)
	}
	return s, nil
}

func (t *tx) FindSubmissionByIDAndToken(id int64, token string) (*datatypes.Submission, error) {
	s, err := t.FindSubmission(id)
	if err != nil {
		return nil, err
	}
	if !secretEqual(s.Token, token) {
		return nil, datatypes.NotExist("Submission", id)
	}
	return s, nil
}

func (t *tx) FindSubmissionsByIDIn(ids []int64) ([]datatypes.Submission, error) {
	out := make([]datatypes.Submission, 0, len(ids))
	for _, id := range ids {
		s, err := t.FindSubmission(id)
		if errors.Is(err, datatypes.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, nil
}

func (t *tx) FindSubmissionsByGroupID(groupID int64) ([]datatypes.Submission, error) {
	prefix := groupMemberPrefix(groupID)
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix

	var ids []int64
	it := t.txn.NewIterator(opts)
	for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
		key := string(it.Item().KeyCopy(nil))
		id, err := strconv.ParseInt(strings.TrimPrefix(key, string(prefix)), 10, 64)
		if err != nil {
			it.Close()
			return nil, fmt.Errorf("corrupt group index key %q: %w", key, err)
		}
		ids = append(ids, id)
	}
	it.Close()

	return t.FindSubmissionsByIDIn(ids)
}

func (t *tx) DeleteSubmission(id int64) error {
	s, err := t.FindSubmission(id)
	if err != nil {
		return err
	}
	for _, rf := range s.ResultFiles {
		if err := t.delete(resultUUIDKey(rf.UUID)); err != nil {
			return err
		}
		if err := t.delete(resultIDKey(rf.ID)); err != nil {
			return err
		}
	}
	if err := t.delete(groupMemberKey(s.GroupID, s.ID)); err != nil {
		return err
	}
	return t.delete(submissionKey(id))
}

func (t *tx) ListStatusHistory(submissionID int64) ([]datatypes.StatusHistoryElement, error) {
	s, err := t.FindSubmission(submissionID)
	if err != nil {
		return nil, err
	}
	history := make([]datatypes.StatusHistoryElement, len(s.StatusHistory))
	copy(history, s.StatusHistory)
	sort.SliceStable(history, func(i, j int) bool {
		return history[i].Date.Before(history[j].Date)
	})
	return history, nil
}

func (t *tx) FindResultFileByUUID(uuid string) (*datatypes.ResultFile, error) {
	var ref resultFileRef
	if err := t.getJSON(resultUUIDKey(uuid), &ref); err != nil {
		if errors.Is(err, errKeyMissing) {
			return nil, datatypes.NotExistf("Result file with uuid='%s' does not exist", uuid)
		}
		return nil, err
	}
	s, err := t.FindSubmission(ref.SubmissionID)
	if err != nil {
		return nil, err
	}
	idx := s.FindResultFileByUUID(uuid)
	if idx < 0 {
		return nil, datatypes.NotExistf("Result file with uuid='%s' does not exist", uuid)
	}
	rf := s.ResultFiles[idx]
	return &rf, nil
}

func (t *tx) DeleteResultFile(id int64) error {
	var ref resultFileRef
	if err := t.getJSON(resultIDKey(id), &ref); err != nil {
		if errors.Is(err, errKeyMissing) {
			return datatypes.NotExist("ResultFile", id)
		}
		return err
	}
	if err := t.delete(resultIDKey(id)); err != nil {
		return err
	}
	return t.delete(resultUUIDKey(ref.UUID))
}

// =============================================================================
// Groups
// =============================================================================

func (t *tx) CreateGroup(g *datatypes.SubmissionGroup) error {
	id, err := t.store.nextID(seqGroup)
	if err != nil {
		return err
	}
	g.ID = id
	for i := range g.Files {
		f := &g.Files[i]
		f.GroupID = id
		if f.ID == 0 {
			fileID, err := t.store.nextID(seqGroupFile)
			if err != nil {
				return err
			}
			f.ID = fileID
		}
	}
	return t.setJSON(groupKey(id), g)
}

func (t *tx) FindGroup(id int64) (*datatypes.SubmissionGroup, error) {
	var g datatypes.SubmissionGroup
	if err := t.getJSON(groupKey(id), &g); err != nil {
		if errors.Is(err, errKeyMissing) {
			return nil, datatypes.NotExist("SubmissionGroup", id)
		}
		return nil, err
	}
	return &g, nil
}

func (t *tx) DeleteGroup(id int64) error {
	if _, err := t.FindGroup(id); err != nil {
		return err
	}
	return t.delete(groupKey(id))
}

// =============================================================================
// Catalog
// =============================================================================

func (t *tx) SaveDataSource(ds *datatypes.DataSource) error {
	if ds.ID == 0 {
		return errors.New("save data source: missing id")
	}
	return t.setJSON(dataSourceKey(ds.ID), ds)
}

func (t *tx) FindDataSource(id int64) (*datatypes.DataSource, error) {
	var ds datatypes.DataSource
	if err := t.getJSON(dataSourceKey(id), &ds); err != nil {
		if errors.Is(err, errKeyMissing) {
			return nil, datatypes.NotExist("DataSource", id)
		}
		return nil, err
	}
	return &ds, nil
}

func (t *tx) SaveAnalysis(a *datatypes.Analysis) error {
	if a.ID == 0 {
		return errors.New("save analysis: missing id")
	}
	return t.setJSON(analysisKey(a.ID), a)
}

func (t *tx) FindAnalysis(id int64) (*datatypes.Analysis, error) {
	var a datatypes.Analysis
	if err := t.getJSON(analysisKey(id), &a); err != nil {
		if errors.Is(err, errKeyMissing) {
			return nil, datatypes.NotExist("Analysis", id)
		}
		return nil, err
	}
	return &a, nil
}

func secretEqual(stored, given string) bool {
	if stored == "" || given == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(given)) == 1
}
