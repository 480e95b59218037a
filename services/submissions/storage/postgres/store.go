// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package postgres implements the submission repository on PostgreSQL via
// gorm. Read-write transactions lock the submission row with
// SELECT ... FOR UPDATE, so concurrent transitions on one submission are
// serialized by the database.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/AleutianAI/SubmissionPortal/services/submissions/datatypes"
	"github.com/AleutianAI/SubmissionPortal/services/submissions/storage"
)

// Config configures the connection pool.
type Config struct {
	DSN                  string
	PreferSimpleProtocol bool
	MaxOpenConns         int
	MaxIdleConns         int
	ConnMaxIdleTime      time.Duration
	ConnMaxLifetime      time.Duration
}

// DefaultConfig returns pool settings suitable for a single service
// instance behind PgBouncer.
func DefaultConfig(dsn string) Config {
	return Config{
		DSN:                  dsn,
		PreferSimpleProtocol: true,
		MaxOpenConns:         20,
		MaxIdleConns:         10,
		ConnMaxIdleTime:      60 * time.Second,
		ConnMaxLifetime:      10 * time.Minute,
	}
}

// Store implements storage.Store on a gorm handle.
type Store struct {
	db *gorm.DB
}

var _ storage.Store = (*Store)(nil)

// Open connects to PostgreSQL and tunes the pool.
func Open(cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN:                  cfg.DSN,
		PreferSimpleProtocol: cfg.PreferSimpleProtocol,
	}), &gorm.Config{Logger: gormlogger.Discard})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return &Store{db: db}, nil
}

// New wraps an existing gorm handle.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the schema.
func (s *Store) Migrate(ctx context.Context) error {
	err := s.db.WithContext(ctx).AutoMigrate(
		&datatypes.DataSource{},
		&datatypes.Analysis{},
		&datatypes.SubmissionGroup{},
		&datatypes.SubmissionFile{},
		&datatypes.Submission{},
		&datatypes.StatusHistoryElement{},
		&datatypes.ResultFile{},
	)
	if err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// Update runs fn in a transaction with row locking.
func (s *Store) Update(ctx context.Context, fn func(tx storage.Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
		return fn(&tx{db: gtx, lock: true})
	})
}

// View runs fn in a read-only transaction.
func (s *Store) View(ctx context.Context, fn func(tx storage.Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
		return fn(&tx{db: gtx})
	}, &sql.TxOptions{ReadOnly: true})
}

// Close closes the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type tx struct {
	db   *gorm.DB
	lock bool
}

var _ storage.Tx = (*tx)(nil)

func (t *tx) submissions() *gorm.DB {
	q := t.db.Model(&datatypes.Submission{}).
		Preload("StatusHistory", func(db *gorm.DB) *gorm.DB {
			return db.Order("date ASC, id ASC")
		}).
		Preload("ResultFiles", func(db *gorm.DB) *gorm.DB {
			return db.Order("id ASC")
		})
	if t.lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return q
}

func (t *tx) findSubmission(id int64, query string, args ...any) (*datatypes.Submission, error) {
	var s datatypes.Submission
	err := t.submissions().Where(query, args...).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, datatypes.NotExist("Submission", id)
	}
	if err != nil {
		return nil, fmt.Errorf("find submission %d: %w", id, err)
	}
	normalizeActors(&s)
	return &s, nil
}

// normalizeActors maps all-NULL embedded actor columns back to the system
// actor.
func normalizeActors(s *datatypes.Submission) {
	for i := range s.StatusHistory {
		actor := s.StatusHistory[i].Actor
		if actor != nil && actor.ID == 0 && actor.Username == "" {
			s.StatusHistory[i].Actor = nil
		}
	}
}

// =============================================================================
// Submissions
// =============================================================================

func (t *tx) CreateSubmission(s *datatypes.Submission) error {
	if err := t.db.Create(s).Error; err != nil {
		return fmt.Errorf("create submission: %w", err)
	}
	return nil
}

func (t *tx) SaveSubmission(s *datatypes.Submission) error {
	for i := range s.StatusHistory {
		s.StatusHistory[i].SubmissionID = s.ID
	}
	for i := range s.ResultFiles {
		s.ResultFiles[i].SubmissionID = s.ID
	}
	err := t.db.Session(&gorm.Session{FullSaveAssociations: true}).Save(s).Error
	if err != nil {
		return fmt.Errorf("save submission %d: %w", s.ID, err)
	}
	return nil
}

func (t *tx) FindSubmission(id int64) (*datatypes.Submission, error) {
	return t.findSubmission(id, "id = ?", id)
}

func (t *tx) FindSubmissionByIDAndStatusIn(id int64, statuses []datatypes.Status) (*datatypes.Submission, error) {
	return t.findSubmission(id, "id = ? AND status IN ?", id, statusStrings(statuses))
}

func (t *tx) FindSubmissionByIDAndUpdatePassword(id int64, password string) (*datatypes.Submission, error) {
	if password == "" {
		return nil, datatypes.NotExist("Submission", id)
	}
	return t.findSubmission(id, "id = ? AND update_password = ?", id, password)
}

func (t *tx) FindSubmissionByIDAndUpdatePasswordAndStatusIn(id int64, password string, statuses []datatypes.Status) (*datatypes.Submission, error) {
	if password == "" {
		return nil, datatypes.NotExist("Submission", id)
	}
	return t.findSubmission(id, "id = ? AND update_password = ? AND status IN ?", id, password, statusStrings(statuses))
}

func (t *tx) FindSubmissionByIDAndToken(id int64, token string) (*datatypes.Submission, error) {
	if token == "" {
		return nil, datatypes.NotExist("Submission", id)
	}
	return t.findSubmission(id, "id = ? AND token = ?", id, token)
}

func (t *tx) FindSubmissionsByIDIn(ids []int64) ([]datatypes.Submission, error) {
	var out []datatypes.Submission
	if len(ids) == 0 {
		return out, nil
	}
	if err := t.submissions().Where("id IN ?", ids).Order("id ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("find submissions: %w", err)
	}
	for i := range out {
		normalizeActors(&out[i])
	}
	return out, nil
}

func (t *tx) FindSubmissionsByGroupID(groupID int64) ([]datatypes.Submission, error) {
	var out []datatypes.Submission
	if err := t.submissions().Where("group_id = ?", groupID).Order("id ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("find submissions of group %d: %w", groupID, err)
	}
	for i := range out {
		normalizeActors(&out[i])
	}
	return out, nil
}

func (t *tx) DeleteSubmission(id int64) error {
	if err := t.db.Where("submission_id = ?", id).Delete(&datatypes.StatusHistoryElement{}).Error; err != nil {
		return fmt.Errorf("delete history of submission %d: %w", id, err)
	}
	if err := t.db.Where("submission_id = ?", id).Delete(&datatypes.ResultFile{}).Error; err != nil {
		return fmt.Errorf("delete result files of submission %d: %w", id, err)
	}
	res := t.db.Delete(&datatypes.Submission{}, id)
	if res.Error != nil {
		return fmt.Errorf("delete submission %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return datatypes.NotExist("Submission", id)
	}
	return nil
}

func (t *tx) ListStatusHistory(submissionID int64) ([]datatypes.StatusHistoryElement, error) {
	var count int64
	if err := t.db.Model(&datatypes.Submission{}).Where("id = ?", submissionID).Count(&count).Error; err != nil {
		return nil, fmt.Errorf("count submission %d: %w", submissionID, err)
	}
	if count == 0 {
		return nil, datatypes.NotExist("Submission", submissionID)
	}
	var history []datatypes.StatusHistoryElement
	err := t.db.Where("submission_id = ?", submissionID).Order("date ASC, id ASC").Find(&history).Error
	if err != nil {
		return nil, fmt.Errorf("list history of submission %d: %w", submissionID, err)
	}
	s := datatypes.Submission{StatusHistory: history}
	normalizeActors(&s)
	return s.StatusHistory, nil
}

func (t *tx) FindResultFileByUUID(uuid string) (*datatypes.ResultFile, error) {
	var rf datatypes.ResultFile
	err := t.db.Where("uuid = ?", uuid).First(&rf).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, datatypes.NotExistf("Result file with uuid='%s' does not exist", uuid)
	}
	if err != nil {
		return nil, fmt.Errorf("find result file %s: %w", uuid, err)
	}
	return &rf, nil
}

func (t *tx) DeleteResultFile(id int64) error {
	res := t.db.Delete(&datatypes.ResultFile{}, id)
	if res.Error != nil {
		return fmt.Errorf("delete result file %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return datatypes.NotExist("ResultFile", id)
	}
	return nil
}

// =============================================================================
// Groups
// =============================================================================

func (t *tx) CreateGroup(g *datatypes.SubmissionGroup) error {
	if err := t.db.Create(g).Error; err != nil {
		return fmt.Errorf("create submission group: %w", err)
	}
	return nil
}

func (t *tx) FindGroup(id int64) (*datatypes.SubmissionGroup, error) {
	var g datatypes.SubmissionGroup
	err := t.db.Preload("Files", func(db *gorm.DB) *gorm.DB {
		return db.Order("id ASC")
	}).First(&g, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, datatypes.NotExist("SubmissionGroup", id)
	}
	if err != nil {
		return nil, fmt.Errorf("find submission group %d: %w", id, err)
	}
	return &g, nil
}

func (t *tx) DeleteGroup(id int64) error {
	if err := t.db.Where("group_id = ?", id).Delete(&datatypes.SubmissionFile{}).Error; err != nil {
		return fmt.Errorf("delete files of group %d: %w", id, err)
	}
	res := t.db.Delete(&datatypes.SubmissionGroup{}, id)
	if res.Error != nil {
		return fmt.Errorf("delete submission group %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return datatypes.NotExist("SubmissionGroup", id)
	}
	return nil
}

// =============================================================================
// Catalog
// =============================================================================

func (t *tx) SaveDataSource(ds *datatypes.DataSource) error {
	if err := t.db.Save(ds).Error; err != nil {
		return fmt.Errorf("save data source %d: %w", ds.ID, err)
	}
	return nil
}

func (t *tx) FindDataSource(id int64) (*datatypes.DataSource, error) {
	var ds datatypes.DataSource
	err := t.db.First(&ds, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, datatypes.NotExist("DataSource", id)
	}
	if err != nil {
		return nil, fmt.Errorf("find data source %d: %w", id, err)
	}
	return &ds, nil
}

func (t *tx) SaveAnalysis(a *datatypes.Analysis) error {
	if err := t.db.Save(a).Error; err != nil {
		return fmt.Errorf("save analysis %d: %w", a.ID, err)
	}
	return nil
}

func (t *tx) FindAnalysis(id int64) (*datatypes.Analysis, error) {
	var a datatypes.Analysis
	err := t.db.First(&a, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, datatypes.NotExist("Analysis", id)
	}
	if err != nil {
		return nil, fmt.Errorf("find analysis %d: %w", id, err)
	}
	return &a, nil
}

func statusStrings(statuses []datatypes.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
