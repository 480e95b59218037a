// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/SubmissionPortal/services/submissions/datatypes"
	"github.com/AleutianAI/SubmissionPortal/services/submissions/storage"
)

// openTestStore connects to PORTAL_TEST_POSTGRES_DSN or skips.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("PORTAL_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PORTAL_TEST_POSTGRES_DSN not set")
	}
	s, err := Open(DefaultConfig(dsn))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_RequiresDSN(t *testing.T) {
	_, err := Open(Config{})
	require.Error(t, err)
}

func TestStatusStrings(t *testing.T) {
	got := statusStrings([]datatypes.Status{datatypes.StatusExecuted, datatypes.StatusFailed})
	assert.Equal(t, []string{"EXECUTED", "FAILED"}, got)
}

func TestNormalizeActors(t *testing.T) {
	s := &datatypes.Submission{StatusHistory: []datatypes.StatusHistoryElement{
		{Actor: &datatypes.User{}},
		{Actor: &datatypes.User{ID: 3, Username: "owner"}},
		{},
	}}
	normalizeActors(s)

	assert.Nil(t, s.StatusHistory[0].Actor)
	require.NotNil(t, s.StatusHistory[1].Actor)
	assert.Nil(t, s.StatusHistory[2].Actor)
}

func TestStore_SubmissionRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	sub := &datatypes.Submission{
		Author:         datatypes.User{ID: 1, Username: "author"},
		AnalysisID:     1,
		DataSourceID:   1,
		GroupID:        1,
		Token:          "tok-" + now.Format(time.RFC3339Nano),
		UpdatePassword: "pw-" + now.Format(time.RFC3339Nano),
		Created:        now,
	}
	sub.MoveTo(datatypes.StatusPending, nil, "", now)

	err := s.Update(ctx, func(tx storage.Tx) error {
		return tx.CreateSubmission(sub)
	})
	require.NoError(t, err)
	require.NotZero(t, sub.ID)
	t.Cleanup(func() {
		_ = s.Update(ctx, func(tx storage.Tx) error { return tx.DeleteSubmission(sub.ID) })
	})

	owner := &datatypes.User{ID: 2, Username: "owner"}
	err = s.Update(ctx, func(tx storage.Tx) error {
		got, err := tx.FindSubmissionByIDAndStatusIn(sub.ID, []datatypes.Status{datatypes.StatusPending})
		if err != nil {
			return err
		}
		got.MoveTo(datatypes.StatusInProgress, owner, "ok", now.Add(time.Second))
		return tx.SaveSubmission(got)
	})
	require.NoError(t, err)

	err = s.View(ctx, func(tx storage.Tx) error {
		got, err := tx.FindSubmissionByIDAndUpdatePassword(sub.ID, sub.UpdatePassword)
		require.NoError(t, err)
		assert.Equal(t, datatypes.StatusInProgress, got.Status)
		require.Len(t, got.StatusHistory, 2)
		assert.Nil(t, got.StatusHistory[0].Actor)
		require.NotNil(t, got.StatusHistory[1].Actor)
		assert.Equal(t, int64(2), got.StatusHistory[1].Actor.ID)

		_, err = tx.FindSubmissionByIDAndUpdatePassword(sub.ID, "wrong")
		assert.ErrorIs(t, err, datatypes.ErrNotExist)
		return nil
	})
	require.NoError(t, err)
}
