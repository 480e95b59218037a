// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package notify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/SubmissionPortal/pkg/logging"
	"github.com/AleutianAI/SubmissionPortal/services/submissions/datatypes"
)

type fakeMailer struct {
	mu   sync.Mutex
	sent []Message
	err  error
}

func (m *fakeMailer) SendMail(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

type fakePusher struct {
	mu     sync.Mutex
	pushed map[string][]any
	err    error
}

func (p *fakePusher) Push(_ context.Context, username, topic string, payload any) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return 0, p.err
	}
	if p.pushed == nil {
		p.pushed = make(map[string][]any)
	}
	p.pushed[username+topic] = append(p.pushed[username+topic], payload)
	return 1, nil
}

type countingRecorder struct {
	mu       sync.Mutex
	failures map[string]int
}

func (r *countingRecorder) RecordNotificationFailure(channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures == nil {
		r.failures = make(map[string]int)
	}
	r.failures[channel]++
}

var owners = []datatypes.User{
	{ID: 1, Username: "alice", Email: "alice@example.org"},
	{ID: 2, Username: "bob"},
}

func testSubmission() *datatypes.Submission {
	return &datatypes.Submission{
		ID:             9,
		AnalysisID:     2,
		DataSourceID:   3,
		Status:         datatypes.StatusPending,
		Token:          "token-must-not-leak",
		UpdatePassword: "password-must-not-leak",
	}
}

func TestDispatcher_DeliversToEveryOwner(t *testing.T) {
	mailer := &fakeMailer{}
	pusher := &fakePusher{}
	d := NewDispatcher(pusher, mailer, WithDispatcherLogger(logging.Nop()))

	d.NotifyNewSubmission(context.Background(), owners, testSubmission())
	d.Wait()

	require.Len(t, mailer.sent, 1, "owners without email get no mail")
	assert.Equal(t, "alice@example.org", mailer.sent[0].To)
	assert.Contains(t, mailer.sent[0].Body, "PENDING")

	require.Len(t, pusher.pushed["alice"+TopicInvitations], 1)
	require.Len(t, pusher.pushed["bob"+TopicInvitations], 1)
	inv := pusher.pushed["bob"+TopicInvitations][0].(Invitation)
	assert.Equal(t, int64(9), inv.SubmissionID)
}

func TestDispatcher_FailuresAreCountedNotReturned(t *testing.T) {
	rec := &countingRecorder{}
	d := NewDispatcher(
		&fakePusher{err: errors.New("socket down")},
		&fakeMailer{err: errors.New("smtp down")},
		WithDispatcherLogger(logging.Nop()),
		WithFailureRecorder(rec),
	)

	d.NotifyNewSubmission(context.Background(), owners, testSubmission())
	d.Wait()

	assert.Equal(t, 1, rec.failures[ChannelMail])
	assert.Equal(t, 2, rec.failures[ChannelSocket])
}

func TestDispatcher_StatusUpdatesArePushOnly(t *testing.T) {
	mailer := &fakeMailer{}
	pusher := &fakePusher{}
	d := NewDispatcher(pusher, mailer, WithDispatcherLogger(logging.Nop()))

	d.NotifyOwners(context.Background(), owners, testSubmission())
	d.Wait()

	assert.Empty(t, mailer.sent)
	assert.Len(t, pusher.pushed["alice"+TopicInvitations], 1)
}

func TestDispatcher_SurvivesCancelledCaller(t *testing.T) {
	pusher := &fakePusher{}
	d := NewDispatcher(pusher, nil, WithDispatcherLogger(logging.Nop()))

	ctx, cancel := context.WithCancel(context.Background())
	d.NotifyOwners(ctx, owners[:1], testSubmission())
	cancel()
	d.Wait()

	assert.Len(t, pusher.pushed["alice"+TopicInvitations], 1)
}

func TestDispatcher_NoOwnersIsNoop(t *testing.T) {
	pusher := &fakePusher{}
	d := NewDispatcher(pusher, nil, WithDispatcherLogger(logging.Nop()))
	d.NotifyOwners(context.Background(), nil, testSubmission())
	d.Wait()
	assert.Empty(t, pusher.pushed)
}

func TestLogMailer(t *testing.T) {
	m := NewLogMailer(logging.Nop(), 0, 1)
	require.NoError(t, m.SendMail(context.Background(), Message{To: "a@example.org", Subject: "s"}))
	assert.Error(t, m.SendMail(context.Background(), Message{Subject: "s"}))

	slow := NewLogMailer(logging.Nop(), 0.001, 1)
	require.NoError(t, slow.SendMail(context.Background(), Message{To: "a@example.org"}))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, slow.SendMail(ctx, Message{To: "a@example.org"}), "second mail waits past the deadline")
}

// =============================================================================
// Hub
// =============================================================================

func dialHub(t *testing.T, h *Hub, username string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = h.ServeWS(w, r, username)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.Eventually(t, func() bool { return h.Subscribers(username) == 1 }, time.Second, 5*time.Millisecond)
	return conn
}

func TestHub_PushReachesSubscriber(t *testing.T) {
	h := NewHub(logging.Nop())
	conn := dialHub(t, h, "alice")

	n, err := h.Push(context.Background(), "alice", TopicInvitations, Invitation{SubmissionID: 4, Status: datatypes.StatusInProgress})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg struct {
		Topic   string     `json:"topic"`
		Payload Invitation `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, TopicInvitations, msg.Topic)
	assert.Equal(t, int64(4), msg.Payload.SubmissionID)
	assert.Equal(t, datatypes.StatusInProgress, msg.Payload.Status)
}

func TestHub_PushWithoutSubscriber(t *testing.T) {
	h := NewHub(logging.Nop())
	n, err := h.Push(context.Background(), "nobody", TopicInvitations, "x")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestHub_DisconnectUnsubscribes(t *testing.T) {
	h := NewHub(logging.Nop())
	conn := dialHub(t, h, "bob")
	require.NoError(t, conn.Close())

	assert.Eventually(t, func() bool { return h.Subscribers("bob") == 0 }, 2*time.Second, 5*time.Millisecond)
}
