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
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AleutianAI/SubmissionPortal/pkg/logging"
)

// TopicInvitations carries new and updated submissions to data-node owners.
const TopicInvitations = "/topic/invitations"

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 16
)

// ErrSlowConsumer is returned by Push when a connection's send buffer is full.
var ErrSlowConsumer = errors.New("websocket consumer is not keeping up")

// SocketMessage is the frame written to subscribers.
type SocketMessage struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

type client struct {
	conn *websocket.Conn
	send chan SocketMessage
	done chan struct{}
}

// Hub keeps the open websocket connections of each user.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *logging.Logger

	mu    sync.RWMutex
	conns map[string]map[*client]struct{}
}

// NewHub creates an empty Hub.
func NewHub(logger *logging.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		logger: logging.OrDefault(logger).With("component", "notify.hub"),
		conns:  make(map[string]map[*client]struct{}),
	}
}

// ServeWS upgrades the request and subscribes the connection for username.
// It blocks until the connection closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, username string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	c := &client{conn: conn, send: make(chan SocketMessage, sendBuffer), done: make(chan struct{})}
	h.add(username, c)
	h.logger.Debug("websocket subscriber connected", "username", username)

	go h.writeLoop(c)
	h.readLoop(c)

	h.remove(username, c)
	close(c.done)
	h.logger.Debug("websocket subscriber disconnected", "username", username)
	return nil
}

// readLoop discards client frames and keeps the read deadline fresh.
func (h *Hub) readLoop(c *client) {
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				h.logger.Warn("failed to write websocket message", "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (h *Hub) add(username string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[username]
	if !ok {
		set = make(map[*client]struct{})
		h.conns[username] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) remove(username string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.conns[username]
	delete(set, c)
	if len(set) == 0 {
		delete(h.conns, username)
	}
}

// Subscribers returns the number of open connections for username.
func (h *Hub) Subscribers(username string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[username])
}

// Push queues payload on topic for every connection of username and returns
// how many connections accepted it. A user with no connection is not an
// error.
func (h *Hub) Push(ctx context.Context, username, topic string, payload any) (int, error) {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.conns[username]))
	for c := range h.conns[username] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	msg := SocketMessage{Topic: topic, Payload: payload}
	delivered := 0
	var errs []error
	for _, c := range targets {
		select {
		case c.send <- msg:
			delivered++
		case <-ctx.Done():
			return delivered, ctx.Err()
		default:
			errs = append(errs, ErrSlowConsumer)
		}
	}
	return delivered, errors.Join(errs...)
}
