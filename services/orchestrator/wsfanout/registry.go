// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package wsfanout multiplexes generic stream events out to connected
// WebSocket clients, translating them into the envelope each client
// kind expects.
package wsfanout

import (
	"log/slog"
	"sync"

	"github.com/lumenforge/modelhost/pkg/logging"
	"github.com/lumenforge/modelhost/services/orchestrator/datatypes"
)

// Conn is the write side of a client connection. *websocket.Conn
// satisfies it; tests use a recorder. Writes on one Conn must be
// serialized by the caller — the registry does that with a per-client
// mutex.
type Conn interface {
	WriteJSON(v interface{}) error
}

// client is one registered connection.
type client struct {
	id   string
	kind datatypes.ClientKind
	conn Conn

	// writeMu serializes frames; gorilla connections do not tolerate
	// concurrent writers.
	writeMu sync.Mutex
}

// Fanout is the keyed client registry.
type Fanout struct {
	mu      sync.RWMutex
	clients map[string]*client
	logger  *slog.Logger
}

// New builds an empty registry.
func New() *Fanout {
	return &Fanout{
		clients: make(map[string]*client),
		logger:  logging.For("ws_fanout"),
	}
}

// Register adds a connection under its routing key, replacing any
// previous connection with the same id (a reconnect).
func (f *Fanout) Register(clientID string, kind datatypes.ClientKind, conn Conn) {
	f.mu.Lock()
	f.clients[clientID] = &client{id: clientID, kind: kind, conn: conn}
	count := len(f.clients)
	f.mu.Unlock()
	f.logger.Info("client registered", "client_id", clientID, "kind", string(kind), "total", count)
}

// Unregister removes a connection. Safe to call for unknown ids.
func (f *Fanout) Unregister(clientID string) {
	f.mu.Lock()
	delete(f.clients, clientID)
	count := len(f.clients)
	f.mu.Unlock()
	f.logger.Info("client unregistered", "client_id", clientID, "total", count)
}

// SendToClient writes one payload to a client. Returns false when the
// client is unknown or the write fails — a failed write is how the
// worker discovers a dead connection.
func (f *Fanout) SendToClient(clientID string, payload interface{}) bool {
	f.mu.RLock()
	c, ok := f.clients[clientID]
	f.mu.RUnlock()
	if !ok {
		return false
	}

	c.writeMu.Lock()
	err := c.conn.WriteJSON(payload)
	c.writeMu.Unlock()

	if err != nil {
		f.logger.Warn("client write failed, dropping connection",
			"client_id", clientID, "error", err)
		f.Unregister(clientID)
		return false
	}
	return true
}

// SendStatus emits an early_status frame to a chat client.
func (f *Fanout) SendStatus(clientID, channelID, messageID, statusType, requestID string) bool {
	return f.SendToClient(clientID, map[string]interface{}{
		"type":        "early_status",
		"channel_id":  channelID,
		"message_id":  messageID,
		"status_type": statusType,
		"request_id":  requestID,
		"content":     randomStatusMessage(),
	})
}

// BroadcastMaintenance sends a maintenance_warning frame to every
// connected client, e.g. when the serving stack drops into its
// conservative fallback profile.
func (f *Fanout) BroadcastMaintenance(message string) {
	f.mu.RLock()
	ids := make([]string, 0, len(f.clients))
	for id := range f.clients {
		ids = append(ids, id)
	}
	f.mu.RUnlock()

	payload := map[string]interface{}{
		"type":    "maintenance_warning",
		"message": message,
	}
	for _, id := range ids {
		f.SendToClient(id, payload)
	}
}

// KindOf reports a registered client's kind.
func (f *Fanout) KindOf(clientID string) (datatypes.ClientKind, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	c, ok := f.clients[clientID]
	if !ok {
		return "", false
	}
	return c.kind, true
}
