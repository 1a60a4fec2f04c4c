// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package wsfanout

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/lumenforge/modelhost/pkg/logging"
	"github.com/lumenforge/modelhost/services/orchestrator/datatypes"
)

// Dispatcher is the worker's event sink: it accumulates per-request
// content, throttles chunk emission per the configured interval, and
// hands envelopes to the right formatter.
//
// No chunk content is ever lost to the throttle — skipped sends are
// folded into the next frame, since the chat surface resends full
// accumulated content and the web surface's delta covers everything
// since the last frame that went out.
type Dispatcher struct {
	fanout *Fanout

	chatInterval time.Duration
	webInterval  time.Duration

	mu      sync.Mutex
	streams map[string]*streamState

	logger *slog.Logger
}

// streamState is per-request emission bookkeeping.
type streamState struct {
	formatter   MessageFormatter
	limiter     *rate.Limiter
	accumulated string
	sentLen     int
}

// NewDispatcher wires a dispatcher over the client registry.
func NewDispatcher(fanout *Fanout, chatInterval, webInterval time.Duration) *Dispatcher {
	return &Dispatcher{
		fanout:       fanout,
		chatInterval: chatInterval,
		webInterval:  webInterval,
		streams:      make(map[string]*streamState),
		logger:       logging.For("ws_dispatcher"),
	}
}

func (d *Dispatcher) stateFor(req *datatypes.Request) *streamState {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.streams[req.RequestID]
	if !ok {
		interval := d.chatInterval
		if req.ClientKind == datatypes.ClientWeb {
			interval = d.webInterval
		}
		if interval <= 0 {
			interval = 50 * time.Millisecond
		}
		st = &streamState{
			formatter: FormatterFor(req.ClientKind),
			limiter:   rate.NewLimiter(rate.Every(interval), 1),
		}
		d.streams[req.RequestID] = st
	}
	return st
}

func (d *Dispatcher) drop(requestID string) {
	d.mu.Lock()
	delete(d.streams, requestID)
	d.mu.Unlock()
}

// =============================================================================
// EventSink
// =============================================================================

// Processing sends the pre-orchestrator notice; chat clients also get
// an early status indicator for their typing animation.
func (d *Dispatcher) Processing(req *datatypes.Request) {
	st := d.stateFor(req)
	d.send(req, st.formatter.Processing(req))
	if req.ClientKind == datatypes.ClientChat {
		d.fanout.SendStatus(req.ClientID, req.ChannelID, req.MessageID, "processing", req.RequestID)
	}
}

// StreamChunk folds new content into the request's stream and emits a
// frame when the throttle allows. The terminal chunk always goes out
// and releases the per-request state.
func (d *Dispatcher) StreamChunk(req *datatypes.Request, content string, isComplete bool, result *datatypes.GenerationResult) {
	st := d.stateFor(req)

	if isComplete {
		// The terminal frame carries the injected, post-processed
		// content, which supersedes whatever was accumulated.
		if content != "" {
			st.accumulated = content
		}
		delta := tailFrom(st.accumulated, st.sentLen)
		d.send(req, st.formatter.Chunk(req, st.accumulated, delta, true, result))
		d.drop(req.RequestID)
		return
	}

	st.accumulated += content
	if !st.limiter.Allow() {
		return
	}
	delta := tailFrom(st.accumulated, st.sentLen)
	if delta == "" {
		return
	}
	if d.send(req, st.formatter.Chunk(req, st.accumulated, delta, false, nil)) {
		st.sentLen = len(st.accumulated)
	}
}

// RetryStatus emits a transient status frame, bypassing the throttle —
// these are rare and the user is waiting.
func (d *Dispatcher) RetryStatus(req *datatypes.Request, message string) {
	st := d.stateFor(req)
	d.send(req, st.formatter.Status(req, message))
}

// Completed emits the surface's completion frame, when it has one.
func (d *Dispatcher) Completed(req *datatypes.Request, result *datatypes.GenerationResult) {
	frame := FormatterFor(req.ClientKind).Completed(req, result)
	if frame != nil {
		d.send(req, frame)
	}
	d.drop(req.RequestID)
}

// Failed emits the terminal failure frame.
func (d *Dispatcher) Failed(req *datatypes.Request, failure error, attempts int) {
	d.send(req, FormatterFor(req.ClientKind).Failed(req, failure, attempts))
	d.drop(req.RequestID)
}

// send writes one frame with exponential backoff on transport rate
// limiting. A dead connection is logged and the frame dropped; the
// worker sees the dead client on its next send.
func (d *Dispatcher) send(req *datatypes.Request, payload interface{}) bool {
	backoff := 500 * time.Millisecond
	for attempt := 0; attempt < 4; attempt++ {
		if d.fanout.SendToClient(req.ClientID, payload) {
			return true
		}
		// Registry miss means the client disconnected; no point
		// retrying.
		if _, connected := d.fanout.KindOf(req.ClientID); !connected {
			d.logger.Warn("client gone, dropping frame",
				"client_id", req.ClientID, "request_id", req.RequestID)
			return false
		}
		time.Sleep(backoff)
		backoff *= 2
	}
	return false
}

func tailFrom(s string, from int) string {
	if from >= len(s) {
		return ""
	}
	return s[from:]
}
