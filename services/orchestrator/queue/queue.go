// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package queue implements the bounded FIFO of admitted requests and
// the worker loop that drains it.
//
// Many connection handlers enqueue concurrently; a single worker
// dequeues. Enqueue fails fast at capacity. Retries re-enter at the
// tail with an incremented attempt count.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lumenforge/modelhost/pkg/logging"
	"github.com/lumenforge/modelhost/services/orchestrator/datatypes"
)

// State is a request's lifecycle position.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// Queue is the bounded FIFO. It owns every admitted request until
// MarkComplete or MarkFailed hands the outcome to the worker.
type Queue struct {
	mu         sync.Mutex
	pending    []*datatypes.Request
	states     map[string]State
	results    map[string]*datatypes.GenerationResult
	failures   map[string]error
	maxSize    int
	maxRetries int

	// wake nudges a blocked Dequeue after an enqueue; capacity one, a
	// missed send just means the dequeuer is already awake.
	wake chan struct{}

	logger *slog.Logger
}

// New builds a queue with the given capacity and retry cap.
func New(maxSize, maxRetries int) *Queue {
	return &Queue{
		pending:    make([]*datatypes.Request, 0, maxSize),
		states:     make(map[string]State),
		results:    make(map[string]*datatypes.GenerationResult),
		failures:   make(map[string]error),
		maxSize:    maxSize,
		maxRetries: maxRetries,
		wake:       make(chan struct{}, 1),
		logger:     logging.For("request_queue"),
	}
}

// MaxRetries exposes the retry cap for the worker's failure frames.
func (q *Queue) MaxRetries() int { return q.maxRetries }

// Enqueue admits a request, assigning its server-side id and timestamp.
// Fails with *datatypes.QueueFullError at capacity.
func (q *Queue) Enqueue(req *datatypes.Request) (string, error) {
	q.mu.Lock()
	if len(q.pending) >= q.maxSize {
		q.mu.Unlock()
		return "", &datatypes.QueueFullError{Capacity: q.maxSize}
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	req.EnqueuedAt = time.Now()
	q.pending = append(q.pending, req)
	q.states[req.RequestID] = StatePending
	depth := len(q.pending)
	q.mu.Unlock()

	q.logger.Info("request enqueued",
		"request_id", req.RequestID,
		"user", req.UserID,
		"depth", depth,
	)
	q.nudge()
	return req.RequestID, nil
}

// Dequeue blocks until a request is available or ctx is cancelled,
// returning nil on cancellation. The returned request is in
// StateProcessing and can no longer be cancelled.
func (q *Queue) Dequeue(ctx context.Context) *datatypes.Request {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			req := q.pending[0]
			q.pending = q.pending[1:]
			q.states[req.RequestID] = StateProcessing
			q.mu.Unlock()
			return req
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil
		case <-q.wake:
		}
	}
}

// MarkComplete records a terminal success.
func (q *Queue) MarkComplete(requestID string, result *datatypes.GenerationResult) {
	q.mu.Lock()
	q.states[requestID] = StateCompleted
	q.results[requestID] = result
	q.mu.Unlock()
}

// MarkFailed records a failure. Requests under the retry cap re-enter
// at the tail with attempt_count incremented; the return value reports
// whether that happened. At the cap the state is terminal.
func (q *Queue) MarkFailed(req *datatypes.Request, cause error) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if req.AttemptCount < q.maxRetries {
		req.AttemptCount++
		q.pending = append(q.pending, req)
		q.states[req.RequestID] = StatePending
		q.logger.Warn("request requeued",
			"request_id", req.RequestID,
			"attempt", req.AttemptCount,
			"error", cause,
		)
		q.nudge()
		return true
	}

	q.states[req.RequestID] = StateFailed
	q.failures[req.RequestID] = cause
	q.logger.Error("request failed terminally",
		"request_id", req.RequestID,
		"attempts", req.AttemptCount+1,
		"error", cause,
	)
	return false
}

// Cancel removes a still-pending request. Returns false when the
// request is already processing or unknown — in-flight cancellation is
// not supported at this layer.
func (q *Queue) Cancel(requestID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.states[requestID] != StatePending {
		return false
	}
	for i, req := range q.pending {
		if req.RequestID == requestID {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			q.states[requestID] = StateCancelled
			q.failures[requestID] = datatypes.ErrCancelled
			q.logger.Info("request cancelled", "request_id", requestID)
			return true
		}
	}
	return false
}

// Size reports the pending depth.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// IsFull reports whether the next enqueue would be rejected.
func (q *Queue) IsFull() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) >= q.maxSize
}

// Position reports the 1-based queue position of a pending request,
// 0 when it is not pending.
func (q *Queue) Position(requestID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, req := range q.pending {
		if req.RequestID == requestID {
			return i + 1
		}
	}
	return 0
}

// FailureOf reports the terminal cause for a failed or cancelled
// request; nil while non-terminal or completed.
func (q *Queue) FailureOf(requestID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.failures[requestID]
}

// StateOf reports a request's lifecycle state.
func (q *Queue) StateOf(requestID string) (State, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	s, ok := q.states[requestID]
	return s, ok
}

func (q *Queue) nudge() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
