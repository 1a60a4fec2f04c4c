// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lumenforge/modelhost/pkg/logging"
	"github.com/lumenforge/modelhost/services/orchestrator/datatypes"
)

// emptyStreamRetries is how many non-streaming attempts follow an empty
// stream. A count cap, not wall-clock: each attempt is already bounded
// by the backend timeout.
const emptyStreamRetries = 3

// Outcome is one processing attempt's product: the result plus the
// route it was derived with, kept so retries can skip re-classification.
type Outcome struct {
	Result *datatypes.GenerationResult
	Route  *datatypes.RouteConfig
}

// Processor is the per-request conductor the worker drives. Implemented
// by the orchestrator service root.
type Processor interface {
	// ProcessStream classifies, generates, and emits chunks. The
	// returned Outcome carries the derived route even on error, when
	// classification got that far.
	ProcessStream(ctx context.Context, req *datatypes.Request, emit func(chunk string) error) (*Outcome, error)

	// Process is the blocking path. A non-nil route is reused verbatim,
	// skipping classification.
	Process(ctx context.Context, req *datatypes.Request, route *datatypes.RouteConfig) (*Outcome, error)
}

// EventSink receives lifecycle events for fan-out to the client. The
// WebSocket dispatcher implements it; tests use a recorder.
type EventSink interface {
	Processing(req *datatypes.Request)
	StreamChunk(req *datatypes.Request, content string, isComplete bool, result *datatypes.GenerationResult)
	RetryStatus(req *datatypes.Request, message string)
	Completed(req *datatypes.Request, result *datatypes.GenerationResult)
	Failed(req *datatypes.Request, failure error, attempts int)
}

// FallbackChecker is the slice of the profile manager the worker needs.
type FallbackChecker interface {
	IsInFallback() bool
	CheckAndRecover()
}

// =============================================================================
// Worker
// =============================================================================

// Worker is the scheduler loop: single logical consumer, sequential per
// request, which is what preserves the orchestrator's LRU invariants.
type Worker struct {
	queue     *Queue
	processor Processor
	sink      EventSink
	profiles  FallbackChecker

	// streaming gates the ENABLE_STREAMING feature flag.
	streaming bool

	logger *slog.Logger
}

// NewWorker wires a worker.
func NewWorker(q *Queue, p Processor, sink EventSink, profiles FallbackChecker, streaming bool) *Worker {
	return &Worker{
		queue:     q,
		processor: p,
		sink:      sink,
		profiles:  profiles,
		streaming: streaming,
		logger:    logging.For("queue_worker"),
	}
}

// Run drains the queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("worker started", "streaming", w.streaming)
	for {
		req := w.queue.Dequeue(ctx)
		if req == nil {
			w.logger.Info("worker stopping")
			return
		}
		w.handle(ctx, req)
	}
}

// handle runs one attempt of one request through the processor and
// applies the retry policy.
func (w *Worker) handle(ctx context.Context, req *datatypes.Request) {
	if w.profiles != nil {
		w.profiles.CheckAndRecover()
	}

	// The processing notice goes out before the orchestrator is
	// touched; the chat surface uses it to start its typing indicator.
	w.sink.Processing(req)

	outcome, err := w.processOnce(ctx, req)

	if err != nil {
		var empty *datatypes.EmptyStreamError
		if errors.As(err, &empty) {
			outcome, err = w.retryEmptyStream(ctx, req, outcome)
		}
	}

	if err != nil && datatypes.IsConnectionLike(err) && w.profiles != nil && w.profiles.IsInFallback() {
		// The failure coincided with a fallback switch: one retry with
		// freshly resolved routing against the conservative role map.
		w.logger.Warn("connection failure during fallback switch, retrying with fresh routing",
			"request_id", req.RequestID)
		w.sink.RetryStatus(req, "Switching to fallback models, retrying...")
		outcome, err = w.processor.Process(ctx, req, nil)
	}

	if err == nil && outcome != nil && outcome.Result != nil {
		w.queue.MarkComplete(req.RequestID, outcome.Result)
		w.sink.StreamChunk(req, outcome.Result.Content, true, outcome.Result)
		w.sink.Completed(req, outcome.Result)
		return
	}
	if err == nil {
		err = fmt.Errorf("processor returned no result")
	}

	requeued := w.queue.MarkFailed(req, err)
	if !requeued {
		w.sink.Failed(req, err, req.AttemptCount+1)
	}
}

// processOnce runs the streaming path when enabled, the blocking path
// otherwise.
func (w *Worker) processOnce(ctx context.Context, req *datatypes.Request) (*Outcome, error) {
	if !w.streaming {
		return w.processor.Process(ctx, req, nil)
	}
	return w.processor.ProcessStream(ctx, req, func(chunk string) error {
		w.sink.StreamChunk(req, chunk, false, nil)
		return nil
	})
}

// retryEmptyStream runs up to emptyStreamRetries blocking attempts,
// reusing the already-derived route to skip re-classification. Status
// chunks keep the client informed between attempts.
func (w *Worker) retryEmptyStream(ctx context.Context, req *datatypes.Request, prior *Outcome) (*Outcome, error) {
	var route *datatypes.RouteConfig
	if prior != nil {
		route = prior.Route
	}

	var lastErr error = &datatypes.EmptyStreamError{ModelID: routeModel(route)}
	for attempt := 1; attempt <= emptyStreamRetries; attempt++ {
		w.sink.RetryStatus(req,
			fmt.Sprintf("Empty response, retrying in non-streaming mode (%d/%d)...", attempt, emptyStreamRetries))

		outcome, err := w.processor.Process(ctx, req, route)
		if err == nil {
			return outcome, nil
		}
		lastErr = err

		var empty *datatypes.EmptyStreamError
		if !errors.As(err, &empty) {
			// A different failure class; hand it to the normal policy.
			return outcome, err
		}
	}
	return nil, lastErr
}

func routeModel(route *datatypes.RouteConfig) string {
	if route == nil {
		return ""
	}
	return route.ModelID
}
