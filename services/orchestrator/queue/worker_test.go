// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenforge/modelhost/services/orchestrator/datatypes"
)

// ============================================================================
// Test Doubles
// ============================================================================

// scriptedProcessor replays configured outcomes per attempt.
type scriptedProcessor struct {
	mu            sync.Mutex
	streamErrs    []error
	streamChunks  []string
	processErrs   []error
	streamCalls   int
	processCalls  int
	gotRoutes     []*datatypes.RouteConfig
	resultContent string
}

func (p *scriptedProcessor) ProcessStream(ctx context.Context, req *datatypes.Request,
	emit func(chunk string) error) (*Outcome, error) {

	p.mu.Lock()
	call := p.streamCalls
	p.streamCalls++
	p.mu.Unlock()

	for _, c := range p.streamChunks {
		_ = emit(c)
	}
	route := &datatypes.RouteConfig{Route: datatypes.RouteReasoning, ModelID: "m1"}
	if call < len(p.streamErrs) && p.streamErrs[call] != nil {
		return &Outcome{Route: route}, p.streamErrs[call]
	}
	return &Outcome{
		Route:  route,
		Result: &datatypes.GenerationResult{Content: p.resultContent, ModelID: "m1"},
	}, nil
}

func (p *scriptedProcessor) Process(ctx context.Context, req *datatypes.Request,
	route *datatypes.RouteConfig) (*Outcome, error) {

	p.mu.Lock()
	call := p.processCalls
	p.processCalls++
	p.gotRoutes = append(p.gotRoutes, route)
	p.mu.Unlock()

	if call < len(p.processErrs) && p.processErrs[call] != nil {
		return nil, p.processErrs[call]
	}
	if route == nil {
		route = &datatypes.RouteConfig{Route: datatypes.RouteReasoning, ModelID: "m1"}
	}
	return &Outcome{
		Route:  route,
		Result: &datatypes.GenerationResult{Content: p.resultContent, ModelID: "m1"},
	}, nil
}

// recordingSink captures every event for assertions.
type recordingSink struct {
	mu         sync.Mutex
	processing int
	chunks     []string
	completes  []string
	statuses   []string
	failures   []error
	terminal   int
}

func (s *recordingSink) Processing(req *datatypes.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processing++
}

func (s *recordingSink) StreamChunk(req *datatypes.Request, content string, isComplete bool, result *datatypes.GenerationResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, content)
	if isComplete {
		s.terminal++
	}
}

func (s *recordingSink) RetryStatus(req *datatypes.Request, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, message)
}

func (s *recordingSink) Completed(req *datatypes.Request, result *datatypes.GenerationResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completes = append(s.completes, result.Content)
}

func (s *recordingSink) Failed(req *datatypes.Request, failure error, attempts int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, failure)
}

// stubFallback reports a scripted fallback state.
type stubFallback struct{ inFallback bool }

func (f *stubFallback) IsInFallback() bool { return f.inFallback }
func (f *stubFallback) CheckAndRecover()   {}

// ============================================================================
// Tests
// ============================================================================

func TestWorker_HappyPathStreaming(t *testing.T) {
	q := New(10, 2)
	proc := &scriptedProcessor{resultContent: "answer", streamChunks: []string{"an", "swer"}}
	sink := &recordingSink{}
	w := NewWorker(q, proc, sink, &stubFallback{}, true)

	req := newRequest("u1")
	id, err := q.Enqueue(req)
	require.NoError(t, err)

	w.handle(context.Background(), q.Dequeue(context.Background()))

	assert.Equal(t, 1, sink.processing, "processing event precedes the orchestrator call")
	assert.Equal(t, 1, sink.terminal, "exactly one terminal chunk")
	assert.Equal(t, []string{"answer"}, sink.completes)

	state, _ := q.StateOf(id)
	assert.Equal(t, StateCompleted, state)
}

func TestWorker_EmptyStreamRetriesNonStreaming(t *testing.T) {
	q := New(10, 2)
	empty := &datatypes.EmptyStreamError{ModelID: "m1"}
	proc := &scriptedProcessor{
		resultContent: "recovered",
		streamErrs:    []error{empty},
		processErrs:   []error{empty, empty},
	}
	sink := &recordingSink{}
	w := NewWorker(q, proc, sink, &stubFallback{}, true)

	req := newRequest("u1")
	_, err := q.Enqueue(req)
	require.NoError(t, err)
	w.handle(context.Background(), q.Dequeue(context.Background()))

	// Three retry status chunks, third attempt succeeds.
	require.Len(t, sink.statuses, 3)
	for i, msg := range sink.statuses {
		assert.Contains(t, msg, "non-streaming mode")
		assert.Contains(t, msg, fmt.Sprintf("(%d/3)", i+1))
	}
	assert.Equal(t, 3, proc.processCalls)

	// Retries reuse the derived route, skipping re-classification.
	for _, route := range proc.gotRoutes {
		require.NotNil(t, route)
		assert.Equal(t, "m1", route.ModelID)
	}

	assert.Equal(t, 1, sink.terminal, "client observes exactly one terminal chunk")
	assert.Equal(t, []string{"recovered"}, sink.completes)
}

func TestWorker_EmptyStreamExhaustsRetries(t *testing.T) {
	q := New(10, 0) // no queue-level retries, isolate the empty-stream loop
	empty := &datatypes.EmptyStreamError{ModelID: "m1"}
	proc := &scriptedProcessor{
		streamErrs:  []error{empty},
		processErrs: []error{empty, empty, empty},
	}
	sink := &recordingSink{}
	w := NewWorker(q, proc, sink, &stubFallback{}, true)

	req := newRequest("u1")
	_, err := q.Enqueue(req)
	require.NoError(t, err)
	w.handle(context.Background(), q.Dequeue(context.Background()))

	assert.Len(t, sink.statuses, 3)
	require.Len(t, sink.failures, 1)
	var emptyErr *datatypes.EmptyStreamError
	assert.ErrorAs(t, sink.failures[0], &emptyErr)
}

func TestWorker_ConnectionErrorDuringFallbackRetriesFresh(t *testing.T) {
	q := New(10, 2)
	connErr := &datatypes.ConnectionError{Endpoint: "ollama", Err: errors.New("connection refused")}
	proc := &scriptedProcessor{
		resultContent: "fallback answer",
		streamErrs:    []error{connErr},
	}
	sink := &recordingSink{}
	w := NewWorker(q, proc, sink, &stubFallback{inFallback: true}, true)

	req := newRequest("u1")
	_, err := q.Enqueue(req)
	require.NoError(t, err)
	w.handle(context.Background(), q.Dequeue(context.Background()))

	// One blocking retry with nil route: freshly resolved routing.
	require.Equal(t, 1, proc.processCalls)
	require.Len(t, proc.gotRoutes, 1)
	assert.Nil(t, proc.gotRoutes[0], "fallback retry must re-resolve routing")
	assert.Equal(t, []string{"fallback answer"}, sink.completes)
}

func TestWorker_FailureRequeuesThenFails(t *testing.T) {
	q := New(10, 1)
	boom := errors.New("backend exploded")
	proc := &scriptedProcessor{streamErrs: []error{boom, boom}}
	sink := &recordingSink{}
	w := NewWorker(q, proc, sink, &stubFallback{}, true)

	req := newRequest("u1")
	id, err := q.Enqueue(req)
	require.NoError(t, err)

	// Attempt 1: fails, requeued, no failure frame yet.
	w.handle(context.Background(), q.Dequeue(context.Background()))
	assert.Empty(t, sink.failures)
	state, _ := q.StateOf(id)
	assert.Equal(t, StatePending, state)

	// Attempt 2: fails terminally.
	w.handle(context.Background(), q.Dequeue(context.Background()))
	require.Len(t, sink.failures, 1)
	state, _ = q.StateOf(id)
	assert.Equal(t, StateFailed, state)
}

func TestWorker_NonStreamingMode(t *testing.T) {
	q := New(10, 2)
	proc := &scriptedProcessor{resultContent: "blocking answer"}
	sink := &recordingSink{}
	w := NewWorker(q, proc, sink, &stubFallback{}, false)

	req := newRequest("u1")
	_, err := q.Enqueue(req)
	require.NoError(t, err)
	w.handle(context.Background(), q.Dequeue(context.Background()))

	assert.Equal(t, 0, proc.streamCalls)
	assert.Equal(t, 1, proc.processCalls)
	assert.Equal(t, []string{"blocking answer"}, sink.completes)
}
