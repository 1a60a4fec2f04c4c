// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// ============================================================================
// Test Helper: Create isolated metrics for testing
// ============================================================================

// newTestMetrics creates a StreamingMetrics instance with a custom registry.
// This avoids conflicts with the global Prometheus registry and allows
// parallel testing.
func newTestMetrics(t *testing.T) *StreamingMetrics {
	t.Helper()

	reg := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: streamingSubsystem,
			Name:      "requests_total",
			Help:      "Total number of streaming requests by endpoint and status",
		},
		[]string{"endpoint", "status"},
	)

	tokensTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: streamingSubsystem,
			Name:      "tokens_total",
			Help:      "Total tokens processed by direction and model",
		},
		[]string{"direction", "model"},
	)

	timeToFirstTokenSeconds := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: streamingSubsystem,
			Name:      "time_to_first_token_seconds",
			Help:      "Time from request to first token in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		},
		[]string{"endpoint"},
	)

	streamDurationSeconds := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: streamingSubsystem,
			Name:      "stream_duration_seconds",
			Help:      "Total stream duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
		},
		[]string{"endpoint", "status"},
	)

	activeStreams := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: streamingSubsystem,
			Name:      "active_streams",
			Help:      "Number of currently active streaming connections",
		},
		[]string{"endpoint"},
	)

	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: streamingSubsystem,
			Name:      "errors_total",
			Help:      "Total streaming errors by type and endpoint",
		},
		[]string{"endpoint", "error_code"},
	)

	keepAlivesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: streamingSubsystem,
			Name:      "keepalives_total",
			Help:      "Total keepalive pings sent",
		},
		[]string{"endpoint"},
	)

	clientDisconnectsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: streamingSubsystem,
			Name:      "client_disconnects_total",
			Help:      "Total client disconnections during streaming",
		},
		[]string{"endpoint"},
	)

	// Register all metrics with the test registry
	reg.MustRegister(
		requestsTotal,
		tokensTotal,
		timeToFirstTokenSeconds,
		streamDurationSeconds,
		activeStreams,
		errorsTotal,
		keepAlivesTotal,
		clientDisconnectsTotal,
	)

	return &StreamingMetrics{
		RequestsTotal:           requestsTotal,
		TokensTotal:             tokensTotal,
		TimeToFirstTokenSeconds: timeToFirstTokenSeconds,
		StreamDurationSeconds:   streamDurationSeconds,
		ActiveStreams:           activeStreams,
		ErrorsTotal:             errorsTotal,
		KeepAlivesTotal:         keepAlivesTotal,
		ClientDisconnectsTotal:  clientDisconnectsTotal,
	}
}

// ============================================================================
// InitMetrics Tests
// ============================================================================

// Note: InitMetrics uses promauto which registers with the default Prometheus
// registry. This test must only run once per test binary execution since
// duplicate registration will panic. A package-level flag guards this.
var initMetricsTestOnce bool

func TestInitMetrics(t *testing.T) {
	if initMetricsTestOnce {
		t.Skip("InitMetrics can only be called once per test run (promauto restriction)")
	}
	initMetricsTestOnce = true

	// Call InitMetrics
	result := InitMetrics()

	// Verify it returns a valid StreamingMetrics
	if result == nil {
		t.Fatal("InitMetrics() returned nil")
	}

	// Verify DefaultMetrics is set
	if DefaultMetrics == nil {
		t.Fatal("DefaultMetrics should be set after InitMetrics()")
	}

	// Verify DefaultMetrics is the same as the returned value
	if DefaultMetrics != result {
		t.Error("DefaultMetrics should equal the returned value")
	}

	// Verify all fields are set
	if result.RequestsTotal == nil {
		t.Error("RequestsTotal should not be nil")
	}
	if result.TokensTotal == nil {
		t.Error("TokensTotal should not be nil")
	}
	if result.TimeToFirstTokenSeconds == nil {
		t.Error("TimeToFirstTokenSeconds should not be nil")
	}
	if result.StreamDurationSeconds == nil {
		t.Error("StreamDurationSeconds should not be nil")
	}
	if result.ActiveStreams == nil {
		t.Error("ActiveStreams should not be nil")
	}
	if result.ErrorsTotal == nil {
		t.Error("ErrorsTotal should not be nil")
	}
	if result.KeepAlivesTotal == nil {
		t.Error("KeepAlivesTotal should not be nil")
	}
	if result.ClientDisconnectsTotal == nil {
		t.Error("ClientDisconnectsTotal should not be nil")
	}

	// Verify metrics can be used
	result.RecordRequest(EndpointChatWS, true)
	result.RecordError(EndpointWebWS, ErrorCodeTimeout)
	result.RecordTokens(100, 50, "qwen3:32b")
	result.StreamStarted(EndpointChatWS)
	result.StreamEnded(EndpointChatWS)
}

// ============================================================================
// Constants Tests
// ============================================================================

func TestConstants(t *testing.T) {
	if metricsNamespace != "modelhost" {
		t.Errorf("metricsNamespace = %q, want %q", metricsNamespace, "modelhost")
	}
	if streamingSubsystem != "streaming" {
		t.Errorf("streamingSubsystem = %q, want %q", streamingSubsystem, "streaming")
	}
}

func TestEndpointConstants(t *testing.T) {
	if EndpointChatWS != "chat_ws" {
		t.Errorf("EndpointChatWS = %q, want %q", EndpointChatWS, "chat_ws")
	}
	if EndpointWebWS != "web_ws" {
		t.Errorf("EndpointWebWS = %q, want %q", EndpointWebWS, "web_ws")
	}
}

func TestErrorCodeConstants(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want string
	}{
		{ErrorCodeValidation, "validation"},
		{ErrorCodeQueueFull, "queue_full"},
		{ErrorCodeMemory, "memory"},
		{ErrorCodeCircuitBreaker, "circuit_breaker"},
		{ErrorCodeConnection, "connection"},
		{ErrorCodeEmptyStream, "empty_stream"},
		{ErrorCodeGeneration, "generation"},
		{ErrorCodeTimeout, "timeout"},
		{ErrorCodeInternal, "internal"},
		{ErrorCodeClientDisconnect, "client_disconnect"},
	}

	for _, tt := range tests {
		if string(tt.code) != tt.want {
			t.Errorf("ErrorCode = %q, want %q", tt.code, tt.want)
		}
	}
}

// ============================================================================
// StreamingMetrics Struct Tests
// ============================================================================

func TestStreamingMetrics_Fields(t *testing.T) {
	m := newTestMetrics(t)

	if m.RequestsTotal == nil {
		t.Error("RequestsTotal should not be nil")
	}
	if m.TokensTotal == nil {
		t.Error("TokensTotal should not be nil")
	}
	if m.TimeToFirstTokenSeconds == nil {
		t.Error("TimeToFirstTokenSeconds should not be nil")
	}
	if m.StreamDurationSeconds == nil {
		t.Error("StreamDurationSeconds should not be nil")
	}
	if m.ActiveStreams == nil {
		t.Error("ActiveStreams should not be nil")
	}
	if m.ErrorsTotal == nil {
		t.Error("ErrorsTotal should not be nil")
	}
	if m.KeepAlivesTotal == nil {
		t.Error("KeepAlivesTotal should not be nil")
	}
	if m.ClientDisconnectsTotal == nil {
		t.Error("ClientDisconnectsTotal should not be nil")
	}
}

// ============================================================================
// RecordRequest Tests
// ============================================================================

func TestStreamingMetrics_RecordRequest_Success(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordRequest(EndpointChatWS, true)

	val := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("chat_ws", "success"))
	if val != 1 {
		t.Errorf("RequestsTotal[chat_ws,success] = %f, want 1", val)
	}
}

func TestStreamingMetrics_RecordRequest_Error(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordRequest(EndpointWebWS, false)

	val := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("web_ws", "error"))
	if val != 1 {
		t.Errorf("RequestsTotal[web_ws,error] = %f, want 1", val)
	}
}

func TestStreamingMetrics_RecordRequest_Multiple(t *testing.T) {
	m := newTestMetrics(t)

	// Record multiple requests
	m.RecordRequest(EndpointChatWS, true)
	m.RecordRequest(EndpointChatWS, true)
	m.RecordRequest(EndpointChatWS, false)
	m.RecordRequest(EndpointWebWS, true)

	successVal := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("chat_ws", "success"))
	if successVal != 2 {
		t.Errorf("RequestsTotal[chat_ws,success] = %f, want 2", successVal)
	}

	errorVal := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("chat_ws", "error"))
	if errorVal != 1 {
		t.Errorf("RequestsTotal[chat_ws,error] = %f, want 1", errorVal)
	}

	ragVal := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("web_ws", "success"))
	if ragVal != 1 {
		t.Errorf("RequestsTotal[web_ws,success] = %f, want 1", ragVal)
	}
}

// ============================================================================
// RecordError Tests
// ============================================================================

func TestStreamingMetrics_RecordError(t *testing.T) {
	m := newTestMetrics(t)

	tests := []struct {
		endpoint Endpoint
		code     ErrorCode
	}{
		{EndpointChatWS, ErrorCodeQueueFull},
		{EndpointChatWS, ErrorCodeValidation},
		{EndpointChatWS, ErrorCodeGeneration},
		{EndpointWebWS, ErrorCodeTimeout},
		{EndpointWebWS, ErrorCodeConnection},
		{EndpointWebWS, ErrorCodeInternal},
		{EndpointChatWS, ErrorCodeClientDisconnect},
	}

	for _, tt := range tests {
		m.RecordError(tt.endpoint, tt.code)

		val := testutil.ToFloat64(m.ErrorsTotal.WithLabelValues(string(tt.endpoint), string(tt.code)))
		if val != 1 {
			t.Errorf("ErrorsTotal[%s,%s] = %f, want 1", tt.endpoint, tt.code, val)
		}
	}
}

func TestStreamingMetrics_RecordError_Multiple(t *testing.T) {
	m := newTestMetrics(t)

	// Record same error multiple times
	m.RecordError(EndpointChatWS, ErrorCodeGeneration)
	m.RecordError(EndpointChatWS, ErrorCodeGeneration)
	m.RecordError(EndpointChatWS, ErrorCodeGeneration)

	val := testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("chat_ws", "generation"))
	if val != 3 {
		t.Errorf("ErrorsTotal[chat_ws,generation] = %f, want 3", val)
	}
}

// ============================================================================
// RecordTokens Tests
// ============================================================================

func TestStreamingMetrics_RecordTokens(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordTokens(100, 50, "qwen3:32b")

	inputVal := testutil.ToFloat64(m.TokensTotal.WithLabelValues("input", "qwen3:32b"))
	if inputVal != 100 {
		t.Errorf("TokensTotal[input,qwen3:32b] = %f, want 100", inputVal)
	}

	outputVal := testutil.ToFloat64(m.TokensTotal.WithLabelValues("output", "qwen3:32b"))
	if outputVal != 50 {
		t.Errorf("TokensTotal[output,qwen3:32b] = %f, want 50", outputVal)
	}
}

func TestStreamingMetrics_RecordTokens_ZeroTokens(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordTokens(0, 0, "gpt-4")

	inputVal := testutil.ToFloat64(m.TokensTotal.WithLabelValues("input", "gpt-4"))
	if inputVal != 0 {
		t.Errorf("TokensTotal[input,gpt-4] = %f, want 0", inputVal)
	}

	outputVal := testutil.ToFloat64(m.TokensTotal.WithLabelValues("output", "gpt-4"))
	if outputVal != 0 {
		t.Errorf("TokensTotal[output,gpt-4] = %f, want 0", outputVal)
	}
}

func TestStreamingMetrics_RecordTokens_Multiple(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordTokens(100, 50, "granite4:micro-h")
	m.RecordTokens(200, 100, "granite4:micro-h")
	m.RecordTokens(50, 25, "gpt-4")

	graniteInput := testutil.ToFloat64(m.TokensTotal.WithLabelValues("input", "granite4:micro-h"))
	if graniteInput != 300 {
		t.Errorf("TokensTotal[input,granite4:micro-h] = %f, want 300", graniteInput)
	}

	graniteOutput := testutil.ToFloat64(m.TokensTotal.WithLabelValues("output", "granite4:micro-h"))
	if graniteOutput != 150 {
		t.Errorf("TokensTotal[output,granite4:micro-h] = %f, want 150", graniteOutput)
	}

	gpt4Input := testutil.ToFloat64(m.TokensTotal.WithLabelValues("input", "gpt-4"))
	if gpt4Input != 50 {
		t.Errorf("TokensTotal[input,gpt-4] = %f, want 50", gpt4Input)
	}
}

// ============================================================================
// StreamStarted/StreamEnded Tests
// ============================================================================

func TestStreamingMetrics_StreamStarted(t *testing.T) {
	m := newTestMetrics(t)

	m.StreamStarted(EndpointChatWS)

	val := testutil.ToFloat64(m.ActiveStreams.WithLabelValues("chat_ws"))
	if val != 1 {
		t.Errorf("ActiveStreams[chat_ws] = %f, want 1", val)
	}
}

func TestStreamingMetrics_StreamEnded(t *testing.T) {
	m := newTestMetrics(t)

	// Start then end
	m.StreamStarted(EndpointChatWS)
	m.StreamEnded(EndpointChatWS)

	val := testutil.ToFloat64(m.ActiveStreams.WithLabelValues("chat_ws"))
	if val != 0 {
		t.Errorf("ActiveStreams[chat_ws] = %f, want 0", val)
	}
}

func TestStreamingMetrics_StreamStarted_Multiple(t *testing.T) {
	m := newTestMetrics(t)

	m.StreamStarted(EndpointChatWS)
	m.StreamStarted(EndpointChatWS)
	m.StreamStarted(EndpointWebWS)

	directVal := testutil.ToFloat64(m.ActiveStreams.WithLabelValues("chat_ws"))
	if directVal != 2 {
		t.Errorf("ActiveStreams[chat_ws] = %f, want 2", directVal)
	}

	ragVal := testutil.ToFloat64(m.ActiveStreams.WithLabelValues("web_ws"))
	if ragVal != 1 {
		t.Errorf("ActiveStreams[web_ws] = %f, want 1", ragVal)
	}
}

func TestStreamingMetrics_StreamLifecycle(t *testing.T) {
	m := newTestMetrics(t)

	// Simulate realistic stream lifecycle
	m.StreamStarted(EndpointChatWS)
	m.StreamStarted(EndpointChatWS)
	m.StreamStarted(EndpointChatWS)

	val := testutil.ToFloat64(m.ActiveStreams.WithLabelValues("chat_ws"))
	if val != 3 {
		t.Errorf("After 3 starts: ActiveStreams = %f, want 3", val)
	}

	m.StreamEnded(EndpointChatWS)

	val = testutil.ToFloat64(m.ActiveStreams.WithLabelValues("chat_ws"))
	if val != 2 {
		t.Errorf("After 1 end: ActiveStreams = %f, want 2", val)
	}

	m.StreamEnded(EndpointChatWS)
	m.StreamEnded(EndpointChatWS)

	val = testutil.ToFloat64(m.ActiveStreams.WithLabelValues("chat_ws"))
	if val != 0 {
		t.Errorf("After all ends: ActiveStreams = %f, want 0", val)
	}
}

// ============================================================================
// RecordTimeToFirstToken Tests
// ============================================================================

func TestStreamingMetrics_RecordTimeToFirstToken(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordTimeToFirstToken(EndpointChatWS, 0.5)

	// For histograms, we verify by collecting and checking count
	// The histogram itself should have observations recorded
	// We use CollectAndCount to verify the metric exists and was updated
	count := testutil.CollectAndCount(m.TimeToFirstTokenSeconds)
	if count == 0 {
		t.Error("Expected at least one metric to be collected")
	}
}

func TestStreamingMetrics_RecordTimeToFirstToken_MultipleBuckets(t *testing.T) {
	m := newTestMetrics(t)

	// Record values in different buckets
	m.RecordTimeToFirstToken(EndpointChatWS, 0.05) // bucket 0.1
	m.RecordTimeToFirstToken(EndpointChatWS, 0.3)  // bucket 0.5
	m.RecordTimeToFirstToken(EndpointChatWS, 2.0)  // bucket 2.5
	m.RecordTimeToFirstToken(EndpointChatWS, 15.0) // bucket 30.0
	m.RecordTimeToFirstToken(EndpointWebWS, 1.0)     // bucket 1.0

	// Just verify no panics - histogram testing is done via prometheus testutil
}

// ============================================================================
// RecordStreamDuration Tests
// ============================================================================

func TestStreamingMetrics_RecordStreamDuration_Success(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordStreamDuration(EndpointChatWS, 10.5, true)

	// Just verify no panic
}

func TestStreamingMetrics_RecordStreamDuration_Error(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordStreamDuration(EndpointWebWS, 5.0, false)

	// Just verify no panic
}

func TestStreamingMetrics_RecordStreamDuration_MultipleBuckets(t *testing.T) {
	m := newTestMetrics(t)

	// Record values in different buckets: 1, 5, 10, 30, 60, 120, 300
	m.RecordStreamDuration(EndpointChatWS, 0.5, true)   // bucket 1
	m.RecordStreamDuration(EndpointChatWS, 3.0, true)   // bucket 5
	m.RecordStreamDuration(EndpointChatWS, 8.0, true)   // bucket 10
	m.RecordStreamDuration(EndpointChatWS, 45.0, true)  // bucket 60
	m.RecordStreamDuration(EndpointChatWS, 200.0, true) // bucket 300
	m.RecordStreamDuration(EndpointWebWS, 100.0, false)   // bucket 120

	// Just verify no panics
}

// ============================================================================
// RecordKeepAlive Tests
// ============================================================================

func TestStreamingMetrics_RecordKeepAlive(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordKeepAlive(EndpointChatWS)

	val := testutil.ToFloat64(m.KeepAlivesTotal.WithLabelValues("chat_ws"))
	if val != 1 {
		t.Errorf("KeepAlivesTotal[chat_ws] = %f, want 1", val)
	}
}

func TestStreamingMetrics_RecordKeepAlive_Multiple(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordKeepAlive(EndpointChatWS)
	m.RecordKeepAlive(EndpointChatWS)
	m.RecordKeepAlive(EndpointChatWS)
	m.RecordKeepAlive(EndpointWebWS)

	directVal := testutil.ToFloat64(m.KeepAlivesTotal.WithLabelValues("chat_ws"))
	if directVal != 3 {
		t.Errorf("KeepAlivesTotal[chat_ws] = %f, want 3", directVal)
	}

	ragVal := testutil.ToFloat64(m.KeepAlivesTotal.WithLabelValues("web_ws"))
	if ragVal != 1 {
		t.Errorf("KeepAlivesTotal[web_ws] = %f, want 1", ragVal)
	}
}

// ============================================================================
// RecordClientDisconnect Tests
// ============================================================================

func TestStreamingMetrics_RecordClientDisconnect(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordClientDisconnect(EndpointChatWS)

	val := testutil.ToFloat64(m.ClientDisconnectsTotal.WithLabelValues("chat_ws"))
	if val != 1 {
		t.Errorf("ClientDisconnectsTotal[chat_ws] = %f, want 1", val)
	}
}

func TestStreamingMetrics_RecordClientDisconnect_Multiple(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordClientDisconnect(EndpointWebWS)
	m.RecordClientDisconnect(EndpointWebWS)

	val := testutil.ToFloat64(m.ClientDisconnectsTotal.WithLabelValues("web_ws"))
	if val != 2 {
		t.Errorf("ClientDisconnectsTotal[web_ws] = %f, want 2", val)
	}
}

// ============================================================================
// Integration / Scenario Tests
// ============================================================================

func TestStreamingMetrics_CompleteStreamScenario(t *testing.T) {
	m := newTestMetrics(t)

	// Simulate a complete successful stream
	m.StreamStarted(EndpointChatWS)
	m.RecordTimeToFirstToken(EndpointChatWS, 0.5)
	m.RecordKeepAlive(EndpointChatWS)
	m.RecordKeepAlive(EndpointChatWS)
	m.RecordTokens(150, 200, "qwen3:32b")
	m.RecordStreamDuration(EndpointChatWS, 30.0, true)
	m.StreamEnded(EndpointChatWS)
	m.RecordRequest(EndpointChatWS, true)

	// Verify final state
	activeVal := testutil.ToFloat64(m.ActiveStreams.WithLabelValues("chat_ws"))
	if activeVal != 0 {
		t.Errorf("ActiveStreams should be 0 after stream ended, got %f", activeVal)
	}

	requestsVal := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("chat_ws", "success"))
	if requestsVal != 1 {
		t.Errorf("RequestsTotal[success] should be 1, got %f", requestsVal)
	}

	keepAliveVal := testutil.ToFloat64(m.KeepAlivesTotal.WithLabelValues("chat_ws"))
	if keepAliveVal != 2 {
		t.Errorf("KeepAlivesTotal should be 2, got %f", keepAliveVal)
	}
}

func TestStreamingMetrics_FailedStreamScenario(t *testing.T) {
	m := newTestMetrics(t)

	// Simulate a failed stream
	m.StreamStarted(EndpointWebWS)
	m.RecordTimeToFirstToken(EndpointWebWS, 0.3)
	m.RecordError(EndpointWebWS, ErrorCodeGeneration)
	m.RecordStreamDuration(EndpointWebWS, 5.0, false)
	m.StreamEnded(EndpointWebWS)
	m.RecordRequest(EndpointWebWS, false)

	// Verify final state
	activeVal := testutil.ToFloat64(m.ActiveStreams.WithLabelValues("web_ws"))
	if activeVal != 0 {
		t.Errorf("ActiveStreams should be 0 after stream ended, got %f", activeVal)
	}

	requestsVal := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("web_ws", "error"))
	if requestsVal != 1 {
		t.Errorf("RequestsTotal[error] should be 1, got %f", requestsVal)
	}

	errorsVal := testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("web_ws", "generation"))
	if errorsVal != 1 {
		t.Errorf("ErrorsTotal[generation] should be 1, got %f", errorsVal)
	}
}

func TestStreamingMetrics_ClientDisconnectScenario(t *testing.T) {
	m := newTestMetrics(t)

	// Simulate client disconnect
	m.StreamStarted(EndpointChatWS)
	m.RecordKeepAlive(EndpointChatWS)
	m.RecordClientDisconnect(EndpointChatWS)
	m.RecordError(EndpointChatWS, ErrorCodeClientDisconnect)
	m.StreamEnded(EndpointChatWS)
	m.RecordRequest(EndpointChatWS, false)

	disconnectVal := testutil.ToFloat64(m.ClientDisconnectsTotal.WithLabelValues("chat_ws"))
	if disconnectVal != 1 {
		t.Errorf("ClientDisconnectsTotal should be 1, got %f", disconnectVal)
	}
}

// ============================================================================
// Concurrent Safety Tests
// ============================================================================

func TestStreamingMetrics_ConcurrentSafety(t *testing.T) {
	m := newTestMetrics(t)

	done := make(chan bool, 100)

	// Run multiple goroutines performing various metric operations
	for i := 0; i < 20; i++ {
		go func() {
			m.RecordRequest(EndpointChatWS, true)
			done <- true
		}()
	}

	for i := 0; i < 20; i++ {
		go func() {
			m.RecordError(EndpointWebWS, ErrorCodeTimeout)
			done <- true
		}()
	}

	for i := 0; i < 20; i++ {
		go func() {
			m.RecordTokens(10, 5, "test-model")
			done <- true
		}()
	}

	for i := 0; i < 20; i++ {
		go func() {
			m.StreamStarted(EndpointChatWS)
			m.StreamEnded(EndpointChatWS)
			done <- true
		}()
	}

	for i := 0; i < 20; i++ {
		go func() {
			m.RecordTimeToFirstToken(EndpointWebWS, 0.5)
			m.RecordStreamDuration(EndpointWebWS, 10.0, true)
			m.RecordKeepAlive(EndpointChatWS)
			m.RecordClientDisconnect(EndpointWebWS)
			done <- true
		}()
	}

	// Wait for all goroutines
	for i := 0; i < 100; i++ {
		<-done
	}

	// Verify expected values
	requestsVal := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("chat_ws", "success"))
	if requestsVal != 20 {
		t.Errorf("RequestsTotal[chat_ws,success] = %f, want 20", requestsVal)
	}

	errorsVal := testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("web_ws", "timeout"))
	if errorsVal != 20 {
		t.Errorf("ErrorsTotal[web_ws,timeout] = %f, want 20", errorsVal)
	}
}
