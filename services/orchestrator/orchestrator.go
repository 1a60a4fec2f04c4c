// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator assembles and runs the LLM serving backbone.
//
// This package owns the process root: it loads the configuration
// document, constructs the long-lived singletons (capability registry,
// VRAM orchestrator, profile manager, request queue, WebSocket fan-out),
// wires them together explicitly, and runs the HTTP server plus the
// background loops (queue worker, breaker supervisor, registry
// reconciliation, memory pressure watchdog).
//
// # Enterprise Integration
//
// The orchestrator supports dependency injection via
// extensions.ServiceOptions, enabling enterprise builds to provide
// custom implementations of AuthProvider, AuthzProvider, and
// AuditLogger without modifying this codebase.
//
// # Usage
//
//	cfg := orchestrator.Config{Port: 12210, ConfigPath: "models.yaml"}
//	svc, err := orchestrator.New(cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc.Run()
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/lumenforge/modelhost/pkg/extensions"
	"github.com/lumenforge/modelhost/services/llm"
	"github.com/lumenforge/modelhost/services/orchestrator/capabilities"
	"github.com/lumenforge/modelhost/services/orchestrator/handlers"
	"github.com/lumenforge/modelhost/services/orchestrator/observability"
	"github.com/lumenforge/modelhost/services/orchestrator/profile"
	"github.com/lumenforge/modelhost/services/orchestrator/queue"
	"github.com/lumenforge/modelhost/services/orchestrator/router"
	"github.com/lumenforge/modelhost/services/orchestrator/routes"
	"github.com/lumenforge/modelhost/services/orchestrator/streaming"
	"github.com/lumenforge/modelhost/services/orchestrator/vram"
	"github.com/lumenforge/modelhost/services/orchestrator/wsfanout"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service defines the contract for the orchestrator service.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Run() blocks and
// should only be called once per instance.
type Service interface {
	// Run starts the HTTP server and background loops, blocking until
	// shutdown or server error.
	Run() error

	// Router returns the underlying Gin engine for testing.
	Router() *gin.Engine
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds orchestrator configuration options. Zero values take
// defaults in New.
type Config struct {
	// Port is the HTTP server port. Default: 12210
	Port int

	// ConfigPath is the model/profile YAML document.
	// Default: "config/models.yaml"
	ConfigPath string

	// OTelEndpoint is the OpenTelemetry collector endpoint. The literal
	// value "stdout" uses the stdout trace exporter for development.
	// Default: "otel-collector:4317"
	OTelEndpoint string

	// EnableMetrics enables the Prometheus metrics endpoint.
	// Default: true
	EnableMetrics bool

	// GinMode sets the Gin framework mode ("debug", "release", "test").
	GinMode string

	// DeploymentMode selects endpoint defaults: "standalone" or
	// "distributed". Default: "distributed"
	DeploymentMode string

	// ReconcileInterval is how often the registry is squared against
	// backend reality. Default: 5 minutes
	ReconcileInterval time.Duration

	// PressureCheckInterval is how often memory pressure is sampled for
	// the emergency eviction watchdog. Default: 30 seconds
	PressureCheckInterval time.Duration
}

// applyConfigDefaults fills in missing configuration values.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12210
	}
	if cfg.ConfigPath == "" {
		cfg.ConfigPath = "config/models.yaml"
	}
	if cfg.OTelEndpoint == "" {
		cfg.OTelEndpoint = "otel-collector:4317"
	}
	if cfg.DeploymentMode == "" {
		cfg.DeploymentMode = "distributed"
	}
	if cfg.ReconcileInterval == 0 {
		cfg.ReconcileInterval = 5 * time.Minute
	}
	if cfg.PressureCheckInterval == 0 {
		cfg.PressureCheckInterval = 30 * time.Second
	}
	cfg.EnableMetrics = true
	return cfg
}

// =============================================================================
// Implementation
// =============================================================================

// service wires the backbone together. All fields are read-only after
// New returns.
type service struct {
	config Config
	opts   extensions.ServiceOptions
	doc    *capabilities.Config

	router        *gin.Engine
	caps          *capabilities.Registry
	ollama        *llm.MultiModelManager
	backends      *vram.BackendManager
	crashes       *vram.CrashTracker
	orch          *vram.Orchestrator
	profiles      *profile.Manager
	requestQueue  *queue.Queue
	worker        *queue.Worker
	fanout        *wsfanout.Fanout
	tracerCleanup func(context.Context)
}

// New creates a new orchestrator Service.
//
// # Description
//
// New loads the configuration document and constructs every singleton
// in dependency order: capability registry, crash tracker, backend
// manager (one driver per backend type the document references), VRAM
// orchestrator, profile manager, router, preference resolver, agent
// runner, queue, fan-out dispatcher, and worker. If opts is nil,
// extensions.DefaultOptions() is used.
func New(cfg Config, opts *extensions.ServiceOptions) (Service, error) {
	s := &service{config: applyConfigDefaults(cfg)}

	if opts != nil {
		s.opts = *opts
	} else {
		s.opts = extensions.DefaultOptions()
	}

	doc, err := capabilities.Load(s.config.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	s.doc = doc

	cleanup, err := s.initTracer()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	// Guard against double registration: multiple New calls share the
	// default Prometheus registry.
	if s.config.EnableMetrics && observability.DefaultMetrics == nil {
		observability.InitMetrics()
		observability.InitSchedulerMetrics()
		slog.Info("Initialized Prometheus metrics")
	}

	s.caps, err = capabilities.NewRegistry(doc.Models)
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("building capability registry: %w", err)
	}

	s.crashes = vram.NewCrashTracker(doc.Breaker.Window(), doc.Breaker.Threshold)

	ollamaMgr, err := s.initBackends()
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("initializing backends: %w", err)
	}

	active, _ := doc.Profile(doc.ActiveProfile)
	s.orch = vram.NewOrchestrator(vram.Options{
		Capabilities:   s.caps,
		Backends:       s.backends,
		Memory:         vram.NewProcMemoryMonitor(),
		Crashes:        s.crashes,
		SoftLimitGB:    active.SoftLimitGB,
		HardLimitGB:    active.HardLimitGB,
		BreakerEnabled: doc.Breaker.Enabled,
		BufferGB:       doc.Breaker.BufferGB,
	})

	s.profiles = profile.NewManager(doc, s.orch, s.crashes)

	rt := router.New(ollamaMgr, s.profiles)
	resolver := router.NewPreferenceResolver(s.profiles, s.caps)

	runner := streaming.NewRunner(streaming.RunnerOptions{
		Scheduler:    s.orch,
		Backends:     s.backends,
		Capabilities: s.caps,
		Tools:        ollamaMgr,
	})

	s.requestQueue = queue.New(doc.Queue.MaxSize, doc.Queue.MaxRetries)
	s.fanout = wsfanout.New()

	prefsStore := handlers.NewNopPreferenceStore()
	processor := newTurnProcessor(rt, resolver, runner, s.profiles, prefsStore)

	dispatcher := wsfanout.NewDispatcher(s.fanout,
		time.Duration(doc.Stream.ChatChunkIntervalMs)*time.Millisecond,
		time.Duration(doc.Stream.WebChunkIntervalMs)*time.Millisecond,
	)
	s.worker = queue.NewWorker(s.requestQueue, processor, dispatcher, s.profiles,
		doc.Features.EnableStreaming)

	s.initRouter(prefsStore)
	return s, nil
}

// initBackends registers one driver per backend type the capability
// document references. Returns the Ollama manager, which doubles as
// the router's warm-model chat surface and the tool-calling client.
func (s *service) initBackends() (*llm.MultiModelManager, error) {
	s.backends = vram.NewBackendManager()
	resolver := handlers.NewDefaultEndpointResolver(s.config.DeploymentMode)

	referenced := make(map[capabilities.BackendType]bool)
	var externalModels []string
	for _, mc := range s.caps.All() {
		referenced[mc.Backend] = true
		if mc.IsExternal {
			externalModels = append(externalModels, mc.ModelID)
		}
	}

	// Ollama is always wired: the router model lives there.
	ollamaURL := resolver.ResolveBackendURL(capabilities.BackendOllama)
	ollamaClient := llm.NewOllamaClientWithURL(ollamaURL, "")
	ollamaMgr := llm.NewMultiModelManager(ollamaURL)
	s.ollama = ollamaMgr
	s.backends.Register(capabilities.BackendOllama, vram.NewOllamaBackend(ollamaMgr, ollamaClient))

	for _, bt := range []capabilities.BackendType{
		capabilities.BackendSGLang, capabilities.BackendVLLM, capabilities.BackendTRTLLM,
	} {
		if !referenced[bt] {
			continue
		}
		client := llm.NewOpenAICompatClient(resolver.ResolveBackendURL(bt), "", "")
		s.backends.Register(bt, vram.NewOpenAICompatBackend(client))
	}

	if referenced[capabilities.BackendExternal] {
		// Hosted providers are reached through the same OpenAI-compatible
		// driver as the fixed-model local engines; only the base URL and
		// key differ.
		apiKey := os.Getenv("EXTERNAL_PROVIDER_API_KEY")
		if apiKey == "" {
			slog.Warn("EXTERNAL_PROVIDER_API_KEY not set, external models will likely be rejected")
		}
		external := llm.NewOpenAICompatClient(
			resolver.ResolveBackendURL(capabilities.BackendExternal), apiKey, "")
		s.backends.Register(capabilities.BackendExternal,
			vram.NewExternalBackend(external, externalModels))
	}

	return ollamaMgr, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run starts the background loops and the HTTP server, blocking until
// the server stops.
func (s *service) Run() error {
	defer s.cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.worker.Run(ctx)
	go s.profiles.RunBreakerSupervisor(ctx, s.crashes.Alerts())
	go s.runReconcileLoop(ctx)
	go s.runPressureWatchdog(ctx)
	go s.runFallbackNotifier(ctx)
	go s.warmPinnedModels(ctx)

	if s.doc.Features.ConfigHotReload {
		go func() {
			err := capabilities.Watch(ctx, s.config.ConfigPath, s.applyReload)
			if err != nil && ctx.Err() == nil {
				slog.Warn("config watcher stopped", "error", err)
			}
		}()
	}

	addr := fmt.Sprintf(":%d", s.config.Port)
	slog.Info("Starting orchestrator server",
		"port", s.config.Port,
		"active_profile", s.doc.ActiveProfile,
		"streaming", s.doc.Features.EnableStreaming,
	)
	return s.router.Run(addr)
}

// Router returns the underlying Gin engine for testing.
func (s *service) Router() *gin.Engine {
	return s.router
}

// =============================================================================
// Background Loops
// =============================================================================

// warmPinnedModels pre-loads the models the active profile cannot serve
// a single turn without: CRITICAL class and infinite keep-alive. Each
// one is admitted through the orchestrator first so the budget reflects
// the warm set.
func (s *service) warmPinnedModels(ctx context.Context) {
	var configs []llm.ModelWarmupConfig
	for _, mc := range s.caps.All() {
		if mc.Backend != capabilities.BackendOllama {
			continue
		}
		if mc.Priority != capabilities.PriorityCritical && mc.KeepAliveSeconds >= 0 {
			continue
		}
		if err := s.orch.RequestModelLoad(ctx, mc.ModelID, nil, nil); err != nil {
			slog.Warn("startup warmup admission failed", "model", mc.ModelID, "error", err)
			continue
		}
		configs = append(configs, llm.ModelWarmupConfig{
			Model:     mc.ModelID,
			KeepAlive: mc.KeepAlive(),
			Priority:  int(capabilities.PriorityLow - mc.Priority),
			NumCtx:    mc.ContextWindow,
		})
	}
	if len(configs) == 0 {
		return
	}
	if err := s.ollama.WarmModels(ctx, configs); err != nil {
		slog.Warn("startup warmup incomplete", "error", err)
	}
	slog.Info("startup warmup finished", "warm_models", len(s.ollama.GetLoadedModels()))
}

// runReconcileLoop periodically squares the model registry against the
// backends.
func (s *service) runReconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result := s.orch.ReconcileRegistry(ctx)
			if result.CleanedCount > 0 {
				slog.Info("registry reconciliation cleaned stale entries",
					"cleaned", result.CleanedModels)
			}
		}
	}
}

// pressureEvictThreshold is the PSI full avg10 above which the watchdog
// evicts the least-recently-used NORMAL or LOW model.
const pressureEvictThreshold = 20.0

// runPressureWatchdog samples memory pressure and triggers an emergency
// eviction under sustained stall.
func (s *service) runPressureWatchdog(ctx context.Context) {
	monitor := vram.NewProcMemoryMonitor()
	ticker := time.NewTicker(s.config.PressureCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status, err := monitor.Sample(ctx)
			if err != nil {
				continue
			}
			if status.PressureFullAvg10 < pressureEvictThreshold {
				continue
			}
			slog.Warn("sustained memory pressure",
				"full_avg10", status.PressureFullAvg10,
				"available_gb", status.AvailableGB,
			)
			result := s.orch.EmergencyEvictLRU(ctx, capabilities.PriorityNormal)
			if result.Evicted {
				slog.Warn("pressure watchdog evicted model",
					"model", result.ModelID, "freed_gb", result.FreedGB)
			}
		}
	}
}

// runFallbackNotifier broadcasts a maintenance warning to connected
// clients when the stack enters the conservative fallback, and an
// all-clear when it recovers.
func (s *service) runFallbackNotifier(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	wasInFallback := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			inFallback := s.profiles.IsInFallback()
			if inFallback == wasInFallback {
				continue
			}
			wasInFallback = inFallback
			if inFallback {
				s.fanout.BroadcastMaintenance(
					"Running on reduced capacity while a model recovers; responses may be slower.")
			} else {
				s.fanout.BroadcastMaintenance("Full capacity restored.")
			}
		}
	}
}

// applyReload swaps in a hot-reloaded configuration document. Only the
// capability set is replaced live; profile and queue topology changes
// require a restart.
func (s *service) applyReload(doc *capabilities.Config) {
	if err := s.caps.Replace(doc.Models); err != nil {
		slog.Warn("capability hot reload rejected", "error", err)
		return
	}
	slog.Info("capability registry hot-reloaded", "models", len(doc.Models))
}

// =============================================================================
// Private Initialization
// =============================================================================

// initTracer initializes OpenTelemetry distributed tracing: OTLP over
// gRPC in production, the stdout exporter when OTelEndpoint is
// "stdout".
func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	if s.config.OTelEndpoint == "stdout" {
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
	} else {
		conn, err := grpc.NewClient(s.config.OTelEndpoint,
			grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
		}
		exporter, err = otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("orchestrator-service")))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(exporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := exporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown trace exporter", "error", err)
		}
	}
	return cleanup, nil
}

// initRouter sets up the Gin HTTP router with all routes.
func (s *service) initRouter(prefsStore handlers.PreferenceStore) {
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}
	s.router = gin.Default()
	s.router.Use(otelgin.Middleware("orchestrator-service"))

	routes.SetupRoutes(s.router, routes.Deps{
		Queue:        s.requestQueue,
		Orchestrator: s.orch,
		Profiles:     s.profiles,
		Auth: s.opts.AuthProvider,
		WS: handlers.WSDeps{
			Fanout: s.fanout,
			Queue:  s.requestQueue,
			Prefs:  prefsStore,
			Audit:  s.opts.AuditLogger,
		},
	})
}

// cleanup releases resources held by the service.
func (s *service) cleanup() {
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var _ Service = (*service)(nil)
