// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command orchestrator starts the model-serving orchestrator.
//
// # Environment Variables
//
//   - ORCHESTRATOR_PORT: HTTP server port (default: 12210)
//   - MODELHOST_CONFIG: model/profile YAML path (default: config/models.yaml)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector, or "stdout"
//     (default: otel-collector:4317)
//   - DEPLOYMENT_MODE: "standalone" or "distributed" (default: distributed)
//   - OLLAMA_BASE_URL and friends: backend endpoints, see handlers.EndpointResolver
//   - ENABLE_STREAMING / VRAM_CONSERVATIVE_MODE / VRAM_CIRCUIT_BREAKER_ENABLED:
//     feature flag overrides applied on top of the YAML document
//
// # Usage
//
//	# Build
//	go build -o orchestrator ./cmd/orchestrator
//
//	# Run the server
//	./orchestrator serve
//
//	# Check a configuration document without starting anything
//	./orchestrator validate-config --config config/models.yaml
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/lumenforge/modelhost/pkg/logging"
	"github.com/lumenforge/modelhost/services/orchestrator"
	"github.com/lumenforge/modelhost/services/orchestrator/capabilities"
)

func main() {
	logger := logging.New(logging.Config{
		Level:   logging.LevelInfo,
		JSON:    true,
		LogDir:  os.Getenv("MODELHOST_LOG_DIR"),
		Service: "orchestrator",
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	root := &cobra.Command{
		Use:          "orchestrator",
		Short:        "LLM serving orchestrator",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd(), validateConfigCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestrator server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				configPath = getEnvString("MODELHOST_CONFIG", "config/models.yaml")
			}
			cfg := orchestrator.Config{
				Port:           getEnvInt("ORCHESTRATOR_PORT", 12210),
				ConfigPath:     configPath,
				OTelEndpoint:   getEnvString("OTEL_EXPORTER_OTLP_ENDPOINT", "otel-collector:4317"),
				DeploymentMode: getEnvString("DEPLOYMENT_MODE", "distributed"),
				GinMode:        os.Getenv("GIN_MODE"),
			}

			slog.Info("Starting orchestrator",
				"port", cfg.Port,
				"config", cfg.ConfigPath,
				"deployment_mode", cfg.DeploymentMode,
			)

			svc, err := orchestrator.New(cfg, nil)
			if err != nil {
				return fmt.Errorf("creating orchestrator: %w", err)
			}
			return svc.Run()
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to the model/profile YAML document")
	return cmd
}

func validateConfigCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "validate-config",
		Short: "Validate the model/profile configuration document",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				configPath = getEnvString("MODELHOST_CONFIG", "config/models.yaml")
			}
			doc, err := capabilities.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Printf("ok: %d models, %d profiles, active profile %q\n",
				len(doc.Models), len(doc.Profiles), doc.ActiveProfile)
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to the model/profile YAML document")
	return cmd
}

// getEnvString returns the environment variable value or a default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
