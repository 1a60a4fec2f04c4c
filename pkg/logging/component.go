// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import "log/slog"

// For returns a child of the process-wide slog logger scoped to a
// named subsystem. Every log line emitted through it carries a
// "component" attribute, which is what the log pipeline keys on.
//
// Subsystems acquire their logger once at construction:
//
//	logger := logging.For("vram_orchestrator")
//	logger.Info("limits updated", "hard_gb", hard)
//
// Request-scoped attributes should be layered on top with With:
//
//	reqLog := logger.With("request_id", req.RequestID)
func For(component string) *slog.Logger {
	return slog.Default().With(slog.String("component", component))
}
