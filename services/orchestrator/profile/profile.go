// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package profile owns the active profile reference and the
// conservative-fallback reaction to sustained backend failures.
//
// # Description
//
// Exactly one profile is active at a time. Readers take value-copy
// snapshots; every mutation happens under the manager mutex and
// immediately pushes the new VRAM limits into the orchestrator so role
// maps and budgets switch atomically from the caller's point of view.
//
// On fallback the conservative profile's role map is used as-is: a
// user-chosen model is never carried over, because the trigger for
// fallback is model instability and honoring the choice would defeat
// the point.
package profile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lumenforge/modelhost/pkg/logging"
	"github.com/lumenforge/modelhost/services/orchestrator/capabilities"
	"github.com/lumenforge/modelhost/services/orchestrator/vram"
)

// LimitUpdater receives the new VRAM limits on every switch. Satisfied
// by *vram.Orchestrator.
type LimitUpdater interface {
	UpdateLimits(softLimitGB, hardLimitGB float64)
}

// CrashCounter reports windowed crash counts, used by the recovery
// probe. Satisfied by *vram.CrashTracker.
type CrashCounter interface {
	Count(modelID string) int
}

// Manager holds the active profile and performs switches.
type Manager struct {
	mu       sync.Mutex
	profiles map[string]capabilities.ProfileSpec
	active   string

	// Fallback bookkeeping: where we fell from and when, for recovery.
	inFallback   bool
	fallbackFrom string
	fellBackAt   time.Time

	limits  LimitUpdater
	crashes CrashCounter

	// recoveryAfter is the minimum dwell time in fallback before a
	// recovery probe may switch back.
	recoveryAfter time.Duration

	logger *slog.Logger
	now    func() time.Time
}

// NewManager builds a manager over the declared profiles with the named
// profile active. The initial limits are pushed immediately.
func NewManager(cfg *capabilities.Config, limits LimitUpdater, crashes CrashCounter) *Manager {
	profiles := make(map[string]capabilities.ProfileSpec, len(cfg.Profiles))
	for _, p := range cfg.Profiles {
		profiles[p.Name] = p
	}
	m := &Manager{
		profiles:      profiles,
		active:        cfg.ActiveProfile,
		limits:        limits,
		crashes:       crashes,
		recoveryAfter: 10 * time.Minute,
		logger:        logging.For("profile_manager"),
		now:           time.Now,
	}
	active := profiles[cfg.ActiveProfile]
	if limits != nil {
		limits.UpdateLimits(active.SoftLimitGB, active.HardLimitGB)
	}
	return m
}

// ActiveProfile returns a stable snapshot of the active profile.
func (m *Manager) ActiveProfile() capabilities.ProfileSpec {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() capabilities.ProfileSpec {
	p := m.profiles[m.active]
	// Deep-copy the maps so callers cannot mutate shared state.
	roles := make(map[string]string, len(p.Roles))
	for k, v := range p.Roles {
		roles[k] = v
	}
	p.Roles = roles
	if p.FetchLimits != nil {
		limits := make(map[string]int, len(p.FetchLimits))
		for k, v := range p.FetchLimits {
			limits[k] = v
		}
		p.FetchLimits = limits
	}
	return p
}

// SwitchProfile activates the named profile and pushes its limits into
// the orchestrator. Reason is recorded for the audit trail.
func (m *Manager) SwitchProfile(name, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.switchLocked(name, reason)
}

func (m *Manager) switchLocked(name, reason string) error {
	next, ok := m.profiles[name]
	if !ok {
		return &unknownProfileError{name: name}
	}
	prev := m.active
	m.active = name
	if m.limits != nil {
		m.limits.UpdateLimits(next.SoftLimitGB, next.HardLimitGB)
	}
	m.logger.Info("profile switched",
		"from", prev,
		"to", name,
		"reason", reason,
		"conservative", next.Conservative,
	)
	return nil
}

// IsInFallback reports whether the conservative fallback is active.
func (m *Manager) IsInFallback() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inFallback
}

// CheckAndRecover probes whether the profile we fell back from has
// quieted down and, if so, switches back. Cheap; called at the start of
// each request.
//
// Recovery requires the fallback dwell time to have elapsed and every
// model in the original profile's role map to show zero windowed
// crashes.
func (m *Manager) CheckAndRecover() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.inFallback || m.fallbackFrom == "" {
		return
	}
	if m.now().Sub(m.fellBackAt) < m.recoveryAfter {
		return
	}
	origin, ok := m.profiles[m.fallbackFrom]
	if !ok {
		return
	}
	if m.crashes != nil {
		for _, modelID := range origin.Roles {
			if m.crashes.Count(modelID) > 0 {
				return
			}
		}
	}

	from := m.fallbackFrom
	if err := m.switchLocked(from, "fallback recovery"); err != nil {
		return
	}
	m.inFallback = false
	m.fallbackFrom = ""
}

// =============================================================================
// Circuit Breaker Supervisor
// =============================================================================

// RunBreakerSupervisor consumes crash alerts and flips to the
// conservative fallback when an alerted model sits in the active role
// map. Run as a dedicated goroutine; it holds the profile mutex only
// for the switch itself. Returns when ctx is cancelled.
func (m *Manager) RunBreakerSupervisor(ctx context.Context, alerts <-chan vram.CrashAlert) {
	for {
		select {
		case <-ctx.Done():
			return
		case alert, ok := <-alerts:
			if !ok {
				return
			}
			m.handleAlert(alert)
		}
	}
}

func (m *Manager) handleAlert(alert vram.CrashAlert) {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := m.profiles[m.active]
	inRoleMap := false
	for _, modelID := range active.Roles {
		if modelID == alert.ModelID {
			inRoleMap = true
			break
		}
	}
	if !inRoleMap {
		m.logger.Debug("crash alert for model outside active role map",
			"model", alert.ModelID, "count", alert.Count)
		return
	}
	if m.inFallback {
		m.logger.Warn("crash alert while already in fallback",
			"model", alert.ModelID, "count", alert.Count)
		return
	}
	if active.Fallback == "" {
		m.logger.Warn("crash threshold reached but profile has no fallback",
			"model", alert.ModelID, "profile", m.active)
		return
	}

	from := m.active
	if err := m.switchLocked(active.Fallback, "circuit breaker: "+alert.ModelID); err != nil {
		m.logger.Error("fallback switch failed", "error", err)
		return
	}
	m.inFallback = true
	m.fallbackFrom = from
	m.fellBackAt = m.now()
}

// unknownProfileError keeps the failure typed without polluting the
// datatypes taxonomy; profile names are operator input, not user input.
type unknownProfileError struct{ name string }

func (e *unknownProfileError) Error() string {
	return "unknown profile " + e.name
}
