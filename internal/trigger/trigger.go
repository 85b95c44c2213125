// Package trigger detects the moments a flush should be attempted.
//
// Two paths feed the flush: a connectivity monitor that polls the server
// health endpoint and fires on the offline-to-online edge, and a one-shot
// wake marker on disk that lets a short-lived CLI process delegate the
// retry to the long-running daemon. Registering the wake is idempotent;
// it is consumed exactly once per sync round.
package trigger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// WakeFileName is the marker the CLI writes and the daemon consumes.
const WakeFileName = "sync-wake"

// HealthProber reports whether the server is currently reachable.
// Satisfied by *api.Client.
type HealthProber interface {
	Health(ctx context.Context) bool
}

// MonitorConfig configures the connectivity monitor.
type MonitorConfig struct {
	// ProbeInterval is how often to probe the health endpoint
	// (default: 15s).
	ProbeInterval time.Duration

	// OnOnline is called each time connectivity transitions from
	// offline to online. It runs on the monitor goroutine, so slow
	// callbacks delay the next probe.
	OnOnline func()

	// OnOffline is called on the online-to-offline transition.
	// Optional.
	OnOffline func()
}

// Monitor polls a health endpoint and reports connectivity edges.
type Monitor struct {
	prober HealthProber
	config MonitorConfig

	mu     sync.Mutex
	online bool
}

// NewMonitor creates a Monitor over the given prober. The monitor starts
// in the offline state so the first successful probe counts as a
// restored-connectivity edge.
func NewMonitor(prober HealthProber, config MonitorConfig) *Monitor {
	if config.ProbeInterval == 0 {
		config.ProbeInterval = 15 * time.Second
	}
	return &Monitor{
		prober: prober,
		config: config,
	}
}

// Online reports the last observed connectivity state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Run probes until the context is cancelled. An immediate probe runs
// before the first tick so a daemon started while online fires its
// online edge right away.
func (m *Monitor) Run(ctx context.Context) error {
	m.probe(ctx)

	ticker := time.NewTicker(m.config.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

func (m *Monitor) probe(ctx context.Context) {
	now := m.prober.Health(ctx)

	m.mu.Lock()
	was := m.online
	m.online = now
	m.mu.Unlock()

	switch {
	case now && !was:
		if m.config.OnOnline != nil {
			m.config.OnOnline()
		}
	case !now && was:
		if m.config.OnOffline != nil {
			m.config.OnOffline()
		}
	}
}

// RegisterWake asks the daemon for one sync attempt when connectivity
// allows. It writes a marker file in stateDir; registering while a wake
// is already pending is a no-op, mirroring the coalescing of repeated
// requests into a single retry.
func RegisterWake(stateDir string) error {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	path := filepath.Join(stateDir, WakeFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to register sync wake: %w", err)
	}
	return f.Close()
}

// WakePending reports whether a wake marker is currently registered.
func WakePending(stateDir string) bool {
	_, err := os.Stat(filepath.Join(stateDir, WakeFileName))
	return err == nil
}

// ConsumeWake removes the marker and reports whether one was pending.
// Exactly one caller observes true per registered wake.
func ConsumeWake(stateDir string) (bool, error) {
	err := os.Remove(filepath.Join(stateDir, WakeFileName))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to consume sync wake: %w", err)
}
