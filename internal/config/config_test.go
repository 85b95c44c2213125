package config

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.ServerURL == "" {
		t.Error("expected default server URL")
	}
	if cfg.ProbeInterval != 15*time.Second {
		t.Errorf("unexpected default probe interval %v", cfg.ProbeInterval)
	}
	if filepath.Base(cfg.QueuePath()) != "queue.db" {
		t.Errorf("unexpected queue path %s", cfg.QueuePath())
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("REGSYNC_SERVER_URL", "http://reg.example.com")
	t.Setenv("REGSYNC_NOTIFY_PORT", "9999")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.ServerURL != "http://reg.example.com" {
		t.Errorf("env override ignored: %s", cfg.ServerURL)
	}
	if cfg.NotifyPort != 9999 {
		t.Errorf("env override ignored: %d", cfg.NotifyPort)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "session.json")

	if _, err := LoadSession(path); !errors.Is(err, ErrNotLoggedIn) {
		t.Fatalf("expected ErrNotLoggedIn, got %v", err)
	}

	want := &Session{Token: "tok-123", Name: "Demo User", Phone: "+2341234567890"}
	if err := SaveSession(path, want); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	got, err := LoadSession(path)
	if err != nil {
		t.Fatalf("LoadSession failed: %v", err)
	}
	if got.Token != want.Token || got.Phone != want.Phone {
		t.Errorf("session round trip mismatch: %+v", got)
	}

	if err := ClearSession(path); err != nil {
		t.Fatalf("ClearSession failed: %v", err)
	}
	if _, err := LoadSession(path); !errors.Is(err, ErrNotLoggedIn) {
		t.Errorf("expected ErrNotLoggedIn after clear, got %v", err)
	}
	// Clearing an already-clear session is fine.
	if err := ClearSession(path); err != nil {
		t.Errorf("repeated ClearSession failed: %v", err)
	}
}
