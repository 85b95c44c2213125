package daemon

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/regdesk/regsync/internal/processor"
	"github.com/regdesk/regsync/internal/queue"
	"github.com/regdesk/regsync/internal/record"
	"github.com/regdesk/regsync/internal/trigger"
)

// fakeSender signals on a channel for every batch it accepts.
type fakeSender struct {
	mu      sync.Mutex
	batches [][]*record.Record
	got     chan int
}

func newFakeSender() *fakeSender {
	return &fakeSender{got: make(chan int, 16)}
}

func (f *fakeSender) ProcessQueue(ctx context.Context, records []*record.Record) error {
	f.mu.Lock()
	batch := make([]*record.Record, len(records))
	copy(batch, records)
	f.batches = append(f.batches, batch)
	n := len(f.batches)
	f.mu.Unlock()
	f.got <- n
	return nil
}

func (f *fakeSender) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

// fakeProber reports a settable connectivity state.
type fakeProber struct {
	mu     sync.Mutex
	online bool
}

func (f *fakeProber) Health(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online
}

func (f *fakeProber) set(online bool) {
	f.mu.Lock()
	f.online = online
	f.mu.Unlock()
}

type fixture struct {
	daemon   *Daemon
	store    *queue.Store
	sender   *fakeSender
	prober   *fakeProber
	stateDir string
	dropDir  string
}

func setupDaemon(t *testing.T, online bool, withDropDir bool) *fixture {
	t.Helper()

	base := t.TempDir()
	stateDir := filepath.Join(base, "state")

	store, err := queue.Open(filepath.Join(stateDir, "queue.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	sender := newFakeSender()
	prober := &fakeProber{online: online}

	logger := log.New(os.Stderr, "[test] ", log.LstdFlags)
	proc := processor.New(store, sender, &processor.Config{
		BackoffBase: 10 * time.Second,
		BackoffCap:  time.Minute,
		Logger:      logger,
	})

	config := &Config{
		StateDir:         stateDir,
		OwnerID:          "+2341234567890",
		ProbeInterval:    10 * time.Millisecond,
		DebounceInterval: 20 * time.Millisecond,
		Logger:           logger,
	}
	dropDir := ""
	if withDropDir {
		dropDir = filepath.Join(base, "drop")
		config.DropDir = dropDir
	}

	d, err := New(store, proc, prober, nil, config)
	if err != nil {
		t.Fatalf("failed to create daemon: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("daemon did not stop")
		}
	})

	return &fixture{daemon: d, store: store, sender: sender, prober: prober, stateDir: stateDir, dropDir: dropDir}
}

func waitOnline(t *testing.T, d *Daemon) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !d.monitor.Online() {
		if time.Now().After(deadline) {
			t.Fatal("monitor never came online")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWakeMarkerTriggersFlush(t *testing.T) {
	fx := setupDaemon(t, true, false)
	waitOnline(t, fx.daemon)
	ctx := context.Background()

	rec := record.NewDocumentUpload("+2341234567890", "passport.pdf", "passport", "application/pdf", []byte("scan"), 30)
	if err := fx.store.Enqueue(ctx, rec); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if err := trigger.RegisterWake(fx.stateDir); err != nil {
		t.Fatalf("RegisterWake failed: %v", err)
	}

	select {
	case <-fx.sender.got:
	case <-time.After(3 * time.Second):
		t.Fatal("wake marker never triggered a flush")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		count, err := fx.store.Count(ctx)
		if err != nil {
			t.Fatalf("Count failed: %v", err)
		}
		if count == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("queue not cleared after flush: %d pending", count)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if trigger.WakePending(fx.stateDir) {
		t.Error("wake marker not consumed")
	}
}

func TestOnlineEdgeFlushesQueue(t *testing.T) {
	fx := setupDaemon(t, false, false)
	ctx := context.Background()

	// Enqueue while offline, as the CLI does.
	rec := record.NewApplicationSubmission("+2341234567890", "cac", "ng", map[string]string{"fullName": "Demo User"})
	if err := fx.store.Enqueue(ctx, rec); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := trigger.RegisterWake(fx.stateDir); err != nil {
		t.Fatalf("RegisterWake failed: %v", err)
	}

	// Give the daemon a few offline probes; nothing must be sent.
	time.Sleep(50 * time.Millisecond)
	if fx.sender.calls() != 0 {
		t.Fatalf("flush attempted while offline: %d calls", fx.sender.calls())
	}
	if !trigger.WakePending(fx.stateDir) {
		t.Fatal("wake marker consumed while offline")
	}

	fx.prober.set(true)

	select {
	case <-fx.sender.got:
	case <-time.After(3 * time.Second):
		t.Fatal("connectivity restoration never triggered a flush")
	}

	fx.sender.mu.Lock()
	batch := fx.sender.batches[0]
	fx.sender.mu.Unlock()
	if len(batch) != 1 || batch[0].ID != rec.ID {
		t.Errorf("unexpected batch %+v", batch)
	}
}

func TestDropDirIntake(t *testing.T) {
	fx := setupDaemon(t, true, true)
	waitOnline(t, fx.daemon)

	path := filepath.Join(fx.dropDir, "utility_bill.png")
	if err := os.WriteFile(path, []byte("png bytes"), 0o644); err != nil {
		t.Fatalf("failed to write dropped file: %v", err)
	}

	select {
	case <-fx.sender.got:
	case <-time.After(3 * time.Second):
		t.Fatal("dropped file never reached a batch")
	}

	fx.sender.mu.Lock()
	batch := fx.sender.batches[0]
	fx.sender.mu.Unlock()
	if len(batch) != 1 {
		t.Fatalf("expected 1 record, got %d", len(batch))
	}
	got := batch[0]
	if got.Kind != record.KindDocumentUpload || got.Document.Filename != "utility_bill.png" {
		t.Errorf("unexpected record %+v", got)
	}
	if got.OwnerID != "+2341234567890" {
		t.Errorf("unexpected owner %s", got.OwnerID)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("dropped file not removed after intake")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
