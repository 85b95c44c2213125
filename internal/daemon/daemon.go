// Package daemon provides the background sync process.
//
// The daemon:
// 1. Polls server connectivity and flushes the queue on the offline-to-
//    online transition
// 2. Watches the state directory for one-shot wake markers registered by
//    CLI invocations
// 3. Optionally watches a drop directory, enqueuing dropped files as
//    document uploads
// 4. Broadcasts queue events to local WebSocket clients
package daemon

import (
	"context"
	"fmt"
	"log"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/regdesk/regsync/internal/notify"
	"github.com/regdesk/regsync/internal/processor"
	"github.com/regdesk/regsync/internal/queue"
	"github.com/regdesk/regsync/internal/record"
	"github.com/regdesk/regsync/internal/trigger"
)

// Config holds configuration for the daemon.
type Config struct {
	// StateDir holds the wake marker watched for CLI sync requests.
	StateDir string

	// DropDir, when non-empty, is watched for files to enqueue as
	// document uploads.
	DropDir string

	// OwnerID identifies the account that owns enqueued drop-dir
	// records (the logged-in phone number).
	OwnerID string

	// DocumentType assigned to drop-dir uploads (default: "document").
	DocumentType string

	// ProbeInterval is how often to probe server connectivity.
	ProbeInterval time.Duration

	// DebounceInterval batches rapid drop-dir events together.
	DebounceInterval time.Duration

	// Logger for daemon activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ProbeInterval:    15 * time.Second,
		DebounceInterval: 500 * time.Millisecond,
		DocumentType:     "document",
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon orchestrates connectivity monitoring, wake handling, and flushes.
type Daemon struct {
	store  *queue.Store
	proc   *processor.Processor
	events *notify.Server
	config *Config

	monitor *trigger.Monitor
	watcher *fsnotify.Watcher

	dropQueue   map[string]time.Time
	dropQueueMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Daemon. The notify server may be nil to disable local
// event broadcasting.
func New(store *queue.Store, proc *processor.Processor, prober trigger.HealthProber, events *notify.Server, config *Config) (*Daemon, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if proc == nil {
		return nil, fmt.Errorf("processor cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.StateDir == "" {
		return nil, fmt.Errorf("state directory cannot be empty")
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}
	if config.DebounceInterval == 0 {
		config.DebounceInterval = 500 * time.Millisecond
	}
	if config.DocumentType == "" {
		config.DocumentType = "document"
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		store:     store,
		proc:      proc,
		events:    events,
		config:    config,
		watcher:   watcher,
		dropQueue: make(map[string]time.Time),
		ctx:       ctx,
		cancel:    cancel,
	}

	d.monitor = trigger.NewMonitor(prober, trigger.MonitorConfig{
		ProbeInterval: config.ProbeInterval,
		OnOnline:      d.onOnline,
		OnOffline:     d.onOffline,
	})

	return d, nil
}

// Start begins the daemon's operation. Blocks until ctx is cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting sync daemon")

	if err := os.MkdirAll(d.config.StateDir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	if err := d.watcher.Add(d.config.StateDir); err != nil {
		return fmt.Errorf("failed to watch state directory: %w", err)
	}

	if d.config.DropDir != "" {
		if err := os.MkdirAll(d.config.DropDir, 0o755); err != nil {
			return fmt.Errorf("failed to create drop directory: %w", err)
		}
		if err := d.watcher.Add(d.config.DropDir); err != nil {
			return fmt.Errorf("failed to watch drop directory: %w", err)
		}
		d.config.Logger.Printf("Watching drop directory: %s", d.config.DropDir)
	}

	d.wg.Add(3)
	go d.runMonitor()
	go d.watchEvents()
	go d.processDropQueue()

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts the daemon down.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping sync daemon")

	d.cancel()

	if err := d.watcher.Close(); err != nil {
		d.config.Logger.Printf("Error closing watcher: %v", err)
	}

	d.wg.Wait()

	d.config.Logger.Println("Sync daemon stopped")
	return nil
}

func (d *Daemon) runMonitor() {
	defer d.wg.Done()
	_ = d.monitor.Run(d.ctx)
}

// onOnline fires on the offline-to-online edge. Any pending wake is
// consumed here; the flush it asked for is about to happen anyway.
func (d *Daemon) onOnline() {
	d.config.Logger.Println("Connectivity restored")
	if d.events != nil {
		d.events.Connectivity(true)
	}

	woken, err := trigger.ConsumeWake(d.config.StateDir)
	if err != nil {
		d.config.Logger.Printf("Error consuming wake marker: %v", err)
	}

	// A registered wake is an explicit request: bypass any backoff.
	d.trySync(woken)
}

func (d *Daemon) onOffline() {
	d.config.Logger.Println("Connectivity lost")
	if d.events != nil {
		d.events.Connectivity(false)
	}
}

// trySync runs one flush attempt and broadcasts the result.
func (d *Daemon) trySync(bypassBackoff bool) {
	ctx, cancel := context.WithTimeout(d.ctx, 2*time.Minute)
	defer cancel()

	var res processor.Result
	var err error
	if bypassBackoff {
		res, err = d.proc.FlushNow(ctx)
	} else {
		res, err = d.proc.Flush(ctx)
	}
	if err != nil {
		d.config.Logger.Printf("Sync attempt failed: %v", err)
		return
	}

	if res.Outcome == processor.FlushedBatch && d.events != nil {
		d.events.QueueProcessed(res.Sent)
	}
}

// watchEvents routes filesystem events: wake markers trigger a sync,
// drop-dir files are queued for debounced intake.
func (d *Daemon) watchEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}

			switch {
			case filepath.Base(event.Name) == trigger.WakeFileName:
				d.onWakeMarker()
			case d.config.DropDir != "" && filepath.Dir(event.Name) == d.config.DropDir:
				d.queueDrop(event.Name)
			}

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// onWakeMarker handles a CLI-registered sync request. Offline, the
// marker is left in place for the next online edge.
func (d *Daemon) onWakeMarker() {
	if !d.monitor.Online() {
		d.config.Logger.Println("Sync wake registered while offline; deferred")
		return
	}

	woken, err := trigger.ConsumeWake(d.config.StateDir)
	if err != nil {
		d.config.Logger.Printf("Error consuming wake marker: %v", err)
		return
	}
	if !woken {
		return
	}

	d.config.Logger.Println("Sync wake received")
	d.trySync(true)
}

func (d *Daemon) queueDrop(path string) {
	d.dropQueueMu.Lock()
	defer d.dropQueueMu.Unlock()
	d.dropQueue[path] = time.Now()
}

// processDropQueue enqueues settled drop-dir files as document uploads.
func (d *Daemon) processDropQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.intakeSettledDrops()
		}
	}
}

func (d *Daemon) intakeSettledDrops() {
	d.dropQueueMu.Lock()
	var ready []string
	now := time.Now()
	for path, queuedAt := range d.dropQueue {
		if now.Sub(queuedAt) >= d.config.DebounceInterval {
			ready = append(ready, path)
			delete(d.dropQueue, path)
		}
	}
	d.dropQueueMu.Unlock()

	for _, path := range ready {
		if err := d.intakeFile(path); err != nil {
			d.config.Logger.Printf("Error enqueuing dropped file %s: %v", path, err)
		}
	}

	if len(ready) > 0 {
		if d.events != nil {
			if count, err := d.store.Count(d.ctx); err == nil {
				d.events.QueueChanged(count)
			}
		}
		// New work resets the backoff; if we are online, sync now.
		d.proc.NoteEnqueued()
		if d.monitor.Online() {
			d.trySync(false)
		}
	}
}

// intakeFile enqueues one dropped file as a document upload and removes
// it from the drop directory.
func (d *Daemon) intakeFile(path string) error {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return nil // vanished or a directory; nothing to do
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read dropped file: %w", err)
	}

	filename := filepath.Base(path)
	mimeType := mime.TypeByExtension(filepath.Ext(filename))
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = mimeType[:i]
	}

	rec := record.NewDocumentUpload(d.config.OwnerID, filename, d.config.DocumentType, mimeType, content, 0)
	if err := d.store.Enqueue(d.ctx, rec); err != nil {
		return err
	}

	d.config.Logger.Printf("Enqueued dropped file %s as %s", filename, rec.ID)

	if err := os.Remove(path); err != nil {
		d.config.Logger.Printf("Warning: failed to remove dropped file %s: %v", path, err)
	}
	return nil
}
