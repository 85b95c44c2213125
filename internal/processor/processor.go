// Package processor drains the durable queue into one batch call.
//
// A flush is all-or-nothing: the entire queue is sent in a single request
// and cleared only on a confirmed full-batch success. On any failure the
// queue is left byte-identical so the next trigger retries the same batch;
// the server deduplicates by record ID, which makes re-delivery safe.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/regdesk/regsync/internal/api"
	"github.com/regdesk/regsync/internal/queue"
	"github.com/regdesk/regsync/internal/record"
)

// BatchSender delivers a full ordered batch of records to the server.
// Satisfied by *api.Client.
type BatchSender interface {
	ProcessQueue(ctx context.Context, records []*record.Record) error
}

// Outcome describes what a Flush call did.
type Outcome int

const (
	// FlushFailed is the zero value, reported together with a non-nil
	// error whenever an attempted flush did not complete. The queue is
	// untouched.
	FlushFailed Outcome = iota
	// FlushedBatch means a non-empty batch was delivered and the queue
	// was cleared.
	FlushedBatch
	// QueueEmpty means there was nothing to send; no network call made.
	QueueEmpty
	// Coalesced means another flush was already in progress, or the
	// retry backoff had not elapsed. The call did nothing; the caller
	// relies on the next natural trigger.
	Coalesced
)

// String returns a human-readable representation of the outcome.
func (o Outcome) String() string {
	switch o {
	case FlushFailed:
		return "failed"
	case FlushedBatch:
		return "flushed"
	case QueueEmpty:
		return "empty"
	case Coalesced:
		return "coalesced"
	default:
		return "unknown"
	}
}

// Result reports the outcome of one Flush call.
type Result struct {
	Outcome Outcome
	// Sent is the number of records delivered (0 unless FlushedBatch).
	Sent int
}

// Config holds processor tuning knobs.
type Config struct {
	// BackoffBase is the delay after the first failed flush.
	BackoffBase time.Duration

	// BackoffCap is the ceiling for the exponential retry delay.
	BackoffCap time.Duration

	// Logger for flush activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BackoffBase: 5 * time.Second,
		BackoffCap:  5 * time.Minute,
		Logger:      log.New(os.Stderr, "[processor] ", log.LstdFlags),
	}
}

// Processor owns the single-flight flush discipline over a queue store.
type Processor struct {
	store  *queue.Store
	sender BatchSender
	config *Config

	// flushing enforces at most one flush in flight.
	flushing atomic.Bool

	mu          sync.Mutex
	failures    int
	nextAttempt time.Time
	observers   []func()
}

// New creates a Processor over the given store and sender.
// A nil config uses DefaultConfig.
func New(store *queue.Store, sender BatchSender, config *Config) *Processor {
	if config == nil {
		config = DefaultConfig()
	}
	if config.BackoffBase == 0 {
		config.BackoffBase = 5 * time.Second
	}
	if config.BackoffCap == 0 {
		config.BackoffCap = 5 * time.Minute
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[processor] ", log.LstdFlags)
	}
	return &Processor{
		store:  store,
		sender: sender,
		config: config,
	}
}

// Subscribe registers an observer invoked after every successful
// non-empty flush. Observers re-fetch authoritative state; they receive
// no data from the flush itself.
func (p *Processor) Subscribe(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, fn)
}

// NoteEnqueued resets the retry backoff. Called after a new record is
// queued so fresh work is attempted promptly on the next trigger.
func (p *Processor) NoteEnqueued() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = 0
	p.nextAttempt = time.Time{}
}

// Flush attempts one batch delivery, honoring the retry backoff.
// Triggers that fire while a flush is running, or before the backoff has
// elapsed, are coalesced: they return immediately with no error and no
// network call.
func (p *Processor) Flush(ctx context.Context) (Result, error) {
	p.mu.Lock()
	wait := time.Until(p.nextAttempt)
	p.mu.Unlock()
	if wait > 0 {
		return Result{Outcome: Coalesced}, nil
	}
	return p.flush(ctx)
}

// FlushNow attempts one batch delivery regardless of backoff. Used by
// the manual retry path. The single-flight rule still applies.
func (p *Processor) FlushNow(ctx context.Context) (Result, error) {
	return p.flush(ctx)
}

func (p *Processor) flush(ctx context.Context) (Result, error) {
	if !p.flushing.CompareAndSwap(false, true) {
		return Result{Outcome: Coalesced}, nil
	}
	defer p.flushing.Store(false)

	records, err := p.store.ListAll(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("flush aborted: %w", err)
	}

	if len(records) == 0 {
		return Result{Outcome: QueueEmpty}, nil
	}

	p.config.Logger.Printf("Flushing %d pending record(s)", len(records))

	if err := p.sender.ProcessQueue(ctx, records); err != nil {
		p.recordFailure(err)
		return Result{}, fmt.Errorf("flush failed, queue preserved: %w", err)
	}

	// The batch is confirmed; exactly the delivered records are removed.
	// A record enqueued by another process while the batch was on the
	// wire was not part of it and stays queued for the next flush. If
	// the clear itself fails the records will be re-delivered later,
	// which the server's per-ID dedup absorbs.
	if err := p.store.ClearBatch(ctx, records); err != nil {
		return Result{}, fmt.Errorf("batch confirmed but queue not cleared: %w", err)
	}

	p.mu.Lock()
	p.failures = 0
	p.nextAttempt = time.Time{}
	observers := make([]func(), len(p.observers))
	copy(observers, p.observers)
	p.mu.Unlock()

	p.config.Logger.Printf("Flush complete: %d record(s) delivered", len(records))

	for _, fn := range observers {
		fn()
	}

	return Result{Outcome: FlushedBatch, Sent: len(records)}, nil
}

// recordFailure advances the exponential backoff window.
func (p *Processor) recordFailure(cause error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delay := p.config.BackoffBase << p.failures
	if delay > p.config.BackoffCap || delay <= 0 {
		delay = p.config.BackoffCap
	}
	p.failures++
	p.nextAttempt = time.Now().Add(delay)

	switch {
	case errors.Is(cause, api.ErrAuthExpired):
		p.config.Logger.Printf("Flush failed: session expired, re-login required (retry in %v)", delay)
	default:
		p.config.Logger.Printf("Flush failed: %v (retry in %v)", cause, delay)
	}
}
