// Package audit records the append-only history of state-changing actions.
//
// Recording is fire-and-forget: events go onto a bounded queue drained by a
// single writer goroutine. A full queue, a closed recorder or a failing store
// drops the event with a log line; the operation that produced it is never
// blocked or failed.
package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pesio-ai/be-doc-signing/internal/clock"
	"github.com/pesio-ai/be-doc-signing/internal/logger"
	"github.com/pesio-ai/be-doc-signing/internal/repository"
)

const (
	// DefaultQueryLimit is used when a caller passes no limit.
	DefaultQueryLimit = 100
	defaultQueueSize  = 1024
	appendTimeout     = 5 * time.Second
)

// Store is the durable audit ledger.
type Store interface {
	Append(ctx context.Context, event *repository.AuditEvent) error
	Query(ctx context.Context, documentID string, limit int) ([]repository.AuditEvent, error)
}

// Recorder queues audit events for asynchronous persistence.
type Recorder struct {
	store Store
	clock clock.Clock
	log   *logger.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan repository.AuditEvent
	done   chan struct{}

	dropped atomic.Int64
	failed  atomic.Int64
}

// NewRecorder starts the writer goroutine. Call Close to drain it.
func NewRecorder(store Store, clk clock.Clock, log *logger.Logger, queueSize int) *Recorder {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	r := &Recorder{
		store: store,
		clock: clk,
		log:   log.WithComponent("audit"),
		queue: make(chan repository.AuditEvent, queueSize),
		done:  make(chan struct{}),
	}
	go r.run()
	return r
}

// Record enqueues an event without blocking. The timestamp is taken from the
// recorder's clock when the event does not carry one, so queue order and
// timestamp order agree.
func (r *Recorder) Record(event repository.AuditEvent) {
	if !event.Action.Valid() {
		r.log.Error().Str("action", string(event.Action)).Msg("Rejected audit event with unknown action")
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = r.clock.Now()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		r.drop(event, "recorder closed")
		return
	}
	select {
	case r.queue <- event:
	default:
		r.drop(event, "queue full")
	}
}

// Query returns up to limit events for a document, newest first.
func (r *Recorder) Query(ctx context.Context, documentID string, limit int) ([]repository.AuditEvent, error) {
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	return r.store.Query(ctx, documentID, limit)
}

// Close stops accepting events and waits until queued events are written or
// ctx is done.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped is the number of events never handed to the store.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Failed is the number of events the store rejected.
func (r *Recorder) Failed() int64 { return r.failed.Load() }

func (r *Recorder) run() {
	defer close(r.done)
	for event := range r.queue {
		r.write(event)
	}
}

func (r *Recorder) write(event repository.AuditEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
	defer cancel()

	if err := r.store.Append(ctx, &event); err != nil {
		r.failed.Add(1)
		r.log.Warn().Err(err).
			Str("document_id", event.DocumentID).
			Str("action", string(event.Action)).
			Msg("Failed to write audit event")
	}
}

func (r *Recorder) drop(event repository.AuditEvent, reason string) {
	r.dropped.Add(1)
	r.log.Warn().
		Str("document_id", event.DocumentID).
		Str("action", string(event.Action)).
		Str("reason", reason).
		Msg("Dropped audit event")
}
