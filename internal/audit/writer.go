package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// maxBatch bounds one insert. Anything above this waits for the next flush.
const maxBatch = 64

// Writer is the asynchronous Sink. Records land in a bounded queue drained by
// a single flusher goroutine; when the queue is full the oldest queued record
// is dropped and counted. Failed batches are kept and retried on the next
// flush, so a database hiccup delays the trail instead of losing it.
type Writer struct {
	store         Store
	queue         chan Record
	flushInterval time.Duration
	logger        *slog.Logger

	dropped atomic.Uint64

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	// pending holds records whose insert failed; retried before new ones.
	// Owned by the flusher goroutine; pendingLen mirrors its length for
	// QueueDepth callers on other goroutines.
	pending    []Record
	pendingLen atomic.Int64
}

func NewWriter(store Store, queueSize int, flushInterval time.Duration, logger *slog.Logger) *Writer {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if flushInterval <= 0 {
		flushInterval = 2 * time.Second
	}
	w := &Writer{
		store:         store,
		queue:         make(chan Record, queueSize),
		flushInterval: flushInterval,
		logger:        logger,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go w.run()
	return w
}

// Write enqueues a record and never blocks. Missing id/timestamp are filled
// in here so callers can stay terse.
func (w *Writer) Write(rec Record) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	select {
	case w.queue <- rec:
		return
	default:
	}

	// Queue full: drop the oldest entry to make room, count the loss.
	select {
	case <-w.queue:
		w.dropped.Add(1)
	default:
	}
	select {
	case w.queue <- rec:
	default:
		w.dropped.Add(1)
	}
}

// Dropped reports how many records were lost to queue overflow.
func (w *Writer) Dropped() uint64 { return w.dropped.Load() }

// QueueDepth reports the number of records waiting to be flushed.
func (w *Writer) QueueDepth() int { return len(w.queue) + int(w.pendingLen.Load()) }

// Close drains the queue with a final flush and stops the flusher.
func (w *Writer) Close(ctx context.Context) error {
	w.stopOnce.Do(func() { close(w.stop) })
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) run() {
	defer close(w.done)

	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case rec := <-w.queue:
			w.pending = append(w.pending, rec)
			w.pendingLen.Store(int64(len(w.pending)))
			if len(w.pending) >= maxBatch {
				w.flush()
			}
		case <-ticker.C:
			w.flush()
		case <-w.stop:
			w.drain()
			return
		}
	}
}

func (w *Writer) flush() {
	if len(w.pending) == 0 {
		return
	}

	batch := w.pending
	if len(batch) > maxBatch {
		batch = batch[:maxBatch]
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := w.store.InsertRecords(ctx, batch); err != nil {
		w.logger.Error("audit_flush_failed", "error", err, "batch", len(batch))
		// Keep pending for retry, but never let it grow past one queue's worth.
		if over := len(w.pending) - cap(w.queue); over > 0 {
			w.pending = w.pending[over:]
			w.dropped.Add(uint64(over))
		}
		w.pendingLen.Store(int64(len(w.pending)))
		return
	}

	w.pending = w.pending[len(batch):]
	if len(w.pending) == 0 {
		w.pending = nil
	}
	w.pendingLen.Store(int64(len(w.pending)))
}

func (w *Writer) drain() {
	for {
		select {
		case rec := <-w.queue:
			w.pending = append(w.pending, rec)
			w.pendingLen.Store(int64(len(w.pending)))
		default:
			for len(w.pending) > 0 {
				before := len(w.pending)
				w.flush()
				if len(w.pending) == before {
					// Store is down; give up so shutdown is not held hostage.
					w.logger.Error("audit_drain_abandoned", "remaining", before)
					return
				}
			}
			return
		}
	}
}
