package activitylog

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/agorahq/agora/internal/common/logger"
)

const (
	defaultQueueSize = 256

	// asyncWriteTimeout bounds each backend write so a wedged database
	// cannot stall the drain goroutine forever.
	asyncWriteTimeout = 5 * time.Second

	// asyncCloseGrace bounds how long Close waits for queued records to
	// flush before closing the backend anyway.
	asyncCloseGrace = 5 * time.Second
)

// Async decorates a Store with a bounded queue and a single drain
// goroutine. Enqueueing never blocks: when the queue is full the record
// is counted and dropped, and backend write failures are logged and
// dropped. This keeps the bus path independent of store health.
//
// Reads (RecentActivity, Ping) pass through to the backend synchronously.
type Async struct {
	backend Store
	queue   chan asyncRecord
	logger  *logger.Logger

	dropped atomic.Int64
	closed  atomic.Bool

	quit      chan struct{}
	drained   chan struct{}
	closeOnce sync.Once
}

var _ Store = (*Async)(nil)

// asyncRecord carries exactly one of an activity or a log entry.
type asyncRecord struct {
	activity *Activity
	entry    *LogEntry
}

// NewAsync wraps backend with the async writer. A non-positive queueSize
// falls back to the default of 256.
func NewAsync(backend Store, queueSize int, log *logger.Logger) *Async {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	a := &Async{
		backend: backend,
		queue:   make(chan asyncRecord, queueSize),
		logger:  log,
		quit:    make(chan struct{}),
		drained: make(chan struct{}),
	}
	go a.drain()
	return a
}

// RecordActivity enqueues the row for background writing. It always
// returns nil: overflow and backend failures are logged, not surfaced.
func (a *Async) RecordActivity(_ context.Context, activity Activity) error {
	a.enqueue(asyncRecord{activity: &activity})
	return nil
}

// RecordLog enqueues the row for background writing. It always returns
// nil: overflow and backend failures are logged, not surfaced.
func (a *Async) RecordLog(_ context.Context, entry LogEntry) error {
	a.enqueue(asyncRecord{entry: &entry})
	return nil
}

// RecentActivity reads through to the backend.
func (a *Async) RecentActivity(ctx context.Context, limit int) ([]Activity, error) {
	return a.backend.RecentActivity(ctx, limit)
}

// Ping reads through to the backend.
func (a *Async) Ping(ctx context.Context) error {
	return a.backend.Ping(ctx)
}

// Dropped reports how many records were discarded because the queue was
// full or the writer was closed.
func (a *Async) Dropped() int64 {
	return a.dropped.Load()
}

// Close stops accepting records, waits up to a bounded grace for the
// queue to flush, and closes the backend.
func (a *Async) Close() error {
	a.closeOnce.Do(func() {
		a.closed.Store(true)
		close(a.quit)
	})
	select {
	case <-a.drained:
	case <-time.After(asyncCloseGrace):
		a.logger.Warn("Activity log close grace expired with records still queued",
			zap.Int("queued", len(a.queue)))
	}
	return a.backend.Close()
}

func (a *Async) enqueue(rec asyncRecord) {
	if a.closed.Load() {
		a.dropped.Add(1)
		return
	}
	select {
	case a.queue <- rec:
	default:
		total := a.dropped.Add(1)
		a.logger.Warn("Activity log queue full, dropping record",
			zap.Int64("dropped_total", total))
	}
}

func (a *Async) drain() {
	defer close(a.drained)
	for {
		select {
		case rec := <-a.queue:
			a.write(rec)
		case <-a.quit:
			for {
				select {
				case rec := <-a.queue:
					a.write(rec)
				default:
					return
				}
			}
		}
	}
}

func (a *Async) write(rec asyncRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), asyncWriteTimeout)
	defer cancel()

	var err error
	switch {
	case rec.activity != nil:
		err = a.backend.RecordActivity(ctx, *rec.activity)
	case rec.entry != nil:
		err = a.backend.RecordLog(ctx, *rec.entry)
	}
	if err != nil {
		a.logger.Warn("Failed to write activity log record", zap.Error(err))
	}
}
