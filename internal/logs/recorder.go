// Package logs implements the request audit trail: a non-blocking batched
// recorder in front of the embedded database, query and export surfaces,
// windowed metrics, and retention pruning.
package logs

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rubberduck-proxy/rubberduck/internal/model"
	"github.com/rubberduck-proxy/rubberduck/internal/store"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// Recorder accepts log entries on the proxy hot path without blocking it.
// Entries buffer in a channel and a background goroutine flushes them to the
// database in batches. When the buffer fills, new entries are dropped and
// counted in Dropped.
type Recorder struct {
	ch        chan model.LogEntry
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64

	store *store.Store
	log   *slog.Logger
}

func NewRecorder(st *store.Store, log *slog.Logger) *Recorder {
	r := &Recorder{
		ch:    make(chan model.LogEntry, channelBuffer),
		done:  make(chan struct{}),
		store: st,
		log:   log,
	}
	r.wg.Add(1)
	go r.run()
	return r
}

// Record enqueues one entry. Never blocks: a full buffer drops the entry.
func (r *Recorder) Record(entry model.LogEntry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	select {
	case r.ch <- entry:
	default:
		atomic.AddInt64(&r.dropped, 1)
	}
}

// Dropped reports how many entries were discarded due to a full buffer.
func (r *Recorder) Dropped() int64 {
	return atomic.LoadInt64(&r.dropped)
}

// Close drains the buffer, flushes the final batch and stops the writer.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		close(r.done)
	})
	r.wg.Wait()
	return nil
}

func (r *Recorder) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]model.LogEntry, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if _, err := r.store.AppendLogs(batch); err != nil {
			r.log.Error("log_flush_failed",
				slog.Int("batch_size", len(batch)),
				slog.String("error", err.Error()),
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-r.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-r.done:
			for {
				select {
				case entry := <-r.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}
