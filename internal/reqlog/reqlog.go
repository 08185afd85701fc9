// Package reqlog implements a non-blocking, batched per-request log emitter.
//
// The router emits exactly one Record per proxied request. Records are
// written to an internal buffered channel and flushed in batches by a
// background goroutine, so logging never blocks the proxy hot path. If the
// channel fills up (> 10 000 records), new records are dropped and counted
// in Dropped.
package reqlog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// Outcome values for a proxied request.
const (
	OutcomeHit           = "hit"
	OutcomeMiss          = "miss"
	OutcomeRecord        = "record"
	OutcomeUpstreamError = "upstream_error"
)

// Record is the per-request observability contract: fingerprint id, outcome,
// HTTP status, end-to-end duration, and the model when derivable.
type Record struct {
	ID         string
	Outcome    string
	Status     int
	DurationMs int64
	Model      string
}

// Logger drains Records to slog in the background.
type Logger struct {
	ch        chan Record
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64

	baseCtx context.Context
	log     *slog.Logger
}

func New(ctx context.Context, slogger *slog.Logger) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("reqlog: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	l := &Logger{
		ch:      make(chan Record, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     slogger,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Log enqueues a record. Never blocks; drops when the buffer is full.
func (l *Logger) Log(r Record) {
	select {
	case l.ch <- r:
	default:
		atomic.AddInt64(&l.dropped, 1)
	}
}

// Dropped returns the number of records lost to a full buffer.
func (l *Logger) Dropped() int64 {
	return atomic.LoadInt64(&l.dropped)
}

// Close drains remaining records and stops the background goroutine.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		for _, r := range batch {
			l.log.InfoContext(ctx, "request",
				slog.String("id", r.ID),
				slog.String("outcome", r.Outcome),
				slog.Int("status", r.Status),
				slog.Int64("duration_ms", r.DurationMs),
				slog.String("model", r.Model),
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case r := <-l.ch:
			batch = append(batch, r)
			if len(batch) >= batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			for {
				select {
				case r := <-l.ch:
					batch = append(batch, r)
					if len(batch) >= batchSize {
						flush(l.baseCtx)
					}
				default:
					flush(l.baseCtx)
					return
				}
			}
		}
	}
}
