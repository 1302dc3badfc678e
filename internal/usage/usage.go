// Package usage implements UsageRecorder: a non-blocking, batched sink for
// per-request usage events, persisted to ClickHouse for analytics. The hot
// path never awaits a record call — entries are buffered on a channel and
// flushed by a background goroutine, exactly as the gateway's request
// logger does for request logs.
package usage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// conn is the narrow slice of driver.Conn this package actually calls.
// Defining our own interface (rather than depending on the full
// clickhouse-go Conn surface) keeps Recorder testable without a live
// ClickHouse connection.
type conn interface {
	PrepareBatch(ctx context.Context, query string) (driver.Batch, error)
	Ping(ctx context.Context) error
	Close() error
}

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// Event is one usage record: `record({userId, action, provider?, tokensUsed?})`.
type Event struct {
	UserID     string
	Action     string
	Provider   string
	TokensUsed int
	CreatedAt  time.Time
}

// Recorder batches Events and persists them to ClickHouse. Failures are
// logged and discarded — usage accounting never blocks or fails a request.
type Recorder struct {
	ch        chan Event
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64

	conn    conn
	baseCtx context.Context
	log     *slog.Logger
}

// New opens a ClickHouse connection and starts the background flush loop.
// dsn follows clickhouse-go's native DSN format (clickhouse://host:port/db).
func New(ctx context.Context, dsn string, logger *slog.Logger) (*Recorder, error) {
	if ctx == nil {
		return nil, fmt.Errorf("usage: context must not be nil")
	}

	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("usage: parse dsn: %w", err)
	}
	chConn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("usage: open: %w", err)
	}
	if err := chConn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("usage: ping: %w", err)
	}

	return newWithConn(ctx, chConn, logger), nil
}

func newWithConn(ctx context.Context, c conn, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		ch:      make(chan Event, channelBuffer),
		done:    make(chan struct{}),
		conn:    c,
		baseCtx: ctx,
		log:     logger,
	}
	r.wg.Add(1)
	go r.run()
	return r
}

// Record enqueues an event without blocking. If the internal buffer is
// full, the event is dropped and counted — usage reporting degrades before
// the request path does.
func (r *Recorder) Record(e Event) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	select {
	case r.ch <- e:
	default:
		atomic.AddInt64(&r.dropped, 1)
	}
}

func (r *Recorder) Dropped() int64 {
	return atomic.LoadInt64(&r.dropped)
}

func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		close(r.done)
	})
	r.wg.Wait()
	return r.conn.Close()
}

func (r *Recorder) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := r.insertBatch(ctx, batch); err != nil {
			r.log.WarnContext(ctx, "usage_flush_error", slog.Int("count", len(batch)), slog.String("error", err.Error()))
		}
		batch = batch[:0]
	}

	for {
		select {
		case e := <-r.ch:
			batch = append(batch, e)
			if len(batch) >= batchSize {
				flush(r.baseCtx)
			}

		case <-ticker.C:
			flush(r.baseCtx)

		case <-r.done:
			for {
				select {
				case e := <-r.ch:
					batch = append(batch, e)
					if len(batch) >= batchSize {
						flush(r.baseCtx)
					}
				default:
					flush(r.baseCtx)
					return
				}
			}
		}
	}
}

func (r *Recorder) insertBatch(ctx context.Context, batch []Event) error {
	b, err := r.conn.PrepareBatch(ctx, "INSERT INTO usage_events (user_id, action, provider, tokens_used, created_at)")
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	for _, e := range batch {
		if err := b.Append(e.UserID, e.Action, e.Provider, uint32(e.TokensUsed), e.CreatedAt); err != nil {
			return fmt.Errorf("append: %w", err)
		}
	}
	return b.Send()
}
