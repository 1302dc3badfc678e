package usage

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

type fakeBatch struct {
	rows [][]any
}

func (b *fakeBatch) Abort() error                                  { return nil }
func (b *fakeBatch) Append(v ...any) error                         { b.rows = append(b.rows, v); return nil }
func (b *fakeBatch) AppendStruct(v any) error                       { return nil }
func (b *fakeBatch) Column(int) driver.BatchColumn                 { return nil }
func (b *fakeBatch) Flush() error                                  { return nil }
func (b *fakeBatch) IsSent() bool                                   { return true }
func (b *fakeBatch) Rows() int                                      { return len(b.rows) }
func (b *fakeBatch) Send() error                                    { return nil }

type fakeConn struct {
	mu      sync.Mutex
	batches []*fakeBatch
	failNext bool
}

func (c *fakeConn) PrepareBatch(ctx context.Context, query string) (driver.Batch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failNext {
		c.failNext = false
		return nil, errors.New("prepare failed")
	}
	b := &fakeBatch{}
	c.batches = append(c.batches, b)
	return b, nil
}

func (c *fakeConn) Ping(ctx context.Context) error { return nil }
func (c *fakeConn) Close() error                   { return nil }

func (c *fakeConn) totalRows() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, b := range c.batches {
		n += len(b.rows)
	}
	return n
}

func TestRecord_FlushesOnBatchSize(t *testing.T) {
	fc := &fakeConn{}
	r := newWithConn(context.Background(), fc, nil)
	defer r.Close()

	for i := 0; i < batchSize; i++ {
		r.Record(Event{UserID: "u1", Action: "ai_request"})
	}

	deadline := time.Now().Add(2 * time.Second)
	for fc.totalRows() < batchSize && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := fc.totalRows(); got != batchSize {
		t.Fatalf("expected %d rows flushed, got %d", batchSize, got)
	}
}

func TestRecord_DropsWhenBufferFull(t *testing.T) {
	fc := &fakeConn{}
	r := &Recorder{
		ch:      make(chan Event, 1),
		done:    make(chan struct{}),
		conn:    fc,
		baseCtx: context.Background(),
		log:     slog.Default(),
	}
	// no run() goroutine: channel fills immediately
	r.Record(Event{UserID: "u1"})
	r.Record(Event{UserID: "u2"})
	r.Record(Event{UserID: "u3"})

	if r.Dropped() != 2 {
		t.Fatalf("expected 2 dropped events, got %d", r.Dropped())
	}
}

func TestClose_FlushesRemainingBatch(t *testing.T) {
	fc := &fakeConn{}
	r := newWithConn(context.Background(), fc, nil)

	r.Record(Event{UserID: "u1", Action: "ai_request"})
	r.Record(Event{UserID: "u2", Action: "ai_request"})

	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := fc.totalRows(); got != 2 {
		t.Fatalf("expected 2 rows flushed on close, got %d", got)
	}
}
