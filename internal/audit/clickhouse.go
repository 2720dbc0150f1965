package audit

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

const (
	mirrorBufferSize    = 10_000
	mirrorFlushInterval = 100 * time.Millisecond
	mirrorFlushBatch    = 1000
	mirrorDrainTimeout  = 2 * time.Second
)

// ClickHouseMirror is an optional secondary sink that batch-inserts audit
// events into ClickHouse. Write is non-blocking; the JSONL segment remains
// the durable record, so a full buffer drops the mirrored copy with a
// warning rather than stalling a security check.
type ClickHouseMirror struct {
	conn    driver.Conn
	buffer  chan *Event
	done    chan struct{}
	flushed chan struct{}
	logger  *zap.Logger
}

// NewClickHouseMirror connects to ClickHouse and starts the flush loop.
func NewClickHouseMirror(dsn string, logger *zap.Logger) (*ClickHouseMirror, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	// Secure deployments (e.g. port 9440) expect TLS even when the DSN
	// omits ?secure=true.
	if opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, err
	}

	m := &ClickHouseMirror{
		conn:    conn,
		buffer:  make(chan *Event, mirrorBufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		logger:  logger,
	}
	go m.flushLoop()
	return m, nil
}

// Write queues an event for async insertion. Drops when the buffer is full.
func (m *ClickHouseMirror) Write(e *Event) {
	select {
	case m.buffer <- e:
	default:
		m.logger.Warn("clickhouse mirror buffer full, dropping copy",
			zap.String("id", e.ID),
		)
	}
}

// Close drains remaining events (up to mirrorDrainTimeout) and returns.
func (m *ClickHouseMirror) Close() {
	close(m.done)
	<-m.flushed
}

func (m *ClickHouseMirror) flushLoop() {
	defer close(m.flushed)

	ticker := time.NewTicker(mirrorFlushInterval)
	defer ticker.Stop()

	batch := make([]*Event, 0, mirrorFlushBatch)

	for {
		select {
		case e := <-m.buffer:
			batch = append(batch, e)
			if len(batch) >= mirrorFlushBatch {
				m.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				m.flush(batch)
				batch = batch[:0]
			}
		case <-m.done:
			drainCtx, cancel := context.WithTimeout(context.Background(), mirrorDrainTimeout)
			defer cancel()
		drainLoop:
			for {
				select {
				case e := <-m.buffer:
					batch = append(batch, e)
				case <-drainCtx.Done():
					break drainLoop
				default:
					break drainLoop
				}
			}
			if len(batch) > 0 {
				m.flush(batch)
			}
			return
		}
	}
}

func (m *ClickHouseMirror) flush(events []*Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batch, err := m.conn.PrepareBatch(ctx, `
		INSERT INTO gateway_audit_events (
			id, timestamp, identity, kind, success, reason, severity, metadata
		)
	`)
	if err != nil {
		m.logger.Error("clickhouse mirror prepare batch failed", zap.Error(err))
		return
	}

	for _, e := range events {
		var success uint8
		if e.Success {
			success = 1
		}
		if err := batch.Append(
			e.ID,
			e.Timestamp,
			e.Identity,
			e.Kind,
			success,
			e.Reason,
			string(e.Severity),
			e.Metadata,
		); err != nil {
			m.logger.Error("clickhouse mirror append failed",
				zap.String("id", e.ID),
				zap.Error(err),
			)
		}
	}

	if err := batch.Send(); err != nil {
		m.logger.Error("clickhouse mirror batch send failed",
			zap.Int("batch_size", len(events)),
			zap.Error(err),
		)
	}
}
