package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// DefaultRotateBytes is the segment size that triggers rotation.
	DefaultRotateBytes = 10 << 20

	segmentName = "audit.jsonl"

	defaultRecentWindow = 4096
	defaultBuffer       = 1024
	drainTimeout        = 2 * time.Second
)

// Sink receives sanitized events in addition to the JSONL segment.
// Write must never block the caller.
type Sink interface {
	Write(e *Event)
	Close()
}

// Config controls the audit logger.
type Config struct {
	// Dir holds the active segment and rotated segments.
	Dir string
	// RotateBytes is the segment size threshold checked on every write.
	RotateBytes int64
	// MinSeverity is the lowest severity persisted to disk and mirrored.
	// Events below it still enter the in-memory query window.
	MinSeverity Severity
	// RecentWindow bounds the in-memory window served by Query.
	RecentWindow int
	// Buffer is the capacity of the async write queue.
	Buffer int
}

func (c Config) withDefaults() Config {
	if c.RotateBytes <= 0 {
		c.RotateBytes = DefaultRotateBytes
	}
	if c.MinSeverity == "" {
		c.MinSeverity = SeverityInfo
	}
	if c.RecentWindow <= 0 {
		c.RecentWindow = defaultRecentWindow
	}
	if c.Buffer <= 0 {
		c.Buffer = defaultBuffer
	}
	return c
}

// Logger is an append-only JSONL audit log. Log never returns an error;
// a failed append is reported to the process logger with the full event
// payload so the record is never silently lost. File writes are serialized
// through a single writer goroutine.
type Logger struct {
	cfg    Config
	mirror Sink
	logger *zap.Logger

	events  chan *Event
	done    chan struct{}
	flushed chan struct{}

	fileMu sync.Mutex
	file   *os.File
	size   int64

	recentMu sync.RWMutex
	recent   []*Event
	next     int
	filled   bool

	// stateMu orders Log against Close: an event is either enqueued while
	// the writer is alive or persisted directly after close, never sent
	// into a channel nobody reads.
	stateMu sync.RWMutex
	closed  bool

	closeOnce sync.Once
}

// NewLogger opens (or creates) the active segment under cfg.Dir and starts
// the writer goroutine. mirror may be nil.
func NewLogger(cfg Config, mirror Sink, logger *zap.Logger) (*Logger, error) {
	cfg = cfg.withDefaults()
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("audit: create dir: %w", err)
	}

	path := filepath.Join(cfg.Dir, segmentName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("audit: open segment: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("audit: stat segment: %w", err)
	}

	l := &Logger{
		cfg:     cfg,
		mirror:  mirror,
		logger:  logger,
		events:  make(chan *Event, cfg.Buffer),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		file:    file,
		size:    info.Size(),
		recent:  make([]*Event, cfg.RecentWindow),
	}
	go l.writeLoop()
	return l, nil
}

// Log records an event. It fills in the ID and timestamp when absent,
// redacts and truncates fields, and never propagates a failure. The event
// is visible to Query immediately; the disk append is asynchronous.
func (l *Logger) Log(e *Event) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}
	clean := Sanitize(e)

	l.remember(clean)

	if !clean.Severity.AtLeast(l.cfg.MinSeverity) {
		return
	}
	if l.mirror != nil {
		l.mirror.Write(clean)
	}

	l.stateMu.RLock()
	if l.closed {
		l.stateMu.RUnlock()
		// Writer is gone; append directly rather than drop the record.
		l.persist(clean)
		return
	}
	l.events <- clean
	l.stateMu.RUnlock()
}

// Close drains queued events, closes the segment and the mirror sink.
func (l *Logger) Close() {
	l.closeOnce.Do(func() {
		// Flip closed before signalling the writer: once the lock is
		// released no Log can enqueue, so the drain below sees every
		// event that was ever sent.
		l.stateMu.Lock()
		l.closed = true
		l.stateMu.Unlock()
		close(l.done)
		select {
		case <-l.flushed:
		case <-time.After(drainTimeout):
			l.logger.Warn("audit drain timed out")
		}
		l.fileMu.Lock()
		if l.file != nil {
			l.file.Close()
			l.file = nil
		}
		l.fileMu.Unlock()
		if l.mirror != nil {
			l.mirror.Close()
		}
	})
}

func (l *Logger) writeLoop() {
	defer close(l.flushed)
	for {
		select {
		case e := <-l.events:
			l.persist(e)
		case <-l.done:
			for {
				select {
				case e := <-l.events:
					l.persist(e)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) persist(e *Event) {
	line, err := json.Marshal(e)
	if err != nil {
		l.logger.Error("audit event not encodable",
			zap.String("id", e.ID),
			zap.String("identity", e.Identity),
			zap.Error(err),
		)
		return
	}
	line = append(line, '\n')

	l.fileMu.Lock()
	defer l.fileMu.Unlock()

	if l.file == nil {
		l.reportLost(e, fmt.Errorf("segment closed"))
		return
	}
	if l.size+int64(len(line)) > l.cfg.RotateBytes && l.size > 0 {
		if err := l.rotateLocked(); err != nil {
			l.logger.Error("audit rotation failed", zap.Error(err))
			// Keep appending to the oversized segment rather than lose events.
		}
	}
	n, err := l.file.Write(line)
	l.size += int64(n)
	if err != nil {
		l.reportLost(e, err)
	}
}

// rotateLocked renames the active segment with a timestamp suffix and opens
// a fresh one. Caller holds fileMu.
func (l *Logger) rotateLocked() error {
	active := filepath.Join(l.cfg.Dir, segmentName)
	stamp := time.Now().UTC().Format("20060102T150405.000000000")
	rotated := filepath.Join(l.cfg.Dir, fmt.Sprintf("audit-%s.jsonl", stamp))

	if err := l.file.Close(); err != nil {
		l.logger.Warn("audit segment close failed", zap.Error(err))
	}
	if err := os.Rename(active, rotated); err != nil {
		// Reopen the old segment so writes can continue.
		file, openErr := os.OpenFile(active, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if openErr != nil {
			l.file = nil
			return fmt.Errorf("rename: %w, reopen: %v", err, openErr)
		}
		l.file = file
		return fmt.Errorf("rename: %w", err)
	}

	file, err := os.OpenFile(active, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		l.file = nil
		return fmt.Errorf("open new segment: %w", err)
	}
	l.file = file
	l.size = 0
	return nil
}

// reportLost surfaces an un-persisted event to the process logger so it is
// never dropped without trace.
func (l *Logger) reportLost(e *Event, cause error) {
	l.logger.Error("audit append failed",
		zap.Error(cause),
		zap.String("id", e.ID),
		zap.Time("timestamp", e.Timestamp),
		zap.String("identity", e.Identity),
		zap.String("kind", e.Kind),
		zap.Bool("success", e.Success),
		zap.String("reason", e.Reason),
		zap.String("severity", string(e.Severity)),
	)
}

func (l *Logger) remember(e *Event) {
	l.recentMu.Lock()
	defer l.recentMu.Unlock()
	l.recent[l.next] = e
	l.next++
	if l.next == len(l.recent) {
		l.next = 0
		l.filled = true
	}
}

// Recent returns the in-memory window in chronological order.
func (l *Logger) Recent() []*Event {
	l.recentMu.RLock()
	defer l.recentMu.RUnlock()

	var out []*Event
	if l.filled {
		out = make([]*Event, 0, len(l.recent))
		out = append(out, l.recent[l.next:]...)
		out = append(out, l.recent[:l.next]...)
	} else {
		out = make([]*Event, l.next)
		copy(out, l.recent[:l.next])
	}
	return out
}

// Filter selects events from the recent window. Zero-valued fields match
// everything.
type Filter struct {
	Identity    string
	Kind        string
	Success     *bool
	MinSeverity Severity
}

// Query filters the recent window, newest last.
func (l *Logger) Query(f Filter) []*Event {
	events := l.Recent()
	out := make([]*Event, 0, len(events))
	for _, e := range events {
		if f.Identity != "" && e.Identity != f.Identity {
			continue
		}
		if f.Kind != "" && e.Kind != f.Kind {
			continue
		}
		if f.Success != nil && e.Success != *f.Success {
			continue
		}
		if f.MinSeverity != "" && !e.Severity.AtLeast(f.MinSeverity) {
			continue
		}
		out = append(out, e)
	}
	return out
}
