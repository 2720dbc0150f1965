package ratelimit

import (
	"container/heap"
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Admission control errors.
var (
	// ErrTimeout means the operation waited in the queue past its timeout.
	ErrTimeout = errors.New("admission wait timed out")
	// ErrCapacityExceeded means the waiting queue itself is full.
	ErrCapacityExceeded = errors.New("admission queue capacity exceeded")
	// ErrClosed means the limiter has been shut down.
	ErrClosed = errors.New("limiter closed")
	// ErrUpstreamThrottled is the explicit throttle signal callers should
	// wrap when the upstream reports rate limiting.
	ErrUpstreamThrottled = errors.New("upstream throttled")
)

// Config holds limiter tuning. Zero values fall back to defaults.
type Config struct {
	// Concurrency is the active-operation ceiling.
	Concurrency int
	// PerMinute and PerHour are the token budgets per window.
	PerMinute int
	PerHour   int
	// MaxQueue bounds the number of waiting operations.
	MaxQueue int
	// MaxBackoffLevel caps the exponential backoff exponent.
	MaxBackoffLevel int
	// BackoffUnit is the base delay; actual delay is 2^level units.
	BackoffUnit time.Duration
	// RefillTick drives the smooth partial refill between window
	// boundaries, avoiding bursty availability at boundary instants.
	RefillTick time.Duration
	// MinuteWindow and HourWindow are the bucket periods. Overridable so
	// tests do not wait out real minutes.
	MinuteWindow time.Duration
	HourWindow   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.PerMinute <= 0 {
		c.PerMinute = 60
	}
	if c.PerHour <= 0 {
		c.PerHour = 1000
	}
	if c.MaxQueue <= 0 {
		c.MaxQueue = 256
	}
	if c.MaxBackoffLevel <= 0 {
		c.MaxBackoffLevel = 5
	}
	if c.BackoffUnit <= 0 {
		c.BackoffUnit = 100 * time.Millisecond
	}
	if c.RefillTick <= 0 {
		c.RefillTick = 250 * time.Millisecond
	}
	if c.MinuteWindow <= 0 {
		c.MinuteWindow = time.Minute
	}
	if c.HourWindow <= 0 {
		c.HourWindow = time.Hour
	}
	return c
}

// Stats is a point-in-time snapshot of limiter state.
type Stats struct {
	MinuteTokens int `json:"minute_tokens"`
	HourTokens   int `json:"hour_tokens"`
	Active       int `json:"active"`
	Queued       int `json:"queued"`
	BackoffLevel int `json:"backoff_level"`
}

// Limiter is token-bucket admission control with a priority queue and
// exponential backoff on upstream throttling. It owns the only frequently
// mutated shared state in the gateway; every mutation goes through its
// mutex. Construct one per gateway and inject it — there is no package-level
// instance, so tests get isolated limiters.
type Limiter struct {
	cfg    Config
	logger *zap.Logger

	mu           sync.Mutex
	minuteTokens int
	hourTokens   int
	minuteFrac   float64
	hourFrac     float64
	lastRefill   time.Time
	minuteEpoch  time.Time // start of the current minute window
	hourEpoch    time.Time
	active       int
	backoffLevel int
	queue        waiterQueue
	seq          uint64
	closed       bool

	stop     chan struct{}
	stopOnce sync.Once
}

// NewLimiter creates a limiter with full buckets and starts its refill loop.
// Call Close to stop the loop.
func NewLimiter(cfg Config, logger *zap.Logger) *Limiter {
	cfg = cfg.withDefaults()
	now := time.Now()
	l := &Limiter{
		cfg:          cfg,
		logger:       logger,
		minuteTokens: cfg.PerMinute,
		hourTokens:   cfg.PerHour,
		lastRefill:   now,
		minuteEpoch:  now,
		hourEpoch:    now,
		stop:         make(chan struct{}),
	}
	go l.refillLoop()
	return l
}

// Close stops the refill loop and fails all queued waiters.
func (l *Limiter) Close() {
	l.stopOnce.Do(func() { close(l.stop) })

	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	for _, w := range l.queue {
		if !w.done {
			w.done = true
			w.result <- ErrClosed
		}
	}
	l.queue = nil
}

// Acquire admits the operation or queues it until tokens and a concurrency
// slot are available. Queued operations are serviced highest priority first,
// FIFO within a priority, and are rejected with ErrTimeout once they have
// waited past timeout. The returned Permit must be released exactly once.
func (l *Limiter) Acquire(ctx context.Context, priority int, timeout time.Duration) (*Permit, error) {
	now := time.Now()

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrClosed
	}
	l.refillLocked(now)

	// Fast path: nothing queued ahead and capacity available.
	if l.queue.Len() == 0 && l.canAdmitLocked() {
		l.admitLocked()
		l.mu.Unlock()
		return &Permit{l: l}, nil
	}

	if l.queue.Len() >= l.cfg.MaxQueue {
		l.mu.Unlock()
		return nil, ErrCapacityExceeded
	}

	l.seq++
	w := &waiter{
		priority: priority,
		seq:      l.seq,
		deadline: now.Add(timeout),
		result:   make(chan error, 1),
	}
	heap.Push(&l.queue, w)
	l.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-w.result:
		if err != nil {
			return nil, err
		}
		return &Permit{l: l}, nil
	case <-ctx.Done():
		return nil, l.abandon(w, ctx.Err())
	case <-timer.C:
		return nil, l.abandon(w, ErrTimeout)
	}
}

// abandon cancels a queued waiter. If the dispatcher admitted it first, the
// permit is returned immediately so no slot leaks.
func (l *Limiter) abandon(w *waiter, cause error) error {
	l.mu.Lock()
	if !w.done {
		w.done = true // skipped lazily by the dispatcher
		l.mu.Unlock()
		return cause
	}
	l.mu.Unlock()

	// Lost the race: the dispatcher already resolved this waiter.
	if err := <-w.result; err == nil {
		(&Permit{l: l}).Release(cause)
	}
	return cause
}

// Stats returns a snapshot of current limiter state.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	queued := 0
	for _, w := range l.queue {
		if !w.done {
			queued++
		}
	}
	return Stats{
		MinuteTokens: l.minuteTokens,
		HourTokens:   l.hourTokens,
		Active:       l.active,
		Queued:       queued,
		BackoffLevel: l.backoffLevel,
	}
}

// BackoffDelay returns the current retry delay: 2^level backoff units.
func (l *Limiter) BackoffDelay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg.BackoffUnit << uint(l.backoffLevel)
}

// Execute runs fn under admission control, retrying internally on upstream
// throttle signals with exponential backoff and elevated requeue priority,
// up to the operation's own timeout.
func (l *Limiter) Execute(ctx context.Context, priority int, timeout time.Duration, fn func(context.Context) error) error {
	deadline := time.Now().Add(timeout)
	prio := priority

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrTimeout
		}

		permit, err := l.Acquire(ctx, prio, remaining)
		if err != nil {
			return err
		}

		err = fn(ctx)
		permit.Release(err)
		if err == nil {
			return nil
		}
		if !IsThrottle(err) {
			return err
		}

		// Throttled: requeue at elevated priority after the backoff delay.
		prio++
		delay := l.BackoffDelay()
		if time.Until(deadline) < delay {
			return ErrTimeout
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		case <-l.stop:
			return ErrClosed
		}
	}
}

// IsThrottle reports whether err is an upstream throttling signal, either
// the explicit sentinel or a recognizable message pattern.
func IsThrottle(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUpstreamThrottled) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "throttl")
}

// --- internals, all called with l.mu held unless noted ---

func (l *Limiter) canAdmitLocked() bool {
	return l.active < l.cfg.Concurrency && l.minuteTokens > 0 && l.hourTokens > 0
}

// admitLocked consumes one token from each bucket atomically with the
// active-count increment. Counts never go negative: admission is gated on
// both being positive.
func (l *Limiter) admitLocked() {
	l.minuteTokens--
	l.hourTokens--
	l.active++
}

// refillLocked applies both refill schedules: an instantaneous full refill
// when a window boundary has passed, and a smooth partial refill
// proportional to elapsed time otherwise.
func (l *Limiter) refillLocked(now time.Time) {
	if now.Sub(l.minuteEpoch) >= l.cfg.MinuteWindow {
		l.minuteTokens = l.cfg.PerMinute
		l.minuteFrac = 0
		l.minuteEpoch = now
	} else {
		l.minuteFrac += float64(l.cfg.PerMinute) * now.Sub(l.lastRefill).Seconds() / l.cfg.MinuteWindow.Seconds()
		if whole := int(l.minuteFrac); whole > 0 {
			l.minuteTokens = minInt(l.cfg.PerMinute, l.minuteTokens+whole)
			l.minuteFrac -= float64(whole)
		}
	}

	if now.Sub(l.hourEpoch) >= l.cfg.HourWindow {
		l.hourTokens = l.cfg.PerHour
		l.hourFrac = 0
		l.hourEpoch = now
	} else {
		l.hourFrac += float64(l.cfg.PerHour) * now.Sub(l.lastRefill).Seconds() / l.cfg.HourWindow.Seconds()
		if whole := int(l.hourFrac); whole > 0 {
			l.hourTokens = minInt(l.cfg.PerHour, l.hourTokens+whole)
			l.hourFrac -= float64(whole)
		}
	}

	l.lastRefill = now
}

// dispatchLocked admits queued waiters in priority order while capacity
// lasts, dropping expired and abandoned entries.
func (l *Limiter) dispatchLocked(now time.Time) {
	for l.queue.Len() > 0 {
		top := l.queue[0]
		if top.done {
			heap.Pop(&l.queue)
			continue
		}
		if now.After(top.deadline) {
			heap.Pop(&l.queue)
			top.done = true
			top.result <- ErrTimeout
			continue
		}
		if !l.canAdmitLocked() {
			return
		}
		heap.Pop(&l.queue)
		top.done = true
		l.admitLocked()
		top.result <- nil
	}
}

func (l *Limiter) refillLoop() {
	ticker := time.NewTicker(l.cfg.RefillTick)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			l.mu.Lock()
			if l.closed {
				l.mu.Unlock()
				return
			}
			l.refillLocked(now)
			l.dispatchLocked(now)
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// release returns a slot and applies the backoff rule for the outcome:
// success decays the level (never below zero), a throttle signal raises it
// (capped), any other failure leaves it unchanged.
func (l *Limiter) release(err error) {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.active > 0 {
		l.active--
	}
	switch {
	case err == nil:
		if l.backoffLevel > 0 {
			l.backoffLevel--
		}
	case IsThrottle(err):
		if l.backoffLevel < l.cfg.MaxBackoffLevel {
			l.backoffLevel++
		}
		l.logger.Warn("upstream throttle detected, raising backoff",
			zap.Int("backoff_level", l.backoffLevel),
			zap.Error(err),
		)
	}

	l.dispatchLocked(now)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Permit is an admitted operation's token. Release it exactly once with the
// operation's outcome error (nil on success).
type Permit struct {
	l    *Limiter
	once sync.Once
}

// Release returns the permit, feeding the outcome into the backoff state.
func (p *Permit) Release(err error) {
	p.once.Do(func() { p.l.release(err) })
}
