// Package retry runs remote calls with exponential backoff. Every remote call
// the daemon makes goes through a Policy so the waits and the
// transient/fatal split are the same everywhere.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/raterudder/chargerudder/pkg/log"
	"github.com/raterudder/chargerudder/pkg/metrics"
)

// Class says whether an error is worth retrying.
type Class int

const (
	Transient Class = iota
	Fatal
)

func (c Class) String() string {
	if c == Fatal {
		return "fatal"
	}
	return "transient"
}

// Classifier decides the Class of an error returned by an operation.
type Classifier func(error) Class

// DefaultBase is the wait before the first retry. Retry n waits
// DefaultBase * 2^(n-1), so 2s, 4s, 8s.
const DefaultBase = 2 * time.Second

// Policy runs operations with retries.
type Policy struct {
	// Name labels log lines and metrics.
	Name string
	// Base overrides DefaultBase when non-zero.
	Base time.Duration
	// Timer overrides the real timer, mostly for tests.
	Timer backoff.Timer
}

// Do calls op until it succeeds, returns a Fatal error, or has been retried
// maxRetries times. If ctx is canceled while waiting the context error is
// returned joined with the last error from op.
func (p Policy) Do(ctx context.Context, maxRetries int, classify Classifier, op func(ctx context.Context) error) error {
	base := p.Base
	if base <= 0 {
		base = DefaultBase
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	eb := &backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         time.Hour,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(maxRetries)), ctx)

	var attempt int
	var lastErr error
	err := backoff.RetryNotifyWithTimer(func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if classify != nil && classify(err) == Fatal {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		metrics.RetryAttemptsTotal.WithLabelValues(p.Name).Inc()
		log.Ctx(ctx).WarnContext(
			ctx,
			"transient error, retrying",
			slog.String("op", p.Name),
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.Any("error", err),
		)
	}, p.Timer)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) && lastErr != nil && !errors.Is(lastErr, ctxErr) {
		return fmt.Errorf("%w: %w", ctxErr, lastErr)
	}
	return err
}

// Do runs op with a default Policy named name.
func Do(ctx context.Context, name string, maxRetries int, classify Classifier, op func(ctx context.Context) error) error {
	return Policy{Name: name}.Do(ctx, maxRetries, classify, op)
}

// RecordingTimer is a backoff.Timer that fires immediately and remembers
// every wait it was asked for.
type RecordingTimer struct {
	mu    sync.Mutex
	waits []time.Duration
	c     chan time.Time
}

// NewRecordingTimer returns a RecordingTimer.
func NewRecordingTimer() *RecordingTimer {
	return &RecordingTimer{c: make(chan time.Time, 1)}
}

// Start implements backoff.Timer.
func (t *RecordingTimer) Start(d time.Duration) {
	t.mu.Lock()
	t.waits = append(t.waits, d)
	t.mu.Unlock()
	select {
	case t.c <- time.Now():
	default:
	}
}

// Stop implements backoff.Timer.
func (t *RecordingTimer) Stop() {}

// C implements backoff.Timer.
func (t *RecordingTimer) C() <-chan time.Time {
	return t.c
}

// Waits returns a copy of the waits seen so far.
func (t *RecordingTimer) Waits() []time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]time.Duration(nil), t.waits...)
}

// Total returns the sum of every wait.
func (t *RecordingTimer) Total() time.Duration {
	var total time.Duration
	for _, w := range t.Waits() {
		total += w
	}
	return total
}
