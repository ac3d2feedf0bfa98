// Package analytics ships admission decisions to ClickHouse in batches.
package analytics

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trenches-waitlist/internal/logging"
	"github.com/trenches-waitlist/internal/ratelimit"
	"github.com/trenches-waitlist/internal/retry"
	"github.com/trenches-waitlist/internal/storage"
)

// EventWriter persists a batch of admission events
type EventWriter interface {
	InsertEvents(ctx context.Context, events []storage.AdmissionEvent) error
}

// Config configures the recorder
type Config struct {
	Writer        EventWriter
	BatchSize     int
	FlushInterval time.Duration
	// BufferSize bounds queued events; Record drops events once it is full.
	BufferSize int
	// Retry controls how a failed batch write is retried. Defaults to
	// three quick attempts.
	Retry *retry.RetryConfig
	Now   func() time.Time
}

// Recorder implements ratelimit.DecisionRecorder. Record never blocks:
// events are queued and written by a background loop.
type Recorder struct {
	writer        EventWriter
	batchSize     int
	flushInterval time.Duration
	retry         *retry.RetryConfig
	now           func() time.Time

	events  chan storage.AdmissionEvent
	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool

	dropped atomic.Int64
	written atomic.Int64
}

var _ ratelimit.DecisionRecorder = (*Recorder)(nil)

// NewRecorder creates a recorder; call Start to begin flushing
func NewRecorder(cfg *Config) (*Recorder, error) {
	if cfg == nil || cfg.Writer == nil {
		return nil, errors.New("event writer is required")
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 500
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	buffer := cfg.BufferSize
	if buffer <= 0 {
		buffer = batchSize * 4
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	retryCfg := cfg.Retry
	if retryCfg == nil {
		retryCfg = &retry.RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     time.Second,
			Multiplier:   2,
		}
	}

	return &Recorder{
		writer:        cfg.Writer,
		batchSize:     batchSize,
		flushInterval: interval,
		retry:         retryCfg,
		now:           now,
		events:        make(chan storage.AdmissionEvent, buffer),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}, nil
}

// Record queues a decision
func (r *Recorder) Record(_ context.Context, identifier string, d ratelimit.Decision) {
	event := storage.AdmissionEvent{
		Timestamp:  r.now().UTC(),
		Identifier: identifier,
		Class:      string(d.Class),
		Admitted:   d.Admitted,
		Degraded:   d.Degraded,
		Budget:     toUInt32(d.Limit),
		Remaining:  toUInt32(d.Remaining),
		ResetAt:    d.Reset.UTC(),
	}

	select {
	case r.events <- event:
	default:
		r.dropped.Add(1)
	}
}

// Start launches the flush loop
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return errors.New("analytics recorder is already running")
	}
	r.running = true

	go r.loop(ctx)
	logging.WithFields(map[string]interface{}{
		"batchSize":     r.batchSize,
		"flushInterval": r.flushInterval.String(),
	}).Info("Admission analytics recorder started")
	return nil
}

// Stop flushes queued events and waits for the loop to exit
func (r *Recorder) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return errors.New("analytics recorder is not running")
	}
	r.running = false
	r.mu.Unlock()

	close(r.stopCh)

	select {
	case <-r.doneCh:
		logging.WithFields(map[string]interface{}{
			"written": r.written.Load(),
			"dropped": r.dropped.Load(),
		}).Info("Admission analytics recorder stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped returns the number of events discarded because the buffer was full
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Written returns the number of events successfully written
func (r *Recorder) Written() int64 {
	return r.written.Load()
}

func (r *Recorder) loop(ctx context.Context) {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	batch := make([]storage.AdmissionEvent, 0, r.batchSize)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		err := retry.Do(ctx, r.retry, func(ctx context.Context, _ int) error {
			return r.writer.InsertEvents(ctx, batch)
		})
		if err != nil {
			logging.WithError(err).WithField("events", len(batch)).Warn("Failed to write admission events")
		} else {
			r.written.Add(int64(len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case e := <-r.events:
			batch = append(batch, e)
			if len(batch) >= r.batchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		case <-r.stopCh:
			// drain what is already queued
			for {
				select {
				case e := <-r.events:
					batch = append(batch, e)
					if len(batch) >= r.batchSize {
						flush(context.WithoutCancel(ctx))
					}
				default:
					flush(context.WithoutCancel(ctx))
					return
				}
			}
		case <-ctx.Done():
			flush(context.WithoutCancel(ctx))
			return
		}
	}
}

func toUInt32(n int) uint32 {
	if n < 0 {
		return 0
	}
	return uint32(n) // #nosec G115 - budgets are small positive ints
}
