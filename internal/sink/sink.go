// Package sink is the only component permitted to block on I/O: a
// bounded queue plus a dedicated worker pool bridging the proxy's flow
// hooks to the event store. Enqueue never blocks the proxy; workers retry
// transient store failures with exponential backoff before giving up.
package sink

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tokentap/tokentap/internal/store"
)

const (
	DefaultCapacity = 4096
	DefaultWorkers  = 2

	retryBaseDelay = 100 * time.Millisecond
	retryCapDelay  = 5 * time.Second
	maxAttempts    = 5
)

// Stats reports sink counters.
type Stats struct {
	Dropped uint64
	Failed  uint64
}

// Sink is a bounded single-consumer-per-worker queue feeding an
// EventStore. It enforces backpressure by drop-on-full, never by
// throttling the caller.
type Sink struct {
	store  store.EventStore
	logger *slog.Logger

	ch      chan *store.Event
	dropped uint64
	failed  uint64

	wg sync.WaitGroup
}

// New starts a Sink with the given worker count, pulling from a channel
// of the given capacity.
func New(st store.EventStore, capacity, workers int, logger *slog.Logger) *Sink {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Sink{
		store:  st,
		logger: logger,
		ch:     make(chan *store.Event, capacity),
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

// Enqueue offers an event to the queue without blocking. On a full queue
// it increments the drop counter and returns dropped=true; the caller
// must never retry or block on this.
func (s *Sink) Enqueue(ev *store.Event) (dropped bool) {
	select {
	case s.ch <- ev:
		return false
	default:
		atomic.AddUint64(&s.dropped, 1)
		s.logger.Warn("sink queue full, dropping event", "event_id", ev.ID, "provider_id", ev.ProviderID)
		return true
	}
}

func (s *Sink) worker() {
	defer s.wg.Done()
	for ev := range s.ch {
		s.writeWithRetry(ev)
	}
}

// writeWithRetry attempts InsertEvent with exponential backoff (base
// 100ms, cap 5s) up to maxAttempts. A final failure is logged with the
// event's digest and counted, never retried further and never
// propagated to the caller.
func (s *Sink) writeWithRetry(ev *store.Event) {
	delay := retryBaseDelay
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := s.store.InsertEvent(context.Background(), ev)
		if err == nil {
			return
		}
		if attempt == maxAttempts {
			atomic.AddUint64(&s.failed, 1)
			s.logger.Error("sink write permanently failed",
				"event_id", ev.ID, "provider_id", ev.ProviderID, "model", ev.Model,
				"attempts", attempt, "error", err)
			return
		}
		s.logger.Debug("sink write failed, retrying",
			"event_id", ev.ID, "attempt", attempt, "delay", delay, "error", err)
		time.Sleep(delay)
		delay *= 2
		if delay > retryCapDelay {
			delay = retryCapDelay
		}
	}
}

// Drain stops accepting new retries past ctx's deadline: it closes the
// queue, waits for in-flight workers to finish, and if the deadline
// fires first, force-fails whatever is still sitting in the queue
// unconsumed rather than outliving process shutdown.
func (s *Sink) Drain(ctx context.Context) {
	close(s.ch)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-ctx.Done():
	}

	var remaining uint64
	for range s.ch {
		remaining++
	}
	if remaining > 0 {
		atomic.AddUint64(&s.failed, remaining)
		s.logger.Error("sink drain deadline exceeded, force-failing remainder", "count", remaining)
	}
}

// Stats returns the current drop/fail counters.
func (s *Sink) Stats() Stats {
	return Stats{
		Dropped: atomic.LoadUint64(&s.dropped),
		Failed:  atomic.LoadUint64(&s.failed),
	}
}
