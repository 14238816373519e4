// Package history exports service lifecycle events to external stores.
// Delivery is best effort: failures are logged and never reach the control
// operation that produced the event.
package history

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart       EventType = "start"
	EventStop        EventType = "stop"
	EventExit        EventType = "exit"
	EventSpawnFailed EventType = "spawn_failed"
)

// Event represents a lifecycle event to be exported to external systems.
// Code is set for exit and stop events once the exit status is known.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Service    string    `json:"service"`
	PID        int       `json:"pid"`
	Code       *int      `json:"code,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// IntPtr is a helper for Event.Code.
func IntPtr(v int) *int { return &v }

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}

// Reader is implemented by sinks that can serve events back.
type Reader interface {
	Recent(ctx context.Context, service string, limit int) ([]Event, error)
}

const (
	queueSize   = 256
	sendTimeout = 5 * time.Second
)

// Recorder queues events and delivers them to every sink on one goroutine.
// A nil *Recorder discards events.
type Recorder struct {
	sinks []Sink
	log   *slog.Logger

	mu     sync.RWMutex
	closed bool
	ch     chan Event
	done   chan struct{}
}

func NewRecorder(log *slog.Logger, sinks ...Sink) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	r := &Recorder{
		sinks: sinks,
		log:   log,
		ch:    make(chan Event, queueSize),
		done:  make(chan struct{}),
	}
	go r.loop()
	return r
}

// Record enqueues e without blocking. Events are dropped when the queue is
// full or the recorder is closed.
func (r *Recorder) Record(e Event) {
	if r == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.ch <- e:
	default:
		r.log.Warn("history queue full, dropping event", "service", e.Service, "type", string(e.Type))
	}
}

// Sinks returns the configured sinks.
func (r *Recorder) Sinks() []Sink {
	if r == nil {
		return nil
	}
	return r.sinks
}

// Close drains the queue and closes every sink.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.ch)
	r.mu.Unlock()

	<-r.done
	var errs []error
	for _, s := range r.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Recorder) loop() {
	defer close(r.done)
	for e := range r.ch {
		for _, s := range r.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			if err := s.Send(ctx, e); err != nil {
				r.log.Warn("history sink failed", "service", e.Service, "type", string(e.Type), "error", err)
			}
			cancel()
		}
	}
}
