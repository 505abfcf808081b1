// Package events delivers committed ledger events to downstream sinks:
// the PostgreSQL journal, Redis pub/sub, the S3 archive, and WebSocket
// clients.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/atmx/option-broker/internal/metrics"
	"github.com/atmx/option-broker/internal/model"
)

// Sink accepts committed events.
type Sink interface {
	Publish(ctx context.Context, e model.Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e model.Event) error

func (f SinkFunc) Publish(ctx context.Context, e model.Event) error { return f(ctx, e) }

type namedSink struct {
	name string
	sink Sink
}

// Fanout publishes each event to every registered sink. A failing sink
// does not stop delivery to the others.
type Fanout struct {
	mu    sync.RWMutex
	sinks []namedSink
}

// NewFanout creates an empty fan-out.
func NewFanout() *Fanout {
	return &Fanout{}
}

// Add registers a sink under name.
func (f *Fanout) Add(name string, s Sink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks = append(f.sinks, namedSink{name: name, sink: s})
}

// Publish delivers e to all sinks and joins their errors.
func (f *Fanout) Publish(ctx context.Context, e model.Event) error {
	f.mu.RLock()
	sinks := f.sinks
	f.mu.RUnlock()

	var errs []error
	for _, s := range sinks {
		if err := s.sink.Publish(ctx, e); err != nil {
			metrics.EventPublishFailures.WithLabelValues(s.name).Inc()
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps every published event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []model.Event
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Publish(_ context.Context, e model.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of what was recorded.
func (r *Recorder) Events() []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Event(nil), r.events...)
}

// Kinds returns the kinds of the recorded events in order.
func (r *Recorder) Kinds() []model.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]model.EventKind, len(r.events))
	for i, e := range r.events {
		kinds[i] = e.Kind
	}
	return kinds
}
