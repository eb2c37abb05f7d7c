// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	log "github.com/hashicorp/go-hclog"
)

// Sink is an event destination. Implementations must tolerate concurrent
// Send calls.
type Sink interface {
	Send(ctx context.Context, event *Event) error
}

// Emitter fans events out to the registered sinks. Emission is best effort;
// a failing sink is logged and never blocks the auth or publish paths
// beyond its own Send call.
type Emitter struct {
	logger log.Logger

	mu    sync.RWMutex
	sinks []Sink
}

// NewEmitter builds an emitter over the given sinks.
func NewEmitter(logger log.Logger, sinks ...Sink) *Emitter {
	return &Emitter{
		logger: logger.Named("events"),
		sinks:  sinks,
	}
}

// AddSink registers another sink. Used by the autoscale hook to attach
// pool-publish observers at runtime.
func (e *Emitter) AddSink(s Sink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sinks = append(e.sinks, s)
}

// Emit sends one event to every sink.
func (e *Emitter) Emit(ctx context.Context, tag string, payload map[string]interface{}) {
	event := &Event{Tag: tag, Payload: payload}

	e.mu.RLock()
	sinks := e.sinks
	e.mu.RUnlock()

	for _, sink := range sinks {
		if err := sink.Send(ctx, event); err != nil {
			e.logger.Warn("failed to send event to sink", "tag", tag, "error", err)
		}
	}
}

// InmemSink buffers events in memory. Intended for tests and for the
// in-process autoscale hook.
type InmemSink struct {
	mu     sync.Mutex
	events []*Event
}

// NewInmemSink returns an empty in-memory sink.
func NewInmemSink() *InmemSink {
	return &InmemSink{}
}

// Send records the event.
func (s *InmemSink) Send(_ context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Events returns a snapshot of everything recorded so far.
func (s *InmemSink) Events() []*Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Event, len(s.events))
	copy(out, s.events)
	return out
}

// ByTag returns the recorded events carrying the given tag.
func (s *InmemSink) ByTag(tag string) []*Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Event
	for _, ev := range s.events {
		if ev.Tag == tag {
			out = append(out, ev)
		}
	}
	return out
}

// NDJSONSink writes events as newline-delimited JSON to an io.Writer,
// typically a log shipper pipe or a debug file.
type NDJSONSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewNDJSONSink wraps a writer.
func NewNDJSONSink(w io.Writer) *NDJSONSink {
	return &NDJSONSink{w: w}
}

// Send encodes the event as one JSON line.
func (s *NDJSONSink) Send(_ context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := json.NewEncoder(s.w).Encode(event); err != nil {
		return fmt.Errorf("marshaling json for sink: %w", err)
	}
	return nil
}
