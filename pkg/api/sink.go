package api

import (
	"riverwatch-gauge-map/pkg/markers"
)

// Event is one rendering operation pushed to the browser over SSE. The
// Leaflet page applies these in order; together they are the rendering
// engine behind the reconciler's sink boundary.
type Event struct {
	Kind   string                 `json:"kind"` // upsert, remove, density, densityClear, clear
	ID     string                 `json:"id,omitempty"`
	State  *markers.MarkerState   `json:"state,omitempty"`
	Points []markers.DensityPoint `json:"points,omitempty"`
}

// eventSink adapts the reconciler's sink onto a buffered event channel
// drained by the SSE handler. All methods are called from the single
// reconciler goroutine, so there is no locking here.
//
// A browser that stops reading eventually overflows the buffer; the sink
// then goes stalled and the SSE stream ends. The page starts a fresh
// session on reconnect, so a slow consumer never wedges the reconciler.
type eventSink struct {
	events  chan Event
	stalled chan struct{}
}

func newEventSink(buffer int) *eventSink {
	if buffer <= 0 {
		buffer = 1024
	}
	return &eventSink{
		events:  make(chan Event, buffer),
		stalled: make(chan struct{}),
	}
}

func (s *eventSink) publish(ev Event) {
	select {
	case <-s.stalled:
		return
	default:
	}
	select {
	case s.events <- ev:
	default:
		close(s.stalled)
	}
}

func (s *eventSink) UpsertMarker(id string, state markers.MarkerState) {
	st := state
	s.publish(Event{Kind: "upsert", ID: id, State: &st})
}

func (s *eventSink) RemoveMarker(id string) {
	s.publish(Event{Kind: "remove", ID: id})
}

func (s *eventSink) SetDensity(points []markers.DensityPoint) {
	s.publish(Event{Kind: "density", Points: points})
}

func (s *eventSink) ClearDensity() {
	s.publish(Event{Kind: "densityClear"})
}

func (s *eventSink) Clear() {
	s.publish(Event{Kind: "clear"})
}
