// Package stream turns a unit's incremental output into an ordered event
// sequence for transports.
//
// Every sequence produced by an Adapter starts with at least one status
// event and ends with exactly one terminal event (done or error). Nothing is
// emitted after the terminal event.
package stream

import "conductor/pkg/agent"

// EventType tags an Event.
type EventType string

const (
	EventStatus EventType = "status"
	EventSource EventType = "source"
	EventChunk  EventType = "chunk"
	EventDone   EventType = "done"
	EventError  EventType = "error"
)

// Terminal reports whether t ends a sequence.
func (t EventType) Terminal() bool {
	return t == EventDone || t == EventError
}

// Event is one element of a stream. Data holds the payload for Type:
// StatusPayload, agent.Artifact, ChunkPayload, DonePayload or ErrorPayload.
type Event struct {
	Seq  int       `json:"seq"`
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

type StatusPayload struct {
	Message string `json:"message"`
}

type ChunkPayload struct {
	Text string `json:"text"`
}

// DonePayload carries the final output and every source of the request.
type DonePayload struct {
	Response string           `json:"response"`
	Sources  []agent.Artifact `json:"sources"`
}

// ErrorPayload carries a message that is safe to show to end users.
type ErrorPayload struct {
	Message string `json:"message"`
	Kind    string `json:"kind"`
}

// Sink receives events in order. An error from Send ends the stream.
type Sink interface {
	Send(ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev Event) error

func (f SinkFunc) Send(ev Event) error { return f(ev) }
