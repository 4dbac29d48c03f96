package events

import (
	"context"
	"sync"
)

// Recorded is one event captured by a Recorder.
type Recorded struct {
	RoutingKey string
	Body       any
}

// Recorder keeps published events in memory. Tests use it in place of a broker.
type Recorder struct {
	mu     sync.Mutex
	events []Recorded
}

func (r *Recorder) Publish(_ context.Context, routingKey string, body any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Recorded{RoutingKey: routingKey, Body: body})
	return nil
}

func (r *Recorder) Close() {}

// Keys returns the routing keys published so far, in order.
func (r *Recorder) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.RoutingKey
	}
	return out
}

// Count returns how many events were published with routingKey.
func (r *Recorder) Count(routingKey string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.RoutingKey == routingKey {
			n++
		}
	}
	return n
}
