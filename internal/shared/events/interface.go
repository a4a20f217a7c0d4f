package events

import (
	"context"
	"sync"
)

// Publisher publishes domain events. Publishing is best effort: callers log
// failures and never roll back canonical writes because of them.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// NopPublisher discards events. It is used when KurrentDB is disabled.
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, event Event) error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(ctx context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Events returns the recorded events of the given type, or all when
// eventType is empty.
func (r *Recorder) Events(eventType string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if eventType == "" || e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

var (
	_ Publisher = (*Bus)(nil)
	_ Publisher = NopPublisher{}
	_ Publisher = (*Recorder)(nil)
)
