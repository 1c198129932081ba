package billingtest

import (
	"context"
	"sync"

	"github.com/ManuelReschke/LingoBill/internal/pkg/events"
)

// EventRecorder is an events.Sink that keeps everything published.
type EventRecorder struct {
	mu     sync.Mutex
	events []events.Event

	// Err is returned from Publish when set.
	Err error
}

var _ events.Sink = (*EventRecorder)(nil)

func (r *EventRecorder) Publish(ctx context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of the published events.
func (r *EventRecorder) Events() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

// OfType returns the published events of type t.
func (r *EventRecorder) OfType(t events.Type) []events.Event {
	var out []events.Event
	for _, ev := range r.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
