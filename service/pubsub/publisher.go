package pubsub

import (
	"context"
	"log/slog"
	"sync"
)

// Publisher accepts events for a topic. The hub, the NATS bridge and the
// webhook sender all implement it.
type Publisher interface {
	Publish(ctx context.Context, topic Topic, eventType string, payload any) error
}

// EventPublisher is implemented by publishers that can take a pre-built
// envelope, so every transport sees the same event id.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event Event) error
}

// Fanout publishes each event to several publishers. The first publisher is
// primary: its error is returned. Errors from the rest are logged.
type Fanout struct {
	publishers []Publisher
	logger     *slog.Logger
}

// NewFanout builds a Fanout. Nil publishers are skipped.
func NewFanout(logger *slog.Logger, publishers ...Publisher) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Fanout{logger: logger.With("component", "fanout")}
	for _, p := range publishers {
		if p != nil {
			f.publishers = append(f.publishers, p)
		}
	}
	return f
}

func (f *Fanout) Publish(ctx context.Context, topic Topic, eventType string, payload any) error {
	event, err := NewEvent(topic, eventType, payload)
	if err != nil {
		return err
	}
	return f.PublishEvent(ctx, event)
}

func (f *Fanout) PublishEvent(ctx context.Context, event Event) error {
	var primary error
	for i, p := range f.publishers {
		var err error
		if ep, ok := p.(EventPublisher); ok {
			err = ep.PublishEvent(ctx, event)
		} else {
			err = p.Publish(ctx, event.Topic, event.Type, event.Data)
		}
		if err == nil {
			continue
		}
		if i == 0 {
			primary = err
			continue
		}
		f.logger.WarnContext(ctx, "secondary publish failed",
			"topic", event.Topic,
			"type", event.Type,
			"error", err,
		)
	}
	return primary
}

// Recorder is an in-memory Publisher used in tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *Recorder) Publish(ctx context.Context, topic Topic, eventType string, payload any) error {
	event, err := NewEvent(topic, eventType, payload)
	if err != nil {
		return err
	}
	return r.PublishEvent(ctx, event)
}

func (r *Recorder) PublishEvent(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, event)
	return nil
}

// Events returns what was recorded.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []string {
	var out []string
	for _, e := range r.Events() {
		out = append(out, e.Type)
	}
	return out
}

// Fail makes subsequent publishes return err.
func (r *Recorder) Fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}
