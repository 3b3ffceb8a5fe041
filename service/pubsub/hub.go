package pubsub

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/brojonat/solboard/service/metrics"
	"github.com/google/uuid"
)

// DefaultBuffer is the per-subscriber queue depth.
const DefaultBuffer = 64

// ErrHubClosed is returned by Publish after Close.
var ErrHubClosed = errors.New("pubsub: hub closed")

// Observer is told when a topic gains its first subscriber or loses its last.
type Observer interface {
	TopicJoined(topic Topic)
	TopicLeft(topic Topic)
}

// Subscription is one session's view of a topic. Events arrives in publish
// order and is closed when the subscription is dropped.
type Subscription struct {
	ID    string
	Topic Topic

	ch   chan Event
	once sync.Once
}

// Events returns the delivery channel.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

// Hub is the in-process fan-out for browser sessions and local consumers.
type Hub struct {
	mu       sync.Mutex
	topics   map[Topic]map[string]*Subscription
	buffer   int
	observer Observer
	closed   bool

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// HubOptions configures a Hub.
type HubOptions struct {
	Buffer   int
	Observer Observer
}

// NewHub creates an empty hub.
func NewHub(opts HubOptions, m *metrics.Metrics, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}
	return &Hub{
		topics:   make(map[Topic]map[string]*Subscription),
		buffer:   opts.Buffer,
		observer: opts.Observer,
		logger:   logger.With("component", "pubsub"),
		metrics:  m,
	}
}

// SetObserver replaces the join/leave observer. Used when the observer is
// constructed after the hub.
func (h *Hub) SetObserver(o Observer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.observer = o
}

// Subscribe registers a new subscription on topic.
func (h *Hub) Subscribe(topic Topic) *Subscription {
	sub := &Subscription{
		ID:    uuid.NewString(),
		Topic: topic,
		ch:    make(chan Event, h.buffer),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.close()
		return sub
	}
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[string]*Subscription)
		h.topics[topic] = subs
	}
	subs[sub.ID] = sub
	first := !ok
	observer := h.observer
	h.mu.Unlock()

	h.metrics.RecordSubscriberChange("hub", 1)
	h.logger.Debug("subscribed", "topic", topic, "subscription", sub.ID)
	if first && observer != nil {
		observer.TopicJoined(topic)
	}
	return sub
}

// Unsubscribe removes sub. Safe to call more than once.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	if last, ok := h.remove(sub); ok {
		h.metrics.RecordSubscriberChange("hub", -1)
		h.logger.Debug("unsubscribed", "topic", sub.Topic, "subscription", sub.ID)
		h.notifyLeft(sub.Topic, last)
	}
}

func (h *Hub) remove(sub *Subscription) (last bool, removed bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.topics[sub.Topic]
	if !ok {
		return false, false
	}
	if _, ok := subs[sub.ID]; !ok {
		return false, false
	}
	delete(subs, sub.ID)
	sub.close()
	if len(subs) == 0 {
		delete(h.topics, sub.Topic)
		return true, true
	}
	return false, true
}

func (h *Hub) notifyLeft(topic Topic, last bool) {
	h.mu.Lock()
	observer := h.observer
	h.mu.Unlock()
	if last && observer != nil {
		observer.TopicLeft(topic)
	}
}

// Publish delivers an event to every subscriber of topic without blocking.
// A subscriber whose queue is full is dropped.
func (h *Hub) Publish(ctx context.Context, topic Topic, eventType string, payload any) error {
	event, err := NewEvent(topic, eventType, payload)
	if err != nil {
		return err
	}
	return h.PublishEvent(ctx, event)
}

// PublishEvent delivers a pre-built envelope.
func (h *Hub) PublishEvent(_ context.Context, event Event) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHubClosed
	}
	var full []*Subscription
	for _, sub := range h.topics[event.Topic] {
		select {
		case sub.ch <- event:
		default:
			full = append(full, sub)
		}
	}
	h.mu.Unlock()

	h.metrics.RecordEventPublished(event.Type)

	for _, sub := range full {
		h.logger.Warn("dropping slow subscriber",
			"topic", sub.Topic,
			"subscription", sub.ID,
		)
		h.metrics.RecordSubscriberDropped("full")
		h.Unsubscribe(sub)
	}
	return nil
}

// SubscriberCount reports the live subscriptions on topic.
func (h *Hub) SubscriberCount(topic Topic) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[topic])
}

// Topics lists topics that currently have subscribers.
func (h *Hub) Topics() []Topic {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Topic, 0, len(h.topics))
	for t := range h.topics {
		out = append(out, t)
	}
	return out
}

// Close drops every subscription. Further publishes fail with ErrHubClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	topics := h.topics
	h.topics = make(map[Topic]map[string]*Subscription)
	h.mu.Unlock()

	for _, subs := range topics {
		for _, sub := range subs {
			sub.close()
			h.metrics.RecordSubscriberChange("hub", -1)
		}
	}
	h.logger.Info("hub closed", "topics", len(topics))
}
