package nats

import (
	"context"
	"sync"

	"github.com/brojonat/solboard/service/pubsub"
)

// MockPublisher is a mock implementation of the event bridge for testing.
type MockPublisher struct {
	mu           sync.RWMutex
	events       []pubsub.Event
	subjects     []string
	publishError error
	closed       bool
}

// NewMockPublisher creates a new mock publisher for testing.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

func (m *MockPublisher) Publish(ctx context.Context, topic pubsub.Topic, eventType string, payload any) error {
	event, err := pubsub.NewEvent(topic, eventType, payload)
	if err != nil {
		return err
	}
	return m.PublishEvent(ctx, event)
}

// PublishEvent records the event under the subject it would be sent to.
func (m *MockPublisher) PublishEvent(_ context.Context, event pubsub.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishError != nil {
		return m.publishError
	}
	m.events = append(m.events, event)
	m.subjects = append(m.subjects, Subject(event.Topic))
	return nil
}

// Close marks the publisher as closed.
func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// GetPublishedEvents returns a copy of all published events.
func (m *MockPublisher) GetPublishedEvents() []pubsub.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := make([]pubsub.Event, len(m.events))
	copy(events, m.events)
	return events
}

// GetPublishedSubjects returns the subjects in publish order.
func (m *MockPublisher) GetPublishedSubjects() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.subjects))
	copy(out, m.subjects)
	return out
}

// GetPublishedEventsForWallet returns events published to a wallet topic.
func (m *MockPublisher) GetPublishedEventsForWallet(address string) []pubsub.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []pubsub.Event
	for _, e := range m.events {
		if addr, ok := e.Topic.Address(); ok && addr == address {
			out = append(out, e)
		}
	}
	return out
}

// SetPublishError configures the mock to fail publishes.
func (m *MockPublisher) SetPublishError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishError = err
}

// IsClosed returns whether the publisher has been closed.
func (m *MockPublisher) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
