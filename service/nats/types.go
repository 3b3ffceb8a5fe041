package nats

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/brojonat/solboard/service/pubsub"
)

// Subject maps a topic onto its JetStream subject.
func Subject(topic pubsub.Topic) string {
	return SubjectPrefix + "." + topic.Token()
}

// FilterSubject returns the consumer filter for one wallet, or every event
// when address is empty.
func FilterSubject(address string) string {
	if address == "" {
		return StreamSubjects
	}
	return Subject(pubsub.AddressTopic(address))
}

// TopicFromSubject reverses Subject.
func TopicFromSubject(subject string) (pubsub.Topic, error) {
	token, ok := strings.CutPrefix(subject, SubjectPrefix+".")
	if !ok || token == "" {
		return "", fmt.Errorf("subject %q is not a solboard event subject", subject)
	}
	if addr, ok := strings.CutPrefix(token, "address_"); ok && addr != "" {
		return pubsub.AddressTopic(addr), nil
	}
	return pubsub.Topic(token), nil
}

// DecodeEvent parses a message body published by JetStreamPublisher.
func DecodeEvent(data []byte) (pubsub.Event, error) {
	var event pubsub.Event
	if err := json.Unmarshal(data, &event); err != nil {
		return pubsub.Event{}, fmt.Errorf("failed to decode event: %w", err)
	}
	if event.Type == "" {
		return pubsub.Event{}, fmt.Errorf("event has no type")
	}
	return event, nil
}
