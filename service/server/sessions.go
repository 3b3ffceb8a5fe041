package server

import (
	"sync"

	"github.com/brojonat/solboard/service/pubsub"
)

// sessions decides when an address is watched. Registered wallets are
// pinned and always watched; other addresses are watched while at least
// one streaming session is subscribed to them.
type sessions struct {
	watcher WatchControl
	hub     *pubsub.Hub

	mu     sync.Mutex
	pinned map[string]bool
}

func newSessions(w WatchControl, hub *pubsub.Hub) *sessions {
	return &sessions{watcher: w, hub: hub, pinned: make(map[string]bool)}
}

func (s *sessions) pin(address string) {
	s.mu.Lock()
	s.pinned[address] = true
	s.mu.Unlock()
	if s.watcher != nil {
		s.watcher.StartWatching(address)
	}
}

func (s *sessions) unpin(address string) {
	s.mu.Lock()
	delete(s.pinned, address)
	s.mu.Unlock()
	if s.watcher == nil {
		return
	}
	if s.hub != nil && s.hub.SubscriberCount(pubsub.AddressTopic(address)) > 0 {
		return
	}
	s.watcher.StopWatching(address)
}

func (s *sessions) isPinned(address string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pinned[address]
}

// TopicJoined implements pubsub.Observer.
func (s *sessions) TopicJoined(topic pubsub.Topic) {
	if addr, ok := topic.Address(); ok && s.watcher != nil {
		s.watcher.StartWatching(addr)
	}
}

// TopicLeft implements pubsub.Observer.
func (s *sessions) TopicLeft(topic pubsub.Topic) {
	addr, ok := topic.Address()
	if !ok || s.watcher == nil || s.isPinned(addr) {
		return
	}
	s.watcher.StopWatching(addr)
}
