package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/solboard/service/metrics"
	"github.com/brojonat/solboard/service/pubsub"
)

// topicFor maps an optional address onto a hub topic.
func topicFor(address string) (pubsub.Topic, error) {
	if address == "" {
		return pubsub.GlobalTopic, nil
	}
	if err := validateAddress(address); err != nil {
		return "", err
	}
	return pubsub.AddressTopic(address), nil
}

// handleStream streams hub events as Server-Sent Events. With no address
// path parameter the global topic is streamed.
func handleStream(hub *pubsub.Hub, keepaliveEvery time.Duration, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		topic, err := topicFor(r.PathValue("address"))
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		sub := hub.Subscribe(topic)
		defer hub.Unsubscribe(sub)
		m.RecordSubscriberChange("sse", 1)
		defer m.RecordSubscriberChange("sse", -1)

		logger.DebugContext(r.Context(), "SSE client connected",
			"topic", topic,
			"subscription", sub.ID,
			"remote_addr", r.RemoteAddr,
		)

		fmt.Fprintf(w, "event: connected\ndata: {\"topic\":%q}\n\n", string(topic))
		flusher.Flush()

		keepalive := time.NewTicker(keepaliveEvery)
		defer keepalive.Stop()

		for {
			select {
			case <-keepalive.C:
				fmt.Fprintf(w, ": keepalive\n\n")
				flusher.Flush()

			case event, ok := <-sub.Events():
				if !ok {
					// Dropped by the hub or the hub closed.
					logger.DebugContext(r.Context(), "SSE subscription closed", "subscription", sub.ID)
					return
				}
				data, err := json.Marshal(event)
				if err != nil {
					logger.WarnContext(r.Context(), "failed to marshal event", "error", err)
					continue
				}
				fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", event.ID, event.Type, data)
				flusher.Flush()

			case <-r.Context().Done():
				logger.DebugContext(r.Context(), "SSE client disconnected",
					"topic", topic,
					"remote_addr", r.RemoteAddr,
				)
				return
			}
		}
	})
}
