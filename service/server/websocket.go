package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/solboard/service/metrics"
	"github.com/brojonat/solboard/service/pubsub"
	"nhooyr.io/websocket"
)

const wsWriteTimeout = 10 * time.Second

// handleWebSocket streams hub events over a websocket. The topic comes from
// the address query parameter; without one the global topic is streamed.
// Inbound messages are ignored.
func handleWebSocket(hub *pubsub.Hub, keepaliveEvery time.Duration, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		topic, err := topicFor(r.URL.Query().Get("address"))
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			logger.WarnContext(r.Context(), "websocket accept failed", "error", err)
			return
		}
		defer conn.Close(websocket.StatusInternalError, "")

		// CloseRead discards inbound frames and cancels ctx when the peer
		// goes away.
		ctx := conn.CloseRead(r.Context())

		sub := hub.Subscribe(topic)
		defer hub.Unsubscribe(sub)
		m.RecordSubscriberChange("websocket", 1)
		defer m.RecordSubscriberChange("websocket", -1)

		logger.DebugContext(ctx, "websocket client connected",
			"topic", topic,
			"subscription", sub.ID,
			"remote_addr", r.RemoteAddr,
		)

		keepalive := time.NewTicker(keepaliveEvery)
		defer keepalive.Stop()

		for {
			select {
			case <-keepalive.C:
				pingCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
				err := conn.Ping(pingCtx)
				cancel()
				if err != nil {
					logger.DebugContext(ctx, "websocket ping failed", "error", err)
					return
				}

			case event, ok := <-sub.Events():
				if !ok {
					conn.Close(websocket.StatusGoingAway, "subscription closed")
					return
				}
				data, err := json.Marshal(event)
				if err != nil {
					logger.WarnContext(ctx, "failed to marshal event", "error", err)
					continue
				}
				writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
				err = conn.Write(writeCtx, websocket.MessageText, data)
				cancel()
				if err != nil {
					logger.DebugContext(ctx, "websocket write failed", "error", err)
					return
				}

			case <-ctx.Done():
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
		}
	})
}
