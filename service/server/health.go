package server

import (
	"context"
	"net/http"
	"time"

	"github.com/brojonat/solboard/service/solana"
)

type healthResponse struct {
	Status        string                              `json:"status"`
	Database      string                              `json:"database,omitempty"`
	Watched       int                                 `json:"watched"`
	Subscriptions map[string]solana.SubscriptionState `json:"subscriptions,omitempty"`
}

// handleHealth reports liveness. The database being unreachable is a 503;
// a failed ledger subscription only degrades the status since polling
// still runs.
func handleHealth(database Pinger, subs SubscriptionStates, watcher WatchControl) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok"}
		code := http.StatusOK

		if database != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			err := database.Ping(ctx)
			cancel()
			if err != nil {
				resp.Status = "unavailable"
				resp.Database = "down"
				code = http.StatusServiceUnavailable
			} else {
				resp.Database = "up"
			}
		}
		if watcher != nil {
			resp.Watched = len(watcher.Watched())
		}
		if subs != nil {
			resp.Subscriptions = subs.States()
			for _, st := range resp.Subscriptions {
				if st == solana.StateFailed && code == http.StatusOK {
					resp.Status = "degraded"
				}
			}
		}

		writeJSON(w, resp, code)
	})
}
