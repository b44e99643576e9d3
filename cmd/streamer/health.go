package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rickgao/marketstream/internal/connection"
	"github.com/rickgao/marketstream/internal/market"
	"github.com/rickgao/marketstream/internal/notify"
)

type pinger interface {
	Ping(ctx context.Context) error
}

type sessionView interface {
	Stats() connection.SessionStats
	Registry() *connection.Registry
}

type handlerDeps struct {
	session  sessionView
	cache    *market.Cache
	notifier *notify.LogNotifier
	db       pinger // nil when persistence is disabled
	metrics  http.Handler
	path     string
}

// debugLimit caps list sizes in debug responses.
const debugLimit = 100

// newHandler creates the HTTP handler for health, metrics and debug views.
func newHandler(d handlerDeps) http.Handler {
	mux := http.NewServeMux()

	if d.metrics != nil {
		path := d.path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle(path, d.metrics)
	}

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		st := d.session.Stats()
		health := struct {
			Status     string         `json:"status"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]any),
		}

		health.Components["stream"] = map[string]any{
			"state":         st.State,
			"client_id":     st.ClientID,
			"attempts":      st.Attempts,
			"queue_depth":   st.QueueDepth,
			"symbols":       st.Symbols,
			"subscriptions": st.Subscriptions,
		}
		switch st.State {
		case connection.StateConnected:
		case connection.StateConnecting:
			health.Status = "degraded"
		default:
			health.Status = "unhealthy"
		}

		if d.db != nil {
			if err := d.db.Ping(ctx); err != nil {
				health.Status = "unhealthy"
				health.Components["postgres"] = map[string]string{
					"status": "disconnected",
					"error":  err.Error(),
				}
			} else {
				health.Components["postgres"] = "connected"
			}
		}

		health.Components["cache"] = map[string]any{"symbols": d.cache.Len()}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	mux.HandleFunc("/debug/symbols", func(w http.ResponseWriter, r *http.Request) {
		snaps := d.cache.All()
		total := len(snaps)
		if len(snaps) > debugLimit {
			snaps = snaps[:debugLimit]
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"subscribed": d.session.Registry().Symbols(),
			"cached":     total,
			"showing":    len(snaps),
			"snapshots":  snaps,
		})
	})

	mux.HandleFunc("/debug/subscriptions", func(w http.ResponseWriter, r *http.Request) {
		subs := d.session.Registry().Subscriptions()

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"count":         len(subs),
			"subscriptions": subs,
		})
	})

	if d.notifier != nil {
		mux.HandleFunc("/debug/notifications", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(d.notifier.Recent())
		})
	}

	return mux
}
