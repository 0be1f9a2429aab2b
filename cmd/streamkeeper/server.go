package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/rickgao/streamkeeper/internal/connection"
	"github.com/rickgao/streamkeeper/internal/model"
	"github.com/rickgao/streamkeeper/internal/version"
)

// streamAPI is the part of *connection.Manager served over HTTP.
type streamAPI interface {
	Status() []connection.StreamStatus
	StatusOf(p model.Provider) (connection.StreamStatus, error)
	Reconnect(p model.Provider) error
	SubscribePrices(symbols []string) error
	UnsubscribePrices(symbols []string) error
	SubscribeAddresses(addresses []string) error
	UnsubscribeAddresses(addresses []string) error
}

// pingFunc checks an optional dependency for /health.
type pingFunc func(ctx context.Context) error

type subscriptionRequest struct {
	Items []string `json:"items"`
}

type subscriptionFunc func(items []string) error

// newHandler builds the HTTP API. metrics may be nil.
func newHandler(m streamAPI, checks map[string]pingFunc, metrics http.Handler, metricsPath string, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := struct {
			Status     string         `json:"status"`
			Version    version.Info   `json:"version"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Version:    version.Get(),
			Components: make(map[string]any),
		}

		// Any provider off its stream degrades the instance
		for _, st := range m.Status() {
			health.Components[string(st.Provider)] = st.State
			if st.State != model.StateConnected {
				health.Status = "degraded"
			}
		}

		for name, ping := range checks {
			if err := ping(ctx); err != nil {
				health.Status = "unhealthy"
				health.Components[name] = map[string]string{
					"status": "disconnected",
					"error":  err.Error(),
				}
				continue
			}
			health.Components[name] = "connected"
		}

		code := http.StatusOK
		if health.Status == "unhealthy" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, health)
	})

	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, m.Status())
	})

	mux.HandleFunc("GET /status/{provider}", func(w http.ResponseWriter, r *http.Request) {
		st, err := m.StatusOf(model.Provider(r.PathValue("provider")))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	})

	mux.HandleFunc("POST /reconnect/{provider}", func(w http.ResponseWriter, r *http.Request) {
		p := model.Provider(r.PathValue("provider"))
		if err := m.Reconnect(p); err != nil {
			writeError(w, err)
			return
		}
		logger.Info("manual reconnect requested", "provider", p, "remote", r.RemoteAddr)
		w.WriteHeader(http.StatusAccepted)
	})

	subscriptions := func(provider model.Provider, fn subscriptionFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			var req subscriptionRequest
			if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
				return
			}
			if err := fn(req.Items); err != nil {
				writeError(w, err)
				return
			}
			st, err := m.StatusOf(provider)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, st.Subscriptions)
		}
	}
	mux.HandleFunc("POST /subscriptions/prices", subscriptions(model.PriceFeed, m.SubscribePrices))
	mux.HandleFunc("DELETE /subscriptions/prices", subscriptions(model.PriceFeed, m.UnsubscribePrices))
	mux.HandleFunc("POST /subscriptions/addresses", subscriptions(model.ActivityFeed, m.SubscribeAddresses))
	mux.HandleFunc("DELETE /subscriptions/addresses", subscriptions(model.ActivityFeed, m.UnsubscribeAddresses))

	if metrics != nil {
		mux.Handle("GET "+metricsPath, metrics)
	}

	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, connection.ErrUnknownProvider):
		code = http.StatusNotFound
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
