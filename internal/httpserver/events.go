package httpserver

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"chatrelay/internal/events"
	"chatrelay/internal/observability"
	"chatrelay/internal/presence"
	"chatrelay/internal/util"
)

const heartbeatInterval = 25 * time.Second

// EventStream serves the live per-identity event feed over SSE. Opening the
// stream identifies the connection; closing it disconnects it from the
// presence registry.
type EventStream struct {
	Hub      *events.Hub
	Registry *presence.Registry
}

func (e *EventStream) Register(m *mux.Router) {
	m.HandleFunc("/v1/events", e.handleStream).Methods(http.MethodGet)
}

func (e *EventStream) handleStream(w http.ResponseWriter, r *http.Request) {
	identity := r.URL.Query().Get("identity")
	if identity == "" {
		http.Error(w, ErrMissingParams, http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	connID := util.NewConnectionID()
	e.Registry.Identify(connID, identity)
	defer e.Registry.Disconnect(connID)

	sub := e.Hub.Subscribe(identity)
	defer sub.Close()

	observability.Connections.Inc()
	defer observability.Connections.Dec()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// first frame tells the client its connection id; chat-open calls
	// reference it
	writeFrame(w, "connected", struct {
		ConnectionID string `json:"connectionId"`
	}{ConnectionID: connID})
	flusher.Flush()

	slog.Info("event stream opened", "identity", identity, "connection_id", connID)

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			slog.Info("event stream closed", "identity", identity, "connection_id", connID)
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev, open := <-sub.C:
			if !open {
				return
			}
			writeFrame(w, ev.Type, ev)
			flusher.Flush()
		}
	}
}

func writeFrame(w http.ResponseWriter, event string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b)
}
