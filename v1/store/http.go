package store

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lockmesh/go-sessionlock/v1/metrics"
)

// streamWait bounds each blocking watch round inside the streaming
// handlers so broken clients are noticed.
const streamWait = 30 * time.Second

// ClaimEvent is one observed change of a key's claim state.
type ClaimEvent struct {
	Key   string `json:"key"`
	Index uint64 `json:"index"`
}

// SSEHandler streams claim-change events for a key over Server-Sent
// Events. The watched key is taken from the "key" query parameter.
func SSEHandler(s Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("key")
		if key == "" {
			http.Error(w, "missing key", http.StatusBadRequest)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "stream unsupported", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		// Start the response before the first watch round so clients on a
		// quiet key see headers immediately instead of blocking.
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		metrics.WatcherGauge.Inc()
		defer metrics.WatcherGauge.Dec()

		ctx := r.Context()
		var index uint64
		for {
			next, err := s.WatchKey(ctx, key, index, streamWait)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				return
			}
			if next == index {
				continue
			}
			index = next
			data, _ := json.Marshal(ClaimEvent{Key: key, Index: index})
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

var upgrader = websocket.Upgrader{}

// WebSocketHandler streams claim-change events for a key over WebSocket.
// The watched key is taken from the "key" query parameter.
func WebSocketHandler(s Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("key")
		if key == "" {
			http.Error(w, "missing key", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		metrics.WatcherGauge.Inc()
		defer metrics.WatcherGauge.Dec()

		ctx := r.Context()
		var index uint64
		for {
			next, err := s.WatchKey(ctx, key, index, streamWait)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				return
			}
			if next == index {
				continue
			}
			index = next
			if err := conn.WriteJSON(ClaimEvent{Key: key, Index: index}); err != nil {
				return
			}
		}
	}
}
