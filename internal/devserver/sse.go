package devserver

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// setupSSEHeaders prepares a streaming response.
func setupSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
}

// sendData writes one `data: <payload>` line and flushes it.
func sendData(w http.ResponseWriter, flusher http.Flusher, payload string) error {
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("write sse frame: %w", err)
	}
	flusher.Flush()
	return nil
}

// sendJSON marshals payload and writes it as one data line.
func sendJSON(w http.ResponseWriter, flusher http.Flusher, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal sse payload", "error", err)
		return fmt.Errorf("marshal sse payload: %w", err)
	}
	return sendData(w, flusher, string(data))
}
