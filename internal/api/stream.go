package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/aristath/agentgrid/internal/events"
)

type streamEvent struct {
	Type string       `json:"type"`
	Task string       `json:"task_id,omitempty"`
	Data events.Event `json:"data"`
}

// streamEvents implements Server-Sent Events over the engine's event bus.
// The optional task query parameter limits the stream to one task.
func (h *Handlers) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	taskID := r.URL.Query().Get("task")

	sub := h.Events.SubscribeAll(64)
	defer h.Events.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprint(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if taskID != "" && ev.TaskID() != taskID {
				continue
			}
			data, err := json.Marshal(streamEvent{Type: ev.EventType(), Task: ev.TaskID(), Data: ev})
			if err != nil {
				h.logger().Warn("failed to encode event", "type", ev.EventType(), "err", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.EventType(), data)
			flusher.Flush()
		}
	}
}
