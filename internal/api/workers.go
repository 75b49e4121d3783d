package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/aristath/agentgrid/internal/registry"
)

// --- Worker handlers ---

type registerRequest struct {
	MachineID    string   `json:"machine_id"`
	Capabilities []string `json:"capabilities"`
	LocalOnly    bool     `json:"local_only"`
}

func (h *Handlers) registerWorker(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decode(w, r, &req) {
		return
	}
	if req.MachineID == "" {
		writeError(w, http.StatusBadRequest, "machine_id is required")
		return
	}

	worker, err := h.Registry.Register(req.MachineID, req.Capabilities, req.LocalOnly)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	// Remote workers drain their queue through GET /api/workers/{id}/next
	h.Mailbox.Register(worker.ID)
	writeJSON(w, http.StatusCreated, worker)
}

func (h *Handlers) listWorkers(w http.ResponseWriter, r *http.Request) {
	filter := registry.Filter(r.URL.Query().Get("filter"))
	switch filter {
	case "":
		filter = registry.FilterAll
	case registry.FilterAll, registry.FilterOnline:
	default:
		writeError(w, http.StatusBadRequest, "filter must be online or all")
		return
	}
	writeJSON(w, http.StatusOK, nonNil(h.Registry.List(filter)))
}

func (h *Handlers) getWorker(w http.ResponseWriter, r *http.Request) {
	worker, err := h.Registry.Get(r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, worker)
}

// leaveWorker takes a worker out of rotation at its own request. Work it
// still holds is handled by the engine's liveness policy, as for a missed
// heartbeat.
func (h *Handlers) leaveWorker(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.Registry.MarkOffline(id); err != nil {
		h.fail(w, r, err)
		return
	}
	h.Mailbox.Unregister(id)
	h.Engine.HandleOffline(r.Context(), []string{id})
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) heartbeat(w http.ResponseWriter, r *http.Request) {
	var res registry.Resources
	if !decode(w, r, &res) {
		return
	}
	if err := h.Registry.Heartbeat(r.PathValue("id"), res); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// nextAssignment long-polls the worker's queue. The optional wait query
// parameter (a Go duration) shortens the poll window; an empty poll yields 204.
func (h *Handlers) nextAssignment(w http.ResponseWriter, r *http.Request) {
	wait := h.pollTimeout()
	if v := r.URL.Query().Get("wait"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "wait must be a non-negative duration")
			return
		}
		wait = min(d, wait)
	}

	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()

	a, err := h.Mailbox.Next(ctx, r.PathValue("id"))
	if errors.Is(err, context.DeadlineExceeded) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}
