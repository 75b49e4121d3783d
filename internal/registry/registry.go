// Package registry tracks execution workers, their capabilities, live
// resource usage and their single current assignment.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrWorkerNotFound is returned for an unknown worker id.
	ErrWorkerNotFound = errors.New("worker not found")
	// ErrWorkerBusy is returned when Assign finds the worker holding other work.
	ErrWorkerBusy = errors.New("worker busy")
	// ErrWorkerOffline is returned when Assign targets an offline worker.
	ErrWorkerOffline = errors.New("worker offline")
)

// Status is the availability of a worker.
type Status string

const (
	StatusOnline  Status = "online" // Connected and idle
	StatusBusy    Status = "busy"   // Holding an assignment
	StatusOffline Status = "offline"
)

// Filter selects workers in List.
type Filter string

const (
	FilterAll    Filter = "all"
	FilterOnline Filter = "online" // Online or busy
)

// Resources is a live usage snapshot, each value a percentage.
type Resources struct {
	CPU    float64 `json:"cpu_percent"`
	Memory float64 `json:"memory_percent"`
	Disk   float64 `json:"disk_percent"`
}

// Worker is an execution agent.
type Worker struct {
	ID                string    `json:"id"`
	MachineID         string    `json:"machine_id"`
	Capabilities      []string  `json:"capabilities"`
	Status            Status    `json:"status"`
	CurrentAssignment string    `json:"current_assignment,omitempty"`
	Resources         Resources `json:"resources"`
	LocalOnly         bool      `json:"local_only"`
	LastHeartbeat     time.Time `json:"last_heartbeat"`
	RegisteredAt      time.Time `json:"registered_at"`
}

// HasTool reports whether the worker offers tool.
func (w *Worker) HasTool(tool string) bool {
	for _, c := range w.Capabilities {
		if c == tool {
			return true
		}
	}
	return false
}

// Idle reports whether the worker can take an assignment.
func (w *Worker) Idle() bool {
	return w.Status == StatusOnline && w.CurrentAssignment == ""
}

func (w *Worker) clone() *Worker {
	cp := *w
	cp.Capabilities = append([]string(nil), w.Capabilities...)
	return &cp
}

// Registry is an in-memory worker registry safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	workers   map[string]*Worker
	byMachine map[string]string // machine id -> worker id
	now       func() time.Time
	logger    *slog.Logger
}

// New creates an empty Registry. A nil logger uses slog.Default().
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		workers:   make(map[string]*Worker),
		byMachine: make(map[string]string),
		now:       time.Now,
		logger:    logger,
	}
}

// Register adds a worker for machineID, or refreshes the existing one.
// Registering the same machine again keeps its worker ID and assignment.
func (r *Registry) Register(machineID string, capabilities []string, localOnly bool) (*Worker, error) {
	if machineID == "" {
		return nil, fmt.Errorf("machine id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if id, ok := r.byMachine[machineID]; ok {
		w := r.workers[id]
		w.Capabilities = append([]string(nil), capabilities...)
		w.LocalOnly = localOnly
		w.LastHeartbeat = now
		if w.Status == StatusOffline {
			w.Status = statusFor(w)
		}
		return w.clone(), nil
	}

	w := &Worker{
		ID:            uuid.NewString(),
		MachineID:     machineID,
		Capabilities:  append([]string(nil), capabilities...),
		Status:        StatusOnline,
		LocalOnly:     localOnly,
		LastHeartbeat: now,
		RegisteredAt:  now,
	}
	r.workers[w.ID] = w
	r.byMachine[machineID] = w.ID

	r.logger.Info("worker registered", "worker", w.ID, "machine", machineID, "tools", capabilities)
	return w.clone(), nil
}

// Heartbeat records liveness and the latest resource snapshot. A worker
// previously swept offline comes back online.
func (r *Registry) Heartbeat(workerID string, res Resources) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, workerID)
	}
	w.Resources = res
	w.LastHeartbeat = r.now()
	if w.Status == StatusOffline {
		w.Status = statusFor(w)
		r.logger.Info("worker back online", "worker", workerID)
	}
	return nil
}

// Get returns a copy of one worker.
func (r *Registry) Get(workerID string) (*Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.workers[workerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkerNotFound, workerID)
	}
	return w.clone(), nil
}

// List returns copies of workers matching filter, sorted by ID.
func (r *Registry) List(filter Filter) []*Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Worker, 0, len(r.workers))
	for _, w := range r.workers {
		if filter == FilterOnline && w.Status == StatusOffline {
			continue
		}
		out = append(out, w.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Assign binds subtaskID to the worker if, and only if, the worker is online
// and idle. It is the compare-and-set half of an allocation.
func (r *Registry) Assign(workerID, subtaskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, workerID)
	}
	if w.Status == StatusOffline {
		return fmt.Errorf("%w: %s", ErrWorkerOffline, workerID)
	}
	if w.CurrentAssignment != "" {
		return fmt.Errorf("%w: %s holds %s", ErrWorkerBusy, workerID, w.CurrentAssignment)
	}
	w.CurrentAssignment = subtaskID
	w.Status = StatusBusy
	return nil
}

// Release clears the assignment if it still points at subtaskID.
// Releasing a stale assignment is a no-op so duplicate results are harmless.
func (r *Registry) Release(workerID, subtaskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, workerID)
	}
	if w.CurrentAssignment != subtaskID {
		return nil
	}
	w.CurrentAssignment = ""
	if w.Status == StatusBusy {
		w.Status = StatusOnline
	}
	return nil
}

// MarkOffline flags a worker as unreachable. Its assignment is kept so the
// engine's liveness policy can decide what happens to the subtask.
func (r *Registry) MarkOffline(workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, workerID)
	}
	w.Status = StatusOffline
	return nil
}

// Sweep marks workers offline whose last heartbeat is older than timeout and
// returns their IDs.
func (r *Registry) Sweep(timeout time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-timeout)
	var swept []string
	for id, w := range r.workers {
		if w.Status != StatusOffline && w.LastHeartbeat.Before(cutoff) {
			w.Status = StatusOffline
			swept = append(swept, id)
		}
	}
	sort.Strings(swept)
	for _, id := range swept {
		r.logger.Warn("worker missed heartbeats, marked offline", "worker", id, "timeout", timeout)
	}
	return swept
}

// Run sweeps stale workers every interval until ctx is cancelled.
// onOffline, if set, is called with each sweep's non-empty result.
func (r *Registry) Run(ctx context.Context, interval, timeout time.Duration, onOffline func([]string)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if swept := r.Sweep(timeout); len(swept) > 0 && onOffline != nil {
				onOffline(swept)
			}
		}
	}
}

func statusFor(w *Worker) Status {
	if w.CurrentAssignment != "" {
		return StatusBusy
	}
	return StatusOnline
}
