// Package dispatch delivers subtask assignments to workers and carries their
// results back to the engine.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/aristath/agentgrid/internal/scheduler"
)

var (
	// ErrWorkerNotRegistered is returned for a worker without a mailbox,
	// including one that left.
	ErrWorkerNotRegistered = errors.New("worker is not registered in mailbox")
	// ErrWorkerQueueFull is returned when a worker's inbox cannot take more work.
	ErrWorkerQueueFull = errors.New("worker queue is full")
)

// Assignment is what a worker receives for one subtask.
type Assignment struct {
	TaskID       string                 `json:"task_id"`
	SubtaskID    string                 `json:"subtask_id"`
	WorkerID     string                 `json:"worker_id"`
	Type         scheduler.SubtaskType  `json:"type"`
	Tool         string                 `json:"tool"`
	Description  string                 `json:"description"`
	Instructions scheduler.Instructions `json:"instructions"`
	Expect       scheduler.PayloadKind  `json:"expect"` // Payload variant the result should use
	DispatchedAt time.Time              `json:"dispatched_at"`
}

// ResultStatus is the outcome a worker reports.
type ResultStatus string

const (
	ResultCompleted ResultStatus = "completed"
	ResultFailed    ResultStatus = "failed"
)

// Result is a worker's report for one subtask.
type Result struct {
	SubtaskID     string             `json:"subtask_id"`
	WorkerID      string             `json:"worker_id,omitempty"`
	Status        ResultStatus       `json:"status"`
	Payload       *scheduler.Payload `json:"payload,omitempty"`
	Error         string             `json:"error,omitempty"`
	ExecutionTime time.Duration      `json:"execution_time,omitempty"`
}

// Dispatcher hands an assignment to its worker without waiting for the result.
type Dispatcher interface {
	Dispatch(ctx context.Context, a Assignment) error
}

// Mailbox keeps one buffered queue per worker. In-process workers read their
// channel directly; remote workers drain it through Next.
type Mailbox struct {
	mu     sync.RWMutex
	boxes  map[string]chan Assignment
	buffer int
}

var _ Dispatcher = (*Mailbox)(nil)

// NewMailbox creates a mailbox with the given per-worker buffer (default 16).
func NewMailbox(buffer int) *Mailbox {
	if buffer <= 0 {
		buffer = 16
	}
	return &Mailbox{
		boxes:  make(map[string]chan Assignment),
		buffer: buffer,
	}
}

// Register creates the queue of a worker, or returns the existing one.
func (m *Mailbox) Register(workerID string) <-chan Assignment {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ch, ok := m.boxes[workerID]; ok {
		return ch
	}
	ch := make(chan Assignment, m.buffer)
	m.boxes[workerID] = ch
	return ch
}

// Unregister drops a worker's queue and closes it.
func (m *Mailbox) Unregister(workerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.boxes[workerID]
	if !ok {
		return
	}
	delete(m.boxes, workerID)
	close(ch)
}

// Dispatch queues a for its worker. It never blocks.
func (m *Mailbox) Dispatch(ctx context.Context, a Assignment) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Held for the send so Unregister cannot close the channel underneath
	m.mu.RLock()
	defer m.mu.RUnlock()

	ch, ok := m.boxes[a.WorkerID]
	if !ok {
		return ErrWorkerNotRegistered
	}

	select {
	case ch <- a:
		return nil
	default:
		return ErrWorkerQueueFull
	}
}

// Next waits for the next assignment of a worker until ctx is done.
func (m *Mailbox) Next(ctx context.Context, workerID string) (Assignment, error) {
	m.mu.RLock()
	ch, ok := m.boxes[workerID]
	m.mu.RUnlock()
	if !ok {
		return Assignment{}, ErrWorkerNotRegistered
	}

	select {
	case a, ok := <-ch:
		if !ok {
			return Assignment{}, ErrWorkerNotRegistered
		}
		return a, nil
	case <-ctx.Done():
		return Assignment{}, ctx.Err()
	}
}

// Pending returns the number of queued assignments of a worker.
func (m *Mailbox) Pending(workerID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.boxes[workerID])
}
