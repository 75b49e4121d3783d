package backend

import (
	"context"
	"fmt"
)

// Backend defines the interface that all backend adapters must implement.
type Backend interface {
	// Send sends a message to the backend and returns the response.
	Send(ctx context.Context, msg Message) (Response, error)

	// Close terminates the backend gracefully.
	Close() error
}

// New creates a command-line backend from cfg.
func New(cfg Config, pm *ProcessManager) (Backend, error) {
	if cfg.Name == "" && cfg.Command == "" {
		return nil, fmt.Errorf("backend needs a name or a command")
	}
	return NewCommandAdapter(cfg, pm), nil
}
