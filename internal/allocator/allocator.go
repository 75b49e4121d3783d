// Package allocator scores workers against a subtask and picks the best match.
package allocator

import (
	"errors"
	"fmt"
	"sort"

	"github.com/aristath/agentgrid/internal/registry"
	"github.com/aristath/agentgrid/internal/scheduler"
)

// ErrAllocationDeferred means no eligible worker exists right now. It is a
// soft outcome: the subtask stays pending and is retried on the next tick.
var ErrAllocationDeferred = errors.New("allocation deferred")

// Weights are the coefficients of the allocation score.
type Weights struct {
	Tool     float64
	Resource float64
	Privacy  float64
}

// DefaultWeights returns 0.5 tool match, 0.3 resources, 0.2 privacy.
func DefaultWeights() Weights {
	return Weights{Tool: 0.5, Resource: 0.3, Privacy: 0.2}
}

// Request describes one allocation attempt.
type Request struct {
	Subtask *scheduler.Subtask
	Privacy scheduler.PrivacyLevel
	Exclude []string // Worker IDs that must not receive the subtask
	Prefer  string   // Worker ID to use when it is eligible
}

// Candidate is a scored worker.
type Candidate struct {
	Worker        *registry.Worker
	ToolMatch     float64
	ResourceScore float64
	PrivacyScore  float64
	Score         float64
}

// Allocator ranks workers with a fixed set of weights.
type Allocator struct {
	weights Weights
}

// New creates an Allocator.
func New(w Weights) *Allocator {
	return &Allocator{weights: w}
}

// Score computes a worker's score for a subtask without eligibility checks.
func (a *Allocator) Score(w *registry.Worker, tool string, privacy scheduler.PrivacyLevel) Candidate {
	c := Candidate{Worker: w}
	if w.HasTool(tool) {
		c.ToolMatch = 10
	}

	load := w.Resources.CPU
	if w.Resources.Memory > load {
		load = w.Resources.Memory
	}
	c.ResourceScore = clamp(10*(1-load/100), 0, 10)

	if privacy != scheduler.PrivacySensitive || w.LocalOnly {
		c.PrivacyScore = 10
	}

	c.Score = a.weights.Tool*c.ToolMatch + a.weights.Resource*c.ResourceScore + a.weights.Privacy*c.PrivacyScore
	return c
}

// Rank returns eligible candidates best first. A worker is eligible when it
// is online, idle, not excluded and offers the subtask's tool. Ties go to the
// most recent heartbeat, then the lower worker ID.
func (a *Allocator) Rank(req Request, workers []*registry.Worker) []Candidate {
	excluded := make(map[string]bool, len(req.Exclude))
	for _, id := range req.Exclude {
		excluded[id] = true
	}

	var out []Candidate
	for _, w := range workers {
		if !w.Idle() || excluded[w.ID] {
			continue
		}
		c := a.Score(w, req.Subtask.Tool, req.Privacy)
		if c.ToolMatch <= 0 {
			continue
		}
		out = append(out, c)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		hi, hj := out[i].Worker.LastHeartbeat, out[j].Worker.LastHeartbeat
		if !hi.Equal(hj) {
			return hi.After(hj)
		}
		return out[i].Worker.ID < out[j].Worker.ID
	})

	if req.Prefer != "" {
		for i, c := range out {
			if c.Worker.ID == req.Prefer {
				// Move the preferred worker to the front, keep the rest in order
				copy(out[1:i+1], out[:i])
				out[0] = c
				break
			}
		}
	}

	return out
}

// Select returns the best eligible worker, or ErrAllocationDeferred.
func (a *Allocator) Select(req Request, workers []*registry.Worker) (*registry.Worker, error) {
	ranked := a.Rank(req, workers)
	if len(ranked) == 0 {
		return nil, fmt.Errorf("%w: no idle worker offers %q for subtask %s", ErrAllocationDeferred, req.Subtask.Tool, req.Subtask.ID)
	}
	return ranked[0].Worker, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
