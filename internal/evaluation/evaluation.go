// Package evaluation scores completed artifacts with independent evaluators
// and combines them into one weighted result.
package evaluation

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/aristath/agentgrid/internal/scheduler"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Dimension is the quality axis an evaluator scores.
type Dimension string

const (
	DimensionCodeQuality           Dimension = "code_quality"
	DimensionCompleteness          Dimension = "completeness"
	DimensionSecurity              Dimension = "security"
	DimensionArchitectureAlignment Dimension = "architecture_alignment"
	DimensionTestability           Dimension = "testability"
)

// Source identifies who produced an evaluation.
type Source string

const (
	SourceAutomated   Source = "automated"
	SourceHuman       Source = "human"
	SourceAgentReview Source = "agent_review"
)

// Band is a coarse quality grade.
type Band string

const (
	BandExcellent  Band = "excellent"  // [9, 10]
	BandGood       Band = "good"       // [7, 9)
	BandAcceptable Band = "acceptable" // [5, 7)
	BandPoor       Band = "poor"       // [3, 5)
	BandFail       Band = "fail"       // [0, 3)
)

// BandFor maps an overall score to its band.
func BandFor(score float64) Band {
	switch {
	case score >= 9:
		return BandExcellent
	case score >= 7:
		return BandGood
	case score >= 5:
		return BandAcceptable
	case score >= 3:
		return BandPoor
	default:
		return BandFail
	}
}

// DefaultWeights are the built-in dimension weights. The last two are only
// used when evaluators for those dimensions are registered.
func DefaultWeights() map[Dimension]float64 {
	return map[Dimension]float64{
		DimensionCodeQuality:           0.25,
		DimensionCompleteness:          0.30,
		DimensionSecurity:              0.25,
		DimensionArchitectureAlignment: 0.10,
		DimensionTestability:           0.10,
	}
}

// Context is what an evaluator knows about the artifact besides its content.
type Context struct {
	Task    *scheduler.Task
	Subtask *scheduler.Subtask
}

// Result is a single evaluator's verdict.
type Result struct {
	Score       float64
	Issues      []scheduler.Issue
	Suggestions []string
}

// Evaluator scores one dimension of an artifact.
type Evaluator interface {
	Dimension() Dimension
	Evaluate(ctx context.Context, artifact *scheduler.Payload, ec Context) (Result, error)
}

// Evaluation is an immutable aggregated record for one artifact version.
type Evaluation struct {
	ID              string                `json:"id"`
	SubtaskID       string                `json:"subtask_id"`
	Scores          map[Dimension]float64 `json:"scores"`
	Overall         float64               `json:"overall_score"`
	Band            Band                  `json:"band"`
	Issues          []scheduler.Issue     `json:"issues"`
	Suggestions     []string              `json:"suggestions"`
	Source          Source                `json:"evaluator"`
	NeedsCheckpoint bool                  `json:"needs_checkpoint"`
	CreatedAt       time.Time             `json:"created_at"`
}

// Aggregator runs registered evaluators concurrently and combines their scores.
type Aggregator struct {
	mu         sync.RWMutex
	evaluators []Evaluator
	weights    map[Dimension]float64
	threshold  float64
	logger     *slog.Logger
	now        func() time.Time
}

// NewAggregator creates an aggregator. Missing weights fall back to
// DefaultWeights; threshold is the score below which a checkpoint is needed.
func NewAggregator(weights map[Dimension]float64, threshold float64, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	merged := DefaultWeights()
	for dim, w := range weights {
		merged[dim] = w
	}
	return &Aggregator{
		weights:   merged,
		threshold: threshold,
		logger:    logger,
		now:       time.Now,
	}
}

// Register adds an evaluator. Its dimension must have a positive weight and
// must not already be covered.
func (a *Aggregator) Register(e Evaluator) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	dim := e.Dimension()
	if a.weights[dim] <= 0 {
		return fmt.Errorf("no weight configured for dimension %q", dim)
	}
	for _, existing := range a.evaluators {
		if existing.Dimension() == dim {
			return fmt.Errorf("dimension %q already has an evaluator", dim)
		}
	}
	a.evaluators = append(a.evaluators, e)
	return nil
}

// Dimensions lists the registered dimensions in registration order.
func (a *Aggregator) Dimensions() []Dimension {
	a.mu.RLock()
	defer a.mu.RUnlock()

	dims := make([]Dimension, len(a.evaluators))
	for i, e := range a.evaluators {
		dims[i] = e.Dimension()
	}
	return dims
}

// Evaluate runs every registered evaluator over artifact. An evaluator that
// errors or panics scores zero for its dimension and adds an
// "evaluator failed" issue; the others still count.
func (a *Aggregator) Evaluate(ctx context.Context, artifact *scheduler.Payload, ec Context) (*Evaluation, error) {
	a.mu.RLock()
	evaluators := append([]Evaluator(nil), a.evaluators...)
	a.mu.RUnlock()

	if len(evaluators) == 0 {
		return nil, fmt.Errorf("no evaluators registered")
	}

	results := make([]Result, len(evaluators))
	g, gctx := errgroup.WithContext(ctx)
	for i, e := range evaluators {
		g.Go(func() error {
			results[i] = a.runOne(gctx, e, artifact, ec)
			return nil
		})
	}
	// runOne never returns an error to the group
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	eval := &Evaluation{
		ID:        uuid.NewString(),
		Scores:    make(map[Dimension]float64, len(evaluators)),
		Source:    SourceAutomated,
		CreatedAt: a.now(),
	}
	if ec.Subtask != nil {
		eval.SubtaskID = ec.Subtask.ID
	}

	var weighted, total float64
	for i, e := range evaluators {
		dim := e.Dimension()
		score := clamp(results[i].Score)
		eval.Scores[dim] = score
		eval.Issues = append(eval.Issues, results[i].Issues...)
		eval.Suggestions = append(eval.Suggestions, results[i].Suggestions...)

		w := a.weights[dim]
		weighted += score * w
		total += w
	}

	eval.Overall = clamp(weighted / total)
	eval.Band = BandFor(eval.Overall)
	eval.NeedsCheckpoint = eval.Overall < a.threshold
	sort.SliceStable(eval.Issues, func(i, j int) bool {
		return severityRank(eval.Issues[i].Severity) < severityRank(eval.Issues[j].Severity)
	})

	return eval, nil
}

func (a *Aggregator) runOne(ctx context.Context, e Evaluator, artifact *scheduler.Payload, ec Context) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("evaluator panicked", "dimension", e.Dimension(), "panic", r)
			res = failedResult(e.Dimension(), fmt.Errorf("panic: %v", r))
		}
	}()

	res, err := e.Evaluate(ctx, artifact, ec)
	if err != nil {
		a.logger.Warn("evaluator failed", "dimension", e.Dimension(), "err", err)
		return failedResult(e.Dimension(), err)
	}
	if math.IsNaN(res.Score) {
		return failedResult(e.Dimension(), fmt.Errorf("score is NaN"))
	}
	return res
}

func failedResult(dim Dimension, err error) Result {
	return Result{
		Score: 0,
		Issues: []scheduler.Issue{{
			Severity: scheduler.SeverityHigh,
			Message:  fmt.Sprintf("evaluator failed (%s): %v", dim, err),
		}},
	}
}

func clamp(score float64) float64 {
	if math.IsNaN(score) || score < 0 {
		return 0
	}
	if score > 10 {
		return 10
	}
	return score
}

func severityRank(s scheduler.Severity) int {
	switch s {
	case scheduler.SeverityHigh:
		return 0
	case scheduler.SeverityMedium:
		return 1
	default:
		return 2
	}
}
