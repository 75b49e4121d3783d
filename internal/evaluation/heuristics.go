package evaluation

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/aristath/agentgrid/internal/scheduler"
)

// Built-in evaluators are cheap static heuristics over the artifact text.
// They give the aggregator a baseline when no model-backed evaluator is wired.

// CodeQuality penalizes long lines, leftover markers and debug output.
type CodeQuality struct{}

func (CodeQuality) Dimension() Dimension { return DimensionCodeQuality }

func (CodeQuality) Evaluate(ctx context.Context, artifact *scheduler.Payload, ec Context) (Result, error) {
	if artifact == nil {
		return Result{}, fmt.Errorf("no artifact")
	}

	score := 10.0
	var res Result
	longLines, markers, debug := 0, 0, 0

	for _, f := range artifact.Files() {
		for i, line := range strings.Split(f.Content, "\n") {
			if len(line) > 120 {
				longLines++
			}
			upper := strings.ToUpper(line)
			if strings.Contains(upper, "FIXME") || strings.Contains(upper, "XXX") || strings.Contains(upper, "HACK") {
				markers++
				res.Issues = append(res.Issues, scheduler.Issue{
					Dimension: scheduler.DimensionStyle,
					Severity:  scheduler.SeverityLow,
					Message:   "leftover marker comment",
					File:      f.Path,
					Line:      i + 1,
				})
			}
			if debugPattern.MatchString(line) {
				debug++
			}
		}
	}

	score -= 0.1 * float64(min(longLines, 20))
	score -= 0.5 * float64(min(markers, 6))
	score -= 0.25 * float64(min(debug, 8))

	if longLines > 0 {
		res.Suggestions = append(res.Suggestions, fmt.Sprintf("wrap %d lines longer than 120 characters", longLines))
	}
	if debug > 0 {
		res.Suggestions = append(res.Suggestions, "remove debug print statements")
	}

	res.Score = score
	return res, nil
}

var debugPattern = regexp.MustCompile(`\b(fmt\.Println|console\.log|print\(|System\.out\.println|var_dump)`)

// Completeness checks that the artifact carries real content for its type
// and no unfinished placeholders.
type Completeness struct{}

func (Completeness) Dimension() Dimension { return DimensionCompleteness }

func (Completeness) Evaluate(ctx context.Context, artifact *scheduler.Payload, ec Context) (Result, error) {
	if artifact == nil {
		return Result{
			Score:  0,
			Issues: []scheduler.Issue{{Severity: scheduler.SeverityHigh, Message: "no output submitted"}},
		}, nil
	}

	var res Result
	score := 10.0

	if ec.Subtask != nil {
		want := scheduler.KindFor(ec.Subtask.Type)
		if artifact.Kind != want {
			score -= 3
			res.Issues = append(res.Issues, scheduler.Issue{
				Severity: scheduler.SeverityMedium,
				Message:  fmt.Sprintf("expected %s output, got %s", want, artifact.Kind),
			})
		}
	}

	if artifact.Kind == scheduler.PayloadCode && len(artifact.Files()) == 0 {
		score -= 6
		res.Issues = append(res.Issues, scheduler.Issue{
			Severity: scheduler.SeverityHigh,
			Message:  "code output contains no files",
		})
	}

	text := artifact.Text()
	if strings.TrimSpace(text) == "" {
		score -= 6
		res.Issues = append(res.Issues, scheduler.Issue{Severity: scheduler.SeverityHigh, Message: "output is empty"})
	}

	placeholders := len(placeholderPattern.FindAllStringIndex(text, -1))
	if placeholders > 0 {
		score -= float64(min(placeholders, 5))
		res.Issues = append(res.Issues, scheduler.Issue{
			Dimension: scheduler.DimensionLogic,
			Severity:  scheduler.SeverityMedium,
			Message:   fmt.Sprintf("%d unfinished placeholders", placeholders),
		})
		res.Suggestions = append(res.Suggestions, "implement the remaining TODO placeholders")
	}

	res.Score = score
	return res, nil
}

var placeholderPattern = regexp.MustCompile(`(?i)\bTODO\b|not implemented|unimplemented|panic\("todo`)

// Security flags common dangerous patterns.
type Security struct{}

func (Security) Dimension() Dimension { return DimensionSecurity }

type securityRule struct {
	pattern  *regexp.Regexp
	severity scheduler.Severity
	message  string
}

var securityRules = []securityRule{
	{regexp.MustCompile(`(?i)(password|secret|api_?key|token)\s*[:=]\s*["'][^"']{4,}["']`), scheduler.SeverityHigh, "hardcoded credential"},
	{regexp.MustCompile(`InsecureSkipVerify:\s*true`), scheduler.SeverityHigh, "TLS verification disabled"},
	{regexp.MustCompile(`exec\.Command\("(sh|bash)",\s*"-c"`), scheduler.SeverityMedium, "shell command construction"},
	{regexp.MustCompile(`\beval\(`), scheduler.SeverityMedium, "dynamic code evaluation"},
	{regexp.MustCompile(`(?i)"SELECT .*"\s*\+`), scheduler.SeverityHigh, "SQL built by string concatenation"},
	{regexp.MustCompile(`crypto/md5|crypto/sha1|hashlib\.md5`), scheduler.SeverityLow, "weak hash function"},
}

func (Security) Evaluate(ctx context.Context, artifact *scheduler.Payload, ec Context) (Result, error) {
	if artifact == nil {
		return Result{}, fmt.Errorf("no artifact")
	}

	var res Result
	score := 10.0
	penalty := map[scheduler.Severity]float64{
		scheduler.SeverityHigh:   3,
		scheduler.SeverityMedium: 1.5,
		scheduler.SeverityLow:    0.5,
	}

	for _, f := range artifact.Files() {
		for i, line := range strings.Split(f.Content, "\n") {
			for _, rule := range securityRules {
				if !rule.pattern.MatchString(line) {
					continue
				}
				score -= penalty[rule.severity]
				res.Issues = append(res.Issues, scheduler.Issue{
					Dimension: scheduler.DimensionSecurity,
					Severity:  rule.severity,
					Message:   rule.message,
					File:      f.Path,
					Line:      i + 1,
				})
			}
		}
	}

	if len(res.Issues) > 0 {
		res.Suggestions = append(res.Suggestions, "address the flagged security findings before merging")
	}
	res.Score = score
	return res, nil
}

// Builtin returns the built-in evaluator for a dimension name.
func Builtin(name string) (Evaluator, error) {
	switch Dimension(name) {
	case DimensionCodeQuality:
		return CodeQuality{}, nil
	case DimensionCompleteness:
		return Completeness{}, nil
	case DimensionSecurity:
		return Security{}, nil
	}
	return nil, fmt.Errorf("no built-in evaluator for %q", name)
}
