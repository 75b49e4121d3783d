// Package review implements the automated peer-review loop: parsing review
// output, deciding between accept, fix and escalation, and building the
// review and fix subtasks that form a chain.
package review

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/aristath/agentgrid/internal/scheduler"
	"github.com/tidwall/gjson"
)

var (
	// ErrInvalidReviewFormat is returned when review output lacks a valid score
	// or carries unknown issue tags.
	ErrInvalidReviewFormat = errors.New("invalid review format")
	// ErrMaxFixCyclesExceeded is the escalation reason once the chain is exhausted.
	ErrMaxFixCyclesExceeded = errors.New("max cycles exceeded")
)

// Parse extracts and validates the structured review record from a payload.
// A typed review variant is used as is; anything else is searched for a JSON
// object carrying a "score" field.
func Parse(p *scheduler.Payload) (*scheduler.ReviewOutput, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: empty output", ErrInvalidReviewFormat)
	}
	if p.Review != nil {
		out := *p.Review
		if err := validate(&out); err != nil {
			return nil, err
		}
		return &out, nil
	}
	return ParseBytes([]byte(p.Text()))
}

// ParseBytes parses raw review output. The record may be the whole document,
// nested under "review", or embedded as a JSON object inside free text.
func ParseBytes(data []byte) (*scheduler.ReviewOutput, error) {
	doc, ok := locate(data)
	if !ok {
		return nil, fmt.Errorf("%w: no review record with a score", ErrInvalidReviewFormat)
	}

	score := doc.Get("score")
	if score.Type != gjson.Number {
		return nil, fmt.Errorf("%w: score must be a number, got %s", ErrInvalidReviewFormat, score.Type)
	}

	out := &scheduler.ReviewOutput{
		Score:   score.Float(),
		Summary: doc.Get("summary").String(),
	}
	doc.Get("suggestions").ForEach(func(_, v gjson.Result) bool {
		out.Suggestions = append(out.Suggestions, v.String())
		return true
	})

	issues := doc.Get("issues")
	if issues.Exists() && !issues.IsArray() {
		return nil, fmt.Errorf("%w: issues must be a list", ErrInvalidReviewFormat)
	}
	var issueErr error
	issues.ForEach(func(_, v gjson.Result) bool {
		var issue scheduler.Issue
		if err := json.Unmarshal([]byte(v.Raw), &issue); err != nil {
			issueErr = fmt.Errorf("%w: malformed issue: %v", ErrInvalidReviewFormat, err)
			return false
		}
		out.Issues = append(out.Issues, issue)
		return true
	})
	if issueErr != nil {
		return nil, issueErr
	}

	if err := validate(out); err != nil {
		return nil, err
	}
	return out, nil
}

// locate finds the JSON object holding the review record.
func locate(data []byte) (gjson.Result, bool) {
	if gjson.ValidBytes(data) {
		root := gjson.ParseBytes(data)
		if r := root.Get("review"); r.IsObject() && r.Get("score").Exists() {
			return r, true
		}
		if root.IsObject() && root.Get("score").Exists() {
			return root, true
		}
		// A JSON string wrapping the record, as produced by opaque payloads
		if root.Type == gjson.String {
			return locate([]byte(root.String()))
		}
	}

	// Free text: try each object start until one parses with a score
	text := string(data)
	for i := strings.IndexByte(text, '{'); i >= 0; {
		end := matchingBrace(text, i)
		if end > i {
			candidate := text[i : end+1]
			if gjson.Valid(candidate) {
				r := gjson.Parse(candidate)
				if r.Get("score").Exists() {
					return r, true
				}
			}
		}
		next := strings.IndexByte(text[i+1:], '{')
		if next < 0 {
			break
		}
		i += next + 1
	}
	return gjson.Result{}, false
}

// matchingBrace returns the index of the brace closing the one at start,
// skipping braces inside JSON strings, or -1.
func matchingBrace(s string, start int) int {
	depth := 0
	inString := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch c {
			case '\\':
				i++
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func validate(out *scheduler.ReviewOutput) error {
	if math.IsNaN(out.Score) || out.Score < 0 || out.Score > 10 {
		return fmt.Errorf("%w: score %v outside [0, 10]", ErrInvalidReviewFormat, out.Score)
	}
	for i, issue := range out.Issues {
		switch issue.Dimension {
		case scheduler.DimensionSyntax, scheduler.DimensionStyle, scheduler.DimensionLogic,
			scheduler.DimensionSecurity, scheduler.DimensionReadability:
		default:
			return fmt.Errorf("%w: issue %d has unknown dimension %q", ErrInvalidReviewFormat, i, issue.Dimension)
		}
		switch issue.Severity {
		case scheduler.SeverityHigh, scheduler.SeverityMedium, scheduler.SeverityLow:
		default:
			return fmt.Errorf("%w: issue %d has unknown severity %q", ErrInvalidReviewFormat, i, issue.Severity)
		}
	}
	return nil
}
