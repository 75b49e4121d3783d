package scheduler

import (
	"encoding/json"
	"strings"
)

// PayloadKind tags which variant of a Payload is populated.
type PayloadKind string

const (
	PayloadCode       PayloadKind = "code"
	PayloadReview     PayloadKind = "review"
	PayloadTest       PayloadKind = "test"
	PayloadDocument   PayloadKind = "document"
	PayloadAnalysis   PayloadKind = "analysis"
	PayloadDeployment PayloadKind = "deployment"
	PayloadOpaque     PayloadKind = "opaque" // Unrecognised output kept verbatim
)

// Payload is the structured output a worker submits for a subtask.
// Exactly one variant field matches Kind; PayloadOpaque keeps Raw only.
type Payload struct {
	Kind       PayloadKind       `json:"kind"`
	Code       *CodeOutput       `json:"code,omitempty"`
	Review     *ReviewOutput     `json:"review,omitempty"`
	Test       *TestOutput       `json:"test,omitempty"`
	Document   *DocumentOutput   `json:"document,omitempty"`
	Analysis   *AnalysisOutput   `json:"analysis,omitempty"`
	Deployment *DeploymentOutput `json:"deployment,omitempty"`
	Raw        json.RawMessage   `json:"raw,omitempty"`
}

// File is a single file produced or modified by a worker.
type File struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type CodeOutput struct {
	Files   []File `json:"files"`
	Summary string `json:"summary,omitempty"`
}

// IssueDimension is the review axis an issue belongs to.
type IssueDimension string

const (
	DimensionSyntax      IssueDimension = "syntax"
	DimensionStyle       IssueDimension = "style"
	DimensionLogic       IssueDimension = "logic"
	DimensionSecurity    IssueDimension = "security"
	DimensionReadability IssueDimension = "readability"
)

// Severity grades how serious an issue is.
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

// Issue is a single finding from a reviewer or evaluator.
type Issue struct {
	Dimension IssueDimension `json:"dimension,omitempty"`
	Severity  Severity       `json:"severity"`
	Message   string         `json:"message"`
	File      string         `json:"file,omitempty"`
	Line      int            `json:"line,omitempty"`
}

// ReviewOutput is the structured record a review subtask must produce.
type ReviewOutput struct {
	Score       float64  `json:"score"`
	Issues      []Issue  `json:"issues"`
	Suggestions []string `json:"suggestions"`
	Summary     string   `json:"summary"`
}

type TestOutput struct {
	Passed int    `json:"passed"`
	Failed int    `json:"failed"`
	Output string `json:"output,omitempty"`
	Files  []File `json:"files,omitempty"`
}

type DocumentOutput struct {
	Content string `json:"content"`
	Files   []File `json:"files,omitempty"`
}

type AnalysisOutput struct {
	Findings []string `json:"findings"`
	Summary  string   `json:"summary,omitempty"`
}

type DeploymentOutput struct {
	Target string `json:"target"`
	Status string `json:"status"`
	Log    string `json:"log,omitempty"`
}

// KindFor returns the payload variant expected from a subtask type.
func KindFor(t SubtaskType) PayloadKind {
	switch t {
	case SubtaskCodeGeneration, SubtaskCodeFix:
		return PayloadCode
	case SubtaskCodeReview:
		return PayloadReview
	case SubtaskTest:
		return PayloadTest
	case SubtaskDocumentation:
		return PayloadDocument
	case SubtaskAnalysis:
		return PayloadAnalysis
	case SubtaskDeployment:
		return PayloadDeployment
	}
	return PayloadOpaque
}

// DecodePayload parses worker output. Anything that is not a recognised
// tagged variant is preserved as an opaque payload instead of being rejected.
func DecodePayload(data []byte) *Payload {
	if len(data) == 0 {
		return nil
	}

	var p Payload
	if err := json.Unmarshal(data, &p); err == nil && p.populated() {
		return &p
	}

	raw := make(json.RawMessage, len(data))
	copy(raw, data)
	if !json.Valid(raw) {
		// Plain text output: store it as a JSON string
		quoted, _ := json.Marshal(string(data))
		raw = quoted
	}
	return &Payload{Kind: PayloadOpaque, Raw: raw}
}

func (p *Payload) populated() bool {
	switch p.Kind {
	case PayloadCode:
		return p.Code != nil
	case PayloadReview:
		return p.Review != nil
	case PayloadTest:
		return p.Test != nil
	case PayloadDocument:
		return p.Document != nil
	case PayloadAnalysis:
		return p.Analysis != nil
	case PayloadDeployment:
		return p.Deployment != nil
	case PayloadOpaque:
		return len(p.Raw) > 0
	}
	return false
}

// Files returns every file carried by the payload, regardless of variant.
func (p *Payload) Files() []File {
	if p == nil {
		return nil
	}
	switch {
	case p.Code != nil:
		return p.Code.Files
	case p.Test != nil:
		return p.Test.Files
	case p.Document != nil:
		return p.Document.Files
	}
	return nil
}

// Text flattens the payload into plain text for heuristic inspection.
func (p *Payload) Text() string {
	if p == nil {
		return ""
	}

	var b strings.Builder
	for _, f := range p.Files() {
		b.WriteString(f.Content)
		b.WriteString("\n")
	}
	switch {
	case p.Code != nil:
		b.WriteString(p.Code.Summary)
	case p.Review != nil:
		b.WriteString(p.Review.Summary)
	case p.Test != nil:
		b.WriteString(p.Test.Output)
	case p.Document != nil:
		b.WriteString(p.Document.Content)
	case p.Analysis != nil:
		b.WriteString(strings.Join(p.Analysis.Findings, "\n"))
		b.WriteString("\n")
		b.WriteString(p.Analysis.Summary)
	case p.Deployment != nil:
		b.WriteString(p.Deployment.Log)
	default:
		var s string
		if err := json.Unmarshal(p.Raw, &s); err == nil {
			b.WriteString(s)
		} else {
			b.Write(p.Raw)
		}
	}
	return b.String()
}
