// Package score maps validation findings to a confidence score and a
// halt decision. Weights and thresholds are tuning constants, not
// derived invariants, so they live in a Policy that callers may
// override at construction.
package score

import (
	"fmt"
	"strings"

	"github.com/wardstone/warden/pkg/validate"
)

// Policy holds the scoring parameters.
type Policy struct {
	// Weights is the per-finding score deduction by severity.
	Weights map[validate.Severity]float64

	// MinScore is the score below which validation halts.
	MinScore float64

	// HaltSeverities lists severities where a single finding halts
	// regardless of the arithmetic score. This prevents many
	// low-severity findings from diluting one severe issue.
	HaltSeverities []validate.Severity
}

// DefaultPolicy returns the stock parameters.
func DefaultPolicy() Policy {
	return Policy{
		Weights: map[validate.Severity]float64{
			validate.SeverityCritical: 0.30,
			validate.SeverityHigh:     0.10,
			validate.SeverityMedium:   0.05,
			validate.SeverityLow:      0.02,
		},
		MinScore:       0.70,
		HaltSeverities: []validate.Severity{validate.SeverityHigh, validate.SeverityCritical},
	}
}

// Engine is a deterministic findings → report mapper.
type Engine struct {
	policy Policy
}

// NewEngine creates a scoring engine. A zero-value policy field falls
// back to the default.
func NewEngine(policy Policy) *Engine {
	def := DefaultPolicy()
	if policy.Weights == nil {
		policy.Weights = def.Weights
	}
	if policy.MinScore == 0 {
		policy.MinScore = def.MinScore
	}
	if policy.HaltSeverities == nil {
		policy.HaltSeverities = def.HaltSeverities
	}
	return &Engine{policy: policy}
}

// Report scores the findings and decides halt/allow. The score starts
// at 1.0 and loses the severity weight per finding, clamped to [0,1].
// Halt fires when the score drops below MinScore or when any finding
// carries a halting severity.
func (e *Engine) Report(findings []validate.Finding) validate.Report {
	score := 1.0
	var severe []validate.Finding
	for _, f := range findings {
		score -= e.policy.Weights[f.Severity]
		if e.halts(f.Severity) {
			severe = append(severe, f)
		}
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}

	report := validate.Report{
		Findings: findings,
		Score:    score,
	}

	switch {
	case len(severe) > 0:
		report.HaltDecision = true
		report.HaltReason = fmt.Sprintf("%d severe finding(s): %s", len(severe), summarize(severe))
	case score < e.policy.MinScore:
		report.HaltDecision = true
		report.HaltReason = fmt.Sprintf("score %.2f below minimum %.2f across %d finding(s)",
			score, e.policy.MinScore, len(findings))
	}
	return report
}

func (e *Engine) halts(s validate.Severity) bool {
	for _, h := range e.policy.HaltSeverities {
		if s == h {
			return true
		}
	}
	return false
}

func summarize(findings []validate.Finding) string {
	parts := make([]string, 0, len(findings))
	for _, f := range findings {
		parts = append(parts, fmt.Sprintf("[%s/%s] %s: %s", f.Category, f.Severity, f.Location, f.Description))
		if len(parts) == 3 && len(findings) > 3 {
			parts = append(parts, fmt.Sprintf("and %d more", len(findings)-3))
			break
		}
	}
	return strings.Join(parts, "; ")
}
