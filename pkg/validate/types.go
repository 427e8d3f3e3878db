// Package validate implements the static artifact validator: a fixed
// pipeline of independent analysis stages (syntax, reference,
// specification, security pattern, structural) producing a
// severity-weighted ValidationReport. Stages are pure functions of the
// source and spec; validation of byte-identical input is byte-identical.
package validate

import (
	"fmt"
)

// Category classifies a finding.
type Category string

const (
	CategorySyntax        Category = "SYNTAX"
	CategoryUndefinedRef  Category = "UNDEFINED_REF"
	CategorySpecViolation Category = "SPEC_VIOLATION"
	CategorySecurity      Category = "SECURITY_PATTERN"
	CategoryStructural    Category = "STRUCTURAL"
)

// Severity ranks a finding's impact.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Finding is one issue located in the validated source.
type Finding struct {
	Category    Category `json:"category"`
	Severity    Severity `json:"severity"`
	Location    string   `json:"location"` // e.g. "line 12"
	Description string   `json:"description"`
}

// Report is the immutable outcome of one validation call. Reports are
// never merged across calls.
type Report struct {
	Findings     []Finding `json:"findings"`
	Score        float64   `json:"score"`
	HaltDecision bool      `json:"halt_decision"`
	HaltReason   string    `json:"halt_reason,omitempty"`
}

// Spec is an optional compliance contract the artifact must meet.
type Spec struct {
	RequiredImports   []string `json:"required_imports,omitempty"`
	RequiredFunctions []string `json:"required_functions,omitempty"`
	RequiredClasses   []string `json:"required_classes,omitempty"`
	ForbiddenPatterns []string `json:"forbidden_patterns,omitempty"`
}

// Language selects the grammar used by the syntax stage.
type Language string

const (
	LanguagePython Language = "python"
	LanguageGo     Language = "go"
	// Anything else falls back to a balanced-bracket scan.
)

func lineLoc(n int) string {
	return fmt.Sprintf("line %d", n)
}
