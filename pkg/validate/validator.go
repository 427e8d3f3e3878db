package validate

import (
	"github.com/wardstone/warden/pkg/rules"
)

// Validator runs the fixed stage pipeline. Construct once and share;
// Validate is safe for unbounded concurrency — the validator holds no
// mutable state.
type Validator struct {
	stages []Stage
}

// NewValidator builds the default five-stage pipeline with the given
// rule set feeding the security-pattern stage.
func NewValidator(ruleSet *rules.Set) *Validator {
	return NewPipeline(
		syntaxStage{},
		referenceStage{},
		specStage{},
		securityStage{rules: ruleSet.Rules(rules.KindSecurityPattern)},
		structuralStage{},
	)
}

// NewPipeline builds a validator from an explicit stage chain, invoked
// in order. Callers compose their own chains for testing or to extend
// the pipeline; there is no hidden control flow.
func NewPipeline(stages ...Stage) *Validator {
	return &Validator{stages: stages}
}

// Validate runs every stage against the parsed source and returns the
// accumulated findings. A CRITICAL finding from the syntax stage
// short-circuits the pipeline: the remaining stages are skipped and
// the findings are final.
func (v *Validator) Validate(code string, language Language, spec *Spec) []Finding {
	src := newSource(code, language)

	findings := make([]Finding, 0)
	for _, stage := range v.stages {
		stageFindings := stage.Check(src, spec)
		findings = append(findings, stageFindings...)

		if stage.Name() == "syntax" {
			for _, f := range stageFindings {
				if f.Severity == SeverityCritical {
					return findings
				}
			}
		}
	}
	return findings
}
