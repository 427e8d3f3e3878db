package validate

import (
	"fmt"
	"go/parser"
	"go/scanner"
	"go/token"
	"regexp"
	"strings"

	"github.com/wardstone/warden/pkg/rules"
)

// Stage is one independent analysis pass. Stages are pure: the same
// source and spec always yield the same findings.
type Stage interface {
	Name() string
	Check(src *source, spec *Spec) []Finding
}

// ---------------------------------------------------------------------------
// Syntax stage
// ---------------------------------------------------------------------------

type syntaxStage struct{}

func (syntaxStage) Name() string { return "syntax" }

// Check reports at most one finding: any parse failure collapses to a
// single CRITICAL, which short-circuits the pipeline.
func (syntaxStage) Check(src *source, _ *Spec) []Finding {
	switch src.language {
	case LanguagePython:
		if len(src.py.syntaxErrs) > 0 {
			return []Finding{src.py.syntaxErrs[0]}
		}
	case LanguageGo:
		fset := token.NewFileSet()
		if _, err := parser.ParseFile(fset, "artifact.go", src.raw, 0); err != nil {
			loc := "line 1"
			desc := err.Error()
			if list, ok := err.(scanner.ErrorList); ok && len(list) > 0 {
				loc = lineLoc(list[0].Pos.Line)
				desc = list[0].Msg
			}
			return []Finding{{
				Category:    CategorySyntax,
				Severity:    SeverityCritical,
				Location:    loc,
				Description: "parse error: " + desc,
			}}
		}
	default:
		if f, bad := scanBrackets(src.maskedLines()); bad {
			return []Finding{f}
		}
	}
	return nil
}

func scanBrackets(lines []string) (Finding, bool) {
	type open struct {
		c    rune
		line int
	}
	var stack []open
	pairs := map[rune]rune{')': '(', ']': '[', '}': '{'}
	for i, line := range lines {
		for _, c := range line {
			switch c {
			case '(', '[', '{':
				stack = append(stack, open{c, i + 1})
			case ')', ']', '}':
				if len(stack) == 0 || stack[len(stack)-1].c != pairs[c] {
					return Finding{
						Category:    CategorySyntax,
						Severity:    SeverityCritical,
						Location:    lineLoc(i + 1),
						Description: "unbalanced bracket: unexpected '" + string(c) + "'",
					}, true
				}
				stack = stack[:len(stack)-1]
			}
		}
	}
	if len(stack) > 0 {
		top := stack[len(stack)-1]
		return Finding{
			Category:    CategorySyntax,
			Severity:    SeverityCritical,
			Location:    lineLoc(top.line),
			Description: "unbalanced bracket: '" + string(top.c) + "' is never closed",
		}, true
	}
	return Finding{}, false
}

// ---------------------------------------------------------------------------
// Reference stage
// ---------------------------------------------------------------------------

type referenceStage struct{}

func (referenceStage) Name() string { return "reference" }

// Check flags reads of names with no visible binding: no assignment,
// parameter, import, def/class, or known builtin. Python only; other
// languages resolve references at compile time outside this pipeline.
func (referenceStage) Check(src *source, _ *Spec) []Finding {
	if src.py == nil || src.py.wildcard {
		return nil
	}
	var out []Finding
	flagged := make(map[string]bool)
	for _, read := range src.py.reads {
		if src.py.bindings[read.name] || pyBuiltins[read.name] || flagged[read.name] {
			continue
		}
		flagged[read.name] = true
		out = append(out, Finding{
			Category:    CategoryUndefinedRef,
			Severity:    SeverityHigh,
			Location:    lineLoc(read.line),
			Description: fmt.Sprintf("name %q is read but never bound", read.name),
		})
	}
	return out
}

// ---------------------------------------------------------------------------
// Specification stage
// ---------------------------------------------------------------------------

type specStage struct{}

func (specStage) Name() string { return "specification" }

func (specStage) Check(src *source, spec *Spec) []Finding {
	if spec == nil {
		return nil
	}
	var out []Finding

	for _, imp := range spec.RequiredImports {
		if !hasImport(src, imp) {
			out = append(out, Finding{
				Category:    CategorySpecViolation,
				Severity:    SeverityMedium,
				Location:    "module",
				Description: fmt.Sprintf("required import %q is missing", imp),
			})
		}
	}
	for _, fn := range spec.RequiredFunctions {
		if !hasSymbol(src, fn, "func") {
			out = append(out, Finding{
				Category:    CategorySpecViolation,
				Severity:    SeverityMedium,
				Location:    "module",
				Description: fmt.Sprintf("required function %q is missing", fn),
			})
		}
	}
	for _, cls := range spec.RequiredClasses {
		if !hasSymbol(src, cls, "class") {
			out = append(out, Finding{
				Category:    CategorySpecViolation,
				Severity:    SeverityMedium,
				Location:    "module",
				Description: fmt.Sprintf("required class %q is missing", cls),
			})
		}
	}

	// Forbidden patterns are matched against the masked view only, so
	// occurrences inside comments and string literals never trigger.
	for _, pat := range spec.ForbiddenPatterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			out = append(out, Finding{
				Category:    CategorySpecViolation,
				Severity:    SeverityLow,
				Location:    "spec",
				Description: fmt.Sprintf("forbidden pattern %q does not compile: %v", pat, err),
			})
			continue
		}
		for i, line := range src.maskedLines() {
			if re.MatchString(line) {
				out = append(out, Finding{
					Category:    CategorySpecViolation,
					Severity:    SeverityHigh,
					Location:    lineLoc(i + 1),
					Description: fmt.Sprintf("forbidden pattern %q matched", pat),
				})
				break
			}
		}
	}
	return out
}

func hasImport(src *source, name string) bool {
	if src.py != nil {
		for imp := range src.py.imports {
			if imp == name || strings.HasPrefix(imp, name+".") {
				return true
			}
		}
		return false
	}
	re := regexp.MustCompile(`\bimport\b.*\b` + regexp.QuoteMeta(name) + `\b`)
	for _, line := range src.maskedLines() {
		if re.MatchString(line) || strings.Contains(line, `"`+name+`"`) {
			return true
		}
	}
	return false
}

func hasSymbol(src *source, name, kind string) bool {
	if src.py != nil {
		if kind == "func" {
			return src.py.functions[name]
		}
		return src.py.classes[name]
	}
	var re *regexp.Regexp
	if kind == "func" {
		re = regexp.MustCompile(`\b(?:func|function)\s+(?:\([^)]*\)\s*)?` + regexp.QuoteMeta(name) + `\b`)
	} else {
		re = regexp.MustCompile(`\b(?:class|type)\s+` + regexp.QuoteMeta(name) + `\b`)
	}
	for _, line := range src.maskedLines() {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Security-pattern stage
// ---------------------------------------------------------------------------

type securityStage struct {
	rules []*rules.Rule
}

func (securityStage) Name() string { return "security-pattern" }

// Check matches the loaded rule set against the masked source. One
// finding per rule, citing the first matching line; severity comes
// from the rule record, not from code.
func (s securityStage) Check(src *source, _ *Spec) []Finding {
	var out []Finding
	lines := src.maskedLines()
	for _, rule := range s.rules {
		for i, line := range lines {
			if rule.Matches(line) {
				out = append(out, Finding{
					Category:    CategorySecurity,
					Severity:    Severity(rule.Severity),
					Location:    lineLoc(i + 1),
					Description: rule.Description,
				})
				break
			}
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Structural stage
// ---------------------------------------------------------------------------

type structuralStage struct{}

func (structuralStage) Name() string { return "structural" }

// Check detects statements that can never execute: same-block code
// following an unconditional return/raise/break/continue.
func (structuralStage) Check(src *source, _ *Spec) []Finding {
	if src.py == nil {
		return nil
	}
	var out []Finding
	for _, ln := range src.py.unreachableLines() {
		out = append(out, Finding{
			Category:    CategoryStructural,
			Severity:    SeverityLow,
			Location:    lineLoc(ln.num),
			Description: "unreachable code: statement follows an unconditional terminator in the same block",
		})
	}
	return out
}
