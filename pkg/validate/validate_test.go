package validate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardstone/warden/pkg/rules"
)

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	set, err := rules.DefaultSet()
	require.NoError(t, err)
	return NewValidator(set)
}

func findings(t *testing.T, code string, language Language, spec *Spec) []Finding {
	t.Helper()
	return newTestValidator(t).Validate(code, language, spec)
}

func ofCategory(fs []Finding, c Category) []Finding {
	var out []Finding
	for _, f := range fs {
		if f.Category == c {
			out = append(out, f)
		}
	}
	return out
}

func TestSyntaxStagePythonMalformedHeader(t *testing.T) {
	fs := findings(t, "def f(:\n    pass", LanguagePython, nil)

	// Exactly one finding: the parse failure collapses to a single
	// CRITICAL and the pipeline short-circuits.
	require.Len(t, fs, 1)
	assert.Equal(t, CategorySyntax, fs[0].Category)
	assert.Equal(t, SeverityCritical, fs[0].Severity)
	assert.Equal(t, "line 1", fs[0].Location)
}

func TestSyntaxStagePythonClean(t *testing.T) {
	code := `import os

def greet(name):
    msg = "hello " + name
    print(msg)
    return msg
`
	assert.Empty(t, findings(t, code, LanguagePython, nil))
}

func TestSyntaxStagePythonUnbalancedBracket(t *testing.T) {
	fs := findings(t, "x = (1 + 2\ny = 3", LanguagePython, nil)
	require.Len(t, fs, 1)
	assert.Equal(t, CategorySyntax, fs[0].Category)
	assert.Equal(t, "line 1", fs[0].Location)
}

func TestSyntaxStagePythonUnterminatedString(t *testing.T) {
	fs := findings(t, `x = "oops`, LanguagePython, nil)
	require.Len(t, fs, 1)
	assert.Equal(t, CategorySyntax, fs[0].Category)
	assert.Contains(t, fs[0].Description, "unterminated")
}

func TestSyntaxStageGo(t *testing.T) {
	bad := "package main\n\nfunc main() {\n"
	fs := findings(t, bad, LanguageGo, nil)
	require.Len(t, fs, 1)
	assert.Equal(t, CategorySyntax, fs[0].Category)
	assert.Equal(t, SeverityCritical, fs[0].Severity)

	good := "package main\n\nfunc main() {}\n"
	assert.Empty(t, findings(t, good, LanguageGo, nil))
}

func TestSyntaxStageFallbackBracketScan(t *testing.T) {
	fs := findings(t, "function f() { return [1, 2; }", Language("javascript"), nil)
	require.Len(t, fs, 1)
	assert.Equal(t, CategorySyntax, fs[0].Category)
}

func TestReferenceStageUndefinedName(t *testing.T) {
	code := `def total(items):
    acc = 0
    for item in items:
        acc += item
    return acc + bonus
`
	fs := findings(t, code, LanguagePython, nil)
	refs := ofCategory(fs, CategoryUndefinedRef)
	require.Len(t, refs, 1)
	assert.Equal(t, SeverityHigh, refs[0].Severity)
	assert.Contains(t, refs[0].Description, `"bonus"`)
	assert.Equal(t, "line 5", refs[0].Location)
}

func TestReferenceStageDeduplicatesPerName(t *testing.T) {
	code := "x = ghost\ny = ghost\n"
	refs := ofCategory(findings(t, code, LanguagePython, nil), CategoryUndefinedRef)
	assert.Len(t, refs, 1)
}

func TestReferenceStageImportsAndBuiltins(t *testing.T) {
	code := `import os
import numpy as np
from collections import OrderedDict

data = OrderedDict()
path = os.path.join("a", "b")
arr = np.zeros(3)
n = len(arr)
`
	assert.Empty(t, findings(t, code, LanguagePython, nil))
}

func TestReferenceStageWildcardImportSuppresses(t *testing.T) {
	code := `from os.path import *

p = join("a", "b")
`
	assert.Empty(t, ofCategory(findings(t, code, LanguagePython, nil), CategoryUndefinedRef))
}

func TestSpecStageRequiredSymbols(t *testing.T) {
	code := `import pandas as pd

def load(path):
    return pd.read_csv(path)
`
	spec := &Spec{
		RequiredImports:   []string{"pandas", "numpy"},
		RequiredFunctions: []string{"load", "save"},
		RequiredClasses:   []string{"Loader"},
	}
	fs := ofCategory(findings(t, code, LanguagePython, spec), CategorySpecViolation)
	require.Len(t, fs, 3)
	for _, f := range fs {
		assert.Equal(t, SeverityMedium, f.Severity)
	}
	descs := []string{fs[0].Description, fs[1].Description, fs[2].Description}
	assert.Contains(t, descs[0], `"numpy"`)
	assert.Contains(t, descs[1], `"save"`)
	assert.Contains(t, descs[2], `"Loader"`)
}

func TestSpecStageForbiddenPatternSkipsCommentsAndStrings(t *testing.T) {
	code := `# calls legacy_api for history
note = "legacy_api is gone"
result = legacy_api()
`
	spec := &Spec{ForbiddenPatterns: []string{`legacy_api`}}
	fs := ofCategory(findings(t, code, LanguagePython, spec), CategorySpecViolation)
	require.Len(t, fs, 1)
	assert.Equal(t, SeverityHigh, fs[0].Severity)
	assert.Equal(t, "line 3", fs[0].Location)
}

func TestSpecStageBadForbiddenPattern(t *testing.T) {
	spec := &Spec{ForbiddenPatterns: []string{`([`}}
	fs := ofCategory(findings(t, "x = 1\n", LanguagePython, spec), CategorySpecViolation)
	require.Len(t, fs, 1)
	assert.Equal(t, SeverityLow, fs[0].Severity)
	assert.Contains(t, fs[0].Description, "does not compile")
}

func TestSecurityStage(t *testing.T) {
	code := `import os
import pickle

def run(payload, cmd):
    data = pickle.loads(payload)
    os.system(cmd)
    return data
`
	fs := ofCategory(findings(t, code, LanguagePython, nil), CategorySecurity)
	require.Len(t, fs, 2)
	for _, f := range fs {
		assert.Equal(t, SeverityCritical, f.Severity)
	}
}

func TestSecurityStageIgnoresStringsAndComments(t *testing.T) {
	code := `# never call os.system(cmd) here
msg = "os.system(cmd) is forbidden"
`
	assert.Empty(t, ofCategory(findings(t, code, LanguagePython, nil), CategorySecurity))
}

func TestSecurityStageOneFindingPerRule(t *testing.T) {
	code := "eval(a)\neval(b)\neval(c)\n"
	fs := ofCategory(findings(t, code, LanguagePython, nil), CategorySecurity)
	require.Len(t, fs, 1)
	assert.Equal(t, "line 1", fs[0].Location, "first matching line is cited")
}

func TestStructuralStageUnreachableCode(t *testing.T) {
	code := `def f(x):
    return x
    print(x)
`
	fs := ofCategory(findings(t, code, LanguagePython, nil), CategoryStructural)
	require.Len(t, fs, 1)
	assert.Equal(t, SeverityLow, fs[0].Severity)
	assert.Equal(t, "line 3", fs[0].Location)
}

func TestStructuralStageConditionalReturnIsFine(t *testing.T) {
	code := `def f(x):
    if x:
        return x
    print(x)
`
	assert.Empty(t, ofCategory(findings(t, code, LanguagePython, nil), CategoryStructural))
}

func TestValidateDeterministic(t *testing.T) {
	code := `import pickle

def f(x):
    data = pickle.loads(x)
    return data + missing
    print(data)
`
	first := findings(t, code, LanguagePython, nil)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, findings(t, code, LanguagePython, nil))
	}
}

func TestNewPipelineCustomChain(t *testing.T) {
	v := NewPipeline(syntaxStage{})
	fs := v.Validate("x = unknown\n", LanguagePython, nil)
	assert.Empty(t, fs, "reference stage is not in the chain")
}
