// Package rules provides versioned, data-driven pattern rule sets for
// the security-pattern validation stage and the dangerous-output
// scanner. Rules live in YAML bundles (schema-checked on load) so the
// pattern inventory can be tested and updated independently of the
// pipeline logic. A default bundle is embedded in the binary.
package rules

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed bundles/security_default.yaml
var securityDefault []byte

//go:embed bundles/output_default.yaml
var outputDefault []byte

//go:embed bundles/bundle_schema.json
var bundleSchema []byte

// Kind routes a bundle to its consumer.
type Kind string

const (
	KindSecurityPattern Kind = "security_pattern"
	KindDangerousOutput Kind = "dangerous_output"
)

// Rule is one pattern with its classification. Patterns are matched
// against code with comments and string contents already masked
// (security) or against raw process output (dangerous output).
type Rule struct {
	ID          string `yaml:"id" json:"id"`
	Pattern     string `yaml:"pattern" json:"pattern"`
	Severity    string `yaml:"severity" json:"severity"`
	Description string `yaml:"description" json:"description"`

	re *regexp.Regexp
}

// Matches reports whether the rule's pattern occurs in s.
func (r *Rule) Matches(s string) bool {
	return r.re.MatchString(s)
}

// Bundle is a named, versioned rule collection.
type Bundle struct {
	Name    string `yaml:"name" json:"name"`
	Version string `yaml:"version" json:"version"`
	Kind    Kind   `yaml:"kind" json:"kind"`
	Rules   []Rule `yaml:"rules" json:"rules"`
}

// Set holds all loaded bundles indexed by kind.
type Set struct {
	byKind map[Kind][]*Bundle
}

// DefaultSet loads only the embedded default bundles.
func DefaultSet() (*Set, error) {
	s := &Set{byKind: make(map[Kind][]*Bundle)}
	for _, raw := range [][]byte{securityDefault, outputDefault} {
		b, err := parseBundle(raw)
		if err != nil {
			return nil, fmt.Errorf("rules: embedded bundle: %w", err)
		}
		s.byKind[b.Kind] = append(s.byKind[b.Kind], b)
	}
	return s, nil
}

// LoadDir loads the defaults plus every *.yaml bundle under dir.
// Bundles from dir are appended after the defaults, so their rules are
// additive.
func LoadDir(dir string) (*Set, error) {
	s, err := DefaultSet()
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("rules: read dir %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if ext := filepath.Ext(e.Name()); ext != ".yaml" && ext != ".yml" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("rules: read %s: %w", name, err)
		}
		b, err := parseBundle(raw)
		if err != nil {
			return nil, fmt.Errorf("rules: bundle %s: %w", name, err)
		}
		s.byKind[b.Kind] = append(s.byKind[b.Kind], b)
	}
	return s, nil
}

// Rules returns every rule of the given kind across all bundles, in
// bundle order.
func (s *Set) Rules(kind Kind) []*Rule {
	var out []*Rule
	for _, b := range s.byKind[kind] {
		for i := range b.Rules {
			out = append(out, &b.Rules[i])
		}
	}
	return out
}

// Bundles returns the loaded bundles of a kind.
func (s *Set) Bundles(kind Kind) []*Bundle {
	return s.byKind[kind]
}

func parseBundle(raw []byte) (*Bundle, error) {
	var generic any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if err := validateSchema(generic); err != nil {
		return nil, err
	}

	var b Bundle
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&b); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}

	for i := range b.Rules {
		re, err := regexp.Compile(b.Rules[i].Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s: bad pattern: %w", b.Rules[i].ID, err)
		}
		b.Rules[i].re = re
	}
	return &b, nil
}

func validateSchema(doc any) error {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("bundle_schema.json", strings.NewReader(string(bundleSchema))); err != nil {
		return fmt.Errorf("load schema: %w", err)
	}
	sch, err := compiler.Compile("bundle_schema.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	// jsonschema validates JSON-decoded values; round-trip the YAML
	// document through JSON to normalize number and map types.
	jsonBytes, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("normalize bundle: %w", err)
	}
	var normalized any
	if err := json.Unmarshal(jsonBytes, &normalized); err != nil {
		return fmt.Errorf("normalize bundle: %w", err)
	}
	if err := sch.Validate(normalized); err != nil {
		return fmt.Errorf("bundle does not match schema: %w", err)
	}
	return nil
}
