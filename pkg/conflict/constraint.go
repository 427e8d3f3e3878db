// Package conflict computes version-range conflicts across all
// dependency declarations in a project manifest. Detection is a pure
// function of the manifest snapshot: each constraint is parsed to a
// semver interval, and a library is in conflict when the intersection
// of all intervals declared by distinct agents is empty.
package conflict

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Interval is a contiguous version range with optional open bounds.
// A nil Min or Max means unbounded on that side. Excluded carries
// point exclusions from != terms.
type Interval struct {
	Min          *semver.Version
	MinInclusive bool
	Max          *semver.Version
	MaxInclusive bool
	Excluded     []*semver.Version
}

// Unbounded reports whether the interval covers every version.
func (iv Interval) Unbounded() bool {
	return iv.Min == nil && iv.Max == nil && len(iv.Excluded) == 0
}

// Contains reports whether v lies within the interval.
func (iv Interval) Contains(v *semver.Version) bool {
	if iv.Min != nil {
		c := v.Compare(iv.Min)
		if c < 0 || (c == 0 && !iv.MinInclusive) {
			return false
		}
	}
	if iv.Max != nil {
		c := v.Compare(iv.Max)
		if c > 0 || (c == 0 && !iv.MaxInclusive) {
			return false
		}
	}
	for _, ex := range iv.Excluded {
		if v.Equal(ex) {
			return false
		}
	}
	return true
}

// Intersect returns the tightest interval contained in both a and b,
// and whether that intersection is non-empty.
func Intersect(a, b Interval) (Interval, bool) {
	out := a
	if b.Min != nil {
		switch {
		case out.Min == nil:
			out.Min, out.MinInclusive = b.Min, b.MinInclusive
		case b.Min.GreaterThan(out.Min):
			out.Min, out.MinInclusive = b.Min, b.MinInclusive
		case b.Min.Equal(out.Min) && !b.MinInclusive:
			out.MinInclusive = false
		}
	}
	if b.Max != nil {
		switch {
		case out.Max == nil:
			out.Max, out.MaxInclusive = b.Max, b.MaxInclusive
		case b.Max.LessThan(out.Max):
			out.Max, out.MaxInclusive = b.Max, b.MaxInclusive
		case b.Max.Equal(out.Max) && !b.MaxInclusive:
			out.MaxInclusive = false
		}
	}
	out.Excluded = append(append([]*semver.Version{}, a.Excluded...), b.Excluded...)

	if out.Min != nil && out.Max != nil {
		c := out.Min.Compare(out.Max)
		if c > 0 {
			return out, false
		}
		if c == 0 {
			if !out.MinInclusive || !out.MaxInclusive {
				return out, false
			}
			// Degenerate single-point interval killed by an exclusion.
			for _, ex := range out.Excluded {
				if ex.Equal(out.Min) {
					return out, false
				}
			}
		}
	}
	return out, true
}

// ParseConstraint parses one constraint expression into an interval.
// Supported terms: ==v, =v, >v, >=v, <v, <=v, !=v, ^v, ~v, and a bare
// version meaning exact. Terms may be joined with commas, which means
// conjunction (e.g. ">=1.2,<2.0").
func ParseConstraint(expr string) (Interval, error) {
	iv := Interval{}
	expr = strings.TrimSpace(expr)
	if expr == "" || expr == "*" {
		return iv, nil
	}

	for _, term := range strings.Split(expr, ",") {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		next, err := parseTerm(term)
		if err != nil {
			return Interval{}, err
		}
		merged, ok := Intersect(iv, next)
		if !ok {
			return Interval{}, fmt.Errorf("constraint %q is self-contradictory", expr)
		}
		iv = merged
	}
	return iv, nil
}

func parseTerm(term string) (Interval, error) {
	op := ""
	rest := term
	for _, candidate := range []string{"==", ">=", "<=", "!=", "=", ">", "<", "^", "~"} {
		if strings.HasPrefix(term, candidate) {
			op = candidate
			rest = strings.TrimSpace(term[len(candidate):])
			break
		}
	}

	v, err := semver.NewVersion(rest)
	if err != nil {
		return Interval{}, fmt.Errorf("invalid version %q in term %q: %w", rest, term, err)
	}

	switch op {
	case "", "=", "==":
		return Interval{Min: v, MinInclusive: true, Max: v, MaxInclusive: true}, nil
	case ">":
		return Interval{Min: v, MinInclusive: false}, nil
	case ">=":
		return Interval{Min: v, MinInclusive: true}, nil
	case "<":
		return Interval{Max: v, MaxInclusive: false}, nil
	case "<=":
		return Interval{Max: v, MaxInclusive: true}, nil
	case "!=":
		return Interval{Excluded: []*semver.Version{v}}, nil
	case "^":
		upper := v.IncMajor()
		if v.Major() == 0 {
			upper = v.IncMinor()
		}
		return Interval{Min: v, MinInclusive: true, Max: &upper, MaxInclusive: false}, nil
	case "~":
		upper := v.IncMinor()
		return Interval{Min: v, MinInclusive: true, Max: &upper, MaxInclusive: false}, nil
	}
	return Interval{}, fmt.Errorf("unsupported operator in term %q", term)
}
