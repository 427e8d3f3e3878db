package conflict

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/gowebpki/jcs"

	"github.com/wardstone/warden/pkg/manifest"
)

// ResolutionState tracks whether a conflict still blocks the project.
type ResolutionState string

const (
	StateOpen     ResolutionState = "OPEN"
	StateResolved ResolutionState = "RESOLVED"
)

// RequiredRange is one agent's effective constraint on a library: the
// constraint from that agent's most recent declaration of it.
type RequiredRange struct {
	AgentID    string `json:"agent_id"`
	Constraint string `json:"constraint"`
}

// Conflict is an unsatisfiable intersection of version constraints on
// one library across artifacts. Derived data: recomputed from the
// manifest on every declaration, never hand-edited. A conflict, once
// raised, stays on the books until an explicit resolution satisfies the
// library's current effective constraints; a later declaration that
// merely loosens a constraint makes the conflict resolvable, not gone.
type Conflict struct {
	Library          string          `json:"library"`
	RequiredRanges   []RequiredRange `json:"required_ranges"`
	ResolutionState  ResolutionState `json:"resolution_state"`
	SuggestedVersion string          `json:"suggested_version,omitempty"`
}

// declaredRange pairs a parsed interval with its declaration metadata,
// ordered by declaration time for the tie-break rule.
type declaredRange struct {
	agentID    string
	constraint string
	interval   Interval
	order      int // position in declaration order; higher = more recent
}

// Resolver computes conflicts from manifest snapshots. Detection is
// pure; the resolver only holds a memoization cache keyed by the
// canonical hash of the snapshot contents.
type Resolver struct {
	mu    sync.Mutex
	cache map[string][]Conflict
}

// NewResolver creates a resolver with an empty memoization cache.
func NewResolver() *Resolver {
	return &Resolver{cache: make(map[string][]Conflict)}
}

// Conflicts returns all conflicts in the snapshot. A conflict is raised
// for a library when, at some point in declaration order, the effective
// constraints (latest per agent) of two or more distinct agents had an
// empty intersection. A raised conflict is RESOLVED when the snapshot
// carries an explicit resolution whose version satisfies the library's
// current effective constraints, OPEN otherwise.
func (r *Resolver) Conflicts(snap *manifest.Snapshot) []Conflict {
	key, ok := snapshotKey(snap)
	if ok {
		r.mu.Lock()
		cached, hit := r.cache[key]
		r.mu.Unlock()
		if hit {
			return cloneConflicts(cached)
		}
	}

	conflicts := computeConflicts(snap)

	if ok {
		r.mu.Lock()
		r.cache[key] = cloneConflicts(conflicts)
		r.mu.Unlock()
	}
	return conflicts
}

// Open returns only the conflicts still blocking the project.
func (r *Resolver) Open(snap *manifest.Snapshot) []Conflict {
	var open []Conflict
	for _, c := range r.Conflicts(snap) {
		if c.ResolutionState == StateOpen {
			open = append(open, c)
		}
	}
	return open
}

// Satisfies reports whether version meets the library's current
// effective constraints: for each agent, the constraint from its most
// recent declaration of the library. Used to verify an explicit
// resolution before it is accepted; malformed constraints are skipped
// (they never entered the interval math either).
func Satisfies(snap *manifest.Snapshot, library, version string) bool {
	v, err := semver.NewVersion(version)
	if err != nil {
		return false
	}
	for _, dr := range effectiveRanges(snap, library) {
		if !dr.interval.Contains(v) {
			return false
		}
	}
	return true
}

// computeConflicts replays the declarations in order, tracking each
// agent's latest constraint per library, and raises a conflict the
// first time a library's cross-agent intersection goes empty.
func computeConflicts(snap *manifest.Snapshot) []Conflict {
	latest := make(map[string]map[string]declaredRange) // library -> agent -> latest range
	raised := make(map[string]bool)
	var raisedOrder []string

	pos := 0
	for _, a := range snap.Artifacts {
		touched := make(map[string]bool)
		for _, d := range a.Dependencies {
			iv, err := ParseConstraint(d.Constraint)
			if err != nil {
				// Malformed constraints are flagged at declaration time
				// (manifest.ConstraintIssue) and excluded here.
				pos++
				continue
			}
			if latest[d.Name] == nil {
				latest[d.Name] = make(map[string]declaredRange)
			}
			latest[d.Name][d.DeclaringAgentID] = declaredRange{
				agentID:    d.DeclaringAgentID,
				constraint: d.Constraint,
				interval:   iv,
				order:      pos,
			}
			touched[d.Name] = true
			pos++
		}
		for lib := range touched {
			if raised[lib] {
				continue
			}
			ranges := sortedRanges(latest[lib])
			if len(ranges) < 2 {
				continue
			}
			if intersectionEmpty(ranges) {
				raised[lib] = true
				raisedOrder = append(raisedOrder, lib)
			}
		}
	}
	sort.Strings(raisedOrder)

	var conflicts []Conflict
	for _, lib := range raisedOrder {
		ranges := sortedRanges(latest[lib])
		c := Conflict{
			Library:         lib,
			ResolutionState: StateOpen,
		}
		for _, dr := range ranges {
			c.RequiredRanges = append(c.RequiredRanges, RequiredRange{
				AgentID:    dr.agentID,
				Constraint: dr.constraint,
			})
		}
		c.SuggestedVersion = suggestVersion(ranges)

		if v, ok := snap.ResolvedVersion(lib); ok && Satisfies(snap, lib, v) {
			c.ResolutionState = StateResolved
		}
		conflicts = append(conflicts, c)
	}
	return conflicts
}

func intersectionEmpty(ranges []declaredRange) bool {
	intersection := Interval{}
	for _, dr := range ranges {
		merged, ok := Intersect(intersection, dr.interval)
		if !ok {
			return true
		}
		intersection = merged
	}
	return false
}

// sortedRanges orders a library's per-agent latest ranges by
// declaration position, oldest first, for deterministic output.
func sortedRanges(byAgent map[string]declaredRange) []declaredRange {
	out := make([]declaredRange, 0, len(byAgent))
	for _, dr := range byAgent {
		out = append(out, dr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].order < out[j].order })
	return out
}

// suggestVersion picks the highest candidate version satisfying the
// majority of the declared constraints, breaking ties in favor of the
// candidate that satisfies the most recent declaration. Candidates are
// the boundary versions named in the constraints plus their bumped
// neighbors.
func suggestVersion(ranges []declaredRange) string {
	seen := make(map[string]*semver.Version)
	add := func(v *semver.Version) {
		if v == nil {
			return
		}
		seen[v.Original()] = v
		for _, bumped := range []semver.Version{v.IncPatch(), v.IncMinor(), v.IncMajor()} {
			b := bumped
			seen[b.Original()] = &b
		}
	}
	for _, dr := range ranges {
		add(dr.interval.Min)
		add(dr.interval.Max)
	}
	if len(seen) == 0 {
		return ""
	}

	candidates := make([]*semver.Version, 0, len(seen))
	for _, v := range seen {
		candidates = append(candidates, v)
	}
	sort.Sort(semver.Collection(candidates))

	mostRecent := ranges[0]
	for _, dr := range ranges[1:] {
		if dr.order > mostRecent.order {
			mostRecent = dr
		}
	}

	best := ""
	bestCount := -1
	bestRecent := false
	for _, v := range candidates { // ascending: later equal-score hits win, so highest wins
		count := 0
		for _, dr := range ranges {
			if dr.interval.Contains(v) {
				count++
			}
		}
		recent := mostRecent.interval.Contains(v)
		if count > bestCount || (count == bestCount && recent && !bestRecent) ||
			(count == bestCount && recent == bestRecent) {
			best = v.String()
			bestCount = count
			bestRecent = recent
		}
	}
	// When nothing satisfies a strict majority the best-scoring
	// candidate is still surfaced as a starting point for resolution.
	return best
}

// effectiveRanges returns, for one library, each agent's latest
// parsable constraint in declaration order.
func effectiveRanges(snap *manifest.Snapshot, library string) []declaredRange {
	byAgent := make(map[string]declaredRange)
	pos := 0
	for _, a := range snap.Artifacts {
		for _, d := range a.Dependencies {
			if d.Name != library {
				pos++
				continue
			}
			iv, err := ParseConstraint(d.Constraint)
			if err == nil {
				byAgent[d.DeclaringAgentID] = declaredRange{
					agentID:    d.DeclaringAgentID,
					constraint: d.Constraint,
					interval:   iv,
					order:      pos,
				}
			}
			pos++
		}
	}
	return sortedRanges(byAgent)
}

// snapshotKey derives a stable cache key from the snapshot contents
// using canonical JSON (RFC 8785). TakenAt is excluded so that two
// snapshots of identical content hash identically.
func snapshotKey(snap *manifest.Snapshot) (string, bool) {
	hashable := struct {
		Artifacts   []manifest.Artifact   `json:"artifacts"`
		Resolutions []manifest.Resolution `json:"resolutions"`
	}{snap.Artifacts, snap.Resolutions}

	raw, err := json.Marshal(hashable)
	if err != nil {
		return "", false
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", false
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), true
}

func cloneConflicts(in []Conflict) []Conflict {
	if in == nil {
		return nil
	}
	out := make([]Conflict, len(in))
	copy(out, in)
	for i := range out {
		out[i].RequiredRanges = append([]RequiredRange{}, in[i].RequiredRanges...)
	}
	return out
}
