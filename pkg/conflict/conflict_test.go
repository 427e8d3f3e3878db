package conflict

import (
	"testing"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardstone/warden/pkg/manifest"
)

func mustVersion(t *testing.T, s string) *semver.Version {
	t.Helper()
	v, err := semver.NewVersion(s)
	require.NoError(t, err)
	return v
}

func TestParseConstraint(t *testing.T) {
	tests := []struct {
		expr    string
		in      []string
		out     []string
		wantErr bool
	}{
		{expr: ">=2.0.0", in: []string{"2.0.0", "3.1.4"}, out: []string{"1.9.9"}},
		{expr: "<1.5.0", in: []string{"1.4.9", "0.1.0"}, out: []string{"1.5.0"}},
		{expr: "==1.2.3", in: []string{"1.2.3"}, out: []string{"1.2.2", "1.2.4"}},
		{expr: "1.2.3", in: []string{"1.2.3"}, out: []string{"1.2.4"}},
		{expr: "!=1.0.0", in: []string{"0.9.0", "1.0.1"}, out: []string{"1.0.0"}},
		{expr: "^1.2.0", in: []string{"1.2.0", "1.9.9"}, out: []string{"2.0.0", "1.1.9"}},
		{expr: "^0.3.0", in: []string{"0.3.0", "0.3.9"}, out: []string{"0.4.0"}},
		{expr: "~1.2.0", in: []string{"1.2.0", "1.2.9"}, out: []string{"1.3.0"}},
		{expr: ">=1.2.0,<2.0.0", in: []string{"1.2.0", "1.9.9"}, out: []string{"2.0.0", "1.1.0"}},
		{expr: "*", in: []string{"0.0.1", "99.0.0"}},
		{expr: "", in: []string{"0.0.1"}},
		{expr: ">=2.0.0,<1.0.0", wantErr: true},
		{expr: ">=banana", wantErr: true},
		{expr: "??1.0.0", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			iv, err := ParseConstraint(tt.expr)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			for _, v := range tt.in {
				assert.True(t, iv.Contains(mustVersion(t, v)), "expected %s to satisfy %s", v, tt.expr)
			}
			for _, v := range tt.out {
				assert.False(t, iv.Contains(mustVersion(t, v)), "expected %s to violate %s", v, tt.expr)
			}
		})
	}
}

func TestIntersect(t *testing.T) {
	parse := func(expr string) Interval {
		iv, err := ParseConstraint(expr)
		require.NoError(t, err)
		return iv
	}

	t.Run("overlapping ranges", func(t *testing.T) {
		iv, ok := Intersect(parse(">=1.0.0"), parse("<2.0.0"))
		require.True(t, ok)
		assert.True(t, iv.Contains(mustVersion(t, "1.5.0")))
		assert.False(t, iv.Contains(mustVersion(t, "2.0.0")))
	})

	t.Run("disjoint ranges are empty", func(t *testing.T) {
		_, ok := Intersect(parse(">=2.0.0"), parse("<1.5.0"))
		assert.False(t, ok)
	})

	t.Run("touching bounds keep the point when both inclusive", func(t *testing.T) {
		iv, ok := Intersect(parse(">=1.5.0"), parse("<=1.5.0"))
		require.True(t, ok)
		assert.True(t, iv.Contains(mustVersion(t, "1.5.0")))
	})

	t.Run("touching bounds empty when one is exclusive", func(t *testing.T) {
		_, ok := Intersect(parse(">=1.5.0"), parse("<1.5.0"))
		assert.False(t, ok)
	})

	t.Run("point interval killed by exclusion", func(t *testing.T) {
		merged, ok := Intersect(parse("==1.5.0"), parse("!=1.5.0"))
		_ = merged
		assert.False(t, ok)
	})

	t.Run("unbounded identity", func(t *testing.T) {
		iv, ok := Intersect(Interval{}, parse("^2.1.0"))
		require.True(t, ok)
		assert.True(t, iv.Contains(mustVersion(t, "2.9.0")))
		assert.False(t, iv.Contains(mustVersion(t, "3.0.0")))
	})
}

func snapshotWith(deps ...manifest.DependencySpec) *manifest.Snapshot {
	return &manifest.Snapshot{
		ProjectID: "proj-1",
		Artifacts: []manifest.Artifact{{
			ID:           "art-1",
			ProjectID:    "proj-1",
			AgentID:      deps[0].DeclaringAgentID,
			Type:         manifest.ArtifactCode,
			Dependencies: deps,
			DeclaredAt:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		}},
		TakenAt: time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC),
	}
}

func dep(agent, name, constraint string) manifest.DependencySpec {
	return manifest.DependencySpec{
		Name:             name,
		Constraint:       constraint,
		Scope:            manifest.ScopeRuntime,
		DeclaringAgentID: agent,
	}
}

func TestConflictsDisjointConstraints(t *testing.T) {
	snap := snapshotWith(
		dep("agent-a", "pandas", ">=2.0.0"),
		dep("agent-b", "pandas", "<1.5.0"),
	)

	r := NewResolver()
	conflicts := r.Conflicts(snap)
	require.Len(t, conflicts, 1)

	c := conflicts[0]
	assert.Equal(t, "pandas", c.Library)
	assert.Equal(t, StateOpen, c.ResolutionState)
	require.Len(t, c.RequiredRanges, 2)
	assert.Equal(t, "agent-a", c.RequiredRanges[0].AgentID)
	assert.Equal(t, ">=2.0.0", c.RequiredRanges[0].Constraint)
	assert.Equal(t, "agent-b", c.RequiredRanges[1].AgentID)
}

func TestConflictsCompatibleConstraints(t *testing.T) {
	snap := snapshotWith(
		dep("agent-a", "numpy", ">=1.20.0"),
		dep("agent-b", "numpy", "<2.0.0"),
	)
	assert.Empty(t, NewResolver().Conflicts(snap))
}

func TestConflictsRequireDistinctAgents(t *testing.T) {
	// One agent contradicting itself is a constraint issue, not an
	// inter-agent conflict.
	snap := snapshotWith(
		dep("agent-a", "requests", ">=2.0.0"),
		dep("agent-a", "requests", "<1.0.0"),
	)
	assert.Empty(t, NewResolver().Conflicts(snap))
}

func TestConflictsSkipMalformedConstraints(t *testing.T) {
	snap := snapshotWith(
		dep("agent-a", "flask", ">=2.0.0"),
		dep("agent-b", "flask", "not-a-version"),
	)
	assert.Empty(t, NewResolver().Conflicts(snap))
}

func TestConflictStaysOpenAfterCompatibleRedeclaration(t *testing.T) {
	// Raising the conflict and making it resolvable are different
	// things: agent-b superseding its constraint loosens the effective
	// ranges but only an explicit resolution closes the conflict.
	snap := snapshotWith(
		dep("agent-a", "pandas", ">=2.0.0"),
		dep("agent-b", "pandas", "<1.5.0"),
	)
	snap.Artifacts = append(snap.Artifacts, manifest.Artifact{
		ID:           "art-2",
		ProjectID:    "proj-1",
		AgentID:      "agent-b",
		Type:         manifest.ArtifactCode,
		Dependencies: []manifest.DependencySpec{dep("agent-b", "pandas", ">=1.0.0")},
		DeclaredAt:   time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
	})

	r := NewResolver()
	open := r.Open(snap)
	require.Len(t, open, 1)
	assert.Equal(t, StateOpen, open[0].ResolutionState)

	// Required ranges reflect the current effective constraints.
	require.Len(t, open[0].RequiredRanges, 2)
	assert.Equal(t, ">=1.0.0", open[0].RequiredRanges[1].Constraint)

	// The superseded constraints now admit 2.1.0.
	assert.True(t, Satisfies(snap, "pandas", "2.1.0"))
}

func TestConflictsResolvedByVerifiedResolution(t *testing.T) {
	snap := snapshotWith(
		dep("agent-a", "pandas", ">=2.0.0"),
		dep("agent-b", "pandas", "<1.5.0"),
	)
	snap.Artifacts = append(snap.Artifacts, manifest.Artifact{
		ID:           "art-2",
		ProjectID:    "proj-1",
		AgentID:      "agent-b",
		Type:         manifest.ArtifactCode,
		Dependencies: []manifest.DependencySpec{dep("agent-b", "pandas", ">=1.0.0")},
		DeclaredAt:   time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
	})
	r := NewResolver()
	require.Len(t, r.Open(snap), 1)

	// A resolution that does not satisfy the effective constraints does
	// not close the conflict.
	snap.Resolutions = []manifest.Resolution{{Library: "pandas", Version: "0.9.0"}}
	open := r.Open(snap)
	require.Len(t, open, 1)
	assert.Equal(t, StateOpen, open[0].ResolutionState)

	// A verified resolution flips it to RESOLVED.
	snap.Resolutions = []manifest.Resolution{{Library: "pandas", Version: "2.1.0"}}
	assert.Empty(t, r.Open(snap))
	all := r.Conflicts(snap)
	require.Len(t, all, 1)
	assert.Equal(t, StateResolved, all[0].ResolutionState)
}

func TestSatisfies(t *testing.T) {
	snap := snapshotWith(
		dep("agent-a", "pandas", ">=1.2.0"),
		dep("agent-b", "pandas", "<2.0.0"),
	)
	assert.True(t, Satisfies(snap, "pandas", "1.5.0"))
	assert.False(t, Satisfies(snap, "pandas", "2.1.0"))
	assert.False(t, Satisfies(snap, "pandas", "1.1.0"))
	assert.False(t, Satisfies(snap, "pandas", "not-a-version"))

	// A library with no recorded constraints accepts any valid version.
	assert.True(t, Satisfies(snap, "unknown-lib", "0.0.1"))
}

func TestSuggestedVersionPrefersMajority(t *testing.T) {
	snap := snapshotWith(
		dep("agent-a", "django", ">=4.0.0,<5.0.0"),
		dep("agent-b", "django", ">=4.2.0,<5.0.0"),
		dep("agent-c", "django", "<4.0.0"),
	)
	conflicts := NewResolver().Conflicts(snap)
	require.Len(t, conflicts, 1)

	suggested := conflicts[0].SuggestedVersion
	require.NotEmpty(t, suggested)
	v := mustVersion(t, suggested)

	// The suggestion must satisfy the two compatible declarations.
	count := 0
	for _, expr := range []string{">=4.0.0,<5.0.0", ">=4.2.0,<5.0.0", "<4.0.0"} {
		iv, err := ParseConstraint(expr)
		require.NoError(t, err)
		if iv.Contains(v) {
			count++
		}
	}
	assert.Equal(t, 2, count, "suggestion %s should satisfy the majority", suggested)
}

func TestConflictsMemoized(t *testing.T) {
	snap := snapshotWith(
		dep("agent-a", "pandas", ">=2.0.0"),
		dep("agent-b", "pandas", "<1.5.0"),
	)
	r := NewResolver()

	first := r.Conflicts(snap)
	second := r.Conflicts(snap)
	assert.Equal(t, first, second)

	// Returned slices are clones: mutating one must not poison the cache.
	first[0].Library = "mutated"
	third := r.Conflicts(snap)
	assert.Equal(t, "pandas", third[0].Library)
}

func TestSnapshotKeyIgnoresTakenAt(t *testing.T) {
	a := snapshotWith(dep("agent-a", "pandas", ">=2.0.0"))
	b := snapshotWith(dep("agent-a", "pandas", ">=2.0.0"))
	b.TakenAt = b.TakenAt.Add(time.Hour)

	keyA, okA := snapshotKey(a)
	keyB, okB := snapshotKey(b)
	require.True(t, okA)
	require.True(t, okB)
	assert.Equal(t, keyA, keyB)
}
