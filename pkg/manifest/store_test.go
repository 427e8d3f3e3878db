package manifest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock() func() time.Time {
	return func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
}

func TestMemoryStoreAddArtifact(t *testing.T) {
	store := NewMemoryStoreWithClock(fixedClock())
	ctx := context.Background()

	snap, err := store.AddArtifact(ctx, Artifact{
		ID:        "art-1",
		ProjectID: "proj",
		AgentID:   "agent-a",
		Type:      ArtifactCode,
		Dependencies: []DependencySpec{{
			Name:             "pandas",
			Constraint:       ">=2.0.0",
			Scope:            ScopeRuntime,
			DeclaringAgentID: "agent-a",
		}},
	})
	require.NoError(t, err)
	require.Len(t, snap.Artifacts, 1)
	assert.Equal(t, "proj", snap.ProjectID)
	assert.False(t, snap.Artifacts[0].DeclaredAt.IsZero(), "zero DeclaredAt is stamped by the store")
}

func TestMemoryStoreSnapshotIsolation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	snap, err := store.AddArtifact(ctx, Artifact{ID: "art-1", ProjectID: "proj"})
	require.NoError(t, err)

	// Mutating a snapshot must not reach the store.
	snap.Artifacts[0].ID = "mutated"
	fresh, err := store.SnapshotFor(ctx, "proj")
	require.NoError(t, err)
	assert.Equal(t, "art-1", fresh.Artifacts[0].ID)
}

func TestMemoryStoreEmptyProject(t *testing.T) {
	store := NewMemoryStore()
	snap, err := store.SnapshotFor(context.Background(), "nothing-here")
	require.NoError(t, err)
	assert.Empty(t, snap.Artifacts)
	assert.Empty(t, snap.Resolutions)
}

func TestSnapshotResolvedVersion(t *testing.T) {
	snap := &Snapshot{
		Resolutions: []Resolution{
			{Library: "pandas", Version: "2.0.0"},
			{Library: "pandas", Version: "2.1.0"},
		},
	}
	v, ok := snap.ResolvedVersion("pandas")
	require.True(t, ok)
	assert.Equal(t, "2.1.0", v, "most recent resolution wins")

	_, ok = snap.ResolvedVersion("numpy")
	assert.False(t, ok)
}

func artifactWith(agent string, deps ...DependencySpec) Artifact {
	return Artifact{
		ID:           "art-" + agent,
		ProjectID:    "proj",
		AgentID:      agent,
		Type:         ArtifactCode,
		Dependencies: deps,
	}
}

func spec(agent, name, constraint string, scope Scope) DependencySpec {
	return DependencySpec{
		Name:             name,
		Constraint:       constraint,
		Scope:            scope,
		DeclaringAgentID: agent,
	}
}

func TestUnified(t *testing.T) {
	snap := &Snapshot{
		ProjectID: "proj",
		Artifacts: []Artifact{
			artifactWith("agent-a",
				spec("agent-a", "pandas", ">=2.0.0", ScopeRuntime),
				spec("agent-a", "pytest", ">=7.0.0", ScopeTest),
			),
			artifactWith("agent-b",
				spec("agent-b", "pandas", "<3.0.0", ScopeDev),
			),
		},
	}

	entries := Unified(snap)
	require.Len(t, entries, 2)

	// Sorted by name.
	assert.Equal(t, "pandas", entries[0].Name)
	assert.Equal(t, "pytest", entries[1].Name)

	pandas := entries[0]
	assert.Equal(t, ">=2.0.0,<3.0.0", pandas.Constraint)
	assert.Equal(t, ScopeRuntime, pandas.Scope, "RUNTIME dominates")
	assert.Equal(t, []string{"agent-a", "agent-b"}, pandas.Agents)
	assert.Empty(t, pandas.Pinned)
}

func TestUnifiedSupersedesOlderConstraints(t *testing.T) {
	snap := &Snapshot{
		ProjectID: "proj",
		Artifacts: []Artifact{
			artifactWith("agent-a", spec("agent-a", "pandas", ">=2.0.0", ScopeRuntime)),
			artifactWith("agent-a", spec("agent-a", "pandas", ">=2.1.0", ScopeRuntime)),
		},
	}
	entries := Unified(snap)
	require.Len(t, entries, 1)
	assert.Equal(t, ">=2.1.0", entries[0].Constraint)
}

func TestUnifiedPinsResolvedVersion(t *testing.T) {
	snap := &Snapshot{
		ProjectID: "proj",
		Artifacts: []Artifact{
			artifactWith("agent-a", spec("agent-a", "pandas", ">=2.0.0", ScopeRuntime)),
		},
		Resolutions: []Resolution{{Library: "pandas", Version: "2.2.0"}},
	}
	entries := Unified(snap)
	require.Len(t, entries, 1)
	assert.Equal(t, "2.2.0", entries[0].Pinned)
}
