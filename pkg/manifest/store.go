package manifest

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

var ErrProjectNotFound = errors.New("project not found")

// Store is the durable interface for manifest persistence. All
// implementations are append-only: artifacts and resolutions are
// recorded once and never updated or deleted.
type Store interface {
	// AddArtifact records an artifact and returns the resulting
	// snapshot of the owning project's manifest.
	AddArtifact(ctx context.Context, a Artifact) (*Snapshot, error)

	// AddResolution records an explicit conflict resolution.
	AddResolution(ctx context.Context, projectID string, r Resolution) (*Snapshot, error)

	// SnapshotFor returns the current manifest view for a project.
	// A project with no declarations yields an empty snapshot, not an
	// error.
	SnapshotFor(ctx context.Context, projectID string) (*Snapshot, error)
}

// MemoryStore is the in-process Store used by default and in tests.
type MemoryStore struct {
	mu          sync.RWMutex
	artifacts   map[string][]Artifact
	resolutions map[string][]Resolution
	clock       func() time.Time
}

// NewMemoryStore creates an empty in-memory manifest store.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(time.Now)
}

// NewMemoryStoreWithClock allows clock injection for tests.
func NewMemoryStoreWithClock(clock func() time.Time) *MemoryStore {
	return &MemoryStore{
		artifacts:   make(map[string][]Artifact),
		resolutions: make(map[string][]Resolution),
		clock:       clock,
	}
}

func (m *MemoryStore) AddArtifact(ctx context.Context, a Artifact) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a.DeclaredAt.IsZero() {
		a.DeclaredAt = m.clock().UTC()
	}
	m.artifacts[a.ProjectID] = append(m.artifacts[a.ProjectID], a)
	return m.snapshotLocked(a.ProjectID), nil
}

func (m *MemoryStore) AddResolution(ctx context.Context, projectID string, r Resolution) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r.ResolvedAt.IsZero() {
		r.ResolvedAt = m.clock().UTC()
	}
	m.resolutions[projectID] = append(m.resolutions[projectID], r)
	return m.snapshotLocked(projectID), nil
}

func (m *MemoryStore) SnapshotFor(ctx context.Context, projectID string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked(projectID), nil
}

func (m *MemoryStore) snapshotLocked(projectID string) *Snapshot {
	arts := make([]Artifact, len(m.artifacts[projectID]))
	copy(arts, m.artifacts[projectID])
	res := make([]Resolution, len(m.resolutions[projectID]))
	copy(res, m.resolutions[projectID])
	return &Snapshot{
		ProjectID:   projectID,
		Artifacts:   arts,
		Resolutions: res,
		TakenAt:     m.clock().UTC(),
	}
}

// Unified collapses a snapshot into one entry per library for
// downstream packaging. Only each agent's most recent constraint on a
// library counts (older declarations are superseded); distinct
// constraints are joined with commas and an explicit resolution pins
// the version.
func Unified(s *Snapshot) []UnifiedEntry {
	type acc struct {
		byAgent map[string]string // agent -> latest constraint
		scope   Scope
		agents  []string // declaration order
	}
	byName := make(map[string]*acc)
	var order []string

	for _, a := range s.Artifacts {
		for _, d := range a.Dependencies {
			e, ok := byName[d.Name]
			if !ok {
				e = &acc{scope: d.Scope, byAgent: make(map[string]string)}
				byName[d.Name] = e
				order = append(order, d.Name)
			}
			if _, seen := e.byAgent[d.DeclaringAgentID]; !seen {
				e.agents = append(e.agents, d.DeclaringAgentID)
			}
			e.byAgent[d.DeclaringAgentID] = d.Constraint
			// RUNTIME dominates DEV/TEST when declarations disagree.
			if d.Scope == ScopeRuntime {
				e.scope = ScopeRuntime
			}
		}
	}

	sort.Strings(order)
	out := make([]UnifiedEntry, 0, len(order))
	for _, name := range order {
		e := byName[name]
		var constraints []string
		for _, agent := range e.agents {
			c := e.byAgent[agent]
			if !containsString(constraints, c) {
				constraints = append(constraints, c)
			}
		}
		agents := append([]string{}, e.agents...)
		sort.Strings(agents)
		entry := UnifiedEntry{
			Name:       name,
			Constraint: strings.Join(constraints, ","),
			Scope:      e.scope,
			Agents:     agents,
		}
		if v, ok := s.ResolvedVersion(name); ok {
			entry.Pinned = v
		}
		out = append(out, entry)
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
