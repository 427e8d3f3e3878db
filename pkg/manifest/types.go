// Package manifest implements the append-only per-project store of
// artifact dependency declarations. Artifacts are recorded exactly once
// and never mutated; a newer declaration supersedes an older one but
// both remain in the manifest for audit purposes.
package manifest

import (
	"time"
)

// Scope classifies where a dependency is needed.
type Scope string

const (
	ScopeRuntime Scope = "RUNTIME"
	ScopeDev     Scope = "DEV"
	ScopeTest    Scope = "TEST"
)

// ArtifactType classifies the declared unit of agent output.
type ArtifactType string

const (
	ArtifactCode   ArtifactType = "CODE"
	ArtifactConfig ArtifactType = "CONFIG"
	ArtifactInfra  ArtifactType = "INFRA"
)

// DependencySpec is a single dependency declaration. Immutable once
// recorded.
type DependencySpec struct {
	Name             string `json:"name"`
	Constraint       string `json:"version_constraint"`
	Scope            Scope  `json:"scope"`
	DeclaringAgentID string `json:"declaring_agent_id"`
	Purpose          string `json:"purpose,omitempty"`
}

// ConstraintIssue flags a dependency whose version constraint could not
// be parsed. The declaration is still accepted; the issue travels with
// the artifact so callers can surface it.
type ConstraintIssue struct {
	Library    string `json:"library"`
	Constraint string `json:"constraint"`
	Detail     string `json:"detail"`
}

// Artifact is one declared unit of agent output with its dependencies.
type Artifact struct {
	ID               string            `json:"id"`
	ProjectID        string            `json:"project_id"`
	AgentID          string            `json:"agent_id"`
	Type             ArtifactType      `json:"type"`
	ContentSummary   string            `json:"content_summary,omitempty"`
	Dependencies     []DependencySpec  `json:"dependencies"`
	ConstraintIssues []ConstraintIssue `json:"constraint_issues,omitempty"`
	DeclaredAt       time.Time         `json:"declared_at"`
}

// Resolution records an explicit conflict resolution: a chosen version
// for one library. Resolutions are append-only like artifacts.
type Resolution struct {
	Library    string    `json:"library"`
	Version    string    `json:"version"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// Snapshot is an immutable view of a project's manifest at a point in
// time. Conflict detection reads snapshots, never the live store.
type Snapshot struct {
	ProjectID   string       `json:"project_id"`
	Artifacts   []Artifact   `json:"artifacts"`
	Resolutions []Resolution `json:"resolutions"`
	TakenAt     time.Time    `json:"taken_at"`
}

// Declarations returns every dependency declaration in the snapshot in
// declaration order.
func (s *Snapshot) Declarations() []DependencySpec {
	var out []DependencySpec
	for _, a := range s.Artifacts {
		out = append(out, a.Dependencies...)
	}
	return out
}

// ResolvedVersion returns the most recent explicit resolution for a
// library, if any.
func (s *Snapshot) ResolvedVersion(library string) (string, bool) {
	for i := len(s.Resolutions) - 1; i >= 0; i-- {
		if s.Resolutions[i].Library == library {
			return s.Resolutions[i].Version, true
		}
	}
	return "", false
}

// UnifiedEntry is one line of the exported dependency document.
type UnifiedEntry struct {
	Name       string   `json:"name"`
	Constraint string   `json:"constraint"`
	Scope      Scope    `json:"scope"`
	Agents     []string `json:"agents"`
	Pinned     string   `json:"pinned,omitempty"` // from an explicit resolution
}
