// Package governance implements the project governance state machine:
// artifact declaration, conflict-driven ACTIVE⇄BLOCKED transitions, and
// verified conflict resolution. It is the only mutator of project-level
// governance state; the state itself is always derived from the
// manifest, never set directly.
//
// Declarations and resolutions for one project are serialized under a
// per-project lock; distinct projects proceed in parallel. Every lock
// acquisition carries a timeout so no caller blocks indefinitely.
package governance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wardstone/warden/pkg/audit"
	"github.com/wardstone/warden/pkg/conflict"
	"github.com/wardstone/warden/pkg/manifest"
)

// ErrLockTimeout is returned when the per-project lock could not be
// acquired in time. Retryable.
var ErrLockTimeout = errors.New("governance: project lock acquisition timed out")

// State is the project governance state, derived from open conflicts.
type State string

const (
	StateActive  State = "ACTIVE"
	StateBlocked State = "BLOCKED"
)

// DefaultLockTimeout bounds per-project lock acquisition.
const DefaultLockTimeout = 5 * time.Second

// DeclareResult is the structured outcome of a declaration. A rejected
// declaration is not an error: the artifact is still recorded, and the
// conflict list tells the caller what must be resolved.
type DeclareResult struct {
	Accepted  bool                       `json:"accepted"`
	Artifact  manifest.Artifact          `json:"artifact"`
	Conflicts []conflict.Conflict        `json:"conflicts,omitempty"`
	Issues    []manifest.ConstraintIssue `json:"constraint_issues,omitempty"`
	State     State                      `json:"state"`
}

// ResolveResult is the structured outcome of a resolution attempt.
type ResolveResult struct {
	Success   bool                `json:"success"`
	Reason    string              `json:"reason,omitempty"`
	Remaining []conflict.Conflict `json:"remaining_conflicts,omitempty"`
	State     State               `json:"state"`
}

// Machine orchestrates declaration → conflict check → state transition.
type Machine struct {
	store    manifest.Store
	resolver *conflict.Resolver
	log      audit.Log

	lockTimeout time.Duration
	clock       func() time.Time

	mu       sync.Mutex
	locks    map[string]chan struct{}
	sequence map[string]uint64 // per-project audit sequence
}

// Option configures a Machine.
type Option func(*Machine)

// WithLockTimeout overrides the per-project lock acquisition timeout.
func WithLockTimeout(d time.Duration) Option {
	return func(m *Machine) { m.lockTimeout = d }
}

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) Option {
	return func(m *Machine) { m.clock = clock }
}

// NewMachine wires the state machine with its collaborators. All
// dependencies are explicit; there are no package-level singletons.
func NewMachine(store manifest.Store, resolver *conflict.Resolver, log audit.Log, opts ...Option) *Machine {
	m := &Machine{
		store:       store,
		resolver:    resolver,
		log:         log,
		lockTimeout: DefaultLockTimeout,
		clock:       time.Now,
		locks:       make(map[string]chan struct{}),
		sequence:    make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// DeclareArtifact records the artifact, re-runs conflict detection over
// the updated manifest, and transitions the project state. The artifact
// is always recorded for audit completeness, even when it introduces
// conflicts; Accepted=false signals the project is now BLOCKED.
func (m *Machine) DeclareArtifact(ctx context.Context, projectID, agentID string, artifactType manifest.ArtifactType, deps []manifest.DependencySpec) (*DeclareResult, error) {
	unlock, err := m.acquire(ctx, projectID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	before, err := m.store.SnapshotFor(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("governance: read manifest: %w", err)
	}
	stateBefore := m.stateOf(before)

	art := manifest.Artifact{
		ID:           uuid.New().String(),
		ProjectID:    projectID,
		AgentID:      agentID,
		Type:         artifactType,
		Dependencies: deps,
		DeclaredAt:   m.clock().UTC(),
	}
	// Malformed constraints are flagged, not fatal: the declaration is
	// accepted but the bad constraint never enters interval math.
	for _, d := range deps {
		if _, perr := conflict.ParseConstraint(d.Constraint); perr != nil {
			art.ConstraintIssues = append(art.ConstraintIssues, manifest.ConstraintIssue{
				Library:    d.Name,
				Constraint: d.Constraint,
				Detail:     perr.Error(),
			})
		}
	}

	snap, err := m.store.AddArtifact(ctx, art)
	if err != nil {
		return nil, fmt.Errorf("governance: record artifact: %w", err)
	}

	open := m.resolver.Open(snap)
	stateAfter := stateFromConflicts(open)

	result := &DeclareResult{
		Accepted:  len(open) == 0,
		Artifact:  art,
		Conflicts: open,
		Issues:    art.ConstraintIssues,
		State:     stateAfter,
	}

	if err := m.record(ctx, projectID, audit.TypeDeclaration, map[string]any{
		"artifact_id":    art.ID,
		"agent_id":       agentID,
		"artifact_type":  artifactType,
		"dependencies":   deps,
		"accepted":       result.Accepted,
		"open_conflicts": len(open),
	}); err != nil {
		return result, err
	}
	if stateBefore != stateAfter {
		if err := m.record(ctx, projectID, audit.TypeTransition, map[string]any{
			"from": stateBefore,
			"to":   stateAfter,
		}); err != nil {
			return result, err
		}
	}
	return result, nil
}

// IsBlocked reports whether the project is blocked and by which open
// conflicts.
func (m *Machine) IsBlocked(ctx context.Context, projectID string) (bool, []conflict.Conflict, error) {
	snap, err := m.store.SnapshotFor(ctx, projectID)
	if err != nil {
		return false, nil, fmt.Errorf("governance: read manifest: %w", err)
	}
	open := m.resolver.Open(snap)
	return len(open) > 0, open, nil
}

// ResolveConflict records a chosen version for a library after
// verifying it satisfies every recorded constraint. Resolution is
// verified, never assumed: the conflict check is re-run against the
// appended resolution before the project can unblock. A version that
// does not satisfy all constraints is rejected and no state changes.
func (m *Machine) ResolveConflict(ctx context.Context, projectID, library, version string) (*ResolveResult, error) {
	unlock, err := m.acquire(ctx, projectID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	snap, err := m.store.SnapshotFor(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("governance: read manifest: %w", err)
	}
	stateBefore := m.stateOf(snap)

	if !conflict.Satisfies(snap, library, version) {
		open := m.resolver.Open(snap)
		return &ResolveResult{
			Success:   false,
			Reason:    fmt.Sprintf("version %s does not satisfy all recorded constraints for %s", version, library),
			Remaining: open,
			State:     stateFromConflicts(open),
		}, nil
	}

	snap, err = m.store.AddResolution(ctx, projectID, manifest.Resolution{
		Library:    library,
		Version:    version,
		ResolvedAt: m.clock().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("governance: record resolution: %w", err)
	}

	open := m.resolver.Open(snap)
	stateAfter := stateFromConflicts(open)
	result := &ResolveResult{
		Success:   true,
		Remaining: open,
		State:     stateAfter,
	}

	if err := m.record(ctx, projectID, audit.TypeResolution, map[string]any{
		"library":        library,
		"version":        version,
		"open_conflicts": len(open),
	}); err != nil {
		return result, err
	}
	if stateBefore != stateAfter {
		if err := m.record(ctx, projectID, audit.TypeTransition, map[string]any{
			"from": stateBefore,
			"to":   stateAfter,
		}); err != nil {
			return result, err
		}
	}
	return result, nil
}

// ExportManifest returns the unified dependency list for downstream
// packaging (one entry per library, constraints joined, resolutions
// pinned).
func (m *Machine) ExportManifest(ctx context.Context, projectID string) ([]manifest.UnifiedEntry, error) {
	snap, err := m.store.SnapshotFor(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("governance: read manifest: %w", err)
	}
	return manifest.Unified(snap), nil
}

func (m *Machine) stateOf(snap *manifest.Snapshot) State {
	return stateFromConflicts(m.resolver.Open(snap))
}

// Invariant: BLOCKED iff at least one conflict is OPEN.
func stateFromConflicts(open []conflict.Conflict) State {
	if len(open) > 0 {
		return StateBlocked
	}
	return StateActive
}

// acquire takes the per-project lock, bounded by the configured
// timeout and the caller's context.
func (m *Machine) acquire(ctx context.Context, projectID string) (func(), error) {
	m.mu.Lock()
	ch, ok := m.locks[projectID]
	if !ok {
		ch = make(chan struct{}, 1)
		m.locks[projectID] = ch
	}
	m.mu.Unlock()

	timer := time.NewTimer(m.lockTimeout)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-timer.C:
		return nil, ErrLockTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// record appends an audit record tagged with the project's own
// monotonically increasing sequence number, enabling per-project
// replay. The log is the system of record, so a failed append is an
// error the caller must surface, not a best-effort side channel.
func (m *Machine) record(ctx context.Context, projectID string, recordType audit.RecordType, payload map[string]any) error {
	if m.log == nil {
		return nil
	}
	m.mu.Lock()
	m.sequence[projectID]++
	payload["project_sequence"] = m.sequence[projectID]
	m.mu.Unlock()

	if _, err := m.log.Append(ctx, projectID, recordType, payload); err != nil {
		return fmt.Errorf("governance: write audit record: %w", err)
	}
	return nil
}
