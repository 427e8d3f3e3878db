// Package warden is the facade over the governance core: one
// explicitly wired object exposing the boundary the orchestrator and
// CLI call. Construct a Core once at process startup and pass it to
// callers; every collaborator is injected, none is a global.
package warden

import (
	"context"
	"fmt"
	"time"

	"github.com/wardstone/warden/pkg/audit"
	"github.com/wardstone/warden/pkg/conflict"
	"github.com/wardstone/warden/pkg/governance"
	"github.com/wardstone/warden/pkg/manifest"
	"github.com/wardstone/warden/pkg/observability"
	"github.com/wardstone/warden/pkg/rules"
	"github.com/wardstone/warden/pkg/sandbox"
	"github.com/wardstone/warden/pkg/score"
	"github.com/wardstone/warden/pkg/validate"
)

// Core bundles the governance state machine, the static validator, and
// the execution engine behind the external interface.
type Core struct {
	machine   *governance.Machine
	validator *validate.Validator
	scorer    *score.Engine
	engine    *sandbox.Engine
	metrics   *observability.Metrics
	log       audit.Log
}

// Config configures core construction. Zero values select the
// defaults: in-memory manifest, embedded rule bundles, default scoring
// policy, no-op metrics.
type Config struct {
	ManifestStore manifest.Store
	AuditLog      audit.Log
	RuleDir       string // optional directory of extra rule bundles
	LockTimeout   time.Duration
	ScorePolicy   score.Policy
	Metrics       *observability.Metrics
	EngineOptions []sandbox.EngineOption
}

// New wires a Core from the configuration.
func New(cfg Config) (*Core, error) {
	store := cfg.ManifestStore
	if store == nil {
		store = manifest.NewMemoryStore()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observability.Noop()
	}

	var (
		ruleSet *rules.Set
		err     error
	)
	if cfg.RuleDir != "" {
		ruleSet, err = rules.LoadDir(cfg.RuleDir)
	} else {
		ruleSet, err = rules.DefaultSet()
	}
	if err != nil {
		return nil, fmt.Errorf("warden: load rule bundles: %w", err)
	}

	engineOpts := append([]sandbox.EngineOption{sandbox.WithMetrics(metrics)}, cfg.EngineOptions...)

	var machineOpts []governance.Option
	if cfg.LockTimeout > 0 {
		machineOpts = append(machineOpts, governance.WithLockTimeout(cfg.LockTimeout))
	}

	return &Core{
		machine:   governance.NewMachine(store, conflict.NewResolver(), cfg.AuditLog, machineOpts...),
		validator: validate.NewValidator(ruleSet),
		scorer:    score.NewEngine(cfg.ScorePolicy),
		engine:    sandbox.NewEngine(cfg.AuditLog, ruleSet, engineOpts...),
		metrics:   metrics,
		log:       cfg.AuditLog,
	}, nil
}

// DeclareArtifact records an artifact's dependency declarations and
// reports whether the project remains unblocked.
func (c *Core) DeclareArtifact(ctx context.Context, projectID, agentID string, artifactType manifest.ArtifactType, deps []manifest.DependencySpec) (*governance.DeclareResult, error) {
	res, err := c.machine.DeclareArtifact(ctx, projectID, agentID, artifactType, deps)
	if res != nil {
		c.metrics.RecordDeclaration(ctx, res.Accepted, len(res.Conflicts))
	}
	// A non-nil result alongside an error means the declaration was
	// recorded but its audit trail was not.
	return res, err
}

// GetBlockingConflicts returns the open conflicts for a project.
func (c *Core) GetBlockingConflicts(ctx context.Context, projectID string) ([]conflict.Conflict, error) {
	_, open, err := c.machine.IsBlocked(ctx, projectID)
	return open, err
}

// ResolveConflict records a verified version choice for a library.
func (c *Core) ResolveConflict(ctx context.Context, projectID, library, version string) (*governance.ResolveResult, error) {
	return c.machine.ResolveConflict(ctx, projectID, library, version)
}

// ExportManifest returns the unified dependency document for
// downstream packaging.
func (c *Core) ExportManifest(ctx context.Context, projectID string) ([]manifest.UnifiedEntry, error) {
	return c.machine.ExportManifest(ctx, projectID)
}

// ValidateCode runs the static pipeline and scores the findings.
// Identical input always yields an identical report. The report is
// valid even when the error is not nil; the error then means only that
// the audit record could not be written.
func (c *Core) ValidateCode(ctx context.Context, code string, language validate.Language, spec *validate.Spec) (validate.Report, error) {
	findings := c.validator.Validate(code, language, spec)
	report := c.scorer.Report(findings)
	c.metrics.RecordValidation(ctx, report.HaltDecision)
	if c.log != nil {
		if _, err := c.log.Append(ctx, "", audit.TypeValidation, report); err != nil {
			return report, fmt.Errorf("warden: write validation record: %w", err)
		}
	}
	return report, nil
}

// ExecuteSandboxed runs a command under a named preset.
func (c *Core) ExecuteSandboxed(ctx context.Context, projectID, command, presetName string) (*sandbox.Transcript, error) {
	spec, err := sandbox.FromPreset(presetName)
	if err != nil {
		return nil, err
	}
	return c.engine.Execute(ctx, projectID, command, spec)
}

// ExecuteWithSpec runs a command under an explicit specification.
func (c *Core) ExecuteWithSpec(ctx context.Context, projectID, command string, spec sandbox.Specification) (*sandbox.Transcript, error) {
	return c.engine.Execute(ctx, projectID, command, spec)
}
