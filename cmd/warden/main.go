// Command warden is the operator CLI for the artifact governance core:
// declare dependencies, inspect and resolve conflicts, validate code,
// run commands in the sandbox, and verify the audit chain.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
	_ "modernc.org/sqlite"

	"github.com/wardstone/warden/pkg/audit"
	"github.com/wardstone/warden/pkg/config"
	"github.com/wardstone/warden/pkg/manifest"
	"github.com/wardstone/warden/pkg/sandbox"
	"github.com/wardstone/warden/pkg/score"
	"github.com/wardstone/warden/pkg/validate"
	"github.com/wardstone/warden/pkg/warden"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type cliState struct {
	cfgFile   string
	auditPath string
	dbPath    string
	ruleDir   string

	core *warden.Core
	log  *audit.FileLog
}

func (s *cliState) init(cmd *cobra.Command) error {
	cfg := config.Load()
	if s.cfgFile != "" {
		if err := config.LoadFile(cfg, s.cfgFile); err != nil {
			return err
		}
	}
	// Flags set explicitly on the command line win over the config.
	if !cmd.Flags().Changed("audit-log") && cfg.AuditLogPath != "" {
		s.auditPath = cfg.AuditLogPath
	}
	if !cmd.Flags().Changed("db") && cfg.DatabasePath != "" {
		s.dbPath = cfg.DatabasePath
	}
	if !cmd.Flags().Changed("rules") && cfg.RuleDir != "" {
		s.ruleDir = cfg.RuleDir
	}

	var store manifest.Store
	if s.dbPath != "" {
		db, err := sql.Open("sqlite", s.dbPath)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		store, err = manifest.NewSQLiteStore(db)
		if err != nil {
			return fmt.Errorf("init manifest store: %w", err)
		}
	}

	log, err := audit.OpenFileLog(s.auditPath)
	if err != nil {
		return err
	}
	s.log = log

	engineOpts := []sandbox.EngineOption{
		sandbox.WithConcurrencyLimit(int64(cfg.Sandbox.ConcurrencyLimit)),
		sandbox.WithGracePeriod(cfg.Sandbox.GracePeriod.Std()),
		sandbox.WithSlotTimeout(cfg.Sandbox.SlotTimeout.Std()),
	}
	if cfg.Sandbox.RatePerMinute > 0 {
		engineOpts = append(engineOpts, sandbox.WithRateLimit(rate.Limit(cfg.Sandbox.RatePerMinute/60), 1))
	}
	if cfg.Sandbox.WorkDir != "" {
		engineOpts = append(engineOpts, sandbox.WithWorkDir(cfg.Sandbox.WorkDir))
	}

	core, err := warden.New(warden.Config{
		ManifestStore: store,
		AuditLog:      log,
		RuleDir:       s.ruleDir,
		LockTimeout:   cfg.LockTimeout.Std(),
		ScorePolicy:   score.Policy{MinScore: cfg.Score.MinScore},
		EngineOptions: engineOpts,
	})
	if err != nil {
		return err
	}
	s.core = core
	return nil
}

func newRootCmd() *cobra.Command {
	state := &cliState{}

	root := &cobra.Command{
		Use:           "warden",
		Short:         "Artifact governance and safety pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return state.init(cmd)
		},
	}
	root.PersistentFlags().StringVar(&state.cfgFile, "config", "", "path to a YAML configuration file")
	root.PersistentFlags().StringVar(&state.auditPath, "audit-log", "warden-audit.jsonl", "path to the JSONL audit log")
	root.PersistentFlags().StringVar(&state.dbPath, "db", "", "SQLite database path (default: in-memory manifest)")
	root.PersistentFlags().StringVar(&state.ruleDir, "rules", "", "directory of extra rule bundles")

	root.AddCommand(
		newDeclareCmd(state),
		newConflictsCmd(state),
		newResolveCmd(state),
		newExportCmd(state),
		newValidateCmd(state),
		newRunCmd(state),
		newAuditVerifyCmd(state),
	)
	return root
}

func newDeclareCmd(s *cliState) *cobra.Command {
	var (
		agentID      string
		artifactType string
		deps         []string
	)
	cmd := &cobra.Command{
		Use:   "declare <project-id>",
		Short: "Declare an artifact's dependencies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			specs, err := parseDeps(deps, agentID)
			if err != nil {
				return err
			}
			res, err := s.core.DeclareArtifact(context.Background(), args[0], agentID,
				manifest.ArtifactType(strings.ToUpper(artifactType)), specs)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "cli", "declaring agent id")
	cmd.Flags().StringVar(&artifactType, "type", "code", "artifact type (code|config|infra)")
	cmd.Flags().StringArrayVar(&deps, "dep", nil, "dependency as name=constraint[:scope], repeatable")
	return cmd
}

// parseDeps turns "--dep pandas=>=2.0:runtime" flags into specs.
func parseDeps(deps []string, agentID string) ([]manifest.DependencySpec, error) {
	var out []manifest.DependencySpec
	for _, d := range deps {
		name, rest, ok := strings.Cut(d, "=")
		if !ok {
			return nil, fmt.Errorf("dependency %q: expected name=constraint[:scope]", d)
		}
		constraint := rest
		scope := manifest.ScopeRuntime
		if c, sc, found := strings.Cut(rest, ":"); found && !strings.ContainsAny(sc, "<>=~^") {
			constraint = c
			scope = manifest.Scope(strings.ToUpper(sc))
		}
		out = append(out, manifest.DependencySpec{
			Name:             name,
			Constraint:       constraint,
			Scope:            scope,
			DeclaringAgentID: agentID,
		})
	}
	return out, nil
}

func newConflictsCmd(s *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts <project-id>",
		Short: "List open conflicts blocking a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			open, err := s.core.GetBlockingConflicts(context.Background(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, open)
		},
	}
}

func newResolveCmd(s *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <project-id> <library> <version>",
		Short: "Resolve a conflict with a chosen version",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := s.core.ResolveConflict(context.Background(), args[0], args[1], args[2])
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
}

func newExportCmd(s *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "export <project-id>",
		Short: "Export the unified dependency list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := s.core.ExportManifest(context.Background(), args[0])
			if err != nil {
				return err
			}
			for _, e := range entries {
				line := e.Name + e.Constraint
				if e.Pinned != "" {
					line = e.Name + "==" + e.Pinned
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
}

func newValidateCmd(s *cliState) *cobra.Command {
	var (
		language        string
		requiredImports []string
		requiredFuncs   []string
		forbidden       []string
	)
	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Statically validate a source file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var spec *validate.Spec
			if len(requiredImports)+len(requiredFuncs)+len(forbidden) > 0 {
				spec = &validate.Spec{
					RequiredImports:   requiredImports,
					RequiredFunctions: requiredFuncs,
					ForbiddenPatterns: forbidden,
				}
			}
			report, err := s.core.ValidateCode(context.Background(), string(code), validate.Language(language), spec)
			if err != nil {
				return err
			}
			if err := printJSON(cmd, report); err != nil {
				return err
			}
			if report.HaltDecision {
				return fmt.Errorf("validation halted: %s", report.HaltReason)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&language, "language", "python", "source language")
	cmd.Flags().StringArrayVar(&requiredImports, "require-import", nil, "required import, repeatable")
	cmd.Flags().StringArrayVar(&requiredFuncs, "require-function", nil, "required function, repeatable")
	cmd.Flags().StringArrayVar(&forbidden, "forbid", nil, "forbidden pattern, repeatable")
	return cmd
}

func newRunCmd(s *cliState) *cobra.Command {
	var (
		preset    string
		projectID string
	)
	cmd := &cobra.Command{
		Use:   "run <command...>",
		Short: "Execute a command in the sandbox",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			transcript, err := s.core.ExecuteSandboxed(context.Background(),
				projectID, strings.Join(args, " "), preset)
			if err != nil {
				if transcript != nil {
					_ = printJSON(cmd, transcript)
				}
				return err
			}
			return printJSON(cmd, transcript)
		},
	}
	cmd.Flags().StringVar(&preset, "preset", "standard_coding",
		"sandbox preset: "+strings.Join(sandbox.PresetNames(), ", "))
	cmd.Flags().StringVar(&projectID, "project", "", "project id for the audit record")
	return cmd
}

func newAuditVerifyCmd(s *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "audit-verify",
		Short: "Verify the audit log hash chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := s.log.ReadAll(context.Background())
			if err != nil {
				return err
			}
			if err := audit.VerifyChain(records); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "chain verified: %d records\n", len(records))
			return nil
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
