package sandbox

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/wardstone/warden/pkg/rules"
)

// wasiRunner executes WebAssembly programs under WASI with hard memory
// and time confinement. WASI is deny-by-default for filesystem and
// network, so NetworkPolicy=NONE holds without host support.
type wasiRunner struct {
	clock func() time.Time
}

func newWasiRunner() *wasiRunner {
	return &wasiRunner{clock: time.Now}
}

const wasmPageBytes = 65536

// maxWasmPages is the wasm32 address-space ceiling (4GB); wazero
// rejects limits above it.
const maxWasmPages = 65536

// memoryLimitPages converts the memory quota to a wasm page limit,
// clamped to [1, maxWasmPages]. Quotas above 4GB cannot be expressed
// in wasm32 and collapse to the ceiling.
func memoryLimitPages(quotaMB int64) uint32 {
	pages := quotaMB * 1024 * 1024 / wasmPageBytes
	if pages < 1 {
		pages = 1
	}
	if pages > maxWasmPages {
		pages = maxWasmPages
	}
	return uint32(pages)
}

func (w *wasiRunner) run(ctx context.Context, command string, spec Specification, t *Transcript, outputRules []*rules.Rule) error {
	fields := strings.Fields(command)
	wasmPath := fields[0]

	wasmBytes, err := os.ReadFile(wasmPath)
	if err != nil {
		t.HaltReason = HaltLaunchFailure
		t.Stderr = err.Error()
		return &Error{Code: ErrCodeLaunchFailure, Message: err.Error()}
	}

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(memoryLimitPages(spec.MemoryQuotaMB)).
		WithCloseOnContextDone(true)

	execCtx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()

	r := wazero.NewRuntimeWithConfig(execCtx, runtimeConfig)
	defer func() { _ = r.Close(context.WithoutCancel(ctx)) }()

	if _, err := wasi_snapshot_preview1.Instantiate(execCtx, r); err != nil {
		t.HaltReason = HaltLaunchFailure
		t.Stderr = err.Error()
		return &Error{Code: ErrCodeLaunchFailure, Message: err.Error()}
	}

	stdout := newOutputScanner(outputRules, nil)
	stderr := newOutputScanner(outputRules, nil)
	moduleConfig := wazero.NewModuleConfig().
		WithStdout(stdout).
		WithStderr(stderr).
		WithArgs(fields...).
		WithName("sandbox")

	start := w.clock()
	compiled, err := r.CompileModule(execCtx, wasmBytes)
	if err != nil {
		t.HaltReason = HaltLaunchFailure
		t.Stderr = err.Error()
		return &Error{Code: ErrCodeLaunchFailure, Message: err.Error()}
	}

	mod, runErr := r.InstantiateModule(execCtx, compiled, moduleConfig)
	end := w.clock()
	if mod != nil {
		defer func() { _ = mod.Close(context.WithoutCancel(ctx)) }()
	}

	stdout.Flush()
	stderr.Flush()

	t.Timestamp = start.UTC()
	t.WallTimeSeconds = end.Sub(start).Seconds()
	t.CPUTimeSeconds = t.WallTimeSeconds // no per-thread accounting inside the VM
	// Linear memory only grows, so the post-run size is the peak.
	if mod != nil {
		if mem := mod.Memory(); mem != nil {
			t.MemoryPeakMB = int64(mem.Size()) / (1024 * 1024)
		}
	}
	t.Stdout = stdout.String()
	t.Stderr = stderr.String()
	t.ExitCode = 0

	if runErr != nil {
		var exitErr *sys.ExitError
		switch {
		case errors.As(runErr, &exitErr):
			t.ExitCode = int(exitErr.ExitCode())
		case execCtx.Err() != nil:
			t.ExitCode = -1
			if ctx.Err() != nil {
				t.HaltReason = HaltCancelled
			} else {
				t.HaltReason = HaltTimeout
			}
		case isWasmMemoryError(runErr):
			t.ExitCode = -1
			t.HaltReason = HaltResourceExceeded
		default:
			t.ExitCode = -1
			t.Stderr = t.Stderr + "\n" + runErr.Error()
		}
	}

	if stdout.Matched() != nil || stderr.Matched() != nil {
		t.DangerousOutputDetected = true
		t.HaltReason = HaltDangerousOutput
	}
	return nil
}

func isWasmMemoryError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "memory") &&
		(strings.Contains(msg, "limit") || strings.Contains(msg, "grow") || strings.Contains(msg, "exceeded"))
}
