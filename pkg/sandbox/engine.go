package sandbox

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/wardstone/warden/pkg/audit"
	"github.com/wardstone/warden/pkg/observability"
	"github.com/wardstone/warden/pkg/rules"
)

// DefaultGracePeriod is the gap between the graceful-termination
// signal and the hard kill.
const DefaultGracePeriod = 2 * time.Second

// DefaultSlotTimeout bounds the wait for an execution slot.
const DefaultSlotTimeout = 30 * time.Second

// Engine launches commands under a Specification, enforces quotas,
// detects dangerous output, and emits exactly one Transcript per call
// to the audit log before returning.
type Engine struct {
	log     audit.Log
	metrics *observability.Metrics
	output  []*rules.Rule

	slots       *semaphore.Weighted
	limiter     *rate.Limiter
	gracePeriod time.Duration
	slotTimeout time.Duration
	workDir     string
	clock       func() time.Time

	wasi *wasiRunner
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithConcurrencyLimit caps concurrent executions (default 4).
func WithConcurrencyLimit(n int64) EngineOption {
	return func(e *Engine) { e.slots = semaphore.NewWeighted(n) }
}

// WithRateLimit throttles execution submissions.
func WithRateLimit(limit rate.Limit, burst int) EngineOption {
	return func(e *Engine) { e.limiter = rate.NewLimiter(limit, burst) }
}

// WithGracePeriod overrides the termination grace period.
func WithGracePeriod(d time.Duration) EngineOption {
	return func(e *Engine) { e.gracePeriod = d }
}

// WithSlotTimeout overrides the execution-slot wait bound.
func WithSlotTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.slotTimeout = d }
}

// WithWorkDir sets the working directory for launched processes.
func WithWorkDir(dir string) EngineOption {
	return func(e *Engine) { e.workDir = dir }
}

// WithMetrics attaches the core's instruments.
func WithMetrics(m *observability.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithEngineClock overrides the clock for testing.
func WithEngineClock(clock func() time.Time) EngineOption {
	return func(e *Engine) { e.clock = clock }
}

// NewEngine wires the engine with its audit sink and the
// dangerous-output rule set.
func NewEngine(log audit.Log, ruleSet *rules.Set, opts ...EngineOption) *Engine {
	e := &Engine{
		log:         log,
		metrics:     observability.Noop(),
		output:      ruleSet.Rules(rules.KindDangerousOutput),
		slots:       semaphore.NewWeighted(4),
		limiter:     rate.NewLimiter(rate.Inf, 1),
		gracePeriod: DefaultGracePeriod,
		slotTimeout: DefaultSlotTimeout,
		clock:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.wasi = newWasiRunner()
	return e
}

// Execute runs command under spec. The returned transcript is already
// durably written to the audit log; a non-zero exit, timeout, or
// dangerous-output halt is reported through the transcript, not as an
// error. Errors are reserved for infrastructure failures (invalid
// spec, no execution slot, launch failure, failed audit write) — and
// even those produce a transcript, so no execution request is ever
// unaudited.
func (e *Engine) Execute(ctx context.Context, projectID, command string, spec Specification) (*Transcript, error) {
	t := &Transcript{
		ExecutionID:   uuid.New().String(),
		Timestamp:     e.clock().UTC(),
		Command:       command,
		WorkingDir:    e.workDir,
		QuotasApplied: spec,
		ExitCode:      -1,
	}

	if err := spec.Validate(); err != nil {
		t.HaltReason = HaltLaunchFailure
		t.Stderr = err.Error()
		return t, errors.Join(&Error{Code: ErrCodeInvalidSpec, Message: err.Error()}, e.finish(ctx, projectID, t))
	}

	slotCtx, cancel := context.WithTimeout(ctx, e.slotTimeout)
	defer cancel()
	if err := e.limiter.Wait(slotCtx); err != nil {
		t.HaltReason = HaltLaunchFailure
		t.Stderr = "execution rate limit wait aborted: " + err.Error()
		return t, errors.Join(&Error{Code: ErrCodeSlotTimeout, Message: err.Error()}, e.finish(ctx, projectID, t))
	}
	if err := e.slots.Acquire(slotCtx, 1); err != nil {
		t.HaltReason = HaltLaunchFailure
		t.Stderr = "no execution slot available: " + err.Error()
		return t, errors.Join(&Error{Code: ErrCodeSlotTimeout, Message: err.Error()}, e.finish(ctx, projectID, t))
	}
	defer e.slots.Release(1)

	var err error
	if isWasmCommand(command) {
		err = e.wasi.run(ctx, command, spec, t, e.output)
	} else {
		err = e.runProcess(ctx, command, spec, t)
	}

	return t, errors.Join(err, e.finish(ctx, projectID, t))
}

// finish writes the transcript to the audit log and records metrics.
// Transcript emission precedes the return to the caller in every path;
// the audit log is the system of record, so a failed write surfaces as
// an error alongside the transcript instead of being swallowed.
func (e *Engine) finish(ctx context.Context, projectID string, t *Transcript) error {
	e.metrics.RecordExecution(ctx, t.WallTimeSeconds, t.HaltReason)
	if e.log == nil {
		return nil
	}
	// Audit writes use a background-derived context so a cancelled
	// execution still gets its transcript persisted.
	var errs []error
	if _, err := e.log.Append(context.WithoutCancel(ctx), projectID, audit.TypeExecution, t); err != nil {
		errs = append(errs, fmt.Errorf("sandbox: write transcript: %w", err))
	}
	if t.DangerousOutputDetected {
		if _, err := e.log.Append(context.WithoutCancel(ctx), projectID, audit.TypeSecurityEvent, map[string]any{
			"execution_id": t.ExecutionID,
			"halt_reason":  t.HaltReason,
		}); err != nil {
			errs = append(errs, fmt.Errorf("sandbox: write security event: %w", err))
		}
	}
	return errors.Join(errs...)
}

// runProcess executes through /bin/sh with POSIX resource limits
// applied inside the child shell. Container-grade confinement is the
// host's job; the engine enforces the declared quotas with the
// primitives it has (rlimits, process groups, network unshare when
// available).
func (e *Engine) runProcess(ctx context.Context, command string, spec Specification, t *Transcript) error {
	script := buildScript(command, spec)

	argv := []string{"/bin/sh", "-c", script}
	if spec.NetworkPolicy == NetworkNone {
		if unshare, lookErr := exec.LookPath("unshare"); lookErr == nil {
			argv = append([]string{unshare, "-n", "--"}, argv...)
		}
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = e.workDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var (
		mu   sync.Mutex
		halt string
	)
	setHalt := func(reason string) {
		mu.Lock()
		defer mu.Unlock()
		if halt == "" {
			halt = reason
		}
	}

	kill := func(sig syscall.Signal) {
		if cmd.Process != nil {
			_ = syscall.Kill(-cmd.Process.Pid, sig)
		}
	}

	stdout := newOutputScanner(e.output, func(*rules.Rule) {
		setHalt(HaltDangerousOutput)
		kill(syscall.SIGKILL)
	})
	stderr := newOutputScanner(e.output, func(*rules.Rule) {
		setHalt(HaltDangerousOutput)
		kill(syscall.SIGKILL)
	})
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := e.clock()
	if err := cmd.Start(); err != nil {
		t.HaltReason = HaltLaunchFailure
		t.Stderr = err.Error()
		return &Error{Code: ErrCodeLaunchFailure, Message: err.Error()}
	}

	exited := make(chan struct{})
	go func() {
		graceful := spec.Timeout - e.gracePeriod
		if graceful < 0 {
			graceful = 0
		}
		gracefulTimer := time.NewTimer(graceful)
		hardTimer := time.NewTimer(spec.Timeout)
		defer gracefulTimer.Stop()
		defer hardTimer.Stop()

		for {
			select {
			case <-gracefulTimer.C:
				setHalt(HaltTimeout)
				kill(syscall.SIGTERM)
			case <-hardTimer.C:
				kill(syscall.SIGKILL)
				return
			case <-ctx.Done():
				// Cancellation follows the same graceful-then-hard path.
				setHalt(HaltCancelled)
				kill(syscall.SIGTERM)
				select {
				case <-time.After(e.gracePeriod):
					kill(syscall.SIGKILL)
				case <-exited:
				}
				return
			case <-exited:
				return
			}
		}
	}()

	waitErr := cmd.Wait()
	end := e.clock()
	close(exited)

	stdout.Flush()
	stderr.Flush()

	t.WallTimeSeconds = end.Sub(start).Seconds()
	t.ExitCode = cmd.ProcessState.ExitCode()
	t.Stdout = stdout.String()
	t.Stderr = stderr.String()

	if usage, ok := cmd.ProcessState.SysUsage().(*syscall.Rusage); ok && usage != nil {
		t.CPUTimeSeconds = timevalSeconds(usage.Utime) + timevalSeconds(usage.Stime)
		t.MemoryPeakMB = usage.Maxrss / 1024 // ru_maxrss is KB on Linux
	}

	mu.Lock()
	defer mu.Unlock()
	switch {
	case halt != "":
		t.HaltReason = halt
		t.DangerousOutputDetected = halt == HaltDangerousOutput
	case t.MemoryPeakMB > spec.MemoryQuotaMB, exceededRlimit(waitErr, cmd):
		t.HaltReason = HaltResourceExceeded
	}
	return nil
}

// buildScript prefixes the command with ulimit-based quota enforcement.
func buildScript(command string, spec Specification) string {
	var b strings.Builder
	cpuSeconds := int(math.Ceil(spec.CPUQuota * spec.Timeout.Seconds()))
	if cpuSeconds < 1 {
		cpuSeconds = 1
	}
	fmt.Fprintf(&b, "ulimit -t %d 2>/dev/null; ", cpuSeconds)
	fmt.Fprintf(&b, "ulimit -v %d 2>/dev/null; ", spec.MemoryQuotaMB*1024)
	if spec.FilesystemQuotaMB > 0 {
		fmt.Fprintf(&b, "ulimit -f %d 2>/dev/null; ", spec.FilesystemQuotaMB*1024)
	}
	b.WriteString(command)
	return b.String()
}

func isWasmCommand(command string) bool {
	fields := strings.Fields(command)
	return len(fields) > 0 && strings.HasSuffix(fields[0], ".wasm")
}

func timevalSeconds(tv syscall.Timeval) float64 {
	return float64(tv.Sec) + float64(tv.Usec)/1e6
}

// exceededRlimit detects terminations caused by the CPU rlimit
// (SIGXCPU/SIGKILL from the kernel limit).
func exceededRlimit(waitErr error, cmd *exec.Cmd) bool {
	if waitErr == nil || cmd.ProcessState == nil {
		return false
	}
	status, ok := cmd.ProcessState.Sys().(syscall.WaitStatus)
	if !ok || !status.Signaled() {
		return false
	}
	return status.Signal() == syscall.SIGXCPU || status.Signal() == syscall.SIGXFSZ
}
