// Package sandbox implements bounded-resource execution of validated
// commands: quota specification, the process and WASI backends,
// dangerous-output detection, and transcript emission. Every execution
// produces exactly one transcript, written to the audit log before the
// call returns.
package sandbox

import (
	"errors"
	"fmt"
	"time"
)

// NetworkPolicy declares the network stance of an execution.
type NetworkPolicy string

const (
	NetworkNone     NetworkPolicy = "NONE"
	NetworkIsolated NetworkPolicy = "ISOLATED"
	NetworkOpen     NetworkPolicy = "OPEN"
)

// Specification is the value object describing an execution's quotas.
// Validated before use; never mutated by the engine.
type Specification struct {
	CPUQuota            float64       `json:"cpu_quota"` // cores
	MemoryQuotaMB       int64         `json:"memory_quota_mb"`
	Timeout             time.Duration `json:"timeout"`
	NetworkPolicy       NetworkPolicy `json:"network_policy"`
	FilesystemQuotaMB   int64         `json:"filesystem_quota_mb"`
	DroppedCapabilities []string      `json:"dropped_capabilities"`
	Preset              string        `json:"preset,omitempty"`
}

// defaultDrops is the capability-drop list applied by every preset.
var defaultDrops = []string{
	"CAP_NET_ADMIN",
	"CAP_NET_RAW",
	"CAP_SYS_ADMIN",
	"CAP_SYS_PTRACE",
	"CAP_SYS_MODULE",
	"CAP_MKNOD",
}

// Presets are the named quota profiles. Each fixes NetworkPolicy=NONE
// and the default capability-drop list.
var presets = map[string]Specification{
	"test_execution": {
		CPUQuota:          0.5,
		MemoryQuotaMB:     512,
		Timeout:           10 * time.Second,
		FilesystemQuotaMB: 256,
	},
	"standard_coding": {
		CPUQuota:          1.0,
		MemoryQuotaMB:     2048,
		Timeout:           30 * time.Second,
		FilesystemQuotaMB: 1024,
	},
	"data_processing": {
		CPUQuota:          4.0,
		MemoryQuotaMB:     8192,
		Timeout:           300 * time.Second,
		FilesystemQuotaMB: 4096,
	},
	"trusted_code": {
		CPUQuota:          2.0,
		MemoryQuotaMB:     4096,
		Timeout:           300 * time.Second,
		FilesystemQuotaMB: 2048,
	},
}

// PresetNames lists the available presets.
func PresetNames() []string {
	return []string{"test_execution", "standard_coding", "data_processing", "trusted_code"}
}

// FromPreset resolves a named preset into a concrete specification.
func FromPreset(name string) (Specification, error) {
	spec, ok := presets[name]
	if !ok {
		return Specification{}, fmt.Errorf("sandbox: unknown preset %q", name)
	}
	spec.Preset = name
	spec.NetworkPolicy = NetworkNone
	spec.DroppedCapabilities = append([]string{}, defaultDrops...)
	return spec, nil
}

// Validate checks the specification before use.
func (s Specification) Validate() error {
	var errs []error
	if s.CPUQuota <= 0 {
		errs = append(errs, errors.New("cpu quota must be positive"))
	}
	if s.MemoryQuotaMB <= 0 {
		errs = append(errs, errors.New("memory quota must be positive"))
	}
	if s.Timeout <= 0 {
		errs = append(errs, errors.New("timeout must be positive"))
	}
	switch s.NetworkPolicy {
	case NetworkNone, NetworkIsolated, NetworkOpen:
	default:
		errs = append(errs, fmt.Errorf("unknown network policy %q", s.NetworkPolicy))
	}
	if s.FilesystemQuotaMB < 0 {
		errs = append(errs, errors.New("filesystem quota must not be negative"))
	}
	return errors.Join(errs...)
}
