package engine

import (
	"fmt"
	"strings"
)

// DeviceFamily selects the deployment protocol used for a device.
// The set is closed: adding a family means adding a driver variant.
type DeviceFamily string

const (
	// FamilySessionCommit is a device with session-based atomic commit (EOS-style eAPI).
	FamilySessionCommit DeviceFamily = "session-commit"

	// FamilyInteractiveShell is a device configured through a line-oriented shell
	// (EdgeRouter-style).
	FamilyInteractiveShell DeviceFamily = "interactive-shell"

	// FamilyNone is a device family without a deployment path.
	FamilyNone DeviceFamily = "none"
)

// familyAliases maps the vendor names used in inventories to families.
var familyAliases = map[string]DeviceFamily{
	"eos":        FamilySessionCommit,
	"edgerouter": FamilyInteractiveShell,
	"edgeos":     FamilyInteractiveShell,
	"vyos":       FamilyInteractiveShell,
}

// ParseDeviceFamily parses a family tag or a vendor alias.
func ParseDeviceFamily(s string) (DeviceFamily, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	if f, ok := familyAliases[v]; ok {
		return f, nil
	}
	f := DeviceFamily(v)
	if err := f.Validate(); err != nil {
		return "", err
	}
	return f, nil
}

// Validate checks if the family is one of the known tags.
func (f DeviceFamily) Validate() error {
	switch f {
	case FamilySessionCommit, FamilyInteractiveShell, FamilyNone:
		return nil
	default:
		return fmt.Errorf("invalid device family: %q", string(f))
	}
}

// CanDeploy returns true if the family has a deployment protocol.
func (f DeviceFamily) CanDeploy() bool {
	return f == FamilySessionCommit || f == FamilyInteractiveShell
}

// Scope is the requested extent of a reconciliation run.
type Scope string

const (
	// ScopeLocalOnly renders, diffs and persists without contacting devices.
	ScopeLocalOnly Scope = "local-only"

	// ScopeDeploy additionally checks deploy eligibility and invokes the driver.
	ScopeDeploy Scope = "deploy"
)

// Validate checks if the scope is valid.
func (s Scope) Validate() error {
	switch s {
	case ScopeLocalOnly, ScopeDeploy:
		return nil
	default:
		return fmt.Errorf("invalid scope: %q", string(s))
	}
}

// DeployStatus is the terminal status of a deploy session.
type DeployStatus string

const (
	// DeployStatusPending means the session has not reached a terminal state.
	DeployStatusPending DeployStatus = ""

	// DeployStatusSuccess means the deployment completed without changing the device.
	DeployStatusSuccess DeployStatus = "success"

	// DeployStatusChanged means the deployment committed changes.
	DeployStatusChanged DeployStatus = "changed"

	// DeployStatusFailed means the deployment failed or was aborted.
	DeployStatusFailed DeployStatus = "failed"
)

// IsTerminal returns true if the status represents a final state.
func (s DeployStatus) IsTerminal() bool {
	return s == DeployStatusSuccess || s == DeployStatusChanged || s == DeployStatusFailed
}

// RunStatus represents the overall status of a fleet run.
type RunStatus string

const (
	// RunStatusRunning indicates the run is executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every device succeeded.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates every device failed, or the run aborted.
	RunStatusFailed RunStatus = "failed"

	// RunStatusPartial indicates some devices failed.
	RunStatusPartial RunStatus = "partial"

	// RunStatusCancelled indicates the run was cancelled.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed ||
		s == RunStatusCancelled || s == RunStatusPartial
}
