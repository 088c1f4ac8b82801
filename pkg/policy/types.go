package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that are logged but never block a deploy.
	SeverityWarning Severity = "warning"

	// SeverityError is for violations that block the deploy.
	SeverityError Severity = "error"

	// SeverityCritical is for violations that block the deploy.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity refuses a deploy.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a deploy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego module. Violations are read from the deny set of
	// the module's package.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with netsync. Reloads keep them.
	Builtin bool `json:"builtin,omitempty"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`

	// LoadedAt is when the policy was loaded.
	LoadedAt time.Time `json:"loaded_at"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Device is the device whose deploy was evaluated.
	Device string `json:"device"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

// DeviceInput is the device part of the evaluation input.
type DeviceInput struct {
	Name   string `json:"name"`
	Family string `json:"family"`
	Host   string `json:"host,omitempty"`
}

// Input is the document policies are evaluated against. Config holds the
// rendered text before secret substitution.
type Input struct {
	Device DeviceInput `json:"device"`
	Config string      `json:"config"`
	Lines  []string    `json:"lines"`
}

// Result is the outcome of evaluating every enabled policy.
type Result struct {
	Allowed     bool        `json:"allowed"`
	Violations  []Violation `json:"violations"`
	Evaluated   []string    `json:"evaluated"`
	EvaluatedAt time.Time   `json:"evaluated_at"`
}

// Blocking returns the violations that refuse the deploy.
func (r *Result) Blocking() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity.Blocking() {
			out = append(out, v)
		}
	}
	return out
}
