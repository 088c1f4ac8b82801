package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in deploy policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		emptyConfigPolicy(),
		unrenderedValuesPolicy(),
		trailingWhitespacePolicy(),
	}
}

// emptyConfigPolicy refuses to push an empty configuration.
func emptyConfigPolicy() Policy {
	return Policy{
		Name:        "empty-config",
		Description: "Refuses to deploy a configuration with no content",
		Severity:    SeverityCritical,
		Enabled:     true,
		Builtin:     true,
		LoadedAt:    time.Now(),
		Rego: `package netsync.builtin.empty

import rego.v1

deny contains msg if {
	trim_space(input.config) == ""
	msg := sprintf("rendered configuration for %s is empty", [input.device.name])
}
`,
	}
}

// unrenderedValuesPolicy catches template output that still carries
// placeholders of the renderer itself.
func unrenderedValuesPolicy() Policy {
	return Policy{
		Name:        "unrendered-values",
		Description: "Refuses configurations that contain missing template values or template syntax",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		LoadedAt:    time.Now(),
		Rego: `package netsync.builtin.unrendered

import rego.v1

deny contains msg if {
	some i
	line := input.lines[i]
	contains(line, "<no value>")
	msg := sprintf("line %d has a missing template value: %s", [i + 1, trim_space(line)])
}

deny contains msg if {
	some i
	line := input.lines[i]
	contains(line, "{{")
	msg := sprintf("line %d has unrendered template syntax: %s", [i + 1, trim_space(line)])
}
`,
	}
}

// trailingWhitespacePolicy flags lines with trailing blanks, which some
// device parsers treat as part of the value.
func trailingWhitespacePolicy() Policy {
	return Policy{
		Name:        "trailing-whitespace",
		Description: "Warns about lines ending in whitespace",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		LoadedAt:    time.Now(),
		Rego: `package netsync.builtin.whitespace

import rego.v1

deny contains msg if {
	some i
	line := input.lines[i]
	line != trim_right(line, " \t")
	msg := sprintf("line %d ends in whitespace", [i + 1])
}
`,
	}
}
