// Package policy provides the Open Policy Agent (OPA) deploy guard for netsync.
//
// The guard runs after the staleness check and before any driver is invoked.
// Every enabled policy is evaluated against the rendered configuration of the
// device, before secret substitution, so policies never see secret values.
//
// # Input
//
// Policies receive the following document as input:
//
//	{
//	  "device": {"name": "leaf1", "family": "session-commit", "host": "10.0.0.1"},
//	  "config": "hostname leaf1\n...",
//	  "lines":  ["hostname leaf1", "..."]
//	}
//
// # Writing policies
//
// Violations are read from the deny set of the module's package. Members are
// either a message string, reported with the policy's severity, or an object
// carrying its own severity:
//
//	package netsync.deploy
//
//	import rego.v1
//
//	# Lab devices may not carry production SNMP communities
//	deny contains msg if {
//	    startswith(input.device.name, "lab-")
//	    some line in input.lines
//	    contains(line, "snmp-server community prod")
//	    msg := "production community on a lab device"
//	}
//
//	deny contains {"message": "interface shut down", "severity": "warning"} if {
//	    some line in input.lines
//	    trim_space(line) == "shutdown"
//	}
//
// Policies loaded from .rego files default to severity error; a
// "# severity: warning" line in the leading comment block overrides it. The
// rest of that block becomes the policy description. A .json file holds a
// Policy object with its Rego module inline. Files ending in _test.rego are
// skipped, and a malformed policy file fails the whole load.
//
// Error and critical violations refuse the deploy with a policy-denied error.
// Warnings and info violations are logged. An evaluation error refuses the
// deploy.
//
// # Built-in policies
//
//   - empty-config: the rendered configuration is blank (critical)
//   - unrendered-values: "<no value>" or "{{" left in the output (error)
//   - trailing-whitespace: lines ending in blanks (warning)
//
// Built-ins survive reloads and can be switched off with DisablePolicy.
//
// # Hot reload
//
// Loader.Watch follows policy files and directories with fsnotify and calls
// back with the reloaded set, debounced by 500ms:
//
//	loader := policy.NewLoader(logger)
//	err := loader.Watch(ctx, paths, func(p []policy.Policy) error {
//	    return eng.ReplacePolicies(ctx, p)
//	})
package policy
