// Package drivers implements the deployment protocols of each device family.
//
// Every driver creates a fresh engine.DeploySession per Deploy call, records
// each protocol step it issues and returns a terminal status:
//
//   - SessionCommitDriver pushes the candidate through an EOS configuration
//     session over eAPI as one batch and commits it atomically.
//   - InteractiveShellDriver stages the candidate on an EdgeRouter-style device
//     over an SSH shell, loads it in configure mode, compares and commits.
//   - NullDriver refuses every deployment.
//
// Registry maps device families to drivers and implements
// engine.DriverSelector.
package drivers
