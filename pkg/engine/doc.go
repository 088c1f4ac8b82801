// Package engine provides the reconciliation engine for netsync.
//
// # Overview
//
// netsync reconciles the designed configuration of a fleet of network devices
// against the last configuration it applied to each of them, and pushes the
// design to devices when asked to. Every device goes through the same flow:
//
//  1. Render - the design compiler produces the designed text (Compiler)
//  2. Load - the stored text is read, "" on first run (ConfigStore)
//  3. Diff - a unified line diff classifies the pair (Diff)
//  4. Persist - a changed design overwrites the stored record
//  5. Deploy - in deploy scope only, and only when nothing was persisted in step 4
//
// # Staleness
//
// A deploy is refused with a KindStalenessConflict error whenever the stored
// record had to be updated in the same run. The operator reviews the diff, and
// the next deploy run finds the record in sync and proceeds. Secrets are
// substituted into the transmitted copy only; the stored record always holds
// placeholder tokens.
//
// # Drivers
//
// DeviceFamily is a closed set. Each family maps to one Driver, selected once
// per device at the start of its flow:
//
//	type Driver interface {
//	    Deploy(ctx context.Context, device DeviceIdentity, candidate string) (*DeploySession, error)
//	}
//
// A driver records every protocol step it issues in a DeploySession. A driver
// error always leaves the session failed, and a failed session is never
// reported as changed.
//
// # Errors
//
// Failures are classified by ErrorKind. KindInputValidation is returned by
// Scheduler.Run before any device flow starts and aborts the whole run. Every
// other kind is converted into the failing device's Result and does not affect
// sibling devices.
//
// # Scheduling
//
// Scheduler fans the flow out over a bounded worker pool and aggregates the
// per-device results into a Report:
//
//	orch := engine.NewOrchestrator(store, registry, engine.WithSecrets(secretMap))
//	sched := engine.NewScheduler(10, compiler, orch, engine.WithProgress(printProgress))
//	report, err := sched.Run(ctx, devices, engine.ScopeDeploy)
//	if err != nil {
//	    // fleet-wide validation failure
//	}
//	if report.Failed() {
//	    os.Exit(1)
//	}
package engine
