package commands

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/netsync/pkg/compiler"
	"github.com/openfroyo/netsync/pkg/drivers"
	"github.com/openfroyo/netsync/pkg/engine"
	"github.com/openfroyo/netsync/pkg/inventory"
	"github.com/openfroyo/netsync/pkg/policy"
	"github.com/openfroyo/netsync/pkg/secrets"
	"github.com/openfroyo/netsync/pkg/stores"
	"github.com/openfroyo/netsync/pkg/telemetry"
)

// app holds the components one command wires together.
type app struct {
	inv      *inventory.Inventory
	tel      *telemetry.Telemetry
	compiler *compiler.Compiler

	// store and history are only opened for commands that reconcile.
	store   stores.Store
	history stores.HistoryStore
}

// openApp loads the inventory and sets up telemetry. withStore also opens the
// configured ConfigStore.
func openApp(ctx context.Context, withStore bool) (*app, error) {
	inv, err := inventory.Load(configPath)
	if err != nil {
		return nil, err
	}

	tel, err := newTelemetry(inv)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	a := &app{
		inv:      inv,
		tel:      tel,
		compiler: compiler.New(inv),
	}

	if withStore {
		a.store, a.history, err = stores.Open(ctx, inv.StoreOptions())
		if err != nil {
			a.Close()
			return nil, engine.NewStorageError("failed to open store", err)
		}
	}

	log.Debug().
		Str("inventory", inv.Path()).
		Int("devices", len(inv.Devices)).
		Str("store", inv.Store.Type).
		Msg("Inventory loaded")

	return a, nil
}

// newTelemetry maps the inventory telemetry section onto a telemetry config.
// The log level and console format set up by main are kept.
func newTelemetry(inv *inventory.Inventory) (*telemetry.Telemetry, error) {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = buildVersion
	cfg.Logging.Level = levelName(zerolog.GlobalLevel())
	cfg.Tracing.Exporter = inv.Telemetry.Tracing
	cfg.Tracing.Endpoint = inv.Telemetry.Endpoint
	cfg.Metrics.ListenAddress = inv.Telemetry.MetricsAddr
	return telemetry.NewTelemetry(cfg)
}

func levelName(l zerolog.Level) string {
	switch l {
	case zerolog.TraceLevel, zerolog.DebugLevel, zerolog.InfoLevel,
		zerolog.WarnLevel, zerolog.ErrorLevel, zerolog.FatalLevel:
		return l.String()
	default:
		return "info"
	}
}

// Close releases the store and flushes telemetry.
func (a *app) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close store")
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.tel.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to flush telemetry")
	}
}

// newPolicyEngine builds the deploy guard: built-in policies, the inventory's
// policy paths, minus the disabled ones.
func (a *app) newPolicyEngine(ctx context.Context) (*policy.Engine, error) {
	eng, err := policy.NewEngine(a.tel.Logger.NewComponentLogger("policy").Zerolog())
	if err != nil {
		return nil, err
	}

	if len(a.inv.Policy.Paths) > 0 {
		if err := eng.LoadPolicies(ctx, a.inv.Policy.Paths); err != nil {
			return nil, engine.NewInputValidationError("failed to load policies", err)
		}
	}

	for _, name := range a.inv.Policy.Disabled {
		if err := eng.DisablePolicy(name); err != nil {
			return nil, engine.NewInputValidationError("invalid policy.disabled entry", err)
		}
	}

	return eng, nil
}

// runOptions selects what a reconciliation run does.
type runOptions struct {
	scope   engine.Scope
	devices []string
	creds   engine.Credentials
	secrets secrets.Map
	guard   engine.DeployGuard
}

// reconcile runs the fleet runner over the selected devices.
func (a *app) reconcile(ctx context.Context, out io.Writer, opts runOptions) (*engine.Report, error) {
	selected, err := a.inv.Select(opts.devices)
	if err != nil {
		return nil, err
	}

	identities := make([]engine.DeviceIdentity, len(selected))
	for i, d := range selected {
		identities[i] = d.Identity(opts.creds)
	}

	orchOpts := []engine.OrchestratorOption{engine.WithSecrets(opts.secrets)}
	if opts.guard != nil {
		orchOpts = append(orchOpts, engine.WithDeployGuard(opts.guard))
	}
	orch := engine.NewOrchestrator(a.store, drivers.NewRegistry(a.inv.DriverOptions()), orchOpts...)

	schedOpts := []engine.SchedulerOption{engine.WithResultHook(a.recordDeviceFlow)}
	if !jsonOutput {
		schedOpts = append(schedOpts, engine.WithProgress(progressPrinter(out)))
	}
	if a.history != nil {
		schedOpts = append(schedOpts, engine.WithRunRecorder(a.history))
	}
	sched := engine.NewScheduler(a.inv.Workers, a.compiler, orch, schedOpts...)

	scope := string(opts.scope)
	ctx = a.tel.WithContext(ctx)
	ctx, span := a.tel.Tracer.StartCommandSpan(ctx, scope, telemetry.AttrRunScope.String(scope))
	defer span.End()

	a.tel.Metrics.RecordRunStarted(scope)
	started := time.Now()

	report, err := sched.Run(ctx, identities, opts.scope)
	if err != nil {
		a.tel.Metrics.RecordRunCompleted(scope, string(engine.RunStatusFailed), time.Since(started))
		telemetry.RecordError(span, err)
		return nil, err
	}

	a.tel.Metrics.RecordRunCompleted(scope, string(report.Status), report.Duration)
	span.SetAttributes(telemetry.AttrRunID.String(report.RunID))
	if report.Failed() {
		telemetry.RecordError(span, ErrDevicesFailed)
	} else {
		telemetry.RecordSuccess(span)
	}

	return report, nil
}

func (a *app) recordDeviceFlow(r *engine.Result) {
	a.tel.Metrics.RecordDeviceFlow(
		string(r.Scope),
		string(r.Family),
		telemetry.Outcome(r.Changed, r.Failed),
		string(r.ErrorKind),
		r.Duration,
	)
}
