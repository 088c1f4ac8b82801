package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/openfroyo/netsync/pkg/diff"
	"github.com/openfroyo/netsync/pkg/secrets"
	"github.com/openfroyo/netsync/pkg/telemetry"
)

const tracerName = "github.com/openfroyo/netsync/pkg/engine"

// Flow steps, used as the operation of errors raised by the orchestrator.
const (
	StepRender    = "render"
	StepLoad      = "load-stored"
	StepPersist   = "persist"
	StepStaleness = "staleness-check"
	StepGuard     = "deploy-guard"
	StepDeploy    = "deploy"
)

// stalenessMessage is reported when a deploy is refused because the stored
// record had to be updated during the same run.
const stalenessMessage = "local and designed configurations diverged in this run; " +
	"review the diff and run the deploy again"

// Orchestrator runs the per-device reconciliation flow:
// load stored -> diff -> persist if changed -> (deploy scope) staleness check ->
// guard -> substitute secrets -> deploy.
//
// An Orchestrator holds no per-device state and is safe for concurrent use by
// the fleet runner.
type Orchestrator struct {
	store   ConfigStore
	drivers DriverSelector
	secrets secrets.Map
	guard   DeployGuard
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithSecrets sets the read-only secret map applied to deploy-time text.
func WithSecrets(m secrets.Map) OrchestratorOption {
	return func(o *Orchestrator) {
		o.secrets = m
	}
}

// WithDeployGuard sets a guard consulted before any driver is invoked.
func WithDeployGuard(g DeployGuard) OrchestratorOption {
	return func(o *Orchestrator) {
		o.guard = g
	}
}

// NewOrchestrator creates an orchestrator over store and drivers.
func NewOrchestrator(store ConfigStore, drivers DriverSelector, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		store:   store,
		drivers: drivers,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Diff compares a stored and a designed configuration.
func Diff(stored, designed string) DiffResult {
	res := diff.Compute(stored, designed)
	return DiffResult{Changed: res.Changed, DiffText: res.Text}
}

// Reconcile runs the flow for one device. Every failure is converted into the
// returned result; Reconcile never returns nil.
func (o *Orchestrator) Reconcile(ctx context.Context, device DeviceIdentity, rendered string, scope Scope) *Result {
	result := &Result{
		Device:    device.Name,
		Family:    device.Family,
		Scope:     scope,
		StartedAt: time.Now(),
	}
	defer func() {
		result.Duration = time.Since(result.StartedAt)
	}()

	ctx, span := otel.Tracer(tracerName).Start(ctx, "device.reconcile")
	defer span.End()
	span.SetAttributes(
		telemetry.AttrDeviceName.String(device.Name),
		telemetry.AttrDeviceFamily.String(string(device.Family)),
		telemetry.AttrRunScope.String(string(scope)),
	)

	logger := telemetry.FromContext(ctx).
		WithDevice(device.Name, string(device.Family)).
		Zerolog().With().
		Str("scope", string(scope)).
		Logger()

	if err := scope.Validate(); err != nil {
		result.fail(NewInternalError("invalid scope", err).WithDevice(device.Name))
		telemetry.RecordError(span, result.Err)
		return result
	}

	// The driver is bound before any I/O so dispatch cannot change mid-flow.
	var driver Driver
	if scope == ScopeDeploy {
		driver = o.drivers.DriverFor(device.Family)
	}

	stored, err := o.store.Load(ctx, device.Name)
	if err != nil {
		result.fail(asError(err, KindStorage, "failed to load stored configuration").
			WithDevice(device.Name).WithOperation(StepLoad))
		telemetry.RecordError(span, result.Err)
		logger.Error().Err(err).Msg("Failed to load stored configuration")
		return result
	}

	d := Diff(stored, rendered)
	result.Changed = d.Changed
	result.DiffText = d.DiffText
	span.SetAttributes(attribute.Bool("diff.changed", d.Changed))

	if d.Changed {
		if err := o.store.Save(ctx, device.Name, rendered); err != nil {
			result.fail(asError(err, KindStorage, "failed to persist designed configuration").
				WithDevice(device.Name).WithOperation(StepPersist))
			telemetry.RecordError(span, result.Err)
			logger.Error().Err(err).Msg("Failed to persist designed configuration")
			return result
		}
		result.Persisted = true
		logger.Info().Int("bytes", len(rendered)).Msg("Stored configuration updated")
	} else {
		logger.Debug().Msg("Stored configuration is up to date")
	}

	if scope == ScopeLocalOnly {
		result.Message = localMessage(d)
		telemetry.RecordSuccess(span)
		return result
	}

	if d.Changed {
		result.fail(NewStalenessConflictError(stalenessMessage).
			WithDevice(device.Name).WithOperation(StepStaleness))
		telemetry.RecordError(span, result.Err)
		logger.Warn().Msg("Deploy refused: stored configuration was stale")
		return result
	}

	if o.guard != nil {
		if err := o.guard.Allow(ctx, device, rendered); err != nil {
			result.fail(asError(err, KindPolicyDenied, "deploy denied by policy").
				WithDevice(device.Name).WithOperation(StepGuard))
			telemetry.RecordError(span, result.Err)
			logger.Warn().Err(err).Msg("Deploy denied by policy")
			return result
		}
	}

	if driver == nil {
		result.fail(NewUnsupportedFamilyError(device.Family).WithDevice(device.Name).WithOperation(StepDeploy))
		telemetry.RecordError(span, result.Err)
		return result
	}

	candidate := secrets.Substitute(rendered, o.secrets)

	logger.Info().Int("bytes", len(candidate)).Msg("Deploying configuration")
	session, err := driver.Deploy(ctx, device, candidate)
	result.Session = session
	if err != nil {
		result.fail(asError(err, KindTransport, "deployment failed").
			WithDevice(device.Name).WithOperation(StepDeploy))
		telemetry.RecordError(span, result.Err)
		logger.Error().Err(err).Msg("Deployment failed")
		return result
	}

	result.Changed = session.Status == DeployStatusChanged
	result.DiffText = session.DiffText
	result.Message = deployMessage(session)
	span.SetAttributes(attribute.String("deploy.status", string(session.Status)))
	telemetry.RecordSuccess(span)
	logger.Info().Str("status", string(session.Status)).Msg("Deployment completed")

	return result
}

// asError returns err if it is already classified, otherwise wraps it.
func asError(err error, kind ErrorKind, message string) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return newError(kind, message, err)
}

func localMessage(d DiffResult) string {
	if d.Changed {
		return "stored configuration updated"
	}
	return "no changes"
}

func deployMessage(s *DeploySession) string {
	switch s.Status {
	case DeployStatusChanged:
		return "configuration committed"
	case DeployStatusSuccess:
		return "device already in sync"
	default:
		return fmt.Sprintf("deploy finished with status %q", s.Status)
	}
}
