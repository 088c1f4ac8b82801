package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/openfroyo/netsync/pkg/telemetry"
)

// DefaultMaxParallel is the worker count used when none is configured.
const DefaultMaxParallel = 10

// ProgressFunc is called once per device when its flow completes.
// done counts completed devices including this one.
type ProgressFunc func(done, total int, result *Result)

// RunRecorder persists the aggregate report of a run.
type RunRecorder interface {
	RecordRun(ctx context.Context, report *Report) error
}

// Scheduler fans the reconciliation flow out over a fleet with a bounded worker
// pool and aggregates the per-device results into a Report.
// Device flows share nothing except the orchestrator's read-only configuration.
type Scheduler struct {
	// maxParallel is the maximum number of concurrent device flows
	maxParallel int

	compiler     Compiler
	orchestrator *Orchestrator

	progress ProgressFunc
	hooks    []func(*Result)
	recorder RunRecorder

	// mu serializes progress reporting
	mu sync.Mutex
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithProgress sets the per-device progress callback.
func WithProgress(fn ProgressFunc) SchedulerOption {
	return func(s *Scheduler) {
		s.progress = fn
	}
}

// WithResultHook adds a function invoked with every per-device result.
func WithResultHook(fn func(*Result)) SchedulerOption {
	return func(s *Scheduler) {
		s.hooks = append(s.hooks, fn)
	}
}

// WithRunRecorder persists every completed run report.
func WithRunRecorder(r RunRecorder) SchedulerOption {
	return func(s *Scheduler) {
		s.recorder = r
	}
}

// NewScheduler creates a new fleet scheduler.
func NewScheduler(maxParallel int, compiler Compiler, orchestrator *Orchestrator, opts ...SchedulerOption) *Scheduler {
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallel
	}

	s := &Scheduler{
		maxParallel:  maxParallel,
		compiler:     compiler,
		orchestrator: orchestrator,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run validates the fleet design once, then reconciles every device.
//
// A validation failure aborts the run before any device flow starts and is the
// only error returned. Per-device failures are recorded in the report.
// Results are in the order of devices.
func (s *Scheduler) Run(ctx context.Context, devices []DeviceIdentity, scope Scope) (*Report, error) {
	if err := scope.Validate(); err != nil {
		return nil, NewInputValidationError("invalid run scope", err)
	}

	if err := s.compiler.Validate(ctx); err != nil {
		return nil, asError(err, KindInputValidation, "fleet design validation failed")
	}

	report := &Report{
		RunID:     uuid.New().String(),
		Scope:     scope,
		Status:    RunStatusRunning,
		StartedAt: time.Now(),
		Results:   make([]*Result, len(devices)),
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "run.execute")
	defer span.End()
	span.SetAttributes(
		telemetry.AttrRunID.String(report.RunID),
		telemetry.AttrRunScope.String(string(scope)),
		attribute.Int("run.devices", len(devices)),
	)

	runLogger := telemetry.FromContext(ctx).WithRunID(report.RunID)
	ctx = runLogger.WithContext(ctx)

	logger := runLogger.Zerolog().With().Str("scope", string(scope)).Logger()
	logger.Info().
		Int("devices", len(devices)).
		Int("workers", s.maxParallel).
		Str("trace_id", telemetry.TraceID(ctx)).
		Msg("Run started")

	s.executeParallel(ctx, devices, scope, report)

	report.CompletedAt = time.Now()
	report.Duration = report.CompletedAt.Sub(report.StartedAt)
	report.Summary = calculateRunSummary(report.Results)
	report.Status = runStatus(ctx, report.Summary)
	span.SetAttributes(telemetry.AttrRunStatus.String(string(report.Status)))

	if s.recorder != nil {
		if err := s.recorder.RecordRun(ctx, report); err != nil {
			logger.Warn().Err(err).Msg("Failed to record run history")
		}
	}

	logger.Info().
		Str("status", string(report.Status)).
		Int("changed", report.Summary.Changed).
		Int("unchanged", report.Summary.Unchanged).
		Int("failed", report.Summary.Failed).
		Dur("duration", report.Duration).
		Msg("Run completed")

	return report, nil
}

// executeParallel runs every device flow using a worker pool.
func (s *Scheduler) executeParallel(ctx context.Context, devices []DeviceIdentity, scope Scope, report *Report) {
	workerCount := s.maxParallel
	if len(devices) < workerCount {
		workerCount = len(devices)
	}

	workQueue := make(chan int, len(devices))
	for i := range devices {
		workQueue <- i
	}
	close(workQueue)

	var wg sync.WaitGroup
	done := 0

	for w := 0; w < workerCount; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for i := range workQueue {
				var result *Result
				select {
				case <-ctx.Done():
					result = cancelledResult(devices[i], scope, ctx.Err())
				default:
					result = s.executeDevice(ctx, devices[i], scope)
				}

				// Each index is written by exactly one worker.
				report.Results[i] = result

				for _, hook := range s.hooks {
					hook(result)
				}

				s.mu.Lock()
				done++
				if s.progress != nil {
					s.progress(done, len(devices), result)
				}
				s.mu.Unlock()
			}
		}()
	}

	wg.Wait()
}

// executeDevice renders and reconciles one device. A panic inside the flow is
// converted into a failed result for that device only.
func (s *Scheduler) executeDevice(ctx context.Context, device DeviceIdentity, scope Scope) (result *Result) {
	startedAt := time.Now()
	logger := telemetry.FromContext(ctx).WithDevice(device.Name, string(device.Family)).Zerolog()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Str("stack", string(debug.Stack())).
				Msgf("Device flow panicked: %v", r)
			result = &Result{
				Device:    device.Name,
				Family:    device.Family,
				Scope:     scope,
				StartedAt: startedAt,
				Duration:  time.Since(startedAt),
			}
			result.fail(NewInternalError(fmt.Sprintf("device flow panicked: %v", r), nil).
				WithDevice(device.Name))
		}
	}()

	rendered, err := s.compiler.Render(ctx, device)
	if err != nil {
		result = &Result{
			Device:    device.Name,
			Family:    device.Family,
			Scope:     scope,
			StartedAt: startedAt,
			Duration:  time.Since(startedAt),
		}
		result.fail(asError(err, KindRender, "failed to render configuration").
			WithDevice(device.Name).WithOperation(StepRender))
		logger.Error().Err(err).Msg("Failed to render configuration")
		return result
	}

	return s.orchestrator.Reconcile(ctx, device, rendered, scope)
}

func cancelledResult(device DeviceIdentity, scope Scope, cause error) *Result {
	result := &Result{
		Device:    device.Name,
		Family:    device.Family,
		Scope:     scope,
		StartedAt: time.Now(),
	}
	return result.fail(NewInternalError("run cancelled before device flow started", cause).
		WithDevice(device.Name))
}

// calculateRunSummary counts device outcomes.
func calculateRunSummary(results []*Result) RunSummary {
	summary := RunSummary{Total: len(results)}
	for _, r := range results {
		switch {
		case r == nil || r.Failed:
			summary.Failed++
		case r.Changed:
			summary.Changed++
		default:
			summary.Unchanged++
		}
	}
	return summary
}

// runStatus derives the final run status from the summary.
func runStatus(ctx context.Context, summary RunSummary) RunStatus {
	switch {
	case ctx.Err() != nil:
		return RunStatusCancelled
	case summary.Failed == 0:
		return RunStatusSucceeded
	case summary.Failed == summary.Total:
		return RunStatusFailed
	default:
		return RunStatusPartial
	}
}
