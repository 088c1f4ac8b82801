// Package telemetry provides observability instrumentation for netsync.
//
// It combines structured logging (zerolog), distributed tracing
// (OpenTelemetry) and metrics (Prometheus).
//
// # Usage
//
// Initialize telemetry at startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//	cfg.Tracing.Exporter = "otlp"
//	cfg.Tracing.Endpoint = "otel-collector:4317"
//	cfg.Metrics.ListenAddress = ":9464"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	if _, err := tel.Metrics.Serve(ctx); err != nil {
//	    return err
//	}
//
// NewTelemetry installs the logger as the global zerolog logger, so packages
// log through github.com/rs/zerolog/log and pick up the configured level and
// format.
//
// # Tracing
//
// The tracer is installed as the global OpenTelemetry provider. Engine code
// starts spans with otel.Tracer and tags them with the attribute keys declared
// here:
//
//	ctx, span := otel.Tracer("netsync/engine").Start(ctx, "device.reconcile")
//	defer span.End()
//	span.SetAttributes(telemetry.AttrDeviceName.String(name))
//	telemetry.RecordError(span, err)
//
// Exporters: "otlp" (gRPC), "stdout" (pretty-printed JSON) and "none".
//
// # Metrics
//
// Fleet runs and device flows are counted by scope, device family and
// outcome:
//
//	netsync_runs_started_total{scope}
//	netsync_runs_completed_total{scope,status}
//	netsync_run_duration_seconds{scope}
//	netsync_last_run_timestamp_seconds{scope}
//	netsync_active_runs
//	netsync_device_flows_total{scope,family,outcome}
//	netsync_device_flow_duration_seconds{scope,family}
//	netsync_device_errors_total{kind}
//
// Device flows are recorded from a scheduler result hook:
//
//	engine.WithResultHook(func(r *engine.Result) {
//	    tel.Metrics.RecordDeviceFlow(string(r.Scope), string(r.Family),
//	        telemetry.Outcome(r.Changed, r.Failed), string(r.ErrorKind), r.Duration)
//	})
package telemetry
