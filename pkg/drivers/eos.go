package drivers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/openfroyo/netsync/pkg/engine"
	"github.com/openfroyo/netsync/pkg/telemetry"
	"github.com/openfroyo/netsync/pkg/transports/eapi"
)

const tracerName = "github.com/openfroyo/netsync/pkg/drivers"

// Session commit protocol states.
const (
	StateSessionOpen     = "session-open"
	StateRollbackPending = "rollback-pending"
	StateConfigLoaded    = "config-loaded"
	StateDiffCaptured    = "diff-captured"
	StateCommitted       = "committed"
	StateAborted         = "aborted"
)

// diffIndex is the position of "show session-config diffs" in the batch.
const diffIndex = 4

// CommandRunner executes eAPI command batches against one device.
type CommandRunner interface {
	RunCmds(ctx context.Context, cmds []eapi.Command, format string) ([]eapi.Result, error)
	Close()
}

// EAPIDialer creates a CommandRunner for a device.
type EAPIDialer interface {
	Dial(device engine.DeviceIdentity) (CommandRunner, error)
}

// EAPIDialerFunc adapts a function to EAPIDialer.
type EAPIDialerFunc func(device engine.DeviceIdentity) (CommandRunner, error)

// Dial calls f(device).
func (f EAPIDialerFunc) Dial(device engine.DeviceIdentity) (CommandRunner, error) {
	return f(device)
}

// NewEAPIDialer returns a dialer building eapi clients from device connection
// attributes and opts.
func NewEAPIDialer(opts Options) EAPIDialer {
	return EAPIDialerFunc(func(device engine.DeviceIdentity) (CommandRunner, error) {
		conn := device.Connection
		if conn == nil {
			return nil, fmt.Errorf("device %s has no connection attributes", device.Name)
		}

		cfg := eapi.DefaultConfig(conn.Host, conn.Credentials.Username, conn.Credentials.Password)
		cfg.Port = firstPositive(conn.Port, opts.EAPIPort, eapi.DefaultPort)
		cfg.VerifyTLS = opts.VerifyTLS
		cfg.CAFile = opts.CAFile
		if opts.Timeout > 0 {
			cfg.Timeout = opts.Timeout
		}

		return eapi.NewClient(cfg)
	})
}

// SessionCommitDriver deploys through an EOS configuration session. The whole
// protocol is sent as one batch, so a fault anywhere fails the deployment and
// nothing is committed.
type SessionCommitDriver struct {
	dialer EAPIDialer
}

var _ engine.Driver = (*SessionCommitDriver)(nil)

// NewSessionCommitDriver creates a session commit driver.
func NewSessionCommitDriver(dialer EAPIDialer) *SessionCommitDriver {
	return &SessionCommitDriver{dialer: dialer}
}

// sessionCommands builds the batch: open the session, replace its contents with
// the candidate, capture the diff and commit.
func sessionCommands(name, candidate string) []eapi.Command {
	return []eapi.Command{
		{Cmd: "enable"},
		{Cmd: "configure session " + name},
		{Cmd: "rollback clean-config"},
		{Cmd: "copy terminal: session-config", Input: candidate},
		{Cmd: "show session-config diffs"},
		{Cmd: "commit"},
	}
}

var sessionStates = []string{
	StateSessionOpen,
	StateSessionOpen,
	StateRollbackPending,
	StateConfigLoaded,
	StateDiffCaptured,
	StateCommitted,
}

// Deploy pushes candidate as the full configuration of the device.
func (d *SessionCommitDriver) Deploy(ctx context.Context, device engine.DeviceIdentity, candidate string) (*engine.DeploySession, error) {
	session := engine.NewDeploySession(device)

	ctx, span := otel.Tracer(tracerName).Start(ctx, "driver.session-commit")
	defer span.End()
	span.SetAttributes(telemetry.AttrDeviceName.String(device.Name))

	logger := log.With().Str("device", device.Name).Str("driver", "session-commit").Logger()

	client, err := d.dialer.Dial(device)
	if err != nil {
		session.RecordError(StateAborted, "connect", err)
		e := engine.NewTransportError("failed to create eAPI client", err).WithDevice(device.Name)
		telemetry.RecordError(span, e)
		return session.Fail(), e
	}
	defer client.Close()

	name := "netsync-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
	cmds := sessionCommands(name, candidate)

	logger.Debug().Str("session", name).Int("bytes", len(candidate)).Msg("Sending configuration session batch")

	results, err := client.RunCmds(ctx, cmds, eapi.FormatText)
	if err != nil {
		session.RecordError(StateAborted, "runCmds", err)
		e := classifyEAPIError(device, err)
		if engine.IsDeviceRejection(e) {
			d.abort(ctx, client, name, session)
		}
		telemetry.RecordError(span, e)
		logger.Error().Err(err).Msg("Configuration session failed")
		return session.Fail(), e
	}

	for i, cmd := range cmds {
		session.Record(sessionStates[i], cmd.Cmd, results[i].Output)
	}

	diffText := results[diffIndex].Output
	session.Finish(diffText)

	span.SetAttributes(attribute.Bool("deploy.changed", session.Status == engine.DeployStatusChanged))
	telemetry.RecordSuccess(span)
	logger.Info().Str("status", string(session.Status)).Msg("Configuration session committed")

	return session, nil
}

// abort discards a pending named session after a device-side failure.
func (d *SessionCommitDriver) abort(ctx context.Context, client CommandRunner, name string, session *engine.DeploySession) {
	cmds := eapi.Cmds("enable", "configure session "+name+" abort")
	if _, err := client.RunCmds(ctx, cmds, eapi.FormatText); err != nil {
		session.RecordError(StateAborted, cmds[1].Cmd, err)
		log.Warn().Err(err).Str("session", name).Msg("Failed to abort configuration session")
		return
	}
	session.Record(StateAborted, cmds[1].Cmd, "")
}

// classifyEAPIError maps RPC errors to device rejections and everything else to
// transport failures.
func classifyEAPIError(device engine.DeviceIdentity, err error) *engine.Error {
	var rpcErr *eapi.RPCError
	if errors.As(err, &rpcErr) {
		return engine.NewDeviceRejectionError("device rejected the configuration session", rpcErr.Error()).
			WithDevice(device.Name).WithOperation("runCmds")
	}
	return engine.NewTransportError("eAPI request failed", err).
		WithDevice(device.Name).WithOperation("runCmds")
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
