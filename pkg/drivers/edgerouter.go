package drivers

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/openfroyo/netsync/pkg/engine"
	"github.com/openfroyo/netsync/pkg/telemetry"
	sshtransport "github.com/openfroyo/netsync/pkg/transports/ssh"
)

// Interactive shell protocol states.
const (
	StateConnected       = "connected"
	StateConfigWritten   = "config-written"
	StateConfigureMode   = "configure-mode"
	StateLoaded          = "loaded"
	StateCompareCaptured = "compare-captured"
	StateSaved           = "saved"
	StateExited          = "exited"
)

const (
	// DefaultStagingPath is the device-local file holding the candidate.
	DefaultStagingPath = "/tmp/netsync-candidate.boot"

	// NoChangesMarker is printed by compare when the working configuration
	// equals the active one.
	NoChangesMarker = "No changes between working and active configurations."

	heredocDelimiter = "NETSYNC_EOF"
	editMarker       = "[edit]"
)

// failureMarkers are matched case-insensitively against load, commit and save
// responses.
var failureMarkers = []string{"failed", "error", "invalid", "not valid"}

// heredocEscaper escapes the characters an unquoted heredoc body interprets.
var heredocEscaper = strings.NewReplacer(`\`, `\\`, `$`, `\$`, "`", "\\`")

// ShellSession is an interactive device shell.
type ShellSession interface {
	// Run issues one command and returns its output without the prompt.
	Run(ctx context.Context, cmd string) (string, error)
	Close() error
}

// Uploader is implemented by shell sessions that can write and hash files out
// of band.
type Uploader interface {
	Upload(ctx context.Context, content []byte, remotePath string) error
	Checksum(ctx context.Context, remotePath string) (string, error)
}

// ShellDialer opens a shell session on a device.
type ShellDialer interface {
	Dial(ctx context.Context, device engine.DeviceIdentity) (ShellSession, error)
}

// ShellDialerFunc adapts a function to ShellDialer.
type ShellDialerFunc func(ctx context.Context, device engine.DeviceIdentity) (ShellSession, error)

// Dial calls f(ctx, device).
func (f ShellDialerFunc) Dial(ctx context.Context, device engine.DeviceIdentity) (ShellSession, error) {
	return f(ctx, device)
}

// InteractiveShellDriver deploys to EdgeRouter-style devices: the candidate is
// staged on the device, loaded in configure mode, compared, committed and saved.
// Device responses are inspected for failure markers by substring.
type InteractiveShellDriver struct {
	dialer      ShellDialer
	stagingPath string
	stagingMode StagingMode
}

var _ engine.Driver = (*InteractiveShellDriver)(nil)

// ShellDriverOption configures an InteractiveShellDriver.
type ShellDriverOption func(*InteractiveShellDriver)

// WithStagingPath sets the device-local staging file.
func WithStagingPath(path string) ShellDriverOption {
	return func(d *InteractiveShellDriver) {
		if path != "" {
			d.stagingPath = path
		}
	}
}

// WithStagingMode selects heredoc or sftp staging.
func WithStagingMode(mode StagingMode) ShellDriverOption {
	return func(d *InteractiveShellDriver) {
		if mode != "" {
			d.stagingMode = mode
		}
	}
}

// NewInteractiveShellDriver creates an interactive shell driver.
func NewInteractiveShellDriver(dialer ShellDialer, opts ...ShellDriverOption) *InteractiveShellDriver {
	d := &InteractiveShellDriver{
		dialer:      dialer,
		stagingPath: DefaultStagingPath,
		stagingMode: StagingHeredoc,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// shellDeploy carries the state of one Deploy call.
type shellDeploy struct {
	ctx     context.Context
	shell   ShellSession
	session *engine.DeploySession
	device  engine.DeviceIdentity
	logger  zerolog.Logger
}

// run issues cmd, records it under label and returns the response without
// configure-mode edit markers.
func (s *shellDeploy) run(state, label, cmd string) (string, error) {
	out, err := s.shell.Run(s.ctx, cmd)
	if err != nil {
		s.session.RecordError(state, label, err)
		return "", engine.NewTransportError("shell command failed", err).
			WithDevice(s.device.Name).WithOperation(label)
	}

	out = stripEditMarkers(out)
	s.session.Record(state, label, out)
	return out, nil
}

// runChecked is run followed by failure marker inspection of the response.
func (s *shellDeploy) runChecked(state, cmd, message string) (string, error) {
	out, err := s.run(state, cmd, cmd)
	if err != nil {
		return "", err
	}
	if containsFailureMarker(out) {
		return out, engine.NewDeviceRejectionError(message, out).
			WithDevice(s.device.Name).WithOperation(cmd)
	}
	return out, nil
}

// Deploy pushes candidate as the full configuration of the device.
func (d *InteractiveShellDriver) Deploy(ctx context.Context, device engine.DeviceIdentity, candidate string) (*engine.DeploySession, error) {
	session := engine.NewDeploySession(device)

	ctx, span := otel.Tracer(tracerName).Start(ctx, "driver.interactive-shell")
	defer span.End()
	span.SetAttributes(
		telemetry.AttrDeviceName.String(device.Name),
		attribute.String("staging.mode", string(d.stagingMode)),
	)

	logger := log.With().Str("device", device.Name).Str("driver", "interactive-shell").Logger()

	shell, err := d.dialer.Dial(ctx, device)
	if err != nil {
		session.RecordError(StateFailed, "connect", err)
		e := engine.NewTransportError("failed to open device shell", err).
			WithDevice(device.Name).WithOperation("connect")
		telemetry.RecordError(span, e)
		return session.Fail(), e
	}
	defer func() {
		if err := shell.Close(); err != nil {
			logger.Debug().Err(err).Msg("Failed to close device shell")
		}
	}()

	s := &shellDeploy{ctx: ctx, shell: shell, session: session, device: device, logger: logger}

	diffText, err := d.deploy(s, candidate)
	if err != nil {
		telemetry.RecordError(span, err)
		logger.Error().Err(err).Str("state", session.LastState()).Msg("Deployment failed")
		return session.Fail(), err
	}

	session.Finish(diffText)
	span.SetAttributes(attribute.Bool("deploy.changed", session.Status == engine.DeployStatusChanged))
	telemetry.RecordSuccess(span)
	logger.Info().Str("status", string(session.Status)).Msg("Configuration committed")

	return session, nil
}

// deploy runs the protocol and returns the compare output when it differs from
// the no-change marker.
func (d *InteractiveShellDriver) deploy(s *shellDeploy, candidate string) (string, error) {
	if _, err := s.run(StateConnected, "export VYATTA_PAGER=cat", "export VYATTA_PAGER=cat"); err != nil {
		return "", err
	}

	content := stagedContent(candidate)
	if err := d.stage(s, content); err != nil {
		return "", err
	}
	if err := d.verify(s, content); err != nil {
		return "", err
	}

	if _, err := s.run(StateConfigureMode, "configure", "configure"); err != nil {
		return "", err
	}

	diffText, err := d.configure(s)
	if err != nil {
		d.discard(s)
		return "", err
	}

	if _, err := s.run(StateExited, "exit", "exit"); err != nil {
		// Already committed and saved.
		s.logger.Warn().Err(err).Msg("Failed to leave configure mode")
	}

	return diffText, nil
}

// configure runs the configure-mode steps: load, compare, commit, save.
func (d *InteractiveShellDriver) configure(s *shellDeploy) (string, error) {
	if _, err := s.runChecked(StateLoaded, "load "+d.stagingPath, "device rejected the candidate configuration"); err != nil {
		return "", err
	}

	compare, err := s.run(StateCompareCaptured, "compare", "compare")
	if err != nil {
		return "", err
	}

	if _, err := s.runChecked(StateCommitted, "commit", "device rejected the commit"); err != nil {
		return "", err
	}

	if _, err := s.runChecked(StateSaved, "save", "device failed to save the configuration"); err != nil {
		return "", err
	}

	if !compareChanged(compare) {
		return "", nil
	}
	return compare, nil
}

// stage writes content to the staging path.
func (d *InteractiveShellDriver) stage(s *shellDeploy, content string) error {
	label := "stage " + d.stagingPath

	switch d.stagingMode {
	case StagingSFTP:
		uploader, ok := s.shell.(Uploader)
		if !ok {
			err := fmt.Errorf("shell session does not support file upload")
			s.session.RecordError(StateConfigWritten, label, err)
			return engine.NewTransportError("sftp staging unavailable", err).
				WithDevice(s.device.Name).WithOperation(label)
		}
		if err := uploader.Upload(s.ctx, []byte(content), d.stagingPath); err != nil {
			s.session.RecordError(StateConfigWritten, label, err)
			return engine.NewTransportError("failed to upload candidate", err).
				WithDevice(s.device.Name).WithOperation(label)
		}
		s.session.Record(StateConfigWritten, label, "")
		return nil

	default:
		cmd, err := heredocCommand(d.stagingPath, content)
		if err != nil {
			s.session.RecordError(StateConfigWritten, label, err)
			return engine.NewInternalError("failed to build staging command", err).
				WithDevice(s.device.Name).WithOperation(label)
		}
		_, err = s.run(StateConfigWritten, label, cmd)
		return err
	}
}

// verify compares the digest of the staged file with the local candidate.
// SFTP staging hashes over the uploader; heredoc staging runs sha256sum in
// the shell.
func (d *InteractiveShellDriver) verify(s *shellDeploy, content string) error {
	cmd := "sha256sum " + sshtransport.ShellQuote(d.stagingPath)

	var got string
	if uploader, ok := s.shell.(Uploader); ok && d.stagingMode == StagingSFTP {
		var err error
		got, err = uploader.Checksum(s.ctx, d.stagingPath)
		if err != nil {
			s.session.RecordError(StateConfigWritten, cmd, err)
			return engine.NewTransportError("failed to checksum staged configuration", err).
				WithDevice(s.device.Name).WithOperation(cmd)
		}
		s.session.Record(StateConfigWritten, cmd, got)
	} else {
		out, err := s.run(StateConfigWritten, cmd, cmd)
		if err != nil {
			return err
		}
		got, err = sshtransport.ParseChecksum(out)
		if err != nil {
			return engine.NewTransportError("staged configuration failed verification", err).
				WithDevice(s.device.Name).WithOperation(cmd)
		}
	}

	if want := sshtransport.Checksum([]byte(content)); got != want {
		return engine.NewTransportError("staged configuration failed verification",
			fmt.Errorf("expected %s, got %s", want, got)).
			WithDevice(s.device.Name).WithOperation(cmd)
	}
	return nil
}

// discard leaves configure mode without committing. Errors are logged only.
func (d *InteractiveShellDriver) discard(s *shellDeploy) {
	if _, err := s.run(StateFailed, "exit discard", "exit discard"); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to discard working configuration")
	}
}

// stagedContent normalizes candidate to end with exactly one newline, which is
// what a heredoc writes.
func stagedContent(candidate string) string {
	if candidate == "" {
		return ""
	}
	return strings.TrimRight(candidate, "\n") + "\n"
}

// heredocCommand builds a shell command writing content to path.
func heredocCommand(path, content string) (string, error) {
	for _, line := range strings.Split(content, "\n") {
		if line == heredocDelimiter {
			return "", fmt.Errorf("candidate contains the heredoc delimiter %q", heredocDelimiter)
		}
	}

	var b strings.Builder
	b.WriteString("cat > ")
	b.WriteString(sshtransport.ShellQuote(path))
	b.WriteString(" << ")
	b.WriteString(heredocDelimiter)
	b.WriteString("\n")
	b.WriteString(heredocEscaper.Replace(content))
	b.WriteString(heredocDelimiter)
	return b.String(), nil
}

// containsFailureMarker reports whether a device response signals failure.
func containsFailureMarker(response string) bool {
	lower := strings.ToLower(response)
	for _, marker := range failureMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// compareChanged reports whether compare output describes a change.
func compareChanged(output string) bool {
	output = strings.TrimSpace(output)
	return output != "" && output != NoChangesMarker
}

// stripEditMarkers removes the "[edit]" lines printed before configure-mode
// prompts.
func stripEditMarkers(out string) string {
	lines := strings.Split(out, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.TrimSpace(line) == editMarker {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Trim(strings.Join(kept, "\n"), "\n")
}
