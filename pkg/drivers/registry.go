package drivers

import (
	"fmt"
	"sync"
	"time"

	"github.com/openfroyo/netsync/pkg/engine"
)

// Shared step states.
const (
	StateFailed = "failed"
)

// StagingMode selects how the interactive shell driver writes the candidate to
// the device.
type StagingMode string

const (
	// StagingHeredoc writes the candidate through the shell with a heredoc.
	StagingHeredoc StagingMode = "heredoc"

	// StagingSFTP uploads the candidate over SFTP.
	StagingSFTP StagingMode = "sftp"
)

// Validate checks if the staging mode is known.
func (m StagingMode) Validate() error {
	switch m {
	case StagingHeredoc, StagingSFTP:
		return nil
	default:
		return fmt.Errorf("invalid staging mode: %q", string(m))
	}
}

// Options configures the drivers built by NewRegistry.
type Options struct {
	// VerifyTLS enables certificate verification for eAPI.
	VerifyTLS bool

	// CAFile is an optional CA bundle for eAPI certificate verification.
	CAFile string

	// Timeout bounds connection setup and each command round-trip.
	Timeout time.Duration

	// EAPIPort and SSHPort are used when a device does not set a port.
	EAPIPort int
	SSHPort  int

	// StagingPath is the device-local file the candidate is written to.
	StagingPath string

	// StagingMode selects heredoc or sftp staging.
	StagingMode StagingMode

	// KnownHostsPath enables SSH host key verification when set.
	KnownHostsPath string

	// ShellEcho declares that interactive shells echo input lines.
	ShellEcho bool
}

// DefaultOptions returns driver options with defaults.
func DefaultOptions() Options {
	return Options{
		Timeout:     60 * time.Second,
		EAPIPort:    443,
		SSHPort:     22,
		StagingPath: DefaultStagingPath,
		StagingMode: StagingHeredoc,
	}
}

// Registry maps device families to drivers. Families without a registered
// driver get a NullDriver.
type Registry struct {
	mu       sync.RWMutex
	drivers  map[engine.DeviceFamily]engine.Driver
	fallback engine.Driver
}

var _ engine.DriverSelector = (*Registry)(nil)

// NewRegistry creates a registry with the built-in driver for every family.
func NewRegistry(opts Options) *Registry {
	r := &Registry{
		drivers:  make(map[engine.DeviceFamily]engine.Driver),
		fallback: NullDriver{},
	}
	r.Register(engine.FamilySessionCommit, NewSessionCommitDriver(NewEAPIDialer(opts)))
	r.Register(engine.FamilyInteractiveShell, NewInteractiveShellDriver(NewSSHDialer(opts),
		WithStagingPath(opts.StagingPath),
		WithStagingMode(opts.StagingMode),
	))
	r.Register(engine.FamilyNone, NullDriver{})
	return r
}

// Register sets the driver for family, replacing any previous one.
func (r *Registry) Register(family engine.DeviceFamily, driver engine.Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[family] = driver
}

// DriverFor returns the driver for family.
func (r *Registry) DriverFor(family engine.DeviceFamily) engine.Driver {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if d, ok := r.drivers[family]; ok {
		return d
	}
	return r.fallback
}
