package engine

import (
	"context"
)

// ConfigStore persists the last-known-applied configuration text per device.
type ConfigStore interface {
	// Load returns the stored text for device, or "" when no record exists.
	// A missing record is never an error.
	Load(ctx context.Context, device string) (string, error)

	// Save overwrites the stored text for device. The record is replaced
	// wholesale; a failed save must not leave a partial record behind.
	Save(ctx context.Context, device string, text string) error
}

// Driver transmits and commits a configuration using a device-family protocol.
type Driver interface {
	// Deploy pushes candidate to the device. The returned session is non-nil and
	// carries the protocol steps issued. A non-nil error always comes with a
	// session whose status is DeployStatusFailed.
	Deploy(ctx context.Context, device DeviceIdentity, candidate string) (*DeploySession, error)
}

// DriverSelector returns the driver variant for a device family.
type DriverSelector interface {
	DriverFor(family DeviceFamily) Driver
}

// DeployGuard is consulted after the staleness check and before a driver is
// invoked. A non-nil error refuses the deployment.
type DeployGuard interface {
	Allow(ctx context.Context, device DeviceIdentity, rendered string) error
}

// Compiler renders designed configuration text for devices.
type Compiler interface {
	// Validate checks the whole fleet design. It is invoked once per run before
	// any rendering and fails the entire run.
	Validate(ctx context.Context) error

	// Render produces the designed configuration for one device.
	Render(ctx context.Context, device DeviceIdentity) (string, error)
}
