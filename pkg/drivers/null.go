package drivers

import (
	"context"

	"github.com/openfroyo/netsync/pkg/engine"
)

// NullDriver is used for families without a deployment protocol.
type NullDriver struct{}

// Deploy always fails with an unsupported family error.
func (NullDriver) Deploy(_ context.Context, device engine.DeviceIdentity, _ string) (*engine.DeploySession, error) {
	session := engine.NewDeploySession(device)
	err := engine.NewUnsupportedFamilyError(device.Family).WithDevice(device.Name)
	session.RecordError(StateFailed, "", err)
	return session.Fail(), err
}
