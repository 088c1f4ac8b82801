package inventory

import (
	"fmt"
	"os"
	"strings"

	"github.com/openfroyo/netsync/pkg/drivers"
	"github.com/openfroyo/netsync/pkg/engine"
	"github.com/openfroyo/netsync/pkg/secrets"
	"github.com/openfroyo/netsync/pkg/stores"
)

// Credential environment variables.
const (
	EnvUsername = "DEPLOY_USERNAME"
	EnvPassword = "DEPLOY_PASSWORD"
)

// CanonicalFamily returns the family tag of the device. Aliases are resolved.
func (d Device) CanonicalFamily() engine.DeviceFamily {
	f, err := engine.ParseDeviceFamily(d.Family)
	if err != nil {
		return engine.DeviceFamily(d.Family)
	}
	return f
}

// Address returns the management address, falling back to the name.
func (d Device) Address() string {
	if d.Host != "" {
		return d.Host
	}
	return d.Name
}

// Identity builds the run identity of d.
func (d Device) Identity(creds engine.Credentials) engine.DeviceIdentity {
	return engine.DeviceIdentity{
		Name:   d.Name,
		Family: d.CanonicalFamily(),
		Connection: &engine.Connection{
			Host:        d.Address(),
			Port:        d.Port,
			Credentials: creds,
		},
	}
}

// Identities returns the identity of every device in inventory order.
func (inv *Inventory) Identities(creds engine.Credentials) []engine.DeviceIdentity {
	ids := make([]engine.DeviceIdentity, 0, len(inv.Devices))
	for _, d := range inv.Devices {
		ids = append(ids, d.Identity(creds))
	}
	return ids
}

// Device returns the device named name.
func (inv *Inventory) Device(name string) (Device, bool) {
	for _, d := range inv.Devices {
		if d.Name == name {
			return d, true
		}
	}
	return Device{}, false
}

// Select returns the named devices in inventory order, or every device when
// names is empty.
func (inv *Inventory) Select(names []string) ([]Device, error) {
	if len(names) == 0 {
		return inv.Devices, nil
	}

	want := make(map[string]bool, len(names))
	for _, n := range names {
		if _, ok := inv.Device(n); !ok {
			return nil, engine.NewInputValidationError(fmt.Sprintf("unknown device %q", n), nil)
		}
		want[n] = true
	}

	out := make([]Device, 0, len(names))
	for _, d := range inv.Devices {
		if want[d.Name] {
			out = append(out, d)
		}
	}
	return out, nil
}

// MergedVars returns the inventory defaults deep-merged with the device vars.
// Device values win; nested maps are merged key by key.
func (inv *Inventory) MergedVars(d Device) map[string]interface{} {
	out := make(map[string]interface{})
	mergeInto(out, inv.Defaults)
	mergeInto(out, d.Vars)
	return out
}

func mergeInto(dst, src map[string]interface{}) {
	for k, v := range src {
		srcMap, srcIsMap := v.(map[string]interface{})
		dstMap, dstIsMap := dst[k].(map[string]interface{})
		if srcIsMap && dstIsMap {
			merged := make(map[string]interface{}, len(dstMap)+len(srcMap))
			mergeInto(merged, dstMap)
			mergeInto(merged, srcMap)
			dst[k] = merged
			continue
		}
		if srcIsMap {
			copied := make(map[string]interface{}, len(srcMap))
			mergeInto(copied, srcMap)
			dst[k] = copied
			continue
		}
		dst[k] = v
	}
}

// CredentialsFromEnv reads the deploy credentials from the environment.
func CredentialsFromEnv() engine.Credentials {
	return CredentialsFrom(os.Getenv)
}

// CredentialsFrom reads the deploy credentials through getenv.
func CredentialsFrom(getenv func(string) string) engine.Credentials {
	return engine.Credentials{
		Username: getenv(EnvUsername),
		Password: getenv(EnvPassword),
	}
}

// RequireCredentials fails when a deploy run has no credentials to offer.
func RequireCredentials(creds engine.Credentials) error {
	var missing []string
	if creds.Username == "" {
		missing = append(missing, EnvUsername)
	}
	if creds.Password == "" {
		missing = append(missing, EnvPassword)
	}
	if len(missing) > 0 {
		return engine.NewInputValidationError(
			fmt.Sprintf("deploy credentials not set: %s", strings.Join(missing, ", ")), nil)
	}
	return nil
}

// StoreOptions maps the store section onto stores.Options.
func (inv *Inventory) StoreOptions() stores.Options {
	return stores.Options{
		Type:   inv.Store.Type,
		Dir:    inv.ConfigsDir,
		Path:   inv.Store.Path,
		Bucket: inv.Store.Bucket,
		Prefix: inv.Store.Prefix,
		Region: inv.Store.Region,
	}
}

// SecretsOptions maps the secrets section onto secrets.Options.
func (inv *Inventory) SecretsOptions() secrets.Options {
	return secrets.Options{
		Prefix:           inv.Secrets.Prefix,
		DotenvFile:       inv.Secrets.Dotenv,
		SecretsManagerID: inv.Secrets.SecretsManagerID,
		Region:           inv.Secrets.Region,
	}
}

// DriverOptions maps the transport section onto drivers.Options.
func (inv *Inventory) DriverOptions() drivers.Options {
	return drivers.Options{
		VerifyTLS:      inv.Transport.VerifyTLS,
		CAFile:         inv.Transport.CAFile,
		Timeout:        inv.Transport.Timeout,
		EAPIPort:       inv.Transport.EAPIPort,
		SSHPort:        inv.Transport.SSHPort,
		StagingPath:    inv.Transport.StagingPath,
		StagingMode:    drivers.StagingMode(inv.Transport.StagingMode),
		KnownHostsPath: inv.Transport.KnownHosts,
		ShellEcho:      inv.Transport.ShellEcho,
	}
}

// WatchPaths returns the files and directories whose changes alter the design.
func (inv *Inventory) WatchPaths() []string {
	paths := []string{inv.TemplatesDir}
	if inv.path != "" {
		paths = append(paths, inv.path)
	}
	if inv.FactsScript != "" {
		paths = append(paths, inv.FactsScript)
	}
	if inv.Schema != "" {
		paths = append(paths, inv.Schema)
	}
	return paths
}
