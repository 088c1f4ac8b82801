// Package inventory loads the netsync fleet file: devices, design variables and
// the settings of every component a run wires together.
package inventory

import (
	"time"
)

// DefaultFile is the inventory path used when none is given.
const DefaultFile = "netsync.yaml"

// Inventory is the parsed fleet file.
type Inventory struct {
	// ConfigsDir holds the stored configurations of the file store.
	ConfigsDir string `yaml:"configs_dir"`

	// TemplatesDir holds the per-family and per-device templates.
	TemplatesDir string `yaml:"templates_dir" validate:"required"`

	// FactsScript is an optional Starlark file computing fleet-wide facts.
	FactsScript string `yaml:"facts_script"`

	// Schema is an optional CUE file constraining each device's variables.
	Schema string `yaml:"schema"`

	// Workers bounds the number of concurrent device flows.
	Workers int `yaml:"workers" validate:"gte=0,lte=256"`

	Store     StoreConfig     `yaml:"store"`
	Secrets   SecretsConfig   `yaml:"secrets"`
	Transport TransportConfig `yaml:"transport"`
	Policy    PolicyConfig    `yaml:"policy"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Defaults are variables merged under every device's own vars.
	Defaults map[string]interface{} `yaml:"defaults"`

	Devices []Device `yaml:"devices" validate:"required,min=1,dive"`

	// path is the file the inventory was loaded from.
	path string
}

// Device is one managed device.
type Device struct {
	// Name is unique and addresses the stored record.
	Name string `yaml:"name" validate:"required,max=253,excludesall=/\\ "`

	// Family is a family tag or vendor alias (eos, edgerouter, ...).
	Family string `yaml:"family" validate:"required,family"`

	// Host is the management address; the name is used when empty.
	Host string `yaml:"host" validate:"omitempty,hostname_rfc1123|ip"`

	// Port overrides the family's default management port.
	Port int `yaml:"port" validate:"omitempty,min=1,max=65535"`

	// Template overrides the family template, relative to TemplatesDir.
	Template string `yaml:"template"`

	Vars map[string]interface{} `yaml:"vars"`
}

// StoreConfig selects the ConfigStore backend.
type StoreConfig struct {
	Type string `yaml:"type" validate:"omitempty,oneof=file sqlite s3"`

	// Path is the sqlite database file.
	Path string `yaml:"path"`

	Bucket string `yaml:"bucket" validate:"required_if=Type s3"`
	Prefix string `yaml:"prefix"`
	Region string `yaml:"region"`
}

// SecretsConfig selects the secret sources.
type SecretsConfig struct {
	// Prefix is the placeholder token namespace.
	Prefix string `yaml:"prefix"`

	// Dotenv is an optional .env file.
	Dotenv string `yaml:"dotenv"`

	SecretsManagerID string `yaml:"secrets_manager_id"`
	Region           string `yaml:"region"`
}

// TransportConfig configures the deployment drivers.
type TransportConfig struct {
	VerifyTLS   bool          `yaml:"verify_tls"`
	CAFile      string        `yaml:"ca_file"`
	Timeout     time.Duration `yaml:"timeout" validate:"gte=0"`
	EAPIPort    int           `yaml:"eapi_port" validate:"omitempty,min=1,max=65535"`
	SSHPort     int           `yaml:"ssh_port" validate:"omitempty,min=1,max=65535"`
	StagingPath string        `yaml:"staging_path"`
	StagingMode string        `yaml:"staging_mode" validate:"omitempty,oneof=heredoc sftp"`
	KnownHosts  string        `yaml:"known_hosts"`
	ShellEcho   bool          `yaml:"shell_echo"`
}

// PolicyConfig configures the deploy guard.
type PolicyConfig struct {
	// Paths are .rego/.json files or directories.
	Paths []string `yaml:"paths"`

	// Disabled lists built-in policies to switch off.
	Disabled []string `yaml:"disabled"`
}

// TelemetryConfig configures tracing and the metrics endpoint.
type TelemetryConfig struct {
	Tracing  string `yaml:"tracing" validate:"omitempty,oneof=none stdout otlp"`
	Endpoint string `yaml:"endpoint"`

	// MetricsAddr serves /metrics in watch mode when set.
	MetricsAddr string `yaml:"metrics_addr"`
}

// Path returns the file the inventory was loaded from.
func (inv *Inventory) Path() string {
	return inv.path
}
