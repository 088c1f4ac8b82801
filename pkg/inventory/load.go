package inventory

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/netsync/pkg/drivers"
	"github.com/openfroyo/netsync/pkg/engine"
	"github.com/openfroyo/netsync/pkg/secrets"
	"github.com/openfroyo/netsync/pkg/stores"
)

// Defaults applied to unset fields.
const (
	DefaultConfigsDir   = "configs"
	DefaultTemplatesDir = "templates"
	DefaultDatabase     = "netsync.db"
)

// Load reads, defaults and validates the inventory at path. Relative paths in
// the file are resolved against the file's directory.
func Load(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewInputValidationError(fmt.Sprintf("failed to read inventory %s", path), err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, engine.NewInputValidationError("failed to resolve inventory path", err)
	}

	inv, err := Parse(data, filepath.Dir(abs))
	if err != nil {
		return nil, err
	}
	inv.path = abs

	log.Debug().
		Str("path", abs).
		Int("devices", len(inv.Devices)).
		Msg("Inventory loaded")

	return inv, nil
}

// Parse decodes an inventory document. baseDir anchors relative paths.
func Parse(data []byte, baseDir string) (*Inventory, error) {
	var inv Inventory

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&inv); err != nil {
		return nil, engine.NewInputValidationError("failed to parse inventory", err)
	}

	inv.applyDefaults()
	inv.resolvePaths(baseDir)

	if err := inv.Validate(); err != nil {
		return nil, err
	}

	return &inv, nil
}

func (inv *Inventory) applyDefaults() {
	if inv.ConfigsDir == "" {
		inv.ConfigsDir = DefaultConfigsDir
	}
	if inv.TemplatesDir == "" {
		inv.TemplatesDir = DefaultTemplatesDir
	}
	if inv.Workers == 0 {
		inv.Workers = engine.DefaultMaxParallel
	}

	if inv.Store.Type == "" {
		inv.Store.Type = stores.TypeFile
	}
	if inv.Store.Type == stores.TypeSQLite && inv.Store.Path == "" {
		inv.Store.Path = DefaultDatabase
	}

	if inv.Secrets.Prefix == "" {
		inv.Secrets.Prefix = secrets.DefaultPrefix
	}

	def := drivers.DefaultOptions()
	if inv.Transport.Timeout == 0 {
		inv.Transport.Timeout = def.Timeout
	}
	if inv.Transport.EAPIPort == 0 {
		inv.Transport.EAPIPort = def.EAPIPort
	}
	if inv.Transport.SSHPort == 0 {
		inv.Transport.SSHPort = def.SSHPort
	}
	if inv.Transport.StagingPath == "" {
		inv.Transport.StagingPath = def.StagingPath
	}
	if inv.Transport.StagingMode == "" {
		inv.Transport.StagingMode = string(def.StagingMode)
	}

	if inv.Telemetry.Tracing == "" {
		inv.Telemetry.Tracing = "none"
	}
}

func (inv *Inventory) resolvePaths(baseDir string) {
	resolve := func(p *string) {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(baseDir, *p)
		}
	}

	resolve(&inv.ConfigsDir)
	resolve(&inv.TemplatesDir)
	resolve(&inv.FactsScript)
	resolve(&inv.Schema)
	resolve(&inv.Secrets.Dotenv)
	resolve(&inv.Transport.CAFile)
	resolve(&inv.Transport.KnownHosts)
	if inv.Store.Type == stores.TypeSQLite && !strings.Contains(inv.Store.Path, ":memory:") {
		resolve(&inv.Store.Path)
	}
	for i := range inv.Policy.Paths {
		resolve(&inv.Policy.Paths[i])
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("family", func(fl validator.FieldLevel) bool {
		_, err := engine.ParseDeviceFamily(fl.Field().String())
		return err == nil
	})
	return v
}

// Validate checks field constraints and device name uniqueness.
func (inv *Inventory) Validate() error {
	var problems []string

	if err := validate.Struct(inv); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return engine.NewInputValidationError("inventory validation failed", err)
		}
		for _, fe := range verrs {
			problems = append(problems, describeFieldError(fe))
		}
	}

	seen := make(map[string]int, len(inv.Devices))
	for i, d := range inv.Devices {
		if prev, ok := seen[d.Name]; ok && d.Name != "" {
			problems = append(problems, fmt.Sprintf("devices[%d]: duplicate device name %q (first at devices[%d])", i, d.Name, prev))
			continue
		}
		seen[d.Name] = i
	}

	if inv.Transport.CAFile != "" && !inv.Transport.VerifyTLS {
		problems = append(problems, "transport.ca_file requires transport.verify_tls")
	}

	if len(problems) > 0 {
		return engine.NewInputValidationError("invalid inventory", errors.New(strings.Join(problems, "; ")))
	}
	return nil
}

// describeFieldError renders a validator error with the YAML-ish field path.
func describeFieldError(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Inventory.")
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "required_if":
		return fmt.Sprintf("%s is required when %s", field, fe.Param())
	case "family":
		return fmt.Sprintf("%s: unknown device family %q", field, fe.Value())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %v", field, fe.Param(), fe.Value())
	default:
		return fmt.Sprintf("%s failed %s validation (value %v)", field, fe.Tag(), fe.Value())
	}
}
