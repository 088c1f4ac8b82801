// Package compiler turns the inventory design into per-device configuration
// text.
//
// A design is made of three optional layers on top of the inventory:
//
//   - a CUE schema constraining each device's merged variables (#Device when
//     declared, the whole file otherwise)
//   - a Starlark script binding "facts" to a dict, or to a function of the
//     device list returning one, shared by every template
//   - text/template files per device, per family as written in the
//     inventory, or per canonical family tag
//
// Templates see the device's merged variables at the top level plus
// "hostname" (the device name), "family" (the canonical tag) and "facts".
// Files named _*.tmpl in the templates directory are parsed into every
// template as partials.
package compiler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/netsync/pkg/engine"
	"github.com/openfroyo/netsync/pkg/inventory"
)

// Reserved template data keys.
const (
	KeyHostname = "hostname"
	KeyFamily   = "family"
	KeyFacts    = "facts"
)

// Compiler implements engine.Compiler over an inventory.
type Compiler struct {
	inv       *inventory.Inventory
	templates *templateSet
	facts     *FactsEvaluator

	mu           sync.Mutex
	schema       *Schema
	schemaLoaded bool
	fleetFacts   map[string]interface{}
	factsLoaded  bool
}

var _ engine.Compiler = (*Compiler)(nil)

// Option configures a Compiler.
type Option func(*Compiler)

// WithFactsTimeout bounds the facts script run.
func WithFactsTimeout(d time.Duration) Option {
	return func(c *Compiler) {
		c.facts = NewFactsEvaluator(d)
	}
}

// New creates a compiler for inv.
func New(inv *inventory.Inventory, opts ...Option) *Compiler {
	c := &Compiler{
		inv:       inv,
		templates: newTemplateSet(inv.TemplatesDir),
		facts:     NewFactsEvaluator(DefaultFactsTimeout),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Validate checks the whole fleet design: the schema against every device's
// variables, the facts script, and that every device has a parseable
// template. All problems are reported together as one input-validation error.
func (c *Compiler) Validate(ctx context.Context) error {
	var problems ValidationErrors

	schema, err := c.loadSchema()
	if err != nil {
		problems = append(problems, asValidationErrors(err)...)
	}

	if schema != nil {
		for _, d := range c.inv.Devices {
			problems = append(problems, schema.ValidateVars(d.Name, c.inv.MergedVars(d))...)
		}
	}

	if _, err := c.Facts(ctx); err != nil {
		problems = append(problems, ValidationError{File: c.inv.FactsScript, Message: err.Error()})
	}

	for _, d := range c.inv.Devices {
		path, err := c.templates.resolve(d)
		if err != nil {
			problems = append(problems, ValidationError{Device: d.Name, Message: err.Error()})
			continue
		}
		if _, err := c.templates.load(path); err != nil {
			problems = append(problems, ValidationError{Device: d.Name, File: path, Message: err.Error()})
		}
	}

	if len(problems) > 0 {
		log.Error().Int("problems", len(problems)).Msg("Fleet design validation failed")
		return engine.NewInputValidationError("fleet design validation failed", problems)
	}

	log.Debug().Int("devices", len(c.inv.Devices)).Msg("Fleet design validated")
	return nil
}

// Facts returns the fleet facts, evaluating the script once.
func (c *Compiler) Facts(ctx context.Context) (map[string]interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.factsLoaded {
		return c.fleetFacts, nil
	}

	facts := map[string]interface{}{}
	if c.inv.FactsScript != "" {
		var err error
		facts, err = c.facts.EvaluateFile(ctx, c.inv.FactsScript, c.deviceList())
		if err != nil {
			return nil, err
		}
	}

	c.fleetFacts = facts
	c.factsLoaded = true
	return facts, nil
}

// deviceList is the device view handed to the facts script.
func (c *Compiler) deviceList() []interface{} {
	list := make([]interface{}, 0, len(c.inv.Devices))
	for _, d := range c.inv.Devices {
		list = append(list, map[string]interface{}{
			"name":   d.Name,
			"family": string(d.CanonicalFamily()),
			"host":   d.Address(),
			"vars":   c.inv.MergedVars(d),
		})
	}
	return list
}

// Render produces the designed configuration for device.
func (c *Compiler) Render(ctx context.Context, device engine.DeviceIdentity) (string, error) {
	d, ok := c.inv.Device(device.Name)
	if !ok {
		return "", engine.NewRenderError(fmt.Sprintf("device %s is not in the inventory", device.Name), nil)
	}

	facts, err := c.Facts(ctx)
	if err != nil {
		return "", engine.NewRenderError("failed to evaluate facts", err)
	}

	path, err := c.templates.resolve(d)
	if err != nil {
		return "", engine.NewRenderError("failed to resolve template", err)
	}

	text, err := c.templates.execute(path, c.TemplateData(d, facts))
	if err != nil {
		return "", engine.NewRenderError(fmt.Sprintf("failed to render %s", path), err)
	}

	log.Debug().
		Str("device", d.Name).
		Str("template", path).
		Int("bytes", len(text)).
		Msg("Configuration rendered")

	return text, nil
}

// TemplateData builds the data a device template is executed with.
func (c *Compiler) TemplateData(d inventory.Device, facts map[string]interface{}) map[string]interface{} {
	data := c.inv.MergedVars(d)
	data[KeyHostname] = d.Name
	data[KeyFamily] = string(d.CanonicalFamily())
	data[KeyFacts] = facts
	return data
}

func (c *Compiler) loadSchema() (*Schema, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.schemaLoaded {
		return c.schema, nil
	}
	if c.inv.Schema == "" {
		c.schemaLoaded = true
		return nil, nil
	}

	schema, err := LoadSchema(c.inv.Schema)
	if err != nil {
		return nil, err
	}
	c.schema = schema
	c.schemaLoaded = true
	return schema, nil
}

func asValidationErrors(err error) ValidationErrors {
	if ve, ok := err.(ValidationErrors); ok {
		return ve
	}
	return ValidationErrors{{Message: err.Error()}}
}
