package compiler

import (
	"fmt"
	"os"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

// deviceDefinition is the definition checked against each device's variables
// when the schema file declares it. Otherwise the whole file is the schema.
const deviceDefinition = "#Device"

// ValidationError is one design validation problem.
type ValidationError struct {
	// Device is the device the problem belongs to, empty for fleet-wide issues.
	Device string `json:"device,omitempty"`

	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the CUE path of the offending value.
	Path string `json:"path,omitempty"`

	Message string `json:"message"`
}

func (e ValidationError) String() string {
	var b strings.Builder
	if e.Device != "" {
		b.WriteString(e.Device)
		b.WriteString(": ")
	}
	if e.File != "" {
		fmt.Fprintf(&b, "%s:%d:%d: ", e.File, e.Line, e.Column)
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors collects every problem found in one validation pass.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	msgs := make([]string, 0, len(v))
	for _, e := range v {
		msgs = append(msgs, e.String())
	}
	return strings.Join(msgs, "; ")
}

// Schema constrains the design variables of every device.
type Schema struct {
	ctx   *cue.Context
	value cue.Value
	path  string
}

// LoadSchema compiles the CUE file at path.
func LoadSchema(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema: %w", err)
	}
	return CompileSchema(path, data)
}

// CompileSchema compiles CUE source. name is used in error positions.
func CompileSchema(name string, src []byte) (*Schema, error) {
	ctx := cuecontext.New()
	val := ctx.CompileBytes(src, cue.Filename(name))
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(err, "")
	}

	if def := val.LookupPath(cue.ParsePath(deviceDefinition)); def.Exists() {
		val = def
	}

	return &Schema{ctx: ctx, value: val, path: name}, nil
}

// Path returns the schema source name.
func (s *Schema) Path() string {
	return s.path
}

// ValidateVars checks the merged variables of device against the schema.
// Every constrained field must end up concrete.
func (s *Schema) ValidateVars(device string, vars map[string]interface{}) ValidationErrors {
	data := s.ctx.Encode(vars)
	if err := data.Err(); err != nil {
		return ValidationErrors{{Device: device, Message: fmt.Sprintf("failed to encode variables: %v", err)}}
	}

	unified := s.value.Unify(data)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return convertCUEErrors(err, device)
	}
	return nil
}

// convertCUEErrors flattens a CUE error list into ValidationErrors.
func convertCUEErrors(err error, device string) ValidationErrors {
	var validationErrors ValidationErrors

	for _, e := range errors.Errors(err) {
		format, args := e.Msg()
		ve := ValidationError{
			Device:  device,
			Message: fmt.Sprintf(format, args...),
		}

		if pos := errors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		if path := e.Path(); len(path) > 0 {
			ve.Path = strings.Join(path, ".")
		}

		validationErrors = append(validationErrors, ve)
	}

	if len(validationErrors) == 0 {
		validationErrors = ValidationErrors{{Device: device, Message: err.Error()}}
	}

	return validationErrors
}
