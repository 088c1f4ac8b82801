package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies a reconciliation failure. Every per-device failure is
// converted into a Result carrying its kind; only KindInputValidation aborts a run.
type ErrorKind string

const (
	// KindInputValidation indicates the fleet design failed validation.
	// It is raised before any device flow starts and aborts the whole run.
	KindInputValidation ErrorKind = "input-validation"

	// KindRender indicates the design compiler could not render one device.
	KindRender ErrorKind = "render"

	// KindStorage indicates the stored configuration could not be read or written.
	KindStorage ErrorKind = "storage"

	// KindTransport indicates a connectivity or protocol fault while deploying.
	KindTransport ErrorKind = "transport"

	// KindDeviceRejection indicates the device refused the candidate configuration.
	KindDeviceRejection ErrorKind = "device-rejection"

	// KindStalenessConflict indicates a deploy was requested while the stored
	// record and the design diverged during the same run.
	KindStalenessConflict ErrorKind = "staleness-conflict"

	// KindUnsupportedFamily indicates the device family has no deploy path.
	KindUnsupportedFamily ErrorKind = "unsupported-family"

	// KindPolicyDenied indicates the deploy guard rejected the deployment.
	KindPolicyDenied ErrorKind = "policy-denied"

	// KindInternal indicates an unexpected failure inside the engine.
	KindInternal ErrorKind = "internal"
)

// Error is a classified reconciliation error with device context.
type Error struct {
	// Kind is the failure classification.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Device is the device name the error belongs to, if any.
	Device string `json:"device,omitempty"`

	// Operation is the flow step or protocol step that failed.
	Operation string `json:"operation,omitempty"`

	// Detail carries verbatim device output for rejections.
	Detail string `json:"detail,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.Device != "" && e.Operation != "" {
		msg = fmt.Sprintf("[%s] %s (device=%s, operation=%s)", e.Kind, e.Message, e.Device, e.Operation)
	} else if e.Device != "" {
		msg = fmt.Sprintf("[%s] %s (device=%s)", e.Kind, e.Message, e.Device)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if d := strings.TrimSpace(e.Detail); d != "" {
		msg += ": " + d
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// WithDevice adds device context to an error.
func (e *Error) WithDevice(name string) *Error {
	e.Device = name
	return e
}

// WithOperation adds operation context to an error.
func (e *Error) WithOperation(op string) *Error {
	e.Operation = op
	return e
}

// WithDetail attaches verbatim device output.
func (e *Error) WithDetail(detail string) *Error {
	e.Detail = detail
	return e
}

func newError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// NewInputValidationError creates a fleet-wide validation error.
func NewInputValidationError(message string, err error) *Error {
	return newError(KindInputValidation, message, err)
}

// NewRenderError creates a per-device render error.
func NewRenderError(message string, err error) *Error {
	return newError(KindRender, message, err)
}

// NewStorageError creates a storage error.
func NewStorageError(message string, err error) *Error {
	return newError(KindStorage, message, err)
}

// NewTransportError creates a transport error.
func NewTransportError(message string, err error) *Error {
	return newError(KindTransport, message, err)
}

// NewDeviceRejectionError creates an error for a configuration the device refused.
// The raw device response is kept as the detail.
func NewDeviceRejectionError(message, response string) *Error {
	return newError(KindDeviceRejection, message, nil).WithDetail(response)
}

// NewStalenessConflictError creates a staleness conflict error.
func NewStalenessConflictError(message string) *Error {
	return newError(KindStalenessConflict, message, nil)
}

// NewUnsupportedFamilyError creates an unsupported family error.
func NewUnsupportedFamilyError(family DeviceFamily) *Error {
	return newError(KindUnsupportedFamily, "deployment not supported for this device family", nil).
		WithDetail(string(family))
}

// NewPolicyDeniedError creates a deploy guard denial.
func NewPolicyDeniedError(message string, err error) *Error {
	return newError(KindPolicyDenied, message, err)
}

// NewInternalError creates an internal error.
func NewInternalError(message string, err error) *Error {
	return newError(KindInternal, message, err)
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func isKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// IsInputValidation returns true if err is a fleet-wide validation error.
func IsInputValidation(err error) bool { return isKind(err, KindInputValidation) }

// IsStorage returns true if err is a storage error.
func IsStorage(err error) bool { return isKind(err, KindStorage) }

// IsTransport returns true if err is a transport error.
func IsTransport(err error) bool { return isKind(err, KindTransport) }

// IsDeviceRejection returns true if the device rejected the configuration.
func IsDeviceRejection(err error) bool { return isKind(err, KindDeviceRejection) }

// IsStalenessConflict returns true if err is a staleness conflict.
func IsStalenessConflict(err error) bool { return isKind(err, KindStalenessConflict) }

// IsUnsupportedFamily returns true if err reports a family without a deploy path.
func IsUnsupportedFamily(err error) bool { return isKind(err, KindUnsupportedFamily) }
