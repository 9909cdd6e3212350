package hal

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed set of hardware failure kinds. Every controller
// command fails with exactly one of these; no sentinel return values.
type ErrorKind string

const (
	KindTimeout           ErrorKind = "timeout"
	KindMalformedResponse ErrorKind = "malformed-response"
	KindNotConnected      ErrorKind = "not-connected"
	KindTransport         ErrorKind = "transport"
	KindRejected          ErrorKind = "rejected"
)

// HardwareError is the single error contract for HAL commands.
type HardwareError struct {
	Kind   ErrorKind
	Device string
	Op     string
	Cause  error
}

// Error implements error.
func (e *HardwareError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Device, e.Op, e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s: %s: %s", e.Device, e.Op, e.Kind)
}

// Unwrap exposes the transport-level cause.
func (e *HardwareError) Unwrap() error { return e.Cause }

// Errf builds a HardwareError with a formatted cause.
func Errf(kind ErrorKind, device, op, format string, args ...any) *HardwareError {
	return &HardwareError{
		Kind:   kind,
		Device: device,
		Op:     op,
		Cause:  fmt.Errorf(format, args...),
	}
}

// IsKind reports whether err is a HardwareError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// KindOf extracts the failure kind, or "" for non-HAL errors.
func KindOf(err error) ErrorKind {
	var he *HardwareError
	if errors.As(err, &he) {
		return he.Kind
	}
	return ""
}
