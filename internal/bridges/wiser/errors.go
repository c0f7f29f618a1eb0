package wiser

import (
	"errors"
	"fmt"
)

// Sentinel errors for the gateway synchronisation engine.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrUnknownLoad is returned when a load id (or device/load pairing) is
	// not present in the current registry snapshot. Recoverable: drop the
	// event or command and continue.
	ErrUnknownLoad = errors.New("wiser: unknown load")

	// ErrUnsupported is returned for recognised operations this revision
	// refuses, such as outbound dali tw/rgb commands.
	ErrUnsupported = errors.New("wiser: operation not supported")

	// ErrNotActionable is returned when a command targets a read-only attribute.
	ErrNotActionable = errors.New("wiser: attribute is not actionable")

	// ErrInvalidValue is returned when a command value has the wrong type or range.
	ErrInvalidValue = errors.New("wiser: invalid command value")

	// ErrIncompleteCommand is returned when a combined command is missing
	// one of its sibling values. No command is sent.
	ErrIncompleteCommand = errors.New("wiser: incomplete command")

	// ErrMalformedFrame is returned when an inbound frame cannot be decoded.
	ErrMalformedFrame = errors.New("wiser: malformed frame")

	// ErrInvalidPath is returned when a state path does not follow
	// <device>.<device>_<load>.<attribute>.
	ErrInvalidPath = errors.New("wiser: invalid state path")

	// ErrRequestFailed wraps every REST failure (network or non-2xx).
	ErrRequestFailed = errors.New("wiser: gateway request failed")

	// ErrClaimTimeout is returned when the pairing window elapsed without
	// the button on the gateway being pressed.
	ErrClaimTimeout = errors.New("wiser: claim timed out")

	// ErrClaimRejected is returned when the gateway refuses the claim.
	ErrClaimRejected = errors.New("wiser: claim rejected")

	// ErrInvalidUser is returned for claim user names the gateway would refuse.
	ErrInvalidUser = errors.New("wiser: user must be at least 4 alphanumeric characters")

	// ErrManagerStopped is returned by Start after Stop.
	ErrManagerStopped = errors.New("wiser: connection manager stopped")
)

// APIError describes a gateway REST response that was not a success.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string

	// kind is the sentinel this error wraps (ErrRequestFailed or ErrClaimRejected).
	kind error
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("wiser: %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("wiser: %s %s: status %d", e.Method, e.Path, e.StatusCode)
}

func (e *APIError) Unwrap() error {
	if e.kind == nil {
		return ErrRequestFailed
	}
	return e.kind
}
