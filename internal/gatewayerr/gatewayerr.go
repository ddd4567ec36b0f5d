// Package gatewayerr implements the engine-wide error taxonomy (spec §7).
//
// Every package in this module reports failures as sentinel errors wrapped
// with fmt.Errorf("%w"); this package adds the Code classification on top
// so that callers at a protocol or RPC boundary can map an error back to
// one of a small, closed set of categories without string matching.
package gatewayerr

import (
	"errors"
	"fmt"
)

// Code classifies an engine error into one of the categories from spec §7.
type Code uint8

const (
	// CodeProtocol indicates the counterparty violated the protocol
	// (invalid comp-id, bad keep-alive). Recovered locally by disconnect
	// or reject; surfaced as a disconnect reason.
	CodeProtocol Code = iota + 1

	// CodeSequence indicates a gap or rewind in sequence numbers.
	// Recovered via resend/retransmit; surfaced only if unresolvable.
	CodeSequence

	// CodeAuthentication indicates an externally rejected logon/negotiate.
	// Surfaced to the application's connection-exists handler and as a
	// negotiate/establish reject.
	CodeAuthentication

	// CodeBackpressure indicates the carrier is full. Retried automatically,
	// never surfaced unless persistent.
	CodeBackpressure

	// CodeFileSystemCorruption indicates an index checksum or magic is
	// invalid. Fatal to the engine.
	CodeFileSystemCorruption

	// CodeConfigInvalid indicates an incompatible protocol selection
	// (e.g. initiating FIX when the acceptor is configured for FIXP only).
	// Surfaced at initiate-time with an errored reply.
	CodeConfigInvalid

	// CodeTimeout indicates a reply deadline expired.
	CodeTimeout
)

// String returns the human-readable name of the code.
func (c Code) String() string {
	switch c {
	case CodeProtocol:
		return "PROTOCOL_ERROR"
	case CodeSequence:
		return "SEQUENCE_ERROR"
	case CodeAuthentication:
		return "AUTHENTICATION_FAILURE"
	case CodeBackpressure:
		return "BACKPRESSURE"
	case CodeFileSystemCorruption:
		return "FILE_SYSTEM_CORRUPTION"
	case CodeConfigInvalid:
		return "CONFIG_INVALID"
	case CodeTimeout:
		return "TIMEOUT"
	default:
		return "UNKNOWN"
	}
}

// GatewayError pairs a taxonomy Code with the underlying cause.
type GatewayError struct {
	Code Code
	Err  error
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	if e.Err == nil {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Err)
}

// Unwrap allows errors.Is/errors.As to see through to Err.
func (e *GatewayError) Unwrap() error { return e.Err }

// New wraps err with the given Code. A nil err still produces a
// classifiable error carrying only the Code.
func New(code Code, err error) *GatewayError {
	return &GatewayError{Code: code, Err: err}
}

// Wrapf wraps a formatted error with the given Code.
func Wrapf(code Code, format string, args ...any) *GatewayError {
	return &GatewayError{Code: code, Err: fmt.Errorf(format, args...)}
}

// Is reports whether err carries the given Code, looking through wrapping.
func Is(err error, code Code) bool {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Code == code
	}
	return false
}
