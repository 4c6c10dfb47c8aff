package bekenboot

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind classifies a failure so callers can decide whether to retry.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// The physical link is gone. Fatal for the session.
	KindTransportDisconnected
	// Malformed or unexpected response header, status or echoed field.
	KindProtocolMismatch
	// CRC verification of written data failed.
	KindChecksumMismatch
	// No response, or a short one, within the operation's ceiling.
	KindTimeout
	// The cooperative stop flag or the context was observed.
	KindCancelled
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransportDisconnected:
		return "transport disconnected"
	case KindProtocolMismatch:
		return "protocol mismatch"
	case KindChecksumMismatch:
		return "checksum mismatch"
	case KindTimeout:
		return "timeout"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

var (
	ErrCancelled               = errors.New("operation cancelled")
	ErrHandshakeFailed         = errors.New("failed to acquire bus")
	ErrControlLinesUnsupported = errors.New("transport cannot drive control lines")
	ErrUnsupportedBackend      = errors.New("backend not supported")
	ErrUnknownFlash            = errors.New("unknown flash chip")
	ErrNotConnected            = errors.New("not connected")
)

// FlashError is the error type returned by protocol operations.
type FlashError struct {
	Kind    ErrorKind
	Op      string
	Address uint32
	// HasAddress is set when Address is meaningful for the operation.
	HasAddress bool
	Err        error
}

func (e *FlashError) Error() string {
	if e.HasAddress {
		return fmt.Sprintf("%s at %08X: %v", e.Op, e.Address, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *FlashError) Unwrap() error { return e.Err }

// Cause lets errors.Cause see through the FlashError.
func (e *FlashError) Cause() error { return e.Err }

func newError(kind ErrorKind, op string, err error) *FlashError {
	return &FlashError{Kind: kind, Op: op, Err: err}
}

func newAddrError(kind ErrorKind, op string, addr uint32, err error) *FlashError {
	return &FlashError{Kind: kind, Op: op, Address: addr, HasAddress: true, Err: err}
}

// KindOf returns the kind of the first FlashError in err's chain.
func KindOf(err error) ErrorKind {
	var fe *FlashError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// Retryable reports whether err may be recovered by repeating the operation.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindProtocolMismatch, KindChecksumMismatch, KindTimeout:
		return true
	}
	return false
}
