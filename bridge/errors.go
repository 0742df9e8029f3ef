package bridge

import (
	"errors"
	"fmt"
)

// Errors shared between the channels and stack implementations.
var (
	// ErrNoMemory indicates a control block or buffer could not be allocated.
	ErrNoMemory = errors.New("out of memory")

	// ErrInvalidArgument indicates a malformed address, name or port.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrAddressInUse indicates the local address is already bound.
	ErrAddressInUse = errors.New("address in use")

	// ErrInProgress indicates an asynchronous operation has been started.
	ErrInProgress = errors.New("operation in progress")

	// ErrNotConnected indicates the control block has no established peer.
	ErrNotConnected = errors.New("not connected")

	// ErrConnectionRefused indicates the peer rejected the connection.
	ErrConnectionRefused = errors.New("connection refused")

	// ErrConnectionReset indicates the peer aborted the connection.
	ErrConnectionReset = errors.New("connection reset")

	// ErrClosed indicates the control block has been released.
	ErrClosed = errors.New("closed")

	// ErrTimeout indicates a bounded wait expired.
	ErrTimeout = errors.New("operation timed out")
)

// OpError describes a failed stack operation.
type OpError struct {
	Op   string // operation that failed
	Addr string // address if relevant
	Err  error  // underlying error
}

func (e *OpError) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// NewOpError wraps err with the operation and address it applies to.
func NewOpError(op, addr string, err error) *OpError {
	return &OpError{
		Op:   op,
		Addr: addr,
		Err:  err,
	}
}
