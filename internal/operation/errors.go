package operation

import (
	"context"
	"errors"
	"fmt"
	"net"

	"pkt.systems/cachetx/internal/transport"
	"pkt.systems/cachetx/internal/wire"
)

var (
	// ErrOpcodeMismatch reports a response opcode that does not pair with
	// the request. It is a protocol error and never retried.
	ErrOpcodeMismatch = errors.New("operation: response opcode mismatch")
	// ErrRecoveryNotSupported reports a server that rejected recovery as an
	// unknown command. An empty in-doubt list is not this error.
	ErrRecoveryNotSupported = errors.New("operation: recovery not supported")
)

// StatusError is a server error response.
type StatusError struct {
	Op      Kind
	Status  wire.Status
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("operation: %s failed with status %s", e.Op, e.Status)
	}
	return fmt.Sprintf("operation: %s failed with status %s: %s", e.Op, e.Status, e.Message)
}

// IsTransient reports whether err may clear on a retry against a fresh
// connection or topology.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, transport.ErrConnectionClosed) || errors.Is(err, transport.ErrTimeout) {
		return true
	}
	var serr *StatusError
	if errors.As(err, &serr) {
		return serr.Status.IsTransient()
	}
	var nerr net.Error
	return errors.As(err, &nerr)
}

// IsStaleTopology reports whether err is the server rejecting outdated
// routing information.
func IsStaleTopology(err error) bool {
	var serr *StatusError
	return errors.As(err, &serr) && serr.Status.IsStaleTopology()
}

// IsProtocol reports codec or pairing defects. These are never retried.
func IsProtocol(err error) bool {
	if err == nil {
		return false
	}
	var de *wire.DecodeError
	return errors.As(err, &de) ||
		errors.Is(err, ErrOpcodeMismatch) ||
		errors.Is(err, wire.ErrBufferOverflow) ||
		errors.Is(err, wire.ErrSizeMismatch) ||
		errors.Is(err, wire.ErrUnsupportedVersion)
}
