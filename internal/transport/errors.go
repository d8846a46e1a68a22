// Package transport moves encoded requests over pooled, multiplexed
// connections and hands decoded responses back to their callers.
package transport

import "errors"

var (
	// ErrConnectionClosed reports that the stream ended or failed while a
	// request was outstanding. A retry on another connection may succeed.
	ErrConnectionClosed = errors.New("transport: connection closed")
	// ErrTimeout reports that no response arrived within the attempt timeout.
	ErrTimeout = errors.New("transport: response timeout")
	// ErrClosed reports that the pool or connection was shut down locally.
	ErrClosed = errors.New("transport: closed")
)
