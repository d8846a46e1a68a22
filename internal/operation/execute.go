package operation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pkt.systems/cachetx/internal/topology"
	"pkt.systems/cachetx/internal/transport"
	"pkt.systems/cachetx/internal/wire"
)

// Channels is the connection provider an operation runs against.
// *transport.Factory satisfies it.
type Channels interface {
	Acquire(ctx context.Context, cacheName string) (*transport.Lease, error)
	Release(*transport.Lease)
	CurrentTopology() topology.Topology
	RefreshTopology(ctx context.Context) error
	Protocol() *wire.Protocol
}

// Execute runs one attempt of o: take a slot on a shared connection, send the
// request stamped with the current topology id, await the response and map it
// to a Result. timeout bounds the whole attempt, acquisition included. The
// lease is returned on every path.
//
// A commit or rollback whose answer cannot be read because of a protocol
// defect degrades to XA_HEURRB instead of failing.
func Execute(ctx context.Context, ch Channels, o Operation, timeout time.Duration) (Result, error) {
	start := time.Now()
	acquireCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	lease, err := ch.Acquire(acquireCtx, o.CacheName)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return Result{}, fmt.Errorf("%w: no connection slot within %s", transport.ErrTimeout, timeout)
		}
		return Result{}, err
	}
	defer ch.Release(lease)

	if timeout > 0 {
		timeout -= time.Since(start)
		if timeout <= 0 {
			return Result{}, fmt.Errorf("%w: no connection slot within the attempt timeout", transport.ErrTimeout)
		}
	}
	req := o.Request(ch.CurrentTopology().ID)
	resp, err := lease.Conn().RoundTrip(ctx, req, timeout)
	if err != nil {
		if o.Kind.IsComplete() && IsProtocol(err) {
			return degrade(Result{}, err), nil
		}
		return Result{}, err
	}
	res, err := o.Accept(lease.Conn().Protocol(), resp)
	if err != nil && o.Kind.IsComplete() && IsProtocol(err) {
		return degrade(res, err), nil
	}
	return res, err
}
