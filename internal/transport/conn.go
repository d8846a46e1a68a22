package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"pkt.systems/pslog"

	"pkt.systems/cachetx/internal/future"
	"pkt.systems/cachetx/internal/loggingutil"
	"pkt.systems/cachetx/internal/wire"
)

// Call is one outstanding request on a connection.
type Call struct {
	ID     uint64
	Opcode byte
	conn   *Conn
	fut    *future.Future[wire.Response]
}

// Await waits for the response. On ctx expiry the call is unregistered so a
// late response is discarded; if the response won the race it is returned.
func (c *Call) Await(ctx context.Context) (wire.Response, error) {
	resp, err := c.fut.Await(ctx)
	if err == nil {
		return resp, nil
	}
	if !c.fut.Resolved() {
		c.conn.abandon(c.ID)
		if c.fut.Fail(err) {
			return wire.Response{}, err
		}
	}
	return c.fut.Await(context.Background())
}

// Conn is a multiplexed protocol connection. Any number of calls may be in
// flight; responses are routed by message id. Message ids are never reused
// for the lifetime of the connection.
type Conn struct {
	id     string
	addr   string
	proto  *wire.Protocol
	nc     net.Conn
	logger pslog.Logger

	onTopology func(wire.TopologyUpdate)

	nextID  atomic.Uint64
	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[uint64]*Call
	closed   bool
	closeErr error
	done     chan struct{}
}

// ConnOptions configures NewConn.
type ConnOptions struct {
	Protocol *wire.Protocol
	Logger   pslog.Logger
	// OnTopology receives every topology update piggybacked on a response.
	OnTopology func(wire.TopologyUpdate)
}

// NewConn takes ownership of nc and starts its read loop.
func NewConn(nc net.Conn, addr string, opts ConnOptions) *Conn {
	proto := opts.Protocol
	if proto == nil {
		proto, _ = wire.Lookup(wire.DefaultVersion)
	}
	id := xid.New().String()
	c := &Conn{
		id:         id,
		addr:       addr,
		proto:      proto,
		nc:         nc,
		logger:     loggingutil.WithSubsystem(opts.Logger, "cachetx.transport").With("conn_id", id, "addr", addr),
		onTopology: opts.OnTopology,
		pending:    make(map[uint64]*Call),
		done:       make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// ID returns the connection's log identifier.
func (c *Conn) ID() string { return c.id }

// Addr returns the remote address the connection was dialled to.
func (c *Conn) Addr() string { return c.addr }

// Protocol returns the protocol spoken on c.
func (c *Conn) Protocol() *wire.Protocol { return c.proto }

// Done is closed once the connection has shut down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Healthy reports whether c can accept new calls.
func (c *Conn) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// InFlight returns the number of registered calls.
func (c *Conn) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Submit encodes req under a fresh message id, registers the call and writes
// it. The call is registered before any byte reaches the socket.
func (c *Conn) Submit(req wire.Request) (*Call, error) {
	codes, ok := c.proto.Opcodes(req.Op)
	if !ok {
		return nil, fmt.Errorf("transport: protocol %s has no opcode for %s", c.proto.Version, req.Op)
	}
	req.Header.MessageID = c.nextID.Add(1)
	buf, err := c.proto.EncodeRequest(req)
	if err != nil {
		return nil, err
	}
	call := &Call{ID: req.Header.MessageID, Opcode: codes.Request, conn: c, fut: future.New[wire.Response]()}
	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return nil, err
	}
	c.pending[call.ID] = call
	c.mu.Unlock()

	c.writeMu.Lock()
	_, err = c.nc.Write(buf)
	c.writeMu.Unlock()
	if err != nil {
		c.abandon(call.ID)
		cause := fmt.Errorf("%w: write: %v", ErrConnectionClosed, err)
		c.shutdown(cause)
		return nil, cause
	}
	c.logger.Trace("transport.request.sent", "message_id", call.ID, "op", req.Op.String(), "bytes", len(buf))
	return call, nil
}

// RoundTrip submits req and waits for its response. timeout bounds the wait
// for this attempt only; its expiry yields ErrTimeout while cancellation of
// ctx yields ctx's error.
func (c *Conn) RoundTrip(ctx context.Context, req wire.Request, timeout time.Duration) (wire.Response, error) {
	call, err := c.Submit(req)
	if err != nil {
		return wire.Response{}, err
	}
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	resp, err := call.Await(waitCtx)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		c.logger.Debug("transport.request.timeout", "message_id", call.ID, "timeout", timeout)
		return wire.Response{}, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
	return resp, err
}

func (c *Conn) abandon(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Close shuts the connection down and fails every outstanding call with
// ErrClosed.
func (c *Conn) Close() error {
	c.closeWith(ErrClosed)
	return nil
}

// closeWith shuts the connection down, failing outstanding calls with cause.
func (c *Conn) closeWith(cause error) {
	c.shutdown(cause)
	<-c.done
}

func (c *Conn) shutdown(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = cause
	pending := c.pending
	c.pending = make(map[uint64]*Call)
	c.mu.Unlock()

	_ = c.nc.Close()
	for _, call := range pending {
		call.fut.Fail(cause)
	}
	if len(pending) > 0 {
		c.logger.Debug("transport.conn.failed_pending", "count", len(pending), "error", cause)
	}
}

// streamTracker records the first error returned by the underlying stream so
// a truncated frame caused by a dropped connection is not mistaken for a
// protocol defect.
type streamTracker struct {
	r   io.Reader
	err error
}

func (t *streamTracker) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && t.err == nil {
		t.err = err
	}
	return n, err
}

func (c *Conn) readLoop() {
	defer close(c.done)
	tracker := &streamTracker{r: c.nc}
	r := wire.NewReader(bufio.NewReader(tracker))
	for {
		resp, err := c.proto.ReadResponse(r)
		if err != nil {
			c.readFailed(err, tracker.err)
			return
		}
		if resp.Header.Topology != nil && c.onTopology != nil {
			c.onTopology(*resp.Header.Topology)
		}
		c.dispatch(resp)
	}
}

func (c *Conn) readFailed(err, streamErr error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		c.shutdown(ErrClosed)
		return
	}
	if streamErr != nil {
		if !errors.Is(streamErr, io.EOF) {
			c.logger.Debug("transport.conn.read_error", "error", streamErr)
		}
		c.shutdown(fmt.Errorf("%w: %v", ErrConnectionClosed, streamErr))
		return
	}
	c.logger.Warn("transport.conn.poisoned", "error", err)
	c.shutdown(err)
}

func (c *Conn) dispatch(resp wire.Response) {
	id := resp.Header.MessageID
	c.mu.Lock()
	call, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("transport.response.stale", "message_id", id, "opcode", resp.Header.Opcode)
		return
	}
	call.fut.Complete(resp)
}
