package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/cachetx/internal/loggingutil"
	"pkt.systems/cachetx/internal/wire"
)

// DialFunc opens a raw stream to addr.
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

// PoolConfig configures NewPool.
type PoolConfig struct {
	Protocol *wire.Protocol
	// MaxPerAddr caps connections per server address.
	MaxPerAddr int
	// MaxInFlight caps calls sharing one connection. Zero means no cap.
	MaxInFlight int
	DialTimeout time.Duration
	TLS         *tls.Config
	Dial        DialFunc
	Logger      pslog.Logger
	OnTopology  func(wire.TopologyUpdate)
}

// Lease is one in-flight slot on a shared connection. Other leases may use
// the same connection concurrently. Release must be called exactly once,
// whether the attempt succeeded or failed.
type Lease struct {
	pc   *pooledConn
	pool *addrPool
	once sync.Once
}

// Conn returns the leased connection.
func (l *Lease) Conn() *Conn { return l.pc.conn }

// Release frees the slot. Broken connections are discarded once idle.
func (l *Lease) Release() {
	l.once.Do(func() { l.pool.release(l.pc) })
}

// Pool keeps up to MaxPerAddr shared connections per server address.
type Pool struct {
	cfg    PoolConfig
	logger pslog.Logger

	mu     sync.RWMutex
	pools  map[string]*addrPool
	closed bool
}

// NewPool returns an empty pool. Connections are dialled lazily.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.MaxPerAddr <= 0 {
		cfg.MaxPerAddr = 1
	}
	if cfg.MaxInFlight < 0 {
		cfg.MaxInFlight = 0
	}
	if cfg.Protocol == nil {
		cfg.Protocol, _ = wire.Lookup(wire.DefaultVersion)
	}
	if cfg.Dial == nil {
		cfg.Dial = defaultDialer(cfg.DialTimeout, cfg.TLS)
	}
	return &Pool{
		cfg:    cfg,
		logger: loggingutil.WithSubsystem(cfg.Logger, "cachetx.transport.pool"),
		pools:  make(map[string]*addrPool),
	}
}

func defaultDialer(timeout time.Duration, tlsConfig *tls.Config) DialFunc {
	base := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	if tlsConfig != nil {
		td := &tls.Dialer{NetDialer: base, Config: tlsConfig}
		return func(ctx context.Context, addr string) (net.Conn, error) {
			return td.DialContext(ctx, "tcp", addr)
		}
	}
	return func(ctx context.Context, addr string) (net.Conn, error) {
		return base.DialContext(ctx, "tcp", addr)
	}
}

// Acquire takes an in-flight slot on a connection to addr. The least loaded
// connection is shared; a new one is dialled only while every open
// connection is busy and the address is below MaxPerAddr. Acquire waits only
// when every connection is at MaxInFlight.
func (p *Pool) Acquire(ctx context.Context, addr string) (*Lease, error) {
	ap, err := p.addrPool(addr)
	if err != nil {
		return nil, err
	}
	pc, err := ap.get(ctx)
	if err != nil {
		return nil, err
	}
	return &Lease{pc: pc, pool: ap}, nil
}

func (p *Pool) addrPool(addr string) (*addrPool, error) {
	p.mu.RLock()
	ap, ok := p.pools[addr]
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if ok {
		return ap, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if ap, ok = p.pools[addr]; ok {
		return ap, nil
	}
	ap = &addrPool{
		addr:        addr,
		max:         p.cfg.MaxPerAddr,
		maxInFlight: p.cfg.MaxInFlight,
		wake:        make(chan struct{}),
		logger:      p.logger,
		dial: func(ctx context.Context) (*Conn, error) {
			nc, err := p.cfg.Dial(ctx, addr)
			if err != nil {
				return nil, fmt.Errorf("%w: dial %s: %v", ErrConnectionClosed, addr, err)
			}
			conn := NewConn(nc, addr, ConnOptions{Protocol: p.cfg.Protocol, Logger: p.cfg.Logger, OnTopology: p.cfg.OnTopology})
			p.logger.Debug("transport.pool.dialed", "addr", addr, "conn_id", conn.ID())
			return conn, nil
		},
	}
	p.pools[addr] = ap
	return ap, nil
}

// Retain closes the pools of every address not in keep. Calls outstanding on
// a retired member fail with ErrConnectionClosed so they are retried against
// the remaining members.
func (p *Pool) Retain(keep []string) {
	wanted := make(map[string]struct{}, len(keep))
	for _, addr := range keep {
		wanted[addr] = struct{}{}
	}
	p.mu.Lock()
	var dropped []*addrPool
	for addr, ap := range p.pools {
		if _, ok := wanted[addr]; !ok {
			dropped = append(dropped, ap)
			delete(p.pools, addr)
		}
	}
	p.mu.Unlock()
	for _, ap := range dropped {
		p.logger.Info("transport.pool.retired", "addr", ap.addr)
		ap.close(fmt.Errorf("%w: member %s retired", ErrConnectionClosed, ap.addr))
	}
}

// Addrs lists addresses with a live pool.
func (p *Pool) Addrs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.pools))
	for addr := range p.pools {
		out = append(out, addr)
	}
	return out
}

// Close shuts every connection down. Outstanding calls fail with ErrClosed.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	pools := p.pools
	p.pools = make(map[string]*addrPool)
	p.mu.Unlock()
	for _, ap := range pools {
		ap.close(ErrClosed)
	}
	return nil
}

type pooledConn struct {
	conn   *Conn
	leases int
}

// addrPool shares up to max connections to a single address.
type addrPool struct {
	addr        string
	max         int
	maxInFlight int
	dial        func(ctx context.Context) (*Conn, error)
	logger      pslog.Logger

	mu       sync.Mutex
	conns    []*pooledConn
	dialing  int
	closeErr error
	// wake is closed and replaced whenever a slot frees up.
	wake chan struct{}
}

func (a *addrPool) get(ctx context.Context) (*pooledConn, error) {
	for {
		a.mu.Lock()
		if a.closeErr != nil {
			err := a.closeErr
			a.mu.Unlock()
			return nil, err
		}
		stale := a.pruneLocked()
		pick := a.leastLoadedLocked()
		canDial := len(a.conns)+a.dialing < a.max
		if pick != nil && (pick.leases == 0 || !canDial) {
			pick.leases++
			a.mu.Unlock()
			closeAll(stale)
			return pick, nil
		}
		if canDial {
			a.dialing++
			a.mu.Unlock()
			closeAll(stale)
			return a.dialNew(ctx)
		}
		wake := a.wake
		a.mu.Unlock()
		closeAll(stale)
		select {
		case <-wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (a *addrPool) dialNew(ctx context.Context) (*pooledConn, error) {
	conn, err := a.dial(ctx)
	a.mu.Lock()
	a.dialing--
	if err != nil {
		a.signalLocked()
		a.mu.Unlock()
		return nil, err
	}
	if a.closeErr != nil {
		cause := a.closeErr
		a.mu.Unlock()
		conn.closeWith(cause)
		return nil, cause
	}
	pc := &pooledConn{conn: conn, leases: 1}
	a.conns = append(a.conns, pc)
	a.mu.Unlock()
	return pc, nil
}

// leastLoadedLocked returns the healthy connection with the fewest leases
// that still has room, or nil.
func (a *addrPool) leastLoadedLocked() *pooledConn {
	var pick *pooledConn
	for _, pc := range a.conns {
		if a.maxInFlight > 0 && pc.leases >= a.maxInFlight {
			continue
		}
		if pick == nil || pc.leases < pick.leases {
			pick = pc
		}
	}
	return pick
}

// pruneLocked drops unhealthy connections and returns them for closing.
// Their remaining leases release into nothing.
func (a *addrPool) pruneLocked() []*Conn {
	var stale []*Conn
	kept := a.conns[:0]
	for _, pc := range a.conns {
		if pc.conn.Healthy() {
			kept = append(kept, pc)
			continue
		}
		stale = append(stale, pc.conn)
	}
	clear(a.conns[len(kept):])
	a.conns = kept
	if len(stale) > 0 {
		a.logger.Debug("transport.pool.pruned", "addr", a.addr, "count", len(stale))
		a.signalLocked()
	}
	return stale
}

func (a *addrPool) release(pc *pooledConn) {
	a.mu.Lock()
	pc.leases--
	stale := a.pruneLocked()
	a.signalLocked()
	a.mu.Unlock()
	closeAll(stale)
}

func (a *addrPool) signalLocked() {
	close(a.wake)
	a.wake = make(chan struct{})
}

func (a *addrPool) close(cause error) {
	a.mu.Lock()
	if a.closeErr != nil {
		a.mu.Unlock()
		return
	}
	a.closeErr = cause
	conns := a.conns
	a.conns = nil
	a.signalLocked()
	a.mu.Unlock()
	for _, pc := range conns {
		pc.conn.closeWith(cause)
	}
}

func closeAll(conns []*Conn) {
	for _, conn := range conns {
		_ = conn.Close()
	}
}
