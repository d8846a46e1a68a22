package transport

import (
	"context"
	"fmt"
	"sync/atomic"

	"pkt.systems/pslog"

	"pkt.systems/cachetx/internal/loggingutil"
	"pkt.systems/cachetx/internal/topology"
	"pkt.systems/cachetx/internal/wire"
)

// FactoryConfig configures NewFactory.
type FactoryConfig struct {
	Pool     PoolConfig
	Topology *topology.Reference
	// Source is consulted by RefreshTopology. When nil a refresh is a no-op.
	Source topology.Source
	Logger pslog.Logger
}

// Factory hands out connections routed by the current topology. Servers are
// chosen round-robin, so consecutive attempts land on different members when
// more than one exists.
type Factory struct {
	proto  *wire.Protocol
	ref    *topology.Reference
	source topology.Source
	pool   *Pool
	logger pslog.Logger
	cursor atomic.Uint64
}

// NewFactory builds a factory and its pool. Topology updates carried on
// responses are published to cfg.Topology.
func NewFactory(cfg FactoryConfig) *Factory {
	if cfg.Topology == nil {
		cfg.Topology = topology.NewReference(topology.Topology{})
	}
	if cfg.Pool.Protocol == nil {
		cfg.Pool.Protocol, _ = wire.Lookup(wire.DefaultVersion)
	}
	if cfg.Pool.Logger == nil {
		cfg.Pool.Logger = cfg.Logger
	}
	f := &Factory{
		proto:  cfg.Pool.Protocol,
		ref:    cfg.Topology,
		source: cfg.Source,
		logger: loggingutil.WithSubsystem(cfg.Logger, "cachetx.transport.factory"),
	}
	userHook := cfg.Pool.OnTopology
	cfg.Pool.OnTopology = func(update wire.TopologyUpdate) {
		f.applyUpdate(update)
		if userHook != nil {
			userHook(update)
		}
	}
	f.pool = NewPool(cfg.Pool)
	// Retain may close the connection whose read loop delivered the update.
	f.ref.OnChange(func(t topology.Topology) { go f.pool.Retain(t.Servers) })
	return f
}

// Protocol returns the negotiated protocol.
func (f *Factory) Protocol() *wire.Protocol { return f.proto }

// CurrentTopology returns the current topology snapshot.
func (f *Factory) CurrentTopology() topology.Topology { return f.ref.Current() }

// Acquire leases a connection for an operation on cacheName. Every cache is
// served by every member, so the name only annotates logs.
func (f *Factory) Acquire(ctx context.Context, cacheName string) (*Lease, error) {
	servers := f.ref.Current().Servers
	if len(servers) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrConnectionClosed, topology.ErrNoServers)
	}
	addr := servers[(f.cursor.Add(1)-1)%uint64(len(servers))]
	lease, err := f.pool.Acquire(ctx, addr)
	if err != nil {
		f.logger.Debug("transport.acquire.error", "addr", addr, "cache", cacheName, "error", err)
		return nil, err
	}
	return lease, nil
}

// Release returns a lease to the pool.
func (f *Factory) Release(l *Lease) {
	if l != nil {
		l.Release()
	}
}

// RefreshTopology reloads the topology source and publishes it when newer.
func (f *Factory) RefreshTopology(ctx context.Context) error {
	if f.source == nil {
		return nil
	}
	next, err := f.source.Load(ctx)
	if err != nil {
		return fmt.Errorf("transport: refresh topology: %w", err)
	}
	if f.ref.Publish(next) {
		f.logger.Info("transport.topology.refreshed", "topology_id", next.ID, "servers", len(next.Servers))
	}
	return nil
}

// Close shuts the pool down.
func (f *Factory) Close() error { return f.pool.Close() }

func (f *Factory) applyUpdate(update wire.TopologyUpdate) {
	servers := make([]string, 0, len(update.Servers))
	for _, s := range update.Servers {
		servers = append(servers, s.String())
	}
	next := topology.Topology{ID: update.ID, Servers: servers}
	if len(servers) == 0 {
		f.logger.Warn("transport.topology.empty_update", "topology_id", update.ID)
		return
	}
	if f.ref.Publish(next) {
		f.logger.Info("transport.topology.updated", "topology_id", next.ID, "servers", len(servers))
	}
}
