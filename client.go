package cachetx

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/cachetx/api"
	"pkt.systems/cachetx/internal/correlation"
	"pkt.systems/cachetx/internal/loggingutil"
	"pkt.systems/cachetx/internal/retry"
	"pkt.systems/cachetx/internal/topology"
	"pkt.systems/cachetx/internal/transport"
	"pkt.systems/cachetx/internal/txncoord"
	"pkt.systems/cachetx/internal/wire"
)

// TxnInfo is a point-in-time copy of one transaction record.
type TxnInfo = txncoord.Info

// Client is the participant a transaction manager drives. It owns the
// connection pool, the retry engine, the coordinator and its sweeper.
type Client struct {
	cfg       Config
	logger    pslog.Logger
	factory   *transport.Factory
	coord     *txncoord.Coordinator
	watcher   *topology.Watcher
	telemetry *telemetryBundle

	stopSweep context.CancelFunc
	sweepDone chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New validates cfg and starts a client. Connections are dialled lazily.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := loggingutil.WithSubsystem(cfg.Logger, "cachetx.client")
	proto, err := wire.Lookup(wire.Version(cfg.ProtocolVersion))
	if err != nil {
		return nil, err
	}

	initial := topology.Topology{Servers: cfg.Servers}
	var (
		source topology.Source
		file   topology.File
	)
	if cfg.TopologyFile != "" {
		file = topology.File{Path: cfg.TopologyFile}
		source = file
		if len(initial.Servers) == 0 {
			if initial, err = file.Load(ctx); err != nil {
				return nil, err
			}
		}
	}

	telemetry, err := setupTelemetry(ctx, telemetryOptionsFrom(cfg), cfg.Logger)
	if err != nil {
		return nil, err
	}

	ref := topology.NewReference(initial)
	factory := transport.NewFactory(transport.FactoryConfig{
		Pool: transport.PoolConfig{
			Protocol:    proto,
			MaxPerAddr:  cfg.MaxConnsPerServer,
			MaxInFlight: cfg.MaxInFlightPerConn,
			DialTimeout: cfg.ConnectTimeout,
			TLS:         cfg.TLS,
		},
		Topology: ref,
		Source:   source,
		Logger:   cfg.Logger,
	})
	deadline := cfg.RetryDeadline
	if deadline < 0 {
		deadline = 0
	}
	engine := retry.New(factory, retry.Config{
		MaxAttempts:    cfg.RetryMaxAttempts,
		BaseDelay:      cfg.RetryBaseDelay,
		MaxDelay:       cfg.RetryMaxDelay,
		Multiplier:     cfg.RetryMultiplier,
		Deadline:       deadline,
		AttemptTimeout: cfg.OperationTimeout,
	}, cfg.Clock, cfg.Logger)
	coord, err := txncoord.New(txncoord.Config{
		Executor:          engine,
		Logger:            cfg.Logger,
		Clock:             cfg.Clock,
		DefaultTimeout:    cfg.DefaultTxnTimeout,
		Recoverable:       cfg.Recoverable,
		DecisionRetention: cfg.DecisionRetention,
	})
	if err != nil {
		_ = factory.Close()
		_ = telemetry.Shutdown(ctx)
		return nil, err
	}

	c := &Client{
		cfg:       cfg,
		logger:    logger,
		factory:   factory,
		coord:     coord,
		telemetry: telemetry,
	}
	if cfg.TopologyFile != "" {
		if c.watcher, err = topology.Watch(file, ref, cfg.Logger); err != nil {
			_ = factory.Close()
			_ = telemetry.Shutdown(ctx)
			return nil, err
		}
	}
	if !cfg.DisableSweeper {
		sweepCtx, cancel := context.WithCancel(context.Background())
		c.stopSweep = cancel
		c.sweepDone = make(chan struct{})
		go func() {
			defer close(c.sweepDone)
			_ = coord.Run(sweepCtx, cfg.SweepInterval)
		}()
	}
	logger.Info("client.start",
		"servers", initial.Servers,
		"topology_id", initial.ID,
		"protocol", proto.Version.String(),
		"cache", cfg.CacheName,
		"recoverable", cfg.Recoverable,
		"txn_timeout", cfg.DefaultTxnTimeout,
	)
	return c, nil
}

// Config returns the validated configuration.
func (c *Client) Config() Config { return c.cfg }

// Topology returns the current cluster membership.
func (c *Client) Topology() (int32, []string) {
	t := c.factory.CurrentTopology()
	return t.ID, t.Servers
}

// MetricsAddr returns the bound metrics listener, or "" when disabled.
func (c *Client) MetricsAddr() string { return c.telemetry.MetricsAddr() }

// Begin generates a fresh Xid with formatID and enlists it on the
// configured cache.
func (c *Client) Begin(formatID int32) (api.Xid, error) {
	xid := api.GenerateXid(formatID)
	if err := c.Enlist(xid); err != nil {
		return api.Xid{}, err
	}
	return xid, nil
}

// Enlist registers xid on the configured cache.
func (c *Client) Enlist(xid api.Xid) error {
	return xaError("start", c.coord.Enlist(c.cfg.CacheName, xid))
}

// EnlistOn registers xid on cacheName.
func (c *Client) EnlistOn(cacheName string, xid api.Xid) error {
	return xaError("start", c.coord.Enlist(cacheName, xid))
}

// AddModification records m under xid.
func (c *Client) AddModification(xid api.Xid, m api.Modification) error {
	return xaError("add", c.coord.AddModification(xid, m))
}

// SetTransactionTimeout overrides the timeout of an active transaction.
func (c *Client) SetTransactionTimeout(xid api.Xid, timeout time.Duration) error {
	return xaError("set_timeout", c.coord.SetTimeout(xid, timeout))
}

// Prepare collects the participant vote. A rollback vote is returned as
// *api.XAError carrying XA_RBROLLBACK, matching how transaction managers
// expect a negative vote.
func (c *Client) Prepare(ctx context.Context, xid api.Xid) (api.Vote, error) {
	ctx = correlation.Ensure(ctx)
	vote, err := c.coord.Prepare(ctx, xid, false)
	if err != nil {
		return vote, xaError("prepare", err)
	}
	if vote == api.VoteRollback {
		return vote, &api.XAError{Code: api.XARollback, Op: "prepare"}
	}
	return vote, nil
}

// Commit commits xid. onePhase commits an unprepared transaction with a
// single request.
func (c *Client) Commit(ctx context.Context, xid api.Xid, onePhase bool) error {
	ctx = correlation.Ensure(ctx)
	outcome, err := c.coord.Commit(ctx, xid, onePhase)
	if err != nil {
		return xaError("commit", err)
	}
	return outcomeError("commit", outcome, true)
}

// Rollback rolls xid back.
func (c *Client) Rollback(ctx context.Context, xid api.Xid) error {
	ctx = correlation.Ensure(ctx)
	outcome, err := c.coord.Rollback(ctx, xid)
	if err != nil {
		return xaError("rollback", err)
	}
	return outcomeError("rollback", outcome, false)
}

// Forget discards a heuristically completed or in-doubt transaction.
func (c *Client) Forget(ctx context.Context, xid api.Xid) error {
	ctx = correlation.Ensure(ctx)
	return xaError("forget", c.coord.Forget(ctx, xid))
}

// Recover lists the Xids the server holds in doubt.
func (c *Client) Recover(ctx context.Context) ([]api.Xid, error) {
	ctx = correlation.Ensure(ctx)
	xids, err := c.coord.Recover(ctx)
	if err != nil {
		return nil, xaError("recover", err)
	}
	return xids, nil
}

// Snapshot returns the local record of xid.
func (c *Client) Snapshot(xid api.Xid) (TxnInfo, bool) { return c.coord.Snapshot(xid) }

// Close stops the sweeper and the topology watcher, closes every pooled
// connection and flushes telemetry.
func (c *Client) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		var errs []error
		if c.stopSweep != nil {
			c.stopSweep()
			<-c.sweepDone
		}
		if c.watcher != nil {
			if err := c.watcher.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := c.factory.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := c.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		c.closeErr = errors.Join(errs...)
		c.logger.Info("client.stop", "error", c.closeErr)
	})
	return c.closeErr
}

// xaError maps coordinator and transport failures to XA error codes.
func xaError(op string, err error) error {
	if err == nil {
		return nil
	}
	var xe *api.XAError
	if errors.As(err, &xe) {
		return err
	}
	code := api.XAErRMFail
	switch {
	case errors.Is(err, txncoord.ErrUnknownXid):
		code = api.XAErNotA
	case errors.Is(err, txncoord.ErrInvalidPhase),
		errors.Is(err, txncoord.ErrCacheMismatch),
		errors.Is(err, txncoord.ErrInvalidXid):
		code = api.XAErProto
	}
	return &api.XAError{Code: code, Op: op, Err: err}
}

// outcomeError reports anything but the requested outcome as an XA error.
func outcomeError(op string, outcome api.Outcome, commit bool) error {
	switch outcome {
	case api.OutcomeCommitted:
		if commit {
			return nil
		}
		return &api.XAError{Code: api.XAHeurCom, Op: op}
	case api.OutcomeRolledBack:
		if !commit {
			return nil
		}
		return &api.XAError{Code: api.XARollback, Op: op}
	case api.OutcomeHeuristicCommit:
		return &api.XAError{Code: api.XAHeurCom, Op: op}
	case api.OutcomeHeuristicRollback:
		return &api.XAError{Code: api.XAHeurRB, Op: op}
	case api.OutcomeHeuristicMixed:
		return &api.XAError{Code: api.XAHeurMix, Op: op}
	case api.OutcomeHeuristicHazard:
		return &api.XAError{Code: api.XAHeurHaz, Op: op}
	case api.OutcomeUnknownXid:
		return &api.XAError{Code: api.XAErNotA, Op: op}
	default:
		return &api.XAError{Code: api.XAErRMFail, Op: op, Err: fmt.Errorf("unexpected outcome %s", outcome)}
	}
}
