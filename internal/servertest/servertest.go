// Package servertest runs an in-process participant server that speaks the
// cache transaction protocol. It keeps prepared branches in memory, applies
// committed modifications to per-cache maps and exposes fault injection for
// retry, conflict and topology tests.
package servertest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/cachetx/api"
	"pkt.systems/cachetx/internal/loggingutil"
	"pkt.systems/cachetx/internal/wire"
)

// Fault describes how the next matching requests are answered instead of
// being executed.
type Fault struct {
	// Status answers with this status. Error statuses use the error response
	// opcode and Message.
	Status  wire.Status
	Message string
	// Drop closes the connection without answering.
	Drop bool
	// Stall never answers.
	Stall bool
	// Opcode overrides the response opcode.
	Opcode byte
}

type branch struct {
	cache    string
	mods     []api.Modification
	onePhase bool
}

// Server is a running test participant.
type Server struct {
	ln     net.Listener
	logger pslog.Logger

	mu         sync.Mutex
	prepared   map[api.Xid]branch
	decided    map[api.Xid]bool
	data       map[string]map[string][]byte
	faults     map[wire.Op][]Fault
	conflicts  map[string]bool
	counts     map[wire.Op]int
	prepares   map[api.Xid]wire.PrepareBody
	topology   *wire.TopologyUpdate
	noRecovery bool
	conns      map[net.Conn]struct{}
	closed     bool

	wg sync.WaitGroup
}

type options struct {
	addr       string
	logger     pslog.Logger
	noRecovery bool
}

// Option customises New.
type Option func(*options)

// WithAddr overrides the listen address.
func WithAddr(addr string) Option { return func(o *options) { o.addr = addr } }

// WithLogger routes server logs to logger.
func WithLogger(logger pslog.Logger) Option { return func(o *options) { o.logger = logger } }

// WithoutRecovery makes the server reject recovery requests as an unknown
// command.
func WithoutRecovery() Option { return func(o *options) { o.noRecovery = true } }

// New starts a server on a loopback port. It is closed by t.Cleanup.
func New(t testing.TB, opts ...Option) *Server {
	t.Helper()
	s, err := Start(opts...)
	if err != nil {
		t.Fatalf("servertest: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// Start starts a server without a testing.TB.
func Start(opts ...Option) (*Server, error) {
	o := options{addr: "127.0.0.1:0"}
	for _, opt := range opts {
		opt(&o)
	}
	ln, err := net.Listen("tcp", o.addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", o.addr, err)
	}
	s := &Server{
		ln:         ln,
		logger:     loggingutil.WithSubsystem(o.logger, "servertest"),
		prepared:   make(map[api.Xid]branch),
		decided:    make(map[api.Xid]bool),
		data:       make(map[string]map[string][]byte),
		faults:     make(map[wire.Op][]Fault),
		conflicts:  make(map[string]bool),
		counts:     make(map[wire.Op]int),
		prepares:   make(map[api.Xid]wire.PrepareBody),
		noRecovery: o.noRecovery,
		conns:      make(map[net.Conn]struct{}),
	}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Addr returns host:port of the listener.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Close stops accepting and drops every connection.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	err := s.ln.Close()
	s.wg.Wait()
	return err
}

// DropConnections closes every open client connection.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		_ = c.Close()
	}
}

// Inject queues faults for the next requests of op, one per request.
func (s *Server) Inject(op wire.Op, faults ...Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = append(s.faults[op], faults...)
}

// InjectN queues n copies of f for op.
func (s *Server) InjectN(op wire.Op, n int, f Fault) {
	faults := make([]Fault, n)
	for i := range faults {
		faults[i] = f
	}
	s.Inject(op, faults...)
}

// ConflictOn makes every prepare touching key in cache vote a conflict.
func (s *Server) ConflictOn(cache string, key []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflicts[cache+"\x00"+string(key)] = true
}

// SetTopology makes the server piggyback update on every response to a
// request whose topology id is older than update.ID.
func (s *Server) SetTopology(update wire.TopologyUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := update
	u.Servers = append([]wire.ServerAddress(nil), update.Servers...)
	s.topology = &u
}

// SeedInDoubt records xid as prepared, as if a previous client had crashed
// after prepare.
func (s *Server) SeedInDoubt(cache string, xid api.Xid, mods ...api.Modification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prepared[xid] = branch{cache: cache, mods: mods}
}

// Count returns how many requests of op were received, faulted ones included.
func (s *Server) Count(op wire.Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[op]
}

// Prepared reports whether xid is held in doubt.
func (s *Server) Prepared(xid api.Xid) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.prepared[xid]
	return ok
}

// InDoubt lists prepared xids in a stable order.
func (s *Server) InDoubt() []api.Xid {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inDoubtLocked()
}

// LastPrepare returns the most recent prepare payload received for xid.
func (s *Server) LastPrepare(xid api.Xid) (wire.PrepareBody, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	body, ok := s.prepares[xid]
	return body, ok
}

// Get returns the committed value of key in cache.
func (s *Server) Get(cache string, key []byte) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[cache][string(key)]
	return v, ok
}

func (s *Server) inDoubtLocked() []api.Xid {
	out := make([]api.Xid, 0, len(s.prepared))
	for x := range s.prepared {
		out = append(out, x)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = c.Close()
			return
		}
		s.conns[c] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go s.serve(c)
	}
}

func (s *Server) serve(c net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		_ = c.Close()
	}()
	r := wire.NewReader(bufio.NewReader(c))
	for {
		req, proto, err := wire.ReadRequest(r)
		if err != nil {
			var de *wire.DecodeError
			if errors.As(err, &de) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("servertest.request.decode", "error", err)
			}
			return
		}
		resp, ok := s.handle(req, proto)
		if !ok {
			return
		}
		if resp == nil {
			continue
		}
		buf, err := proto.EncodeResponse(*resp)
		if err != nil {
			s.logger.Error("servertest.response.encode", "error", err)
			return
		}
		if _, err := c.Write(buf); err != nil {
			return
		}
	}
}

// handle returns the response to send, nil for no response, and false when
// the connection must be dropped.
func (s *Server) handle(req wire.Request, proto *wire.Protocol) (*wire.Response, bool) {
	codes, _ := proto.Opcodes(req.Op)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[req.Op]++
	if req.Op == wire.OpPrepare {
		s.prepares[req.Prepare.Xid] = req.Prepare
	}
	resp := &wire.Response{Header: wire.ResponseHeader{MessageID: req.Header.MessageID, Opcode: codes.Response}}
	if s.topology != nil && req.Header.TopologyID < s.topology.ID {
		t := *s.topology
		resp.Header.Topology = &t
	}

	if queue := s.faults[req.Op]; len(queue) > 0 {
		f := queue[0]
		s.faults[req.Op] = queue[1:]
		switch {
		case f.Drop:
			return nil, false
		case f.Stall:
			return nil, true
		}
		if f.Opcode != 0 {
			resp.Header.Opcode = f.Opcode
		}
		resp.Header.Status = f.Status
		if f.Status.IsError() {
			resp.Header.Opcode = wire.ErrorResponseOpcode
			resp.Body.ErrorMessage = f.Message
		} else if f.Status == wire.StatusSuccess {
			resp.Body = wire.ResponseBody{XACode: api.XAOK, HasXACode: true}
		}
		return resp, true
	}

	switch req.Op {
	case wire.OpPrepare:
		s.prepareLocked(req, resp)
	case wire.OpCommit, wire.OpRollback:
		s.completeLocked(req.Xid, req.Op == wire.OpCommit, resp)
	case wire.OpForget:
		if _, ok := s.prepared[req.Xid]; !ok {
			if _, ok := s.decided[req.Xid]; !ok {
				resp.Header.Status = wire.StatusKeyDoesNotExist
			}
		}
		delete(s.prepared, req.Xid)
		delete(s.decided, req.Xid)
	case wire.OpRecovery:
		if s.noRecovery {
			resp.Header.Opcode = wire.ErrorResponseOpcode
			resp.Header.Status = wire.StatusUnknownCommand
			resp.Body.ErrorMessage = "recovery is not supported"
			return resp, true
		}
		resp.Body.Xids = s.inDoubtLocked()
	}
	return resp, true
}

func (s *Server) prepareLocked(req wire.Request, resp *wire.Response) {
	body := req.Prepare
	cache := req.Header.CacheName
	for _, m := range body.Modifications {
		if m.Kind.HasKey() && s.conflicts[cache+"\x00"+string(m.Key)] {
			resp.Header.Status = wire.StatusNotExecuted
			return
		}
	}
	resp.Body.HasXACode = true
	if _, ok := s.prepared[body.Xid]; ok {
		resp.Body.XACode = api.XAOK
		return
	}
	if len(body.Modifications) == 0 {
		resp.Body.XACode = api.XARdOnly
		return
	}
	if body.OnePhase {
		s.applyLocked(cache, body.Modifications)
		s.decided[body.Xid] = true
		resp.Body.XACode = api.XAOK
		return
	}
	s.prepared[body.Xid] = branch{cache: cache, mods: body.Modifications}
	resp.Body.XACode = api.XAOK
}

func (s *Server) completeLocked(xid api.Xid, commit bool, resp *wire.Response) {
	resp.Body.HasXACode = true
	b, ok := s.prepared[xid]
	if !ok {
		if prior, seen := s.decided[xid]; seen && prior == commit {
			resp.Body.XACode = api.XAOK
			return
		}
		resp.Body.XACode = api.XAErNotA
		return
	}
	delete(s.prepared, xid)
	s.decided[xid] = commit
	if commit {
		s.applyLocked(b.cache, b.mods)
	}
	resp.Body.XACode = api.XAOK
}

func (s *Server) applyLocked(cache string, mods []api.Modification) {
	entries := s.data[cache]
	if entries == nil {
		entries = make(map[string][]byte)
		s.data[cache] = entries
	}
	for _, m := range mods {
		switch m.Kind {
		case api.ModPut, api.ModReplace, api.ModReplaceWithVersion:
			entries[string(m.Key)] = append([]byte(nil), m.Value...)
		case api.ModPutIfAbsent:
			if _, ok := entries[string(m.Key)]; !ok {
				entries[string(m.Key)] = append([]byte(nil), m.Value...)
			}
		case api.ModRemove, api.ModRemoveWithVersion:
			delete(entries, string(m.Key))
		case api.ModClear:
			clear(entries)
		}
	}
}

// Wait blocks until the server has received n requests of op or ctx ends.
func (s *Server) Wait(ctx context.Context, op wire.Op, n int) error {
	for {
		if s.Count(op) >= n {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		time.Sleep(time.Millisecond)
	}
}
