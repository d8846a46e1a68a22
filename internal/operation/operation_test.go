package operation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"pkt.systems/cachetx/api"
	"pkt.systems/cachetx/internal/servertest"
	"pkt.systems/cachetx/internal/topology"
	"pkt.systems/cachetx/internal/transport"
	"pkt.systems/cachetx/internal/wire"
)

func newChannels(t *testing.T, srv *servertest.Server) *transport.Factory {
	t.Helper()
	f := transport.NewFactory(transport.FactoryConfig{
		Topology: topology.NewReference(topology.Topology{ID: 1, Servers: []string{srv.Addr()}}),
	})
	t.Cleanup(func() { f.Close() })
	return f
}

func run(t *testing.T, ch Channels, o Operation) (Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return Execute(ctx, ch, o, time.Second)
}

func mods() []api.Modification {
	return []api.Modification{api.Put([]byte("k1"), []byte("v1")), api.Remove([]byte("k2"))}
}

func TestPrepareVotes(t *testing.T) {
	t.Parallel()
	srv := servertest.New(t)
	ch := newChannels(t, srv)

	xid := api.GenerateXid(1)
	res, err := run(t, ch, Prepare("c", xid, false, true, time.Minute, mods()))
	if err != nil {
		t.Fatal(err)
	}
	if res.XACode != api.XAOK || res.ShouldRetry {
		t.Fatalf("unexpected prepare result %+v", res)
	}
	body, ok := srv.LastPrepare(xid)
	if !ok || !body.Recoverable || body.Timeout != time.Minute || len(body.Modifications) != 2 {
		t.Fatalf("prepare payload not carried: %+v", body)
	}

	res, err = run(t, ch, Prepare("c", api.GenerateXid(1), false, false, 0, nil))
	if err != nil || res.XACode != api.XARdOnly {
		t.Fatalf("expected read-only vote, got %+v %v", res, err)
	}
}

func TestPrepareConflictSetsShouldRetry(t *testing.T) {
	t.Parallel()
	srv := servertest.New(t)
	srv.ConflictOn("c", []byte("k1"))
	ch := newChannels(t, srv)
	res, err := run(t, ch, Prepare("c", api.GenerateXid(1), false, false, 0, mods()))
	if err != nil {
		t.Fatalf("conflict is not a transport error: %v", err)
	}
	if !res.ShouldRetry || res.Status != wire.StatusNotExecuted || res.XACode != 0 {
		t.Fatalf("unexpected conflict result %+v", res)
	}
}

func TestPrepareOtherStatusVotesRollback(t *testing.T) {
	t.Parallel()
	srv := servertest.New(t)
	srv.Inject(wire.OpPrepare, servertest.Fault{Status: wire.StatusKeyDoesNotExist})
	ch := newChannels(t, srv)
	res, err := run(t, ch, Prepare("c", api.GenerateXid(1), false, false, 0, mods()))
	if err != nil || res.XACode != api.XARollback || res.ShouldRetry {
		t.Fatalf("expected rollback vote, got %+v %v", res, err)
	}
}

func TestCompleteOutcomes(t *testing.T) {
	t.Parallel()
	srv := servertest.New(t)
	ch := newChannels(t, srv)

	res, err := run(t, ch, Complete(api.GenerateXid(1), true))
	if err != nil || res.XACode != api.XAErNotA {
		t.Fatalf("unknown xid should answer XAER_NOTA, got %+v %v", res, err)
	}

	xid := api.GenerateXid(1)
	srv.SeedInDoubt("c", xid, api.Put([]byte("k"), []byte("v")))
	res, err = run(t, ch, Complete(xid, true))
	if err != nil || res.XACode != api.XAOK || res.Degraded {
		t.Fatalf("commit failed: %+v %v", res, err)
	}
	if v, ok := srv.Get("c", []byte("k")); !ok || string(v) != "v" {
		t.Fatal("commit was not applied")
	}
}

func TestCompleteDegradesToHeuristicRollback(t *testing.T) {
	t.Parallel()
	srv := servertest.New(t)
	ch := newChannels(t, srv)
	cases := []servertest.Fault{
		{Status: wire.StatusServerError, Message: "disk on fire"},
		{Status: wire.StatusNotExecuted},
		{Status: wire.StatusSuccess, Opcode: 0x7A},
	}
	for i, f := range cases {
		srv.Inject(wire.OpRollback, f)
		res, err := run(t, ch, Complete(api.GenerateXid(1), false))
		if err != nil {
			t.Fatalf("case %d: completion must not throw, got %v", i, err)
		}
		if !res.Degraded || res.XACode != api.XAHeurRB || res.Cause == nil {
			t.Fatalf("case %d: expected degraded heuristic rollback, got %+v", i, res)
		}
	}
}

func TestCompleteTransientStatusIsError(t *testing.T) {
	t.Parallel()
	srv := servertest.New(t)
	srv.Inject(wire.OpCommit, servertest.Fault{Status: wire.StatusNodeSuspected})
	ch := newChannels(t, srv)
	_, err := run(t, ch, Complete(api.GenerateXid(1), true))
	if !IsTransient(err) || !IsStaleTopology(err) {
		t.Fatalf("expected stale topology error, got %v", err)
	}
}

func TestOpcodeMismatchIsProtocolError(t *testing.T) {
	t.Parallel()
	srv := servertest.New(t)
	srv.Inject(wire.OpPrepare, servertest.Fault{Status: wire.StatusSuccess, Opcode: 0x3E})
	ch := newChannels(t, srv)
	_, err := run(t, ch, Prepare("c", api.GenerateXid(1), false, false, 0, mods()))
	if !errors.Is(err, ErrOpcodeMismatch) || !IsProtocol(err) || IsTransient(err) {
		t.Fatalf("expected opcode mismatch, got %v", err)
	}
}

func TestForgetUnknownXidSucceeds(t *testing.T) {
	t.Parallel()
	srv := servertest.New(t)
	ch := newChannels(t, srv)
	res, err := run(t, ch, Forget(api.GenerateXid(1)))
	if err != nil {
		t.Fatalf("forget of unknown xid must succeed: %v", err)
	}
	if res.Status != wire.StatusKeyDoesNotExist {
		t.Fatalf("unexpected status %s", res.Status)
	}
}

func TestRecovery(t *testing.T) {
	t.Parallel()
	srv := servertest.New(t)
	ch := newChannels(t, srv)
	res, err := run(t, ch, Recovery())
	if err != nil || len(res.Xids) != 0 {
		t.Fatalf("empty recovery must succeed, got %+v %v", res, err)
	}
	xid := api.GenerateXid(9)
	srv.SeedInDoubt("c", xid)
	res, err = run(t, ch, Recovery())
	if err != nil || len(res.Xids) != 1 || res.Xids[0] != xid {
		t.Fatalf("expected seeded xid, got %+v %v", res, err)
	}

	bare := servertest.New(t, servertest.WithoutRecovery())
	_, err = run(t, newChannels(t, bare), Recovery())
	if !errors.Is(err, ErrRecoveryNotSupported) {
		t.Fatalf("expected ErrRecoveryNotSupported, got %v", err)
	}
	var serr *StatusError
	if !errors.As(err, &serr) || serr.Status != wire.StatusUnknownCommand {
		t.Fatalf("status error not preserved: %v", err)
	}
}

func TestRequestUsesProtocolTable(t *testing.T) {
	t.Parallel()
	xid := api.MustXid(1, []byte("g"), []byte("b"))
	for _, v := range wire.Versions() {
		p, _ := wire.Lookup(v)
		for _, o := range []Operation{Prepare("c", xid, true, false, 0, mods()), Complete(xid, true), Complete(xid, false), Forget(xid), Recovery()} {
			buf, err := p.EncodeRequest(o.Request(3))
			if err != nil {
				t.Fatalf("%s %s: %v", v, o.Kind, err)
			}
			if len(buf) != o.Size(p, 3) {
				t.Fatalf("%s %s: size mismatch", v, o.Kind)
			}
		}
	}
	if Complete(xid, true).CacheName != "" || Forget(xid).CacheName != "" {
		t.Fatal("global operations must not carry a cache name")
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestErrorClassification(t *testing.T) {
	t.Parallel()
	cases := []struct {
		err       error
		transient bool
		protocol  bool
	}{
		{nil, false, false},
		{fmt.Errorf("wrap: %w", transport.ErrConnectionClosed), true, false},
		{transport.ErrTimeout, true, false},
		{transport.ErrClosed, false, false},
		{&StatusError{Op: KindPrepare, Status: wire.StatusIllegalLifecycleState}, true, false},
		{&StatusError{Op: KindPrepare, Status: wire.StatusCommandTimeout}, true, false},
		{&StatusError{Op: KindPrepare, Status: wire.StatusParseError}, false, false},
		{&wire.DecodeError{Field: "x", Err: io.ErrUnexpectedEOF}, false, true},
		{wire.ErrBufferOverflow, false, true},
		{ErrOpcodeMismatch, false, true},
		{&net.OpError{Op: "read", Err: timeoutErr{}}, true, false},
		{context.Canceled, false, false},
		{context.DeadlineExceeded, false, false},
	}
	for i, tc := range cases {
		if got := IsTransient(tc.err); got != tc.transient {
			t.Fatalf("case %d (%v): transient=%v", i, tc.err, got)
		}
		if got := IsProtocol(tc.err); got != tc.protocol {
			t.Fatalf("case %d (%v): protocol=%v", i, tc.err, got)
		}
	}
}
