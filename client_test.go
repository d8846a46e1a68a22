package cachetx

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/cachetx/api"
	"pkt.systems/cachetx/internal/servertest"
	"pkt.systems/cachetx/internal/wire"
)

func newTestClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	if cfg.RetryBaseDelay == 0 {
		cfg.RetryBaseDelay = time.Millisecond
	}
	if cfg.OperationTimeout == 0 {
		cfg.OperationTimeout = 2 * time.Second
	}
	client, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close(context.Background()) })
	return client
}

func requireXACode(t *testing.T, err error, code int32) {
	t.Helper()
	var xe *api.XAError
	if !errors.As(err, &xe) {
		t.Fatalf("expected *api.XAError with code %d, got %v", code, err)
	}
	if xe.Code != code {
		t.Fatalf("expected XA code %d, got %d (%v)", code, xe.Code, err)
	}
}

func TestClientTwoPhaseCommit(t *testing.T) {
	srv := servertest.New(t)
	client := newTestClient(t, Config{Servers: []string{srv.Addr()}, CacheName: "orders"})
	ctx := context.Background()

	xid, err := client.Begin(api.DefaultFormatID)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := client.AddModification(xid, api.Put([]byte("order:1"), []byte("paid"))); err != nil {
		t.Fatalf("add: %v", err)
	}
	vote, err := client.Prepare(ctx, xid)
	if err != nil || vote != api.VoteCommit {
		t.Fatalf("prepare = %v, %v", vote, err)
	}
	if !srv.Prepared(xid) {
		t.Fatal("server does not hold the prepared branch")
	}
	if err := client.Commit(ctx, xid, false); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if v, ok := srv.Get("orders", []byte("order:1")); !ok || string(v) != "paid" {
		t.Fatalf("order:1 = %q, %v", v, ok)
	}
	info, ok := client.Snapshot(xid)
	if !ok || info.Phase != api.PhaseDone || info.Outcome != api.OutcomeCommitted {
		t.Fatalf("unexpected snapshot %+v", info)
	}

	if err := client.Commit(ctx, xid, false); err != nil {
		t.Fatalf("repeated commit should replay the decision: %v", err)
	}
	if n := srv.Count(wire.OpCommit); n != 1 {
		t.Fatalf("expected one commit request, got %d", n)
	}
}

func TestClientOnePhaseCommit(t *testing.T) {
	srv := servertest.New(t)
	client := newTestClient(t, Config{Servers: []string{srv.Addr()}})
	ctx := context.Background()

	xid := api.MustXid(1, []byte("one"), []byte("phase"))
	if err := client.Enlist(xid); err != nil {
		t.Fatalf("enlist: %v", err)
	}
	if err := client.AddModification(xid, api.Put([]byte("k"), []byte("v"))); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := client.Commit(ctx, xid, true); err != nil {
		t.Fatalf("one-phase commit: %v", err)
	}
	if srv.Count(wire.OpPrepare) != 1 || srv.Count(wire.OpCommit) != 0 {
		t.Fatalf("expected a single prepare, got prepare=%d commit=%d", srv.Count(wire.OpPrepare), srv.Count(wire.OpCommit))
	}
	if body, ok := srv.LastPrepare(xid); !ok || !body.OnePhase {
		t.Fatalf("prepare was not one-phase: %+v", body)
	}
}

func TestClientConflictVotesRollback(t *testing.T) {
	srv := servertest.New(t)
	srv.ConflictOn("", []byte("hot"))
	client := newTestClient(t, Config{Servers: []string{srv.Addr()}})
	ctx := context.Background()

	xid, _ := client.Begin(7)
	_ = client.AddModification(xid, api.Put([]byte("hot"), []byte("v")))
	vote, err := client.Prepare(ctx, xid)
	if vote != api.VoteRollback {
		t.Fatalf("expected rollback vote, got %v", vote)
	}
	requireXACode(t, err, api.XARollback)

	if err := client.Commit(ctx, xid, false); err == nil {
		t.Fatal("commit after a rollback vote must fail")
	}
	if err := client.Rollback(ctx, xid); err != nil {
		t.Fatalf("rollback after a rollback vote: %v", err)
	}
	if srv.Count(wire.OpCommit) != 0 {
		t.Fatal("a conflicting transaction must never be committed")
	}
}

func TestClientErrorMapping(t *testing.T) {
	srv := servertest.New(t)
	client := newTestClient(t, Config{Servers: []string{srv.Addr()}, CacheName: "a"})
	ctx := context.Background()

	t.Run("one-phase commit of an unknown xid", func(t *testing.T) {
		err := client.Commit(ctx, api.MustXid(1, []byte("never"), nil), true)
		requireXACode(t, err, api.XAErNotA)
	})
	t.Run("rollback the server does not know", func(t *testing.T) {
		err := client.Rollback(ctx, api.MustXid(1, []byte("remote"), nil))
		requireXACode(t, err, api.XAErNotA)
	})
	t.Run("commit before prepare", func(t *testing.T) {
		xid, _ := client.Begin(1)
		requireXACode(t, client.Commit(ctx, xid, false), api.XAErProto)
	})
	t.Run("enlist on another cache", func(t *testing.T) {
		xid, _ := client.Begin(1)
		requireXACode(t, client.EnlistOn("b", xid), api.XAErProto)
	})
	t.Run("add after prepare", func(t *testing.T) {
		xid, _ := client.Begin(1)
		_ = client.AddModification(xid, api.Put([]byte("x"), []byte("y")))
		if _, err := client.Prepare(ctx, xid); err != nil {
			t.Fatalf("prepare: %v", err)
		}
		requireXACode(t, client.AddModification(xid, api.Remove([]byte("x"))), api.XAErProto)
	})
	t.Run("zero xid", func(t *testing.T) {
		requireXACode(t, client.Enlist(api.Xid{}), api.XAErProto)
	})
}

func TestClientTransportFailureIsRMFail(t *testing.T) {
	srv := servertest.New(t)
	addr := srv.Addr()
	client := newTestClient(t, Config{
		Servers:          []string{addr},
		RetryMaxAttempts: 2,
		ConnectTimeout:   200 * time.Millisecond,
	})
	if err := srv.Close(); err != nil {
		t.Fatalf("close server: %v", err)
	}

	xid, _ := client.Begin(1)
	_ = client.AddModification(xid, api.Put([]byte("k"), []byte("v")))
	_, err := client.Prepare(context.Background(), xid)
	requireXACode(t, err, api.XAErRMFail)
	info, ok := client.Snapshot(xid)
	if !ok || info.Phase != api.PhaseAborted || !info.ServerStateUnknown {
		t.Fatalf("unexpected snapshot after failed prepare: %+v", info)
	}
}

func TestClientRecoverAndResolve(t *testing.T) {
	srv := servertest.New(t)
	crashed := api.MustXid(3, []byte("crashed"), []byte("b"))
	srv.SeedInDoubt("", crashed, api.Put([]byte("k"), []byte("v")))
	client := newTestClient(t, Config{Servers: []string{srv.Addr()}})
	ctx := context.Background()

	xids, err := client.Recover(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(xids) != 1 || xids[0] != crashed {
		t.Fatalf("unexpected in-doubt list %v", xids)
	}
	if err := client.Commit(ctx, crashed, false); err != nil {
		t.Fatalf("commit recovered xid: %v", err)
	}
	if err := client.Forget(ctx, crashed); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if xids, _ := client.Recover(ctx); len(xids) != 0 {
		t.Fatalf("expected nothing in doubt, got %v", xids)
	}
}

func TestClientRecoverUnsupported(t *testing.T) {
	srv := servertest.New(t, servertest.WithoutRecovery())
	client := newTestClient(t, Config{Servers: []string{srv.Addr()}})

	_, err := client.Recover(context.Background())
	requireXACode(t, err, api.XAErRMFail)
}

func TestClientSetTransactionTimeout(t *testing.T) {
	srv := servertest.New(t)
	client := newTestClient(t, Config{Servers: []string{srv.Addr()}, Recoverable: true})
	ctx := context.Background()

	xid, _ := client.Begin(1)
	_ = client.AddModification(xid, api.Put([]byte("k"), []byte("v")))
	if err := client.SetTransactionTimeout(xid, 42*time.Second); err != nil {
		t.Fatalf("set timeout: %v", err)
	}
	if _, err := client.Prepare(ctx, xid); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	body, ok := srv.LastPrepare(xid)
	if !ok {
		t.Fatal("no prepare recorded")
	}
	if body.Timeout != 42*time.Second || !body.Recoverable {
		t.Fatalf("unexpected prepare body %+v", body)
	}
}

func writeTopologyFile(t *testing.T, path, body string) {
	t.Helper()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(body), 0o600); err != nil {
		t.Fatalf("write topology: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("rename topology: %v", err)
	}
}

func TestClientFollowsTopologyFile(t *testing.T) {
	first := servertest.New(t)
	second := servertest.New(t)
	moved := api.MustXid(1, []byte("moved"), nil)
	second.SeedInDoubt("", moved)

	path := filepath.Join(t.TempDir(), "topology.yaml")
	writeTopologyFile(t, path, "id: 1\nservers:\n  - "+first.Addr()+"\n")
	client := newTestClient(t, Config{TopologyFile: path})

	id, servers := client.Topology()
	if id != 1 || len(servers) != 1 || servers[0] != first.Addr() {
		t.Fatalf("initial topology = %d %v", id, servers)
	}

	writeTopologyFile(t, path, "id: 2\nservers:\n  - "+second.Addr()+"\n")
	deadline := time.Now().Add(5 * time.Second)
	for {
		if id, _ := client.Topology(); id == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("topology file change was not picked up")
		}
		time.Sleep(10 * time.Millisecond)
	}

	xids, err := client.Recover(context.Background())
	if err != nil {
		t.Fatalf("recover after topology change: %v", err)
	}
	if len(xids) != 1 || xids[0] != moved {
		t.Fatalf("expected recovery from the new member, got %v", xids)
	}
}

func TestClientMetricsEndpoint(t *testing.T) {
	srv := servertest.New(t)
	client := newTestClient(t, Config{Servers: []string{srv.Addr()}, MetricsListen: "127.0.0.1:0"})
	addr := client.MetricsAddr()
	if addr == "" {
		t.Fatal("metrics listener not started")
	}
	xid, _ := client.Begin(1)
	_ = client.AddModification(xid, api.Put([]byte("k"), []byte("v")))
	if err := client.Commit(context.Background(), xid, true); err != nil {
		t.Fatalf("commit: %v", err)
	}

	resp, err := http.Get("http://" + addr + "/metrics")
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("scrape status %d", resp.StatusCode)
	}
}

func TestClientCloseIsIdempotent(t *testing.T) {
	srv := servertest.New(t)
	client, err := New(context.Background(), Config{Servers: []string{srv.Addr()}, SweepInterval: time.Millisecond})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if err := client.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := client.Close(context.Background()); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if client.MetricsAddr() != "" {
		t.Fatal("metrics should be disabled by default")
	}
}

func TestClientRejectsInvalidConfig(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatal("expected an error without servers")
	}
}
