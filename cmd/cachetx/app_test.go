package main

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pkt.systems/pslog"

	"pkt.systems/cachetx/api"
	"pkt.systems/cachetx/internal/servertest"
	"pkt.systems/cachetx/internal/version"
)

func executeRootCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand(pslog.NewWithOptions(io.Discard, pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}))
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

// isolateEnv keeps a developer's $HOME config and CACHETX_* variables out of the test.
func isolateEnv(t *testing.T) {
	t.Helper()
	t.Setenv("CACHETX_CONFIG_DIR", t.TempDir())
	t.Setenv("CACHETX_CONFIG", "")
	t.Setenv("CACHETX_SERVERS", "")
	t.Setenv("CACHETX_TOPOLOGY_FILE", "")
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestVersionCommandPrintsCurrentVersion(t *testing.T) {
	isolateEnv(t)

	stdout, stderr, err := executeRootCommand(t, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if stderr != "" {
		t.Fatalf("expected empty stderr, got %q", stderr)
	}
	want := "cachetx " + version.Current() + "\n"
	if stdout != want {
		t.Fatalf("unexpected stdout: got %q want %q", stdout, want)
	}
}

func TestRootVersionFlagIsUnknown(t *testing.T) {
	isolateEnv(t)

	_, _, err := executeRootCommand(t, "--version")
	if err == nil {
		t.Fatal("expected unknown flag error for root --version")
	}
	if !strings.Contains(err.Error(), "unknown flag") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRecoverListsInDoubtTransactions(t *testing.T) {
	isolateEnv(t)
	srv := servertest.New(t)
	a := api.MustXid(1, []byte("ga"), []byte("b1"))
	b := api.MustXid(1, []byte("gb"), []byte("b1"))
	srv.SeedInDoubt("", a, api.Put([]byte("k"), []byte("v")))
	srv.SeedInDoubt("", b)

	stdout, stderr, err := executeRootCommand(t, "recover", "--servers", srv.Addr())
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	for _, xid := range []api.Xid{a, b} {
		if !strings.Contains(stdout, xid.String()+"\n") {
			t.Fatalf("stdout %q missing %s", stdout, xid)
		}
	}
	if !strings.Contains(stderr, "2 in-doubt") {
		t.Fatalf("unexpected summary %q", stderr)
	}
}

func TestCommitResolvesInDoubtTransaction(t *testing.T) {
	isolateEnv(t)
	srv := servertest.New(t)
	xid := api.MustXid(7, []byte("global"), []byte("branch"))
	srv.SeedInDoubt("orders", xid, api.Put([]byte("order:1"), []byte("paid")))

	stdout, _, err := executeRootCommand(t, "commit", xid.String(), "--servers", srv.Addr())
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if stdout != xid.String()+" committed\n" {
		t.Fatalf("unexpected stdout %q", stdout)
	}
	if srv.Prepared(xid) {
		t.Fatal("branch still in doubt after commit")
	}
	if v, ok := srv.Get("orders", []byte("order:1")); !ok || string(v) != "paid" {
		t.Fatalf("committed value = %q, %v", v, ok)
	}
}

func TestRollbackDiscardsInDoubtTransaction(t *testing.T) {
	isolateEnv(t)
	srv := servertest.New(t)
	xid := api.MustXid(7, []byte("global"), []byte("branch"))
	srv.SeedInDoubt("", xid, api.Put([]byte("k"), []byte("v")))

	if _, _, err := executeRootCommand(t, "rollback", xid.String(), "--servers", srv.Addr()); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if srv.Prepared(xid) {
		t.Fatal("branch still in doubt after rollback")
	}
	if _, ok := srv.Get("", []byte("k")); ok {
		t.Fatal("rolled back modification was applied")
	}
}

func TestCompletionOfUnknownXidReportsNotA(t *testing.T) {
	isolateEnv(t)
	srv := servertest.New(t)
	known := api.MustXid(1, []byte("known"), nil)
	unknown := api.MustXid(1, []byte("unknown"), nil)
	srv.SeedInDoubt("", known)

	stdout, _, err := executeRootCommand(t, "commit", unknown.String(), known.String(), "--servers", srv.Addr())
	if err == nil {
		t.Fatal("expected an error for the unknown xid")
	}
	var xe *api.XAError
	if !errors.As(err, &xe) || xe.Code != api.XAErNotA {
		t.Fatalf("expected XAER_NOTA, got %v", err)
	}
	if !strings.Contains(stdout, known.String()+" committed") {
		t.Fatalf("known xid should still be committed, stdout %q", stdout)
	}
}

func TestForgetCommand(t *testing.T) {
	isolateEnv(t)
	srv := servertest.New(t)
	xid := api.MustXid(1, []byte("g"), []byte("b"))
	srv.SeedInDoubt("", xid)

	stdout, _, err := executeRootCommand(t, "forget", xid.String(), "--servers", srv.Addr())
	if err != nil {
		t.Fatalf("forget: %v", err)
	}
	if stdout != xid.String()+" forgotten\n" {
		t.Fatalf("unexpected stdout %q", stdout)
	}
	if srv.Prepared(xid) {
		t.Fatal("server still holds the forgotten branch")
	}
}

func TestCompletionRejectsMalformedXid(t *testing.T) {
	isolateEnv(t)

	_, _, err := executeRootCommand(t, "commit", "not-an-xid", "--servers", "127.0.0.1:1")
	if !errors.Is(err, api.ErrXidSyntax) {
		t.Fatalf("expected ErrXidSyntax, got %v", err)
	}
}

const twoPuts = `
modifications:
  - kind: put
    key: user:1
    value: alice
    lifespan: 10m
  - kind: put-if-absent
    key: user:2
    value-hex: 626f62
`

func TestPrepareLeavesBranchInDoubt(t *testing.T) {
	isolateEnv(t)
	srv := servertest.New(t)
	mods := writeFile(t, "mods.yaml", twoPuts)
	xid := api.MustXid(9, []byte("prep"), []byte("01"))

	stdout, _, err := executeRootCommand(t, "prepare", xid.String(), "--modifications", mods, "--servers", srv.Addr(), "--cache", "users")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if stdout != xid.String()+" commit\n" {
		t.Fatalf("unexpected stdout %q", stdout)
	}
	if !srv.Prepared(xid) {
		t.Fatal("branch not held in doubt")
	}
	body, ok := srv.LastPrepare(xid)
	if !ok || len(body.Modifications) != 2 || body.OnePhase {
		t.Fatalf("unexpected prepare body %+v", body)
	}

	if _, _, err := executeRootCommand(t, "commit", xid.String(), "--servers", srv.Addr()); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if v, ok := srv.Get("users", []byte("user:2")); !ok || string(v) != "bob" {
		t.Fatalf("user:2 = %q, %v", v, ok)
	}
}

func TestPrepareOnePhaseCommits(t *testing.T) {
	isolateEnv(t)
	srv := servertest.New(t)
	mods := writeFile(t, "mods.yaml", twoPuts)

	stdout, _, err := executeRootCommand(t, "prepare", "--one-phase", "--modifications", mods, "--servers", srv.Addr())
	if err != nil {
		t.Fatalf("prepare --one-phase: %v", err)
	}
	fields := strings.Fields(stdout)
	if len(fields) != 2 || fields[1] != "committed" {
		t.Fatalf("unexpected stdout %q", stdout)
	}
	xid, err := api.ParseXid(fields[0])
	if err != nil {
		t.Fatalf("parse generated xid: %v", err)
	}
	if xid.FormatID() != api.DefaultFormatID {
		t.Fatalf("format id = %d", xid.FormatID())
	}
	if v, ok := srv.Get("", []byte("user:1")); !ok || string(v) != "alice" {
		t.Fatalf("user:1 = %q, %v", v, ok)
	}
	if len(srv.InDoubt()) != 0 {
		t.Fatalf("one-phase commit left branches in doubt: %v", srv.InDoubt())
	}
}

func TestPrepareConflictVotesRollback(t *testing.T) {
	isolateEnv(t)
	srv := servertest.New(t)
	srv.ConflictOn("", []byte("user:1"))
	mods := writeFile(t, "mods.yaml", twoPuts)
	xid := api.MustXid(9, []byte("conflict"), nil)

	stdout, _, err := executeRootCommand(t, "prepare", xid.String(), "--modifications", mods, "--servers", srv.Addr())
	var xe *api.XAError
	if !errors.As(err, &xe) || xe.Code != api.XARollback {
		t.Fatalf("expected XA_RBROLLBACK, got %v", err)
	}
	if stdout != xid.String()+" rollback\n" {
		t.Fatalf("unexpected stdout %q", stdout)
	}
	if srv.Prepared(xid) {
		t.Fatal("conflicting branch must not be prepared")
	}
}

func TestPrepareRequiresModifications(t *testing.T) {
	isolateEnv(t)

	_, _, err := executeRootCommand(t, "prepare", "--servers", "127.0.0.1:1")
	if err == nil || !strings.Contains(err.Error(), "--modifications") {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestServersFromEnvironment(t *testing.T) {
	isolateEnv(t)
	srv := servertest.New(t)
	xid := api.MustXid(1, []byte("env"), nil)
	srv.SeedInDoubt("", xid)
	t.Setenv("CACHETX_SERVERS", srv.Addr())

	stdout, _, err := executeRootCommand(t, "recover")
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if !strings.Contains(stdout, xid.String()) {
		t.Fatalf("stdout %q missing %s", stdout, xid)
	}
}

func TestServersFromConfigFile(t *testing.T) {
	isolateEnv(t)
	srv := servertest.New(t)
	xid := api.MustXid(1, []byte("cfg"), nil)
	srv.SeedInDoubt("", xid)
	cfgPath := writeFile(t, "config.yaml", "servers:\n  - "+srv.Addr()+"\nretry-max-attempts: 2\n")

	stdout, _, err := executeRootCommand(t, "recover", "--config", cfgPath)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if !strings.Contains(stdout, xid.String()) {
		t.Fatalf("stdout %q missing %s", stdout, xid)
	}
}

func TestDefaultConfigDirIsConsulted(t *testing.T) {
	isolateEnv(t)
	srv := servertest.New(t)
	dir := t.TempDir()
	t.Setenv("CACHETX_CONFIG_DIR", dir)
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("servers: ["+srv.Addr()+"]\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, _, err := executeRootCommand(t, "recover"); err != nil {
		t.Fatalf("recover: %v", err)
	}
}

func TestTopologyFileSuppliesServers(t *testing.T) {
	isolateEnv(t)
	srv := servertest.New(t)
	xid := api.MustXid(1, []byte("topo"), nil)
	srv.SeedInDoubt("", xid)
	topo := writeFile(t, "topology.yaml", "id: 1\nservers:\n  - "+srv.Addr()+"\n")

	stdout, _, err := executeRootCommand(t, "recover", "--topology-file", topo)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if !strings.Contains(stdout, xid.String()) {
		t.Fatalf("stdout %q missing %s", stdout, xid)
	}
}

func TestMissingServersIsAnError(t *testing.T) {
	isolateEnv(t)

	_, _, err := executeRootCommand(t, "recover")
	if err == nil || !strings.Contains(err.Error(), "at least one server") {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestTLSClientBundleMustParse(t *testing.T) {
	isolateEnv(t)
	bundle := writeFile(t, "client.pem", "not a bundle")

	_, _, err := executeRootCommand(t, "recover", "--servers", "127.0.0.1:1", "--tls", "--tls-client-bundle", bundle)
	if err == nil || !strings.Contains(err.Error(), "client certificate not found") {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestMissingExplicitConfigIsAnError(t *testing.T) {
	isolateEnv(t)

	_, _, err := executeRootCommand(t, "recover", "--config", filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil || !strings.Contains(err.Error(), "config file") {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestSplitList(t *testing.T) {
	got := splitList([]string{"a:1,b:2", " c:3 ", ""})
	want := []string{"a:1", "b:2", "c:3"}
	if strings.Join(got, " ") != strings.Join(want, " ") {
		t.Fatalf("splitList = %v, want %v", got, want)
	}
}
