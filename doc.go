// Package cachetx is the client-side participant that lets an external XA
// transaction manager commit or roll back a batch of cache mutations
// atomically across a cluster. Mutations are collected locally under an Xid
// and shipped to the server in a single prepare request over a compact binary
// protocol; commit, rollback, forget and recovery follow the usual two-phase
// commit contract.
//
// # Driving a transaction
//
//	client, err := cachetx.New(ctx, cachetx.Config{
//	    Servers:   []string{"10.0.0.1:11222", "10.0.0.2:11222"},
//	    CacheName: "orders",
//	})
//	if err != nil { log.Fatal(err) }
//	defer client.Close(context.Background())
//
//	xid, _ := client.Begin(api.DefaultFormatID)
//	_ = client.AddModification(xid, api.Put([]byte("order:1"), []byte("paid")))
//	if _, err := client.Prepare(ctx, xid); err != nil {
//	    // *api.XAError; XA_RBROLLBACK when the server voted rollback.
//	    _ = client.Rollback(ctx, xid)
//	    return err
//	}
//	return client.Commit(ctx, xid, false)
//
// Transaction managers that supply their own Xid call Enlist (or EnlistOn for
// another cache) instead of Begin. Commit with onePhase set skips the
// separate prepare round trip.
//
// Every failure returned by the TM-facing methods is an *api.XAError whose
// Code follows the XA return codes: XAER_NOTA for unknown Xids, XAER_PROTO
// for calls out of order, XAER_RMFAIL for transport failures and the
// XA_HEUR* codes for heuristic outcomes.
//
// # Phases
//
// Each Xid moves forward only: active, preparing, prepared or aborted,
// completing or in doubt, done, forgotten. Concurrent calls on the same Xid
// race through a compare-and-swap; exactly one of them reaches the server and
// the others observe the recorded decision. A commit or rollback whose
// response is lost leaves the record in doubt and may be repeated.
//
// # Recovery
//
// Recover lists Xids the cluster holds prepared, for instance after a client
// crash. They are completed with Commit or Rollback and discarded with Forget
// without any local state. The cachetx command wraps these calls for
// operators:
//
//	cachetx recover --servers 10.0.0.1:11222
//	cachetx commit 1129601073:0196...:a4c1...
//
// # Topology
//
// Requests carry the client's topology id. A response marked with a newer
// topology replaces the member list atomically; requests answered with a
// stale-topology status are retried against the refreshed members with
// exponential backoff bounded by Config.RetryMaxAttempts and
// Config.RetryDeadline. Config.TopologyFile names a YAML document
//
//	id: 3
//	servers:
//	  - 10.0.0.1:11222
//	  - 10.0.0.2:11222
//
// that is watched and republished whenever it changes.
//
// # Timeouts and the sweeper
//
// Config.DefaultTxnTimeout travels with protocol 3.1 prepares and bounds how
// long a record may stay active. A background sweeper rolls back expired
// active records locally and evicts settled ones after
// Config.DecisionRetention.
//
// # Observability
//
// Logging goes through pkt.systems/pslog with dotted event names such as
// txn.prepare.vote and op.retry.attempt. Metrics and traces use
// OpenTelemetry; set Config.MetricsListen to expose a Prometheus endpoint,
// Config.OTLPEndpoint to export spans and Config.PprofListen for profiling.
package cachetx
