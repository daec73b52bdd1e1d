package fsm

import (
	"testing"
	"time"

	"github.com/hashicorp/raft"

	"grove/internal/chunkmeta"
	"grove/internal/ids"
	"grove/internal/master/chunkserver"
	"grove/internal/master/cypress"
)

// newRaftStore boots a single-node in-memory raft around a fresh FSM.
func newRaftStore(t *testing.T) *Store {
	t.Helper()

	f := New(nil)
	config := raft.DefaultConfig()
	config.LocalID = "test-node"
	config.HeartbeatTimeout = 50 * time.Millisecond
	config.ElectionTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 50 * time.Millisecond
	config.CommitTimeout = 5 * time.Millisecond
	config.LogOutput = nil
	config.LogLevel = "ERROR"

	logs := raft.NewInmemStore()
	snapshots := raft.NewInmemSnapshotStore()
	_, transport := raft.NewInmemTransport("")

	r, err := raft.NewRaft(config, f, logs, logs, snapshots, transport)
	if err != nil {
		t.Fatalf("new raft: %v", err)
	}
	t.Cleanup(func() { _ = r.Shutdown().Error() })

	future := r.BootstrapCluster(raft.Configuration{Servers: []raft.Server{{
		ID:      config.LocalID,
		Address: transport.LocalAddr(),
	}}})
	if err := future.Error(); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for r.State() != raft.Leader {
		if time.Now().After(deadline) {
			t.Fatal("raft never became leader")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return NewStore(r, f, 5*time.Second)
}

func journalMeta() *chunkmeta.Meta {
	meta := chunkmeta.New(chunkmeta.TypeJournal, chunkmeta.FormatNone)
	chunkmeta.SetMisc(meta, &chunkmeta.Misc{FirstOverlayedRowIndex: -1})
	return meta
}

func TestChunkLifecycleThroughRaft(t *testing.T) {
	store := newRaftStore(t)

	chunkID, err := store.CreateChunk(ids.TypeJournalChunk, 2, 2)
	if err != nil {
		t.Fatalf("create chunk: %v", err)
	}
	if err := store.ConfirmChunk(chunkID, journalMeta()); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if err := store.AddReplica(chunkID, chunkserver.Replica{Node: 1, State: chunkserver.ReplicaStateUnsealed}, true); err != nil {
		t.Fatalf("add replica: %v", err)
	}
	if err := store.SubmitSeal(chunkID, chunkserver.SealInfo{RowCount: 55}); err != nil {
		t.Fatalf("seal: %v", err)
	}

	chunk, err := store.FSM().Chunks().GetChunk(chunkID)
	if err != nil {
		t.Fatalf("get chunk: %v", err)
	}
	if !chunk.IsSealed() || chunk.RowCount() != 55 {
		t.Fatalf("after seal: sealed=%v rows=%d", chunk.IsSealed(), chunk.RowCount())
	}

	// Applying an invalid mutation surfaces the manager error.
	if err := store.SubmitSeal(chunkID, chunkserver.SealInfo{RowCount: 55}); err == nil {
		t.Fatal("double seal through raft succeeded")
	}
}

func TestChunkTreeThroughRaft(t *testing.T) {
	store := newRaftStore(t)

	listID, err := store.CreateChunkList()
	if err != nil {
		t.Fatalf("create list: %v", err)
	}
	chunkID, err := store.CreateChunk(ids.TypeChunk, 0, 0)
	if err != nil {
		t.Fatalf("create chunk: %v", err)
	}
	meta := chunkmeta.New(chunkmeta.TypeTable, chunkmeta.FormatVersionedSimple)
	chunkmeta.SetMisc(meta, &chunkmeta.Misc{RowCount: 9, Sealed: true, FirstOverlayedRowIndex: -1})
	if err := store.ConfirmChunk(chunkID, meta); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if err := store.AttachChild(listID, chunkID); err != nil {
		t.Fatalf("attach: %v", err)
	}

	list, err := store.FSM().Chunks().GetChunkList(listID)
	if err != nil {
		t.Fatalf("get list: %v", err)
	}
	if list.Statistics().RowCount != 9 || list.Statistics().ChunkCount != 1 {
		t.Fatalf("list stats: %+v", list.Statistics())
	}
}

func TestNamespaceTransactionThroughRaft(t *testing.T) {
	store := newRaftStore(t)
	nodes := store.FSM().Nodes()

	docID, err := store.CreateNode(nodes.RootID(), "doc", cypress.Payload{
		Kind: cypress.KindString, StringValue: "v0",
	})
	if err != nil {
		t.Fatalf("create node: %v", err)
	}

	txID, err := store.StartTransaction(ids.Nil)
	if err != nil {
		t.Fatalf("start tx: %v", err)
	}
	if err := store.LockNode(txID, docID, cypress.LockRequest{Mode: cypress.LockModeExclusive}, false); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := store.SetNodePayload(txID, docID, cypress.Payload{
		Kind: cypress.KindString, StringValue: "v1",
	}); err != nil {
		t.Fatalf("set: %v", err)
	}

	trunk, _ := nodes.GetNode(docID, ids.Nil)
	if trunk.Payload.StringValue != "v0" {
		t.Fatalf("trunk before commit: %q", trunk.Payload.StringValue)
	}
	if err := store.CommitTransaction(txID); err != nil {
		t.Fatalf("commit: %v", err)
	}
	trunk, _ = nodes.GetNode(docID, ids.Nil)
	if trunk.Payload.StringValue != "v1" {
		t.Fatalf("trunk after commit: %q", trunk.Payload.StringValue)
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	store := newRaftStore(t)

	chunkID, err := store.CreateChunk(ids.TypeJournalChunk, 2, 2)
	if err != nil {
		t.Fatalf("create chunk: %v", err)
	}
	if err := store.ConfirmChunk(chunkID, journalMeta()); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	docID, err := store.CreateNode(store.FSM().Nodes().RootID(), "doc", cypress.Payload{
		Kind: cypress.KindInt64, Int64Value: 42,
	})
	if err != nil {
		t.Fatalf("create node: %v", err)
	}

	chunkSnap, err := store.FSM().Chunks().Snapshot()
	if err != nil {
		t.Fatalf("chunk snapshot: %v", err)
	}
	nodeSnap, err := store.FSM().Nodes().Snapshot()
	if err != nil {
		t.Fatalf("node snapshot: %v", err)
	}

	restored := New(nil)
	if err := restored.Chunks().Restore(chunkSnap); err != nil {
		t.Fatalf("restore chunks: %v", err)
	}
	if err := restored.Nodes().Restore(nodeSnap); err != nil {
		t.Fatalf("restore nodes: %v", err)
	}

	chunk, err := restored.Chunks().GetChunk(chunkID)
	if err != nil {
		t.Fatalf("restored chunk: %v", err)
	}
	if !chunk.IsConfirmed() || chunk.ReadQuorum != 2 {
		t.Fatalf("restored chunk state: confirmed=%v quorum=%d", chunk.IsConfirmed(), chunk.ReadQuorum)
	}
	node, err := restored.Nodes().GetNode(docID, ids.Nil)
	if err != nil {
		t.Fatalf("restored node: %v", err)
	}
	if node.Payload.Int64Value != 42 {
		t.Fatalf("restored payload: %d", node.Payload.Int64Value)
	}
}
