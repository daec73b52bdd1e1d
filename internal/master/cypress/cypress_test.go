package cypress

import (
	"errors"
	"testing"
	"time"

	"grove/internal/ids"
)

func newTestTree(t *testing.T) (*Manager, *Node) {
	t.Helper()
	m := NewManager(nil)
	node, err := m.CreateNode(m.RootID(), "home", Payload{Kind: KindMap})
	if err != nil {
		t.Fatalf("create node: %v", err)
	}
	return m, node
}

func startTx(t *testing.T, m *Manager, parent ids.ID) *Transaction {
	t.Helper()
	tx, err := m.StartTransaction(parent)
	if err != nil {
		t.Fatalf("start transaction: %v", err)
	}
	return tx
}

func lockOK(t *testing.T, m *Manager, tx, node ids.ID, req LockRequest) {
	t.Helper()
	if _, err := m.LockNode(tx, node, req, false); err != nil {
		t.Fatalf("lock: %v", err)
	}
}

func TestCreateAndResolve(t *testing.T) {
	m, node := newTestTree(t)
	got, err := m.GetNode(node.ID, ids.Nil)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != node.ID || !got.IsTrunk() {
		t.Fatalf("resolved wrong node: %+v", got)
	}
	root, _ := m.GetNode(m.RootID(), ids.Nil)
	if root.Payload.Children["home"] != node.ID {
		t.Fatal("parent map does not reference the child")
	}
	if _, err := m.CreateNode(m.RootID(), "home", Payload{Kind: KindMap}); !errors.Is(err, ErrKeyExists) {
		t.Fatalf("duplicate key: %v", err)
	}
}

func TestSharedKeyLockMatrix(t *testing.T) {
	m, node := newTestTree(t)
	t1 := startTx(t, m, ids.Nil)
	t2 := startTx(t, m, ids.Nil)

	lockOK(t, m, t1.ID, node.ID, LockRequest{Mode: LockModeShared, ChildKey: "x"})
	lockOK(t, m, t2.ID, node.ID, LockRequest{Mode: LockModeShared, ChildKey: "y"})

	_, err := m.LockNode(t2.ID, node.ID, LockRequest{Mode: LockModeShared, ChildKey: "x"}, false)
	if !errors.Is(err, ErrConcurrentTransactionLockConflict) {
		t.Fatalf("overlapping shared child keys: %v", err)
	}
}

func TestExclusiveConflictsWithConcurrent(t *testing.T) {
	m, node := newTestTree(t)
	t1 := startTx(t, m, ids.Nil)
	t2 := startTx(t, m, ids.Nil)

	lockOK(t, m, t1.ID, node.ID, LockRequest{Mode: LockModeExclusive})

	for _, mode := range []LockMode{LockModeShared, LockModeExclusive} {
		_, err := m.LockNode(t2.ID, node.ID, LockRequest{Mode: mode}, false)
		if !errors.Is(err, ErrConcurrentTransactionLockConflict) {
			t.Fatalf("%v vs exclusive: %v", mode, err)
		}
	}
	// Snapshot requests never conflict with concurrent holders.
	lockOK(t, m, t2.ID, node.ID, LockRequest{Mode: LockModeSnapshot})
}

func TestSameTransactionSnapshotConflict(t *testing.T) {
	m, node := newTestTree(t)
	tx := startTx(t, m, ids.Nil)

	lockOK(t, m, tx.ID, node.ID, LockRequest{Mode: LockModeSnapshot})
	_, err := m.LockNode(tx.ID, node.ID, LockRequest{Mode: LockModeShared}, false)
	if !errors.Is(err, ErrSameTransactionLockConflict) {
		t.Fatalf("shared after snapshot in same tx: %v", err)
	}
}

func TestSnapshotConflictsWithDescendantLock(t *testing.T) {
	m, node := newTestTree(t)
	parent := startTx(t, m, ids.Nil)
	child := startTx(t, m, parent.ID)

	lockOK(t, m, child.ID, node.ID, LockRequest{Mode: LockModeShared})
	_, err := m.LockNode(parent.ID, node.ID, LockRequest{Mode: LockModeSnapshot}, false)
	if !errors.Is(err, ErrDescendantTransactionLockConflict) {
		t.Fatalf("snapshot vs descendant lock: %v", err)
	}
}

func TestRedundantLockIsNotMandatory(t *testing.T) {
	m, node := newTestTree(t)
	tx := startTx(t, m, ids.Nil)

	locks, err := m.LockNode(tx.ID, node.ID, LockRequest{Mode: LockModeExclusive}, false)
	if err != nil || len(locks) != 1 {
		t.Fatalf("first lock: %v %d", err, len(locks))
	}
	// Weaker and equal requests are redundant: no new lock objects.
	locks, err = m.LockNode(tx.ID, node.ID, LockRequest{Mode: LockModeShared}, false)
	if err != nil || len(locks) != 0 {
		t.Fatalf("redundant shared: %v %d", err, len(locks))
	}
	locks, err = m.LockNode(tx.ID, node.ID, LockRequest{Mode: LockModeExclusive}, false)
	if err != nil || len(locks) != 0 {
		t.Fatalf("redundant exclusive: %v %d", err, len(locks))
	}
}

func TestSnapshotRequiresTransaction(t *testing.T) {
	m, node := newTestTree(t)
	_, err := m.LockNode(ids.Nil, node.ID, LockRequest{Mode: LockModeSnapshot}, false)
	if !errors.Is(err, ErrSnapshotRequiresTransaction) {
		t.Fatalf("snapshot without tx: %v", err)
	}
}

func TestCommitAppliesBranchedChange(t *testing.T) {
	m, _ := newTestTree(t)
	doc, err := m.CreateNode(m.RootID(), "doc", Payload{Kind: KindString, StringValue: "old"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	tx := startTx(t, m, ids.Nil)
	lockOK(t, m, tx.ID, doc.ID, LockRequest{Mode: LockModeExclusive})

	if err := m.SetNodePayload(tx.ID, doc.ID, Payload{Kind: KindString, StringValue: "new"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	// The trunk still shows the old value; the transaction sees the new one.
	trunkView, _ := m.GetNode(doc.ID, ids.Nil)
	if trunkView.Payload.StringValue != "old" {
		t.Fatalf("trunk leaked uncommitted value: %q", trunkView.Payload.StringValue)
	}
	txView, _ := m.GetNode(doc.ID, tx.ID)
	if txView.Payload.StringValue != "new" {
		t.Fatalf("transaction view: %q", txView.Payload.StringValue)
	}

	if err := m.CommitTransaction(tx.ID); err != nil {
		t.Fatalf("commit: %v", err)
	}
	trunkView, _ = m.GetNode(doc.ID, ids.Nil)
	if trunkView.Payload.StringValue != "new" {
		t.Fatalf("commit did not apply: %q", trunkView.Payload.StringValue)
	}
	if len(trunkView.lockStates) != 0 || len(trunkView.lockList) != 0 {
		t.Fatal("locks survived the commit")
	}
}

func TestAbortRestoresTrunk(t *testing.T) {
	m, _ := newTestTree(t)
	doc, _ := m.CreateNode(m.RootID(), "doc", Payload{Kind: KindInt64, Int64Value: 1})
	tx := startTx(t, m, ids.Nil)
	lockOK(t, m, tx.ID, doc.ID, LockRequest{Mode: LockModeExclusive})
	if err := m.SetNodePayload(tx.ID, doc.ID, Payload{Kind: KindInt64, Int64Value: 2}); err != nil {
		t.Fatalf("set: %v", err)
	}

	if err := m.AbortTransaction(tx.ID); err != nil {
		t.Fatalf("abort: %v", err)
	}
	trunkView, _ := m.GetNode(doc.ID, ids.Nil)
	if trunkView.Payload.Int64Value != 1 {
		t.Fatalf("abort did not restore the trunk: %d", trunkView.Payload.Int64Value)
	}
	if _, ok := m.nodes[VersionedID{Object: doc.ID, Tx: tx.ID}]; ok {
		t.Fatal("branched copy survived the abort")
	}
	// The node is lockable again by another transaction.
	t2 := startTx(t, m, ids.Nil)
	lockOK(t, m, t2.ID, doc.ID, LockRequest{Mode: LockModeExclusive})
}

func TestSnapshotBranchIsolatedFromCommit(t *testing.T) {
	m, _ := newTestTree(t)
	doc, _ := m.CreateNode(m.RootID(), "doc", Payload{Kind: KindString, StringValue: "v1"})

	snapTx := startTx(t, m, ids.Nil)
	lockOK(t, m, snapTx.ID, doc.ID, LockRequest{Mode: LockModeSnapshot})

	writeTx := startTx(t, m, ids.Nil)
	lockOK(t, m, writeTx.ID, doc.ID, LockRequest{Mode: LockModeExclusive})
	if err := m.SetNodePayload(writeTx.ID, doc.ID, Payload{Kind: KindString, StringValue: "v2"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := m.CommitTransaction(writeTx.ID); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// The snapshot view still reads v1.
	snapView, _ := m.GetNode(doc.ID, snapTx.ID)
	if snapView.Payload.StringValue != "v1" {
		t.Fatalf("snapshot view: %q", snapView.Payload.StringValue)
	}
	// Committing a snapshot-only transaction destroys the view without
	// touching the trunk.
	if err := m.CommitTransaction(snapTx.ID); err != nil {
		t.Fatalf("commit snapshot tx: %v", err)
	}
	trunkView, _ := m.GetNode(doc.ID, ids.Nil)
	if trunkView.Payload.StringValue != "v2" {
		t.Fatalf("trunk after snapshot commit: %q", trunkView.Payload.StringValue)
	}
}

func TestPendingLockPromotedAfterRelease(t *testing.T) {
	m, node := newTestTree(t)
	t1 := startTx(t, m, ids.Nil)
	t2 := startTx(t, m, ids.Nil)

	lockOK(t, m, t1.ID, node.ID, LockRequest{Mode: LockModeExclusive})

	// A non-waitable request conflicts immediately.
	_, err := m.LockNode(t2.ID, node.ID, LockRequest{Mode: LockModeExclusive}, false)
	if !errors.Is(err, ErrConcurrentTransactionLockConflict) {
		t.Fatalf("non-waitable conflicting lock: %v", err)
	}

	// A waitable request parks as pending.
	locks, err := m.LockNode(t2.ID, node.ID, LockRequest{Mode: LockModeExclusive, Waitable: true}, false)
	if err != nil || len(locks) != 1 {
		t.Fatalf("waitable lock: %v %d", err, len(locks))
	}
	if locks[0].State != LockStatePending {
		t.Fatalf("waitable lock state: %v", locks[0].State)
	}

	// Once t1 releases, the pending lock is promoted in list order.
	if err := m.AbortTransaction(t1.ID); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if locks[0].State != LockStateAcquired {
		t.Fatalf("lock not promoted: %v", locks[0].State)
	}
	// The promoted holder now conflicts with newcomers.
	t3 := startTx(t, m, ids.Nil)
	if _, err := m.LockNode(t3.ID, node.ID, LockRequest{Mode: LockModeShared}, false); !errors.Is(err, ErrConcurrentTransactionLockConflict) {
		t.Fatalf("promoted lock should conflict: %v", err)
	}
}

func TestRecursiveLockIsDeterministicAndComplete(t *testing.T) {
	m, dir := newTestTree(t)
	for _, name := range []string{"b", "a", "c"} {
		if _, err := m.CreateNode(dir.ID, name, Payload{Kind: KindString, StringValue: name}); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
	}
	tx := startTx(t, m, ids.Nil)
	locks, err := m.LockNode(tx.ID, dir.ID, LockRequest{Mode: LockModeExclusive}, true)
	if err != nil {
		t.Fatalf("recursive lock: %v", err)
	}
	// The directory plus three children.
	if len(locks) != 4 {
		t.Fatalf("lock count: want 4 got %d", len(locks))
	}
	// Children are locked in sorted key order after the root.
	wantOrder := []string{"", "a", "b", "c"}
	for i, lock := range locks {
		node, _ := m.trunk(lock.TrunkID)
		got := node.Payload.StringValue
		if node.ID == dir.ID {
			got = ""
		}
		if got != wantOrder[i] {
			t.Fatalf("lock %d: want %q got %q", i, wantOrder[i], got)
		}
	}

	// A concurrent transaction now conflicts on any child.
	t2 := startTx(t, m, ids.Nil)
	child := dir.Payload.Children["a"]
	if _, err := m.LockNode(t2.ID, child, LockRequest{Mode: LockModeShared}, false); !errors.Is(err, ErrConcurrentTransactionLockConflict) {
		t.Fatalf("child should be locked: %v", err)
	}
}

func TestNestedTransactionCommitMergesIntoParentBranch(t *testing.T) {
	m, _ := newTestTree(t)
	doc, _ := m.CreateNode(m.RootID(), "doc", Payload{Kind: KindString, StringValue: "v0"})

	parent := startTx(t, m, ids.Nil)
	lockOK(t, m, parent.ID, doc.ID, LockRequest{Mode: LockModeExclusive})

	child := startTx(t, m, parent.ID)
	lockOK(t, m, child.ID, doc.ID, LockRequest{Mode: LockModeExclusive})
	if err := m.SetNodePayload(child.ID, doc.ID, Payload{Kind: KindString, StringValue: "v1"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := m.CommitTransaction(child.ID); err != nil {
		t.Fatalf("commit child: %v", err)
	}

	// The parent branch carries the child's change; the trunk does not yet.
	parentView, _ := m.GetNode(doc.ID, parent.ID)
	if parentView.Payload.StringValue != "v1" {
		t.Fatalf("parent view: %q", parentView.Payload.StringValue)
	}
	trunkView, _ := m.GetNode(doc.ID, ids.Nil)
	if trunkView.Payload.StringValue != "v0" {
		t.Fatalf("trunk leaked nested commit: %q", trunkView.Payload.StringValue)
	}

	if err := m.CommitTransaction(parent.ID); err != nil {
		t.Fatalf("commit parent: %v", err)
	}
	trunkView, _ = m.GetNode(doc.ID, ids.Nil)
	if trunkView.Payload.StringValue != "v1" {
		t.Fatalf("trunk after full commit: %q", trunkView.Payload.StringValue)
	}
}

func TestAccessTrackerBatchesUpdates(t *testing.T) {
	m, node := newTestTree(t)

	var flushed []AccessUpdate
	tracker := NewAccessTracker(time.Hour, func(updates []AccessUpdate) error {
		flushed = append(flushed, updates...)
		m.ApplyAccessStatistics(updates)
		return nil
	}, nil)
	m.SetAccessTracker(tracker)

	for i := 0; i < 5; i++ {
		m.SetAccessed(node.ID)
	}
	tracker.Flush()

	if len(flushed) == 0 {
		t.Fatal("nothing flushed")
	}
	trunkView, _ := m.GetNode(node.ID, ids.Nil)
	if trunkView.AccessCounter != 5 {
		t.Fatalf("access counter: %d", trunkView.AccessCounter)
	}
	if trunkView.AccessTime.IsZero() {
		t.Fatal("access time not advanced")
	}
}
