package cypress

import (
	"fmt"
	"sort"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"grove/internal/ids"
)

type lockStateSnapshot struct {
	Tx            ids.ID
	Mode          LockMode
	ChildKeys     []string
	AttributeKeys []string
}

type nodeSnapshot struct {
	Object ids.ID
	Tx     ids.ID
	Parent ids.ID

	Payload Payload
	ACD     AccessControlDescriptor

	LockMode         LockMode
	CreationTime     time.Time
	ModificationTime time.Time
	AccessTime       time.Time
	AccessCounter    int64
	Revision         uint64

	LockStates []lockStateSnapshot
	LockList   []ids.ID
}

type txSnapshot struct {
	ID            ids.ID
	Parent        ids.ID
	BranchedNodes []VersionedID
	LockedNodes   []ids.ID
	Locks         []ids.ID
}

type cypressSnapshot struct {
	Root         ids.ID
	Nodes        []nodeSnapshot
	Locks        []Lock
	Transactions []txSnapshot
}

// Snapshot serializes the whole namespace, branches and in-flight
// transactions included, in stable order.
func (m *Manager) Snapshot() ([]byte, error) {
	snap := cypressSnapshot{Root: m.root}

	vids := make([]VersionedID, 0, len(m.nodes))
	for vid := range m.nodes {
		vids = append(vids, vid)
	}
	sort.Slice(vids, func(i, j int) bool {
		if c := ids.Compare(vids[i].Object, vids[j].Object); c != 0 {
			return c < 0
		}
		return ids.Compare(vids[i].Tx, vids[j].Tx) < 0
	})
	for _, vid := range vids {
		n := m.nodes[vid]
		ns := nodeSnapshot{
			Object:           n.ID,
			Tx:               n.TxID,
			Parent:           n.Parent,
			Payload:          n.Payload,
			ACD:              n.ACD,
			LockMode:         n.LockMode,
			CreationTime:     n.CreationTime,
			ModificationTime: n.ModificationTime,
			AccessTime:       n.AccessTime,
			AccessCounter:    n.AccessCounter,
			Revision:         n.Revision,
			LockList:         n.lockList,
		}
		txIDs := make([]ids.ID, 0, len(n.lockStates))
		for tx := range n.lockStates {
			txIDs = append(txIDs, tx)
		}
		sort.Slice(txIDs, func(i, j int) bool { return ids.Compare(txIDs[i], txIDs[j]) < 0 })
		for _, tx := range txIDs {
			state := n.lockStates[tx]
			ns.LockStates = append(ns.LockStates, lockStateSnapshot{
				Tx:            tx,
				Mode:          state.Mode,
				ChildKeys:     sortedKeys(state.ChildKeys),
				AttributeKeys: sortedKeys(state.AttributeKeys),
			})
		}
		snap.Nodes = append(snap.Nodes, ns)
	}

	for _, id := range sortedLockIDs(m.locks) {
		snap.Locks = append(snap.Locks, *m.locks[id])
	}
	for _, id := range sortedTxIDs(m.transactions) {
		tx := m.transactions[id]
		snap.Transactions = append(snap.Transactions, txSnapshot{
			ID:            tx.ID,
			Parent:        tx.Parent,
			BranchedNodes: tx.BranchedNodes,
			LockedNodes:   sortedIDSet(tx.LockedNodes),
			Locks:         sortedIDSet(tx.Locks),
		})
	}
	return msgpack.Marshal(&snap)
}

// Restore replaces the namespace with a snapshot.
func (m *Manager) Restore(data []byte) error {
	var snap cypressSnapshot
	if err := msgpack.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("unmarshal cypress snapshot: %w", err)
	}

	m.nodes = make(map[VersionedID]*Node, len(snap.Nodes))
	m.locks = make(map[ids.ID]*Lock, len(snap.Locks))
	m.transactions = make(map[ids.ID]*Transaction, len(snap.Transactions))
	m.root = snap.Root

	for _, ns := range snap.Nodes {
		n := &Node{
			ID:               ns.Object,
			TxID:             ns.Tx,
			Parent:           ns.Parent,
			Payload:          ns.Payload,
			ACD:              ns.ACD,
			LockMode:         ns.LockMode,
			CreationTime:     ns.CreationTime,
			ModificationTime: ns.ModificationTime,
			AccessTime:       ns.AccessTime,
			AccessCounter:    ns.AccessCounter,
			Revision:         ns.Revision,
			lockList:         ns.LockList,
		}
		if n.IsTrunk() {
			n.lockStates = make(map[ids.ID]*lockState, len(ns.LockStates))
			for _, ls := range ns.LockStates {
				state := newLockState()
				state.Mode = ls.Mode
				for _, k := range ls.ChildKeys {
					state.ChildKeys[k] = true
				}
				for _, k := range ls.AttributeKeys {
					state.AttributeKeys[k] = true
				}
				n.lockStates[ls.Tx] = state
			}
		}
		m.nodes[n.VersionedID()] = n
	}
	for i := range snap.Locks {
		lock := snap.Locks[i]
		m.locks[lock.ID] = &lock
	}
	for _, ts := range snap.Transactions {
		tx := newTransaction(ts.ID, ts.Parent)
		tx.BranchedNodes = ts.BranchedNodes
		for _, id := range ts.LockedNodes {
			tx.LockedNodes[id] = true
		}
		for _, id := range ts.Locks {
			tx.Locks[id] = true
		}
		m.transactions[ts.ID] = tx
	}
	return nil
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedIDSet(set map[ids.ID]bool) []ids.ID {
	out := make([]ids.ID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return ids.Compare(out[i], out[j]) < 0 })
	return out
}

func sortedLockIDs(m map[ids.ID]*Lock) []ids.ID {
	out := make([]ids.ID, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return ids.Compare(out[i], out[j]) < 0 })
	return out
}

func sortedTxIDs(m map[ids.ID]*Transaction) []ids.ID {
	out := make([]ids.ID, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return ids.Compare(out[i], out[j]) < 0 })
	return out
}
