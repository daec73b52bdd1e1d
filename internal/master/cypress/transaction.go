package cypress

import (
	"grove/internal/ids"
)

// Transaction is a namespace transaction. Nested transactions form a tree
// via Parent.
type Transaction struct {
	ID     ids.ID
	Parent ids.ID

	// BranchedNodes lists the transaction's branched copies in branch
	// order; commit and abort walk it.
	BranchedNodes []VersionedID
	// LockedNodes is the set of trunk nodes this transaction holds acquired
	// or pending locks on.
	LockedNodes map[ids.ID]bool
	// Locks is the set of lock objects owned by the transaction, pending
	// included.
	Locks map[ids.ID]bool
}

func newTransaction(id, parent ids.ID) *Transaction {
	return &Transaction{
		ID:          id,
		Parent:      parent,
		LockedNodes: make(map[ids.ID]bool),
		Locks:       make(map[ids.ID]bool),
	}
}

// isParent reports whether a is b or an ancestor of b in the transaction
// tree. A nil a denotes "outside any transaction" and is an ancestor of
// everything.
func (m *Manager) isParent(a, b ids.ID) bool {
	if a.IsNil() {
		return true
	}
	for !b.IsNil() {
		if a == b {
			return true
		}
		tx, ok := m.transactions[b]
		if !ok {
			return false
		}
		b = tx.Parent
	}
	return false
}

// isConcurrent reports whether neither transaction is an ancestor of the
// other.
func (m *Manager) isConcurrent(a, b ids.ID) bool {
	return !m.isParent(a, b) && !m.isParent(b, a)
}

// transactionChain returns the chain from the given transaction up to the
// topmost ancestor, nearest first.
func (m *Manager) transactionChain(txID ids.ID) []ids.ID {
	var chain []ids.ID
	for !txID.IsNil() {
		chain = append(chain, txID)
		tx, ok := m.transactions[txID]
		if !ok {
			break
		}
		txID = tx.Parent
	}
	return chain
}
