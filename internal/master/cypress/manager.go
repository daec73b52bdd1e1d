package cypress

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"grove/internal/ids"
	"grove/internal/logging"
)

var (
	ErrNoSuchNode        = errors.New("no such node")
	ErrNoSuchTransaction = errors.New("no such transaction")
	ErrNoSuchLock        = errors.New("no such lock")
	ErrNotLocked         = errors.New("node is not locked by the transaction")
	ErrKeyExists         = errors.New("map node already has the child key")
)

// RootNodeID is the well-known id of the namespace root: zero entropy with
// the map-node type tag, identical on every peer.
func RootNodeID() ids.ID {
	var id ids.ID
	binary.LittleEndian.PutUint16(id[4:6], uint16(ids.TypeMapNode))
	return id
}

// Manager owns the versioned node tree, lock objects and transactions of
// one master cell.
type Manager struct {
	nodes        map[VersionedID]*Node
	locks        map[ids.ID]*Lock
	transactions map[ids.ID]*Transaction

	root   ids.ID
	now    func() time.Time
	newID  func(t ids.ObjectType) ids.ID
	logger *slog.Logger

	accessTracker *AccessTracker
}

// NewManager creates a manager with a fresh root map node.
func NewManager(logger *slog.Logger) *Manager {
	m := &Manager{
		nodes:        make(map[VersionedID]*Node),
		locks:        make(map[ids.ID]*Lock),
		transactions: make(map[ids.ID]*Transaction),
		now:          time.Now,
		newID:        ids.New,
		logger:       logging.Default(logger).With("component", "cypress-manager"),
	}
	root := &Node{
		ID:      RootNodeID(),
		Payload: Payload{Kind: KindMap, Children: make(map[string]ids.ID)},
	}
	root.lockStates = make(map[ids.ID]*lockState)
	now := m.now()
	root.CreationTime = now
	root.ModificationTime = now
	m.nodes[root.VersionedID()] = root
	m.root = root.ID
	return m
}

// SetIDGenerator replaces the object id allocator. The replicated state
// machine installs a deterministic generator so replayed mutations allocate
// identical ids on every peer.
func (m *Manager) SetIDGenerator(gen func(t ids.ObjectType) ids.ID) {
	m.newID = gen
}

// SetClock replaces the wall clock; mutations carry their own timestamps
// when applied through the replicated log.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// SetAccessTracker wires the access statistics batcher.
func (m *Manager) SetAccessTracker(tracker *AccessTracker) {
	m.accessTracker = tracker
}

// RootID returns the root map node id.
func (m *Manager) RootID() ids.ID { return m.root }

// trunk resolves the trunk copy of a node.
func (m *Manager) trunk(nodeID ids.ID) (*Node, error) {
	node, ok := m.nodes[VersionedID{Object: nodeID}]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrNoSuchNode, nodeID)
	}
	return node, nil
}

// GetNode resolves the node version visible to a transaction: the nearest
// branched copy along the transaction chain, or the trunk.
func (m *Manager) GetNode(nodeID, txID ids.ID) (*Node, error) {
	for _, tx := range m.transactionChain(txID) {
		if node, ok := m.nodes[VersionedID{Object: nodeID, Tx: tx}]; ok {
			return node, nil
		}
	}
	return m.trunk(nodeID)
}

// CreateNode creates a trunk node under a map-node parent with a fresh id.
func (m *Manager) CreateNode(parentID ids.ID, key string, payload Payload) (*Node, error) {
	return m.CreateNodeWithID(m.newID(payload.Kind.objectType()), parentID, key, payload)
}

// CreateNodeWithID creates a trunk node with a caller-chosen id; replicated
// mutations carry the id so every peer materializes the same object.
func (m *Manager) CreateNodeWithID(id, parentID ids.ID, key string, payload Payload) (*Node, error) {
	parent, err := m.trunk(parentID)
	if err != nil {
		return nil, err
	}
	if parent.Payload.Kind != KindMap {
		return nil, fmt.Errorf("parent %v is a %v, not a map", parentID, parent.Payload.Kind)
	}
	if _, ok := parent.Payload.Children[key]; ok {
		return nil, fmt.Errorf("%w: %q under %v", ErrKeyExists, key, parentID)
	}

	now := m.now()
	node := &Node{
		ID:               id,
		Parent:           parentID,
		Payload:          clonePayload(payload),
		CreationTime:     now,
		ModificationTime: now,
		ACD:              AccessControlDescriptor{InheritACL: true},
	}
	if node.Payload.Kind == KindMap && node.Payload.Children == nil {
		node.Payload.Children = make(map[string]ids.ID)
	}
	node.lockStates = make(map[ids.ID]*lockState)
	m.nodes[node.VersionedID()] = node

	parent.Payload.Children[key] = node.ID
	parent.ModificationTime = now
	parent.Revision++
	return node, nil
}

// StartTransaction begins a transaction, optionally nested.
func (m *Manager) StartTransaction(parent ids.ID) (*Transaction, error) {
	return m.StartTransactionWithID(m.newID(ids.TypeTransaction), parent)
}

// StartTransactionWithID begins a transaction with a caller-chosen id.
func (m *Manager) StartTransactionWithID(id, parent ids.ID) (*Transaction, error) {
	if !parent.IsNil() {
		if _, ok := m.transactions[parent]; !ok {
			return nil, fmt.Errorf("%w: %v", ErrNoSuchTransaction, parent)
		}
	}
	if _, ok := m.transactions[id]; ok {
		return nil, fmt.Errorf("transaction %v already exists", id)
	}
	tx := newTransaction(id, parent)
	m.transactions[id] = tx
	return tx, nil
}

func (m *Manager) transaction(txID ids.ID) (*Transaction, error) {
	tx, ok := m.transactions[txID]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrNoSuchTransaction, txID)
	}
	return tx, nil
}

// validateLock checks a lock request against the trunk's current lock
// holders. It reports whether taking the lock is actually required.
func (m *Manager) validateLock(trunk *Node, txID ids.ID, req LockRequest, checkPending bool) (bool, error) {
	if req.Mode == LockModeSnapshot && txID.IsNil() {
		return false, ErrSnapshotRequiresTransaction
	}

	if !txID.IsNil() {
		if state, ok := trunk.lockStates[txID]; ok {
			if state.Mode == LockModeSnapshot && req.Mode != LockModeSnapshot {
				return false, conflictError(ErrSameTransactionLockConflict, trunk.ID, txID, req)
			}
			if state.covers(req) {
				return false, nil
			}
		}
	}

	// Deterministic holder order.
	holders := make([]ids.ID, 0, len(trunk.lockStates))
	for holder := range trunk.lockStates {
		holders = append(holders, holder)
	}
	sort.Slice(holders, func(i, j int) bool { return ids.Compare(holders[i], holders[j]) < 0 })

	for _, holder := range holders {
		if holder == txID {
			continue
		}
		state := trunk.lockStates[holder]

		// Snapshot requests conflict with non-snapshot locks held by
		// descendant transactions.
		if req.Mode == LockModeSnapshot && state.Mode != LockModeSnapshot &&
			m.isParent(txID, holder) {
			return false, conflictError(ErrDescendantTransactionLockConflict, trunk.ID, holder, req)
		}

		if !m.isConcurrent(txID, holder) {
			continue
		}
		// Snapshot locks never conflict with concurrent holders.
		if req.Mode == LockModeSnapshot || state.Mode == LockModeSnapshot {
			continue
		}
		if req.Mode == LockModeExclusive || state.Mode == LockModeExclusive {
			return false, conflictError(ErrConcurrentTransactionLockConflict, trunk.ID, holder, req)
		}
		// Shared vs shared: conflict only on overlapping keys.
		if req.Mode == LockModeShared && state.Mode == LockModeShared {
			childOverlap := req.ChildKey != "" && state.ChildKeys[req.ChildKey]
			attrOverlap := req.AttributeKey != "" && state.AttributeKeys[req.AttributeKey]
			if childOverlap || attrOverlap {
				return false, conflictError(ErrConcurrentTransactionLockConflict, trunk.ID, holder, req)
			}
		}
	}

	if txID.IsNil() {
		// Outside a transaction the lock is never mandatory.
		return false, nil
	}

	if checkPending && !req.Waitable {
		for _, lockID := range trunk.lockList {
			if lock := m.locks[lockID]; lock != nil && lock.State == LockStatePending && lock.TxID != txID {
				return false, conflictError(ErrPendingLockConflict, trunk.ID, lock.TxID, req)
			}
		}
	}
	return true, nil
}

// subtree enumerates the node and its descendants deterministically: map
// children sorted by key, list children in order.
func (m *Manager) subtree(trunk *Node) []*Node {
	out := []*Node{trunk}
	switch trunk.Payload.Kind {
	case KindMap:
		keys := make([]string, 0, len(trunk.Payload.Children))
		for key := range trunk.Payload.Children {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			if child, err := m.trunk(trunk.Payload.Children[key]); err == nil {
				out = append(out, m.subtree(child)...)
			}
		}
	case KindList:
		for _, childID := range trunk.Payload.Items {
			if child, err := m.trunk(childID); err == nil {
				out = append(out, m.subtree(child)...)
			}
		}
	}
	return out
}

// LockNode validates and takes a lock on the node (and its subtree when
// recursive) for the transaction. The aggregate is mandatory iff any child
// requires a lock; redundant requests succeed with no new lock objects.
func (m *Manager) LockNode(txID, nodeID ids.ID, req LockRequest, recursive bool) ([]*Lock, error) {
	if !txID.IsNil() {
		if _, err := m.transaction(txID); err != nil {
			return nil, err
		}
	}
	trunk, err := m.trunk(nodeID)
	if err != nil {
		return nil, err
	}

	targets := []*Node{trunk}
	if recursive {
		targets = m.subtree(trunk)
	}

	mandatory := false
	for _, target := range targets {
		need, err := m.validateLock(target, txID, req, true)
		if err != nil {
			if !waitableConflict(req, err) {
				return nil, err
			}
			need = true
		}
		mandatory = mandatory || need
	}
	if !mandatory {
		return nil, nil
	}

	locks := make([]*Lock, 0, len(targets))
	for _, target := range targets {
		need, err := m.validateLock(target, txID, req, true)
		if err != nil {
			if !waitableConflict(req, err) {
				return nil, err
			}
			// The request waits: a pending lock joins the queue and is
			// promoted once the conflicting holders release.
			locks = append(locks, m.enqueuePendingLock(target, txID, req))
			continue
		}
		if !need {
			continue
		}
		locks = append(locks, m.acquireLock(target, txID, req))
	}
	return locks, nil
}

// waitableConflict reports whether a waitable request may park on the
// conflict instead of failing.
func waitableConflict(req LockRequest, err error) bool {
	return req.Waitable &&
		(errors.Is(err, ErrConcurrentTransactionLockConflict) || errors.Is(err, ErrPendingLockConflict))
}

// enqueuePendingLock registers a pending lock without acquiring it.
func (m *Manager) enqueuePendingLock(trunk *Node, txID ids.ID, req LockRequest) *Lock {
	lock := &Lock{
		ID:      m.newID(ids.TypeLock),
		State:   LockStatePending,
		TxID:    txID,
		TrunkID: trunk.ID,
		Request: req,
	}
	m.locks[lock.ID] = lock
	trunk.lockList = append(trunk.lockList, lock.ID)
	tx := m.transactions[txID]
	tx.Locks[lock.ID] = true
	tx.LockedNodes[trunk.ID] = true
	return lock
}

// acquireLock creates a pending lock, promotes it to acquired and branches
// the node for the transaction.
func (m *Manager) acquireLock(trunk *Node, txID ids.ID, req LockRequest) *Lock {
	lock := &Lock{
		ID:      m.newID(ids.TypeLock),
		State:   LockStatePending,
		TxID:    txID,
		TrunkID: trunk.ID,
		Request: req,
	}
	m.locks[lock.ID] = lock
	trunk.lockList = append(trunk.lockList, lock.ID)

	tx := m.transactions[txID]
	tx.Locks[lock.ID] = true

	m.promoteLock(trunk, lock)
	return lock
}

// promoteLock flips a pending lock to acquired: aggregate state updates and
// the node branches along the transaction chain.
func (m *Manager) promoteLock(trunk *Node, lock *Lock) {
	lock.State = LockStateAcquired

	state, ok := trunk.lockStates[lock.TxID]
	if !ok {
		state = newLockState()
		trunk.lockStates[lock.TxID] = state
	}
	state.absorb(lock.Request)

	tx := m.transactions[lock.TxID]
	tx.LockedNodes[trunk.ID] = true

	m.branchNode(lock.TxID, trunk, lock.Request.Mode)
}

// branchNode creates branched copies along the transaction chain from the
// first existing branched ancestor down to the requested transaction,
// bumping the lock mode on intermediate branches. Snapshot requests branch
// only at the requested transaction.
func (m *Manager) branchNode(txID ids.ID, trunk *Node, mode LockMode) {
	chain := m.transactionChain(txID)

	if mode == LockModeSnapshot {
		m.branchAt(txID, trunk, trunk.Payload, mode)
		return
	}

	// Find the nearest existing branch above the requested transaction.
	top := len(chain)
	var source Payload = trunk.Payload
	for i := 1; i < len(chain); i++ {
		if branch, ok := m.nodes[VersionedID{Object: trunk.ID, Tx: chain[i]}]; ok {
			top = i
			source = branch.Payload
			if branch.LockMode < mode {
				branch.LockMode = mode
			}
			break
		}
	}

	// Branch every missing level from just below the existing ancestor down
	// to the requested transaction.
	for i := top - 1; i >= 0; i-- {
		vid := VersionedID{Object: trunk.ID, Tx: chain[i]}
		if branch, ok := m.nodes[vid]; ok {
			if branch.LockMode < mode {
				branch.LockMode = mode
			}
			source = branch.Payload
			continue
		}
		branch := m.branchAt(chain[i], trunk, source, mode)
		source = branch.Payload
	}
}

// branchAt materializes one branched copy.
func (m *Manager) branchAt(txID ids.ID, trunk *Node, source Payload, mode LockMode) *Node {
	vid := VersionedID{Object: trunk.ID, Tx: txID}
	if existing, ok := m.nodes[vid]; ok {
		if existing.LockMode < mode {
			existing.LockMode = mode
		}
		return existing
	}
	branch := &Node{
		ID:               trunk.ID,
		TxID:             txID,
		Parent:           trunk.Parent,
		Payload:          handlerFor(trunk.Payload.Kind).branch(source),
		ACD:              trunk.ACD,
		LockMode:         mode,
		CreationTime:     trunk.CreationTime,
		ModificationTime: trunk.ModificationTime,
		Revision:         trunk.Revision,
	}
	m.nodes[vid] = branch
	tx := m.transactions[txID]
	tx.BranchedNodes = append(tx.BranchedNodes, vid)
	return branch
}

// SetNodePayload rewrites the payload of the transaction's branched copy.
// The transaction must hold a lock covering the node.
func (m *Manager) SetNodePayload(txID, nodeID ids.ID, payload Payload) error {
	if txID.IsNil() {
		trunk, err := m.trunk(nodeID)
		if err != nil {
			return err
		}
		trunk.Payload = clonePayload(payload)
		trunk.ModificationTime = m.now()
		trunk.Revision++
		return nil
	}
	branch, ok := m.nodes[VersionedID{Object: nodeID, Tx: txID}]
	if !ok {
		return fmt.Errorf("%w: node %v in transaction %v", ErrNotLocked, nodeID, txID)
	}
	branch.Payload = clonePayload(payload)
	branch.ModificationTime = m.now()
	branch.Revision++
	return nil
}

// CommitTransaction merges every branched node and releases the locks. The
// combined effect is one state-machine step.
func (m *Manager) CommitTransaction(txID ids.ID) error {
	tx, err := m.transaction(txID)
	if err != nil {
		return err
	}

	for _, vid := range tx.BranchedNodes {
		branch, ok := m.nodes[vid]
		if !ok {
			continue
		}
		if branch.LockMode == LockModeSnapshot {
			// Snapshot branches are read-only views; they die with the
			// transaction.
			delete(m.nodes, vid)
			continue
		}
		dst := m.mergeTarget(tx, branch.ID)
		handlerFor(dst.Payload.Kind).merge(&dst.Payload, branch.Payload)
		dst.ModificationTime = m.now()
		dst.Revision++
		delete(m.nodes, vid)
	}

	m.releaseLocks(tx)
	delete(m.transactions, txID)
	return nil
}

// mergeTarget finds the destination for a committed branch: the nearest
// branch of an ancestor transaction, or the trunk.
func (m *Manager) mergeTarget(tx *Transaction, nodeID ids.ID) *Node {
	for _, ancestor := range m.transactionChain(tx.Parent) {
		if node, ok := m.nodes[VersionedID{Object: nodeID, Tx: ancestor}]; ok {
			return node
		}
	}
	node, err := m.trunk(nodeID)
	if err != nil {
		panic(fmt.Sprintf("cypress: branch of %v has no trunk", nodeID))
	}
	return node
}

// AbortTransaction destroys every branched copy without merging.
func (m *Manager) AbortTransaction(txID ids.ID) error {
	tx, err := m.transaction(txID)
	if err != nil {
		return err
	}
	for _, vid := range tx.BranchedNodes {
		delete(m.nodes, vid)
	}
	m.releaseLocks(tx)
	delete(m.transactions, txID)
	return nil
}

// releaseLocks drops the transaction's locks and promotes pending locks
// that now pass validation, in list order.
func (m *Manager) releaseLocks(tx *Transaction) {
	affected := make([]ids.ID, 0, len(tx.LockedNodes))

	for lockID := range tx.Locks {
		lock, ok := m.locks[lockID]
		if !ok {
			continue
		}
		trunk, err := m.trunk(lock.TrunkID)
		if err == nil {
			trunk.lockList = removeID(trunk.lockList, lockID)
		}
		delete(m.locks, lockID)
	}
	for nodeID := range tx.LockedNodes {
		affected = append(affected, nodeID)
	}
	sort.Slice(affected, func(i, j int) bool { return ids.Compare(affected[i], affected[j]) < 0 })

	for _, nodeID := range affected {
		trunk, err := m.trunk(nodeID)
		if err != nil {
			continue
		}
		delete(trunk.lockStates, tx.ID)
	}

	// Re-examine pending locks on every affected trunk.
	for _, nodeID := range affected {
		trunk, err := m.trunk(nodeID)
		if err != nil {
			continue
		}
		for _, lockID := range append([]ids.ID(nil), trunk.lockList...) {
			lock, ok := m.locks[lockID]
			if !ok || lock.State != LockStatePending {
				continue
			}
			if _, err := m.validateLock(trunk, lock.TxID, lock.Request, false); err == nil {
				m.promoteLock(trunk, lock)
			}
		}
	}
}

func removeID(list []ids.ID, id ids.ID) []ids.ID {
	for i, v := range list {
		if v == id {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// SetAccessed forwards an access event to the tracker.
func (m *Manager) SetAccessed(nodeID ids.ID) {
	if m.accessTracker != nil {
		m.accessTracker.NoteAccess(nodeID)
	}
}

// ApplyAccessStatistics is the mutation side of access tracking: access
// times advance to the maximum, counters accumulate.
func (m *Manager) ApplyAccessStatistics(updates []AccessUpdate) {
	for _, update := range updates {
		trunk, err := m.trunk(update.NodeID)
		if err != nil {
			continue
		}
		if update.AccessTime.After(trunk.AccessTime) {
			trunk.AccessTime = update.AccessTime
		}
		trunk.AccessCounter += update.Count
	}
}

// LockOf returns a lock object, for tests and introspection.
func (m *Manager) LockOf(id ids.ID) (*Lock, error) {
	lock, ok := m.locks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrNoSuchLock, id)
	}
	return lock, nil
}
