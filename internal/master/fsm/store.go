package fsm

import (
	"fmt"
	"time"

	"github.com/hashicorp/raft"

	"grove/internal/chunkmeta"
	"grove/internal/ids"
	"grove/internal/master/chunkserver"
	"grove/internal/master/cypress"
)

// Store routes mutations through raft.Apply so they are persisted to the
// replicated log before the FSM applies them, and serves reads from the
// FSM's in-memory managers. Object ids are generated on the leader and
// carried inside commands so followers materialize identical state.
type Store struct {
	fsm          *FSM
	raft         *raft.Raft
	applyTimeout time.Duration
}

// NewStore creates a store.
func NewStore(r *raft.Raft, fsm *FSM, applyTimeout time.Duration) *Store {
	if applyTimeout <= 0 {
		applyTimeout = 10 * time.Second
	}
	return &Store{fsm: fsm, raft: r, applyTimeout: applyTimeout}
}

// FSM exposes the underlying state for read paths.
func (s *Store) FSM() *FSM { return s.fsm }

// apply serializes and submits one command.
func (s *Store) apply(cmd *Command) error {
	cmd.Timestamp = time.Now()
	data, err := Marshal(cmd)
	if err != nil {
		return err
	}
	future := s.raft.Apply(data, s.applyTimeout)
	if err := future.Error(); err != nil {
		return fmt.Errorf("raft apply: %w", err)
	}
	if resp := future.Response(); resp != nil {
		if err, ok := resp.(error); ok {
			return err
		}
	}
	return nil
}

// CreateChunk allocates an id and registers the chunk.
func (s *Store) CreateChunk(kind ids.ObjectType, readQuorum, writeQuorum int) (ids.ID, error) {
	id := ids.New(kind)
	err := s.apply(&Command{Kind: CmdCreateChunk, CreateChunk: &CreateChunkCmd{
		ChunkID:     id,
		ReadQuorum:  readQuorum,
		WriteQuorum: writeQuorum,
	}})
	return id, err
}

// ConfirmChunk attaches meta to a chunk.
func (s *Store) ConfirmChunk(chunkID ids.ID, meta *chunkmeta.Meta) error {
	return s.apply(&Command{Kind: CmdConfirmChunk, ConfirmChunk: &ConfirmChunkCmd{
		ChunkID: chunkID,
		Meta:    meta.Encode(),
	}})
}

// SubmitSeal applies a seal outcome; it is the sealer's SealSink.
func (s *Store) SubmitSeal(chunkID ids.ID, info chunkserver.SealInfo) error {
	return s.apply(&Command{Kind: CmdSealChunk, SealChunk: &SealChunkCmd{
		ChunkID: chunkID,
		Info:    info,
	}})
}

var _ chunkserver.SealSink = (*Store)(nil)

// AddReplica registers a reported replica.
func (s *Store) AddReplica(chunkID ids.ID, replica chunkserver.Replica, approved bool) error {
	return s.apply(&Command{Kind: CmdAddReplica, ChunkReplica: &ChunkReplicaCmd{
		ChunkID: chunkID, Replica: replica, Approved: approved,
	}})
}

// RemoveReplica drops a replica.
func (s *Store) RemoveReplica(chunkID ids.ID, replica chunkserver.Replica, approved bool) error {
	return s.apply(&Command{Kind: CmdRemoveReplica, ChunkReplica: &ChunkReplicaCmd{
		ChunkID: chunkID, Replica: replica, Approved: approved,
	}})
}

// ExportChunk bumps a foreign cell's import count.
func (s *Store) ExportChunk(chunkID ids.ID, cellIndex int) error {
	return s.apply(&Command{Kind: CmdExportChunk, ExportChunk: &ExportChunkCmd{
		ChunkID: chunkID, CellIndex: cellIndex,
	}})
}

// UnexportChunk drops n import references.
func (s *Store) UnexportChunk(chunkID ids.ID, cellIndex, count int) error {
	return s.apply(&Command{Kind: CmdUnexportChunk, ExportChunk: &ExportChunkCmd{
		ChunkID: chunkID, CellIndex: cellIndex, Count: count,
	}})
}

// CreateChunkList allocates and registers a chunk list.
func (s *Store) CreateChunkList() (ids.ID, error) {
	id := ids.New(ids.TypeChunkList)
	err := s.apply(&Command{Kind: CmdCreateChunkList, CreateChunkList: &CreateChunkListCmd{ChunkListID: id}})
	return id, err
}

// AttachChild appends a chunk-tree child.
func (s *Store) AttachChild(listID, child ids.ID) error {
	return s.apply(&Command{Kind: CmdAttachChild, ChildLink: &ChildLinkCmd{ChunkListID: listID, Child: child}})
}

// DetachChild removes a chunk-tree child.
func (s *Store) DetachChild(listID, child ids.ID) error {
	return s.apply(&Command{Kind: CmdDetachChild, ChildLink: &ChildLinkCmd{ChunkListID: listID, Child: child}})
}

// CreateNode creates a namespace node.
func (s *Store) CreateNode(parentID ids.ID, key string, payload cypress.Payload) (ids.ID, error) {
	id := ids.New(payloadObjectType(payload))
	err := s.apply(&Command{Kind: CmdCreateNode, CreateNode: &CreateNodeCmd{
		NodeID: id, ParentID: parentID, Key: key, Payload: payload,
	}})
	return id, err
}

// SetNodePayload rewrites a node's payload under a transaction.
func (s *Store) SetNodePayload(txID, nodeID ids.ID, payload cypress.Payload) error {
	return s.apply(&Command{Kind: CmdSetNodePayload, SetNodePayload: &SetNodePayloadCmd{
		TxID: txID, NodeID: nodeID, Payload: payload,
	}})
}

// StartTransaction begins a namespace transaction.
func (s *Store) StartTransaction(parent ids.ID) (ids.ID, error) {
	id := ids.New(ids.TypeTransaction)
	err := s.apply(&Command{Kind: CmdStartTransaction, StartTransaction: &StartTransactionCmd{
		TxID: id, Parent: parent,
	}})
	return id, err
}

// LockNode takes a lock for a transaction.
func (s *Store) LockNode(txID, nodeID ids.ID, req cypress.LockRequest, recursive bool) error {
	return s.apply(&Command{Kind: CmdLockNode, LockNode: &LockNodeCmd{
		TxID: txID, NodeID: nodeID, Request: req, Recursive: recursive,
		BaseLockID: ids.New(ids.TypeLock),
	}})
}

// CommitTransaction commits a transaction.
func (s *Store) CommitTransaction(txID ids.ID) error {
	return s.apply(&Command{Kind: CmdCommitTransaction, Transaction: &TransactionCmd{TxID: txID}})
}

// AbortTransaction aborts a transaction.
func (s *Store) AbortTransaction(txID ids.ID) error {
	return s.apply(&Command{Kind: CmdAbortTransaction, Transaction: &TransactionCmd{TxID: txID}})
}

// UpdateAccessStatistics applies a batched access flush; it is the access
// tracker's flush function.
func (s *Store) UpdateAccessStatistics(updates []cypress.AccessUpdate) error {
	return s.apply(&Command{Kind: CmdUpdateAccessStatistics, AccessUpdates: updates})
}

func payloadObjectType(p cypress.Payload) ids.ObjectType {
	switch p.Kind {
	case cypress.KindString:
		return ids.TypeStringNode
	case cypress.KindInt64:
		return ids.TypeInt64Node
	case cypress.KindDouble:
		return ids.TypeDoubleNode
	case cypress.KindMap:
		return ids.TypeMapNode
	case cypress.KindList:
		return ids.TypeListNode
	case cypress.KindLink:
		return ids.TypeLinkNode
	case cypress.KindDocument:
		return ids.TypeDocumentNode
	default:
		return ids.TypeNull
	}
}
