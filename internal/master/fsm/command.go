// Package fsm bridges the raft replicated log with the master state: every
// chunk and namespace mutation is a serialized command persisted to the log
// before the FSM dispatches it to the managers. Reads bypass the log and go
// straight to the in-memory state.
package fsm

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"grove/internal/ids"
	"grove/internal/master/chunkserver"
	"grove/internal/master/cypress"
)

// CommandKind discriminates the command union.
type CommandKind int

const (
	CmdCreateChunk CommandKind = iota + 1
	CmdConfirmChunk
	CmdSealChunk
	CmdAddReplica
	CmdRemoveReplica
	CmdExportChunk
	CmdUnexportChunk
	CmdCreateChunkList
	CmdAttachChild
	CmdDetachChild

	CmdCreateNode
	CmdSetNodePayload
	CmdStartTransaction
	CmdLockNode
	CmdCommitTransaction
	CmdAbortTransaction
	CmdUpdateAccessStatistics
)

// Command is the replicated mutation envelope. Exactly one payload field is
// set, matching Kind. Timestamp is assigned by the leader so replay on
// every peer applies identical wall-clock values.
type Command struct {
	Kind      CommandKind
	Timestamp time.Time

	CreateChunk     *CreateChunkCmd     `msgpack:",omitempty"`
	ConfirmChunk    *ConfirmChunkCmd    `msgpack:",omitempty"`
	SealChunk       *SealChunkCmd       `msgpack:",omitempty"`
	ChunkReplica    *ChunkReplicaCmd    `msgpack:",omitempty"`
	ExportChunk     *ExportChunkCmd     `msgpack:",omitempty"`
	CreateChunkList *CreateChunkListCmd `msgpack:",omitempty"`
	ChildLink       *ChildLinkCmd       `msgpack:",omitempty"`

	CreateNode       *CreateNodeCmd       `msgpack:",omitempty"`
	SetNodePayload   *SetNodePayloadCmd   `msgpack:",omitempty"`
	StartTransaction *StartTransactionCmd `msgpack:",omitempty"`
	LockNode         *LockNodeCmd         `msgpack:",omitempty"`
	Transaction      *TransactionCmd      `msgpack:",omitempty"`
	AccessUpdates    []cypress.AccessUpdate `msgpack:",omitempty"`
}

type CreateChunkCmd struct {
	ChunkID     ids.ID
	ReadQuorum  int
	WriteQuorum int
}

type ConfirmChunkCmd struct {
	ChunkID ids.ID
	Meta    []byte // encoded chunkmeta envelope
}

type SealChunkCmd struct {
	ChunkID ids.ID
	Info    chunkserver.SealInfo
}

type ChunkReplicaCmd struct {
	ChunkID  ids.ID
	Replica  chunkserver.Replica
	Approved bool
}

type ExportChunkCmd struct {
	ChunkID   ids.ID
	CellIndex int
	Count     int // unexport only
}

type CreateChunkListCmd struct {
	ChunkListID ids.ID
}

type ChildLinkCmd struct {
	ChunkListID ids.ID
	Child       ids.ID
}

type CreateNodeCmd struct {
	NodeID   ids.ID
	ParentID ids.ID
	Key      string
	Payload  cypress.Payload
}

type SetNodePayloadCmd struct {
	TxID    ids.ID
	NodeID  ids.ID
	Payload cypress.Payload
}

type StartTransactionCmd struct {
	TxID   ids.ID
	Parent ids.ID
}

type LockNodeCmd struct {
	TxID      ids.ID
	NodeID    ids.ID
	Request   cypress.LockRequest
	Recursive bool
	// BaseLockID seeds the deterministic lock id sequence for this command.
	BaseLockID ids.ID
}

type TransactionCmd struct {
	TxID ids.ID
}

// Marshal serializes a command for raft.Apply.
func Marshal(cmd *Command) ([]byte, error) {
	data, err := msgpack.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("marshal command: %w", err)
	}
	return data, nil
}

// Unmarshal parses a committed raft log entry.
func Unmarshal(data []byte) (*Command, error) {
	var cmd Command
	if err := msgpack.Unmarshal(data, &cmd); err != nil {
		return nil, fmt.Errorf("unmarshal command: %w", err)
	}
	return &cmd, nil
}
