package fsm

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/hashicorp/raft"
	"github.com/vmihailenco/msgpack/v5"

	"grove/internal/chunkmeta"
	"grove/internal/ids"
	"grove/internal/logging"
	"grove/internal/master/chunkserver"
	"grove/internal/master/cypress"
)

// FSM implements raft.FSM by dispatching deserialized commands to the chunk
// and namespace managers. Raft guarantees single-threaded Apply, which is
// exactly the state-machine invariant the managers assume.
type FSM struct {
	chunks *chunkserver.Manager
	nodes  *cypress.Manager
	logger *slog.Logger
}

var _ raft.FSM = (*FSM)(nil)

// New creates an FSM with fresh managers.
func New(logger *slog.Logger) *FSM {
	logger = logging.Default(logger)
	return &FSM{
		chunks: chunkserver.NewManager(logger),
		nodes:  cypress.NewManager(logger),
		logger: logger.With("component", "master-fsm"),
	}
}

// Chunks returns the chunk manager for serving reads.
func (f *FSM) Chunks() *chunkserver.Manager { return f.chunks }

// Nodes returns the namespace manager for serving reads.
func (f *FSM) Nodes() *cypress.Manager { return f.nodes }

// Apply deserializes a committed log entry and dispatches it.
func (f *FSM) Apply(l *raft.Log) any {
	cmd, err := Unmarshal(l.Data)
	if err != nil {
		return fmt.Errorf("unmarshal master command: %w", err)
	}

	// Mutations apply the leader-assigned timestamp.
	if !cmd.Timestamp.IsZero() {
		f.nodes.SetClock(func() time.Time { return cmd.Timestamp })
		defer f.nodes.SetClock(time.Now)
	}

	switch cmd.Kind {
	case CmdCreateChunk:
		c := cmd.CreateChunk
		_, err := f.chunks.CreateChunk(c.ChunkID, c.ReadQuorum, c.WriteQuorum)
		return errOrNil(err)

	case CmdConfirmChunk:
		c := cmd.ConfirmChunk
		meta, err := chunkmeta.Decode(c.Meta)
		if err != nil {
			return err
		}
		return errOrNil(f.chunks.ConfirmChunk(c.ChunkID, meta))

	case CmdSealChunk:
		c := cmd.SealChunk
		return errOrNil(f.chunks.SealChunk(c.ChunkID, c.Info))

	case CmdAddReplica:
		c := cmd.ChunkReplica
		chunk, err := f.chunks.GetChunk(c.ChunkID)
		if err != nil {
			return err
		}
		chunk.AddReplica(c.Replica, c.Approved)
		return nil

	case CmdRemoveReplica:
		c := cmd.ChunkReplica
		chunk, err := f.chunks.GetChunk(c.ChunkID)
		if err != nil {
			return err
		}
		chunk.RemoveReplica(c.Replica.Node, c.Replica.ReplicaIndex, c.Approved)
		return nil

	case CmdExportChunk:
		c := cmd.ExportChunk
		chunk, err := f.chunks.GetChunk(c.ChunkID)
		if err != nil {
			return err
		}
		chunk.Export(c.CellIndex, f.chunks.Requisitions())
		return nil

	case CmdUnexportChunk:
		c := cmd.ExportChunk
		chunk, err := f.chunks.GetChunk(c.ChunkID)
		if err != nil {
			return err
		}
		return errOrNil(chunk.Unexport(c.CellIndex, c.Count, f.chunks.Requisitions()))

	case CmdCreateChunkList:
		_, err := f.chunks.CreateChunkList(cmd.CreateChunkList.ChunkListID)
		return errOrNil(err)

	case CmdAttachChild:
		c := cmd.ChildLink
		return errOrNil(f.chunks.AttachChild(c.ChunkListID, c.Child))

	case CmdDetachChild:
		c := cmd.ChildLink
		return errOrNil(f.chunks.DetachChild(c.ChunkListID, c.Child))

	case CmdCreateNode:
		c := cmd.CreateNode
		_, err := f.nodes.CreateNodeWithID(c.NodeID, c.ParentID, c.Key, c.Payload)
		return errOrNil(err)

	case CmdSetNodePayload:
		c := cmd.SetNodePayload
		return errOrNil(f.nodes.SetNodePayload(c.TxID, c.NodeID, c.Payload))

	case CmdStartTransaction:
		c := cmd.StartTransaction
		_, err := f.nodes.StartTransactionWithID(c.TxID, c.Parent)
		return errOrNil(err)

	case CmdLockNode:
		c := cmd.LockNode
		// Lock ids derive deterministically from the command's base id so
		// every peer allocates the same sequence.
		gen := newSequentialIDGen(c.BaseLockID)
		f.nodes.SetIDGenerator(gen)
		defer f.nodes.SetIDGenerator(ids.New)
		_, err := f.nodes.LockNode(c.TxID, c.NodeID, c.Request, c.Recursive)
		return errOrNil(err)

	case CmdCommitTransaction:
		return errOrNil(f.nodes.CommitTransaction(cmd.Transaction.TxID))

	case CmdAbortTransaction:
		return errOrNil(f.nodes.AbortTransaction(cmd.Transaction.TxID))

	case CmdUpdateAccessStatistics:
		f.nodes.ApplyAccessStatistics(cmd.AccessUpdates)
		return nil

	default:
		return fmt.Errorf("unknown master command kind %d", cmd.Kind)
	}
}

// errOrNil keeps typed nils out of the raft response.
func errOrNil(err error) any {
	if err != nil {
		return err
	}
	return nil
}

// newSequentialIDGen yields ids derived from a base: the entropy half
// counts up, the type tag follows the request.
func newSequentialIDGen(base ids.ID) func(t ids.ObjectType) ids.ID {
	var counter uint64
	return func(t ids.ObjectType) ids.ID {
		counter++
		id := base
		binary.LittleEndian.PutUint16(id[4:6], uint16(t))
		seq := binary.LittleEndian.Uint64(id[8:16]) + counter
		binary.LittleEndian.PutUint64(id[8:16], seq)
		return id
	}
}

// fsmSnapshot carries the serialized managers.
type fsmSnapshot struct {
	chunks []byte
	nodes  []byte
}

var _ raft.FSMSnapshot = (*fsmSnapshot)(nil)

// Snapshot captures the full master state for log compaction.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	chunks, err := f.chunks.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("chunk snapshot: %w", err)
	}
	nodes, err := f.nodes.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("cypress snapshot: %w", err)
	}
	return &fsmSnapshot{chunks: chunks, nodes: nodes}, nil
}

type snapshotEnvelope struct {
	Chunks []byte
	Nodes  []byte
}

// Persist writes the snapshot to the sink.
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	data, err := msgpack.Marshal(&snapshotEnvelope{Chunks: s.chunks, Nodes: s.nodes})
	if err != nil {
		_ = sink.Cancel()
		return fmt.Errorf("marshal snapshot envelope: %w", err)
	}
	if _, err := sink.Write(data); err != nil {
		_ = sink.Cancel()
		return fmt.Errorf("write snapshot: %w", err)
	}
	return sink.Close()
}

// Release is a no-op.
func (s *fsmSnapshot) Release() {}

// Restore replaces the FSM's state with a snapshot. Raft guarantees this is
// never called concurrently with Apply or Snapshot.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	var envelope snapshotEnvelope
	if err := msgpack.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("unmarshal snapshot envelope: %w", err)
	}
	if err := f.chunks.Restore(envelope.Chunks); err != nil {
		return err
	}
	return f.nodes.Restore(envelope.Nodes)
}
