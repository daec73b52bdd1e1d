// Package cypress implements the versioned hierarchical namespace: trunk
// and branched nodes, the transactional lock state machine and commit/abort
// merging. Every exposed operation runs on the state-machine invoker; the
// package itself takes no locks.
package cypress

import (
	"fmt"
	"time"

	"grove/internal/ids"
)

// NodeKind tags the per-type payload variant.
type NodeKind int

const (
	KindString NodeKind = iota + 1
	KindInt64
	KindDouble
	KindMap
	KindList
	KindLink
	KindDocument
)

func (k NodeKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt64:
		return "int64"
	case KindDouble:
		return "double"
	case KindMap:
		return "map"
	case KindList:
		return "list"
	case KindLink:
		return "link"
	case KindDocument:
		return "document"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// objectType maps a node kind to its id type tag.
func (k NodeKind) objectType() ids.ObjectType {
	switch k {
	case KindString:
		return ids.TypeStringNode
	case KindInt64:
		return ids.TypeInt64Node
	case KindDouble:
		return ids.TypeDoubleNode
	case KindMap:
		return ids.TypeMapNode
	case KindList:
		return ids.TypeListNode
	case KindLink:
		return ids.TypeLinkNode
	case KindDocument:
		return ids.TypeDocumentNode
	default:
		panic(fmt.Sprintf("cypress: no object type for %v", k))
	}
}

// Payload is the tagged per-kind node content.
type Payload struct {
	Kind NodeKind

	StringValue string
	Int64Value  int64
	DoubleValue float64

	// Children holds map-node children by key.
	Children map[string]ids.ID
	// Items holds list-node children in order.
	Items []ids.ID
	// Target is a link node's destination path.
	Target string
	// Document is an opaque subtree blob.
	Document []byte
}

// clonePayload deep-copies a payload; the handler table's branch operation.
func clonePayload(p Payload) Payload {
	out := p
	if p.Children != nil {
		out.Children = make(map[string]ids.ID, len(p.Children))
		for k, v := range p.Children {
			out.Children[k] = v
		}
	}
	if p.Items != nil {
		out.Items = append([]ids.ID(nil), p.Items...)
	}
	if p.Document != nil {
		out.Document = append([]byte(nil), p.Document...)
	}
	return out
}

// AccessControlDescriptor is the node's ownership and inheritance record.
type AccessControlDescriptor struct {
	Owner      string
	InheritACL bool
}

// VersionedID addresses one version of a node: the trunk copy has a nil
// transaction id.
type VersionedID struct {
	Object ids.ID
	Tx     ids.ID
}

// Node is one version of a namespace node.
type Node struct {
	ID     ids.ID
	TxID   ids.ID // nil for the trunk copy
	Parent ids.ID

	Payload Payload
	ACD     AccessControlDescriptor

	// LockMode is the mode this branch was created with; None on trunks.
	LockMode LockMode

	CreationTime     time.Time
	ModificationTime time.Time
	AccessTime       time.Time
	AccessCounter    int64
	Revision         uint64

	// Trunk-only lock bookkeeping.
	lockStates map[ids.ID]*lockState // per-transaction aggregate state
	lockList   []ids.ID              // pending and acquired locks in arrival order
}

// IsTrunk reports whether this is the committed baseline copy.
func (n *Node) IsTrunk() bool { return n.TxID.IsNil() }

// VersionedID returns the node's full address.
func (n *Node) VersionedID() VersionedID {
	return VersionedID{Object: n.ID, Tx: n.TxID}
}

// handler bundles the per-kind lifecycle operations; the table below is
// keyed by kind instead of a type hierarchy.
type handler struct {
	branch func(trunk Payload) Payload
	merge  func(dst *Payload, branched Payload)
}

func overwriteMerge(dst *Payload, branched Payload) {
	*dst = clonePayload(branched)
}

var handlers = map[NodeKind]handler{
	KindString:   {branch: clonePayload, merge: overwriteMerge},
	KindInt64:    {branch: clonePayload, merge: overwriteMerge},
	KindDouble:   {branch: clonePayload, merge: overwriteMerge},
	KindMap:      {branch: clonePayload, merge: overwriteMerge},
	KindList:     {branch: clonePayload, merge: overwriteMerge},
	KindLink:     {branch: clonePayload, merge: overwriteMerge},
	KindDocument: {branch: clonePayload, merge: overwriteMerge},
}

func handlerFor(kind NodeKind) handler {
	h, ok := handlers[kind]
	if !ok {
		panic(fmt.Sprintf("cypress: no handler for %v", kind))
	}
	return h
}
