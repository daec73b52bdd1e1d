package cypress

import (
	"errors"
	"fmt"

	"grove/internal/ids"
)

// LockMode orders lock strength: snapshot < shared < exclusive.
type LockMode int

const (
	LockModeNone LockMode = iota
	LockModeSnapshot
	LockModeShared
	LockModeExclusive
)

func (m LockMode) String() string {
	switch m {
	case LockModeNone:
		return "none"
	case LockModeSnapshot:
		return "snapshot"
	case LockModeShared:
		return "shared"
	case LockModeExclusive:
		return "exclusive"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// LockState is a lock's lifecycle state.
type LockState int

const (
	LockStatePending LockState = iota + 1
	LockStateAcquired
)

// LockRequest describes a requested lock. Empty ChildKey/AttributeKey mean
// a whole-node request.
type LockRequest struct {
	Mode         LockMode
	ChildKey     string
	AttributeKey string
	Waitable     bool
}

// Lock is one pending or acquired lock object.
type Lock struct {
	ID      ids.ID
	State   LockState
	TxID    ids.ID
	TrunkID ids.ID
	Request LockRequest
}

// lockState aggregates a transaction's locks on one trunk node.
type lockState struct {
	Mode          LockMode
	ChildKeys     map[string]bool
	AttributeKeys map[string]bool
}

func newLockState() *lockState {
	return &lockState{
		ChildKeys:     make(map[string]bool),
		AttributeKeys: make(map[string]bool),
	}
}

// absorb folds an acquired request into the aggregate.
func (s *lockState) absorb(req LockRequest) {
	if req.Mode > s.Mode {
		s.Mode = req.Mode
	}
	if req.ChildKey != "" {
		s.ChildKeys[req.ChildKey] = true
	}
	if req.AttributeKey != "" {
		s.AttributeKeys[req.AttributeKey] = true
	}
}

// covers reports whether the aggregate already subsumes the request.
func (s *lockState) covers(req LockRequest) bool {
	if s.Mode < req.Mode {
		return false
	}
	if req.Mode == LockModeShared {
		if req.ChildKey != "" && !s.ChildKeys[req.ChildKey] {
			return false
		}
		if req.AttributeKey != "" && !s.AttributeKeys[req.AttributeKey] {
			return false
		}
	}
	return true
}

// Lock conflict kinds surfaced to clients.
var (
	ErrSameTransactionLockConflict       = errors.New("lock conflicts with a lock of the same transaction")
	ErrDescendantTransactionLockConflict = errors.New("lock conflicts with a lock of a descendant transaction")
	ErrConcurrentTransactionLockConflict = errors.New("lock conflicts with a lock of a concurrent transaction")
	ErrPendingLockConflict               = errors.New("lock conflicts with a pending lock")
	ErrSnapshotRequiresTransaction       = errors.New("snapshot locks require a transaction")
)

// conflictError decorates a conflict sentinel with the participants.
func conflictError(kind error, trunk ids.ID, holder ids.ID, req LockRequest) error {
	return fmt.Errorf("%w: node %v, holder transaction %v, requested %v",
		kind, trunk, holder, req.Mode)
}
