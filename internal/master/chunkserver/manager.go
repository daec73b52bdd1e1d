package chunkserver

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"grove/internal/chunkmeta"
	"grove/internal/ids"
	"grove/internal/logging"
)

var (
	ErrNoSuchChunk     = errors.New("no such chunk")
	ErrNoSuchChunkList = errors.New("no such chunk list")
)

// Manager owns every chunk and chunk list of one master cell. All methods
// run on the state machine; iteration orders that affect persisted state use
// the stable id comparator.
type Manager struct {
	chunks       map[ids.ID]*Chunk
	chunkLists   map[ids.ID]*ChunkList
	requisitions *RequisitionRegistry
	logger       *slog.Logger

	// onJournalChunkConfirmed is wired to the sealer so confirmed journal
	// chunks get scheduled for sealing.
	onJournalChunkConfirmed func(chunkID ids.ID)
}

// NewManager creates an empty chunk manager.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		chunks:       make(map[ids.ID]*Chunk),
		chunkLists:   make(map[ids.ID]*ChunkList),
		requisitions: NewRequisitionRegistry(),
		logger:       logging.Default(logger).With("component", "chunk-manager"),
	}
}

// SetJournalConfirmedHook installs the sealer's scheduling callback.
func (m *Manager) SetJournalConfirmedHook(hook func(chunkID ids.ID)) {
	m.onJournalChunkConfirmed = hook
}

// Requisitions exposes the flyweight registry.
func (m *Manager) Requisitions() *RequisitionRegistry { return m.requisitions }

// CreateChunk registers a fresh unconfirmed chunk.
func (m *Manager) CreateChunk(id ids.ID, readQuorum, writeQuorum int) (*Chunk, error) {
	if !id.Type().IsChunk() {
		return nil, fmt.Errorf("id %v is not a chunk id", id)
	}
	if _, ok := m.chunks[id]; ok {
		return nil, fmt.Errorf("chunk %v already exists", id)
	}
	chunk := NewChunk(id, readQuorum, writeQuorum)
	// The fresh chunk holds two references on the empty requisition: its own
	// slot and the aggregated slot.
	m.requisitions.Ref(EmptyRequisitionIndex)
	m.requisitions.Ref(EmptyRequisitionIndex)
	m.chunks[id] = chunk
	return chunk, nil
}

// GetChunk resolves a chunk id.
func (m *Manager) GetChunk(id ids.ID) (*Chunk, error) {
	chunk, ok := m.chunks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrNoSuchChunk, id)
	}
	return chunk, nil
}

// ConfirmChunk attaches meta to a chunk and notifies the sealer for journal
// kinds.
func (m *Manager) ConfirmChunk(id ids.ID, meta *chunkmeta.Meta) error {
	chunk, err := m.GetChunk(id)
	if err != nil {
		return err
	}
	if err := chunk.Confirm(meta); err != nil {
		return err
	}
	if chunk.IsJournal() && !chunk.IsSealed() && m.onJournalChunkConfirmed != nil {
		m.onJournalChunkConfirmed(id)
	}
	return nil
}

// SealChunk applies the quorum seal outcome.
func (m *Manager) SealChunk(id ids.ID, info SealInfo) error {
	chunk, err := m.GetChunk(id)
	if err != nil {
		return err
	}
	if err := chunk.Seal(info); err != nil {
		return err
	}
	if chunk.misc == nil || chunk.meta.Type == chunkmeta.TypeUnknown && chunk.sealed {
		panic(fmt.Sprintf("chunkserver: chunk %v sealed with inconsistent meta", id))
	}
	m.logger.Info("journal chunk sealed", "chunk", id.String(), "row_count", info.RowCount)
	return nil
}

// DestroyChunk removes a chunk once nothing references it.
func (m *Manager) DestroyChunk(id ids.ID) error {
	chunk, err := m.GetChunk(id)
	if err != nil {
		return err
	}
	if chunk.ParentSlotCount() > 0 {
		return fmt.Errorf("chunk %v still has %d parent slots", id, chunk.ParentSlotCount())
	}
	if chunk.IsExported() {
		return fmt.Errorf("chunk %v is still exported", id)
	}
	m.requisitions.Unref(chunk.requisitionIndex)
	m.requisitions.Unref(chunk.aggregatedRequisitionIndex)
	delete(m.chunks, id)
	return nil
}

// CreateChunkList registers an empty chunk list.
func (m *Manager) CreateChunkList(id ids.ID) (*ChunkList, error) {
	if id.Type() != ids.TypeChunkList {
		return nil, fmt.Errorf("id %v is not a chunk list id", id)
	}
	if _, ok := m.chunkLists[id]; ok {
		return nil, fmt.Errorf("chunk list %v already exists", id)
	}
	list := NewChunkList(id)
	m.chunkLists[id] = list
	return list, nil
}

// GetChunkList resolves a chunk list id.
func (m *Manager) GetChunkList(id ids.ID) (*ChunkList, error) {
	list, ok := m.chunkLists[id]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrNoSuchChunkList, id)
	}
	return list, nil
}

// childStatistics summarizes one chunk-tree child.
func (m *Manager) childStatistics(child ids.ID) (Statistics, error) {
	if child.Type() == ids.TypeChunkList {
		list, err := m.GetChunkList(child)
		if err != nil {
			return Statistics{}, err
		}
		return list.stats, nil
	}
	chunk, err := m.GetChunk(child)
	if err != nil {
		return Statistics{}, err
	}
	stats := Statistics{ChunkCount: 1}
	if misc := chunk.Misc(); misc != nil {
		stats.RowCount = misc.RowCount
		stats.DataWeight = misc.DataWeight
	}
	stats.DiskSpace = chunk.DiskSpace
	return stats, nil
}

// AttachChild appends a child to a chunk list, updating the parent multiset
// and propagating statistics to every ancestor.
func (m *Manager) AttachChild(listID, child ids.ID) error {
	list, err := m.GetChunkList(listID)
	if err != nil {
		return err
	}
	stats, err := m.childStatistics(child)
	if err != nil {
		return err
	}

	list.children = append(list.children, child)
	switch child.Type() {
	case ids.TypeChunkList:
		childList, _ := m.GetChunkList(child)
		childList.parents[listID]++
	default:
		chunk, _ := m.GetChunk(child)
		chunk.AddParent(listID)
	}
	m.propagateStatistics(listID, stats, false)
	return nil
}

// DetachChild removes one occurrence of a child from a chunk list.
func (m *Manager) DetachChild(listID, child ids.ID) error {
	list, err := m.GetChunkList(listID)
	if err != nil {
		return err
	}
	found := -1
	for i, c := range list.children {
		if c == child {
			found = i
			break
		}
	}
	if found < 0 {
		return fmt.Errorf("chunk list %v has no child %v", listID, child)
	}
	stats, err := m.childStatistics(child)
	if err != nil {
		return err
	}

	list.children = append(list.children[:found], list.children[found+1:]...)
	switch child.Type() {
	case ids.TypeChunkList:
		childList, _ := m.GetChunkList(child)
		childList.parents[listID]--
		if childList.parents[listID] == 0 {
			delete(childList.parents, listID)
		}
	default:
		chunk, _ := m.GetChunk(child)
		chunk.RemoveParent(listID)
	}
	m.propagateStatistics(listID, stats, true)
	return nil
}

// propagateStatistics walks ancestors in stable order applying the delta.
func (m *Manager) propagateStatistics(listID ids.ID, delta Statistics, remove bool) {
	visited := make(map[ids.ID]bool)
	frontier := []ids.ID{listID}
	for len(frontier) > 0 {
		sort.Slice(frontier, func(i, j int) bool {
			return ids.Compare(frontier[i], frontier[j]) < 0
		})
		id := frontier[0]
		frontier = frontier[1:]
		if visited[id] {
			continue
		}
		visited[id] = true
		list, ok := m.chunkLists[id]
		if !ok {
			continue
		}
		if remove {
			list.stats.deaccumulate(delta)
		} else {
			list.stats.accumulate(delta)
		}
		for parent := range list.parents {
			frontier = append(frontier, parent)
		}
	}
}

// JournalChunks returns all journal chunk ids in stable order; the sealer
// enumerates them at startup.
func (m *Manager) JournalChunks() []ids.ID {
	var out []ids.ID
	for id := range m.chunks {
		if id.Type().IsJournal() {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return ids.Compare(out[i], out[j]) < 0 })
	return out
}

// ChunkCount reports the number of live chunks.
func (m *Manager) ChunkCount() int { return len(m.chunks) }
