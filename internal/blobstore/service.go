package blobstore

import (
	"context"

	"grove/internal/fragment"
	"grove/internal/ids"
)

// FragmentService serves the fragment protocol from a local Store. It is
// the node-side implementation of the reader's PeerClient surface; a remote
// transport wraps it without changing semantics.
type FragmentService struct {
	store *Store
}

// NewFragmentService creates a service over the store.
func NewFragmentService(store *Store) *FragmentService {
	return &FragmentService{store: store}
}

var _ fragment.PeerClient = (*FragmentService)(nil)

// ProbeChunkSet reports chunk presence and current queue sizes.
func (s *FragmentService) ProbeChunkSet(ctx context.Context, chunkIDs []ids.ID) (*fragment.ProbeResult, error) {
	done := s.store.NoteRequest()
	defer done()

	netQueue, diskQueue := s.store.QueueSizes()
	result := &fragment.ProbeResult{NetQueueSize: netQueue}
	for _, chunkID := range chunkIDs {
		result.Subresponses = append(result.Subresponses, fragment.ChunkProbe{
			HasChunk:      s.store.Has(chunkID),
			DiskQueueSize: diskQueue,
		})
	}
	return result, nil
}

// GetChunkFragmentSet reads the requested fragments.
func (s *FragmentService) GetChunkFragmentSet(ctx context.Context, sessionID ids.ID, subrequests []fragment.FragmentSubrequest) (*fragment.FragmentSetResult, error) {
	done := s.store.NoteRequest()
	defer done()

	result := &fragment.FragmentSetResult{}
	for _, sub := range subrequests {
		subresponse := fragment.FragmentSubresponse{HasChunk: s.store.Has(sub.ChunkID)}
		if subresponse.HasChunk {
			for _, frag := range sub.Fragments {
				data, err := s.store.Pread(sub.ChunkID, frag.Offset, frag.Length)
				if err != nil {
					subresponse = fragment.FragmentSubresponse{HasChunk: false}
					break
				}
				subresponse.Fragments = append(subresponse.Fragments, data)
			}
		}
		result.Subresponses = append(result.Subresponses, subresponse)
	}
	return result, nil
}
