package chunkserver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"grove/internal/ids"
)

// JournalClient is the journal surface of one replica's node.
type JournalClient interface {
	// AbortSessions closes any write session the node still holds for the
	// chunk, fencing stray writers before sealing.
	AbortSessions(ctx context.Context, chunkID ids.ID) error
	// GetRecordCount reports how many records of the chunk the node has.
	GetRecordCount(ctx context.Context, chunkID ids.ID) (int64, error)
}

var ErrQuorumUnreachable = errors.New("journal quorum unreachable")

// AbortSessionsQuorum aborts write sessions on the replicas, succeeding once
// at least quorum peers have acknowledged within the timeout.
func AbortSessionsQuorum(ctx context.Context, chunkID ids.ID, clients []JournalClient, quorum int, timeout time.Duration) error {
	if len(clients) < quorum {
		return fmt.Errorf("%w: %d replicas, quorum %d", ErrQuorumUnreachable, len(clients), quorum)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results := make(chan error, len(clients))
	for _, client := range clients {
		go func(client JournalClient) {
			results <- client.AbortSessions(ctx, chunkID)
		}(client)
	}

	acked := 0
	var failures []error
	for range clients {
		err := <-results
		if err == nil {
			acked++
			if acked >= quorum {
				return nil
			}
			continue
		}
		failures = append(failures, err)
		if len(failures) > len(clients)-quorum {
			return fmt.Errorf("%w: aborting sessions for %v: %w",
				ErrQuorumUnreachable, chunkID, errors.Join(failures...))
		}
	}
	return fmt.Errorf("%w: aborting sessions for %v", ErrQuorumUnreachable, chunkID)
}

// ComputeQuorumRecordCount collects per-replica record counts and returns
// the quorum count: the largest n such that at least quorum replicas hold at
// least n records.
func ComputeQuorumRecordCount(ctx context.Context, chunkID ids.ID, clients []JournalClient, quorum int, timeout time.Duration) (int64, error) {
	if len(clients) < quorum {
		return 0, fmt.Errorf("%w: %d replicas, quorum %d", ErrQuorumUnreachable, len(clients), quorum)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	counts := make([]int64, len(clients))
	ok := make([]bool, len(clients))
	g, gctx := errgroup.WithContext(ctx)
	for i, client := range clients {
		g.Go(func() error {
			count, err := client.GetRecordCount(gctx, chunkID)
			if err == nil {
				counts[i] = count
				ok[i] = true
			}
			// Individual failures are tolerated while a quorum remains.
			return nil
		})
	}
	_ = g.Wait()

	var reported []int64
	for i := range counts {
		if ok[i] {
			reported = append(reported, counts[i])
		}
	}
	if len(reported) < quorum {
		return 0, fmt.Errorf("%w: computing record count for %v: %d of %d replicas responded",
			ErrQuorumUnreachable, chunkID, len(reported), len(clients))
	}
	sort.Slice(reported, func(i, j int) bool { return reported[i] > reported[j] })
	return reported[quorum-1], nil
}
