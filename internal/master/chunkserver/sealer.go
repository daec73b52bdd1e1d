package chunkserver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
	"golang.org/x/sync/semaphore"

	"grove/internal/ids"
	"grove/internal/invoker"
	"grove/internal/logging"
)

// SealerConfig tunes the sealer loop. Zero values get defaults.
type SealerConfig struct {
	ChunkRefreshPeriod      time.Duration
	MaxChunkConcurrentSeals int64
	MaxChunksPerRefresh     int
	ChunkSealBackoffTime    time.Duration
	JournalRpcTimeout       time.Duration
}

func (c *SealerConfig) applyDefaults() {
	if c.ChunkRefreshPeriod <= 0 {
		c.ChunkRefreshPeriod = 5 * time.Second
	}
	if c.MaxChunkConcurrentSeals <= 0 {
		c.MaxChunkConcurrentSeals = 8
	}
	if c.MaxChunksPerRefresh <= 0 {
		c.MaxChunksPerRefresh = 128
	}
	if c.ChunkSealBackoffTime <= 0 {
		c.ChunkSealBackoffTime = 30 * time.Second
	}
	if c.JournalRpcTimeout <= 0 {
		c.JournalRpcTimeout = 15 * time.Second
	}
}

// SealSink applies the agreed seal outcome, normally by submitting a
// mutation through the replicated log.
type SealSink interface {
	SubmitSeal(chunkID ids.ID, info SealInfo) error
}

// ReplicaClientProvider resolves a stored replica to its journal client.
type ReplicaClientProvider interface {
	JournalClient(replica Replica) (JournalClient, error)
}

// Sealer drives every confirmed-but-unsealed journal chunk to its sealed
// state: reach an abort quorum, agree on the quorum record count, submit the
// seal mutation. Chunk state is only touched on the state-machine invoker;
// quorum RPCs run on background goroutines.
type Sealer struct {
	cfg     SealerConfig
	manager *Manager
	clients ReplicaClientProvider
	sink    SealSink
	inv     *invoker.Serial
	logger  *slog.Logger

	sem   *semaphore.Weighted
	queue []ids.ID

	// isLocked reports whether a parent chunk list is attached to a
	// mutating owner; wired by the namespace layer.
	isLocked func(chunk *Chunk) bool

	scheduler gocron.Scheduler
}

// NewSealer creates a sealer. The invoker must be the state machine's.
func NewSealer(cfg SealerConfig, manager *Manager, clients ReplicaClientProvider, sink SealSink, inv *invoker.Serial, logger *slog.Logger) *Sealer {
	cfg.applyDefaults()
	return &Sealer{
		cfg:      cfg,
		manager:  manager,
		clients:  clients,
		sink:     sink,
		inv:      inv,
		logger:   logging.Default(logger).With("component", "chunk-sealer"),
		sem:      semaphore.NewWeighted(cfg.MaxChunkConcurrentSeals),
		isLocked: func(*Chunk) bool { return false },
	}
}

// SetLockedCheck installs the owning-node mutation check.
func (s *Sealer) SetLockedCheck(check func(chunk *Chunk) bool) {
	s.isLocked = check
}

// Initialize enumerates journal chunks, schedules the unsealed ones and
// starts the refresh executor.
func (s *Sealer) Initialize() error {
	s.inv.PostAndWait(func() {
		for _, id := range s.manager.JournalChunks() {
			s.scheduleSealLocked(id)
		}
	})
	s.manager.SetJournalConfirmedHook(func(chunkID ids.ID) {
		s.scheduleSealLocked(chunkID)
	})

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create sealer scheduler: %w", err)
	}
	if _, err := scheduler.NewJob(
		gocron.DurationJob(s.cfg.ChunkRefreshPeriod),
		gocron.NewTask(func() {
			s.inv.Post(s.onRefresh)
		}),
	); err != nil {
		return fmt.Errorf("schedule sealer refresh: %w", err)
	}
	scheduler.Start()
	s.scheduler = scheduler
	return nil
}

// Stop shuts the refresh executor down.
func (s *Sealer) Stop() error {
	if s.scheduler == nil {
		return nil
	}
	return s.scheduler.Shutdown()
}

// ScheduleSeal enqueues a chunk from off the state machine.
func (s *Sealer) ScheduleSeal(chunkID ids.ID) {
	s.inv.Post(func() { s.scheduleSealLocked(chunkID) })
}

// scheduleSealLocked runs on the invoker.
func (s *Sealer) scheduleSealLocked(chunkID ids.ID) {
	chunk, err := s.manager.GetChunk(chunkID)
	if err != nil {
		return
	}
	if !isSealNeeded(chunk) || chunk.SealScheduled() {
		return
	}
	chunk.SetSealScheduled(true)
	s.queue = append(s.queue, chunkID)
}

func isSealNeeded(chunk *Chunk) bool {
	return chunk.IsJournal() && chunk.IsConfirmed() && !chunk.IsSealed()
}

func (s *Sealer) hasEnoughReplicas(chunk *Chunk) bool {
	return len(chunk.StoredReplicas()) >= chunk.ReadQuorum
}

func (s *Sealer) canSeal(chunk *Chunk) bool {
	return isSealNeeded(chunk) && s.hasEnoughReplicas(chunk) && !s.isLocked(chunk)
}

// onRefresh runs on the invoker: dequeue up to MaxChunksPerRefresh chunks,
// each pinned to a semaphore slot for the duration of its seal attempt.
func (s *Sealer) onRefresh() {
	dequeued := 0
	for dequeued < s.cfg.MaxChunksPerRefresh && len(s.queue) > 0 {
		if !s.sem.TryAcquire(1) {
			return
		}
		chunkID := s.queue[0]
		s.queue = s.queue[1:]
		dequeued++

		chunk, err := s.manager.GetChunk(chunkID)
		if err != nil {
			// The chunk was destroyed while queued.
			s.sem.Release(1)
			continue
		}
		chunk.SetSealScheduled(false)
		if !s.canSeal(chunk) {
			s.sem.Release(1)
			continue
		}

		replicas := append([]Replica(nil), chunk.StoredReplicas()...)
		quorum := chunk.ReadQuorum
		go s.sealChunk(chunkID, replicas, quorum)
	}
}

// sealChunk runs off the invoker: quorum RPCs, then the seal mutation.
func (s *Sealer) sealChunk(chunkID ids.ID, replicas []Replica, quorum int) {
	defer s.sem.Release(1)

	if err := s.guardedSeal(chunkID, replicas, quorum); err != nil {
		s.logger.Warn("error sealing journal chunk, backing off",
			"chunk", chunkID.String(), "error", err)
		time.AfterFunc(s.cfg.ChunkSealBackoffTime, func() {
			s.ScheduleSeal(chunkID)
		})
	}
}

func (s *Sealer) guardedSeal(chunkID ids.ID, replicas []Replica, quorum int) error {
	s.logger.Info("sealing journal chunk", "chunk", chunkID.String())

	clients := make([]JournalClient, 0, len(replicas))
	for _, replica := range replicas {
		client, err := s.clients.JournalClient(replica)
		if err != nil {
			continue
		}
		clients = append(clients, client)
	}

	ctx := context.Background()
	if err := AbortSessionsQuorum(ctx, chunkID, clients, quorum, s.cfg.JournalRpcTimeout); err != nil {
		return err
	}
	recordCount, err := ComputeQuorumRecordCount(ctx, chunkID, clients, quorum, s.cfg.JournalRpcTimeout)
	if err != nil {
		return err
	}
	return s.sink.SubmitSeal(chunkID, SealInfo{RowCount: recordCount})
}
