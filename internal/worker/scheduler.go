package worker

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/terminal-bench/seedbridge/internal/bridge"
)

// Work class names, also the lock names.
const (
	ClassRetryOutbound = "retry_outbound"
	ClassVerifyInbound = "verify_inbound"
	ClassFlushBatches  = "flush_batches"
)

const pickupLimit = 50

// Orchestrator is the slice of the bridge orchestrator the worker drives.
type Orchestrator interface {
	SubmitMint(ctx context.Context, txID uuid.UUID) error
	CompletePendingInbound(ctx context.Context, txID uuid.UUID) error
}

// Store supplies the pending work.
type Store interface {
	UnsubmittedOutbound(ctx context.Context, limit int) ([]bridge.Transaction, error)
	PendingInbound(ctx context.Context, limit int) ([]bridge.Transaction, error)
}

// BatchFlusher flushes aged batches.
type BatchFlusher interface {
	FlushAged(ctx context.Context, chainIDs []string, now time.Time) error
}

// Scheduler drives the periodic passes: retrying unsubmitted mints,
// verifying pending burns, and flushing aged batches. Each class of work is
// guarded by a lock so no two passes of the same class overlap, even across
// worker instances.
type Scheduler struct {
	orchestrator Orchestrator
	store        Store
	batcher      BatchFlusher
	locker       Locker
	chainIDs     func() []string
	interval     time.Duration
}

// NewScheduler creates a worker scheduler. batcher may be nil.
func NewScheduler(orchestrator Orchestrator, store Store, batcher BatchFlusher, locker Locker, chainIDs func() []string, interval time.Duration) *Scheduler {
	if interval == 0 {
		interval = 30 * time.Second
	}
	return &Scheduler{
		orchestrator: orchestrator,
		store:        store,
		batcher:      batcher,
		locker:       locker,
		chainIDs:     chainIDs,
		interval:     interval,
	}
}

// Run ticks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one pass of every work class.
func (s *Scheduler) Tick(ctx context.Context) {
	s.guarded(ctx, ClassRetryOutbound, s.retryOutbound)
	s.guarded(ctx, ClassVerifyInbound, s.verifyInbound)
	if s.batcher != nil {
		s.guarded(ctx, ClassFlushBatches, s.flushBatches)
	}
}

// guarded runs fn only when the class lock is free.
func (s *Scheduler) guarded(ctx context.Context, class string, fn func(ctx context.Context)) {
	release, acquired, err := s.locker.TryAcquire(ctx, class)
	if err != nil {
		log.Printf("worker: lock %s: %v", class, err)
		return
	}
	if !acquired {
		return
	}
	defer release()

	fn(ctx)
}

// retryOutbound resubmits locked outbound transactions whose mint was never
// accepted by the chain. Attempt bounds and backoff live in the
// orchestrator's submission path.
func (s *Scheduler) retryOutbound(ctx context.Context) {
	txs, err := s.store.UnsubmittedOutbound(ctx, pickupLimit)
	if err != nil {
		log.Printf("worker: failed to list unsubmitted outbound: %v", err)
		return
	}

	for _, tx := range txs {
		if err := s.orchestrator.SubmitMint(ctx, tx.ID); err != nil {
			log.Printf("worker: retry mint %s: %v", tx.ID, err)
		}
	}
}

// verifyInbound polls burn proofs for pending inbound transactions.
func (s *Scheduler) verifyInbound(ctx context.Context) {
	txs, err := s.store.PendingInbound(ctx, pickupLimit)
	if err != nil {
		log.Printf("worker: failed to list pending inbound: %v", err)
		return
	}

	for _, tx := range txs {
		if err := s.orchestrator.CompletePendingInbound(ctx, tx.ID); err != nil {
			log.Printf("worker: verify burn for %s: %v", tx.ID, err)
		}
	}
}

// flushBatches flushes queues whose oldest member waited past the limit.
func (s *Scheduler) flushBatches(ctx context.Context) {
	if err := s.batcher.FlushAged(ctx, s.chainIDs(), time.Now()); err != nil {
		log.Printf("worker: flush aged batches: %v", err)
	}
}
