package batch

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Submitter submits one queued mint. The orchestrator implements it; a
// submission failure marks only that member, never the whole batch.
type Submitter interface {
	SubmitMint(ctx context.Context, txID uuid.UUID) error
}

// Config holds batching policy.
type Config struct {
	MaxSize     int
	MaxWait     time.Duration
	Parallelism int
}

// Aggregator groups small outbound mints per chain to amortize external
// transaction cost. A queue flushes when it reaches MaxSize or when its
// oldest member has waited MaxWait, whichever comes first.
type Aggregator struct {
	queue     Queue
	submitter Submitter
	cfg       Config
}

// NewAggregator creates a batch aggregator.
func NewAggregator(queue Queue, submitter Submitter, cfg Config) *Aggregator {
	if cfg.MaxSize == 0 {
		cfg.MaxSize = 10
	}
	if cfg.MaxWait == 0 {
		cfg.MaxWait = 5 * time.Minute
	}
	if cfg.Parallelism == 0 {
		cfg.Parallelism = 4
	}
	return &Aggregator{queue: queue, submitter: submitter, cfg: cfg}
}

// Enqueue queues a mint and flushes if the batch is full.
func (a *Aggregator) Enqueue(ctx context.Context, chainID string, txID uuid.UUID, amount decimal.Decimal) error {
	length, err := a.queue.Push(ctx, chainID, Item{
		TxID:       txID,
		Amount:     amount.String(),
		EnqueuedAt: time.Now(),
	})
	if err != nil {
		return err
	}

	if length >= int64(a.cfg.MaxSize) {
		return a.Flush(ctx, chainID)
	}
	return nil
}

// Flush drains the chain's queue and submits every member with bounded
// concurrency. Each member's outcome stands alone: failures are counted and
// reported, successes are not rolled back.
func (a *Aggregator) Flush(ctx context.Context, chainID string) error {
	items, err := a.queue.PopAll(ctx, chainID)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	var (
		mu     sync.Mutex
		failed int
	)

	g := new(errgroup.Group)
	g.SetLimit(a.cfg.Parallelism)
	for _, item := range items {
		item := item
		g.Go(func() error {
			if err := a.submitter.SubmitMint(ctx, item.TxID); err != nil {
				log.Printf("batch: submission for %s on %s failed: %v", item.TxID, chainID, err)
				mu.Lock()
				failed++
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	if failed > 0 {
		return fmt.Errorf("batch flush on %s: %d of %d submissions failed", chainID, failed, len(items))
	}
	return nil
}

// FlushAged flushes every chain whose oldest queued item has exceeded the
// maximum wait.
func (a *Aggregator) FlushAged(ctx context.Context, chainIDs []string, now time.Time) error {
	for _, chainID := range chainIDs {
		oldest, err := a.queue.OldestEnqueuedAt(ctx, chainID)
		if err != nil {
			return err
		}
		if oldest == nil || now.Sub(*oldest) < a.cfg.MaxWait {
			continue
		}
		if err := a.Flush(ctx, chainID); err != nil {
			log.Printf("batch: aged flush on %s: %v", chainID, err)
		}
	}
	return nil
}

// PendingStatus describes a chain's queue for the admin surface.
type PendingStatus struct {
	Chain    string     `json:"chain"`
	Queued   int64      `json:"queued"`
	OldestAt *time.Time `json:"oldest_at,omitempty"`
}

// Status reports the queue state for a chain.
func (a *Aggregator) Status(ctx context.Context, chainID string) (PendingStatus, error) {
	length, err := a.queue.Len(ctx, chainID)
	if err != nil {
		return PendingStatus{}, err
	}
	oldest, err := a.queue.OldestEnqueuedAt(ctx, chainID)
	if err != nil {
		return PendingStatus{}, err
	}
	return PendingStatus{Chain: chainID, Queued: length, OldestAt: oldest}, nil
}
