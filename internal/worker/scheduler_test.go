package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/terminal-bench/seedbridge/internal/bridge"
)

type spyOrchestrator struct {
	mu        sync.Mutex
	submitted []uuid.UUID
	completed []uuid.UUID
}

func (o *spyOrchestrator) SubmitMint(ctx context.Context, txID uuid.UUID) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.submitted = append(o.submitted, txID)
	return nil
}

func (o *spyOrchestrator) CompletePendingInbound(ctx context.Context, txID uuid.UUID) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completed = append(o.completed, txID)
	return nil
}

type stubStore struct {
	outbound []bridge.Transaction
	inbound  []bridge.Transaction
}

func (s *stubStore) UnsubmittedOutbound(ctx context.Context, limit int) ([]bridge.Transaction, error) {
	return s.outbound, nil
}

func (s *stubStore) PendingInbound(ctx context.Context, limit int) ([]bridge.Transaction, error) {
	return s.inbound, nil
}

type spyFlusher struct {
	chains []string
}

func (f *spyFlusher) FlushAged(ctx context.Context, chainIDs []string, now time.Time) error {
	f.chains = append(f.chains, chainIDs...)
	return nil
}

func TestTick(t *testing.T) {
	outboundID := uuid.New()
	inboundID := uuid.New()

	orchestrator := &spyOrchestrator{}
	store := &stubStore{
		outbound: []bridge.Transaction{{ID: outboundID}},
		inbound:  []bridge.Transaction{{ID: inboundID}},
	}
	flusher := &spyFlusher{}

	s := NewScheduler(orchestrator, store, flusher, NewLocalLocker(), func() []string { return []string{"devnet"} }, time.Minute)
	s.Tick(context.Background())

	assert.Equal(t, []uuid.UUID{outboundID}, orchestrator.submitted)
	assert.Equal(t, []uuid.UUID{inboundID}, orchestrator.completed)
	assert.Equal(t, []string{"devnet"}, flusher.chains)
}

func TestTickWithoutBatcher(t *testing.T) {
	s := NewScheduler(&spyOrchestrator{}, &stubStore{}, nil, NewLocalLocker(), func() []string { return nil }, time.Minute)
	s.Tick(context.Background())
}

func TestGuardedSkipsHeldClass(t *testing.T) {
	locker := NewLocalLocker()

	// Hold the outbound class as if another instance were mid-pass.
	release, acquired, err := locker.TryAcquire(context.Background(), ClassRetryOutbound)
	require.NoError(t, err)
	require.True(t, acquired)
	defer release()

	orchestrator := &spyOrchestrator{}
	store := &stubStore{
		outbound: []bridge.Transaction{{ID: uuid.New()}},
		inbound:  []bridge.Transaction{{ID: uuid.New()}},
	}

	s := NewScheduler(orchestrator, store, nil, locker, func() []string { return nil }, time.Minute)
	s.Tick(context.Background())

	assert.Empty(t, orchestrator.submitted, "held class must be skipped")
	assert.Len(t, orchestrator.completed, 1, "free classes still run")
}

func TestLocalLocker(t *testing.T) {
	locker := NewLocalLocker()
	ctx := context.Background()

	release, acquired, err := locker.TryAcquire(ctx, "pass")
	require.NoError(t, err)
	require.True(t, acquired)

	_, again, err := locker.TryAcquire(ctx, "pass")
	require.NoError(t, err)
	assert.False(t, again)

	_, other, err := locker.TryAcquire(ctx, "other")
	require.NoError(t, err)
	assert.True(t, other, "locks are per name")

	release()
	_, reacquired, err := locker.TryAcquire(ctx, "pass")
	require.NoError(t, err)
	assert.True(t, reacquired)
}
