package bridge

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/terminal-bench/seedbridge/internal/chain"
	"github.com/terminal-bench/seedbridge/internal/ledger"
	"github.com/terminal-bench/seedbridge/internal/security"
	"github.com/terminal-bench/seedbridge/pkg/messaging"
)

type ledgerCall struct {
	account uuid.UUID
	amount  decimal.Decimal
	reason  string
}

type fakeLedger struct {
	debits   []ledgerCall
	credits  []ledgerCall
	debitErr error
}

func (l *fakeLedger) DebitInTx(ctx context.Context, tx *sql.Tx, accountID uuid.UUID, amount decimal.Decimal, reason string, bridgeTx *uuid.UUID) (*ledger.Entry, error) {
	if l.debitErr != nil {
		return nil, l.debitErr
	}
	l.debits = append(l.debits, ledgerCall{accountID, amount, reason})
	return &ledger.Entry{AccountID: accountID, Delta: amount.Neg()}, nil
}

func (l *fakeLedger) CreditInTx(ctx context.Context, tx *sql.Tx, accountID uuid.UUID, amount decimal.Decimal, reason string, bridgeTx *uuid.UUID) (*ledger.Entry, error) {
	l.credits = append(l.credits, ledgerCall{accountID, amount, reason})
	return &ledger.Entry{AccountID: accountID, Delta: amount}, nil
}

type stubGate struct {
	authorizeErr error
	inboundErr   error
	observations []security.Event
}

func (g *stubGate) Authorize(ctx context.Context, req security.Request) error {
	return g.authorizeErr
}

func (g *stubGate) AuthorizeInbound(ctx context.Context, req security.Request) error {
	return g.inboundErr
}

func (g *stubGate) RecordObservation(ctx context.Context, event *security.Event) {
	g.observations = append(g.observations, *event)
}

func (g *stubGate) observed(eventType string) bool {
	for _, event := range g.observations {
		if event.Type == eventType {
			return true
		}
	}
	return false
}

type fakeAdapter struct {
	mintRef   string
	mintErr   error
	mintCalls int
	proof     *chain.BurnProof
}

func (a *fakeAdapter) Mint(ctx context.Context, recipient string, amount decimal.Decimal, correlationID uuid.UUID) (string, error) {
	a.mintCalls++
	if a.mintErr != nil {
		return "", a.mintErr
	}
	return a.mintRef, nil
}

func (a *fakeAdapter) VerifyBurn(ctx context.Context, externalRef string) (*chain.BurnProof, error) {
	return a.proof, nil
}

func (a *fakeAdapter) BalanceOf(ctx context.Context, address string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (a *fakeAdapter) NetworkStatus(ctx context.Context) (chain.NetworkStatus, error) {
	return chain.NetworkStatus{Connected: true}, nil
}

// memStore mimics the Postgres store's guarded transitions in memory.
type memStore struct {
	txs map[uuid.UUID]*Transaction
}

func newMemStore() *memStore {
	return &memStore{txs: make(map[uuid.UUID]*Transaction)}
}

func (s *memStore) CreateInTx(ctx context.Context, sqlTx *sql.Tx, tx *Transaction) error {
	return s.Create(ctx, tx)
}

func (s *memStore) Create(ctx context.Context, tx *Transaction) error {
	if tx.Direction == DirectionUnlock && tx.ExternalRef != "" {
		for _, existing := range s.txs {
			if existing.Direction == DirectionUnlock && existing.Chain == tx.Chain && existing.ExternalRef == tx.ExternalRef {
				return errors.New("unique constraint violation")
			}
		}
	}
	s.txs[tx.ID] = tx
	return nil
}

func (s *memStore) Get(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	tx, ok := s.txs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return tx, nil
}

func (s *memStore) GetByExternalRef(ctx context.Context, chainID, externalRef, direction string) (*Transaction, error) {
	for _, tx := range s.txs {
		if tx.Chain == chainID && tx.ExternalRef == externalRef && tx.Direction == direction {
			return tx, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memStore) MarkSubmitted(ctx context.Context, id uuid.UUID, externalRef string) error {
	tx, ok := s.txs[id]
	if !ok || tx.Status != StatusLocked {
		return ErrNotFound
	}
	tx.ExternalRef = externalRef
	return nil
}

func (s *memStore) MarkMinted(ctx context.Context, id uuid.UUID, externalRef string) (bool, error) {
	tx, ok := s.txs[id]
	if !ok || tx.Status != StatusLocked {
		return false, nil
	}
	now := time.Now()
	tx.Status = StatusMinted
	tx.ExternalRef = externalRef
	tx.CompletedAt = &now
	return true, nil
}

func (s *memStore) MarkUnlockedInTx(ctx context.Context, sqlTx *sql.Tx, id uuid.UUID) (bool, error) {
	tx, ok := s.txs[id]
	if !ok || tx.Status != StatusPending {
		return false, nil
	}
	now := time.Now()
	tx.Status = StatusUnlocked
	tx.CompletedAt = &now
	return true, nil
}

func (s *memStore) MarkFailed(ctx context.Context, id uuid.UUID, cause string) (bool, error) {
	tx, ok := s.txs[id]
	if !ok || tx.Terminal() {
		return false, nil
	}
	now := time.Now()
	tx.Status = StatusFailed
	tx.Error = cause
	tx.CompletedAt = &now
	return true, nil
}

func (s *memStore) RecordAttempt(ctx context.Context, id uuid.UUID, cause string, nextRetry time.Time) error {
	tx, ok := s.txs[id]
	if !ok {
		return ErrNotFound
	}
	tx.Attempts++
	tx.Error = cause
	tx.NextRetryAt = &nextRetry
	return nil
}

func (s *memStore) MarkRefundedInTx(ctx context.Context, sqlTx *sql.Tx, id uuid.UUID) (bool, error) {
	tx, ok := s.txs[id]
	if !ok || tx.Direction != DirectionLock || tx.Status != StatusFailed || tx.RefundedAt != nil {
		return false, nil
	}
	now := time.Now()
	tx.RefundedAt = &now
	return true, nil
}

func (s *memStore) FailedUnrefunded(ctx context.Context, limit int) ([]Transaction, error) {
	var txs []Transaction
	for _, tx := range s.txs {
		if tx.Direction == DirectionLock && tx.Status == StatusFailed && tx.RefundedAt == nil {
			txs = append(txs, *tx)
		}
		if len(txs) == limit {
			break
		}
	}
	return txs, nil
}

type fakeBatcher struct {
	enqueued []uuid.UUID
}

func (b *fakeBatcher) Enqueue(ctx context.Context, chainID string, txID uuid.UUID, amount decimal.Decimal) error {
	b.enqueued = append(b.enqueued, txID)
	return nil
}

type harness struct {
	orchestrator *Orchestrator
	ledger       *fakeLedger
	gate         *stubGate
	store        *memStore
	adapter      *fakeAdapter
	batcher      *fakeBatcher
	mock         sqlmock.Sqlmock
	cleanup      func()
}

func newHarness(t *testing.T) *harness {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	adapter := &fakeAdapter{mintRef: "0xmint"}
	registry := chain.NewRegistry()
	registry.Register(chain.Config{
		ID:              "devnet",
		MinAmount:       decimal.NewFromInt(1),
		Fee:             decimal.NewFromInt(2),
		UrgentThreshold: decimal.NewFromInt(1000),
		Adapter:         adapter,
	})

	ledgerSvc := &fakeLedger{}
	gate := &stubGate{}
	store := newMemStore()
	batcher := &fakeBatcher{}

	orchestrator := NewOrchestrator(db, ledgerSvc, store, gate, registry, batcher, nil, nil, Config{
		MaxAttempts:  2,
		RetryBackoff: time.Minute,
	})

	return &harness{
		orchestrator: orchestrator,
		ledger:       ledgerSvc,
		gate:         gate,
		store:        store,
		adapter:      adapter,
		batcher:      batcher,
		mock:         mock,
		cleanup:      func() { db.Close() },
	}
}

func (h *harness) expectCommit() {
	h.mock.ExpectBegin()
	h.mock.ExpectCommit()
}

func (h *harness) expectRollback() {
	h.mock.ExpectBegin()
	h.mock.ExpectRollback()
}

func outboundReq(amount int64) OutboundRequest {
	return OutboundRequest{
		AccountID:       uuid.New(),
		Amount:          decimal.NewFromInt(amount),
		Chain:           "devnet",
		ExternalAddress: "0xrecipient",
	}
}

func TestInitiateOutbound(t *testing.T) {
	t.Run("locks funds and queues the mint", func(t *testing.T) {
		h := newHarness(t)
		defer h.cleanup()
		h.expectCommit()

		req := outboundReq(100)
		btx, err := h.orchestrator.InitiateOutbound(context.Background(), req)
		require.NoError(t, err)

		assert.Equal(t, StatusLocked, btx.Status)
		assert.Equal(t, DirectionLock, btx.Direction)

		require.Len(t, h.ledger.debits, 1)
		assert.True(t, h.ledger.debits[0].amount.Equal(decimal.NewFromInt(102)), "debit covers amount plus fee")
		assert.Equal(t, ReasonLock, h.ledger.debits[0].reason)

		assert.Equal(t, []uuid.UUID{btx.ID}, h.batcher.enqueued)
		assert.Equal(t, 0, h.adapter.mintCalls)
	})

	t.Run("urgent amounts skip the batch queue", func(t *testing.T) {
		h := newHarness(t)
		defer h.cleanup()
		h.expectCommit()

		btx, err := h.orchestrator.InitiateOutbound(context.Background(), outboundReq(5000))
		require.NoError(t, err)

		assert.Equal(t, 1, h.adapter.mintCalls)
		assert.Empty(t, h.batcher.enqueued)
		assert.Equal(t, "0xmint", btx.ExternalRef)
		assert.Equal(t, StatusLocked, btx.Status, "minted only after chain confirmation")
	})

	t.Run("below chain minimum fails before any ledger mutation", func(t *testing.T) {
		h := newHarness(t)
		defer h.cleanup()

		req := outboundReq(100)
		req.Amount = decimal.NewFromFloat(0.5)

		_, err := h.orchestrator.InitiateOutbound(context.Background(), req)
		assert.True(t, errors.Is(err, chain.ErrBelowMinimum))
		assert.Empty(t, h.ledger.debits)
		assert.Empty(t, h.store.txs)
	})

	t.Run("gate rejection blocks the flow entirely", func(t *testing.T) {
		h := newHarness(t)
		defer h.cleanup()
		h.gate.authorizeErr = &security.Rejection{Rule: security.EventBlacklistRejection}

		_, err := h.orchestrator.InitiateOutbound(context.Background(), outboundReq(100))
		var rejection *security.Rejection
		assert.True(t, errors.As(err, &rejection))
		assert.Empty(t, h.ledger.debits)
		assert.Empty(t, h.store.txs)
	})

	t.Run("insufficient balance rolls the lock back", func(t *testing.T) {
		h := newHarness(t)
		defer h.cleanup()
		h.expectRollback()
		h.ledger.debitErr = ledger.ErrInsufficientBalance

		_, err := h.orchestrator.InitiateOutbound(context.Background(), outboundReq(100))
		assert.True(t, errors.Is(err, ledger.ErrInsufficientBalance))
		assert.Empty(t, h.batcher.enqueued)
	})
}

func TestSubmitMint(t *testing.T) {
	t.Run("already submitted transactions are no-ops", func(t *testing.T) {
		h := newHarness(t)
		defer h.cleanup()

		btx := &Transaction{ID: uuid.New(), Direction: DirectionLock, Chain: "devnet", Status: StatusLocked, ExternalRef: "0xdone"}
		h.store.txs[btx.ID] = btx

		require.NoError(t, h.orchestrator.SubmitMint(context.Background(), btx.ID))
		assert.Equal(t, 0, h.adapter.mintCalls)
	})

	t.Run("retries with backoff then fails permanently", func(t *testing.T) {
		h := newHarness(t)
		defer h.cleanup()
		h.adapter.mintErr = errors.New("rpc timeout")

		btx := &Transaction{
			ID:        uuid.New(),
			AccountID: uuid.New(),
			Direction: DirectionLock,
			Amount:    decimal.NewFromInt(100),
			Chain:     "devnet",
			Status:    StatusLocked,
		}
		h.store.txs[btx.ID] = btx

		err := h.orchestrator.SubmitMint(context.Background(), btx.ID)
		require.Error(t, err)
		assert.Equal(t, 1, btx.Attempts)
		assert.Equal(t, StatusLocked, btx.Status)
		require.NotNil(t, btx.NextRetryAt)

		err = h.orchestrator.SubmitMint(context.Background(), btx.ID)
		require.Error(t, err)
		assert.Equal(t, StatusFailed, btx.Status)
		assert.True(t, h.gate.observed("refund_required"))
	})
}

func TestHandleMintConfirmed(t *testing.T) {
	h := newHarness(t)
	defer h.cleanup()

	btx := &Transaction{ID: uuid.New(), Direction: DirectionLock, Chain: "devnet", Status: StatusLocked}
	h.store.txs[btx.ID] = btx

	require.NoError(t, h.orchestrator.HandleMintConfirmed(context.Background(), btx.ID, "0xconf"))
	assert.Equal(t, StatusMinted, btx.Status)
	assert.Equal(t, "0xconf", btx.ExternalRef)

	// Replayed confirmation changes nothing.
	completedAt := btx.CompletedAt
	require.NoError(t, h.orchestrator.HandleMintConfirmed(context.Background(), btx.ID, "0xconf"))
	assert.Equal(t, completedAt, btx.CompletedAt)
}

func inboundReq(amount int64, ref string) InboundRequest {
	return InboundRequest{
		AccountID:   uuid.New(),
		Amount:      decimal.NewFromInt(amount),
		Chain:       "devnet",
		ExternalRef: ref,
		FromAddress: "0xburner",
	}
}

func TestInitiateInbound(t *testing.T) {
	t.Run("credits the verified burn minus the fee", func(t *testing.T) {
		h := newHarness(t)
		defer h.cleanup()
		h.expectCommit()
		h.adapter.proof = &chain.BurnProof{Valid: true, FromAddress: "0xburner", Amount: decimal.NewFromInt(50)}

		btx, err := h.orchestrator.InitiateInbound(context.Background(), inboundReq(50, "0xburn1"))
		require.NoError(t, err)

		assert.Equal(t, StatusUnlocked, btx.Status)
		require.NotNil(t, btx.CompletedAt)
		require.Len(t, h.ledger.credits, 1)
		assert.True(t, h.ledger.credits[0].amount.Equal(decimal.NewFromInt(48)))
		assert.Equal(t, ReasonUnlock, h.ledger.credits[0].reason)
	})

	t.Run("unverified burn leaves no state behind", func(t *testing.T) {
		h := newHarness(t)
		defer h.cleanup()
		h.adapter.proof = nil

		_, err := h.orchestrator.InitiateInbound(context.Background(), inboundReq(50, "0xunknown"))
		assert.True(t, errors.Is(err, ErrBurnNotVerified))
		assert.Empty(t, h.ledger.credits)
		assert.Empty(t, h.store.txs)
	})

	t.Run("replaying a burn reference cannot double-credit", func(t *testing.T) {
		h := newHarness(t)
		defer h.cleanup()
		h.expectCommit()
		h.adapter.proof = &chain.BurnProof{Valid: true, FromAddress: "0xburner", Amount: decimal.NewFromInt(50)}

		req := inboundReq(50, "0xburn2")
		first, err := h.orchestrator.InitiateInbound(context.Background(), req)
		require.NoError(t, err)

		second, err := h.orchestrator.InitiateInbound(context.Background(), req)
		assert.True(t, errors.Is(err, ErrDuplicateTransaction))
		assert.Equal(t, first.ID, second.ID)
		assert.Len(t, h.ledger.credits, 1)
	})

	t.Run("amount mismatch records the attempt and fails it", func(t *testing.T) {
		h := newHarness(t)
		defer h.cleanup()
		h.adapter.proof = &chain.BurnProof{Valid: true, FromAddress: "0xburner", Amount: decimal.NewFromInt(30)}

		_, err := h.orchestrator.InitiateInbound(context.Background(), inboundReq(50, "0xburn3"))
		assert.True(t, errors.Is(err, ErrAmountMismatch))
		assert.Empty(t, h.ledger.credits)
		assert.True(t, h.gate.observed(security.EventAmountMismatch))

		recorded, err := h.store.GetByExternalRef(context.Background(), "devnet", "0xburn3", DirectionUnlock)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, recorded.Status)
	})

	t.Run("amount not exceeding the fee is rejected", func(t *testing.T) {
		h := newHarness(t)
		defer h.cleanup()

		_, err := h.orchestrator.InitiateInbound(context.Background(), inboundReq(2, "0xburn4"))
		assert.True(t, errors.Is(err, ErrFeeExceedsAmount))
	})
}

func TestRoundTripCostsTwoFees(t *testing.T) {
	h := newHarness(t)
	defer h.cleanup()
	h.expectCommit()
	h.expectCommit()

	amount := decimal.NewFromInt(100)
	req := outboundReq(100)
	_, err := h.orchestrator.InitiateOutbound(context.Background(), req)
	require.NoError(t, err)

	h.adapter.proof = &chain.BurnProof{Valid: true, FromAddress: "0xburner", Amount: amount}
	inbound := inboundReq(100, "0xround")
	inbound.AccountID = req.AccountID
	_, err = h.orchestrator.InitiateInbound(context.Background(), inbound)
	require.NoError(t, err)

	debited := h.ledger.debits[0].amount
	credited := h.ledger.credits[0].amount
	fee := decimal.NewFromInt(2)
	assert.True(t, debited.Sub(credited).Equal(fee.Mul(decimal.NewFromInt(2))))
}

func burnEvent(accountRef, externalRef, amount string) messaging.BurnObservedEvent {
	return messaging.BurnObservedEvent{
		Chain:       "devnet",
		ExternalRef: externalRef,
		FromAddress: "0xburner",
		AccountRef:  accountRef,
		Amount:      amount,
		Timestamp:   time.Now(),
	}
}

func TestHandleBurnObserved(t *testing.T) {
	t.Run("burn without account reference is parked for review", func(t *testing.T) {
		h := newHarness(t)
		defer h.cleanup()

		err := h.orchestrator.HandleBurnObserved(context.Background(), burnEvent("", "0xanon", "50"))
		require.NoError(t, err)
		assert.True(t, h.gate.observed(security.EventUnmatchedBurn))
		assert.Empty(t, h.store.txs)
	})

	t.Run("verified burn with account reference unlocks", func(t *testing.T) {
		h := newHarness(t)
		defer h.cleanup()
		h.expectCommit()
		h.adapter.proof = &chain.BurnProof{Valid: true, FromAddress: "0xburner", Amount: decimal.NewFromInt(50)}

		accountID := uuid.New()
		err := h.orchestrator.HandleBurnObserved(context.Background(), burnEvent(accountID.String(), "0xobs1", "50"))
		require.NoError(t, err)

		btx, err := h.store.GetByExternalRef(context.Background(), "devnet", "0xobs1", DirectionUnlock)
		require.NoError(t, err)
		assert.Equal(t, StatusUnlocked, btx.Status)
		assert.Equal(t, accountID, btx.AccountID)
	})

	t.Run("unconfirmed burn becomes a pending transaction", func(t *testing.T) {
		h := newHarness(t)
		defer h.cleanup()
		h.adapter.proof = nil

		accountID := uuid.New()
		err := h.orchestrator.HandleBurnObserved(context.Background(), burnEvent(accountID.String(), "0xobs2", "50"))
		require.NoError(t, err)

		btx, err := h.store.GetByExternalRef(context.Background(), "devnet", "0xobs2", DirectionUnlock)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, btx.Status)
		assert.Empty(t, h.ledger.credits)
	})

	t.Run("policy rejection parks the burn instead of dropping it", func(t *testing.T) {
		h := newHarness(t)
		defer h.cleanup()
		h.adapter.proof = &chain.BurnProof{Valid: true, FromAddress: "0xburner", Amount: decimal.NewFromInt(50)}
		h.gate.inboundErr = &security.Rejection{
			Rule:     security.EventBreakerRejection,
			Severity: security.SeverityCritical,
		}

		accountID := uuid.New()
		err := h.orchestrator.HandleBurnObserved(context.Background(), burnEvent(accountID.String(), "0xobs4", "50"))
		require.NoError(t, err)

		btx, err := h.store.GetByExternalRef(context.Background(), "devnet", "0xobs4", DirectionUnlock)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, btx.Status)
		assert.Empty(t, h.ledger.credits)
	})

	t.Run("replayed burn event is a no-op", func(t *testing.T) {
		h := newHarness(t)
		defer h.cleanup()
		h.expectCommit()
		h.adapter.proof = &chain.BurnProof{Valid: true, FromAddress: "0xburner", Amount: decimal.NewFromInt(50)}

		accountID := uuid.New()
		event := burnEvent(accountID.String(), "0xobs3", "50")
		require.NoError(t, h.orchestrator.HandleBurnObserved(context.Background(), event))
		require.NoError(t, h.orchestrator.HandleBurnObserved(context.Background(), event))
		assert.Len(t, h.ledger.credits, 1)
	})
}

func TestCompletePendingInbound(t *testing.T) {
	pending := func(h *harness) *Transaction {
		btx := &Transaction{
			ID:          uuid.New(),
			AccountID:   uuid.New(),
			Direction:   DirectionUnlock,
			Amount:      decimal.NewFromInt(50),
			Fee:         decimal.NewFromInt(2),
			Chain:       "devnet",
			Status:      StatusPending,
			ExternalRef: "0xpending",
		}
		h.store.txs[btx.ID] = btx
		return btx
	}

	t.Run("confirmed proof credits and unlocks", func(t *testing.T) {
		h := newHarness(t)
		defer h.cleanup()
		h.expectCommit()
		h.adapter.proof = &chain.BurnProof{Valid: true, FromAddress: "0xburner", Amount: decimal.NewFromInt(50)}

		btx := pending(h)
		require.NoError(t, h.orchestrator.CompletePendingInbound(context.Background(), btx.ID))
		assert.Equal(t, StatusUnlocked, btx.Status)
		require.Len(t, h.ledger.credits, 1)
		assert.True(t, h.ledger.credits[0].amount.Equal(decimal.NewFromInt(48)))
	})

	t.Run("still unverified counts an attempt, then fails", func(t *testing.T) {
		h := newHarness(t)
		defer h.cleanup()
		h.adapter.proof = nil

		btx := pending(h)
		require.NoError(t, h.orchestrator.CompletePendingInbound(context.Background(), btx.ID))
		assert.Equal(t, 1, btx.Attempts)
		assert.Equal(t, StatusPending, btx.Status)

		require.NoError(t, h.orchestrator.CompletePendingInbound(context.Background(), btx.ID))
		assert.Equal(t, StatusFailed, btx.Status)
		assert.Empty(t, h.ledger.credits)
	})

	t.Run("inbound gate rejection blocks the credit and keeps the row pending", func(t *testing.T) {
		h := newHarness(t)
		defer h.cleanup()
		h.adapter.proof = &chain.BurnProof{Valid: true, FromAddress: "0xburner", Amount: decimal.NewFromInt(50)}
		h.gate.inboundErr = &security.Rejection{
			Rule:     security.EventBreakerRejection,
			Severity: security.SeverityCritical,
		}

		btx := pending(h)
		err := h.orchestrator.CompletePendingInbound(context.Background(), btx.ID)
		var rejection *security.Rejection
		assert.True(t, errors.As(err, &rejection))
		assert.Equal(t, StatusPending, btx.Status)
		assert.Empty(t, h.ledger.credits)

		// Once the policy clears, the next pass completes the unlock.
		h.gate.inboundErr = nil
		h.expectCommit()
		require.NoError(t, h.orchestrator.CompletePendingInbound(context.Background(), btx.ID))
		assert.Equal(t, StatusUnlocked, btx.Status)
		assert.Len(t, h.ledger.credits, 1)
	})

	t.Run("proof contradicting the claimed amount fails the transaction", func(t *testing.T) {
		h := newHarness(t)
		defer h.cleanup()
		h.adapter.proof = &chain.BurnProof{Valid: true, FromAddress: "0xburner", Amount: decimal.NewFromInt(10)}

		btx := pending(h)
		require.NoError(t, h.orchestrator.CompletePendingInbound(context.Background(), btx.ID))
		assert.Equal(t, StatusFailed, btx.Status)
		assert.True(t, h.gate.observed(security.EventAmountMismatch))
		assert.Empty(t, h.ledger.credits)
	})
}

func TestRefundFailed(t *testing.T) {
	failed := func(h *harness) *Transaction {
		btx := &Transaction{
			ID:        uuid.New(),
			AccountID: uuid.New(),
			Direction: DirectionLock,
			Amount:    decimal.NewFromInt(100),
			Fee:       decimal.NewFromInt(2),
			Chain:     "devnet",
			Status:    StatusFailed,
		}
		h.store.txs[btx.ID] = btx
		return btx
	}

	t.Run("credits back the full debit exactly once", func(t *testing.T) {
		h := newHarness(t)
		defer h.cleanup()
		h.expectCommit()

		btx := failed(h)
		refunded, err := h.orchestrator.RefundFailed(context.Background(), btx.ID)
		require.NoError(t, err)
		require.NotNil(t, refunded.RefundedAt)

		require.Len(t, h.ledger.credits, 1)
		assert.True(t, h.ledger.credits[0].amount.Equal(decimal.NewFromInt(102)))
		assert.Equal(t, ReasonRefund, h.ledger.credits[0].reason)

		_, err = h.orchestrator.RefundFailed(context.Background(), btx.ID)
		assert.True(t, errors.Is(err, ErrNotRefundable))
		assert.Len(t, h.ledger.credits, 1)
	})

	t.Run("only failed outbound locks are refundable", func(t *testing.T) {
		h := newHarness(t)
		defer h.cleanup()

		btx := failed(h)
		btx.Status = StatusLocked

		_, err := h.orchestrator.RefundFailed(context.Background(), btx.ID)
		assert.True(t, errors.Is(err, ErrNotRefundable))
		assert.Empty(t, h.ledger.credits)
	})

	t.Run("refundable listing shrinks as refunds are worked", func(t *testing.T) {
		h := newHarness(t)
		defer h.cleanup()
		h.expectCommit()

		btx := failed(h)
		txs, err := h.orchestrator.ListRefundable(context.Background(), 10)
		require.NoError(t, err)
		require.Len(t, txs, 1)
		assert.Equal(t, btx.ID, txs[0].ID)

		_, err = h.orchestrator.RefundFailed(context.Background(), btx.ID)
		require.NoError(t, err)

		txs, err = h.orchestrator.ListRefundable(context.Background(), 10)
		require.NoError(t, err)
		assert.Empty(t, txs)
	})
}
