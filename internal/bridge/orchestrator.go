package bridge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/terminal-bench/seedbridge/internal/chain"
	"github.com/terminal-bench/seedbridge/internal/ledger"
	"github.com/terminal-bench/seedbridge/internal/security"
	"github.com/terminal-bench/seedbridge/pkg/messaging"
)

// Ledger entry reasons written by the orchestrator.
const (
	ReasonLock   = "bridge_lock"
	ReasonUnlock = "bridge_unlock"
	ReasonRefund = "bridge_refund"
)

// LedgerService is the slice of the ledger the orchestrator needs. The InTx
// variants let the debit or credit commit atomically with the bridge
// transaction row.
type LedgerService interface {
	DebitInTx(ctx context.Context, tx *sql.Tx, accountID uuid.UUID, amount decimal.Decimal, reason string, bridgeTx *uuid.UUID) (*ledger.Entry, error)
	CreditInTx(ctx context.Context, tx *sql.Tx, accountID uuid.UUID, amount decimal.Decimal, reason string, bridgeTx *uuid.UUID) (*ledger.Entry, error)
}

// SecurityGate is the policy gate consulted before mutations.
type SecurityGate interface {
	Authorize(ctx context.Context, req security.Request) error
	AuthorizeInbound(ctx context.Context, req security.Request) error
	RecordObservation(ctx context.Context, event *security.Event)
}

// TxStore persists bridge transactions.
type TxStore interface {
	CreateInTx(ctx context.Context, sqlTx *sql.Tx, tx *Transaction) error
	Create(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, id uuid.UUID) (*Transaction, error)
	GetByExternalRef(ctx context.Context, chainID, externalRef, direction string) (*Transaction, error)
	MarkSubmitted(ctx context.Context, id uuid.UUID, externalRef string) error
	MarkMinted(ctx context.Context, id uuid.UUID, externalRef string) (bool, error)
	MarkUnlockedInTx(ctx context.Context, sqlTx *sql.Tx, id uuid.UUID) (bool, error)
	MarkFailed(ctx context.Context, id uuid.UUID, cause string) (bool, error)
	RecordAttempt(ctx context.Context, id uuid.UUID, cause string, nextRetry time.Time) error
	MarkRefundedInTx(ctx context.Context, sqlTx *sql.Tx, id uuid.UUID) (bool, error)
	FailedUnrefunded(ctx context.Context, limit int) ([]Transaction, error)
}

// Batcher queues small outbound mints for amortized submission.
type Batcher interface {
	Enqueue(ctx context.Context, chainID string, txID uuid.UUID, amount decimal.Decimal) error
}

// Notifier publishes bridge lifecycle events.
type Notifier interface {
	Publish(ctx context.Context, subject string, data interface{}) error
}

// MetricsSink records bridge throughput. Implementations must be non-blocking.
type MetricsSink interface {
	RecordBridgeTx(direction, chainID, status string)
}

// Config holds orchestrator settings.
type Config struct {
	MaxAttempts  int
	RetryBackoff time.Duration
}

// Orchestrator owns the bridge transaction state machine. The ledger is the
// source of truth: the lock debit commits before any external call, and the
// external mint is an at-least-once side effect correlated by transaction ID.
type Orchestrator struct {
	db       *sql.DB
	ledger   LedgerService
	store    TxStore
	gate     SecurityGate
	registry *chain.Registry
	batcher  Batcher
	notifier Notifier
	metrics  MetricsSink
	cfg      Config
}

// NewOrchestrator creates a bridge orchestrator. batcher, notifier and
// metrics may be nil.
func NewOrchestrator(db *sql.DB, ledgerSvc LedgerService, store TxStore, gate SecurityGate, registry *chain.Registry, batcher Batcher, notifier Notifier, metrics MetricsSink, cfg Config) *Orchestrator {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = time.Minute
	}
	return &Orchestrator{
		db:       db,
		ledger:   ledgerSvc,
		store:    store,
		gate:     gate,
		registry: registry,
		batcher:  batcher,
		notifier: notifier,
		metrics:  metrics,
		cfg:      cfg,
	}
}

// SetBatcher installs the batch aggregator. The aggregator submits through
// the orchestrator, so the two are wired after construction.
func (o *Orchestrator) SetBatcher(batcher Batcher) {
	o.batcher = batcher
}

// InitiateOutbound runs the lock -> mint flow: security gate, chain
// validation, then the debit and the locked transaction row in one atomic
// unit. The mint submission happens after commit, batched or immediate.
func (o *Orchestrator) InitiateOutbound(ctx context.Context, req OutboundRequest) (*Transaction, error) {
	if err := o.gate.Authorize(ctx, security.Request{
		AccountID:       req.AccountID,
		Amount:          req.Amount,
		ExternalAddress: req.ExternalAddress,
		Chain:           req.Chain,
	}); err != nil {
		return nil, err
	}

	cfg, err := o.registry.Validate(req.Chain, req.Amount)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	btx := &Transaction{
		ID:              uuid.New(),
		AccountID:       req.AccountID,
		Direction:       DirectionLock,
		Amount:          req.Amount,
		Fee:             cfg.Fee,
		Chain:           req.Chain,
		ExternalAddress: req.ExternalAddress,
		Status:          StatusLocked,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	sqlTx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if _, err := o.ledger.DebitInTx(ctx, sqlTx, req.AccountID, req.Amount.Add(cfg.Fee), ReasonLock, &btx.ID); err != nil {
		return nil, err
	}
	if err := o.store.CreateInTx(ctx, sqlTx, btx); err != nil {
		return nil, err
	}
	if err := sqlTx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit lock: %w", err)
	}

	o.publishTxEvent(ctx, messaging.SubjectBridgeLocked, btx)
	o.recordMetric(btx)

	if req.Amount.GreaterThanOrEqual(cfg.UrgentThreshold) {
		if err := o.SubmitMint(ctx, btx.ID); err != nil {
			log.Printf("bridge: immediate mint submission for %s failed: %v", btx.ID, err)
		}
	} else if o.batcher != nil {
		if err := o.batcher.Enqueue(ctx, req.Chain, btx.ID, req.Amount); err != nil {
			// The worker picks up unsubmitted locks, so a queue failure
			// delays the mint rather than losing it.
			log.Printf("bridge: failed to enqueue %s for batching: %v", btx.ID, err)
		}
	}

	return o.store.Get(ctx, btx.ID)
}

// SubmitMint submits the mint for a locked outbound transaction. Safe to
// call repeatedly: already-submitted and terminal transactions are no-ops.
func (o *Orchestrator) SubmitMint(ctx context.Context, txID uuid.UUID) error {
	btx, err := o.store.Get(ctx, txID)
	if err != nil {
		return err
	}
	if btx.Terminal() || btx.Status != StatusLocked || btx.ExternalRef != "" {
		return nil
	}

	cfg, err := o.registry.Get(btx.Chain)
	if err != nil {
		return err
	}

	ref, err := cfg.Adapter.Mint(ctx, btx.ExternalAddress, btx.Amount, btx.ID)
	if err != nil {
		return o.recordSubmitFailure(ctx, btx, err)
	}

	if err := o.store.MarkSubmitted(ctx, txID, ref); err != nil {
		return err
	}
	return nil
}

// recordSubmitFailure counts the attempt and fails the transaction once the
// attempt budget is exhausted. A failed lock has already debited the ledger,
// so it is flagged for the compensating refund path.
func (o *Orchestrator) recordSubmitFailure(ctx context.Context, btx *Transaction, cause error) error {
	if btx.Attempts+1 >= o.cfg.MaxAttempts {
		if _, err := o.store.MarkFailed(ctx, btx.ID, cause.Error()); err != nil {
			return err
		}

		accountID := btx.AccountID
		o.gate.RecordObservation(ctx, &security.Event{
			Type:      "refund_required",
			Severity:  security.SeverityCritical,
			AccountID: &accountID,
			Details:   fmt.Sprintf("outbound lock %s failed after %d attempts: %v", btx.ID, btx.Attempts+1, cause),
		})

		failed, _ := o.store.Get(ctx, btx.ID)
		if failed != nil {
			o.publishTxEvent(ctx, messaging.SubjectBridgeFailed, failed)
			o.recordMetric(failed)
		}
		return fmt.Errorf("mint submission failed permanently: %w", cause)
	}

	backoff := o.cfg.RetryBackoff * time.Duration(1<<btx.Attempts)
	if err := o.store.RecordAttempt(ctx, btx.ID, cause.Error(), time.Now().Add(backoff)); err != nil {
		return err
	}
	return fmt.Errorf("mint submission failed, will retry: %w", cause)
}

// HandleMintConfirmed advances a locked transaction to minted. Replays and
// out-of-order deliveries are no-ops.
func (o *Orchestrator) HandleMintConfirmed(ctx context.Context, txID uuid.UUID, externalRef string) error {
	changed, err := o.store.MarkMinted(ctx, txID, externalRef)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	btx, err := o.store.Get(ctx, txID)
	if err != nil {
		return err
	}
	o.publishTxEvent(ctx, messaging.SubjectBridgeMinted, btx)
	o.recordMetric(btx)
	return nil
}

// InitiateInbound runs the burn -> unlock flow for a caller-presented burn
// proof: verify the burn, guard against replays, then credit and record the
// unlocked transaction in one atomic unit.
func (o *Orchestrator) InitiateInbound(ctx context.Context, req InboundRequest) (*Transaction, error) {
	cfg, err := o.registry.Get(req.Chain)
	if err != nil {
		return nil, err
	}
	if req.Amount.LessThanOrEqual(cfg.Fee) {
		return nil, ErrFeeExceedsAmount
	}

	proof, err := cfg.Adapter.VerifyBurn(ctx, req.ExternalRef)
	if err != nil {
		return nil, fmt.Errorf("burn verification failed: %w", err)
	}
	if proof == nil || !proof.Valid {
		return nil, ErrBurnNotVerified
	}

	if existing, err := o.store.GetByExternalRef(ctx, req.Chain, req.ExternalRef, DirectionUnlock); err == nil && existing != nil {
		return existing, ErrDuplicateTransaction
	} else if err != nil && err != ErrNotFound {
		return nil, err
	}

	if err := o.gate.AuthorizeInbound(ctx, security.Request{
		AccountID:       req.AccountID,
		Amount:          req.Amount,
		ExternalAddress: proof.FromAddress,
		Chain:           req.Chain,
	}); err != nil {
		return nil, err
	}

	if !proof.Amount.Equal(req.Amount) {
		return nil, o.failAmountMismatch(ctx, req, proof.Amount)
	}

	now := time.Now()
	btx := &Transaction{
		ID:              uuid.New(),
		AccountID:       req.AccountID,
		Direction:       DirectionUnlock,
		Amount:          req.Amount,
		Fee:             cfg.Fee,
		Chain:           req.Chain,
		ExternalAddress: proof.FromAddress,
		Status:          StatusUnlocked,
		ExternalRef:     req.ExternalRef,
		CreatedAt:       now,
		UpdatedAt:       now,
		CompletedAt:     &now,
	}

	sqlTx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if _, err := o.ledger.CreditInTx(ctx, sqlTx, req.AccountID, req.Amount.Sub(cfg.Fee), ReasonUnlock, &btx.ID); err != nil {
		return nil, err
	}
	if err := o.store.CreateInTx(ctx, sqlTx, btx); err != nil {
		// The partial unique index on (chain, external_ref) turns a racing
		// duplicate into an insert failure here, before the credit commits.
		return nil, ErrDuplicateTransaction
	}
	if err := sqlTx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit unlock: %w", err)
	}

	o.publishTxEvent(ctx, messaging.SubjectBridgeUnlocked, btx)
	o.recordMetric(btx)
	return btx, nil
}

// failAmountMismatch records the inconsistency as a security event and a
// failed transaction. Mismatches are never auto-corrected.
func (o *Orchestrator) failAmountMismatch(ctx context.Context, req InboundRequest, proofAmount decimal.Decimal) error {
	accountID := req.AccountID
	o.gate.RecordObservation(ctx, &security.Event{
		Type:      security.EventAmountMismatch,
		Severity:  security.SeverityHigh,
		AccountID: &accountID,
		Details: fmt.Sprintf("claimed %s but burn %s on %s proves %s",
			req.Amount, req.ExternalRef, req.Chain, proofAmount),
	})

	now := time.Now()
	cause := fmt.Sprintf("amount mismatch: claimed %s, proof %s", req.Amount, proofAmount)
	btx := &Transaction{
		ID:          uuid.New(),
		AccountID:   req.AccountID,
		Direction:   DirectionUnlock,
		Amount:      req.Amount,
		Fee:         decimal.Zero,
		Chain:       req.Chain,
		Status:      StatusFailed,
		ExternalRef: req.ExternalRef,
		Error:       cause,
		CreatedAt:   now,
		UpdatedAt:   now,
		CompletedAt: &now,
	}
	if err := o.store.Create(ctx, btx); err != nil {
		log.Printf("bridge: failed to record mismatched unlock for %s: %v", req.ExternalRef, err)
	}
	o.publishTxEvent(ctx, messaging.SubjectBridgeFailed, btx)
	return ErrAmountMismatch
}

// HandleBurnObserved routes an asynchronous burn event. Burns with no
// matching lock history are the user-initiated reverse bridge: they go
// through the same inbound flow, with an extra audit event for the weaker
// provenance. Burns whose proof is not yet confirmable become pending
// inbound transactions for the worker to verify.
func (o *Orchestrator) HandleBurnObserved(ctx context.Context, event messaging.BurnObservedEvent) error {
	if existing, err := o.store.GetByExternalRef(ctx, event.Chain, event.ExternalRef, DirectionUnlock); err == nil && existing != nil {
		return nil // already handled
	} else if err != nil && err != ErrNotFound {
		return err
	}

	if event.AccountRef == "" {
		o.gate.RecordObservation(ctx, &security.Event{
			Type:     security.EventUnmatchedBurn,
			Severity: security.SeverityMedium,
			Details: fmt.Sprintf("burn %s on %s from %s has no account reference, manual review required",
				event.ExternalRef, event.Chain, event.FromAddress),
		})
		return nil
	}

	accountID, err := uuid.Parse(event.AccountRef)
	if err != nil {
		return fmt.Errorf("invalid account reference %q: %w", event.AccountRef, err)
	}
	amount, err := decimal.NewFromString(event.Amount)
	if err != nil {
		return fmt.Errorf("invalid burn amount %q: %w", event.Amount, err)
	}

	o.gate.RecordObservation(ctx, &security.Event{
		Type:      security.EventUnmatchedBurn,
		Severity:  security.SeverityLow,
		AccountID: &accountID,
		Details: fmt.Sprintf("user-initiated burn %s on %s from %s",
			event.ExternalRef, event.Chain, event.FromAddress),
	})

	req := InboundRequest{
		AccountID:   accountID,
		Amount:      amount,
		Chain:       event.Chain,
		ExternalRef: event.ExternalRef,
		FromAddress: event.FromAddress,
	}

	_, err = o.InitiateInbound(ctx, req)
	var rejection *security.Rejection
	switch {
	case err == nil, errors.Is(err, ErrDuplicateTransaction):
		return nil
	case errors.Is(err, ErrBurnNotVerified):
		// Not confirmed yet. Park it for the worker's verification pass.
		return o.createPendingInbound(ctx, req)
	case errors.As(err, &rejection):
		// The chain already burned the funds; a halted bridge or other
		// policy denial must not drop the credit. Park it and let the
		// worker retry once the policy clears.
		return o.createPendingInbound(ctx, req)
	default:
		return err
	}
}

func (o *Orchestrator) createPendingInbound(ctx context.Context, req InboundRequest) error {
	cfg, err := o.registry.Get(req.Chain)
	if err != nil {
		return err
	}

	now := time.Now()
	btx := &Transaction{
		ID:              uuid.New(),
		AccountID:       req.AccountID,
		Direction:       DirectionUnlock,
		Amount:          req.Amount,
		Fee:             cfg.Fee,
		Chain:           req.Chain,
		ExternalAddress: req.FromAddress,
		Status:          StatusPending,
		ExternalRef:     req.ExternalRef,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := o.store.Create(ctx, btx); err != nil {
		return err
	}
	return nil
}

// CompletePendingInbound re-runs the inbound gate and the burn verification
// for a pending inbound transaction and, when the proof is confirmed,
// credits and unlocks it atomically.
func (o *Orchestrator) CompletePendingInbound(ctx context.Context, txID uuid.UUID) error {
	btx, err := o.store.Get(ctx, txID)
	if err != nil {
		return err
	}
	if btx.Status != StatusPending || btx.Direction != DirectionUnlock {
		return nil
	}

	// The policy can change while a transaction waits, so the gate is
	// re-checked here. A rejection leaves the row pending for a later pass.
	if err := o.gate.AuthorizeInbound(ctx, security.Request{
		AccountID:       btx.AccountID,
		Amount:          btx.Amount,
		ExternalAddress: btx.ExternalAddress,
		Chain:           btx.Chain,
	}); err != nil {
		return err
	}

	cfg, err := o.registry.Get(btx.Chain)
	if err != nil {
		return err
	}

	proof, err := cfg.Adapter.VerifyBurn(ctx, btx.ExternalRef)
	if err != nil || proof == nil || !proof.Valid {
		if err == nil {
			err = ErrBurnNotVerified
		}
		if btx.Attempts+1 >= o.cfg.MaxAttempts {
			if _, markErr := o.store.MarkFailed(ctx, btx.ID, err.Error()); markErr != nil {
				return markErr
			}
			failed, _ := o.store.Get(ctx, btx.ID)
			if failed != nil {
				o.publishTxEvent(ctx, messaging.SubjectBridgeFailed, failed)
			}
			return nil
		}
		backoff := o.cfg.RetryBackoff * time.Duration(1<<btx.Attempts)
		return o.store.RecordAttempt(ctx, btx.ID, err.Error(), time.Now().Add(backoff))
	}

	if !proof.Amount.Equal(btx.Amount) {
		accountID := btx.AccountID
		o.gate.RecordObservation(ctx, &security.Event{
			Type:      security.EventAmountMismatch,
			Severity:  security.SeverityHigh,
			AccountID: &accountID,
			Details: fmt.Sprintf("pending unlock %s claimed %s but proof shows %s",
				btx.ID, btx.Amount, proof.Amount),
		})
		if _, err := o.store.MarkFailed(ctx, btx.ID, "amount mismatch against burn proof"); err != nil {
			return err
		}
		return nil
	}

	sqlTx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	advanced, err := o.store.MarkUnlockedInTx(ctx, sqlTx, btx.ID)
	if err != nil {
		return err
	}
	if !advanced {
		return nil // another worker finished it
	}
	if _, err := o.ledger.CreditInTx(ctx, sqlTx, btx.AccountID, btx.Amount.Sub(btx.Fee), ReasonUnlock, &btx.ID); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit unlock: %w", err)
	}

	unlocked, _ := o.store.Get(ctx, btx.ID)
	if unlocked != nil {
		o.publishTxEvent(ctx, messaging.SubjectBridgeUnlocked, unlocked)
		o.recordMetric(unlocked)
	}
	return nil
}

// RefundFailed is the operator-driven compensating flow: credit back the
// full debit of a failed outbound lock, exactly once.
func (o *Orchestrator) RefundFailed(ctx context.Context, txID uuid.UUID) (*Transaction, error) {
	btx, err := o.store.Get(ctx, txID)
	if err != nil {
		return nil, err
	}
	if btx.Direction != DirectionLock || btx.Status != StatusFailed || btx.RefundedAt != nil {
		return nil, ErrNotRefundable
	}

	sqlTx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	stamped, err := o.store.MarkRefundedInTx(ctx, sqlTx, btx.ID)
	if err != nil {
		return nil, err
	}
	if !stamped {
		return nil, ErrNotRefundable
	}
	if _, err := o.ledger.CreditInTx(ctx, sqlTx, btx.AccountID, btx.Amount.Add(btx.Fee), ReasonRefund, &btx.ID); err != nil {
		return nil, err
	}
	if err := sqlTx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit refund: %w", err)
	}

	refunded, err := o.store.Get(ctx, btx.ID)
	if err != nil {
		return nil, err
	}
	o.publishTxEvent(ctx, messaging.SubjectBridgeRefunded, refunded)
	return refunded, nil
}

// Get returns a bridge transaction by ID.
func (o *Orchestrator) Get(ctx context.Context, txID uuid.UUID) (*Transaction, error) {
	return o.store.Get(ctx, txID)
}

// ListRefundable returns failed outbound locks whose debit has not been
// compensated yet. Operators work this list through RefundFailed.
func (o *Orchestrator) ListRefundable(ctx context.Context, limit int) ([]Transaction, error) {
	return o.store.FailedUnrefunded(ctx, limit)
}

func (o *Orchestrator) publishTxEvent(ctx context.Context, subject string, btx *Transaction) {
	if o.notifier == nil {
		return
	}
	event := messaging.BridgeTxEvent{
		TxID:        btx.ID,
		AccountID:   btx.AccountID,
		Direction:   btx.Direction,
		Chain:       btx.Chain,
		Amount:      btx.Amount.String(),
		Fee:         btx.Fee.String(),
		Status:      btx.Status,
		ExternalRef: btx.ExternalRef,
		Error:       btx.Error,
		Timestamp:   time.Now(),
	}
	if err := o.notifier.Publish(ctx, subject, event); err != nil {
		log.Printf("bridge: failed to publish %s for %s: %v", subject, btx.ID, err)
	}
}

func (o *Orchestrator) recordMetric(btx *Transaction) {
	if o.metrics != nil {
		o.metrics.RecordBridgeTx(btx.Direction, btx.Chain, btx.Status)
	}
}
