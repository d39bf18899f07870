package bridge

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Direction of a bridge transaction.
const (
	DirectionLock   = "lock"   // outbound: debit ledger, mint on chain
	DirectionUnlock = "unlock" // inbound: verified burn, credit ledger
)

// Lifecycle states. Outbound: pending -> locked -> minted. Inbound:
// pending -> burned -> unlocked. minted/unlocked/failed are terminal.
const (
	StatusPending  = "pending"
	StatusLocked   = "locked"
	StatusMinted   = "minted"
	StatusBurned   = "burned"
	StatusUnlocked = "unlocked"
	StatusFailed   = "failed"
)

var (
	ErrNotFound             = errors.New("bridge transaction not found")
	ErrDuplicateTransaction = errors.New("duplicate bridge transaction")
	ErrBurnNotVerified      = errors.New("burn not verified")
	ErrAmountMismatch       = errors.New("claimed amount does not match burn proof")
	ErrNotRefundable        = errors.New("transaction is not refundable")
	ErrFeeExceedsAmount     = errors.New("fee exceeds amount")
)

// Transaction is one bridge operation across the two trust domains. It is
// created by the orchestrator, mutated only by the orchestrator or the
// reconciler, and never deleted.
type Transaction struct {
	ID              uuid.UUID
	AccountID       uuid.UUID
	Direction       string
	Amount          decimal.Decimal
	Fee             decimal.Decimal
	Chain           string
	ExternalAddress string
	Status          string
	ExternalRef     string
	Attempts        int
	NextRetryAt     *time.Time
	Error           string
	RefundedAt      *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
}

// Terminal reports whether the transaction reached a final state.
func (t *Transaction) Terminal() bool {
	return t.Status == StatusMinted || t.Status == StatusUnlocked || t.Status == StatusFailed
}

// OutboundRequest initiates a lock -> mint flow.
type OutboundRequest struct {
	AccountID       uuid.UUID
	Amount          decimal.Decimal
	Chain           string
	ExternalAddress string
}

// InboundRequest initiates a burn -> unlock flow.
type InboundRequest struct {
	AccountID   uuid.UUID
	Amount      decimal.Decimal
	Chain       string
	ExternalRef string
	FromAddress string
}
