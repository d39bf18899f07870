package messaging

import (
	"time"

	"github.com/google/uuid"
)

// Subjects
const (
	SubjectMintConfirmed = "chain.mint.confirmed"
	SubjectBurnObserved  = "chain.burn.observed"

	SubjectBridgeLocked   = "bridge.tx.locked"
	SubjectBridgeMinted   = "bridge.tx.minted"
	SubjectBridgeUnlocked = "bridge.tx.unlocked"
	SubjectBridgeFailed   = "bridge.tx.failed"
	SubjectBridgeRefunded = "bridge.tx.refunded"

	SubjectSecurityEvent  = "security.event"
	SubjectOperatorNotify = "security.operator.notify"

	SubjectLedgerEntry = "ledger.entry"
)

// MintConfirmedEvent is published by a chain adapter once a submitted mint
// has been confirmed on the external chain.
type MintConfirmedEvent struct {
	Chain         string    `json:"chain"`
	ExternalRef   string    `json:"external_ref"`
	CorrelationID uuid.UUID `json:"correlation_id"`
	Amount        string    `json:"amount"`
	BlockHeight   int64     `json:"block_height,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// BurnObservedEvent is published by a chain adapter when it observes a burn
// on the external chain. AccountRef may be empty for user-initiated reverse
// bridges where no outbound lock exists.
type BurnObservedEvent struct {
	Chain       string    `json:"chain"`
	ExternalRef string    `json:"external_ref"`
	FromAddress string    `json:"from_address"`
	AccountRef  string    `json:"account_ref,omitempty"`
	Amount      string    `json:"amount"`
	Timestamp   time.Time `json:"timestamp"`
}

// BridgeTxEvent describes a bridge transaction status transition.
type BridgeTxEvent struct {
	TxID        uuid.UUID `json:"tx_id"`
	AccountID   uuid.UUID `json:"account_id"`
	Direction   string    `json:"direction"`
	Chain       string    `json:"chain"`
	Amount      string    `json:"amount"`
	Fee         string    `json:"fee"`
	Status      string    `json:"status"`
	ExternalRef string    `json:"external_ref,omitempty"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// SecurityEventMsg mirrors a persisted security event for live consumers.
type SecurityEventMsg struct {
	ID        uuid.UUID `json:"id"`
	Type      string    `json:"type"`
	Severity  string    `json:"severity"`
	AccountID string    `json:"account_id,omitempty"`
	Details   string    `json:"details"`
	Timestamp time.Time `json:"timestamp"`
}

// OperatorNotice is sent on the operator channel for critical security
// actions. Delivery is best-effort and never blocks the underlying action.
type OperatorNotice struct {
	Kind      string    `json:"kind"` // "breaker_opened", "auto_blacklist", "refund_required", ...
	Reason    string    `json:"reason"`
	Subject   string    `json:"subject,omitempty"` // account id, address or tx id
	Timestamp time.Time `json:"timestamp"`
}

// LedgerEntryEvent mirrors a ledger entry for downstream consumers.
type LedgerEntryEvent struct {
	EntryID   uuid.UUID `json:"entry_id"`
	AccountID uuid.UUID `json:"account_id"`
	Delta     string    `json:"delta"`
	Balance   string    `json:"balance"`
	Reason    string    `json:"reason"`
	BridgeTx  string    `json:"bridge_tx_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
