package security

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Severity levels for security events and rejections.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Security event types.
const (
	EventBreakerRejection   = "breaker_rejection"
	EventBreakerOpened      = "breaker_opened"
	EventBreakerClosed      = "breaker_closed"
	EventBlacklistRejection = "blacklist_rejection"
	EventBlacklistAdded     = "blacklist_added"
	EventBlacklistRemoved   = "blacklist_removed"
	EventTxCapExceeded      = "tx_cap_exceeded"
	EventRateLimitExceeded  = "rate_limit_exceeded"
	EventVolumeExceeded     = "volume_limit_exceeded"
	EventRapidFire          = "rapid_fire"
	EventConcurrentTx       = "concurrent_tx"
	EventAnomalyPattern     = "anomaly_pattern"
	EventAnomalyFlagged     = "anomaly_flagged"
	EventAutoBlacklist      = "auto_blacklist"
	EventAmountMismatch     = "amount_mismatch"
	EventUnmatchedBurn      = "unmatched_burn"
)

// Blacklist entry types.
const (
	BlacklistAccount = "account"
	BlacklistAddress = "address"
)

// Event is an append-only security observation.
type Event struct {
	ID        uuid.UUID
	Type      string
	Severity  string
	AccountID *uuid.UUID
	Details   string
	CreatedAt time.Time
}

// BlacklistEntry blocks an account or external address. Entries are
// soft-deleted via the active flag, never removed.
type BlacklistEntry struct {
	ID        uuid.UUID
	Type      string
	Value     string
	Reason    string
	Active    bool
	AddedAt   time.Time
	RemovedAt *time.Time
}

// Rejection is a policy denial. It carries the rule that fired and the
// severity so callers can surface an unambiguous audit reason.
type Rejection struct {
	Rule     string
	Reason   string
	Severity string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("security rejection (%s, %s): %s", r.Rule, r.Severity, r.Reason)
}

// Sample is one historical transaction used by the anomaly scorer.
type Sample struct {
	Amount    decimal.Decimal
	CreatedAt time.Time
}
