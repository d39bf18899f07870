package security

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/terminal-bench/seedbridge/pkg/messaging"
)

// Breaker reads and mutates the shared circuit breaker state.
type Breaker interface {
	State(ctx context.Context) (BreakerState, error)
}

// PolicyStore is the durable state behind the gate: events, blacklist and
// the account's persisted transaction history.
type PolicyStore interface {
	RecordEvent(ctx context.Context, event *Event) error
	IsBlacklisted(ctx context.Context, entryType, value string) (bool, error)
	AddBlacklistEntry(ctx context.Context, entryType, value, reason string) (*BlacklistEntry, error)
	AccountActivity(ctx context.Context, accountID uuid.UUID, since time.Time) (int, decimal.Decimal, error)
	LastTransactionAt(ctx context.Context, accountID uuid.UUID) (*time.Time, error)
	HasInFlight(ctx context.Context, accountID uuid.UUID) (bool, error)
	RecentHistory(ctx context.Context, accountID uuid.UUID, limit int) ([]Sample, error)
}

// Notifier publishes events for monitoring and the operator channel.
type Notifier interface {
	Publish(ctx context.Context, subject string, data interface{}) error
}

// MetricsSink records gate outcomes. Implementations must be non-blocking.
type MetricsSink interface {
	RecordRejection(rule, severity string)
	RecordAnomalyScore(score int)
}

// Limits configures the gate's thresholds.
type Limits struct {
	MaxTxAmount    decimal.Decimal
	HourlyTxLimit  int
	DailyTxLimit   int
	HourlyVolume   decimal.Decimal
	DailyVolume    decimal.Decimal
	MinTxInterval  time.Duration
	AutoBlockScore int
	ReviewScore    int
	HistoryDepth   int
}

// Request is one proposed bridge mutation.
type Request struct {
	AccountID       uuid.UUID
	Amount          decimal.Decimal
	ExternalAddress string
	Chain           string
}

// Gate evaluates the security policy before any bridge mutation. Checks run
// in a fixed order and the first rejection wins, so each denial has exactly
// one audit reason. Every rejection is persisted as a security event before
// control returns.
type Gate struct {
	breaker  Breaker
	store    PolicyStore
	notifier Notifier
	metrics  MetricsSink
	limits   Limits
	now      func() time.Time
}

// NewGate creates a security gate. notifier and metrics may be nil.
func NewGate(breaker Breaker, store PolicyStore, notifier Notifier, metrics MetricsSink, limits Limits) *Gate {
	if limits.HistoryDepth == 0 {
		limits.HistoryDepth = 20
	}
	return &Gate{
		breaker:  breaker,
		store:    store,
		notifier: notifier,
		metrics:  metrics,
		limits:   limits,
		now:      time.Now,
	}
}

// Authorize runs the full check sequence. A nil return means the mutation
// may proceed; a *Rejection return is a policy denial. Other errors mean the
// gate could not evaluate and the caller must not proceed.
func (g *Gate) Authorize(ctx context.Context, req Request) error {
	// 1. Circuit breaker
	state, err := g.breaker.State(ctx)
	if err != nil {
		return fmt.Errorf("failed to read breaker: %w", err)
	}
	if state.Open {
		return g.reject(ctx, req, &Rejection{
			Rule:     EventBreakerRejection,
			Reason:   "bridge halted: " + state.Reason,
			Severity: SeverityCritical,
		})
	}

	// 2. Blacklist
	blocked, err := g.store.IsBlacklisted(ctx, BlacklistAccount, req.AccountID.String())
	if err != nil {
		return err
	}
	if !blocked && req.ExternalAddress != "" {
		blocked, err = g.store.IsBlacklisted(ctx, BlacklistAddress, req.ExternalAddress)
		if err != nil {
			return err
		}
	}
	if blocked {
		return g.reject(ctx, req, &Rejection{
			Rule:     EventBlacklistRejection,
			Reason:   "account or address is blacklisted",
			Severity: SeverityHigh,
		})
	}

	// 3. Single-transaction cap
	if req.Amount.GreaterThan(g.limits.MaxTxAmount) {
		return g.reject(ctx, req, &Rejection{
			Rule:     EventTxCapExceeded,
			Reason:   fmt.Sprintf("amount %s exceeds single-transaction cap %s", req.Amount, g.limits.MaxTxAmount),
			Severity: SeverityMedium,
		})
	}

	now := g.now()
	hourCount, hourVolume, err := g.store.AccountActivity(ctx, req.AccountID, now.Add(-time.Hour))
	if err != nil {
		return err
	}
	dayCount, dayVolume, err := g.store.AccountActivity(ctx, req.AccountID, now.Add(-24*time.Hour))
	if err != nil {
		return err
	}

	// 4. Per-account rate limits
	if hourCount+1 > g.limits.HourlyTxLimit {
		return g.reject(ctx, req, &Rejection{
			Rule:     EventRateLimitExceeded,
			Reason:   fmt.Sprintf("hourly transaction limit %d reached", g.limits.HourlyTxLimit),
			Severity: SeverityMedium,
		})
	}
	if dayCount+1 > g.limits.DailyTxLimit {
		return g.reject(ctx, req, &Rejection{
			Rule:     EventRateLimitExceeded,
			Reason:   fmt.Sprintf("daily transaction limit %d reached", g.limits.DailyTxLimit),
			Severity: SeverityMedium,
		})
	}

	// 5. Per-account volume limits
	if hourVolume.Add(req.Amount).GreaterThan(g.limits.HourlyVolume) {
		return g.reject(ctx, req, &Rejection{
			Rule:     EventVolumeExceeded,
			Reason:   fmt.Sprintf("hourly volume limit %s would be exceeded", g.limits.HourlyVolume),
			Severity: SeverityMedium,
		})
	}
	if dayVolume.Add(req.Amount).GreaterThan(g.limits.DailyVolume) {
		return g.reject(ctx, req, &Rejection{
			Rule:     EventVolumeExceeded,
			Reason:   fmt.Sprintf("daily volume limit %s would be exceeded", g.limits.DailyVolume),
			Severity: SeverityMedium,
		})
	}

	// 6. Minimum spacing
	last, err := g.store.LastTransactionAt(ctx, req.AccountID)
	if err != nil {
		return err
	}
	if last != nil && now.Sub(*last) < g.limits.MinTxInterval {
		return g.reject(ctx, req, &Rejection{
			Rule:     EventRapidFire,
			Reason:   fmt.Sprintf("minimum spacing of %s between transactions", g.limits.MinTxInterval),
			Severity: SeverityLow,
		})
	}

	// 7. Concurrency check: one in-flight transaction per account. Two
	// concurrent locks could otherwise both pass an independent balance
	// check before either commits.
	inFlight, err := g.store.HasInFlight(ctx, req.AccountID)
	if err != nil {
		return err
	}
	if inFlight {
		return g.reject(ctx, req, &Rejection{
			Rule:     EventConcurrentTx,
			Reason:   "account already has an in-flight bridge transaction",
			Severity: SeverityHigh,
		})
	}

	// 8. Anomaly heuristics
	history, err := g.store.RecentHistory(ctx, req.AccountID, g.limits.HistoryDepth)
	if err != nil {
		return err
	}
	score, patterns := ScoreAnomaly(history, req.Amount, now)
	if g.metrics != nil {
		g.metrics.RecordAnomalyScore(score)
	}
	if len(patterns) > 0 {
		// Matched patterns are recorded even when the score stays below
		// the review threshold and the request passes.
		accountID := req.AccountID
		g.persistEvent(ctx, &Event{
			Type:      EventAnomalyPattern,
			Severity:  SeverityLow,
			AccountID: &accountID,
			Details:   fmt.Sprintf("anomaly score %d: %v", score, patterns),
		})
	}

	switch {
	case score >= g.limits.AutoBlockScore:
		reason := fmt.Sprintf("anomaly score %d: %v", score, patterns)
		if _, err := g.store.AddBlacklistEntry(ctx, BlacklistAccount, req.AccountID.String(), reason); err != nil {
			return fmt.Errorf("failed to auto-blacklist account: %w", err)
		}
		g.notifyOperator(ctx, "auto_blacklist", reason, req.AccountID.String())
		return g.reject(ctx, req, &Rejection{
			Rule:     EventAutoBlacklist,
			Reason:   "account blacklisted automatically: " + reason,
			Severity: SeverityCritical,
		})

	case score >= g.limits.ReviewScore:
		return g.reject(ctx, req, &Rejection{
			Rule:     EventAnomalyFlagged,
			Reason:   fmt.Sprintf("flagged for manual review, anomaly score %d: %v", score, patterns),
			Severity: SeverityMedium,
		})
	}

	return nil
}

// AuthorizeInbound runs only the breaker and blacklist checks. Unlocks of a
// verified burn are not rate limited, but an open breaker halts them and a
// blacklisted account or source address cannot be credited.
func (g *Gate) AuthorizeInbound(ctx context.Context, req Request) error {
	state, err := g.breaker.State(ctx)
	if err != nil {
		return fmt.Errorf("failed to read breaker: %w", err)
	}
	if state.Open {
		return g.reject(ctx, req, &Rejection{
			Rule:     EventBreakerRejection,
			Reason:   "bridge halted: " + state.Reason,
			Severity: SeverityCritical,
		})
	}

	blocked, err := g.store.IsBlacklisted(ctx, BlacklistAccount, req.AccountID.String())
	if err != nil {
		return err
	}
	if !blocked && req.ExternalAddress != "" {
		blocked, err = g.store.IsBlacklisted(ctx, BlacklistAddress, req.ExternalAddress)
		if err != nil {
			return err
		}
	}
	if blocked {
		return g.reject(ctx, req, &Rejection{
			Rule:     EventBlacklistRejection,
			Reason:   "account or address is blacklisted",
			Severity: SeverityHigh,
		})
	}

	return nil
}

// RecordObservation persists a security event outside the authorize flow,
// e.g. amount mismatches and unmatched burns found by the orchestrator.
func (g *Gate) RecordObservation(ctx context.Context, event *Event) {
	g.persistEvent(ctx, event)
	if event.Severity == SeverityCritical {
		subject := ""
		if event.AccountID != nil {
			subject = event.AccountID.String()
		}
		g.notifyOperator(ctx, event.Type, event.Details, subject)
	}
}

// reject persists the denial, fans it out, and returns it as the error.
func (g *Gate) reject(ctx context.Context, req Request, rejection *Rejection) error {
	accountID := req.AccountID
	g.persistEvent(ctx, &Event{
		Type:      rejection.Rule,
		Severity:  rejection.Severity,
		AccountID: &accountID,
		Details:   rejection.Reason,
	})

	if g.metrics != nil {
		g.metrics.RecordRejection(rejection.Rule, rejection.Severity)
	}
	if rejection.Severity == SeverityCritical {
		g.notifyOperator(ctx, rejection.Rule, rejection.Reason, req.AccountID.String())
	}
	return rejection
}

func (g *Gate) persistEvent(ctx context.Context, event *Event) {
	event.ID = uuid.New()
	event.CreatedAt = g.now()

	if err := g.store.RecordEvent(ctx, event); err != nil {
		log.Printf("security: failed to persist event %s: %v", event.Type, err)
	}

	if g.notifier == nil {
		return
	}
	msg := messaging.SecurityEventMsg{
		ID:        event.ID,
		Type:      event.Type,
		Severity:  event.Severity,
		Details:   event.Details,
		Timestamp: event.CreatedAt,
	}
	if event.AccountID != nil {
		msg.AccountID = event.AccountID.String()
	}
	if err := g.notifier.Publish(ctx, messaging.SubjectSecurityEvent, msg); err != nil {
		log.Printf("security: failed to publish event %s: %v", event.Type, err)
	}
}

// notifyOperator is best-effort: a notification failure never blocks or
// rolls back the security action it reports.
func (g *Gate) notifyOperator(ctx context.Context, kind, reason, subject string) {
	if g.notifier == nil {
		return
	}
	notice := messaging.OperatorNotice{
		Kind:      kind,
		Reason:    reason,
		Subject:   subject,
		Timestamp: g.now(),
	}
	if err := g.notifier.Publish(ctx, messaging.SubjectOperatorNotify, notice); err != nil {
		log.Printf("security: failed to notify operator about %s: %v", kind, err)
	}
}
