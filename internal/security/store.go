package security

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Store persists security events and blacklist entries in Postgres and
// answers the gate's activity queries from durable transaction history, so
// counters stay correct across restarts and across worker instances.
type Store struct {
	db *sql.DB
}

// Stats summarizes security events over a window.
type Stats struct {
	Total      int
	BySeverity map[string]int
	ByType     map[string]int
}

// NewStore creates a security store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// RecordEvent persists a security event.
func (s *Store) RecordEvent(ctx context.Context, event *Event) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO security_events (id, type, severity, account_id, details, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID, event.Type, event.Severity, event.AccountID, event.Details, event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record security event: %w", err)
	}
	return nil
}

// RecentEvents returns the most recent security events.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, severity, account_id, details, created_at
		 FROM security_events ORDER BY created_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query security events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var event Event
		if err := rows.Scan(&event.ID, &event.Type, &event.Severity,
			&event.AccountID, &event.Details, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan security event: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// EventStats aggregates events since the given time.
func (s *Store) EventStats(ctx context.Context, since time.Time) (*Stats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT type, severity, COUNT(*) FROM security_events
		 WHERE created_at >= $1 GROUP BY type, severity`,
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query event stats: %w", err)
	}
	defer rows.Close()

	stats := &Stats{
		BySeverity: make(map[string]int),
		ByType:     make(map[string]int),
	}
	for rows.Next() {
		var eventType, severity string
		var count int
		if err := rows.Scan(&eventType, &severity, &count); err != nil {
			return nil, fmt.Errorf("failed to scan event stats: %w", err)
		}
		stats.Total += count
		stats.BySeverity[severity] += count
		stats.ByType[eventType] += count
	}
	return stats, rows.Err()
}

// AddBlacklistEntry inserts an active blacklist entry.
func (s *Store) AddBlacklistEntry(ctx context.Context, entryType, value, reason string) (*BlacklistEntry, error) {
	entry := &BlacklistEntry{
		ID:      uuid.New(),
		Type:    entryType,
		Value:   value,
		Reason:  reason,
		Active:  true,
		AddedAt: time.Now(),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO blacklist_entries (id, type, value, reason, active, added_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ID, entry.Type, entry.Value, entry.Reason, entry.Active, entry.AddedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to add blacklist entry: %w", err)
	}
	return entry, nil
}

// RemoveBlacklistEntry soft-deletes active entries for the value. The rows
// stay behind for the audit trail.
func (s *Store) RemoveBlacklistEntry(ctx context.Context, entryType, value string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE blacklist_entries SET active = false, removed_at = $1
		 WHERE type = $2 AND value = $3 AND active`,
		time.Now(), entryType, value,
	)
	if err != nil {
		return fmt.Errorf("failed to remove blacklist entry: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("no active blacklist entry for %s %s", entryType, value)
	}
	return nil
}

// IsBlacklisted reports whether the value has an active blacklist entry.
func (s *Store) IsBlacklisted(ctx context.Context, entryType, value string) (bool, error) {
	var blocked bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM blacklist_entries WHERE type = $1 AND value = $2 AND active)`,
		entryType, value,
	).Scan(&blocked)
	if err != nil {
		return false, fmt.Errorf("failed to check blacklist: %w", err)
	}
	return blocked, nil
}

// ListBlacklist returns all blacklist entries, newest first.
func (s *Store) ListBlacklist(ctx context.Context, activeOnly bool) ([]BlacklistEntry, error) {
	query := `SELECT id, type, value, reason, active, added_at, removed_at
	          FROM blacklist_entries ORDER BY added_at DESC`
	if activeOnly {
		query = `SELECT id, type, value, reason, active, added_at, removed_at
		         FROM blacklist_entries WHERE active ORDER BY added_at DESC`
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query blacklist: %w", err)
	}
	defer rows.Close()

	var entries []BlacklistEntry
	for rows.Next() {
		var entry BlacklistEntry
		if err := rows.Scan(&entry.ID, &entry.Type, &entry.Value, &entry.Reason,
			&entry.Active, &entry.AddedAt, &entry.RemovedAt); err != nil {
			return nil, fmt.Errorf("failed to scan blacklist entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// AccountActivity returns the count and summed amount of bridge transactions
// for the account since the given time.
func (s *Store) AccountActivity(ctx context.Context, accountID uuid.UUID, since time.Time) (int, decimal.Decimal, error) {
	var count int
	var volume decimal.Decimal
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(amount), 0) FROM bridge_transactions
		 WHERE account_id = $1 AND created_at >= $2`,
		accountID, since,
	).Scan(&count, &volume)
	if err != nil {
		return 0, decimal.Zero, fmt.Errorf("failed to query account activity: %w", err)
	}
	return count, volume, nil
}

// LastTransactionAt returns the time of the account's most recent bridge
// transaction, or nil when it has none.
func (s *Store) LastTransactionAt(ctx context.Context, accountID uuid.UUID) (*time.Time, error) {
	var last sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(created_at) FROM bridge_transactions WHERE account_id = $1`,
		accountID,
	).Scan(&last)
	if err != nil {
		return nil, fmt.Errorf("failed to query last transaction: %w", err)
	}
	if !last.Valid {
		return nil, nil
	}
	return &last.Time, nil
}

// HasInFlight reports whether the account has a pending or locked bridge
// transaction. This reads committed state, never a cache.
func (s *Store) HasInFlight(ctx context.Context, accountID uuid.UUID) (bool, error) {
	var inFlight bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM bridge_transactions
		 WHERE account_id = $1 AND status IN ('pending', 'locked'))`,
		accountID,
	).Scan(&inFlight)
	if err != nil {
		return false, fmt.Errorf("failed to check in-flight transactions: %w", err)
	}
	return inFlight, nil
}

// RecentHistory returns the account's most recent transaction samples for
// anomaly scoring.
func (s *Store) RecentHistory(ctx context.Context, accountID uuid.UUID, limit int) ([]Sample, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT amount, created_at FROM bridge_transactions
		 WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2`,
		accountID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var samples []Sample
	for rows.Next() {
		var sample Sample
		if err := rows.Scan(&sample.Amount, &sample.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sample: %w", err)
		}
		samples = append(samples, sample)
	}
	return samples, rows.Err()
}
