// Package postgres provides a PostgreSQL-backed gem store.
//
// Balances are mutated with conditional UPDATE ... RETURNING statements, so a
// deduct either fits the balance or changes nothing. Every mutation is also
// appended to a transactions table in the same database transaction.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/gemledger"
)

// Store is a PostgreSQL-backed gem store.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
}

var (
	_ gemledger.BalanceStore = (*Store)(nil)
	_ gemledger.CostSource   = (*Store)(nil)
	_ gemledger.StatusStore  = (*Store)(nil)
	_ gemledger.AdminStore   = (*Store)(nil)
	_ gemledger.SpendJournal = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "gem_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// New creates a new PostgreSQL-backed store.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "gem_",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) usersTable() string        { return s.tablePrefix + "users" }
func (s *Store) costsTable() string        { return s.tablePrefix + "feature_costs" }
func (s *Store) transactionsTable() string { return s.tablePrefix + "transactions" }
func (s *Store) spendsTable() string       { return s.tablePrefix + "pending_spends" }

// EnsureSchema creates the required tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			user_id TEXT PRIMARY KEY,
			gems BIGINT NOT NULL DEFAULT 0 CHECK (gems >= 0),
			subscription_type TEXT,
			subscription_expires_at TIMESTAMPTZ,
			is_blocked BOOLEAN NOT NULL DEFAULT false,
			is_admin BOOLEAN NOT NULL DEFAULT false
		);
		CREATE TABLE IF NOT EXISTS %[2]s (
			feature_key TEXT PRIMARY KEY,
			cost BIGINT NOT NULL CHECK (cost > 0)
		);
		CREATE TABLE IF NOT EXISTS %[3]s (
			id BIGSERIAL PRIMARY KEY,
			user_id TEXT NOT NULL,
			delta BIGINT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			balance_after BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS %[4]s (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			feature_key TEXT NOT NULL,
			amount BIGINT NOT NULL,
			state TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS %[4]s_state_created_idx ON %[4]s (state, created_at);
	`, s.usersTable(), s.costsTable(), s.transactionsTable(), s.spendsTable())
	_, err := s.pool.Exec(ctx, q)
	if err != nil {
		return fmt.Errorf("gemledger/postgres: ensure schema: %w", err)
	}
	return nil
}

// ReadBalance returns the balance and subscription of userID.
func (s *Store) ReadBalance(ctx context.Context, userID string) (gemledger.Account, error) {
	acct := gemledger.Account{UserID: userID}
	var plan *string

	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT gems, subscription_type, subscription_expires_at FROM %s WHERE user_id = $1`, s.usersTable()),
		userID,
	).Scan(&acct.Balance, &plan, &acct.SubscriptionExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return acct, nil
	}
	if err != nil {
		return gemledger.Account{}, fmt.Errorf("gemledger/postgres: read balance: %w", err)
	}
	if plan != nil {
		acct.SubscriptionType = *plan
	}
	return acct, nil
}

// Deduct subtracts amount only if the balance covers it.
func (s *Store) Deduct(ctx context.Context, userID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, gemledger.ErrInvalidAmount
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("gemledger/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var balance int64
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`UPDATE %s SET gems = gems - $1
			WHERE user_id = $2 AND gems >= $1
			RETURNING gems`, s.usersTable()),
		amount, userID,
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, gemledger.ErrInsufficientFunds
	}
	if err != nil {
		return 0, fmt.Errorf("gemledger/postgres: deduct: %w", err)
	}

	if err := s.record(ctx, tx, userID, -amount, "deduct", balance); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("gemledger/postgres: commit: %w", err)
	}
	return balance, nil
}

// Credit adds amount, creating the user row if needed.
func (s *Store) Credit(ctx context.Context, userID string, amount int64, reason string) (int64, error) {
	if amount <= 0 {
		return 0, gemledger.ErrInvalidAmount
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("gemledger/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var balance int64
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO %[1]s (user_id, gems) VALUES ($1, $2)
			ON CONFLICT (user_id) DO UPDATE SET gems = %[1]s.gems + EXCLUDED.gems
			RETURNING gems`, s.usersTable()),
		userID, amount,
	).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("gemledger/postgres: credit: %w", err)
	}

	if err := s.record(ctx, tx, userID, amount, reason, balance); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("gemledger/postgres: commit: %w", err)
	}
	return balance, nil
}

func (s *Store) record(ctx context.Context, tx pgx.Tx, userID string, delta int64, reason string, balance int64) error {
	_, err := tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (user_id, delta, reason, balance_after) VALUES ($1, $2, $3, $4)`, s.transactionsTable()),
		userID, delta, reason, balance,
	)
	if err != nil {
		return fmt.Errorf("gemledger/postgres: record transaction: %w", err)
	}
	return nil
}

// FeatureCosts returns the cost table.
func (s *Store) FeatureCosts(ctx context.Context) ([]gemledger.FeatureCost, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT feature_key, cost FROM %s ORDER BY feature_key`, s.costsTable()))
	if err != nil {
		return nil, fmt.Errorf("gemledger/postgres: feature costs: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (gemledger.FeatureCost, error) {
		var fc gemledger.FeatureCost
		err := row.Scan(&fc.FeatureKey, &fc.Cost)
		return fc, err
	})
	if err != nil {
		return nil, fmt.Errorf("gemledger/postgres: feature costs: %w", err)
	}
	return out, nil
}

// IsBlocked reports the blocked flag of userID.
func (s *Store) IsBlocked(ctx context.Context, userID string) (bool, error) {
	return s.flag(ctx, userID, "is_blocked")
}

// IsAdmin reports the admin flag of userID.
func (s *Store) IsAdmin(ctx context.Context, userID string) (bool, error) {
	return s.flag(ctx, userID, "is_admin")
}

func (s *Store) flag(ctx context.Context, userID, column string) (bool, error) {
	var v bool
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE user_id = $1`, column, s.usersTable()),
		userID,
	).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("gemledger/postgres: %s: %w", column, err)
	}
	return v, nil
}

// SetSubscription sets or clears the subscription of userID.
func (s *Store) SetSubscription(ctx context.Context, userID, plan string, expiresAt *time.Time) error {
	var planArg *string
	if plan != "" {
		planArg = &plan
	} else {
		expiresAt = nil
	}
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (user_id, subscription_type, subscription_expires_at) VALUES ($1, $2, $3)
			ON CONFLICT (user_id) DO UPDATE SET subscription_type = $2, subscription_expires_at = $3`,
			s.usersTable()),
		userID, planArg, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("gemledger/postgres: set subscription: %w", err)
	}
	return nil
}

// SetBlocked sets the blocked flag of userID.
func (s *Store) SetBlocked(ctx context.Context, userID string, blocked bool) error {
	return s.setFlag(ctx, userID, "is_blocked", blocked)
}

// SetAdmin sets the admin flag of userID.
func (s *Store) SetAdmin(ctx context.Context, userID string, admin bool) error {
	return s.setFlag(ctx, userID, "is_admin", admin)
}

func (s *Store) setFlag(ctx context.Context, userID, column string, v bool) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %[1]s (user_id, %[2]s) VALUES ($1, $2)
			ON CONFLICT (user_id) DO UPDATE SET %[2]s = $2`, s.usersTable(), column),
		userID, v,
	)
	if err != nil {
		return fmt.Errorf("gemledger/postgres: set %s: %w", column, err)
	}
	return nil
}

// SetFeatureCost upserts a cost table entry.
func (s *Store) SetFeatureCost(ctx context.Context, featureKey string, cost int64) error {
	if cost <= 0 {
		return gemledger.ErrInvalidAmount
	}
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (feature_key, cost) VALUES ($1, $2)
			ON CONFLICT (feature_key) DO UPDATE SET cost = $2`, s.costsTable()),
		featureKey, cost,
	)
	if err != nil {
		return fmt.Errorf("gemledger/postgres: set feature cost: %w", err)
	}
	return nil
}

// Begin journals an open spend.
func (s *Store) Begin(ctx context.Context, spend gemledger.PendingSpend) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, user_id, feature_key, amount, state, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`, s.spendsTable()),
		spend.ID, spend.UserID, spend.Feature, spend.Amount, string(spend.State), spend.CreatedAt, spend.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("gemledger/postgres: begin spend: %w", err)
	}
	return nil
}

// Transition moves spend id from one state to another if it is still in from.
func (s *Store) Transition(ctx context.Context, id string, from, to gemledger.PendingState) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET state = $1, updated_at = now() WHERE id = $2 AND state = $3`, s.spendsTable()),
		string(to), id, string(from),
	)
	if err != nil {
		return false, fmt.Errorf("gemledger/postgres: transition spend: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Stale returns open spends created before cutoff.
func (s *Store) Stale(ctx context.Context, cutoff time.Time) ([]gemledger.PendingSpend, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT id, user_id, feature_key, amount, state, created_at, updated_at FROM %s
			WHERE state = $1 AND created_at < $2
			ORDER BY created_at`, s.spendsTable()),
		string(gemledger.PendingOpen), cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("gemledger/postgres: stale spends: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (gemledger.PendingSpend, error) {
		var sp gemledger.PendingSpend
		var state string
		err := row.Scan(&sp.ID, &sp.UserID, &sp.Feature, &sp.Amount, &state, &sp.CreatedAt, &sp.UpdatedAt)
		sp.State = gemledger.PendingState(state)
		return sp, err
	})
	if err != nil {
		return nil, fmt.Errorf("gemledger/postgres: stale spends: %w", err)
	}
	return out, nil
}
