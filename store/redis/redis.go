// Package redis provides a Redis-backed gem store.
//
// Balances live in per-user hashes and are mutated by Lua scripts, so deducts
// are atomic across any number of ledger instances.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/gemledger"
)

// Store is a Redis-backed gem store.
type Store struct {
	client    goredis.Cmdable
	keyPrefix string
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

// WithKeyPrefix sets the Redis key prefix (default "gemledger:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// New creates a new Redis-backed store.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "gemledger:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) userKey(userID string) string {
	return s.keyPrefix + "user:" + userID
}

func (s *Store) costsKey() string {
	return s.keyPrefix + "costs"
}

func (s *Store) spendKey(id string) string {
	return s.keyPrefix + "spend:" + id
}

// spendIndexKey is a sorted set of spend IDs scored by creation time.
func (s *Store) spendIndexKey() string {
	return s.keyPrefix + "spends"
}

// deductScript atomically subtracts gems.
// KEYS[1] = user hash key
// ARGV[1] = amount
//
// Returns the new balance, or -1 if the balance does not cover amount.
var deductScript = goredis.NewScript(`
local gems = tonumber(redis.call("HGET", KEYS[1], "gems") or "0")
local amount = tonumber(ARGV[1])
if gems < amount then
    return -1
end
return redis.call("HINCRBY", KEYS[1], "gems", -amount)
`)

// transitionScript moves a journaled spend between states.
// KEYS[1] = spend hash key
// KEYS[2] = spend index key
// ARGV[1] = from, ARGV[2] = to, ARGV[3] = now (unix nanos), ARGV[4] = spend id
//
// Returns 1 if the state moved, 0 otherwise.
var transitionScript = goredis.NewScript(`
local state = redis.call("HGET", KEYS[1], "state")
if state ~= ARGV[1] then
    return 0
end
redis.call("HSET", KEYS[1], "state", ARGV[2], "updated_at", ARGV[3])
if ARGV[2] == "pending" then
    redis.call("ZADD", KEYS[2], redis.call("HGET", KEYS[1], "created_at"), ARGV[4])
else
    redis.call("ZREM", KEYS[2], ARGV[4])
end
return 1
`)

// ReadBalance returns the balance and subscription of userID.
func (s *Store) ReadBalance(ctx context.Context, userID string) (gemledger.Account, error) {
	vals, err := s.client.HMGet(ctx, s.userKey(userID), "gems", "plan", "expires_at").Result()
	if err != nil {
		return gemledger.Account{}, fmt.Errorf("gemledger/redis: read balance: %w", err)
	}

	acct := gemledger.Account{UserID: userID}
	if v, ok := vals[0].(string); ok {
		acct.Balance, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := vals[1].(string); ok {
		acct.SubscriptionType = v
	}
	if v, ok := vals[2].(string); ok && v != "" {
		if unix, err := strconv.ParseInt(v, 10, 64); err == nil {
			t := time.Unix(unix, 0).UTC()
			acct.SubscriptionExpiresAt = &t
		}
	}
	return acct, nil
}

// Deduct atomically subtracts amount.
func (s *Store) Deduct(ctx context.Context, userID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, gemledger.ErrInvalidAmount
	}

	result, err := deductScript.Run(ctx, s.client, []string{s.userKey(userID)}, amount).Int64()
	if err != nil {
		return 0, fmt.Errorf("gemledger/redis: deduct: %w", err)
	}
	if result == gemledger.InsufficientSentinel {
		return 0, gemledger.ErrInsufficientFunds
	}
	return result, nil
}

// Credit atomically adds amount.
func (s *Store) Credit(ctx context.Context, userID string, amount int64, _ string) (int64, error) {
	if amount <= 0 {
		return 0, gemledger.ErrInvalidAmount
	}

	balance, err := s.client.HIncrBy(ctx, s.userKey(userID), "gems", amount).Result()
	if err != nil {
		return 0, fmt.Errorf("gemledger/redis: credit: %w", err)
	}
	return balance, nil
}

// FeatureCosts returns the cost hash.
func (s *Store) FeatureCosts(ctx context.Context) ([]gemledger.FeatureCost, error) {
	vals, err := s.client.HGetAll(ctx, s.costsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("gemledger/redis: feature costs: %w", err)
	}

	out := make([]gemledger.FeatureCost, 0, len(vals))
	for k, v := range vals {
		cost, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, gemledger.FeatureCost{FeatureKey: k, Cost: cost})
	}
	return out, nil
}

// IsBlocked reports the blocked flag of userID.
func (s *Store) IsBlocked(ctx context.Context, userID string) (bool, error) {
	return s.flag(ctx, userID, "blocked")
}

// IsAdmin reports the admin flag of userID.
func (s *Store) IsAdmin(ctx context.Context, userID string) (bool, error) {
	return s.flag(ctx, userID, "admin")
}

func (s *Store) flag(ctx context.Context, userID, field string) (bool, error) {
	v, err := s.client.HGet(ctx, s.userKey(userID), field).Result()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("gemledger/redis: %s: %w", field, err)
	}
	return v == "1", nil
}

// SetSubscription sets or clears the subscription of userID.
func (s *Store) SetSubscription(ctx context.Context, userID, plan string, expiresAt *time.Time) error {
	key := s.userKey(userID)
	var err error
	switch {
	case plan == "":
		err = s.client.HDel(ctx, key, "plan", "expires_at").Err()
	case expiresAt == nil:
		pipe := s.client.TxPipeline()
		pipe.HSet(ctx, key, "plan", plan)
		pipe.HDel(ctx, key, "expires_at")
		_, err = pipe.Exec(ctx)
	default:
		err = s.client.HSet(ctx, key, "plan", plan, "expires_at", expiresAt.Unix()).Err()
	}
	if err != nil {
		return fmt.Errorf("gemledger/redis: set subscription: %w", err)
	}
	return nil
}

// SetBlocked sets the blocked flag of userID.
func (s *Store) SetBlocked(ctx context.Context, userID string, blocked bool) error {
	return s.setFlag(ctx, userID, "blocked", blocked)
}

// SetAdmin sets the admin flag of userID.
func (s *Store) SetAdmin(ctx context.Context, userID string, admin bool) error {
	return s.setFlag(ctx, userID, "admin", admin)
}

func (s *Store) setFlag(ctx context.Context, userID, field string, v bool) error {
	val := "0"
	if v {
		val = "1"
	}
	if err := s.client.HSet(ctx, s.userKey(userID), field, val).Err(); err != nil {
		return fmt.Errorf("gemledger/redis: set %s: %w", field, err)
	}
	return nil
}

// SetFeatureCost upserts a cost table entry.
func (s *Store) SetFeatureCost(ctx context.Context, featureKey string, cost int64) error {
	if cost <= 0 {
		return gemledger.ErrInvalidAmount
	}
	if err := s.client.HSet(ctx, s.costsKey(), featureKey, cost).Err(); err != nil {
		return fmt.Errorf("gemledger/redis: set feature cost: %w", err)
	}
	return nil
}

// Begin journals an open spend.
func (s *Store) Begin(ctx context.Context, spend gemledger.PendingSpend) error {
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.spendKey(spend.ID),
		"user_id", spend.UserID,
		"feature", spend.Feature,
		"amount", spend.Amount,
		"state", string(spend.State),
		"created_at", spend.CreatedAt.UnixNano(),
		"updated_at", spend.UpdatedAt.UnixNano(),
	)
	pipe.ZAdd(ctx, s.spendIndexKey(), goredis.Z{
		Score:  float64(spend.CreatedAt.UnixNano()),
		Member: spend.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("gemledger/redis: begin spend: %w", err)
	}
	return nil
}

// Transition moves spend id from one state to another if it is still in from.
func (s *Store) Transition(ctx context.Context, id string, from, to gemledger.PendingState) (bool, error) {
	moved, err := transitionScript.Run(ctx, s.client,
		[]string{s.spendKey(id), s.spendIndexKey()},
		string(from), string(to), time.Now().UnixNano(), id,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("gemledger/redis: transition spend: %w", err)
	}
	return moved == 1, nil
}

// Stale returns open spends created before cutoff.
func (s *Store) Stale(ctx context.Context, cutoff time.Time) ([]gemledger.PendingSpend, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.spendIndexKey(), &goredis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixNano(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("gemledger/redis: stale spends: %w", err)
	}

	out := make([]gemledger.PendingSpend, 0, len(ids))
	for _, id := range ids {
		vals, err := s.client.HGetAll(ctx, s.spendKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("gemledger/redis: stale spends: %w", err)
		}
		if len(vals) == 0 {
			continue
		}
		sp := parseSpend(id, vals)
		if sp.State == gemledger.PendingOpen {
			out = append(out, sp)
		}
	}
	return out, nil
}

func parseSpend(id string, vals map[string]string) gemledger.PendingSpend {
	amount, _ := strconv.ParseInt(vals["amount"], 10, 64)
	created, _ := strconv.ParseInt(vals["created_at"], 10, 64)
	updated, _ := strconv.ParseInt(vals["updated_at"], 10, 64)
	return gemledger.PendingSpend{
		ID:        id,
		UserID:    vals["user_id"],
		Feature:   vals["feature"],
		Amount:    amount,
		State:     gemledger.PendingState(vals["state"]),
		CreatedAt: time.Unix(0, created).UTC(),
		UpdatedAt: time.Unix(0, updated).UTC(),
	}
}
