package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/gemledger"
	"github.com/ineyio/gemledger/meter"
	"github.com/ineyio/gemledger/policy"
	"github.com/ineyio/gemledger/rpc"
	"github.com/ineyio/gemledger/store/memory"
	"github.com/ineyio/gemledger/store/postgres"
	"github.com/ineyio/gemledger/store/redis"
	"github.com/ineyio/gemledger/usagelog"
)

const serviceTokenTTL = time.Hour

// backend is the configured store plus whatever it optionally supports.
type backend struct {
	store   rpc.Backend
	journal gemledger.SpendJournal // nil for the rpc driver
	closers []func()
}

func (b *backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func (a *app) openBackend(ctx context.Context) (*backend, error) {
	sc := a.cfg.Store

	switch sc.Driver {
	case gemledger.DriverMemory:
		st := memory.New()
		return &backend{store: st, journal: st}, nil

	case gemledger.DriverRedis:
		client := goredis.NewClient(&goredis.Options{Addr: sc.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis %s: %w", sc.RedisAddr, err)
		}
		var opts []redis.Option
		if sc.KeyPrefix != "" {
			opts = append(opts, redis.WithKeyPrefix(sc.KeyPrefix))
		}
		st := redis.New(client, opts...)
		return &backend{store: st, journal: st, closers: []func(){func() { _ = client.Close() }}}, nil

	case gemledger.DriverPostgres:
		pool, err := pgxpool.New(ctx, sc.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		var opts []postgres.Option
		if sc.TablePrefix != "" {
			opts = append(opts, postgres.WithTablePrefix(sc.TablePrefix))
		}
		st := postgres.New(pool, opts...)
		if err := st.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return &backend{store: st, journal: st, closers: []func(){pool.Close}}, nil

	case gemledger.DriverRPC:
		token := sc.RPCToken
		if token == "" && a.cfg.Server.JWTSecret != "" {
			var err error
			token, err = rpc.IssueToken(a.cfg.Server.JWTSecret, "gemctl", rpc.RoleService, serviceTokenTTL)
			if err != nil {
				return nil, err
			}
		}
		opts := []rpc.ClientOption{rpc.WithToken(token)}
		if sc.AdminKey != "" {
			opts = append(opts, rpc.WithAdminSigningKey(sc.AdminKey))
		}
		client, err := rpc.NewClient(sc.RPCURL, opts...)
		if err != nil {
			return nil, err
		}
		return &backend{store: client}, nil

	default:
		return nil, fmt.Errorf("unsupported store driver %q", sc.Driver)
	}
}

// topup credits userID as an operator would. Over RPC this is the signed
// admin call; local stores are credited directly.
func (b *backend) topup(ctx context.Context, userID string, amount int64, reason string) (int64, error) {
	if amount <= 0 {
		return 0, gemledger.ErrInvalidAmount
	}
	if c, ok := b.store.(*rpc.Client); ok {
		return c.AdminCredit(ctx, userID, amount, reason)
	}
	return b.store.Credit(ctx, userID, amount, reason)
}

func (a *app) openUsageLog() (gemledger.UsageLogger, func(), error) {
	switch a.cfg.UsageLog.Driver {
	case gemledger.UsageLogSQLite:
		l, err := usagelog.NewSQLite(a.cfg.UsageLog.Path)
		if err != nil {
			return nil, nil, err
		}
		return l, func() { _ = l.Close() }, nil
	case gemledger.UsageLogMemory:
		return usagelog.NewMemory(), func() {}, nil
	default:
		return nil, func() {}, nil
	}
}

func (a *app) meter() gemledger.Meter {
	return meter.NewLogMeter(&a.logger)
}

func (a *app) newLedger(b *backend) (*gemledger.Ledger, error) {
	costs := gemledger.NewCostResolver(b.store,
		gemledger.WithStaticCosts(a.cfg.StaticCosts()),
		gemledger.WithCostLogger(a.logger),
	)
	return gemledger.NewLedger(b.store,
		gemledger.WithCostResolver(costs),
		gemledger.WithMeter(a.meter()),
		gemledger.WithRefreshBackoff(a.cfg.Refresh),
	)
}

func (a *app) newGuard(l *gemledger.Ledger, b *backend, usage gemledger.UsageLogger) (*gemledger.Guard, error) {
	def, err := gemledger.ParsePolicy(a.cfg.DefaultPolicy)
	if err != nil {
		return nil, err
	}
	sel, err := policy.NewPerFeature(def, a.cfg.PolicyOverrides())
	if err != nil {
		return nil, err
	}

	opts := []gemledger.GuardOption{
		gemledger.WithPolicySelector(sel),
		gemledger.WithGuardLogger(a.logger),
	}
	if usage != nil {
		opts = append(opts, gemledger.WithUsageLogger(usage))
	}
	if b.journal != nil {
		opts = append(opts, gemledger.WithSpendJournal(b.journal))
	}
	return gemledger.NewGuard(l, opts...)
}

func (a *app) statusChecker(b *backend) *gemledger.StatusChecker {
	return gemledger.NewStatusChecker(b.store,
		gemledger.WithStatusTimeout(a.cfg.Status.Timeout),
		gemledger.WithStatusBackoff(a.cfg.Status.Backoff),
	)
}
