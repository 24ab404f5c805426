package gemledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const costFetchTimeout = 10 * time.Second

// CostResolver answers "how many gems does feature X cost" at two speeds:
// CostSync from memory, Cost after making sure the remote table was loaded.
// A failed fetch never wipes the table; it keeps defaults or last-known-good.
type CostResolver struct {
	source CostSource
	logger zerolog.Logger
	group  singleflight.Group

	mu       sync.RWMutex
	defaults map[string]int64
	table    map[string]int64
	loaded   bool
}

// CostOption configures a CostResolver.
type CostOption func(*CostResolver)

// WithCostLogger sets the logger used for fetch failures.
func WithCostLogger(l zerolog.Logger) CostOption {
	return func(r *CostResolver) { r.logger = l }
}

// WithStaticCosts replaces the compiled-in default table.
func WithStaticCosts(costs map[string]int64) CostOption {
	return func(r *CostResolver) {
		r.defaults = make(map[string]int64, len(costs))
		for k, v := range costs {
			if v > 0 {
				r.defaults[k] = v
			}
		}
	}
}

// NewCostResolver creates a resolver seeded with DefaultCosts. A nil source
// means the static table is authoritative.
func NewCostResolver(source CostSource, opts ...CostOption) *CostResolver {
	if source == nil {
		source = noopCostSource{}
	}
	r := &CostResolver{
		source:   source,
		logger:   zerolog.Nop(),
		defaults: DefaultCosts(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.table = copyCosts(r.defaults)
	return r
}

// CostSync returns the in-memory cost for featureKey, falling back to
// DefaultFeatureCost for unknown keys.
func (r *CostResolver) CostSync(featureKey string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.table[featureKey]; ok {
		return c
	}
	return DefaultFeatureCost
}

// Cost loads the remote table if it has not been loaded yet (joining an
// in-flight fetch if there is one) and returns the cost for featureKey.
// Fetch errors are logged and the in-memory answer is returned.
func (r *CostResolver) Cost(ctx context.Context, featureKey string) int64 {
	if !r.Loaded() {
		if err := r.Refresh(ctx); err != nil {
			r.logger.Warn().Err(err).Str("feature", featureKey).Msg("cost table fetch failed, using cached costs")
		}
	}
	return r.CostSync(featureKey)
}

// Loaded reports whether a remote fetch has succeeded this session.
func (r *CostResolver) Loaded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loaded
}

// Refresh fetches the remote table. Concurrent callers share one fetch.
func (r *CostResolver) Refresh(ctx context.Context) error {
	ch := r.group.DoChan("costs", func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), costFetchTimeout)
		defer cancel()
		return nil, r.fetch(fetchCtx)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Preload warms the table in the background if it is not loaded yet.
func (r *CostResolver) Preload() {
	if r.Loaded() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), costFetchTimeout)
		defer cancel()
		if err := r.Refresh(ctx); err != nil {
			r.logger.Debug().Err(err).Msg("cost table preload failed")
		}
	}()
}

// Snapshot returns a copy of the current table.
func (r *CostResolver) Snapshot() map[string]int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyCosts(r.table)
}

func (r *CostResolver) fetch(ctx context.Context) error {
	costs, err := r.source.FeatureCosts(ctx)
	if err != nil {
		return fmt.Errorf("gemledger: fetch feature costs: %w", err)
	}

	next := copyCosts(r.defaults)
	for _, fc := range costs {
		if fc.FeatureKey == "" {
			continue
		}
		if fc.Cost <= 0 {
			r.logger.Warn().Str("feature", fc.FeatureKey).Int64("cost", fc.Cost).Msg("ignoring non-positive remote cost")
			continue
		}
		next[fc.FeatureKey] = fc.Cost
	}

	r.mu.Lock()
	r.table = next
	r.loaded = true
	r.mu.Unlock()
	return nil
}

func copyCosts(src map[string]int64) map[string]int64 {
	dst := make(map[string]int64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
