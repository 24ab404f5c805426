package gemledger_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gl "github.com/ineyio/gemledger"
)

// blockingSource counts fetches and holds each one until released.
type blockingSource struct {
	calls   atomic.Int64
	release chan struct{}
	costs   []gl.FeatureCost
}

func (s *blockingSource) FeatureCosts(ctx context.Context) ([]gl.FeatureCost, error) {
	s.calls.Add(1)
	select {
	case <-s.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.costs, nil
}

func TestCostResolver_Defaults(t *testing.T) {
	r := gl.NewCostResolver(nil)

	assert.False(t, r.Loaded())
	assert.Equal(t, int64(4), r.CostSync(gl.FeatureFaceSwap))
	assert.Equal(t, int64(12), r.CostSync(gl.FeatureTextToVideo))
	assert.Equal(t, gl.DefaultFeatureCost, r.CostSync("not-a-feature"))
}

func TestCostResolver_RemoteOverridesDefaults(t *testing.T) {
	store := newFaultyStore()
	ctx := context.Background()
	require.NoError(t, store.SetFeatureCost(ctx, gl.FeatureFaceSwap, 6))
	require.NoError(t, store.SetFeatureCost(ctx, "brand-new-tool", 7))

	r := gl.NewCostResolver(store)
	assert.Equal(t, int64(6), r.Cost(ctx, gl.FeatureFaceSwap))
	assert.True(t, r.Loaded())
	assert.Equal(t, int64(7), r.CostSync("brand-new-tool"))
	assert.Equal(t, int64(1), r.CostSync(gl.FeatureUpscale), "untouched defaults survive")
}

func TestCostResolver_IgnoresNonPositiveRemoteCosts(t *testing.T) {
	src := &blockingSource{release: make(chan struct{}), costs: []gl.FeatureCost{
		{FeatureKey: gl.FeatureFaceSwap, Cost: 0},
		{FeatureKey: gl.FeatureUpscale, Cost: -3},
		{FeatureKey: "", Cost: 5},
	}}
	close(src.release)

	r := gl.NewCostResolver(src)
	require.NoError(t, r.Refresh(context.Background()))

	assert.Equal(t, int64(4), r.CostSync(gl.FeatureFaceSwap))
	assert.Equal(t, int64(1), r.CostSync(gl.FeatureUpscale))
	assert.NotContains(t, r.Snapshot(), "")
}

func TestCostResolver_FailedFetchKeepsTable(t *testing.T) {
	store := newFaultyStore()
	ctx := context.Background()
	require.NoError(t, store.SetFeatureCost(ctx, gl.FeatureFaceSwap, 6))

	r := gl.NewCostResolver(store)
	require.NoError(t, r.Refresh(ctx))
	require.Equal(t, int64(6), r.CostSync(gl.FeatureFaceSwap))

	store.set(func(s *faultyStore) { s.costsErr = errStoreDown })
	assert.Error(t, r.Refresh(ctx))
	assert.Equal(t, int64(6), r.CostSync(gl.FeatureFaceSwap))
	assert.True(t, r.Loaded())
}

func TestCostResolver_CostFallsBackWhenFetchFails(t *testing.T) {
	store := newFaultyStore()
	store.set(func(s *faultyStore) { s.costsErr = errStoreDown })

	r := gl.NewCostResolver(store)
	assert.Equal(t, int64(4), r.Cost(context.Background(), gl.FeatureFaceSwap))
	assert.False(t, r.Loaded())
}

func TestCostResolver_ConcurrentCallersShareOneFetch(t *testing.T) {
	src := &blockingSource{
		release: make(chan struct{}),
		costs:   []gl.FeatureCost{{FeatureKey: gl.FeatureLipSync, Cost: 20}},
	}
	r := gl.NewCostResolver(src)

	var wg sync.WaitGroup
	got := make([]int64, 10)
	for i := range got {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got[i] = r.Cost(context.Background(), gl.FeatureLipSync)
		}()
	}

	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)
	// Give the other callers time to join the in-flight fetch.
	time.Sleep(20 * time.Millisecond)
	close(src.release)
	wg.Wait()

	assert.Equal(t, int64(1), src.calls.Load())
	for _, c := range got {
		assert.Equal(t, int64(20), c)
	}
}

func TestCostResolver_StaticCosts(t *testing.T) {
	r := gl.NewCostResolver(nil, gl.WithStaticCosts(map[string]int64{
		gl.FeatureFaceSwap: 5,
		"custom":           2,
		"broken":           0,
	}))

	assert.Equal(t, int64(5), r.CostSync(gl.FeatureFaceSwap))
	assert.Equal(t, int64(2), r.CostSync("custom"))
	assert.Equal(t, gl.DefaultFeatureCost, r.CostSync("broken"))
}
