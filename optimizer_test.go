package queryx

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptimizerConfig() *OptimizerConfig {
	return &OptimizerConfig{
		QueryTimeout:   time.Second,
		BatchTimeout:   time.Second,
		DefaultTTL:     time.Minute,
		CacheByDefault: true,
		MaxIDLength:    64,
	}
}

func newTestOptimizer(t *testing.T, factory *fakeFactory, config *OptimizerConfig) (*Optimizer, *ConnectionPool) {
	t.Helper()

	pool, err := NewConnectionPool(testPoolConfig(1, 2, time.Second), factory)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	optimizer, err := NewOptimizer(config, pool)
	require.NoError(t, err)
	t.Cleanup(func() { _ = optimizer.Close() })

	return optimizer, pool
}

func TestNewOptimizer_Validation(t *testing.T) {
	factory := newFakeFactory()
	pool, err := NewConnectionPool(testPoolConfig(1, 2, time.Second), factory)
	require.NoError(t, err)
	defer pool.Close()

	_, err = NewOptimizer(testOptimizerConfig(), nil)
	assert.True(t, IsInvalidConfig(err))

	_, err = NewOptimizer(&OptimizerConfig{QueryTimeout: -1}, pool)
	assert.True(t, IsInvalidConfig(err))

	optimizer, err := NewOptimizer(nil, pool)
	require.NoError(t, err)
	defer optimizer.Close()
}

func TestOptimizer_Get_CacheHitSkipsSecondStoreRead(t *testing.T) {
	factory := newFakeFactory()
	factory.addRecord("user", "u1", Record{"id": "u1", "name": "alice"})
	optimizer, _ := newTestOptimizer(t, factory, testOptimizerConfig())

	ec := EntityContext{Entity: "user"}

	first := optimizer.Get(context.Background(), "u1", ec)
	assert.Equal(t, "alice", first["name"])

	second := optimizer.Get(context.Background(), "u1", ec)
	assert.Equal(t, "alice", second["name"])

	// The second read is served from cache
	assert.Equal(t, int64(1), factory.totalFindCalls())

	stats := optimizer.GetCacheStats()
	assert.Equal(t, int64(1), stats.Hits)
}

func TestOptimizer_Get_InvalidIDFallbackSkipsPool(t *testing.T) {
	factory := newFakeFactory()

	// No pre-dialed connections, so any pool traffic would show up as a creation
	pool, err := NewConnectionPool(testPoolConfig(0, 2, time.Second), factory)
	require.NoError(t, err)
	defer pool.Close()

	optimizer, err := NewOptimizer(testOptimizerConfig(), pool)
	require.NoError(t, err)
	defer optimizer.Close()

	rec := optimizer.Get(context.Background(), "not-a-valid-id", EntityContext{Entity: "user"})

	assert.Equal(t, "notavalidid", rec["id"])
	assert.Equal(t, "user", rec["entity"])
	assert.Equal(t, true, rec["placeholder"])

	assert.Equal(t, int64(0), factory.createdCount())
	assert.Equal(t, int64(0), factory.totalFindCalls())

	metrics := optimizer.GetMetrics()
	snap, ok := metrics["get:user"]
	require.True(t, ok)
	assert.Equal(t, int64(1), snap.ErrorCount)
}

func TestOptimizer_Get_UppercaseIDIsInvalid(t *testing.T) {
	factory := newFakeFactory()
	factory.addRecord("user", "u1", Record{"id": "u1"})
	optimizer, _ := newTestOptimizer(t, factory, testOptimizerConfig())

	rec := optimizer.Get(context.Background(), "U1", EntityContext{Entity: "user"})

	assert.Equal(t, "u1", rec["id"])
	assert.Equal(t, true, rec["placeholder"])
	assert.Equal(t, int64(0), factory.totalFindCalls())
}

func TestOptimizer_Get_StoreErrorFallback(t *testing.T) {
	factory := newFakeFactory()
	factory.setError(errors.New("connection refused"))
	optimizer, pool := newTestOptimizer(t, factory, testOptimizerConfig())

	rec := optimizer.Get(context.Background(), "u1", EntityContext{Entity: "user"})

	assert.Equal(t, "u1", rec["id"])
	assert.Equal(t, true, rec["placeholder"])

	// The connection goes back to the pool after the failed read
	require.Eventually(t, func() bool {
		return pool.Stats().InUse == 0
	}, time.Second, 10*time.Millisecond)
}

func TestOptimizer_Get_MissingRecordFallback(t *testing.T) {
	factory := newFakeFactory()
	optimizer, _ := newTestOptimizer(t, factory, testOptimizerConfig())

	rec := optimizer.Get(context.Background(), "ghost", EntityContext{Entity: "user"})

	assert.Equal(t, "ghost", rec["id"])
	assert.Equal(t, true, rec["placeholder"])
}

func TestOptimizer_Get_TimeoutFallbackAndEventualRelease(t *testing.T) {
	factory := newFakeFactory()
	factory.addRecord("user", "u1", Record{"id": "u1"})
	factory.setDelay(200 * time.Millisecond)

	config := testOptimizerConfig()
	config.QueryTimeout = 50 * time.Millisecond
	optimizer, pool := newTestOptimizer(t, factory, config)

	start := time.Now()
	rec := optimizer.Get(context.Background(), "u1", EntityContext{Entity: "user"})
	elapsed := time.Since(start)

	assert.Equal(t, true, rec["placeholder"])
	assert.Less(t, elapsed, 150*time.Millisecond)

	// The slow read still holds its connection right after the deadline
	assert.Equal(t, 1, pool.Stats().InUse)

	// It is returned once the read resolves
	require.Eventually(t, func() bool {
		return pool.Stats().InUse == 0
	}, time.Second, 10*time.Millisecond)
}

func TestOptimizer_Get_FallbackIsNeverCached(t *testing.T) {
	factory := newFakeFactory()
	factory.addRecord("user", "u1", Record{"id": "u1", "name": "alice"})
	factory.setError(errors.New("transient outage"))
	optimizer, _ := newTestOptimizer(t, factory, testOptimizerConfig())

	ec := EntityContext{Entity: "user"}

	rec := optimizer.Get(context.Background(), "u1", ec)
	assert.Equal(t, true, rec["placeholder"])

	// Once the store recovers the real record comes through
	factory.setError(nil)
	rec = optimizer.Get(context.Background(), "u1", ec)
	assert.Equal(t, "alice", rec["name"])
	assert.Nil(t, rec["placeholder"])
}

func TestOptimizer_Get_CacheOptOut(t *testing.T) {
	factory := newFakeFactory()
	factory.addRecord("user", "u1", Record{"id": "u1"})
	optimizer, _ := newTestOptimizer(t, factory, testOptimizerConfig())

	ec := EntityContext{Entity: "user"}

	optimizer.Get(context.Background(), "u1", ec, WithCache(false))
	optimizer.Get(context.Background(), "u1", ec, WithCache(false))

	assert.Equal(t, int64(2), factory.totalFindCalls())
}

func TestOptimizer_Get_TTLExpiryReloadsFromStore(t *testing.T) {
	factory := newFakeFactory()
	factory.addRecord("user", "u1", Record{"id": "u1"})
	optimizer, _ := newTestOptimizer(t, factory, testOptimizerConfig())

	ec := EntityContext{Entity: "user"}

	optimizer.Get(context.Background(), "u1", ec, WithTTL(30*time.Millisecond))
	time.Sleep(50 * time.Millisecond)
	optimizer.Get(context.Background(), "u1", ec)

	assert.Equal(t, int64(2), factory.totalFindCalls())
}

func TestOptimizer_Get_CollectionDefaultsToEntity(t *testing.T) {
	factory := newFakeFactory()
	factory.addRecord("accounts", "a1", Record{"id": "a1", "plan": "pro"})
	optimizer, _ := newTestOptimizer(t, factory, testOptimizerConfig())

	rec := optimizer.Get(context.Background(), "a1", EntityContext{Entity: "user", Collection: "accounts"})
	assert.Equal(t, "pro", rec["plan"])
}

func TestOptimizer_BatchGet_EmptyInput(t *testing.T) {
	factory := newFakeFactory()
	optimizer, _ := newTestOptimizer(t, factory, testOptimizerConfig())

	recs, err := optimizer.BatchGet(context.Background(), nil, EntityContext{Entity: "user"})
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Equal(t, int64(0), factory.totalBatchCalls())
}

func TestOptimizer_BatchGet_MissingIDsAreAbsent(t *testing.T) {
	factory := newFakeFactory()
	factory.addRecord("user", "u1", Record{"id": "u1"})
	factory.addRecord("user", "u2", Record{"id": "u2"})
	optimizer, _ := newTestOptimizer(t, factory, testOptimizerConfig())

	recs, err := optimizer.BatchGet(context.Background(), []string{"u1", "u2", "ghost"}, EntityContext{Entity: "user"})
	require.NoError(t, err)

	assert.Len(t, recs, 2)
	assert.Contains(t, recs, "u1")
	assert.Contains(t, recs, "u2")
	assert.NotContains(t, recs, "ghost")
}

func TestOptimizer_BatchGet_InvalidIDsSkipped(t *testing.T) {
	factory := newFakeFactory()
	factory.addRecord("user", "u1", Record{"id": "u1"})
	optimizer, _ := newTestOptimizer(t, factory, testOptimizerConfig())

	recs, err := optimizer.BatchGet(context.Background(), []string{"u1", "NOPE!"}, EntityContext{Entity: "user"})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
	assert.Contains(t, recs, "u1")

	// A batch of nothing but invalid ids short-circuits
	recs, err = optimizer.BatchGet(context.Background(), []string{"!!!", "   "}, EntityContext{Entity: "user"})
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Equal(t, int64(1), factory.totalBatchCalls())
}

func TestOptimizer_BatchGet_CompositeCacheHitIgnoresOrder(t *testing.T) {
	factory := newFakeFactory()
	factory.addRecord("user", "u1", Record{"id": "u1"})
	factory.addRecord("user", "u2", Record{"id": "u2"})
	optimizer, _ := newTestOptimizer(t, factory, testOptimizerConfig())

	ec := EntityContext{Entity: "user"}

	first, err := optimizer.BatchGet(context.Background(), []string{"u1", "u2"}, ec)
	require.NoError(t, err)
	require.Len(t, first, 2)

	second, err := optimizer.BatchGet(context.Background(), []string{"u2", "u1"}, ec)
	require.NoError(t, err)
	assert.Len(t, second, 2)

	assert.Equal(t, int64(1), factory.totalBatchCalls())
}

func TestOptimizer_BatchGet_PopulatesPerIDCache(t *testing.T) {
	factory := newFakeFactory()
	factory.addRecord("user", "u1", Record{"id": "u1", "name": "alice"})
	factory.addRecord("user", "u2", Record{"id": "u2", "name": "bob"})
	optimizer, _ := newTestOptimizer(t, factory, testOptimizerConfig())

	ec := EntityContext{Entity: "user"}

	_, err := optimizer.BatchGet(context.Background(), []string{"u1", "u2"}, ec)
	require.NoError(t, err)

	// The single-entity read is served from the batch's cached rows
	rec := optimizer.Get(context.Background(), "u1", ec)
	assert.Equal(t, "alice", rec["name"])
	assert.Equal(t, int64(0), factory.totalFindCalls())
}

func TestOptimizer_BatchGet_StoreErrorDegradesToEmpty(t *testing.T) {
	factory := newFakeFactory()
	factory.setError(errors.New("connection refused"))
	optimizer, _ := newTestOptimizer(t, factory, testOptimizerConfig())

	recs, err := optimizer.BatchGet(context.Background(), []string{"u1"}, EntityContext{Entity: "user"})
	require.NoError(t, err)
	assert.Empty(t, recs)

	metrics := optimizer.GetMetrics()
	snap, ok := metrics["batchGet:user"]
	require.True(t, ok)
	assert.Equal(t, int64(1), snap.ErrorCount)
}

func TestOptimizer_BatchGet_TimeoutDegradesToEmpty(t *testing.T) {
	factory := newFakeFactory()
	factory.addRecord("user", "u1", Record{"id": "u1"})
	factory.setDelay(200 * time.Millisecond)

	config := testOptimizerConfig()
	config.BatchTimeout = 50 * time.Millisecond
	optimizer, pool := newTestOptimizer(t, factory, config)

	recs, err := optimizer.BatchGet(context.Background(), []string{"u1"}, EntityContext{Entity: "user"})
	require.NoError(t, err)
	assert.Empty(t, recs)

	require.Eventually(t, func() bool {
		return pool.Stats().InUse == 0
	}, time.Second, 10*time.Millisecond)
}

func TestOptimizer_ClearEntityCache(t *testing.T) {
	factory := newFakeFactory()
	factory.addRecord("user", "u1", Record{"id": "u1"})
	factory.addRecord("user", "u2", Record{"id": "u2"})
	optimizer, _ := newTestOptimizer(t, factory, testOptimizerConfig())

	ec := EntityContext{Entity: "user"}

	optimizer.Get(context.Background(), "u1", ec)
	_, err := optimizer.BatchGet(context.Background(), []string{"u1", "u2"}, ec)
	require.NoError(t, err)

	optimizer.ClearEntityCache("u1", ec)

	// Both the single entry and the batch entry embedding u1 are gone
	optimizer.Get(context.Background(), "u1", ec)
	assert.Equal(t, int64(2), factory.totalFindCalls())

	_, err = optimizer.BatchGet(context.Background(), []string{"u1", "u2"}, ec)
	require.NoError(t, err)
	assert.Equal(t, int64(2), factory.totalBatchCalls())
}

func TestOptimizer_ClearCache(t *testing.T) {
	factory := newFakeFactory()
	factory.addRecord("user", "u1", Record{"id": "u1"})
	optimizer, _ := newTestOptimizer(t, factory, testOptimizerConfig())

	ec := EntityContext{Entity: "user"}

	optimizer.Get(context.Background(), "u1", ec)
	optimizer.ClearCache()
	optimizer.Get(context.Background(), "u1", ec)

	assert.Equal(t, int64(2), factory.totalFindCalls())
}

func TestOptimizer_StatsAccessors(t *testing.T) {
	factory := newFakeFactory()
	factory.addRecord("user", "u1", Record{"id": "u1"})
	optimizer, _ := newTestOptimizer(t, factory, testOptimizerConfig())

	optimizer.Get(context.Background(), "u1", EntityContext{Entity: "user"})

	poolStats := optimizer.GetPoolStats()
	assert.Equal(t, poolStats.Total, poolStats.Available+poolStats.InUse)

	metrics := optimizer.GetMetrics()
	snap, ok := metrics["get:user"]
	require.True(t, ok)
	assert.Equal(t, int64(1), snap.Count)
	assert.Equal(t, 1.0, snap.SuccessRate)
}
