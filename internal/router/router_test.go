package router

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	dir := t.TempDir()
	r, err := Open(Options{
		RoutingDBPath:  filepath.Join(dir, "routing"),
		Dim:            4,
		StoragePath:    filepath.Join(dir, "shards"),
		TargetSize:     10,
		SplitThreshold: 0.5,
	})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRouteInsertCreatesShard(t *testing.T) {
	r := newTestRouter(t)
	info, err := r.RouteInsert([]float32{0.1, 0.2, 0.3, 0.4})
	require.NoError(t, err)
	assert.Equal(t, 1, info.DocCount)
	assert.Len(t, r.ListAllShards(), 1)
}

func TestRouteInsertReusesCloseShard(t *testing.T) {
	r := newTestRouter(t)
	_, err := r.RouteInsert([]float32{1, 0, 0, 0})
	require.NoError(t, err)
	info2, err := r.RouteInsert([]float32{0.99, 0.01, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, 2, info2.DocCount)
	assert.Len(t, r.ListAllShards(), 1)
}

func TestRouteInsertSplitsOnDissimilar(t *testing.T) {
	r := newTestRouter(t)
	_, err := r.RouteInsert([]float32{1, 0, 0, 0})
	require.NoError(t, err)
	_, err = r.RouteInsert([]float32{-1, 0, 0, 0})
	require.NoError(t, err)
	assert.Len(t, r.ListAllShards(), 2)
}

func TestRouteQueryOrdersByCosine(t *testing.T) {
	r := newTestRouter(t)
	_, err := r.RouteInsert([]float32{1, 0, 0, 0})
	require.NoError(t, err)
	_, err = r.RouteInsert([]float32{-1, 0, 0, 0})
	require.NoError(t, err)

	results, err := r.RouteQuery([]float32{1, 0, 0, 0}, 0)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.GreaterOrEqual(t, results[0].Centroid[0], float32(0))
}

func TestDimensionMismatch(t *testing.T) {
	r := newTestRouter(t)
	_, err := r.RouteInsert([]float32{1, 2, 3})
	require.Error(t, err)
}

type fakeVectorSource struct {
	vectors map[string][][]float32
}

func (f *fakeVectorSource) ShardVectors(ctx context.Context, shardID string) ([]string, [][]float32, error) {
	v := f.vectors[shardID]
	ids := make([]string, len(v))
	for i := range v {
		ids[i] = "id"
	}
	return ids, v, nil
}

func TestRunMaintenanceCorrectsDrift(t *testing.T) {
	r := newTestRouter(t)
	info, err := r.RouteInsert([]float32{1, 0, 0, 0})
	require.NoError(t, err)

	src := &fakeVectorSource{vectors: map[string][][]float32{
		info.ID: {{0, 1, 0, 0}, {0, 1, 0, 0}},
	}}
	require.NoError(t, r.RunMaintenance(context.Background(), src))

	shards := r.ListAllShards()
	require.Len(t, shards, 1)
	assert.InDelta(t, 0, shards[0].Centroid[0], 1e-6)
	assert.InDelta(t, 1, shards[0].Centroid[1], 1e-6)
}

// splitVectorSource returns one oversized shard's worth of well-
// separated vectors with distinct ids, so k-means cleanly assigns
// each half to a different new shard.
type splitVectorSource struct {
	shardID string
	ids     []string
	vectors [][]float32
}

func (f *splitVectorSource) ShardVectors(ctx context.Context, shardID string) ([]string, [][]float32, error) {
	if shardID != f.shardID {
		return nil, nil, nil
	}
	return f.ids, f.vectors, nil
}

// fakeMigrator records every MigrateChunks call instead of touching
// real storage, so the test can assert Rebalance actually requests a
// data migration rather than silently dropping rows.
type fakeMigrator struct {
	calls []migrateCall
}

type migrateCall struct {
	fromPath, toPath string
	chunkIDs         []string
}

func (m *fakeMigrator) MigrateChunks(ctx context.Context, fromPath, toPath string, chunkIDs []string) error {
	cp := append([]string(nil), chunkIDs...)
	m.calls = append(m.calls, migrateCall{fromPath, toPath, cp})
	return nil
}

func TestRebalanceMigratesRowsIntoNewShards(t *testing.T) {
	r := newTestRouter(t)

	// RouteInsert caps a shard at TargetSize (10), so the shard is made
	// oversized by RunMaintenance recounting it from 30 ground-truth
	// vectors, which exceeds Rebalance's 2*target threshold.
	info, err := r.RouteInsert([]float32{1, 0, 0, 0})
	require.NoError(t, err)
	oldID, oldPath := info.ID, info.Path

	ids := make([]string, 30)
	vectors := make([][]float32, 30)
	for i := 0; i < 15; i++ {
		ids[i] = fmt.Sprintf("chunk-a-%d", i)
		vectors[i] = []float32{1, 0, 0, 0}
	}
	for i := 15; i < 30; i++ {
		ids[i] = fmt.Sprintf("chunk-b-%d", i)
		vectors[i] = []float32{0, 1, 0, 0}
	}
	src := &splitVectorSource{shardID: oldID, ids: ids, vectors: vectors}
	mover := &fakeMigrator{}

	require.NoError(t, r.RunMaintenance(context.Background(), src))
	require.Len(t, r.ListAllShards(), 1)

	require.NoError(t, r.Rebalance(context.Background(), src, mover))

	shards := r.ListAllShards()
	require.Len(t, shards, 2)

	require.Len(t, mover.calls, 2)
	var migrated int
	for _, c := range mover.calls {
		assert.Equal(t, oldPath, c.fromPath)
		assert.NotEqual(t, oldPath, c.toPath)
		migrated += len(c.chunkIDs)
	}
	assert.Equal(t, 30, migrated)
}
