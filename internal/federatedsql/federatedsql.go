// Package federatedsql implements the Federated SQL executor (C8): it
// fans a prepared statement across every shard in parallel and
// aggregates rows, tolerating individual shard failures the same way
// the reference tree's pkg/search/search.go fans per-shard lookups out
// with golang.org/x/sync/errgroup and folds partial failures into the
// response rather than failing the whole call.
package federatedsql

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vexshard/vexshard/internal/shardstore"
)

// ShardStatus is one shard's outcome within a federated call.
type ShardStatus string

const (
	StatusOK      ShardStatus = "ok"
	StatusError   ShardStatus = "error"
	StatusTimeout ShardStatus = "timeout"
)

// ShardResult is one shard's contribution to execute_with_metadata.
type ShardResult struct {
	ShardID string
	Rows    []map[string]any
	Status  ShardStatus
	Reason  string
}

// ShardLister is the minimal shard directory the executor needs: an
// id and on-disk path per shard. The Shard Router implements this.
type ShardLister interface {
	ListShardPaths() map[string]string // shard id -> shard path
}

// Executor fans SQL queries across every known shard.
type Executor struct {
	Shards  ShardLister
	Store   *shardstore.Store
	Timeout time.Duration
}

// New constructs an Executor with the spec's default 30s fan-out
// timeout.
func New(shards ShardLister, store *shardstore.Store) *Executor {
	return &Executor{Shards: shards, Store: store, Timeout: 30 * time.Second}
}

// Execute runs sql against every shard in parallel and concatenates
// successful rows; failed or timed-out shards contribute nothing.
func (e *Executor) Execute(ctx context.Context, sql string, params []any) ([]map[string]any, error) {
	results, err := e.ExecuteWithMetadata(ctx, sql, params)
	if err != nil {
		return nil, err
	}
	var rows []map[string]any
	for _, r := range results {
		rows = append(rows, r.Rows...)
	}
	return rows, nil
}

// ExecuteWithMetadata runs sql against every shard in parallel,
// returning one ShardResult per shard regardless of outcome.
func (e *Executor) ExecuteWithMetadata(ctx context.Context, sql string, params []any) ([]ShardResult, error) {
	paths := e.Shards.ListShardPaths()
	results := make([]ShardResult, 0, len(paths))
	var mu sync.Mutex

	timeout := e.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	g, gctx := errgroup.WithContext(ctx)
	for shardID, path := range paths {
		shardID, path := shardID, path
		g.Go(func() error {
			shardCtx, cancel := context.WithTimeout(gctx, timeout)
			defer cancel()
			rows, err := e.Store.ExecSQL(shardCtx, path, sql, params)
			res := ShardResult{ShardID: shardID}
			switch {
			case shardCtx.Err() != nil:
				res.Status = StatusTimeout
				res.Reason = shardCtx.Err().Error()
			case err != nil:
				res.Status = StatusError
				res.Reason = err.Error()
			default:
				res.Status = StatusOK
				res.Rows = rows
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.SliceStable(results, func(i, j int) bool { return results[i].ShardID < results[j].ShardID })
	return results, nil
}

// Count runs the canonical `count(table)` example: a per-shard
// `SELECT count(*) FROM {table}` summed across shards.
func (e *Executor) Count(ctx context.Context, table string) (int, error) {
	results, err := e.ExecuteWithMetadata(ctx, fmt.Sprintf("SELECT count(*) AS n FROM %s", table), nil)
	if err != nil {
		return 0, err
	}
	var total int
	for _, r := range results {
		if r.Status != StatusOK {
			continue
		}
		for _, row := range r.Rows {
			if n, ok := row["n"].(int64); ok {
				total += int(n)
			}
		}
	}
	return total, nil
}
