package shardstore

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"
)

// resilience tunables for ConnectionPool.checkout, per spec §4.3:
// bounded exponential backoff, 50ms base, 5 attempts.
const (
	backoffBase     = 50 * time.Millisecond
	backoffAttempts = 5
)

// ConnectionPool hands out pooled connections per shard path. One
// *sql.DB is kept per path (database/sql already pools physical
// connections beneath it); Checkout additionally retries transient
// open/ping failures with bounded exponential backoff, mirroring the
// reference tree's resource-pooling idiom in pkg/pool/pool.go adapted
// from in-process object reuse to on-disk database handles.
type ConnectionPool struct {
	mu    sync.Mutex
	dbs   map[string]*sql.DB
	locks map[string]*flock.Flock
	logr  *log.Logger
}

// NewConnectionPool constructs an empty pool.
func NewConnectionPool() *ConnectionPool {
	return &ConnectionPool{
		dbs:   make(map[string]*sql.DB),
		locks: make(map[string]*flock.Flock),
		logr:  log.New(log.Writer(), "[shardstore] ", log.LstdFlags),
	}
}

// Checkout returns the pooled *sql.DB for path, opening and
// schema-initializing it on first use. Transient failures are retried
// with exponential backoff: 50ms, 100ms, 200ms, 400ms, 800ms.
func (p *ConnectionPool) Checkout(ctx context.Context, path string) (*sql.DB, error) {
	p.mu.Lock()
	if db, ok := p.dbs[path]; ok {
		p.mu.Unlock()
		return db, nil
	}
	p.mu.Unlock()

	var lastErr error
	delay := backoffBase
	for attempt := 0; attempt < backoffAttempts; attempt++ {
		db, err := p.open(ctx, path)
		if err == nil {
			p.mu.Lock()
			p.dbs[path] = db
			p.mu.Unlock()
			return db, nil
		}
		lastErr = err
		p.logr.Printf("checkout %s attempt %d failed: %v", path, attempt+1, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return nil, fmt.Errorf("checkout %s: exhausted retries: %w", path, lastErr)
}

func (p *ConnectionPool) open(ctx context.Context, path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	// An inter-process advisory lock guards the shard file against a
	// second vexshard process opening it concurrently; the process
	// that loses the race retries via ConnectionPool.Checkout's
	// existing backoff loop.
	fl := flock.New(path + ".lock")
	locked, err := fl.TryLockContext(ctx, 10*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("acquiring shard lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("shard %s locked by another process", path)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		fl.Unlock()
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		fl.Unlock()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		db.Close()
		fl.Unlock()
		return nil, err
	}

	p.mu.Lock()
	p.locks[path] = fl
	p.mu.Unlock()
	return db, nil
}

// Checkin is a no-op placeholder matching the spec's checkout/checkin
// pairing; the underlying *sql.DB is long-lived and its physical
// connections are returned to database/sql's own pool automatically.
func (p *ConnectionPool) Checkin(path string) {}

// CloseAll closes every pooled handle and releases its shard lock, used
// on graceful shutdown.
func (p *ConnectionPool) CloseAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for path, db := range p.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing %s: %w", path, err)
		}
	}
	for path, fl := range p.locks {
		if err := fl.Unlock(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("unlocking %s: %w", path, err)
		}
	}
	p.dbs = make(map[string]*sql.DB)
	p.locks = make(map[string]*flock.Flock)
	return firstErr
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	text TEXT NOT NULL,
	metadata TEXT
);
CREATE TABLE IF NOT EXISTS chunks (
	id TEXT PRIMARY KEY,
	doc_id TEXT NOT NULL,
	parent_id TEXT,
	level TEXT NOT NULL,
	text TEXT NOT NULL,
	start_offset INTEGER NOT NULL,
	end_offset INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS vec_chunks (
	id TEXT PRIMARY KEY,
	embedding BLOB
);
CREATE INDEX IF NOT EXISTS idx_chunks_doc_id ON chunks(doc_id);
`
