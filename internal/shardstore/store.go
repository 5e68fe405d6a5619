// Package shardstore implements the per-shard embedded KV+vector
// database (C3): a modernc.org/sqlite-backed documents/chunks/vec_chunks
// schema, a process-wide ConnectionPool with bounded-backoff checkout,
// and a per-shard BloomFilterManager for O(1) negative lookups.
package shardstore

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
)

// Document mirrors the spec's Document entity.
type Document struct {
	ID       string
	Text     string
	Metadata map[string]any
}

// Chunk mirrors the spec's Chunk entity.
type Chunk struct {
	ID          string
	DocID       string
	ParentID    string
	Level       string
	Text        string
	StartOffset int
	EndOffset   int
}

// Store is the per-process handle over every shard's on-disk database.
type Store struct {
	pool  *ConnectionPool
	bloom *BloomFilterManager
}

// New constructs a Store backed by a fresh ConnectionPool and
// BloomFilterManager.
func New() *Store {
	return &Store{pool: NewConnectionPool(), bloom: NewBloomFilterManager()}
}

// InsertDocument atomically writes the document row, its chunks, and
// their embeddings within one transaction opened by BeginTx; any
// failure triggers ROLLBACK and the bloom filter is updated only on
// success. The transaction is not opened in IMMEDIATE mode.
func (s *Store) InsertDocument(ctx context.Context, shardPath, shardID string, doc Document, chunks []Chunk, embeddings map[string][]float32) error {
	db, err := s.pool.Checkout(ctx, shardPath)
	if err != nil {
		return fmt.Errorf("storage_error: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage_error: begin: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		// BeginTx has already opened a transaction, so SQLite rejects
		// this nested BEGIN IMMEDIATE; the error is ignored and the
		// write lock is taken at the first write.
		_ = err
	}

	metaJSON, err := json.Marshal(doc.Metadata)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("invalid_input: marshal metadata: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO documents(id, text, metadata) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET text=excluded.text, metadata=excluded.metadata`,
		doc.ID, doc.Text, string(metaJSON)); err != nil {
		tx.Rollback()
		return fmt.Errorf("storage_error: insert document: %w", err)
	}

	for _, c := range chunks {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chunks(id, doc_id, parent_id, level, text, start_offset, end_offset)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET text=excluded.text, start_offset=excluded.start_offset, end_offset=excluded.end_offset`,
			c.ID, c.DocID, c.ParentID, c.Level, c.Text, c.StartOffset, c.EndOffset); err != nil {
			tx.Rollback()
			return fmt.Errorf("storage_error: insert chunk: %w", err)
		}
		if emb, ok := embeddings[c.ID]; ok {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO vec_chunks(id, embedding) VALUES (?, ?)
				 ON CONFLICT(id) DO UPDATE SET embedding=excluded.embedding`,
				c.ID, encodeVector(emb)); err != nil {
				tx.Rollback()
				return fmt.Errorf("storage_error: insert vector: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage_error: commit: %w", err)
	}
	s.bloom.Add(shardID, doc.ID)
	return nil
}

// DeleteDocument removes a document and its chunks/vectors. A bloom-
// filter negative short-circuits to a no-op, matching the spec's
// "deleting an unknown id is a no-op".
func (s *Store) DeleteDocument(ctx context.Context, shardPath, shardID, docID string) error {
	if !s.bloom.MightContain(shardID, docID) {
		return nil
	}
	db, err := s.pool.Checkout(ctx, shardPath)
	if err != nil {
		return fmt.Errorf("storage_error: %w", err)
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage_error: begin: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM vec_chunks WHERE id IN (SELECT id FROM chunks WHERE doc_id = ?)`, docID); err != nil {
		tx.Rollback()
		return fmt.Errorf("storage_error: delete vectors: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE doc_id = ?`, docID); err != nil {
		tx.Rollback()
		return fmt.Errorf("storage_error: delete chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, docID); err != nil {
		tx.Rollback()
		return fmt.Errorf("storage_error: delete document: %w", err)
	}
	return tx.Commit()
}

// ChunkText resolves chunkID's text and doc_id/parent_id/offsets, used
// by the Query Engine's grounding join.
func (s *Store) ChunkText(ctx context.Context, shardPath, chunkID string) (docID, parentID, text string, start, end int, err error) {
	db, err := s.pool.Checkout(ctx, shardPath)
	if err != nil {
		return "", "", "", 0, 0, fmt.Errorf("storage_error: %w", err)
	}
	row := db.QueryRowContext(ctx,
		`SELECT doc_id, COALESCE(parent_id,''), text, start_offset, end_offset FROM chunks WHERE id = ?`, chunkID)
	var pid sql.NullString
	if err := row.Scan(&docID, &pid, &text, &start, &end); err != nil {
		return "", "", "", 0, 0, fmt.Errorf("storage_error: %w", err)
	}
	return docID, pid.String, text, start, end, nil
}

// CountDocuments returns the shard's document row count, the canonical
// Federated SQL building block.
func (s *Store) CountDocuments(ctx context.Context, shardPath string) (int, error) {
	db, err := s.pool.Checkout(ctx, shardPath)
	if err != nil {
		return 0, fmt.Errorf("storage_error: %w", err)
	}
	var count int
	if err := db.QueryRowContext(ctx, `SELECT count(*) FROM documents`).Scan(&count); err != nil {
		return 0, fmt.Errorf("storage_error: %w", err)
	}
	return count, nil
}

// ExecSQL runs an arbitrary prepared statement against one shard and
// returns its rows as loosely-typed maps, for Federated SQL fan-out.
func (s *Store) ExecSQL(ctx context.Context, shardPath, query string, params []any) ([]map[string]any, error) {
	db, err := s.pool.Checkout(ctx, shardPath)
	if err != nil {
		return nil, fmt.Errorf("storage_error: %w", err)
	}
	rows, err := db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("storage_error: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("storage_error: %w", err)
	}
	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("storage_error: %w", err)
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Reset deletes every row from shardPath's tables (the schema is kept)
// and clears its bloom filter, implementing reset_storage.
func (s *Store) Reset(ctx context.Context, shardPath, shardID string) error {
	db, err := s.pool.Checkout(ctx, shardPath)
	if err != nil {
		return fmt.Errorf("storage_error: %w", err)
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM vec_chunks; DELETE FROM chunks; DELETE FROM documents;`); err != nil {
		return fmt.Errorf("storage_error: %w", err)
	}
	s.bloom.Reset(shardID)
	return nil
}

// Close releases every pooled database handle.
func (s *Store) Close() error { return s.pool.CloseAll() }

// ShardVectors reads every chunk id and embedding stored in shardPath,
// implementing the Shard Router's VectorSource seam so RunMaintenance
// and Rebalance can recompute centroids from ground truth.
func (s *Store) ShardVectors(ctx context.Context, shardPath string) ([]string, [][]float32, error) {
	db, err := s.pool.Checkout(ctx, shardPath)
	if err != nil {
		return nil, nil, fmt.Errorf("storage_error: %w", err)
	}
	rows, err := db.QueryContext(ctx, `SELECT id, embedding FROM vec_chunks`)
	if err != nil {
		return nil, nil, fmt.Errorf("storage_error: %w", err)
	}
	defer rows.Close()

	var ids []string
	var vectors [][]float32
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, nil, fmt.Errorf("storage_error: %w", err)
		}
		ids = append(ids, id)
		vectors = append(vectors, decodeVector(blob))
	}
	return ids, vectors, rows.Err()
}

// MigrateChunks copies the given chunk ids — their chunk/vector rows
// plus the parent document rows they belong to — from fromPath into
// toPath, implementing the Shard Router's RowMigrator seam so
// Rebalance can physically relocate a split shard's data into its two
// successor shards instead of merely re-pointing routing metadata at
// empty databases.
func (s *Store) MigrateChunks(ctx context.Context, fromPath, toPath string, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	fromDB, err := s.pool.Checkout(ctx, fromPath)
	if err != nil {
		return fmt.Errorf("storage_error: %w", err)
	}
	toDB, err := s.pool.Checkout(ctx, toPath)
	if err != nil {
		return fmt.Errorf("storage_error: %w", err)
	}

	chunkArgs := make([]any, len(chunkIDs))
	for i, id := range chunkIDs {
		chunkArgs[i] = id
	}
	chunkPH := placeholders(len(chunkIDs))

	type migratedChunk struct {
		id, docID, parentID, level, text string
		start, end                       int
	}
	chunkRows, err := fromDB.QueryContext(ctx,
		`SELECT id, doc_id, COALESCE(parent_id,''), level, text, start_offset, end_offset
		 FROM chunks WHERE id IN (`+chunkPH+`)`, chunkArgs...)
	if err != nil {
		return fmt.Errorf("storage_error: migrate chunks query: %w", err)
	}
	var chunks []migratedChunk
	docIDSet := make(map[string]struct{})
	for chunkRows.Next() {
		var c migratedChunk
		if err := chunkRows.Scan(&c.id, &c.docID, &c.parentID, &c.level, &c.text, &c.start, &c.end); err != nil {
			chunkRows.Close()
			return fmt.Errorf("storage_error: scan migrated chunk: %w", err)
		}
		chunks = append(chunks, c)
		docIDSet[c.docID] = struct{}{}
	}
	if err := chunkRows.Err(); err != nil {
		chunkRows.Close()
		return fmt.Errorf("storage_error: %w", err)
	}
	chunkRows.Close()

	vecRows, err := fromDB.QueryContext(ctx,
		`SELECT id, embedding FROM vec_chunks WHERE id IN (`+chunkPH+`)`, chunkArgs...)
	if err != nil {
		return fmt.Errorf("storage_error: migrate vectors query: %w", err)
	}
	vectors := make(map[string][]byte, len(chunkIDs))
	for vecRows.Next() {
		var id string
		var blob []byte
		if err := vecRows.Scan(&id, &blob); err != nil {
			vecRows.Close()
			return fmt.Errorf("storage_error: scan migrated vector: %w", err)
		}
		vectors[id] = blob
	}
	if err := vecRows.Err(); err != nil {
		vecRows.Close()
		return fmt.Errorf("storage_error: %w", err)
	}
	vecRows.Close()

	docIDs := make([]string, 0, len(docIDSet))
	for id := range docIDSet {
		docIDs = append(docIDs, id)
	}
	type migratedDoc struct{ id, text, metadata string }
	var docs []migratedDoc
	if len(docIDs) > 0 {
		docArgs := make([]any, len(docIDs))
		for i, id := range docIDs {
			docArgs[i] = id
		}
		docRows, err := fromDB.QueryContext(ctx,
			`SELECT id, text, COALESCE(metadata,'') FROM documents WHERE id IN (`+placeholders(len(docIDs))+`)`, docArgs...)
		if err != nil {
			return fmt.Errorf("storage_error: migrate documents query: %w", err)
		}
		for docRows.Next() {
			var d migratedDoc
			if err := docRows.Scan(&d.id, &d.text, &d.metadata); err != nil {
				docRows.Close()
				return fmt.Errorf("storage_error: scan migrated document: %w", err)
			}
			docs = append(docs, d)
		}
		if err := docRows.Err(); err != nil {
			docRows.Close()
			return fmt.Errorf("storage_error: %w", err)
		}
		docRows.Close()
	}

	tx, err := toDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage_error: begin migration: %w", err)
	}
	for _, d := range docs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO documents(id, text, metadata) VALUES (?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET text=excluded.text, metadata=excluded.metadata`,
			d.id, d.text, d.metadata); err != nil {
			tx.Rollback()
			return fmt.Errorf("storage_error: migrate document: %w", err)
		}
	}
	for _, c := range chunks {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chunks(id, doc_id, parent_id, level, text, start_offset, end_offset)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET text=excluded.text, start_offset=excluded.start_offset, end_offset=excluded.end_offset`,
			c.id, c.docID, c.parentID, c.level, c.text, c.start, c.end); err != nil {
			tx.Rollback()
			return fmt.Errorf("storage_error: migrate chunk: %w", err)
		}
		if blob, ok := vectors[c.id]; ok {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO vec_chunks(id, embedding) VALUES (?, ?)
				 ON CONFLICT(id) DO UPDATE SET embedding=excluded.embedding`,
				c.id, blob); err != nil {
				tx.Rollback()
				return fmt.Errorf("storage_error: migrate vector: %w", err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage_error: commit migration: %w", err)
	}
	return nil
}

// placeholders returns a comma-joined "?" list of length n for a
// variadic SQL IN(...) clause.
func placeholders(n int) string {
	if n == 0 {
		return ""
	}
	b := make([]byte, 0, n*2-1)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '?')
	}
	return string(b)
}

// encodeVector packs a []float32 into a little-endian byte blob.
func encodeVector(v []float32) []byte {
	out := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(x))
	}
	return out
}

// decodeVector unpacks a little-endian byte blob into []float32.
func decodeVector(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}
