// Package indexer implements the Indexer (C9): chunking a document
// into {document, paragraph, sentence} levels, embedding each chunk
// via the EmbeddingCache, dispatching to the active Strategy and the
// Shard Router, and committing the result atomically to the target
// shard. Chunking granularity is grounded on the reference tree's
// pkg/nornicdb/embed_queue.go chunk-size/overlap config, narrowed from
// character windows to the spec's paragraph/sentence split.
package indexer

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/vexshard/vexshard/internal/embedcache"
	"github.com/vexshard/vexshard/internal/router"
	"github.com/vexshard/vexshard/internal/shardstore"
	"github.com/vexshard/vexshard/internal/strategy"
)

// Status mirrors the spec's index_document result.
type Status struct {
	ID      string
	ShardID string
	Status  string
}

// StrategyProvider resolves (or lazily creates) the strategy instance
// owning a shard's index state.
type StrategyProvider interface {
	StrategyFor(shardID string) (strategy.Strategy, error)
}

// Indexer wires chunking, embedding, strategy dispatch, and atomic
// storage together.
type Indexer struct {
	Embeddings *embedcache.Cache
	Router     *router.Router
	Strategies StrategyProvider
	Store      *shardstore.Store
}

// New constructs an Indexer.
func New(embeddings *embedcache.Cache, r *router.Router, strategies StrategyProvider, store *shardstore.Store) *Indexer {
	return &Indexer{Embeddings: embeddings, Router: r, Strategies: strategies, Store: store}
}

var paragraphSplit = regexp.MustCompile(`\n\s*\n`)
var sentenceSplit = regexp.MustCompile(`(?:[.!?])\s+`)

type chunkSpan struct {
	level       string
	text        string
	startOffset int
	endOffset   int
	parentIdx   int // index of the parent span (document for a paragraph, paragraph for a sentence), -1 for the document chunk itself
}

// chunkText splits text into {document, paragraph, sentence} spans
// with byte offsets into the original text, per the spec's Chunk
// invariant `0 ≤ start_offset < end_offset ≤ len(parent.text)`.
func chunkText(text string) []chunkSpan {
	spans := []chunkSpan{{level: "document", text: text, startOffset: 0, endOffset: len(text), parentIdx: -1}}
	if len(text) == 0 {
		return spans
	}

	offset := 0
	for _, para := range paragraphSplit.Split(text, -1) {
		paraStart := strings.Index(text[offset:], para)
		if paraStart < 0 {
			continue
		}
		paraStart += offset
		paraEnd := paraStart + len(para)
		if strings.TrimSpace(para) == "" {
			offset = paraEnd
			continue
		}
		paraIdx := len(spans)
		spans = append(spans, chunkSpan{level: "paragraph", text: para, startOffset: paraStart, endOffset: paraEnd, parentIdx: 0})

		sentOffset := paraStart
		for _, sent := range sentenceSplit.Split(para, -1) {
			if strings.TrimSpace(sent) == "" {
				continue
			}
			sentStart := strings.Index(text[sentOffset:], sent)
			if sentStart < 0 {
				continue
			}
			sentStart += sentOffset
			sentEnd := sentStart + len(sent)
			spans = append(spans, chunkSpan{level: "sentence", text: sent, startOffset: sentStart, endOffset: sentEnd, parentIdx: paraIdx})
			sentOffset = sentEnd
		}
		offset = paraEnd
	}
	return spans
}

func childID(docID, level string, startOffset int) string {
	tag := "p"
	if level == "sentence" {
		tag = "s"
	}
	return fmt.Sprintf("%s:%s:%d", docID, tag, startOffset)
}

// IndexDocument chunks text, embeds every chunk, indexes each chunk
// into the target shard's strategy, and commits the document/chunk
// rows in a single transaction.
func (ix *Indexer) IndexDocument(ctx context.Context, id, text string, metadata map[string]any) (Status, error) {
	spans := chunkText(text)
	texts := make([]string, len(spans))
	for i, s := range spans {
		texts[i] = s.text
	}
	embeddings, err := ix.Embeddings.GetOrComputeBatch(texts)
	if err != nil {
		return Status{}, fmt.Errorf("invalid_input: embedding chunks: %w", err)
	}

	docEmbedding := embeddings[0]
	shardInfo, err := ix.Router.RouteInsert(docEmbedding)
	if err != nil {
		return Status{}, err
	}
	strat, err := ix.Strategies.StrategyFor(shardInfo.ID)
	if err != nil {
		return Status{}, fmt.Errorf("shard_unavailable: %w", err)
	}

	chunkIDs := make([]string, len(spans))
	chunks := make([]shardstore.Chunk, 0, len(spans))
	vectors := make(map[string][]float32, len(spans))
	for i, s := range spans {
		var chunkID string
		var parentID string
		if s.level == "document" {
			chunkID = id
		} else {
			chunkID = childID(id, s.level, s.startOffset)
			parentID = chunkIDs[s.parentIdx]
		}
		chunkIDs[i] = chunkID
		vectors[chunkID] = embeddings[i]

		if err := strat.IndexDocument(chunkID, embeddings[i], metadata); err != nil {
			return Status{}, err
		}
		chunks = append(chunks, shardstore.Chunk{
			ID:          chunkID,
			DocID:       id,
			ParentID:    parentID,
			Level:       s.level,
			Text:        s.text,
			StartOffset: s.startOffset,
			EndOffset:   s.endOffset,
		})
	}

	doc := shardstore.Document{ID: id, Text: text, Metadata: metadata}
	if err := ix.Store.InsertDocument(ctx, shardInfo.Path, shardInfo.ID, doc, chunks, vectors); err != nil {
		return Status{}, err
	}

	return Status{ID: id, ShardID: shardInfo.ID, Status: "indexed"}, nil
}

// IndexDocuments indexes docs one after another through IndexDocument,
// committing each document atomically. Embedding is batched within a
// document only; neither embedding nor strategy inserts are batched
// across documents. It stops at the first error and returns the
// statuses of the documents indexed before it.
func (ix *Indexer) IndexDocuments(ctx context.Context, docs []shardstore.Document) ([]Status, error) {
	out := make([]Status, 0, len(docs))
	for _, d := range docs {
		st, err := ix.IndexDocument(ctx, d.ID, d.Text, d.Metadata)
		if err != nil {
			return out, err
		}
		out = append(out, st)
	}
	return out, nil
}

// DeleteDocument removes a document from its shard's strategy and
// storage. Deleting an unknown id is a no-op success per the shared
// failure semantics.
func (ix *Indexer) DeleteDocument(ctx context.Context, shardInfo router.ShardInfo, id string) error {
	strat, err := ix.Strategies.StrategyFor(shardInfo.ID)
	if err != nil {
		return fmt.Errorf("shard_unavailable: %w", err)
	}
	if err := strat.DeleteDocument(id); err != nil {
		return err
	}
	return ix.Store.DeleteDocument(ctx, shardInfo.Path, shardInfo.ID, id)
}
