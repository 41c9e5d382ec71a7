package guidance

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/pkg/provider/embeddings"
)

const (
	defaultBatchSize   = 16
	defaultConcurrency = 4
)

// MemIndex is an in-process vector index over technique documents. Search
// is a brute-force cosine scan, which is plenty for a handful of files.
//
// All methods are safe for concurrent use.
type MemIndex struct {
	embedder    embeddings.Provider
	batchSize   int
	concurrency int

	mu      sync.RWMutex
	docs    []Document
	vectors [][]float32
}

// NewMemIndex creates an empty index that embeds with e.
func NewMemIndex(e embeddings.Provider) *MemIndex {
	return &MemIndex{embedder: e, batchSize: defaultBatchSize, concurrency: defaultConcurrency}
}

// Index embeds docs and replaces the index contents. Batches are embedded
// concurrently; any failure aborts and leaves the previous contents intact.
func (m *MemIndex) Index(ctx context.Context, docs []Document) error {
	vectors := make([][]float32, len(docs))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(m.concurrency)
	for start := 0; start < len(docs); start += m.batchSize {
		end := min(start+m.batchSize, len(docs))
		eg.Go(func() error {
			texts := make([]string, 0, end-start)
			for _, d := range docs[start:end] {
				texts = append(texts, embedText(d))
			}
			vecs, err := m.embedder.EmbedBatch(egCtx, texts)
			if err != nil {
				return fmt.Errorf("guidance: embed documents %d-%d: %w", start, end-1, err)
			}
			if len(vecs) != len(texts) {
				return fmt.Errorf("guidance: embed documents %d-%d: got %d vectors", start, end-1, len(vecs))
			}
			copy(vectors[start:end], vecs)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	m.mu.Lock()
	m.docs = docs
	m.vectors = vectors
	m.mu.Unlock()
	return nil
}

// Len returns the number of indexed documents.
func (m *MemIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

// Search implements [Retriever]. The phase argument is not used separately;
// the query already names it. An empty index returns [ErrUnavailable].
func (m *MemIndex) Search(ctx context.Context, query, _ string, k int) ([]Snippet, error) {
	m.mu.RLock()
	docs, vectors := m.docs, m.vectors
	m.mu.RUnlock()
	if len(docs) == 0 {
		return nil, ErrUnavailable
	}

	qv, err := m.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("guidance: embed query: %w", err)
	}

	out := make([]Snippet, 0, len(docs))
	for i, d := range docs {
		out = append(out, Snippet{
			DocumentID: d.ID,
			Name:       d.Name,
			Phase:      d.Phase,
			Content:    d.Content,
			Score:      cosine(qv, vectors[i]),
		})
	}
	return topK(out, k), nil
}

// embedText is what gets embedded for a document.
func embedText(d Document) string {
	return d.Phase + "\n\n" + d.Content
}

var _ Retriever = (*MemIndex)(nil)
