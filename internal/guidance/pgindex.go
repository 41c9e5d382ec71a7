package guidance

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/parley/pkg/provider/embeddings"
)

// ddl returns the schema with the embedding dimension substituted. The
// dimension is baked into the column type at creation time.
func ddl(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS guidance_chunks (
    id          TEXT         PRIMARY KEY,
    name        TEXT         NOT NULL,
    phase       TEXT         NOT NULL DEFAULT '',
    content     TEXT         NOT NULL,
    embedding   vector(%d)   NOT NULL,
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_guidance_chunks_embedding
    ON guidance_chunks USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates the guidance table and its HNSW index. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	if _, err := pool.Exec(ctx, ddl(embeddingDimensions)); err != nil {
		return fmt.Errorf("guidance: migrate: %w", err)
	}
	return nil
}

// PGIndex stores technique documents in PostgreSQL with pgvector and ranks
// them by cosine distance.
//
// All methods are safe for concurrent use.
type PGIndex struct {
	pool     *pgxpool.Pool
	embedder embeddings.Provider
}

// NewPGIndex connects to dsn, registers pgvector types on every connection
// and runs [Migrate]. embeddingDimensions must match e.
func NewPGIndex(ctx context.Context, dsn string, e embeddings.Provider, embeddingDimensions int) (*PGIndex, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("guidance: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("guidance: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("guidance: ping: %w", err)
	}
	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, err
	}
	return &PGIndex{pool: pool, embedder: e}, nil
}

// Index makes the table hold exactly docs: it embeds and upserts them and
// deletes rows of documents no longer present, in one transaction.
func (p *PGIndex) Index(ctx context.Context, docs []Document) error {
	var vecs [][]float32
	if len(docs) > 0 {
		texts := make([]string, len(docs))
		for i, d := range docs {
			texts[i] = embedText(d)
		}
		var err error
		if vecs, err = p.embedder.EmbedBatch(ctx, texts); err != nil {
			return fmt.Errorf("guidance: embed documents: %w", err)
		}
		if len(vecs) != len(docs) {
			return fmt.Errorf("guidance: embed documents: got %d vectors for %d documents", len(vecs), len(docs))
		}
	}

	const q = `
		INSERT INTO guidance_chunks (id, name, phase, content, embedding, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (id) DO UPDATE SET
		    name       = EXCLUDED.name,
		    phase      = EXCLUDED.phase,
		    content    = EXCLUDED.content,
		    embedding  = EXCLUDED.embedding,
		    updated_at = EXCLUDED.updated_at`

	const prune = `DELETE FROM guidance_chunks WHERE NOT (id = ANY($1))`

	ids := make([]string, len(docs))
	batch := &pgx.Batch{}
	for i, d := range docs {
		ids[i] = d.ID
		batch.Queue(q, d.ID, d.Name, d.Phase, d.Content, pgvector.NewVector(vecs[i]))
	}
	var pruned int64
	batch.Queue(prune, ids).Exec(func(tag pgconn.CommandTag) error {
		pruned = tag.RowsAffected()
		return nil
	})

	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("guidance: sync documents: %w", err)
	}
	if pruned > 0 {
		slog.Info("guidance: removed stale documents", "count", pruned)
	}
	return nil
}

// Search implements [Retriever]. Score is 1 minus the cosine distance.
func (p *PGIndex) Search(ctx context.Context, query, _ string, k int) ([]Snippet, error) {
	qv, err := p.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("guidance: embed query: %w", err)
	}

	const q = `
		SELECT id, name, phase, content, embedding <=> $1 AS distance
		FROM   guidance_chunks
		ORDER  BY distance
		LIMIT  $2`

	rows, err := p.pool.Query(ctx, q, pgvector.NewVector(qv), k)
	if err != nil {
		return nil, fmt.Errorf("guidance: search: %w", err)
	}
	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Snippet, error) {
		var (
			s        Snippet
			distance float64
		)
		if err := row.Scan(&s.DocumentID, &s.Name, &s.Phase, &s.Content, &distance); err != nil {
			return Snippet{}, err
		}
		s.Score = 1 - distance
		return s, nil
	})
	if err != nil {
		return nil, fmt.Errorf("guidance: scan rows: %w", err)
	}
	return results, nil
}

// Ping checks database connectivity.
func (p *PGIndex) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close releases the connection pool.
func (p *PGIndex) Close() {
	p.pool.Close()
}

var _ Retriever = (*PGIndex)(nil)
