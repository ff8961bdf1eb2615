// Package vectorquery runs similarity search directly against the shared
// pgvector-backed table, scoped to one user, with a post-filter for
// excluded paths.
package vectorquery

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/obsidian-sync/bridge/pkg/vaultfs"
)

// Pool is the subset of *pgxpool.Pool this package needs, so tests can
// substitute an in-process fake.
type Pool interface {
	Query(ctx context.Context, sql string, args ...any) (Rows, error)
}

// Rows mirrors the pgx.Rows surface this package consumes.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Close()
	Err() error
}

// pgxPoolAdapter adapts *pgxpool.Pool to the Pool interface.
type pgxPoolAdapter struct {
	pool *pgxpool.Pool
}

// NewPgxPool wraps a real *pgxpool.Pool for use as a Pool.
func NewPgxPool(pool *pgxpool.Pool) Pool {
	return &pgxPoolAdapter{pool: pool}
}

func (a *pgxPoolAdapter) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	rows, err := a.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Result is one search hit.
type Result struct {
	Filename   string
	Excerpt    string
	Similarity float64
}

// Querier runs similarity search for one user.
type Querier struct {
	pool Pool
	fs   *vaultfs.FS
}

// New returns a Querier backed by pool. fs is used only to resolve legacy
// records: one whose filename lacks the "obsidian_vault/" prefix is
// accepted iff the file it names currently exists in the vault. fs may be
// nil if the caller knows no legacy records are present.
func New(pool Pool, fs *vaultfs.FS) *Querier {
	return &Querier{pool: pool, fs: fs}
}

// similarityQuery uses cosine distance via the pgvector <=> operator,
// overfetching 3x so excluded paths can be filtered out before truncating
// to k.
const similarityQuery = `
SELECT document, cmetadata, custom_id,
       1 - (embedding <=> $1) AS similarity
FROM   langchain_pg_embedding
WHERE  cmetadata->>'user_id' = $2
ORDER  BY embedding <=> $1
LIMIT  $3
`

// Search takes an already-computed query embedding, issues the overfetch
// query, filters out excluded paths, and returns the top k by similarity
// with a 200-character excerpt.
func (q *Querier) Search(ctx context.Context, userID string, queryVec []float32, k int) ([]Result, error) {
	rows, err := q.pool.Query(ctx, similarityQuery, vectorLiteral(queryVec), userID, k*3)
	if err != nil {
		return nil, fmt.Errorf("vector query: %w", err)
	}
	defer rows.Close()

	var candidates []Result
	for rows.Next() {
		var document, customID string
		var metadataRaw []byte
		var similarity float64
		if err := rows.Scan(&document, &metadataRaw, &customID, &similarity); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		var metadata map[string]any
		_ = json.Unmarshal(metadataRaw, &metadata)

		filename, _ := metadata["filename"].(string)
		if filename == "" {
			filename = customID
		}

		const marker = vaultfs.VaultDirName + "/"
		idx := strings.Index(filename, marker)
		hasPrefix := idx >= 0
		relPath := filename
		if hasPrefix {
			relPath = filename[idx+len(marker):]
		}

		if vaultfs.Excluded(relPath) {
			continue
		}
		if !hasPrefix && !q.legacyFileExists(userID, relPath) {
			continue
		}

		candidates = append(candidates, Result{
			Filename:   relPath,
			Excerpt:    excerpt(document, 200),
			Similarity: similarity,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Similarity > candidates[j].Similarity })
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates, nil
}

// legacyFileExists is the acceptance rule for records that predate the
// "obsidian_vault/" filename convention: such a record is only surfaced
// if the file it names currently exists in the caller's vault.
func (q *Querier) legacyFileExists(userID, relPath string) bool {
	if q.fs == nil {
		return false
	}
	abs := filepath.Join(q.fs.VaultRoot(userID), filepath.FromSlash(relPath))
	_, err := os.Stat(abs)
	return err == nil
}

// LookupEmbedding satisfies ragclient.VectorFallback: reads back the
// embedding row for a synthetic temporary file_id inserted by the
// embed-query fallback path, as a raw vector literal string (pgvector
// returns "[0.1,0.2,...]").
func (q *Querier) LookupEmbedding(ctx context.Context, fileID string) ([]float32, error) {
	rows, err := q.pool.Query(ctx, `SELECT embedding FROM langchain_pg_embedding WHERE custom_id = $1 LIMIT 1`, fileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, fmt.Errorf("no embedding row found for %s", fileID)
	}
	var raw string
	if err := rows.Scan(&raw); err != nil {
		return nil, err
	}
	return parseVectorLiteral(raw), rows.Err()
}

// vectorLiteral renders a float32 slice as the pgvector text literal
// "[0.1,0.2,...]" pgx sends for an untyped parameter against a vector column.
func vectorLiteral(vec []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%g", v)
	}
	b.WriteByte(']')
	return b.String()
}

func parseVectorLiteral(raw string) []float32 {
	raw = strings.Trim(raw, "[]")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]float32, 0, len(parts))
	for _, p := range parts {
		var f float64
		fmt.Sscanf(strings.TrimSpace(p), "%g", &f)
		out = append(out, float32(f))
	}
	return out
}

func excerpt(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
