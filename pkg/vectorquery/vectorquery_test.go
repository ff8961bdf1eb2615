package vectorquery

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/obsidian-sync/bridge/pkg/vaultfs"
)

type fakeRow struct {
	document   string
	metadata   map[string]any
	customID   string
	similarity float64
}

type fakeRows struct {
	rows []fakeRow
	idx  int
}

func (f *fakeRows) Next() bool {
	if f.idx >= len(f.rows) {
		return false
	}
	f.idx++
	return true
}

func (f *fakeRows) Scan(dest ...any) error {
	row := f.rows[f.idx-1]
	*(dest[0].(*string)) = row.document
	metaJSON, _ := json.Marshal(row.metadata)
	*(dest[1].(*[]byte)) = metaJSON
	*(dest[2].(*string)) = row.customID
	*(dest[3].(*float64)) = row.similarity
	return nil
}

func (f *fakeRows) Close()     {}
func (f *fakeRows) Err() error { return nil }

type fakePool struct {
	rows []fakeRow
}

func (f *fakePool) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	return &fakeRows{rows: f.rows}, nil
}

func TestSearchFiltersExcludedPaths(t *testing.T) {
	fs := vaultfs.New(t.TempDir())
	pool := &fakePool{rows: []fakeRow{
		{document: "alice's public note content here", metadata: map[string]any{"filename": "obsidian_vault/notes/a.md"}, customID: "c1", similarity: 0.9},
		{document: "hidden git config junk", metadata: map[string]any{"filename": "obsidian_vault/.git/config"}, customID: "c2", similarity: 0.95},
		{document: "root file content, no file on disk", metadata: map[string]any{"filename": "root_file.md"}, customID: "c3", similarity: 0.8},
	}}

	q := New(pool, fs)
	results, err := q.Search(context.Background(), "alice", []float32{0.1, 0.2}, 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "notes/a.md", results[0].Filename)
}

func TestSearchAcceptsLegacyRecordWhenFileExists(t *testing.T) {
	fs := vaultfs.New(t.TempDir())
	vaultRoot := fs.VaultRoot("alice")
	require.NoError(t, os.MkdirAll(vaultRoot, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(vaultRoot, "root_file.md"), []byte("x"), 0o644))

	pool := &fakePool{rows: []fakeRow{
		{document: "legacy content", metadata: map[string]any{"filename": "root_file.md"}, customID: "c1", similarity: 0.8},
	}}

	q := New(pool, fs)
	results, err := q.Search(context.Background(), "alice", []float32{0.1}, 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "root_file.md", results[0].Filename)
}

func TestSearchLimitsToK(t *testing.T) {
	fs := vaultfs.New(t.TempDir())
	pool := &fakePool{rows: []fakeRow{
		{document: "one", metadata: map[string]any{"filename": "obsidian_vault/a.md"}, customID: "c1", similarity: 0.9},
		{document: "two", metadata: map[string]any{"filename": "obsidian_vault/b.md"}, customID: "c2", similarity: 0.8},
		{document: "three", metadata: map[string]any{"filename": "obsidian_vault/c.md"}, customID: "c3", similarity: 0.7},
	}}

	q := New(pool, fs)
	results, err := q.Search(context.Background(), "alice", []float32{0.1}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "a.md", results[0].Filename)
}

func TestVectorLiteralRoundTrip(t *testing.T) {
	vec := []float32{0.1, 0.2, 0.3}
	lit := vectorLiteral(vec)
	require.Equal(t, "[0.1,0.2,0.3]", lit)
	require.Equal(t, vec, parseVectorLiteral(lit))
}
