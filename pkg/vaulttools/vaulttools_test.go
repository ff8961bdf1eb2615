package vaulttools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"

	"github.com/obsidian-sync/bridge/pkg/gitcred"
	"github.com/obsidian-sync/bridge/pkg/gitsync"
	"github.com/obsidian-sync/bridge/pkg/hashindex"
	"github.com/obsidian-sync/bridge/pkg/syncconfig"
	"github.com/obsidian-sync/bridge/pkg/usercontext"
	"github.com/obsidian-sync/bridge/pkg/vaultfs"
	"github.com/obsidian-sync/bridge/pkg/vectorquery"
)

type fakeRAG struct {
	mu       sync.Mutex
	embedded map[string]string
	deleted  []string
	failNext bool
}

func newFakeRAG() *fakeRAG { return &fakeRAG{embedded: map[string]string{}} }

func (f *fakeRAG) Embed(ctx context.Context, fileID, content string, metadata map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		return os.ErrInvalid
	}
	f.embedded[fileID] = content
	return nil
}

func (f *fakeRAG) Delete(ctx context.Context, fileID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, fileID)
	return nil
}

func (f *fakeRAG) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return []float32{0.1}, nil
}

type fakeRow struct {
	document   string
	metadata   map[string]any
	similarity float64
}
type fakeRows struct {
	rows []fakeRow
	idx  int
}

func (r *fakeRows) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}
func (r *fakeRows) Scan(dest ...any) error {
	row := r.rows[r.idx-1]
	*(dest[0].(*string)) = row.document
	metaJSON, _ := json.Marshal(row.metadata)
	*(dest[1].(*[]byte)) = metaJSON
	*(dest[2].(*string)) = "c1"
	*(dest[3].(*float64)) = row.similarity
	return nil
}
func (r *fakeRows) Close()     {}
func (r *fakeRows) Err() error { return nil }

type fakePool struct{ rows []fakeRow }

func (p *fakePool) Query(ctx context.Context, sql string, args ...any) (vectorquery.Rows, error) {
	return &fakeRows{rows: p.rows}, nil
}

func newTestDeps(t *testing.T, rows []fakeRow) (Deps, string) {
	root := t.TempDir()
	fs := vaultfs.New(root)
	creds := gitcred.New(root)
	hashes := hashindex.New(root)
	rag := newFakeRAG()
	syncer := gitsync.New(fs, creds, hashes, rag, gitsync.DefaultConfig())
	configs := syncconfig.New(root)
	search := vectorquery.New(&fakePool{rows: rows}, fs)
	return Deps{FS: fs, RAG: rag, Search: search, Syncer: syncer, Configs: configs}, root
}

func withUser(user string) context.Context {
	return usercontext.With(context.Background(), user)
}

func argsRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func TestUploadThenReadRoundTrip(t *testing.T) {
	d, _ := newTestDeps(t, nil)
	upload := uploadFileHandler(d)
	read := readFileHandler(d)

	res, err := upload(withUser("alice"), argsRequest(map[string]any{"filename": "a.md", "content": "hello"}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	res, err = read(withUser("alice"), argsRequest(map[string]any{"filename": "a.md"}))
	require.NoError(t, err)
	require.Equal(t, "hello", res.Content[0].(mcp.TextContent).Text)
}

func TestUploadRejectsExisting(t *testing.T) {
	d, _ := newTestDeps(t, nil)
	upload := uploadFileHandler(d)
	ctx := withUser("alice")
	_, err := upload(ctx, argsRequest(map[string]any{"filename": "a.md", "content": "x"}))
	require.NoError(t, err)

	res, err := upload(ctx, argsRequest(map[string]any{"filename": "a.md", "content": "y"}))
	require.NoError(t, err)
	require.True(t, res.IsError)
}

func TestUploadRollsBackOnRAGFailure(t *testing.T) {
	d, root := newTestDeps(t, nil)
	d.RAG.(*fakeRAG).failNext = true
	upload := uploadFileHandler(d)

	res, err := upload(withUser("alice"), argsRequest(map[string]any{"filename": "a.md", "content": "x"}))
	require.NoError(t, err)
	require.True(t, res.IsError)

	_, statErr := os.Stat(filepath.Join(root, "alice", "obsidian_vault", "a.md"))
	require.True(t, os.IsNotExist(statErr))
}

func TestTraversalRejected(t *testing.T) {
	d, root := newTestDeps(t, nil)
	upload := uploadFileHandler(d)

	res, err := upload(withUser("alice"), argsRequest(map[string]any{"filename": "../../evil.txt", "content": "x"}))
	require.NoError(t, err)
	require.True(t, res.IsError)
	require.Contains(t, res.Content[0].(mcp.TextContent).Text, "Error")

	_, statErr := os.Stat(filepath.Join(root, "evil.txt"))
	require.True(t, os.IsNotExist(statErr))
}

func TestReadMissingFileReturnsNotFoundError(t *testing.T) {
	d, _ := newTestDeps(t, nil)
	read := readFileHandler(d)
	res, err := read(withUser("alice"), argsRequest(map[string]any{"filename": "nope.md"}))
	require.NoError(t, err)
	require.True(t, res.IsError)
	require.Contains(t, res.Content[0].(mcp.TextContent).Text, "not found")
}

func TestCreateNoteSanitizesTitleAndFormatsBody(t *testing.T) {
	d, _ := newTestDeps(t, nil)
	create := createNoteHandler(d)
	read := readFileHandler(d)
	ctx := withUser("alice")

	_, err := create(ctx, argsRequest(map[string]any{"title": "My Idea!", "content": "details"}))
	require.NoError(t, err)

	res, err := read(ctx, argsRequest(map[string]any{"filename": "My_Idea.md"}))
	require.NoError(t, err)
	require.Equal(t, "# My Idea!\n\ndetails", res.Content[0].(mcp.TextContent).Text)
}

func TestListFilesEmptyVaultSaysNoItems(t *testing.T) {
	d, _ := newTestDeps(t, nil)
	list := listFilesHandler(d)
	res, err := list(withUser("alice"), argsRequest(map[string]any{}))
	require.NoError(t, err)
	require.Contains(t, res.Content[0].(mcp.TextContent).Text, "No items found")
}

func TestSearchFilesUnauthenticated(t *testing.T) {
	d, _ := newTestDeps(t, nil)
	search := searchFilesHandler(d)
	res, err := search(context.Background(), argsRequest(map[string]any{"query": "x"}))
	require.NoError(t, err)
	require.True(t, res.IsError)
}

func TestSearchFilesReturnsResults(t *testing.T) {
	rows := []fakeRow{{document: "hello world this is a long note body", metadata: map[string]any{"filename": "obsidian_vault/a.md"}, similarity: 0.876}}
	d, _ := newTestDeps(t, rows)
	search := searchFilesHandler(d)
	res, err := search(withUser("alice"), argsRequest(map[string]any{"query": "hello"}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.Contains(t, res.Content[0].(mcp.TextContent).Text, "a.md")
	require.Contains(t, res.Content[0].(mcp.TextContent).Text, "0.876")
}

func TestSanitizeTitle(t *testing.T) {
	require.Equal(t, "My_Idea", sanitizeTitle("My Idea!"))
	require.Equal(t, "Foo_Bar-Baz", sanitizeTitle("Foo Bar-Baz"))
	// Runs of spaces are preserved one-for-one, not collapsed.
	require.Equal(t, "My__Idea", sanitizeTitle("My  Idea"))
	require.Equal(t, "Trimmed", sanitizeTitle("  Trimmed  "))
}
