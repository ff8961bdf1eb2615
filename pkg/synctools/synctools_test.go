package synctools

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"

	"github.com/obsidian-sync/bridge/pkg/gitcred"
	"github.com/obsidian-sync/bridge/pkg/hashindex"
	"github.com/obsidian-sync/bridge/pkg/syncconfig"
	"github.com/obsidian-sync/bridge/pkg/usercontext"
	"github.com/obsidian-sync/bridge/pkg/vaultfs"
)

func newTestDeps(t *testing.T) (Deps, string) {
	root := t.TempDir()
	return Deps{
		FS:               vaultfs.New(root),
		Configs:          syncconfig.New(root),
		Hashes:           hashindex.New(root),
		Creds:            gitcred.New(root),
		MaxFilesPerCycle: 10,
	}, root
}

func withUser(user string) context.Context {
	return usercontext.With(context.Background(), user)
}

func argsRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func text(res *mcp.CallToolResult) string {
	return res.Content[0].(mcp.TextContent).Text
}

func TestConfigureWithoutArgsReturnsStatus(t *testing.T) {
	d, _ := newTestDeps(t)
	configure := configureHandler(d)
	res, err := configure(withUser("alice"), argsRequest(map[string]any{}))
	require.NoError(t, err)
	require.Contains(t, text(res), "not configured")
}

func TestConfigureRejectsPlaceholder(t *testing.T) {
	d, _ := newTestDeps(t)
	configure := configureHandler(d)
	res, err := configure(withUser("alice"), argsRequest(map[string]any{
		"repo_url": "{{OBSIDIAN_REPO_URL}}", "token": "tok",
	}))
	require.NoError(t, err)
	require.True(t, res.IsError)
}

func TestConfigureThenStatusShowsCleanRepoURL(t *testing.T) {
	d, _ := newTestDeps(t)
	configure := configureHandler(d)
	status := statusHandler(d)
	ctx := withUser("alice")

	res, err := configure(ctx, argsRequest(map[string]any{
		"repo_url": "https://github.com/alice/vault.git", "token": "tok123", "branch": "main",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	res, err = status(ctx, argsRequest(map[string]any{}))
	require.NoError(t, err)
	require.Contains(t, text(res), "https://github.com/alice/vault.git")
	require.NotContains(t, text(res), "tok123")
}

func TestResetFailuresClearsCircuitBreaker(t *testing.T) {
	d, _ := newTestDeps(t)
	require.NoError(t, d.Configs.Configure("alice", "https://example.com/a.git", "main"))
	for i := 0; i < 5; i++ {
		require.NoError(t, d.Configs.RecordFailure("alice", context.DeadlineExceeded))
	}
	reset := resetFailuresHandler(d)
	res, err := reset(withUser("alice"), argsRequest(map[string]any{}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	cfg, _, _ := d.Configs.Load("alice")
	require.False(t, cfg.Stopped)
	require.Equal(t, 0, cfg.FailureCount)
}

func TestForceReindexDeletesHashFile(t *testing.T) {
	d, root := newTestDeps(t)
	require.NoError(t, d.Hashes.Set("alice", "/some/path.md", "deadbeef"))
	forceReindex := forceReindexHandler(d)
	res, err := forceReindex(withUser("alice"), argsRequest(map[string]any{}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	_, statErr := os.Stat(filepath.Join(root, "alice", hashindex.FileName))
	require.True(t, os.IsNotExist(statErr))
}

func TestStatusUnauthenticated(t *testing.T) {
	d, _ := newTestDeps(t)
	status := statusHandler(d)
	res, err := status(context.Background(), argsRequest(map[string]any{}))
	require.NoError(t, err)
	require.True(t, res.IsError)
}
