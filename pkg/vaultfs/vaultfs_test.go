package vaultfs

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/obsidian-sync/bridge/pkg/apperr"
)

func setupVault(t *testing.T) (*FS, string) {
	t.Helper()
	root := t.TempDir()
	fs := New(root)
	require.NoError(t, os.MkdirAll(fs.VaultRoot("alice"), 0o755))
	return fs, root
}

func TestResolveWithinVault(t *testing.T) {
	fs, _ := setupVault(t)
	got, err := fs.Resolve("alice", "notes/a.md")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(fs.VaultRoot("alice"), "notes", "a.md"), got)
}

func TestResolveStripsVaultPrefix(t *testing.T) {
	fs, _ := setupVault(t)
	got, err := fs.Resolve("alice", "obsidian_vault/notes/a.md")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(fs.VaultRoot("alice"), "notes", "a.md"), got)
}

func TestResolveRejectsTraversal(t *testing.T) {
	fs, _ := setupVault(t)
	_, err := fs.Resolve("alice", "../../evil.txt")
	require.ErrorIs(t, err, apperr.ErrPathTraversal)
}

func TestResolveStripsLeadingSlash(t *testing.T) {
	fs, _ := setupVault(t)
	got, err := fs.Resolve("alice", "/notes/a.md")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(fs.VaultRoot("alice"), "notes", "a.md"), got)
}

func TestLockUserIsExclusivePerUser(t *testing.T) {
	fs, _ := setupVault(t)

	unlock := fs.LockUser("alice")
	acquired := make(chan struct{})
	go func() {
		defer close(acquired)
		fs.LockUser("alice")()
	}()

	select {
	case <-acquired:
		t.Fatal("second acquisition succeeded while lock was held")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock was never released to the waiter")
	}

	// A different user's lock is independent.
	fs.LockUser("bob")()
}

func TestExcludedHiddenSegments(t *testing.T) {
	require.True(t, Excluded(".git/config"))
	require.True(t, Excluded("notes/.obsidian/workspace.json"))
	require.False(t, Excluded("notes/a.md"))
}

func TestListMissingDirectory(t *testing.T) {
	fs, _ := setupVault(t)
	_, err := fs.List("alice", "does-not-exist")
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestListExcludesHidden(t *testing.T) {
	fs, _ := setupVault(t)
	vroot := fs.VaultRoot("alice")
	require.NoError(t, os.WriteFile(filepath.Join(vroot, "a.md"), []byte("hi"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(vroot, ".git"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(vroot, "notes"), 0o755))

	listing, err := fs.List("alice", "")
	require.NoError(t, err)
	require.Len(t, listing.Files, 1)
	require.Equal(t, "a.md", listing.Files[0].Name)
	require.Len(t, listing.Dirs, 1)
	require.Equal(t, "notes", listing.Dirs[0].Name)
}
