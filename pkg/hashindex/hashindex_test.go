package hashindex

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetLoadRoundTrip(t *testing.T) {
	s := New(t.TempDir())
	require.NoError(t, s.Set("alice", "/storage/alice/obsidian_vault/a.md", MD5Hex([]byte("hello"))))

	m, err := s.Load("alice")
	require.NoError(t, err)
	require.Len(t, m, 1)
	require.Equal(t, MD5Hex([]byte("hello")), m["/storage/alice/obsidian_vault/a.md"])
}

func TestLoadAbsentReturnsEmptyMap(t *testing.T) {
	s := New(t.TempDir())
	m, err := s.Load("nobody")
	require.NoError(t, err)
	require.Empty(t, m)
}

func TestForceReindexDeletesFile(t *testing.T) {
	s := New(t.TempDir())
	require.NoError(t, s.Set("alice", "/p", "abc"))
	require.NoError(t, s.ForceReindex("alice"))
	m, err := s.Load("alice")
	require.NoError(t, err)
	require.Empty(t, m)

	// Idempotent when already absent.
	require.NoError(t, s.ForceReindex("alice"))
}

func TestMD5HexIs32Chars(t *testing.T) {
	require.Len(t, MD5Hex([]byte("x")), 32)
}
