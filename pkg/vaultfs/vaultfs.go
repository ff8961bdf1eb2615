// Package vaultfs owns the per-user directory layout: path-traversal-safe
// name resolution, hidden-file exclusion, directory listing, and the
// per-user lock serializing vault mutation between the tool surface and
// the background sync worker.
package vaultfs

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/obsidian-sync/bridge/pkg/apperr"
)

// VaultDirName is the fixed subdirectory name holding a user's Git checkout.
const VaultDirName = "obsidian_vault"

// FS resolves names against a storage root shared by every user.
type FS struct {
	root  string
	locks sync.Map // user id → *sync.Mutex
}

// New returns an FS rooted at root (typically Config.StorageRoot).
func New(root string) *FS {
	return &FS{root: root}
}

// LockUser acquires the exclusive lock covering one user's vault files and
// Git working tree. Tool handlers hold it for the duration of a call; the
// worker holds it for a whole reconcile cycle. Contention waits rather
// than failing. The returned func releases the lock.
func (f *FS) LockUser(user string) func() {
	v, _ := f.locks.LoadOrStore(user, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// UserDir returns root/user.
func (f *FS) UserDir(user string) string {
	return filepath.Join(f.root, user)
}

// VaultRoot returns root/user/obsidian_vault. The directory itself is
// created lazily by the first write, clone, or listing of the vault root.
func (f *FS) VaultRoot(user string) string {
	return filepath.Join(f.UserDir(user), VaultDirName)
}

// Resolve maps a caller-supplied vault-relative name to an absolute path
// inside the user's vault root. Leading slashes are stripped; a redundant
// "obsidian_vault/" prefix is tolerated and stripped once. Any attempt to
// escape the vault root fails with apperr.ErrPathTraversal.
func (f *FS) Resolve(user, name string) (string, error) {
	vaultRoot := f.VaultRoot(user)

	cleaned := strings.TrimSpace(name)
	cleaned = strings.TrimPrefix(cleaned, "/")
	cleaned = strings.TrimPrefix(cleaned, VaultDirName+"/")
	if filepath.IsAbs(cleaned) {
		return "", apperr.ErrPathTraversal
	}

	cleaned = filepath.Clean(cleaned)
	if cleaned == "" || cleaned == "." {
		return "", apperr.Wrap(apperr.ErrValidation, "name cannot be empty")
	}

	absVaultRoot, err := filepath.Abs(vaultRoot)
	if err != nil {
		return "", err
	}

	joined := filepath.Join(absVaultRoot, filepath.FromSlash(cleaned))
	absJoined, err := filepath.Abs(joined)
	if err != nil {
		return "", err
	}

	if absJoined != absVaultRoot && !strings.HasPrefix(absJoined, absVaultRoot+string(filepath.Separator)) {
		return "", apperr.ErrPathTraversal
	}

	return absJoined, nil
}

// RelativePath returns the forward-slash vault-relative path for an
// absolute path previously produced by Resolve.
func (f *FS) RelativePath(user, absPath string) (string, error) {
	vaultRoot := f.VaultRoot(user)
	absVaultRoot, err := filepath.Abs(vaultRoot)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(absVaultRoot, absPath)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

// hiddenSegmentPatterns are the doublestar glob forms of "any path segment
// starts with a dot".
var hiddenSegmentPatterns = []string{".*", "**/.*", "**/.*/**"}

// Excluded reports whether relPath (forward-slash, vault-relative) should be
// hidden from listings, indexing, and search results: any path segment
// starting with "." is excluded (this naturally covers .git and .obsidian).
func Excluded(relPath string) bool {
	relPath = strings.TrimPrefix(relPath, "./")
	for _, pattern := range hiddenSegmentPatterns {
		if ok, _ := doublestar.Match(pattern, relPath); ok {
			return true
		}
	}
	return false
}

// FileInfo describes one listed file.
type FileInfo struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// DirInfo describes one listed subdirectory with recursive counts.
type DirInfo struct {
	Name      string
	FileCount int
	DirCount  int
}

// Listing is the result of listing one directory.
type Listing struct {
	Files []FileInfo
	Dirs  []DirInfo
}

// List enumerates the immediate contents of the vault-relative directory
// "dir" (empty string means the vault root), excluding hidden entries.
// Subdirectory counts are computed recursively. Listing a missing directory
// fails with apperr.ErrNotFound.
func (f *FS) List(user, dir string) (Listing, error) {
	var absDir string
	var err error
	if strings.TrimSpace(dir) == "" {
		// The vault root is created lazily; listing it before any write
		// yields an empty listing rather than NotFound.
		absDir = f.VaultRoot(user)
		if err := os.MkdirAll(absDir, 0o755); err != nil {
			return Listing{}, err
		}
	} else {
		absDir, err = f.Resolve(user, dir)
		if err != nil {
			return Listing{}, err
		}
	}

	entries, err := readDirSorted(absDir)
	if err != nil {
		return Listing{}, apperr.Wrap(apperr.ErrNotFound, "directory '"+dir+"' not found")
	}

	var out Listing
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		full := filepath.Join(absDir, e.Name())
		if e.IsDir() {
			fc, dc := countRecursive(full)
			out.Dirs = append(out.Dirs, DirInfo{Name: e.Name(), FileCount: fc, DirCount: dc})
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out.Files = append(out.Files, FileInfo{Name: e.Name(), Size: info.Size(), ModTime: info.ModTime().UTC()})
	}
	return out, nil
}

func countRecursive(dir string) (files, dirs int) {
	entries, err := readDirSorted(dir)
	if err != nil {
		return 0, 0
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if e.IsDir() {
			dirs++
			subFiles, subDirs := countRecursive(filepath.Join(dir, e.Name()))
			files += subFiles
			dirs += subDirs
			continue
		}
		files++
	}
	return files, dirs
}

func readDirSorted(dir string) ([]os.DirEntry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	return entries, nil
}
