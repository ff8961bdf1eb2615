// Package gitsync implements the per-user reconcile loop: ensure checkout,
// hidden-file index cleanup, pull with retry, candidate discovery,
// hash-diff filtering, throttled indexing of most-recently-modified files
// first, then commit+push of local edits.
package gitsync

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	gogit "github.com/go-git/go-git/v5"
	gogitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	gogithttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/obsidian-sync/bridge/pkg/apperr"
	"github.com/obsidian-sync/bridge/pkg/gitcred"
	"github.com/obsidian-sync/bridge/pkg/hashindex"
	"github.com/obsidian-sync/bridge/pkg/ragclient"
	"github.com/obsidian-sync/bridge/pkg/syncconfig"
	"github.com/obsidian-sync/bridge/pkg/vaultfs"
)

// Cycle throttle and retry defaults, overridable via Config.
const (
	DefaultMaxFilesPerCycle = 10
	DefaultIndexDelay       = 500 * time.Millisecond
	maxNetworkRetries       = 3
	// networkAttempts is the first try plus maxNetworkRetries retries.
	networkAttempts = maxNetworkRetries + 1
)

// Config parameterizes one Syncer with the cycle throttles.
type Config struct {
	MaxFilesPerCycle int
	IndexDelay       time.Duration
}

// DefaultConfig returns the standard throttle settings.
func DefaultConfig() Config {
	return Config{MaxFilesPerCycle: DefaultMaxFilesPerCycle, IndexDelay: DefaultIndexDelay}
}

// Syncer drives the reconcile loop for one storage root, shared across users.
type Syncer struct {
	fs     *vaultfs.FS
	creds  *gitcred.Store
	hashes *hashindex.Store
	rag    ragclient.Client
	cfg    Config
}

// New returns a Syncer. rag may be any implementation of ragclient.Client
// (the real HTTP client or a test fake).
func New(fs *vaultfs.FS, creds *gitcred.Store, hashes *hashindex.Store, rag ragclient.Client, cfg Config) *Syncer {
	if cfg.MaxFilesPerCycle <= 0 {
		cfg.MaxFilesPerCycle = DefaultMaxFilesPerCycle
	}
	if cfg.IndexDelay <= 0 {
		cfg.IndexDelay = DefaultIndexDelay
	}
	return &Syncer{fs: fs, creds: creds, hashes: hashes, rag: rag, cfg: cfg}
}

// Result summarizes one completed cycle for the scheduler.
type Result struct {
	FilesIndexed int
	Pushed       bool
}

// Sync runs one full reconcile for one user against their SyncConfig.
// Steps within a cycle are strictly sequential.
func (s *Syncer) Sync(ctx context.Context, user string, cfg syncconfig.Config) (Result, error) {
	var res Result
	vaultRoot := s.fs.VaultRoot(user)

	// Serialize the whole cycle against gateway tool calls touching the
	// same vault and working tree.
	defer s.fs.LockUser(user)()

	if err := s.ensureCheckout(ctx, user, cfg, vaultRoot); err != nil {
		return res, apperr.Wrap(apperr.ErrGit, "ensure checkout: "+err.Error())
	}

	// Cleanup failures are non-fatal to the cycle; the next cycle retries.
	_ = s.cleanupHiddenIndexed(ctx, user, vaultRoot)

	if err := s.pullWithRetry(ctx, user, cfg, vaultRoot); err != nil {
		return res, apperr.Wrap(apperr.ErrGit, "pull: "+err.Error())
	}

	candidates, err := s.discoverCandidates(ctx, vaultRoot)
	if err != nil {
		return res, apperr.Wrap(apperr.ErrGit, "discover candidates: "+err.Error())
	}

	changed, err := s.filterChanged(user, candidates)
	if err != nil {
		return res, err
	}

	sort.Slice(changed, func(i, j int) bool { return changed[i].modTime.After(changed[j].modTime) })

	if len(changed) > s.cfg.MaxFilesPerCycle {
		changed = changed[:s.cfg.MaxFilesPerCycle]
	}

	for i, c := range changed {
		if i > 0 {
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			case <-time.After(s.cfg.IndexDelay):
			}
		}
		if err := s.indexFile(ctx, user, vaultRoot, c); err != nil {
			// A single file's indexing failure (after retries) is skipped
			// without being logged; it remains unhashed so the next cycle
			// retries it.
			continue
		}
		res.FilesIndexed++
	}

	pushed, err := s.pushIfDirty(ctx, user, cfg, vaultRoot)
	if err != nil {
		return res, apperr.Wrap(apperr.ErrGit, "push: "+err.Error())
	}
	res.Pushed = pushed

	return res, nil
}

// ensureCheckout clones if the checkout is absent, else opens the repo
// and refreshes the origin URL.
func (s *Syncer) ensureCheckout(ctx context.Context, user string, cfg syncconfig.Config, vaultRoot string) error {
	cleanURL := gitcred.CleanRemoteURL(cfg.RepoURL)
	auth := s.authFor(ctx, user, cleanURL)

	if _, err := os.Stat(filepath.Join(vaultRoot, ".git")); err != nil {
		if err := os.MkdirAll(filepath.Dir(vaultRoot), 0o755); err != nil {
			return err
		}
		_, err := gogit.PlainCloneContext(ctx, vaultRoot, false, &gogit.CloneOptions{
			URL:           cleanURL,
			Auth:          auth,
			ReferenceName: plumbing.NewBranchReferenceName(branchOrDefault(cfg.Branch)),
			SingleBranch:  true,
		})
		return err
	}

	repo, err := gogit.PlainOpen(vaultRoot)
	if err != nil {
		return err
	}
	return ensureRemoteURL(repo, cleanURL)
}

func branchOrDefault(branch string) string {
	if branch == "" {
		return "main"
	}
	return branch
}

func ensureRemoteURL(repo *gogit.Repository, desiredURL string) error {
	remote, err := repo.Remote("origin")
	if err != nil {
		if _, createErr := repo.CreateRemote(&gogitconfig.RemoteConfig{Name: "origin", URLs: []string{desiredURL}}); createErr != nil {
			return createErr
		}
		return nil
	}
	urls := remote.Config().URLs
	if len(urls) > 0 && urls[0] == desiredURL {
		return nil
	}
	if err := repo.DeleteRemote("origin"); err != nil {
		return err
	}
	_, err = repo.CreateRemote(&gogitconfig.RemoteConfig{Name: "origin", URLs: []string{desiredURL}})
	return err
}

// authFor builds the go-git auth method from the credential store;
// credentials flow only through gitcred, never embedded in the remote URL.
func (s *Syncer) authFor(ctx context.Context, user, repoURL string) *gogithttp.BasicAuth {
	token, ok := s.creds.Lookup(ctx, user, repoURL)
	if !ok || token == "" {
		return nil
	}
	return &gogithttp.BasicAuth{Username: "x-access-token", Password: token}
}

// cleanupHiddenIndexed deletes from the vector DB any previously-indexed
// markdown files that now live under a hidden segment.
func (s *Syncer) cleanupHiddenIndexed(ctx context.Context, user, vaultRoot string) error {
	return filepath.WalkDir(vaultRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if !strings.HasSuffix(path, ".md") {
			return nil
		}
		rel, relErr := filepath.Rel(vaultRoot, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if !vaultfs.Excluded(rel) {
			return nil
		}
		fileID := ragclient.FileID(user, rel)
		_ = s.rag.Delete(ctx, fileID)
		return nil
	})
}

// pullWithRetry pulls the tracked branch, retrying up to 3 times with 1s/2s/4s backoff.
func (s *Syncer) pullWithRetry(ctx context.Context, user string, cfg syncconfig.Config, vaultRoot string) error {
	repo, err := gogit.PlainOpen(vaultRoot)
	if err != nil {
		return err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return err
	}
	auth := s.authFor(ctx, user, gitcred.CleanRemoteURL(cfg.RepoURL))

	return withBackoff(ctx, networkAttempts, func() error {
		err := wt.PullContext(ctx, &gogit.PullOptions{
			RemoteName:    "origin",
			ReferenceName: plumbing.NewBranchReferenceName(branchOrDefault(cfg.Branch)),
			Auth:          auth,
			Force:         true,
		})
		if err == gogit.NoErrAlreadyUpToDate || err == nil {
			return nil
		}
		return err
	})
}

type candidateFile struct {
	absPath string
	relPath string
	modTime time.Time
}

// discoverCandidates prefers `git ls-files` (fast, respects .gitignore)
// and falls back to a filesystem walk on error. Hidden-segment paths are
// excluded.
func (s *Syncer) discoverCandidates(ctx context.Context, vaultRoot string) ([]candidateFile, error) {
	rels, err := lsFilesMarkdown(ctx, vaultRoot)
	if err != nil {
		rels, err = walkMarkdown(vaultRoot)
		if err != nil {
			return nil, err
		}
	}

	var out []candidateFile
	for _, rel := range rels {
		if vaultfs.Excluded(rel) {
			continue
		}
		abs := filepath.Join(vaultRoot, filepath.FromSlash(rel))
		info, statErr := os.Stat(abs)
		if statErr != nil {
			continue
		}
		out = append(out, candidateFile{absPath: abs, relPath: rel, modTime: info.ModTime()})
	}
	return out, nil
}

func lsFilesMarkdown(ctx context.Context, vaultRoot string) ([]string, error) {
	cmd := exec.CommandContext(ctx, "git", "ls-files", "-z", "-c", "-o", "--exclude-standard", "*.md")
	cmd.Dir = vaultRoot
	out, err := cmd.Output()
	if err != nil {
		return nil, err
	}
	var rels []string
	for _, part := range strings.Split(string(out), "\x00") {
		if part == "" {
			continue
		}
		rels = append(rels, filepath.ToSlash(part))
	}
	return rels, nil
}

func walkMarkdown(vaultRoot string) ([]string, error) {
	var rels []string
	err := filepath.WalkDir(vaultRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if !strings.HasSuffix(path, ".md") {
			return nil
		}
		rel, relErr := filepath.Rel(vaultRoot, path)
		if relErr != nil {
			return nil
		}
		rels = append(rels, filepath.ToSlash(rel))
		return nil
	})
	return rels, err
}

// filterChanged keeps only candidates whose MD5 content hash differs
// from (or is absent from) sync_hashes.json.
func (s *Syncer) filterChanged(user string, candidates []candidateFile) ([]candidateFile, error) {
	hashes, err := s.hashes.Load(user)
	if err != nil {
		return nil, err
	}
	var changed []candidateFile
	for _, c := range candidates {
		content, err := os.ReadFile(c.absPath)
		if err != nil {
			continue
		}
		sum := hashindex.MD5Hex(content)
		if hashes[c.absPath] != sum {
			changed = append(changed, c)
		}
	}
	return changed, nil
}

// indexFile uploads one file to the RAG service (delete-then-post, with
// retry), recording the new content hash on success.
func (s *Syncer) indexFile(ctx context.Context, user, vaultRoot string, c candidateFile) error {
	content, err := os.ReadFile(c.absPath)
	if err != nil {
		return err
	}
	fileID := ragclient.FileID(user, c.relPath)

	_ = s.rag.Delete(ctx, fileID)

	metadata := map[string]any{
		"user_id":    user,
		"filename":   vaultfs.VaultDirName + "/" + c.relPath,
		"updated_at": time.Now().UTC().Format(time.RFC3339),
		"source":     "obsidian-git-sync",
	}

	err = withBackoff(ctx, networkAttempts, func() error {
		return s.rag.Embed(ctx, fileID, string(content), metadata)
	})
	if err != nil {
		return err
	}

	return s.hashes.Set(user, c.absPath, hashindex.MD5Hex(content))
}

// pushIfDirty commits and pushes if the working tree has any changes,
// including untracked files.
func (s *Syncer) pushIfDirty(ctx context.Context, user string, cfg syncconfig.Config, vaultRoot string) (bool, error) {
	repo, err := gogit.PlainOpen(vaultRoot)
	if err != nil {
		return false, err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return false, err
	}
	status, err := wt.Status()
	if err != nil {
		return false, err
	}
	if status.IsClean() {
		return false, nil
	}

	if _, err := wt.Add("."); err != nil {
		return false, err
	}

	msg := fmt.Sprintf("Sync from LibreChat: %s", time.Now().UTC().Format(time.RFC3339))
	if _, err := wt.Commit(msg, &gogit.CommitOptions{
		Author: &object.Signature{
			Name:  "obsidian-sync-bridge",
			Email: "sync@obsidian-sync.local",
			When:  time.Now(),
		},
	}); err != nil {
		return false, err
	}

	auth := s.authFor(ctx, user, gitcred.CleanRemoteURL(cfg.RepoURL))
	err = withBackoff(ctx, networkAttempts, func() error {
		err := repo.PushContext(ctx, &gogit.PushOptions{RemoteName: "origin", Auth: auth})
		if err == gogit.NoErrAlreadyUpToDate || err == nil {
			return nil
		}
		return err
	})
	return err == nil, err
}

// CommitFile commits and pushes a single file change, used by the vault
// tools for the best-effort per-file commit-push after a write or delete.
// Failures are for the caller to log and swallow, never to fail the tool
// call, since the next worker cycle reconciles anyway. The caller already
// holds the user's vault lock.
func (s *Syncer) CommitFile(ctx context.Context, user string, cfg syncconfig.Config, relPath, verb string) error {
	vaultRoot := s.fs.VaultRoot(user)
	repo, err := gogit.PlainOpen(vaultRoot)
	if err != nil {
		return err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return err
	}

	if _, err := wt.Add(relPath); err != nil {
		return err
	}

	status, err := wt.Status()
	if err != nil {
		return err
	}
	if status.IsClean() {
		return nil
	}

	msg := fmt.Sprintf("%s %s via LibreChat", verb, relPath)
	if _, err := wt.Commit(msg, &gogit.CommitOptions{
		Author: &object.Signature{
			Name:  "obsidian-sync-bridge",
			Email: "sync@obsidian-sync.local",
			When:  time.Now(),
		},
	}); err != nil {
		return err
	}

	auth := s.authFor(ctx, user, gitcred.CleanRemoteURL(cfg.RepoURL))
	return withBackoff(ctx, networkAttempts, func() error {
		err := repo.PushContext(ctx, &gogit.PushOptions{RemoteName: "origin", Auth: auth})
		if err == gogit.NoErrAlreadyUpToDate || err == nil {
			return nil
		}
		return err
	})
}

// withBackoff calls fn up to attempts times in total, waiting with
// exponential backoff between calls starting at 1s (1s, 2s, 4s, ...).
func withBackoff(ctx context.Context, attempts int, fn func() error) error {
	var lastErr error
	delay := time.Second
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	return lastErr
}
