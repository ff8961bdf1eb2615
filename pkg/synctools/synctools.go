// Package synctools registers the MCP tools that configure, inspect, and
// reset a user's sync state: configure, status, reset_failures, and
// force_reindex.
package synctools

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/obsidian-sync/bridge/pkg/gitcred"
	"github.com/obsidian-sync/bridge/pkg/hashindex"
	"github.com/obsidian-sync/bridge/pkg/syncconfig"
	"github.com/obsidian-sync/bridge/pkg/usercontext"
	"github.com/obsidian-sync/bridge/pkg/vaultfs"
)

// Deps bundles every dependency the sync tools need.
type Deps struct {
	FS               *vaultfs.FS
	Configs          *syncconfig.Store
	Hashes           *hashindex.Store
	Creds            *gitcred.Store
	SyncInterval     time.Duration
	MaxFilesPerCycle int
}

// Register mounts every sync tool on s.
func Register(s *server.MCPServer, d Deps) {
	s.AddTool(mcp.NewTool("configure",
		mcp.WithDescription("View or update this user's Git sync configuration. Omit repo_url/token to just see the current status."),
		mcp.WithString("repo_url", mcp.Description("HTTPS Git remote URL, with no embedded credentials")),
		mcp.WithString("token", mcp.Description("Personal access token used to authenticate Git operations")),
		mcp.WithString("branch", mcp.Description("Branch to track (default main)")),
	), configureHandler(d))

	s.AddTool(mcp.NewTool("status",
		mcp.WithDescription("Show this user's sync status: repo, branch, progress, ETA, and circuit-breaker state."),
	), statusHandler(d))

	s.AddTool(mcp.NewTool("reset_failures",
		mcp.WithDescription("Clear the sync failure count and reopen the circuit breaker if it was tripped."),
	), resetFailuresHandler(d))

	s.AddTool(mcp.NewTool("force_reindex",
		mcp.WithDescription("Force every file in the vault to be re-uploaded to the search index on the next sync cycle."),
	), forceReindexHandler(d))
}

func currentUser(ctx context.Context) (string, *mcp.CallToolResult) {
	userID, ok := usercontext.UserID(ctx)
	if !ok {
		return "", mcp.NewToolResultError("Error: unauthenticated")
	}
	return userID, nil
}

func argString(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func configureHandler(d Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		user, errResult := currentUser(ctx)
		if errResult != nil {
			return errResult, nil
		}
		args := request.GetArguments()
		repoURL := argString(args, "repo_url")
		token := argString(args, "token")
		branch := argString(args, "branch")
		if branch == "" {
			branch = "main"
		}

		if repoURL == "" || token == "" {
			return describeStatus(d, user)
		}

		if err := syncconfig.Validate(repoURL, branch); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Error: %s", err)), nil
		}

		if err := d.Creds.Install(ctx, user, repoURL, token); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Error: storing credentials: %s", err)), nil
		}
		if err := d.Configs.Configure(user, repoURL, branch); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Error: %s", err)), nil
		}

		return mcp.NewToolResultText(fmt.Sprintf("Sync configured for %s (branch %s). The next cycle will clone and index your vault.", gitcred.CleanRemoteURL(repoURL), branch)), nil
	}
}

func statusHandler(d Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		user, errResult := currentUser(ctx)
		if errResult != nil {
			return errResult, nil
		}
		return describeStatus(d, user)
	}
}

// describeStatus renders the status block: repo (credential-stripped),
// branch, synced/total progress, an ETA, and the current circuit-breaker
// state.
func describeStatus(d Deps, user string) (*mcp.CallToolResult, error) {
	cfg, ok, err := d.Configs.Load(user)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Error: %s", err)), nil
	}
	if !ok {
		return mcp.NewToolResultText("Sync is not configured for this user. Call configure(repo_url, token) to start."), nil
	}

	total := countMarkdown(d.FS, user)
	hashes, _ := d.Hashes.Load(user)
	synced := countSynced(hashes, total)
	remaining := total - synced
	if remaining < 0 {
		remaining = 0
	}

	maxPerCycle := d.MaxFilesPerCycle
	if maxPerCycle <= 0 {
		maxPerCycle = 10
	}
	interval := d.SyncInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	etaCycles := 0
	if remaining > 0 {
		etaCycles = int(math.Ceil(float64(remaining) / float64(maxPerCycle)))
	}
	eta := time.Duration(etaCycles) * interval

	pct := 100.0
	if total > 0 {
		pct = (float64(synced) / float64(total)) * 100
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Repository: %s (branch %s)\n", gitcred.CleanRemoteURL(cfg.RepoURL), cfg.Branch)
	fmt.Fprintf(&b, "State: %s\n", cfg.State())
	fmt.Fprintf(&b, "Progress: %d/%d (%.1f%%)\n", synced, total, pct)
	if remaining > 0 {
		fmt.Fprintf(&b, "ETA: ~%s\n", eta)
	}
	if cfg.LastSuccess != "" {
		fmt.Fprintf(&b, "Last success: %s\n", cfg.LastSuccess)
	}
	if cfg.Stopped {
		fmt.Fprintf(&b, "Last error: %s (at %s)\n", cfg.LastFailureError, cfg.LastFailure)
	}
	return mcp.NewToolResultText(strings.TrimSpace(b.String())), nil
}

func resetFailuresHandler(d Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		user, errResult := currentUser(ctx)
		if errResult != nil {
			return errResult, nil
		}
		if err := d.Configs.ResetFailures(user); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Error: %s", err)), nil
		}
		return mcp.NewToolResultText("Failure count reset; sync is active again."), nil
	}
}

func forceReindexHandler(d Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		user, errResult := currentUser(ctx)
		if errResult != nil {
			return errResult, nil
		}
		if err := d.Hashes.ForceReindex(user); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Error: %s", err)), nil
		}
		return mcp.NewToolResultText("Hash index cleared; every file will be re-uploaded on the next sync cycle."), nil
	}
}

// countMarkdown walks the vault root counting non-excluded markdown
// files, matching the candidate set the sync worker would index.
func countMarkdown(fs *vaultfs.FS, user string) int {
	total := 0
	var walk func(dir string)
	walk = func(dir string) {
		l, err := fs.List(user, dir)
		if err != nil {
			return
		}
		for _, f := range l.Files {
			if strings.HasSuffix(f.Name, ".md") {
				total++
			}
		}
		for _, sd := range l.Dirs {
			if dir == "" {
				walk(sd.Name)
			} else {
				walk(dir + "/" + sd.Name)
			}
		}
	}
	walk("")
	return total
}

func countSynced(hashes map[string]string, total int) int {
	if total == 0 {
		return 0
	}
	count := len(hashes)
	if count > total {
		count = total
	}
	return count
}
