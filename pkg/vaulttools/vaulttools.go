// Package vaulttools registers the MCP tools operating on a caller's
// vault: upload_file, read_file, modify_file, delete_file, list_files,
// create_note, and search_files. Tools return human-readable strings;
// failures come back as strings beginning with "Error:" so MCP callers
// can present them to the model.
package vaulttools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/obsidian-sync/bridge/pkg/apperr"
	"github.com/obsidian-sync/bridge/pkg/gitsync"
	"github.com/obsidian-sync/bridge/pkg/ragclient"
	"github.com/obsidian-sync/bridge/pkg/syncconfig"
	"github.com/obsidian-sync/bridge/pkg/usercontext"
	"github.com/obsidian-sync/bridge/pkg/vaultfs"
	"github.com/obsidian-sync/bridge/pkg/vectorquery"
)

// Logger is the narrow logging surface the vault tools need, for failures
// that are swallowed rather than surfaced to the caller.
type Logger interface {
	Errorf(format string, args ...any)
	Infof(format string, args ...any)
}

// Deps bundles every dependency the vault tools need; there are no
// package-level singletons.
type Deps struct {
	FS      *vaultfs.FS
	RAG     ragclient.Client
	Search  *vectorquery.Querier
	Syncer  *gitsync.Syncer
	Configs *syncconfig.Store
	Log     Logger
}

// Register mounts every vault tool on s.
func Register(s *server.MCPServer, d Deps) {
	s.AddTool(mcp.NewTool("upload_file",
		mcp.WithDescription("Upload a new note into the vault, index it for semantic search, and commit it to the user's Git repository."),
		mcp.WithString("filename", mcp.Required(), mcp.Description("Vault-relative path for the new file, e.g. notes/ideas.md")),
		mcp.WithString("content", mcp.Required(), mcp.Description("Full markdown content of the file")),
	), uploadFileHandler(d))

	s.AddTool(mcp.NewTool("read_file",
		mcp.WithDescription("Read the contents of a file in the vault."),
		mcp.WithString("filename", mcp.Required(), mcp.Description("Vault-relative path of the file to read")),
	), readFileHandler(d))

	s.AddTool(mcp.NewTool("modify_file",
		mcp.WithDescription("Overwrite an existing file's content, reindex it, and commit the change."),
		mcp.WithString("filename", mcp.Required(), mcp.Description("Vault-relative path of the file to modify")),
		mcp.WithString("content", mcp.Required(), mcp.Description("New full content for the file")),
	), modifyFileHandler(d))

	s.AddTool(mcp.NewTool("delete_file",
		mcp.WithDescription("Delete a file from the vault, remove it from the search index, and commit the deletion."),
		mcp.WithString("filename", mcp.Required(), mcp.Description("Vault-relative path of the file to delete")),
	), deleteFileHandler(d))

	s.AddTool(mcp.NewTool("list_files",
		mcp.WithDescription("List files and subdirectories under a vault directory. Hidden files (.git, .obsidian, dotfiles) are never shown."),
		mcp.WithString("directory", mcp.Description("Vault-relative directory to list; empty or omitted lists the vault root")),
	), listFilesHandler(d))

	s.AddTool(mcp.NewTool("create_note",
		mcp.WithDescription("Create a new note titled `title`, with an auto-generated filename and a level-1 heading."),
		mcp.WithString("title", mcp.Required(), mcp.Description("Note title; used to derive the filename and heading")),
		mcp.WithString("content", mcp.Description("Body content to place below the heading")),
	), createNoteHandler(d))

	s.AddTool(mcp.NewTool("search_files",
		mcp.WithDescription("Semantic search across the user's vault using vector similarity. Returns the most relevant notes with relevance scores and excerpts."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Natural-language search query")),
		mcp.WithNumber("k", mcp.Description("Number of results to return (default 5)"), mcp.Min(1)),
	), searchFilesHandler(d))
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

func toolError(err error) *mcp.CallToolResult {
	switch {
	case apperr.Is(err, apperr.ErrPathTraversal):
		return mcp.NewToolResultError("Error: path traversal detected, name must remain within the vault")
	case apperr.Is(err, apperr.ErrNotFound):
		return mcp.NewToolResultError(fmt.Sprintf("Error: %s", err.Error()))
	default:
		return mcp.NewToolResultError(fmt.Sprintf("Error: %s", err.Error()))
	}
}

func uploadFileHandler(d Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		user, errResult := currentUser(ctx)
		if errResult != nil {
			return errResult, nil
		}
		args := request.GetArguments()
		filename := argString(args, "filename")
		content := argString(args, "content")
		if filename == "" {
			return mcp.NewToolResultError("Error: filename is required"), nil
		}

		defer d.FS.LockUser(user)()

		abs, err := d.FS.Resolve(user, filename)
		if err != nil {
			return toolError(err), nil
		}
		if _, statErr := os.Stat(abs); statErr == nil {
			return mcp.NewToolResultError(fmt.Sprintf("Error: file '%s' already exists", filename)), nil
		}

		if err := writeFile(abs, content); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Error: writing file: %s", err)), nil
		}

		relPath, _ := d.FS.RelativePath(user, abs)
		if err := indexFile(ctx, d, user, relPath, content); err != nil {
			_ = os.Remove(abs)
			return mcp.NewToolResultError(fmt.Sprintf("Error: indexing failed, upload rolled back: %s", err)), nil
		}

		bestEffortCommit(ctx, d, user, relPath, "Create")

		return mcp.NewToolResultText(fmt.Sprintf("Successfully uploaded %s (%d bytes)", filename, len(content))), nil
	}
}

func readFileHandler(d Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		user, errResult := currentUser(ctx)
		if errResult != nil {
			return errResult, nil
		}
		filename := argString(request.GetArguments(), "filename")

		defer d.FS.LockUser(user)()

		abs, err := d.FS.Resolve(user, filename)
		if err != nil {
			return toolError(err), nil
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Error: File '%s' not found", filename)), nil
		}
		return mcp.NewToolResultText(string(data)), nil
	}
}

func modifyFileHandler(d Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		user, errResult := currentUser(ctx)
		if errResult != nil {
			return errResult, nil
		}
		args := request.GetArguments()
		filename := argString(args, "filename")
		content := argString(args, "content")

		defer d.FS.LockUser(user)()

		abs, err := d.FS.Resolve(user, filename)
		if err != nil {
			return toolError(err), nil
		}
		if _, statErr := os.Stat(abs); statErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Error: File '%s' not found", filename)), nil
		}

		if err := writeFile(abs, content); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Error: writing file: %s", err)), nil
		}

		relPath, _ := d.FS.RelativePath(user, abs)
		if err := indexFile(ctx, d, user, relPath, content); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Error: reindexing failed: %s", err)), nil
		}

		bestEffortCommit(ctx, d, user, relPath, "Update")

		return mcp.NewToolResultText(fmt.Sprintf("Successfully modified %s", filename)), nil
	}
}

func deleteFileHandler(d Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		user, errResult := currentUser(ctx)
		if errResult != nil {
			return errResult, nil
		}
		filename := argString(request.GetArguments(), "filename")

		defer d.FS.LockUser(user)()

		abs, err := d.FS.Resolve(user, filename)
		if err != nil {
			return toolError(err), nil
		}
		if _, statErr := os.Stat(abs); statErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Error: File '%s' not found", filename)), nil
		}

		relPath, _ := d.FS.RelativePath(user, abs)
		fileID := ragclient.FileID(user, relPath)
		// Index-removal failures are logged and don't block the delete; the
		// removal is not retried later.
		if err := d.RAG.Delete(ctx, fileID); err != nil && d.Log != nil {
			d.Log.Errorf("removing %s from search index for %s: %v", relPath, user, err)
		}

		if err := os.Remove(abs); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Error: removing file: %s", err)), nil
		}

		bestEffortCommit(ctx, d, user, relPath, "Delete")

		return mcp.NewToolResultText(fmt.Sprintf("Successfully deleted %s", filename)), nil
	}
}

func listFilesHandler(d Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		user, errResult := currentUser(ctx)
		if errResult != nil {
			return errResult, nil
		}
		directory := argString(request.GetArguments(), "directory")

		defer d.FS.LockUser(user)()

		listing, err := d.FS.List(user, directory)
		if err != nil {
			return toolError(err), nil
		}

		if len(listing.Files) == 0 && len(listing.Dirs) == 0 {
			return mcp.NewToolResultText("No items found. Try search_files to discover notes semantically."), nil
		}

		sort.Slice(listing.Dirs, func(i, j int) bool { return listing.Dirs[i].Name < listing.Dirs[j].Name })
		sort.Slice(listing.Files, func(i, j int) bool { return listing.Files[i].Name < listing.Files[j].Name })

		var b strings.Builder
		for _, dir := range listing.Dirs {
			fmt.Fprintf(&b, "📁 %s/ (%d files, %d subdirs)\n", dir.Name, dir.FileCount, dir.DirCount)
		}
		for _, f := range listing.Files {
			fmt.Fprintf(&b, "📄 %s (%d bytes, modified %s)\n", f.Name, f.Size, f.ModTime.Format("2006-01-02T15:04:05Z"))
		}
		b.WriteString("\nTip: use search_files for semantic discovery across the whole vault.")
		return mcp.NewToolResultText(b.String()), nil
	}
}

var titleSanitizeRe = regexp.MustCompile(`[^\w\s-]`)

// sanitizeTitle derives a filename from a note title: strip everything
// but word/space/dash characters, trim, then turn each space into an
// underscore. Runs of spaces map to runs of underscores.
func sanitizeTitle(title string) string {
	cleaned := titleSanitizeRe.ReplaceAllString(title, "")
	cleaned = strings.TrimSpace(cleaned)
	return strings.ReplaceAll(cleaned, " ", "_")
}

func createNoteHandler(d Deps) server.ToolHandlerFunc {
	upload := uploadFileHandler(d)
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		title := argString(args, "title")
		if title == "" {
			return mcp.NewToolResultError("Error: title is required"), nil
		}
		body := argString(args, "content")

		filename := sanitizeTitle(title) + ".md"
		content := fmt.Sprintf("# %s\n\n%s", title, body)

		delegated := mcp.CallToolRequest{}
		delegated.Params.Arguments = map[string]any{"filename": filename, "content": content}
		return upload(ctx, delegated)
	}
}

func searchFilesHandler(d Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		user, errResult := currentUser(ctx)
		if errResult != nil {
			return errResult, nil
		}
		args := request.GetArguments()
		query := argString(args, "query")
		if query == "" {
			return mcp.NewToolResultError("Error: query is required"), nil
		}
		k := 5
		if kv, ok := args["k"].(float64); ok && kv > 0 {
			k = int(kv)
		}

		vec, err := d.RAG.EmbedQuery(ctx, query)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Error: embedding query: %s", err)), nil
		}

		results, err := d.Search.Search(ctx, user, vec, k)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Error: search failed: %s", err)), nil
		}
		if len(results) == 0 {
			return mcp.NewToolResultText("No matching notes found."), nil
		}

		var b strings.Builder
		for _, r := range results {
			fmt.Fprintf(&b, "%s (relevance: %.3f)\n%s\n\n", r.Filename, round3(r.Similarity), r.Excerpt)
		}
		return mcp.NewToolResultText(strings.TrimSpace(b.String())), nil
	}
}

func round3(v float64) float64 {
	return float64(int(v*1000+0.5)) / 1000
}

func writeFile(abs, content string) error {
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}
	return os.WriteFile(abs, []byte(content), 0o644)
}

// indexFile uploads relPath's content to the RAG service with the same
// delete-then-post contract, file_id and filename metadata the sync worker
// uses. Unlike the worker it makes a single embed attempt and sends no
// updated_at field.
func indexFile(ctx context.Context, d Deps, user, relPath, content string) error {
	fileID := ragclient.FileID(user, relPath)
	_ = d.RAG.Delete(ctx, fileID)
	return d.RAG.Embed(ctx, fileID, content, map[string]any{
		"user_id":  user,
		"filename": vaultfs.VaultDirName + "/" + relPath,
		"source":   "obsidian-git-sync",
	})
}

// bestEffortCommit invokes the single-file commit+push if sync is
// configured and not circuit-broken. Failures are logged but never fail
// the tool call; the next worker cycle reconciles.
func bestEffortCommit(ctx context.Context, d Deps, user, relPath, verb string) {
	cfg, ok, err := d.Configs.Load(user)
	if err != nil {
		if d.Log != nil {
			d.Log.Errorf("loading sync config for %s: %v", user, err)
		}
		return
	}
	if !ok || cfg.Stopped || cfg.RepoURL == "" {
		return
	}
	if err := d.Syncer.CommitFile(ctx, user, cfg, relPath, verb); err != nil && d.Log != nil {
		d.Log.Errorf("committing %s for %s: %v", relPath, user, err)
	}
}
