// Command gateway serves the OAuth + MCP HTTP surface: /authorize,
// /token, /health, /metrics, and the bearer-authenticated /mcp tool-call
// endpoint.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/obsidian-sync/bridge/pkg/authgateway"
	"github.com/obsidian-sync/bridge/pkg/config"
	"github.com/obsidian-sync/bridge/pkg/gitcred"
	"github.com/obsidian-sync/bridge/pkg/gitsync"
	"github.com/obsidian-sync/bridge/pkg/hashindex"
	"github.com/obsidian-sync/bridge/pkg/identity"
	"github.com/obsidian-sync/bridge/pkg/logging"
	"github.com/obsidian-sync/bridge/pkg/metrics"
	"github.com/obsidian-sync/bridge/pkg/ragclient"
	"github.com/obsidian-sync/bridge/pkg/synctools"
	"github.com/obsidian-sync/bridge/pkg/syncconfig"
	"github.com/obsidian-sync/bridge/pkg/vaulttools"
	"github.com/obsidian-sync/bridge/pkg/vaultfs"
	"github.com/obsidian-sync/bridge/pkg/vectorquery"
)

var (
	jsonLogs bool
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Serve the OAuth-gated MCP bridge for multi-tenant Obsidian vault sync",
	RunE:  run,
}

func main() {
	rootCmd.Flags().BoolVar(&jsonLogs, "json-logs", true, "emit structured JSON logs instead of a console writer")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "zerolog level: debug, info, warn, error")
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	base := logging.Init(jsonLogs, logLevel)
	log := logging.WithComponent(base, "gateway")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DSN())
	if err != nil {
		return fmt.Errorf("connecting to vector db: %w", err)
	}
	defer pool.Close()

	reg := metrics.New("obsidian_sync")

	users := identity.NewStore()
	fs := vaultfs.New(cfg.StorageRoot)
	creds := gitcred.New(cfg.StorageRoot)
	configs := syncconfig.New(cfg.StorageRoot)
	hashes := hashindex.New(cfg.StorageRoot)
	search := vectorquery.New(vectorquery.NewPgxPool(pool), fs)
	rag := ragclient.New(cfg.RAGAPIURL, cfg.RAGAPIJWTSecret, search)
	syncer := gitsync.New(fs, creds, hashes, rag, gitsync.Config{
		MaxFilesPerCycle: cfg.MaxFilesPerCycle,
		IndexDelay:       cfg.IndexDelay,
	})

	mcpServer := server.NewMCPServer("obsidian-sync-bridge", "v1.0.0",
		server.WithToolCapabilities(false),
		server.WithInstructions("Tools to read, write, search, and sync notes in the caller's private Obsidian vault."),
	)
	vaulttools.Register(mcpServer, vaulttools.Deps{FS: fs, RAG: rag, Search: search, Syncer: syncer, Configs: configs, Log: log})
	synctools.Register(mcpServer, synctools.Deps{
		FS: fs, Configs: configs, Hashes: hashes, Creds: creds,
		SyncInterval: cfg.SyncInterval, MaxFilesPerCycle: cfg.MaxFilesPerCycle,
	})

	gw := authgateway.New(users, configs, reg, log, mcpServer)

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           gw.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("gateway listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Infof("shutting down gateway")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
