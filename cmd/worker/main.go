// Command worker runs the background reconcile loop: on a fixed interval
// it walks every configured user's storage directory and drives gitsync,
// exposing only /metrics and a /healthz liveness endpoint. HTTP tool
// dispatch is the gateway's job.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/obsidian-sync/bridge/pkg/config"
	"github.com/obsidian-sync/bridge/pkg/gitcred"
	"github.com/obsidian-sync/bridge/pkg/gitsync"
	"github.com/obsidian-sync/bridge/pkg/hashindex"
	"github.com/obsidian-sync/bridge/pkg/logging"
	"github.com/obsidian-sync/bridge/pkg/metrics"
	"github.com/obsidian-sync/bridge/pkg/ragclient"
	"github.com/obsidian-sync/bridge/pkg/scheduler"
	"github.com/obsidian-sync/bridge/pkg/syncconfig"
	"github.com/obsidian-sync/bridge/pkg/vaultfs"
	"github.com/obsidian-sync/bridge/pkg/vectorquery"
)

var (
	jsonLogs    bool
	logLevel    string
	metricsPort int
)

var rootCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the background Git sync reconcile loop for every configured user",
	RunE:  run,
}

func main() {
	rootCmd.Flags().BoolVar(&jsonLogs, "json-logs", true, "emit structured JSON logs instead of a console writer")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "zerolog level: debug, info, warn, error")
	rootCmd.Flags().IntVar(&metricsPort, "metrics-port", 9090, "port to serve /metrics on")
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
	log := logging.WithComponent(base, "worker")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DSN())
	if err != nil {
		return fmt.Errorf("connecting to vector db: %w", err)
	}
	defer pool.Close()

	reg := metrics.New("obsidian_sync")

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

	sched := scheduler.New(cfg.StorageRoot, cfg.SyncInterval, cfg.MaxConcurrentUsers, configs, creds, syncer, reg, log)

	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":               "healthy",
			"service":              "obsidian-sync-worker",
			"last_cycle_timestamp": sched.LastCycleUnix(),
			"active_users":         sched.ActiveUserCount(),
		})
	})

	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", metricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Infof("worker metrics/health listening on %s", metricsSrv.Addr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("metrics server failed: %v", err)
		}
	}()

	log.Infof("worker starting, sync interval %s, max concurrent users %d", cfg.SyncInterval, cfg.MaxConcurrentUsers)
	sched.Run(ctx)
	log.Infof("worker shut down cleanly")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = metricsSrv.Shutdown(shutdownCtx)

	return nil
}
