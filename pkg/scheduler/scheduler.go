// Package scheduler runs the fixed-interval loop that cycles through
// every configured user and drives gitsync, with bounded concurrency and
// per-user circuit-breaker bookkeeping.
package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/obsidian-sync/bridge/pkg/gitcred"
	"github.com/obsidian-sync/bridge/pkg/gitsync"
	"github.com/obsidian-sync/bridge/pkg/metrics"
	"github.com/obsidian-sync/bridge/pkg/syncconfig"
)

// DefaultInterval is the fallback cycle period.
const DefaultInterval = 60 * time.Second

// Logger is the narrow logging surface the scheduler needs, so callers can
// inject zerolog (as the gateway/worker mains do) without this package
// importing it directly.
type Logger interface {
	Errorf(format string, args ...any)
	Infof(format string, args ...any)
}

// Scheduler owns the background reconcile loop across every user directory
// under storageRoot.
type Scheduler struct {
	storageRoot        string
	interval           time.Duration
	maxConcurrentUsers int

	configs *syncconfig.Store
	creds   *gitcred.Store
	syncer  *gitsync.Syncer
	metrics *metrics.Registry
	log     Logger

	lastCycleUnix atomic.Int64
	activeUsers   atomic.Int64
}

// New returns a Scheduler. maxConcurrentUsers bounds fan-out within one
// cycle; 0 defaults to 4. Ordering between users is unspecified.
func New(storageRoot string, interval time.Duration, maxConcurrentUsers int, configs *syncconfig.Store, creds *gitcred.Store, syncer *gitsync.Syncer, reg *metrics.Registry, log Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if maxConcurrentUsers <= 0 {
		maxConcurrentUsers = 4
	}
	return &Scheduler{
		storageRoot:        storageRoot,
		interval:           interval,
		maxConcurrentUsers: maxConcurrentUsers,
		configs:            configs,
		creds:              creds,
		syncer:             syncer,
		metrics:            reg,
		log:                log,
	}
}

// Run blocks, executing one cycle immediately and then every interval,
// until ctx is cancelled. A cycle always runs to completion once started.
func (s *Scheduler) Run(ctx context.Context) {
	// Cycles get a context that ignores ctx's cancellation, so a shutdown
	// signal only stops the loop between cycles.
	cycleCtx := context.WithoutCancel(ctx)
	s.runCycle(cycleCtx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runCycle(cycleCtx)
		}
	}
}

// runCycle enumerates configured users and fans out Syncer.Sync with
// bounded concurrency.
func (s *Scheduler) runCycle(ctx context.Context) {
	users, err := s.discoverUsers()
	if err != nil {
		s.log.Errorf("scheduler: listing storage root: %v", err)
		return
	}

	sem := make(chan struct{}, s.maxConcurrentUsers)
	var wg sync.WaitGroup
	var activeCount int64
	var mu sync.Mutex

	for _, user := range users {
		cfg, ok, err := s.configs.Load(user)
		if err != nil || !ok {
			continue
		}
		if cfg.Stopped {
			continue
		}
		if cfg.RepoURL == "" {
			continue
		}

		mu.Lock()
		activeCount++
		mu.Unlock()

		wg.Add(1)
		sem <- struct{}{}
		go func(user string, cfg syncconfig.Config) {
			defer wg.Done()
			defer func() { <-sem }()
			s.syncOneUser(ctx, user, cfg)
		}(user, cfg)
	}
	wg.Wait()

	s.activeUsers.Store(activeCount)
	s.lastCycleUnix.Store(time.Now().Unix())

	if s.metrics != nil {
		s.metrics.ActiveUsers.Set(float64(activeCount))
		s.metrics.LastCycleTimestamp.SetToCurrentTime()
	}
}

// LastCycleUnix returns the Unix timestamp the most recent cycle
// finished, or 0 if no cycle has completed yet.
func (s *Scheduler) LastCycleUnix() int64 {
	return s.lastCycleUnix.Load()
}

// ActiveUserCount returns the number of users synced in the most recent
// cycle.
func (s *Scheduler) ActiveUserCount() int64 {
	return s.activeUsers.Load()
}

// syncOneUser runs one sync and updates the circuit-breaker state: any
// uncaught failure increments failure_count and trips the breaker at
// MaxConsecutiveFailures; success clears both.
func (s *Scheduler) syncOneUser(ctx context.Context, user string, cfg syncconfig.Config) {
	// The config never stores a token itself, so this is purely a pre-flight
	// check; the syncer performs the same lookup again when it builds
	// transport auth.
	if _, ok := s.creds.Lookup(ctx, user, cfg.RepoURL); !ok && s.log != nil {
		s.log.Infof("scheduler: no stored credential for %s, attempting unauthenticated sync", user)
	}

	start := time.Now()
	result, err := s.syncer.Sync(ctx, user, cfg)
	duration := time.Since(start)

	if s.metrics != nil {
		s.metrics.SyncDuration.WithLabelValues(user).Observe(duration.Seconds())
		s.metrics.FilesIndexed.WithLabelValues(user).Add(float64(result.FilesIndexed))
	}

	if err != nil {
		if recErr := s.configs.RecordFailure(user, err); recErr != nil {
			s.log.Errorf("scheduler: recording failure for %s: %v", user, recErr)
		}
		if s.log != nil {
			s.log.Errorf("scheduler: sync failed for %s: %v", user, err)
		}
		if s.metrics != nil {
			s.metrics.SyncTotal.WithLabelValues("failure").Inc()
			newCfg, _, _ := s.configs.Load(user)
			if newCfg.Stopped {
				s.metrics.CircuitBreakerOpen.WithLabelValues(user).Set(1)
			}
		}
		return
	}

	if recErr := s.configs.RecordSuccess(user); recErr != nil {
		s.log.Errorf("scheduler: recording success for %s: %v", user, recErr)
	}
	if s.metrics != nil {
		s.metrics.SyncTotal.WithLabelValues("success").Inc()
		s.metrics.CircuitBreakerOpen.WithLabelValues(user).Set(0)
	}
}

// discoverUsers enumerates immediate subdirectories of storageRoot; each
// one is a candidate user id.
func (s *Scheduler) discoverUsers() ([]string, error) {
	entries, err := os.ReadDir(s.storageRoot)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var users []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		users = append(users, filepath.Base(e.Name()))
	}
	return users, nil
}
