// Package syncconfig persists the per-user sync configuration and
// circuit-breaker state as git_config.json, written atomically via
// temp-file + rename.
package syncconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/obsidian-sync/bridge/pkg/apperr"
)

// MaxConsecutiveFailures is the circuit-breaker threshold.
const MaxConsecutiveFailures = 5

// FileName is the on-disk name of the config file within a user directory.
const FileName = "git_config.json"

// Config is the persisted per-user sync configuration.
type Config struct {
	RepoURL          string  `json:"repo_url"`
	Branch           string  `json:"branch"`
	UpdatedAt        string  `json:"updated_at"`
	FailureCount     int     `json:"failure_count"`
	Stopped          bool    `json:"stopped"`
	LastFailure      string  `json:"last_failure,omitempty"`
	LastFailureError string  `json:"last_failure_error,omitempty"`
	LastSuccess      string  `json:"last_success,omitempty"`
	AutoConfigured   bool    `json:"auto_configured"`
}

// Store reads and writes one user's git_config.json.
type Store struct {
	storageRoot string
}

// New returns a Store rooted at storageRoot.
func New(storageRoot string) *Store {
	return &Store{storageRoot: storageRoot}
}

func (s *Store) path(user string) string {
	return filepath.Join(s.storageRoot, user, FileName)
}

// Load reads the config for user. A missing file, or one that fails to
// parse, is treated as absent and returns (zero Config, false, nil).
func (s *Store) Load(user string) (Config, bool, error) {
	data, err := os.ReadFile(s.path(user))
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, false, nil
		}
		return Config{}, false, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, false, nil
	}
	return cfg, true, nil
}

// Save atomically persists cfg for user: write to a temp file in the same
// directory, fsync, then rename over the destination.
func (s *Store) Save(user string, cfg Config) error {
	dest := s.path(user)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating user directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	tmp := dest + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, dest)
}

var placeholderRe = regexp.MustCompile(`\{\{.*\}\}`)

// IsPlaceholder reports whether v looks like an unsubstituted template
// placeholder such as "{{OBSIDIAN_REPO_URL}}".
func IsPlaceholder(v string) bool {
	return placeholderRe.MatchString(v)
}

var repoURLRe = regexp.MustCompile(`^https?://[^@]+$`)

// Validate enforces the config invariants: repo_url must be an http(s)
// URL with no embedded credentials, and neither field may be a template
// placeholder.
func Validate(repoURL, branch string) error {
	if IsPlaceholder(repoURL) || IsPlaceholder(branch) {
		return apperr.Wrap(apperr.ErrValidation, "placeholder value supplied for repo_url/branch")
	}
	if repoURL != "" && !repoURLRe.MatchString(repoURL) {
		return apperr.Wrap(apperr.ErrValidation, "repo_url must be an http(s) URL with no embedded credentials")
	}
	return nil
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// AutoConfigure idempotently seeds a config from request headers: if the
// current config already names the same repo_url+branch it is left
// untouched. A placeholder in repoURL, token, or branch is a validation
// error.
func (s *Store) AutoConfigure(user, repoURL, token, branch string) error {
	if branch == "" {
		branch = "main"
	}
	if IsPlaceholder(repoURL) || IsPlaceholder(token) || IsPlaceholder(branch) {
		return apperr.Wrap(apperr.ErrValidation, "placeholder value in auto-configure headers")
	}
	if err := Validate(repoURL, branch); err != nil {
		return err
	}

	cfg, ok, err := s.Load(user)
	if err != nil {
		return err
	}
	if ok && cfg.RepoURL == repoURL && cfg.Branch == branch {
		return nil
	}

	cfg = Config{
		RepoURL:        repoURL,
		Branch:         branch,
		UpdatedAt:      nowISO(),
		AutoConfigured: true,
	}
	return s.Save(user, cfg)
}

// Configure persists an explicit repo_url/branch from the configure tool,
// clearing failure state.
func (s *Store) Configure(user, repoURL, branch string) error {
	if branch == "" {
		branch = "main"
	}
	if err := Validate(repoURL, branch); err != nil {
		return err
	}
	cfg := Config{
		RepoURL:   repoURL,
		Branch:    branch,
		UpdatedAt: nowISO(),
	}
	return s.Save(user, cfg)
}

// RecordSuccess clears failure state and records last_success, reopening
// the circuit breaker.
func (s *Store) RecordSuccess(user string) error {
	cfg, _, err := s.Load(user)
	if err != nil {
		return err
	}
	cfg.FailureCount = 0
	cfg.Stopped = false
	cfg.LastFailure = ""
	cfg.LastFailureError = ""
	cfg.LastSuccess = nowISO()
	cfg.UpdatedAt = nowISO()
	return s.Save(user, cfg)
}

// RecordFailure increments the failure counter and trips the circuit
// breaker once it reaches MaxConsecutiveFailures.
func (s *Store) RecordFailure(user string, cause error) error {
	cfg, _, err := s.Load(user)
	if err != nil {
		return err
	}
	cfg.FailureCount++
	cfg.LastFailure = nowISO()
	cfg.LastFailureError = cause.Error()
	cfg.UpdatedAt = nowISO()
	if cfg.FailureCount >= MaxConsecutiveFailures {
		cfg.Stopped = true
	}
	return s.Save(user, cfg)
}

// ResetFailures clears the circuit breaker explicitly.
func (s *Store) ResetFailures(user string) error {
	cfg, _, err := s.Load(user)
	if err != nil {
		return err
	}
	cfg.FailureCount = 0
	cfg.Stopped = false
	cfg.LastFailure = ""
	cfg.LastFailureError = ""
	cfg.UpdatedAt = nowISO()
	return s.Save(user, cfg)
}

// State is the human-facing sync state name.
type State string

const (
	StateActive  State = "active"
	StateWarning State = "warning"
	StateStopped State = "stopped"
)

// State classifies cfg: stopped once the circuit breaker trips, warning
// after any failure short of that, active otherwise.
func (c Config) State() State {
	switch {
	case c.Stopped:
		return StateStopped
	case c.FailureCount > 0:
		return StateWarning
	default:
		return StateActive
	}
}
