// Package config provides configuration loading for the account pool and
// dispatch engine, following the override order the rest of the codebase
// uses: a ".env" file, then explicit environment variables, then the YAML
// file, then built-in defaults.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the pool process.
type Config struct {
	// StateDir holds the persisted accounts.json (and its .bak.gz backup).
	StateDir string `yaml:"state-dir" json:"state-dir"`

	// LegacyCredentialFile, if set, is consulted to seed a one-account pool
	// when StateDir has no accounts.json yet.
	LegacyCredentialFile string `yaml:"legacy-credential-file,omitempty" json:"legacy-credential-file,omitempty"`

	// RefreshTimeout bounds a single token-refresh call. Defaults to 15s per
	// spec §4.3; configurable only for test harnesses.
	RefreshTimeout time.Duration `yaml:"refresh-timeout,omitempty" json:"refresh-timeout,omitempty"`

	// OAuthClientID and OAuthClientSecret override the refresher's default
	// Antigravity client credentials (refresher.DefaultClientID/
	// DefaultClientSecret). Leave unset to use the built-in defaults.
	OAuthClientID     string `yaml:"oauth-client-id,omitempty" json:"oauth-client-id,omitempty"`
	OAuthClientSecret string `yaml:"oauth-client-secret,omitempty" json:"oauth-client-secret,omitempty"`

	// Dispatch configures the per-attempt watchdog and wall-clock timeout.
	Dispatch DispatchConfig `yaml:"dispatch,omitempty" json:"dispatch,omitempty"`

	// StatusAPI configures the optional read-only status/health HTTP
	// surface.
	StatusAPI StatusAPIConfig `yaml:"status-api,omitempty" json:"status-api,omitempty"`

	// AuditDB, if set, enables the SQLite switch-event audit log.
	AuditDB string `yaml:"audit-db,omitempty" json:"audit-db,omitempty"`

	// LogFilePath routes logs through rotation instead of stderr alone.
	LogFilePath string `yaml:"log-file,omitempty" json:"log-file,omitempty"`
}

// DispatchConfig configures the dispatch loop's timers.
type DispatchConfig struct {
	// ActivityPollInterval is how often the watchdog checks for silence.
	// Default 5s.
	ActivityPollInterval time.Duration `yaml:"activity-poll-interval,omitempty" json:"activity-poll-interval,omitempty"`

	// ActivitySilenceThreshold is the silence duration that trips the
	// watchdog. Default 30s.
	ActivitySilenceThreshold time.Duration `yaml:"activity-silence-threshold,omitempty" json:"activity-silence-threshold,omitempty"`

	// ActivityTimeoutCooldownMs is the rate-limit duration applied on a
	// watchdog trip. Default 120000.
	ActivityTimeoutCooldownMs int64 `yaml:"activity-timeout-cooldown-ms,omitempty" json:"activity-timeout-cooldown-ms,omitempty"`

	// ExplicitRateLimitCooldownMs is the rate-limit duration applied when
	// the heuristic matches. Default 120000.
	ExplicitRateLimitCooldownMs int64 `yaml:"explicit-rate-limit-cooldown-ms,omitempty" json:"explicit-rate-limit-cooldown-ms,omitempty"`

	// RefreshFailureCooldownMs is the broker's cooldown before it attempts
	// the one fallback account. Default 60000.
	RefreshFailureCooldownMs int64 `yaml:"refresh-failure-cooldown-ms,omitempty" json:"refresh-failure-cooldown-ms,omitempty"`

	// MaxAttemptsAntigravity bounds retries for the antigravity provider.
	// Default 3.
	MaxAttemptsAntigravity int `yaml:"max-attempts-antigravity,omitempty" json:"max-attempts-antigravity,omitempty"`
}

// StatusAPIConfig configures the optional gin status server.
type StatusAPIConfig struct {
	Enabled bool   `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Addr    string `yaml:"addr,omitempty" json:"addr,omitempty"`
}

// Defaults returns a Config with every spec'd default applied.
func Defaults() Config {
	return Config{
		StateDir:       "./data",
		RefreshTimeout: 15 * time.Second,
		Dispatch: DispatchConfig{
			ActivityPollInterval:        5 * time.Second,
			ActivitySilenceThreshold:    30 * time.Second,
			ActivityTimeoutCooldownMs:   120_000,
			ExplicitRateLimitCooldownMs: 120_000,
			RefreshFailureCooldownMs:    60_000,
			MaxAttemptsAntigravity:      3,
		},
		StatusAPI: StatusAPIConfig{Enabled: true, Addr: ":9090"},
	}
}

// Load resolves configuration from (in increasing priority) a ".env" file,
// the YAML file at path, explicit environment variables, and the built-in
// defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Debug("config: no .env file loaded")
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, err
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("POOL_STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	if v := os.Getenv("POOL_LEGACY_CREDENTIAL_FILE"); v != "" {
		cfg.LegacyCredentialFile = v
	}
	if v := os.Getenv("POOL_AUDIT_DB"); v != "" {
		cfg.AuditDB = v
	}
	if v := os.Getenv("POOL_STATUS_ADDR"); v != "" {
		cfg.StatusAPI.Addr = v
		cfg.StatusAPI.Enabled = true
	}
	if v := os.Getenv("POOL_REFRESH_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RefreshTimeout = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("POOL_OAUTH_CLIENT_ID"); v != "" {
		cfg.OAuthClientID = v
	}
	if v := os.Getenv("POOL_OAUTH_CLIENT_SECRET"); v != "" {
		cfg.OAuthClientSecret = v
	}
}

// Watch starts an fsnotify watcher on path and invokes onChange with a
// freshly reloaded Config whenever the file is written. The returned
// function stops the watcher.
func Watch(path string, onChange func(Config)) (func() error, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, err
	}
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					log.WithError(err).Warn("config: reload failed, keeping previous config")
					continue
				}
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("config: watcher error")
			}
		}
	}()
	return watcher.Close, nil
}
