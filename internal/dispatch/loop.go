// Package dispatch implements the retry loop that wraps a single logical
// request in an activity watchdog and a bounded number of credential
// re-acquisition attempts (spec §4.5).
package dispatch

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/relaycore/antigravity-pool/internal/errors"
	"github.com/relaycore/antigravity-pool/internal/pool"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// AntigravityProvider is the provider identifier that gets the 3-attempt
// retry budget; every other provider gets exactly 1.
const AntigravityProvider = "google-antigravity"

// rateLimitTokens is the case-sensitive substring heuristic from spec §6.
// "timeout" is preserved bug-for-bug per the open question in spec §9: the
// benign false positives it creates (e.g. "request timeout") are accepted
// because callers already only see this heuristic after every other
// classification has failed.
var rateLimitTokens = []string{"429", "rate", "quota", "limit", "timeout", "ECONNRESET", "ETIMEDOUT"}

// LooksLikeRateLimit reports whether an error message matches the
// heuristic.
func LooksLikeRateLimit(msg string) bool {
	for _, tok := range rateLimitTokens {
		if strings.Contains(msg, tok) {
			return true
		}
	}
	return false
}

// Attempt is the caller-supplied closure that performs one request. It
// must call activity.Touch() on every observable streaming event, and must
// return promptly once ctx is cancelled.
type Attempt func(ctx context.Context, cred *CredentialView, activity *ActivityMonitor) error

// CredentialView is the minimal credential shape the dispatch loop passes
// into an attempt; it is deliberately narrower than broker.Credential so
// this package does not import broker (avoiding a dependency cycle and
// keeping the loop able to retry against any credential source).
type CredentialView struct {
	Access    string
	ProjectID string
	Account   *pool.Account
}

// CredentialSource re-acquires a credential for a model on each retry. The
// dispatch loop calls it once per attempt after the first (spec §4.5 step
// 1): "the sole mechanism by which retries escape a bad account."
type CredentialSource func(ctx context.Context, modelID string) (*CredentialView, error)

// AccountMarker is the subset of *pool.Pool the loop needs to record
// rate-limit outcomes without depending on the whole pool package surface.
type AccountMarker interface {
	MarkRateLimited(acc *pool.Account, durationMs int64, family pool.ModelFamily)
}

// Config bounds the loop's timers, defaulting to spec's literal values.
type Config struct {
	ActivityPollInterval        time.Duration
	ActivitySilenceThreshold    time.Duration
	ActivityTimeoutCooldownMs   int64
	ExplicitRateLimitCooldownMs int64
	MaxAttemptsAntigravity      int
	WallClockTimeout            time.Duration
}

func (c Config) withDefaults() Config {
	if c.ActivityPollInterval <= 0 {
		c.ActivityPollInterval = 5 * time.Second
	}
	if c.ActivitySilenceThreshold <= 0 {
		c.ActivitySilenceThreshold = 30 * time.Second
	}
	if c.ActivityTimeoutCooldownMs <= 0 {
		c.ActivityTimeoutCooldownMs = 120_000
	}
	if c.ExplicitRateLimitCooldownMs <= 0 {
		c.ExplicitRateLimitCooldownMs = 120_000
	}
	if c.MaxAttemptsAntigravity <= 0 {
		c.MaxAttemptsAntigravity = 3
	}
	return c
}

// Loop is the Dispatch Loop.
type Loop struct {
	Config Config
	Marker AccountMarker
}

// ActivityMonitor tracks the last-observed streaming activity timestamp
// for a single attempt. The streaming collaborator calls Touch on every
// token/tool event; the watchdog goroutine polls LastActivity.
type ActivityMonitor struct {
	lastMs atomic.Int64
}

func newActivityMonitor() *ActivityMonitor {
	m := &ActivityMonitor{}
	m.Touch()
	return m
}

// Touch records that activity happened now.
func (m *ActivityMonitor) Touch() {
	m.lastMs.Store(time.Now().UnixMilli())
}

func (m *ActivityMonitor) silenceSince(now time.Time) time.Duration {
	last := m.lastMs.Load()
	return now.Sub(time.UnixMilli(last))
}

// activityTimeoutErr is a sentinel used internally to distinguish a
// watchdog trip from every other attempt failure; it never escapes Run.
type activityTimeoutErr struct{}

func (activityTimeoutErr) Error() string { return "activity timeout" }

// Run executes attempt in a bounded retry loop scoped to provider. On
// attempt > 0, it re-acquires a credential via source before calling
// attempt again — the sole mechanism by which a retry escapes a bad
// account.
func (l *Loop) Run(ctx context.Context, provider, modelID string, source CredentialSource, attempt Attempt) error {
	cfg := l.Config.withDefaults()
	family := pool.ModelFamilyFor(modelID)

	maxAttempts := 1
	if provider == AntigravityProvider {
		maxAttempts = cfg.MaxAttemptsAntigravity
	}

	var cred *CredentialView
	var lastErr error

	for attemptIndex := 0; attemptIndex < maxAttempts; attemptIndex++ {
		acquired, err := source(ctx, modelID)
		if err != nil {
			return err
		}
		if acquired == nil {
			return apperrors.NoAccounts()
		}
		cred = acquired

		attemptCtx, cancel := context.WithCancel(ctx)
		if cfg.WallClockTimeout > 0 {
			var wallCancel context.CancelFunc
			attemptCtx, wallCancel = context.WithTimeout(attemptCtx, cfg.WallClockTimeout)
			defer wallCancel()
		}

		monitor := newActivityMonitor()
		var watchdogFired atomic.Bool
		var once sync.Once

		g, gctx := errgroup.WithContext(attemptCtx)
		g.Go(func() error {
			ticker := time.NewTicker(cfg.ActivityPollInterval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					if monitor.silenceSince(time.Now()) >= cfg.ActivitySilenceThreshold {
						watchdogFired.Store(true)
						once.Do(cancel)
						return activityTimeoutErr{}
					}
				}
			}
		})
		g.Go(func() error {
			defer once.Do(cancel)
			return attempt(gctx, cred, monitor)
		})

		err = g.Wait()

		if err == nil {
			return nil
		}

		if watchdogFired.Load() {
			l.markRateLimited(cred.Account, cfg.ActivityTimeoutCooldownMs, family)
			lastErr = apperrors.ActivityTimeout(accountLabel(cred.Account), string(family))
			if attemptIndex+1 < maxAttempts {
				log.WithFields(log.Fields{"provider": provider, "attempt": attemptIndex}).
					Warn("dispatch: activity timeout, retrying with a fresh credential")
				continue
			}
			return lastErr
		}

		if LooksLikeRateLimit(err.Error()) {
			l.markRateLimited(cred.Account, cfg.ExplicitRateLimitCooldownMs, family)
			return apperrors.ExplicitRateLimit(accountLabel(cred.Account), string(family), err)
		}

		// Any other error (including caller wall-clock aborts and auth
		// errors) propagates immediately without retry.
		return err
	}

	return lastErr
}

func (l *Loop) markRateLimited(acc *pool.Account, durationMs int64, family pool.ModelFamily) {
	if l.Marker == nil || acc == nil {
		return
	}
	l.Marker.MarkRateLimited(acc, durationMs, family)
}

func accountLabel(acc *pool.Account) string {
	if acc == nil {
		return "<nil>"
	}
	if acc.Email != "" {
		return acc.Email
	}
	return acc.ID
}
