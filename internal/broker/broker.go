// Package broker implements the Credential Broker: the public entry point
// that turns a model identifier into a currently-usable credential,
// selecting an account, refreshing its token if stale, and failing over
// to exactly one fallback account when the first refresh fails.
package broker

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/relaycore/antigravity-pool/internal/errors"
	"github.com/relaycore/antigravity-pool/internal/pool"
	"github.com/relaycore/antigravity-pool/internal/refresher"
	log "github.com/sirupsen/logrus"
)

// LegacyProviderKey is the provider key consulted in the legacy
// single-credential seed file for this core (spec §6).
const LegacyProviderKey = "google-antigravity"

// Credential is the tuple returned to the dispatch loop for a single
// attempt.
type Credential struct {
	Access    string
	Refresh   string
	ProjectID string
	Expires   int64
	Account   *pool.Account
}

// TokenRefresher is the subset of *refresher.Refresher the broker depends
// on, accepted as an interface so tests can substitute a fake.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken, projectID string) (*refresher.Result, bool)
}

// Metrics is the subset of observability counters the broker drives
// directly, accepted as an interface so statusapi's Prometheus counters can
// satisfy it without this package depending on statusapi (which itself
// depends on broker).
type Metrics interface {
	IncSelection()
	IncRefreshFailure()
}

// Broker is the Credential Broker.
type Broker struct {
	Pool      *pool.Pool
	Store     *pool.Store
	Refresher TokenRefresher

	// LegacySeedPath, if set, is consulted only when the pool is empty.
	LegacySeedPath string

	// RefreshFailureCooldownMs is the cooldown applied to an account whose
	// refresh failed, before the broker's one fallback attempt. Default
	// 60000 per spec §4.4 step 8.
	RefreshFailureCooldownMs int64

	// Metrics, if set, is driven on every successful selection and every
	// failed refresh attempt.
	Metrics Metrics
}

func (b *Broker) incSelection() {
	if b.Metrics != nil {
		b.Metrics.IncSelection()
	}
}

func (b *Broker) incRefreshFailure() {
	if b.Metrics != nil {
		b.Metrics.IncRefreshFailure()
	}
}

func (b *Broker) refreshCooldown() int64 {
	if b.RefreshFailureCooldownMs > 0 {
		return b.RefreshFailureCooldownMs
	}
	return 60_000
}

// GetCredentialForModel implements spec §4.4's nine-step algorithm.
func (b *Broker) GetCredentialForModel(ctx context.Context, modelID string) (*Credential, error) {
	b.seedFromLegacyIfEmpty()

	family := pool.ModelFamilyFor(modelID)

	mode := pool.ModeSticky
	if b.Pool.Len() >= 2 {
		mode = pool.ModeRoundRobin
	}

	account := b.Pool.SelectAccountForFamily(family, mode)
	if account == nil {
		if b.Pool.Len() == 0 {
			return nil, apperrors.NoAccounts()
		}
		if wait := b.Pool.MinWaitTimeForFamily(family); wait > 0 {
			return nil, apperrors.RateLimitedAll(string(family), wait)
		}
		return nil, nil
	}

	if account.ProjectID == "" {
		log.WithField("account", label(account)).Warn("broker: selected account has no project ID")
		return nil, nil
	}

	now := time.Now().UnixMilli()
	stale := account.AccessToken == "" || (account.ExpiresAt != 0 && now >= account.ExpiresAt)

	if !stale {
		b.persist()
		b.incSelection()
		return credentialFor(account), nil
	}

	if res, ok := b.Refresher.Refresh(ctx, account.RefreshToken, account.ProjectID); ok {
		b.applyRefresh(account, res)
		b.persist()
		b.incSelection()
		return credentialFor(account), nil
	}
	b.incRefreshFailure()

	b.Pool.MarkRateLimited(account, b.refreshCooldown(), family)
	log.WithFields(log.Fields{"account": label(account), "family": family}).
		Warn("broker: refresh failed, attempting one fallback account")

	fallback := b.Pool.SelectAccountForFamily(family, mode)
	if fallback != nil && fallback != account && fallback.ProjectID != "" {
		if res, ok := b.Refresher.Refresh(ctx, fallback.RefreshToken, fallback.ProjectID); ok {
			b.applyRefresh(fallback, res)
			b.persist()
			b.incSelection()
			return credentialFor(fallback), nil
		}
		b.incRefreshFailure()
	}

	return nil, apperrors.RefreshFailed(label(account), fmt.Errorf("refresh failed for account and fallback"))
}

func (b *Broker) applyRefresh(account *pool.Account, res *refresher.Result) {
	access := res.AccessToken
	expires := res.ExpiresAtMs
	b.Pool.UpdateAccount(account, pool.AccountUpdate{AccessToken: &access, ExpiresAt: &expires})
}

func (b *Broker) persist() {
	if b.Store == nil {
		return
	}
	if err := b.Store.Save(b.Pool.Snapshot()); err != nil {
		log.WithError(err).Warn("broker: failed to persist pool state")
	}
}

func (b *Broker) seedFromLegacyIfEmpty() {
	if b.Pool.Len() != 0 || b.LegacySeedPath == "" {
		return
	}
	acc, ok := pool.LoadLegacySeed(b.LegacySeedPath, LegacyProviderKey)
	if !ok {
		return
	}
	b.Pool.Seed(acc.RefreshToken, acc.ProjectID, acc.AccessToken, acc.ExpiresAt)
}

func credentialFor(acc *pool.Account) *Credential {
	return &Credential{
		Access:    acc.AccessToken,
		Refresh:   acc.RefreshToken,
		ProjectID: acc.ProjectID,
		Expires:   acc.ExpiresAt,
		Account:   acc,
	}
}

func label(acc *pool.Account) string {
	if acc == nil {
		return "<nil>"
	}
	if acc.Email != "" {
		return acc.Email
	}
	return acc.ID
}
