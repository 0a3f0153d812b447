package pool

import (
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// SelectionMode is the strategy selectAccountForFamily uses to pick an
// account.
type SelectionMode string

const (
	ModeSticky     SelectionMode = "sticky"
	ModeRoundRobin SelectionMode = "round-robin"
)

// Pool is the in-memory, mutex-guarded Account Pool. A single instance is
// shared across all concurrent callers in the process (spec §5): there is
// no per-account locking, and selection itself never suspends.
type Pool struct {
	mu sync.Mutex

	accounts             []*Account
	currentAccountIndex  int
	rotationIndex        int
}

// NewPool constructs an empty pool.
func NewPool() *Pool {
	return &Pool{}
}

// Hydrate loads a previously-persisted AccountStorage into the pool,
// clamping currentAccountIndex and rotationIndex to the stored
// activeIndex.
func (p *Pool) Hydrate(storage *AccountStorage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accounts = storage.Accounts
	idx := storage.ActiveIndex
	if idx < 0 || (len(p.accounts) > 0 && idx >= len(p.accounts)) {
		idx = 0
	}
	p.currentAccountIndex = idx
	p.rotationIndex = idx
}

// Seed creates a single account at index 0 from an externally supplied
// refresh/access/project tuple, used only when no stored state exists.
func (p *Pool) Seed(refreshToken, projectID, accessToken string, expiresAt int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.accounts) != 0 {
		return
	}
	p.accounts = []*Account{{
		ID:               uuid.NewString(),
		RefreshToken:     refreshToken,
		ProjectID:        projectID,
		AccessToken:      accessToken,
		ExpiresAt:        expiresAt,
		AddedAt:          time.Now().UnixMilli(),
		LastSwitchReason: SwitchInitial,
	}}
	p.currentAccountIndex = 0
	p.rotationIndex = 0
}

// Snapshot returns the current AccountStorage shape for persistence. The
// returned Account pointers are shared with the pool; callers must treat
// the result as read-only or go through the pool's mutators.
func (p *Pool) Snapshot() *AccountStorage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return &AccountStorage{
		Version:     CurrentVersion,
		ActiveIndex: p.currentAccountIndex,
		Accounts:    p.accounts,
	}
}

// Len reports the number of accounts currently in the pool.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.accounts)
}

// AccountAt returns the account at a given position, or nil if out of
// range. Used by callers that need to read a specific account without a
// full selection pass (e.g. the liveness-probe "test" operation).
func (p *Pool) AccountAt(index int) *Account {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 0 || index >= len(p.accounts) {
		return nil
	}
	return p.accounts[index]
}

// pruneAllExpired drops stale rate-limit entries across every account.
// Must be called with the lock already held.
func (p *Pool) pruneAllExpired(now time.Time) {
	for _, acc := range p.accounts {
		acc.pruneExpired(now)
	}
}

// SelectAccountForFamily is the central selection algorithm (spec §4.2).
func (p *Pool) SelectAccountForFamily(family ModelFamily, mode SelectionMode) *Account {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	p.pruneAllExpired(now)

	if mode == ModeRoundRobin && len(p.accounts) > 1 {
		if next := p.nextForFamilyLocked(family, now); next != nil {
			next.LastSwitchReason = SwitchRotation
			p.currentAccountIndex = p.indexOfLocked(next)
			return next
		}
		return nil
	}

	// Sticky: examine the current account first.
	if len(p.accounts) > 0 && p.currentAccountIndex >= 0 && p.currentAccountIndex < len(p.accounts) {
		current := p.accounts[p.currentAccountIndex]
		if !current.IsRateLimitedFor(family, now) && current.Access != AccessInvalid {
			if !p.tierUpgradeAvailableLocked(current, family, now) {
				current.LastUsed = now.UnixMilli()
				return current
			}
		}
	}

	next := p.nextForFamilyLocked(family, now)
	if next != nil {
		p.currentAccountIndex = p.indexOfLocked(next)
	}
	return next
}

// tierUpgradeAvailableLocked reports whether some other eligible account has
// a strictly better tier than current, forcing sticky selection to fall
// through to nextForFamily instead of staying put.
func (p *Pool) tierUpgradeAvailableLocked(current *Account, family ModelFamily, now time.Time) bool {
	if current.Tier == TierPaid {
		return false
	}
	for _, acc := range p.accounts {
		if acc == current {
			continue
		}
		if acc.IsRateLimitedFor(family, now) || acc.Access == AccessInvalid {
			continue
		}
		if acc.Tier == TierPaid {
			return true
		}
	}
	return false
}

// nextForFamilyLocked implements nextForFamily (spec §4.2). Must be called
// with the lock held.
func (p *Pool) nextForFamilyLocked(family ModelFamily, now time.Time) *Account {
	eligible := make([]*Account, 0, len(p.accounts))
	for _, acc := range p.accounts {
		if acc.IsRateLimitedFor(family, now) {
			continue
		}
		if acc.Access == AccessInvalid {
			continue
		}
		eligible = append(eligible, acc)
	}
	if len(eligible) == 0 {
		return nil
	}

	confirmed := make([]*Account, 0, len(eligible))
	for _, acc := range eligible {
		if acc.Access == AccessValid {
			confirmed = append(confirmed, acc)
		}
	}

	var pool []*Account
	if len(confirmed) > 0 {
		pool = paidSubsetOr(confirmed, confirmed)
	} else {
		pool = paidSubsetOr(eligible, eligible)
	}

	selected := pool[p.rotationIndex%len(pool)]
	p.rotationIndex++
	selected.LastUsed = now.UnixMilli()
	return selected
}

func paidSubsetOr(candidates, fallback []*Account) []*Account {
	paid := make([]*Account, 0, len(candidates))
	for _, acc := range candidates {
		if acc.Tier == TierPaid {
			paid = append(paid, acc)
		}
	}
	if len(paid) > 0 {
		return paid
	}
	return fallback
}

func (p *Pool) indexOfLocked(acc *Account) int {
	for i, a := range p.accounts {
		if a == acc {
			return i
		}
	}
	return 0
}

// AddAccount appends a new account, returning false if the pool is already
// at MaxAccounts.
func (p *Pool) AddAccount(acc *Account) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.accounts) >= MaxAccounts {
		return false
	}
	if acc.ID == "" {
		acc.ID = uuid.NewString()
	}
	acc.RateLimitResetTimes = nil
	acc.LastUsed = 0
	acc.AddedAt = time.Now().UnixMilli()
	p.accounts = append(p.accounts, acc)
	return true
}

// RemoveAccount removes the account at index and re-indexes the tail,
// clamping currentAccountIndex back into range.
func (p *Pool) RemoveAccount(index int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 0 || index >= len(p.accounts) {
		return false
	}
	p.accounts = append(p.accounts[:index], p.accounts[index+1:]...)
	if len(p.accounts) == 0 {
		p.currentAccountIndex = 0
		p.rotationIndex = 0
	} else if p.currentAccountIndex >= len(p.accounts) {
		p.currentAccountIndex = len(p.accounts) - 1
	}
	return true
}

// MarkRateLimited records that account is rate-limited for family until
// now+durationMs.
func (p *Pool) MarkRateLimited(acc *Account, durationMs int64, family ModelFamily) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if acc.RateLimitResetTimes == nil {
		acc.RateLimitResetTimes = make(map[ModelFamily]int64)
	}
	acc.RateLimitResetTimes[family] = time.Now().UnixMilli() + durationMs
	acc.LastSwitchReason = SwitchRateLimit
	log.WithFields(log.Fields{"account": acc.ID, "family": family, "durationMs": durationMs}).
		Info("pool: account marked rate-limited")
}

// MarkInvalidCredentials flags an account as known-bad.
func (p *Pool) MarkInvalidCredentials(acc *Account, cause error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	acc.Access = AccessInvalid
	if cause != nil {
		acc.LastError = cause.Error()
	}
	acc.LastErrorAt = time.Now().UnixMilli()
	acc.LastSwitchReason = SwitchInvalidCreds
}

// MarkValidCredentials flags an account as known-good, clearing any
// previously recorded error.
func (p *Pool) MarkValidCredentials(acc *Account) {
	p.mu.Lock()
	defer p.mu.Unlock()
	acc.Access = AccessValid
	acc.LastError = ""
	acc.LastErrorAt = 0
}

// AccountUpdate carries the optional fields UpdateAccount may assign; a nil
// field means "leave unchanged".
type AccountUpdate struct {
	AccessToken  *string
	ExpiresAt    *int64
	RefreshToken *string
	ProjectID    *string
	Email        *string
	Tier         *AccountTier
}

// UpdateAccount assigns only the provided fields, preserving everything
// else.
func (p *Pool) UpdateAccount(acc *Account, u AccountUpdate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if u.AccessToken != nil {
		acc.AccessToken = *u.AccessToken
	}
	if u.ExpiresAt != nil {
		acc.ExpiresAt = *u.ExpiresAt
	}
	if u.RefreshToken != nil {
		acc.RefreshToken = *u.RefreshToken
	}
	if u.ProjectID != nil {
		acc.ProjectID = *u.ProjectID
	}
	if u.Email != nil {
		acc.Email = *u.Email
	}
	if u.Tier != nil {
		acc.Tier = *u.Tier
	}
}

// MinWaitTimeForFamily returns 0 if any non-rate-limited, valid-credential
// account exists for family; otherwise the minimum remaining wait across
// all accounts' rate-limit entries for family, never negative, or 0 if no
// family entries exist at all.
func (p *Pool) MinWaitTimeForFamily(family ModelFamily) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	p.pruneAllExpired(now)

	for _, acc := range p.accounts {
		if acc.Access == AccessInvalid {
			continue
		}
		if !acc.IsRateLimitedFor(family, now) {
			return 0
		}
	}

	var min int64 = -1
	nowMs := now.UnixMilli()
	for _, acc := range p.accounts {
		resetAt, ok := acc.RateLimitResetTimes[family]
		if !ok {
			continue
		}
		remaining := resetAt - nowMs
		if remaining < 0 {
			remaining = 0
		}
		if min == -1 || remaining < min {
			min = remaining
		}
	}
	if min == -1 {
		return 0
	}
	return min
}

// FindByRefreshToken performs the natural-key reconciliation scan used when
// ingesting externally-supplied seed records.
func (p *Pool) FindByRefreshToken(token string) *Account {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, acc := range p.accounts {
		if acc.RefreshToken == token {
			return acc
		}
	}
	return nil
}
