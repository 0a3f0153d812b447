// Package pool implements the durable multi-account credential pool: the
// account record shape, its on-disk storage format, and the in-memory
// selection/mutation primitives used by the credential broker and dispatch
// loop.
package pool

import "time"

// ModelFamily is the closed set of rate-limit scheduling buckets. Family is
// derived from a model identifier, never stored verbatim from caller input.
type ModelFamily string

const (
	FamilyClaude      ModelFamily = "claude"
	FamilyGeminiFlash ModelFamily = "gemini-flash"
	FamilyGeminiPro   ModelFamily = "gemini-pro"
)

// ModelFamilyFor derives a ModelFamily from a model identifier by
// case-insensitive substring match: "claude" wins over "flash", which wins
// over the gemini-pro default.
func ModelFamilyFor(modelID string) ModelFamily {
	lower := toLower(modelID)
	switch {
	case contains(lower, "claude"):
		return FamilyClaude
	case contains(lower, "flash"):
		return FamilyGeminiFlash
	default:
		return FamilyGeminiPro
	}
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func contains(haystack, needle string) bool {
	if len(needle) == 0 {
		return true
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

// AccountTier is the closed set of billing tiers. Paid is preferred over
// free during selection.
type AccountTier string

const (
	TierFree AccountTier = "free"
	TierPaid AccountTier = "paid"
)

// SwitchReason is advisory, recorded on an Account purely for observability
// and the audit log; selection logic never reads it back.
type SwitchReason string

const (
	SwitchRateLimit    SwitchReason = "rate-limit"
	SwitchInitial      SwitchReason = "initial"
	SwitchRotation     SwitchReason = "rotation"
	SwitchInvalidCreds SwitchReason = "invalid-creds"
)

// Access is the tri-state liveness of an account's credentials. The zero
// value is AccessUnknown: absent is not the same as known-bad, and
// selection must be able to tell them apart (spec's hasAccess tri-state).
type Access int

const (
	AccessUnknown Access = iota
	AccessValid
	AccessInvalid
)

// Account is the persisted record for a single upstream OAuth identity.
type Account struct {
	// ID is a stable synthetic identifier, not part of the persisted schema
	// but assigned on hydrate/add so logs and the audit table can name an
	// account without leaking the refresh token.
	ID string `json:"-"`

	Email   string      `json:"email,omitempty"`
	Tier    AccountTier `json:"tier,omitempty"`
	Access  Access      `json:"-"`

	RefreshToken string `json:"refreshToken"`
	ProjectID    string `json:"projectId,omitempty"`
	AccessToken  string `json:"access,omitempty"`
	ExpiresAt    int64  `json:"expires,omitempty"` // epoch-ms

	AddedAt  int64 `json:"addedAt"`
	LastUsed int64 `json:"lastUsed"`

	LastSwitchReason SwitchReason `json:"lastSwitchReason,omitempty"`

	RateLimitResetTimes map[ModelFamily]int64 `json:"rateLimitResetTimes,omitempty"`

	LastError   string `json:"lastError,omitempty"`
	LastErrorAt int64  `json:"lastErrorAt,omitempty"`

	// HasAccess mirrors Access for JSON round-tripping: true/false/absent.
	HasAccess *bool `json:"hasAccess,omitempty"`
}

// syncHasAccess keeps the JSON-facing *bool in step with the in-memory
// tri-state enum before a Save.
func (a *Account) syncHasAccess() {
	switch a.Access {
	case AccessValid:
		v := true
		a.HasAccess = &v
	case AccessInvalid:
		v := false
		a.HasAccess = &v
	default:
		a.HasAccess = nil
	}
}

// syncAccessField restores the in-memory tri-state enum from the JSON
// *bool after a Load.
func (a *Account) syncAccessField() {
	switch {
	case a.HasAccess == nil:
		a.Access = AccessUnknown
	case *a.HasAccess:
		a.Access = AccessValid
	default:
		a.Access = AccessInvalid
	}
}

// IsRateLimitedFor reports whether the account has an active (non-expired)
// rate limit for the given family as of now.
func (a *Account) IsRateLimitedFor(family ModelFamily, now time.Time) bool {
	if len(a.RateLimitResetTimes) == 0 {
		return false
	}
	resetAt, ok := a.RateLimitResetTimes[family]
	if !ok {
		return false
	}
	return resetAt > now.UnixMilli()
}

// pruneExpired drops rate-limit entries that have already elapsed. A
// resetAt <= now is semantically absent per spec and must not survive a
// save (§9 design note: prune on load or on save).
func (a *Account) pruneExpired(now time.Time) {
	if len(a.RateLimitResetTimes) == 0 {
		return
	}
	nowMs := now.UnixMilli()
	for family, resetAt := range a.RateLimitResetTimes {
		if resetAt <= nowMs {
			delete(a.RateLimitResetTimes, family)
		}
	}
}

// AccountStorage is the on-disk shape: version 2, a dense account sequence,
// and the active-account cursor.
type AccountStorage struct {
	Version     int        `json:"version"`
	ActiveIndex int        `json:"activeIndex"`
	Accounts    []*Account `json:"accounts"`
}

// CurrentVersion is the only AccountStorage.Version this core understands.
// Anything else is treated as absent; there is no implicit migration.
const CurrentVersion = 2

// MaxAccounts is the hard cap on pool size.
const MaxAccounts = 10
