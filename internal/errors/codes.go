package errors

// Error codes for the account pool and dispatch engine (spec §7). These are
// not transport types; they classify why a credential or dispatch
// operation failed so callers and the dispatch loop can decide on retry.
const (
	CodeNoAccounts        = "NO_ACCOUNTS"
	CodeNoProjectID       = "NO_PROJECT_ID"
	CodeRefreshFailed     = "REFRESH_FAILED"
	CodeRateLimitedAll    = "RATE_LIMITED_ALL"
	CodeActivityTimeout   = "ACTIVITY_TIMEOUT"
	CodeExplicitRateLimit = "EXPLICIT_RATE_LIMIT"
)

// NoAccounts reports that the pool holds no accounts at all.
func NoAccounts() *AppError {
	return New(503, CodeNoAccounts, "no accounts configured in the pool", nil)
}

// NoProjectID reports that the selected account has no project ID. The
// broker itself returns a nil credential rather than this error (spec
// §4.4 step 6); it exists so callers and the audit log can classify the
// nil result.
func NoProjectID(accountLabel string) *AppError {
	e := New(424, CodeNoProjectID, "account "+accountLabel+" has no project ID", nil)
	e.Details = map[string]interface{}{"account": accountLabel}
	return e
}

// RefreshFailed reports that a token refresh (and its one fallback
// attempt) both failed, naming the offending account.
func RefreshFailed(accountLabel string, cause error) *AppError {
	e := New(502, CodeRefreshFailed, "token refresh failed for "+accountLabel+"; re-authenticate this account", cause)
	e.Details = map[string]interface{}{"account": accountLabel}
	return e
}

// RateLimitedAll reports that every account is currently rate-limited for
// the family, carrying the minimum wait before any of them recovers.
func RateLimitedAll(family string, retryAfterMs int64) *AppError {
	e := New(429, CodeRateLimitedAll, "all accounts are rate-limited for "+family, nil)
	e.Details = map[string]interface{}{"family": family, "retryAfterMs": retryAfterMs}
	return e
}

// ActivityTimeout reports that a dispatch attempt stalled past the
// activity watchdog threshold.
func ActivityTimeout(accountLabel, family string) *AppError {
	e := New(504, CodeActivityTimeout, "no streaming activity observed for "+accountLabel, nil)
	e.Details = map[string]interface{}{"account": accountLabel, "family": family}
	return e
}

// ExplicitRateLimit reports that the upstream call itself returned a
// recognizable rate-limit error.
func ExplicitRateLimit(accountLabel, family string, cause error) *AppError {
	e := New(429, CodeExplicitRateLimit, "upstream rate-limited "+accountLabel, cause)
	e.Details = map[string]interface{}{"account": accountLabel, "family": family}
	return e
}
