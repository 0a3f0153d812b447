// Package refresher wraps the external OAuth refresh-token grant call with
// a hard timeout and idempotent, singleflight-deduplicated execution.
package refresher

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// DefaultTimeout is the hard bound spec §4.3 places on a single refresh
// call.
const DefaultTimeout = 15 * time.Second

// tokenEndpoint is the Google OAuth2 token endpoint used to exchange a
// refresh token for a new access token, the same endpoint the Antigravity
// executor's refresh path calls.
const tokenEndpoint = "https://oauth2.googleapis.com/token"

// DefaultClientID and DefaultClientSecret are the Antigravity desktop
// client's registered OAuth credentials, the same values the teacher's
// executor submits as client_id/client_secret on every refresh grant.
// They identify the client application to Google, not any individual
// account, so shipping them as defaults is the same tradeoff the teacher
// itself makes.
const (
	DefaultClientID     = "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com"
	DefaultClientSecret = "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"
)

// Result is the outcome of a successful refresh.
type Result struct {
	AccessToken string
	ExpiresAtMs int64
}

// Refresher performs the OAuth refresh-token grant. The zero value uses
// http.DefaultClient and DefaultTimeout.
type Refresher struct {
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
	Timeout      time.Duration

	group singleflight.Group
}

func (r *Refresher) client() *http.Client {
	if r.HTTPClient != nil {
		return r.HTTPClient
	}
	return http.DefaultClient
}

func (r *Refresher) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return DefaultTimeout
}

func (r *Refresher) clientID() string {
	if r.ClientID != "" {
		return r.ClientID
	}
	return DefaultClientID
}

func (r *Refresher) clientSecret() string {
	if r.ClientSecret != "" {
		return r.ClientSecret
	}
	return DefaultClientSecret
}

// Refresh exchanges refreshToken for a new access token. It requires both
// refreshToken and projectID to be non-empty (spec §4.3); the caller
// decides whether a nil result is fatal. Concurrent calls for the same
// refresh token are collapsed into a single network round trip via
// singleflight, matching the idempotent/monotonic refresh semantics spec
// §5 requires under concurrent races.
func (r *Refresher) Refresh(ctx context.Context, refreshToken, projectID string) (*Result, bool) {
	if refreshToken == "" || projectID == "" {
		return nil, false
	}

	v, err, _ := r.group.Do(refreshToken, func() (interface{}, error) {
		return r.doRefresh(ctx, refreshToken)
	})
	if err != nil {
		log.WithError(err).Warn("refresher: refresh failed")
		return nil, false
	}
	res, ok := v.(*Result)
	if !ok || res == nil {
		return nil, false
	}
	return res, true
}

// doRefresh performs the refresh-token grant via golang.org/x/oauth2's
// Config.TokenSource, which issues exactly the same POST the hand-rolled
// form submit would, but gives us standards-compliant parsing of
// access_token/expires_in (and refresh_token rotation, if the provider
// issues one) for free.
func (r *Refresher) doRefresh(ctx context.Context, refreshToken string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout())
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.client())

	oauthCfg := &oauth2.Config{
		ClientID:     r.clientID(),
		ClientSecret: r.clientSecret(),
		Endpoint:     oauth2.Endpoint{TokenURL: tokenEndpoint},
	}
	source := oauthCfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})

	token, err := source.Token()
	if err != nil {
		return nil, err
	}
	if token.AccessToken == "" {
		return nil, errMissingAccessToken
	}

	return &Result{
		AccessToken: token.AccessToken,
		ExpiresAtMs: token.Expiry.UnixMilli(),
	}, nil
}

var errMissingAccessToken = &missingAccessTokenError{}

type missingAccessTokenError struct{}

func (*missingAccessTokenError) Error() string { return "refresher: response missing access_token" }
