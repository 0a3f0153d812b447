package broker

import (
	"context"
	"testing"
	"time"

	"github.com/relaycore/antigravity-pool/internal/pool"
	"github.com/relaycore/antigravity-pool/internal/refresher"
)

func farFuture() int64 {
	return time.Now().Add(time.Hour).UnixMilli()
}

// fakeRefresher implements TokenRefresher with per-refresh-token canned
// outcomes, mirroring the injectable-function mock style the teacher's
// conductor_test.go uses for its own collaborators.
type fakeRefresher struct {
	outcomes map[string]*refresher.Result
}

func (f *fakeRefresher) Refresh(_ context.Context, refreshToken, projectID string) (*refresher.Result, bool) {
	if projectID == "" {
		return nil, false
	}
	res, ok := f.outcomes[refreshToken]
	if !ok || res == nil {
		return nil, false
	}
	return res, true
}

func newTestBroker(p *pool.Pool, fr *fakeRefresher) *Broker {
	return &Broker{Pool: p, Refresher: fr}
}

func TestBroker_BrokerFallbackOnRefreshFailure(t *testing.T) {
	a := &pool.Account{RefreshToken: "tokA", ProjectID: "P_A"}
	b := &pool.Account{RefreshToken: "tokB", ProjectID: "P_B", AccessToken: "old", ExpiresAt: time.Now().Add(time.Hour).UnixMilli()}
	p := pool.NewPool()
	p.Hydrate(&pool.AccountStorage{Version: pool.CurrentVersion, Accounts: []*pool.Account{a, b}})

	fr := &fakeRefresher{outcomes: map[string]*refresher.Result{
		"tokB": {AccessToken: "tokB-fresh", ExpiresAtMs: time.Now().Add(time.Hour).UnixMilli()},
	}}
	br := newTestBroker(p, fr)

	cred, err := br.GetCredentialForModel(context.Background(), "claude-sonnet-4-5")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cred == nil {
		t.Fatalf("expected a fallback credential, got nil")
	}
	if cred.ProjectID != "P_B" {
		t.Fatalf("ProjectID = %q, want P_B (fallback account)", cred.ProjectID)
	}
	if a.RateLimitResetTimes[pool.FamilyClaude] == 0 {
		t.Fatalf("expected account A to be marked rate-limited after refresh failure")
	}
}

func TestBroker_AllRateLimited(t *testing.T) {
	a := &pool.Account{RefreshToken: "tokA", ProjectID: "P_A"}
	b := &pool.Account{RefreshToken: "tokB", ProjectID: "P_B"}
	p := pool.NewPool()
	p.Hydrate(&pool.AccountStorage{Version: pool.CurrentVersion, Accounts: []*pool.Account{a, b}})
	p.MarkRateLimited(a, 30000, pool.FamilyGeminiPro)
	p.MarkRateLimited(b, 30000, pool.FamilyGeminiPro)

	br := newTestBroker(p, &fakeRefresher{})
	_, err := br.GetCredentialForModel(context.Background(), "gemini-2.5-pro")
	if err == nil {
		t.Fatalf("expected RateLimitedAll error")
	}
}

func TestBroker_NoAccounts(t *testing.T) {
	p := pool.NewPool()
	br := newTestBroker(p, &fakeRefresher{})
	_, err := br.GetCredentialForModel(context.Background(), "claude-sonnet-4-5")
	if err == nil {
		t.Fatalf("expected NoAccounts error")
	}
}

func TestBroker_NoProjectID_ReturnsNilNoError(t *testing.T) {
	a := &pool.Account{RefreshToken: "tokA"}
	p := pool.NewPool()
	p.Hydrate(&pool.AccountStorage{Version: pool.CurrentVersion, Accounts: []*pool.Account{a}})

	br := newTestBroker(p, &fakeRefresher{})
	cred, err := br.GetCredentialForModel(context.Background(), "claude-sonnet-4-5")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cred != nil {
		t.Fatalf("expected nil credential when account has no project ID")
	}
}

func TestBroker_FreshTokenSkipsRefresh(t *testing.T) {
	a := &pool.Account{
		RefreshToken: "tokA",
		ProjectID:    "P_A",
		AccessToken:  "still-good",
		ExpiresAt:    farFuture(),
	}
	p := pool.NewPool()
	p.Hydrate(&pool.AccountStorage{Version: pool.CurrentVersion, Accounts: []*pool.Account{a}})

	br := newTestBroker(p, &fakeRefresher{})
	cred, err := br.GetCredentialForModel(context.Background(), "claude-sonnet-4-5")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cred == nil || cred.Access != "still-good" {
		t.Fatalf("expected fresh token to be reused unchanged, got %+v", cred)
	}
}
