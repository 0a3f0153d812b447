package pool

import (
	"testing"
	"time"
)

func accountAt(tier AccountTier, access Access) *Account {
	return &Account{Tier: tier, Access: access}
}

func TestSelectAccountForFamily_TierUpgradeUnderSticky(t *testing.T) {
	p := NewPool()
	a := accountAt(TierFree, AccessUnknown)
	b := accountAt(TierPaid, AccessUnknown)
	p.Hydrate(&AccountStorage{Version: CurrentVersion, ActiveIndex: 0, Accounts: []*Account{a, b}})

	got := p.SelectAccountForFamily(FamilyGeminiPro, ModeSticky)
	if got != b {
		t.Fatalf("expected tier upgrade to account B, got %v", got)
	}
	if p.currentAccountIndex != 1 {
		t.Fatalf("currentAccountIndex = %d, want 1", p.currentAccountIndex)
	}
}

func TestSelectAccountForFamily_FamilyIsolation(t *testing.T) {
	p := NewPool()
	a := accountAt(TierFree, AccessUnknown)
	p.Hydrate(&AccountStorage{Version: CurrentVersion, Accounts: []*Account{a}})

	p.MarkRateLimited(a, 60000, FamilyClaude)

	if got := p.SelectAccountForFamily(FamilyGeminiFlash, ModeSticky); got != a {
		t.Fatalf("expected unrelated family to still return the account")
	}
	if got := p.SelectAccountForFamily(FamilyClaude, ModeSticky); got != nil {
		t.Fatalf("expected rate-limited family to return nil, got %v", got)
	}
	wait := p.MinWaitTimeForFamily(FamilyClaude)
	if wait <= 0 || wait > 60000 {
		t.Fatalf("minWaitTimeForFamily(claude) = %d, want in (0, 60000]", wait)
	}
}

func TestSelectAccountForFamily_RoundRobinFairnessAmongPaidConfirmed(t *testing.T) {
	p := NewPool()
	p1 := accountAt(TierPaid, AccessValid)
	p2 := accountAt(TierPaid, AccessValid)
	f := accountAt(TierFree, AccessValid)
	p.Hydrate(&AccountStorage{Version: CurrentVersion, Accounts: []*Account{p1, p2, f}})

	got1 := p.SelectAccountForFamily(FamilyClaude, ModeRoundRobin)
	got2 := p.SelectAccountForFamily(FamilyClaude, ModeRoundRobin)
	got3 := p.SelectAccountForFamily(FamilyClaude, ModeRoundRobin)

	if got1 != p1 || got2 != p2 || got3 != p1 {
		t.Fatalf("round-robin sequence = %v, %v, %v; want p1, p2, p1", got1, got2, got3)
	}
}

func TestAddAccount_CapEnforced(t *testing.T) {
	p := NewPool()
	for i := 0; i < MaxAccounts; i++ {
		if !p.AddAccount(&Account{RefreshToken: "tok"}) {
			t.Fatalf("expected add %d to succeed", i)
		}
	}
	if p.AddAccount(&Account{RefreshToken: "overflow"}) {
		t.Fatalf("expected add past cap to fail")
	}
}

func TestAddAccountThenRemoveAccount_DenseReindex(t *testing.T) {
	p := NewPool()
	p.AddAccount(&Account{RefreshToken: "a"})
	p.AddAccount(&Account{RefreshToken: "b"})
	p.AddAccount(&Account{RefreshToken: "c"})

	if !p.RemoveAccount(1) {
		t.Fatalf("expected remove to succeed")
	}
	if p.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", p.Len())
	}
	if p.accounts[0].RefreshToken != "a" || p.accounts[1].RefreshToken != "c" {
		t.Fatalf("unexpected account order after removal: %+v", p.accounts)
	}
}

func TestMinWaitTimeForFamily_AllRateLimited(t *testing.T) {
	p := NewPool()
	a := accountAt(TierFree, AccessUnknown)
	b := accountAt(TierFree, AccessUnknown)
	p.Hydrate(&AccountStorage{Version: CurrentVersion, Accounts: []*Account{a, b}})

	p.MarkRateLimited(a, 30000, FamilyGeminiPro)
	p.MarkRateLimited(b, 30000, FamilyGeminiPro)

	got := p.SelectAccountForFamily(FamilyGeminiPro, ModeRoundRobin)
	if got != nil {
		t.Fatalf("expected nil selection when all rate-limited, got %v", got)
	}
	wait := p.MinWaitTimeForFamily(FamilyGeminiPro)
	if wait <= 0 || wait > 30000 {
		t.Fatalf("minWaitTimeForFamily = %d, want in (0, 30000]", wait)
	}
}

func TestExpiredRateLimit_TreatedAsAbsent(t *testing.T) {
	p := NewPool()
	a := accountAt(TierFree, AccessUnknown)
	p.Hydrate(&AccountStorage{Version: CurrentVersion, Accounts: []*Account{a}})
	if a.RateLimitResetTimes == nil {
		a.RateLimitResetTimes = map[ModelFamily]int64{}
	}
	a.RateLimitResetTimes[FamilyClaude] = time.Now().Add(-time.Minute).UnixMilli()

	got := p.SelectAccountForFamily(FamilyClaude, ModeSticky)
	if got != a {
		t.Fatalf("expected expired rate limit to be treated as absent")
	}
	if _, ok := a.RateLimitResetTimes[FamilyClaude]; ok {
		t.Fatalf("expected expired entry to be pruned")
	}
}

func TestMarkInvalidCredentials_ExcludedFromSelection(t *testing.T) {
	p := NewPool()
	a := accountAt(TierFree, AccessUnknown)
	b := accountAt(TierFree, AccessUnknown)
	p.Hydrate(&AccountStorage{Version: CurrentVersion, Accounts: []*Account{a, b}})

	p.MarkInvalidCredentials(a, nil)

	got := p.SelectAccountForFamily(FamilyGeminiPro, ModeRoundRobin)
	if got != b {
		t.Fatalf("expected selection to skip invalid-credential account, got %v", got)
	}
}

func TestFindByRefreshToken(t *testing.T) {
	p := NewPool()
	p.AddAccount(&Account{RefreshToken: "alpha"})
	p.AddAccount(&Account{RefreshToken: "beta"})

	got := p.FindByRefreshToken("beta")
	if got == nil || got.RefreshToken != "beta" {
		t.Fatalf("FindByRefreshToken(beta) = %v", got)
	}
	if p.FindByRefreshToken("missing") != nil {
		t.Fatalf("expected nil for unknown token")
	}
}

func TestModelFamilyFor(t *testing.T) {
	cases := map[string]ModelFamily{
		"claude-sonnet-4-5":   FamilyClaude,
		"CLAUDE-OPUS":         FamilyClaude,
		"gemini-2.5-flash":    FamilyGeminiFlash,
		"gemini-2.5-pro":      FamilyGeminiPro,
		"unknown-model-name":  FamilyGeminiPro,
	}
	for model, want := range cases {
		if got := ModelFamilyFor(model); got != want {
			t.Errorf("ModelFamilyFor(%q) = %q, want %q", model, got, want)
		}
	}
}
