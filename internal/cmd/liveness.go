package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/relaycore/antigravity-pool/internal/liveness"
	"github.com/relaycore/antigravity-pool/internal/pool"
)

// LivenessResult holds the outcome of one account's liveness probe.
type LivenessResult struct {
	ID     string `json:"id"`
	Email  string `json:"email,omitempty"`
	Result string `json:"result"`
}

// TestAccounts runs the liveness prober against matching accounts' current
// access tokens and marks each valid or invalid in the pool accordingly. If
// identifier is empty every account is tested; otherwise identifier is
// matched by email or ID substring, mirroring RefreshTokens.
func TestAccounts(ctx context.Context, p *pool.Pool, store *pool.Store, prober *liveness.Prober, identifier string) ([]LivenessResult, error) {
	identifier = strings.TrimSpace(strings.ToLower(identifier))

	var results []LivenessResult
	for i := 0; i < p.Len(); i++ {
		acc := p.AccountAt(i)
		if acc == nil {
			continue
		}
		if identifier != "" &&
			!strings.Contains(strings.ToLower(acc.Email), identifier) &&
			!strings.Contains(strings.ToLower(acc.ID), identifier) {
			continue
		}
		if acc.AccessToken == "" {
			results = append(results, LivenessResult{ID: acc.ID, Email: acc.Email, Result: livenessLabel(liveness.ResultIndeterminate)})
			continue
		}

		res := prober.Test(ctx, acc.AccessToken)
		switch res {
		case liveness.ResultInvalid:
			p.MarkInvalidCredentials(acc, fmt.Errorf("liveness probe reported invalid credentials"))
		case liveness.ResultValid:
			p.MarkValidCredentials(acc)
		}
		results = append(results, LivenessResult{ID: acc.ID, Email: acc.Email, Result: livenessLabel(res)})
	}

	if err := store.Save(p.Snapshot()); err != nil {
		return results, fmt.Errorf("save after liveness test: %w", err)
	}
	return results, nil
}

func livenessLabel(r liveness.Result) string {
	switch r {
	case liveness.ResultValid:
		return "valid"
	case liveness.ResultInvalid:
		return "invalid"
	default:
		return "indeterminate"
	}
}
