package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/relaycore/antigravity-pool/internal/pool"
	"github.com/relaycore/antigravity-pool/internal/refresher"
)

// RefreshResult holds the result of one account's refresh attempt.
type RefreshResult struct {
	ID        string `json:"id"`
	Email     string `json:"email,omitempty"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	ExpiresAt string `json:"expiresAt,omitempty"`
}

// RefreshTokens refreshes the access token for matching accounts. If
// identifier is empty every account in the pool is refreshed; otherwise
// identifier is matched by email or ID substring.
func RefreshTokens(ctx context.Context, p *pool.Pool, store *pool.Store, r *refresher.Refresher, identifier string, jsonOutput bool) ([]RefreshResult, error) {
	identifier = strings.TrimSpace(strings.ToLower(identifier))

	var results []RefreshResult
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

		res, ok := r.Refresh(ctx, acc.RefreshToken, acc.ProjectID)
		if !ok {
			p.MarkInvalidCredentials(acc, fmt.Errorf("refresh failed"))
			results = append(results, RefreshResult{ID: acc.ID, Email: acc.Email, Success: false, Error: "refresh failed"})
			continue
		}

		p.UpdateAccount(acc, pool.AccountUpdate{AccessToken: &res.AccessToken, ExpiresAt: &res.ExpiresAtMs})
		p.MarkValidCredentials(acc)
		results = append(results, RefreshResult{
			ID:        acc.ID,
			Email:     acc.Email,
			Success:   true,
			ExpiresAt: time.UnixMilli(res.ExpiresAtMs).Format(time.RFC3339),
		})
	}

	if err := store.Save(p.Snapshot()); err != nil {
		return results, fmt.Errorf("save after refresh: %w", err)
	}
	return results, nil
}
