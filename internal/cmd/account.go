// Package cmd provides CLI command implementations for poolctl.
package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/relaycore/antigravity-pool/internal/pool"
)

// ANSI color codes for terminal output.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorDim    = "\033[2m"
)

// AccountRow holds one account's display fields for ListAccounts/ShowStatus.
type AccountRow struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Tier      string `json:"tier"`
	Access    string `json:"access"`
	ProjectID string `json:"projectId"`
	ExpiresAt string `json:"expiresAt"`
	IsExpired bool   `json:"isExpired"`
}

// ListAccounts prints every account in the store, one row per account.
func ListAccounts(store *pool.Store, jsonOutput bool) error {
	storage, ok := store.Load()
	if !ok {
		storage = &pool.AccountStorage{Version: pool.CurrentVersion}
	}

	rows := rowsFor(storage.Accounts)
	if jsonOutput {
		return outputJSON(rows)
	}
	return outputTable(rows)
}

func rowsFor(accounts []*pool.Account) []AccountRow {
	now := time.Now().UnixMilli()
	rows := make([]AccountRow, 0, len(accounts))
	for _, acc := range accounts {
		if acc == nil {
			continue
		}
		rows = append(rows, AccountRow{
			ID:        acc.ID,
			Email:     acc.Email,
			Tier:      string(acc.Tier),
			Access:    accessLabel(acc.Access),
			ProjectID: acc.ProjectID,
			ExpiresAt: time.UnixMilli(acc.ExpiresAt).Format(time.RFC3339),
			IsExpired: acc.ExpiresAt > 0 && acc.ExpiresAt <= now,
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Email < rows[j].Email })
	return rows
}

func accessLabel(a pool.Access) string {
	switch a {
	case pool.AccessValid:
		return "valid"
	case pool.AccessInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

func outputJSON(rows []AccountRow) error {
	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func outputTable(rows []AccountRow) error {
	if len(rows) == 0 {
		fmt.Println(colorDim + "no accounts in pool" + colorReset)
		return nil
	}
	fmt.Printf("%-36s %-28s %-6s %-8s %s\n", "ID", "EMAIL", "TIER", "ACCESS", "EXPIRES")
	for _, r := range rows {
		access := colorGreen + r.Access + colorReset
		if r.Access == "invalid" {
			access = colorRed + r.Access + colorReset
		} else if r.Access == "unknown" {
			access = colorYellow + r.Access + colorReset
		}
		fmt.Printf("%-36s %-28s %-6s %-8s %s\n", r.ID, r.Email, r.Tier, access, r.ExpiresAt)
	}
	return nil
}

// RemoveAccount removes the account at the given index and persists the
// pool, printing confirmation to stderr.
func RemoveAccount(store *pool.Store, p *pool.Pool, index int) error {
	if !p.RemoveAccount(index) {
		return fmt.Errorf("no account at index %d", index)
	}
	if err := store.Save(p.Snapshot()); err != nil {
		return fmt.Errorf("save after remove: %w", err)
	}
	fmt.Fprintf(os.Stderr, "removed account at index %d\n", index)
	return nil
}
