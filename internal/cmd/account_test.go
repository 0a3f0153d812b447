package cmd

import (
	"path/filepath"
	"testing"

	"github.com/relaycore/antigravity-pool/internal/pool"
)

func TestListAccounts_EmptyPoolIsNotError(t *testing.T) {
	store := pool.NewStore(filepath.Join(t.TempDir(), "accounts.json"))
	if err := ListAccounts(store, true); err != nil {
		t.Fatalf("ListAccounts() error = %v", err)
	}
}

func TestRowsFor_SortsByEmail(t *testing.T) {
	accounts := []*pool.Account{
		{ID: "1", Email: "zed@example.com"},
		{ID: "2", Email: "amy@example.com"},
	}
	rows := rowsFor(accounts)
	if len(rows) != 2 || rows[0].Email != "amy@example.com" {
		t.Fatalf("rowsFor() = %+v, want amy@example.com first", rows)
	}
}

func TestRemoveAccount_UnknownIndex(t *testing.T) {
	store := pool.NewStore(filepath.Join(t.TempDir(), "accounts.json"))
	p := pool.NewPool()
	if err := RemoveAccount(store, p, 0); err == nil {
		t.Fatal("expected error removing from empty pool")
	}
}
