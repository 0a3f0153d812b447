package pool

import (
	"os"
	"path/filepath"
	"testing"
)

func TestStore_SaveThenLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "accounts.json")
	s := NewStore(path)

	storage := &AccountStorage{
		Version:     CurrentVersion,
		ActiveIndex: 1,
		Accounts: []*Account{
			{RefreshToken: "r1", ProjectID: "p1", Email: "a@example.com", Tier: TierFree},
			{RefreshToken: "r2", ProjectID: "p2", Email: "b@example.com", Tier: TierPaid},
		},
	}

	if err := s.Save(storage); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat() error = %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("file mode = %v, want 0600", info.Mode().Perm())
	}

	dirInfo, err := os.Stat(filepath.Dir(path))
	if err != nil {
		t.Fatalf("stat(dir) error = %v", err)
	}
	if dirInfo.Mode().Perm() != 0o700 {
		t.Fatalf("dir mode = %v, want 0700", dirInfo.Mode().Perm())
	}

	loaded, ok := s.Load()
	if !ok {
		t.Fatalf("Load() ok = false, want true")
	}
	if loaded.ActiveIndex != 1 || len(loaded.Accounts) != 2 {
		t.Fatalf("loaded storage mismatch: %+v", loaded)
	}
	if loaded.Accounts[0].RefreshToken != "r1" || loaded.Accounts[1].RefreshToken != "r2" {
		t.Fatalf("round-tripped accounts mismatch: %+v", loaded.Accounts)
	}
}

func TestStore_Load_MissingFileIsAbsent(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "does-not-exist.json"))
	_, ok := s.Load()
	if ok {
		t.Fatalf("Load() ok = true for missing file, want false")
	}
}

func TestStore_Load_MalformedJSONIsAbsent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "accounts.json")
	if err := os.WriteFile(path, []byte("{not valid json"), 0o600); err != nil {
		t.Fatalf("setup WriteFile error = %v", err)
	}
	s := NewStore(path)
	_, ok := s.Load()
	if ok {
		t.Fatalf("Load() ok = true for malformed JSON, want false")
	}
}

func TestStore_Load_WrongVersionIsAbsent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "accounts.json")
	if err := os.WriteFile(path, []byte(`{"version":1,"accounts":[]}`), 0o600); err != nil {
		t.Fatalf("setup WriteFile error = %v", err)
	}
	s := NewStore(path)
	_, ok := s.Load()
	if ok {
		t.Fatalf("Load() ok = true for version != 2, want false")
	}
}

func TestStore_Load_ClampsOutOfRangeActiveIndex(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "accounts.json")
	body := `{"version":2,"activeIndex":99,"accounts":[{"refreshToken":"r1"}]}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("setup WriteFile error = %v", err)
	}
	s := NewStore(path)
	loaded, ok := s.Load()
	if !ok {
		t.Fatalf("Load() ok = false, want true")
	}
	if loaded.ActiveIndex != 0 {
		t.Fatalf("ActiveIndex = %d, want clamped to 0", loaded.ActiveIndex)
	}
}

func TestLoadLegacySeed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "legacy.json")
	body := `{"google-antigravity":{"refresh":"rtok","access":"atok","expires":12345,"projectId":"proj-1"},"other-provider":{"refresh":"ignored"}}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("setup WriteFile error = %v", err)
	}

	acc, ok := LoadLegacySeed(path, "google-antigravity")
	if !ok {
		t.Fatalf("LoadLegacySeed() ok = false, want true")
	}
	if acc.RefreshToken != "rtok" || acc.ProjectID != "proj-1" || acc.AccessToken != "atok" || acc.ExpiresAt != 12345 {
		t.Fatalf("unexpected legacy seed account: %+v", acc)
	}
}

func TestLoadLegacySeed_MissingKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "legacy.json")
	if err := os.WriteFile(path, []byte(`{"other-provider":{"refresh":"x"}}`), 0o600); err != nil {
		t.Fatalf("setup WriteFile error = %v", err)
	}
	_, ok := LoadLegacySeed(path, "google-antigravity")
	if ok {
		t.Fatalf("LoadLegacySeed() ok = true, want false for missing provider key")
	}
}
