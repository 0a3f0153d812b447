package pool

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// Store is the durable persistence layer for AccountStorage: a single
// versioned JSON file with restrictive permissions, atomic overwrite, and a
// best-effort gzip backup of the previous generation.
type Store struct {
	path       string
	backupPath string
}

// NewStore returns a Store rooted at path. The backup generation is written
// alongside it as path+".bak.gz".
func NewStore(path string) *Store {
	return &Store{path: path, backupPath: path + ".bak.gz"}
}

// Load reads the account storage file. Any failure to find or parse a valid
// version-2 file is reported as "absent" (ok=false) rather than an error:
// per spec §4.1, failure to parse is indistinguishable from absence and no
// exception escapes this call.
func (s *Store) Load() (*AccountStorage, bool) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, false
	}
	var storage AccountStorage
	if err := json.Unmarshal(data, &storage); err != nil {
		return nil, false
	}
	if storage.Version != CurrentVersion {
		return nil, false
	}
	if storage.Accounts == nil {
		storage.Accounts = []*Account{}
	}
	now := time.Now()
	for _, acc := range storage.Accounts {
		if acc == nil {
			continue
		}
		acc.syncAccessField()
		acc.pruneExpired(now)
		if acc.ID == "" {
			acc.ID = uuid.NewString()
		}
	}
	if storage.ActiveIndex < 0 || (len(storage.Accounts) > 0 && storage.ActiveIndex >= len(storage.Accounts)) {
		storage.ActiveIndex = 0
	}
	return &storage, true
}

// Save writes storage atomically: parent directory mode 0700, a temp file
// in the same directory chmod'd 0600, then an os.Rename over the final
// path. Before overwriting, the previous generation (if any) is gzipped to
// backupPath on a best-effort basis; a backup failure never blocks the
// save itself.
func (s *Store) Save(storage *AccountStorage) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	s.backupPrevious()

	now := time.Now()
	for _, acc := range storage.Accounts {
		if acc == nil {
			continue
		}
		acc.pruneExpired(now)
		acc.syncHasAccess()
	}

	data, err := json.MarshalIndent(storage, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, ".accounts-*.json.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// backupPrevious gzips the current on-disk generation to backupPath. Errors
// are logged and swallowed; the backup is a convenience, not a durability
// guarantee.
func (s *Store) backupPrevious() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	f, err := os.OpenFile(s.backupPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		log.WithError(err).Warn("pool: could not open backup file")
		return
	}
	defer f.Close()
	gw := gzip.NewWriter(f)
	if _, err := gw.Write(data); err != nil {
		log.WithError(err).Warn("pool: could not write backup")
		return
	}
	if err := gw.Close(); err != nil {
		log.WithError(err).Warn("pool: could not flush backup")
	}
}

// LoadLegacySeed reads the single-credential legacy file, shape
// {"google-antigravity": {refresh, access, expires, projectId}}, used only
// to seed a one-element pool when no multi-account file exists. Unknown
// sibling keys in the file are ignored rather than rejected, since the
// legacy file is owned by an external collaborator (the OAuth login tool).
func LoadLegacySeed(path, providerKey string) (*Account, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	if !gjson.ValidBytes(data) {
		return nil, false
	}
	root := gjson.GetBytes(data, gjsonEscape(providerKey))
	if !root.Exists() {
		return nil, false
	}
	refresh := root.Get("refresh").String()
	if refresh == "" {
		return nil, false
	}
	acc := &Account{
		ID:           uuid.NewString(),
		RefreshToken: refresh,
		ProjectID:    root.Get("projectId").String(),
		AccessToken:  root.Get("access").String(),
		ExpiresAt:    root.Get("expires").Int(),
		AddedAt:      time.Now().UnixMilli(),
	}
	return acc, true
}

// gjsonEscape escapes a map key for use as a gjson path segment (dots and
// the other path metacharacters are not expected in provider keys, but this
// keeps the lookup correct if one ever contains a dot).
func gjsonEscape(key string) string {
	out := make([]byte, 0, len(key))
	for i := 0; i < len(key); i++ {
		c := key[i]
		if c == '.' || c == '*' || c == '?' || c == '|' {
			out = append(out, '\\')
		}
		out = append(out, c)
	}
	return string(out)
}
