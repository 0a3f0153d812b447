package audit

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/relaycore/antigravity-pool/internal/pool"
)

func TestLog_RecordAndRecentEvents(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "audit.db")
	l, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer l.Close()

	ctx := context.Background()
	l.Record(ctx, "alice@example.com", pool.FamilyClaude, pool.SwitchRateLimit, "cooldown 60000ms")
	l.Record(ctx, "bob@example.com", pool.FamilyGeminiPro, pool.SwitchRotation, "")

	events, err := l.RecentEvents(ctx, 10)
	if err != nil {
		t.Fatalf("RecentEvents() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
	if events[0].AccountLabel != "bob@example.com" {
		t.Fatalf("expected newest-first ordering, got %+v", events[0])
	}
}
