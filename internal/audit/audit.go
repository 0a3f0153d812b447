// Package audit provides an append-only, observational log of switch
// events and rate-limit marks. It is never consulted by selection logic;
// losing or disabling it cannot change any pool invariant.
package audit

import (
	"context"
	"database/sql"
	"time"

	"github.com/relaycore/antigravity-pool/internal/pool"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// Log appends switch/rate-limit events to an embedded SQLite database.
type Log struct {
	db *sql.DB
}

// Open creates (if needed) and opens the audit database at path.
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	const schema = `
CREATE TABLE IF NOT EXISTS switch_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	occurred_at_ms INTEGER NOT NULL,
	account_label TEXT NOT NULL,
	family TEXT NOT NULL,
	reason TEXT NOT NULL,
	detail TEXT
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Log{db: db}, nil
}

// Close releases the underlying database handle.
func (l *Log) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Record appends one event. Failures are logged and swallowed: the audit
// log is observational infrastructure, not part of the credential path.
func (l *Log) Record(ctx context.Context, accountLabel string, family pool.ModelFamily, reason pool.SwitchReason, detail string) {
	if l == nil || l.db == nil {
		return
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO switch_events (occurred_at_ms, account_label, family, reason, detail) VALUES (?, ?, ?, ?, ?)`,
		time.Now().UnixMilli(), accountLabel, string(family), string(reason), detail,
	)
	if err != nil {
		log.WithError(err).Warn("audit: failed to record switch event")
	}
}

// RecentEvents returns the most recent n events, newest first, for the
// status API or operator tooling.
func (l *Log) RecentEvents(ctx context.Context, n int) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT occurred_at_ms, account_label, family, reason, detail FROM switch_events ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var detail sql.NullString
		if err := rows.Scan(&e.OccurredAtMs, &e.AccountLabel, &e.Family, &e.Reason, &detail); err != nil {
			return nil, err
		}
		e.Detail = detail.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// Event is a single recorded switch/rate-limit occurrence.
type Event struct {
	OccurredAtMs int64
	AccountLabel string
	Family       string
	Reason       string
	Detail       string
}
