// Package ledger tracks which recorded sources have already produced an
// encoded artifact, so categorization never re-queues finished work. The
// set is kept in SQLite next to the stage markers; callers must not run
// two encode passes concurrently, which the process instance lock
// guarantees.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

const schema = `
CREATE TABLE IF NOT EXISTS encoded_files (
    name       TEXT PRIMARY KEY,
    created_at TEXT NOT NULL
);
`

// Ledger is the persistent set of encoded artifact names.
type Ledger struct {
	db   *sql.DB
	path string
}

// Open connects to the ledger database at path, creating it on first use.
func Open(path string) (*Ledger, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("ledger: path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply ledger schema: %w", err)
	}
	return &Ledger{db: db, path: path}, nil
}

// Close closes the underlying database connection.
func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Path returns the database file path.
func (l *Ledger) Path() string {
	return l.path
}

// Add records an encoded artifact name. Adding the same name twice is a
// no-op.
func (l *Ledger) Add(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("ledger: name is required")
	}
	return retryOnBusy(ctx, func() error {
		_, err := l.db.ExecContext(ctx,
			"INSERT OR IGNORE INTO encoded_files (name, created_at) VALUES (?, ?)",
			name, time.Now().UTC().Format(time.RFC3339Nano))
		return err
	})
}

// HasStem reports whether any recorded artifact name contains the given
// source filename stem. Artifact names embed preset and codec suffixes,
// so containment rather than equality is the match rule.
func (l *Ledger) HasStem(ctx context.Context, stem string) (bool, error) {
	stem = strings.TrimSpace(stem)
	if stem == "" {
		return false, nil
	}
	var found bool
	err := retryOnBusy(ctx, func() error {
		row := l.db.QueryRowContext(ctx,
			"SELECT EXISTS(SELECT 1 FROM encoded_files WHERE instr(name, ?) > 0)", stem)
		var exists int
		if err := row.Scan(&exists); err != nil {
			return err
		}
		found = exists != 0
		return nil
	})
	return found, err
}

// Names returns every recorded artifact name in lexical order.
func (l *Ledger) Names(ctx context.Context) ([]string, error) {
	var names []string
	err := retryOnBusy(ctx, func() error {
		rows, err := l.db.QueryContext(ctx, "SELECT name FROM encoded_files ORDER BY name")
		if err != nil {
			return err
		}
		defer rows.Close()
		names = names[:0]
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return err
			}
			names = append(names, name)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}
