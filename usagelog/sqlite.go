// Package usagelog stores best-effort records of completed paid generations.
package usagelog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ineyio/gemledger"
)

// FeatureCount is the number of completed generations of one feature.
type FeatureCount struct {
	FeatureKey string
	Count      int64
}

// SQLiteLog is a UsageLogger backed by a SQLite file.
type SQLiteLog struct {
	db *sql.DB
}

var _ gemledger.UsageLogger = (*SQLiteLog)(nil)

const createTable = `
CREATE TABLE IF NOT EXISTS usage_logs (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	feature_key TEXT NOT NULL,
	input_refs TEXT NOT NULL DEFAULT '[]',
	output_refs TEXT NOT NULL DEFAULT '[]',
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_user_time ON usage_logs(user_id, created_at);
`

// NewSQLite opens the database at dbPath and creates the table.
func NewSQLite(dbPath string) (*SQLiteLog, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open usage log db: %w", err)
	}

	if _, err := db.Exec(createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate usage log db: %w", err)
	}

	return &SQLiteLog{db: db}, nil
}

// LogUsage inserts entry.
func (l *SQLiteLog) LogUsage(ctx context.Context, entry gemledger.UsageEntry) error {
	in, err := encodeRefs(entry.InputRefs)
	if err != nil {
		return err
	}
	out, err := encodeRefs(entry.OutputRefs)
	if err != nil {
		return err
	}

	_, err = l.db.ExecContext(ctx,
		`INSERT INTO usage_logs (id, user_id, feature_key, input_refs, output_refs, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.UserID, entry.FeatureKey, in, out, entry.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// Query returns the entries of userID since a given time, newest first.
func (l *SQLiteLog) Query(ctx context.Context, userID string, since time.Time) ([]gemledger.UsageEntry, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, user_id, feature_key, input_refs, output_refs, created_at
		 FROM usage_logs WHERE user_id = ? AND created_at >= ?
		 ORDER BY created_at DESC`,
		userID, since.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	var out []gemledger.UsageEntry
	for rows.Next() {
		var e gemledger.UsageEntry
		var in, outRefs string
		if err := rows.Scan(&e.ID, &e.UserID, &e.FeatureKey, &in, &outRefs, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		if err := json.Unmarshal([]byte(in), &e.InputRefs); err != nil {
			return nil, fmt.Errorf("decode input refs: %w", err)
		}
		if err := json.Unmarshal([]byte(outRefs), &e.OutputRefs); err != nil {
			return nil, fmt.Errorf("decode output refs: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Summary counts entries per feature, optionally filtered by user.
func (l *SQLiteLog) Summary(ctx context.Context, userID string) ([]FeatureCount, error) {
	query := `SELECT feature_key, COUNT(*) FROM usage_logs`
	var args []any
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` GROUP BY feature_key ORDER BY feature_key`

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("usage summary: %w", err)
	}
	defer rows.Close()

	var out []FeatureCount
	for rows.Next() {
		var fc FeatureCount
		if err := rows.Scan(&fc.FeatureKey, &fc.Count); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		out = append(out, fc)
	}
	return out, rows.Err()
}

// Close releases the database.
func (l *SQLiteLog) Close() error {
	return l.db.Close()
}

func encodeRefs(refs []string) (string, error) {
	if refs == nil {
		refs = []string{}
	}
	b, err := json.Marshal(refs)
	if err != nil {
		return "", fmt.Errorf("encode refs: %w", err)
	}
	return string(b), nil
}
