package offline

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS offline_actions (
	local_id   TEXT PRIMARY KEY,
	endpoint   TEXT NOT NULL,
	payload    TEXT NOT NULL,
	client_ts  TIMESTAMP NOT NULL,
	attempts   INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// SQLiteStorage persists queued actions in a local SQLite file so they
// survive restarts.
type SQLiteStorage struct {
	db *sql.DB
}

func NewSQLiteStorage(ctx context.Context, path string) (*SQLiteStorage, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn = fmt.Sprintf("%s%s_pragma=busy_timeout=10000&_pragma=journal_mode=WAL", dsn, sep)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &SQLiteStorage{db: db}, nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteStorage) Append(ctx context.Context, action *Action) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO offline_actions (local_id, endpoint, payload, client_ts, attempts)
		VALUES (?,?,?,?,?)
		ON CONFLICT (local_id) DO NOTHING
	`, action.LocalID, action.Endpoint, string(action.Payload), action.ClientTimestamp.UTC(), action.Attempts)
	if err != nil {
		return fmt.Errorf("append action: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) List(ctx context.Context) ([]*Action, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT local_id, endpoint, payload, client_ts, attempts
		FROM offline_actions
		ORDER BY created_at, local_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	var actions []*Action
	for rows.Next() {
		var a Action
		var payload string
		var clientTS time.Time
		if err := rows.Scan(&a.LocalID, &a.Endpoint, &payload, &clientTS, &a.Attempts); err != nil {
			return nil, err
		}
		a.Payload = []byte(payload)
		a.ClientTimestamp = clientTS
		actions = append(actions, &a)
	}
	return actions, rows.Err()
}

func (s *SQLiteStorage) Delete(ctx context.Context, localID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM offline_actions WHERE local_id=?`, localID)
	if err != nil {
		return fmt.Errorf("delete action: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) MarkAttempt(ctx context.Context, localID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE offline_actions SET attempts = attempts + 1 WHERE local_id=?
	`, localID)
	if err != nil {
		return fmt.Errorf("mark attempt: %w", err)
	}
	return nil
}
