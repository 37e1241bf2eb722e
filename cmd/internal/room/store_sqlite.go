package room

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS room_messages (
	room_id TEXT NOT NULL,
	ts_key  TEXT NOT NULL,
	sender  TEXT NOT NULL,
	body    TEXT NOT NULL,
	ts      INTEGER NOT NULL,
	PRIMARY KEY (room_id, ts_key)
);
CREATE TABLE IF NOT EXISTS room_attachments (
	room_id    TEXT NOT NULL,
	conn_id    TEXT NOT NULL,
	addr       TEXT NOT NULL,
	name       TEXT NOT NULL DEFAULT '',
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (room_id, conn_id)
);
`

// SQLiteStore is a Store backed by a local SQLite file: history that
// survives a process restart on the same volume without needing a database
// server.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if needed) the store at path and applies
// the schema.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("room: empty sqlite path")
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("room: open sqlite: %w", err)
	}
	// Serialize writers; SQLite allows one at a time anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("room: apply sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Append stores one message keyed by its timestamp rendering.
func (s *SQLiteStore) Append(ctx context.Context, roomID string, msg StoredMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO room_messages (room_id, ts_key, sender, body, ts)
		VALUES (?, ?, ?, ?, ?)`,
		roomID, tsKey(msg.Timestamp), msg.Name, msg.Message, msg.Timestamp)
	return err
}

// Recent returns the most recent limit messages, oldest first.
func (s *SQLiteStore) Recent(ctx context.Context, roomID string, limit int) ([]StoredMessage, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT sender, body, ts
		FROM room_messages
		WHERE room_id = ?
		ORDER BY ts_key DESC
		LIMIT ?`, roomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredMessage
	for rows.Next() {
		var m StoredMessage
		if err := rows.Scan(&m.Name, &m.Message, &m.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Listed newest-first for the LIMIT; replay wants chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// LatestTimestamp returns the greatest persisted timestamp, if any.
func (s *SQLiteStore) LatestTimestamp(ctx context.Context, roomID string) (int64, bool, error) {
	var ts int64
	err := s.db.QueryRowContext(ctx, `
		SELECT ts FROM room_messages
		WHERE room_id = ?
		ORDER BY ts_key DESC
		LIMIT 1`, roomID).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return ts, true, nil
}

// PutAttachment stores reattachment metadata for one connection.
func (s *SQLiteStore) PutAttachment(ctx context.Context, roomID, connID string, att Attachment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO room_attachments (room_id, conn_id, addr, name, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		roomID, connID, att.Addr, att.Name, att.UpdatedAt.UnixMilli())
	return err
}

// Attachments returns all persisted attachments for a room.
func (s *SQLiteStore) Attachments(ctx context.Context, roomID string) (map[string]Attachment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conn_id, addr, name, updated_at
		FROM room_attachments
		WHERE room_id = ?`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]Attachment)
	for rows.Next() {
		var (
			connID string
			att    Attachment
			ms     int64
		)
		if err := rows.Scan(&connID, &att.Addr, &att.Name, &ms); err != nil {
			return nil, err
		}
		att.UpdatedAt = timeFromMillis(ms)
		out[connID] = att
	}
	return out, rows.Err()
}

// DeleteAttachment removes one connection's metadata.
func (s *SQLiteStore) DeleteAttachment(ctx context.Context, roomID, connID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM room_attachments
		WHERE room_id = ? AND conn_id = ?`, roomID, connID)
	return err
}
