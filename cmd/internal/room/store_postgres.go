package room

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL, for deployments where rooms
// must survive relocation to another host sharing the database.
//
// Ownership model: the store does NOT own the pgx pool; the caller closes
// it. Close() is therefore a no-op.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "parlor").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("room: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("room: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "parlor",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("room: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// EnsureSchema creates the schema and tables when they do not exist yet.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	messages := pgIdent(s.schema, "room_messages")
	attachments := pgIdent(s.schema, "room_attachments")

	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + pgQuote(s.schema),
		`CREATE TABLE IF NOT EXISTS ` + messages + ` (
			room_id TEXT NOT NULL,
			ts_key  TEXT NOT NULL,
			sender  TEXT NOT NULL,
			body    TEXT NOT NULL,
			ts      BIGINT NOT NULL,
			PRIMARY KEY (room_id, ts_key)
		)`,
		`CREATE TABLE IF NOT EXISTS ` + attachments + ` (
			room_id    TEXT NOT NULL,
			conn_id    TEXT NOT NULL,
			addr       TEXT NOT NULL,
			name       TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (room_id, conn_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("room: ensure schema: %w", err)
		}
	}
	return nil
}

// Append stores one message keyed by its timestamp rendering.
func (s *PostgresStore) Append(ctx context.Context, roomID string, msg StoredMessage) error {
	messages := pgIdent(s.schema, "room_messages")
	_, err := s.pool.Exec(ctx, `
		INSERT INTO `+messages+` (room_id, ts_key, sender, body, ts)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (room_id, ts_key) DO UPDATE
		SET sender = EXCLUDED.sender, body = EXCLUDED.body, ts = EXCLUDED.ts`,
		roomID, tsKey(msg.Timestamp), msg.Name, msg.Message, msg.Timestamp)
	return err
}

// Recent returns the most recent limit messages, oldest first.
func (s *PostgresStore) Recent(ctx context.Context, roomID string, limit int) ([]StoredMessage, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	messages := pgIdent(s.schema, "room_messages")
	rows, err := s.pool.Query(ctx, `
		SELECT sender, body, ts
		FROM `+messages+`
		WHERE room_id = $1
		ORDER BY ts_key DESC
		LIMIT $2`, roomID, limit)
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

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// LatestTimestamp returns the greatest persisted timestamp, if any.
func (s *PostgresStore) LatestTimestamp(ctx context.Context, roomID string) (int64, bool, error) {
	messages := pgIdent(s.schema, "room_messages")

	var ts int64
	err := s.pool.QueryRow(ctx, `
		SELECT ts FROM `+messages+`
		WHERE room_id = $1
		ORDER BY ts_key DESC
		LIMIT 1`, roomID).Scan(&ts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return ts, true, nil
}

// PutAttachment stores reattachment metadata for one connection.
func (s *PostgresStore) PutAttachment(ctx context.Context, roomID, connID string, att Attachment) error {
	attachments := pgIdent(s.schema, "room_attachments")
	_, err := s.pool.Exec(ctx, `
		INSERT INTO `+attachments+` (room_id, conn_id, addr, name, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (room_id, conn_id) DO UPDATE
		SET addr = EXCLUDED.addr, name = EXCLUDED.name, updated_at = EXCLUDED.updated_at`,
		roomID, connID, att.Addr, att.Name, att.UpdatedAt)
	return err
}

// Attachments returns all persisted attachments for a room.
func (s *PostgresStore) Attachments(ctx context.Context, roomID string) (map[string]Attachment, error) {
	attachments := pgIdent(s.schema, "room_attachments")
	rows, err := s.pool.Query(ctx, `
		SELECT conn_id, addr, name, updated_at
		FROM `+attachments+`
		WHERE room_id = $1`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]Attachment)
	for rows.Next() {
		var (
			connID string
			att    Attachment
		)
		if err := rows.Scan(&connID, &att.Addr, &att.Name, &att.UpdatedAt); err != nil {
			return nil, err
		}
		out[connID] = att
	}
	return out, rows.Err()
}

// DeleteAttachment removes one connection's metadata.
func (s *PostgresStore) DeleteAttachment(ctx context.Context, roomID, connID string) error {
	attachments := pgIdent(s.schema, "room_attachments")
	_, err := s.pool.Exec(ctx, `
		DELETE FROM `+attachments+`
		WHERE room_id = $1 AND conn_id = $2`, roomID, connID)
	return err
}

// ---- identifier quoting ----

var pgIdentPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentPattern.MatchString(s)
}

func pgQuote(ident string) string {
	return `"` + ident + `"`
}

func pgIdent(schema, table string) string {
	return pgQuote(schema) + "." + pgQuote(table)
}
