package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/petervdpas/peerchat/internal/proto"
)

// DB is the SQLite backend.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens or creates the relay database at path.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL mode for concurrent access from multiple processes sharing the file.
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("configure database: %w", err)
		}
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}

	return &DB{db: db, path: path}, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS signals (
		seq       INTEGER PRIMARY KEY AUTOINCREMENT,
		id        TEXT NOT NULL UNIQUE,
		type      TEXT NOT NULL,
		data      TEXT NOT NULL DEFAULT 'null',
		from_user TEXT NOT NULL,
		to_user   TEXT NOT NULL,
		ts        INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS signals_to ON signals (to_user, ts, seq)`,
	`CREATE TABLE IF NOT EXISTS messages (
		seq       INTEGER PRIMARY KEY AUTOINCREMENT,
		id        TEXT NOT NULL,
		text      TEXT NOT NULL,
		from_user TEXT NOT NULL,
		to_user   TEXT NOT NULL,
		ts        INTEGER NOT NULL,
		stored_at INTEGER NOT NULL,
		UNIQUE (to_user, id)
	)`,
	`CREATE INDEX IF NOT EXISTS messages_to ON messages (to_user, ts, seq)`,
	`CREATE INDEX IF NOT EXISTS messages_stored ON messages (stored_at)`,
	`CREATE TABLE IF NOT EXISTS presence (
		user_id   TEXT PRIMARY KEY,
		last_seen INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS contacts (
		user_id  TEXT NOT NULL,
		peer_id  TEXT NOT NULL,
		name     TEXT NOT NULL DEFAULT '',
		added_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, peer_id)
	)`,
	`CREATE TABLE IF NOT EXISTS contact_requests (
		id         TEXT PRIMARY KEY,
		from_user  TEXT NOT NULL,
		to_user    TEXT NOT NULL,
		status     TEXT NOT NULL DEFAULT 'pending',
		ts         INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS notifications (
		seq       INTEGER PRIMARY KEY AUTOINCREMENT,
		from_user TEXT NOT NULL,
		to_user   TEXT NOT NULL,
		message   TEXT NOT NULL,
		ts        INTEGER NOT NULL
	)`,
}

func (d *DB) Close() error { return d.db.Close() }

// Path returns the database file path.
func (d *DB) Path() string { return d.path }

func (d *DB) EnqueueSignal(ctx context.Context, sig proto.Signal) (proto.Signal, error) {
	if sig.ID == "" {
		sig.ID = newID()
	}
	data := string(sig.Data)
	if data == "" {
		data = "null"
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO signals (id, type, data, from_user, to_user, ts) VALUES (?, ?, ?, ?, ?, ?)`,
		sig.ID, sig.Type, data, sig.From, sig.To, sig.Timestamp)
	if err != nil {
		return proto.Signal{}, err
	}
	return sig, nil
}

// TakeSignals returns userID's mailbox oldest first and deletes exactly the
// returned rows in the same transaction.
func (d *DB) TakeSignals(ctx context.Context, userID string) ([]proto.Signal, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT seq, id, type, data, from_user, to_user, ts FROM signals
		 WHERE to_user = ? ORDER BY ts, seq`, userID)
	if err != nil {
		return nil, err
	}
	var (
		out  []proto.Signal
		seqs []int64
	)
	for rows.Next() {
		var (
			s    proto.Signal
			seq  int64
			data string
		)
		if err := rows.Scan(&seq, &s.ID, &s.Type, &data, &s.From, &s.To, &s.Timestamp); err != nil {
			rows.Close()
			return nil, err
		}
		s.Data = []byte(data)
		out = append(out, s)
		seqs = append(seqs, seq)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, seq := range seqs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM signals WHERE seq = ?`, seq); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *DB) PruneSignals(ctx context.Context, before int64) (int, error) {
	return d.execCount(ctx, `DELETE FROM signals WHERE ts < ?`, before)
}

func (d *DB) InsertMessage(ctx context.Context, m proto.QueuedMessage) (proto.QueuedMessage, error) {
	if m.ID == "" {
		m.ID = newID()
	}
	if m.StoredAt == 0 {
		m.StoredAt = time.Now().UnixMilli()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO messages (id, text, from_user, to_user, ts, stored_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(to_user, id) DO NOTHING`,
		m.ID, m.Text, m.From, m.To, m.Timestamp, m.StoredAt)
	if err != nil {
		return proto.QueuedMessage{}, err
	}
	return m, nil
}

func (d *DB) ListMessages(ctx context.Context, userID string) ([]proto.QueuedMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, text, from_user, to_user, ts, stored_at FROM messages
		 WHERE to_user = ? ORDER BY ts, seq`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []proto.QueuedMessage
	for rows.Next() {
		var m proto.QueuedMessage
		if err := rows.Scan(&m.ID, &m.Text, &m.From, &m.To, &m.Timestamp, &m.StoredAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (d *DB) DeleteMessages(ctx context.Context, userID string, ids []string) (int, error) {
	if ids == nil {
		return d.execCount(ctx, `DELETE FROM messages WHERE to_user = ?`, userID)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	n := 0
	for _, id := range ids {
		res, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE to_user = ? AND id = ?`, userID, id)
		if err != nil {
			return 0, err
		}
		c, _ := res.RowsAffected()
		n += int(c)
	}
	return n, tx.Commit()
}

func (d *DB) PruneMessages(ctx context.Context, before int64) (int, error) {
	return d.execCount(ctx, `DELETE FROM messages WHERE stored_at < ?`, before)
}

func (d *DB) Touch(ctx context.Context, userID string, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO presence (user_id, last_seen) VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			last_seen = MAX(presence.last_seen, excluded.last_seen)`,
		userID, at.UnixMilli())
	return err
}

func (d *DB) LastSeen(ctx context.Context, userID string) (time.Time, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var ms int64
	err := d.db.QueryRowContext(ctx, `SELECT last_seen FROM presence WHERE user_id = ?`, userID).Scan(&ms)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (d *DB) execCount(ctx context.Context, query string, args ...any) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
