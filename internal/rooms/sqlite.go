package rooms

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/example/nats-chatroom/internal/message"
)

// SQLiteRegistry keeps room metadata in a local SQLite database.
type SQLiteRegistry struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the registry database and ensures
// the schema exists.
func OpenSQLite(ctx context.Context, path string) (*SQLiteRegistry, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create registry dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open registry db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping registry db: %w", err)
	}
	r := &SQLiteRegistry{db: db}
	if err := r.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *SQLiteRegistry) initSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("init registry schema: %w", err)
	}
	return nil
}

func (r *SQLiteRegistry) Room(ctx context.Context, id string) (Room, error) {
	var room Room
	err := r.db.QueryRowContext(ctx,
		"SELECT id, display_name, created_at FROM rooms WHERE id = ?", id,
	).Scan(&room.ID, &room.DisplayName, &room.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Room{}, fmt.Errorf("%w: %s", ErrRoomNotFound, id)
	}
	if err != nil {
		return Room{}, fmt.Errorf("query room %s: %w", id, err)
	}
	return room, nil
}

func (r *SQLiteRegistry) List(ctx context.Context) ([]Room, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT id, display_name, created_at FROM rooms ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	var out []Room
	for rows.Next() {
		var room Room
		if err := rows.Scan(&room.ID, &room.DisplayName, &room.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		out = append(out, room)
	}
	return out, rows.Err()
}

func (r *SQLiteRegistry) Create(ctx context.Context, id, displayName string) (Room, error) {
	if !message.ValidRoomID(id) {
		return Room{}, fmt.Errorf("invalid room id %q", id)
	}
	room := Room{ID: id, DisplayName: displayName, CreatedAt: message.Now()}
	_, err := r.db.ExecContext(ctx,
		"INSERT INTO rooms (id, display_name, created_at) VALUES (?, ?, ?) ON CONFLICT(id) DO NOTHING",
		room.ID, room.DisplayName, room.CreatedAt)
	if err != nil {
		return Room{}, fmt.Errorf("create room %s: %w", id, err)
	}
	return r.Room(ctx, id)
}

// EnsureDefault seeds the default room so a fresh deployment has somewhere
// to chat.
func (r *SQLiteRegistry) EnsureDefault(ctx context.Context) error {
	_, err := r.Create(ctx, "general", "General")
	return err
}

func (r *SQLiteRegistry) Close() error {
	return r.db.Close()
}
