package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/manpreetbhatti/huddle/backend/internal/room"
)

// Database is the SQLite Store.
type Database struct {
	db     *sql.DB
	limits room.Limits
	now    func() time.Time
}

var _ Store = (*Database)(nil)

func New(dbPath string, limits room.Limits, logger *zap.Logger) (*Database, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("database initialized", zap.String("path", dbPath))
	return &Database{db: db, limits: defaultLimits(limits), now: time.Now}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS room_documents (
		room_id TEXT PRIMARY KEY,
		document BLOB NOT NULL,
		version INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (room_id) REFERENCES rooms(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_rooms_updated_at ON rooms(updated_at DESC);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Room operations

func (d *Database) CreateRoom(ctx context.Context, id, name string) error {
	_, err := d.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO rooms (id, name) VALUES (?, ?)",
		id, name,
	)
	if err != nil {
		return fmt.Errorf("create room %s: %w", id, err)
	}
	return nil
}

func (d *Database) GetRoom(ctx context.Context, id string) (*Room, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT r.id, r.name, COALESCE(doc.version, 0), r.created_at, r.updated_at
		FROM rooms r LEFT JOIN room_documents doc ON doc.room_id = r.id
		WHERE r.id = ?`,
		id,
	)

	var r Room
	err := row.Scan(&r.ID, &r.Name, &r.Version, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get room %s: %w", id, err)
	}
	return &r, nil
}

func (d *Database) ListRooms(ctx context.Context, limit, offset int) ([]Room, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT r.id, r.name, COALESCE(doc.version, 0), r.created_at, r.updated_at
		FROM rooms r LEFT JOIN room_documents doc ON doc.room_id = r.id
		ORDER BY r.updated_at DESC, r.id ASC
		LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	rooms := []Room{}
	for rows.Next() {
		var r Room
		if err := rows.Scan(&r.ID, &r.Name, &r.Version, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		rooms = append(rooms, r)
	}
	return rooms, rows.Err()
}

func (d *Database) DocumentIDs(ctx context.Context, after string, limit int) ([]string, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT room_id FROM room_documents WHERE room_id > ? ORDER BY room_id LIMIT ?",
		after, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan document id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (d *Database) DeleteRoom(ctx context.Context, id string) error {
	if _, err := d.db.ExecContext(ctx, "DELETE FROM rooms WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete room %s: %w", id, err)
	}
	return nil
}

// Document operations

func (d *Database) Read(ctx context.Context, roomID string) (*room.Snapshot, error) {
	var data []byte
	err := d.db.QueryRowContext(ctx,
		"SELECT document FROM room_documents WHERE room_id = ?",
		roomID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read room %s: %w", roomID, err)
	}
	return decodeSnapshot(roomID, data)
}

func (d *Database) CreateDefault(ctx context.Context, roomID string) (*room.Snapshot, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin create %s: %w", roomID, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO rooms (id) VALUES (?)", roomID); err != nil {
		return nil, fmt.Errorf("create room %s: %w", roomID, err)
	}

	var name string
	if err := tx.QueryRowContext(ctx, "SELECT name FROM rooms WHERE id = ?", roomID).Scan(&name); err != nil {
		return nil, fmt.Errorf("load room %s: %w", roomID, err)
	}

	snap := room.Default(roomID, d.now())
	snap.Name = name
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode room %s: %w", roomID, err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO room_documents (room_id, document, version) VALUES (?, ?, 0)",
		roomID, data,
	); err != nil {
		return nil, fmt.Errorf("create document %s: %w", roomID, err)
	}

	// Another writer may have created the document first.
	if err := tx.QueryRowContext(ctx,
		"SELECT document FROM room_documents WHERE room_id = ?",
		roomID,
	).Scan(&data); err != nil {
		return nil, fmt.Errorf("reload document %s: %w", roomID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit create %s: %w", roomID, err)
	}
	return decodeSnapshot(roomID, data)
}

func (d *Database) Patch(ctx context.Context, roomID string, ops ...room.Op) error {
	if len(ops) == 0 {
		return nil
	}
	_, err := d.Mutate(ctx, roomID, applyPatch(ops, d.now(), d.limits))
	return err
}

func (d *Database) Mutate(ctx context.Context, roomID string, fn func(*room.Snapshot) error) (*room.Snapshot, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin mutate %s: %w", roomID, err)
	}
	defer tx.Rollback()

	var data []byte
	err = tx.QueryRowContext(ctx,
		"SELECT document FROM room_documents WHERE room_id = ?",
		roomID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, room.ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load document %s: %w", roomID, err)
	}

	snap, err := decodeSnapshot(roomID, data)
	if err != nil {
		return nil, err
	}
	if err := fn(snap); errors.Is(err, room.ErrUnchanged) {
		return snap, nil
	} else if err != nil {
		return nil, err
	}

	snap.Version++
	snap.LastUpdated = d.now().UTC()
	if data, err = json.Marshal(snap); err != nil {
		return nil, fmt.Errorf("encode room %s: %w", roomID, err)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE room_documents SET document = ?, version = ?, updated_at = CURRENT_TIMESTAMP WHERE room_id = ?",
		data, snap.Version, roomID,
	); err != nil {
		return nil, fmt.Errorf("store document %s: %w", roomID, err)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE rooms SET updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		roomID,
	); err != nil {
		return nil, fmt.Errorf("touch room %s: %w", roomID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit mutate %s: %w", roomID, err)
	}
	return snap, nil
}

// Stats

func (d *Database) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM rooms").Scan(&stats.RoomCount); err != nil {
		return Stats{}, fmt.Errorf("count rooms: %w", err)
	}
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM room_documents").Scan(&stats.DocumentCount); err != nil {
		return Stats{}, fmt.Errorf("count documents: %w", err)
	}
	return stats, nil
}

func decodeSnapshot(roomID string, data []byte) (*room.Snapshot, error) {
	var snap room.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode room %s: %w", roomID, err)
	}
	snap.RoomID = roomID
	return snap.Clone(), nil
}
