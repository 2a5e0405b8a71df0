package db

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

type Database struct {
	db *sql.DB
}

// Session is one lifetime of a room, from first join to last leave.
type Session struct {
	ID               int64      `json:"id"`
	RoomID           string     `json:"room_id"`
	Instance         string     `json:"instance"`
	OpenedAt         time.Time  `json:"opened_at"`
	ClosedAt         *time.Time `json:"closed_at,omitempty"`
	PeakParticipants int        `json:"peak_participants"`
}

// Checkpoint is a named copy of a room's document. Checkpoints belong to
// one room instance and never outlive it.
type Checkpoint struct {
	ID          int       `json:"id"`
	RoomID      string    `json:"room_id"`
	Instance    string    `json:"instance"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Content     string    `json:"content"`
	Language    string    `json:"language"`
	ContentHash string    `json:"content_hash"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
	IsAuto      bool      `json:"is_auto"`
}

// Execution records the outcome of one run request. Code and output are not kept.
type Execution struct {
	ID           int64     `json:"id"`
	RoomID       string    `json:"room_id"`
	ConnectionID string    `json:"connection_id"`
	Language     string    `json:"language"`
	Version      string    `json:"version"`
	Status       string    `json:"status"`
	DurationMS   int64     `json:"duration_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

func New(dbPath string) (*Database, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer avoids SQLITE_BUSY between the hub loop and the API.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	log.Printf("Database initialized at %s", dbPath)
	return &Database{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS room_sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id TEXT NOT NULL,
		instance_id TEXT NOT NULL,
		opened_at DATETIME NOT NULL,
		closed_at DATETIME,
		peak_participants INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_room_sessions_room_id ON room_sessions(room_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_room_sessions_instance ON room_sessions(instance_id);
	CREATE INDEX IF NOT EXISTS idx_room_sessions_open ON room_sessions(instance_id) WHERE closed_at IS NULL;

	CREATE TABLE IF NOT EXISTS checkpoints (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id TEXT NOT NULL,
		instance_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL,
		language TEXT NOT NULL DEFAULT '',
		content_hash TEXT NOT NULL,
		created_by TEXT NOT NULL DEFAULT '',
		is_auto BOOLEAN NOT NULL DEFAULT FALSE,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_checkpoints_instance ON checkpoints(instance_id, id DESC);

	CREATE TABLE IF NOT EXISTS executions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id TEXT NOT NULL DEFAULT '',
		connection_id TEXT NOT NULL DEFAULT '',
		language TEXT NOT NULL,
		version TEXT NOT NULL,
		status TEXT NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_executions_room_id ON executions(room_id, id DESC);
	CREATE INDEX IF NOT EXISTS idx_executions_created_at ON executions(created_at);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Session operations

func (d *Database) OpenSession(roomID, instance string, at time.Time) (int64, error) {
	result, err := d.db.Exec(
		"INSERT INTO room_sessions (room_id, instance_id, opened_at) VALUES (?, ?, ?)",
		roomID, instance, at.UTC(),
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// CloseSession closes the session of one room instance and deletes its
// checkpoints. Closing an already closed session only updates the peak.
func (d *Database) CloseSession(instance string, peak int, at time.Time) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"UPDATE room_sessions SET closed_at = COALESCE(closed_at, ?), peak_participants = MAX(peak_participants, ?) WHERE instance_id = ?",
		at.UTC(), peak, instance,
	); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM checkpoints WHERE instance_id = ?", instance); err != nil {
		return err
	}
	return tx.Commit()
}

// CloseStaleSessions closes sessions left open by a previous process and
// returns the affected room ids. Call it before any room is live.
func (d *Database) CloseStaleSessions(at time.Time) ([]string, error) {
	rows, err := d.db.Query("SELECT DISTINCT room_id FROM room_sessions WHERE closed_at IS NULL")
	if err != nil {
		return nil, err
	}
	var roomIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		roomIDs = append(roomIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := d.db.Exec("UPDATE room_sessions SET closed_at = ? WHERE closed_at IS NULL", at.UTC()); err != nil {
		return nil, err
	}
	return roomIDs, nil
}

// notIn renders "column NOT IN (?, ...)" for values, or a true condition
// when values is empty.
func notIn(column string, values []string) (string, []any) {
	if len(values) == 0 {
		return "1 = 1", nil
	}
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return column + " NOT IN (?" + strings.Repeat(", ?", len(values)-1) + ")", args
}

// CloseSessionsExcept closes sessions opened before the cutoff that are still
// open although their instance is not in live. It repairs sessions whose close
// was never recorded.
func (d *Database) CloseSessionsExcept(live []string, openedBefore, at time.Time) (int64, error) {
	cond, args := notIn("instance_id", live)
	result, err := d.db.Exec(
		"UPDATE room_sessions SET closed_at = ? WHERE closed_at IS NULL AND opened_at < ? AND "+cond,
		append([]any{at.UTC(), openedBefore.UTC()}, args...)...,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (d *Database) ListSessions(roomID string, limit, offset int) ([]Session, error) {
	rows, err := d.db.Query(`
		SELECT id, room_id, instance_id, opened_at, closed_at, peak_participants
		FROM room_sessions
		WHERE room_id = ?
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`, roomID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var s Session
		var closedAt sql.NullTime
		if err := rows.Scan(&s.ID, &s.RoomID, &s.Instance, &s.OpenedAt, &closedAt, &s.PeakParticipants); err != nil {
			return nil, err
		}
		if closedAt.Valid {
			t := closedAt.Time
			s.ClosedAt = &t
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func (d *Database) PruneSessions(before time.Time) (int64, error) {
	result, err := d.db.Exec(
		"DELETE FROM room_sessions WHERE closed_at IS NOT NULL AND closed_at < ?",
		before.UTC(),
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Checkpoint operations

const checkpointColumns = "id, room_id, instance_id, name, description, content, language, content_hash, created_by, is_auto, created_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner) (*Checkpoint, error) {
	var c Checkpoint
	err := row.Scan(&c.ID, &c.RoomID, &c.Instance, &c.Name, &c.Description, &c.Content, &c.Language, &c.ContentHash, &c.CreatedBy, &c.IsAuto, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateCheckpoint saves a copy of the document and returns the stored row.
func (d *Database) CreateCheckpoint(c Checkpoint) (*Checkpoint, error) {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	result, err := d.db.Exec(`
		INSERT INTO checkpoints (room_id, instance_id, name, description, content, language, content_hash, created_by, is_auto, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.RoomID, c.Instance, c.Name, c.Description, c.Content, c.Language, c.ContentHash, c.CreatedBy, c.IsAuto, c.CreatedAt.UTC())
	if err != nil {
		return nil, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return d.GetCheckpoint(int(id))
}

// GetCheckpoint returns nil, nil when the checkpoint does not exist.
func (d *Database) GetCheckpoint(id int) (*Checkpoint, error) {
	row := d.db.QueryRow("SELECT "+checkpointColumns+" FROM checkpoints WHERE id = ?", id)
	c, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// ListCheckpoints returns a room instance's checkpoints, newest first
func (d *Database) ListCheckpoints(instance string, limit, offset int) ([]Checkpoint, error) {
	rows, err := d.db.Query(
		"SELECT "+checkpointColumns+" FROM checkpoints WHERE instance_id = ? ORDER BY id DESC LIMIT ? OFFSET ?",
		instance, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var checkpoints []Checkpoint
	for rows.Next() {
		c, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		checkpoints = append(checkpoints, *c)
	}
	return checkpoints, rows.Err()
}

func (d *Database) CountCheckpoints(instance string) (int, error) {
	var count int
	err := d.db.QueryRow("SELECT COUNT(*) FROM checkpoints WHERE instance_id = ?", instance).Scan(&count)
	return count, err
}

func (d *Database) LatestCheckpoint(instance string) (*Checkpoint, error) {
	row := d.db.QueryRow(
		"SELECT "+checkpointColumns+" FROM checkpoints WHERE instance_id = ? ORDER BY id DESC LIMIT 1",
		instance,
	)
	c, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

func (d *Database) DeleteCheckpoint(id int) error {
	_, err := d.db.Exec("DELETE FROM checkpoints WHERE id = ?", id)
	return err
}

// DeleteOldAutoCheckpoints keeps only the newest keepCount auto checkpoints of a room instance.
func (d *Database) DeleteOldAutoCheckpoints(instance string, keepCount int) error {
	_, err := d.db.Exec(`
		DELETE FROM checkpoints
		WHERE instance_id = ? AND is_auto = TRUE AND id NOT IN (
			SELECT id FROM checkpoints
			WHERE instance_id = ? AND is_auto = TRUE
			ORDER BY id DESC
			LIMIT ?
		)
	`, instance, instance, keepCount)
	return err
}

// DeleteOrphanCheckpoints removes checkpoints created before the cutoff whose
// instance has no open session and is not in live.
func (d *Database) DeleteOrphanCheckpoints(live []string, before time.Time) (int64, error) {
	cond, args := notIn("instance_id", live)
	result, err := d.db.Exec(`
		DELETE FROM checkpoints
		WHERE created_at < ?
		AND instance_id NOT IN (
			SELECT instance_id FROM room_sessions WHERE closed_at IS NULL
		)
		AND `+cond, append([]any{before.UTC()}, args...)...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Execution log operations

func (d *Database) RecordExecution(e Execution) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := d.db.Exec(`
		INSERT INTO executions (room_id, connection_id, language, version, status, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.RoomID, e.ConnectionID, e.Language, e.Version, e.Status, e.DurationMS, e.CreatedAt.UTC())
	return err
}

func (d *Database) ListExecutions(roomID string, limit int) ([]Execution, error) {
	rows, err := d.db.Query(`
		SELECT id, room_id, connection_id, language, version, status, duration_ms, created_at
		FROM executions
		WHERE room_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, roomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var executions []Execution
	for rows.Next() {
		var e Execution
		if err := rows.Scan(&e.ID, &e.RoomID, &e.ConnectionID, &e.Language, &e.Version, &e.Status, &e.DurationMS, &e.CreatedAt); err != nil {
			return nil, err
		}
		executions = append(executions, e)
	}
	return executions, rows.Err()
}

func (d *Database) PruneExecutions(before time.Time) (int64, error) {
	result, err := d.db.Exec("DELETE FROM executions WHERE created_at < ?", before.UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Stats

type Stats struct {
	Sessions    int `json:"sessions"`
	OpenRooms   int `json:"open_rooms"`
	Checkpoints int `json:"checkpoints"`
	Executions  int `json:"executions"`
	FailedRuns  int `json:"failed_executions"`
}

func (d *Database) GetStats() (Stats, error) {
	var s Stats
	err := d.db.QueryRow(`
		SELECT
			(SELECT COUNT(*) FROM room_sessions),
			(SELECT COUNT(DISTINCT room_id) FROM room_sessions WHERE closed_at IS NULL),
			(SELECT COUNT(*) FROM checkpoints),
			(SELECT COUNT(*) FROM executions),
			(SELECT COUNT(*) FROM executions WHERE status <> 'ok')
	`).Scan(&s.Sessions, &s.OpenRooms, &s.Checkpoints, &s.Executions, &s.FailedRuns)
	return s, err
}
