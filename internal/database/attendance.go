// Package database persists call attendance for the booking system and
// writes the security audit trail.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // pure-Go SQLite driver, registered as "sqlite"

	"github.com/mikeyg42/videolify/internal/logging"
)

// Attendance is one stay of one peer in one room. Times are unix milliseconds
// so the same schema works on both drivers.
type Attendance struct {
	ID         int64         `db:"id"`
	RoomID     string        `db:"room_id"`
	PeerID     string        `db:"peer_id"`
	UserID     string        `db:"user_id"`
	PeerName   string        `db:"peer_name"`
	Scenario   string        `db:"scenario"`
	JoinedAtMs int64         `db:"joined_at_ms"`
	LeftAtMs   sql.NullInt64 `db:"left_at_ms"`
	LeftReason string        `db:"left_reason"`
}

func (a Attendance) JoinedAt() time.Time { return time.UnixMilli(a.JoinedAtMs).UTC() }

// LeftAt returns the departure time, or the zero time while still present.
func (a Attendance) LeftAt() time.Time {
	if !a.LeftAtMs.Valid {
		return time.Time{}
	}
	return time.UnixMilli(a.LeftAtMs.Int64).UTC()
}

// Config contains connection settings for the attendance store.
type Config struct {
	Driver          string // "postgres" or "sqlite"
	DSN             string
	MaxConnections  int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Store writes attendance rows with sqlx.
type Store struct {
	db     *sqlx.DB
	driver string
	logger *zap.Logger
}

// Open connects, pings and creates the schema if needed.
func Open(ctx context.Context, config Config, logger *zap.Logger) (*Store, error) {
	if config.MaxConnections == 0 {
		config.MaxConnections = 10
	}
	if config.MaxIdleConns == 0 {
		config.MaxIdleConns = 2
	}
	if config.ConnMaxLifetime == 0 {
		config.ConnMaxLifetime = 5 * time.Minute
	}

	var driverName string
	switch config.Driver {
	case "postgres":
		driverName = "postgres"
	case "sqlite":
		driverName = "sqlite"
		// SQLite serializes writers; one connection avoids SQLITE_BUSY.
		config.MaxConnections = 1
		config.MaxIdleConns = 1
	default:
		return nil, fmt.Errorf("unsupported database driver %q", config.Driver)
	}

	db, err := sqlx.Open(driverName, config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:     db,
		driver: config.Driver,
		logger: logging.Named(logger, "attendance-store"),
	}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	idColumn := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.driver == "postgres" {
		idColumn = "id BIGSERIAL PRIMARY KEY"
	}
	schema := []string{
		`CREATE TABLE IF NOT EXISTS call_attendance (
			` + idColumn + `,
			room_id      VARCHAR(128) NOT NULL,
			peer_id      VARCHAR(128) NOT NULL,
			user_id      VARCHAR(254) NOT NULL DEFAULT '',
			peer_name    VARCHAR(256) NOT NULL DEFAULT '',
			scenario     VARCHAR(32)  NOT NULL DEFAULT '',
			joined_at_ms BIGINT       NOT NULL,
			left_at_ms   BIGINT,
			left_reason  VARCHAR(64)  NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_call_attendance_room ON call_attendance (room_id, joined_at_ms)`,
		`CREATE INDEX IF NOT EXISTS idx_call_attendance_open ON call_attendance (room_id, peer_id, left_at_ms)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// RecordJoin inserts an open attendance row.
func (s *Store) RecordJoin(ctx context.Context, a Attendance) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO call_attendance (room_id, peer_id, user_id, peer_name, scenario, joined_at_ms, left_reason)
		VALUES (?, ?, ?, ?, ?, ?, '')`),
		a.RoomID, a.PeerID, a.UserID, a.PeerName, a.Scenario, a.JoinedAtMs)
	if err != nil {
		return fmt.Errorf("record join: %w", err)
	}
	return nil
}

// Departure closes open attendance rows. PeerID, when set, selects the
// peer; otherwise every open row of UserID in the room is closed.
type Departure struct {
	RoomID string
	PeerID string
	UserID string
	At     time.Time
	Reason string
}

// RecordLeave stamps the departure time on matching open rows and returns
// how many were closed.
func (s *Store) RecordLeave(ctx context.Context, d Departure) (int64, error) {
	column, value := "peer_id", d.PeerID
	if d.PeerID == "" {
		column, value = "user_id", d.UserID
	}
	if value == "" {
		return 0, fmt.Errorf("record leave: peer or user id required")
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE call_attendance SET left_at_ms = ?, left_reason = ?
		WHERE room_id = ? AND `+column+` = ? AND left_at_ms IS NULL`),
		d.At.UnixMilli(), d.Reason, d.RoomID, value)
	if err != nil {
		return 0, fmt.Errorf("record leave: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("record leave: %w", err)
	}
	return n, nil
}

// History returns every attendance row for a room in join order.
func (s *Store) History(ctx context.Context, roomID string) ([]Attendance, error) {
	var rows []Attendance
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT id, room_id, peer_id, user_id, peer_name, scenario, joined_at_ms, left_at_ms, left_reason
		FROM call_attendance WHERE room_id = ? ORDER BY joined_at_ms, id`), roomID)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	return rows, nil
}

// HealthCheck pings the database.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}
