// Package db is the flight log: one session per run of the service, the
// mode transitions that happened during it and every velocity command that
// reached the vehicle.
package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/follow.pilot/internal/mode"
	"github.com/banshee-data/follow.pilot/internal/tracking"
)

// ErrNoSession is returned when recording before StartSession.
var ErrNoSession = errors.New("no flight log session started")

// pragmas are applied to every pooled connection.
var pragmas = []string{
	"busy_timeout(5000)",
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"temp_store(MEMORY)",
	"foreign_keys(1)",
}

type DB struct {
	*sql.DB

	mu        sync.Mutex
	sessionID string
}

// NewDB opens (creating if needed) the sqlite file at path and migrates it
// to the latest schema.
func NewDB(path string) (*DB, error) {
	dsn := path
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	for _, p := range pragmas {
		dsn += sep + "_pragma=" + p
		sep = "&"
	}

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	db := &DB{DB: sqlDB}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

func toUnix(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// fromUnix rounds to the microsecond, which is what a REAL column keeps
// exactly for present-day timestamps.
func fromUnix(s float64) time.Time {
	sec, frac := math.Modf(s)
	return time.Unix(int64(sec), int64(math.Round(frac*1e6))*1e3).UTC()
}

// StartSession creates a new session row holding cfg as JSON and makes it
// the target of subsequent records.
func (db *DB) StartSession(cfg any, at time.Time) (string, error) {
	cfgJSON := []byte("{}")
	if cfg != nil {
		var err error
		if cfgJSON, err = json.Marshal(cfg); err != nil {
			return "", fmt.Errorf("encode session config: %w", err)
		}
	}

	id := uuid.NewString()
	if _, err := db.Exec(
		`INSERT INTO sessions (session_id, started_at, config_json) VALUES (?, ?, ?)`,
		id, toUnix(at), string(cfgJSON),
	); err != nil {
		return "", fmt.Errorf("insert session: %w", err)
	}

	db.mu.Lock()
	db.sessionID = id
	db.mu.Unlock()
	return id, nil
}

// SessionID returns the current session, or "" before StartSession.
func (db *DB) SessionID() string {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.sessionID
}

func (db *DB) currentSession() (string, error) {
	id := db.SessionID()
	if id == "" {
		return "", ErrNoSession
	}
	return id, nil
}

// ModeEvent is a persisted mode.Transition.
type ModeEvent struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	Kind         string    `json:"kind"`
	Source       string    `json:"source"`
	Enabled      bool      `json:"enabled"`
	ManualActive bool      `json:"manual_active"`
	At           time.Time `json:"at"`
}

// RecordModeEvent stores a transition in the current session.
func (db *DB) RecordModeEvent(tr mode.Transition) error {
	session, err := db.currentSession()
	if err != nil {
		return err
	}
	_, err = db.Exec(
		`INSERT INTO mode_events (event_id, session_id, kind, source, enabled, manual_active, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tr.ID, session, string(tr.Kind), string(tr.Source), tr.Enabled, tr.ManualActive, toUnix(tr.At),
	)
	if err != nil {
		return fmt.Errorf("insert mode event: %w", err)
	}
	return nil
}

// ModeEvents returns up to limit of the most recent mode events across all
// sessions, newest first.
func (db *DB) ModeEvents(limit int) ([]ModeEvent, error) {
	rows, err := db.Query(
		`SELECT event_id, session_id, kind, source, enabled, manual_active, at
		 FROM mode_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []ModeEvent
	for rows.Next() {
		var e ModeEvent
		var at float64
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Kind, &e.Source, &e.Enabled, &e.ManualActive, &at); err != nil {
			return nil, err
		}
		e.At = fromUnix(at)
		events = append(events, e)
	}
	return events, rows.Err()
}

// CommandRecord is a velocity command as sent, with the controller state
// that produced it.
type CommandRecord struct {
	ID             int64     `json:"id"`
	SessionID      string    `json:"session_id"`
	Forward        float64   `json:"forward"`
	Right          float64   `json:"right"`
	Down           float64   `json:"down"`
	YawRate        float64   `json:"yaw_rate"`
	TrackingActive bool      `json:"tracking_active"`
	DistanceM      *float64  `json:"distance_m,omitempty"`
	OffsetX        float64   `json:"offset_x"`
	BBoxRatio      float64   `json:"bbox_ratio"`
	At             time.Time `json:"at"`
}

// RecordCommand implements tracking.Recorder for the current session.
func (db *DB) RecordCommand(cmd tracking.VelocityCommand, status tracking.ControllerStatus) error {
	session, err := db.currentSession()
	if err != nil {
		return err
	}
	var distance sql.NullFloat64
	if status.LastDistance > 0 {
		distance = sql.NullFloat64{Float64: status.LastDistance, Valid: true}
	}
	_, err = db.Exec(
		`INSERT INTO velocity_commands (
			session_id, forward_ms, right_ms, down_ms, yaw_rate_dps,
			tracking_active, distance_m, offset_x, bbox_ratio, at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session, cmd.Forward, cmd.Right, cmd.Down, cmd.YawRate,
		status.TrackingActive, distance, status.LastOffsetX, status.LastBBoxRatio, toUnix(cmd.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("insert command: %w", err)
	}
	return nil
}

const commandColumns = `id, session_id, forward_ms, right_ms, down_ms, yaw_rate_dps,
	tracking_active, distance_m, offset_x, bbox_ratio, at`

func scanCommands(rows *sql.Rows) ([]CommandRecord, error) {
	defer rows.Close()
	var cmds []CommandRecord
	for rows.Next() {
		var c CommandRecord
		var distance, offset, ratio sql.NullFloat64
		var at float64
		if err := rows.Scan(&c.ID, &c.SessionID, &c.Forward, &c.Right, &c.Down, &c.YawRate,
			&c.TrackingActive, &distance, &offset, &ratio, &at); err != nil {
			return nil, err
		}
		if distance.Valid {
			d := distance.Float64
			c.DistanceM = &d
		}
		c.OffsetX = offset.Float64
		c.BBoxRatio = ratio.Float64
		c.At = fromUnix(at)
		cmds = append(cmds, c)
	}
	return cmds, rows.Err()
}

// RecentCommands returns up to limit of the most recent commands across all
// sessions in chronological order.
func (db *DB) RecentCommands(limit int) ([]CommandRecord, error) {
	rows, err := db.Query(
		`SELECT * FROM (SELECT `+commandColumns+` FROM velocity_commands ORDER BY id DESC LIMIT ?)
		 ORDER BY id ASC`, limit)
	if err != nil {
		return nil, err
	}
	return scanCommands(rows)
}

// SessionCommands returns every command of a session in chronological order.
func (db *DB) SessionCommands(sessionID string) ([]CommandRecord, error) {
	rows, err := db.Query(
		`SELECT `+commandColumns+` FROM velocity_commands WHERE session_id = ? ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	return scanCommands(rows)
}

// SessionSummary is a row of the session_summary view.
type SessionSummary struct {
	SessionID     string     `json:"session_id"`
	StartedAt     time.Time  `json:"started_at"`
	Commands      int        `json:"commands"`
	ModeEvents    int        `json:"mode_events"`
	LastCommandAt *time.Time `json:"last_command_at,omitempty"`
}

// Sessions lists sessions, newest first.
func (db *DB) Sessions() ([]SessionSummary, error) {
	rows, err := db.Query(
		`SELECT session_id, started_at, commands, mode_events, last_command_at
		 FROM session_summary ORDER BY started_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var s SessionSummary
		var started float64
		var last sql.NullFloat64
		if err := rows.Scan(&s.SessionID, &started, &s.Commands, &s.ModeEvents, &last); err != nil {
			return nil, err
		}
		s.StartedAt = fromUnix(started)
		if last.Valid {
			t := fromUnix(last.Float64)
			s.LastCommandAt = &t
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// LatestSessionID returns the most recently started session.
func (db *DB) LatestSessionID() (string, error) {
	var id string
	err := db.QueryRow(`SELECT session_id FROM sessions ORDER BY started_at DESC LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoSession
	}
	return id, err
}
