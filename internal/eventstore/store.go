package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	_ "modernc.org/sqlite"
)

// Event is a recorded timeline entry for one conversation session.
type Event struct {
	ID        int64
	UserID    string
	SessionID string
	TraceID   string
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Session is a conversation session known to the gateway.
type Session struct {
	UserID    string
	SessionID string
	CreatedAt time.Time
	DeletedAt *time.Time
}

// Store wraps a SQLite-backed session timeline. In ephemeral mode it keeps
// nothing and every method is a no-op.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "event-store"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_key TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    session_id TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    deleted_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_key TEXT NOT NULL,
    trace_id TEXT,
    event_type TEXT NOT NULL,
    payload BLOB,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_key) REFERENCES sessions(session_key) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_session_created ON events(session_key, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

func sessionKey(userID, sessionID string) string {
	return userID + "/" + sessionID
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordSession ensures a live session row exists. Re-creating a deleted
// session revives it.
func (s *Store) RecordSession(ctx context.Context, userID, sessionID string) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_key, user_id, session_id, created_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(session_key) DO UPDATE SET deleted_at = NULL`,
		sessionKey(userID, sessionID), userID, sessionID, s.clock().UTC())
	return err
}

// MarkSessionDeleted stamps the session as deleted. Its events are kept until
// retention removes them.
func (s *Store) MarkSessionDeleted(ctx context.Context, userID, sessionID string) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET deleted_at = ? WHERE session_key = ?`,
		s.clock().UTC(), sessionKey(userID, sessionID))
	return err
}

// GetSession returns the session row, if any.
func (s *Store) GetSession(ctx context.Context, userID, sessionID string) (Session, bool, error) {
	if s.disabled() {
		return Session{}, false, nil
	}
	var sess Session
	var deleted sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, session_id, created_at, deleted_at FROM sessions WHERE session_key = ?`,
		sessionKey(userID, sessionID)).Scan(&sess.UserID, &sess.SessionID, &sess.CreatedAt, &deleted)
	if err == sql.ErrNoRows {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, err
	}
	if deleted.Valid {
		ts := deleted.Time
		sess.DeletedAt = &ts
	}
	return sess, true, nil
}

// AppendEvent writes an event, creating the session row when the session was
// never initialized through the gateway.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.disabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	key := sessionKey(evt.UserID, evt.SessionID)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions(session_key, user_id, session_id, created_at)
		 VALUES(?, ?, ?, ?) ON CONFLICT(session_key) DO NOTHING`,
		key, evt.UserID, evt.SessionID, evt.CreatedAt); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events(session_key, trace_id, event_type, payload, created_at)
		 VALUES(?, ?, ?, ?, ?)`,
		key, evt.TraceID, evt.Type, evt.Payload, evt.CreatedAt); err != nil {
		return err
	}
	return tx.Commit()
}

// ListSessionEvents retrieves up to limit events for a session ordered ascending by time.
func (s *Store) ListSessionEvents(ctx context.Context, userID, sessionID string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT e.id, s.user_id, s.session_id, e.trace_id, e.event_type, e.payload, e.created_at
		 FROM events e JOIN sessions s ON s.session_key = e.session_key
		 WHERE e.session_key = ? ORDER BY e.created_at ASC, e.id ASC LIMIT ?`,
		sessionKey(userID, sessionID), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var trace sql.NullString
		if err := rows.Scan(&e.ID, &e.UserID, &e.SessionID, &trace, &e.Type, &e.Payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.TraceID = trace.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() || s.cfg.RetentionMode != "session" && s.cfg.RetentionMode != "persistent" {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC()
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.RetentionMode == "session" {
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE deleted_at IS NOT NULL`); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_key IN (
			SELECT session_key FROM sessions ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions); err != nil {
			return err
		}
	}
	return tx.Commit()
}
