// Package store provides SQLite-backed persistence for sessions and
// their message history. Message sequence numbers are assigned inside
// the insert statement itself, so they stay gapless and duplicate-free
// per session no matter how many goroutines append concurrently.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/brendanlong/clawed-burrow-sub001/pkg/session"
)

// Store provides SQLite-backed persistence for sessions and messages.
type Store struct {
	db *sql.DB
}

// Open opens the SQLite database at dbPath and creates tables if they
// don't exist. WAL mode and a busy timeout keep concurrent appenders
// from tripping over each other.
func Open(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := createTables(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		repo_url TEXT NOT NULL,
		branch TEXT NOT NULL,
		workspace TEXT NOT NULL,
		container_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		status_message TEXT NOT NULL DEFAULT '',
		initial_prompt TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		type TEXT NOT NULL,
		content TEXT NOT NULL,
		interrupted INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id),
		UNIQUE (session_id, sequence)
	);
	`
	_, err := db.Exec(schema)
	return err
}

// CreateSession inserts a new session row. An empty ID gets a fresh
// UUID; timestamps are set to now.
func (s *Store) CreateSession(ctx context.Context, sess *session.Session) error {
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, repo_url, branch, workspace, container_id, status, status_message, initial_prompt, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.RepoURL, sess.Branch, sess.Workspace, sess.ContainerID,
		string(sess.Status), sess.StatusMessage, sess.InitialPrompt, sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

const sessionColumns = `id, repo_url, branch, workspace, container_id, status, status_message, initial_prompt, created_at, updated_at`

func scanSession(row interface{ Scan(...interface{}) error }) (*session.Session, error) {
	var sess session.Session
	var status string
	err := row.Scan(&sess.ID, &sess.RepoURL, &sess.Branch, &sess.Workspace, &sess.ContainerID,
		&status, &sess.StatusMessage, &sess.InitialPrompt, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sess.Status = session.Status(status)
	return &sess, nil
}

// GetSession retrieves a session by ID. Returns (nil, nil) when the id
// is unknown.
func (s *Store) GetSession(ctx context.Context, id string) (*session.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)

	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return sess, nil
}

// ListSessions returns all sessions, newest first.
func (s *Store) ListSessions(ctx context.Context) ([]*session.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return sessions, nil
}

// SetStatus updates a session's status and diagnostic message.
func (s *Store) SetStatus(ctx context.Context, id string, status session.Status, statusMessage string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, status_message = ?, updated_at = ? WHERE id = ?`,
		string(status), statusMessage, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return requireRow(res, id)
}

// SetStatusMessage updates only the diagnostic message.
func (s *Store) SetStatusMessage(ctx context.Context, id, statusMessage string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status_message = ?, updated_at = ? WHERE id = ?`,
		statusMessage, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update status message: %w", err)
	}
	return requireRow(res, id)
}

// SetContainerID records the container backing the session. Empty
// clears it.
func (s *Store) SetContainerID(ctx context.Context, id, containerID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET container_id = ?, updated_at = ? WHERE id = ?`,
		containerID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update container id: %w", err)
	}
	return requireRow(res, id)
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("session %s: no such row", id)
	}
	return nil
}

// AppendMessage persists one message for the session, assigning the next
// sequence number. The assignment happens inside the INSERT itself, so
// it is atomic under SQLite's write serialization; the UNIQUE
// (session_id, sequence) constraint backs the no-duplicate invariant.
func (s *Store) AppendMessage(ctx context.Context, sessionID string, typ session.MessageType, content json.RawMessage) (*session.Message, error) {
	msg := &session.Message{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Type:      typ,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, sequence, type, content, interrupted, created_at)
		 VALUES (?, ?, (SELECT COALESCE(MAX(sequence), 0) + 1 FROM messages WHERE session_id = ?), ?, ?, 0, ?)`,
		msg.ID, sessionID, sessionID, string(typ), string(content), msg.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `SELECT sequence FROM messages WHERE id = ?`, msg.ID)
	if err := row.Scan(&msg.Sequence); err != nil {
		return nil, fmt.Errorf("read back sequence: %w", err)
	}
	return msg, nil
}

// MarkLastMessageInterrupted patches the session's most recent message
// with the interrupted marker. This is the single documented mutation of
// persisted messages. Returns false when the session has no messages.
func (s *Store) MarkLastMessageInterrupted(ctx context.Context, sessionID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET interrupted = 1
		 WHERE session_id = ? AND sequence = (SELECT MAX(sequence) FROM messages WHERE session_id = ?)`,
		sessionID, sessionID)
	if err != nil {
		return false, fmt.Errorf("mark interrupted: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n > 0, nil
}

// CountMessages returns how many messages the session has.
func (s *Store) CountMessages(ctx context.Context, sessionID string) (int64, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID)
	var n int64
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}
