package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"k8s.io/utils/clock"
	_ "modernc.org/sqlite"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS chat_sessions (
    id                  TEXT PRIMARY KEY,
    user_id             TEXT NOT NULL,
    type                TEXT NOT NULL,
    title               TEXT NOT NULL DEFAULT '',
    context             TEXT,
    metadata            TEXT,
    message_count       INTEGER NOT NULL DEFAULT 0,
    created_at_ns       INTEGER NOT NULL,
    updated_at_ns       INTEGER NOT NULL,
    last_activity_at_ns INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chat_sessions_user_activity ON chat_sessions(user_id, last_activity_at_ns);

CREATE TABLE IF NOT EXISTS chat_messages (
    seq           INTEGER PRIMARY KEY AUTOINCREMENT,
    id            TEXT NOT NULL UNIQUE,
    session_id    TEXT NOT NULL,
    role          TEXT NOT NULL,
    content       TEXT NOT NULL,
    tokens        INTEGER,
    model         TEXT NOT NULL DEFAULT '',
    created_at_ns INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chat_messages_session ON chat_messages(session_id, seq);
`

const sessionColumns = `id, user_id, type, title, context, metadata, message_count,
	created_at_ns, updated_at_ns, last_activity_at_ns`

// Option configures a store.
type Option func(*storeOptions)

type storeOptions struct {
	clock clock.PassiveClock
}

// WithClock sets the clock used for timestamps.
func WithClock(c clock.PassiveClock) Option {
	return func(o *storeOptions) { o.clock = c }
}

func buildOptions(opts []Option) storeOptions {
	o := storeOptions{clock: clock.RealClock{}}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// SQLiteStore implements Store backed by a SQLite database.
type SQLiteStore struct {
	db    *sql.DB
	clock clock.PassiveClock
}

var _ Store = (*SQLiteStore)(nil)

// DefaultDBPath returns the default database path (~/.local/share/sessiond/sessions.db).
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "share", "sessiond", "sessions.db"), nil
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and ensures the schema exists.
func NewSQLiteStore(dbPath string, opts ...Option) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serialises writers; appends read-then-write inside a
	// transaction and must not race another writer's upgrade.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	o := buildOptions(opts)
	return &SQLiteStore{db: db, clock: o.clock}, nil
}

func (s *SQLiteStore) CreateSession(ctx context.Context, p CreateParams) (*Session, error) {
	if err := ValidateCreate(p); err != nil {
		return nil, err
	}
	if err := ValidateContext(p.Context); err != nil {
		return nil, err
	}
	now := s.clock.Now().UTC()
	sess := &Session{
		ID:             NewID(),
		UserID:         p.UserID,
		Type:           p.Type,
		Title:          p.Title,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivityAt: now,
		Context:        p.Context,
		Metadata:       p.Metadata,
	}
	if sess.Title == "" {
		sess.Title = DefaultTitle(p.Type)
	}

	md, err := marshalMetadata(p.Metadata)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chat_sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.Type, sess.Title,
		nullableJSON(p.Context), md,
		now.UnixNano(), now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return nil, s.fail("create session", err)
	}
	return sess, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM chat_sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, s.fail("get session", err)
	}

	msgs, err := s.loadMessages(ctx, id)
	if err != nil {
		return nil, err
	}
	sess.Messages = msgs
	return sess, nil
}

func (s *SQLiteStore) loadMessages(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, tokens, model, created_at_ns
		FROM chat_messages WHERE session_id = ? ORDER BY created_at_ns, seq`, sessionID)
	if err != nil {
		return nil, s.fail("load messages", err)
	}
	defer rows.Close()

	msgs := []Message{}
	for rows.Next() {
		var m Message
		var role string
		var tokens sql.NullInt64
		var createdNS int64
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.Content, &tokens, &m.Model, &createdNS); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = Role(role)
		m.CreatedAt = time.Unix(0, createdNS).UTC()
		if tokens.Valid {
			t := int(tokens.Int64)
			m.Tokens = &t
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("load messages", err)
	}
	return msgs, nil
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, id string, u Update) error {
	if err := ValidateContext(u.Context); err != nil {
		return err
	}
	sets := []string{"updated_at_ns = ?"}
	args := []any{s.clock.Now().UTC().UnixNano()}
	if u.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *u.Title)
	}
	if len(u.Context) > 0 {
		sets = append(sets, "context = ?")
		args = append(args, string(u.Context))
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		"UPDATE chat_sessions SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return s.fail("update session", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.fail("delete session", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM chat_sessions WHERE id = ?", id)
	if err != nil {
		return s.fail("delete session", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM chat_messages WHERE session_id = ?", id); err != nil {
		return s.fail("delete messages", err)
	}
	if err := tx.Commit(); err != nil {
		return s.fail("delete session", err)
	}
	return nil
}

func (s *SQLiteStore) AddMessage(ctx context.Context, p MessageParams) (*Message, error) {
	if err := ValidateMessage(p); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, s.fail("add message", err)
	}
	defer tx.Rollback()

	var owner string
	var lastNS int64
	err = tx.QueryRowContext(ctx,
		"SELECT user_id, last_activity_at_ns FROM chat_sessions WHERE id = ?", p.SessionID,
	).Scan(&owner, &lastNS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, s.fail("add message", err)
	}
	if owner != p.UserID {
		return nil, ErrUnauthorized
	}

	created := messageTime(s.clock.Now().UTC(), time.Unix(0, lastNS).UTC())
	msg := &Message{
		ID:        NewID(),
		SessionID: p.SessionID,
		Role:      p.Role,
		Content:   p.Content,
		CreatedAt: created,
		Tokens:    p.Tokens,
		Model:     p.Model,
	}
	var tokens sql.NullInt64
	if p.Tokens != nil {
		tokens = sql.NullInt64{Int64: int64(*p.Tokens), Valid: true}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chat_messages (id, session_id, role, content, tokens, model, created_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, string(msg.Role), msg.Content, tokens, msg.Model, created.UnixNano(),
	); err != nil {
		return nil, s.fail("insert message", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE chat_sessions
		SET message_count = message_count + 1, last_activity_at_ns = ?, updated_at_ns = ?
		WHERE id = ?`,
		created.UnixNano(), created.UnixNano(), p.SessionID,
	); err != nil {
		return nil, s.fail("touch session", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, s.fail("add message", err)
	}
	return msg, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, q ListQuery) ([]*Session, error) {
	if q.UserID == "" {
		return nil, Validationf("user id is required")
	}
	where := []string{"user_id = ?"}
	args := []any{q.UserID}
	if q.Type != "" {
		where = append(where, "type = ?")
		args = append(args, q.Type)
	}
	if !q.ActiveSince.IsZero() {
		where = append(where, "last_activity_at_ns >= ?")
		args = append(args, q.ActiveSince.UnixNano())
	}
	limit := q.Limit
	if limit <= 0 {
		limit = -1
	}
	args = append(args, limit, max(q.Offset, 0))

	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM chat_sessions
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY last_activity_at_ns DESC, created_at_ns DESC
		LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, s.fail("list sessions", err)
	}
	sessions := []*Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, s.fail("list sessions", err)
	}

	// Messages are loaded after the cursor is released: the pool holds a
	// single connection.
	if q.IncludeMessages {
		for _, sess := range sessions {
			msgs, err := s.loadMessages(ctx, sess.ID)
			if err != nil {
				return nil, err
			}
			sess.Messages = msgs
		}
	}
	return sessions, nil
}

func (s *SQLiteStore) Stats(ctx context.Context, q StatsQuery) (*Stats, error) {
	now := s.clock.Now().UTC()
	since := q.ActiveSince
	if since.IsZero() {
		since = now.Add(-DefaultActiveWindow)
	}

	filter := ""
	args := []any{}
	if q.UserID != "" {
		filter = " WHERE user_id = ?"
		args = append(args, q.UserID)
	}

	st := &Stats{SessionTypes: map[string]int{}, GeneratedAt: now}
	var avgNS sql.NullFloat64
	var total sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(message_count), 0), AVG(last_activity_at_ns - created_at_ns)
		FROM chat_sessions`+filter, args...,
	).Scan(&st.TotalSessions, &total, &avgNS)
	if err != nil {
		return nil, s.fail("session stats", err)
	}
	st.TotalMessages = int(total.Int64)
	if avgNS.Valid {
		st.AverageDuration = time.Duration(avgNS.Float64).Minutes()
	}

	activeFilter := " WHERE last_activity_at_ns >= ?"
	activeArgs := []any{since.UnixNano()}
	if q.UserID != "" {
		activeFilter += " AND user_id = ?"
		activeArgs = append(activeArgs, q.UserID)
	}
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT user_id) FROM chat_sessions`+activeFilter, activeArgs...,
	).Scan(&st.ActiveSessions, &st.PeakConcurrentUsers)
	if err != nil {
		return nil, s.fail("session stats", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT type, COUNT(*) FROM chat_sessions`+filter+` GROUP BY type`, args...)
	if err != nil {
		return nil, s.fail("session stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, fmt.Errorf("scan session type: %w", err)
		}
		st.SessionTypes[typ] = n
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("session stats", err)
	}
	return st, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// fail maps driver errors to ErrStoreUnavailable, keeping context
// cancellation visible to callers.
func (s *SQLiteStore) fail(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w", op, Unavailable(err))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (*Session, error) {
	var sess Session
	var ctxJSON, mdJSON sql.NullString
	var createdNS, updatedNS, lastNS int64
	err := r.Scan(
		&sess.ID, &sess.UserID, &sess.Type, &sess.Title, &ctxJSON, &mdJSON,
		&sess.MessageCount, &createdNS, &updatedNS, &lastNS,
	)
	if err != nil {
		return nil, err
	}
	sess.CreatedAt = time.Unix(0, createdNS).UTC()
	sess.UpdatedAt = time.Unix(0, updatedNS).UTC()
	sess.LastActivityAt = time.Unix(0, lastNS).UTC()
	if ctxJSON.Valid {
		sess.Context = []byte(ctxJSON.String)
	}
	if mdJSON.Valid {
		md, err := unmarshalMetadata(mdJSON.String)
		if err != nil {
			return nil, err
		}
		sess.Metadata = md
	}
	return &sess, nil
}

func nullableJSON(raw []byte) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func marshalMetadata(md *Metadata) (sql.NullString, error) {
	if md == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(md)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal metadata: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalMetadata(s string) (*Metadata, error) {
	var md Metadata
	if err := json.Unmarshal([]byte(s), &md); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return &md, nil
}
