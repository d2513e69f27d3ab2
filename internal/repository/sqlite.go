package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"crm-agent/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps users and turns in a local SQLite database. It backs the
// standalone server; Lambda deployments use Client.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dsn and migrates it.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("repository: sqlite dsn must not be empty")
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("repository: open sqlite: %w", err)
	}
	// One connection keeps :memory: databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("repository: %s: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("repository: migrate sqlite: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			phone_number TEXT NOT NULL UNIQUE,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS turns (
			user_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			channel TEXT NOT NULL,
			query TEXT NOT NULL,
			intent TEXT NOT NULL,
			response TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (user_id, seq),
			FOREIGN KEY (user_id) REFERENCES users(id)
		)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetUserByKey(ctx context.Context, key string) (domain.User, bool, error) {
	var (
		u         domain.User
		createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, phone_number, created_at FROM users WHERE phone_number = ?`, key,
	).Scan(&u.ID, &u.PhoneNumber, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, false, nil
	}
	if err != nil {
		return domain.User{}, false, fmt.Errorf("repository: GetUserByKey: %w", err)
	}
	if u.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return domain.User{}, false, fmt.Errorf("repository: GetUserByKey created_at: %w", err)
	}
	return u, true, nil
}

// CreateUser inserts unless the phone number is already registered, in
// which case the stored user is returned with created=false.
func (s *SQLiteStore) CreateUser(ctx context.Context, key string) (domain.User, bool, error) {
	u := domain.User{ID: newUUID(), PhoneNumber: key, CreatedAt: time.Now().UTC()}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, phone_number, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(phone_number) DO NOTHING`,
		u.ID, u.PhoneNumber, u.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return domain.User{}, false, fmt.Errorf("repository: CreateUser: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return u, true, nil
	}
	existing, found, err := s.GetUserByKey(ctx, key)
	if err != nil {
		return domain.User{}, false, fmt.Errorf("repository: CreateUser reread: %w", err)
	}
	if !found {
		return domain.User{}, false, errors.New("repository: CreateUser: user missing after conflict")
	}
	return existing, false, nil
}

// AppendTurn computes the next sequence number and inserts in a single
// statement, so the read and the write cannot interleave with another writer.
func (s *SQLiteStore) AppendTurn(ctx context.Context, turn domain.Turn) (domain.Turn, error) {
	if strings.TrimSpace(turn.UserID) == "" {
		return domain.Turn{}, errors.New("repository: AppendTurn: user id is required")
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO turns (user_id, seq, channel, query, intent, response, created_at)
		 SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?, ?, ? FROM turns WHERE user_id = ?
		 RETURNING seq`,
		turn.UserID, string(turn.Channel), turn.Query, turn.Intent.Code(), turn.Response,
		turn.CreatedAt.UTC().Format(time.RFC3339Nano), turn.UserID,
	).Scan(&turn.Seq)
	if err != nil {
		return domain.Turn{}, fmt.Errorf("repository: AppendTurn: %w", err)
	}
	return turn, nil
}

func (s *SQLiteStore) ListTurns(ctx context.Context, userID string, limit int) ([]domain.Turn, error) {
	const columns = `user_id, seq, channel, query, intent, response, created_at`
	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+columns+` FROM (
				SELECT `+columns+` FROM turns WHERE user_id = ? ORDER BY seq DESC LIMIT ?
			) ORDER BY seq ASC`, userID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+columns+` FROM turns WHERE user_id = ? ORDER BY seq ASC`, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("repository: ListTurns: %w", err)
	}
	defer rows.Close()

	turns := []domain.Turn{}
	for rows.Next() {
		var (
			t                        domain.Turn
			channel, code, createdAt string
		)
		if err := rows.Scan(&t.UserID, &t.Seq, &channel, &t.Query, &code, &t.Response, &createdAt); err != nil {
			return nil, fmt.Errorf("repository: ListTurns scan: %w", err)
		}
		t.Channel = domain.Channel(channel)
		t.Intent, _ = domain.ParseIntentCode(code)
		if t.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("repository: ListTurns created_at: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: ListTurns rows: %w", err)
	}
	return turns, nil
}
