// Package sqlite stores account links and users in a single SQLite file
// using the pure Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	sa "github.com/panyam/socialauth"
)

//go:embed schema.sql
var schema string

// dbtx is satisfied by both *sql.DB and *sql.Tx
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements sa.AccountLinkStore, sa.UserDirectory and sa.TxRunner
// over SQLite. Uniqueness comes from the schema's UNIQUE constraints.
type Store struct {
	sqlDB *sql.DB
	q     dbtx
}

var (
	_ sa.AccountLinkStore = (*Store)(nil)
	_ sa.UserDirectory    = (*Store)(nil)
	_ sa.EmailVerifier    = (*Store)(nil)
	_ sa.TxRunner         = (*Store)(nil)
)

// Open opens (creating if needed) the database at path and applies the schema
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// one writer at a time, transactions queue on the pool instead of failing with SQLITE_BUSY
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{sqlDB: sqlDB, q: sqlDB}, nil
}

// Close releases the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) RunInTransaction(ctx context.Context, fn func(ctx context.Context, links sa.AccountLinkStore, users sa.UserDirectory) error) error {
	if _, inTx := s.q.(*sql.Tx); inTx {
		return fn(ctx, s, s)
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	txStore := &Store{sqlDB: s.sqlDB, q: tx}
	if err := fn(ctx, txStore, txStore); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// toMillis normalizes timestamps into millisecond precision for storage.
func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

// =============================================================================
// AccountLinkStore
// =============================================================================

const linkColumns = `id, user_id, provider, external_id, created_at`

func (s *Store) FindLink(ctx context.Context, provider, externalID string) (*sa.AccountLink, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+linkColumns+` FROM account_links WHERE provider = ? AND external_id = ?`,
		provider, externalID)
	link, err := scanLink(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sa.ErrLinkNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find link: %w", err)
	}
	return link, nil
}

func (s *Store) CreateLink(ctx context.Context, userID, provider, externalID string) (*sa.AccountLink, error) {
	link := &sa.AccountLink{
		ID:         uuid.NewString(),
		UserID:     userID,
		Provider:   provider,
		ExternalID: externalID,
		CreatedAt:  fromMillis(toMillis(time.Now())),
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO account_links (`+linkColumns+`) VALUES (?, ?, ?, ?, ?)`,
		link.ID, link.UserID, link.Provider, link.ExternalID, toMillis(link.CreatedAt))
	if isUniqueViolation(err) {
		return nil, sa.ErrDuplicateLink
	}
	if err != nil {
		return nil, fmt.Errorf("create link: %w", err)
	}
	return link, nil
}

func (s *Store) GetUserLinks(ctx context.Context, userID string) ([]*sa.AccountLink, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+linkColumns+` FROM account_links WHERE user_id = ? ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list user links: %w", err)
	}
	defer rows.Close()

	var links []*sa.AccountLink
	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			return nil, fmt.Errorf("scan link: %w", err)
		}
		links = append(links, link)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list user links: %w", err)
	}
	return links, nil
}

func (s *Store) DeleteLink(ctx context.Context, provider, externalID string) error {
	result, err := s.q.ExecContext(ctx,
		`DELETE FROM account_links WHERE provider = ? AND external_id = ?`, provider, externalID)
	if err != nil {
		return fmt.Errorf("delete link: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return sa.ErrLinkNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLink(row scanner) (*sa.AccountLink, error) {
	var link sa.AccountLink
	var createdAt int64
	if err := row.Scan(&link.ID, &link.UserID, &link.Provider, &link.ExternalID, &createdAt); err != nil {
		return nil, err
	}
	link.CreatedAt = fromMillis(createdAt)
	return &link, nil
}

// =============================================================================
// UserDirectory
// =============================================================================

const userColumns = `id, email, display_name, avatar_url, handle, extra, email_verified_at, created_at`

func (s *Store) FindUserByEmail(ctx context.Context, email string) (sa.User, error) {
	key := sa.NormalizeEmail(email)
	if key == "" {
		return nil, sa.ErrUserNotFound
	}
	return s.queryUser(ctx, `SELECT `+userColumns+` FROM users WHERE email_key = ?`, key)
}

func (s *Store) GetUserById(ctx context.Context, userID string) (sa.User, error) {
	return s.queryUser(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, userID)
}

func (s *Store) CreateUser(ctx context.Context, attrs sa.UserAttributes) (sa.User, error) {
	user := sa.NewBasicUser(uuid.NewString(), attrs)
	user.CreatedAt = fromMillis(toMillis(user.CreatedAt))

	var emailKey sql.NullString
	if key := sa.NormalizeEmail(attrs.Email); key != "" {
		emailKey = sql.NullString{String: key, Valid: true}
	}
	var extra sql.NullString
	if attrs.Extra != nil {
		data, err := json.Marshal(attrs.Extra)
		if err != nil {
			return nil, fmt.Errorf("encode extra attributes: %w", err)
		}
		extra = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.q.ExecContext(ctx,
		`INSERT INTO users (id, email, email_key, display_name, avatar_url, handle, extra, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		user.UserID, attrs.Email, emailKey, attrs.DisplayName, attrs.AvatarURL, attrs.Handle, extra,
		toMillis(user.CreatedAt))
	if isUniqueViolation(err) {
		return nil, sa.ErrDuplicateEmail
	}
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

func (s *Store) MarkEmailVerified(ctx context.Context, userID string, at time.Time) error {
	result, err := s.q.ExecContext(ctx,
		`UPDATE users SET email_verified_at = ? WHERE id = ? AND email_verified_at IS NULL`,
		toMillis(at), userID)
	if err != nil {
		return fmt.Errorf("mark email verified: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		// either already verified or missing
		if _, err := s.GetUserById(ctx, userID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) queryUser(ctx context.Context, query string, args ...any) (sa.User, error) {
	var (
		user       sa.BasicUser
		extra      sql.NullString
		verifiedAt sql.NullInt64
		createdAt  int64
	)
	err := s.q.QueryRowContext(ctx, query, args...).Scan(
		&user.UserID,
		&user.Attributes.Email,
		&user.Attributes.DisplayName,
		&user.Attributes.AvatarURL,
		&user.Attributes.Handle,
		&extra,
		&verifiedAt,
		&createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sa.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if extra.Valid {
		if err := json.Unmarshal([]byte(extra.String), &user.Attributes.Extra); err != nil {
			return nil, fmt.Errorf("decode extra attributes: %w", err)
		}
	}
	if verifiedAt.Valid {
		at := fromMillis(verifiedAt.Int64)
		user.EmailVerifiedAt = &at
	}
	user.CreatedAt = fromMillis(createdAt)
	return &user, nil
}
