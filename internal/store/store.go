// Package store is the sqlite persistence layer for accounts,
// applications, users, and the application-event outbox.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/jobtrail/jobtrail/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// ErrDuplicate marks an insert that violated a uniqueness constraint,
// such as an already-taken username or an already-connected mailbox.
var ErrDuplicate = errors.New("already exists")

func isUniqueViolation(err error) bool {
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return false
	}
	switch serr.Code() {
	case sqlite3.SQLITE_CONSTRAINT, sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}

type Store struct {
	DB *sql.DB
}

// Open opens or creates the database at dbPath and applies the schema.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" && dbPath != ":memory:" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	dsn := dbPath
	if dbPath != ":memory:" {
		dsn = dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	if dbPath == ":memory:" {
		// A pooled in-memory database is a fresh database per
		// connection; keep a single one.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{DB: db}, nil
}

func (s *Store) Close() error {
	return s.DB.Close()
}

func unixOrNil(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.Unix()
}

func timeFromNull(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return time.Unix(n.Int64, 0).UTC()
}

// ---- users ----

func (s *Store) CreateUser(ctx context.Context, username, email, hashedPassword string) (*model.User, error) {
	user := &model.User{
		Username:  username,
		Email:     email,
		Password:  hashedPassword,
		CreatedAt: time.Now().UTC(),
	}

	result, err := s.DB.ExecContext(ctx,
		"INSERT INTO users (username, email, password, created_at) VALUES (?, ?, ?, ?)",
		user.Username, user.Email, user.Password, user.CreatedAt.Unix(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("username or email taken: %w", ErrDuplicate)
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get user ID: %w", err)
	}
	user.ID = id

	return user, nil
}

// GetUserByUsername returns the user or nil when no such user exists.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	user := &model.User{}
	var createdAt int64
	err := s.DB.QueryRowContext(ctx,
		"SELECT id, username, email, password, created_at FROM users WHERE username = ?",
		username,
	).Scan(&user.ID, &user.Username, &user.Email, &user.Password, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	user.CreatedAt = time.Unix(createdAt, 0).UTC()
	return user, nil
}

// ---- accounts ----

const accountColumns = `id, user_id, provider, email_address, access_token, refresh_token,
	token_expires, sync_status, sync_started_at, last_synced_at, last_synced_message_id,
	last_error, added_at`

func scanAccount(row interface{ Scan(...interface{}) error }) (*model.Account, error) {
	acct := &model.Account{}
	var tokenExpires, syncStartedAt, lastSyncedAt sql.NullInt64
	var addedAt int64
	err := row.Scan(
		&acct.ID, &acct.UserID, &acct.Provider, &acct.EmailAddress,
		&acct.AccessToken, &acct.RefreshToken,
		&tokenExpires, &acct.SyncStatus, &syncStartedAt, &lastSyncedAt,
		&acct.LastSyncedMessageID, &acct.LastError, &addedAt,
	)
	if err != nil {
		return nil, err
	}
	acct.TokenExpires = timeFromNull(tokenExpires)
	acct.SyncStartedAt = timeFromNull(syncStartedAt)
	acct.LastSyncedAt = timeFromNull(lastSyncedAt)
	acct.AddedAt = time.Unix(addedAt, 0).UTC()
	return acct, nil
}

// CreateAccount inserts a connected mailbox. Account creation belongs
// to the external OAuth completion flow; the sync engine only ever
// mutates existing rows.
func (s *Store) CreateAccount(ctx context.Context, acct *model.Account) error {
	if acct.AddedAt.IsZero() {
		acct.AddedAt = time.Now().UTC()
	}
	if acct.SyncStatus == "" {
		acct.SyncStatus = model.SyncIdle
	}

	result, err := s.DB.ExecContext(ctx, `
		INSERT INTO accounts
		(user_id, provider, email_address, access_token, refresh_token, token_expires,
		 sync_status, last_synced_at, last_synced_message_id, added_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, acct.UserID, acct.Provider, acct.EmailAddress, acct.AccessToken, acct.RefreshToken,
		unixOrNil(acct.TokenExpires), acct.SyncStatus, unixOrNil(acct.LastSyncedAt),
		acct.LastSyncedMessageID, acct.AddedAt.Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("mailbox already connected: %w", ErrDuplicate)
		}
		return fmt.Errorf("failed to create account: %w", err)
	}

	acct.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get account ID: %w", err)
	}
	return nil
}

func (s *Store) GetAccount(ctx context.Context, id int64) (*model.Account, error) {
	row := s.DB.QueryRowContext(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE id = ?", id)
	acct, err := scanAccount(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("account %d not found", id)
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return acct, nil
}

func (s *Store) ListAccounts(ctx context.Context, userID int64) ([]model.Account, error) {
	rows, err := s.DB.QueryContext(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE user_id = ? ORDER BY added_at", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []model.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, *acct)
	}
	return accounts, rows.Err()
}

// UpdateAccountTokens persists refreshed credentials.
func (s *Store) UpdateAccountTokens(ctx context.Context, id int64, accessToken, refreshToken string, expires time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE accounts
		SET access_token = ?, refresh_token = ?, token_expires = ?
		WHERE id = ?
	`, accessToken, refreshToken, unixOrNil(expires), id)
	if err != nil {
		return fmt.Errorf("failed to update tokens: %w", err)
	}
	return nil
}

// BeginSync atomically flips an account into syncing state. It is the
// single-flight guard: the conditional UPDATE succeeds for exactly one
// caller, so two concurrent cycles for the same account cannot both
// pass. A syncing row whose cycle started more than staleAfter ago is
// treated as abandoned and may be taken over.
func (s *Store) BeginSync(ctx context.Context, id int64, staleAfter time.Duration, now time.Time) (bool, error) {
	result, err := s.DB.ExecContext(ctx, `
		UPDATE accounts
		SET sync_status = ?, sync_started_at = ?, last_error = ''
		WHERE id = ?
		  AND (sync_status != ? OR sync_started_at IS NULL OR sync_started_at <= ?)
	`, model.SyncSyncing, now.Unix(), id, model.SyncSyncing, now.Add(-staleAfter).Unix())
	if err != nil {
		return false, fmt.Errorf("failed to begin sync: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to begin sync: %w", err)
	}
	return n > 0, nil
}

// CompleteSync marks a successful cycle and advances the watermark.
// An empty lastMessageID keeps the previous one.
func (s *Store) CompleteSync(ctx context.Context, id int64, syncedAt time.Time, lastMessageID string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE accounts
		SET sync_status = ?,
		    last_synced_at = ?,
		    last_synced_message_id = CASE WHEN ? != '' THEN ? ELSE last_synced_message_id END,
		    sync_started_at = NULL
		WHERE id = ?
	`, model.SyncCompleted, syncedAt.Unix(), lastMessageID, lastMessageID, id)
	if err != nil {
		return fmt.Errorf("failed to complete sync: %w", err)
	}
	return nil
}

// FailSync marks a failed cycle. The watermark stays untouched so the
// next cycle reprocesses the same window.
func (s *Store) FailSync(ctx context.Context, id int64, errMsg string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE accounts
		SET sync_status = ?, last_error = ?, sync_started_at = NULL
		WHERE id = ?
	`, model.SyncError, errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to mark sync error: %w", err)
	}
	return nil
}

// ---- applications ----

// Event is an outbox entry to be dispatched to NATS.
type Event struct {
	Subject string
	Type    string
	Payload []byte
	MsgID   string
}

// OutboxMessage is a pending outbox row.
type OutboxMessage struct {
	ID      int64
	Subject string
	Payload []byte
	MsgID   string
}

const applicationColumns = `id, user_id, company, role, location, status, source, created_at, updated_at`

func scanApplication(row interface{ Scan(...interface{}) error }) (*model.Application, error) {
	app := &model.Application{}
	var createdAt, updatedAt int64
	err := row.Scan(
		&app.ID, &app.UserID, &app.Company, &app.Role, &app.Location,
		&app.Status, &app.Source, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	app.CreatedAt = time.Unix(createdAt, 0).UTC()
	app.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return app, nil
}

func (s *Store) ListApplications(ctx context.Context, userID int64) ([]model.Application, error) {
	rows, err := s.DB.QueryContext(ctx,
		"SELECT "+applicationColumns+" FROM applications WHERE user_id = ? ORDER BY updated_at DESC, id", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query applications: %w", err)
	}
	defer rows.Close()

	var apps []model.Application
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan application: %w", err)
		}
		apps = append(apps, *app)
	}
	return apps, rows.Err()
}

// GetApplication returns the user's application or nil when absent.
func (s *Store) GetApplication(ctx context.Context, userID, id int64) (*model.Application, error) {
	row := s.DB.QueryRowContext(ctx,
		"SELECT "+applicationColumns+" FROM applications WHERE id = ? AND user_id = ?", id, userID)
	app, err := scanApplication(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get application: %w", err)
	}
	return app, nil
}

// CreateApplication inserts an application and, when evt is non-nil,
// appends the outbox entry in the same transaction.
func (s *Store) CreateApplication(ctx context.Context, app *model.Application, evt *Event) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO applications (user_id, company, role, location, status, source, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, app.UserID, app.Company, app.Role, app.Location, app.Status, app.Source,
		app.CreatedAt.Unix(), app.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert application: %w", err)
	}

	app.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get application ID: %w", err)
	}

	if evt != nil {
		if err := appendOutboxTx(ctx, tx, evt); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// UpdateApplication rewrites the mutable fields of an application and,
// when evt is non-nil, appends the outbox entry in the same
// transaction.
func (s *Store) UpdateApplication(ctx context.Context, app *model.Application, evt *Event) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE applications
		SET company = ?, role = ?, location = ?, status = ?, source = ?, updated_at = ?
		WHERE id = ? AND user_id = ?
	`, app.Company, app.Role, app.Location, app.Status, app.Source,
		app.UpdatedAt.Unix(), app.ID, app.UserID)
	if err != nil {
		return fmt.Errorf("failed to update application: %w", err)
	}

	if evt != nil {
		if err := appendOutboxTx(ctx, tx, evt); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) DeleteApplication(ctx context.Context, userID, id int64) (bool, error) {
	result, err := s.DB.ExecContext(ctx,
		"DELETE FROM applications WHERE id = ? AND user_id = ?", id, userID)
	if err != nil {
		return false, fmt.Errorf("failed to delete application: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to delete application: %w", err)
	}
	return n > 0, nil
}

// ---- outbox ----

func appendOutboxTx(ctx context.Context, tx *sql.Tx, evt *Event) error {
	now := time.Now().Unix()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, now, evt.Subject, evt.Type, evt.Payload, evt.MsgID, now)
	if err != nil {
		return fmt.Errorf("failed to insert outbox entry: %w", err)
	}
	return nil
}

// DequeueOutbox fetches unpublished messages that are due.
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	now := time.Now().Unix()

	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, subject, payload, msg_id
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var messages []OutboxMessage
	for rows.Next() {
		var msg OutboxMessage
		if err := rows.Scan(&msg.ID, &msg.Subject, &msg.Payload, &msg.MsgID); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// MarkPublished marks an outbox message as published.
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox SET published_at = ? WHERE id = ?
	`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark published: %w", err)
	}
	return nil
}

// MarkOutboxRetry bumps the retry count and pushes the next attempt out.
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox
		SET retries = retries + 1,
		    next_attempt_at = ?
		WHERE id = ?
	`, time.Now().Add(backoff).Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark retry: %w", err)
	}
	return nil
}
