package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nhle/mailrelay/internal/model"
)

// SQLiteStore implements the Store interface using a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// A single connection serialises writers and keeps ":memory:"
	// databases from splitting across connections.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys.
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	// Check if schema_version table exists.
	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// EnsureAccount inserts the account on first sight and refreshes its
// display name otherwise. The stored watermark is never overwritten.
func (s *SQLiteStore) EnsureAccount(
	ctx context.Context,
	id, name string,
	initial uint32,
) (uint32, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, name, last_checked_uid, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name`,
		id, name, initial, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("ensuring account %s: %w", id, err)
	}

	return s.Watermark(ctx, id)
}

// Watermark returns the last checked UID of the account.
func (s *SQLiteStore) Watermark(ctx context.Context, id string) (uint32, error) {
	var uid uint32
	err := s.db.GetContext(ctx, &uid,
		"SELECT last_checked_uid FROM accounts WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("reading watermark of %s: %w", id, ErrUnknownAccount)
	}
	if err != nil {
		return 0, fmt.Errorf("reading watermark of %s: %w", id, err)
	}
	return uid, nil
}

// SetWatermark raises the watermark and prunes bookkeeping it now covers.
func (s *SQLiteStore) SetWatermark(ctx context.Context, id string, uid uint32) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE accounts SET
			last_checked_uid = MAX(last_checked_uid, ?),
			updated_at = ?
		WHERE id = ?`,
		uid, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("updating watermark of %s: %w", id, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("updating watermark of %s: %w", id, ErrUnknownAccount)
	}

	const pruneDecisions = `
		DELETE FROM decisions WHERE account_id = ? AND uid <= (
			SELECT last_checked_uid FROM accounts WHERE id = ?
		)`
	if _, err := tx.ExecContext(ctx, pruneDecisions, id, id); err != nil {
		return fmt.Errorf("pruning decisions of %s: %w", id, err)
	}

	const pruneFailures = `
		DELETE FROM fetch_failures WHERE account_id = ? AND uid <= (
			SELECT last_checked_uid FROM accounts WHERE id = ?
		)`
	if _, err := tx.ExecContext(ctx, pruneFailures, id, id); err != nil {
		return fmt.Errorf("pruning fetch failures of %s: %w", id, err)
	}

	return tx.Commit()
}

// GetAccountStates lists every known account ordered by ID.
func (s *SQLiteStore) GetAccountStates(ctx context.Context) ([]model.AccountState, error) {
	var states []model.AccountState
	err := s.db.SelectContext(ctx, &states, `
		SELECT id, name, last_checked_uid, updated_at
		FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying account states: %w", err)
	}
	return states, nil
}

// MarkDecided records the decision for uid. The first decision wins.
func (s *SQLiteStore) MarkDecided(
	ctx context.Context,
	id string,
	uid uint32,
	d model.Decision,
) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO decisions (account_id, uid, decision, decided_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(account_id, uid) DO NOTHING`,
		id, uid, string(d), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("recording decision for %s uid %d: %w", id, uid, err)
	}
	return nil
}

// DecidedAbove returns the decisions recorded for UIDs above watermark.
func (s *SQLiteStore) DecidedAbove(
	ctx context.Context,
	id string,
	watermark uint32,
) (map[uint32]model.Decision, error) {
	var rows []struct {
		UID      uint32 `db:"uid"`
		Decision string `db:"decision"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT uid, decision FROM decisions
		WHERE account_id = ? AND uid > ?
		ORDER BY uid`,
		id, watermark,
	)
	if err != nil {
		return nil, fmt.Errorf("querying decisions of %s: %w", id, err)
	}

	decided := make(map[uint32]model.Decision, len(rows))
	for _, r := range rows {
		decided[r.UID] = model.Decision(r.Decision)
	}
	return decided, nil
}

// RecordFetchFailure bumps the attempt counter of uid.
func (s *SQLiteStore) RecordFetchFailure(
	ctx context.Context,
	id string,
	uid uint32,
	reason string,
) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO fetch_failures (account_id, uid, attempts, last_error, updated_at)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT(account_id, uid) DO UPDATE SET
			attempts = attempts + 1,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		id, uid, reason, time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("recording fetch failure for %s uid %d: %w", id, uid, err)
	}

	var attempts int
	err = tx.GetContext(ctx, &attempts,
		"SELECT attempts FROM fetch_failures WHERE account_id = ? AND uid = ?",
		id, uid,
	)
	if err != nil {
		return 0, fmt.Errorf("reading fetch failures for %s uid %d: %w", id, uid, err)
	}

	return attempts, tx.Commit()
}

// ClearFetchFailure forgets the failure history of uid.
func (s *SQLiteStore) ClearFetchFailure(ctx context.Context, id string, uid uint32) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM fetch_failures WHERE account_id = ? AND uid = ?", id, uid)
	if err != nil {
		return fmt.Errorf("clearing fetch failure for %s uid %d: %w", id, uid, err)
	}
	return nil
}

// CreateNotification inserts a new notification record.
func (s *SQLiteStore) CreateNotification(
	ctx context.Context,
	n model.Notification,
) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (
			id, account_id, uid, from_addr, subject, delivered, error, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.AccountID, n.UID, n.From, n.Subject,
		boolToInt(n.Delivered), n.Error, n.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("creating notification: %w", err)
	}

	return nil
}

// GetNotifications retrieves delivery log entries, newest first.
func (s *SQLiteStore) GetNotifications(
	ctx context.Context,
	filter NotificationFilter,
) ([]model.Notification, error) {
	query := `
		SELECT id, account_id, uid, from_addr, subject, delivered, error, created_at
		FROM notifications`
	var args []interface{}

	if filter.AccountID != "" {
		query += " WHERE account_id = ?"
		args = append(args, filter.AccountID)
	}
	query += " ORDER BY created_at DESC, uid DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying notifications: %w", err)
	}
	defer rows.Close()

	var notifications []model.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		notifications = append(notifications, n)
	}

	return notifications, rows.Err()
}

// scanNotification scans a notification row from a sqlx.Rows result set.
func scanNotification(rows *sqlx.Rows) (model.Notification, error) {
	var (
		n            model.Notification
		deliveredInt int
		createdAt    time.Time
	)

	err := rows.Scan(
		&n.ID, &n.AccountID, &n.UID, &n.From, &n.Subject,
		&deliveredInt, &n.Error, &createdAt,
	)
	if err != nil {
		return model.Notification{}, fmt.Errorf("scanning notification row: %w", err)
	}

	n.Delivered = deliveredInt != 0
	n.CreatedAt = createdAt

	return n, nil
}

// boolToInt converts a boolean to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
