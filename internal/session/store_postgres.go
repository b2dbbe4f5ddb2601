package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"trellis/internal/recordable"
	"trellis/pkg/platform/sentinel"
	txcontext "trellis/pkg/platform/tx"
)

const pqUniqueViolation = "23505"

// PostgresStore persists device sessions in PostgreSQL. The unique index on
// (actor_type, actor_id, device_fingerprint) is the real guard against the
// concurrent-create race; violations surface as sentinel.ErrConflict.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

const sessionColumns = `
	id, actor_type, actor_id, device_fingerprint, root_recording_id,
	user_agent, device_name, last_active_at, created_at, updated_at
`

func (s *PostgresStore) Create(ctx context.Context, sess *DeviceSession) error {
	query := `
		INSERT INTO device_sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := s.execer(ctx).ExecContext(ctx, query,
		sess.ID,
		sess.Actor.Type,
		sess.Actor.ID,
		sess.DeviceFingerprint,
		sess.RootRecordingID,
		sess.UserAgent,
		sess.DeviceName,
		sess.LastActiveAt,
		sess.CreatedAt,
		sess.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return fmt.Errorf("create session: %w", sentinel.ErrConflict)
		}
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *PostgresStore) Find(ctx context.Context, actor recordable.Ref, fingerprintHash string) (*DeviceSession, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM device_sessions
		WHERE actor_type = $1 AND actor_id = $2 AND device_fingerprint = $3
	`
	sess, err := scanSession(s.execer(ctx).QueryRowContext(ctx, query, actor.Type, actor.ID, fingerprintHash))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("find session: %w", sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("find session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) FindForUpdate(ctx context.Context, id uuid.UUID) (*DeviceSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM device_sessions WHERE id = $1 FOR UPDATE`
	sess, err := scanSession(s.execer(ctx).QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("lock session %s: %w", id, sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("lock session %s: %w", id, err)
	}
	return sess, nil
}

func (s *PostgresStore) SetRoot(ctx context.Context, id, rootRecordingID uuid.UUID, lastActiveAt time.Time) error {
	query := `
		UPDATE device_sessions
		SET root_recording_id = $2, last_active_at = $3, updated_at = $3
		WHERE id = $1
	`
	return s.execUpdate(ctx, "set session root", query, id, rootRecordingID, lastActiveAt)
}

func (s *PostgresStore) Touch(ctx context.Context, id uuid.UUID, lastActiveAt time.Time) error {
	query := `UPDATE device_sessions SET last_active_at = $2 WHERE id = $1`
	return s.execUpdate(ctx, "touch session", query, id, lastActiveAt)
}

func (s *PostgresStore) Delete(ctx context.Context, id uuid.UUID) error {
	return s.execUpdate(ctx, "delete session", `DELETE FROM device_sessions WHERE id = $1`, id)
}

func (s *PostgresStore) execUpdate(ctx context.Context, op, query string, id uuid.UUID, args ...any) error {
	result, err := s.execer(ctx).ExecContext(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s %s: %w", op, id, sentinel.ErrNotFound)
	}
	return nil
}

func scanSession(row *sql.Row) (*DeviceSession, error) {
	var sess DeviceSession
	err := row.Scan(
		&sess.ID,
		&sess.Actor.Type,
		&sess.Actor.ID,
		&sess.DeviceFingerprint,
		&sess.RootRecordingID,
		&sess.UserAgent,
		&sess.DeviceName,
		&sess.LastActiveAt,
		&sess.CreatedAt,
		&sess.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}
