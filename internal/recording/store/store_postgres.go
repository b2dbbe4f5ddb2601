package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"trellis/internal/recordable"
	"trellis/internal/recording"
	"trellis/pkg/platform/sentinel"
	txcontext "trellis/pkg/platform/tx"
)

const pqUniqueViolation = "23505"

// PostgresStore persists recordings and events in PostgreSQL. Pure I/O; tree
// invariants live in the operations service. Events cascade-delete with
// their recording through the schema's foreign key.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed recording store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

const recordingColumns = `
	id, recordable_type, recordable_id, root_recording_id,
	container_type, container_id, parent_recording_id,
	trashed_at, created_at, updated_at
`

func (s *PostgresStore) CreateRecording(ctx context.Context, rec *recording.Recording) error {
	query := `
		INSERT INTO recordings (` + recordingColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	var containerType, containerID any
	if rec.Container != nil {
		containerType = rec.Container.Type
		containerID = rec.Container.ID
	}
	_, err := s.execer(ctx).ExecContext(ctx, query,
		rec.ID,
		rec.Recordable.Type,
		rec.Recordable.ID,
		rec.RootRecordingID,
		containerType,
		containerID,
		rec.ParentRecordingID,
		rec.TrashedAt,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return fmt.Errorf("create recording %s: %w", rec.ID, sentinel.ErrConflict)
		}
		return fmt.Errorf("create recording %s: %w", rec.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetRecording(ctx context.Context, id uuid.UUID, includeTrashed bool) (*recording.Recording, error) {
	query := `SELECT ` + recordingColumns + ` FROM recordings WHERE id = $1`
	if !includeTrashed {
		query += ` AND trashed_at IS NULL`
	}
	rec, err := scanRecording(s.execer(ctx).QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("get recording %s: %w", id, sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("get recording %s: %w", id, err)
	}
	return rec, nil
}

func (s *PostgresStore) UpdateRecordable(ctx context.Context, id uuid.UUID, ref recordable.Ref, now time.Time) error {
	query := `
		UPDATE recordings
		SET recordable_type = $2, recordable_id = $3, updated_at = $4
		WHERE id = $1
	`
	return s.execUpdate(ctx, "update recordable", query, id, ref.Type, ref.ID, now)
}

func (s *PostgresStore) SetParent(ctx context.Context, id uuid.UUID, parentID *uuid.UUID, now time.Time) error {
	query := `UPDATE recordings SET parent_recording_id = $2, updated_at = $3 WHERE id = $1`
	return s.execUpdate(ctx, "set parent", query, id, parentID, now)
}

func (s *PostgresStore) SetTrashed(ctx context.Context, id uuid.UUID, trashedAt *time.Time, now time.Time) error {
	query := `UPDATE recordings SET trashed_at = $2, updated_at = $3 WHERE id = $1`
	return s.execUpdate(ctx, "set trashed", query, id, trashedAt, now)
}

func (s *PostgresStore) execUpdate(ctx context.Context, op, query string, id uuid.UUID, args ...any) error {
	result, err := s.execer(ctx).ExecContext(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return fmt.Errorf("%s on %s: %w", op, id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s on %s: %w", op, id, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s on %s: %w", op, id, sentinel.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) DeleteRecording(ctx context.Context, id uuid.UUID) error {
	// Events go with the recording via ON DELETE CASCADE.
	result, err := s.execer(ctx).ExecContext(ctx, `DELETE FROM recordings WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete recording %s: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete recording %s: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("delete recording %s: %w", id, sentinel.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ChildrenOf(ctx context.Context, id uuid.UUID, includeTrashed bool) ([]*recording.Recording, error) {
	query := `SELECT ` + recordingColumns + ` FROM recordings WHERE parent_recording_id = $1`
	if !includeTrashed {
		query += ` AND trashed_at IS NULL`
	}
	query += ` ORDER BY created_at, id`
	return s.queryRecordings(ctx, "children of "+id.String(), query, id)
}

func (s *PostgresStore) ListByRecordableType(ctx context.Context, typ string, includeTrashed bool) ([]*recording.Recording, error) {
	query := `SELECT ` + recordingColumns + ` FROM recordings WHERE recordable_type = $1`
	if !includeTrashed {
		query += ` AND trashed_at IS NULL`
	}
	query += ` ORDER BY created_at, id`
	return s.queryRecordings(ctx, "list by recordable type", query, typ)
}

func (s *PostgresStore) FindRootByContainer(ctx context.Context, container recordable.Ref) (*recording.Recording, error) {
	query := `
		SELECT ` + recordingColumns + `
		FROM recordings
		WHERE container_type = $1 AND container_id = $2 AND parent_recording_id IS NULL
	`
	rec, err := scanRecording(s.execer(ctx).QueryRowContext(ctx, query, container.Type, container.ID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("find root by container %s: %w", container, sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("find root by container %s: %w", container, err)
	}
	return rec, nil
}

// ListRecordings assumes q passed recording.Query.ValidateOrder; the order
// target is mapped onto a fixed set of expressions here and payload fields
// are bound as parameters, so no caller input is ever interpolated.
func (s *PostgresStore) ListRecordings(ctx context.Context, q recording.Query) ([]*recording.Recording, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	join := ""
	if q.RootRecordingID != uuid.Nil {
		where = append(where, "r.root_recording_id = "+arg(q.RootRecordingID))
	}
	if q.RecordableType != "" {
		where = append(where, "r.recordable_type = "+arg(q.RecordableType))
	}
	if q.RecordableID != uuid.Nil {
		where = append(where, "r.recordable_id = "+arg(q.RecordableID))
	}
	if q.ParentRecordingID != nil {
		where = append(where, "r.parent_recording_id = "+arg(*q.ParentRecordingID))
	}
	if !q.IncludeTrashed {
		where = append(where, "r.trashed_at IS NULL")
	}
	if q.CreatedAfter != nil {
		where = append(where, "r.created_at > "+arg(*q.CreatedAfter))
	}
	if q.CreatedBefore != nil {
		where = append(where, "r.created_at < "+arg(*q.CreatedBefore))
	}
	if q.UpdatedAfter != nil {
		where = append(where, "r.updated_at > "+arg(*q.UpdatedAfter))
	}
	if q.UpdatedBefore != nil {
		where = append(where, "r.updated_at < "+arg(*q.UpdatedBefore))
	}

	direction := "ASC"
	if q.Descending {
		direction = "DESC"
	}
	var orderExpr string
	if field := q.PayloadOrderField(); field != "" {
		join = " JOIN recordables e ON e.id = r.recordable_id"
		orderExpr = "e.payload ->> " + arg(field)
	} else {
		switch q.OrderBy {
		case "updated_at":
			orderExpr = "r.updated_at"
		case "id":
			orderExpr = "r.id"
		default:
			orderExpr = "r.created_at"
		}
	}

	query := `SELECT ` + prefixColumns("r") + ` FROM recordings r` + join
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY " + orderExpr + " " + direction + ", r.id"
	if q.Limit > 0 {
		query += " LIMIT " + arg(q.Limit)
	}
	if q.Offset > 0 {
		query += " OFFSET " + arg(q.Offset)
	}
	return s.queryRecordings(ctx, "list recordings", query, args...)
}

func prefixColumns(alias string) string {
	cols := strings.Split(recordingColumns, ",")
	for i, col := range cols {
		cols[i] = alias + "." + strings.TrimSpace(col)
	}
	return strings.Join(cols, ", ")
}

func (s *PostgresStore) queryRecordings(ctx context.Context, op, query string, args ...any) ([]*recording.Recording, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []*recording.Recording
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecording(row rowScanner) (*recording.Recording, error) {
	var (
		rec           recording.Recording
		containerType sql.NullString
		containerID   uuid.NullUUID
		parentID      uuid.NullUUID
		trashedAt     sql.NullTime
	)
	err := row.Scan(
		&rec.ID,
		&rec.Recordable.Type,
		&rec.Recordable.ID,
		&rec.RootRecordingID,
		&containerType,
		&containerID,
		&parentID,
		&trashedAt,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if containerType.Valid && containerID.Valid {
		rec.Container = &recordable.Ref{Type: containerType.String, ID: containerID.UUID}
	}
	if parentID.Valid {
		id := parentID.UUID
		rec.ParentRecordingID = &id
	}
	if trashedAt.Valid {
		t := trashedAt.Time
		rec.TrashedAt = &t
	}
	return &rec, nil
}

const eventColumns = `
	id, recording_id, action, recordable_type, recordable_id,
	previous_recordable_type, previous_recordable_id,
	actor_type, actor_id, impersonator_type, impersonator_id,
	occurred_at, metadata, idempotency_key, created_at
`

func (s *PostgresStore) CreateEvent(ctx context.Context, event *recording.Event) error {
	metadata, err := json.Marshal(event.Metadata)
	if err != nil {
		return fmt.Errorf("create event: encode metadata: %w", err)
	}
	var prevType, prevID, actorType, actorID, impType, impID any
	if event.PreviousRecordable != nil {
		prevType = event.PreviousRecordable.Type
		prevID = event.PreviousRecordable.ID
	}
	if event.Actor != nil {
		actorType = event.Actor.Type
		actorID = event.Actor.ID
	}
	if event.Impersonator != nil {
		impType = event.Impersonator.Type
		impID = event.Impersonator.ID
	}
	query := `
		INSERT INTO events (` + eventColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err = s.execer(ctx).ExecContext(ctx, query,
		event.ID,
		event.RecordingID,
		event.Action,
		event.Recordable.Type,
		event.Recordable.ID,
		prevType,
		prevID,
		actorType,
		actorID,
		impType,
		impID,
		event.OccurredAt,
		metadata,
		event.IdempotencyKey,
		event.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return fmt.Errorf("create event: idempotency key: %w", sentinel.ErrConflict)
		}
		return fmt.Errorf("create event: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindEventByIdempotencyKey(ctx context.Context, recordingID uuid.UUID, key string) (*recording.Event, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM events
		WHERE recording_id = $1 AND idempotency_key = $2
	`
	event, err := scanEvent(s.execer(ctx).QueryRowContext(ctx, query, recordingID, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("find event by idempotency key: %w", sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("find event by idempotency key: %w", err)
	}
	return event, nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, q recording.EventQuery) ([]*recording.Event, error) {
	if q.ByActor && q.Actor == nil {
		return nil, nil
	}

	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if q.RecordingID != uuid.Nil {
		where = append(where, "recording_id = "+arg(q.RecordingID))
	}
	if q.ByActor {
		where = append(where, "actor_type = "+arg(q.Actor.Type))
		where = append(where, "actor_id = "+arg(q.Actor.ID))
	}
	if q.Action != "" {
		where = append(where, "action = "+arg(q.Action))
	}
	if q.OccurredAfter != nil {
		where = append(where, "occurred_at > "+arg(*q.OccurredAfter))
	}
	if q.OccurredBefore != nil {
		where = append(where, "occurred_at < "+arg(*q.OccurredBefore))
	}

	query := `SELECT ` + eventColumns + ` FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY occurred_at DESC, created_at DESC, id DESC"
	if q.Limit > 0 {
		query += " LIMIT " + arg(q.Limit)
	}
	if q.Offset > 0 {
		query += " OFFSET " + arg(q.Offset)
	}

	rows, err := s.execer(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []*recording.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("list events: %w", err)
		}
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return out, nil
}

func scanEvent(row rowScanner) (*recording.Event, error) {
	var (
		event    recording.Event
		prevType sql.NullString
		prevID   uuid.NullUUID
		actType  sql.NullString
		actID    uuid.NullUUID
		impType  sql.NullString
		impID    uuid.NullUUID
		metadata []byte
		idemKey  sql.NullString
	)
	err := row.Scan(
		&event.ID,
		&event.RecordingID,
		&event.Action,
		&event.Recordable.Type,
		&event.Recordable.ID,
		&prevType,
		&prevID,
		&actType,
		&actID,
		&impType,
		&impID,
		&event.OccurredAt,
		&metadata,
		&idemKey,
		&event.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if prevType.Valid && prevID.Valid {
		event.PreviousRecordable = &recordable.Ref{Type: prevType.String, ID: prevID.UUID}
	}
	if actType.Valid && actID.Valid {
		event.Actor = &recordable.Ref{Type: actType.String, ID: actID.UUID}
	}
	if impType.Valid && impID.Valid {
		event.Impersonator = &recordable.Ref{Type: impType.String, ID: impID.UUID}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &event.Metadata); err != nil {
			return nil, fmt.Errorf("decode event metadata: %w", err)
		}
	}
	if idemKey.Valid {
		key := idemKey.String
		event.IdempotencyKey = &key
	}
	return &event, nil
}
