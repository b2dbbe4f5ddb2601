package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"trellis/internal/recordable"
	"trellis/pkg/platform/sentinel"
	txcontext "trellis/pkg/platform/tx"
)

// PostgresStore persists recordables as JSONB payloads keyed by id, with the
// opt-in cached counters as plain integer columns. This store is pure I/O;
// immutability and counter opt-in rules live here only because the store is
// the enforcement point the schema gives us.
type PostgresStore struct {
	db       *sql.DB
	registry *recordable.Registry
}

// NewPostgres constructs a PostgreSQL-backed entity store.
func NewPostgres(db *sql.DB, registry *recordable.Registry) *PostgresStore {
	return &PostgresStore{db: db, registry: registry}
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

func (s *PostgresStore) Persist(ctx context.Context, rec recordable.Recordable) error {
	if _, ok := s.registry.Descriptor(rec.RecordableType()); !ok {
		return fmt.Errorf("persist recordable: type %q is not registered", rec.RecordableType())
	}
	if rec.RecordableID() == uuid.Nil {
		rec.SetRecordableID(uuid.New())
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("persist recordable: encode: %w", err)
	}

	// Insert-if-absent; on conflict return the stored payload so we can
	// distinguish an idempotent re-persist from a mutation attempt.
	query := `
		INSERT INTO recordables (id, recordable_type, payload, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (id) DO UPDATE SET id = EXCLUDED.id
		RETURNING recordable_type, payload
	`
	var storedType string
	var storedPayload []byte
	err = s.execer(ctx).QueryRowContext(ctx, query, rec.RecordableID(), rec.RecordableType(), payload).
		Scan(&storedType, &storedPayload)
	if err != nil {
		return fmt.Errorf("persist recordable %s: %w", recordable.RefOf(rec), err)
	}
	if storedType != rec.RecordableType() || !equalJSON(storedPayload, payload) {
		return fmt.Errorf("persist recordable %s: %w", recordable.RefOf(rec), sentinel.ErrReadOnly)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, ref recordable.Ref) (recordable.Recordable, error) {
	d, ok := s.registry.Descriptor(ref.Type)
	if !ok {
		return nil, fmt.Errorf("load recordable: type %q is not registered", ref.Type)
	}
	query := `
		SELECT payload
		FROM recordables
		WHERE id = $1 AND recordable_type = $2
	`
	var payload []byte
	err := s.execer(ctx).QueryRowContext(ctx, query, ref.ID, ref.Type).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("load recordable %s: %w", ref, sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("load recordable %s: %w", ref, err)
	}
	rec := d.New()
	if err := json.Unmarshal(payload, rec); err != nil {
		return nil, fmt.Errorf("load recordable %s: decode: %w", ref, err)
	}
	rec.SetRecordableID(ref.ID)
	return rec, nil
}

// AdjustCounter is a single commutative increment, safe under concurrent
// writers without a transaction-wide lock.
func (s *PostgresStore) AdjustCounter(ctx context.Context, ref recordable.Ref, counter recordable.Counter, delta int) error {
	if !s.registry.TracksCounter(ref.Type, counter) {
		return nil
	}
	column, err := counterColumn(counter)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE recordables SET %s = %s + $1 WHERE id = $2`, column, column)
	if _, err := s.execer(ctx).ExecContext(ctx, query, delta, ref.ID); err != nil {
		return fmt.Errorf("adjust %s for %s: %w", counter, ref, err)
	}
	return nil
}

func (s *PostgresStore) CounterValue(ctx context.Context, ref recordable.Ref, counter recordable.Counter) (int, error) {
	column, err := counterColumn(counter)
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`SELECT %s FROM recordables WHERE id = $1`, column)
	var value int
	err = s.execer(ctx).QueryRowContext(ctx, query, ref.ID).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("counter for %s: %w", ref, sentinel.ErrNotFound)
		}
		return 0, fmt.Errorf("counter for %s: %w", ref, err)
	}
	return value, nil
}

// counterColumn maps the counter enum onto its column. The enum is the
// safelist; nothing caller-supplied ever reaches the format string above.
func counterColumn(counter recordable.Counter) (string, error) {
	switch counter {
	case recordable.CounterRecordings:
		return "recordings_count", nil
	case recordable.CounterEvents:
		return "events_count", nil
	default:
		return "", fmt.Errorf("unknown counter %q", counter)
	}
}

// equalJSON compares payloads structurally so key ordering differences from
// Postgres JSONB normalization do not read as mutations.
func equalJSON(a, b []byte) bool {
	if bytes.Equal(a, b) {
		return true
	}
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	ra, err := json.Marshal(av)
	if err != nil {
		return false
	}
	rb, err := json.Marshal(bv)
	if err != nil {
		return false
	}
	return bytes.Equal(ra, rb)
}
