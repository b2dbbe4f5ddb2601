//go:build integration

package containers

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"testing"

	_ "github.com/lib/pq"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

// Schema is the full DDL the stores run against. Integration tests apply it
// once per container; production deployments own their migrations.
const Schema = `
CREATE TABLE IF NOT EXISTS recordables (
	id               UUID PRIMARY KEY,
	recordable_type  TEXT NOT NULL,
	payload          JSONB NOT NULL DEFAULT '{}'::jsonb,
	recordings_count BIGINT NOT NULL DEFAULT 0,
	events_count     BIGINT NOT NULL DEFAULT 0,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS recordings (
	id                  UUID PRIMARY KEY,
	recordable_type     TEXT NOT NULL,
	recordable_id       UUID NOT NULL,
	root_recording_id   UUID NOT NULL,
	container_type      TEXT,
	container_id        UUID,
	parent_recording_id UUID REFERENCES recordings (id),
	trashed_at          TIMESTAMPTZ,
	created_at          TIMESTAMPTZ NOT NULL,
	updated_at          TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS recordings_root_idx ON recordings (root_recording_id);
CREATE INDEX IF NOT EXISTS recordings_parent_idx ON recordings (parent_recording_id);
CREATE INDEX IF NOT EXISTS recordings_recordable_idx ON recordings (recordable_type, recordable_id);
CREATE UNIQUE INDEX IF NOT EXISTS recordings_container_root_idx
	ON recordings (container_type, container_id)
	WHERE parent_recording_id IS NULL AND container_type IS NOT NULL;

CREATE TABLE IF NOT EXISTS events (
	id                       UUID PRIMARY KEY,
	recording_id             UUID NOT NULL REFERENCES recordings (id) ON DELETE CASCADE,
	action                   TEXT NOT NULL,
	recordable_type          TEXT NOT NULL,
	recordable_id            UUID NOT NULL,
	previous_recordable_type TEXT,
	previous_recordable_id   UUID,
	actor_type               TEXT,
	actor_id                 UUID,
	impersonator_type        TEXT,
	impersonator_id          UUID,
	occurred_at              TIMESTAMPTZ NOT NULL,
	metadata                 JSONB NOT NULL DEFAULT '{}'::jsonb,
	idempotency_key          TEXT,
	created_at               TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS events_recording_idx ON events (recording_id, occurred_at DESC);
CREATE INDEX IF NOT EXISTS events_actor_idx ON events (actor_type, actor_id);
CREATE UNIQUE INDEX IF NOT EXISTS events_idempotency_idx
	ON events (recording_id, idempotency_key)
	WHERE idempotency_key IS NOT NULL;

CREATE TABLE IF NOT EXISTS device_sessions (
	id                 UUID PRIMARY KEY,
	actor_type         TEXT NOT NULL,
	actor_id           UUID NOT NULL,
	device_fingerprint TEXT NOT NULL,
	root_recording_id  UUID NOT NULL,
	user_agent         TEXT NOT NULL DEFAULT '',
	device_name        TEXT NOT NULL DEFAULT '',
	last_active_at     TIMESTAMPTZ NOT NULL,
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL,
	UNIQUE (actor_type, actor_id, device_fingerprint)
);
`

// PostgresContainer wraps a shared testcontainers Postgres instance with
// the schema applied.
type PostgresContainer struct {
	Container *tcpostgres.PostgresContainer
	DSN       string
	DB        *sql.DB
}

var (
	pgOnce sync.Once
	pg     *PostgresContainer
	pgErr  error
)

// GetPostgres returns the shared Postgres container, starting it on first
// use. It is shared across suites; Ryuk terminates it after the run.
func GetPostgres(t *testing.T) *PostgresContainer {
	t.Helper()

	pgOnce.Do(func() {
		ctx := context.Background()

		container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
			tcpostgres.WithDatabase("trellis_test"),
			tcpostgres.WithUsername("trellis"),
			tcpostgres.WithPassword("trellis"),
			tcpostgres.BasicWaitStrategies(),
			tcpostgres.WithSQLDriver("postgres"),
		)
		if err != nil {
			pgErr = err
			return
		}

		dsn, err := container.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			pgErr = err
			return
		}
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			pgErr = err
			return
		}
		if _, err := db.ExecContext(ctx, Schema); err != nil {
			pgErr = err
			return
		}
		pg = &PostgresContainer{Container: container, DSN: dsn, DB: db}
	})
	if pgErr != nil {
		t.Fatalf("failed to start postgres container: %v", pgErr)
	}
	return pg
}

// Truncate empties the given tables between tests.
func (p *PostgresContainer) Truncate(t *testing.T, tables ...string) {
	t.Helper()
	if len(tables) == 0 {
		tables = []string{"events", "recordings", "recordables", "device_sessions"}
	}
	_, err := p.DB.Exec("TRUNCATE " + strings.Join(tables, ", ") + " CASCADE")
	if err != nil {
		t.Fatalf("failed to truncate tables: %v", err)
	}
}
