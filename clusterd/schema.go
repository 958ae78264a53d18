package clusterd

import (
	"context"
	"database/sql"
)

// MigrateSchema creates the cluster tables if they do not exist. Safe to
// call on every startup — all statements use IF NOT EXISTS.
func MigrateSchema(ctx context.Context, db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS hosts (
	host_id      TEXT PRIMARY KEY,
	address      TEXT NOT NULL,
	epoch        BIGINT NOT NULL DEFAULT 1,
	lease_expiry TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS service_ownership (
	service_name TEXT NOT NULL PRIMARY KEY,
	host_id      TEXT NOT NULL,
	epoch        BIGINT NOT NULL,
	claimed_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS schedules (
	schedule_id  BIGSERIAL PRIMARY KEY,
	service_name TEXT NOT NULL,
	body         BYTEA NOT NULL,
	cron_expr    TEXT,
	next_fire    TIMESTAMPTZ NOT NULL,
	one_shot     BOOLEAN NOT NULL DEFAULT false,
	created_by   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_schedules_next_fire ON schedules (next_fire);
`
	_, err := db.ExecContext(ctx, ddl)
	return err
}
