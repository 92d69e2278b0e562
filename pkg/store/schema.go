package store

// Migration is one idempotent, transactional schema step. Steps run in
// version order under the cluster-wide advisory lock.
type Migration struct {
	Version int64
	Name    string
	SQL     string
}

// Migrations is the ordered schema history. Append only.
var Migrations = []Migration{
	{
		Version: 1,
		Name:    "dimensions",
		SQL: `
CREATE TABLE IF NOT EXISTS resources (
	id                BIGSERIAL PRIMARY KEY,
	fp_hi             BIGINT NOT NULL,
	fp_lo             BIGINT NOT NULL,
	attrs             JSONB  NOT NULL,
	service_name      TEXT   NOT NULL DEFAULT '',
	service_namespace TEXT   NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (fp_hi, fp_lo)
);

CREATE TABLE IF NOT EXISTS scopes (
	id      BIGSERIAL PRIMARY KEY,
	fp_hi   BIGINT NOT NULL,
	fp_lo   BIGINT NOT NULL,
	name    TEXT   NOT NULL DEFAULT '',
	version TEXT   NOT NULL DEFAULT '',
	attrs   JSONB  NOT NULL DEFAULT '{}'::jsonb,
	UNIQUE (fp_hi, fp_lo)
);

CREATE TABLE IF NOT EXISTS services (
	id         BIGSERIAL PRIMARY KEY,
	name       TEXT NOT NULL,
	namespace  TEXT NOT NULL DEFAULT '',
	first_seen BIGINT NOT NULL,
	last_seen  BIGINT NOT NULL,
	UNIQUE (name, namespace)
);

CREATE TABLE IF NOT EXISTS metric_descriptors (
	id          BIGSERIAL PRIMARY KEY,
	fp_hi       BIGINT NOT NULL,
	fp_lo       BIGINT NOT NULL,
	name        TEXT   NOT NULL,
	description TEXT   NOT NULL DEFAULT '',
	unit        TEXT   NOT NULL DEFAULT '',
	kind        TEXT   NOT NULL,
	temporality TEXT   NOT NULL DEFAULT 'unspecified',
	monotonic   BOOLEAN NOT NULL DEFAULT false,
	UNIQUE (fp_hi, fp_lo)
);`,
	},
	{
		Version: 2,
		Name:    "span facts",
		SQL: `
CREATE TABLE IF NOT EXISTS spans (
	trace_id          BYTEA  NOT NULL,
	span_id           BYTEA  NOT NULL,
	parent_span_id    BYTEA,
	name              TEXT   NOT NULL DEFAULT '',
	kind              SMALLINT NOT NULL DEFAULT 0,
	start_unix_nanos  BIGINT NOT NULL,
	end_unix_nanos    BIGINT NOT NULL,
	status_code       SMALLINT NOT NULL DEFAULT 0,
	status_message    TEXT   NOT NULL DEFAULT '',
	resource_id       BIGINT NOT NULL REFERENCES resources (id),
	scope_id          BIGINT NOT NULL REFERENCES scopes (id),
	attrs             JSONB  NOT NULL DEFAULT '{}'::jsonb,
	events            JSONB,
	links             JSONB,
	db_time_unix_nanos BIGINT NOT NULL,
	PRIMARY KEY (trace_id, span_id),
	CHECK (end_unix_nanos >= start_unix_nanos)
);

CREATE INDEX IF NOT EXISTS spans_start_idx    ON spans (start_unix_nanos);
CREATE INDEX IF NOT EXISTS spans_resource_idx ON spans (resource_id, start_unix_nanos);
CREATE INDEX IF NOT EXISTS spans_name_idx     ON spans (name);`,
	},
	{
		Version: 3,
		Name:    "log facts",
		SQL: `
CREATE TABLE IF NOT EXISTS logs (
	fp_hi               BIGINT NOT NULL,
	fp_lo               BIGINT NOT NULL,
	time_unix_nanos     BIGINT NOT NULL,
	observed_unix_nanos BIGINT NOT NULL DEFAULT 0,
	severity_number     SMALLINT NOT NULL DEFAULT 0,
	severity_text       TEXT   NOT NULL DEFAULT '',
	body                JSONB,
	trace_id            BYTEA,
	span_id             BYTEA,
	resource_id         BIGINT NOT NULL REFERENCES resources (id),
	scope_id            BIGINT NOT NULL REFERENCES scopes (id),
	attrs               JSONB  NOT NULL DEFAULT '{}'::jsonb,
	db_time_unix_nanos  BIGINT NOT NULL,
	PRIMARY KEY (fp_hi, fp_lo)
);

CREATE INDEX IF NOT EXISTS logs_time_idx     ON logs (time_unix_nanos);
CREATE INDEX IF NOT EXISTS logs_trace_idx    ON logs (trace_id) WHERE trace_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS logs_resource_idx ON logs (resource_id, time_unix_nanos);`,
	},
	{
		Version: 4,
		Name:    "metric facts",
		SQL: `
CREATE TABLE IF NOT EXISTS metric_points (
	fp_hi                 BIGINT NOT NULL,
	fp_lo                 BIGINT NOT NULL,
	descriptor_id         BIGINT NOT NULL REFERENCES metric_descriptors (id),
	resource_id           BIGINT NOT NULL REFERENCES resources (id),
	scope_id              BIGINT NOT NULL REFERENCES scopes (id),
	time_unix_nanos       BIGINT NOT NULL,
	start_time_unix_nanos BIGINT NOT NULL DEFAULT 0,
	attrs                 JSONB  NOT NULL DEFAULT '{}'::jsonb,
	value                 DOUBLE PRECISION NOT NULL DEFAULT 0,
	payload               JSONB,
	db_time_unix_nanos    BIGINT NOT NULL,
	PRIMARY KEY (fp_hi, fp_lo)
);

CREATE INDEX IF NOT EXISTS metric_points_time_idx ON metric_points (descriptor_id, time_unix_nanos);
CREATE INDEX IF NOT EXISTS metric_points_resource_idx ON metric_points (resource_id, time_unix_nanos);`,
	},
	{
		Version: 5,
		Name:    "promote span service name",
		SQL: `
-- attribute promotion: service identity queried on every search moves from
-- the resource join into a typed span column
ALTER TABLE spans ADD COLUMN IF NOT EXISTS service_name TEXT NOT NULL DEFAULT '';
CREATE INDEX IF NOT EXISTS spans_service_idx ON spans (service_name, start_unix_nanos);`,
	},
}

// LatestVersion is the newest schema version this binary knows how to build.
func LatestVersion() int64 {
	return Migrations[len(Migrations)-1].Version
}
