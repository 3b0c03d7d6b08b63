package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/themis-data/enrich-cli/internal/db"
	"github.com/themis-data/enrich-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the most frequently used store operations.
var preparedStatements = map[string]string{
	"increment_window": `INSERT INTO rate_windows (source, tenant, window_start, count) VALUES ($1, $2, $3, 1)
		 ON CONFLICT (source, tenant, window_start) DO UPDATE SET count = rate_windows.count + 1
		 WHERE rate_windows.count < $4
		 RETURNING count`,
	"get_window":      `SELECT count FROM rate_windows WHERE source = $1 AND tenant = $2 AND window_start = $3`,
	"get_cache_entry": `SELECT source, key_hash, payload, hit_count, expires_at FROM response_cache WHERE source = $1 AND key_hash = $2 AND expires_at > now()`,
	"set_cache_entry": `INSERT INTO response_cache (source, key_hash, payload, hit_count, created_at, expires_at)
		 VALUES ($1, $2, $3, 0, $4, $5)
		 ON CONFLICT (source, key_hash) DO UPDATE SET payload = $3, hit_count = 0, created_at = $4, expires_at = $5`,
	"bump_cache_hit": `UPDATE response_cache SET hit_count = hit_count + 1 WHERE source = $1 AND key_hash = $2`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Pool sizing from config, falling back to 10/2.
	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare frequently-used statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS rate_windows (
	source       TEXT NOT NULL,
	tenant       TEXT NOT NULL DEFAULT '',
	window_start BIGINT NOT NULL,
	count        INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (source, tenant, window_start)
);

CREATE TABLE IF NOT EXISTS response_cache (
	source     TEXT NOT NULL,
	key_hash   TEXT NOT NULL,
	payload    JSONB NOT NULL,
	hit_count  INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (source, key_hash)
);

CREATE TABLE IF NOT EXISTS corrections (
	id               TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	tenant           TEXT NOT NULL,
	original         JSONB NOT NULL,
	corrected        JSONB NOT NULL,
	corrected_fields JSONB NOT NULL,
	name_embedding   JSONB,
	source_type      TEXT,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS transformation_rules (
	id               TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	tenant           TEXT NOT NULL,
	field            TEXT NOT NULL,
	from_value       TEXT NOT NULL,
	to_value         TEXT NOT NULL,
	confidence       DOUBLE PRECISION NOT NULL DEFAULT 0.5,
	occurrence_count INTEGER NOT NULL DEFAULT 1,
	last_reinforced  TIMESTAMPTZ NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (tenant, field, from_value)
);

CREATE TABLE IF NOT EXISTS ingest_runs (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	tenant     TEXT NOT NULL,
	report     JSONB NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_rate_windows_start ON rate_windows(window_start);
CREATE INDEX IF NOT EXISTS idx_response_cache_expires ON response_cache(expires_at);
CREATE INDEX IF NOT EXISTS idx_corrections_tenant ON corrections(tenant, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_rules_tenant_field ON transformation_rules(tenant, field);
CREATE INDEX IF NOT EXISTS idx_ingest_runs_tenant ON ingest_runs(tenant, started_at DESC);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Rate-limit windows ---

// IncrementWindow bumps the counter for a window only while it is below
// max, in a single conditional upsert. A denied call yields no row from
// RETURNING, so concurrent callers can never push the count past max.
func (s *PostgresStore) IncrementWindow(ctx context.Context, key WindowKey, max int) (int, bool, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`INSERT INTO rate_windows (source, tenant, window_start, count) VALUES ($1, $2, $3, 1)
		 ON CONFLICT (source, tenant, window_start) DO UPDATE SET count = rate_windows.count + 1
		 WHERE rate_windows.count < $4
		 RETURNING count`,
		key.Source, key.Tenant, key.WindowStart, max,
	).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		current, gerr := s.GetWindowCount(ctx, key)
		if gerr != nil {
			return 0, false, gerr
		}
		return current, false, nil
	}
	if err != nil {
		return 0, false, eris.Wrap(err, "postgres: increment window")
	}
	return count, true, nil
}

func (s *PostgresStore) GetWindowCount(ctx context.Context, key WindowKey) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT count FROM rate_windows WHERE source = $1 AND tenant = $2 AND window_start = $3`,
		key.Source, key.Tenant, key.WindowStart,
	).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, eris.Wrap(err, "postgres: get window count")
	}
	return count, nil
}

func (s *PostgresStore) RecordWindow(ctx context.Context, key WindowKey) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`INSERT INTO rate_windows (source, tenant, window_start, count) VALUES ($1, $2, $3, 1)
		 ON CONFLICT (source, tenant, window_start) DO UPDATE SET count = rate_windows.count + 1
		 RETURNING count`,
		key.Source, key.Tenant, key.WindowStart,
	).Scan(&count)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: record window")
	}
	return count, nil
}

func (s *PostgresStore) DeleteWindowsBefore(ctx context.Context, windowStart int64) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM rate_windows WHERE window_start < $1`, windowStart,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete windows")
	}
	return int(tag.RowsAffected()), nil
}

// --- Response cache ---

func (s *PostgresStore) GetCacheEntry(ctx context.Context, source, keyHash string) (*CacheEntry, error) {
	var e CacheEntry
	err := s.pool.QueryRow(ctx,
		`SELECT source, key_hash, payload, hit_count, expires_at FROM response_cache
		 WHERE source = $1 AND key_hash = $2 AND expires_at > now()`,
		source, keyHash,
	).Scan(&e.Source, &e.KeyHash, &e.Payload, &e.HitCount, &e.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get cache entry")
	}
	return &e, nil
}

func (s *PostgresStore) SetCacheEntry(ctx context.Context, source, keyHash string, payload []byte, ttl time.Duration) error {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO response_cache (source, key_hash, payload, hit_count, created_at, expires_at)
		 VALUES ($1, $2, $3, 0, $4, $5)
		 ON CONFLICT (source, key_hash) DO UPDATE SET payload = $3, hit_count = 0, created_at = $4, expires_at = $5`,
		source, keyHash, payload, now, now.Add(ttl),
	)
	return eris.Wrap(err, "postgres: set cache entry")
}

func (s *PostgresStore) DeleteCacheEntry(ctx context.Context, source, keyHash string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM response_cache WHERE source = $1 AND key_hash = $2`,
		source, keyHash,
	)
	return eris.Wrap(err, "postgres: delete cache entry")
}

func (s *PostgresStore) ClearCacheSource(ctx context.Context, source string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM response_cache WHERE source = $1`, source,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: clear cache source %s", source)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) BumpCacheHit(ctx context.Context, source, keyHash string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE response_cache SET hit_count = hit_count + 1 WHERE source = $1 AND key_hash = $2`,
		source, keyHash,
	)
	return eris.Wrap(err, "postgres: bump cache hit")
}

func (s *PostgresStore) DeleteExpiredCacheEntries(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM response_cache WHERE expires_at <= now()`,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete expired cache entries")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) CountCacheEntries(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM response_cache`).Scan(&count)
	return count, eris.Wrap(err, "postgres: count cache entries")
}

// --- Corrections ---

func (s *PostgresStore) InsertCorrection(ctx context.Context, rec model.CorrectionRecord) error {
	originalJSON, err := json.Marshal(rec.Original)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal original")
	}
	correctedJSON, err := json.Marshal(rec.Corrected)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal corrected")
	}
	fieldsJSON, err := json.Marshal(rec.CorrectedFields)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal corrected fields")
	}

	var embeddingJSON []byte
	if len(rec.NameEmbedding) > 0 {
		embeddingJSON, err = json.Marshal(rec.NameEmbedding)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal embedding")
		}
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO corrections (id, tenant, original, corrected, corrected_fields, name_embedding, source_type, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.Tenant, originalJSON, correctedJSON, fieldsJSON,
		embeddingJSON, rec.SourceType, rec.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert correction")
}

func (s *PostgresStore) ListCorrections(ctx context.Context, tenant string, limit int) ([]model.CorrectionRecord, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant, original, corrected, corrected_fields, name_embedding, source_type, created_at
		 FROM corrections WHERE tenant = $1 ORDER BY created_at DESC LIMIT $2`,
		tenant, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list corrections")
	}
	defer rows.Close()

	var recs []model.CorrectionRecord
	for rows.Next() {
		var r model.CorrectionRecord
		var originalJSON, correctedJSON, fieldsJSON, embeddingJSON []byte
		var sourceType *string

		if err := rows.Scan(&r.ID, &r.Tenant, &originalJSON, &correctedJSON, &fieldsJSON,
			&embeddingJSON, &sourceType, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan correction")
		}
		if err := json.Unmarshal(originalJSON, &r.Original); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal original")
		}
		if err := json.Unmarshal(correctedJSON, &r.Corrected); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal corrected")
		}
		if err := json.Unmarshal(fieldsJSON, &r.CorrectedFields); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal corrected fields")
		}
		if len(embeddingJSON) > 0 {
			if err := json.Unmarshal(embeddingJSON, &r.NameEmbedding); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal embedding")
			}
		}
		if sourceType != nil {
			r.SourceType = *sourceType
		}
		recs = append(recs, r)
	}
	return recs, eris.Wrap(rows.Err(), "postgres: list corrections iterate")
}

func (s *PostgresStore) CountCorrections(ctx context.Context, tenant string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM corrections WHERE tenant = $1`, tenant,
	).Scan(&count)
	return count, eris.Wrap(err, "postgres: count corrections")
}

// --- Transformation rules ---

// ReinforceRule inserts a rule at the starting confidence or, when the
// (tenant, field, from_value) key exists, bumps confidence by the
// reinforcement step up to the cap and increments the occurrence count.
func (s *PostgresStore) ReinforceRule(ctx context.Context, tenant, field, fromValue, toValue string) (*model.TransformationRule, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	var r model.TransformationRule
	err := s.pool.QueryRow(ctx,
		`INSERT INTO transformation_rules
		 (id, tenant, field, from_value, to_value, confidence, occurrence_count, last_reinforced, created_at)
		 VALUES ($1, $2, $3, $4, $5, 0.5, 1, $6, $6)
		 ON CONFLICT (tenant, field, from_value) DO UPDATE SET
		   to_value = EXCLUDED.to_value,
		   confidence = LEAST(transformation_rules.confidence + 0.05, 0.95),
		   occurrence_count = transformation_rules.occurrence_count + 1,
		   last_reinforced = EXCLUDED.last_reinforced
		 RETURNING id, tenant, field, from_value, to_value, confidence, occurrence_count, last_reinforced, created_at`,
		id, tenant, field, fromValue, toValue, now,
	).Scan(&r.ID, &r.Tenant, &r.Field, &r.FromValue, &r.ToValue,
		&r.Confidence, &r.OccurrenceCount, &r.LastReinforced, &r.CreatedAt)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: reinforce rule")
	}
	return &r, nil
}

func (s *PostgresStore) ListRules(ctx context.Context, tenant string, filter RuleFilter) ([]model.TransformationRule, error) {
	query := `SELECT id, tenant, field, from_value, to_value, confidence, occurrence_count, last_reinforced, created_at
	          FROM transformation_rules WHERE tenant = $1`
	args := []any{tenant}
	argIdx := 2

	if filter.Field != "" {
		query += ` AND field = $2`
		args = append(args, filter.Field)
		argIdx++
	}
	query += ` ORDER BY confidence DESC, occurrence_count DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 500
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list rules")
	}
	defer rows.Close()

	var rules []model.TransformationRule
	for rows.Next() {
		var r model.TransformationRule
		if err := rows.Scan(&r.ID, &r.Tenant, &r.Field, &r.FromValue, &r.ToValue,
			&r.Confidence, &r.OccurrenceCount, &r.LastReinforced, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan rule")
		}
		rules = append(rules, r)
	}
	return rules, eris.Wrap(rows.Err(), "postgres: list rules iterate")
}

func (s *PostgresStore) PruneRulesBefore(ctx context.Context, tenant string, lastReinforcedBefore time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM transformation_rules WHERE tenant = $1 AND last_reinforced < $2`,
		tenant, lastReinforcedBefore.UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: prune rules")
	}
	return int(tag.RowsAffected()), nil
}

// --- Batch reports ---

func (s *PostgresStore) InsertBatchReport(ctx context.Context, report model.BatchReport) error {
	reportJSON, err := json.Marshal(report)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal report")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO ingest_runs (id, tenant, report, started_at) VALUES ($1, $2, $3, $4)`,
		report.ID, report.Tenant, reportJSON, report.StartedAt.UTC(),
	)
	return eris.Wrap(err, "postgres: insert batch report")
}

func (s *PostgresStore) ListBatchReports(ctx context.Context, tenant string, since time.Time, limit int) ([]model.BatchReport, error) {
	query := `SELECT report FROM ingest_runs WHERE started_at >= $1`
	args := []any{since.UTC()}
	argIdx := 2

	if tenant != "" {
		query += ` AND tenant = $2`
		args = append(args, tenant)
		argIdx++
	}
	query += ` ORDER BY started_at DESC`

	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list batch reports")
	}
	defer rows.Close()

	var reports []model.BatchReport
	for rows.Next() {
		var reportJSON []byte
		if err := rows.Scan(&reportJSON); err != nil {
			return nil, eris.Wrap(err, "postgres: scan batch report")
		}
		var r model.BatchReport
		if err := json.Unmarshal(reportJSON, &r); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal batch report")
		}
		reports = append(reports, r)
	}
	return reports, eris.Wrap(rows.Err(), "postgres: list batch reports iterate")
}
