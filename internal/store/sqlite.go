package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/themis-data/enrich-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS rate_windows (
	source       TEXT NOT NULL,
	tenant       TEXT NOT NULL DEFAULT '',
	window_start INTEGER NOT NULL,
	count        INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (source, tenant, window_start)
);

CREATE TABLE IF NOT EXISTS response_cache (
	source     TEXT NOT NULL,
	key_hash   TEXT NOT NULL,
	payload    TEXT NOT NULL,
	hit_count  INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	expires_at DATETIME NOT NULL,
	PRIMARY KEY (source, key_hash)
);

CREATE TABLE IF NOT EXISTS corrections (
	id               TEXT PRIMARY KEY,
	tenant           TEXT NOT NULL,
	original         TEXT NOT NULL,
	corrected        TEXT NOT NULL,
	corrected_fields TEXT NOT NULL,
	name_embedding   TEXT,
	source_type      TEXT,
	created_at       DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS transformation_rules (
	id               TEXT PRIMARY KEY,
	tenant           TEXT NOT NULL,
	field            TEXT NOT NULL,
	from_value       TEXT NOT NULL,
	to_value         TEXT NOT NULL,
	confidence       REAL NOT NULL DEFAULT 0.5,
	occurrence_count INTEGER NOT NULL DEFAULT 1,
	last_reinforced  DATETIME NOT NULL,
	created_at       DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (tenant, field, from_value)
);

CREATE TABLE IF NOT EXISTS ingest_runs (
	id         TEXT PRIMARY KEY,
	tenant     TEXT NOT NULL,
	report     TEXT NOT NULL,
	started_at DATETIME NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_rate_windows_start ON rate_windows(window_start);
CREATE INDEX IF NOT EXISTS idx_response_cache_expires ON response_cache(expires_at);
CREATE INDEX IF NOT EXISTS idx_corrections_tenant ON corrections(tenant, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_rules_tenant_field ON transformation_rules(tenant, field);
CREATE INDEX IF NOT EXISTS idx_ingest_runs_tenant ON ingest_runs(tenant, started_at DESC);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Rate-limit windows ---

// IncrementWindow bumps the counter for a window only while it is below
// max, in a single conditional upsert. The RETURNING clause yields no
// row when the guard fails, which maps to a denied decision without a
// separate read-modify-write cycle.
func (s *SQLiteStore) IncrementWindow(ctx context.Context, key WindowKey, max int) (int, bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO rate_windows (source, tenant, window_start, count) VALUES (?, ?, ?, 1)
		 ON CONFLICT (source, tenant, window_start) DO UPDATE SET count = count + 1
		 WHERE rate_windows.count < ?
		 RETURNING count`,
		key.Source, key.Tenant, key.WindowStart, max,
	).Scan(&count)
	if err == sql.ErrNoRows {
		current, gerr := s.GetWindowCount(ctx, key)
		if gerr != nil {
			return 0, false, gerr
		}
		return current, false, nil
	}
	if err != nil {
		return 0, false, eris.Wrap(err, "sqlite: increment window")
	}
	return count, true, nil
}

func (s *SQLiteStore) GetWindowCount(ctx context.Context, key WindowKey) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT count FROM rate_windows WHERE source = ? AND tenant = ? AND window_start = ?`,
		key.Source, key.Tenant, key.WindowStart,
	).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: get window count")
	}
	return count, nil
}

func (s *SQLiteStore) RecordWindow(ctx context.Context, key WindowKey) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO rate_windows (source, tenant, window_start, count) VALUES (?, ?, ?, 1)
		 ON CONFLICT (source, tenant, window_start) DO UPDATE SET count = count + 1
		 RETURNING count`,
		key.Source, key.Tenant, key.WindowStart,
	).Scan(&count)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: record window")
	}
	return count, nil
}

func (s *SQLiteStore) DeleteWindowsBefore(ctx context.Context, windowStart int64) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM rate_windows WHERE window_start < ?`, windowStart,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete windows")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// --- Response cache ---

func (s *SQLiteStore) GetCacheEntry(ctx context.Context, source, keyHash string) (*CacheEntry, error) {
	var e CacheEntry
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT source, key_hash, payload, hit_count, expires_at FROM response_cache
		 WHERE source = ? AND key_hash = ? AND expires_at > datetime('now')`,
		source, keyHash,
	).Scan(&e.Source, &e.KeyHash, &payload, &e.HitCount, &e.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get cache entry")
	}
	e.Payload = []byte(payload)
	return &e, nil
}

func (s *SQLiteStore) SetCacheEntry(ctx context.Context, source, keyHash string, payload []byte, ttl time.Duration) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO response_cache (source, key_hash, payload, hit_count, created_at, expires_at)
		 VALUES (?, ?, ?, 0, ?, ?)
		 ON CONFLICT (source, key_hash) DO UPDATE SET payload = excluded.payload,
		   hit_count = 0, created_at = excluded.created_at, expires_at = excluded.expires_at`,
		source, keyHash, string(payload), now, now.Add(ttl),
	)
	return eris.Wrap(err, "sqlite: set cache entry")
}

func (s *SQLiteStore) DeleteCacheEntry(ctx context.Context, source, keyHash string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM response_cache WHERE source = ? AND key_hash = ?`,
		source, keyHash,
	)
	return eris.Wrap(err, "sqlite: delete cache entry")
}

func (s *SQLiteStore) ClearCacheSource(ctx context.Context, source string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM response_cache WHERE source = ?`, source,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: clear cache source %s", source)
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) BumpCacheHit(ctx context.Context, source, keyHash string) error {
	// Rows affected goes unchecked: the entry may have expired between
	// the read and the bump.
	_, err := s.db.ExecContext(ctx,
		`UPDATE response_cache SET hit_count = hit_count + 1 WHERE source = ? AND key_hash = ?`,
		source, keyHash,
	)
	return eris.Wrap(err, "sqlite: bump cache hit")
}

func (s *SQLiteStore) DeleteExpiredCacheEntries(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM response_cache WHERE expires_at <= datetime('now')`,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete expired cache entries")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) CountCacheEntries(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM response_cache`).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count cache entries")
}

// --- Corrections ---

func (s *SQLiteStore) InsertCorrection(ctx context.Context, rec model.CorrectionRecord) error {
	originalJSON, err := json.Marshal(rec.Original)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal original")
	}
	correctedJSON, err := json.Marshal(rec.Corrected)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal corrected")
	}
	fieldsJSON, err := json.Marshal(rec.CorrectedFields)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal corrected fields")
	}

	var embeddingJSON sql.NullString
	if len(rec.NameEmbedding) > 0 {
		b, err := json.Marshal(rec.NameEmbedding)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal embedding")
		}
		embeddingJSON = sql.NullString{String: string(b), Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO corrections (id, tenant, original, corrected, corrected_fields, name_embedding, source_type, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Tenant, string(originalJSON), string(correctedJSON), string(fieldsJSON),
		embeddingJSON, rec.SourceType, rec.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: insert correction")
}

func (s *SQLiteStore) ListCorrections(ctx context.Context, tenant string, limit int) ([]model.CorrectionRecord, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant, original, corrected, corrected_fields, name_embedding, source_type, created_at
		 FROM corrections WHERE tenant = ? ORDER BY created_at DESC LIMIT ?`,
		tenant, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list corrections")
	}
	defer rows.Close()

	var recs []model.CorrectionRecord
	for rows.Next() {
		r, err := scanCorrection(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *r)
	}
	return recs, eris.Wrap(rows.Err(), "sqlite: list corrections iterate")
}

func (s *SQLiteStore) CountCorrections(ctx context.Context, tenant string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM corrections WHERE tenant = ?`, tenant,
	).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count corrections")
}

// --- Transformation rules ---

// ReinforceRule inserts a rule at the starting confidence or, when the
// (tenant, field, from_value) key exists, bumps confidence by the
// reinforcement step up to the cap and increments the occurrence count.
func (s *SQLiteStore) ReinforceRule(ctx context.Context, tenant, field, fromValue, toValue string) (*model.TransformationRule, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	row := s.db.QueryRowContext(ctx,
		`INSERT INTO transformation_rules
		 (id, tenant, field, from_value, to_value, confidence, occurrence_count, last_reinforced, created_at)
		 VALUES (?, ?, ?, ?, ?, 0.5, 1, ?, ?)
		 ON CONFLICT (tenant, field, from_value) DO UPDATE SET
		   to_value = excluded.to_value,
		   confidence = min(confidence + 0.05, 0.95),
		   occurrence_count = occurrence_count + 1,
		   last_reinforced = excluded.last_reinforced
		 RETURNING id, tenant, field, from_value, to_value, confidence, occurrence_count, last_reinforced, created_at`,
		id, tenant, field, fromValue, toValue, now, now,
	)
	rule, err := scanRule(row)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: reinforce rule")
	}
	return rule, nil
}

func (s *SQLiteStore) ListRules(ctx context.Context, tenant string, filter RuleFilter) ([]model.TransformationRule, error) {
	query := `SELECT id, tenant, field, from_value, to_value, confidence, occurrence_count, last_reinforced, created_at
	          FROM transformation_rules WHERE tenant = ?`
	args := []any{tenant}

	if filter.Field != "" {
		query += ` AND field = ?`
		args = append(args, filter.Field)
	}
	query += ` ORDER BY confidence DESC, occurrence_count DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 500
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list rules")
	}
	defer rows.Close()

	var rules []model.TransformationRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, *r)
	}
	return rules, eris.Wrap(rows.Err(), "sqlite: list rules iterate")
}

func (s *SQLiteStore) PruneRulesBefore(ctx context.Context, tenant string, lastReinforcedBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM transformation_rules WHERE tenant = ? AND last_reinforced < ?`,
		tenant, lastReinforcedBefore.UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prune rules")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// --- Batch reports ---

func (s *SQLiteStore) InsertBatchReport(ctx context.Context, report model.BatchReport) error {
	reportJSON, err := json.Marshal(report)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal report")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO ingest_runs (id, tenant, report, started_at) VALUES (?, ?, ?, ?)`,
		report.ID, report.Tenant, string(reportJSON), report.StartedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: insert batch report")
}

func (s *SQLiteStore) ListBatchReports(ctx context.Context, tenant string, since time.Time, limit int) ([]model.BatchReport, error) {
	query := `SELECT report FROM ingest_runs WHERE started_at >= ?`
	args := []any{since.UTC()}

	if tenant != "" {
		query += ` AND tenant = ?`
		args = append(args, tenant)
	}
	query += ` ORDER BY started_at DESC`

	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list batch reports")
	}
	defer rows.Close()

	var reports []model.BatchReport
	for rows.Next() {
		var reportJSON string
		if err := rows.Scan(&reportJSON); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan batch report")
		}
		var r model.BatchReport
		if err := json.Unmarshal([]byte(reportJSON), &r); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal batch report")
		}
		reports = append(reports, r)
	}
	return reports, eris.Wrap(rows.Err(), "sqlite: list batch reports iterate")
}

// helpers

type scannable interface {
	Scan(dest ...any) error
}

func scanCorrection(row scannable) (*model.CorrectionRecord, error) {
	var r model.CorrectionRecord
	var originalJSON, correctedJSON, fieldsJSON string
	var embeddingJSON, sourceType sql.NullString

	err := row.Scan(&r.ID, &r.Tenant, &originalJSON, &correctedJSON, &fieldsJSON,
		&embeddingJSON, &sourceType, &r.CreatedAt)
	if err != nil {
		return nil, eris.Wrap(err, "scan correction")
	}

	if err := json.Unmarshal([]byte(originalJSON), &r.Original); err != nil {
		return nil, eris.Wrap(err, "unmarshal original")
	}
	if err := json.Unmarshal([]byte(correctedJSON), &r.Corrected); err != nil {
		return nil, eris.Wrap(err, "unmarshal corrected")
	}
	if err := json.Unmarshal([]byte(fieldsJSON), &r.CorrectedFields); err != nil {
		return nil, eris.Wrap(err, "unmarshal corrected fields")
	}
	if embeddingJSON.Valid {
		if err := json.Unmarshal([]byte(embeddingJSON.String), &r.NameEmbedding); err != nil {
			return nil, eris.Wrap(err, "unmarshal embedding")
		}
	}
	if sourceType.Valid {
		r.SourceType = sourceType.String
	}
	return &r, nil
}

func scanRule(row scannable) (*model.TransformationRule, error) {
	var r model.TransformationRule
	err := row.Scan(&r.ID, &r.Tenant, &r.Field, &r.FromValue, &r.ToValue,
		&r.Confidence, &r.OccurrenceCount, &r.LastReinforced, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}
