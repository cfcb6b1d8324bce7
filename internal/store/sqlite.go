package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/votermap/internal/model"
	"github.com/sells-group/votermap/pkg/geocode"
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
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS jobs (
	id          TEXT PRIMARY KEY,
	seq         INTEGER NOT NULL,
	status      TEXT NOT NULL DEFAULT 'queued',
	county      TEXT NOT NULL DEFAULT '',
	source_file TEXT NOT NULL,
	data        TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS geocode_cache (
	address      TEXT PRIMARY KEY,
	latitude     REAL NOT NULL,
	longitude    REAL NOT NULL,
	display_name TEXT NOT NULL DEFAULT '',
	source       TEXT NOT NULL DEFAULT '',
	provider     TEXT NOT NULL DEFAULT '',
	relevance    REAL,
	quality      TEXT NOT NULL DEFAULT '',
	cached_at    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_status_seq ON jobs(status, seq);
CREATE INDEX IF NOT EXISTS idx_jobs_county ON jobs(county);
`

// Migrate creates the schema.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteMigration); err != nil {
		return eris.Wrap(err, "sqlite: migrate")
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveJob inserts or replaces the job record.
func (s *SQLiteStore) SaveJob(ctx context.Context, job *model.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal job")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, seq, status, county, source_file, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			seq = excluded.seq,
			status = excluded.status,
			county = excluded.county,
			source_file = excluded.source_file,
			data = excluded.data,
			updated_at = excluded.updated_at`,
		job.ID, job.Seq, string(job.Status), job.County, job.SourceFile, string(data),
		job.CreatedAt.UnixMilli(), job.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: save job %s", job.ID)
	}
	return nil
}

// GetJob returns one job or ErrNotFound.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM jobs WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "job %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get job %s", id)
	}
	return decodeJob([]byte(data))
}

// ListJobs returns jobs in enqueue order.
func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT data FROM jobs WHERE 1 = 1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.County != "" {
		query += ` AND county = ? COLLATE NOCASE`
		args = append(args, filter.County)
	}
	query += ` ORDER BY seq ASC, created_at ASC, id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close() //nolint:errcheck

	var jobs []model.Job
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job")
		}
		j, err := decodeJob([]byte(data))
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs iterate")
	}
	return jobs, nil
}

// NextSeq returns one more than the highest sequence number stored.
func (s *SQLiteStore) NextSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM jobs`).Scan(&seq); err != nil {
		return 0, eris.Wrap(err, "sqlite: next seq")
	}
	return seq, nil
}

// PruneJobs deletes completed and failed jobs last updated before the cutoff.
func (s *SQLiteStore) PruneJobs(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE status IN (?, ?) AND updated_at < ?`,
		terminalStatuses[0], terminalStatuses[1], before.UnixMilli(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prune jobs")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: rows affected")
	}
	return int(n), nil
}

// LoadGeocodes implements geocode.CacheBackend.
func (s *SQLiteStore) LoadGeocodes(ctx context.Context) (map[string]geocode.Result, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT address, latitude, longitude, display_name, source, provider, relevance, quality
		FROM geocode_cache`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load geocodes")
	}
	defer rows.Close() //nolint:errcheck

	out := make(map[string]geocode.Result)
	for rows.Next() {
		var key string
		var r geocode.Result
		var rel sql.NullFloat64
		if err := rows.Scan(&key, &r.Latitude, &r.Longitude, &r.DisplayName, &r.Source, &r.Provider, &rel, &r.Quality); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan geocode")
		}
		if rel.Valid {
			v := rel.Float64
			r.Relevance = &v
		}
		out[key] = r
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: load geocodes iterate")
	}
	return out, nil
}

const sqliteInsertGeocode = `
	INSERT INTO geocode_cache (address, latitude, longitude, display_name, source, provider, relevance, quality, cached_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(address) DO NOTHING`

// PutGeocode implements geocode.CacheBackend. An existing key is kept.
func (s *SQLiteStore) PutGeocode(ctx context.Context, key string, r geocode.Result) error {
	_, err := s.db.ExecContext(ctx, sqliteInsertGeocode, geocodeArgs(key, r, time.Now())...)
	if err != nil {
		return eris.Wrap(err, "sqlite: put geocode")
	}
	return nil
}

// ClearGeocodes implements geocode.CacheBackend.
func (s *SQLiteStore) ClearGeocodes(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM geocode_cache`); err != nil {
		return eris.Wrap(err, "sqlite: clear geocodes")
	}
	return nil
}

// CountGeocodes returns the number of cached addresses.
func (s *SQLiteStore) CountGeocodes(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM geocode_cache`).Scan(&n); err != nil {
		return 0, eris.Wrap(err, "sqlite: count geocodes")
	}
	return n, nil
}

// ImportGeocodes inserts entries in one transaction, keeping existing keys.
// It returns the number of new entries.
func (s *SQLiteStore) ImportGeocodes(ctx context.Context, entries map[string]geocode.Result) (int64, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: import begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, sqliteInsertGeocode)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: import prepare")
	}
	defer stmt.Close() //nolint:errcheck

	now := time.Now()
	var inserted int64
	for key, r := range entries {
		res, err := stmt.ExecContext(ctx, geocodeArgs(key, r, now)...)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: import %q", key)
		}
		n, _ := res.RowsAffected()
		inserted += n
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: import commit")
	}
	return inserted, nil
}

// helpers

func geocodeArgs(key string, r geocode.Result, now time.Time) []any {
	var rel any
	if r.Relevance != nil {
		rel = *r.Relevance
	}
	return []any{key, r.Latitude, r.Longitude, r.DisplayName, r.Source, r.Provider, rel, r.Quality, now.UnixMilli()}
}

func decodeJob(data []byte) (*model.Job, error) {
	var j model.Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal job")
	}
	return &j, nil
}
