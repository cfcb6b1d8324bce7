package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/votermap/internal/db"
	"github.com/sells-group/votermap/internal/model"
	"github.com/sells-group/votermap/pkg/geocode"
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

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(1)
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

// Pool returns the underlying pool for subsystems that query directly
// (the TIGER geocoder).
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

// Migrate applies the embedded migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	return migrate(ctx, s.pool)
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// SaveJob inserts or replaces the job record.
func (s *PostgresStore) SaveJob(ctx context.Context, job *model.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal job")
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, seq, status, county, source_file, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			seq = EXCLUDED.seq,
			status = EXCLUDED.status,
			county = EXCLUDED.county,
			source_file = EXCLUDED.source_file,
			data = EXCLUDED.data,
			updated_at = EXCLUDED.updated_at`,
		job.ID, job.Seq, string(job.Status), job.County, job.SourceFile, data, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: save job %s", job.ID)
	}
	return nil
}

// GetJob returns one job or ErrNotFound.
func (s *PostgresStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM jobs WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "job %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get job %s", id)
	}
	return decodeJob(data)
}

// ListJobs returns jobs in enqueue order.
func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT data FROM jobs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.County != "" {
		query += fmt.Sprintf(` AND lower(county) = lower($%d)`, argIdx)
		args = append(args, filter.County)
		argIdx++
	}
	query += ` ORDER BY seq ASC, created_at ASC, id ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, argIdx)
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		j, err := decodeJob(data)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs iterate")
	}
	return jobs, nil
}

// NextSeq returns one more than the highest sequence number stored.
func (s *PostgresStore) NextSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM jobs`).Scan(&seq); err != nil {
		return 0, eris.Wrap(err, "postgres: next seq")
	}
	return seq, nil
}

// PruneJobs deletes completed and failed jobs last updated before the cutoff.
func (s *PostgresStore) PruneJobs(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM jobs WHERE status = ANY($1) AND updated_at < $2`,
		terminalStatuses, before,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: prune jobs")
	}
	return int(tag.RowsAffected()), nil
}

// LoadGeocodes implements geocode.CacheBackend.
func (s *PostgresStore) LoadGeocodes(ctx context.Context) (map[string]geocode.Result, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT address, latitude, longitude, display_name, source, provider, relevance, quality
		FROM geocode_cache`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: load geocodes")
	}
	defer rows.Close()

	out := make(map[string]geocode.Result)
	for rows.Next() {
		var key string
		var r geocode.Result
		if err := rows.Scan(&key, &r.Latitude, &r.Longitude, &r.DisplayName, &r.Source, &r.Provider, &r.Relevance, &r.Quality); err != nil {
			return nil, eris.Wrap(err, "postgres: scan geocode")
		}
		out[key] = r
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: load geocodes iterate")
	}
	return out, nil
}

// PutGeocode implements geocode.CacheBackend. An existing key is kept.
func (s *PostgresStore) PutGeocode(ctx context.Context, key string, r geocode.Result) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO geocode_cache (address, latitude, longitude, display_name, source, provider, relevance, quality, cached_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (address) DO NOTHING`,
		pgGeocodeRow(key, r, time.Now().UTC())...,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: put geocode")
	}
	return nil
}

// ClearGeocodes implements geocode.CacheBackend.
func (s *PostgresStore) ClearGeocodes(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `TRUNCATE geocode_cache`); err != nil {
		return eris.Wrap(err, "postgres: clear geocodes")
	}
	return nil
}

// CountGeocodes returns the number of cached addresses.
func (s *PostgresStore) CountGeocodes(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM geocode_cache`).Scan(&n); err != nil {
		return 0, eris.Wrap(err, "postgres: count geocodes")
	}
	return n, nil
}

var geocodeColumns = []string{
	"address", "latitude", "longitude", "display_name", "source", "provider", "relevance", "quality", "cached_at",
}

// ImportGeocodes bulk-loads entries through COPY, keeping existing keys.
// It returns the number of new entries.
func (s *PostgresStore) ImportGeocodes(ctx context.Context, entries map[string]geocode.Result) (int64, error) {
	now := time.Now().UTC()
	rows := make([][]any, 0, len(entries))
	for key, r := range entries {
		rows = append(rows, pgGeocodeRow(key, r, now))
	}

	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "geocode_cache",
		Columns:      geocodeColumns,
		ConflictKeys: []string{"address"},
		KeepExisting: true,
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: import geocodes")
	}
	return n, nil
}

func pgGeocodeRow(key string, r geocode.Result, now time.Time) []any {
	var rel any
	if r.Relevance != nil {
		rel = *r.Relevance
	}
	return []any{key, r.Latitude, r.Longitude, r.DisplayName, r.Source, r.Provider, rel, r.Quality, now}
}
