package store

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"sort"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/votermap/internal/model"
	"github.com/sells-group/votermap/pkg/geocode"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return &PostgresStore{pool: mock}, mock
}

func TestPostgres_SaveJob(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	job := testJob("job-1", 4, model.JobQueued, "Hidalgo", time.Now())

	mock.ExpectExec(`INSERT INTO jobs .* ON CONFLICT \(id\) DO UPDATE`).
		WithArgs("job-1", int64(4), "queued", "Hidalgo", job.SourceFile, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.SaveJob(context.Background(), job))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_SaveJobError(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectExec(`INSERT INTO jobs`).WillReturnError(errors.New("connection reset"))

	err := s.SaveJob(context.Background(), testJob("job-1", 1, model.JobQueued, "Hidalgo", time.Now()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres: save job job-1")
}

func TestPostgres_GetJob(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	data, err := json.Marshal(testJob("job-1", 1, model.JobRunning, "Cameron", time.Now()))
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT data FROM jobs WHERE id = \$1`).
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"data"}).AddRow(data))

	job, err := s.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, "Cameron", job.County)
	assert.Equal(t, model.JobRunning, job.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetJobNotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectQuery(`SELECT data FROM jobs`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetJob(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgres_ListJobsFilters(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	data, err := json.Marshal(testJob("job-2", 2, model.JobQueued, "Hidalgo", time.Now()))
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT data FROM jobs WHERE true AND status = \$1 AND lower\(county\) = lower\(\$2\) ORDER BY seq ASC, created_at ASC, id ASC LIMIT \$3`).
		WithArgs("queued", "hidalgo", 5).
		WillReturnRows(pgxmock.NewRows([]string{"data"}).AddRow(data))

	jobs, err := s.ListJobs(context.Background(), JobFilter{Status: model.JobQueued, County: "hidalgo", Limit: 5})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "job-2", jobs[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_NextSeq(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(seq\), 0\) \+ 1 FROM jobs`).
		WillReturnRows(pgxmock.NewRows([]string{"seq"}).AddRow(int64(12)))

	seq, err := s.NextSeq(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(12), seq)
}

func TestPostgres_PruneJobs(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	cutoff := time.Now().Add(-24 * time.Hour)

	mock.ExpectExec(`DELETE FROM jobs WHERE status = ANY\(\$1\) AND updated_at < \$2`).
		WithArgs([]string{"completed", "failed"}, cutoff).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))

	n, err := s.PruneJobs(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_PutGeocode(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	rel := 0.95

	mock.ExpectExec(`INSERT INTO geocode_cache .* ON CONFLICT \(address\) DO NOTHING`).
		WithArgs("100 MAIN STREET, MCALLEN, TEXAS", 26.2, -98.23, "", "census", "census", 0.95, "rooftop", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.PutGeocode(context.Background(), "100 MAIN STREET, MCALLEN, TEXAS", geocode.Result{
		Latitude: 26.2, Longitude: -98.23, Source: "census", Provider: "census", Relevance: &rel, Quality: "rooftop",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CountAndClearGeocodes(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM geocode_cache`).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(42))
	mock.ExpectExec(`TRUNCATE geocode_cache`).WillReturnResult(pgxmock.NewResult("TRUNCATE", 0))

	n, err := s.CountGeocodes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, n)
	require.NoError(t, s.ClearGeocodes(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ImportGeocodes(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_geocode_cache"`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_geocode_cache"}, geocodeColumns).WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "geocode_cache" .* DO NOTHING`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	n, err := s.ImportGeocodes(context.Background(), map[string]geocode.Result{
		"A": {Latitude: 1, Longitude: 2, Source: "census"},
		"B": {Latitude: 3, Longitude: 4, Source: "photon"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func migrationNames(t *testing.T) []string {
	t.Helper()
	entries, err := fs.ReadDir(migrationFS, "migrations")
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func TestPostgres_MigrateFresh(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	names := migrationNames(t)
	require.Len(t, names, 2)

	mock.ExpectExec(`SELECT pg_advisory_lock`).WithArgs(migrationLockID).WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS schema_migrations`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectQuery(`SELECT filename FROM schema_migrations`).WillReturnRows(pgxmock.NewRows([]string{"filename"}))
	for _, name := range names {
		mock.ExpectExec(`.*`).WillReturnResult(pgxmock.NewResult("EXEC", 0))
		mock.ExpectExec(`INSERT INTO schema_migrations`).WithArgs(name).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}
	mock.ExpectExec(`SELECT pg_advisory_unlock`).WithArgs(migrationLockID).WillReturnResult(pgxmock.NewResult("SELECT", 1))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_MigrateAlreadyApplied(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	applied := pgxmock.NewRows([]string{"filename"})
	for _, name := range migrationNames(t) {
		applied.AddRow(name)
	}

	mock.ExpectExec(`SELECT pg_advisory_lock`).WithArgs(migrationLockID).WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS schema_migrations`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectQuery(`SELECT filename FROM schema_migrations`).WillReturnRows(applied)
	mock.ExpectExec(`SELECT pg_advisory_unlock`).WithArgs(migrationLockID).WillReturnResult(pgxmock.NewResult("SELECT", 1))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_MigrateLockFails(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectExec(`SELECT pg_advisory_lock`).WithArgs(migrationLockID).WillReturnError(errors.New("timeout"))

	err := s.Migrate(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "acquire migration lock")
}
