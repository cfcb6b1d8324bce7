// Package store persists job records and the geocode cache in SQLite or
// Postgres.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/votermap/internal/model"
	"github.com/sells-group/votermap/pkg/geocode"
)

// ErrNotFound is returned when a job id has no record.
var ErrNotFound = eris.New("store: not found")

// JobFilter specifies criteria for listing jobs.
type JobFilter struct {
	Status model.JobStatus `json:"status,omitempty"`
	County string          `json:"county,omitempty"`
	Limit  int             `json:"limit,omitempty"`
}

// Store defines the persistence interface for jobs and the geocode cache.
// It satisfies geocode.CacheBackend.
type Store interface {
	// Jobs
	SaveJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error)
	NextSeq(ctx context.Context) (int64, error)
	PruneJobs(ctx context.Context, before time.Time) (int, error)

	// Geocode cache
	LoadGeocodes(ctx context.Context) (map[string]geocode.Result, error)
	PutGeocode(ctx context.Context, key string, r geocode.Result) error
	ClearGeocodes(ctx context.Context) error
	CountGeocodes(ctx context.Context) (int, error)
	ImportGeocodes(ctx context.Context, entries map[string]geocode.Result) (int64, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

var _ geocode.CacheBackend = Store(nil)

// terminalStatuses are the statuses PruneJobs may delete.
var terminalStatuses = []string{string(model.JobCompleted), string(model.JobFailed)}
