package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/votermap/internal/model"
	"github.com/sells-group/votermap/internal/store"
	"github.com/sells-group/votermap/pkg/geocode"
)

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// Job metrics. Totals cover the lookback window; queued and running
	// are current regardless of age.
	JobsTotal       int           `json:"jobs_total"`
	JobsCompleted   int           `json:"jobs_completed"`
	JobsFailed      int           `json:"jobs_failed"`
	JobsQueued      int           `json:"jobs_queued"`
	JobsRunning     int           `json:"jobs_running"`
	JobFailRate     float64       `json:"job_fail_rate"`
	OldestQueuedAge time.Duration `json:"oldest_queued_age"`

	// Address metrics from finished jobs in the window.
	AddressesTotal  int     `json:"addresses_total"`
	AddressesFailed int     `json:"addresses_failed"`
	AddressFailRate float64 `json:"address_fail_rate"`

	// Providers whose circuit breaker is not closed.
	OpenCircuits []string `json:"open_circuits,omitempty"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// JobLister abstracts the store methods needed by the collector.
type JobLister interface {
	ListJobs(ctx context.Context, filter store.JobFilter) ([]model.Job, error)
}

// EngineStatser exposes geocoding engine counters.
type EngineStatser interface {
	Stats() geocode.EngineStats
}

// Collector gathers metrics from the job store and the geocoding engine.
type Collector struct {
	jobs   JobLister
	engine EngineStatser
}

// NewCollector creates a new metrics collector. engine may be nil.
func NewCollector(jobs JobLister, engine EngineStatser) *Collector {
	return &Collector{jobs: jobs, engine: engine}
}

// Collect gathers a snapshot of system metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := time.Now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	jobs, err := c.jobs.ListJobs(ctx, store.JobFilter{})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list jobs")
	}

	for _, j := range jobs {
		switch j.Status {
		case model.JobQueued:
			snap.JobsQueued++
			if age := now.Sub(j.CreatedAt); age > snap.OldestQueuedAge {
				snap.OldestQueuedAge = age
			}
		case model.JobRunning:
			snap.JobsRunning++
		}

		if j.CreatedAt.Before(cutoff) {
			continue
		}
		snap.JobsTotal++
		switch j.Status {
		case model.JobCompleted:
			snap.JobsCompleted++
			snap.AddressesTotal += j.TotalRecords
			snap.AddressesFailed += j.FailedCount
		case model.JobFailed:
			snap.JobsFailed++
		}
	}

	if finished := snap.JobsCompleted + snap.JobsFailed; finished > 0 {
		snap.JobFailRate = float64(snap.JobsFailed) / float64(finished)
	}
	if snap.AddressesTotal > 0 {
		snap.AddressFailRate = float64(snap.AddressesFailed) / float64(snap.AddressesTotal)
	}

	if c.engine != nil {
		for _, p := range c.engine.Stats().Providers {
			if p.Circuit != "" && p.Circuit != "closed" {
				snap.OpenCircuits = append(snap.OpenCircuits, p.Name)
			}
		}
	}

	return snap, nil
}
