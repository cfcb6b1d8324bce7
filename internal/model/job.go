// Package model defines the records shared by the scheduler, the processing
// pipeline and the stores.
package model

import (
	"slices"
	"time"
)

// JobStatus represents the lifecycle state of a processing job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether no further transition can happen.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Stage names the step a running job is in.
type Stage string

const (
	StageValidate Stage = "validate"
	StageClean    Stage = "clean"
	StageGeocode  Stage = "geocode"
	StageGenerate Stage = "generate"
	StageDeploy   Stage = "deploy"
)

// LogLevel classifies a job log message.
type LogLevel string

const (
	LogInfo    LogLevel = "info"
	LogWarning LogLevel = "warning"
	LogError   LogLevel = "error"
)

// LogMessage is one timestamped entry in a job's log.
type LogMessage struct {
	Time    time.Time `json:"time"`
	Level   LogLevel  `json:"level"`
	Message string    `json:"message"`
}

// Election holds the identifying metadata of an uploaded roll.
type Election struct {
	County       string `json:"county"`
	Year         string `json:"year"`
	ElectionType string `json:"election_type"`
	ElectionDate string `json:"election_date"`
	VotingMethod string `json:"voting_method"`
	PrimaryParty string `json:"primary_party,omitempty"`
}

// Job is the durable record of one uploaded file's processing.
type Job struct {
	ID               string `json:"id"`
	Seq              int64  `json:"seq"`
	SourceFile       string `json:"source_file"`
	OriginalFilename string `json:"original_filename"`
	Election

	Status JobStatus `json:"status"`
	Stage  Stage     `json:"stage,omitempty"`

	TotalRecords     int `json:"total_records"`
	ProcessedRecords int `json:"processed_records"`
	CacheHits        int `json:"cache_hits"`
	GeocodedCount    int `json:"geocoded_count"`
	FailedCount      int `json:"failed_count"`

	Logs    []LogMessage `json:"logs"`
	Error   string       `json:"error,omitempty"`
	Outputs []string     `json:"outputs,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Log appends a timestamped message.
func (j *Job) Log(level LogLevel, msg string, now time.Time) {
	j.Logs = append(j.Logs, LogMessage{Time: now, Level: level, Message: msg})
	j.UpdatedAt = now
}

// ResetProgress clears everything a run produces so the job can be
// reprocessed from scratch. The log is kept.
func (j *Job) ResetProgress() {
	j.Stage = ""
	j.TotalRecords = 0
	j.ProcessedRecords = 0
	j.CacheHits = 0
	j.GeocodedCount = 0
	j.FailedCount = 0
	j.Error = ""
	j.Outputs = nil
	j.StartedAt = nil
	j.FinishedAt = nil
}

// Progress returns processed/total as a fraction in [0, 1].
func (j *Job) Progress() float64 {
	if j.TotalRecords == 0 {
		return 0
	}
	return float64(j.ProcessedRecords) / float64(j.TotalRecords)
}

// Clone returns a deep copy safe to hand to readers outside the scheduler.
func (j *Job) Clone() *Job {
	c := *j
	c.Logs = slices.Clone(j.Logs)
	c.Outputs = slices.Clone(j.Outputs)
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}
