package model

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// DatasetMetadata describes one published map dataset. It is written next
// to the map data as metadata_*.json and read back for duplicate detection.
type DatasetMetadata struct {
	JobID string `json:"job_id"`
	Election
	OriginalFilename     string    `json:"original_filename"`
	TotalAddresses       int       `json:"total_addresses"`
	SuccessfullyGeocoded int       `json:"successfully_geocoded"`
	FailedAddresses      int       `json:"failed_addresses"`
	CacheHits            int       `json:"cache_hits"`
	APICalls             int       `json:"api_calls"`
	LastUpdated          time.Time `json:"last_updated"`

	// Files lists the published file names, relative to the public dir.
	Files []string `json:"files"`
}

// Label is a short human-readable identifier for logs and CLI output.
func (m DatasetMetadata) Label() string {
	parts := []string{m.County, m.Year, m.ElectionType}
	if m.PrimaryParty != "" {
		parts = append(parts, m.PrimaryParty)
	}
	parts = append(parts, m.VotingMethod, m.ElectionDate)
	return strings.Join(parts, " ")
}

// DuplicateAction is the caller's choice when an upload matches a
// published dataset.
type DuplicateAction string

const (
	// DuplicateSkip creates no job.
	DuplicateSkip DuplicateAction = "skip"
	// DuplicateReplace deletes the existing dataset's files, then proceeds.
	DuplicateReplace DuplicateAction = "replace"
	// DuplicateIgnore proceeds and leaves both datasets published.
	DuplicateIgnore DuplicateAction = "ignore"
)

// ParseDuplicateAction validates a user-supplied action.
func ParseDuplicateAction(s string) (DuplicateAction, error) {
	switch a := DuplicateAction(strings.ToLower(strings.TrimSpace(s))); a {
	case DuplicateSkip, DuplicateReplace, DuplicateIgnore:
		return a, nil
	default:
		return "", eris.Errorf("model: unknown duplicate action %q (want skip, replace or ignore)", s)
	}
}
