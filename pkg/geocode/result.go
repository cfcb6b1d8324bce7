// Package geocode resolves normalized voter addresses to coordinates through
// an ordered chain of providers, a persistent cache and a ZIP-centroid
// fallback.
package geocode

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

const (
	// SourceCache tags results answered from the cache.
	SourceCache = "cache"
	// SourceZipFallback tags ZIP-centroid results.
	SourceZipFallback = "zip_fallback"
)

// Result is a resolved coordinate.
type Result struct {
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	DisplayName string  `json:"display_name,omitempty"`
	// Source is "cache", a provider name, or "zip_fallback".
	Source string `json:"source"`
	// Provider is the provider that originally produced the coordinate; it
	// survives caching while Source becomes "cache".
	Provider string `json:"provider,omitempty"`
	// Relevance is the provider's confidence in [0, 1], nil when unreported.
	Relevance *float64 `json:"relevance,omitempty"`
	Quality   string   `json:"quality,omitempty"`
}

// Clone returns a copy that does not share the Relevance pointer.
func (r *Result) Clone() *Result {
	c := *r
	if r.Relevance != nil {
		v := *r.Relevance
		c.Relevance = &v
	}
	return &c
}

// RelevanceOr returns the relevance or def when unreported.
func (r *Result) RelevanceOr(def float64) float64 {
	if r.Relevance == nil {
		return def
	}
	return *r.Relevance
}

func relevance(v float64) *float64 {
	switch {
	case v < 0:
		v = 0
	case v > 1:
		v = 1
	}
	return &v
}

var (
	// ErrNoMatch is returned by a provider that answered but found nothing.
	ErrNoMatch = eris.New("geocode: no match")

	// ErrResolutionFailed matches every *ResolutionFailure via errors.Is.
	ErrResolutionFailed = eris.New("geocode: address could not be resolved")

	// ErrCachePersistence wraps failures reading or writing the durable cache.
	ErrCachePersistence = eris.New("geocode: cache persistence")
)

// RejectionError is a permanent provider refusal: a malformed request, a
// denied key or an exhausted quota. It is never retried.
type RejectionError struct {
	Provider   string
	StatusCode int
	Reason     string
}

func (e *RejectionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("geocode: %s rejected request (status %d): %s", e.Provider, e.StatusCode, e.Reason)
	}
	return fmt.Sprintf("geocode: %s rejected request: %s", e.Provider, e.Reason)
}

// ProviderAttempt records how one provider fared for one address.
type ProviderAttempt struct {
	Provider string `json:"provider"`
	Attempts int    `json:"attempts"`
	Err      error  `json:"-"`
}

// ResolutionFailure is returned when no provider and no ZIP fallback could
// resolve an address. It carries enough detail for an error report.
type ResolutionFailure struct {
	Address  string
	ZIP      string
	Reason   string
	Attempts []ProviderAttempt
}

func (f *ResolutionFailure) Error() string {
	if f.Reason != "" {
		return fmt.Sprintf("geocode: %q not resolved: %s", f.Address, f.Reason)
	}
	return fmt.Sprintf("geocode: %q not resolved by %d providers", f.Address, len(f.Attempts))
}

// Is lets errors.Is(err, ErrResolutionFailed) match.
func (f *ResolutionFailure) Is(target error) bool {
	return target == ErrResolutionFailed
}

// Providers lists the providers tried, in order.
func (f *ResolutionFailure) Providers() []string {
	out := make([]string, 0, len(f.Attempts))
	for _, a := range f.Attempts {
		out = append(out, a.Provider)
	}
	return out
}

// TotalAttempts sums the calls made across providers.
func (f *ResolutionFailure) TotalAttempts() int {
	var n int
	for _, a := range f.Attempts {
		n += a.Attempts
	}
	return n
}

// Detail renders each provider's last error on one line.
func (f *ResolutionFailure) Detail() string {
	if len(f.Attempts) == 0 {
		return f.Reason
	}
	parts := make([]string, 0, len(f.Attempts))
	for _, a := range f.Attempts {
		msg := "ok"
		if a.Err != nil {
			msg = a.Err.Error()
		}
		parts = append(parts, fmt.Sprintf("%s x%d: %s", a.Provider, a.Attempts, msg))
	}
	return strings.Join(parts, "; ")
}

// AsResolutionFailure extracts a *ResolutionFailure from err.
func AsResolutionFailure(err error) (*ResolutionFailure, bool) {
	var f *ResolutionFailure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}
