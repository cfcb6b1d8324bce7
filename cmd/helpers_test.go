package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/votermap/internal/config"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// setTestConfig installs a config rooted in a temp dir with SQLite, the
// store-backed cache and only the census provider pointed at censusURL.
func setTestConfig(t *testing.T, censusURL string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	c := &config.Config{
		Store: config.StoreConfig{Driver: "sqlite", DatabaseURL: filepath.Join(dir, "votermap.db")},
		Cache: config.CacheConfig{Backend: "store"},
		Geocode: config.GeocodeConfig{
			Order:         []string{"census"},
			TimeoutSecs:   5,
			WorkersPerJob: 2,
			Retry:         config.RetryConfig{MaxAttempts: 1},
			Census:        config.ProviderConfig{Enabled: true, BaseURL: censusURL},
		},
		Scheduler: config.SchedulerConfig{MaxConcurrentJobs: 2, PollIntervalSecs: 1, Recovery: "requeue"},
		Paths: config.PathsConfig{
			UploadDir: filepath.Join(dir, "uploads"),
			DataDir:   filepath.Join(dir, "data"),
			PublicDir: filepath.Join(dir, "public"),
		},
		Output: config.OutputConfig{
			H3Resolution:    9,
			RequiredColumns: []string{"ADDRESS", "PRECINCT", "BALLOT STYLE"},
		},
		Log: config.LogConfig{Level: "info", Format: "json"},
	}
	prev := cfg
	cfg = c
	t.Cleanup(func() { cfg = prev })
	return c
}

// censusServer answers every address with a fixed point except PO boxes,
// which get no match.
func censusServer(t *testing.T) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		addr := strings.ToUpper(r.URL.Query().Get("address"))

		var matches []map[string]any
		if !strings.Contains(addr, "BOX") {
			matches = append(matches, map[string]any{
				"matchedAddress": addr,
				"coordinates":    map[string]float64{"x": -98.2300, "y": 26.2034},
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"result": map[string]any{"addressMatches": matches},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func writeRoll(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const hidalgoRoll = `VUID,ADDRESS,PRECINCT,BALLOT STYLE,LASTNAME,FIRSTNAME
1000000001,"100 Main St, McAllen, TX 78501",101,REP 1,Garza,Ana
1000000002,"100 Main St, McAllen, TX 78501",101,REP 1,Garza,Luis
1000000003,"PO Box 99, McAllen, TX 78501",102,REP 2,Lopez,Eva
`
