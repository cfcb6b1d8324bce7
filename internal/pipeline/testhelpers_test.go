package pipeline

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/votermap/internal/address"
	"github.com/sells-group/votermap/internal/model"
	"github.com/sells-group/votermap/pkg/geocode"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// fakeProvider answers from a fixed table keyed by normalized address and
// returns ErrNoMatch for anything else.
type fakeProvider struct {
	answers map[string]geocode.Result
	delays  map[string]time.Duration

	mu    sync.Mutex
	calls map[string]int
}

func newFakeProvider(answers map[string]geocode.Result) *fakeProvider {
	return &fakeProvider{answers: answers, calls: make(map[string]int)}
}

func (f *fakeProvider) Name() string    { return "fake" }
func (f *fakeProvider) Available() bool { return true }

func (f *fakeProvider) Geocode(ctx context.Context, query string) (*geocode.Result, error) {
	f.mu.Lock()
	f.calls[query]++
	d := f.delays[query]
	f.mu.Unlock()

	if d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	r, ok := f.answers[query]
	if !ok {
		return nil, geocode.ErrNoMatch
	}
	r.Source = "fake"
	r.Provider = "fake"
	return &r, nil
}

func (f *fakeProvider) callsFor(query string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[query]
}

// recorder is an in-memory Reporter.
type recorder struct {
	mu      sync.Mutex
	job     *model.Job
	updates int
}

func (r *recorder) Update(_ context.Context, fn func(j *model.Job)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.job)
	r.updates++
}

func (r *recorder) snapshot() *model.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.job.Clone()
}

type testEnv struct {
	provider  *fakeProvider
	engine    *geocode.Engine
	processor *Processor
	dataDir   string
	publicDir string
}

func newTestEnv(t *testing.T, answers map[string]geocode.Result, opts ...geocode.EngineOption) *testEnv {
	t.Helper()
	root := t.TempDir()
	fp := newFakeProvider(answers)
	engine := geocode.NewEngine(
		geocode.NewChain(geocode.NewLink(fp, geocode.LinkOptions{})),
		geocode.NewCache(nil),
		opts...,
	)
	env := &testEnv{
		provider:  fp,
		engine:    engine,
		dataDir:   filepath.Join(root, "data"),
		publicDir: filepath.Join(root, "public"),
	}
	env.processor = New(engine, address.NewNormalizer(nil), Options{
		Workers:      4,
		H3Resolution: 9,
		DataDir:      env.dataDir,
		PublicDir:    env.publicDir,
	})
	return env
}

func writeCSV(t *testing.T, rows [][]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "roll.csv")
	f, err := os.Create(path)
	require.NoError(t, err)
	w := csv.NewWriter(f)
	require.NoError(t, w.WriteAll(rows))
	require.NoError(t, f.Close())
	return path
}

func newJob(path string) *model.Job {
	now := time.Now().UTC()
	return &model.Job{
		ID:               "3f2a9c1e-0000-4000-8000-000000000001",
		Seq:              1,
		SourceFile:       path,
		OriginalFilename: filepath.Base(path),
		Election: model.Election{
			County:       "Hidalgo",
			Year:         "2024",
			ElectionType: "primary",
			ElectionDate: "2024-03-05",
			VotingMethod: "early-voting",
			PrimaryParty: "republican",
		},
		Status:    model.JobRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

type featureDoc struct {
	Type     string `json:"type"`
	Features []struct {
		Geometry struct {
			Type        string    `json:"type"`
			Coordinates []float64 `json:"coordinates"`
		} `json:"geometry"`
		Properties map[string]any `json:"properties"`
	} `json:"features"`
}

func readFeatures(t *testing.T, path string) featureDoc {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc featureDoc
	require.NoError(t, json.Unmarshal(data, &doc))
	return doc
}

func readMetadata(t *testing.T, path string) model.DatasetMetadata {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var meta model.DatasetMetadata
	require.NoError(t, json.Unmarshal(data, &meta))
	return meta
}
