package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/votermap/internal/dataset"
	"github.com/sells-group/votermap/internal/model"
	"github.com/sells-group/votermap/internal/scheduler"
)

// recordingQueue is an enqueuer that keeps what it was given.
type recordingQueue struct {
	mu   sync.Mutex
	reqs []scheduler.Request
}

func (q *recordingQueue) Enqueue(_ context.Context, req scheduler.Request) (*model.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reqs = append(q.reqs, req)
	return &model.Job{
		ID:         "job-" + req.OriginalFilename,
		Seq:        int64(len(q.reqs)),
		SourceFile: req.SourceFile,
		Election:   req.Election,
		Status:     model.JobQueued,
	}, nil
}

var hidalgoPrimary = model.Election{
	County:       "Hidalgo",
	Year:         "2024",
	ElectionType: "primary",
	ElectionDate: "2024-03-05",
	VotingMethod: "early-voting",
	PrimaryParty: "republican",
}

// publishDataset writes a metadata file plus one map file into dir.
func publishDataset(t *testing.T, dir, jobID string, el model.Election) model.DatasetMetadata {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))

	stem := el.County + "_" + el.Year + "_" + jobID
	mapName := "map_data_" + stem + ".json"
	metaName := "metadata_" + stem + ".json"
	require.NoError(t, os.WriteFile(filepath.Join(dir, mapName), []byte(`{"type":"FeatureCollection","features":[]}`), 0o644))

	meta := model.DatasetMetadata{
		JobID:       jobID,
		Election:    el,
		LastUpdated: time.Date(2024, 3, 6, 9, 0, 0, 0, time.UTC),
		Files:       []string{mapName, metaName},
	}
	data, err := json.Marshal(meta)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, metaName), data, 0o644))
	return meta
}

func TestIntake_DuplicateUpload(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name        string
		action      model.DuplicateAction
		wantSkipped bool
		wantRemoved int
		wantLeft    int
	}{
		{name: "skip", action: model.DuplicateSkip, wantSkipped: true, wantLeft: 1},
		{name: "replace", action: model.DuplicateReplace, wantRemoved: 1, wantLeft: 0},
		{name: "ignore", action: model.DuplicateIgnore, wantLeft: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			public := t.TempDir()
			publishDataset(t, public, "aaaaaaaa-existing", hidalgoPrimary)

			catalog := dataset.NewCatalog(public)
			q := &recordingQueue{}

			res, err := intake(ctx, dataset.NewDetector(catalog), q, intakeRequest{
				SourceFile:       "/uploads/20240306_090000_hidalgo.csv",
				OriginalFilename: "hidalgo.csv",
				Election:         hidalgoPrimary,
				OnDuplicate:      tt.action,
			})
			require.NoError(t, err)

			assert.Len(t, res.Duplicates, 1)
			assert.Equal(t, tt.wantSkipped, res.Skipped)
			assert.Len(t, res.Removed, tt.wantRemoved)
			if tt.wantSkipped {
				assert.Nil(t, res.Job)
				assert.Empty(t, q.reqs)
			} else {
				require.NotNil(t, res.Job)
				require.Len(t, q.reqs, 1)
				assert.Equal(t, hidalgoPrimary, q.reqs[0].Election)
			}

			left, err := catalog.List()
			require.NoError(t, err)
			assert.Len(t, left, tt.wantLeft)
		})
	}
}

func TestIntake_DifferentElectionProceeds(t *testing.T) {
	public := t.TempDir()
	publishDataset(t, public, "aaaaaaaa-existing", hidalgoPrimary)

	runoff := hidalgoPrimary
	runoff.ElectionType = "runoff"
	runoff.ElectionDate = "2024-05-28"

	q := &recordingQueue{}
	res, err := intake(context.Background(), dataset.NewDetector(dataset.NewCatalog(public)), q, intakeRequest{
		SourceFile:       "/uploads/runoff.csv",
		OriginalFilename: "runoff.csv",
		Election:         runoff,
		OnDuplicate:      model.DuplicateSkip,
	})
	require.NoError(t, err)
	assert.Empty(t, res.Duplicates)
	assert.False(t, res.Skipped)
	require.Len(t, q.reqs, 1)
}

func TestIntake_StagesOnlyWhenQueued(t *testing.T) {
	src := writeRoll(t, t.TempDir(), "Hidalgo_2024.csv", hidalgoRoll)
	received := time.Date(2024, 3, 6, 9, 30, 0, 0, time.UTC)

	public := t.TempDir()
	publishDataset(t, public, "aaaaaaaa-existing", hidalgoPrimary)
	det := dataset.NewDetector(dataset.NewCatalog(public))

	req := intakeRequest{
		SourceFile:       src,
		OriginalFilename: "Hidalgo_2024.csv",
		Election:         hidalgoPrimary,
		OnDuplicate:      model.DuplicateSkip,
		UploadDir:        filepath.Join(t.TempDir(), "uploads"),
		ReceivedAt:       received,
	}

	q := &recordingQueue{}
	res, err := intake(context.Background(), det, q, req)
	require.NoError(t, err)
	require.True(t, res.Skipped)
	_, err = os.Stat(req.UploadDir)
	assert.True(t, os.IsNotExist(err), "a skipped upload leaves nothing in the upload dir")

	req.OnDuplicate = model.DuplicateIgnore
	res, err = intake(context.Background(), det, q, req)
	require.NoError(t, err)
	require.NotNil(t, res.Job)

	staged := filepath.Join(req.UploadDir, "20240306_093000_Hidalgo_2024.csv")
	assert.Equal(t, staged, res.Job.SourceFile)
	entries, err := os.ReadDir(req.UploadDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestElectionFlags_FillFromFilename(t *testing.T) {
	now := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)

	f := electionFlags{Type: "Primary", Party: "Republican", Date: "2024-03-05", Method: "early-voting"}
	el := f.election("Hidalgo_2024_roster.csv", now)
	assert.Equal(t, "Hidalgo", el.County)
	assert.Equal(t, "2024", el.Year)
	assert.Equal(t, "primary", el.ElectionType)
	assert.Equal(t, "republican", el.PrimaryParty)
	assert.Equal(t, "2024-03-05", el.ElectionDate)

	// Flags win over the file name, and a general election has no party.
	f = electionFlags{County: "Cameron", Type: "general", Party: "democratic"}
	el = f.election("Hidalgo_2024_roster.csv", now)
	assert.Equal(t, "Cameron", el.County)
	assert.Equal(t, "general", el.ElectionType)
	assert.Empty(t, el.PrimaryParty)
}

func TestStageUpload(t *testing.T) {
	src := writeRoll(t, t.TempDir(), "Hidalgo_2024.csv", hidalgoRoll)
	uploads := filepath.Join(t.TempDir(), "uploads")
	now := time.Date(2024, 3, 6, 9, 30, 0, 0, time.UTC)

	dst, err := stageUpload(src, uploads, now)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(uploads, "20240306_093000_Hidalgo_2024.csv"), dst)

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, hidalgoRoll, string(data))

	entries, err := os.ReadDir(uploads)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")

	_, err = stageUpload(filepath.Join(t.TempDir(), "missing.csv"), uploads, now)
	assert.Error(t, err)
}

func TestPrepareIntake_RejectsUnknownAction(t *testing.T) {
	setTestConfig(t, "")
	src := writeRoll(t, t.TempDir(), "Hidalgo_2024.csv", hidalgoRoll)

	_, err := prepareIntake(src, &electionFlags{OnDuplicate: "overwrite"}, time.Now())
	assert.Error(t, err)
}

func TestPrepareIntake_DoesNotStage(t *testing.T) {
	c := setTestConfig(t, "")
	src := writeRoll(t, t.TempDir(), "Hidalgo_2024.csv", hidalgoRoll)

	req, err := prepareIntake(src, &electionFlags{OnDuplicate: "skip"}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, src, req.SourceFile)
	assert.Equal(t, c.Paths.UploadDir, req.UploadDir)

	_, err = os.Stat(c.Paths.UploadDir)
	assert.True(t, os.IsNotExist(err))
}

func TestPrintIntake_Skipped(t *testing.T) {
	var buf bytes.Buffer
	printIntake(&buf, &intakeResult{
		Skipped:    true,
		Duplicates: []model.DatasetMetadata{{JobID: "aaaaaaaa-existing", Election: hidalgoPrimary}},
	})
	assert.Contains(t, buf.String(), "Hidalgo 2024 primary republican early-voting 2024-03-05")
	assert.Contains(t, buf.String(), "--on-duplicate")
}
