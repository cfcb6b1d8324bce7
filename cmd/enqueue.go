package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/votermap/internal/dataset"
	"github.com/sells-group/votermap/internal/model"
	"github.com/sells-group/votermap/internal/rollfile"
	"github.com/sells-group/votermap/internal/scheduler"
)

// electionFlags are the upload form fields. Empty values are filled from
// the file name.
type electionFlags struct {
	County      string
	Year        string
	Type        string
	Date        string
	Method      string
	Party       string
	OnDuplicate string
}

func (f *electionFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.County, "county", "", "county name (default: parsed from file name)")
	cmd.Flags().StringVar(&f.Year, "year", "", "election year (default: parsed from file name)")
	cmd.Flags().StringVar(&f.Type, "type", "", "election type: primary, general, runoff, special")
	cmd.Flags().StringVar(&f.Date, "date", "", "election date, YYYY-MM-DD")
	cmd.Flags().StringVar(&f.Method, "method", "", "voting method: early-voting or election-day")
	cmd.Flags().StringVar(&f.Party, "party", "", "primary party: democratic or republican")
	cmd.Flags().StringVar(&f.OnDuplicate, "on-duplicate", string(model.DuplicateSkip), "when a matching dataset is published: skip, replace or ignore")
}

// election merges the flags over what the file name says.
func (f *electionFlags) election(filename string, now time.Time) model.Election {
	el := rollfile.ParseFilename(filename, now).Election()
	if f.County != "" {
		el.County = f.County
	}
	if f.Year != "" {
		el.Year = f.Year
	}
	if f.Type != "" {
		el.ElectionType = strings.ToLower(f.Type)
	}
	if f.Date != "" {
		el.ElectionDate = f.Date
	}
	if f.Method != "" {
		el.VotingMethod = strings.ToLower(f.Method)
	}
	if f.Party != "" {
		el.PrimaryParty = strings.ToLower(f.Party)
	}
	if el.ElectionType != "primary" && el.ElectionType != "runoff" {
		el.PrimaryParty = ""
	}
	return el
}

// enqueuer is the slice of the scheduler intake needs.
type enqueuer interface {
	Enqueue(ctx context.Context, req scheduler.Request) (*model.Job, error)
}

// intakeRequest is one upload awaiting duplicate resolution. SourceFile
// is the caller's file; it is copied into UploadDir only once the upload
// is going to be queued. An empty UploadDir queues SourceFile as is.
type intakeRequest struct {
	SourceFile       string
	OriginalFilename string
	Election         model.Election
	OnDuplicate      model.DuplicateAction
	UploadDir        string
	ReceivedAt       time.Time
}

// intakeResult reports what intake did.
type intakeResult struct {
	Job        *model.Job              `json:"job,omitempty"`
	Skipped    bool                    `json:"skipped"`
	Duplicates []model.DatasetMetadata `json:"duplicates,omitempty"`
	Removed    []model.DatasetMetadata `json:"removed,omitempty"`
}

// intake resolves duplicates against the published datasets, then stages
// the upload and queues the job unless the upload was skipped.
func intake(ctx context.Context, det *dataset.Detector, q enqueuer, req intakeRequest) (*intakeResult, error) {
	candidate := model.DatasetMetadata{
		Election:         req.Election,
		OriginalFilename: req.OriginalFilename,
	}

	resolution, err := det.Apply(ctx, candidate, req.OnDuplicate)
	if err != nil {
		return nil, err
	}

	res := &intakeResult{Duplicates: resolution.Duplicates, Removed: resolution.Removed}
	if !resolution.Proceed {
		res.Skipped = true
		zap.L().Info("upload skipped: dataset already published",
			zap.String("file", req.OriginalFilename),
			zap.String("election", candidate.Label()),
		)
		return res, nil
	}

	source := req.SourceFile
	if req.UploadDir != "" {
		received := req.ReceivedAt
		if received.IsZero() {
			received = time.Now()
		}
		source, err = stageUpload(req.SourceFile, req.UploadDir, received)
		if err != nil {
			return nil, err
		}
	}

	job, err := q.Enqueue(ctx, scheduler.Request{
		SourceFile:       source,
		OriginalFilename: req.OriginalFilename,
		Election:         req.Election,
	})
	if err != nil {
		if job == nil {
			if source != req.SourceFile {
				_ = os.Remove(source)
			}
			return nil, err
		}
		// Queued in memory only; the caller decides whether that is enough.
		res.Job = job
		return res, err
	}
	res.Job = job
	return res, nil
}

// stageUpload copies src into the upload dir under a timestamped name so
// the job keeps reading the same bytes even if the original moves.
func stageUpload(src, dir string, now time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", eris.Wrapf(err, "create upload dir %s", dir)
	}
	in, err := os.Open(src)
	if err != nil {
		return "", eris.Wrapf(err, "open %s", src)
	}
	defer in.Close() //nolint:errcheck

	name := now.UTC().Format("20060102_150405") + "_" + filepath.Base(src)
	dst := filepath.Join(dir, name)
	tmp, err := os.CreateTemp(dir, "."+name+".*")
	if err != nil {
		return "", eris.Wrap(err, "create upload temp file")
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		return "", eris.Wrapf(err, "copy %s", src)
	}
	if err := tmp.Close(); err != nil {
		return "", eris.Wrap(err, "close upload temp file")
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", eris.Wrap(err, "move upload into place")
	}
	return dst, nil
}

// prepareIntake validates the file and flags. Staging into the upload dir
// is left to intake.
func prepareIntake(path string, flags *electionFlags, now time.Time) (intakeRequest, error) {
	action, err := model.ParseDuplicateAction(flags.OnDuplicate)
	if err != nil {
		return intakeRequest{}, err
	}
	if _, err := os.Stat(path); err != nil {
		return intakeRequest{}, eris.Wrapf(err, "roll file %s", path)
	}

	original := filepath.Base(path)
	return intakeRequest{
		SourceFile:       path,
		OriginalFilename: original,
		Election:         flags.election(original, now),
		OnDuplicate:      action,
		UploadDir:        cfg.Paths.UploadDir,
		ReceivedAt:       now,
	}, nil
}

var enqueueFlags electionFlags

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <file>",
	Short: "Queue a voter roll file for processing",
	Long:  "Resolves duplicates against published datasets, then stages a CSV or XLSX voter roll and queues a job for a running `votermap run --watch` daemon.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		req, err := prepareIntake(args[0], &enqueueFlags, time.Now())
		if err != nil {
			return err
		}

		// No runner: this process only records the job.
		q := scheduler.New(st, nil, schedulerOptions(cfg.Scheduler, false))
		det := dataset.NewDetector(dataset.NewCatalog(cfg.Paths.PublicDir))

		res, err := intake(ctx, det, q, req)
		if err != nil {
			return eris.Wrap(err, "enqueue")
		}
		printIntake(os.Stdout, res)
		return nil
	},
}

func printIntake(w io.Writer, res *intakeResult) {
	for _, d := range res.Removed {
		_, _ = fmt.Fprintf(w, "Replaced dataset: %s\n", d.Label())
	}
	if res.Skipped {
		for _, d := range res.Duplicates {
			_, _ = fmt.Fprintf(w, "Duplicate of published dataset: %s (job %s)\n", d.Label(), d.JobID)
		}
		_, _ = fmt.Fprintln(w, "Skipped; rerun with --on-duplicate replace or ignore to process anyway.")
		return
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(res.Job)
}

func init() {
	enqueueFlags.register(enqueueCmd)
	rootCmd.AddCommand(enqueueCmd)
}
