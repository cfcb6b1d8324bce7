package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rotisserie/eris"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/votermap/internal/dataset"
	"github.com/sells-group/votermap/internal/model"
	"github.com/sells-group/votermap/internal/scheduler"
)

var processFlags electionFlags

var processCmd = &cobra.Command{
	Use:   "process <file>",
	Short: "Process one voter roll file in the foreground",
	Long:  "Queues the file like `enqueue`, then runs it in this process and waits for it to finish.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		req, err := prepareIntake(args[0], &processFlags, time.Now())
		if err != nil {
			return err
		}

		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		sched := env.Scheduler(false)
		sched.Start(runCtx)

		det := dataset.NewDetector(dataset.NewCatalog(cfg.Paths.PublicDir))
		res, err := intake(ctx, det, sched, req)
		if err != nil && (res == nil || res.Job == nil) {
			return eris.Wrap(err, "process")
		}
		if res.Skipped {
			printIntake(os.Stdout, res)
			return nil
		}
		for _, d := range res.Removed {
			zap.L().Info("replaced published dataset", zap.String("dataset", d.Label()))
		}

		job, err := watchJob(ctx, sched, res.Job.ID, os.Stderr)
		cancel()
		sched.Wait()
		if err != nil {
			return err
		}

		printJobSummary(os.Stdout, job)
		if job.Status == model.JobFailed {
			return eris.Errorf("job %s failed: %s", job.ID, job.Error)
		}
		return nil
	},
}

// watchJob polls the scheduler until the job reaches a terminal state,
// drawing a progress bar when stderr is a terminal.
func watchJob(ctx context.Context, sched *scheduler.Scheduler, id string, out *os.File) (*model.Job, error) {
	var bar *progressbar.ProgressBar
	tty := isatty.IsTerminal(out.Fd())

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		job, ok := sched.Get(id)
		if !ok {
			return nil, eris.Errorf("job %s disappeared", id)
		}

		if tty && job.TotalRecords > 0 {
			if bar == nil {
				bar = progressbar.NewOptions(job.TotalRecords,
					progressbar.OptionSetDescription("Geocoding "+job.County),
					progressbar.OptionSetWriter(out),
					progressbar.OptionShowCount(),
					progressbar.OptionClearOnFinish(),
				)
			}
			_ = bar.Set(job.ProcessedRecords)
		}

		if job.Status.Terminal() {
			if bar != nil {
				_ = bar.Finish()
			}
			return job, nil
		}

		select {
		case <-ctx.Done():
			return nil, eris.Wrap(ctx.Err(), "interrupted; the job resumes on the next `votermap run`")
		case <-ticker.C:
		}
	}
}

func printJobSummary(w io.Writer, j *model.Job) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "Job:\t%s\n", j.ID)
	_, _ = fmt.Fprintf(tw, "Status:\t%s\n", j.Status)
	_, _ = fmt.Fprintf(tw, "Election:\t%s\n", model.DatasetMetadata{Election: j.Election}.Label())
	_, _ = fmt.Fprintf(tw, "Records:\t%d\n", j.TotalRecords)
	_, _ = fmt.Fprintf(tw, "Geocoded:\t%d\n", j.GeocodedCount)
	_, _ = fmt.Fprintf(tw, "Failed:\t%d\n", j.FailedCount)
	_, _ = fmt.Fprintf(tw, "Cache hits:\t%d\n", j.CacheHits)
	if j.Error != "" {
		_, _ = fmt.Fprintf(tw, "Error:\t%s\n", j.Error)
	}
	for _, o := range j.Outputs {
		_, _ = fmt.Fprintf(tw, "Output:\t%s\n", o)
	}
	_ = tw.Flush()
}

func init() {
	processFlags.register(processCmd)
	rootCmd.AddCommand(processCmd)
}
