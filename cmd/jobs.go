package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/votermap/internal/model"
	"github.com/sells-group/votermap/internal/scheduler"
	"github.com/sells-group/votermap/internal/store"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage processing jobs",
	Long:  "Commands for listing, viewing, summarizing, cancelling and pruning jobs.",
}

// -- jobs list --

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs in queue order",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		county, _ := cmd.Flags().GetString("county")
		limit, _ := cmd.Flags().GetInt("limit")

		jobs, err := st.ListJobs(ctx, store.JobFilter{
			Status: model.JobStatus(status),
			County: county,
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "jobs list")
		}

		if len(jobs) == 0 {
			fmt.Fprintln(os.Stderr, "No jobs found.")
			return nil
		}

		formatJobsList(os.Stdout, jobs)
		return nil
	},
}

// -- jobs show --

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show full details of a job, including its log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		job, err := st.GetJob(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "jobs show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	},
}

// -- jobs stats --

var jobsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate job statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		jobs, err := st.ListJobs(ctx, store.JobFilter{})
		if err != nil {
			return eris.Wrap(err, "jobs stats")
		}

		formatJobStats(os.Stdout, computeJobStats(jobs))
		return nil
	},
}

// -- jobs cancel --

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a job that has not started",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		job, err := scheduler.CancelStored(ctx, st, args[0], time.Now())
		if err != nil {
			return eris.Wrap(err, "jobs cancel")
		}
		fmt.Fprintf(os.Stdout, "Cancelled job %s (%s)\n", job.ID, job.OriginalFilename)
		return nil
	},
}

// -- jobs prune --

var jobsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete finished job records older than a cutoff",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		olderThan, _ := cmd.Flags().GetDuration("older-than")
		if olderThan <= 0 {
			return eris.New("jobs prune: --older-than must be positive")
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := st.PruneJobs(ctx, time.Now().Add(-olderThan))
		if err != nil {
			return eris.Wrap(err, "jobs prune")
		}
		fmt.Fprintf(os.Stdout, "Pruned %d job(s)\n", n)
		return nil
	},
}

func formatJobsList(out io.Writer, jobs []model.Job) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SEQ\tID\tCOUNTY\tELECTION\tSTATUS\tSTAGE\tPROGRESS\tCREATED")
	_, _ = fmt.Fprintln(w, "---\t--\t------\t--------\t------\t-----\t--------\t-------")

	for _, j := range jobs {
		id := j.ID
		if len(id) > 8 {
			id = id[:8]
		}
		election := j.Year + " " + j.ElectionType
		if j.PrimaryParty != "" {
			election += " " + j.PrimaryParty
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			j.Seq,
			id,
			j.County,
			election,
			j.Status,
			j.Stage,
			j.ProcessedRecords,
			j.TotalRecords,
			j.CreatedAt.Local().Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

type jobStats struct {
	Total      int
	ByStatus   map[model.JobStatus]int
	Records    int
	Geocoded   int
	Failed     int
	CacheHits  int
	AvgDurSecs float64
}

func computeJobStats(jobs []model.Job) jobStats {
	s := jobStats{Total: len(jobs), ByStatus: make(map[model.JobStatus]int)}
	var totalDur float64
	var finished int
	for _, j := range jobs {
		s.ByStatus[j.Status]++
		s.Records += j.TotalRecords
		s.Geocoded += j.GeocodedCount
		s.Failed += j.FailedCount
		s.CacheHits += j.CacheHits
		if j.Status == model.JobCompleted && j.StartedAt != nil && j.FinishedAt != nil {
			totalDur += j.FinishedAt.Sub(*j.StartedAt).Seconds()
			finished++
		}
	}
	if finished > 0 {
		s.AvgDurSecs = totalDur / float64(finished)
	}
	return s
}

func formatJobStats(out io.Writer, s jobStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total jobs:\t%d\n", s.Total)
	for _, st := range []model.JobStatus{model.JobQueued, model.JobRunning, model.JobCompleted, model.JobFailed} {
		_, _ = fmt.Fprintf(w, "  %s:\t%d\n", st, s.ByStatus[st])
	}
	_, _ = fmt.Fprintf(w, "Records:\t%d\n", s.Records)
	_, _ = fmt.Fprintf(w, "Geocoded:\t%d\n", s.Geocoded)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", s.Failed)
	_, _ = fmt.Fprintf(w, "Cache hits:\t%d\n", s.CacheHits)
	if s.AvgDurSecs > 0 {
		_, _ = fmt.Fprintf(w, "Avg duration:\t%.1fs\n", s.AvgDurSecs)
	}
	_ = w.Flush()
}

func init() {
	jobsListCmd.Flags().String("status", "", "filter by status (queued, running, completed, failed)")
	jobsListCmd.Flags().String("county", "", "filter by county")
	jobsListCmd.Flags().Int("limit", 50, "max jobs to show")

	jobsPruneCmd.Flags().Duration("older-than", 30*24*time.Hour, "delete finished jobs last updated before this long ago")

	jobsCmd.AddCommand(jobsListCmd, jobsShowCmd, jobsStatsCmd, jobsCancelCmd, jobsPruneCmd)
	rootCmd.AddCommand(jobsCmd)
}
