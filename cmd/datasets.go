package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/votermap/internal/dataset"
	"github.com/sells-group/votermap/internal/model"
)

var datasetsCmd = &cobra.Command{
	Use:   "datasets",
	Short: "Inspect published map datasets",
}

var datasetsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List published datasets",
	RunE: func(_ *cobra.Command, _ []string) error {
		metas, err := dataset.NewCatalog(cfg.Paths.PublicDir).List()
		if err != nil {
			return eris.Wrap(err, "datasets list")
		}
		if len(metas) == 0 {
			fmt.Fprintln(os.Stderr, "No datasets published.")
			return nil
		}
		formatDatasets(os.Stdout, metas)
		return nil
	},
}

var datasetsDeleteCmd = &cobra.Command{
	Use:   "delete <job-id>",
	Short: "Delete a published dataset by the id (or id prefix) of the job that built it",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		catalog := dataset.NewCatalog(cfg.Paths.PublicDir)
		metas, err := catalog.List()
		if err != nil {
			return eris.Wrap(err, "datasets delete")
		}

		meta, err := findDataset(metas, args[0])
		if err != nil {
			return err
		}
		if err := catalog.Delete(meta); err != nil {
			return eris.Wrap(err, "datasets delete")
		}
		fmt.Fprintf(os.Stdout, "Deleted %s (%d files)\n", meta.Label(), len(meta.Files))
		return nil
	},
}

// findDataset returns the one dataset whose job id starts with prefix.
func findDataset(metas []model.DatasetMetadata, prefix string) (model.DatasetMetadata, error) {
	var found []model.DatasetMetadata
	for _, m := range metas {
		if m.JobID != "" && strings.HasPrefix(m.JobID, prefix) {
			found = append(found, m)
		}
	}
	switch len(found) {
	case 0:
		return model.DatasetMetadata{}, eris.Errorf("no published dataset for job %q", prefix)
	case 1:
		return found[0], nil
	default:
		return model.DatasetMetadata{}, eris.Errorf("job prefix %q matches %d datasets", prefix, len(found))
	}
}

func formatDatasets(out io.Writer, metas []model.DatasetMetadata) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "JOB\tCOUNTY\tYEAR\tTYPE\tPARTY\tMETHOD\tDATE\tGEOCODED\tUPDATED")
	_, _ = fmt.Fprintln(w, "---\t------\t----\t----\t-----\t------\t----\t--------\t-------")
	for _, m := range metas {
		id := m.JobID
		if len(id) > 8 {
			id = id[:8]
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			id,
			m.County,
			m.Year,
			m.ElectionType,
			m.PrimaryParty,
			m.VotingMethod,
			m.ElectionDate,
			m.SuccessfullyGeocoded,
			m.TotalAddresses,
			m.LastUpdated.Local().Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

func init() {
	datasetsCmd.AddCommand(datasetsListCmd, datasetsDeleteCmd)
	rootCmd.AddCommand(datasetsCmd)
}
