package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/votermap/pkg/geocode"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and maintain the geocode cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show the number of cached addresses",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		var n int
		if cfg.Cache.Backend == "file" {
			entries, err := geocode.NewFileBackend(cfg.Cache.File).LoadGeocodes(ctx)
			if err != nil {
				return eris.Wrap(err, "cache stats")
			}
			n = len(entries)
		} else {
			n, err = st.CountGeocodes(ctx)
			if err != nil {
				return eris.Wrap(err, "cache stats")
			}
		}
		fmt.Fprintf(os.Stdout, "Backend:\t%s\nEntries:\t%d\n", cfg.Cache.Backend, n)
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every cached geocode",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			return eris.New("cache clear: refusing without --yes")
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := cacheBackend(st).ClearGeocodes(ctx); err != nil {
			return eris.Wrap(err, "cache clear")
		}
		zap.L().Info("geocode cache cleared", zap.String("backend", cfg.Cache.Backend))
		return nil
	},
}

var cacheImportCmd = &cobra.Command{
	Use:   "import <file.json>",
	Short: "Load a JSON cache file into the store",
	Long:  "Imports a geocoding cache JSON file (current or legacy format) into the geocode_cache table. Existing entries are kept.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		f, err := os.Open(args[0])
		if err != nil {
			return eris.Wrap(err, "cache import")
		}
		defer f.Close() //nolint:errcheck

		entries, err := geocode.DecodeCacheFile(f)
		if err != nil {
			return eris.Wrap(err, "cache import")
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := st.ImportGeocodes(ctx, entries)
		if err != nil {
			return eris.Wrap(err, "cache import")
		}
		fmt.Fprintf(os.Stdout, "Imported %d of %d entries (%d already cached)\n", n, len(entries), int64(len(entries))-n)
		return nil
	},
}

var cacheExportCmd = &cobra.Command{
	Use:   "export <file.json>",
	Short: "Write the cache to a JSON file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		entries, err := cacheBackend(st).LoadGeocodes(ctx)
		if err != nil {
			return eris.Wrap(err, "cache export")
		}

		dst := args[0]
		tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*")
		if err != nil {
			return eris.Wrap(err, "cache export")
		}
		defer os.Remove(tmp.Name()) //nolint:errcheck

		if err := geocode.EncodeCacheFile(tmp, entries); err != nil {
			_ = tmp.Close()
			return eris.Wrap(err, "cache export")
		}
		if err := tmp.Close(); err != nil {
			return eris.Wrap(err, "cache export")
		}
		if err := os.Rename(tmp.Name(), dst); err != nil {
			return eris.Wrap(err, "cache export")
		}
		fmt.Fprintf(os.Stdout, "Exported %d entries to %s\n", len(entries), dst)
		return nil
	},
}

func init() {
	cacheClearCmd.Flags().Bool("yes", false, "confirm deleting every cached geocode")

	cacheCmd.AddCommand(cacheStatsCmd, cacheClearCmd, cacheImportCmd, cacheExportCmd)
	rootCmd.AddCommand(cacheCmd)
}
