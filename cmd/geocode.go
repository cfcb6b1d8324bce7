package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/votermap/pkg/geocode"
)

// geocodeOutput is one line of `votermap geocode` output.
type geocodeOutput struct {
	Address    string          `json:"address"`
	Normalized string          `json:"normalized"`
	Result     *geocode.Result `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	Providers  []string        `json:"providers_tried,omitempty"`
}

var geocodeCounty string

var geocodeCmd = &cobra.Command{
	Use:   "geocode <address>...",
	Short: "Resolve addresses through the cache and provider chain",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		norm := env.Normalizer.ForCounty(geocodeCounty)
		enc := json.NewEncoder(os.Stdout)
		for _, raw := range args {
			out := geocodeOutput{Address: raw, Normalized: norm.Key(raw)}
			res, err := env.Engine.Resolve(ctx, out.Normalized)
			if err != nil {
				out.Error = err.Error()
				if f, ok := geocode.AsResolutionFailure(err); ok {
					out.Providers = f.Providers()
				}
			} else {
				out.Result = res
			}
			if err := enc.Encode(out); err != nil {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}

		stats := env.Engine.Stats()
		zap.L().Debug("geocode stats",
			zap.Int64("cache_hits", stats.CacheHits),
			zap.Int64("api_calls", stats.APICalls()),
			zap.Int64("zip_fallbacks", stats.ZipFallbacks),
		)
		return nil
	},
}

func init() {
	geocodeCmd.Flags().StringVar(&geocodeCounty, "county", "", "county whose city and state defaults apply")
	rootCmd.AddCommand(geocodeCmd)
}
