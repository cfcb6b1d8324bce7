package pipeline

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/votermap/internal/model"
	"github.com/sells-group/votermap/pkg/geocode"
)

// outcome is a row's geocoding result: exactly one of res and err is set.
type outcome struct {
	res *geocode.Result
	err error
}

// geocode resolves each distinct normalized address once and fans the
// result out to every row sharing it. Rows after the first in a group
// count as cache hits; the first counts as one only when the engine
// answered from its cache. It returns per-row outcomes in row order and
// the number of distinct addresses that missed the cache.
func (r *run) geocode(ctx context.Context, rows []row) ([]outcome, int, error) {
	groups := make(map[string][]int)
	var order []string
	for i, rw := range rows {
		key := rw.Norm.Value
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], i)
	}

	outcomes := make([]outcome, len(rows))
	fresh := make([]bool, len(order))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.p.opts.Workers)

	for gi, key := range order {
		members := groups[key]
		g.Go(func() error {
			res, err := r.p.engine.Resolve(gctx, key)
			if err != nil && gctx.Err() != nil {
				return gctx.Err()
			}

			for _, idx := range members {
				if err != nil {
					outcomes[idx] = outcome{err: err}
				} else {
					outcomes[idx] = outcome{res: res}
				}
			}

			hits := len(members) - 1
			if err == nil && res.Source == geocode.SourceCache {
				hits++
			}
			fresh[gi] = err != nil || res.Source != geocode.SourceCache

			if err != nil {
				r.log.Debug("pipeline: address not resolved",
					zap.String("address", key),
					zap.Int("rows", len(members)),
					zap.Error(err),
				)
			}

			n := len(members)
			r.rep.Update(ctx, func(j *model.Job) {
				j.ProcessedRecords += n
				j.CacheHits += hits
				if err == nil {
					j.GeocodedCount += n
				} else {
					j.FailedCount += n
				}
			})
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	var apiCalls int
	for _, f := range fresh {
		if f {
			apiCalls++
		}
	}
	return outcomes, apiCalls, nil
}
