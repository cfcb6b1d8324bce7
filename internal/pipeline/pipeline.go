// Package pipeline runs one uploaded voter roll through the processing
// stages: validate, clean, geocode, generate and deploy.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/votermap/internal/address"
	"github.com/sells-group/votermap/internal/model"
	"github.com/sells-group/votermap/pkg/geocode"
)

// Reporter receives every change a run makes to its job record. The
// scheduler implements it by applying fn under its lock and persisting the
// result.
type Reporter interface {
	Update(ctx context.Context, fn func(j *model.Job))
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, fn func(j *model.Job))

// Update implements Reporter.
func (f ReporterFunc) Update(ctx context.Context, fn func(j *model.Job)) { f(ctx, fn) }

// Options configures a Processor.
type Options struct {
	// RequiredColumns must all appear in the header, matched
	// case-insensitively.
	RequiredColumns []string
	// Workers bounds concurrent Resolve calls within one job.
	Workers int
	// H3Resolution adds an h3_cell property to each feature; 0 disables it.
	H3Resolution int
	// DataDir receives staged outputs; PublicDir receives published ones.
	DataDir   string
	PublicDir string
}

// DefaultRequiredColumns are the columns every roll must carry.
var DefaultRequiredColumns = []string{"ADDRESS", "PRECINCT", "BALLOT STYLE"}

// Processor executes jobs. One Processor is shared by every worker.
type Processor struct {
	engine     *geocode.Engine
	normalizer *address.Normalizer
	opts       Options
	now        func() time.Time
}

// New creates a Processor over the shared engine. normalizer supplies the
// county table; each job uses normalizer.ForCounty(job.County).
func New(engine *geocode.Engine, normalizer *address.Normalizer, opts Options) *Processor {
	if len(opts.RequiredColumns) == 0 {
		opts.RequiredColumns = DefaultRequiredColumns
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if normalizer == nil {
		normalizer = address.NewNormalizer(nil)
	}
	return &Processor{
		engine:     engine,
		normalizer: normalizer,
		opts:       opts,
		now:        time.Now,
	}
}

// run carries the state of one execution.
type run struct {
	p   *Processor
	job *model.Job
	rep Reporter
	log *zap.Logger
}

// Run processes job from validation to deployment. A nil error means the
// dataset was published, even if some rows failed to geocode. A
// *ValidationError means the file was rejected before any geocoding.
// Progress and log messages flow through rep.
func (p *Processor) Run(ctx context.Context, job *model.Job, rep Reporter) error {
	if rep == nil {
		rep = ReporterFunc(func(_ context.Context, fn func(j *model.Job)) { fn(job) })
	}
	r := &run{
		p:   p,
		job: job.Clone(),
		rep: rep,
		log: zap.L().With(zap.String("job_id", job.ID), zap.String("county", job.County)),
	}

	start := p.now()
	r.log.Info("pipeline: starting job", zap.String("file", job.SourceFile))

	r.enter(ctx, model.StageValidate, fmt.Sprintf("Validating %s", displayName(job)))
	tbl, err := p.validate(job.SourceFile)
	if err != nil {
		r.logf(ctx, model.LogError, "Validation failed: %v", err)
		return err
	}

	r.enter(ctx, model.StageClean, "Cleaning addresses")
	rows := p.clean(tbl, p.normalizer.ForCounty(job.County))
	r.reportClean(ctx, rows)

	r.enter(ctx, model.StageGeocode, "Geocoding addresses")
	outcomes, apiCalls, err := r.geocode(ctx, rows)
	if err != nil {
		return eris.Wrap(err, "pipeline: geocode")
	}

	r.enter(ctx, model.StageGenerate, "Generating outputs")
	staged, err := r.generate(tbl, rows, outcomes, apiCalls)
	if err != nil {
		r.logf(ctx, model.LogError, "Output generation failed: %v", err)
		return err
	}

	r.enter(ctx, model.StageDeploy, "Publishing dataset")
	published, err := p.deploy(staged)
	if err != nil {
		r.logf(ctx, model.LogError, "Deploy failed: %v", err)
		return err
	}

	r.rep.Update(ctx, func(j *model.Job) {
		j.Outputs = published
	})

	var geocoded, failed int
	for _, o := range outcomes {
		if o.err == nil {
			geocoded++
		} else {
			failed++
		}
	}
	r.logf(ctx, model.LogInfo, "Completed: %d geocoded, %d failed", geocoded, failed)
	r.log.Info("pipeline: job complete",
		zap.Int("rows", len(rows)),
		zap.Int("geocoded", geocoded),
		zap.Int("failed", failed),
		zap.Int("api_calls", apiCalls),
		zap.Duration("elapsed", p.now().Sub(start)),
	)
	return nil
}

func (r *run) enter(ctx context.Context, stage model.Stage, msg string) {
	now := r.p.now()
	r.job.Stage = stage
	r.rep.Update(ctx, func(j *model.Job) {
		j.Stage = stage
		j.Log(model.LogInfo, msg, now)
	})
	r.log.Debug("pipeline: stage", zap.String("stage", string(stage)))
}

func (r *run) logf(ctx context.Context, level model.LogLevel, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	now := r.p.now()
	r.rep.Update(ctx, func(j *model.Job) {
		j.Log(level, msg, now)
	})
}

func displayName(job *model.Job) string {
	if job.OriginalFilename != "" {
		return job.OriginalFilename
	}
	return job.SourceFile
}
