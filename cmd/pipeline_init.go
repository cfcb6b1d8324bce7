package main

import (
	"context"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/location"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/votermap/internal/address"
	"github.com/sells-group/votermap/internal/config"
	"github.com/sells-group/votermap/internal/pipeline"
	"github.com/sells-group/votermap/internal/resilience"
	"github.com/sells-group/votermap/internal/scheduler"
	"github.com/sells-group/votermap/internal/store"
	"github.com/sells-group/votermap/pkg/geocode"
)

// pipelineEnv holds the store, the shared geocoding engine and the
// processor needed by the enqueue/process/run/geocode commands.
type pipelineEnv struct {
	Store      store.Store
	Normalizer *address.Normalizer
	Engine     *geocode.Engine
	Processor  *pipeline.Processor
}

// Close releases resources held by the environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// Scheduler builds a scheduler over the environment's store and processor.
func (pe *pipelineEnv) Scheduler(watch bool) *scheduler.Scheduler {
	return scheduler.New(pe.Store, pe.Processor, schedulerOptions(cfg.Scheduler, watch))
}

func schedulerOptions(c config.SchedulerConfig, watch bool) scheduler.Options {
	return scheduler.Options{
		MaxConcurrentJobs: c.MaxConcurrentJobs,
		PollInterval:      time.Duration(c.PollIntervalSecs) * time.Second,
		Recovery:          scheduler.RecoveryMode(c.Recovery),
		Watch:             watch,
	}
}

// initPipeline opens the store, loads the geocode cache and builds the
// provider chain, engine and processor. Callers should defer env.Close().
func initPipeline(ctx context.Context) (*pipelineEnv, error) {
	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	normalizer, err := initNormalizer(cfg.Address)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	chain := buildChain(ctx, cfg.Geocode, tigerQuerier(st), nil)
	if chain.Len() == 0 {
		_ = st.Close()
		return nil, eris.New("no geocoding provider is enabled (check geocode.order and provider settings)")
	}

	zipLocator, err := buildZipLocator(cfg.Geocode.Zip, chain, normalizer.State())
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	cache := geocode.NewCache(cacheBackend(st))
	loaded := cache.Load(ctx)
	zap.L().Info("geocode cache loaded",
		zap.String("backend", cfg.Cache.Backend),
		zap.Int("entries", loaded),
	)

	opts := []geocode.EngineOption{geocode.WithNormalizer(normalizer)}
	if zipLocator != nil {
		opts = append(opts, geocode.WithZipLocator(zipLocator))
	}
	engine := geocode.NewEngine(chain, cache, opts...)

	proc := pipeline.New(engine, normalizer, pipeline.Options{
		RequiredColumns: cfg.Output.RequiredColumns,
		Workers:         cfg.Geocode.WorkersPerJob,
		H3Resolution:    cfg.Output.H3Resolution,
		DataDir:         cfg.Paths.DataDir,
		PublicDir:       cfg.Paths.PublicDir,
	})

	return &pipelineEnv{
		Store:      st,
		Normalizer: normalizer,
		Engine:     engine,
		Processor:  proc,
	}, nil
}

func initNormalizer(c config.AddressConfig) (*address.Normalizer, error) {
	table := address.DefaultTable()
	if c.CountyTable != "" {
		t, err := address.LoadTable(c.CountyTable)
		if err != nil {
			return nil, eris.Wrap(err, "load county table")
		}
		table = t
	}
	return address.NewNormalizer(table), nil
}

// cacheBackend returns where resolved geocodes persist.
func cacheBackend(st store.Store) geocode.CacheBackend {
	if cfg.Cache.Backend == "file" {
		return geocode.NewFileBackend(cfg.Cache.File)
	}
	return st
}

// tigerQuerier returns the Postgres pool for the TIGER provider, or a nil
// interface when the store is not Postgres.
func tigerQuerier(st store.Store) geocode.RowQuerier {
	if ps, ok := st.(*store.PostgresStore); ok {
		return ps.Pool()
	}
	return nil
}

// buildChain assembles the provider chain in configured order. Disabled
// and unavailable providers are left out. A nil client uses one with the
// configured timeout.
func buildChain(ctx context.Context, c config.GeocodeConfig, tiger geocode.RowQuerier, client *http.Client) *geocode.Chain {
	timeout := time.Duration(c.TimeoutSecs) * time.Second
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	retry := resilience.NewRetryPolicy(
		c.Retry.MaxAttempts,
		c.Retry.InitialBackoffMs,
		c.Retry.MaxBackoffMs,
		c.Retry.Multiplier,
		c.Retry.JitterFraction,
	)

	var links []*geocode.Link
	for _, name := range c.Order {
		var (
			p       geocode.Provider
			limiter geocode.Limiter
		)
		switch name {
		case "aws":
			if !c.AWS.Enabled {
				continue
			}
			p = geocode.NewAWSLocation(awsPlaceSearcher(ctx, c.AWS, client), c.AWS.PlaceIndex)
			limiter = geocode.NewRateLimiter(c.AWS.RPS)
		case "google":
			if !c.Google.Enabled {
				continue
			}
			p = geocode.NewGoogle(c.Google.Key, geocode.WithBaseURL(c.Google.BaseURL), geocode.WithHTTPClient(client))
			limiter = geocode.NewRateLimiter(c.Google.RPS)
		case "census":
			if !c.Census.Enabled {
				continue
			}
			p = geocode.NewCensus(geocode.WithBaseURL(c.Census.BaseURL), geocode.WithHTTPClient(client))
			limiter = geocode.NewRateLimiter(c.Census.RPS)
		case "tiger":
			if !c.Tiger.Enabled {
				continue
			}
			p = geocode.NewTiger(tiger, c.Tiger.MaxRating)
		case "photon":
			if !c.Photon.Enabled {
				continue
			}
			p = geocode.NewPhoton(geocode.WithBaseURL(c.Photon.BaseURL), geocode.WithHTTPClient(client))
			limiter = geocode.NewRateLimiter(c.Photon.RPS)
		case "nominatim":
			if !c.Nominatim.Enabled {
				continue
			}
			p = geocode.NewNominatim(c.Nominatim.UserAgent, geocode.WithBaseURL(c.Nominatim.BaseURL), geocode.WithHTTPClient(client))
			limiter = geocode.NewIntervalLimiter(time.Duration(c.Nominatim.MinIntervalMs) * time.Millisecond)
		default:
			zap.L().Warn("unknown geocode provider in geocode.order", zap.String("provider", name))
			continue
		}

		if !p.Available() {
			zap.L().Info("geocode provider unavailable, skipping", zap.String("provider", name))
			continue
		}

		links = append(links, geocode.NewLink(p, geocode.LinkOptions{
			Limiter: limiter,
			Retry:   retry,
			Breaker: resilience.NewBreaker(resilience.NewBreakerConfig(c.Circuit.FailureThreshold, c.Circuit.ResetTimeoutSecs)),
			Timeout: timeout,
		}))
		zap.L().Debug("geocode provider enabled", zap.String("provider", name))
	}
	return geocode.NewChain(links...)
}

// awsPlaceSearcher builds an Amazon Location client, or returns nil when
// no place index is configured or the AWS config cannot be loaded. The SDK
// retryer is disabled since the chain link already retries.
func awsPlaceSearcher(ctx context.Context, c config.AWSConfig, client *http.Client) geocode.PlaceSearcher {
	if c.PlaceIndex == "" {
		return nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(c.Region))
	if err != nil {
		zap.L().Warn("aws config unavailable, skipping aws provider", zap.Error(err))
		return nil
	}
	return location.NewFromConfig(awsCfg, func(o *location.Options) {
		o.HTTPClient = client
		o.RetryMaxAttempts = 1
		if c.BaseURL != "" {
			o.BaseEndpoint = aws.String(c.BaseURL)
		}
	})
}

// buildZipLocator returns the ZIP centroid fallback: local centroid
// tables first, then the provider chain itself.
func buildZipLocator(c config.ZipConfig, chain *geocode.Chain, state string) (geocode.ZipLocator, error) {
	if !c.Enabled {
		return nil, nil
	}

	var locators geocode.MultiZipLocator
	if c.Shapefile != "" {
		t, err := geocode.LoadZCTAShapefile(c.Shapefile)
		if err != nil {
			return nil, eris.Wrap(err, "load ZCTA shapefile")
		}
		zap.L().Info("zip centroids loaded", zap.String("source", c.Shapefile), zap.Int("zips", len(t)))
		locators = append(locators, t)
	}
	if c.Table != "" {
		t, err := geocode.LoadCentroidYAML(c.Table)
		if err != nil {
			return nil, eris.Wrap(err, "load zip centroid table")
		}
		zap.L().Info("zip centroids loaded", zap.String("source", c.Table), zap.Int("zips", len(t)))
		locators = append(locators, t)
	}
	locators = append(locators, geocode.NewChainZipLocator(chain, state))
	return locators, nil
}
