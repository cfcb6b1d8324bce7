package monitoring

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/votermap/internal/config"
)

// Checker evaluates health on a ticker while the daemon watches the queue.
// An alert is posted when it starts firing and again only after it has
// cleared, so a stalled queue does not page every interval.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig

	mu     sync.Mutex
	firing map[AlertType]bool
}

// NewChecker creates a background alert checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		firing:    make(map[AlertType]bool),
	}
}

// Run checks once immediately, then every interval until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring"))
	log.Info("health checks started",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
		zap.Bool("webhook", c.cfg.WebhookURL != ""),
	)

	if ctx.Err() == nil {
		c.Check(ctx)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("health checks stopped")
			return
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}

// Check collects one snapshot, logs every firing alert and posts the ones
// that were not already firing on the previous check. It returns the
// alerts that are firing now.
func (c *Checker) Check(ctx context.Context) []Alert {
	log := zap.L().With(zap.String("component", "monitoring"))

	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		log.Error("monitoring: collect metrics", zap.Error(err))
		return nil
	}

	alerts := c.alerter.Evaluate(snap)
	fresh := c.transition(alerts)

	for _, a := range alerts {
		log.Warn("health alert",
			zap.String("type", string(a.Type)),
			zap.String("severity", a.Severity),
			zap.String("message", a.Message),
		)
	}
	if len(alerts) == 0 {
		log.Debug("health ok",
			zap.Int("jobs_queued", snap.JobsQueued),
			zap.Int("jobs_running", snap.JobsRunning),
			zap.Float64("address_fail_rate", snap.AddressFailRate),
		)
	}

	if len(fresh) > 0 {
		sent := c.alerter.SendAlerts(ctx, fresh)
		log.Info("health alerts posted",
			zap.Int("new", len(fresh)),
			zap.Int("sent", sent),
		)
	}
	return alerts
}

// transition records which alert types are firing and returns the ones
// that were not firing before.
func (c *Checker) transition(alerts []Alert) []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := make(map[AlertType]bool, len(alerts))
	var fresh []Alert
	for _, a := range alerts {
		now[a.Type] = true
		if !c.firing[a.Type] {
			fresh = append(fresh, a)
		}
	}
	c.firing = now
	return fresh
}
