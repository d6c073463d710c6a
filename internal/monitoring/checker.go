package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/eventimport/internal/config"
)

const defaultCheckInterval = 5 * time.Minute

// Checker evaluates import health on an interval and notifies on alerts.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig
}

// NewChecker wires a collector and alerter under cfg.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{collector: collector, alerter: alerter, cfg: cfg}
}

// Run checks once per interval until ctx ends. Failed checks are logged and
// do not stop the loop.
func (c *Checker) Run(ctx context.Context) error {
	every := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if every <= 0 {
		every = defaultCheckInterval
	}
	log := zap.L().With(zap.String("component", "monitoring"))
	log.Info("monitoring: health checks started",
		zap.Duration("every", every),
		zap.Int("window_hours", c.cfg.LookbackWindowHours),
	)

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		if _, _, err := c.Check(ctx); err != nil && ctx.Err() == nil {
			log.Error("monitoring: health check failed", zap.Error(err))
		}
	}
}

// Check collects a snapshot, evaluates it and notifies the webhook. A
// notification failure is logged; the snapshot and alerts are still
// returned.
func (c *Checker) Check(ctx context.Context) (*MetricsSnapshot, []Alert, error) {
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		return nil, nil, err
	}

	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		return snap, nil, nil
	}
	for _, a := range alerts {
		zap.L().Warn("monitoring: alert raised",
			zap.String("type", string(a.Type)),
			zap.String("severity", a.Severity),
			zap.String("message", a.Message),
		)
	}
	if err := c.alerter.Notify(ctx, alerts); err != nil {
		zap.L().Error("monitoring: notify failed", zap.Error(err))
	}
	return snap, alerts, nil
}
