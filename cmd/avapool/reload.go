package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vyrodovalexey/avapool/internal/audit"
	"github.com/vyrodovalexey/avapool/internal/config"
	"github.com/vyrodovalexey/avapool/internal/metrics"
	"github.com/vyrodovalexey/avapool/internal/observability"
)

// reloadActor is recorded on notifications and audit events caused by a
// configuration reload.
const reloadActor = "config-reload"

// reloadMetrics holds Prometheus metrics for configuration reloads.
type reloadMetrics struct {
	reloadTotal          *prometheus.CounterVec
	reloadDuration       prometheus.Histogram
	reloadLastSuccess    prometheus.Gauge
	watcherStatus        prometheus.Gauge
	reloadComponentTotal *prometheus.CounterVec
}

// newReloadMetrics creates reload metrics on the daemon registry.
func newReloadMetrics(m *metrics.Metrics) *reloadMetrics {
	rm := &reloadMetrics{
		reloadTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "avapool",
				Name:      "config_reload_total",
				Help:      "Total number of configuration reloads",
			},
			[]string{"result"},
		),
		reloadDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "avapool",
				Name:      "config_reload_duration_seconds",
				Help:      "Duration of configuration reload operations",
				Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1},
			},
		),
		reloadLastSuccess: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "avapool",
				Name:      "config_reload_last_success_timestamp",
				Help:      "Timestamp of last successful config reload",
			},
		),
		watcherStatus: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "avapool",
				Name:      "config_watcher_running",
				Help:      "Whether the config file watcher is running (1=running, 0=stopped)",
			},
		),
		reloadComponentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "avapool",
				Name:      "config_reload_component_total",
				Help:      "Total number of component reload operations by component and result",
			},
			[]string{"component", "result"},
		),
	}

	m.Registerer().MustRegister(
		rm.reloadTotal,
		rm.reloadDuration,
		rm.reloadLastSuccess,
		rm.watcherStatus,
		rm.reloadComponentTotal,
	)
	return rm
}

// startConfigWatcher starts the configuration watcher. A watcher that
// cannot be created is logged and the daemon runs without hot reload.
func startConfigWatcher(
	ctx context.Context,
	app *application,
	configPath string,
	logger observability.Logger,
) *config.Watcher {
	watcher, err := config.NewWatcher(configPath, func(_, next *config.Config, _ []string) {
		reloadComponents(ctx, app, next)
	},
		config.WithLogger(logger),
		config.WithErrorCallback(func(error) {
			app.reloadMetrics.reloadTotal.WithLabelValues("rejected").Inc()
		}),
	)
	if err != nil {
		logger.Warn("failed to create config watcher", observability.Error(err))
		app.reloadMetrics.watcherStatus.Set(0)
		return nil
	}

	if err := watcher.Start(ctx); err != nil {
		logger.Warn("failed to start config watcher", observability.Error(err))
		app.reloadMetrics.watcherStatus.Set(0)
		return watcher
	}

	app.reloadMetrics.watcherStatus.Set(1)
	return watcher
}

// reloadComponents applies a validated configuration to the running
// daemon. Pool settings are patched with what changed in the file, so
// values changed through the admin API survive a reload that does not
// touch them. The listener, the source, the probe and tracing are
// fixed at startup; changes to them are logged and need a restart.
func reloadComponents(ctx context.Context, app *application, newCfg *config.Config) {
	app.reloadMu.Lock()
	defer app.reloadMu.Unlock()

	start := time.Now()
	rm := app.reloadMetrics
	logger := app.logger
	oldCfg := app.config
	ctx = observability.ContextWithActor(ctx, reloadActor)

	var changed []string
	result := "success"
	component := func(name string, err error) {
		if err != nil {
			logger.Error("failed to reload "+name, observability.Error(err))
			rm.reloadComponentTotal.WithLabelValues(name, "error").Inc()
			result = "error"
			return
		}
		rm.reloadComponentTotal.WithLabelValues(name, "success").Inc()
		changed = append(changed, name)
	}

	if !app.levelPinned && newCfg.Logging.Level != oldCfg.Logging.Level {
		component("logging", logger.SetLevel(newCfg.Logging.Level))
	}

	if patch := config.Diff(oldCfg.Pool, newCfg.Pool); !patch.IsEmpty() {
		_, err := app.pool.UpdateConfig(ctx, patch)
		component("pool", err)
	}

	if app.static != nil && config.SectionChanged(oldCfg.Servers, newCfg.Servers) {
		app.static.Update(newCfg.Servers)
		res, err := app.pool.Reconcile(ctx, newCfg.Servers)
		logger.Info("servers reconciled",
			observability.Int("added", len(res.Added)),
			observability.Int("updated", len(res.Updated)),
			observability.Int("removed", len(res.Removed)),
		)
		component("servers", err)
	}

	if config.SectionChanged(oldCfg.Audit, newCfg.Audit) {
		component("audit", reloadAuditLogger(app, newCfg.Audit))
	}

	warnRestartRequired(logger, oldCfg, newCfg)

	app.auditLogger.LogEvent(ctx, audit.NewEvent(audit.ActionConfigReload, reloadActor).
		WithResource(audit.ResourcePool, "").
		WithOutcome(outcomeFor(result)).
		WithDetails(map[string]interface{}{"components": changed}))

	app.config = newCfg

	rm.reloadTotal.WithLabelValues(result).Inc()
	rm.reloadDuration.Observe(time.Since(start).Seconds())
	if result == "success" {
		rm.reloadLastSuccess.SetToCurrentTime()
	}

	logger.Info("configuration reload finished",
		observability.String("result", result),
		observability.Any("components", changed),
	)
}

func outcomeFor(result string) audit.Outcome {
	if result == "success" {
		return audit.OutcomeSuccess
	}
	return audit.OutcomeFailure
}

// reloadAuditLogger swaps in a sink built from cfg and closes the old
// one. On error the current sink stays in place.
func reloadAuditLogger(app *application, cfg config.AuditConfig) error {
	sink, err := newAuditSink(cfg, app.logger, app.metrics)
	if err != nil {
		return err
	}
	old := app.auditLogger.Swap(sink)
	if old != nil {
		if err := old.Close(); err != nil {
			app.logger.Warn("failed to close previous audit logger", observability.Error(err))
		}
	}
	return nil
}

// warnRestartRequired logs sections that are not hot-reloaded.
func warnRestartRequired(logger observability.Logger, oldCfg, newCfg *config.Config) {
	sections := []struct {
		name     string
		old, new interface{}
	}{
		{"admin", oldCfg.Admin, newCfg.Admin},
		{"metrics", oldCfg.Metrics, newCfg.Metrics},
		{"tracing", oldCfg.Tracing, newCfg.Tracing},
		{"probe", oldCfg.Probe, newCfg.Probe},
		{"source", oldCfg.Source, newCfg.Source},
		{"logging.format", oldCfg.Logging.Format, newCfg.Logging.Format},
		{"logging.output", oldCfg.Logging.Output, newCfg.Logging.Output},
	}
	for _, s := range sections {
		if config.SectionChanged(s.old, s.new) {
			logger.Warn("configuration section changed but is NOT hot-reloaded; restart to apply",
				observability.String("section", s.name),
			)
		}
	}
}
