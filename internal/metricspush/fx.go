package metricspush

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/lemonsync/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("metrics.push",
	fx.Provide(NewCollector),
	fx.Provide(NewPusher),
	fx.Invoke(startWorker),
)

func startWorker(lc fx.Lifecycle, cfg config.Config, collector *Collector, pusher Pusher, log *zap.Logger) {
	if pusher == nil {
		return
	}
	interval := cfg.MetricsPush.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	gatherer := prometheus.Gatherers{collector.Registry(), prometheus.DefaultGatherer}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			log.Info("starting metrics push worker",
				zap.String("exporter", cfg.MetricsPush.Exporter),
				zap.Duration("interval", interval),
			)
			go func() {
				defer close(done)
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for {
					pushOnce(ctx, collector, pusher, gatherer, log)
					select {
					case <-ticker.C:
					case <-ctx.Done():
						return
					}
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return nil
		},
	})
}

func pushOnce(ctx context.Context, collector *Collector, pusher Pusher, gatherer prometheus.Gatherer, log *zap.Logger) {
	collector.Refresh(ctx)
	pushCtx, cancel := context.WithTimeout(ctx, defaultPushTimeout)
	defer cancel()
	if err := pusher.Push(pushCtx, gatherer); err != nil && ctx.Err() == nil {
		log.Warn("metrics push failed", zap.Error(err))
	}
}
