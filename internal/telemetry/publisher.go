package telemetry

import (
	"context"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"

	"github.com/blackwell-systems/iowatchdog/internal/perf"
)

// DefaultPublishInterval is how often the gauges are refreshed.
const DefaultPublishInterval = time.Hour

// Source provides the values published as gauges.
type Source interface {
	WeeklySummaries(ctx context.Context) ([]perf.WeeklySummary, error)
	DisabledPackages(ctx context.Context) (map[int][]string, error)
}

// Publisher periodically refreshes the gauges from a Source.
type Publisher struct {
	logger   slog.Logger
	clock    quartz.Clock
	source   Source
	metrics  *Metrics
	interval time.Duration
}

func NewPublisher(logger slog.Logger, clock quartz.Clock, source Source, metrics *Metrics, interval time.Duration) *Publisher {
	if interval <= 0 {
		interval = DefaultPublishInterval
	}
	return &Publisher{
		logger:   logger.Named("telemetry"),
		clock:    clock,
		source:   source,
		metrics:  metrics,
		interval: interval,
	}
}

// Run publishes once and then on every interval until ctx is done.
func (p *Publisher) Run(ctx context.Context) error {
	p.Publish(ctx)
	tkr := p.clock.TickerFunc(ctx, p.interval, func() error {
		p.Publish(ctx)
		return nil
	}, "telemetry", "publish")
	err := tkr.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Publish refreshes the gauges. Failures are logged and leave the previous
// values in place.
func (p *Publisher) Publish(ctx context.Context) {
	summaries, err := p.source.WeeklySummaries(ctx)
	if err != nil {
		p.logger.Warn(ctx, "failed to get weekly summaries", slog.Error(err))
	} else {
		p.metrics.SetWeeklySummaries(summaries)
	}

	disabled, err := p.source.DisabledPackages(ctx)
	if err != nil {
		p.logger.Warn(ctx, "failed to get disabled packages", slog.Error(err))
		return
	}
	p.metrics.SetDisabledPackages(disabled)
	p.logger.Debug(ctx, "published telemetry",
		slog.F("summaries", len(summaries)),
		slog.F("users_with_disabled_packages", len(disabled)),
	)
}
