package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/alanyoungcy/sentinel/internal/config"
	"github.com/alanyoungcy/sentinel/internal/domain"
	"github.com/alanyoungcy/sentinel/internal/metrics"
	"github.com/alanyoungcy/sentinel/internal/notify"
	"github.com/alanyoungcy/sentinel/internal/risk"
)

// RiskChannel is the EventBus channel snapshots are published on.
const RiskChannel = "sentinel:risk"

// MonitorOptions are the schedule and alert levels.
type MonitorOptions struct {
	Cron              string
	AlertHealthFactor float64
	AlertRiskScore    float64
}

// MonitorOptionsFromConfig maps the [monitor] config section.
func MonitorOptionsFromConfig(c config.MonitorConfig) MonitorOptions {
	return MonitorOptions{
		Cron:              c.Cron,
		AlertHealthFactor: c.AlertHealthFactor,
		AlertRiskScore:    c.AlertRiskScore,
	}
}

// MonitorService periodically re-scores every open position against live
// prices, stores the snapshot and alerts when a position crosses an alert
// level. An alert fires once per crossing and re-arms when the position
// recovers.
type MonitorService struct {
	positions domain.PositionStore
	snapshots domain.SnapshotStore
	prices    domain.PriceSource
	engine    *risk.Engine
	bus       domain.EventBus
	notifier  *notify.Notifier
	opts      MonitorOptions
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	alerted map[string]bool // "position|event"
}

// NewMonitorService creates a MonitorService. bus and notifier may be nil.
func NewMonitorService(
	positions domain.PositionStore,
	snapshots domain.SnapshotStore,
	prices domain.PriceSource,
	engine *risk.Engine,
	bus domain.EventBus,
	notifier *notify.Notifier,
	opts MonitorOptions,
	logger *slog.Logger,
) *MonitorService {
	if opts.Cron == "" {
		opts.Cron = "@every 1m"
	}
	return &MonitorService{
		positions: positions,
		snapshots: snapshots,
		prices:    prices,
		engine:    engine,
		bus:       bus,
		notifier:  notifier,
		opts:      opts,
		logger:    logger.With(slog.String("component", "monitor")),
		now:       time.Now,
		alerted:   make(map[string]bool),
	}
}

// Run snapshots on the cron schedule until ctx is done. Overlapping runs are
// skipped.
func (m *MonitorService) Run(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{m.logger})))
	if _, err := c.AddFunc(m.opts.Cron, func() {
		if _, err := m.SnapshotAll(ctx); err != nil {
			m.logger.ErrorContext(ctx, "snapshot run failed", slog.String("error", err.Error()))
		}
	}); err != nil {
		return fmt.Errorf("monitor: schedule %q: %w", m.opts.Cron, err)
	}

	m.logger.InfoContext(ctx, "monitor started", slog.String("cron", m.opts.Cron))
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	m.logger.Info("monitor stopped")
	return nil
}

// SnapshotAll scores every open position and returns the snapshots taken.
// One position failing does not stop the rest; the failures are joined.
func (m *MonitorService) SnapshotAll(ctx context.Context) ([]domain.AccountSnapshot, error) {
	open, err := m.positions.ListAllOpen(ctx)
	if err != nil {
		return nil, fmt.Errorf("monitor: list open positions: %w", err)
	}
	if len(open) == 0 {
		return nil, nil
	}

	hvix, err := m.prices.Volatility(ctx)
	if err != nil {
		m.logger.WarnContext(ctx, "volatility unavailable, using 0", slog.String("error", err.Error()))
		hvix = 0
	}

	var (
		out  []domain.AccountSnapshot
		errs []error
	)
	for _, pos := range open {
		snap, err := m.snapshot(ctx, pos, hvix)
		if err != nil {
			errs = append(errs, fmt.Errorf("position %s: %w", pos.ID, err))
			continue
		}
		out = append(out, snap)
	}
	m.logger.InfoContext(ctx, "snapshots taken",
		slog.Int("positions", len(open)),
		slog.Int("ok", len(out)),
		slog.Int("failed", len(errs)),
	)
	if len(errs) > 0 {
		return out, fmt.Errorf("monitor: %w", errors.Join(errs...))
	}
	return out, nil
}

func (m *MonitorService) snapshot(ctx context.Context, pos domain.Position, hvix float64) (domain.AccountSnapshot, error) {
	prices, err := m.prices.Prices(ctx, []string{pos.CollateralToken, pos.BorrowToken})
	if err != nil {
		return domain.AccountSnapshot{}, fmt.Errorf("prices: %w", err)
	}
	if prices[pos.CollateralToken] <= 0 || (!pos.BorrowAmount.IsZero() && prices[pos.BorrowToken] <= 0) {
		return domain.AccountSnapshot{}, fmt.Errorf("prices: %w", domain.ErrNotFound)
	}
	trend, err := m.prices.Trend(ctx, pos.CollateralToken)
	if err != nil {
		trend = 0
	}

	snap := m.engine.Snapshot(pos, prices, trend, hvix, m.now())
	if err := m.snapshots.Insert(ctx, snap); err != nil {
		return snap, err
	}

	labels := []string{pos.ID, string(pos.Protocol)}
	metrics.PositionHealth.WithLabelValues(labels...).Set(snap.HealthFactor)
	metrics.PositionRisk.WithLabelValues(labels...).Set(snap.RiskScore)

	if m.bus != nil {
		if payload, err := json.Marshal(snap); err == nil {
			if err := m.bus.Publish(ctx, RiskChannel, payload); err != nil {
				m.logger.DebugContext(ctx, "publish snapshot", slog.String("error", err.Error()))
			}
		}
	}
	m.checkAlerts(ctx, pos, snap)
	return snap, nil
}

func (m *MonitorService) checkAlerts(ctx context.Context, pos domain.Position, snap domain.AccountSnapshot) {
	if lvl := m.opts.AlertHealthFactor; lvl > 0 {
		m.edge(ctx, pos, notify.EventHealthFactor, "health_factor", snap.HealthFactor < lvl,
			fmt.Sprintf("health factor %.3f below %.2f, liquidation at %.4f %s",
				snap.HealthFactor, lvl, snap.LiquidationPrice, pos.CollateralToken))
	}
	if lvl := m.opts.AlertRiskScore; lvl > 0 {
		m.edge(ctx, pos, notify.EventRiskScore, "risk_score", snap.RiskScore >= lvl,
			fmt.Sprintf("risk score %.1f at or above %.1f, time to liquidation %s",
				snap.RiskScore, lvl, snap.TimeToLiquidation.Round(time.Minute)))
	}
}

// edge sends when breached turns true and re-arms when it turns false.
func (m *MonitorService) edge(ctx context.Context, pos domain.Position, event, kind string, breached bool, detail string) {
	key := pos.ID + "|" + event
	m.mu.Lock()
	was := m.alerted[key]
	if breached {
		m.alerted[key] = true
	} else {
		delete(m.alerted, key)
	}
	m.mu.Unlock()
	if !breached || was {
		return
	}

	metrics.Alerts.WithLabelValues(kind).Inc()
	m.logger.WarnContext(ctx, "risk alert",
		slog.String("position_id", pos.ID),
		slog.String("wallet", pos.Wallet),
		slog.String("event", event),
		slog.String("detail", detail),
	)
	title := fmt.Sprintf("Position %s on %s", pos.ID, pos.Protocol)
	if err := m.notifier.Notify(ctx, event, title, "wallet "+pos.Wallet+": "+detail); err != nil {
		m.logger.WarnContext(ctx, "alert failed", slog.String("error", err.Error()))
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err.Error())...)
}
