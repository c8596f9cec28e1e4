package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/sentinel/internal/chain"
	"github.com/alanyoungcy/sentinel/internal/config"
	"github.com/alanyoungcy/sentinel/internal/crypto"
	"github.com/alanyoungcy/sentinel/internal/executor"
	"github.com/alanyoungcy/sentinel/internal/protocol"
	"github.com/alanyoungcy/sentinel/internal/quote"
	"github.com/alanyoungcy/sentinel/internal/recovery"
	"github.com/alanyoungcy/sentinel/internal/risk"
	"github.com/alanyoungcy/sentinel/internal/server"
	"github.com/alanyoungcy/sentinel/internal/server/handler"
	"github.com/alanyoungcy/sentinel/internal/server/ws"
	"github.com/alanyoungcy/sentinel/internal/service"
	"github.com/alanyoungcy/sentinel/internal/strategy"
)

// shutdownTimeout bounds how long in-flight HTTP requests may drain.
const shutdownTimeout = 10 * time.Second

// engine is the quoting and execution stack shared by the modes.
type engine struct {
	registry    *protocol.Registry
	risk        *risk.Engine
	coordinator *executor.Coordinator
	positions   *service.PositionService
}

// ServerMode serves the HTTP API and executes strategies. Executions left
// running by a previous process are resumed first when configured.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")
	if !a.cfg.Server.Enabled {
		return errors.New("server mode: server.enabled is false")
	}

	eng, err := a.buildEngine(ctx, deps)
	if err != nil {
		return fmt.Errorf("server mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	a.resumeExecutions(ctx, g, eng)
	a.startHTTPServer(ctx, g, deps, eng)
	return g.Wait()
}

// MonitorMode re-scores open positions on the monitor schedule. The HTTP
// server, when enabled, exposes health, metrics and the event stream only.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startMonitor(ctx, g, deps, a.newRiskEngine())
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, nil)
	}
	return g.Wait()
}

// FullMode runs the API, the executor and the monitor in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	eng, err := a.buildEngine(ctx, deps)
	if err != nil {
		return fmt.Errorf("full mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	a.resumeExecutions(ctx, g, eng)
	a.startMonitor(ctx, g, deps, eng.risk)
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, eng)
	}
	return g.Wait()
}

func (a *App) newRiskEngine() *risk.Engine {
	return risk.NewEngine(risk.ParamsFromConfig(a.cfg.Risk, a.cfg.Quote.SafetyThreshold))
}

// newRegistry registers an adapter for every enabled venue. Protective swaps
// are routed through the swap aggregator when it is enabled.
func newRegistry(cfg *config.Config) *protocol.Registry {
	var swap *protocol.SwapRouter
	if sw := cfg.Protocols.Swap; sw.Enabled {
		swap = protocol.NewSwapRouter(sw.BaseURL, sw.ProgramID, sw.Timeout.Duration)
	}
	opts := func(v config.VenueConfig) protocol.Options {
		return protocol.Options{
			BaseURL:       v.BaseURL,
			ProgramID:     v.ProgramID,
			Timeout:       v.Timeout.Duration,
			NetworkFeeUSD: cfg.Quote.NetworkFeeUSD,
			Swap:          swap,
		}
	}

	var adapters []protocol.Adapter
	if v := cfg.Protocols.Kamino; v.Enabled {
		adapters = append(adapters, protocol.NewKaminoAdapter(opts(v)))
	}
	if v := cfg.Protocols.Marginfi; v.Enabled {
		adapters = append(adapters, protocol.NewMarginfiAdapter(opts(v)))
	}
	if v := cfg.Protocols.Solend; v.Enabled {
		adapters = append(adapters, protocol.NewSolendAdapter(opts(v)))
	}
	return protocol.NewRegistry(adapters...)
}

// buildEngine dials the chain, loads the signing key and assembles quoting,
// strategy building, execution and the position service around them.
func (a *App) buildEngine(ctx context.Context, deps *Dependencies) (*engine, error) {
	signer, err := crypto.SignerFromConfig(a.cfg.Wallet)
	if err != nil {
		return nil, fmt.Errorf("load signer: %w", err)
	}

	rpc, err := chain.Dial(ctx, chain.OptionsFromConfig(a.cfg.Chain), a.logger)
	if err != nil {
		return nil, fmt.Errorf("dial chain: %w", err)
	}
	a.closers = append(a.closers, rpc.Close)

	registry := newRegistry(a.cfg)
	riskEngine := a.newRiskEngine()

	aggregator := quote.NewAggregator(
		registry,
		riskEngine,
		deps.Prices,
		deps.QuoteCache,
		quote.OptionsFromConfig(a.cfg.Quote),
		a.logger,
	)
	builder := strategy.NewBuilder(registry, strategy.OptionsFromConfig(a.cfg.Strategy), a.logger)

	policy := recovery.NewPolicy()
	policy.SetMaxRequotes(a.cfg.Execution.MaxRequotes)

	coordinator := executor.NewCoordinator(
		registry,
		rpc,
		signer,
		deps.LockManager,
		deps.ProgressStore,
		policy,
		executor.OptionsFromConfig(a.cfg.Chain, a.cfg.Execution),
		a.logger,
	)
	coordinator.SetEventBus(deps.EventBus)

	positions := service.NewPositionService(
		aggregator,
		builder,
		coordinator,
		service.Stores{
			Positions:  deps.PositionStore,
			Executions: deps.ExecutionStore,
			Receipts:   deps.Receipts,
			Audit:      deps.AuditStore,
		},
		deps.Notifier,
		a.cfg.Chain.Network,
		a.logger,
	)
	positions.SetCloseSlippage(a.cfg.Strategy.CloseSlippageBps)

	coordinator.SetRequoter(positions)
	coordinator.SetResultHook(positions.OnResult)

	a.logger.Info("engine ready",
		slog.String("signer", signer.Wallet()),
		slog.Any("venues", registry.IDs()),
		slog.Bool("swap_router", a.cfg.Protocols.Swap.Enabled),
	)
	return &engine{
		registry:    registry,
		risk:        riskEngine,
		coordinator: coordinator,
		positions:   positions,
	}, nil
}

// resumeExecutions finishes or rolls back executions a previous process left
// in the progress store. Resumption runs alongside the API so a long resume
// does not delay startup.
func (a *App) resumeExecutions(ctx context.Context, g *errgroup.Group, eng *engine) {
	if !a.cfg.Execution.ResumeOnStart {
		return
	}
	g.Go(func() error {
		results := eng.coordinator.ResumeAll(ctx)
		if len(results) > 0 {
			a.logger.InfoContext(ctx, "resumed executions", slog.Int("count", len(results)))
		}
		return nil
	})
}

func (a *App) startMonitor(ctx context.Context, g *errgroup.Group, deps *Dependencies, riskEngine *risk.Engine) {
	if !a.cfg.Monitor.Enabled {
		a.logger.InfoContext(ctx, "monitor disabled")
		return
	}
	monitor := service.NewMonitorService(
		deps.PositionStore,
		deps.SnapshotStore,
		deps.Prices,
		riskEngine,
		deps.EventBus,
		deps.Notifier,
		service.MonitorOptionsFromConfig(a.cfg.Monitor),
		a.logger,
	)
	g.Go(func() error {
		return monitor.Run(ctx)
	})
}

// startHTTPServer registers the API, the event stream and the graceful
// shutdown. A nil eng serves health, metrics and the stream only.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, eng *engine) {
	hub := ws.NewHub(deps.EventBus, []string{executor.ProgressChannel, service.RiskChannel}, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	handlers := server.Handlers{
		Health: handler.NewHealthHandler(deps.HealthChecks, a.logger),
	}
	if eng != nil {
		handlers.Positions = handler.NewPositionHandler(eng.positions, a.logger)
		handlers.Executions = handler.NewExecutionHandler(eng.positions, a.logger)
	}

	srvCfg := server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		RateLimit:   a.cfg.Server.RateLimit,
		Limiter:     deps.RateLimiter,
	}
	if a.cfg.Server.APIKey != "" {
		srvCfg.Auth = &crypto.RequestAuth{Key: a.cfg.Server.APIKey, Secret: a.cfg.Server.APISecret}
	} else {
		a.logger.Warn("server.api_key is empty; API requests are not authenticated")
	}
	srv := server.NewServer(srvCfg, handlers, hub, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
