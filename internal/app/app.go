package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"trades-automation/internal/ai"
	"trades-automation/internal/automation"
	"trades-automation/internal/breaker"
	"trades-automation/internal/bridge"
	"trades-automation/internal/config"
	"trades-automation/internal/exchange"
	"trades-automation/internal/execution"
	"trades-automation/internal/monitor"
	"trades-automation/internal/notify"
	"trades-automation/internal/position"
	"trades-automation/internal/provider"
	"trades-automation/internal/risk"
	"trades-automation/internal/router"
	"trades-automation/internal/scheduler"
	"trades-automation/internal/store"
	"trades-automation/internal/trigger"
	"trades-automation/internal/twap"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg        *config.Config
	logger     *zap.Logger
	repo       *store.Repository
	monitor    *monitor.Service
	breakers   *breaker.Set
	dispatcher *notify.Dispatcher
	orch       *orchestrator
}

// New 创建 App 实例并完成依赖装配，不发起任何交易。
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, db *store.DB) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	repo, err := store.NewRepository(ctx, db, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化存储失败: %w", err)
	}

	monitorSvc, err := monitor.NewService(ctx, db, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化监控服务失败: %w", err)
	}

	breakers := breaker.NewSet(cfg.Breaker, logger, breaker.WithStateListener(func(name string, from, to breaker.State) {
		monitorSvc.RecordBreaker(context.Background(), name, from.String(), to.String())
	}))

	exClient, err := exchange.NewClient(cfg.Venue, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化交易所客户端失败: %w", err)
	}
	market := breaker.WrapMarketData(exClient, breakers, cfg.Execution.QuoteTimeout)

	var (
		venue    provider.Venue
		exposure risk.ExposureProvider
	)
	if cfg.Venue.Paper {
		paper := exchange.NewPaperVenue(market, cfg.Venue.PaperEquity, logger)
		venue, exposure = paper, paper
		logger.Info("交易场所处于模拟模式", zap.String("venue", cfg.Venue.Name))
	} else {
		venue = breaker.WrapVenue(exClient, breakers, cfg.Execution.CallTimeout)
		exposure = position.NewManager(exClient, market, cfg.Venue.QuoteAssets, true, logger)
	}

	registry := provider.NewRegistry()
	for _, rc := range cfg.Routers {
		client, err := bridge.NewClient(rc, logger)
		if err != nil {
			return nil, fmt.Errorf("初始化跨链路由失败: %w", err)
		}
		if err := registry.Register(breaker.WrapRouter(client, breakers, cfg.Execution.CallTimeout)); err != nil {
			return nil, err
		}
	}

	sink, err := notify.Build(ctx, cfg.Notify, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化通知渠道失败: %w", err)
	}
	dispatcher := notify.NewDispatcher(sink, cfg.Notify.BufferSize, logger)

	orch, err := wire(wiring{
		cfg:      cfg,
		store:    repo,
		monitor:  monitorSvc,
		market:   market,
		venue:    venue,
		exposure: exposure,
		registry: registry,
		notifier: dispatcher,
	}, logger)
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:        cfg,
		logger:     logger,
		repo:       repo,
		monitor:    monitorSvc,
		breakers:   breakers,
		dispatcher: dispatcher,
		orch:       orch,
	}, nil
}

// wiring 为调度链路的外部依赖，测试可替换为内存实现。
type wiring struct {
	cfg      *config.Config
	store    automation.Store
	monitor  recorder
	market   provider.MarketData
	venue    provider.Venue
	exposure risk.ExposureProvider
	registry *provider.Registry
	notifier notifier
	clock    func() time.Time
}

func wire(w wiring, logger *zap.Logger) (*orchestrator, error) {
	clock := w.clock
	if clock == nil {
		clock = time.Now
	}
	cfg := w.cfg

	limits := risk.NewLimitSource(cfg.Risk, w.exposure, logger)

	crossChain := router.New(w.registry, w.store, cfg.Execution, logger,
		router.WithClock(clock),
		router.WithListener(w.monitor.RecordTransfer),
	)
	machine := execution.NewMachine(cfg.Execution, w.store, limits,
		map[automation.ExecutionKind]execution.Submitter{
			automation.ExecutionTrade:      execution.NewTradeSubmitter(w.venue, cfg.Execution, logger),
			automation.ExecutionCrossChain: crossChain,
		},
		logger,
		execution.WithClock(clock),
		execution.WithListener(w.monitor.RecordExecution),
		execution.WithPricer(w.market, cfg.Venue.QuoteAssets),
	)

	evaluator, err := trigger.NewEvaluator()
	if err != nil {
		return nil, err
	}
	coordinator := twap.NewCoordinator(w.store, cfg.TWAP.Precision, logger)
	sched := scheduler.New(cfg.Scheduler, w.store, coordinator, w.market, evaluator, logger, scheduler.WithClock(clock))

	orch := newOrchestrator(cfg.Scheduler, orchestratorDeps{
		store:       w.store,
		scheduler:   sched,
		machine:     machine,
		coordinator: coordinator,
		limits:      limits,
		monitor:     w.monitor,
		notifier:    w.notifier,
	}, logger)
	orch.now = clock
	return orch, nil
}

// Run 驱动主循环直到 ctx 取消，退出前等待在途执行落盘并投递剩余通知。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("自动化交易系统已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("venue", a.cfg.Venue.Name),
		zap.Bool("paper", a.cfg.Venue.Paper),
		zap.Int("routers", len(a.cfg.Routers)),
	)

	notifyCtx, stopNotify := context.WithCancel(context.WithoutCancel(ctx))
	notifyDone := make(chan struct{})
	go func() {
		defer close(notifyDone)
		a.dispatcher.Run(notifyCtx)
	}()
	defer func() {
		a.orch.Wait()
		stopNotify()
		<-notifyDone
	}()

	if a.cfg.Monitor.Enabled {
		handler := newMonitorRouter(&monitorHandlers{
			events:   a.monitor,
			store:    a.repo,
			ops:      a.orch,
			breakers: a.breakerStates,
			logger:   a.logger,
		})
		startMonitorServer(ctx, handler, a.cfg.Monitor.Port, a.logger)
	}

	loopInterval := a.cfg.Scheduler.LoopInterval
	if loopInterval <= 0 {
		loopInterval = 15 * time.Second
	}

	if err := a.orch.Tick(ctx); err != nil {
		a.logger.Error("首次调度失败", zap.Error(err))
	}

	ticker := time.NewTicker(loopInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("系统异常退出: %w", err)
			}
			a.logger.Info("系统收到退出信号，正在停止")
			return nil
		case <-ticker.C:
			if err := a.orch.Tick(ctx); err != nil {
				a.logger.Error("执行调度失败", zap.Error(err))
			}
		}
	}
}

func (a *App) breakerStates() map[string]string {
	states := a.breakers.States()
	out := make(map[string]string, len(states))
	for name, st := range states {
		out[name] = st.String()
	}
	return out
}

// Propose 让模型根据目标生成规则，并以未启用状态保存待人工确认。
func Propose(ctx context.Context, cfg config.OpenAIConfig, repo automation.Store, goal, owner string, logger *zap.Logger) (automation.Rule, error) {
	client, err := ai.NewClient(cfg, logger)
	if err != nil {
		return automation.Rule{}, fmt.Errorf("初始化AI客户端失败: %w", err)
	}
	_, rule, err := client.Propose(ctx, goal, owner)
	if err != nil {
		return automation.Rule{}, err
	}
	if err := repo.CreateRule(ctx, &rule); err != nil {
		return automation.Rule{}, fmt.Errorf("保存规则草稿失败: %w", err)
	}
	return rule, nil
}
