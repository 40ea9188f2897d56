package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"commodity-trader/internal/advisor"
	"commodity-trader/internal/config"
	"commodity-trader/internal/engine"
	"commodity-trader/internal/marketdata"
	"commodity-trader/internal/pipeline"
	"commodity-trader/internal/platform"
	"commodity-trader/internal/risk"
	"commodity-trader/internal/store"
	"commodity-trader/internal/supervisor"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	positions  *store.PositionRepo
	settings   *store.SettingsRepo
	router     *platform.Router
	book       *pipeline.Book
	engine     *engine.Engine
	supervisor *supervisor.Supervisor
}

// New 创建并装配 App 实例。
func New(cfg *config.Config, logger *zap.Logger, sqliteStore *store.Store) (*App, error) {
	positions, err := store.NewPositionRepo(sqliteStore)
	if err != nil {
		return nil, err
	}
	settings, err := store.NewSettingsRepo(sqliteStore)
	if err != nil {
		return nil, err
	}
	snapshots, err := store.NewSnapshotRepo(sqliteStore)
	if err != nil {
		return nil, err
	}

	router, err := platform.BuildRouter(cfg, logger)
	if err != nil {
		return nil, err
	}

	source, err := marketdata.NewCCXTSource(cfg.MarketData, logger)
	if err != nil {
		return nil, err
	}
	cached := marketdata.NewCachedSource(source, cfg.MarketData.CacheTTL, cfg.MarketData.RatePerMinute, logger)

	var advisorClient pipeline.Advisor
	if cfg.Advisor.Enabled {
		client, advErr := advisor.NewClient(cfg.Advisor, logger)
		if advErr != nil {
			return nil, advErr
		}
		advisorClient = client
	}

	// 路由器同时充当实时报价与券商K线兜底：主数据源覆盖不到的
	// 商品品种从映射了符号的平台取历史。
	book := pipeline.NewBook()
	pipe := pipeline.New(cached, book, router, router, advisorClient, snapshots, logger)

	sizer, err := risk.NewSizer(positions, logger)
	if err != nil {
		return nil, err
	}

	eng := engine.New(pipe, router, positions, sizer, settings, engine.Options{
		Interval:      cfg.MarketData.Interval,
		HistoryLimit:  cfg.MarketData.HistoryLimit,
		Cooldown:      cfg.Scheduler.Cooldown,
		MinConfidence: cfg.Advisor.MinConfidence,
	}, logger)

	sup := supervisor.New(positions, settings, pipe, book, router, supervisor.Options{
		Interval:     cfg.MarketData.Interval,
		HistoryLimit: cfg.MarketData.HistoryLimit,
	}, logger)

	return &App{
		cfg:        cfg,
		logger:     logger,
		positions:  positions,
		settings:   settings,
		router:     router,
		book:       book,
		engine:     eng,
		supervisor: sup,
	}, nil
}

// Run 并行驱动交易引擎与持仓巡检两个循环，直到上下文取消。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("交易系统已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.Duration("engine_interval", a.cfg.Scheduler.EngineInterval),
		zap.Duration("supervisor_interval", a.cfg.Scheduler.SupervisorInterval),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.loop(gctx, "engine", a.cfg.Scheduler.EngineInterval, a.engine.Tick)
	})
	g.Go(func() error {
		return a.loop(gctx, "supervisor", a.cfg.Scheduler.SupervisorInterval, a.supervisor.Scan)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("系统异常退出: %w", err)
	}

	a.logger.Info("系统收到退出信号，正在停止")
	return nil
}

// loop 按固定间隔驱动一个周期函数。周期内的错误只记录日志，
// 循环只因上下文取消而退出。
func (a *App) loop(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) error {
	if err := fn(ctx); err != nil {
		a.logger.Error("首次执行失败", zap.String("loop", name), zap.Error(err))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				a.logger.Error("执行调度失败", zap.String("loop", name), zap.Error(err))
			}
		}
	}
}

// ManualClose 手动平掉一笔未平仓持仓，价格取最新快照，
// 快照缺失时向券商询价。
func (a *App) ManualClose(ctx context.Context, positionID, reason string) error {
	pos, err := a.positions.FindByID(ctx, positionID)
	if err != nil {
		return err
	}
	if pos == nil {
		return fmt.Errorf("持仓不存在: %s", positionID)
	}
	if pos.Status != store.StatusOpen {
		return fmt.Errorf("持仓 %s 已平仓", positionID)
	}

	price := 0.0
	if snap, ok := a.book.Latest(pos.InstrumentID); ok && snap.Price > 0 {
		price = snap.Price
	} else {
		price, err = a.router.PriceOn(ctx, pos.Platform, pos.InstrumentID)
		if err != nil {
			return fmt.Errorf("获取平仓价格失败: %w", err)
		}
	}

	if pos.Ticket != "" {
		side := platform.OrderSideBuy
		if pos.Side == store.SideShort {
			side = platform.OrderSideSell
		}
		if err := a.router.ClosePosition(ctx, pos.Platform, pos.Ticket, pos.InstrumentID, side, pos.Quantity); err != nil {
			a.logger.Warn("券商侧平仓失败，仍执行本地平仓",
				zap.String("position_id", pos.ID),
				zap.Error(err),
			)
		}
	}

	profitLoss := (price - pos.EntryPrice) * pos.Quantity
	if pos.Side == store.SideShort {
		profitLoss = (pos.EntryPrice - price) * pos.Quantity
	}
	if reason == "" {
		reason = "手动平仓"
	}

	closed, err := a.positions.Close(ctx, pos.ID, price, profitLoss, reason, time.Now().UTC())
	if err != nil {
		return err
	}
	if !closed {
		return fmt.Errorf("持仓 %s 已被其他流程平仓", positionID)
	}

	a.logger.Info("手动平仓完成",
		zap.String("position_id", pos.ID),
		zap.Float64("exit", price),
		zap.Float64("profit_loss", profitLoss),
	)
	return nil
}

// Stats 返回交易统计概况。
func (a *App) Stats(ctx context.Context) (store.Stats, error) {
	return a.positions.Stats(ctx)
}

// PlatformStatus 返回全部平台的连接状态报表。
func (a *App) PlatformStatus() []platform.PlatformStatus {
	return a.router.Status()
}
