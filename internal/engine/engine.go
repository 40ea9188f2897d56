package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"commodity-trader/internal/config"
	"commodity-trader/internal/pipeline"
	"commodity-trader/internal/platform"
	"commodity-trader/internal/risk"
	"commodity-trader/internal/signal"
	"commodity-trader/internal/store"
)

// 同时刷新的品种数量上限。
const refreshConcurrency = 4

type snapshotRefresher interface {
	Refresh(ctx context.Context, instrumentID string, opts pipeline.RefreshOptions) (pipeline.Snapshot, error)
}

type orderRouter interface {
	AccountInfo(ctx context.Context, platformID string) (platform.AccountInfo, error)
	PlaceOrder(ctx context.Context, platformID, instrumentID string, side platform.OrderSide, quantity, stopLoss, takeProfit float64, comment string) (platform.OrderResult, error)
	PlatformConfig(platformID string) (config.PlatformConfig, bool)
}

type positionStore interface {
	Create(ctx context.Context, pos *store.Position) error
	HasOpen(ctx context.Context, instrumentID, platformID string) (bool, error)
}

type positionSizer interface {
	Size(ctx context.Context, in risk.Input, limits risk.LotLimits) (risk.Result, error)
}

type settingsSource interface {
	Get(ctx context.Context) (store.TradingSettings, error)
}

// Options 为引擎的静态参数，动态参数走 TradingSettings。
type Options struct {
	Interval      string
	HistoryLimit  int
	Cooldown      time.Duration
	MinConfidence float64
}

// Engine 为自主交易决策循环。每个周期重读设置、刷新快照并
// 逐品种评估开仓，任何单品种的失败都不会中断循环。
type Engine struct {
	refresher snapshotRefresher
	router    orderRouter
	positions positionStore
	sizer     positionSizer
	settings  settingsSource
	opts      Options
	logger    *zap.Logger
	now       func() time.Time

	mu         sync.Mutex
	cooldowns  map[string]time.Time
	tradeTimes []time.Time
}

// New 创建交易引擎。
func New(refresher snapshotRefresher, router orderRouter, positions positionStore, sizer positionSizer, settings settingsSource, opts Options, logger *zap.Logger) *Engine {
	if opts.Cooldown <= 0 {
		opts.Cooldown = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		refresher: refresher,
		router:    router,
		positions: positions,
		sizer:     sizer,
		settings:  settings,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
		cooldowns: make(map[string]time.Time),
	}
}

// Tick 执行一个决策周期。
func (e *Engine) Tick(ctx context.Context) error {
	settings, err := e.settings.Get(ctx)
	if err != nil {
		return fmt.Errorf("engine: 读取交易设置失败: %w", err)
	}

	if !settings.AutoTrading {
		e.logger.Debug("自动交易未启用，本周期跳过")
		return nil
	}

	snaps := e.refreshAll(ctx, settings)
	for _, snap := range snaps {
		if err := e.evaluate(ctx, snap, settings); err != nil {
			e.logger.Warn("品种评估失败",
				zap.String("instrument", snap.InstrumentID),
				zap.Error(err),
			)
		}
	}

	return nil
}

// refreshAll 并行刷新启用品种的快照，失败的品种跳过本周期。
func (e *Engine) refreshAll(ctx context.Context, settings store.TradingSettings) []pipeline.Snapshot {
	opts := pipeline.RefreshOptions{
		Thresholds: signal.Thresholds{
			RSIOversold:   settings.RSIOversold,
			RSIOverbought: settings.RSIOverbought,
		},
		UseAdvisor:    settings.UseAdvisor,
		MinConfidence: e.opts.MinConfidence,
		Interval:      e.opts.Interval,
		HistoryLimit:  e.opts.HistoryLimit,
	}

	var (
		mu    sync.Mutex
		snaps []pipeline.Snapshot
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(refreshConcurrency)

	for _, id := range settings.EnabledInstruments {
		instrumentID := id
		g.Go(func() error {
			snap, err := e.refresher.Refresh(gctx, instrumentID, opts)
			if err != nil {
				e.logger.Warn("快照刷新失败，跳过本周期",
					zap.String("instrument", instrumentID),
					zap.Error(err),
				)
				return nil
			}
			mu.Lock()
			snaps = append(snaps, snap)
			mu.Unlock()
			return nil
		})
	}

	_ = g.Wait()
	return snaps
}

func (e *Engine) evaluate(ctx context.Context, snap pipeline.Snapshot, settings store.TradingSettings) error {
	side, actionable := store.SideForSignal(snap.Signal)
	if !actionable {
		return nil
	}

	platformID := settings.DefaultPlatform
	if !settings.PlatformEnabled(platformID) {
		e.logger.Debug("默认平台未启用，跳过",
			zap.String("instrument", snap.InstrumentID),
			zap.String("platform", platformID),
		)
		return nil
	}

	hasOpen, err := e.positions.HasOpen(ctx, snap.InstrumentID, platformID)
	if err != nil {
		return err
	}
	if hasOpen {
		return nil
	}

	if e.underCooldown(snap.InstrumentID) {
		e.logger.Debug("品种处于冷却期，跳过", zap.String("instrument", snap.InstrumentID))
		return nil
	}

	// 冷却期在决策时刻生效，后续无论被限流、风控拒绝还是券商
	// 超时，同一信号在窗口内都只评估一次。
	e.stampCooldown(snap.InstrumentID)

	if e.tradesLastHour() >= settings.MaxTradesPerHour {
		e.logger.Info("已达每小时交易上限，跳过",
			zap.String("instrument", snap.InstrumentID),
			zap.Int("max_trades_per_hour", settings.MaxTradesPerHour),
		)
		return nil
	}

	// 二次校验：信号与 RSI 明显矛盾时放弃，防止滞后指标追高杀跌。
	rsi := snap.RSIValue()
	if snap.Signal == signal.SignalBuy && rsi >= settings.RSIOverbought {
		e.logger.Info("RSI 已超买，放弃买入", zap.String("instrument", snap.InstrumentID), zap.Float64("rsi", rsi))
		return nil
	}
	if snap.Signal == signal.SignalSell && rsi <= settings.RSIOversold {
		e.logger.Info("RSI 已超卖，放弃卖出", zap.String("instrument", snap.InstrumentID), zap.Float64("rsi", rsi))
		return nil
	}

	account, err := e.router.AccountInfo(ctx, platformID)
	if err != nil {
		return fmt.Errorf("获取账户信息失败: %w", err)
	}

	limits := risk.LotLimits{}
	if pc, ok := e.router.PlatformConfig(platformID); ok {
		limits = risk.LotLimits{
			Min:                pc.LotMin,
			Max:                pc.LotMax,
			LowMarginThreshold: pc.LowMarginThreshold,
		}
	}

	sized, err := e.sizer.Size(ctx, risk.Input{
		Balance:        account.Balance,
		Price:          snap.Price,
		MaxRiskPercent: settings.MaxPortfolioRiskPercent,
		FreeMargin:     account.FreeMargin,
		Platform:       platformID,
	}, limits)
	if err != nil {
		return fmt.Errorf("仓位计算失败: %w", err)
	}

	if sized.AvailableCapital <= 0 {
		e.logger.Info("组合风险额度耗尽，拒绝开仓",
			zap.String("instrument", snap.InstrumentID),
			zap.String("platform", platformID),
			zap.Float64("exposure", sized.Exposure),
		)
		return nil
	}

	stopLoss, takeProfit := protectivePrices(side, snap.Price, settings.StopLossPercent, settings.TakeProfitPercent)
	reason := entryReason(snap, rsi)

	orderSide := platform.OrderSideBuy
	if side == store.SideShort {
		orderSide = platform.OrderSideSell
	}

	result, err := e.router.PlaceOrder(ctx, platformID, snap.InstrumentID, orderSide,
		sized.Quantity, stopLoss, takeProfit, reason)
	if err != nil {
		return fmt.Errorf("下单失败: %w", err)
	}

	e.recordTrade()

	entryPrice := snap.Price
	if result.ExecutedPrice > 0 {
		entryPrice = result.ExecutedPrice
	}

	pos := &store.Position{
		InstrumentID: snap.InstrumentID,
		Side:         side,
		EntryPrice:   entryPrice,
		Quantity:     sized.Quantity,
		StopLoss:     stopLoss,
		TakeProfit:   takeProfit,
		Platform:     platformID,
		Ticket:       result.Ticket,
		Reason:       reason,
	}
	if err := e.positions.Create(ctx, pos); err != nil {
		return fmt.Errorf("持仓落库失败: %w", err)
	}

	e.logger.Info("自动开仓完成",
		zap.String("position_id", pos.ID),
		zap.String("instrument", snap.InstrumentID),
		zap.String("platform", platformID),
		zap.String("side", string(side)),
		zap.Float64("entry", entryPrice),
		zap.Float64("quantity", sized.Quantity),
		zap.Float64("stop_loss", stopLoss),
		zap.Float64("take_profit", takeProfit),
		zap.String("ticket", result.Ticket),
	)

	return nil
}

func (e *Engine) underCooldown(instrumentID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	last, ok := e.cooldowns[instrumentID]
	if !ok {
		return false
	}
	return e.now().Sub(last) < e.opts.Cooldown
}

func (e *Engine) stampCooldown(instrumentID string) {
	e.mu.Lock()
	e.cooldowns[instrumentID] = e.now()
	e.mu.Unlock()
}

// tradesLastHour 返回最近一小时内的成交次数，顺带剔除过期记录。
func (e *Engine) tradesLastHour() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := e.now().Add(-time.Hour)
	kept := e.tradeTimes[:0]
	for _, ts := range e.tradeTimes {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	e.tradeTimes = kept
	return len(kept)
}

func (e *Engine) recordTrade() {
	e.mu.Lock()
	e.tradeTimes = append(e.tradeTimes, e.now())
	e.mu.Unlock()
}

func protectivePrices(side store.Side, entry, stopLossPercent, takeProfitPercent float64) (float64, float64) {
	if side == store.SideShort {
		return entry * (1 + stopLossPercent/100), entry * (1 - takeProfitPercent/100)
	}
	return entry * (1 - stopLossPercent/100), entry * (1 + takeProfitPercent/100)
}

func entryReason(snap pipeline.Snapshot, rsi float64) string {
	reason := fmt.Sprintf("%s 信号 (RSI %.1f, 趋势 %s)", snap.Signal, rsi, snap.Trend)
	if snap.Advisory != nil && snap.Advisory.Reasoning != "" {
		reason += " | " + snap.Advisory.Reasoning
	}
	return reason
}
