package supervisor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"commodity-trader/internal/pipeline"
	"commodity-trader/internal/platform"
	"commodity-trader/internal/signal"
	"commodity-trader/internal/store"
)

// 持仓离场的固定策略参数，百分比。
const (
	// 盈利超过该值且最新信号或趋势反转时离场。
	reversalProfitThreshold = 1.0
	// 盈利超过该值时无条件锁定利润离场。
	profitLockThreshold = 5.0
)

type snapshotRefresher interface {
	Refresh(ctx context.Context, instrumentID string, opts pipeline.RefreshOptions) (pipeline.Snapshot, error)
}

type positionStore interface {
	ListByStatus(ctx context.Context, status store.Status) ([]store.Position, error)
	Close(ctx context.Context, id string, exitPrice, profitLoss float64, reason string, closedAt time.Time) (bool, error)
	UpdateStopLoss(ctx context.Context, id string, stopLoss float64) error
}

type settingsSource interface {
	Get(ctx context.Context) (store.TradingSettings, error)
}

type brokerCloser interface {
	ClosePosition(ctx context.Context, platformID, ticket, instrumentID string, side platform.OrderSide, quantity float64) error
}

// Options 控制巡检刷新持仓品种快照时的拉取参数。
type Options struct {
	Interval     string
	HistoryLimit int
}

// Supervisor 周期性巡检未平仓持仓，执行止盈止损、反转离场、
// 利润锁定与移动止损。只扫描 OPEN 状态，重复巡检为无操作。
type Supervisor struct {
	positions positionStore
	settings  settingsSource
	refresher snapshotRefresher
	book      *pipeline.Book
	broker    brokerCloser
	opts      Options
	logger    *zap.Logger
	now       func() time.Time
}

// New 创建持仓巡检器。refresher 与 broker 可为 nil：无 refresher
// 时只读快照簿，无 broker 时只做本地平仓。
func New(positions positionStore, settings settingsSource, refresher snapshotRefresher, book *pipeline.Book, broker brokerCloser, opts Options, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		positions: positions,
		settings:  settings,
		refresher: refresher,
		book:      book,
		broker:    broker,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
	}
}

// Scan 执行一轮巡检。单个持仓的错误只记录日志，不中断整轮。
func (s *Supervisor) Scan(ctx context.Context) error {
	settings, err := s.settings.Get(ctx)
	if err != nil {
		return fmt.Errorf("supervisor: 读取交易设置失败: %w", err)
	}

	open, err := s.positions.ListByStatus(ctx, store.StatusOpen)
	if err != nil {
		return fmt.Errorf("supervisor: 读取未平仓持仓失败: %w", err)
	}

	// 巡检自取持仓品种的快照，不依赖交易引擎的刷新节奏：
	// 自动交易关闭或品种被禁用时，止损止盈仍须生效。
	fetched := make(map[string]pipeline.Snapshot, len(open))
	for _, pos := range open {
		snap, ok := fetched[pos.InstrumentID]
		if !ok {
			snap, ok = s.snapshotFor(ctx, pos.InstrumentID, settings)
			if !ok {
				continue
			}
			fetched[pos.InstrumentID] = snap
		}

		if err := s.inspect(ctx, pos, snap, settings); err != nil {
			s.logger.Warn("持仓巡检失败",
				zap.String("position_id", pos.ID),
				zap.String("instrument", pos.InstrumentID),
				zap.Error(err),
			)
		}
	}

	return nil
}

// snapshotFor 优先刷新品种快照，失败时回退至快照簿的最新值。
func (s *Supervisor) snapshotFor(ctx context.Context, instrumentID string, settings store.TradingSettings) (pipeline.Snapshot, bool) {
	if s.refresher != nil {
		snap, err := s.refresher.Refresh(ctx, instrumentID, pipeline.RefreshOptions{
			Thresholds: signal.Thresholds{
				RSIOversold:   settings.RSIOversold,
				RSIOverbought: settings.RSIOverbought,
			},
			Interval:     s.opts.Interval,
			HistoryLimit: s.opts.HistoryLimit,
		})
		if err == nil && snap.Price > 0 {
			return snap, true
		}
		if err != nil {
			s.logger.Warn("巡检刷新快照失败，回退至快照簿",
				zap.String("instrument", instrumentID),
				zap.Error(err),
			)
		}
	}

	snap, ok := s.book.Latest(instrumentID)
	if !ok || snap.Price <= 0 {
		s.logger.Warn("持仓品种无可用价格，本轮跳过", zap.String("instrument", instrumentID))
		return pipeline.Snapshot{}, false
	}
	return snap, true
}

func (s *Supervisor) inspect(ctx context.Context, pos store.Position, snap pipeline.Snapshot, settings store.TradingSettings) error {
	price := snap.Price

	if reason, hit := exitReason(pos, snap, settings); hit {
		return s.close(ctx, pos, price, reason)
	}

	if settings.UseTrailingStop {
		if newStop, tighter := trailingStop(pos, price, settings.TrailingStopDistance); tighter {
			if err := s.positions.UpdateStopLoss(ctx, pos.ID, newStop); err != nil {
				return err
			}
			s.logger.Info("移动止损上调",
				zap.String("position_id", pos.ID),
				zap.String("instrument", pos.InstrumentID),
				zap.Float64("old_stop", pos.StopLoss),
				zap.Float64("new_stop", newStop),
			)
		}
	}

	return nil
}

// exitReason 判定持仓是否应当离场，规则按顺序求值。
func exitReason(pos store.Position, snap pipeline.Snapshot, settings store.TradingSettings) (string, bool) {
	price := snap.Price
	profitPct := profitPercent(pos, price)

	switch pos.Side {
	case store.SideLong:
		if pos.TakeProfit > 0 && price >= pos.TakeProfit {
			return "止盈触发", true
		}
		if pos.StopLoss > 0 && price <= pos.StopLoss {
			return "止损触发", true
		}
		if profitPct > reversalProfitThreshold && reversedForLong(snap) {
			return "信号反转离场", true
		}
	case store.SideShort:
		if pos.TakeProfit > 0 && price <= pos.TakeProfit {
			return "止盈触发", true
		}
		if pos.StopLoss > 0 && price >= pos.StopLoss {
			return "止损触发", true
		}
		if profitPct > reversalProfitThreshold && reversedForShort(snap) {
			return "信号反转离场", true
		}
	}

	if profitPct > profitLockThreshold {
		return "利润锁定离场", true
	}

	return "", false
}

// trailingStop 计算收紧后的止损价。只收紧、永不放松。
func trailingStop(pos store.Position, price, distancePercent float64) (float64, bool) {
	if distancePercent <= 0 {
		return 0, false
	}

	switch pos.Side {
	case store.SideLong:
		candidate := price * (1 - distancePercent/100)
		if candidate > pos.StopLoss {
			return candidate, true
		}
	case store.SideShort:
		candidate := price * (1 + distancePercent/100)
		if pos.StopLoss <= 0 || candidate < pos.StopLoss {
			return candidate, true
		}
	}

	return 0, false
}

func (s *Supervisor) close(ctx context.Context, pos store.Position, exitPrice float64, reason string) error {
	// 券商侧平仓失败不阻塞本地状态收敛，孤儿订单由人工对账处理。
	if s.broker != nil && pos.Ticket != "" {
		side := platform.OrderSideBuy
		if pos.Side == store.SideShort {
			side = platform.OrderSideSell
		}
		if err := s.broker.ClosePosition(ctx, pos.Platform, pos.Ticket, pos.InstrumentID, side, pos.Quantity); err != nil {
			s.logger.Warn("券商侧平仓失败，仍执行本地平仓",
				zap.String("position_id", pos.ID),
				zap.String("platform", pos.Platform),
				zap.String("ticket", pos.Ticket),
				zap.Error(err),
			)
		}
	}

	profitLoss := profitValue(pos, exitPrice)

	closed, err := s.positions.Close(ctx, pos.ID, exitPrice, profitLoss, reason, s.now().UTC())
	if err != nil {
		return err
	}
	if !closed {
		return nil
	}

	s.logger.Info("持仓已离场",
		zap.String("position_id", pos.ID),
		zap.String("instrument", pos.InstrumentID),
		zap.String("side", string(pos.Side)),
		zap.Float64("entry", pos.EntryPrice),
		zap.Float64("exit", exitPrice),
		zap.Float64("profit_loss", profitLoss),
		zap.String("reason", reason),
	)
	return nil
}

func profitPercent(pos store.Position, price float64) float64 {
	if pos.EntryPrice <= 0 {
		return 0
	}
	if pos.Side == store.SideShort {
		return (pos.EntryPrice - price) / pos.EntryPrice * 100
	}
	return (price - pos.EntryPrice) / pos.EntryPrice * 100
}

func profitValue(pos store.Position, exitPrice float64) float64 {
	if pos.Side == store.SideShort {
		return (pos.EntryPrice - exitPrice) * pos.Quantity
	}
	return (exitPrice - pos.EntryPrice) * pos.Quantity
}

func reversedForLong(snap pipeline.Snapshot) bool {
	return snap.Signal == signal.SignalSell || snap.Trend == signal.TrendDown
}

func reversedForShort(snap pipeline.Snapshot) bool {
	return snap.Signal == signal.SignalBuy || snap.Trend == signal.TrendUp
}
