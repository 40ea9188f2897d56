package platform

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"commodity-trader/internal/config"
	"commodity-trader/internal/instrument"
	"commodity-trader/internal/marketdata"
)

// connection 为单个平台的运行时状态。每个平台 ID 在进程内只有一个连接。
type connection struct {
	cfg       config.PlatformConfig
	connector Connector

	mu        sync.Mutex
	connected bool
	account   AccountInfo
	lastSync  time.Time
}

func (c *connection) ensureConnected(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}
	if err := c.connector.Connect(ctx); err != nil {
		return err
	}
	c.connected = true
	return nil
}

// PlatformStatus 为平台状态报表的一行。
type PlatformStatus struct {
	ID         string
	Kind       config.PlatformKind
	Connected  bool
	Balance    float64
	FreeMargin *float64
	Currency   string
	LastSync   time.Time
}

// Router 按平台 ID 路由订单与查询，所有操作前自动建立连接。
type Router struct {
	mu     sync.Mutex
	conns  map[string]*connection
	order  []string
	logger *zap.Logger
}

// NewRouter 创建空路由器，平台通过 Register 注入。
func NewRouter(logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		conns:  make(map[string]*connection),
		logger: logger,
	}
}

// BuildRouter 根据配置创建路由器并装载全部平台连接器。
func BuildRouter(cfg *config.Config, logger *zap.Logger) (*Router, error) {
	router := NewRouter(logger)

	for _, pc := range cfg.Platforms {
		var (
			conn Connector
			err  error
		)
		switch pc.Kind {
		case config.PlatformKindMT5:
			conn, err = NewMT5Connector(pc, logger.With(zap.String("platform", pc.ID)))
		case config.PlatformKindCrypto:
			conn, err = NewCryptoConnector(pc, logger.With(zap.String("platform", pc.ID)))
		default:
			err = fmt.Errorf("平台 %s 的 kind 取值非法: %s", pc.ID, pc.Kind)
		}
		if err != nil {
			return nil, fmt.Errorf("创建平台连接器失败: %w", err)
		}
		if regErr := router.Register(pc, conn); regErr != nil {
			return nil, regErr
		}
	}

	return router, nil
}

// Register 注册一个平台连接器，重复注册同一平台报错。
func (r *Router) Register(cfg config.PlatformConfig, conn Connector) error {
	if conn == nil {
		return fmt.Errorf("平台 %s 的连接器不能为空", cfg.ID)
	}

	id := strings.ToUpper(strings.TrimSpace(cfg.ID))
	if id == "" {
		return fmt.Errorf("平台 ID 不能为空")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.conns[id]; dup {
		return fmt.Errorf("平台 %s 重复注册", id)
	}
	r.conns[id] = &connection{cfg: cfg, connector: conn}
	r.order = append(r.order, id)
	return nil
}

// PlatformConfig 返回平台的配置，用于读取手数限制。
func (r *Router) PlatformConfig(platformID string) (config.PlatformConfig, bool) {
	conn, err := r.lookup(platformID)
	if err != nil {
		return config.PlatformConfig{}, false
	}
	return conn.cfg, true
}

// Connect 建立平台连接，已连接时为无操作。
func (r *Router) Connect(ctx context.Context, platformID string) error {
	conn, err := r.lookup(platformID)
	if err != nil {
		return err
	}
	if err := conn.ensureConnected(ctx); err != nil {
		return fmt.Errorf("平台 %s 连接失败: %w", platformID, err)
	}
	return nil
}

// AccountInfo 返回平台账户概况并刷新缓存。
func (r *Router) AccountInfo(ctx context.Context, platformID string) (AccountInfo, error) {
	conn, err := r.ensure(ctx, platformID)
	if err != nil {
		return AccountInfo{}, err
	}

	info, err := conn.connector.AccountInfo(ctx)
	if err != nil {
		return AccountInfo{}, fmt.Errorf("平台 %s 获取账户信息失败: %w", platformID, err)
	}

	conn.mu.Lock()
	conn.account = info
	conn.lastSync = time.Now().UTC()
	conn.mu.Unlock()

	return info, nil
}

// PlaceOrder 将开仓请求路由到指定平台。品种未映射到该平台时
// 直接拒绝，绝不猜测符号。
func (r *Router) PlaceOrder(ctx context.Context, platformID, instrumentID string, side OrderSide, quantity, stopLoss, takeProfit float64, comment string) (OrderResult, error) {
	symbol, symErr := instrument.SymbolFor(instrumentID, platformID)
	if symErr != nil {
		return OrderResult{}, fmt.Errorf("%w: %s@%s", ErrUnsupportedInstrument, instrumentID, platformID)
	}

	conn, err := r.ensure(ctx, platformID)
	if err != nil {
		return OrderResult{}, err
	}

	result, err := conn.connector.PlaceOrder(ctx, OrderRequest{
		InstrumentID: instrumentID,
		Symbol:       symbol,
		Side:         side,
		Quantity:     quantity,
		StopLoss:     stopLoss,
		TakeProfit:   takeProfit,
		Comment:      comment,
	})
	if err != nil {
		return OrderResult{}, fmt.Errorf("平台 %s 下单失败: %w", platformID, err)
	}

	r.logger.Info("订单路由完成",
		zap.String("platform", platformID),
		zap.String("instrument", instrumentID),
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.Float64("quantity", quantity),
		zap.String("ticket", result.Ticket),
	)

	return result, nil
}

// ClosePosition 将平仓请求路由到指定平台。
func (r *Router) ClosePosition(ctx context.Context, platformID, ticket, instrumentID string, side OrderSide, quantity float64) error {
	symbol, symErr := instrument.SymbolFor(instrumentID, platformID)
	if symErr != nil {
		return fmt.Errorf("%w: %s@%s", ErrUnsupportedInstrument, instrumentID, platformID)
	}

	conn, err := r.ensure(ctx, platformID)
	if err != nil {
		return err
	}

	if err := conn.connector.ClosePosition(ctx, ticket, symbol, side, quantity); err != nil {
		return fmt.Errorf("平台 %s 平仓失败: %w", platformID, err)
	}
	return nil
}

// OpenPositionsOn 返回平台的券商侧持仓。
func (r *Router) OpenPositionsOn(ctx context.Context, platformID string) ([]BrokerPosition, error) {
	conn, err := r.ensure(ctx, platformID)
	if err != nil {
		return nil, err
	}

	positions, err := conn.connector.OpenPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("平台 %s 获取持仓失败: %w", platformID, err)
	}
	return positions, nil
}

// PriceOn 返回品种在指定平台的实时价格。
func (r *Router) PriceOn(ctx context.Context, platformID, instrumentID string) (float64, error) {
	symbol, symErr := instrument.SymbolFor(instrumentID, platformID)
	if symErr != nil {
		return 0, fmt.Errorf("%w: %s@%s", ErrUnsupportedInstrument, instrumentID, platformID)
	}

	conn, err := r.ensure(ctx, platformID)
	if err != nil {
		return 0, err
	}

	quote, err := conn.connector.SymbolPrice(ctx, symbol)
	if err != nil {
		return 0, fmt.Errorf("平台 %s 获取报价失败: %w", platformID, err)
	}
	return quote.Price, nil
}

// LivePrice 实现行情管线的实时报价接口。只询问已连接的平台，
// 避免连接超时拖慢行情刷新。
func (r *Router) LivePrice(ctx context.Context, instrumentID string) (float64, bool) {
	r.mu.Lock()
	ids := append([]string(nil), r.order...)
	r.mu.Unlock()

	for _, id := range ids {
		conn, err := r.lookup(id)
		if err != nil {
			continue
		}

		conn.mu.Lock()
		connected := conn.connected
		conn.mu.Unlock()
		if !connected {
			continue
		}

		symbol, symErr := instrument.SymbolFor(instrumentID, id)
		if symErr != nil {
			continue
		}

		quote, err := conn.connector.SymbolPrice(ctx, symbol)
		if err != nil || quote.Price <= 0 {
			continue
		}
		return quote.Price, true
	}
	return 0, false
}

// BrokerCandles 实现行情管线的券商K线兜底：按注册顺序找到第一个
// 映射了该品种且能给出历史的平台。主数据源已经失败才会走到这里，
// 因此允许为此建立连接。
func (r *Router) BrokerCandles(ctx context.Context, instrumentID, interval string, limit int) ([]marketdata.Candle, bool) {
	r.mu.Lock()
	ids := append([]string(nil), r.order...)
	r.mu.Unlock()

	for _, id := range ids {
		symbol, symErr := instrument.SymbolFor(instrumentID, id)
		if symErr != nil {
			continue
		}

		conn, err := r.ensure(ctx, id)
		if err != nil {
			r.logger.Debug("券商K线兜底连接失败",
				zap.String("platform", id),
				zap.String("instrument", instrumentID),
				zap.Error(err),
			)
			continue
		}

		candles, err := conn.connector.Candles(ctx, symbol, interval, limit)
		if err != nil || len(candles) == 0 {
			r.logger.Debug("券商K线兜底拉取失败",
				zap.String("platform", id),
				zap.String("symbol", symbol),
				zap.Error(err),
			)
			continue
		}
		return candles, true
	}
	return nil, false
}

// Status 返回全部平台的连接状态与最近一次账户快照。
func (r *Router) Status() []PlatformStatus {
	r.mu.Lock()
	ids := append([]string(nil), r.order...)
	r.mu.Unlock()

	out := make([]PlatformStatus, 0, len(ids))
	for _, id := range ids {
		conn, err := r.lookup(id)
		if err != nil {
			continue
		}

		conn.mu.Lock()
		out = append(out, PlatformStatus{
			ID:         id,
			Kind:       conn.cfg.Kind,
			Connected:  conn.connected,
			Balance:    conn.account.Balance,
			FreeMargin: conn.account.FreeMargin,
			Currency:   conn.account.Currency,
			LastSync:   conn.lastSync,
		})
		conn.mu.Unlock()
	}
	return out
}

func (r *Router) lookup(platformID string) (*connection, error) {
	id := strings.ToUpper(strings.TrimSpace(platformID))

	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[id]
	if !ok {
		return nil, fmt.Errorf("未注册的平台: %s", platformID)
	}
	return conn, nil
}

func (r *Router) ensure(ctx context.Context, platformID string) (*connection, error) {
	conn, err := r.lookup(platformID)
	if err != nil {
		return nil, err
	}
	if err := conn.ensureConnected(ctx); err != nil {
		return nil, fmt.Errorf("平台 %s 连接失败: %w", platformID, err)
	}
	return conn, nil
}
