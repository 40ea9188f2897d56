package platform

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"commodity-trader/internal/config"
	"commodity-trader/internal/marketdata"
)

// 加密账户以该计价货币核算余额。
const cryptoQuoteCurrency = "USDT"

// CryptoConnector 通过 ccxt 操作加密货币现货账户。
type CryptoConnector struct {
	exchange *ccxt.Binance
	logger   *zap.Logger

	marketsMu     sync.Mutex
	marketsLoaded bool
}

// NewCryptoConnector 创建加密货币平台连接器。
func NewCryptoConnector(cfg config.PlatformConfig, logger *zap.Logger) (*CryptoConnector, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("平台 %s 缺少 api_key 或 api_secret", cfg.ID)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	userConfig := map[string]interface{}{
		"apiKey":          cfg.APIKey,
		"secret":          cfg.APISecret,
		"enableRateLimit": true,
	}
	if cfg.APIPass != "" {
		userConfig["password"] = cfg.APIPass
	}

	ex := ccxt.NewBinance(userConfig)
	if cfg.UseSandbox {
		ex.SetSandboxMode(true)
	}

	return &CryptoConnector{
		exchange: ex,
		logger:   logger,
	}, nil
}

// Connect 加载市场元数据，重复调用为无操作。并发调用下
// marketsLoaded 的读写都在锁内。
func (c *CryptoConnector) Connect(ctx context.Context) error {
	c.marketsMu.Lock()
	defer c.marketsMu.Unlock()

	if c.marketsLoaded {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	if _, err := c.exchange.LoadMarkets(); err != nil {
		return fmt.Errorf("加密平台连接失败: %w", err)
	}

	c.marketsLoaded = true
	c.logger.Info("加密货币平台连接成功")
	return nil
}

// AccountInfo 返回以 USDT 计的账户余额。现货无保证金概念，FreeMargin 为空。
func (c *CryptoConnector) AccountInfo(ctx context.Context) (AccountInfo, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return AccountInfo{}, ctxErr
	}

	balances, err := c.exchange.FetchBalance()
	if err != nil {
		return AccountInfo{}, fmt.Errorf("获取账户余额失败: %w", err)
	}

	info := AccountInfo{Currency: cryptoQuoteCurrency}
	if balances.Total != nil {
		if total, ok := balances.Total[cryptoQuoteCurrency]; ok && total != nil {
			info.Balance = *total
			info.Equity = *total
		}
	}
	return info, nil
}

// OpenPositions 现货账户没有持仓接口，余额即持仓，返回空列表。
func (c *CryptoConnector) OpenPositions(ctx context.Context) ([]BrokerPosition, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	return nil, nil
}

// PlaceOrder 提交市价单。
func (c *CryptoConnector) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if req.Symbol == "" {
		return OrderResult{}, errors.New("下单符号不能为空")
	}
	if req.Quantity <= 0 {
		return OrderResult{}, fmt.Errorf("下单数量非法: %f", req.Quantity)
	}
	if err := c.Connect(ctx); err != nil {
		return OrderResult{}, err
	}

	order, err := c.exchange.CreateMarketOrder(req.Symbol, strings.ToLower(string(req.Side)), req.Quantity)
	if err != nil {
		return OrderResult{}, fmt.Errorf("下单请求失败: %w", err)
	}

	result := OrderResult{ExecutedAt: time.Now().UTC()}
	if order.Id != nil {
		result.Ticket = *order.Id
	}
	if order.Average != nil {
		result.ExecutedPrice = *order.Average
	} else if order.Price != nil {
		result.ExecutedPrice = *order.Price
	}

	c.logger.Info("加密订单成交",
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.Float64("amount", req.Quantity),
		zap.String("ticket", result.Ticket),
	)

	return result, nil
}

// ClosePosition 以反向市价单了结现货头寸。
func (c *CryptoConnector) ClosePosition(ctx context.Context, ticket, symbol string, side OrderSide, quantity float64) error {
	if symbol == "" {
		return errors.New("平仓符号不能为空")
	}
	if quantity <= 0 {
		return fmt.Errorf("平仓数量非法: %f", quantity)
	}
	if err := c.Connect(ctx); err != nil {
		return err
	}

	_, err := c.exchange.CreateMarketOrder(symbol, strings.ToLower(string(OppositeSide(side))), quantity)
	if err != nil {
		return fmt.Errorf("平仓请求失败: %w", err)
	}

	c.logger.Info("加密持仓已平仓", zap.String("symbol", symbol), zap.String("ticket", ticket))
	return nil
}

// SymbolPrice 返回交易对当前报价。
func (c *CryptoConnector) SymbolPrice(ctx context.Context, symbol string) (Quote, error) {
	if err := c.Connect(ctx); err != nil {
		return Quote{}, err
	}

	ticker, err := c.exchange.FetchTicker(symbol)
	if err != nil {
		return Quote{}, fmt.Errorf("获取报价失败 (%s): %w", symbol, err)
	}

	quote := Quote{Symbol: symbol, Timestamp: time.Now().UTC()}
	if ticker.Bid != nil {
		quote.Bid = *ticker.Bid
	}
	if ticker.Ask != nil {
		quote.Ask = *ticker.Ask
	}
	switch {
	case ticker.Last != nil:
		quote.Price = *ticker.Last
	case quote.Bid > 0 && quote.Ask > 0:
		quote.Price = (quote.Bid + quote.Ask) / 2
	}
	if quote.Price <= 0 {
		return Quote{}, fmt.Errorf("报价无效 (%s)", symbol)
	}
	return quote, nil
}

// Candles 拉取历史K线。
func (c *CryptoConnector) Candles(ctx context.Context, symbol, interval string, limit int) ([]marketdata.Candle, error) {
	if limit <= 0 {
		limit = 1
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	raw, err := c.exchange.FetchOHLCV(
		symbol,
		ccxt.WithFetchOHLCVTimeframe(interval),
		ccxt.WithFetchOHLCVLimit(int64(limit)),
	)
	if err != nil {
		return nil, fmt.Errorf("拉取K线失败 (%s %s): %w", symbol, interval, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: %s", marketdata.ErrNoData, symbol)
	}

	candles := make([]marketdata.Candle, 0, len(raw))
	for _, item := range raw {
		candles = append(candles, marketdata.Candle{
			Timestamp: time.UnixMilli(item.Timestamp).UTC(),
			Open:      item.Open,
			High:      item.High,
			Low:       item.Low,
			Close:     item.Close,
			Volume:    item.Volume,
		})
	}
	return candles, nil
}
