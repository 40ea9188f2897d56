package marketdata

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"commodity-trader/internal/config"
)

// CCXTSource 通过 ccxt 拉取历史K线。
type CCXTSource struct {
	exchange *ccxt.Binance
	logger   *zap.Logger

	marketsMu     sync.Mutex
	marketsLoaded bool
}

// NewCCXTSource 构造基于 ccxt 的行情数据源，交易所由
// market_data.exchange 指定。
func NewCCXTSource(cfg config.MarketDataConfig, logger *zap.Logger) (*CCXTSource, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	userConfig := map[string]interface{}{
		"enableRateLimit": true,
	}
	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}

	var ex *ccxt.Binance
	switch strings.ToLower(cfg.Exchange) {
	case "", "binance":
		ex = ccxt.NewBinance(userConfig)
	default:
		return nil, fmt.Errorf("不支持的行情交易所: %s", cfg.Exchange)
	}

	return &CCXTSource{
		exchange: ex,
		logger:   logger,
	}, nil
}

// FetchHistory 获取指定交易对的历史K线。
func (s *CCXTSource) FetchHistory(ctx context.Context, ticker, interval string, limit int) ([]Candle, error) {
	if limit <= 0 {
		limit = 1
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	if err := s.ensureMarketsLoaded(ctx); err != nil {
		return nil, err
	}

	raw, err := s.exchange.FetchOHLCV(
		ticker,
		ccxt.WithFetchOHLCVTimeframe(interval),
		ccxt.WithFetchOHLCVLimit(int64(limit)),
	)
	if err != nil {
		return nil, fmt.Errorf("拉取K线失败 (%s %s): %w", ticker, interval, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoData, ticker)
	}

	candles := make([]Candle, 0, len(raw))
	for _, item := range raw {
		candles = append(candles, Candle{
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

func (s *CCXTSource) ensureMarketsLoaded(ctx context.Context) error {
	// 引擎并发刷新多个品种，首次检查也必须持锁。
	s.marketsMu.Lock()
	defer s.marketsMu.Unlock()

	if s.marketsLoaded {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	if _, err := s.exchange.LoadMarkets(); err != nil {
		return fmt.Errorf("加载市场元数据失败: %w", err)
	}

	s.marketsLoaded = true
	s.logger.Info("行情数据源市场元数据加载完成")
	return nil
}
