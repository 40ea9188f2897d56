package marketdata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type cacheEntry struct {
	candles   []Candle
	fetchedAt time.Time
}

// CachedSource 为任意 Source 增加 TTL 缓存与限流保护。
// 限流或可重试错误发生时返回上一次缓存结果，哪怕已经过期，
// 避免单次数据源故障导致整个交易周期失败。
type CachedSource struct {
	inner   Source
	ttl     time.Duration
	limiter *rate.Limiter
	logger  *zap.Logger

	mu      sync.Mutex
	entries map[string]cacheEntry
	now     func() time.Time
}

// NewCachedSource 包装数据源。ratePerMinute 控制每分钟的真实请求上限。
func NewCachedSource(inner Source, ttl time.Duration, ratePerMinute int, logger *zap.Logger) *CachedSource {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if ratePerMinute <= 0 {
		ratePerMinute = 30
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &CachedSource{
		inner:   inner,
		ttl:     ttl,
		limiter: rate.NewLimiter(rate.Limit(float64(ratePerMinute)/60.0), ratePerMinute),
		logger:  logger,
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// FetchHistory 优先命中缓存；缓存过期时向底层数据源发起请求。
func (c *CachedSource) FetchHistory(ctx context.Context, ticker, interval string, limit int) ([]Candle, error) {
	key := fmt.Sprintf("%s|%s|%d", ticker, interval, limit)

	c.mu.Lock()
	entry, hit := c.entries[key]
	fresh := hit && c.now().Sub(entry.fetchedAt) < c.ttl
	c.mu.Unlock()

	if fresh {
		return entry.candles, nil
	}

	if !c.limiter.Allow() {
		if hit {
			c.logger.Debug("本地限流，返回缓存K线", zap.String("ticker", ticker))
			return entry.candles, nil
		}
		return nil, ErrRateLimited
	}

	candles, err := c.inner.FetchHistory(ctx, ticker, interval, limit)
	if err != nil {
		if hit && IsRetryable(err) {
			c.logger.Warn("数据源请求失败，回退到过期缓存",
				zap.String("ticker", ticker),
				zap.Time("cached_at", entry.fetchedAt),
				zap.Error(err),
			)
			return entry.candles, nil
		}
		return nil, err
	}

	c.mu.Lock()
	c.entries[key] = cacheEntry{candles: candles, fetchedAt: c.now()}
	c.mu.Unlock()

	return candles, nil
}
