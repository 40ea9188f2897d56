package marketdata

import (
	"context"
	"errors"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
)

// Candle 代表单根K线。
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// Source 抽象历史行情数据源。
type Source interface {
	FetchHistory(ctx context.Context, ticker, interval string, limit int) ([]Candle, error)
}

var (
	// ErrNoData 表示数据源没有返回任何K线。
	ErrNoData = errors.New("marketdata: no candles returned")
	// ErrRateLimited 表示数据源触发限流，上层应回退到缓存。
	ErrRateLimited = errors.New("marketdata: rate limited")
)

// IsRateLimited 判断错误是否为限流类错误。
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.RateLimitExceededErrType, ccxt.DDoSProtectionErrType:
			return true
		}
	}
	return false
}

// IsRetryable 判断错误是否可通过重试或缓存兜底恢复。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsRateLimited(err) {
		return true
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.NetworkErrorErrType,
			ccxt.RequestTimeoutErrType,
			ccxt.ExchangeNotAvailableErrType,
			ccxt.BadResponseErrType,
			ccxt.NullResponseErrType:
			return true
		}
	}
	return false
}
