package platform

import (
	"context"
	"errors"
	"time"

	"commodity-trader/internal/marketdata"
)

// ErrUnsupportedInstrument 表示品种在目标平台没有符号映射，
// 调用方必须直接放弃本次操作，不得猜测符号。
var ErrUnsupportedInstrument = errors.New("platform: 品种在该平台不可交易")

// OrderSide 表示下单方向。
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// AccountInfo 为券商账户概况。FreeMargin 为 nil 表示券商未提供。
type AccountInfo struct {
	Balance    float64
	Equity     float64
	FreeMargin *float64
	Currency   string
}

// Quote 为单个符号的实时报价。
type Quote struct {
	Symbol    string
	Bid       float64
	Ask       float64
	Price     float64
	Timestamp time.Time
}

// OrderRequest 为一次开仓请求，Symbol 为平台原生符号。
type OrderRequest struct {
	InstrumentID string
	Symbol       string
	Side         OrderSide
	Quantity     float64
	StopLoss     float64
	TakeProfit   float64
	Comment      string
}

// OrderResult 为券商确认的下单结果。
type OrderResult struct {
	Ticket        string
	ExecutedPrice float64
	ExecutedAt    time.Time
}

// BrokerPosition 为券商侧持仓，仅用于对账与状态展示，
// 本地持仓以 store.Position 为准。
type BrokerPosition struct {
	Ticket     string
	Symbol     string
	Side       OrderSide
	Quantity   float64
	EntryPrice float64
	Profit     float64
}

// Connector 抽象单个交易平台的能力。实现必须可安全并发调用。
type Connector interface {
	Connect(ctx context.Context) error
	AccountInfo(ctx context.Context) (AccountInfo, error)
	OpenPositions(ctx context.Context) ([]BrokerPosition, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	ClosePosition(ctx context.Context, ticket, symbol string, side OrderSide, quantity float64) error
	SymbolPrice(ctx context.Context, symbol string) (Quote, error)
	Candles(ctx context.Context, symbol, interval string, limit int) ([]marketdata.Candle, error)
}

// OppositeSide 返回相反方向，用于平仓单。
func OppositeSide(side OrderSide) OrderSide {
	if side == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}
