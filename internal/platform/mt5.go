package platform

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"commodity-trader/internal/config"
	"commodity-trader/internal/marketdata"
)

const mt5DefaultRegion = "london"

// MetaApi 按区域部署客户端网关，区域写在平台配置里。
var mt5RegionHosts = map[string]string{
	"london":    "https://mt-client-api-v1.london.agiliumtrade.ai",
	"new-york":  "https://mt-client-api-v1.new-york.agiliumtrade.ai",
	"singapore": "https://mt-client-api-v1.singapore.agiliumtrade.ai",
}

// MT5Connector 通过 MetaApi 风格的 REST 网关操作托管 MT5 账户。
type MT5Connector struct {
	client    *resty.Client
	accountID string
	logger    *zap.Logger
}

// NewMT5Connector 创建 MT5 平台连接器。
func NewMT5Connector(cfg config.PlatformConfig, logger *zap.Logger) (*MT5Connector, error) {
	if cfg.AccountID == "" {
		return nil, fmt.Errorf("平台 %s 缺少 account_id", cfg.ID)
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("平台 %s 缺少 token", cfg.ID)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	region := strings.ToLower(strings.TrimSpace(cfg.Region))
	if region == "" {
		region = mt5DefaultRegion
	}
	host, ok := mt5RegionHosts[region]
	if !ok {
		return nil, fmt.Errorf("平台 %s 的 region 取值非法: %s", cfg.ID, cfg.Region)
	}

	client := resty.New()
	client.SetBaseURL(host)
	client.SetTimeout(30 * time.Second)
	client.SetHeader("auth-token", cfg.Token)
	client.SetHeader("Accept", "application/json")

	return &MT5Connector{
		client:    client,
		accountID: cfg.AccountID,
		logger:    logger.With(zap.String("account_id", cfg.AccountID)),
	}, nil
}

type mt5AccountInfo struct {
	Balance    float64 `json:"balance"`
	Equity     float64 `json:"equity"`
	Margin     float64 `json:"margin"`
	FreeMargin float64 `json:"freeMargin"`
	Currency   string  `json:"currency"`
}

type mt5Position struct {
	ID        string  `json:"id"`
	Symbol    string  `json:"symbol"`
	Type      string  `json:"type"`
	Volume    float64 `json:"volume"`
	OpenPrice float64 `json:"openPrice"`
	Profit    float64 `json:"profit"`
}

type mt5Price struct {
	Symbol string  `json:"symbol"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Time   string  `json:"time"`
}

type mt5Candle struct {
	Time       string  `json:"time"`
	Open       float64 `json:"open"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Close      float64 `json:"close"`
	TickVolume float64 `json:"tickVolume"`
}

type mt5TradeRequest struct {
	ActionType string  `json:"actionType"`
	Symbol     string  `json:"symbol,omitempty"`
	Volume     float64 `json:"volume,omitempty"`
	StopLoss   float64 `json:"stopLoss,omitempty"`
	TakeProfit float64 `json:"takeProfit,omitempty"`
	PositionID string  `json:"positionId,omitempty"`
	Comment    string  `json:"comment,omitempty"`
}

type mt5TradeResponse struct {
	OrderID     string  `json:"orderId"`
	PositionID  string  `json:"positionId"`
	NumericCode int     `json:"numericCode"`
	StringCode  string  `json:"stringCode"`
	Message     string  `json:"message"`
	TradePrice  float64 `json:"tradePrice"`
}

// Connect 通过拉取账户概况验证网关可达与凭据有效。
func (c *MT5Connector) Connect(ctx context.Context) error {
	if _, err := c.AccountInfo(ctx); err != nil {
		return fmt.Errorf("MT5 连接验证失败: %w", err)
	}
	c.logger.Info("MT5 平台连接成功")
	return nil
}

// AccountInfo 返回账户余额与自由保证金。
func (c *MT5Connector) AccountInfo(ctx context.Context) (AccountInfo, error) {
	var payload mt5AccountInfo
	resp, err := c.client.R().
		SetContext(ctx).
		SetResult(&payload).
		Get(c.path("/account-information"))
	if err != nil {
		return AccountInfo{}, fmt.Errorf("获取账户信息失败: %w", err)
	}
	if resp.IsError() {
		return AccountInfo{}, httpError(resp)
	}

	freeMargin := payload.FreeMargin
	return AccountInfo{
		Balance:    payload.Balance,
		Equity:     payload.Equity,
		FreeMargin: &freeMargin,
		Currency:   payload.Currency,
	}, nil
}

// OpenPositions 返回券商侧全部未平仓持仓。
func (c *MT5Connector) OpenPositions(ctx context.Context) ([]BrokerPosition, error) {
	var payload []mt5Position
	resp, err := c.client.R().
		SetContext(ctx).
		SetResult(&payload).
		Get(c.path("/positions"))
	if err != nil {
		return nil, fmt.Errorf("获取持仓失败: %w", err)
	}
	if resp.IsError() {
		return nil, httpError(resp)
	}

	out := make([]BrokerPosition, 0, len(payload))
	for _, pos := range payload {
		side := OrderSideBuy
		if strings.Contains(strings.ToUpper(pos.Type), "SELL") {
			side = OrderSideSell
		}
		out = append(out, BrokerPosition{
			Ticket:     pos.ID,
			Symbol:     pos.Symbol,
			Side:       side,
			Quantity:   pos.Volume,
			EntryPrice: pos.OpenPrice,
			Profit:     pos.Profit,
		})
	}
	return out, nil
}

// PlaceOrder 提交市价单并返回券商持仓号。
func (c *MT5Connector) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if req.Symbol == "" {
		return OrderResult{}, errors.New("下单符号不能为空")
	}
	if req.Quantity <= 0 {
		return OrderResult{}, fmt.Errorf("下单手数非法: %f", req.Quantity)
	}

	actionType := "ORDER_TYPE_BUY"
	if req.Side == OrderSideSell {
		actionType = "ORDER_TYPE_SELL"
	}

	var payload mt5TradeResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(mt5TradeRequest{
			ActionType: actionType,
			Symbol:     req.Symbol,
			Volume:     req.Quantity,
			StopLoss:   req.StopLoss,
			TakeProfit: req.TakeProfit,
			Comment:    req.Comment,
		}).
		SetResult(&payload).
		Post(c.path("/trade"))
	if err != nil {
		return OrderResult{}, fmt.Errorf("下单请求失败: %w", err)
	}
	if resp.IsError() {
		return OrderResult{}, httpError(resp)
	}
	if payload.NumericCode != 0 && !strings.EqualFold(payload.StringCode, "TRADE_RETCODE_DONE") {
		return OrderResult{}, fmt.Errorf("券商拒绝订单: %s (%d) %s",
			payload.StringCode, payload.NumericCode, payload.Message)
	}

	ticket := payload.PositionID
	if ticket == "" {
		ticket = payload.OrderID
	}

	c.logger.Info("MT5 订单成交",
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.Float64("volume", req.Quantity),
		zap.String("ticket", ticket),
	)

	return OrderResult{
		Ticket:        ticket,
		ExecutedPrice: payload.TradePrice,
		ExecutedAt:    time.Now().UTC(),
	}, nil
}

// ClosePosition 按持仓号平仓。
func (c *MT5Connector) ClosePosition(ctx context.Context, ticket, symbol string, side OrderSide, quantity float64) error {
	if ticket == "" {
		return errors.New("平仓缺少持仓号")
	}

	var payload mt5TradeResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(mt5TradeRequest{
			ActionType: "POSITION_CLOSE_ID",
			PositionID: ticket,
		}).
		SetResult(&payload).
		Post(c.path("/trade"))
	if err != nil {
		return fmt.Errorf("平仓请求失败: %w", err)
	}
	if resp.IsError() {
		return httpError(resp)
	}
	if payload.NumericCode != 0 && !strings.EqualFold(payload.StringCode, "TRADE_RETCODE_DONE") {
		return fmt.Errorf("券商拒绝平仓: %s (%d) %s",
			payload.StringCode, payload.NumericCode, payload.Message)
	}

	c.logger.Info("MT5 持仓已平仓", zap.String("ticket", ticket), zap.String("symbol", symbol))
	return nil
}

// SymbolPrice 返回符号的当前报价，Price 取买卖价中值。
func (c *MT5Connector) SymbolPrice(ctx context.Context, symbol string) (Quote, error) {
	var payload mt5Price
	resp, err := c.client.R().
		SetContext(ctx).
		SetResult(&payload).
		Get(c.path("/symbols/" + symbol + "/current-price"))
	if err != nil {
		return Quote{}, fmt.Errorf("获取报价失败 (%s): %w", symbol, err)
	}
	if resp.IsError() {
		return Quote{}, httpError(resp)
	}

	quote := Quote{
		Symbol:    symbol,
		Bid:       payload.Bid,
		Ask:       payload.Ask,
		Price:     (payload.Bid + payload.Ask) / 2,
		Timestamp: time.Now().UTC(),
	}
	if ts, parseErr := time.Parse(time.RFC3339, payload.Time); parseErr == nil {
		quote.Timestamp = ts
	}
	return quote, nil
}

// Candles 拉取历史K线，供行情数据源不可用时兜底。
func (c *MT5Connector) Candles(ctx context.Context, symbol, interval string, limit int) ([]marketdata.Candle, error) {
	if limit <= 0 {
		limit = 1
	}

	var payload []mt5Candle
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParam("limit", fmt.Sprintf("%d", limit)).
		SetResult(&payload).
		Get(c.path("/historical-market-data/symbols/" + symbol + "/timeframes/" + interval + "/candles"))
	if err != nil {
		return nil, fmt.Errorf("拉取K线失败 (%s %s): %w", symbol, interval, err)
	}
	if resp.IsError() {
		return nil, httpError(resp)
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: %s", marketdata.ErrNoData, symbol)
	}

	candles := make([]marketdata.Candle, 0, len(payload))
	for _, item := range payload {
		candle := marketdata.Candle{
			Open:   item.Open,
			High:   item.High,
			Low:    item.Low,
			Close:  item.Close,
			Volume: item.TickVolume,
		}
		if ts, parseErr := time.Parse(time.RFC3339, item.Time); parseErr == nil {
			candle.Timestamp = ts.UTC()
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

func (c *MT5Connector) path(suffix string) string {
	return "/users/current/accounts/" + c.accountID + suffix
}

func httpError(resp *resty.Response) error {
	return fmt.Errorf("网关返回错误 %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
}
