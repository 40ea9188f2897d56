package platform

import (
	"context"
	"errors"
	"testing"

	"commodity-trader/internal/config"
	"commodity-trader/internal/marketdata"
)

type mockConnector struct {
	connectCalls int
	connectErr   error
	account      AccountInfo
	placed       []OrderRequest
	closed       []string
	quote        Quote
	candles      []marketdata.Candle
	candlesErr   error
}

func (m *mockConnector) Connect(_ context.Context) error {
	m.connectCalls++
	return m.connectErr
}

func (m *mockConnector) AccountInfo(_ context.Context) (AccountInfo, error) {
	return m.account, nil
}

func (m *mockConnector) OpenPositions(_ context.Context) ([]BrokerPosition, error) {
	return nil, nil
}

func (m *mockConnector) PlaceOrder(_ context.Context, req OrderRequest) (OrderResult, error) {
	m.placed = append(m.placed, req)
	return OrderResult{Ticket: "T-1"}, nil
}

func (m *mockConnector) ClosePosition(_ context.Context, ticket, _ string, _ OrderSide, _ float64) error {
	m.closed = append(m.closed, ticket)
	return nil
}

func (m *mockConnector) SymbolPrice(_ context.Context, symbol string) (Quote, error) {
	q := m.quote
	q.Symbol = symbol
	return q, nil
}

func (m *mockConnector) Candles(_ context.Context, _, _ string, _ int) ([]marketdata.Candle, error) {
	return m.candles, m.candlesErr
}

func binanceConfig() config.PlatformConfig {
	return config.PlatformConfig{
		ID:     "BINANCE",
		Kind:   config.PlatformKindCrypto,
		LotMin: 0.01,
		LotMax: 0.10,
	}
}

func newTestRouter(t *testing.T, cfg config.PlatformConfig, conn Connector) *Router {
	t.Helper()
	router := NewRouter(nil)
	if err := router.Register(cfg, conn); err != nil {
		t.Fatalf("Register returned error: %v", err)
	}
	return router
}

func TestRouter_UnsupportedInstrumentFailsFast(t *testing.T) {
	conn := &mockConnector{}
	router := newTestRouter(t, binanceConfig(), conn)

	// WTI 原油没有加密平台的符号映射。
	_, err := router.PlaceOrder(context.Background(), "BINANCE", "WTI_CRUDE", OrderSideBuy, 0.05, 90, 110, "")
	if !errors.Is(err, ErrUnsupportedInstrument) {
		t.Fatalf("expected ErrUnsupportedInstrument, got %v", err)
	}
	if len(conn.placed) != 0 {
		t.Errorf("no order may reach the connector for unmapped instruments")
	}
	if conn.connectCalls != 0 {
		t.Errorf("symbol resolution must happen before connecting, got %d connects", conn.connectCalls)
	}
}

func TestRouter_PlaceOrderResolvesNativeSymbol(t *testing.T) {
	conn := &mockConnector{}
	router := newTestRouter(t, binanceConfig(), conn)

	_, err := router.PlaceOrder(context.Background(), "BINANCE", "BITCOIN", OrderSideBuy, 0.05, 90000, 110000, "test")
	if err != nil {
		t.Fatalf("PlaceOrder returned error: %v", err)
	}

	if len(conn.placed) != 1 {
		t.Fatalf("expected one order, got %d", len(conn.placed))
	}
	if conn.placed[0].Symbol != "BTC/USDT" {
		t.Errorf("expected native symbol BTC/USDT, got %s", conn.placed[0].Symbol)
	}
	if conn.connectCalls != 1 {
		t.Errorf("expected auto-connect before first order, got %d connects", conn.connectCalls)
	}
}

func TestRouter_ConnectIdempotent(t *testing.T) {
	conn := &mockConnector{}
	router := newTestRouter(t, binanceConfig(), conn)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := router.Connect(ctx, "BINANCE"); err != nil {
			t.Fatalf("Connect %d returned error: %v", i, err)
		}
	}

	if conn.connectCalls != 1 {
		t.Errorf("expected single underlying connect, got %d", conn.connectCalls)
	}
}

func TestRouter_AutoConnectOnAccountInfo(t *testing.T) {
	conn := &mockConnector{account: AccountInfo{Balance: 1234, Currency: "USDT"}}
	router := newTestRouter(t, binanceConfig(), conn)

	info, err := router.AccountInfo(context.Background(), "BINANCE")
	if err != nil {
		t.Fatalf("AccountInfo returned error: %v", err)
	}
	if conn.connectCalls != 1 {
		t.Errorf("expected auto-connect, got %d connects", conn.connectCalls)
	}
	if info.Balance != 1234 {
		t.Errorf("unexpected balance %f", info.Balance)
	}

	status := router.Status()
	if len(status) != 1 || !status[0].Connected || status[0].Balance != 1234 {
		t.Errorf("status must reflect cached account snapshot: %+v", status)
	}
}

func TestRouter_ConnectFailureSurfaces(t *testing.T) {
	conn := &mockConnector{connectErr: errors.New("bad credentials")}
	router := newTestRouter(t, binanceConfig(), conn)

	if _, err := router.AccountInfo(context.Background(), "BINANCE"); err == nil {
		t.Fatalf("expected connect failure to surface")
	}
}

func TestRouter_UnknownPlatform(t *testing.T) {
	router := NewRouter(nil)
	if err := router.Connect(context.Background(), "MT5_LIBERTEX"); err == nil {
		t.Fatalf("expected error for unregistered platform")
	}
}

func TestRouter_DuplicateRegistration(t *testing.T) {
	router := NewRouter(nil)
	if err := router.Register(binanceConfig(), &mockConnector{}); err != nil {
		t.Fatalf("first Register returned error: %v", err)
	}
	if err := router.Register(binanceConfig(), &mockConnector{}); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
}

func TestRouter_BrokerCandlesFromMappedPlatform(t *testing.T) {
	router := NewRouter(nil)

	// BINANCE 没有 WTI 原油的符号映射，不应被连接或询问。
	crypto := &mockConnector{}
	if err := router.Register(binanceConfig(), crypto); err != nil {
		t.Fatalf("Register returned error: %v", err)
	}

	mt5 := &mockConnector{candles: []marketdata.Candle{{Close: 75.5}}}
	mt5Cfg := config.PlatformConfig{
		ID:     "MT5_LIBERTEX",
		Kind:   config.PlatformKindMT5,
		LotMin: 0.01,
		LotMax: 0.10,
	}
	if err := router.Register(mt5Cfg, mt5); err != nil {
		t.Fatalf("Register returned error: %v", err)
	}

	candles, ok := router.BrokerCandles(context.Background(), "WTI_CRUDE", "1h", 50)
	if !ok || len(candles) != 1 {
		t.Fatalf("expected candles from the MT5 platform, got ok=%v len=%d", ok, len(candles))
	}
	if crypto.connectCalls != 0 {
		t.Errorf("unmapped platform must not be connected, got %d connects", crypto.connectCalls)
	}
	if mt5.connectCalls != 1 {
		t.Errorf("expected auto-connect before candle fetch, got %d connects", mt5.connectCalls)
	}
}

func TestRouter_BrokerCandlesNoMappedPlatform(t *testing.T) {
	conn := &mockConnector{candles: []marketdata.Candle{{Close: 1}}}
	router := newTestRouter(t, binanceConfig(), conn)

	if _, ok := router.BrokerCandles(context.Background(), "WTI_CRUDE", "1h", 50); ok {
		t.Fatalf("commodities must not be served by crypto-only routers")
	}
	if conn.connectCalls != 0 {
		t.Errorf("symbol resolution must happen before connecting, got %d connects", conn.connectCalls)
	}
}

func TestRouter_LivePriceOnlyConnectedPlatforms(t *testing.T) {
	conn := &mockConnector{quote: Quote{Price: 65000}}
	router := newTestRouter(t, binanceConfig(), conn)

	if _, ok := router.LivePrice(context.Background(), "BITCOIN"); ok {
		t.Fatalf("disconnected platforms must not serve live prices")
	}

	if err := router.Connect(context.Background(), "BINANCE"); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}

	price, ok := router.LivePrice(context.Background(), "BITCOIN")
	if !ok || price != 65000 {
		t.Errorf("expected live price 65000, got %f (ok=%v)", price, ok)
	}
}
