package supervisor

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"commodity-trader/internal/pipeline"
	"commodity-trader/internal/platform"
	"commodity-trader/internal/signal"
	"commodity-trader/internal/store"
)

type closeCall struct {
	id     string
	exit   float64
	pl     float64
	reason string
}

type memPositions struct {
	byID   map[string]*store.Position
	order  []string
	closes []closeCall
}

func newMemPositions(positions ...*store.Position) *memPositions {
	m := &memPositions{byID: make(map[string]*store.Position)}
	for _, pos := range positions {
		m.byID[pos.ID] = pos
		m.order = append(m.order, pos.ID)
	}
	return m
}

func (m *memPositions) ListByStatus(_ context.Context, status store.Status) ([]store.Position, error) {
	var out []store.Position
	for _, id := range m.order {
		if m.byID[id].Status == status {
			out = append(out, *m.byID[id])
		}
	}
	return out, nil
}

func (m *memPositions) Close(_ context.Context, id string, exitPrice, profitLoss float64, reason string, _ time.Time) (bool, error) {
	pos, ok := m.byID[id]
	if !ok || pos.Status != store.StatusOpen {
		return false, nil
	}
	pos.Status = store.StatusClosed
	pos.ExitPrice = &exitPrice
	pos.ProfitLoss = &profitLoss
	pos.Reason = reason
	m.closes = append(m.closes, closeCall{id: id, exit: exitPrice, pl: profitLoss, reason: reason})
	return true, nil
}

func (m *memPositions) UpdateStopLoss(_ context.Context, id string, stopLoss float64) error {
	if pos, ok := m.byID[id]; ok && pos.Status == store.StatusOpen {
		pos.StopLoss = stopLoss
	}
	return nil
}

type stubSettings struct {
	settings store.TradingSettings
}

func (s *stubSettings) Get(_ context.Context) (store.TradingSettings, error) {
	return s.settings, nil
}

type stubRefresher struct {
	snaps map[string]pipeline.Snapshot
	err   error
	calls int
}

func (s *stubRefresher) Refresh(_ context.Context, instrumentID string, _ pipeline.RefreshOptions) (pipeline.Snapshot, error) {
	s.calls++
	if s.err != nil {
		return pipeline.Snapshot{}, s.err
	}
	return s.snaps[instrumentID], nil
}

type stubBroker struct {
	calls int
	err   error
}

func (b *stubBroker) ClosePosition(_ context.Context, _, _, _ string, _ platform.OrderSide, _ float64) error {
	b.calls++
	return b.err
}

func holdSnapshot(instrumentID string, price float64) pipeline.Snapshot {
	return pipeline.Snapshot{
		InstrumentID: instrumentID,
		Price:        price,
		Signal:       signal.SignalHold,
		Trend:        signal.TrendNeutral,
	}
}

func longPosition(id string) *store.Position {
	return &store.Position{
		ID:           id,
		InstrumentID: "WTI_CRUDE",
		Side:         store.SideLong,
		EntryPrice:   100,
		Quantity:     1,
		StopLoss:     98,
		TakeProfit:   110,
		Platform:     "MT5_LIBERTEX",
		Ticket:       "T1",
		Status:       store.StatusOpen,
	}
}

func TestScan_LongStopLossClose(t *testing.T) {
	positions := newMemPositions(longPosition("p1"))
	broker := &stubBroker{}
	book := pipeline.NewBook()
	book.Put(holdSnapshot("WTI_CRUDE", 98))

	sup := New(positions, &stubSettings{settings: store.DefaultSettings()}, nil, book, broker, Options{}, nil)
	if err := sup.Scan(context.Background()); err != nil {
		t.Fatalf("Scan returned error: %v", err)
	}

	if len(positions.closes) != 1 {
		t.Fatalf("expected one close, got %d", len(positions.closes))
	}
	call := positions.closes[0]
	if call.exit != 98 {
		t.Errorf("expected exit price 98, got %f", call.exit)
	}
	if call.pl != -2 {
		t.Errorf("expected profit/loss -2, got %f", call.pl)
	}
	if broker.calls != 1 {
		t.Errorf("expected broker close for ticketed position, got %d calls", broker.calls)
	}
}

func TestScan_Idempotent(t *testing.T) {
	positions := newMemPositions(longPosition("p1"))
	book := pipeline.NewBook()
	book.Put(holdSnapshot("WTI_CRUDE", 98))

	sup := New(positions, &stubSettings{settings: store.DefaultSettings()}, nil, book, nil, Options{}, nil)
	for i := 0; i < 3; i++ {
		if err := sup.Scan(context.Background()); err != nil {
			t.Fatalf("Scan %d returned error: %v", i, err)
		}
	}

	if len(positions.closes) != 1 {
		t.Errorf("repeated scans must not close twice, got %d closes", len(positions.closes))
	}
}

func TestScan_LongTakeProfitClose(t *testing.T) {
	positions := newMemPositions(longPosition("p1"))
	book := pipeline.NewBook()
	book.Put(holdSnapshot("WTI_CRUDE", 110))

	sup := New(positions, &stubSettings{settings: store.DefaultSettings()}, nil, book, nil, Options{}, nil)
	if err := sup.Scan(context.Background()); err != nil {
		t.Fatalf("Scan returned error: %v", err)
	}

	if len(positions.closes) != 1 {
		t.Fatalf("expected one close, got %d", len(positions.closes))
	}
	if positions.closes[0].pl != 10 {
		t.Errorf("expected profit 10, got %f", positions.closes[0].pl)
	}
}

func TestScan_ShortMirror(t *testing.T) {
	pos := &store.Position{
		ID:           "s1",
		InstrumentID: "GOLD",
		Side:         store.SideShort,
		EntryPrice:   100,
		Quantity:     1,
		StopLoss:     102,
		TakeProfit:   90,
		Platform:     "MT5_LIBERTEX",
		Status:       store.StatusOpen,
	}
	positions := newMemPositions(pos)
	book := pipeline.NewBook()
	book.Put(holdSnapshot("GOLD", 102))

	sup := New(positions, &stubSettings{settings: store.DefaultSettings()}, nil, book, nil, Options{}, nil)
	if err := sup.Scan(context.Background()); err != nil {
		t.Fatalf("Scan returned error: %v", err)
	}

	if len(positions.closes) != 1 {
		t.Fatalf("expected one close, got %d", len(positions.closes))
	}
	if positions.closes[0].pl != -2 {
		t.Errorf("short stop at 102 must lose 2, got %f", positions.closes[0].pl)
	}
}

func TestScan_ReversalExit(t *testing.T) {
	pos := longPosition("p1")
	pos.StopLoss = 90
	positions := newMemPositions(pos)
	book := pipeline.NewBook()

	snap := holdSnapshot("WTI_CRUDE", 102)
	snap.Signal = signal.SignalSell
	book.Put(snap)

	sup := New(positions, &stubSettings{settings: store.DefaultSettings()}, nil, book, nil, Options{}, nil)
	if err := sup.Scan(context.Background()); err != nil {
		t.Fatalf("Scan returned error: %v", err)
	}

	if len(positions.closes) != 1 {
		t.Fatalf("expected reversal exit, got %d closes", len(positions.closes))
	}
	if positions.closes[0].reason != "信号反转离场" {
		t.Errorf("unexpected close reason: %s", positions.closes[0].reason)
	}
}

func TestScan_ReversalNeedsProfit(t *testing.T) {
	pos := longPosition("p1")
	pos.StopLoss = 90
	positions := newMemPositions(pos)
	book := pipeline.NewBook()

	// 亏损中的反转信号不离场，等止损或趋势恢复。
	snap := holdSnapshot("WTI_CRUDE", 99)
	snap.Signal = signal.SignalSell
	book.Put(snap)

	sup := New(positions, &stubSettings{settings: store.DefaultSettings()}, nil, book, nil, Options{}, nil)
	if err := sup.Scan(context.Background()); err != nil {
		t.Fatalf("Scan returned error: %v", err)
	}

	if len(positions.closes) != 0 {
		t.Errorf("losing position must not exit on reversal signal")
	}
}

func TestScan_ProfitLock(t *testing.T) {
	pos := longPosition("p1")
	pos.TakeProfit = 120
	positions := newMemPositions(pos)
	book := pipeline.NewBook()
	book.Put(holdSnapshot("WTI_CRUDE", 106))

	sup := New(positions, &stubSettings{settings: store.DefaultSettings()}, nil, book, nil, Options{}, nil)
	if err := sup.Scan(context.Background()); err != nil {
		t.Fatalf("Scan returned error: %v", err)
	}

	if len(positions.closes) != 1 {
		t.Fatalf("expected profit lock exit, got %d closes", len(positions.closes))
	}
	if positions.closes[0].reason != "利润锁定离场" {
		t.Errorf("unexpected close reason: %s", positions.closes[0].reason)
	}
}

func TestScan_TrailingNeverLoosens(t *testing.T) {
	pos := longPosition("p1")
	pos.StopLoss = 95
	pos.TakeProfit = 200
	positions := newMemPositions(pos)

	settings := store.DefaultSettings()
	settings.UseTrailingStop = true
	settings.TrailingStopDistance = 1.5

	book := pipeline.NewBook()
	sup := New(positions, &stubSettings{settings: settings}, nil, book, nil, Options{}, nil)

	book.Put(holdSnapshot("WTI_CRUDE", 104))
	if err := sup.Scan(context.Background()); err != nil {
		t.Fatalf("Scan returned error: %v", err)
	}

	tightened := positions.byID["p1"].StopLoss
	want := 104 * 0.985
	if math.Abs(tightened-want) > 1e-9 {
		t.Fatalf("expected stop ratcheted to %f, got %f", want, tightened)
	}

	// 价格回落时不得放松止损。
	book.Put(holdSnapshot("WTI_CRUDE", 103))
	if err := sup.Scan(context.Background()); err != nil {
		t.Fatalf("Scan returned error: %v", err)
	}

	if positions.byID["p1"].StopLoss != tightened {
		t.Errorf("trailing stop loosened: %f -> %f", tightened, positions.byID["p1"].StopLoss)
	}
}

func TestScan_ShortTrailingNeverLoosens(t *testing.T) {
	pos := &store.Position{
		ID:           "s1",
		InstrumentID: "GOLD",
		Side:         store.SideShort,
		EntryPrice:   100,
		Quantity:     1,
		StopLoss:     105,
		TakeProfit:   50,
		Platform:     "MT5_LIBERTEX",
		Status:       store.StatusOpen,
	}
	positions := newMemPositions(pos)

	settings := store.DefaultSettings()
	settings.UseTrailingStop = true
	settings.TrailingStopDistance = 1.5

	book := pipeline.NewBook()
	sup := New(positions, &stubSettings{settings: settings}, nil, book, nil, Options{}, nil)

	book.Put(holdSnapshot("GOLD", 97))
	if err := sup.Scan(context.Background()); err != nil {
		t.Fatalf("Scan returned error: %v", err)
	}

	tightened := positions.byID["s1"].StopLoss
	want := 97 * 1.015
	if math.Abs(tightened-want) > 1e-9 {
		t.Fatalf("expected stop ratcheted to %f, got %f", want, tightened)
	}

	book.Put(holdSnapshot("GOLD", 98))
	if err := sup.Scan(context.Background()); err != nil {
		t.Fatalf("Scan returned error: %v", err)
	}

	if positions.byID["s1"].StopLoss != tightened {
		t.Errorf("short trailing stop loosened: %f -> %f", tightened, positions.byID["s1"].StopLoss)
	}
}

func TestScan_BrokerFailureStillClosesLocally(t *testing.T) {
	positions := newMemPositions(longPosition("p1"))
	broker := &stubBroker{err: errors.New("gateway timeout")}
	book := pipeline.NewBook()
	book.Put(holdSnapshot("WTI_CRUDE", 98))

	sup := New(positions, &stubSettings{settings: store.DefaultSettings()}, nil, book, broker, Options{}, nil)
	if err := sup.Scan(context.Background()); err != nil {
		t.Fatalf("Scan returned error: %v", err)
	}

	if len(positions.closes) != 1 {
		t.Errorf("broker failure must not block local close, got %d closes", len(positions.closes))
	}
}

func TestScan_RefreshesSnapshotWhenBookEmpty(t *testing.T) {
	positions := newMemPositions(longPosition("p1"))
	broker := &stubBroker{}
	book := pipeline.NewBook()

	// 快照簿为空（例如自动交易关闭），巡检必须自行刷新行情，
	// 否则止损永远不会触发。
	refresher := &stubRefresher{snaps: map[string]pipeline.Snapshot{
		"WTI_CRUDE": holdSnapshot("WTI_CRUDE", 98),
	}}

	sup := New(positions, &stubSettings{settings: store.DefaultSettings()}, refresher, book, broker, Options{}, nil)
	if err := sup.Scan(context.Background()); err != nil {
		t.Fatalf("Scan returned error: %v", err)
	}

	if refresher.calls != 1 {
		t.Fatalf("expected one refresh for the open instrument, got %d", refresher.calls)
	}
	if len(positions.closes) != 1 {
		t.Fatalf("stop loss must fire on refreshed price, got %d closes", len(positions.closes))
	}
	if positions.closes[0].exit != 98 {
		t.Errorf("expected exit at refreshed price 98, got %f", positions.closes[0].exit)
	}
}

func TestScan_RefreshSharedAcrossPositions(t *testing.T) {
	first := longPosition("p1")
	second := longPosition("p2")
	second.StopLoss = 50
	second.TakeProfit = 200
	positions := newMemPositions(first, second)

	refresher := &stubRefresher{snaps: map[string]pipeline.Snapshot{
		"WTI_CRUDE": holdSnapshot("WTI_CRUDE", 99),
	}}

	sup := New(positions, &stubSettings{settings: store.DefaultSettings()}, refresher, pipeline.NewBook(), nil, Options{}, nil)
	if err := sup.Scan(context.Background()); err != nil {
		t.Fatalf("Scan returned error: %v", err)
	}

	if refresher.calls != 1 {
		t.Errorf("same-instrument positions must share one refresh, got %d", refresher.calls)
	}
}

func TestScan_RefreshFailureFallsBackToBook(t *testing.T) {
	positions := newMemPositions(longPosition("p1"))
	book := pipeline.NewBook()
	book.Put(holdSnapshot("WTI_CRUDE", 98))

	refresher := &stubRefresher{err: errors.New("exchange down")}

	sup := New(positions, &stubSettings{settings: store.DefaultSettings()}, refresher, book, nil, Options{}, nil)
	if err := sup.Scan(context.Background()); err != nil {
		t.Fatalf("Scan returned error: %v", err)
	}

	if len(positions.closes) != 1 {
		t.Errorf("book price must still drive exits when refresh fails, got %d closes", len(positions.closes))
	}
}

func TestScan_NoPriceAnywhereSkipped(t *testing.T) {
	positions := newMemPositions(longPosition("p1"))
	book := pipeline.NewBook()
	refresher := &stubRefresher{err: errors.New("exchange down")}

	sup := New(positions, &stubSettings{settings: store.DefaultSettings()}, refresher, book, nil, Options{}, nil)
	if err := sup.Scan(context.Background()); err != nil {
		t.Fatalf("Scan returned error: %v", err)
	}

	if len(positions.closes) != 0 {
		t.Errorf("positions without any price must be skipped, got %d closes", len(positions.closes))
	}
}
