package pipeline

import (
	"math"
	"strings"
	"sync"
	"time"

	"commodity-trader/internal/signal"
)

// Snapshot 为单个品种最新的行情与指标状态，一经写入不再修改。
type Snapshot struct {
	InstrumentID  string
	Timestamp     time.Time
	Price         float64
	Volume        float64
	SMA20         float64
	EMA20         float64
	RSI           float64
	MACD          float64
	MACDSignal    float64
	MACDHistogram float64
	Trend         signal.Trend
	Signal        signal.Signal
	Degraded      bool
	Advisory      *signal.Advice
}

// Indicators 提取信号判定所需的指标子集。
func (s Snapshot) Indicators() signal.Indicators {
	return signal.Indicators{
		Price:         s.Price,
		EMA20:         s.EMA20,
		RSI:           s.RSI,
		MACD:          s.MACD,
		MACDSignal:    s.MACDSignal,
		MACDHistogram: s.MACDHistogram,
	}
}

// RSIValue 返回 RSI，数据不足时返回中性值 50。
func (s Snapshot) RSIValue() float64 {
	if math.IsNaN(s.RSI) {
		return 50
	}
	return s.RSI
}

// Book 为按品种索引的最新快照存储，后写覆盖先写。
type Book struct {
	mu        sync.RWMutex
	snapshots map[string]Snapshot
}

// NewBook 创建空的快照簿。
func NewBook() *Book {
	return &Book{snapshots: make(map[string]Snapshot)}
}

// Put 写入品种的最新快照。
func (b *Book) Put(snap Snapshot) {
	key := strings.ToUpper(snap.InstrumentID)
	b.mu.Lock()
	b.snapshots[key] = snap
	b.mu.Unlock()
}

// Latest 返回品种的最新快照。
func (b *Book) Latest(instrumentID string) (Snapshot, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	snap, ok := b.snapshots[strings.ToUpper(instrumentID)]
	return snap, ok
}

// LatestAll 返回全部快照的拷贝。
func (b *Book) LatestAll() map[string]Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]Snapshot, len(b.snapshots))
	for k, v := range b.snapshots {
		out[k] = v
	}
	return out
}

// Prices 返回每个品种的最新价格。
func (b *Book) Prices() map[string]float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]float64, len(b.snapshots))
	for k, v := range b.snapshots {
		out[k] = v.Price
	}
	return out
}
