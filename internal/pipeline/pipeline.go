package pipeline

import (
	"context"
	"fmt"
	"math"
	"time"

	talib "github.com/markcheno/go-talib"
	"go.uber.org/zap"

	"commodity-trader/internal/instrument"
	"commodity-trader/internal/marketdata"
	"commodity-trader/internal/signal"
)

const (
	smaPeriod  = 20
	emaPeriod  = 20
	rsiPeriod  = 14
	macdFast   = 12
	macdSlow   = 26
	macdSignal = 9
)

// MACD 需要慢线加信号线长度的历史，低于该值指标全为 NaN。
const minHistory = macdSlow + macdSignal

// TickProvider 提供可选的实时报价，通常由已连接的券商平台实现。
type TickProvider interface {
	LivePrice(ctx context.Context, instrumentID string) (float64, bool)
}

// HistoryFallback 在主数据源失败时按品种提供券商侧K线。
// 商品、贵金属等主数据源覆盖不到的品种依赖该通道取得历史。
type HistoryFallback interface {
	BrokerCandles(ctx context.Context, instrumentID, interval string, limit int) ([]marketdata.Candle, bool)
}

// Advisor 为可选的外部辅助信号源，失败时必须返回 nil 而非阻塞。
type Advisor interface {
	Analyze(ctx context.Context, snap Snapshot) (*signal.Advice, error)
}

// Recorder 持久化历史快照供图表使用。
type Recorder interface {
	SaveSnapshot(ctx context.Context, snap Snapshot) error
}

// RefreshOptions 为单次刷新携带的、每个周期重读的设置。
type RefreshOptions struct {
	Thresholds    signal.Thresholds
	UseAdvisor    bool
	MinConfidence float64
	Interval      string
	HistoryLimit  int
}

// Pipeline 负责拉取行情、计算指标并生成最新快照。
type Pipeline struct {
	source   marketdata.Source
	book     *Book
	ticks    TickProvider
	history  HistoryFallback
	advisor  Advisor
	recorder Recorder
	logger   *zap.Logger
	now      func() time.Time
}

// New 创建行情管线。ticks、history、advisor、recorder 均可为 nil。
func New(source marketdata.Source, book *Book, ticks TickProvider, history HistoryFallback, advisor Advisor, recorder Recorder, logger *zap.Logger) *Pipeline {
	if book == nil {
		book = NewBook()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		source:   source,
		book:     book,
		ticks:    ticks,
		history:  history,
		advisor:  advisor,
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
	}
}

// Book 返回快照簿。
func (p *Pipeline) Book() *Book {
	return p.book
}

// Refresh 刷新单个品种的快照。历史与实时数据均不可用时返回错误，
// 调用方应跳过该品种本周期的评估，而不是中断进程。
func (p *Pipeline) Refresh(ctx context.Context, instrumentID string, opts RefreshOptions) (Snapshot, error) {
	inst, ok := instrument.Get(instrumentID)
	if !ok {
		return Snapshot{}, fmt.Errorf("未知品种: %s", instrumentID)
	}

	interval := opts.Interval
	if interval == "" {
		interval = "1h"
	}
	limit := opts.HistoryLimit
	if limit <= 0 {
		limit = 200
	}

	candles, histErr := p.source.FetchHistory(ctx, inst.DataTicker, interval, limit)
	if histErr != nil && p.history != nil {
		if fallback, ok := p.history.BrokerCandles(ctx, inst.ID, interval, limit); ok && len(fallback) > 0 {
			p.logger.Warn("主数据源不可用，改用券商K线",
				zap.String("instrument", inst.ID),
				zap.Error(histErr),
			)
			candles, histErr = fallback, nil
		}
	}

	livePrice, hasLive := 0.0, false
	if p.ticks != nil {
		livePrice, hasLive = p.ticks.LivePrice(ctx, inst.ID)
	}

	var snap Snapshot
	switch {
	case histErr == nil && len(candles) > 0:
		if hasLive && livePrice > 0 {
			// 用实时报价覆盖最后一根K线的收盘价，降低数据延迟。
			candles[len(candles)-1].Close = livePrice
		}
		snap = p.compute(inst.ID, candles)
	case hasLive && livePrice > 0:
		p.logger.Warn("历史数据不可用，生成降级快照",
			zap.String("instrument", inst.ID),
			zap.Error(histErr),
		)
		snap = degradedSnapshot(inst.ID, livePrice, p.now())
	default:
		return Snapshot{}, fmt.Errorf("品种 %s 无历史数据也无实时报价: %w", inst.ID, histErr)
	}

	sig, trend := signal.Evaluate(snap.Indicators(), opts.Thresholds)
	snap.Signal = sig
	snap.Trend = trend

	if opts.UseAdvisor && p.advisor != nil && !snap.Degraded {
		advice, err := p.advisor.Analyze(ctx, snap)
		if err != nil {
			p.logger.Warn("辅助信号获取失败，沿用规则信号",
				zap.String("instrument", inst.ID),
				zap.Error(err),
			)
		} else if advice != nil {
			snap.Advisory = advice
			snap.Signal = signal.ApplyAdvisory(sig, advice, opts.MinConfidence)
		}
	}

	p.book.Put(snap)

	if p.recorder != nil {
		if err := p.recorder.SaveSnapshot(ctx, snap); err != nil {
			p.logger.Warn("快照持久化失败", zap.String("instrument", inst.ID), zap.Error(err))
		}
	}

	p.logger.Debug("快照刷新完成",
		zap.String("instrument", inst.ID),
		zap.Float64("price", snap.Price),
		zap.String("signal", string(snap.Signal)),
		zap.String("trend", string(snap.Trend)),
		zap.Bool("degraded", snap.Degraded),
	)

	return snap, nil
}

func (p *Pipeline) compute(instrumentID string, candles []marketdata.Candle) Snapshot {
	closes := closeSeries(candles)
	latest := candles[len(candles)-1]

	snap := Snapshot{
		InstrumentID:  instrumentID,
		Timestamp:     latest.Timestamp,
		Price:         latest.Close,
		Volume:        latest.Volume,
		SMA20:         math.NaN(),
		EMA20:         math.NaN(),
		RSI:           math.NaN(),
		MACD:          math.NaN(),
		MACDSignal:    math.NaN(),
		MACDHistogram: math.NaN(),
	}

	if len(closes) < minHistory {
		return snap
	}

	macd, macdSig, macdHist := talib.Macd(closes, macdFast, macdSlow, macdSignal)

	snap.SMA20 = last(talib.Sma(closes, smaPeriod))
	snap.EMA20 = last(talib.Ema(closes, emaPeriod))
	snap.RSI = last(talib.Rsi(closes, rsiPeriod))
	snap.MACD = last(macd)
	snap.MACDSignal = last(macdSig)
	snap.MACDHistogram = last(macdHist)

	return snap
}

func degradedSnapshot(instrumentID string, price float64, ts time.Time) Snapshot {
	return Snapshot{
		InstrumentID:  instrumentID,
		Timestamp:     ts.UTC(),
		Price:         price,
		SMA20:         math.NaN(),
		EMA20:         math.NaN(),
		RSI:           math.NaN(),
		MACD:          math.NaN(),
		MACDSignal:    math.NaN(),
		MACDHistogram: math.NaN(),
		Degraded:      true,
	}
}
