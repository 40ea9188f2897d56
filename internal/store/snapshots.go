package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"commodity-trader/internal/pipeline"
	"commodity-trader/internal/signal"
)

// SnapshotRepo 持久化历史快照，供图表与回溯查询使用。
// 核心逻辑只读取内存中的最新快照，此处为追加写入。
type SnapshotRepo struct {
	db *sql.DB
}

// NewSnapshotRepo 创建快照存储并初始化表结构。
func NewSnapshotRepo(store *Store) (*SnapshotRepo, error) {
	if store == nil {
		return nil, errors.New("store: 数据库实例不能为空")
	}

	repo := &SnapshotRepo{db: store.DB()}
	if err := repo.initSchema(); err != nil {
		return nil, err
	}
	return repo, nil
}

func (r *SnapshotRepo) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS market_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			instrument TEXT NOT NULL,
			ts TEXT NOT NULL,
			price REAL NOT NULL,
			volume REAL,
			sma_20 REAL,
			ema_20 REAL,
			rsi REAL,
			macd REAL,
			macd_signal REAL,
			macd_histogram REAL,
			trend TEXT NOT NULL,
			signal TEXT NOT NULL,
			degraded INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_instrument_ts ON market_snapshots(instrument, ts);`,
	}

	for _, stmt := range schema {
		if _, err := r.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: 初始化快照表失败: %w", err)
		}
	}
	return nil
}

// SaveSnapshot 追加一条快照记录。NaN 指标存为 NULL。
func (r *SnapshotRepo) SaveSnapshot(ctx context.Context, snap pipeline.Snapshot) error {
	degraded := 0
	if snap.Degraded {
		degraded = 1
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO market_snapshots
		 (instrument, ts, price, volume, sma_20, ema_20, rsi, macd, macd_signal, macd_histogram, trend, signal, degraded)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		strings.ToUpper(snap.InstrumentID),
		snap.Timestamp.UTC().Format(time.RFC3339),
		snap.Price,
		nullIfNaN(snap.Volume),
		nullIfNaN(snap.SMA20),
		nullIfNaN(snap.EMA20),
		nullIfNaN(snap.RSI),
		nullIfNaN(snap.MACD),
		nullIfNaN(snap.MACDSignal),
		nullIfNaN(snap.MACDHistogram),
		string(snap.Trend),
		string(snap.Signal),
		degraded,
	)
	if err != nil {
		return fmt.Errorf("store: 写入快照失败: %w", err)
	}
	return nil
}

// LatestFor 返回品种最近一次持久化的快照。
func (r *SnapshotRepo) LatestFor(ctx context.Context, instrumentID string) (*pipeline.Snapshot, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT instrument, ts, price, volume, sma_20, ema_20, rsi, macd, macd_signal, macd_histogram, trend, signal, degraded
		 FROM market_snapshots WHERE instrument = ? ORDER BY id DESC LIMIT 1`,
		strings.ToUpper(instrumentID),
	)

	var (
		snap     pipeline.Snapshot
		ts       string
		volume   sql.NullFloat64
		sma      sql.NullFloat64
		ema      sql.NullFloat64
		rsi      sql.NullFloat64
		macd     sql.NullFloat64
		macdSig  sql.NullFloat64
		macdHist sql.NullFloat64
		trend    string
		sig      string
		degraded int
	)

	err := row.Scan(&snap.InstrumentID, &ts, &snap.Price, &volume,
		&sma, &ema, &rsi, &macd, &macdSig, &macdHist, &trend, &sig, &degraded)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("store: 查询快照失败: %w", err)
	}

	if parsed, parseErr := time.Parse(time.RFC3339, ts); parseErr == nil {
		snap.Timestamp = parsed
	}
	snap.Volume = floatOrNaN(volume)
	snap.SMA20 = floatOrNaN(sma)
	snap.EMA20 = floatOrNaN(ema)
	snap.RSI = floatOrNaN(rsi)
	snap.MACD = floatOrNaN(macd)
	snap.MACDSignal = floatOrNaN(macdSig)
	snap.MACDHistogram = floatOrNaN(macdHist)
	snap.Trend = signal.Trend(trend)
	snap.Signal = signal.Signal(sig)
	snap.Degraded = degraded == 1

	return &snap, nil
}

func nullIfNaN(v float64) interface{} {
	if math.IsNaN(v) {
		return nil
	}
	return v
}

func floatOrNaN(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}
