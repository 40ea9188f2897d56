package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"commodity-trader/internal/signal"
)

// Side 表示持仓方向。
type Side string

// Status 表示持仓状态。
type Status string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"

	StatusOpen   Status = "OPEN"
	StatusClosed Status = "CLOSED"
)

// SideForSignal 将 BUY/SELL 信号映射为持仓方向。
func SideForSignal(s signal.Signal) (Side, bool) {
	switch s {
	case signal.SignalBuy:
		return SideLong, true
	case signal.SignalSell:
		return SideShort, true
	default:
		return "", false
	}
}

// Position 为一笔开仓或已平仓的交易。
// 不变式：ExitPrice、ProfitLoss、ClosedAt 当且仅当 Status=CLOSED 时非空。
type Position struct {
	ID           string
	InstrumentID string
	Side         Side
	EntryPrice   float64
	Quantity     float64
	StopLoss     float64
	TakeProfit   float64
	Platform     string
	Ticket       string
	Status       Status
	ExitPrice    *float64
	ProfitLoss   *float64
	OpenedAt     time.Time
	ClosedAt     *time.Time
	Reason       string
}

// PositionRepo 基于 SQLite 的持仓存储。
type PositionRepo struct {
	db *sql.DB
}

// NewPositionRepo 创建持仓存储并初始化表结构。
func NewPositionRepo(store *Store) (*PositionRepo, error) {
	if store == nil {
		return nil, errors.New("store: 数据库实例不能为空")
	}

	repo := &PositionRepo{db: store.DB()}
	if err := repo.initSchema(); err != nil {
		return nil, err
	}
	return repo, nil
}

func (r *PositionRepo) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS positions (
			id TEXT PRIMARY KEY,
			instrument TEXT NOT NULL,
			side TEXT NOT NULL,
			entry_price REAL NOT NULL,
			quantity REAL NOT NULL,
			stop_loss REAL NOT NULL,
			take_profit REAL NOT NULL,
			platform TEXT NOT NULL,
			ticket TEXT,
			status TEXT NOT NULL,
			exit_price REAL,
			profit_loss REAL,
			opened_at TEXT NOT NULL,
			closed_at TEXT,
			reason TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status);`,
		`CREATE INDEX IF NOT EXISTS idx_positions_instrument ON positions(instrument, status);`,
	}

	for _, stmt := range schema {
		if _, err := r.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: 初始化持仓表失败: %w", err)
		}
	}
	return nil
}

// Create 写入一笔新开仓。ID 为空时自动生成，状态强制为 OPEN。
func (r *PositionRepo) Create(ctx context.Context, pos *Position) error {
	if pos == nil {
		return errors.New("store: position 不能为空")
	}
	if pos.InstrumentID == "" {
		return errors.New("store: instrument 不能为空")
	}
	if pos.Quantity <= 0 {
		return fmt.Errorf("store: 持仓数量非法: %f", pos.Quantity)
	}
	if pos.EntryPrice <= 0 {
		return fmt.Errorf("store: 开仓价格非法: %f", pos.EntryPrice)
	}

	if pos.ID == "" {
		pos.ID = uuid.NewString()
	}
	if pos.OpenedAt.IsZero() {
		pos.OpenedAt = time.Now().UTC()
	}
	pos.Status = StatusOpen

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO positions
		 (id, instrument, side, entry_price, quantity, stop_loss, take_profit, platform, ticket, status, opened_at, reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pos.ID, strings.ToUpper(pos.InstrumentID), string(pos.Side),
		pos.EntryPrice, pos.Quantity, pos.StopLoss, pos.TakeProfit,
		strings.ToUpper(pos.Platform), pos.Ticket, string(StatusOpen),
		pos.OpenedAt.Format(time.RFC3339), pos.Reason,
	)
	if err != nil {
		return fmt.Errorf("store: 写入持仓失败: %w", err)
	}
	return nil
}

// FindByID 按 ID 查找持仓。
func (r *PositionRepo) FindByID(ctx context.Context, id string) (*Position, error) {
	rows, err := r.query(ctx, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// ListByStatus 返回指定状态的全部持仓。
func (r *PositionRepo) ListByStatus(ctx context.Context, status Status) ([]Position, error) {
	return r.query(ctx, `WHERE status = ? ORDER BY opened_at`, string(status))
}

// ListByStatusAndInstrument 返回某品种指定状态的持仓。
func (r *PositionRepo) ListByStatusAndInstrument(ctx context.Context, status Status, instrumentID string) ([]Position, error) {
	return r.query(ctx, `WHERE status = ? AND instrument = ? ORDER BY opened_at`,
		string(status), strings.ToUpper(instrumentID))
}

// ListOpenByPlatform 返回某平台的全部未平仓持仓，用于敞口计算。
func (r *PositionRepo) ListOpenByPlatform(ctx context.Context, platform string) ([]Position, error) {
	return r.query(ctx, `WHERE status = ? AND platform = ? ORDER BY opened_at`,
		string(StatusOpen), strings.ToUpper(platform))
}

// HasOpen 判断品种在指定平台是否已有未平仓持仓。
func (r *PositionRepo) HasOpen(ctx context.Context, instrumentID, platform string) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM positions WHERE status = ? AND instrument = ? AND platform = ?`,
		string(StatusOpen), strings.ToUpper(instrumentID), strings.ToUpper(platform),
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("store: 查询未平仓持仓失败: %w", err)
	}
	return count > 0, nil
}

// Close 将持仓置为 CLOSED 并写入退出字段。
// 状态守卫：对已平仓持仓重复调用为无操作，返回 false。
func (r *PositionRepo) Close(ctx context.Context, id string, exitPrice, profitLoss float64, reason string, closedAt time.Time) (bool, error) {
	if closedAt.IsZero() {
		closedAt = time.Now().UTC()
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE positions
		 SET status = ?, exit_price = ?, profit_loss = ?, reason = ?, closed_at = ?
		 WHERE id = ? AND status = ?`,
		string(StatusClosed), exitPrice, profitLoss, reason,
		closedAt.UTC().Format(time.RFC3339), id, string(StatusOpen),
	)
	if err != nil {
		return false, fmt.Errorf("store: 平仓更新失败: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: 读取平仓更新结果失败: %w", err)
	}
	return affected > 0, nil
}

// UpdateStopLoss 仅供移动止损机制修改止损价。
func (r *PositionRepo) UpdateStopLoss(ctx context.Context, id string, stopLoss float64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE positions SET stop_loss = ? WHERE id = ? AND status = ?`,
		stopLoss, id, string(StatusOpen),
	)
	if err != nil {
		return fmt.Errorf("store: 更新止损价失败: %w", err)
	}
	return nil
}

// Stats 汇总交易统计。
type Stats struct {
	TotalTrades     int
	OpenPositions   int
	ClosedPositions int
	TotalProfitLoss float64
	WinningTrades   int
	LosingTrades    int
	WinRate         float64
}

// Stats 统计持仓与盈亏概况。
func (r *PositionRepo) Stats(ctx context.Context) (Stats, error) {
	var stats Stats

	err := r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(1),
			COALESCE(SUM(CASE WHEN status = 'OPEN' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'CLOSED' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'CLOSED' THEN profit_loss ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'CLOSED' AND profit_loss > 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'CLOSED' AND profit_loss <= 0 THEN 1 ELSE 0 END), 0)
		FROM positions`,
	).Scan(
		&stats.TotalTrades, &stats.OpenPositions, &stats.ClosedPositions,
		&stats.TotalProfitLoss, &stats.WinningTrades, &stats.LosingTrades,
	)
	if err != nil {
		return Stats{}, fmt.Errorf("store: 统计查询失败: %w", err)
	}

	if stats.ClosedPositions > 0 {
		stats.WinRate = float64(stats.WinningTrades) / float64(stats.ClosedPositions) * 100
	}
	return stats, nil
}

func (r *PositionRepo) query(ctx context.Context, where string, args ...interface{}) ([]Position, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, instrument, side, entry_price, quantity, stop_loss, take_profit,
		       platform, ticket, status, exit_price, profit_loss, opened_at, closed_at, reason
		FROM positions `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("store: 查询持仓失败: %w", err)
	}
	defer rows.Close()

	var out []Position
	for rows.Next() {
		var (
			pos        Position
			ticket     sql.NullString
			exitPrice  sql.NullFloat64
			profitLoss sql.NullFloat64
			openedAt   string
			closedAt   sql.NullString
			reason     sql.NullString
		)

		if err := rows.Scan(
			&pos.ID, &pos.InstrumentID, (*string)(&pos.Side), &pos.EntryPrice, &pos.Quantity,
			&pos.StopLoss, &pos.TakeProfit, &pos.Platform, &ticket, (*string)(&pos.Status),
			&exitPrice, &profitLoss, &openedAt, &closedAt, &reason,
		); err != nil {
			return nil, fmt.Errorf("store: 解析持仓记录失败: %w", err)
		}

		pos.Ticket = ticket.String
		pos.Reason = reason.String
		if exitPrice.Valid {
			v := exitPrice.Float64
			pos.ExitPrice = &v
		}
		if profitLoss.Valid {
			v := profitLoss.Float64
			pos.ProfitLoss = &v
		}
		if ts, parseErr := time.Parse(time.RFC3339, openedAt); parseErr == nil {
			pos.OpenedAt = ts
		}
		if closedAt.Valid {
			if ts, parseErr := time.Parse(time.RFC3339, closedAt.String); parseErr == nil {
				pos.ClosedAt = &ts
			}
		}

		out = append(out, pos)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: 读取持仓记录失败: %w", err)
	}
	return out, nil
}
