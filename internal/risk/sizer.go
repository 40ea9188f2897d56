package risk

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"commodity-trader/internal/store"
)

// 保证金吃紧时，可用资金进一步压缩到自由保证金的该比例，防止爆仓。
const lowMarginFraction = 0.20

type openPositionLister interface {
	ListOpenByPlatform(ctx context.Context, platform string) ([]store.Position, error)
}

// LotLimits 为券商手数限制，随平台配置传入。
type LotLimits struct {
	Min                float64
	Max                float64
	LowMarginThreshold float64
}

// Input 为单次仓位计算的输入。
type Input struct {
	Balance        float64
	Price          float64
	MaxRiskPercent float64
	FreeMargin     *float64
	Platform       string
}

// Result 为仓位计算的输出。Quantity 始终落在手数限制内；
// AvailableCapital 为 0 时是否仍下最小手数由调用方决策。
type Result struct {
	Quantity         float64
	AvailableCapital float64
	Exposure         float64
	MarginCapped     bool
}

// Sizer 在组合风险上限内计算下单数量，敞口按平台独立核算。
type Sizer struct {
	positions openPositionLister
	logger    *zap.Logger
}

// NewSizer 创建仓位计算器。
func NewSizer(positions openPositionLister, logger *zap.Logger) (*Sizer, error) {
	if positions == nil {
		return nil, errors.New("risk: positions 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sizer{positions: positions, logger: logger}, nil
}

// Size 计算下单数量。
func (s *Sizer) Size(ctx context.Context, in Input, limits LotLimits) (Result, error) {
	if limits.Min <= 0 {
		limits.Min = 0.01
	}
	if limits.Max < limits.Min {
		limits.Max = limits.Min
	}

	open, err := s.positions.ListOpenByPlatform(ctx, in.Platform)
	if err != nil {
		return Result{}, fmt.Errorf("risk: 获取平台持仓失败: %w", err)
	}

	exposure := 0.0
	for _, pos := range open {
		exposure += pos.EntryPrice * pos.Quantity
	}

	maxPortfolioValue := in.Balance * in.MaxRiskPercent / 100
	available := math.Max(0, maxPortfolioValue-exposure)

	result := Result{Exposure: exposure}

	if in.FreeMargin != nil && *in.FreeMargin < limits.LowMarginThreshold {
		capped := math.Max(0, *in.FreeMargin*lowMarginFraction)
		if capped < available {
			available = capped
			result.MarginCapped = true
		}
	}
	result.AvailableCapital = available

	quantity := 0.0
	if available > 0 && in.Price > 0 {
		quantity = math.Round(available/in.Price*100) / 100
	}

	// 永不返回零或负数，避免下游除零；是否拒绝交易由调用方根据
	// AvailableCapital 判断。
	quantity = math.Min(math.Max(quantity, limits.Min), limits.Max)
	result.Quantity = quantity

	s.logger.Info("仓位计算完成",
		zap.String("platform", in.Platform),
		zap.Float64("balance", in.Balance),
		zap.Float64("price", in.Price),
		zap.Float64("exposure", exposure),
		zap.Float64("available", available),
		zap.Float64("quantity", quantity),
		zap.Bool("margin_capped", result.MarginCapped),
	)

	return result, nil
}
