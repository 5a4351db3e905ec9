package grid

import (
	"fmt"
	"math"

	"lit-grid-bot-go/internal/models"
)

// Policy decides where grid pairs live relative to a reference price and
// whether a price move warrants regenerating them.
//
// The static policy generates pairs once and never moves them: cycling
// happens between each pair's fixed buy and sell prices, so the grid
// topology is identical after any number of cycles. The recentering policy
// regenerates the ladder around the current price when it walks too close
// to the grid's edge.
type Policy interface {
	Name() string
	// GeneratePairs builds the pair ladder around referencePrice.
	// Pair IDs start at 1 and ascend with distance from the reference.
	GeneratePairs(referencePrice float64) ([]models.GridPair, error)
	// ShouldRecenter reports whether the grid should be torn down and
	// regenerated around price.
	ShouldRecenter(price float64, pairs []models.GridPair) bool
}

// NewPolicy 根据配置选择网格策略。配置校验保证 Policy 字段合法。
func NewPolicy(cfg models.GridConfig) Policy {
	if cfg.Policy == "recentering" {
		return &recenteringPolicy{cfg: cfg}
	}
	return &staticPolicy{cfg: cfg}
}

// generatePairs 按配置在参考价下方生成买入档位，卖出价按价差放大。
//
//	geometric: buy_i = ref × (1 − spacing)^(i+1)
//	linear:    buy_i = ref × (1 − spacing×(i+1))
//	spread_i  = baseSpread + spreadStep × i
//	sell_i    = buy_i × (1 + spread_i)
//
// 每一档的卖出价必须高于参考价，否则刚启动就会立即成交；
// 这类参数组合视为配置错误，拒绝生成。
func generatePairs(cfg models.GridConfig, ref float64) ([]models.GridPair, error) {
	if ref <= 0 {
		return nil, fmt.Errorf("grid: reference price must be positive, got %v", ref)
	}

	pairs := make([]models.GridPair, 0, cfg.NumPairs)
	for i := 0; i < cfg.NumPairs; i++ {
		var buy float64
		if cfg.SpacingMode == "linear" {
			buy = ref * (1 - cfg.Spacing*float64(i+1))
		} else {
			buy = ref * math.Pow(1-cfg.Spacing, float64(i+1))
		}
		spread := cfg.BaseSpread + cfg.SpreadStep*float64(i)
		sell := buy * (1 + spread)
		if sell <= ref {
			return nil, fmt.Errorf(
				"grid: pair %d sell price %.6f is not above reference %.6f; increase base_spread or spread_step",
				i+1, sell, ref)
		}
		pairs = append(pairs, models.GridPair{
			ID:        i + 1,
			BuyPrice:  buy,
			SellPrice: sell,
			Spread:    spread,
			Notional:  cfg.NotionalPerPair,
		})
	}
	return pairs, nil
}

type staticPolicy struct {
	cfg models.GridConfig
}

func (p *staticPolicy) Name() string { return "static" }

func (p *staticPolicy) GeneratePairs(ref float64) ([]models.GridPair, error) {
	return generatePairs(p.cfg, ref)
}

// 静态策略从不重建网格。
func (p *staticPolicy) ShouldRecenter(float64, []models.GridPair) bool { return false }

type recenteringPolicy struct {
	cfg models.GridConfig
}

func (p *recenteringPolicy) Name() string { return "recentering" }

func (p *recenteringPolicy) GeneratePairs(ref float64) ([]models.GridPair, error) {
	return generatePairs(p.cfg, ref)
}

// ShouldRecenter 当价格逼近网格边缘（距最外档不足 recenter_threshold 档）
// 时返回 true。上边缘用卖出价衡量，下边缘用买入价。
func (p *recenteringPolicy) ShouldRecenter(price float64, pairs []models.GridPair) bool {
	if len(pairs) == 0 {
		return false
	}
	idx := len(pairs) - p.cfg.RecenterThreshold
	if idx < 0 {
		idx = 0
	}
	edge := pairs[idx]
	return price >= edge.SellPrice || price <= edge.BuyPrice
}
