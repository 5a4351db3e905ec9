package config

import (
	"encoding/json"
	"fmt"
	"os"

	"lit-grid-bot-go/internal/models"
)

// LoadConfig 从指定路径加载JSON配置文件并解析到Config结构体中。
// 配置校验失败是致命错误：宁可拒绝启动，也不带着含糊的参数运行。
func LoadConfig(path string) (*models.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	config := &models.Config{}
	if err := decoder.Decode(config); err != nil {
		return nil, err
	}

	if err := Validate(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return config, nil
}

// Validate checks the parts of the config where a bad value would make the
// bot run with ambiguous or dangerous parameters.
func Validate(cfg *models.Config) error {
	if cfg.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if cfg.PollIntervalSec <= 0 {
		cfg.PollIntervalSec = 2
	}
	if cfg.StatusIntervalSec <= 0 {
		cfg.StatusIntervalSec = 60
	}

	g := &cfg.Grid
	if g.Policy != "static" && g.Policy != "recentering" {
		return fmt.Errorf("grid.policy must be \"static\" or \"recentering\", got %q", g.Policy)
	}
	if g.NumPairs <= 0 {
		return fmt.Errorf("grid.num_pairs must be positive")
	}
	if g.Spacing <= 0 || g.Spacing >= 1 {
		return fmt.Errorf("grid.spacing must be in (0, 1)")
	}
	if g.SpacingMode == "" {
		g.SpacingMode = "geometric"
	}
	if g.SpacingMode != "geometric" && g.SpacingMode != "linear" {
		return fmt.Errorf("grid.spacing_mode must be \"geometric\" or \"linear\", got %q", g.SpacingMode)
	}
	if g.SpacingMode == "linear" && g.Spacing*float64(g.NumPairs) >= 1 {
		return fmt.Errorf("grid.spacing × num_pairs must stay below 1 in linear mode")
	}
	if g.BaseSpread <= 0 {
		return fmt.Errorf("grid.base_spread must be positive")
	}
	if g.SpreadStep < 0 {
		return fmt.Errorf("grid.spread_step must not be negative")
	}
	if g.NotionalPerPair <= 0 {
		return fmt.Errorf("grid.notional_per_pair must be positive")
	}
	if g.SeedHeldPerPair < 0 {
		return fmt.Errorf("grid.seed_held_per_pair must not be negative")
	}
	if g.ProfitRetention < 0 || g.ProfitRetention >= 1 {
		return fmt.Errorf("grid.profit_retention must be in [0, 1)")
	}
	if g.Policy == "recentering" && g.RecenterThreshold <= 0 {
		return fmt.Errorf("grid.recenter_threshold must be positive for the recentering policy")
	}
	if g.GraceSeconds <= 0 {
		g.GraceSeconds = 30
	}

	h := &cfg.Hedge
	if h.Enabled {
		if h.ShortSize <= 0 {
			return fmt.Errorf("hedge.short_size must be positive when the hedge is enabled")
		}
		if h.StopLossFraction <= 0 {
			return fmt.Errorf("hedge.stop_loss_fraction must be positive")
		}
		if h.ReentryPullback <= 0 || h.ReentryPullback >= 1 {
			return fmt.Errorf("hedge.reentry_pullback must be in (0, 1)")
		}
		if h.TrailTriggerFraction <= 0 {
			h.TrailTriggerFraction = 0.10
		}
	}

	f := &cfg.Floor
	if f.FloorValue <= 0 {
		return fmt.Errorf("floor.floor_value must be positive")
	}
	if f.EmergencyBuffer <= f.FloorValue {
		return fmt.Errorf("floor.emergency_buffer (%.2f) must be strictly above floor_value (%.2f)",
			f.EmergencyBuffer, f.FloorValue)
	}
	var prev float64
	for i, tier := range f.Tiers {
		if tier.TriggerPrice <= 0 {
			return fmt.Errorf("floor.tiers[%d].trigger_price must be positive", i)
		}
		action, err := models.ParseTierAction(tier.Action)
		if err != nil {
			return fmt.Errorf("floor.tiers[%d]: %w", i, err)
		}
		if action == models.TierSellReserve && tier.Amount <= 0 {
			return fmt.Errorf("floor.tiers[%d]: sell_reserve requires a positive amount", i)
		}
		// 梯级必须从最轻到最重排序，触发价格递减
		if i > 0 && tier.TriggerPrice >= prev {
			return fmt.Errorf("floor.tiers must be ordered by descending trigger price, tier %d breaks the order", i)
		}
		prev = tier.TriggerPrice
	}

	for i, target := range cfg.Reserve {
		if target.Price <= 0 || target.Size <= 0 {
			return fmt.Errorf("reserve_targets[%d]: price and size must be positive", i)
		}
	}

	return nil
}

// BuildFloorTiers converts the validated tier config into runtime tiers
// with their executed latches cleared.
func BuildFloorTiers(cfg *models.Config) []models.FloorTier {
	tiers := make([]models.FloorTier, 0, len(cfg.Floor.Tiers))
	for _, tc := range cfg.Floor.Tiers {
		action, _ := models.ParseTierAction(tc.Action) // validated at load
		tiers = append(tiers, models.FloorTier{
			TriggerPrice: tc.TriggerPrice,
			Action:       action,
			Amount:       tc.Amount,
		})
	}
	return tiers
}
