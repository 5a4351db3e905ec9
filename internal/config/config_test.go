package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lit-grid-bot-go/internal/models"
)

func validConfig() *models.Config {
	return &models.Config{
		Symbol: "LITUSDC",
		Grid: models.GridConfig{
			Policy:          "static",
			NumPairs:        10,
			Spacing:         0.02,
			BaseSpread:      0.024,
			SpreadStep:      0.02,
			NotionalPerPair: 625,
			ProfitRetention: 0.03,
		},
		Hedge: models.HedgeConfig{
			Enabled:              true,
			ShortSize:            3000,
			StopLossFraction:     0.16,
			ReentryPullback:      0.05,
			CooldownHours:        24,
			NegativeFundingHours: 24,
		},
		Floor: models.FloorConfig{
			FloorValue:      25000,
			EmergencyBuffer: 25500,
			Tiers: []models.TierConfig{
				{TriggerPrice: 1.20, Action: "pause_buys"},
				{TriggerPrice: 1.00, Action: "sell_reserve", Amount: 5000},
				{TriggerPrice: 0.85, Action: "liquidate_grid"},
				{TriggerPrice: 0.70, Action: "emergency_exit"},
			},
		},
	}
}

func TestValidateAppliesDefaults(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, Validate(cfg))

	assert.Equal(t, 2, cfg.PollIntervalSec)
	assert.Equal(t, 60, cfg.StatusIntervalSec)
	assert.Equal(t, "geometric", cfg.Grid.SpacingMode)
	assert.Equal(t, 30, cfg.Grid.GraceSeconds)
	assert.Equal(t, 0.10, cfg.Hedge.TrailTriggerFraction)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*models.Config)
	}{
		{"missing symbol", func(c *models.Config) { c.Symbol = "" }},
		{"unknown policy", func(c *models.Config) { c.Grid.Policy = "martingale" }},
		{"zero pairs", func(c *models.Config) { c.Grid.NumPairs = 0 }},
		{"spacing too large", func(c *models.Config) { c.Grid.Spacing = 1.5 }},
		{"unknown spacing mode", func(c *models.Config) { c.Grid.SpacingMode = "hyperbolic" }},
		{"linear spacing overshoot", func(c *models.Config) {
			c.Grid.SpacingMode = "linear"
			c.Grid.Spacing = 0.11
			c.Grid.NumPairs = 10
		}},
		{"zero base spread", func(c *models.Config) { c.Grid.BaseSpread = 0 }},
		{"negative seed", func(c *models.Config) { c.Grid.SeedHeldPerPair = -1 }},
		{"retention at one", func(c *models.Config) { c.Grid.ProfitRetention = 1.0 }},
		{"recentering without threshold", func(c *models.Config) { c.Grid.Policy = "recentering" }},
		{"hedge zero size", func(c *models.Config) { c.Hedge.ShortSize = 0 }},
		{"hedge pullback out of range", func(c *models.Config) { c.Hedge.ReentryPullback = 1.0 }},
		{"buffer below floor", func(c *models.Config) { c.Floor.EmergencyBuffer = 24000 }},
		{"unknown tier action", func(c *models.Config) { c.Floor.Tiers[0].Action = "sell_everything" }},
		{"sell_reserve without amount", func(c *models.Config) { c.Floor.Tiers[1].Amount = 0 }},
		{"tiers out of order", func(c *models.Config) {
			c.Floor.Tiers[2].TriggerPrice = 1.50
		}},
		{"reserve target without price", func(c *models.Config) {
			c.Reserve = []models.ReserveTarget{{Price: 0, Size: 100}}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			assert.Error(t, Validate(cfg))
		})
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
		"symbol": "LITUSDC",
		"poll_interval_sec": 5,
		"grid": {
			"policy": "static",
			"num_pairs": 10,
			"spacing": 0.02,
			"base_spread": 0.024,
			"spread_step": 0.02,
			"notional_per_pair": 625,
			"profit_retention": 0.03
		},
		"hedge": {"enabled": false},
		"floor": {
			"floor_value": 25000,
			"emergency_buffer": 25500,
			"tiers": [
				{"trigger_price": 1.2, "action": "pause_buys"},
				{"trigger_price": 0.7, "action": "emergency_exit"}
			]
		}
	}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "LITUSDC", cfg.Symbol)
	assert.Equal(t, 5, cfg.PollIntervalSec)
	assert.Equal(t, 10, cfg.Grid.NumPairs)
	assert.False(t, cfg.Hedge.Enabled)
}

func TestLoadConfigRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"symbol": ""}`), 0644))
	_, err := LoadConfig(path)
	assert.Error(t, err)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestBuildFloorTiers(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, Validate(cfg))

	tiers := BuildFloorTiers(cfg)
	require.Len(t, tiers, 4)
	assert.Equal(t, models.TierPauseBuys, tiers[0].Action)
	assert.Equal(t, models.TierSellReserve, tiers[1].Action)
	assert.Equal(t, 5000.0, tiers[1].Amount)
	assert.Equal(t, models.TierLiquidateGrid, tiers[2].Action)
	assert.Equal(t, models.TierEmergencyExit, tiers[3].Action)
	for _, tier := range tiers {
		assert.False(t, tier.Executed)
	}
}
