package models

import "time"

// Config 结构体定义了机器人的所有配置参数
type Config struct {
	Symbol            string  `json:"symbol"`              // 交易对，如 "LITUSDC"
	DBPath            string  `json:"db_path"`             // 数据库文件路径
	APIBaseURL        string  `json:"api_base_url"`        // REST API基础地址
	WSBaseURL         string  `json:"ws_base_url"`         // WebSocket基础地址
	PollIntervalSec   int     `json:"poll_interval_sec"`   // 主循环轮询间隔(秒)
	StatusIntervalSec int     `json:"status_interval_sec"` // 状态报告间隔(秒)
	MetricsAddr       string  `json:"metrics_addr"`        // Prometheus监听地址, 空则禁用

	Grid    GridConfig      `json:"grid"`
	Hedge   HedgeConfig     `json:"hedge"`
	Floor   FloorConfig     `json:"floor"`
	Reserve []ReserveTarget `json:"reserve_targets,omitempty"`

	LogConfig LogConfig `json:"log"`
}

// GridConfig holds the grid generation and cycling parameters.
type GridConfig struct {
	Policy            string  `json:"policy"`             // "static" or "recentering"
	NumPairs          int     `json:"num_pairs"`          // pairs per side of the reference price
	Spacing           float64 `json:"spacing"`            // per-level spacing fraction, e.g. 0.02
	SpacingMode       string  `json:"spacing_mode"`       // "geometric" or "linear"
	BaseSpread        float64 `json:"base_spread"`        // spread of the innermost pair
	SpreadStep        float64 `json:"spread_step"`        // spread increase per pair index
	NotionalPerPair   float64 `json:"notional_per_pair"`  // quote currency per buy order
	SeedHeldPerPair   float64 `json:"seed_held_per_pair"` // base inventory that seeds each pair's sell side
	ProfitRetention   float64 `json:"profit_retention"`   // fraction of sell proceeds kept as profit
	RecenterThreshold int     `json:"recenter_threshold"` // recentering policy: levels from edge
	GraceSeconds      int     `json:"grace_seconds"`      // fill detection grace for fresh orders
}

// HedgeConfig holds the short hedge parameters.
type HedgeConfig struct {
	Enabled              bool    `json:"enabled"`
	AutoOpen             bool    `json:"auto_open"`               // open the short at bot start
	ShortSize            float64 `json:"short_size"`              // base asset size of the short
	StopLossFraction     float64 `json:"stop_loss_fraction"`      // stop at entry × (1 + fraction)
	TrailTriggerFraction float64 `json:"trail_trigger_fraction"`  // trail once price is this far below entry
	ReentryPullback      float64 `json:"reentry_pullback"`        // pullback from recent high that re-opens
	CooldownHours        float64 `json:"cooldown_hours"`          // wait after a stop-loss before re-entry
	NegativeFundingHours float64 `json:"negative_funding_hours"`  // close after funding negative this long
}

// FloorConfig holds the capital floor parameters.
type FloorConfig struct {
	FloorValue      float64      `json:"floor_value"`      // hard minimum portfolio value
	EmergencyBuffer float64      `json:"emergency_buffer"` // emergency exit threshold, above the floor
	Tiers           []TierConfig `json:"tiers"`
}

// TierConfig is one de-risking tier as written in the config file.
// Action is parsed into a TierAction at load time.
type TierConfig struct {
	TriggerPrice float64 `json:"trigger_price"`
	Action       string  `json:"action"`
	Amount       float64 `json:"amount,omitempty"` // base asset amount for sell_reserve
}

// ReserveTarget is a one-time sell order placed from the non-grid reserve.
type ReserveTarget struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level"`       // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output"`      // 输出模式: "console", "file", "both"
	File       string `json:"file"`        // 日志文件路径
	MaxSize    int    `json:"max_size"`    // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age"`     // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress"`    // 是否压缩旧日志文件
}

// Side 定义了交易方向的类型
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// OrderStatus is the lifecycle state of a ledger order record.
type OrderStatus string

const (
	OrderPending         OrderStatus = "PENDING"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCancelled       OrderStatus = "CANCELLED"
)

// Terminal reports whether no further transitions are allowed from s.
func (s OrderStatus) Terminal() bool {
	return s == OrderFilled || s == OrderCancelled
}

// Order is the ledger's record of an order the bot has placed.
// The exchange's live-order list is the reconciliation source of truth;
// this record exists so fills can be detected by polling, and so a restart
// can repair a fill whose counter-order was never placed.
type Order struct {
	ID         string      `json:"id"`
	Side       Side        `json:"side"`
	Price      float64     `json:"price"`
	Size       float64     `json:"size"`
	Status     OrderStatus `json:"status"`
	GridPairID int         `json:"grid_pair_id,omitempty"`
	FilledSize float64     `json:"filled_size,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	FilledAt   *time.Time  `json:"filled_at,omitempty"`
}

// ActiveOrder is a resting order as reported by the exchange.
type ActiveOrder struct {
	ID         string
	Side       Side
	Price      float64
	Size       float64
	FilledSize float64
}

// Position is an open derivatives position reported by the exchange.
// Size is negative for shorts.
type Position struct {
	Size          float64
	EntryPrice    float64
	UnrealizedPnl float64
}

// Balances holds the account's base and quote asset balances.
// Locked amounts are committed to resting orders or position margin.
type Balances struct {
	BaseAvailable  float64
	BaseLocked     float64
	QuoteAvailable float64
	QuoteLocked    float64
}

// PortfolioSnapshot is the derived per-tick portfolio valuation.
// Recomputed from fresh exchange state every tick, never cached.
type PortfolioSnapshot struct {
	Price        float64
	BaseHolding  float64
	BaseValue    float64
	QuoteBalance float64
	HedgePnl     float64
	TotalValue   float64
	ComputedAt   time.Time
}
