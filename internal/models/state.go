package models

import (
	"fmt"
	"time"
)

// GridPair 定义了一个配对的网格档位。
// 买卖价格在生成时固定，是【不可变】的；循环永远在这两个价格之间进行，
// 因此网格的拓扑在任意多次循环后保持不变（无漂移）。
type GridPair struct {
	ID        int     `json:"id"`
	BuyPrice  float64 `json:"buy_price"`
	SellPrice float64 `json:"sell_price"`
	Spread    float64 `json:"spread"`   // sell = buy × (1 + spread)
	Notional  float64 `json:"notional"` // initial quote notional of the buy order
}

// GridPairState 追踪一个网格对在运行时的【动态状态】。
// 任何时刻恰好有一侧挂着活动订单；HeldSize 仅在等待卖出时非零。
type GridPairState struct {
	PairID     int     `json:"pair_id"`
	ActiveSide Side    `json:"active_side"`
	HeldSize   float64 `json:"held_size"`
	// NextNotional 是下一次买入应投入的报价货币金额（初始为档位名义值，
	// 此后随卖出所得复投而变化）。
	NextNotional float64 `json:"next_notional"`
	Degraded     bool    `json:"degraded,omitempty"` // last placement failed or was suppressed, retry later
}

// HedgeState is the persisted state of the short hedge.
// Invariant: while Active, StopPrice = EntryPrice × (1 + stopLossFraction)
// unless trailed downward; trailing only ever lowers StopPrice.
type HedgeState struct {
	Active               bool      `json:"active"`
	EntryPrice           float64   `json:"entry_price"`
	StopPrice            float64   `json:"stop_price"`
	Size                 float64   `json:"size"`
	RecentHigh           float64   `json:"recent_high"`
	LastStopTime         time.Time `json:"last_stop_time"`
	NegativeFundingSince time.Time `json:"negative_funding_since"`
}

// TierAction is the closed set of de-risking actions a floor tier can take.
type TierAction int

const (
	TierPauseBuys TierAction = iota
	TierSellReserve
	TierLiquidateGrid
	TierEmergencyExit
)

// ParseTierAction converts a config action name to its TierAction.
// Unknown names are a configuration error and fatal at startup.
func ParseTierAction(s string) (TierAction, error) {
	switch s {
	case "pause_buys":
		return TierPauseBuys, nil
	case "sell_reserve":
		return TierSellReserve, nil
	case "liquidate_grid":
		return TierLiquidateGrid, nil
	case "emergency_exit":
		return TierEmergencyExit, nil
	default:
		return 0, fmt.Errorf("unknown floor tier action %q", s)
	}
}

func (a TierAction) String() string {
	switch a {
	case TierPauseBuys:
		return "pause_buys"
	case TierSellReserve:
		return "sell_reserve"
	case TierLiquidateGrid:
		return "liquidate_grid"
	case TierEmergencyExit:
		return "emergency_exit"
	}
	return "unknown"
}

// FloorTier is one rung of the de-risking ladder. Executed is a one-way
// latch: once an action has fired it never fires again, because the
// allocation it acted on is gone.
type FloorTier struct {
	TriggerPrice float64    `json:"trigger_price"`
	Action       TierAction `json:"action"`
	Amount       float64    `json:"amount,omitempty"`
	Executed     bool       `json:"executed"`
}
