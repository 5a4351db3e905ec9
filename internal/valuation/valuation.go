package valuation

import (
	"fmt"
	"time"

	"lit-grid-bot-go/internal/exchange"
	"lit-grid-bot-go/internal/models"
)

// Compute 按统一口径对投资组合估值：
//
//	总值 = 报价余额(可用+冻结) + 基础持仓(可用+冻结) × 现价 + 空仓浮动盈亏
//
// 冻结在挂单里的余额同样计入——挂单随时可撤，资金并未消失。
func Compute(price float64, bal models.Balances, hedgePnl float64) models.PortfolioSnapshot {
	baseHolding := bal.BaseAvailable + bal.BaseLocked
	quote := bal.QuoteAvailable + bal.QuoteLocked
	baseValue := baseHolding * price
	return models.PortfolioSnapshot{
		Price:        price,
		BaseHolding:  baseHolding,
		BaseValue:    baseValue,
		QuoteBalance: quote,
		HedgePnl:     hedgePnl,
		TotalValue:   quote + baseValue + hedgePnl,
		ComputedAt:   time.Now(),
	}
}

// PnlSource 提供空仓浮动盈亏。由对冲管理器实现。
type PnlSource interface {
	UnrealizedPnl() (float64, error)
}

// Valuator 每拍从交易所拉取最新余额与仓位重新估值，从不使用缓存：
// 资金底线的判断必须建立在新鲜数据上。
type Valuator struct {
	ex  exchange.Exchange
	pnl PnlSource
}

// New 创建估值器。pnl 可以为 nil（未启用对冲时）。
func New(ex exchange.Exchange, pnl PnlSource) *Valuator {
	return &Valuator{ex: ex, pnl: pnl}
}

// Snapshot 返回以当前价格计算的组合快照。
func (v *Valuator) Snapshot(price float64) (*models.PortfolioSnapshot, error) {
	bal, err := v.ex.GetAccountBalances()
	if err != nil {
		return nil, fmt.Errorf("valuation: fetch balances: %w", err)
	}
	var pnl float64
	if v.pnl != nil {
		if pnl, err = v.pnl.UnrealizedPnl(); err != nil {
			return nil, err
		}
	}
	snap := Compute(price, *bal, pnl)
	return &snap, nil
}
