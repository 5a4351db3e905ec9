package reporter

import (
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"

	"lit-grid-bot-go/internal/logger"
	"lit-grid-bot-go/internal/orchestrator"
)

// Render 把一份状态汇总排版成适合打到日志里的多行报表。
func Render(st orchestrator.Status) string {
	var b strings.Builder

	overview := table.NewWriter()
	overview.SetStyle(table.StyleLight)
	overview.SetTitle("%s 运行状态", st.Symbol)
	overview.AppendHeader(table.Row{"指标", "数值"})
	overview.AppendRows([]table.Row{
		{"现价", fmt.Sprintf("%.4f", st.Price)},
		{"资金费率", fmt.Sprintf("%.6f", st.FundingRate)},
		{"节拍数", st.Ticks},
		{"停机", yesNo(st.Halted)},
	})
	if st.Portfolio != nil {
		overview.AppendRows([]table.Row{
			{"组合总值", fmt.Sprintf("%.2f", st.Portfolio.TotalValue)},
			{"报价余额", fmt.Sprintf("%.2f", st.Portfolio.QuoteBalance)},
			{"基础持仓", fmt.Sprintf("%.4f (≈%.2f)", st.Portfolio.BaseHolding, st.Portfolio.BaseValue)},
			{"对冲浮盈", fmt.Sprintf("%.2f", st.Portfolio.HedgePnl)},
		})
	}
	executed := 0
	for _, tier := range st.Floor.Tiers {
		if tier.Executed {
			executed++
		}
	}
	overview.AppendRows([]table.Row{
		{"资金底线", fmt.Sprintf("%.2f", st.Floor.FloorValue)},
		{"紧急缓冲", fmt.Sprintf("%.2f", st.Floor.EmergencyBuffer)},
		{"底线梯级", fmt.Sprintf("%d/%d 已触发", executed, len(st.Floor.Tiers))},
	})
	b.WriteString(overview.Render())
	b.WriteString("\n")

	gridTable := table.NewWriter()
	gridTable.SetStyle(table.StyleLight)
	gridTable.SetTitle("网格 [%s]%s", st.Grid.Policy, pausedSuffix(st.Grid.Paused))
	gridTable.AppendHeader(table.Row{"指标", "数值"})
	gridTable.AppendRows([]table.Row{
		{"参考价", fmt.Sprintf("%.4f", st.Grid.Reference)},
		{"档位数", len(st.Grid.Pairs)},
		{"完成循环", st.Grid.Cycles},
		{"买/卖成交", fmt.Sprintf("%d / %d", st.Grid.BuyFills, st.Grid.SellFills)},
		{"持有库存", fmt.Sprintf("%.4f", st.Grid.HeldSize)},
		{"留存利润", fmt.Sprintf("%.2f", st.Grid.Profit)},
		{"重建次数", st.Grid.Recenters},
	})
	b.WriteString(gridTable.Render())
	b.WriteString("\n")

	hedgeTable := table.NewWriter()
	hedgeTable.SetStyle(table.StyleLight)
	hedgeTable.SetTitle("空头对冲")
	hedgeTable.AppendHeader(table.Row{"指标", "数值"})
	hs := st.Hedge.State
	if hs.Active {
		hedgeTable.AppendRows([]table.Row{
			{"状态", "持仓中"},
			{"入场价", fmt.Sprintf("%.4f", hs.EntryPrice)},
			{"止损价", fmt.Sprintf("%.4f", hs.StopPrice)},
			{"数量", fmt.Sprintf("%.2f", hs.Size)},
		})
	} else {
		hedgeTable.AppendRows([]table.Row{
			{"状态", "空仓"},
			{"近期高点", fmt.Sprintf("%.4f", hs.RecentHigh)},
		})
	}
	hedgeTable.AppendRows([]table.Row{
		{"入场次数", st.Hedge.Entries},
		{"止损次数", st.Hedge.Stops},
		{"已实现盈亏", fmt.Sprintf("%.2f", st.Hedge.Realized)},
	})
	b.WriteString(hedgeTable.Render())

	if len(st.Reserve.Targets) > 0 {
		b.WriteString("\n")
		reserveTable := table.NewWriter()
		reserveTable.SetStyle(table.StyleLight)
		reserveTable.SetTitle("储备卖出目标 (%d/%d 已达成, 所得 %.2f)",
			st.Reserve.Done, len(st.Reserve.Targets), st.Reserve.Proceeds)
		reserveTable.AppendHeader(table.Row{"价格", "数量"})
		for _, target := range st.Reserve.Targets {
			reserveTable.AppendRow(table.Row{
				fmt.Sprintf("%.4f", target.Price),
				fmt.Sprintf("%.2f", target.Size),
			})
		}
		b.WriteString(reserveTable.Render())
	}

	return b.String()
}

// Log 把状态报表写入日志。
func Log(st orchestrator.Status) {
	logger.S().Infof("状态报告:\n%s", Render(st))
}

func yesNo(b bool) string {
	if b {
		return "是"
	}
	return "否"
}

func pausedSuffix(paused bool) string {
	if paused {
		return "（买入已暂停）"
	}
	return ""
}
