package floor

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lit-grid-bot-go/internal/ledger"
	"lit-grid-bot-go/internal/models"
)

func newTestLedger(t *testing.T) ledger.Ledger {
	t.Helper()
	led, err := ledger.NewInMemoryLedger()
	require.NoError(t, err)
	t.Cleanup(func() { led.Close() })
	return led
}

// opLog 按顺序记录各个组件被调用的动作。
type opLog struct{ ops []string }

func (l *opLog) add(s string) { l.ops = append(l.ops, s) }

func (l *opLog) count(s string) int {
	n := 0
	for _, op := range l.ops {
		if op == s {
			n++
		}
	}
	return n
}

type fakeGrid struct{ log *opLog }

func (g *fakeGrid) Pause()           { g.log.add("pause") }
func (g *fakeGrid) Liquidate() error { g.log.add("liquidate"); return nil }

type fakeHedge struct{ log *opLog }

func (h *fakeHedge) CloseForEmergency(float64) error { h.log.add("hedge_close"); return nil }

type fakeReserve struct {
	log     *opLog
	amounts []float64
}

func (r *fakeReserve) SellAtMarket(a float64) error {
	r.log.add("sell_reserve")
	r.amounts = append(r.amounts, a)
	return nil
}

// fakeExchange 记录紧急退出涉及的交易所调用，并可注入撤单失败。
type fakeExchange struct {
	log        *opLog
	cancelFail int
	base       float64
}

func (f *fakeExchange) GetMidPrice() (float64, error)                  { return 1.0, nil }
func (f *fakeExchange) GetFundingRate() (float64, error)               { return 0, nil }
func (f *fakeExchange) CancelOrder(string) error                       { return nil }
func (f *fakeExchange) GetActiveOrders() ([]models.ActiveOrder, error) { return nil, nil }
func (f *fakeExchange) GetPositions() ([]models.Position, error)       { return nil, nil }

func (f *fakeExchange) PlaceLimitOrder(models.Side, float64, float64) (string, error) {
	return "limit-1", nil
}

func (f *fakeExchange) PlaceMarketOrder(side models.Side, size float64) (string, error) {
	f.log.add("market_" + string(side))
	return "market-1", nil
}

func (f *fakeExchange) CancelAllOrders() (int, error) {
	if f.cancelFail > 0 {
		f.cancelFail--
		return 0, fmt.Errorf("simulated cancel failure")
	}
	f.log.add("cancel_all")
	return 0, nil
}

func (f *fakeExchange) GetAccountBalances() (*models.Balances, error) {
	return &models.Balances{BaseAvailable: f.base}, nil
}

func defaultTiers() []models.FloorTier {
	return []models.FloorTier{
		{TriggerPrice: 1.20, Action: models.TierPauseBuys},
		{TriggerPrice: 1.00, Action: models.TierSellReserve, Amount: 5000},
		{TriggerPrice: 0.85, Action: models.TierLiquidateGrid},
		{TriggerPrice: 0.70, Action: models.TierEmergencyExit},
	}
}

func defaultFloorConfig() models.FloorConfig {
	return models.FloorConfig{FloorValue: 25000, EmergencyBuffer: 25500}
}

type fixture struct {
	p       *Protection
	log     *opLog
	ex      *fakeExchange
	reserve *fakeReserve
}

func newFixture(t *testing.T, led ledger.Ledger, tiers []models.FloorTier) *fixture {
	t.Helper()
	if led == nil {
		led = newTestLedger(t)
	}
	log := &opLog{}
	ex := &fakeExchange{log: log, base: 12000}
	reserve := &fakeReserve{log: log}
	p := NewProtection(ex, led, defaultFloorConfig(), tiers,
		&fakeGrid{log: log}, &fakeHedge{log: log}, reserve)
	p.sleep = func(time.Duration) {}
	require.NoError(t, p.Initialize())
	return &fixture{p: p, log: log, ex: ex, reserve: reserve}
}

// healthy 返回一个远高于紧急缓冲线的组合快照。
func healthy() *models.PortfolioSnapshot {
	return &models.PortfolioSnapshot{TotalValue: 100000}
}

func TestTierLadderFiresEachActionExactlyOnce(t *testing.T) {
	f := newFixture(t, nil, defaultTiers())

	require.NoError(t, f.p.Check(1.30, healthy()))
	assert.Empty(t, f.log.ops)

	// 跌破第一档
	require.NoError(t, f.p.Check(1.10, healthy()))
	assert.Equal(t, 1, f.log.count("pause"))

	// 反弹再跌破同一档：闩锁保证不再触发
	require.NoError(t, f.p.Check(1.25, healthy()))
	require.NoError(t, f.p.Check(1.10, healthy()))
	assert.Equal(t, 1, f.log.count("pause"))

	// 跌破第二档
	require.NoError(t, f.p.Check(0.95, healthy()))
	assert.Equal(t, 1, f.log.count("sell_reserve"))
	assert.Equal(t, []float64{5000}, f.reserve.amounts)

	require.NoError(t, f.p.Check(0.95, healthy()))
	assert.Equal(t, 1, f.log.count("sell_reserve"))
	assert.False(t, f.p.Halted())
}

// TestGapThroughAllTiers 一次跳空击穿全部梯级：按从轻到重依次执行，
// 紧急退出按 平空仓 → 撤单 → 卖出持仓 的顺序完成后停机。
func TestGapThroughAllTiers(t *testing.T) {
	f := newFixture(t, nil, defaultTiers())

	require.NoError(t, f.p.Check(0.60, healthy()))
	assert.Equal(t, []string{
		"pause",
		"sell_reserve",
		"liquidate",
		"hedge_close",
		"cancel_all",
		"market_SELL",
	}, f.log.ops)
	assert.True(t, f.p.Halted())

	// 停机后一切检查都是空操作
	require.NoError(t, f.p.Check(0.40, &models.PortfolioSnapshot{TotalValue: 1}))
	assert.Len(t, f.log.ops, 6)
}

func TestValueCircuitBreakerTriggersEmergencyExit(t *testing.T) {
	f := newFixture(t, nil, defaultTiers())

	// 价格还没触及任何梯级，但组合价值已跌到缓冲线下
	require.NoError(t, f.p.Check(1.50, &models.PortfolioSnapshot{TotalValue: 25400}))
	assert.Equal(t, []string{"hedge_close", "cancel_all", "market_SELL"}, f.log.ops)
	assert.True(t, f.p.Halted())

	require.NoError(t, f.p.Check(1.50, &models.PortfolioSnapshot{TotalValue: 25400}))
	assert.Len(t, f.log.ops, 3, "紧急退出只执行一次")
}

func TestEmergencyStepRetriesUntilSuccess(t *testing.T) {
	f := newFixture(t, nil, defaultTiers())
	f.ex.cancelFail = 2 // 前两次撤单失败，第三次成功

	err := f.p.Check(1.50, &models.PortfolioSnapshot{TotalValue: 25000})
	require.NoError(t, err)
	assert.Equal(t, 1, f.log.count("cancel_all"))
	assert.True(t, f.p.Halted())
}

func TestEmergencyProceedsPastExhaustedStep(t *testing.T) {
	f := newFixture(t, nil, defaultTiers())
	f.ex.cancelFail = 10 // 撤单永远失败

	err := f.p.Check(1.50, &models.PortfolioSnapshot{TotalValue: 25000})
	require.Error(t, err)
	// 失败的步骤不阻断后续脱险动作，最终仍然停机
	assert.Equal(t, 1, f.log.count("hedge_close"))
	assert.Equal(t, 1, f.log.count("market_SELL"))
	assert.True(t, f.p.Halted())
}

func TestHaltSurvivesRestart(t *testing.T) {
	led := newTestLedger(t)
	f1 := newFixture(t, led, defaultTiers())
	require.NoError(t, f1.p.Check(1.50, &models.PortfolioSnapshot{TotalValue: 100}))
	require.True(t, f1.p.Halted())

	f2 := newFixture(t, led, defaultTiers())
	assert.True(t, f2.p.Halted())
	require.NoError(t, f2.p.Check(0.10, &models.PortfolioSnapshot{TotalValue: 1}))
	assert.Empty(t, f2.log.ops)
}

func TestTierLatchSurvivesRestart(t *testing.T) {
	led := newTestLedger(t)
	f1 := newFixture(t, led, defaultTiers())
	require.NoError(t, f1.p.Check(1.10, healthy()))
	require.Equal(t, 1, f1.log.count("pause"))

	f2 := newFixture(t, led, defaultTiers())
	require.NoError(t, f2.p.Check(1.10, healthy()))
	assert.Zero(t, f2.log.count("pause"), "已执行的梯级重启后不再触发")
}

func TestChangedTierConfigDiscardsLatches(t *testing.T) {
	led := newTestLedger(t)
	f1 := newFixture(t, led, defaultTiers())
	require.NoError(t, f1.p.Check(1.10, healthy()))

	// 触发价格改变：旧的执行记录作废
	tiers := defaultTiers()
	tiers[0].TriggerPrice = 1.15
	f2 := newFixture(t, led, tiers)
	require.NoError(t, f2.p.Check(1.10, healthy()))
	assert.Equal(t, 1, f2.log.count("pause"))
}
