package floor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lit-grid-bot-go/internal/exchange"
	"lit-grid-bot-go/internal/models"
)

func reserveTargets() []models.ReserveTarget {
	return []models.ReserveTarget{
		{Price: 3.0, Size: 5000},
		{Price: 4.0, Size: 5000},
	}
}

func TestReservePlacesTargetsOnce(t *testing.T) {
	led := newTestLedger(t)
	sim := exchange.NewSimExchange(2.0, models.Balances{BaseAvailable: 12000})

	r := NewReserve(sim, led, reserveTargets())
	r.grace = 0
	require.NoError(t, r.Initialize())
	assert.Equal(t, 2, sim.ActiveOrderCount())
	assert.InDelta(t, 10000, sim.Balances().BaseLocked, 1e-9)

	// 重启后恢复状态，不重复挂单
	r2 := NewReserve(sim, led, reserveTargets())
	r2.grace = 0
	require.NoError(t, r2.Initialize())
	assert.Equal(t, 2, sim.ActiveOrderCount())
}

func TestReserveDetectsFilledTarget(t *testing.T) {
	led := newTestLedger(t)
	sim := exchange.NewSimExchange(2.0, models.Balances{BaseAvailable: 12000})
	r := NewReserve(sim, led, reserveTargets())
	r.grace = 0
	require.NoError(t, r.Initialize())

	// 价格冲到 3.5：第一个目标成交，第二个还在等
	sim.SetPrice(3.5)
	require.NoError(t, r.Tick())

	snap := r.Snapshot()
	assert.Equal(t, 1, snap.Done)
	assert.InDelta(t, 3.0*5000, snap.Proceeds, 1e-9)
	assert.Equal(t, 1, sim.ActiveOrderCount())

	// 已完成的目标不会重挂
	require.NoError(t, r.Tick())
	assert.Equal(t, 1, sim.ActiveOrderCount())
}

func TestSellAtMarketFreesRestingInventory(t *testing.T) {
	led := newTestLedger(t)
	sim := exchange.NewSimExchange(2.0, models.Balances{BaseAvailable: 12000})
	r := NewReserve(sim, led, reserveTargets())
	r.grace = 0
	require.NoError(t, r.Initialize())
	require.InDelta(t, 2000, sim.Balances().BaseAvailable, 1e-9)

	// 可用余额不足 5000：撤掉一个挂单目标释放库存后市价卖出
	require.NoError(t, r.SellAtMarket(5000))

	bal := sim.Balances()
	assert.InDelta(t, 2000, bal.BaseAvailable, 1e-9) // 2000+5000−5000
	assert.InDelta(t, 5000*2.0, bal.QuoteAvailable, 1e-9)
	assert.Equal(t, 1, sim.ActiveOrderCount())

	// 被撤掉的目标视为已花掉，不再重挂
	require.NoError(t, r.Tick())
	assert.Equal(t, 1, sim.ActiveOrderCount())
	assert.Equal(t, 1, r.Snapshot().Done)
}

func TestSellAtMarketCapsAtAvailableReserve(t *testing.T) {
	led := newTestLedger(t)
	sim := exchange.NewSimExchange(2.0, models.Balances{BaseAvailable: 1000})
	r := NewReserve(sim, led, nil)
	require.NoError(t, r.Initialize())

	// 请求超出持有量：卖出全部可用，不报错
	require.NoError(t, r.SellAtMarket(5000))
	bal := sim.Balances()
	assert.InDelta(t, 0, bal.BaseAvailable, 1e-9)
	assert.InDelta(t, 1000*2.0, bal.QuoteAvailable, 1e-9)
}

func TestEmptyReserveIsNoop(t *testing.T) {
	led := newTestLedger(t)
	sim := exchange.NewSimExchange(2.0, models.Balances{})
	r := NewReserve(sim, led, nil)
	require.NoError(t, r.Initialize())
	require.NoError(t, r.Tick())
	assert.Equal(t, 0, sim.ActiveOrderCount())

	require.NoError(t, r.SellAtMarket(100))
	assert.Zero(t, sim.Balances().QuoteAvailable)
}
