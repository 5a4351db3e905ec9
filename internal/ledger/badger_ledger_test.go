package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lit-grid-bot-go/internal/models"
)

func newLedger(t *testing.T) Ledger {
	t.Helper()
	led, err := NewInMemoryLedger()
	require.NoError(t, err)
	t.Cleanup(func() { led.Close() })
	return led
}

func TestKeyValueRoundTrip(t *testing.T) {
	led := newLedger(t)

	_, err := led.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, led.Set("reference", "1.64"))
	v, err := led.Get("reference")
	require.NoError(t, err)
	assert.Equal(t, "1.64", v)

	require.NoError(t, led.Delete("reference"))
	_, err = led.Get("reference")
	assert.ErrorIs(t, err, ErrNotFound)

	// 删除不存在的键不报错
	require.NoError(t, led.Delete("reference"))
}

func TestJSONRoundTrip(t *testing.T) {
	led := newLedger(t)

	in := models.HedgeState{Active: true, EntryPrice: 1.64, StopPrice: 1.9024, Size: 3000}
	require.NoError(t, led.SetJSON("hedge_state", in))

	var out models.HedgeState
	require.NoError(t, led.GetJSON("hedge_state", &out))
	assert.Equal(t, in, out)

	assert.ErrorIs(t, led.GetJSON("missing", &out), ErrNotFound)
}

func TestOrderLifecycle(t *testing.T) {
	led := newLedger(t)

	order := &models.Order{
		ID:         "42",
		Side:       models.Buy,
		Price:      1.62,
		Size:       385.8,
		Status:     models.OrderPending,
		GridPairID: 1,
		CreatedAt:  time.Now(),
	}
	require.NoError(t, led.SaveOrder(order))

	got, err := led.GetOrder("42")
	require.NoError(t, err)
	assert.Equal(t, models.OrderPending, got.Status)
	assert.Equal(t, 1, got.GridPairID)

	require.NoError(t, led.MarkPartiallyFilled("42", 100))
	got, err = led.GetOrder("42")
	require.NoError(t, err)
	assert.Equal(t, models.OrderPartiallyFilled, got.Status)
	assert.Equal(t, 100.0, got.FilledSize)

	require.NoError(t, led.MarkFilled("42", 385.8))
	got, err = led.GetOrder("42")
	require.NoError(t, err)
	assert.Equal(t, models.OrderFilled, got.Status)
	assert.Equal(t, 385.8, got.FilledSize)
	require.NotNil(t, got.FilledAt)

	// FILLED 是终态：任何再转换都被拒绝
	assert.ErrorIs(t, led.MarkFilled("42", 400), ErrInvalidTransition)
	assert.ErrorIs(t, led.MarkCancelled("42"), ErrInvalidTransition)
	assert.ErrorIs(t, led.MarkPartiallyFilled("42", 400), ErrInvalidTransition)
}

func TestOrdersByStatus(t *testing.T) {
	led := newLedger(t)
	now := time.Now()
	for _, o := range []*models.Order{
		{ID: "1", Side: models.Buy, Status: models.OrderPending, CreatedAt: now},
		{ID: "2", Side: models.Sell, Status: models.OrderPending, CreatedAt: now},
		{ID: "3", Side: models.Buy, Status: models.OrderPending, CreatedAt: now},
	} {
		require.NoError(t, led.SaveOrder(o))
	}
	require.NoError(t, led.MarkCancelled("2"))

	pending, err := led.OrdersByStatus(models.OrderPending)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	cancelled, err := led.OrdersByStatus(models.OrderCancelled)
	require.NoError(t, err)
	require.Len(t, cancelled, 1)
	assert.Equal(t, "2", cancelled[0].ID)

	_, err = led.GetOrder("404")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConvenienceAccessors(t *testing.T) {
	led := newLedger(t)

	assert.Equal(t, 1.5, GetFloat(led, "f", 1.5))
	require.NoError(t, led.SetJSON("f", 2.5))
	assert.Equal(t, 2.5, GetFloat(led, "f", 1.5))

	assert.Equal(t, 7, GetInt(led, "i", 7))
	require.NoError(t, led.SetJSON("i", 9))
	assert.Equal(t, 9, GetInt(led, "i", 7))

	assert.False(t, GetBool(led, "b"))
	require.NoError(t, led.SetJSON("b", true))
	assert.True(t, GetBool(led, "b"))
}

func TestStateSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	led, err := NewBadgerLedger(dir)
	require.NoError(t, err)
	require.NoError(t, led.Set("grid_reference", "100"))
	require.NoError(t, led.SaveOrder(&models.Order{
		ID: "1", Side: models.Buy, Status: models.OrderPending, CreatedAt: time.Now(),
	}))
	require.NoError(t, led.Close())

	led2, err := NewBadgerLedger(dir)
	require.NoError(t, err)
	defer led2.Close()

	v, err := led2.Get("grid_reference")
	require.NoError(t, err)
	assert.Equal(t, "100", v)
	o, err := led2.GetOrder("1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderPending, o.Status)
}
