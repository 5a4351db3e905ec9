package floor

import (
	"errors"
	"fmt"
	"time"

	"lit-grid-bot-go/internal/exchange"
	"lit-grid-bot-go/internal/ledger"
	"lit-grid-bot-go/internal/logger"
	"lit-grid-bot-go/internal/models"
)

const (
	keyReserveState    = "reserve_state"
	keyReserveProceeds = "reserve_proceeds"
)

// reserveEntry 是一个储备卖出目标的运行时状态。
type reserveEntry struct {
	Price   float64 `json:"price"`
	Size    float64 `json:"size"`
	OrderID string  `json:"order_id,omitempty"`
	Done    bool    `json:"done"`
}

// Reserve 管理非网格储备的一次性卖出目标：在配置的价位挂出限价卖单，
// 成交即完成，永不重挂。底线梯级的 sell_reserve 动作也从这里卖出。
type Reserve struct {
	ex  exchange.Exchange
	led ledger.Ledger

	entries  []reserveEntry
	proceeds float64

	// grace 与网格相同：太年轻的挂单不参与成交判定
	grace time.Duration
}

// ReserveSnapshot 是储备状态的只读视图。
type ReserveSnapshot struct {
	Targets  []models.ReserveTarget
	Done     int
	Proceeds float64
}

// NewReserve 创建储备管理器。targets 为空时所有操作都是空操作。
func NewReserve(ex exchange.Exchange, led ledger.Ledger, targets []models.ReserveTarget) *Reserve {
	entries := make([]reserveEntry, 0, len(targets))
	for _, t := range targets {
		entries = append(entries, reserveEntry{Price: t.Price, Size: t.Size})
	}
	return &Reserve{ex: ex, led: led, entries: entries, grace: 30 * time.Second}
}

// Initialize 恢复目标状态并挂出尚未挂出的卖单。
// 配置的目标价位变化时丢弃旧记录，按新配置重新开始。
func (r *Reserve) Initialize() error {
	var saved []reserveEntry
	err := r.led.GetJSON(keyReserveState, &saved)
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return fmt.Errorf("reserve: load state: %w", err)
	}
	if err == nil && len(saved) == len(r.entries) {
		match := true
		for i := range saved {
			if saved[i].Price != r.entries[i].Price || saved[i].Size != r.entries[i].Size {
				match = false
				break
			}
		}
		if match {
			r.entries = saved
		}
	}
	r.proceeds = ledger.GetFloat(r.led, keyReserveProceeds, 0)
	return r.Tick()
}

// Tick 检测储备卖单的成交并补挂缺失的卖单。
func (r *Reserve) Tick() error {
	if len(r.entries) == 0 {
		return nil
	}
	live, err := r.ex.GetActiveOrders()
	if err != nil {
		return fmt.Errorf("reserve: fetch active orders: %w", err)
	}
	liveByID := make(map[string]struct{}, len(live))
	for _, o := range live {
		liveByID[o.ID] = struct{}{}
	}

	changed := false
	for i := range r.entries {
		e := &r.entries[i]
		if e.Done {
			continue
		}
		if e.OrderID == "" {
			id, err := r.ex.PlaceLimitOrder(models.Sell, e.Price, e.Size)
			if err != nil {
				logger.S().Warnw("储备卖单挂出失败，待重试",
					"price", e.Price, "size", e.Size, "err", err)
				continue
			}
			r.led.SaveOrder(&models.Order{
				ID:        id,
				Side:      models.Sell,
				Price:     e.Price,
				Size:      e.Size,
				Status:    models.OrderPending,
				CreatedAt: time.Now(),
			})
			e.OrderID = id
			changed = true
			logger.S().Infow("储备卖单已挂出", "price", e.Price, "size", e.Size, "order", id)
			continue
		}

		order, err := r.led.GetOrder(e.OrderID)
		if err != nil || order.Status.Terminal() {
			continue
		}
		if time.Since(order.CreatedAt) < r.grace {
			continue
		}
		if _, alive := liveByID[e.OrderID]; !alive {
			if err := r.led.MarkFilled(e.OrderID, e.Size); err != nil {
				logger.S().Errorw("标记储备卖单成交失败", "order", e.OrderID, "err", err)
				continue
			}
			e.Done = true
			r.proceeds += e.Price * e.Size
			r.led.SetJSON(keyReserveProceeds, r.proceeds)
			changed = true
			logger.S().Infow("储备卖出目标达成",
				"price", e.Price, "size", e.Size, "proceeds", e.Price*e.Size)
		}
	}
	if changed {
		return r.persist()
	}
	return nil
}

// SellAtMarket 立即从储备市价卖出指定数量。可用余额不足时先撤掉
// 尚未成交的储备卖单释放库存再卖。
func (r *Reserve) SellAtMarket(amount float64) error {
	bal, err := r.ex.GetAccountBalances()
	if err != nil {
		return fmt.Errorf("reserve: fetch balances: %w", err)
	}
	available := bal.BaseAvailable

	for i := range r.entries {
		if available >= amount {
			break
		}
		e := &r.entries[i]
		if e.Done || e.OrderID == "" {
			continue
		}
		if err := r.ex.CancelOrder(e.OrderID); err != nil {
			logger.S().Warnw("撤销储备卖单失败", "order", e.OrderID, "err", err)
			continue
		}
		r.led.MarkCancelled(e.OrderID)
		available += e.Size
		// 撤掉的目标改为市价卖出，配额已花掉，不再重挂
		e.OrderID = ""
		e.Done = true
	}

	size := amount
	if size > available {
		size = available
	}
	if size <= dust {
		logger.S().Warnw("储备已空，无法卖出", "requested", amount)
		return r.persist()
	}
	if _, err := r.ex.PlaceMarketOrder(models.Sell, size); err != nil {
		return fmt.Errorf("reserve: market sell: %w", err)
	}
	logger.S().Warnw("储备已市价卖出", "size", size, "requested", amount)
	return r.persist()
}

// Snapshot 返回储备状态的只读视图。
func (r *Reserve) Snapshot() ReserveSnapshot {
	snap := ReserveSnapshot{Proceeds: r.proceeds}
	for _, e := range r.entries {
		snap.Targets = append(snap.Targets, models.ReserveTarget{Price: e.Price, Size: e.Size})
		if e.Done {
			snap.Done++
		}
	}
	return snap
}

func (r *Reserve) persist() error {
	if err := r.led.SetJSON(keyReserveState, r.entries); err != nil {
		return fmt.Errorf("reserve: persist state: %w", err)
	}
	return nil
}
