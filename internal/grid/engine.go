package grid

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"lit-grid-bot-go/internal/exchange"
	"lit-grid-bot-go/internal/ledger"
	"lit-grid-bot-go/internal/logger"
	"lit-grid-bot-go/internal/models"
)

// Persisted state keys.
const (
	keyPairs     = "grid_pairs"
	keyStates    = "grid_states"
	keyReference = "grid_reference"
	keyPaused    = "grid_paused"
	keyCycles    = "grid_cycles"
	keyBuyFills  = "grid_buy_fills"
	keySellFills = "grid_sell_fills"
	keyProfit    = "grid_profit"
	keyRecenters = "grid_recenters"
)

// dust 以下的数量视为零，不再为其挂单。
const dust = 1e-9

// Engine 管理配对网格的完整生命周期：生成、挂单、轮询检测成交、
// 买卖循环与利润留存。
//
// Fill detection works by comparing the ledger's pending orders against the
// exchange's live-order list: a pending order absent from the list has
// filled, one whose reported filled size grew has partially filled. Orders
// younger than the grace period are skipped so a freshly placed order is
// not mistaken for a fill before the exchange lists it.
//
// The engine is driven from a single goroutine; it is not safe for
// concurrent use.
type Engine struct {
	ex     exchange.Exchange
	led    ledger.Ledger
	cfg    models.GridConfig
	policy Policy

	pairs  []models.GridPair
	states map[int]*models.GridPairState
	paused bool

	reference float64
	cycles    int
	buyFills  int
	sellFills int
	recenters int
	profit    float64
}

// Snapshot 是供状态报告使用的网格只读视图。
type Snapshot struct {
	Policy    string
	Paused    bool
	Reference float64
	Pairs     []models.GridPair
	States    []models.GridPairState
	HeldSize  float64
	Cycles    int
	BuyFills  int
	SellFills int
	Recenters int
	Profit    float64
}

// NewEngine 创建网格引擎。调用方随后必须调用 Initialize。
func NewEngine(ex exchange.Exchange, led ledger.Ledger, cfg models.GridConfig) *Engine {
	return &Engine{
		ex:     ex,
		led:    led,
		cfg:    cfg,
		policy: NewPolicy(cfg),
		states: make(map[int]*models.GridPairState),
	}
}

// Initialize 恢复已持久化的网格，或在首次启动时以当前中间价为参考
// 生成新网格并挂出初始订单。
func (e *Engine) Initialize() error {
	if err := e.led.GetJSON(keyPairs, &e.pairs); err == nil && len(e.pairs) > 0 {
		var states []models.GridPairState
		if err := e.led.GetJSON(keyStates, &states); err != nil {
			return fmt.Errorf("grid: load states: %w", err)
		}
		for i := range states {
			s := states[i]
			e.states[s.PairID] = &s
		}
		e.reference = ledger.GetFloat(e.led, keyReference, 0)
		e.paused = ledger.GetBool(e.led, keyPaused)
		e.cycles = ledger.GetInt(e.led, keyCycles, 0)
		e.buyFills = ledger.GetInt(e.led, keyBuyFills, 0)
		e.sellFills = ledger.GetInt(e.led, keySellFills, 0)
		e.recenters = ledger.GetInt(e.led, keyRecenters, 0)
		e.profit = ledger.GetFloat(e.led, keyProfit, 0)
		logger.S().Infow("网格已从账本恢复",
			"pairs", len(e.pairs), "reference", e.reference, "paused", e.paused)
		return nil
	}

	ref, err := e.ex.GetMidPrice()
	if err != nil {
		return fmt.Errorf("grid: fetch reference price: %w", err)
	}
	if err := e.buildGrid(ref, e.cfg.SeedHeldPerPair); err != nil {
		return err
	}
	logger.S().Infow("网格已生成",
		"policy", e.policy.Name(), "reference", ref, "pairs", len(e.pairs))
	return e.ensureResting()
}

// buildGrid 在参考价附近生成档位并重置运行时状态。
// 每个价格对得到一个买入单元；seedHeld 大于零时，同价位再得到一个
// 持有库存、先挂卖出的单元，使买卖两侧同时有挂单。
func (e *Engine) buildGrid(ref, seedHeld float64) error {
	base, err := e.policy.GeneratePairs(ref)
	if err != nil {
		return err
	}

	pairs := base
	states := make(map[int]*models.GridPairState, len(base)*2)
	for _, p := range base {
		states[p.ID] = &models.GridPairState{
			PairID:       p.ID,
			ActiveSide:   models.Buy,
			NextNotional: p.Notional,
		}
	}
	if seedHeld > dust {
		for _, p := range base {
			seed := p
			seed.ID = p.ID + len(base)
			seed.Notional = 0
			pairs = append(pairs, seed)
			states[seed.ID] = &models.GridPairState{
				PairID:     seed.ID,
				ActiveSide: models.Sell,
				HeldSize:   seedHeld,
			}
		}
	}

	e.pairs = pairs
	e.states = states
	e.reference = ref
	if err := e.led.SetJSON(keyPairs, e.pairs); err != nil {
		return fmt.Errorf("grid: persist pairs: %w", err)
	}
	if err := e.led.SetJSON(keyReference, ref); err != nil {
		return fmt.Errorf("grid: persist reference: %w", err)
	}
	return e.persistStates()
}

// CheckFills 执行一个网格节拍：检测成交并完成买卖循环，补齐缺失的
// 挂单，必要时围绕当前价格重建网格。
func (e *Engine) CheckFills(price float64) error {
	if err := e.detectFills(true); err != nil {
		return err
	}
	if err := e.ensureResting(); err != nil {
		return err
	}
	if e.policy.ShouldRecenter(price, e.pairs) {
		return e.recenter(price)
	}
	return nil
}

// Reconcile 在重启后把账本与交易所对齐：不设宽限期地跑一轮成交检测，
// 再补齐每个档位应有的挂单。交易所的活动订单列表是最终事实。
func (e *Engine) Reconcile() error {
	if err := e.detectFills(false); err != nil {
		return err
	}
	return e.ensureResting()
}

// detectFills 将账本中的待成交网格订单与交易所活动列表比对。
func (e *Engine) detectFills(honorGrace bool) error {
	live, err := e.ex.GetActiveOrders()
	if err != nil {
		return fmt.Errorf("grid: fetch active orders: %w", err)
	}
	liveByID := make(map[string]models.ActiveOrder, len(live))
	for _, o := range live {
		liveByID[o.ID] = o
	}

	pending, err := e.pendingGridOrders()
	if err != nil {
		return err
	}

	grace := time.Duration(e.cfg.GraceSeconds) * time.Second
	for _, o := range pending {
		if honorGrace && time.Since(o.CreatedAt) < grace {
			continue
		}
		lo, alive := liveByID[o.ID]
		if !alive {
			remaining := o.Size - o.FilledSize
			if err := e.led.MarkFilled(o.ID, o.Size); err != nil {
				logger.S().Errorw("标记订单成交失败", "order", o.ID, "err", err)
				continue
			}
			e.applyFill(o, remaining, true)
			continue
		}
		if lo.FilledSize > o.FilledSize+dust {
			delta := lo.FilledSize - o.FilledSize
			if err := e.led.MarkPartiallyFilled(o.ID, lo.FilledSize); err != nil {
				logger.S().Errorw("更新部分成交失败", "order", o.ID, "err", err)
				continue
			}
			e.applyFill(o, delta, false)
		}
	}
	return e.persistStates()
}

// applyFill 处理一笔（完整或部分）成交对所属档位的状态转换。
//
// 买入成交把获得的库存记入 HeldSize，随后由 ensureResting 在卖出价
// 挂出对应数量的卖单。卖出成交按留存比例截留利润，其余所得计入
// NextNotional，在档位完全卖出后复投为新的买单。部分卖出只累计复投
// 金额，等整单成交后才挂买单，避免同档同时挂着买卖两单。
func (e *Engine) applyFill(o *models.Order, size float64, full bool) {
	state, ok := e.states[o.GridPairID]
	if !ok {
		logger.S().Warnw("成交订单所属档位不存在，忽略", "order", o.ID, "pair", o.GridPairID)
		return
	}

	if o.Side == models.Buy {
		e.buyFills++
		e.led.SetJSON(keyBuyFills, e.buyFills)
		state.HeldSize += size
		if full {
			state.ActiveSide = models.Sell
			state.NextNotional = 0
		}
		logger.S().Infow("买入成交",
			"pair", o.GridPairID, "price", o.Price, "size", size, "held", state.HeldSize)
		return
	}

	proceeds := size * o.Price
	kept := proceeds * e.cfg.ProfitRetention
	state.NextNotional += proceeds - kept
	state.HeldSize -= size
	if state.HeldSize < 0 {
		state.HeldSize = 0
	}
	e.profit += kept
	e.sellFills++
	e.led.SetJSON(keySellFills, e.sellFills)
	e.led.SetJSON(keyProfit, e.profit)
	if full {
		state.ActiveSide = models.Buy
		e.cycles++
		e.led.SetJSON(keyCycles, e.cycles)
	}
	logger.S().Infow("卖出成交",
		"pair", o.GridPairID, "price", o.Price, "size", size,
		"profit", kept, "reinvest", state.NextNotional)
}

// ensureResting 为每个档位补齐它应有的挂单。这个扫描是自愈的：
// 无论缺单是因为拒单、暂停后恢复，还是成交与反向挂单之间掉电，
// 缺多少补多少。暂停只抑制买单，卖单始终照挂。
func (e *Engine) ensureResting() error {
	restingBuys, restingSells, err := e.restingByPair()
	if err != nil {
		return err
	}

	changed := false
	for _, pair := range e.pairs {
		state := e.states[pair.ID]
		degraded := false

		owedSell := state.HeldSize - restingSells[pair.ID]
		if owedSell > dust {
			if e.placeGridOrder(models.Sell, pair.SellPrice, owedSell, pair.ID) != nil {
				degraded = true
			}
		}

		if state.ActiveSide == models.Buy && !e.paused &&
			restingBuys[pair.ID] == 0 && state.NextNotional > dust {
			size := state.NextNotional / pair.BuyPrice
			if e.placeGridOrder(models.Buy, pair.BuyPrice, size, pair.ID) != nil {
				degraded = true
			}
		}

		if state.Degraded != degraded {
			state.Degraded = degraded
			changed = true
		} else if degraded {
			changed = true
		}
	}
	if changed {
		return e.persistStates()
	}
	return nil
}

// placeGridOrder 挂出一个网格限价单并记入账本。
func (e *Engine) placeGridOrder(side models.Side, price, size float64, pairID int) error {
	id, err := e.ex.PlaceLimitOrder(side, price, size)
	if err != nil {
		var rejected *exchange.ErrOrderRejected
		if errors.As(err, &rejected) {
			logger.S().Warnw("网格订单被拒", "pair", pairID, "side", side, "reason", rejected.Reason)
		} else {
			logger.S().Warnw("网格订单挂出失败，待重试", "pair", pairID, "side", side, "err", err)
		}
		return err
	}
	order := &models.Order{
		ID:         id,
		Side:       side,
		Price:      price,
		Size:       size,
		Status:     models.OrderPending,
		GridPairID: pairID,
		CreatedAt:  time.Now(),
	}
	if err := e.led.SaveOrder(order); err != nil {
		return fmt.Errorf("grid: save order %s: %w", id, err)
	}
	logger.S().Debugw("网格订单已挂出",
		"pair", pairID, "side", side, "price", price, "size", size, "order", id)
	return nil
}

// recenter 撤掉全部网格订单，在当前价格重建网格。原先各档持有的
// 库存汇总后平分为新网格的种子卖出单元，继续参与循环。
func (e *Engine) recenter(price float64) error {
	logger.S().Infow("价格逼近网格边缘，重建网格", "price", price, "reference", e.reference)
	if _, err := e.cancelGridOrders(); err != nil {
		return err
	}

	seed := e.HeldSize() / float64(e.cfg.NumPairs)
	if err := e.buildGrid(price, seed); err != nil {
		return err
	}

	e.recenters++
	e.led.SetJSON(keyRecenters, e.recenters)
	return e.ensureResting()
}

// Pause 暂停新买单的挂出。已有挂单与卖出循环不受影响。
func (e *Engine) Pause() {
	if e.paused {
		return
	}
	e.paused = true
	e.led.SetJSON(keyPaused, true)
	logger.S().Warnw("网格买入已暂停")
}

// Resume 恢复买单挂出；缺失的买单在下一拍由 ensureResting 补齐。
func (e *Engine) Resume() {
	if !e.paused {
		return
	}
	e.paused = false
	e.led.SetJSON(keyPaused, false)
	logger.S().Infow("网格买入已恢复")
}

// Paused 返回买入是否处于暂停状态。
func (e *Engine) Paused() bool { return e.paused }

// CancelAll 撤销全部网格挂单，返回撤单数量。
func (e *Engine) CancelAll() (int, error) {
	return e.cancelGridOrders()
}

// Liquidate 清算网格：撤销全部网格挂单并以市价卖出所有持有库存，
// 之后网格保持买入暂停。档位状态在卖出成功之后才清零：市价单瞬时
// 失败时库存记录必须保留，否则重试会以为无货可卖。
func (e *Engine) Liquidate() error {
	if _, err := e.cancelGridOrders(); err != nil {
		return err
	}

	held := e.HeldSize()
	if held > dust {
		if _, err := e.ex.PlaceMarketOrder(models.Sell, held); err != nil {
			return fmt.Errorf("grid: liquidate held inventory: %w", err)
		}
		logger.S().Warnw("网格库存已市价卖出", "size", held)
	}
	for _, s := range e.states {
		s.HeldSize = 0
		s.ActiveSide = models.Buy
		s.NextNotional = 0
	}
	e.paused = true
	e.led.SetJSON(keyPaused, true)
	return e.persistStates()
}

// cancelGridOrders 撤销账本中所有未终结的网格订单。
func (e *Engine) cancelGridOrders() (int, error) {
	pending, err := e.pendingGridOrders()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, o := range pending {
		if err := e.ex.CancelOrder(o.ID); err != nil {
			// 撤单失败通常意味着订单已经成交或不存在，下一拍的
			// 成交检测会处理它。
			logger.S().Warnw("撤销网格订单失败", "order", o.ID, "err", err)
			continue
		}
		if err := e.led.MarkCancelled(o.ID); err != nil {
			logger.S().Errorw("标记订单撤销失败", "order", o.ID, "err", err)
		}
		n++
	}
	logger.S().Infow("网格挂单已撤销", "count", n)
	return n, nil
}

// pendingGridOrders 返回账本中所有网格相关的未终结订单。
func (e *Engine) pendingGridOrders() ([]*models.Order, error) {
	pending, err := e.led.OrdersByStatus(models.OrderPending)
	if err != nil {
		return nil, fmt.Errorf("grid: load pending orders: %w", err)
	}
	partial, err := e.led.OrdersByStatus(models.OrderPartiallyFilled)
	if err != nil {
		return nil, fmt.Errorf("grid: load partially filled orders: %w", err)
	}
	orders := make([]*models.Order, 0, len(pending)+len(partial))
	for _, o := range append(pending, partial...) {
		if o.GridPairID != 0 {
			orders = append(orders, o)
		}
	}
	return orders, nil
}

// restingByPair 汇总账本中每个档位未成交的买入名义金额与卖出数量。
func (e *Engine) restingByPair() (buys map[int]float64, sells map[int]float64, err error) {
	orders, err := e.pendingGridOrders()
	if err != nil {
		return nil, nil, err
	}
	buys = make(map[int]float64)
	sells = make(map[int]float64)
	for _, o := range orders {
		remaining := o.Size - o.FilledSize
		if remaining <= dust {
			continue
		}
		if o.Side == models.Buy {
			buys[o.GridPairID] += remaining * o.Price
		} else {
			sells[o.GridPairID] += remaining
		}
	}
	return buys, sells, nil
}

func (e *Engine) persistStates() error {
	states := e.sortedStates()
	if err := e.led.SetJSON(keyStates, states); err != nil {
		return fmt.Errorf("grid: persist states: %w", err)
	}
	return nil
}

func (e *Engine) sortedStates() []models.GridPairState {
	states := make([]models.GridPairState, 0, len(e.states))
	for _, s := range e.states {
		states = append(states, *s)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].PairID < states[j].PairID })
	return states
}

// HeldSize 返回所有档位持有的基础资产总量。
func (e *Engine) HeldSize() float64 {
	var held float64
	for _, s := range e.states {
		held += s.HeldSize
	}
	return held
}

// RetainedProfit 返回累计留存利润（报价货币）。
func (e *Engine) RetainedProfit() float64 { return e.profit }

// Snapshot 返回当前网格状态的只读视图。
func (e *Engine) Snapshot() Snapshot {
	return Snapshot{
		Policy:    e.policy.Name(),
		Paused:    e.paused,
		Reference: e.reference,
		Pairs:     append([]models.GridPair(nil), e.pairs...),
		States:    e.sortedStates(),
		HeldSize:  e.HeldSize(),
		Cycles:    e.cycles,
		BuyFills:  e.buyFills,
		SellFills: e.sellFills,
		Recenters: e.recenters,
		Profit:    e.profit,
	}
}
