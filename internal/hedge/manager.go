package hedge

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
	keyState    = "hedge_state"
	keyBotEntry = "hedge_bot_entry"
	keyEntries  = "hedge_entries"
	keyStops    = "hedge_stops"
	keyRealized = "hedge_realized_pnl"
)

// Manager 维护一个固定数量的空头对冲仓位。
//
// The short exists to offset the grid's long inventory. Its life cycle is a
// two-state machine. While ACTIVE the manager watches for three exits:
// a hard stop above the entry, a trailing stop that only ever tightens
// downward once the trade is well in profit, and a close after funding has
// stayed negative for the configured window. While INACTIVE it re-enters
// either at or below the bot's original reference price (recorded once at
// first startup), or after the configured pullback from the highest price
// seen. Every close starts the re-entry cooldown so a whipsaw cannot flip
// the position tick after tick.
//
// Like the grid engine, the manager is driven from a single goroutine.
type Manager struct {
	ex  exchange.Exchange
	led ledger.Ledger
	cfg models.HedgeConfig

	state    models.HedgeState
	botEntry float64 // 机器人首次启动时的参考价，再入场条件以它为准
	entries  int
	stops    int
	realized float64

	now func() time.Time
}

// Snapshot 是供状态报告使用的对冲只读视图。
type Snapshot struct {
	State    models.HedgeState
	Entries  int
	Stops    int
	Realized float64
}

// NewManager 创建对冲管理器。调用方随后必须调用 Initialize。
func NewManager(ex exchange.Exchange, led ledger.Ledger, cfg models.HedgeConfig) *Manager {
	return &Manager{ex: ex, led: led, cfg: cfg, now: time.Now}
}

// Initialize 恢复持久化状态并与交易所的实际仓位对齐（交易所为准），
// 首次启动且配置了 auto_open 时立即建仓。
func (m *Manager) Initialize() error {
	if !m.cfg.Enabled {
		return nil
	}
	if err := m.led.GetJSON(keyState, &m.state); err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return fmt.Errorf("hedge: load state: %w", err)
	}
	m.botEntry = ledger.GetFloat(m.led, keyBotEntry, 0)
	m.entries = ledger.GetInt(m.led, keyEntries, 0)
	m.stops = ledger.GetInt(m.led, keyStops, 0)
	m.realized = ledger.GetFloat(m.led, keyRealized, 0)

	if err := m.reconcile(); err != nil {
		return err
	}

	// 首次启动时记录参考价，此后永不改写：再入场的“回到低位”
	// 始终以它衡量，与最近一次入场价无关。
	if m.botEntry == 0 {
		price, err := m.ex.GetMidPrice()
		if err != nil {
			return fmt.Errorf("hedge: fetch reference price: %w", err)
		}
		m.botEntry = price
		if err := m.led.SetJSON(keyBotEntry, m.botEntry); err != nil {
			return fmt.Errorf("hedge: persist reference price: %w", err)
		}
	}

	if m.cfg.AutoOpen && !m.state.Active && m.state.EntryPrice == 0 {
		price, err := m.ex.GetMidPrice()
		if err != nil {
			return fmt.Errorf("hedge: fetch price for auto open: %w", err)
		}
		return m.open(price)
	}
	return nil
}

// reconcile 以交易所仓位为最终事实修正本地状态。
func (m *Manager) reconcile() error {
	positions, err := m.ex.GetPositions()
	if err != nil {
		return fmt.Errorf("hedge: fetch positions: %w", err)
	}
	var short *models.Position
	for i := range positions {
		if positions[i].Size < 0 {
			short = &positions[i]
			break
		}
	}

	switch {
	case m.state.Active && short == nil:
		// 停机期间仓位已被平掉（可能是手动操作）
		logger.S().Warnw("本地记录有空仓但交易所无仓位，标记为已平")
		m.state.Active = false
		return m.persist()
	case !m.state.Active && short != nil:
		logger.S().Warnw("交易所存在未被跟踪的空仓，接管",
			"size", short.Size, "entry", short.EntryPrice)
		m.state.Active = true
		m.state.Size = -short.Size
		m.state.EntryPrice = short.EntryPrice
		m.state.StopPrice = short.EntryPrice * (1 + m.cfg.StopLossFraction)
		m.state.RecentHigh = short.EntryPrice
		return m.persist()
	}
	return nil
}

// Tick 推进对冲状态机一拍。
func (m *Manager) Tick(price, fundingRate float64) error {
	if !m.cfg.Enabled {
		return nil
	}
	// 高点无论持仓与否每拍都追踪，回撤判定才不会基于过期的高点
	if price > m.state.RecentHigh {
		m.state.RecentHigh = price
		if err := m.persist(); err != nil {
			return err
		}
	}
	if m.state.Active {
		return m.tickActive(price, fundingRate)
	}
	return m.tickInactive(price)
}

func (m *Manager) tickActive(price, fundingRate float64) error {
	// 止损优先于其它一切检查
	if price >= m.state.StopPrice {
		if err := m.closeShort(price, "stop_loss"); err != nil {
			return err
		}
		m.stops++
		m.led.SetJSON(keyStops, m.stops)
		m.state.LastStopTime = m.now()
		return m.persist()
	}

	// 负资金费率持续超过窗口则平仓收利
	if fundingRate < 0 {
		if m.state.NegativeFundingSince.IsZero() {
			m.state.NegativeFundingSince = m.now()
			if err := m.persist(); err != nil {
				return err
			}
		} else if m.now().Sub(m.state.NegativeFundingSince) >=
			time.Duration(m.cfg.NegativeFundingHours*float64(time.Hour)) {
			if err := m.closeShort(price, "negative_funding"); err != nil {
				return err
			}
			m.state.LastStopTime = m.now()
			return m.persist()
		}
	} else if !m.state.NegativeFundingSince.IsZero() {
		m.state.NegativeFundingSince = time.Time{}
		if err := m.persist(); err != nil {
			return err
		}
	}

	// 盈利足够深后启动追踪止损；追踪只会下移，绝不上移
	if price < m.state.EntryPrice*(1-m.cfg.TrailTriggerFraction) {
		trailed := price * (1 + m.cfg.StopLossFraction)
		if trailed < m.state.StopPrice {
			logger.S().Infow("追踪止损下移",
				"from", m.state.StopPrice, "to", trailed, "price", price)
			m.state.StopPrice = trailed
			return m.persist()
		}
	}
	return nil
}

func (m *Manager) tickInactive(price float64) error {
	// 尚未有过任何入场时不做自动再入场
	if m.state.EntryPrice == 0 {
		return nil
	}

	cooldown := time.Duration(m.cfg.CooldownHours * float64(time.Hour))
	if m.now().Sub(m.state.LastStopTime) >= cooldown {
		reentryAtRef := m.botEntry > 0 && price <= m.botEntry
		reentryOnPullback := m.state.RecentHigh > 0 &&
			price <= m.state.RecentHigh*(1-m.cfg.ReentryPullback)
		if reentryAtRef || reentryOnPullback {
			if err := m.open(price); err != nil {
				return err
			}
			if reentryOnPullback {
				// 回撤再入场后把高点重置到新入场价，防止紧随其后
				// 的小幅回撤立即再次触发
				m.state.RecentHigh = price
				return m.persist()
			}
		}
	}
	return nil
}

// open 以市价开出固定数量的空仓。
func (m *Manager) open(price float64) error {
	if _, err := m.ex.PlaceMarketOrder(models.Sell, m.cfg.ShortSize); err != nil {
		return fmt.Errorf("hedge: open short: %w", err)
	}
	m.state.Active = true
	m.state.EntryPrice = price
	m.state.StopPrice = price * (1 + m.cfg.StopLossFraction)
	m.state.Size = m.cfg.ShortSize
	m.state.NegativeFundingSince = time.Time{}
	m.entries++
	m.led.SetJSON(keyEntries, m.entries)
	logger.S().Infow("空头对冲已开仓",
		"entry", price, "stop", m.state.StopPrice, "size", m.state.Size)
	return m.persist()
}

// closeShort 市价平掉空仓并记录已实现盈亏。
func (m *Manager) closeShort(price float64, reason string) error {
	if _, err := m.ex.PlaceMarketOrder(models.Buy, m.state.Size); err != nil {
		return fmt.Errorf("hedge: close short: %w", err)
	}
	pnl := (m.state.EntryPrice - price) * m.state.Size
	m.realized += pnl
	m.led.SetJSON(keyRealized, m.realized)
	m.state.Active = false
	m.state.NegativeFundingSince = time.Time{}
	logger.S().Warnw("空头对冲已平仓",
		"reason", reason, "exit", price, "entry", m.state.EntryPrice, "pnl", pnl)
	return nil
}

// CloseForEmergency 在紧急退出时无条件平掉空仓。已平或未启用时为空操作。
func (m *Manager) CloseForEmergency(price float64) error {
	if !m.cfg.Enabled || !m.state.Active {
		return nil
	}
	if err := m.closeShort(price, "emergency_exit"); err != nil {
		return err
	}
	m.state.LastStopTime = m.now()
	return m.persist()
}

// UnrealizedPnl 返回交易所报告的空仓浮动盈亏；无仓位时为零。
func (m *Manager) UnrealizedPnl() (float64, error) {
	if !m.cfg.Enabled {
		return 0, nil
	}
	positions, err := m.ex.GetPositions()
	if err != nil {
		return 0, fmt.Errorf("hedge: fetch positions: %w", err)
	}
	var pnl float64
	for _, p := range positions {
		if p.Size < 0 {
			pnl += p.UnrealizedPnl
		}
	}
	return pnl, nil
}

// Active 返回对冲仓位是否存续。
func (m *Manager) Active() bool { return m.state.Active }

// Snapshot 返回当前对冲状态的只读视图。
func (m *Manager) Snapshot() Snapshot {
	return Snapshot{State: m.state, Entries: m.entries, Stops: m.stops, Realized: m.realized}
}

func (m *Manager) persist() error {
	if err := m.led.SetJSON(keyState, m.state); err != nil {
		return fmt.Errorf("hedge: persist state: %w", err)
	}
	return nil
}
