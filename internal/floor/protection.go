package floor

import (
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"

	"lit-grid-bot-go/internal/exchange"
	"lit-grid-bot-go/internal/ledger"
	"lit-grid-bot-go/internal/logger"
	"lit-grid-bot-go/internal/models"
)

const (
	keyTiers  = "floor_tiers"
	keyHalted = "floor_halted"
)

const dust = 1e-9

// emergencyAttempts 是紧急退出中每个步骤的最大尝试次数。
const emergencyAttempts = 3

// GridController 是底线保护对网格的控制面。
type GridController interface {
	Pause()
	Liquidate() error
}

// HedgeCloser 在紧急退出时平掉对冲空仓。
type HedgeCloser interface {
	CloseForEmergency(price float64) error
}

// ReserveSeller 从非网格储备中卖出指定数量。
type ReserveSeller interface {
	SellAtMarket(amount float64) error
}

// Protection 守住投资组合的资金底线。
//
// Two independent triggers feed the same de-risking ladder. Price tiers
// fire as the price falls through configured levels, each action exactly
// once: the allocation a tier acts on is gone after it fires, so the
// executed latch is persisted and survives restarts. The value circuit
// breaker compares total portfolio value against the emergency buffer
// every tick and jumps straight to the emergency exit when breached.
//
// After an emergency exit the bot is HALTED: a terminal state that no
// price recovery clears. Resuming requires operator intervention.
type Protection struct {
	ex      exchange.Exchange
	led     ledger.Ledger
	cfg     models.FloorConfig
	grid    GridController
	hedge   HedgeCloser
	reserve ReserveSeller

	tiers  []models.FloorTier
	halted bool

	sleep func(time.Duration)
}

// Snapshot 是供状态报告使用的底线只读视图。
type Snapshot struct {
	FloorValue      float64
	EmergencyBuffer float64
	Tiers           []models.FloorTier
	Halted          bool
}

// NewProtection 创建底线保护。hedge 与 reserve 可以为 nil。
func NewProtection(ex exchange.Exchange, led ledger.Ledger, cfg models.FloorConfig,
	tiers []models.FloorTier, grid GridController, hedge HedgeCloser, reserve ReserveSeller) *Protection {
	return &Protection{
		ex:      ex,
		led:     led,
		cfg:     cfg,
		grid:    grid,
		hedge:   hedge,
		reserve: reserve,
		tiers:   tiers,
		sleep:   time.Sleep,
	}
}

// Initialize 恢复已执行梯级的闩锁与停机标志。配置变更后触发价格或
// 动作对不上的持久化记录将被丢弃，以当前配置为准。
func (p *Protection) Initialize() error {
	p.halted = ledger.GetBool(p.led, keyHalted)

	var saved []models.FloorTier
	if err := p.led.GetJSON(keyTiers, &saved); err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return p.persistTiers()
		}
		return fmt.Errorf("floor: load tiers: %w", err)
	}
	if len(saved) == len(p.tiers) {
		match := true
		for i := range saved {
			if saved[i].TriggerPrice != p.tiers[i].TriggerPrice || saved[i].Action != p.tiers[i].Action {
				match = false
				break
			}
		}
		if match {
			p.tiers = saved
			return nil
		}
	}
	logger.S().Warnw("底线梯级配置已变化，丢弃旧的执行记录")
	return p.persistTiers()
}

// Check 每拍运行一次底线检查。价值熔断优先于价格梯级。
func (p *Protection) Check(price float64, portfolio *models.PortfolioSnapshot) error {
	if p.halted {
		return nil
	}

	if portfolio != nil && portfolio.TotalValue <= p.cfg.EmergencyBuffer {
		logger.S().Errorw("组合价值触及紧急缓冲线",
			"value", portfolio.TotalValue, "buffer", p.cfg.EmergencyBuffer, "floor", p.cfg.FloorValue)
		return p.emergencyExit(price)
	}

	// 一次大幅跳空可能同时越过多个梯级，按从轻到重依次执行
	for i := range p.tiers {
		tier := &p.tiers[i]
		if tier.Executed || price > tier.TriggerPrice {
			continue
		}
		if err := p.executeTier(tier, price); err != nil {
			return err
		}
		tier.Executed = true
		if err := p.persistTiers(); err != nil {
			return err
		}
		if p.halted {
			break
		}
	}
	return nil
}

func (p *Protection) executeTier(tier *models.FloorTier, price float64) error {
	logger.S().Warnw("价格触发底线梯级",
		"trigger", tier.TriggerPrice, "action", tier.Action.String(), "price", price)
	switch tier.Action {
	case models.TierPauseBuys:
		p.grid.Pause()
		return nil
	case models.TierSellReserve:
		if p.reserve == nil {
			logger.S().Warnw("未配置储备，sell_reserve 梯级跳过")
			return nil
		}
		return p.reserve.SellAtMarket(tier.Amount)
	case models.TierLiquidateGrid:
		return p.grid.Liquidate()
	case models.TierEmergencyExit:
		return p.emergencyExit(price)
	}
	return fmt.Errorf("floor: unknown tier action %d", tier.Action)
}

// emergencyExit 清掉所有风险敞口并永久停机：先平空仓（做空敞口最危险），
// 再撤掉全部挂单，最后把基础资产市价换成报价货币。单个步骤失败不阻断
// 后续步骤——能脱掉多少风险就脱掉多少，最终无论如何进入停机状态。
func (p *Protection) emergencyExit(price float64) error {
	logger.S().Errorw("!!! 紧急退出 !!!", "price", price)

	var errs []error
	if p.hedge != nil {
		if err := p.retry("close hedge", func() error {
			return p.hedge.CloseForEmergency(price)
		}); err != nil {
			errs = append(errs, err)
		}
	}

	if err := p.retry("cancel all orders", func() error {
		_, err := p.ex.CancelAllOrders()
		return err
	}); err != nil {
		errs = append(errs, err)
	}

	if err := p.retry("sell base holdings", func() error {
		bal, err := p.ex.GetAccountBalances()
		if err != nil {
			return err
		}
		if bal.BaseAvailable <= dust {
			return nil
		}
		_, err = p.ex.PlaceMarketOrder(models.Sell, bal.BaseAvailable)
		return err
	}); err != nil {
		errs = append(errs, err)
	}

	p.halted = true
	if err := p.led.SetJSON(keyHalted, true); err != nil {
		errs = append(errs, fmt.Errorf("floor: persist halt flag: %w", err))
	}
	logger.S().Errorw("紧急退出完成，机器人已停机", "errors", len(errs))
	return errors.Join(errs...)
}

// retry 以指数退避重试一个步骤，最多 emergencyAttempts 次。
func (p *Protection) retry(op string, fn func() error) error {
	b := &backoff.Backoff{Min: 200 * time.Millisecond, Max: 2 * time.Second, Factor: 2}
	var err error
	for attempt := 1; attempt <= emergencyAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		logger.S().Warnw("紧急退出步骤失败",
			"step", op, "attempt", attempt, "err", err)
		if attempt < emergencyAttempts {
			p.sleep(b.Duration())
		}
	}
	return fmt.Errorf("floor: %s failed after %d attempts: %w", op, emergencyAttempts, err)
}

// Halted 返回是否处于终态停机。
func (p *Protection) Halted() bool { return p.halted }

// Snapshot 返回当前底线状态的只读视图。
func (p *Protection) Snapshot() Snapshot {
	return Snapshot{
		FloorValue:      p.cfg.FloorValue,
		EmergencyBuffer: p.cfg.EmergencyBuffer,
		Tiers:           append([]models.FloorTier(nil), p.tiers...),
		Halted:          p.halted,
	}
}

func (p *Protection) persistTiers() error {
	if err := p.led.SetJSON(keyTiers, p.tiers); err != nil {
		return fmt.Errorf("floor: persist tiers: %w", err)
	}
	return nil
}
