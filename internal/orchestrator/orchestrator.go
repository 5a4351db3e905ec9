package orchestrator

import (
	"errors"
	"fmt"

	"lit-grid-bot-go/internal/config"
	"lit-grid-bot-go/internal/exchange"
	"lit-grid-bot-go/internal/floor"
	"lit-grid-bot-go/internal/grid"
	"lit-grid-bot-go/internal/hedge"
	"lit-grid-bot-go/internal/ledger"
	"lit-grid-bot-go/internal/logger"
	"lit-grid-bot-go/internal/models"
	"lit-grid-bot-go/internal/valuation"
)

// Orchestrator 把网格、对冲、底线保护和储备串成一个单线程的节拍循环。
//
// Tick runs the managers in a fixed priority order: floor protection
// first (it can halt everything), then the hedge, then the grid, then the
// reserve. A failure in one manager is logged and does not stop the
// others from running their part of the tick; the errors are joined and
// returned so the driver can count degraded ticks.
type Orchestrator struct {
	cfg *models.Config
	ex  exchange.Exchange
	led ledger.Ledger

	grid     *grid.Engine
	hedge    *hedge.Manager
	floor    *floor.Protection
	reserve  *floor.Reserve
	valuator *valuation.Valuator

	lastPortfolio *models.PortfolioSnapshot
	lastPrice     float64
	lastFunding   float64
	ticks         int
}

// Status 汇总所有组件的状态，供报表与指标使用。
type Status struct {
	Symbol      string
	Price       float64
	FundingRate float64
	Ticks       int
	Halted      bool
	Grid        grid.Snapshot
	Hedge       hedge.Snapshot
	Floor       floor.Snapshot
	Reserve     floor.ReserveSnapshot
	Portfolio   *models.PortfolioSnapshot
}

// New 按配置组装所有组件。
func New(cfg *models.Config, ex exchange.Exchange, led ledger.Ledger) *Orchestrator {
	o := &Orchestrator{cfg: cfg, ex: ex, led: led}
	o.grid = grid.NewEngine(ex, led, cfg.Grid)
	o.hedge = hedge.NewManager(ex, led, cfg.Hedge)
	o.reserve = floor.NewReserve(ex, led, cfg.Reserve)
	o.valuator = valuation.New(ex, o.hedge)
	o.floor = floor.NewProtection(ex, led, cfg.Floor,
		config.BuildFloorTiers(cfg), o.grid, o.hedge, o.reserve)
	return o
}

// Initialize 启动所有组件并完成重启对账。顺序：先恢复底线状态
// （停机标志必须最先知道），再恢复各个仓位管理者。
func (o *Orchestrator) Initialize() error {
	if err := o.floor.Initialize(); err != nil {
		return err
	}
	if o.floor.Halted() {
		logger.S().Errorw("机器人处于紧急停机状态，仅提供状态查询，不再交易")
		return nil
	}
	if err := o.grid.Initialize(); err != nil {
		return err
	}
	if err := o.hedge.Initialize(); err != nil {
		return err
	}
	if err := o.reserve.Initialize(); err != nil {
		return err
	}
	if err := o.grid.Reconcile(); err != nil {
		return err
	}
	logger.S().Infow("所有组件初始化完成", "symbol", o.cfg.Symbol)
	return nil
}

// Tick 推进整个系统一拍。price 与 fundingRate 由外部驱动循环提供。
func (o *Orchestrator) Tick(price, fundingRate float64) error {
	if o.floor.Halted() {
		return nil
	}
	o.ticks++
	o.lastPrice = price
	o.lastFunding = fundingRate

	var errs []error

	// 每拍用新鲜的交易所状态重新估值；估值失败时底线检查退化为
	// 仅按价格梯级判断
	portfolio, err := o.valuator.Snapshot(price)
	if err != nil {
		logger.S().Errorw("组合估值失败", "err", err)
		errs = append(errs, err)
		portfolio = nil
	}
	o.lastPortfolio = portfolio

	if err := o.floor.Check(price, portfolio); err != nil {
		logger.S().Errorw("底线检查失败", "err", err)
		errs = append(errs, fmt.Errorf("floor: %w", err))
	}
	if o.floor.Halted() {
		return errors.Join(errs...)
	}

	if err := o.hedge.Tick(price, fundingRate); err != nil {
		logger.S().Errorw("对冲节拍失败", "err", err)
		errs = append(errs, fmt.Errorf("hedge: %w", err))
	}
	if err := o.grid.CheckFills(price); err != nil {
		logger.S().Errorw("网格节拍失败", "err", err)
		errs = append(errs, fmt.Errorf("grid: %w", err))
	}
	if err := o.reserve.Tick(); err != nil {
		logger.S().Errorw("储备节拍失败", "err", err)
		errs = append(errs, fmt.Errorf("reserve: %w", err))
	}
	return errors.Join(errs...)
}

// Pause 暂停网格买入（人工干预入口）。
func (o *Orchestrator) Pause() { o.grid.Pause() }

// Resume 恢复网格买入。
func (o *Orchestrator) Resume() { o.grid.Resume() }

// Halted 返回是否处于终态停机。
func (o *Orchestrator) Halted() bool { return o.floor.Halted() }

// Status 返回当前所有组件的状态汇总。
func (o *Orchestrator) Status() Status {
	return Status{
		Symbol:      o.cfg.Symbol,
		Price:       o.lastPrice,
		FundingRate: o.lastFunding,
		Ticks:       o.ticks,
		Halted:      o.floor.Halted(),
		Grid:        o.grid.Snapshot(),
		Hedge:       o.hedge.Snapshot(),
		Floor:       o.floor.Snapshot(),
		Reserve:     o.reserve.Snapshot(),
		Portfolio:   o.lastPortfolio,
	}
}
