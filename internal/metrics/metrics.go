package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lit-grid-bot-go/internal/orchestrator"
)

const promNamespace = "lit_grid_bot"

// Prometheus exposes the bot's state as a scrapeable registry. Gauges are
// refreshed from an orchestrator status snapshot once per tick; counters
// track events the snapshot cannot reconstruct.
type Prometheus struct {
	registry *prometheus.Registry

	ticks         prometheus.Counter
	degradedTicks prometheus.Counter

	price          prometheus.Gauge
	fundingRate    prometheus.Gauge
	portfolioValue prometheus.Gauge
	gridCycles     prometheus.Gauge
	gridBuyFills   prometheus.Gauge
	gridSellFills  prometheus.Gauge
	gridHeldSize   prometheus.Gauge
	gridProfit     prometheus.Gauge
	gridPaused     prometheus.Gauge
	hedgeActive    prometheus.Gauge
	hedgeRealized  prometheus.Gauge
	halted         prometheus.Gauge
}

func NewPrometheus() *Prometheus {
	p := &Prometheus{registry: prometheus.NewRegistry()}

	p.ticks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "ticks_total",
		Help:      "Total number of engine ticks processed.",
	})
	p.degradedTicks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "degraded_ticks_total",
		Help:      "Total number of ticks that finished with at least one manager error.",
	})
	p.price = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      "price",
		Help:      "Last observed mid price.",
	})
	p.fundingRate = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      "funding_rate",
		Help:      "Last observed funding rate.",
	})
	p.portfolioValue = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      "portfolio_value",
		Help:      "Total portfolio value in quote currency.",
	})
	p.gridCycles = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      "grid_cycles",
		Help:      "Completed grid buy/sell cycles.",
	})
	p.gridBuyFills = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      "grid_buy_fills",
		Help:      "Grid buy order fills, partial fills included.",
	})
	p.gridSellFills = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      "grid_sell_fills",
		Help:      "Grid sell order fills, partial fills included.",
	})
	p.gridHeldSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      "grid_held_size",
		Help:      "Base asset held by grid pairs awaiting their sell.",
	})
	p.gridProfit = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      "grid_retained_profit",
		Help:      "Cumulative retained grid profit in quote currency.",
	})
	p.gridPaused = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      "grid_paused",
		Help:      "1 while grid buying is paused.",
	})
	p.hedgeActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      "hedge_active",
		Help:      "1 while the short hedge position is open.",
	})
	p.hedgeRealized = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      "hedge_realized_pnl",
		Help:      "Cumulative realized hedge profit and loss.",
	})
	p.halted = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      "halted",
		Help:      "1 after an emergency exit has permanently halted trading.",
	})

	p.registry.MustRegister(
		p.ticks, p.degradedTicks,
		p.price, p.fundingRate, p.portfolioValue,
		p.gridCycles, p.gridBuyFills, p.gridSellFills,
		p.gridHeldSize, p.gridProfit, p.gridPaused,
		p.hedgeActive, p.hedgeRealized, p.halted,
	)
	return p
}

// ObserveTick 在一拍结束后刷新所有指标。
func (p *Prometheus) ObserveTick(st orchestrator.Status, degraded bool) {
	p.ticks.Inc()
	if degraded {
		p.degradedTicks.Inc()
	}
	p.price.Set(st.Price)
	p.fundingRate.Set(st.FundingRate)
	if st.Portfolio != nil {
		p.portfolioValue.Set(st.Portfolio.TotalValue)
	}
	p.gridCycles.Set(float64(st.Grid.Cycles))
	p.gridBuyFills.Set(float64(st.Grid.BuyFills))
	p.gridSellFills.Set(float64(st.Grid.SellFills))
	p.gridHeldSize.Set(st.Grid.HeldSize)
	p.gridProfit.Set(st.Grid.Profit)
	p.gridPaused.Set(boolGauge(st.Grid.Paused))
	p.hedgeActive.Set(boolGauge(st.Hedge.State.Active))
	p.hedgeRealized.Set(st.Hedge.Realized)
	p.halted.Set(boolGauge(st.Halted))
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Handler 返回该注册表的抓取端点。
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
