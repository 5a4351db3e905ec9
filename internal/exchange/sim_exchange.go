package exchange

import (
	"fmt"
	"strconv"
	"sync"

	"lit-grid-bot-go/internal/models"
)

// SimExchange 实现了 Exchange 接口，在内存中模拟一个交易所。
// 用于单元测试与策略演练：设置价格后，越过价格的限价单自动成交。
//
// Market sells route to the spot balance when enough base is available and
// open (or extend) a margin short otherwise; market buys reduce an open
// short first. This mirrors how the live venue nets spot and perp flow.
type SimExchange struct {
	mu sync.Mutex

	price       float64
	fundingRate float64

	nextID   int64
	orders   map[string]*models.ActiveOrder
	balances models.Balances
	short    *models.Position

	// RejectNextPlace 使下一次下单返回拒单错误（模拟超出交易所限制）。
	RejectNextPlace bool
	// FailNextPlace 使下一次下单返回瞬时网络错误。
	FailNextPlace bool

	// Fills 记录每个被动成交的订单ID，便于测试断言。
	Fills []string
}

// NewSimExchange 创建一个模拟交易所。
func NewSimExchange(initialPrice float64, balances models.Balances) *SimExchange {
	return &SimExchange{
		price:    initialPrice,
		orders:   make(map[string]*models.ActiveOrder),
		balances: balances,
	}
}

// SetPrice 更新价格并撮合所有越价的限价单。
func (s *SimExchange) SetPrice(price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.price = price
	if s.short != nil {
		s.short.UnrealizedPnl = (s.short.EntryPrice - price) * -s.short.Size
	}

	for id, o := range s.orders {
		crossed := (o.Side == models.Buy && price <= o.Price) ||
			(o.Side == models.Sell && price >= o.Price)
		if !crossed {
			continue
		}
		s.settle(o)
		s.Fills = append(s.Fills, id)
		delete(s.orders, id)
	}
}

// SetFundingRate 更新模拟资金费率。
func (s *SimExchange) SetFundingRate(rate float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fundingRate = rate
}

// FillOrder 强制按挂单价成交一个订单（无视当前价格）。
func (s *SimExchange) FillOrder(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return fmt.Errorf("订单 %s 不存在", id)
	}
	s.settle(o)
	s.Fills = append(s.Fills, id)
	delete(s.orders, id)
	return nil
}

// SetFilled 设置订单的已成交数量（模拟部分成交）。
// 资金交割在订单完全成交时一次性完成。
func (s *SimExchange) SetFilled(id string, filled float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return fmt.Errorf("订单 %s 不存在", id)
	}
	o.FilledSize = filled
	return nil
}

// settle 以挂单价完成限价单的资金交割。
func (s *SimExchange) settle(o *models.ActiveOrder) {
	if o.Side == models.Buy {
		s.balances.QuoteLocked -= o.Price * o.Size
		s.balances.BaseAvailable += o.Size
	} else {
		s.balances.BaseLocked -= o.Size
		s.balances.QuoteAvailable += o.Price * o.Size
	}
}

func (s *SimExchange) GetMidPrice() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.price, nil
}

func (s *SimExchange) GetFundingRate() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fundingRate, nil
}

func (s *SimExchange) PlaceLimitOrder(side models.Side, price, size float64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.placementGate(); err != nil {
		return "", err
	}

	if side == models.Buy {
		cost := price * size
		if cost > s.balances.QuoteAvailable {
			return "", &ErrOrderRejected{Reason: "insufficient quote balance"}
		}
		s.balances.QuoteAvailable -= cost
		s.balances.QuoteLocked += cost
	} else {
		if size > s.balances.BaseAvailable {
			return "", &ErrOrderRejected{Reason: "insufficient base balance"}
		}
		s.balances.BaseAvailable -= size
		s.balances.BaseLocked += size
	}

	s.nextID++
	id := strconv.FormatInt(s.nextID, 10)
	s.orders[id] = &models.ActiveOrder{ID: id, Side: side, Price: price, Size: size}
	return id, nil
}

func (s *SimExchange) PlaceMarketOrder(side models.Side, size float64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.placementGate(); err != nil {
		return "", err
	}

	s.nextID++
	id := strconv.FormatInt(s.nextID, 10)

	if side == models.Sell {
		if size <= s.balances.BaseAvailable {
			// 现货卖出
			s.balances.BaseAvailable -= size
			s.balances.QuoteAvailable += size * s.price
			return id, nil
		}
		// 开（或加）空仓
		if s.short == nil {
			s.short = &models.Position{Size: -size, EntryPrice: s.price}
		} else {
			s.short.Size -= size
		}
		return id, nil
	}

	// 买入：优先平空仓
	if s.short != nil && s.short.Size < 0 {
		s.short.Size += size
		if s.short.Size >= 0 {
			s.short = nil
		}
		return id, nil
	}
	cost := size * s.price
	if cost > s.balances.QuoteAvailable {
		return "", &ErrOrderRejected{Reason: "insufficient quote balance"}
	}
	s.balances.QuoteAvailable -= cost
	s.balances.BaseAvailable += size
	return id, nil
}

func (s *SimExchange) placementGate() error {
	if s.RejectNextPlace {
		s.RejectNextPlace = false
		return &ErrOrderRejected{Reason: "size below exchange minimum"}
	}
	if s.FailNextPlace {
		s.FailNextPlace = false
		return fmt.Errorf("simulated network timeout")
	}
	return nil
}

func (s *SimExchange) CancelOrder(orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("订单 %s 不存在", orderID)
	}
	s.unlock(o)
	delete(s.orders, orderID)
	return nil
}

func (s *SimExchange) CancelAllOrders() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.orders)
	for id, o := range s.orders {
		s.unlock(o)
		delete(s.orders, id)
	}
	return n, nil
}

// unlock 归还被挂单占用的余额。
func (s *SimExchange) unlock(o *models.ActiveOrder) {
	if o.Side == models.Buy {
		s.balances.QuoteLocked -= o.Price * o.Size
		s.balances.QuoteAvailable += o.Price * o.Size
	} else {
		s.balances.BaseLocked -= o.Size
		s.balances.BaseAvailable += o.Size
	}
}

func (s *SimExchange) GetActiveOrders() ([]models.ActiveOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	orders := make([]models.ActiveOrder, 0, len(s.orders))
	for _, o := range s.orders {
		orders = append(orders, *o)
	}
	return orders, nil
}

func (s *SimExchange) GetPositions() ([]models.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.short == nil {
		return nil, nil
	}
	return []models.Position{*s.short}, nil
}

func (s *SimExchange) GetAccountBalances() (*models.Balances, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.balances
	return &b, nil
}

// Balances 返回当前余额快照，便于测试断言。
func (s *SimExchange) Balances() models.Balances {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances
}

// ActiveOrderCount 返回当前挂单数量。
func (s *SimExchange) ActiveOrderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

// Short 返回当前空仓（可能为nil）。
func (s *SimExchange) Short() *models.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.short == nil {
		return nil
	}
	p := *s.short
	return &p
}
