package exchange

import "lit-grid-bot-go/internal/models"

// Exchange 定义了所有交易所实现必须提供的通用方法。
// 这使得核心引擎可以在真实交易和模拟之间轻松切换。
//
// The implementation is constructed for a single symbol; fill outcomes are
// observed only by polling GetActiveOrders (no push notifications).
type Exchange interface {
	GetMidPrice() (float64, error)
	GetFundingRate() (float64, error)
	PlaceLimitOrder(side models.Side, price, size float64) (string, error)
	PlaceMarketOrder(side models.Side, size float64) (string, error)
	CancelOrder(orderID string) error
	CancelAllOrders() (int, error)
	GetActiveOrders() ([]models.ActiveOrder, error)
	GetPositions() ([]models.Position, error)
	GetAccountBalances() (*models.Balances, error)
}

// ErrOrderRejected marks a placement the exchange refused (size or price
// outside its limits). Callers skip the single placement and move on.
type ErrOrderRejected struct {
	Reason string
}

func (e *ErrOrderRejected) Error() string {
	return "order rejected: " + e.Reason
}
