package exchange

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"lit-grid-bot-go/internal/models"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/jxskiss/base62"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// LiveExchange 实现了 Exchange 接口，用于与真实的交易所进行交互。
// 行情通过 WebSocket 缓存在本地，订单与账户操作走签名的 REST 接口，
// 所有 REST 调用都经过熔断器保护。
type LiveExchange struct {
	symbol     string
	apiKey     string
	secretKey  string
	baseURL    string
	wsBaseURL  string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     *zap.SugaredLogger

	mu          sync.RWMutex
	wsConn      *websocket.Conn
	lastPrice   float64
	lastPriceAt time.Time
	stopChan    chan struct{}
}

// apiError 定义了交易所API返回的错误信息结构
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("API Error: code=%d, msg=%s", e.Code, e.Msg)
}

// priceStaleAfter bounds how old a websocket price may be before we fall
// back to a REST read.
const priceStaleAfter = 10 * time.Second

// NewLiveExchange 创建一个新的 LiveExchange 实例并启动行情流。
func NewLiveExchange(symbol, apiKey, secretKey, baseURL, wsBaseURL string, logger *zap.SugaredLogger) (*LiveExchange, error) {
	e := &LiveExchange{
		symbol:     symbol,
		apiKey:     apiKey,
		secretKey:  secretKey,
		baseURL:    baseURL,
		wsBaseURL:  wsBaseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		stopChan:   make(chan struct{}),
	}

	e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "exchange-rest",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warnf("熔断器 %s 状态变化: %s -> %s", name, from, to)
		},
	})

	go e.priceStreamLoop()

	return e, nil
}

// Close 停止行情流等后台任务。
func (e *LiveExchange) Close() {
	close(e.stopChan)
	e.mu.Lock()
	if e.wsConn != nil {
		e.wsConn.Close()
	}
	e.mu.Unlock()
}

// newClientOrderID 生成紧凑的base62客户端订单ID。
func newClientOrderID() string {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return "grid-" + base62.EncodeToString(buf)
}

// doRequest 是一个通用的请求处理函数，用于向交易所API发送请求。
func (e *LiveExchange) doRequest(method, endpoint string, params url.Values, signed bool) ([]byte, error) {
	result, err := e.breaker.Execute(func() (interface{}, error) {
		fullURL := fmt.Sprintf("%s%s", e.baseURL, endpoint)
		queryParams := url.Values{}
		for k, v := range params {
			queryParams[k] = v
		}

		if signed {
			queryParams.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
			mac := hmac.New(sha256.New, []byte(e.secretKey))
			mac.Write([]byte(queryParams.Encode()))
			queryParams.Set("signature", hex.EncodeToString(mac.Sum(nil)))
		}

		req, err := http.NewRequest(method, fullURL, nil)
		if err != nil {
			return nil, err
		}
		req.URL.RawQuery = queryParams.Encode()
		req.Header.Set("X-API-KEY", e.apiKey)

		resp, err := e.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode != http.StatusOK {
			var apiErr apiError
			if json.Unmarshal(body, &apiErr) == nil && apiErr.Msg != "" {
				// 下单被拒（数量/价格超限）不应触发熔断重试语义，
				// 由调用方按单跳过处理。
				if resp.StatusCode == http.StatusBadRequest {
					return nil, &ErrOrderRejected{Reason: apiErr.Msg}
				}
				return nil, &apiErr
			}
			return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
		}
		return body, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

// GetMidPrice 返回当前中间价。优先使用 WebSocket 缓存，过期则回退REST。
func (e *LiveExchange) GetMidPrice() (float64, error) {
	e.mu.RLock()
	price, at := e.lastPrice, e.lastPriceAt
	e.mu.RUnlock()
	if price > 0 && time.Since(at) < priceStaleAfter {
		return price, nil
	}

	params := url.Values{}
	params.Set("symbol", e.symbol)
	body, err := e.doRequest(http.MethodGet, "/api/v1/ticker/bookTicker", params, false)
	if err != nil {
		return 0, fmt.Errorf("获取中间价失败: %w", err)
	}

	var ticker struct {
		BidPrice string `json:"bidPrice"`
		AskPrice string `json:"askPrice"`
	}
	if err := json.Unmarshal(body, &ticker); err != nil {
		return 0, err
	}
	bid, err1 := strconv.ParseFloat(ticker.BidPrice, 64)
	ask, err2 := strconv.ParseFloat(ticker.AskPrice, 64)
	if err1 != nil || err2 != nil || bid <= 0 || ask <= 0 {
		return 0, fmt.Errorf("无效的盘口价格: bid=%q ask=%q", ticker.BidPrice, ticker.AskPrice)
	}

	mid := (bid + ask) / 2
	e.mu.Lock()
	e.lastPrice = mid
	e.lastPriceAt = time.Now()
	e.mu.Unlock()
	return mid, nil
}

// GetFundingRate 返回当前资金费率。
func (e *LiveExchange) GetFundingRate() (float64, error) {
	params := url.Values{}
	params.Set("symbol", e.symbol)
	body, err := e.doRequest(http.MethodGet, "/api/v1/premiumIndex", params, false)
	if err != nil {
		return 0, fmt.Errorf("获取资金费率失败: %w", err)
	}

	var premium struct {
		LastFundingRate string `json:"lastFundingRate"`
	}
	if err := json.Unmarshal(body, &premium); err != nil {
		return 0, err
	}
	return strconv.ParseFloat(premium.LastFundingRate, 64)
}

// PlaceLimitOrder 挂一个限价单，返回交易所订单ID。
func (e *LiveExchange) PlaceLimitOrder(side models.Side, price, size float64) (string, error) {
	return e.placeOrder(side, "LIMIT", price, size)
}

// PlaceMarketOrder 下一个市价单，返回交易所订单ID。
func (e *LiveExchange) PlaceMarketOrder(side models.Side, size float64) (string, error) {
	return e.placeOrder(side, "MARKET", 0, size)
}

func (e *LiveExchange) placeOrder(side models.Side, orderType string, price, size float64) (string, error) {
	params := url.Values{}
	params.Set("symbol", e.symbol)
	params.Set("side", string(side))
	params.Set("type", orderType)
	params.Set("quantity", strconv.FormatFloat(size, 'f', -1, 64))
	params.Set("newClientOrderId", newClientOrderID())
	if orderType == "LIMIT" {
		params.Set("price", strconv.FormatFloat(price, 'f', -1, 64))
		params.Set("timeInForce", "GTC")
	}

	body, err := e.doRequest(http.MethodPost, "/api/v1/order", params, true)
	if err != nil {
		return "", err
	}

	var order struct {
		OrderID int64 `json:"orderId"`
	}
	if err := json.Unmarshal(body, &order); err != nil {
		return "", err
	}
	return strconv.FormatInt(order.OrderID, 10), nil
}

// CancelOrder 撤销指定订单。
func (e *LiveExchange) CancelOrder(orderID string) error {
	params := url.Values{}
	params.Set("symbol", e.symbol)
	params.Set("orderId", orderID)
	_, err := e.doRequest(http.MethodDelete, "/api/v1/order", params, true)
	return err
}

// CancelAllOrders 撤销该交易对的所有挂单，返回撤销数量。
func (e *LiveExchange) CancelAllOrders() (int, error) {
	active, err := e.GetActiveOrders()
	if err != nil {
		return 0, err
	}
	params := url.Values{}
	params.Set("symbol", e.symbol)
	if _, err := e.doRequest(http.MethodDelete, "/api/v1/allOpenOrders", params, true); err != nil {
		return 0, err
	}
	return len(active), nil
}

// GetActiveOrders 返回当前所有挂单。
func (e *LiveExchange) GetActiveOrders() ([]models.ActiveOrder, error) {
	params := url.Values{}
	params.Set("symbol", e.symbol)
	body, err := e.doRequest(http.MethodGet, "/api/v1/openOrders", params, true)
	if err != nil {
		return nil, fmt.Errorf("获取挂单列表失败: %w", err)
	}

	var raw []struct {
		OrderID     int64  `json:"orderId"`
		Side        string `json:"side"`
		Price       string `json:"price"`
		OrigQty     string `json:"origQty"`
		ExecutedQty string `json:"executedQty"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}

	orders := make([]models.ActiveOrder, 0, len(raw))
	for _, o := range raw {
		price, _ := strconv.ParseFloat(o.Price, 64)
		size, _ := strconv.ParseFloat(o.OrigQty, 64)
		filled, _ := strconv.ParseFloat(o.ExecutedQty, 64)
		orders = append(orders, models.ActiveOrder{
			ID:         strconv.FormatInt(o.OrderID, 10),
			Side:       models.Side(o.Side),
			Price:      price,
			Size:       size,
			FilledSize: filled,
		})
	}
	return orders, nil
}

// GetPositions 返回当前持仓（空仓为负数量）。
func (e *LiveExchange) GetPositions() ([]models.Position, error) {
	params := url.Values{}
	params.Set("symbol", e.symbol)
	body, err := e.doRequest(http.MethodGet, "/api/v1/positionRisk", params, true)
	if err != nil {
		return nil, fmt.Errorf("获取持仓失败: %w", err)
	}

	var raw []struct {
		PositionAmt      string `json:"positionAmt"`
		EntryPrice       string `json:"entryPrice"`
		UnRealizedProfit string `json:"unRealizedProfit"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}

	var positions []models.Position
	for _, p := range raw {
		size, _ := strconv.ParseFloat(p.PositionAmt, 64)
		if size == 0 {
			continue
		}
		entry, _ := strconv.ParseFloat(p.EntryPrice, 64)
		pnl, _ := strconv.ParseFloat(p.UnRealizedProfit, 64)
		positions = append(positions, models.Position{
			Size:          size,
			EntryPrice:    entry,
			UnrealizedPnl: pnl,
		})
	}
	return positions, nil
}

// GetAccountBalances 返回基础资产与计价资产的余额。
func (e *LiveExchange) GetAccountBalances() (*models.Balances, error) {
	body, err := e.doRequest(http.MethodGet, "/api/v1/account", nil, true)
	if err != nil {
		return nil, fmt.Errorf("获取账户余额失败: %w", err)
	}

	var account struct {
		Assets []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"assets"`
	}
	if err := json.Unmarshal(body, &account); err != nil {
		return nil, err
	}

	base, quote := splitSymbol(e.symbol)
	balances := &models.Balances{}
	for _, a := range account.Assets {
		free, _ := strconv.ParseFloat(a.Free, 64)
		locked, _ := strconv.ParseFloat(a.Locked, 64)
		switch a.Asset {
		case base:
			balances.BaseAvailable = free
			balances.BaseLocked = locked
		case quote:
			balances.QuoteAvailable = free
			balances.QuoteLocked = locked
		}
	}
	return balances, nil
}

// splitSymbol 将 "LITUSDC" 拆为基础资产与计价资产。
// 只认常见计价后缀；未命中时退化为后4位。
func splitSymbol(symbol string) (base, quote string) {
	for _, q := range []string{"USDC", "USDT", "USD"} {
		if strings.HasSuffix(symbol, q) && len(symbol) > len(q) {
			return symbol[:len(symbol)-len(q)], q
		}
	}
	if len(symbol) > 4 {
		return symbol[:len(symbol)-4], symbol[len(symbol)-4:]
	}
	return symbol, ""
}

// priceStreamLoop 是一个守护进程，负责维持行情WebSocket的连接和重连。
func (e *LiveExchange) priceStreamLoop() {
	retry := &backoff.Backoff{Min: time.Second, Max: time.Minute, Factor: 2, Jitter: true}
	for {
		select {
		case <-e.stopChan:
			return
		default:
		}

		if err := e.connectPriceStream(); err != nil {
			d := retry.Duration()
			e.logger.Warnf("行情WebSocket连接失败: %v。%s后重试...", err, d)
			select {
			case <-time.After(d):
			case <-e.stopChan:
				return
			}
			continue
		}
		retry.Reset()

		if err := e.readPriceStream(); err != nil {
			e.logger.Warnf("行情WebSocket中断: %v，准备重连...", err)
		}

		e.mu.Lock()
		if e.wsConn != nil {
			e.wsConn.Close()
			e.wsConn = nil
		}
		e.mu.Unlock()
	}
}

func (e *LiveExchange) connectPriceStream() error {
	wsURL := fmt.Sprintf("%s/ws/%s@bookTicker", e.wsBaseURL, strings.ToLower(e.symbol))
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.wsConn = conn
	e.mu.Unlock()
	return nil
}

// readPriceStream 为一个已建立的连接处理消息，并实现心跳机制。
func (e *LiveExchange) readPriceStream() error {
	const (
		pongWait   = 60 * time.Second
		pingPeriod = (pongWait * 9) / 10
	)

	e.mu.RLock()
	conn := e.wsConn
	e.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("连接不存在")
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()
	pingStop := make(chan struct{})
	defer close(pingStop)

	go func() {
		for {
			select {
			case <-pingTicker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-pingStop:
				return
			case <-e.stopChan:
				return
			}
		}
	}()

	for {
		select {
		case <-e.stopChan:
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		default:
			_, message, err := conn.ReadMessage()
			if err != nil {
				return err
			}

			var ticker struct {
				BidPrice json.Number `json:"b"`
				AskPrice json.Number `json:"a"`
			}
			if err := json.Unmarshal(message, &ticker); err != nil {
				continue
			}
			bid, err1 := ticker.BidPrice.Float64()
			ask, err2 := ticker.AskPrice.Float64()
			if err1 != nil || err2 != nil || bid <= 0 || ask <= 0 {
				continue
			}

			e.mu.Lock()
			e.lastPrice = (bid + ask) / 2
			e.lastPriceAt = time.Now()
			e.mu.Unlock()
		}
	}
}
